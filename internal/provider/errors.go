package provider

import (
	"errors"
	"fmt"
	"net/http"
)

// Provider error codes this engine reacts to specially. Everything else is
// terminal for the recipient.
const (
	codeThroughputExceeded = 130429
	codePairRateLimit      = 131056
	codeSpendLimit         = 80007
	codeMediaForbidden     = 131053
	codeMediaUnsupported   = 131052
	codeRecipientInvalid   = 131026
	codeRecipientBlocked   = 131031
)

type wireError struct {
	Code      int    `json:"code"`
	Title     string `json:"title"`
	Message   string `json:"message"`
	ErrorData struct {
		Details string `json:"details"`
	} `json:"error_data"`
	TraceID string `json:"fbtrace_id"`
}

// APIError is a structured provider-reported failure: numeric code, human
// title/message, and the provider's trace id.
type APIError struct {
	HTTPStatus int
	Code       int
	Title      string
	Message    string
	Details    string
	TraceID    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("provider error %d (%s): %s", e.Code, e.Title, e.Message)
}

func apiError(status int, we *wireError) error {
	e := &APIError{HTTPStatus: status}
	if we != nil {
		e.Code = we.Code
		e.Title = we.Title
		e.Message = we.Message
		e.Details = we.ErrorData.Details
		e.TraceID = we.TraceID
	}
	return e
}

// IsThroughputExceeded reports whether the error is the provider's rate
// limiting signal. These drive the adaptive throttle and leave the recipient
// in its pre-attempt state.
func IsThroughputExceeded(err error) bool {
	var ae *APIError
	if !errors.As(err, &ae) {
		return false
	}
	switch ae.Code {
	case codeThroughputExceeded, codePairRateLimit, codeSpendLimit:
		return true
	}
	return ae.HTTPStatus == http.StatusTooManyRequests
}

// IsMediaForbidden reports whether the provider rejected the header media
// weblink as forbidden or expired, which triggers the refresh/rehost
// recovery.
func IsMediaForbidden(err error) bool {
	var ae *APIError
	if !errors.As(err, &ae) {
		return false
	}
	return ae.Code == codeMediaForbidden || ae.Code == codeMediaUnsupported
}

// SuppressionCandidate reports whether the failure class feeds the
// cross-campaign auto-suppression heuristic.
func SuppressionCandidate(err error) bool {
	var ae *APIError
	if !errors.As(err, &ae) {
		return false
	}
	switch ae.Code {
	case codeRecipientInvalid, codeRecipientBlocked:
		return true
	}
	return false
}
