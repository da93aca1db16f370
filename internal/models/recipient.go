package models

import "time"

type RecipientStatus string

const (
	RecipientPending   RecipientStatus = "pending"
	RecipientSending   RecipientStatus = "sending"
	RecipientSent      RecipientStatus = "sent"
	RecipientDelivered RecipientStatus = "delivered"
	RecipientRead      RecipientStatus = "read"
	RecipientFailed    RecipientStatus = "failed"
	RecipientSkipped   RecipientStatus = "skipped"
)

// CampaignRecipient tracks one contact's delivery lifecycle within one
// campaign. Unique on (campaign_id, contact_id). Delivery-status callbacks
// advance sent rows to delivered/read out of band.
type CampaignRecipient struct {
	ID         int64 `json:"id"`
	CampaignID int64 `json:"campaign_id"`
	ContactID  int64 `json:"contact_id"`

	// Snapshot of contact data at precheck time.
	Phone        string            `json:"phone"`
	Name         string            `json:"name"`
	CustomFields map[string]string `json:"custom_fields,omitempty"`

	Status RecipientStatus `json:"status"`

	SkipCode   string `json:"skip_code,omitempty"`
	SkipReason string `json:"skip_reason,omitempty"`

	FailureCode   string `json:"failure_code,omitempty"`
	FailureReason string `json:"failure_reason,omitempty"`

	ProviderMessageID string `json:"provider_message_id,omitempty"`
	TraceID           string `json:"trace_id,omitempty"`

	SentAt    *time.Time `json:"sent_at,omitempty"`
	FailedAt  *time.Time `json:"failed_at,omitempty"`
	SkippedAt *time.Time `json:"skipped_at,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt *time.Time `json:"updated_at,omitempty"`
}

// Locked reports whether the row has progressed past the point where a
// validation or claim pass may overwrite it. Once a recipient is in flight,
// has a terminal outcome, or carries a provider message id, later precheck
// runs must leave it untouched so status never regresses.
func (r *CampaignRecipient) Locked() bool {
	switch r.Status {
	case RecipientSending, RecipientSent, RecipientDelivered, RecipientRead, RecipientFailed:
		return true
	}
	return r.ProviderMessageID != ""
}
