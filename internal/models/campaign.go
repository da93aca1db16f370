package models

import (
	"encoding/json"
	"time"
)

type CampaignStatus string

const (
	CampaignDraft     CampaignStatus = "draft"
	CampaignScheduled CampaignStatus = "scheduled"
	CampaignSending   CampaignStatus = "sending"
	CampaignPaused    CampaignStatus = "paused"
	CampaignCompleted CampaignStatus = "completed"
	CampaignFailed    CampaignStatus = "failed"
	CampaignCancelled CampaignStatus = "cancelled"
)

// Terminal reports whether the campaign can never be dispatched again.
func (s CampaignStatus) Terminal() bool {
	switch s {
	case CampaignCompleted, CampaignFailed, CampaignCancelled:
		return true
	}
	return false
}

type Campaign struct {
	ID         int64          `json:"id"`
	Name       string         `json:"name"`
	ChannelID  string         `json:"channel_id"`
	Status     CampaignStatus `json:"status"`
	TemplateID int64          `json:"template_id"`

	// TemplateSnapshot is the frozen template spec captured on first
	// dispatch. Raw JSON so the store never needs to understand it.
	TemplateSnapshot json.RawMessage `json:"template_snapshot,omitempty"`

	TotalRecipients int `json:"total_recipients"`
	Sent            int `json:"sent"`
	Failed          int `json:"failed"`
	Skipped         int `json:"skipped"`

	TraceID   string `json:"trace_id,omitempty"`
	LastError string `json:"last_error,omitempty"`

	ScheduledAt     *time.Time `json:"scheduled_at,omitempty"`
	StartedAt       *time.Time `json:"started_at,omitempty"`
	FirstDispatchAt *time.Time `json:"first_dispatch_at,omitempty"`
	LastSentAt      *time.Time `json:"last_sent_at,omitempty"`
	CompletedAt     *time.Time `json:"completed_at,omitempty"`

	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt *time.Time `json:"updated_at,omitempty"`
}

// StatusCounts is the per-status recipient aggregation re-read from the
// store at completion time and exposed by the stats endpoint.
type StatusCounts struct {
	Total   int `json:"total"`
	Pending int `json:"pending"`
	Sending int `json:"sending"`
	Sent    int `json:"sent"`
	Failed  int `json:"failed"`
	Skipped int `json:"skipped"`
}
