package models

import "time"

// BatchMetrics is one append-only observability record per workflow batch.
type BatchMetrics struct {
	CampaignID int64  `json:"campaign_id"`
	TraceID    string `json:"trace_id"`
	BatchIndex int    `json:"batch_index"`

	Claimed int `json:"claimed"`
	Sent    int `json:"sent"`
	Failed  int `json:"failed"`
	Skipped int `json:"skipped"`

	Throttled  bool    `json:"throttled"`
	RatePerSec float64 `json:"rate_per_sec"`

	ProviderMS int64 `json:"provider_ms"` // cumulative provider latency
	StoreMS    int64 `json:"store_ms"`    // batch-end persistence latency

	RecordedAt time.Time `json:"recorded_at"`
}

// RunMetrics is one append-only record per workflow run.
type RunMetrics struct {
	CampaignID int64  `json:"campaign_id"`
	TraceID    string `json:"trace_id"`
	Phase      string `json:"phase"` // dispatch, init, complete

	Queued  int `json:"queued"`
	Skipped int `json:"skipped"`
	Batches int `json:"batches"`

	RecordedAt time.Time `json:"recorded_at"`
}
