package models

import "time"

// ThroughputState is the persisted adaptive-rate state for one provider
// channel (sender phone number). Shared by every run sending through that
// channel, so it lives in the store rather than in process memory.
type ThroughputState struct {
	ChannelID      string    `json:"channel_id"`
	Rate           float64   `json:"rate"` // target messages/sec
	CooldownUntil  time.Time `json:"cooldown_until"`
	LastIncreaseAt time.Time `json:"last_increase_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}
