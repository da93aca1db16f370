package models

import "time"

type SuppressionSource string

const (
	SuppressionSourceManual    SuppressionSource = "manual"
	SuppressionSourceHeuristic SuppressionSource = "failure_heuristic"
	SuppressionSourceImport    SuppressionSource = "import"
)

// SuppressionEntry is a global, TTL-bounded block on contacting a phone
// number, independent of any single campaign. Read-only to the dispatch
// engine except for the automatic failure heuristic.
type SuppressionEntry struct {
	ID        int64             `json:"id"`
	Phone     string            `json:"phone"`
	Reason    string            `json:"reason"`
	Source    SuppressionSource `json:"source"`
	ExpiresAt *time.Time        `json:"expires_at,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
}

// Active reports whether the entry still applies at t.
func (e *SuppressionEntry) Active(t time.Time) bool {
	return e.ExpiresAt == nil || e.ExpiresAt.After(t)
}
