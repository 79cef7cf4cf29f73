package db

import "time"

// CallEntry is one row of the call journal.
type CallEntry struct {
	ID         string    `json:"id"`
	Service    string    `json:"service"`
	Action     string    `json:"action"`
	Outcome    string    `json:"outcome"`
	Code       string    `json:"code,omitempty"`
	Error      string    `json:"error,omitempty"`
	StartedAt  time.Time `json:"startedAt"`
	DurationMs int64     `json:"durationMs"`
	RecordedAt time.Time `json:"recordedAt"`
}

// ListCallsParams filters ListRecentCalls. Empty fields match everything.
type ListCallsParams struct {
	Service string
	Outcome string
	Limit   int
}
