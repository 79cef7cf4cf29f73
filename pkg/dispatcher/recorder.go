package dispatcher

import "time"

// Call outcomes, as recorded and labelled in metrics.
const (
	OutcomeResolved      = "resolved"
	OutcomeFailed        = "failed"
	OutcomeTimeout       = "timeout"
	OutcomePublishFailed = "publish_failed"
	OutcomeCancelled     = "cancelled"
)

// CallRecord describes one call that reached the correlation table.
type CallRecord struct {
	ID        string
	Service   string
	Action    string
	Outcome   string
	Code      string
	Error     string
	StartedAt time.Time
	Duration  time.Duration
}

// Recorder receives a record per terminal call. Record is called on the
// caller's goroutine and must not block.
type Recorder interface {
	Record(rec CallRecord)
}

// NoOpRecorder discards records.
type NoOpRecorder struct{}

// Record does nothing.
func (NoOpRecorder) Record(CallRecord) {}

// RecorderFunc adapts a function to Recorder.
type RecorderFunc func(CallRecord)

// Record calls f.
func (f RecorderFunc) Record(rec CallRecord) {
	f(rec)
}
