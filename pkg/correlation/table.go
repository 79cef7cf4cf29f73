// Package correlation matches asynchronous replies to the synchronous calls
// that are waiting for them.
//
// Every call gets a fresh CallID and a pending entry with a single-slot
// outcome channel. Resolve and Fail write that slot at most once; Await is the
// only reader and always removes the entry before returning, so no entry
// outlives its consumer.
package correlation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-metrics"

	"github.com/morezero/action-bridge/pkg/telemetry"
)

const logPrefix = "correlation:table"

var (
	// ErrTimeout is returned by Await when no outcome arrived within the timeout.
	ErrTimeout = errors.New("correlation: timed out waiting for reply")
	// ErrUnknownCall is returned by Await for an id with no pending entry.
	ErrUnknownCall = errors.New("correlation: no pending call with this id")
)

// FailedError carries the reason a worker gave when failing a call.
type FailedError struct {
	Reason string
}

func (e *FailedError) Error() string {
	return "correlation: call failed: " + e.Reason
}

// CallID is the 128-bit random identifier joining a request to its reply.
type CallID uuid.UUID

// NilCallID is the zero CallID; it is never minted.
var NilCallID = CallID(uuid.Nil)

// ParseCallID parses the textual form found in reply envelopes.
func ParseCallID(s string) (CallID, error) {
	id, err := uuid.Parse(s)
	if err != nil {
		return NilCallID, fmt.Errorf("%s - invalid call id %q: %w", logPrefix, s, err)
	}
	return CallID(id), nil
}

func (id CallID) String() string {
	return uuid.UUID(id).String()
}

// outcome is what a pending call resolves to: a payload or a failure reason.
type outcome struct {
	payload json.RawMessage
	err     error
}

type pendingCall struct {
	// result has capacity one; the single write happens under the table lock
	// while settled flips, so it never blocks.
	result  chan outcome
	settled bool
	begun   time.Time
}

// Table is the correlation table. The zero value is not usable; call NewTable.
type Table struct {
	mu      sync.Mutex
	pending map[CallID]*pendingCall
	newID   func() uuid.UUID
	sink    metrics.MetricSink
}

// Option configures a Table.
type Option func(*Table)

// WithMetricSink sets where the pending-call gauge is reported.
func WithMetricSink(sink metrics.MetricSink) Option {
	return func(t *Table) {
		t.sink = sink
	}
}

// withIDSource replaces the id generator (tests only).
func withIDSource(gen func() uuid.UUID) Option {
	return func(t *Table) {
		t.newID = gen
	}
}

// NewTable creates an empty correlation table.
func NewTable(opts ...Option) *Table {
	t := &Table{
		pending: make(map[CallID]*pendingCall),
		newID:   uuid.New,
	}
	for _, opt := range opts {
		opt(t)
	}
	t.sink = telemetry.SinkOrBlackhole(t.sink)
	return t
}

// Begin mints a fresh id and inserts an unresolved entry for it. The entry is
// in the table before Begin returns, so a reply that arrives right after the
// request is published is always observed.
func (t *Table) Begin() CallID {
	t.mu.Lock()
	defer t.mu.Unlock()

	var id CallID
	for {
		id = CallID(t.newID())
		if id == NilCallID {
			continue
		}
		if _, exists := t.pending[id]; !exists {
			break
		}
		// A collision on 122 random bits means the generator is broken.
		slog.Error(fmt.Sprintf("%s - call id collision on %s, minting another", logPrefix, id))
	}

	t.pending[id] = &pendingCall{
		result: make(chan outcome, 1),
		begun:  time.Now(),
	}
	t.sink.SetGauge(telemetry.MetricPendingCalls, float32(len(t.pending)))
	return id
}

// Resolve settles the pending call for id with payload and wakes its waiter.
// It returns false when there is no unresolved entry for id (unknown, late
// or duplicate reply); that is a normal outcome, not an error.
func (t *Table) Resolve(id CallID, payload json.RawMessage) bool {
	return t.settle(id, outcome{payload: payload})
}

// Fail settles the pending call for id with a failure reason. Same
// first-writer-wins rule as Resolve.
func (t *Table) Fail(id CallID, reason string) bool {
	return t.settle(id, outcome{err: &FailedError{Reason: reason}})
}

func (t *Table) settle(id CallID, o outcome) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	p, ok := t.pending[id]
	if !ok || p.settled {
		return false
	}
	p.settled = true
	p.result <- o
	return true
}

// Await blocks until the call for id is settled, timeout elapses or ctx is
// done, whichever comes first. Exactly one of payload or error is returned and
// the entry is gone from the table when Await returns.
//
// On timeout it returns ErrTimeout; on cancellation ctx.Err(); on a failed
// call a *FailedError.
func (t *Table) Await(ctx context.Context, id CallID, timeout time.Duration) (json.RawMessage, error) {
	t.mu.Lock()
	p, ok := t.pending[id]
	t.mu.Unlock()
	if !ok {
		return nil, ErrUnknownCall
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case o := <-p.result:
		t.remove(id)
		return o.payload, o.err
	case <-timer.C:
		return t.expire(id, p, ErrTimeout)
	case <-ctx.Done():
		return t.expire(id, p, ctx.Err())
	}
}

// expire removes the entry and returns cause, unless a settle slipped in
// between the wake-up and the removal; in that case the settled outcome wins.
func (t *Table) expire(id CallID, p *pendingCall, cause error) (json.RawMessage, error) {
	t.mu.Lock()
	delete(t.pending, id)
	p.settled = true
	t.sink.SetGauge(telemetry.MetricPendingCalls, float32(len(t.pending)))
	t.mu.Unlock()

	select {
	case o := <-p.result:
		return o.payload, o.err
	default:
		return nil, cause
	}
}

// Discard drops the entry for id without waiting (the request never left).
// It reports whether an entry was removed.
func (t *Table) Discard(id CallID) bool {
	return t.remove(id)
}

func (t *Table) remove(id CallID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	p, ok := t.pending[id]
	if !ok {
		return false
	}
	p.settled = true
	delete(t.pending, id)
	t.sink.SetGauge(telemetry.MetricPendingCalls, float32(len(t.pending)))
	return true
}

// Contains reports whether id has a live entry.
func (t *Table) Contains(id CallID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.pending[id]
	return ok
}

// Len returns the number of live entries.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}

// Oldest returns how long the oldest live entry has been waiting.
func (t *Table) Oldest() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()

	var oldest time.Time
	for _, p := range t.pending {
		if oldest.IsZero() || p.begun.Before(oldest) {
			oldest = p.begun
		}
	}
	if oldest.IsZero() {
		return 0
	}
	return time.Since(oldest)
}
