package db

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hashicorp/go-metrics"

	"github.com/morezero/action-bridge/pkg/dispatcher"
	"github.com/morezero/action-bridge/pkg/telemetry"
)

const journalLogPrefix = "db:journal"

const (
	defaultJournalBuffer = 1024
	defaultBatchSize     = 64
	defaultFlushInterval = 500 * time.Millisecond
	writeTimeout         = 5 * time.Second
)

// callWriter persists a batch of call records.
type callWriter interface {
	InsertCalls(ctx context.Context, records []dispatcher.CallRecord) error
}

// Journal is a dispatcher.Recorder that writes call records from a
// background worker. Record never blocks: when the queue is full the record
// is dropped and counted.
type Journal struct {
	writer        callWriter
	queue         chan dispatcher.CallRecord
	batchSize     int
	flushInterval time.Duration
	sink          metrics.MetricSink

	mu      sync.RWMutex
	closed  bool
	done    chan struct{}
	started bool
}

// JournalParams holds parameters for NewJournal. Zero values use defaults.
type JournalParams struct {
	Writer        callWriter
	Buffer        int
	BatchSize     int
	FlushInterval time.Duration
	MetricSink    metrics.MetricSink
}

// NewJournal creates a Journal. Call Start before recording.
func NewJournal(params JournalParams) *Journal {
	if params.Buffer <= 0 {
		params.Buffer = defaultJournalBuffer
	}
	if params.BatchSize <= 0 {
		params.BatchSize = defaultBatchSize
	}
	if params.FlushInterval <= 0 {
		params.FlushInterval = defaultFlushInterval
	}
	return &Journal{
		writer:        params.Writer,
		queue:         make(chan dispatcher.CallRecord, params.Buffer),
		batchSize:     params.BatchSize,
		flushInterval: params.FlushInterval,
		sink:          telemetry.SinkOrBlackhole(params.MetricSink),
		done:          make(chan struct{}),
	}
}

// Record queues rec for writing.
func (j *Journal) Record(rec dispatcher.CallRecord) {
	j.mu.RLock()
	defer j.mu.RUnlock()
	if j.closed {
		j.dropped("closed")
		return
	}

	select {
	case j.queue <- rec:
	default:
		j.dropped("full")
	}
}

func (j *Journal) dropped(reason string) {
	j.sink.IncrCounterWithLabels(telemetry.MetricJournalDroppedCount, 1, []metrics.Label{
		telemetry.LabelReason.M(reason),
	})
}

// Start runs the writer until Close.
func (j *Journal) Start() {
	j.mu.Lock()
	if j.started {
		j.mu.Unlock()
		return
	}
	j.started = true
	j.mu.Unlock()

	go j.run()
	slog.Info(fmt.Sprintf("%s - Call journal started (buffer %d)", journalLogPrefix, cap(j.queue)))
}

func (j *Journal) run() {
	defer close(j.done)

	ticker := time.NewTicker(j.flushInterval)
	defer ticker.Stop()

	batch := make([]dispatcher.CallRecord, 0, j.batchSize)
	for {
		select {
		case rec, ok := <-j.queue:
			if !ok {
				j.flush(batch)
				return
			}
			batch = append(batch, rec)
			if len(batch) >= j.batchSize {
				j.flush(batch)
				batch = batch[:0]
			}
		case <-ticker.C:
			if len(batch) > 0 {
				j.flush(batch)
				batch = batch[:0]
			}
		}
	}
}

func (j *Journal) flush(batch []dispatcher.CallRecord) {
	if len(batch) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()

	if err := j.writer.InsertCalls(ctx, batch); err != nil {
		slog.Error(fmt.Sprintf("%s - failed to write %d call records: %v", journalLogPrefix, len(batch), err))
		j.sink.IncrCounterWithLabels(telemetry.MetricJournalDroppedCount, float32(len(batch)), []metrics.Label{
			telemetry.LabelReason.M("write"),
		})
	}
}

// Close stops accepting records and waits until queued ones are written or
// ctx is done.
func (j *Journal) Close(ctx context.Context) error {
	j.mu.Lock()
	if j.closed {
		j.mu.Unlock()
		return nil
	}
	j.closed = true
	started := j.started
	close(j.queue)
	j.mu.Unlock()

	if !started {
		return nil
	}

	select {
	case <-j.done:
		slog.Info(fmt.Sprintf("%s - Call journal drained", journalLogPrefix))
		return nil
	case <-ctx.Done():
		return fmt.Errorf("%s - journal did not drain: %w", journalLogPrefix, ctx.Err())
	}
}
