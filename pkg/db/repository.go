package db

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/morezero/action-bridge/pkg/dispatcher"
)

const repoLogPrefix = "db:repository"

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

// Repository provides database access for the call journal.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository creates a new Repository with the given connection pool.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

const insertCallSQL = `INSERT INTO call_journal
	(id, service, action, outcome, code, error, started_at, duration_ms)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	ON CONFLICT (id) DO NOTHING`

// InsertCalls writes records in one batch. Re-inserting an id is a no-op.
func (r *Repository) InsertCalls(ctx context.Context, records []dispatcher.CallRecord) error {
	if len(records) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	for _, rec := range records {
		batch.Queue(insertCallSQL,
			rec.ID, rec.Service, rec.Action, rec.Outcome, rec.Code, rec.Error,
			rec.StartedAt.UTC(), rec.Duration.Milliseconds())
	}

	results := r.pool.SendBatch(ctx, batch)
	defer results.Close()
	for range records {
		if _, err := results.Exec(); err != nil {
			return fmt.Errorf("%s - insert call: %w", repoLogPrefix, err)
		}
	}

	slog.Debug(fmt.Sprintf("%s - Inserted %d call records", repoLogPrefix, len(records)))
	return nil
}

// ListRecentCalls returns journal rows newest first.
func (r *Repository) ListRecentCalls(ctx context.Context, params ListCallsParams) ([]CallEntry, error) {
	limit := params.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}

	rows, err := r.pool.Query(ctx,
		`SELECT id::text, service, action, outcome, code, error, started_at, duration_ms, recorded_at
		 FROM call_journal
		 WHERE ($1::text = '' OR service = $1) AND ($2::text = '' OR outcome = $2)
		 ORDER BY started_at DESC
		 LIMIT $3`, params.Service, params.Outcome, limit)
	if err != nil {
		return nil, fmt.Errorf("%s - list calls: %w", repoLogPrefix, err)
	}
	defer rows.Close()

	var out []CallEntry
	for rows.Next() {
		var e CallEntry
		if err := rows.Scan(&e.ID, &e.Service, &e.Action, &e.Outcome, &e.Code, &e.Error,
			&e.StartedAt, &e.DurationMs, &e.RecordedAt); err != nil {
			return nil, fmt.Errorf("%s - scan call: %w", repoLogPrefix, err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%s - list calls: %w", repoLogPrefix, err)
	}
	return out, nil
}

// CountByOutcome returns the number of journal rows per outcome.
func (r *Repository) CountByOutcome(ctx context.Context) (map[string]int64, error) {
	rows, err := r.pool.Query(ctx, `SELECT outcome, COUNT(*) FROM call_journal GROUP BY outcome`)
	if err != nil {
		return nil, fmt.Errorf("%s - count calls: %w", repoLogPrefix, err)
	}
	defer rows.Close()

	out := make(map[string]int64)
	for rows.Next() {
		var outcome string
		var n int64
		if err := rows.Scan(&outcome, &n); err != nil {
			return nil, fmt.Errorf("%s - scan count: %w", repoLogPrefix, err)
		}
		out[outcome] = n
	}
	return out, rows.Err()
}
