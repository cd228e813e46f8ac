package queue

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/daimoniac/bountyline/internal/errors"
	"github.com/daimoniac/bountyline/internal/statestore"
	"github.com/daimoniac/bountyline/internal/types"
)

const postgresQueueSchema = `
CREATE TABLE IF NOT EXISTS queue_entries (
	id BIGSERIAL PRIMARY KEY,
	candidate_id TEXT NOT NULL UNIQUE,
	score DOUBLE PRECISION NOT NULL,
	payload BYTEA NOT NULL,
	enqueued_at BIGINT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_queue_entries_priority ON queue_entries(score DESC, id ASC);
`

// PostgresQueue implements PriorityQueue on Postgres. Concurrent dequeues
// from several processes each lock a different row.
type PostgresQueue struct {
	counters
	pool statestore.DBPool
	now  func() time.Time
}

// NewPostgresQueue wraps pool; call Migrate before first use
func NewPostgresQueue(pool statestore.DBPool) *PostgresQueue {
	return &PostgresQueue{pool: pool, now: time.Now}
}

// Migrate creates the queue table if needed
func (q *PostgresQueue) Migrate(ctx context.Context) error {
	if _, err := q.pool.Exec(ctx, postgresQueueSchema); err != nil {
		return errors.NewPermanentf("failed to initialize queue schema: %w", err)
	}
	return nil
}

// Enqueue implements PriorityQueue
func (q *PostgresQueue) Enqueue(ctx context.Context, c types.Candidate) error {
	if err := validate(c); err != nil {
		return err
	}
	payload, err := encode(c)
	if err != nil {
		return err
	}

	tag, err := q.pool.Exec(ctx, `
		INSERT INTO queue_entries (candidate_id, score, payload, enqueued_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (candidate_id) DO NOTHING`,
		c.ID, c.Score(), payload, q.now().UnixMilli())
	if err != nil {
		return errors.NewTransientf("failed to enqueue candidate %s: %w", c.ID, err)
	}

	if tag.RowsAffected() == 0 {
		q.increment("dropped")
		return nil
	}
	q.increment("enqueued")
	return nil
}

// Dequeue implements PriorityQueue
func (q *PostgresQueue) Dequeue(ctx context.Context) (*types.Candidate, error) {
	var payload []byte
	err := q.pool.QueryRow(ctx, `
		DELETE FROM queue_entries
		WHERE id = (
			SELECT id FROM queue_entries
			ORDER BY score DESC, id ASC
			FOR UPDATE SKIP LOCKED
			LIMIT 1
		)
		RETURNING payload`).Scan(&payload)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.NewTransientf("failed to dequeue: %w", err)
	}

	q.increment("dequeued")
	return decode(payload)
}

// Remove implements PriorityQueue
func (q *PostgresQueue) Remove(ctx context.Context, candidateID string) (bool, error) {
	tag, err := q.pool.Exec(ctx, `DELETE FROM queue_entries WHERE candidate_id = $1`, candidateID)
	if err != nil {
		return false, errors.NewTransientf("failed to remove candidate %s: %w", candidateID, err)
	}
	if tag.RowsAffected() == 0 {
		return false, nil
	}
	q.increment("removed")
	return true, nil
}

// Size implements PriorityQueue
func (q *PostgresQueue) Size(ctx context.Context) (int, error) {
	var n int64
	if err := q.pool.QueryRow(ctx, `SELECT COUNT(*) FROM queue_entries`).Scan(&n); err != nil {
		return 0, errors.NewTransientf("failed to count queue entries: %w", err)
	}
	return int(n), nil
}

// IsEmpty implements PriorityQueue
func (q *PostgresQueue) IsEmpty(ctx context.Context) (bool, error) {
	return isEmpty(ctx, q)
}

// Entries implements PriorityQueue
func (q *PostgresQueue) Entries(ctx context.Context, limit int) ([]Entry, error) {
	rows, err := q.pool.Query(ctx, `
		SELECT score, payload, enqueued_at FROM queue_entries
		ORDER BY score DESC, id ASC LIMIT $1`, entryLimit(limit))
	if err != nil {
		return nil, errors.NewTransientf("failed to list queue entries: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var (
			score   float64
			payload []byte
			at      int64
		)
		if err := rows.Scan(&score, &payload, &at); err != nil {
			return nil, errors.NewTransientf("failed to scan queue entry: %w", err)
		}
		entry, err := newEntry(score, payload, at)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

// Close is a no-op; the pool belongs to the state store
func (q *PostgresQueue) Close() error {
	return nil
}
