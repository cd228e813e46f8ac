package queue

import (
	"context"
	"database/sql"
	"time"

	"github.com/daimoniac/bountyline/internal/errors"
	"github.com/daimoniac/bountyline/internal/types"
)

const sqliteQueueSchema = `
CREATE TABLE IF NOT EXISTS queue_entries (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	candidate_id TEXT NOT NULL UNIQUE,
	score REAL NOT NULL,
	payload BLOB NOT NULL,
	enqueued_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_queue_entries_priority ON queue_entries(score DESC, id ASC);
`

// SQLiteQueue implements PriorityQueue on a table in the state store's
// database, so queued candidates survive restarts.
type SQLiteQueue struct {
	counters
	db  *sql.DB
	now func() time.Time
}

// NewSQLiteQueue creates the queue table if needed
func NewSQLiteQueue(ctx context.Context, db *sql.DB) (*SQLiteQueue, error) {
	if _, err := db.ExecContext(ctx, sqliteQueueSchema); err != nil {
		return nil, errors.NewPermanentf("failed to initialize queue schema: %w", err)
	}
	return &SQLiteQueue{db: db, now: time.Now}, nil
}

// Enqueue implements PriorityQueue
func (q *SQLiteQueue) Enqueue(ctx context.Context, c types.Candidate) error {
	if err := validate(c); err != nil {
		return err
	}
	payload, err := encode(c)
	if err != nil {
		return err
	}

	result, err := q.db.ExecContext(ctx, `
		INSERT INTO queue_entries (candidate_id, score, payload, enqueued_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(candidate_id) DO NOTHING`,
		c.ID, c.Score(), payload, q.now().UnixMilli())
	if err != nil {
		return errors.NewTransientf("failed to enqueue candidate %s: %w", c.ID, err)
	}

	if n, _ := result.RowsAffected(); n == 0 {
		q.increment("dropped")
		return nil
	}
	q.increment("enqueued")
	return nil
}

// Dequeue implements PriorityQueue. The select and delete are one
// statement, which SQLite runs under its single write lock.
func (q *SQLiteQueue) Dequeue(ctx context.Context) (*types.Candidate, error) {
	var payload []byte
	err := q.db.QueryRowContext(ctx, `
		DELETE FROM queue_entries
		WHERE id = (SELECT id FROM queue_entries ORDER BY score DESC, id ASC LIMIT 1)
		RETURNING payload`).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.NewTransientf("failed to dequeue: %w", err)
	}

	q.increment("dequeued")
	return decode(payload)
}

// Remove implements PriorityQueue
func (q *SQLiteQueue) Remove(ctx context.Context, candidateID string) (bool, error) {
	result, err := q.db.ExecContext(ctx, `DELETE FROM queue_entries WHERE candidate_id = ?`, candidateID)
	if err != nil {
		return false, errors.NewTransientf("failed to remove candidate %s: %w", candidateID, err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, errors.NewTransientf("failed to get rows affected: %w", err)
	}
	if n == 0 {
		return false, nil
	}
	q.increment("removed")
	return true, nil
}

// Size implements PriorityQueue
func (q *SQLiteQueue) Size(ctx context.Context) (int, error) {
	var n int
	if err := q.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM queue_entries`).Scan(&n); err != nil {
		return 0, errors.NewTransientf("failed to count queue entries: %w", err)
	}
	return n, nil
}

// IsEmpty implements PriorityQueue
func (q *SQLiteQueue) IsEmpty(ctx context.Context) (bool, error) {
	return isEmpty(ctx, q)
}

// Entries implements PriorityQueue
func (q *SQLiteQueue) Entries(ctx context.Context, limit int) ([]Entry, error) {
	rows, err := q.db.QueryContext(ctx, `
		SELECT score, payload, enqueued_at FROM queue_entries
		ORDER BY score DESC, id ASC LIMIT ?`, entryLimit(limit))
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

// Close is a no-op; the database handle belongs to the state store
func (q *SQLiteQueue) Close() error {
	return nil
}
