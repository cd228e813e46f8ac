// Package queue holds admitted candidates ordered by reward. Dequeue is an
// atomic pop of the highest score; ties go to the earliest enqueue.
package queue

import (
	"context"
	"sync"
	"time"

	jsoniter "github.com/json-iterator/go"

	"github.com/daimoniac/bountyline/internal/errors"
	"github.com/daimoniac/bountyline/internal/observability"
	"github.com/daimoniac/bountyline/internal/types"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// PriorityQueue manages admitted candidates awaiting processing
type PriorityQueue interface {
	// Enqueue adds a candidate; enqueuing an id that is already queued is a no-op
	Enqueue(ctx context.Context, c types.Candidate) error

	// Dequeue removes and returns the highest-score candidate, or nil when empty
	Dequeue(ctx context.Context) (*types.Candidate, error)

	// Remove drops a queued candidate by id and reports whether it was queued
	Remove(ctx context.Context, candidateID string) (bool, error)

	// Size returns the number of queued candidates
	Size(ctx context.Context) (int, error)

	// IsEmpty reports whether nothing is queued
	IsEmpty(ctx context.Context) (bool, error)

	// Entries lists up to limit entries in dequeue order without removing them
	Entries(ctx context.Context, limit int) ([]Entry, error)

	// Close shuts down the queue
	Close() error
}

// Entry is a queued candidate with its score
type Entry struct {
	Candidate  types.Candidate `json:"candidate"`
	Score      float64         `json:"score"`
	EnqueuedAt time.Time       `json:"enqueuedAt"`
}

// QueueMetrics tracks queue operation statistics
type QueueMetrics struct {
	Enqueued int64
	Dequeued int64
	Removed  int64
	Dropped  int64 // Dropped due to deduplication
}

// counters is shared by the backends for the per-queue statistics and the
// process-wide Prometheus series.
type counters struct {
	mu      sync.RWMutex
	metrics QueueMetrics
}

func (c *counters) increment(metric string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	m := observability.GetMetrics()
	switch metric {
	case "enqueued":
		c.metrics.Enqueued++
		m.QueueEnqueued.Inc()
		m.QueueDepth.Inc()
	case "dequeued":
		c.metrics.Dequeued++
		m.QueueDequeued.Inc()
		m.QueueDepth.Dec()
	case "removed":
		c.metrics.Removed++
		m.QueueRemoved.Inc()
		m.QueueDepth.Dec()
	case "dropped":
		c.metrics.Dropped++
	}
}

// GetMetrics returns a copy of current metrics
func (c *counters) GetMetrics() QueueMetrics {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.metrics
}

func encode(c types.Candidate) ([]byte, error) {
	payload, err := json.Marshal(c)
	if err != nil {
		return nil, errors.NewPermanentf("encode candidate %s: %w", c.ID, err)
	}
	return payload, nil
}

func decode(payload []byte) (*types.Candidate, error) {
	var c types.Candidate
	if err := json.Unmarshal(payload, &c); err != nil {
		return nil, errors.NewPermanentf("decode queue entry: %w", err)
	}
	return &c, nil
}

func validate(c types.Candidate) error {
	if c.ID == "" {
		return errors.NewPermanentf("candidate id cannot be empty")
	}
	return nil
}

func isEmpty(ctx context.Context, q PriorityQueue) (bool, error) {
	n, err := q.Size(ctx)
	return n == 0, err
}

func entryLimit(limit int) int {
	if limit <= 0 {
		return 100
	}
	return limit
}

func newEntry(score float64, payload []byte, enqueuedAtMillis int64) (Entry, error) {
	c, err := decode(payload)
	if err != nil {
		return Entry{}, err
	}
	return Entry{Candidate: *c, Score: score, EnqueuedAt: time.UnixMilli(enqueuedAtMillis).UTC()}, nil
}
