package queue

import (
	"container/heap"
	"context"
	"sort"
	"sync"
	"time"

	"github.com/daimoniac/bountyline/internal/errors"
	"github.com/daimoniac/bountyline/internal/types"
)

type item struct {
	id      string
	score   float64
	seq     uint64
	at      time.Time
	payload []byte
	index   int
}

// entryHeap orders by score descending, then insertion order
type entryHeap []*item

func (h entryHeap) Len() int { return len(h) }

func (h entryHeap) Less(i, j int) bool {
	if h[i].score != h[j].score {
		return h[i].score > h[j].score
	}
	return h[i].seq < h[j].seq
}

func (h entryHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *entryHeap) Push(x any) {
	it := x.(*item)
	it.index = len(*h)
	*h = append(*h, it)
}

func (h *entryHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	it.index = -1
	*h = old[:n-1]
	return it
}

// MemoryQueue implements PriorityQueue in process memory
type MemoryQueue struct {
	counters

	mu     sync.Mutex
	heap   entryHeap
	byID   map[string]*item
	seq    uint64
	closed bool
	now    func() time.Time
}

// NewMemoryQueue creates an empty in-memory queue
func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{
		byID: make(map[string]*item),
		now:  time.Now,
	}
}

// Enqueue implements PriorityQueue
func (q *MemoryQueue) Enqueue(ctx context.Context, c types.Candidate) error {
	if err := validate(c); err != nil {
		return err
	}
	payload, err := encode(c)
	if err != nil {
		return err
	}

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return errors.NewPermanentf("queue is closed")
	}
	if _, ok := q.byID[c.ID]; ok {
		q.mu.Unlock()
		q.increment("dropped")
		return nil
	}
	q.seq++
	it := &item{id: c.ID, score: c.Score(), seq: q.seq, at: q.now(), payload: payload}
	heap.Push(&q.heap, it)
	q.byID[c.ID] = it
	q.mu.Unlock()

	q.increment("enqueued")
	return nil
}

// Dequeue implements PriorityQueue
func (q *MemoryQueue) Dequeue(ctx context.Context) (*types.Candidate, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil, errors.NewPermanentf("queue is closed")
	}
	if q.heap.Len() == 0 {
		q.mu.Unlock()
		return nil, nil
	}
	it := heap.Pop(&q.heap).(*item)
	delete(q.byID, it.id)
	q.mu.Unlock()

	q.increment("dequeued")
	return decode(it.payload)
}

// Remove implements PriorityQueue
func (q *MemoryQueue) Remove(ctx context.Context, candidateID string) (bool, error) {
	q.mu.Lock()
	it, ok := q.byID[candidateID]
	if !ok {
		q.mu.Unlock()
		return false, nil
	}
	heap.Remove(&q.heap, it.index)
	delete(q.byID, candidateID)
	q.mu.Unlock()

	q.increment("removed")
	return true, nil
}

// Size implements PriorityQueue
func (q *MemoryQueue) Size(ctx context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.heap.Len(), nil
}

// IsEmpty implements PriorityQueue
func (q *MemoryQueue) IsEmpty(ctx context.Context) (bool, error) {
	return isEmpty(ctx, q)
}

// Entries implements PriorityQueue
func (q *MemoryQueue) Entries(ctx context.Context, limit int) ([]Entry, error) {
	q.mu.Lock()
	items := make([]*item, len(q.heap))
	copy(items, q.heap)
	q.mu.Unlock()

	sort.Slice(items, func(i, j int) bool { return entryHeap(items).Less(i, j) })
	if n := entryLimit(limit); len(items) > n {
		items = items[:n]
	}

	entries := make([]Entry, 0, len(items))
	for _, it := range items {
		c, err := decode(it.payload)
		if err != nil {
			return nil, err
		}
		entries = append(entries, Entry{Candidate: *c, Score: it.score, EnqueuedAt: it.at})
	}
	return entries, nil
}

// Close shuts down the queue gracefully
func (q *MemoryQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return errors.NewPermanentf("queue already closed")
	}
	q.closed = true
	return nil
}
