package queue

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"

	"github.com/daimoniac/bountyline/internal/statestore"
	"github.com/daimoniac/bountyline/internal/types"
)

func cand(id, amount string) types.Candidate {
	c := types.Candidate{
		ID:              id,
		ExternalIssueID: "ext-" + id,
		Platform:        types.PlatformAlgora,
		RepositoryURL:   "https://github.com/acme/widget",
		Title:           "issue " + id,
		Status:          types.CandidateOpen,
	}
	if amount != "" {
		m, err := types.ParseMoney(amount, "USD")
		if err != nil {
			panic(err)
		}
		c.Amount = &m
	}
	return c
}

type backend struct {
	name string
	open func(t *testing.T) PriorityQueue
}

func backends() []backend {
	return []backend{
		{"memory", func(t *testing.T) PriorityQueue { return NewMemoryQueue() }},
		{"sqlite", openSQLiteQueue},
	}
}

func openSQLiteQueue(t *testing.T) PriorityQueue {
	t.Helper()
	store, err := statestore.NewSQLiteStore(filepath.Join(t.TempDir(), "queue.db"))
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	q, err := NewSQLiteQueue(context.Background(), store.DB())
	if err != nil {
		t.Fatalf("failed to create queue: %v", err)
	}
	return q
}

func mustDequeue(t *testing.T, q PriorityQueue) *types.Candidate {
	t.Helper()
	c, err := q.Dequeue(context.Background())
	if err != nil {
		t.Fatalf("dequeue failed: %v", err)
	}
	return c
}

func TestPriorityOrdering(t *testing.T) {
	for _, b := range backends() {
		t.Run(b.name, func(t *testing.T) {
			for _, order := range [][]types.Candidate{
				{cand("small", "50"), cand("big", "500")},
				{cand("big", "500"), cand("small", "50")},
			} {
				q := b.open(t)
				for _, c := range order {
					if err := q.Enqueue(context.Background(), c); err != nil {
						t.Fatalf("enqueue failed: %v", err)
					}
				}

				first := mustDequeue(t, q)
				if first == nil || first.ID != "big" {
					t.Fatalf("expected the 500 candidate first, got %+v", first)
				}
				if first.Amount == nil || first.Amount.String() != "500.00 USD" {
					t.Errorf("amount did not round-trip: %v", first.Amount)
				}
				if second := mustDequeue(t, q); second == nil || second.ID != "small" {
					t.Fatalf("expected the 50 candidate second, got %+v", second)
				}
			}
		})
	}
}

func TestTiesAreFIFOAndMissingAmountScoresZero(t *testing.T) {
	for _, b := range backends() {
		t.Run(b.name, func(t *testing.T) {
			q := b.open(t)
			ctx := context.Background()
			for _, c := range []types.Candidate{cand("none", ""), cand("a", "100"), cand("b", "100"), cand("c", "100")} {
				if err := q.Enqueue(ctx, c); err != nil {
					t.Fatal(err)
				}
			}

			var got []string
			for {
				c := mustDequeue(t, q)
				if c == nil {
					break
				}
				got = append(got, c.ID)
			}
			want := []string{"a", "b", "c", "none"}
			if fmt.Sprint(got) != fmt.Sprint(want) {
				t.Errorf("dequeue order = %v, want %v", got, want)
			}
		})
	}
}

func TestEnqueueIsIdempotentByID(t *testing.T) {
	for _, b := range backends() {
		t.Run(b.name, func(t *testing.T) {
			q := b.open(t)
			ctx := context.Background()

			c := cand("dup", "200")
			for i := 0; i < 3; i++ {
				if err := q.Enqueue(ctx, c); err != nil {
					t.Fatal(err)
				}
			}

			if n, _ := q.Size(ctx); n != 1 {
				t.Fatalf("expected size 1 after duplicate enqueues, got %d", n)
			}
			_ = mustDequeue(t, q)
			if c := mustDequeue(t, q); c != nil {
				t.Errorf("duplicate enqueue produced a second entry: %+v", c)
			}

			if err := q.Enqueue(ctx, c); err != nil {
				t.Fatal(err)
			}
			if n, _ := q.Size(ctx); n != 1 {
				t.Errorf("re-enqueue after dequeue should be accepted, size=%d", n)
			}
		})
	}
}

func TestRemoveByID(t *testing.T) {
	for _, b := range backends() {
		t.Run(b.name, func(t *testing.T) {
			q := b.open(t)
			ctx := context.Background()
			_ = q.Enqueue(ctx, cand("keep", "10"))
			_ = q.Enqueue(ctx, cand("drop", "20"))

			removed, err := q.Remove(ctx, "drop")
			if err != nil || !removed {
				t.Fatalf("Remove(drop) = %v, %v", removed, err)
			}
			removed, err = q.Remove(ctx, "drop")
			if err != nil || removed {
				t.Fatalf("second Remove(drop) = %v, %v", removed, err)
			}

			if c := mustDequeue(t, q); c == nil || c.ID != "keep" {
				t.Fatalf("expected keep, got %+v", c)
			}
		})
	}
}

func TestSizeEntriesAndEmpty(t *testing.T) {
	for _, b := range backends() {
		t.Run(b.name, func(t *testing.T) {
			q := b.open(t)
			ctx := context.Background()

			empty, err := q.IsEmpty(ctx)
			if err != nil || !empty {
				t.Fatalf("IsEmpty on new queue = %v, %v", empty, err)
			}
			if c := mustDequeue(t, q); c != nil {
				t.Fatalf("dequeue from empty queue returned %+v", c)
			}

			_ = q.Enqueue(ctx, cand("x", "5"))
			_ = q.Enqueue(ctx, cand("y", "15"))
			_ = q.Enqueue(ctx, cand("z", "10"))

			entries, err := q.Entries(ctx, 2)
			if err != nil {
				t.Fatal(err)
			}
			if len(entries) != 2 || entries[0].Candidate.ID != "y" || entries[1].Candidate.ID != "z" {
				t.Errorf("unexpected entries: %+v", entries)
			}
			if entries[0].Score != 15 {
				t.Errorf("expected score 15, got %v", entries[0].Score)
			}
			if n, _ := q.Size(ctx); n != 3 {
				t.Errorf("Entries must not remove anything, size=%d", n)
			}
		})
	}
}

// TestConcurrentDequeueAtMostOnce races N callers over K entries.
func TestConcurrentDequeueAtMostOnce(t *testing.T) {
	const entries, callers = 20, 50

	for _, b := range backends() {
		t.Run(b.name, func(t *testing.T) {
			q := b.open(t)
			ctx := context.Background()
			for i := 0; i < entries; i++ {
				if err := q.Enqueue(ctx, cand(fmt.Sprintf("c%02d", i), fmt.Sprintf("%d", 100+i))); err != nil {
					t.Fatal(err)
				}
			}

			var (
				mu   sync.Mutex
				seen = make(map[string]int)
				hits int
				wg   sync.WaitGroup
			)
			start := make(chan struct{})
			for i := 0; i < callers; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					<-start
					c, err := q.Dequeue(ctx)
					if err != nil {
						t.Errorf("dequeue failed: %v", err)
						return
					}
					if c == nil {
						return
					}
					mu.Lock()
					seen[c.ID]++
					hits++
					mu.Unlock()
				}()
			}
			close(start)
			wg.Wait()

			if hits != entries {
				t.Errorf("expected %d non-empty results, got %d", entries, hits)
			}
			for id, n := range seen {
				if n != 1 {
					t.Errorf("entry %s returned %d times", id, n)
				}
			}
			if len(seen) != entries {
				t.Errorf("expected %d distinct entries, got %d", entries, len(seen))
			}
		})
	}
}

func TestMemoryQueueClose(t *testing.T) {
	q := NewMemoryQueue()
	if err := q.Close(); err != nil {
		t.Fatal(err)
	}
	if err := q.Enqueue(context.Background(), cand("a", "1")); err == nil {
		t.Error("expected enqueue on closed queue to fail")
	}
	if _, err := q.Dequeue(context.Background()); err == nil {
		t.Error("expected dequeue on closed queue to fail")
	}
	if err := q.Close(); err == nil {
		t.Error("expected second close to fail")
	}
}

func TestEnqueueRequiresID(t *testing.T) {
	q := NewMemoryQueue()
	if err := q.Enqueue(context.Background(), cand("", "1")); err == nil {
		t.Error("expected error for empty candidate id")
	}
}

func TestQueueMetrics(t *testing.T) {
	q := NewMemoryQueue()
	ctx := context.Background()
	_ = q.Enqueue(ctx, cand("a", "1"))
	_ = q.Enqueue(ctx, cand("a", "1"))
	_ = q.Enqueue(ctx, cand("b", "2"))
	_, _ = q.Dequeue(ctx)
	_, _ = q.Remove(ctx, "a")

	m := q.GetMetrics()
	if m.Enqueued != 2 || m.Dropped != 1 || m.Dequeued != 1 || m.Removed != 1 {
		t.Errorf("unexpected metrics: %+v", m)
	}
}
