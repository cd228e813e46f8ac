package coordinator

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/daimoniac/bountyline/internal/errors"
	"github.com/daimoniac/bountyline/internal/gate"
	"github.com/daimoniac/bountyline/internal/oracle"
	"github.com/daimoniac/bountyline/internal/queue"
	"github.com/daimoniac/bountyline/internal/statestore"
	"github.com/daimoniac/bountyline/internal/types"
)

const admitReply = `{"shouldProcess": true, "confidence": 0.9, "estimatedTimeMinutes": 15, "reason": "contained fix"}`

type countingOracle struct {
	calls atomic.Int32
	reply string
	err   error
}

func (o *countingOracle) Complete(ctx context.Context, prompt string) (string, error) {
	o.calls.Add(1)
	return o.reply, o.err
}

func money(t *testing.T, amount string) *types.Money {
	t.Helper()
	m, err := types.ParseMoney(amount, "USD")
	if err != nil {
		t.Fatalf("ParseMoney(%q) error = %v", amount, err)
	}
	return &m
}

func newTestStore(t *testing.T) *statestore.SQLiteStore {
	t.Helper()
	store, err := statestore.NewSQLiteStore(filepath.Join(t.TempDir(), "state.db"))
	if err != nil {
		t.Fatalf("NewSQLiteStore() error = %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

type fixture struct {
	store  *statestore.SQLiteStore
	queue  *queue.MemoryQueue
	oracle *countingOracle
	coord  *Coordinator
}

func newFixture(t *testing.T, reply string) *fixture {
	t.Helper()
	f := &fixture{
		store:  newTestStore(t),
		queue:  queue.NewMemoryQueue(),
		oracle: &countingOracle{reply: reply},
	}
	f.coord = New(f.store, gate.New(f.oracle, nil, nil), f.queue, nil, nil)
	return f
}

func issue42(t *testing.T) types.Candidate {
	return types.Candidate{
		ExternalIssueID: "42",
		Platform:        types.PlatformAlgora,
		RepositoryURL:   "https://github.com/acme/widget",
		Amount:          money(t, "200.00"),
		Title:           "Panic on empty input",
	}
}

func TestProcessAdmitsAndEnqueues(t *testing.T) {
	f := newFixture(t, admitReply)
	ctx := context.Background()

	outcome, err := f.coord.Process(ctx, issue42(t), *money(t, "50.00"))
	if err != nil {
		t.Fatalf("Process() error = %v", err)
	}
	if outcome.Kind != OutcomeEnqueued {
		t.Fatalf("Kind = %s, want enqueued (reason %q)", outcome.Kind, outcome.Reason)
	}
	if f.oracle.calls.Load() != 1 {
		t.Errorf("gate oracle calls = %d, want 1", f.oracle.calls.Load())
	}

	stored, err := f.store.GetCandidateByExternalID(ctx, "42", types.PlatformAlgora)
	if err != nil {
		t.Fatalf("candidate not persisted: %v", err)
	}
	if stored.Status != types.CandidateOpen || stored.ID == "" {
		t.Errorf("stored candidate = %+v", stored)
	}

	entries, err := f.queue.Entries(ctx, 10)
	if err != nil {
		t.Fatalf("Entries() error = %v", err)
	}
	if len(entries) != 1 || entries[0].Score != 200.0 || entries[0].Candidate.ID != stored.ID {
		t.Errorf("queue entries = %+v", entries)
	}
}

func TestProcessIsIdempotent(t *testing.T) {
	f := newFixture(t, admitReply)
	ctx := context.Background()

	first, err := f.coord.Process(ctx, issue42(t), *money(t, "50.00"))
	if err != nil {
		t.Fatalf("first Process() error = %v", err)
	}
	second, err := f.coord.Process(ctx, issue42(t), *money(t, "50.00"))
	if err != nil {
		t.Fatalf("second Process() error = %v", err)
	}

	if first.Kind != OutcomeEnqueued || second.Kind != OutcomeDuplicate {
		t.Fatalf("outcomes = %s, %s", first.Kind, second.Kind)
	}
	if second.Candidate == nil || second.Candidate.ID != first.Candidate.ID {
		t.Errorf("duplicate outcome should reference the stored candidate")
	}

	all, _ := f.store.ListCandidates(ctx, statestore.CandidateFilter{})
	if len(all) != 1 {
		t.Errorf("persisted candidates = %d, want 1", len(all))
	}
	if size, _ := f.queue.Size(ctx); size != 1 {
		t.Errorf("queue size = %d, want 1", size)
	}
	if f.oracle.calls.Load() != 1 {
		t.Errorf("gate oracle calls = %d, want 1", f.oracle.calls.Load())
	}
}

func TestProcessBelowThreshold(t *testing.T) {
	tests := []struct {
		name   string
		amount *types.Money
	}{
		{name: "below minimum", amount: &types.Money{Minor: 4999, Currency: "USD"}},
		{name: "absent", amount: nil},
		{name: "currency differs from minimum", amount: &types.Money{Minor: 20000, Currency: "JPY"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, admitReply)
			ctx := context.Background()

			c := issue42(t)
			c.Amount = tt.amount
			outcome, err := f.coord.Process(ctx, c, *money(t, "50.00"))
			if err != nil {
				t.Fatalf("Process() error = %v", err)
			}
			if outcome.Kind != OutcomeBelowThreshold || outcome.Reason == "" {
				t.Errorf("outcome = %+v", outcome)
			}
			if _, err := f.store.GetCandidateByExternalID(ctx, "42", types.PlatformAlgora); !errors.IsNotFound(err) {
				t.Errorf("candidate below threshold was persisted (err = %v)", err)
			}
			if f.oracle.calls.Load() != 0 {
				t.Errorf("gate consulted for a candidate below threshold")
			}
		})
	}
}

func TestProcessRejectedCandidateStaysPersisted(t *testing.T) {
	f := newFixture(t, "")
	f.oracle.err = errors.NewTransientf("oracle overloaded")
	ctx := context.Background()

	outcome, err := f.coord.Process(ctx, issue42(t), types.Money{})
	if err != nil {
		t.Fatalf("Process() error = %v", err)
	}
	if outcome.Kind != OutcomeRejected {
		t.Fatalf("Kind = %s, want rejected", outcome.Kind)
	}
	if outcome.Verdict == nil || outcome.Verdict.Category != gate.ReasonOracleError {
		t.Errorf("verdict = %+v", outcome.Verdict)
	}

	stored, err := f.store.GetCandidateByExternalID(ctx, "42", types.PlatformAlgora)
	if err != nil {
		t.Fatalf("rejected candidate lost: %v", err)
	}
	if stored.Status != types.CandidateOpen {
		t.Errorf("status = %s, want open", stored.Status)
	}
	if empty, _ := f.queue.IsEmpty(ctx); !empty {
		t.Error("rejected candidate was enqueued")
	}
}

func TestProcessEnqueueFailure(t *testing.T) {
	f := newFixture(t, admitReply)
	f.queue.Close()
	ctx := context.Background()

	_, err := f.coord.Process(ctx, issue42(t), types.Money{})
	if err == nil {
		t.Fatal("Process() error = nil, want enqueue failure")
	}
	if _, err := f.store.GetCandidateByExternalID(ctx, "42", types.PlatformAlgora); err != nil {
		t.Errorf("candidate should stay persisted after an enqueue failure: %v", err)
	}
}

func TestProcessConcurrentPollers(t *testing.T) {
	f := newFixture(t, admitReply)
	ctx := context.Background()

	var wg sync.WaitGroup
	outcomes := make([]Outcome, 8)
	errs := make([]error, 8)
	for i := range outcomes {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			outcomes[i], errs[i] = f.coord.Process(ctx, issue42(t), types.Money{})
		}(i)
	}
	wg.Wait()

	enqueued := 0
	for i, o := range outcomes {
		if errs[i] != nil {
			t.Fatalf("Process() error = %v", errs[i])
		}
		if o.Kind == OutcomeEnqueued {
			enqueued++
		} else if o.Kind != OutcomeDuplicate {
			t.Errorf("unexpected outcome %s", o.Kind)
		}
	}
	if enqueued != 1 {
		t.Errorf("enqueued = %d, want 1", enqueued)
	}
	if size, _ := f.queue.Size(ctx); size != 1 {
		t.Errorf("queue size = %d, want 1", size)
	}
}

// racingStore reports nothing on lookup and a uniqueness violation on
// insert, as when another poller wins between the two calls
type racingStore struct {
	statestore.CandidateStore
	lookupErr error
}

func (s *racingStore) GetCandidateByExternalID(ctx context.Context, externalIssueID string, platform types.Platform) (*types.Candidate, error) {
	if s.lookupErr != nil {
		return nil, s.lookupErr
	}
	return nil, fmt.Errorf("candidate: %w", errors.ErrNotFound)
}

func (s *racingStore) CreateCandidate(ctx context.Context, c *types.Candidate) error {
	return fmt.Errorf("candidate %s: %w", c.Key(), errors.ErrDuplicate)
}

func TestProcessUniquenessViolationIsDuplicate(t *testing.T) {
	o := &countingOracle{reply: admitReply}
	q := queue.NewMemoryQueue()
	coord := New(&racingStore{}, gate.New(o, nil, nil), q, nil, nil)

	outcome, err := coord.Process(context.Background(), issue42(t), types.Money{})
	if err != nil {
		t.Fatalf("Process() error = %v", err)
	}
	if outcome.Kind != OutcomeDuplicate {
		t.Errorf("Kind = %s, want duplicate", outcome.Kind)
	}
	if o.calls.Load() != 0 {
		t.Error("gate consulted after a uniqueness violation")
	}
}

func TestProcessLookupFailureIsReturned(t *testing.T) {
	o := &countingOracle{reply: admitReply}
	store := &racingStore{lookupErr: errors.NewTransientf("database is locked")}
	coord := New(store, gate.New(o, nil, nil), queue.NewMemoryQueue(), nil, nil)

	_, err := coord.Process(context.Background(), issue42(t), types.Money{})
	if !errors.IsTransient(err) {
		t.Errorf("Process() error = %v, want transient", err)
	}
}

func TestProcessPassesGateOptions(t *testing.T) {
	f := newFixture(t, admitReply)
	f.coord = New(f.store, gate.New(f.oracle, nil, nil), f.queue,
		[]gate.Option{gate.WithConfidenceThreshold(0.95)}, nil)

	outcome, err := f.coord.Process(context.Background(), issue42(t), types.Money{})
	if err != nil {
		t.Fatalf("Process() error = %v", err)
	}
	if outcome.Kind != OutcomeRejected || outcome.Verdict.Category != gate.ReasonLowConfidence {
		t.Errorf("outcome = %+v", outcome)
	}
}

var _ oracle.Oracle = (*countingOracle)(nil)
