package worker

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/daimoniac/bountyline/internal/codebase"
	"github.com/daimoniac/bountyline/internal/errors"
	"github.com/daimoniac/bountyline/internal/findings"
	"github.com/daimoniac/bountyline/internal/queue"
	"github.com/daimoniac/bountyline/internal/statestore"
	"github.com/daimoniac/bountyline/internal/types"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m,
		// started at init by opencensus, linked in through the Gemini client
		goleak.IgnoreTopFunction("go.opencensus.io/stats/view.(*worker).start"),
	)
}

// mockStore implements statestore.CandidateStore for testing
type mockStore struct {
	mu         sync.Mutex
	candidates map[string]types.Candidate
	updateErr  error
}

func newMockStore(cs ...types.Candidate) *mockStore {
	s := &mockStore{candidates: make(map[string]types.Candidate)}
	for _, c := range cs {
		s.candidates[c.ID] = c
	}
	return s
}

func (s *mockStore) CreateCandidate(ctx context.Context, c *types.Candidate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.candidates[c.ID] = *c
	return nil
}

func (s *mockStore) GetCandidate(ctx context.Context, id string) (*types.Candidate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.candidates[id]
	if !ok {
		return nil, fmt.Errorf("candidate: %w", errors.ErrNotFound)
	}
	return &c, nil
}

func (s *mockStore) GetCandidateByExternalID(ctx context.Context, externalIssueID string, platform types.Platform) (*types.Candidate, error) {
	return nil, fmt.Errorf("candidate: %w", errors.ErrNotFound)
}

func (s *mockStore) UpdateCandidate(ctx context.Context, c *types.Candidate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.updateErr != nil {
		return s.updateErr
	}
	if _, ok := s.candidates[c.ID]; !ok {
		return fmt.Errorf("candidate: %w", errors.ErrNotFound)
	}
	s.candidates[c.ID] = *c
	return nil
}

func (s *mockStore) ListCandidates(ctx context.Context, filter statestore.CandidateFilter) ([]*types.Candidate, error) {
	return nil, nil
}

func (s *mockStore) status(id string) types.CandidateStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.candidates[id].Status
}

// mockAnalyzer returns a finding in the configured state
type mockAnalyzer struct {
	status   types.FindingStatus
	flagged  bool
	failures int
	err      error
	calls    atomic.Int32
	contexts chan string
	block    chan struct{}
}

func (a *mockAnalyzer) Run(ctx context.Context, an findings.Analysis) (types.Finding, error) {
	n := int(a.calls.Add(1))
	if a.contexts != nil {
		a.contexts <- an.Context
	}
	if a.block != nil {
		<-a.block
	}
	if n <= a.failures {
		return types.Finding{}, a.err
	}
	f := types.NewFinding(an.Subject.Origin(), an.Subject.Repository(), an.Subject.ID(), "", an.Subject.Summary(), time.Now())
	f.Status = a.status
	f.RequiresHumanReview = a.flagged
	return f, nil
}

type mockProvider struct {
	err error
}

func (p mockProvider) Context(ctx context.Context, repositoryURL, language string) (codebase.Snapshot, error) {
	if p.err != nil {
		return codebase.Snapshot{}, p.err
	}
	return codebase.Snapshot{Version: "v1", Text: "tree of " + repositoryURL}, nil
}

func testCandidate(id string, minor int64) types.Candidate {
	return types.Candidate{
		ID:              id,
		ExternalIssueID: "ext-" + id,
		Platform:        types.PlatformAlgora,
		RepositoryURL:   "https://github.com/acme/widget",
		Amount:          &types.Money{Minor: minor, Currency: "USD"},
		Title:           "Bug " + id,
		Status:          types.CandidateOpen,
	}
}

func testConfig() Config {
	return Config{
		PollInterval:    10 * time.Millisecond,
		RetryAttempts:   3,
		RetryBackoff:    time.Millisecond,
		Concurrency:     2,
		ShutdownTimeout: time.Second,
	}
}

func TestProcessCandidateSettlesByFinding(t *testing.T) {
	tests := []struct {
		name    string
		status  types.FindingStatus
		flagged bool
		want    types.CandidateStatus
		outcome string
	}{
		{name: "fix confirmed", status: types.FindingFixConfirmed, want: types.CandidateCompleted, outcome: ResultCompleted},
		{name: "human review", status: types.FindingHumanReview, flagged: true, want: types.CandidateInProgress, outcome: ResultAwaitingReview},
		{name: "flagged fix", status: types.FindingFixGenerated, flagged: true, want: types.CandidateInProgress, outcome: ResultAwaitingReview},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := testCandidate("c1", 20000)
			store := newMockStore(c)
			w := NewCandidateWorker(queue.NewMemoryQueue(), store, nil, &mockAnalyzer{status: tt.status, flagged: tt.flagged}, testConfig(), nil)

			result, err := w.ProcessCandidate(context.Background(), &c)
			if err != nil {
				t.Fatalf("ProcessCandidate() error = %v", err)
			}
			if result.Outcome != tt.outcome {
				t.Errorf("outcome = %s, want %s", result.Outcome, tt.outcome)
			}
			if got := store.status(c.ID); got != tt.want {
				t.Errorf("stored status = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestProcessCandidateRetriesTransientErrors(t *testing.T) {
	c := testCandidate("c1", 100)
	store := newMockStore(c)
	analyzer := &mockAnalyzer{
		status:   types.FindingFixConfirmed,
		failures: 2,
		err:      errors.NewTransientf("database is locked"),
	}
	w := NewCandidateWorker(queue.NewMemoryQueue(), store, nil, analyzer, testConfig(), nil)

	result, err := w.ProcessCandidate(context.Background(), &c)
	if err != nil {
		t.Fatalf("ProcessCandidate() error = %v", err)
	}
	if result.Outcome != ResultCompleted || analyzer.calls.Load() != 3 {
		t.Errorf("outcome = %s after %d calls", result.Outcome, analyzer.calls.Load())
	}
}

func TestProcessCandidateExhaustedRetriesMarkFailed(t *testing.T) {
	c := testCandidate("c1", 100)
	store := newMockStore(c)
	analyzer := &mockAnalyzer{failures: 10, err: errors.NewTransientf("connection reset")}
	w := NewCandidateWorker(queue.NewMemoryQueue(), store, nil, analyzer, testConfig(), nil)

	_, err := w.ProcessCandidate(context.Background(), &c)
	if !errors.IsTransient(err) {
		t.Fatalf("ProcessCandidate() error = %v, want transient", err)
	}
	if analyzer.calls.Load() != 3 {
		t.Errorf("attempts = %d, want 3", analyzer.calls.Load())
	}

	stored, _ := store.GetCandidate(context.Background(), c.ID)
	if stored.Status != types.CandidateFailed || stored.FailureReason == "" || stored.FailedAt == nil {
		t.Errorf("stored candidate = %+v", stored)
	}
}

func TestProcessCandidatePermanentErrorNotRetried(t *testing.T) {
	c := testCandidate("c1", 100)
	store := newMockStore(c)
	analyzer := &mockAnalyzer{failures: 10, err: errors.NewPermanentf("schema mismatch")}
	w := NewCandidateWorker(queue.NewMemoryQueue(), store, nil, analyzer, testConfig(), nil)

	if _, err := w.ProcessCandidate(context.Background(), &c); err == nil {
		t.Fatal("expected error")
	}
	if analyzer.calls.Load() != 1 {
		t.Errorf("attempts = %d, want 1", analyzer.calls.Load())
	}
	if got := store.status(c.ID); got != types.CandidateFailed {
		t.Errorf("status = %s, want failed", got)
	}
}

func TestProcessCandidateNotFound(t *testing.T) {
	c := testCandidate("missing", 100)
	analyzer := &mockAnalyzer{status: types.FindingFixConfirmed}
	w := NewCandidateWorker(queue.NewMemoryQueue(), newMockStore(), nil, analyzer, testConfig(), nil)

	_, err := w.ProcessCandidate(context.Background(), &c)
	if !errors.IsNotFound(err) {
		t.Errorf("ProcessCandidate() error = %v, want not found", err)
	}
	if analyzer.calls.Load() != 0 {
		t.Error("analysis ran for a missing candidate")
	}
}

func TestProcessCandidateSkipsTerminal(t *testing.T) {
	c := testCandidate("c1", 100)
	c.Status = types.CandidateCompleted
	analyzer := &mockAnalyzer{status: types.FindingFixConfirmed}
	w := NewCandidateWorker(queue.NewMemoryQueue(), newMockStore(c), nil, analyzer, testConfig(), nil)

	result, err := w.ProcessCandidate(context.Background(), &c)
	if err != nil {
		t.Fatalf("ProcessCandidate() error = %v", err)
	}
	if result.Outcome != ResultSkipped || analyzer.calls.Load() != 0 {
		t.Errorf("outcome = %s, calls = %d", result.Outcome, analyzer.calls.Load())
	}
}

func TestProcessCandidateContext(t *testing.T) {
	tests := []struct {
		name     string
		provider codebase.Provider
		want     string
	}{
		{name: "summary passed to analysis", provider: mockProvider{}, want: "tree of https://github.com/acme/widget"},
		{name: "provider failure is advisory", provider: mockProvider{err: errors.NewTransientf("github down")}, want: ""},
		{name: "no provider", provider: nil, want: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := testCandidate("c1", 100)
			analyzer := &mockAnalyzer{status: types.FindingHumanReview, contexts: make(chan string, 1)}
			w := NewCandidateWorker(queue.NewMemoryQueue(), newMockStore(c), tt.provider, analyzer, testConfig(), nil)

			if _, err := w.ProcessCandidate(context.Background(), &c); err != nil {
				t.Fatalf("ProcessCandidate() error = %v", err)
			}
			if got := <-analyzer.contexts; got != tt.want {
				t.Errorf("context = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestStartDrainsQueueByPriority(t *testing.T) {
	q := queue.NewMemoryQueue()
	store := newMockStore()
	ctx := context.Background()
	for i, minor := range []int64{5000, 50000, 100} {
		c := testCandidate(fmt.Sprintf("c%d", i), minor)
		store.CreateCandidate(ctx, &c)
		if err := q.Enqueue(ctx, c); err != nil {
			t.Fatalf("Enqueue() error = %v", err)
		}
	}

	analyzer := &mockAnalyzer{status: types.FindingFixConfirmed}
	cfg := testConfig()
	cfg.Concurrency = 1
	w := NewCandidateWorker(q, store, nil, analyzer, cfg, nil)

	runCtx, cancel := context.WithCancel(ctx)
	errChan := make(chan error, 1)
	go func() { errChan <- w.Start(runCtx) }()

	deadline := time.After(5 * time.Second)
	for analyzer.calls.Load() < 3 {
		select {
		case <-deadline:
			t.Fatal("worker did not drain the queue")
		case <-time.After(5 * time.Millisecond):
		}
	}
	cancel()

	if err := <-errChan; err != nil {
		t.Errorf("Start() error = %v", err)
	}
	for _, id := range []string{"c0", "c1", "c2"} {
		if got := store.status(id); got != types.CandidateCompleted {
			t.Errorf("%s status = %s, want completed", id, got)
		}
	}
	if empty, _ := q.IsEmpty(ctx); !empty {
		t.Error("queue not drained")
	}
}

func TestStartGracefulShutdown(t *testing.T) {
	w := NewCandidateWorker(queue.NewMemoryQueue(), newMockStore(), nil, &mockAnalyzer{}, testConfig(), nil)

	ctx, cancel := context.WithCancel(context.Background())
	errChan := make(chan error, 1)
	go func() { errChan <- w.Start(ctx) }()

	time.Sleep(30 * time.Millisecond)
	cancel()

	select {
	case err := <-errChan:
		if err != nil {
			t.Errorf("expected no error on graceful shutdown, got: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("worker did not shut down within timeout")
	}
}

func TestStartShutdownTimeout(t *testing.T) {
	q := queue.NewMemoryQueue()
	c := testCandidate("c1", 100)
	store := newMockStore(c)
	q.Enqueue(context.Background(), c)

	analyzer := &mockAnalyzer{status: types.FindingFixConfirmed, block: make(chan struct{})}
	cfg := testConfig()
	cfg.Concurrency = 1
	cfg.ShutdownTimeout = 50 * time.Millisecond
	w := NewCandidateWorker(q, store, nil, analyzer, cfg, nil)

	ctx, cancel := context.WithCancel(context.Background())
	errChan := make(chan error, 1)
	go func() { errChan <- w.Start(ctx) }()

	for analyzer.calls.Load() == 0 {
		time.Sleep(5 * time.Millisecond)
	}
	cancel()

	err := <-errChan
	close(analyzer.block)
	w.wg.Wait()

	if err == nil {
		t.Error("expected shutdown timeout error")
	}
}

func TestProcessCandidateNil(t *testing.T) {
	w := NewCandidateWorker(queue.NewMemoryQueue(), newMockStore(), nil, &mockAnalyzer{}, testConfig(), nil)
	if _, err := w.ProcessCandidate(context.Background(), nil); err == nil {
		t.Error("expected error for nil candidate")
	}
}

func TestDefaultConfig(t *testing.T) {
	config := DefaultConfig()

	if config.RetryAttempts != 3 {
		t.Errorf("expected retry attempts 3, got %d", config.RetryAttempts)
	}
	if config.RetryBackoff != 10*time.Second {
		t.Errorf("expected retry backoff 10s, got %v", config.RetryBackoff)
	}
	if config.ShutdownTimeout != 30*time.Second {
		t.Errorf("expected shutdown timeout 30s, got %v", config.ShutdownTimeout)
	}
}
