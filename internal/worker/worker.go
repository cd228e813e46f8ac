package worker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/daimoniac/bountyline/internal/codebase"
	"github.com/daimoniac/bountyline/internal/errors"
	"github.com/daimoniac/bountyline/internal/findings"
	"github.com/daimoniac/bountyline/internal/observability"
	"github.com/daimoniac/bountyline/internal/queue"
	"github.com/daimoniac/bountyline/internal/statestore"
	"github.com/daimoniac/bountyline/internal/types"
)

// Worker defines the interface for processing queued candidates
type Worker interface {
	// Start begins processing candidates from the queue
	Start(ctx context.Context) error

	// ProcessCandidate executes the complete workflow for one candidate
	ProcessCandidate(ctx context.Context, c *types.Candidate) (*Result, error)
}

// Analyzer runs the staged finding analysis
type Analyzer interface {
	Run(ctx context.Context, a findings.Analysis) (types.Finding, error)
}

// Config contains configuration for the worker
type Config struct {
	PollInterval    time.Duration // wait when the queue is empty
	RetryAttempts   int
	RetryBackoff    time.Duration
	Concurrency     int // number of processing loops
	ShutdownTimeout time.Duration
}

// DefaultConfig returns default worker configuration
func DefaultConfig() Config {
	return Config{
		PollInterval:    5 * time.Second,
		RetryAttempts:   3,
		RetryBackoff:    10 * time.Second,
		Concurrency:     3,
		ShutdownTimeout: 30 * time.Second,
	}
}

// CandidateWorker implements the Worker interface
type CandidateWorker struct {
	queue    queue.PriorityQueue
	store    statestore.CandidateStore
	context  codebase.Provider
	analyzer Analyzer
	config   Config
	logger   *slog.Logger
	wg       sync.WaitGroup
	pipeline *Pipeline
	now      func() time.Time
}

// NewCandidateWorker creates a new worker instance. provider may be nil,
// in which case prompts carry no codebase summary.
func NewCandidateWorker(
	q queue.PriorityQueue,
	store statestore.CandidateStore,
	provider codebase.Provider,
	analyzer Analyzer,
	config Config,
	logger *slog.Logger,
) *CandidateWorker {
	if logger == nil {
		logger = slog.Default()
	}
	if config.PollInterval <= 0 {
		config.PollInterval = DefaultConfig().PollInterval
	}
	if config.RetryAttempts < 1 {
		config.RetryAttempts = 1
	}
	if config.ShutdownTimeout <= 0 {
		config.ShutdownTimeout = DefaultConfig().ShutdownTimeout
	}

	w := &CandidateWorker{
		queue:    q,
		store:    store,
		context:  provider,
		analyzer: analyzer,
		config:   config,
		logger:   logger.With("component", "worker"),
		now:      func() time.Time { return time.Now().UTC() },
	}
	w.pipeline = NewPipeline(w, w.logger)
	return w
}

// Start runs the processing loops until ctx is cancelled, then waits for
// in-flight candidates up to the shutdown timeout
func (w *CandidateWorker) Start(ctx context.Context) error {
	concurrency := w.config.Concurrency
	if concurrency <= 0 {
		concurrency = 1
	}

	w.logger.Info("worker starting", "concurrency", concurrency)

	if src, ok := w.store.(observability.StatsSource); ok {
		observability.RegisterStoreCollector(src, w.logger)
	}

	workerCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	for i := 0; i < concurrency; i++ {
		w.wg.Add(1)
		go func(workerID int) {
			defer w.wg.Done()
			w.processLoop(workerCtx, workerID)
		}(i)
	}

	<-workerCtx.Done()

	w.logger.Info("worker shutting down, waiting for in-flight candidates to complete")

	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()

	timer := time.NewTimer(w.config.ShutdownTimeout)
	defer timer.Stop()

	select {
	case <-done:
		w.logger.Info("worker shutdown complete")
		return nil
	case <-timer.C:
		w.logger.Warn("worker shutdown timeout, some candidates may not have completed")
		return fmt.Errorf("shutdown timeout")
	}
}

// processLoop is the main dequeue loop of one worker
func (w *CandidateWorker) processLoop(ctx context.Context, workerID int) {
	w.logger.Info("worker processing loop started", "worker_id", workerID)

	for {
		if ctx.Err() != nil {
			w.logger.Info("worker processing loop stopping", "worker_id", workerID)
			return
		}

		c, err := w.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil {
				w.logger.Info("worker dequeue cancelled", "worker_id", workerID)
				return
			}
			w.logger.Error("failed to dequeue candidate", "worker_id", workerID, "error", err.Error())
			if !sleep(ctx, time.Second) {
				return
			}
			continue
		}
		if c == nil {
			if !sleep(ctx, w.config.PollInterval) {
				return
			}
			continue
		}

		w.logger.Info("processing candidate",
			"worker_id", workerID,
			"candidate_id", c.ID,
			"external_issue_id", c.ExternalIssueID,
			"platform", string(c.Platform),
			"score", c.Score())

		metrics := observability.GetMetrics()
		result, err := w.ProcessCandidate(ctx, c)
		if err != nil {
			if ctx.Err() != nil {
				w.logger.Warn("candidate interrupted by shutdown",
					"worker_id", workerID,
					"candidate_id", c.ID)
				return
			}
			w.logger.Error("candidate processing failed",
				"worker_id", workerID,
				"candidate_id", c.ID,
				"error", err.Error())
			metrics.WorkerErrors.Inc()
			metrics.WorkerCandidatesProcessed.WithLabelValues(ResultFailed).Inc()
			continue
		}

		w.logger.Info("candidate processing completed",
			"worker_id", workerID,
			"candidate_id", c.ID,
			"result", result.Outcome)
		metrics.WorkerCandidatesProcessed.WithLabelValues(result.Outcome).Inc()
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// ErrorHandlerAction determines what action to take for a given error
type ErrorHandlerAction int

const (
	// ActionRetry indicates the error is transient and should be retried
	ActionRetry ErrorHandlerAction = iota
	// ActionFail indicates the candidate should be marked failed
	ActionFail
	// ActionSpecialHandling indicates the candidate no longer exists
	ActionSpecialHandling
)

// handleCandidateError classifies an error and determines the appropriate action
func (w *CandidateWorker) handleCandidateError(err error, attempt int, c *types.Candidate) (ErrorHandlerAction, time.Duration) {
	switch errors.ClassifyError(err) {
	case errors.ErrorClassNotFound:
		w.logger.Info("candidate vanished during processing", "candidate_id", c.ID)
		return ActionSpecialHandling, 0

	case errors.ErrorClassTransient:
		if attempt >= w.config.RetryAttempts {
			return ActionFail, 0
		}
		backoff := w.config.RetryBackoff * time.Duration(attempt)
		w.logger.Warn("transient error, retrying",
			"candidate_id", c.ID,
			"attempt", attempt,
			"max_attempts", w.config.RetryAttempts,
			"backoff", backoff.String(),
			"error", err.Error())
		return ActionRetry, backoff

	default:
		return ActionFail, 0
	}
}

// ProcessCandidate executes the workflow for one candidate with retries.
// Candidates that still fail are marked Failed with the reason.
func (w *CandidateWorker) ProcessCandidate(ctx context.Context, c *types.Candidate) (*Result, error) {
	if c == nil {
		return nil, errors.NewPermanentf("candidate is nil")
	}

	var lastErr error
	for attempt := 1; attempt <= w.config.RetryAttempts; attempt++ {
		result, err := w.pipeline.Execute(ctx, c)
		if err == nil {
			return result, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			return nil, err
		}

		action, backoff := w.handleCandidateError(err, attempt, c)
		switch action {
		case ActionSpecialHandling:
			return nil, err
		case ActionFail:
			w.markFailed(ctx, c, err)
			return nil, err
		case ActionRetry:
			if !sleep(ctx, backoff) {
				return nil, ctx.Err()
			}
		}
	}

	w.markFailed(ctx, c, lastErr)
	return nil, errors.NewTransientf("max retries exceeded: %w", lastErr)
}

// markFailed records the failure on the stored candidate, best effort
func (w *CandidateWorker) markFailed(ctx context.Context, c *types.Candidate, cause error) {
	stored, err := w.store.GetCandidate(ctx, c.ID)
	if err != nil {
		w.logger.Error("failed to load candidate to mark it failed",
			"candidate_id", c.ID,
			"error", err.Error())
		return
	}
	failed, err := stored.Fail(w.now(), cause.Error())
	if err != nil {
		w.logger.Warn("candidate cannot be marked failed",
			"candidate_id", c.ID,
			"status", string(stored.Status),
			"error", err.Error())
		return
	}
	if err := w.store.UpdateCandidate(ctx, &failed); err != nil {
		w.logger.Error("failed to mark candidate failed",
			"candidate_id", c.ID,
			"error", err.Error())
	}
}
