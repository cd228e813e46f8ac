// Package coordinator ingests candidates from producers: it deduplicates
// them against the store, applies the minimum bounty, persists first
// sightings and enqueues the ones the filtering gate admits.
package coordinator

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/daimoniac/bountyline/internal/errors"
	"github.com/daimoniac/bountyline/internal/gate"
	"github.com/daimoniac/bountyline/internal/observability"
	"github.com/daimoniac/bountyline/internal/queue"
	"github.com/daimoniac/bountyline/internal/statestore"
	"github.com/daimoniac/bountyline/internal/types"
)

// OutcomeKind is what Process did with a candidate
type OutcomeKind string

const (
	OutcomeEnqueued       OutcomeKind = "enqueued"
	OutcomeDuplicate      OutcomeKind = "duplicate"
	OutcomeBelowThreshold OutcomeKind = "below_threshold"
	OutcomeRejected       OutcomeKind = "rejected"
)

// Outcome describes the result of processing one candidate. Candidate is
// the persisted record when one exists.
type Outcome struct {
	Kind      OutcomeKind
	Reason    string
	Candidate *types.Candidate
	Verdict   *gate.Verdict
}

// Decider is the admission decision the coordinator consults
type Decider interface {
	Decide(ctx context.Context, c types.Candidate, opts ...gate.Option) gate.Verdict
}

// Coordinator implements the ingestion path for a single candidate
type Coordinator struct {
	store    statestore.CandidateStore
	decider  Decider
	queue    queue.PriorityQueue
	gateOpts []gate.Option
	logger   *slog.Logger

	now   func() time.Time
	newID func() string
}

// New creates a coordinator. gateOpts are passed to every gate decision.
func New(store statestore.CandidateStore, decider Decider, q queue.PriorityQueue, gateOpts []gate.Option, logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{
		store:    store,
		decider:  decider,
		queue:    q,
		gateOpts: gateOpts,
		logger:   logger.With("component", "coordinator"),
		now:      time.Now,
		newID:    uuid.NewString,
	}
}

// Process ingests one candidate. Duplicates, amounts below minimum and gate
// rejections are outcomes, not errors; only store failures and enqueue
// failures are returned.
func (c *Coordinator) Process(ctx context.Context, candidate types.Candidate, minimum types.Money) (Outcome, error) {
	outcome, err := c.process(ctx, candidate, minimum)

	label := string(outcome.Kind)
	if err != nil {
		label = "error"
	}
	observability.GetMetrics().CandidatesProcessed.WithLabelValues(label).Inc()

	return outcome, err
}

func (c *Coordinator) process(ctx context.Context, candidate types.Candidate, minimum types.Money) (Outcome, error) {
	logger := c.logger.With(
		"external_issue_id", candidate.ExternalIssueID,
		"platform", string(candidate.Platform))

	existing, err := c.store.GetCandidateByExternalID(ctx, candidate.ExternalIssueID, candidate.Platform)
	switch {
	case err == nil:
		logger.Debug("candidate already ingested", "candidate_id", existing.ID)
		return Outcome{Kind: OutcomeDuplicate, Reason: "already ingested", Candidate: existing}, nil
	case !errors.IsNotFound(err):
		return Outcome{}, fmt.Errorf("failed to look up candidate %s: %w", candidate.Key(), err)
	}

	if candidate.Amount == nil {
		logger.Debug("skipping candidate without amount")
		return Outcome{Kind: OutcomeBelowThreshold, Reason: "amount absent"}, nil
	}
	if !candidate.Amount.Meets(minimum) {
		reason := fmt.Sprintf("amount %s below minimum %s", candidate.Amount, minimum)
		if candidate.Amount.Currency != minimum.Currency {
			reason = fmt.Sprintf("amount %s not comparable with minimum %s", candidate.Amount, minimum)
		}
		logger.Debug("skipping candidate below minimum", "reason", reason)
		return Outcome{Kind: OutcomeBelowThreshold, Reason: reason}, nil
	}

	candidate.ID = c.newID()
	candidate.Status = types.CandidateOpen
	candidate.CreatedAt = c.now().UTC()
	candidate.StartedAt, candidate.CompletedAt, candidate.FailedAt = nil, nil, nil

	if err := c.store.CreateCandidate(ctx, &candidate); err != nil {
		if errors.IsDuplicate(err) {
			logger.Debug("candidate created concurrently by another poller")
			return Outcome{Kind: OutcomeDuplicate, Reason: "created concurrently"}, nil
		}
		return Outcome{}, fmt.Errorf("failed to persist candidate %s: %w", candidate.Key(), err)
	}

	logger = logger.With("candidate_id", candidate.ID)

	verdict := c.decider.Decide(ctx, candidate, c.gateOpts...)
	if !verdict.Admit {
		logger.Info("candidate rejected by gate",
			"category", verdict.Category,
			"reason", verdict.Reason)
		return Outcome{Kind: OutcomeRejected, Reason: verdict.Reason, Candidate: &candidate, Verdict: &verdict}, nil
	}

	if err := c.queue.Enqueue(ctx, candidate); err != nil {
		return Outcome{Candidate: &candidate, Verdict: &verdict},
			fmt.Errorf("failed to enqueue candidate %s: %w", candidate.ID, err)
	}

	logger.Info("candidate enqueued",
		"score", candidate.Score(),
		"confidence", verdict.Confidence)

	return Outcome{Kind: OutcomeEnqueued, Reason: verdict.Reason, Candidate: &candidate, Verdict: &verdict}, nil
}
