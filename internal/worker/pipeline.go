package worker

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/daimoniac/bountyline/internal/findings"
	"github.com/daimoniac/bountyline/internal/types"
)

// Candidate results recorded in metrics and logs
const (
	ResultCompleted      = "completed"
	ResultAwaitingReview = "awaiting_review"
	ResultSkipped        = "skipped"
	ResultFailed         = "failed"
)

// Result is what processing did with one candidate
type Result struct {
	Candidate types.Candidate
	Finding   *types.Finding
	Outcome   string
}

// Pipeline orchestrates the workflow for a single candidate
type Pipeline struct {
	worker *CandidateWorker
	logger *slog.Logger
}

// NewPipeline creates a new pipeline instance
func NewPipeline(worker *CandidateWorker, logger *slog.Logger) *Pipeline {
	return &Pipeline{
		worker: worker,
		logger: logger,
	}
}

// Execute claims the candidate, gathers codebase context, runs the staged
// analysis and settles the candidate according to the finding
func (p *Pipeline) Execute(ctx context.Context, queued *types.Candidate) (*Result, error) {
	start := time.Now()

	if err := p.validateDependencies(); err != nil {
		return nil, err
	}

	c, skip, err := p.claimPhase(ctx, queued.ID)
	if err != nil {
		return nil, err
	}
	if skip {
		return &Result{Candidate: c, Outcome: ResultSkipped}, nil
	}

	snapshot := p.contextPhase(ctx, c)

	finding, err := p.worker.analyzer.Run(ctx, findings.Analysis{
		Subject: findings.IssueSubject{Candidate: c},
		Context: snapshot,
	})
	if err != nil {
		return nil, fmt.Errorf("analysis of candidate %s: %w", c.ID, err)
	}

	result, err := p.settlePhase(ctx, c, finding)
	if err != nil {
		return nil, err
	}

	p.logger.Info("candidate workflow finished",
		"candidate_id", c.ID,
		"finding_id", finding.ID,
		"finding_status", string(finding.Status),
		"requires_human_review", finding.RequiresHumanReview,
		"outcome", result.Outcome,
		"duration_ms", time.Since(start).Milliseconds())

	return result, nil
}

func (p *Pipeline) validateDependencies() error {
	if p.worker.store == nil {
		return fmt.Errorf("candidate store is not configured")
	}
	if p.worker.analyzer == nil {
		return fmt.Errorf("finding analyzer is not configured")
	}
	return nil
}

// claimPhase moves an open candidate to in-progress. Candidates already in
// progress are resumed; terminal ones are skipped.
func (p *Pipeline) claimPhase(ctx context.Context, id string) (types.Candidate, bool, error) {
	stored, err := p.worker.store.GetCandidate(ctx, id)
	if err != nil {
		return types.Candidate{}, false, fmt.Errorf("failed to load candidate %s: %w", id, err)
	}

	switch stored.Status {
	case types.CandidateOpen:
		started, err := stored.Start(p.worker.now())
		if err != nil {
			return types.Candidate{}, false, err
		}
		if err := p.worker.store.UpdateCandidate(ctx, &started); err != nil {
			return types.Candidate{}, false, fmt.Errorf("failed to claim candidate %s: %w", id, err)
		}
		return started, false, nil
	case types.CandidateInProgress:
		p.logger.Info("resuming candidate already in progress", "candidate_id", id)
		return *stored, false, nil
	default:
		p.logger.Info("skipping candidate in terminal state",
			"candidate_id", id,
			"status", string(stored.Status))
		return *stored, true, nil
	}
}

// contextPhase fetches the codebase summary. It is advisory: failures
// leave the prompts without a summary.
func (p *Pipeline) contextPhase(ctx context.Context, c types.Candidate) string {
	if p.worker.context == nil || c.RepositoryURL == "" {
		return ""
	}
	snap, err := p.worker.context.Context(ctx, c.RepositoryURL, "")
	if err != nil {
		p.logger.Warn("codebase context unavailable, continuing without it",
			"candidate_id", c.ID,
			"repository", c.RepositoryURL,
			"error", err.Error())
		return ""
	}
	p.logger.Debug("codebase context ready",
		"candidate_id", c.ID,
		"version", snap.Version,
		"bytes", len(snap.Text))
	return snap.Text
}

// settlePhase completes the candidate when the fix is confirmed; anything
// else leaves it in progress for a human
func (p *Pipeline) settlePhase(ctx context.Context, c types.Candidate, f types.Finding) (*Result, error) {
	result := &Result{Candidate: c, Finding: &f, Outcome: ResultAwaitingReview}

	if f.Status != types.FindingFixConfirmed || f.RequiresHumanReview {
		p.logger.Info("candidate awaiting human review",
			"candidate_id", c.ID,
			"finding_id", f.ID,
			"finding_status", string(f.Status))
		return result, nil
	}

	completed, err := c.Complete(p.worker.now(), f.PullRequestID)
	if err != nil {
		return nil, err
	}
	if err := p.worker.store.UpdateCandidate(ctx, &completed); err != nil {
		return nil, fmt.Errorf("failed to complete candidate %s: %w", c.ID, err)
	}

	result.Candidate = completed
	result.Outcome = ResultCompleted
	return result, nil
}
