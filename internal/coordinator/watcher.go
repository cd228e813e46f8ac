package coordinator

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/daimoniac/bountyline/internal/observability"
	"github.com/daimoniac/bountyline/internal/producer"
	"github.com/daimoniac/bountyline/internal/types"
)

// MinimumFunc returns the minimum bounty for a platform
type MinimumFunc func(platform types.Platform) (types.Money, error)

// Watcher polls every producer on an interval and feeds what it finds
// through the coordinator
type Watcher struct {
	coordinator  *Coordinator
	producers    []producer.Producer
	minimum      MinimumFunc
	pollInterval time.Duration
	logger       *slog.Logger
}

// CycleReport counts what one discovery cycle did
type CycleReport struct {
	Polled   int
	Failed   int
	Outcomes map[OutcomeKind]int
	Errors   int
}

// NewWatcher creates a watcher. A nil minimum admits every amount.
func NewWatcher(coordinator *Coordinator, producers []producer.Producer, minimum MinimumFunc, pollInterval time.Duration, logger *slog.Logger) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	if minimum == nil {
		minimum = func(types.Platform) (types.Money, error) { return types.Money{}, nil }
	}
	return &Watcher{
		coordinator:  coordinator,
		producers:    producers,
		minimum:      minimum,
		pollInterval: pollInterval,
		logger:       logger.With("component", "watcher"),
	}
}

// Start runs discovery immediately and then after every poll interval
// until ctx is cancelled
func (w *Watcher) Start(ctx context.Context) error {
	w.logger.Info("starting candidate watcher",
		"poll_interval", w.pollInterval.String(),
		"sources", len(w.producers))

	w.Discover(ctx)

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("candidate watcher shutting down")
			return ctx.Err()
		case <-time.After(w.pollInterval):
			w.Discover(ctx)
		}
	}
}

// Discover polls every producer once. A failing source or candidate is
// logged and counted; it never aborts the cycle.
func (w *Watcher) Discover(ctx context.Context) CycleReport {
	report := CycleReport{Outcomes: make(map[OutcomeKind]int)}
	w.logger.Info("starting discovery cycle")

	for _, p := range w.producers {
		if ctx.Err() != nil {
			break
		}
		report.Polled++
		if err := w.pollSource(ctx, p, &report); err != nil {
			report.Failed++
			observability.GetMetrics().SourcePollErrors.WithLabelValues(p.Name()).Inc()
			w.logger.Error("failed to poll source",
				"source", p.Name(),
				"error", err.Error())
		}
	}

	w.logger.Info("discovery cycle completed",
		"sources", report.Polled,
		"failed_sources", report.Failed,
		"enqueued", report.Outcomes[OutcomeEnqueued],
		"duplicates", report.Outcomes[OutcomeDuplicate],
		"below_threshold", report.Outcomes[OutcomeBelowThreshold],
		"rejected", report.Outcomes[OutcomeRejected],
		"errors", report.Errors)

	return report
}

func (w *Watcher) pollSource(ctx context.Context, p producer.Producer, report *CycleReport) error {
	candidates, err := p.Poll(ctx)
	if err != nil {
		return err
	}

	observability.GetMetrics().CandidatesDiscovered.WithLabelValues(p.Name()).Add(float64(len(candidates)))
	w.logger.Debug("source returned candidates",
		"source", p.Name(),
		"count", len(candidates))

	for _, c := range candidates {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		minimum, err := w.minimum(c.Platform)
		if err != nil {
			return fmt.Errorf("minimum amount for %s: %w", c.Platform, err)
		}

		outcome, err := w.coordinator.Process(ctx, c, minimum)
		if err != nil {
			report.Errors++
			w.logger.Error("failed to process candidate",
				"source", p.Name(),
				"external_issue_id", c.ExternalIssueID,
				"platform", string(c.Platform),
				"error", err.Error())
			continue
		}
		report.Outcomes[outcome.Kind]++
	}

	return nil
}
