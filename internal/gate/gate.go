// Package gate decides whether a persisted candidate is admitted to the
// triage queue. Every failure path rejects.
package gate

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/daimoniac/bountyline/internal/errors"
	"github.com/daimoniac/bountyline/internal/observability"
	"github.com/daimoniac/bountyline/internal/oracle"
	"github.com/daimoniac/bountyline/internal/policy"
	"github.com/daimoniac/bountyline/internal/prompts"
	"github.com/daimoniac/bountyline/internal/types"
)

// Reason categories used as the metric label
const (
	ReasonAdmitted      = "admitted"
	ReasonOracleError   = "oracle_error"
	ReasonParseError    = "parse_error"
	ReasonDeclined      = "declined"
	ReasonLowConfidence = "low_confidence"
	ReasonTooLong       = "too_long"
	ReasonPolicy        = "policy"
	ReasonPolicyError   = "policy_error"
)

// Verdict is the outcome of a gate decision
type Verdict struct {
	Admit                bool
	ShouldProcess        bool
	Confidence           float64
	EstimatedTimeMinutes *int
	Category             string
	Reason               string
}

type options struct {
	confidenceThreshold float64
	maxEstimatedMinutes int // <= 0 means unlimited
}

// Option tunes a single decision
type Option func(*options)

// WithConfidenceThreshold rejects verdicts whose confidence is below t
func WithConfidenceThreshold(t float64) Option {
	return func(o *options) { o.confidenceThreshold = t }
}

// WithMaxEstimatedMinutes rejects verdicts estimated above m minutes. A
// missing estimate is rejected once a limit is set.
func WithMaxEstimatedMinutes(m int) Option {
	return func(o *options) { o.maxEstimatedMinutes = m }
}

// Gate asks the oracle whether a candidate is worth processing
type Gate struct {
	oracle oracle.Oracle
	policy policy.PolicyEngine
	logger *slog.Logger
}

// New creates a gate. pe may be nil.
func New(o oracle.Oracle, pe policy.PolicyEngine, logger *slog.Logger) *Gate {
	if logger == nil {
		logger = slog.Default()
	}
	return &Gate{
		oracle: o,
		policy: pe,
		logger: logger.With("component", "gate"),
	}
}

// Decide returns the admission verdict for c. It has no store side effects.
func (g *Gate) Decide(ctx context.Context, c types.Candidate, opts ...Option) Verdict {
	o := options{}
	for _, opt := range opts {
		opt(&o)
	}

	start := time.Now()
	v := g.decide(ctx, c, o)

	metrics := observability.GetMetrics()
	metrics.GateDuration.Observe(time.Since(start).Seconds())
	decision := "reject"
	if v.Admit {
		decision = "admit"
	}
	metrics.GateDecisions.WithLabelValues(decision, v.Category).Inc()

	g.logger.Info("gate decision",
		"candidate_id", c.ID,
		"external_issue_id", c.ExternalIssueID,
		"platform", string(c.Platform),
		"admit", v.Admit,
		"confidence", v.Confidence,
		"category", v.Category,
		"reason", v.Reason)

	return v
}

func (g *Gate) decide(ctx context.Context, c types.Candidate, o options) Verdict {
	prompt, err := prompts.Gate(c)
	if err != nil {
		return reject(ReasonParseError, fmt.Sprintf("build prompt: %v", err))
	}

	text, err := g.oracle.Complete(ctx, prompt)
	if err != nil {
		return reject(ReasonOracleError, fmt.Sprintf("oracle unavailable (%s): %v", errors.ClassifyError(err), err))
	}

	obj, err := oracle.ExtractObject(text)
	if err != nil {
		return reject(ReasonParseError, fmt.Sprintf("unparseable oracle response: %v", err))
	}

	v := Verdict{
		ShouldProcess: obj.Bool("shouldProcess", false),
		Reason:        obj.String("reason", ""),
	}
	v.Confidence, _ = obj.Confidence("confidence")
	if minutes, ok := obj.Int("estimatedTimeMinutes"); ok {
		v.EstimatedTimeMinutes = &minutes
	}

	switch {
	case !v.ShouldProcess:
		return v.rejected(ReasonDeclined, "oracle declined: "+v.Reason)
	case v.Confidence < o.confidenceThreshold:
		return v.rejected(ReasonLowConfidence,
			fmt.Sprintf("confidence %.2f below threshold %.2f", v.Confidence, o.confidenceThreshold))
	case o.maxEstimatedMinutes > 0 && v.EstimatedTimeMinutes == nil:
		return v.rejected(ReasonTooLong, "no time estimate with a time limit configured")
	case o.maxEstimatedMinutes > 0 && *v.EstimatedTimeMinutes > o.maxEstimatedMinutes:
		return v.rejected(ReasonTooLong,
			fmt.Sprintf("estimated %d minutes exceeds limit %d", *v.EstimatedTimeMinutes, o.maxEstimatedMinutes))
	}

	if g.policy != nil {
		input := policy.Input{
			ShouldProcess:        v.ShouldProcess,
			Confidence:           v.Confidence,
			EstimatedTimeMinutes: v.EstimatedTimeMinutes,
			Platform:             string(c.Platform),
			Repository:           c.RepositoryURL,
			Title:                c.Title,
		}
		if c.Amount != nil {
			input.Amount = c.Amount.Float()
			input.Currency = c.Amount.Currency
		}

		decision, err := g.policy.Evaluate(ctx, input)
		if err != nil {
			return v.rejected(ReasonPolicyError, fmt.Sprintf("policy evaluation failed: %v", err))
		}
		if !decision.Passed {
			return v.rejected(ReasonPolicy, decision.Reason)
		}
	}

	v.Admit = true
	v.Category = ReasonAdmitted
	if v.Reason == "" {
		v.Reason = "admitted"
	}
	return v
}

func (v Verdict) rejected(category, reason string) Verdict {
	v.Admit = false
	v.Category = category
	v.Reason = reason
	return v
}

func reject(category, reason string) Verdict {
	return Verdict{Category: category, Reason: reason}
}
