// Package findings drives a finding through root-cause (or pattern
// presence) verification, fix generation and fix verification, and screens
// commits against the vulnerability-pattern catalog.
package findings

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/daimoniac/bountyline/internal/errors"
	"github.com/daimoniac/bountyline/internal/observability"
	"github.com/daimoniac/bountyline/internal/oracle"
	"github.com/daimoniac/bountyline/internal/prompts"
	"github.com/daimoniac/bountyline/internal/statestore"
	"github.com/daimoniac/bountyline/internal/types"
)

// Stage names recorded in notes and metrics
const (
	StageRootCause       = "root_cause"
	StagePresence        = "presence"
	StageFixGeneration   = "fix_generation"
	StageFixVerification = "fix_verification"
	StagePrefilter       = "prefilter"
)

// Stage outcomes
const (
	OutcomeVerified      = "verified"
	OutcomeLowConfidence = "low_confidence"
	OutcomeGenerated     = "generated"
	OutcomeConfirmed     = "confirmed"
	OutcomeNeedsReview   = "needs_review"
	OutcomeRejected      = "rejected"
	OutcomeOracleError   = "oracle_error"
	OutcomeParseError    = "parse_error"
)

// Config holds the stage thresholds
type Config struct {
	RootCauseThreshold  float64 // below: human review
	FixConfirmThreshold float64 // at or above: confirmed
	FixReviewThreshold  float64 // below: human review; between: flagged
	CommitConcurrency   int
}

// DefaultConfig returns the default thresholds
func DefaultConfig() Config {
	return Config{
		RootCauseThreshold:  0.7,
		FixConfirmThreshold: 0.8,
		FixReviewThreshold:  0.6,
		CommitConcurrency:   4,
	}
}

// Store is the persistence the machine needs
type Store interface {
	statestore.FindingStore
	statestore.PatternStore
}

// Analysis is the input to Run. Pattern switches the first stage from
// root-cause to presence scoring. Context is the codebase summary.
type Analysis struct {
	Subject Subject
	Context string
	Pattern *types.VulnerabilityPattern
}

// Machine runs the staged analysis
type Machine struct {
	oracle oracle.Oracle
	store  Store
	cfg    Config
	logger *slog.Logger
	now    func() time.Time
}

// NewMachine creates a machine. Zero thresholds in cfg take the defaults.
func NewMachine(o oracle.Oracle, store Store, cfg Config, logger *slog.Logger) *Machine {
	if logger == nil {
		logger = slog.Default()
	}
	def := DefaultConfig()
	if cfg.RootCauseThreshold == 0 {
		cfg.RootCauseThreshold = def.RootCauseThreshold
	}
	if cfg.FixConfirmThreshold == 0 {
		cfg.FixConfirmThreshold = def.FixConfirmThreshold
	}
	if cfg.FixReviewThreshold == 0 {
		cfg.FixReviewThreshold = def.FixReviewThreshold
	}
	if cfg.CommitConcurrency <= 0 {
		cfg.CommitConcurrency = def.CommitConcurrency
	}
	return &Machine{
		oracle: o,
		store:  store,
		cfg:    cfg,
		logger: logger.With("component", "findings"),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Run drives the finding for a.Subject as far as confidence allows. A
// finding already stored under the same id resumes where it stopped;
// terminal findings and flagged fixes are returned unchanged. Oracle
// failures become recorded state; only store failures and cancellation
// are returned as errors.
func (m *Machine) Run(ctx context.Context, a Analysis) (types.Finding, error) {
	f, err := m.load(ctx, a)
	if err != nil {
		return types.Finding{}, err
	}

	logger := m.logger.With(
		"finding_id", f.ID,
		"origin", string(f.Origin),
		"subject_id", f.SubjectID)
	if f.CVEID != "" {
		logger = logger.With("cve_id", f.CVEID)
	}

	if f.Status == types.FindingDetected {
		if f, err = m.verifyRootCause(ctx, a, f, logger); err != nil {
			return f, err
		}
	}
	if f.Status == types.FindingVerified {
		if f, err = m.generateFix(ctx, a, f, logger); err != nil {
			return f, err
		}
	}
	if f.Status == types.FindingFixGenerated && !f.RequiresHumanReview {
		if f, err = m.verifyFix(ctx, a, f, logger); err != nil {
			return f, err
		}
	}

	logger.Info("finding analysis finished",
		"status", string(f.Status),
		"requires_human_review", f.RequiresHumanReview)
	return f, nil
}

func (m *Machine) load(ctx context.Context, a Analysis) (types.Finding, error) {
	var cveID string
	if a.Pattern != nil {
		cveID = a.Pattern.CVEID
	}
	id := types.FindingID(a.Subject.Origin(), a.Subject.Repository(), a.Subject.Key(), cveID)

	existing, err := m.store.GetFinding(ctx, id)
	if err == nil {
		return *existing, nil
	}
	if !errors.IsNotFound(err) {
		return types.Finding{}, fmt.Errorf("failed to load finding %s: %w", id, err)
	}

	f := types.NewFinding(a.Subject.Origin(), a.Subject.Repository(), a.Subject.ID(), cveID, a.Subject.Summary(), m.now())
	f.ID = id
	f.Language = a.Subject.describe().Language
	if err := m.save(ctx, f); err != nil {
		return types.Finding{}, err
	}
	return f, nil
}

func (m *Machine) stage(a Analysis, f types.Finding) prompts.Stage {
	return prompts.Stage{
		Subject: a.Subject.describe(),
		Context: a.Context,
		Pattern: a.Pattern,
		Finding: f,
	}
}

// verifyRootCause scores the root cause, or the presence of a.Pattern
func (m *Machine) verifyRootCause(ctx context.Context, a Analysis, f types.Finding, logger *slog.Logger) (types.Finding, error) {
	name := StageRootCause
	if a.Pattern != nil {
		name = StagePresence
	}
	start := time.Now()

	setConfidence := func(f *types.Finding, c float64) {
		if a.Pattern != nil {
			f.PresenceConfidence = types.Confidence(c)
		} else {
			f.RootCauseConfidence = types.Confidence(c)
		}
	}

	obj, failure, reason, err := m.ask(ctx, func() (string, error) { return prompts.RootCause(m.stage(a, f)) })
	if err != nil {
		return f, err
	}

	var confidence float64
	if failure == "" {
		var ok bool
		if confidence, ok = obj.Confidence("confidence"); !ok {
			failure, reason = OutcomeParseError, "response has no confidence"
		}
	}

	if failure != "" {
		next, err := f.Advance(types.FindingHumanReview, m.now())
		if err != nil {
			return f, err
		}
		setConfidence(&next, 0)
		next = next.WithNote(m.note(name, failure, types.Confidence(0), reason))
		logger.Warn("stage failed, finding needs human review", "stage", name, "outcome", failure, "reason", reason)
		return m.finish(ctx, name, failure, start, next)
	}

	refined := f.Clone()
	refined.RootCauseAnalysis = obj.String("rootCause", f.RootCauseAnalysis)
	if files := obj.Strings("affectedFiles"); len(files) > 0 {
		refined.AffectedFiles = files
	} else if len(refined.AffectedFiles) == 0 {
		refined.AffectedFiles = a.Subject.describe().AffectedFiles
	}
	if code := obj.StringMap("affectedCode"); len(code) > 0 {
		refined.AffectedCode = code
	}
	setConfidence(&refined, confidence)
	reason = obj.String("reason", "")

	if confidence < m.cfg.RootCauseThreshold {
		next, err := refined.Advance(types.FindingHumanReview, m.now())
		if err != nil {
			return f, err
		}
		next = next.WithNote(m.note(name, OutcomeLowConfidence, types.Confidence(confidence), reason))
		logger.Info("confidence below threshold, finding needs human review",
			"stage", name,
			"confidence", confidence,
			"threshold", m.cfg.RootCauseThreshold)
		return m.finish(ctx, name, OutcomeLowConfidence, start, next)
	}

	next, err := refined.Advance(types.FindingVerified, m.now())
	if err != nil {
		return f, err
	}
	next = next.WithNote(m.note(name, OutcomeVerified, types.Confidence(confidence), reason))
	logger.Info("root cause verified", "stage", name, "confidence", confidence)
	return m.finish(ctx, name, OutcomeVerified, start, next)
}

func (m *Machine) generateFix(ctx context.Context, a Analysis, f types.Finding, logger *slog.Logger) (types.Finding, error) {
	start := time.Now()

	obj, failure, reason, err := m.ask(ctx, func() (string, error) { return prompts.FixGeneration(m.stage(a, f)) })
	if err != nil {
		return f, err
	}

	var fix string
	if failure == "" {
		if fix = obj.String("recommendedFix", ""); fix == "" {
			failure, reason = OutcomeParseError, "response has no recommendedFix"
		}
	}

	if failure != "" {
		next, err := f.Advance(types.FindingHumanReview, m.now())
		if err != nil {
			return f, err
		}
		next.FixConfidence = types.Confidence(0)
		next = next.WithNote(m.note(StageFixGeneration, failure, types.Confidence(0), reason))
		logger.Warn("fix generation failed, finding needs human review", "outcome", failure, "reason", reason)
		return m.finish(ctx, StageFixGeneration, failure, start, next)
	}

	next, err := f.Advance(types.FindingFixGenerated, m.now())
	if err != nil {
		return f, err
	}
	next.RecommendedFix = fix
	next = next.WithNote(m.note(StageFixGeneration, OutcomeGenerated, nil, obj.String("explanation", "")))
	logger.Info("fix generated", "fix_bytes", len(fix))
	return m.finish(ctx, StageFixGeneration, OutcomeGenerated, start, next)
}

func (m *Machine) verifyFix(ctx context.Context, a Analysis, f types.Finding, logger *slog.Logger) (types.Finding, error) {
	start := time.Now()

	obj, failure, reason, err := m.ask(ctx, func() (string, error) { return prompts.FixVerification(m.stage(a, f)) })
	if err != nil {
		return f, err
	}

	var confidence float64
	resolves := true
	if failure == "" {
		var ok bool
		resolves = obj.Bool("resolves", true)
		reason = obj.String("reason", "")
		if confidence, ok = obj.Confidence("confidence"); !ok {
			failure, reason = OutcomeParseError, "response has no confidence"
		}
	}

	if failure != "" {
		next := f.Clone()
		next.FixConfidence = types.Confidence(0)
		next.RequiresHumanReview = true
		next.UpdatedAt = m.now()
		next = next.WithNote(m.note(StageFixVerification, failure, types.Confidence(0), reason))
		logger.Warn("fix verification failed, fix flagged for review", "outcome", failure, "reason", reason)
		return m.finish(ctx, StageFixVerification, failure, start, next)
	}

	var (
		next    types.Finding
		outcome string
	)
	switch {
	case confidence >= m.cfg.FixConfirmThreshold && resolves:
		if next, err = f.Advance(types.FindingFixConfirmed, m.now()); err != nil {
			return f, err
		}
		next.RequiresHumanReview = false
		outcome = OutcomeConfirmed
	case confidence >= m.cfg.FixReviewThreshold:
		next = f.Clone()
		next.RequiresHumanReview = true
		next.UpdatedAt = m.now()
		outcome = OutcomeNeedsReview
	default:
		if next, err = f.Advance(types.FindingHumanReview, m.now()); err != nil {
			return f, err
		}
		outcome = OutcomeRejected
	}
	if !resolves {
		reason = "oracle says the fix does not resolve the issue: " + reason
	}

	next.FixConfidence = types.Confidence(confidence)
	next = next.WithNote(m.note(StageFixVerification, outcome, types.Confidence(confidence), reason))
	logger.Info("fix verified",
		"confidence", confidence,
		"resolves", resolves,
		"outcome", outcome)
	return m.finish(ctx, StageFixVerification, outcome, start, next)
}

// ask runs one oracle interaction. A non-empty failure reports an oracle or
// parse failure the caller records; err is set only for cancellation.
func (m *Machine) ask(ctx context.Context, build func() (string, error)) (obj oracle.Object, failure, reason string, err error) {
	prompt, err := build()
	if err != nil {
		return nil, OutcomeParseError, fmt.Sprintf("build prompt: %v", err), nil
	}

	text, err := m.oracle.Complete(ctx, prompt)
	if err != nil {
		if ctx.Err() != nil {
			return nil, "", "", ctx.Err()
		}
		return nil, OutcomeOracleError, fmt.Sprintf("oracle unavailable (%s): %v", errors.ClassifyError(err), err), nil
	}

	obj, err = oracle.ExtractObject(text)
	if err != nil {
		return nil, OutcomeParseError, err.Error(), nil
	}
	return obj, "", "", nil
}

func (m *Machine) note(stage, outcome string, confidence *float64, reason string) types.Note {
	return types.Note{
		Stage:      stage,
		Outcome:    outcome,
		Confidence: confidence,
		Reason:     reason,
		At:         m.now(),
	}
}

// finish persists the stage result and records its metrics
func (m *Machine) finish(ctx context.Context, stage, outcome string, start time.Time, f types.Finding) (types.Finding, error) {
	metrics := observability.GetMetrics()
	metrics.StageOutcomes.WithLabelValues(stage, outcome).Inc()
	metrics.StageDuration.WithLabelValues(stage).Observe(time.Since(start).Seconds())

	if err := m.save(ctx, f); err != nil {
		return f, err
	}
	return f, nil
}

func (m *Machine) save(ctx context.Context, f types.Finding) error {
	if err := m.store.SaveFinding(ctx, &f); err != nil {
		return fmt.Errorf("failed to save finding %s: %w", f.ID, err)
	}
	return nil
}
