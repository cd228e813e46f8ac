package findings

import (
	"context"
	"fmt"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/daimoniac/bountyline/internal/observability"
	"github.com/daimoniac/bountyline/internal/prompts"
	"github.com/daimoniac/bountyline/internal/types"
)

// CommitRequest asks for a commit to be screened against the catalog
type CommitRequest struct {
	RepositoryURL string
	CommitID      string
	Diff          string
	Language      string
	AffectedFiles []string
	Context       string
}

// AnalyzeCommit asks the oracle which catalog patterns for the commit's
// language plausibly appear in the diff and runs the staged analysis for
// each of them concurrently. Identifiers outside the catalog are dropped.
// A pre-filter oracle or parse failure yields no findings and no error.
func (m *Machine) AnalyzeCommit(ctx context.Context, req CommitRequest) ([]types.Finding, error) {
	logger := m.logger.With(
		"repository", req.RepositoryURL,
		"commit_id", req.CommitID,
		"language", req.Language)

	catalog, err := m.store.ListPatterns(ctx, req.Language)
	if err != nil {
		return nil, fmt.Errorf("failed to list patterns for %s: %w", req.Language, err)
	}
	if len(catalog) == 0 {
		logger.Info("no vulnerability patterns for language, skipping commit")
		return nil, nil
	}

	selected, err := m.prefilter(ctx, req, catalog)
	if err != nil {
		return nil, err
	}
	observability.GetMetrics().PrefilterSelected.Observe(float64(len(selected)))
	if len(selected) == 0 {
		return nil, nil
	}

	subject := CommitSubject{
		RepositoryURL: req.RepositoryURL,
		CommitID:      req.CommitID,
		Diff:          req.Diff,
		Language:      req.Language,
		AffectedFiles: req.AffectedFiles,
	}

	results := make([]*types.Finding, len(selected))
	var g errgroup.Group
	g.SetLimit(m.cfg.CommitConcurrency)
	for i, pattern := range selected {
		g.Go(func() error {
			f, err := m.Run(ctx, Analysis{Subject: subject, Context: req.Context, Pattern: pattern})
			if err != nil {
				return fmt.Errorf("%s: %w", pattern.CVEID, err)
			}
			results[i] = &f
			return nil
		})
	}
	err = g.Wait()

	findings := make([]types.Finding, 0, len(results))
	for _, f := range results {
		if f != nil {
			findings = append(findings, *f)
		}
	}
	return findings, err
}

// prefilter returns the catalog entries the oracle selected, in the order
// it named them
func (m *Machine) prefilter(ctx context.Context, req CommitRequest, catalog []*types.VulnerabilityPattern) ([]*types.VulnerabilityPattern, error) {
	logger := m.logger.With("commit_id", req.CommitID)
	start := time.Now()

	byID := make(map[string]*types.VulnerabilityPattern, len(catalog))
	patterns := make([]types.VulnerabilityPattern, 0, len(catalog))
	for _, p := range catalog {
		byID[strings.ToUpper(p.CVEID)] = p
		patterns = append(patterns, *p)
	}

	obj, failure, reason, err := m.ask(ctx, func() (string, error) {
		return prompts.CommitPrefilter(prompts.Prefilter{
			RepositoryURL: req.RepositoryURL,
			CommitID:      req.CommitID,
			Language:      req.Language,
			Diff:          req.Diff,
			AffectedFiles: req.AffectedFiles,
			Patterns:      patterns,
		})
	})
	if err != nil {
		return nil, err
	}

	metrics := observability.GetMetrics()
	defer func() {
		metrics.StageDuration.WithLabelValues(StagePrefilter).Observe(time.Since(start).Seconds())
	}()

	if failure != "" {
		metrics.StageOutcomes.WithLabelValues(StagePrefilter, failure).Inc()
		logger.Warn("commit pre-filter failed, no patterns examined",
			"outcome", failure,
			"reason", reason)
		return nil, nil
	}

	var selected []*types.VulnerabilityPattern
	seen := make(map[string]bool)
	for _, id := range obj.Strings("cveIds") {
		key := strings.ToUpper(strings.TrimSpace(id))
		p, ok := byID[key]
		if !ok {
			logger.Warn("pre-filter named a pattern outside the catalog", "cve_id", id)
			continue
		}
		if seen[key] {
			continue
		}
		seen[key] = true
		selected = append(selected, p)
	}

	outcome := "selected"
	if len(selected) == 0 {
		outcome = "none"
	}
	metrics.StageOutcomes.WithLabelValues(StagePrefilter, outcome).Inc()
	logger.Info("commit pre-filter finished",
		"catalog_size", len(catalog),
		"selected", len(selected),
		"reason", obj.String("reason", ""))

	return selected, nil
}
