package statestore

import (
	"time"

	jsoniter "github.com/json-iterator/go"

	"github.com/daimoniac/bountyline/internal/errors"
	"github.com/daimoniac/bountyline/internal/types"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Rows are scanned through pointer fields so NULL columns map to nil on
// both database/sql and pgx.

const candidateColumns = `id, external_issue_id, platform, repository_url, amount_minor, currency,
	title, description, status, created_at, started_at, completed_at, failed_at,
	pull_request_id, failure_reason`

type candidateRow struct {
	ID              string
	ExternalIssueID string
	Platform        string
	RepositoryURL   string
	AmountMinor     *int64
	Currency        string
	Title           string
	Description     string
	Status          string
	CreatedAt       int64
	StartedAt       *int64
	CompletedAt     *int64
	FailedAt        *int64
	PullRequestID   string
	FailureReason   string
}

func (r *candidateRow) dest() []any {
	return []any{
		&r.ID, &r.ExternalIssueID, &r.Platform, &r.RepositoryURL, &r.AmountMinor, &r.Currency,
		&r.Title, &r.Description, &r.Status, &r.CreatedAt, &r.StartedAt, &r.CompletedAt, &r.FailedAt,
		&r.PullRequestID, &r.FailureReason,
	}
}

func (r *candidateRow) candidate() *types.Candidate {
	c := &types.Candidate{
		ID:              r.ID,
		ExternalIssueID: r.ExternalIssueID,
		Platform:        types.Platform(r.Platform),
		RepositoryURL:   r.RepositoryURL,
		Title:           r.Title,
		Description:     r.Description,
		Status:          types.CandidateStatus(r.Status),
		CreatedAt:       fromMillis(r.CreatedAt),
		StartedAt:       fromNullMillis(r.StartedAt),
		CompletedAt:     fromNullMillis(r.CompletedAt),
		FailedAt:        fromNullMillis(r.FailedAt),
		PullRequestID:   r.PullRequestID,
		FailureReason:   r.FailureReason,
	}
	if r.AmountMinor != nil {
		c.Amount = &types.Money{Minor: *r.AmountMinor, Currency: r.Currency}
	}
	return c
}

// candidateArgs returns values in candidateColumns order.
func candidateArgs(c *types.Candidate) []any {
	var amount any
	currency := ""
	if c.Amount != nil {
		amount = c.Amount.Minor
		currency = c.Amount.Currency
	}
	return []any{
		c.ID, c.ExternalIssueID, string(c.Platform), c.RepositoryURL, amount, currency,
		c.Title, c.Description, string(c.Status), toMillis(c.CreatedAt),
		nullMillis(c.StartedAt), nullMillis(c.CompletedAt), nullMillis(c.FailedAt),
		c.PullRequestID, c.FailureReason,
	}
}

// candidateUpdateArgs matches the SET list of UpdateCandidate followed by the id.
func candidateUpdateArgs(c *types.Candidate) []any {
	args := candidateArgs(c)
	out := make([]any, 0, 12)
	out = append(out, args[3:9]...)  // repository_url .. status
	out = append(out, args[10:]...) // started_at .. failure_reason
	return append(out, c.ID)
}

const findingColumns = `id, repository_url, origin, subject_id, cve_id, language, status, description,
	root_cause_analysis, root_cause_confidence, presence_confidence, fix_confidence,
	affected_files, affected_code, recommended_fix, verification_notes,
	requires_human_review, human_reviewed, pull_request_id, created_at, updated_at`

type findingRow struct {
	ID                  string
	RepositoryURL       string
	Origin              string
	SubjectID           string
	CVEID               string
	Language            string
	Status              string
	Description         string
	RootCauseAnalysis   string
	RootCauseConfidence *float64
	PresenceConfidence  *float64
	FixConfidence       *float64
	AffectedFiles       string
	AffectedCode        string
	RecommendedFix      string
	VerificationNotes   string
	RequiresHumanReview bool
	HumanReviewed       bool
	PullRequestID       string
	CreatedAt           int64
	UpdatedAt           int64
}

func (r *findingRow) dest() []any {
	return []any{
		&r.ID, &r.RepositoryURL, &r.Origin, &r.SubjectID, &r.CVEID, &r.Language, &r.Status, &r.Description,
		&r.RootCauseAnalysis, &r.RootCauseConfidence, &r.PresenceConfidence, &r.FixConfidence,
		&r.AffectedFiles, &r.AffectedCode, &r.RecommendedFix, &r.VerificationNotes,
		&r.RequiresHumanReview, &r.HumanReviewed, &r.PullRequestID, &r.CreatedAt, &r.UpdatedAt,
	}
}

func (r *findingRow) finding() (*types.Finding, error) {
	f := &types.Finding{
		ID:                  r.ID,
		RepositoryURL:       r.RepositoryURL,
		Origin:              types.Origin(r.Origin),
		SubjectID:           r.SubjectID,
		CVEID:               r.CVEID,
		Language:            r.Language,
		Status:              types.FindingStatus(r.Status),
		Description:         r.Description,
		RootCauseAnalysis:   r.RootCauseAnalysis,
		RootCauseConfidence: r.RootCauseConfidence,
		PresenceConfidence:  r.PresenceConfidence,
		FixConfidence:       r.FixConfidence,
		RecommendedFix:      r.RecommendedFix,
		RequiresHumanReview: r.RequiresHumanReview,
		HumanReviewed:       r.HumanReviewed,
		PullRequestID:       r.PullRequestID,
		CreatedAt:           fromMillis(r.CreatedAt),
		UpdatedAt:           fromMillis(r.UpdatedAt),
	}
	if err := unmarshalColumn(r.AffectedFiles, &f.AffectedFiles); err != nil {
		return nil, errors.NewPermanentf("finding %s affected_files: %w", r.ID, err)
	}
	if err := unmarshalColumn(r.AffectedCode, &f.AffectedCode); err != nil {
		return nil, errors.NewPermanentf("finding %s affected_code: %w", r.ID, err)
	}
	if err := unmarshalColumn(r.VerificationNotes, &f.VerificationNotes); err != nil {
		return nil, errors.NewPermanentf("finding %s verification_notes: %w", r.ID, err)
	}
	return f, nil
}

// findingArgs returns values in findingColumns order.
func findingArgs(f *types.Finding) ([]any, error) {
	files, err := json.MarshalToString(f.AffectedFiles)
	if err != nil {
		return nil, errors.NewPermanentf("marshal affected files: %w", err)
	}
	code, err := json.MarshalToString(f.AffectedCode)
	if err != nil {
		return nil, errors.NewPermanentf("marshal affected code: %w", err)
	}
	notes, err := json.MarshalToString(f.VerificationNotes)
	if err != nil {
		return nil, errors.NewPermanentf("marshal verification notes: %w", err)
	}
	return []any{
		f.ID, f.RepositoryURL, string(f.Origin), f.SubjectID, f.CVEID, f.Language, string(f.Status), f.Description,
		f.RootCauseAnalysis, nullFloat(f.RootCauseConfidence), nullFloat(f.PresenceConfidence), nullFloat(f.FixConfidence),
		files, code, f.RecommendedFix, notes,
		f.RequiresHumanReview, f.HumanReviewed, f.PullRequestID, toMillis(f.CreatedAt), toMillis(f.UpdatedAt),
	}, nil
}

const patternColumns = `cve_id, language, summary, example_code, vulnerable_pattern, fixed_pattern`

func patternDest(p *types.VulnerabilityPattern) []any {
	return []any{&p.CVEID, &p.Language, &p.Summary, &p.ExampleCode, &p.VulnerablePattern, &p.FixedPattern}
}

func patternArgs(p *types.VulnerabilityPattern) []any {
	return []any{p.CVEID, p.Language, p.Summary, p.ExampleCode, p.VulnerablePattern, p.FixedPattern}
}

func unmarshalColumn(raw string, v any) error {
	if raw == "" || raw == "null" {
		return nil
	}
	return json.UnmarshalFromString(raw, v)
}

func toMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

func nullMillis(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixMilli()
}

func fromNullMillis(ms *int64) *time.Time {
	if ms == nil {
		return nil
	}
	t := time.UnixMilli(*ms).UTC()
	return &t
}

func nullFloat(f *float64) any {
	if f == nil {
		return nil
	}
	return *f
}
