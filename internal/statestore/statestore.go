package statestore

import (
	"context"

	"github.com/daimoniac/bountyline/internal/types"
)

// CandidateStore persists candidates. CreateCandidate returns
// errors.ErrDuplicate when (ExternalIssueID, Platform) already exists;
// lookups return errors.ErrNotFound when nothing matches.
type CandidateStore interface {
	CreateCandidate(ctx context.Context, c *types.Candidate) error
	GetCandidate(ctx context.Context, id string) (*types.Candidate, error)
	GetCandidateByExternalID(ctx context.Context, externalIssueID string, platform types.Platform) (*types.Candidate, error)
	UpdateCandidate(ctx context.Context, c *types.Candidate) error
	ListCandidates(ctx context.Context, filter CandidateFilter) ([]*types.Candidate, error)
}

// FindingStore persists findings. SaveFinding inserts or replaces by ID.
type FindingStore interface {
	SaveFinding(ctx context.Context, f *types.Finding) error
	GetFinding(ctx context.Context, id string) (*types.Finding, error)
	ListFindings(ctx context.Context, filter FindingFilter) ([]*types.Finding, error)
}

// PatternStore holds the vulnerability-pattern catalog keyed by (CVEID, Language).
type PatternStore interface {
	UpsertPattern(ctx context.Context, p *types.VulnerabilityPattern) error
	GetPattern(ctx context.Context, cveID, language string) (*types.VulnerabilityPattern, error)
	ListPatterns(ctx context.Context, language string) ([]*types.VulnerabilityPattern, error)
}

// Store is the full durable store used by the service.
type Store interface {
	CandidateStore
	FindingStore
	PatternStore

	// Stats returns aggregate counts for metrics and the admin API
	Stats(ctx context.Context) (*Stats, error)

	// Ping verifies the backing database is reachable
	Ping(ctx context.Context) error

	Close() error
}

// CandidateFilter narrows ListCandidates. Zero values match everything.
type CandidateFilter struct {
	Status   types.CandidateStatus
	Platform types.Platform
	Limit    int
	Offset   int
}

// FindingFilter narrows ListFindings. Zero values match everything.
type FindingFilter struct {
	RepositoryURL  string
	Status         types.FindingStatus
	Origin         types.Origin
	AwaitingReview bool
	Limit          int
	Offset         int
}

// Stats holds aggregate counts
type Stats struct {
	CandidatesByStatus map[types.CandidateStatus]int `json:"candidatesByStatus"`
	FindingsByStatus   map[types.FindingStatus]int   `json:"findingsByStatus"`
	AwaitingReview     int                           `json:"awaitingReview"`
	Patterns           int                           `json:"patterns"`
}

func newStats() *Stats {
	return &Stats{
		CandidatesByStatus: make(map[types.CandidateStatus]int),
		FindingsByStatus:   make(map[types.FindingStatus]int),
	}
}

const defaultListLimit = 100

func limitOrDefault(limit int) int {
	if limit <= 0 || limit > 1000 {
		return defaultListLimit
	}
	return limit
}
