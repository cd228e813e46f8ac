package types

import (
	"fmt"
	"strings"
	"time"

	"github.com/daimoniac/bountyline/internal/errors"
)

// Platform identifies the bounty source a candidate was discovered on.
type Platform string

const (
	PlatformAlgora       Platform = "algora"
	PlatformGitHub       Platform = "github"
	PlatformGitcoin      Platform = "gitcoin"
	PlatformBountysource Platform = "bountysource"
	PlatformHuntr        Platform = "huntr"
	PlatformImmunefi     Platform = "immunefi"
	PlatformHackerOne    Platform = "hackerone"
	PlatformOSV          Platform = "osv"
	PlatformOther        Platform = "other"
)

var knownPlatforms = map[Platform]bool{
	PlatformAlgora:       true,
	PlatformGitHub:       true,
	PlatformGitcoin:      true,
	PlatformBountysource: true,
	PlatformHuntr:        true,
	PlatformImmunefi:     true,
	PlatformHackerOne:    true,
	PlatformOSV:          true,
	PlatformOther:        true,
}

// ParsePlatform normalizes a platform name; unknown names map to PlatformOther.
func ParsePlatform(s string) Platform {
	p := Platform(strings.ToLower(strings.TrimSpace(s)))
	if knownPlatforms[p] {
		return p
	}
	return PlatformOther
}

// CandidateStatus is the lifecycle state of a candidate.
type CandidateStatus string

const (
	CandidateOpen       CandidateStatus = "open"
	CandidateInProgress CandidateStatus = "in_progress"
	CandidateCompleted  CandidateStatus = "completed"
	CandidateFailed     CandidateStatus = "failed"
)

func (s CandidateStatus) rank() int {
	switch s {
	case CandidateOpen:
		return 0
	case CandidateInProgress:
		return 1
	case CandidateCompleted, CandidateFailed:
		return 2
	default:
		return -1
	}
}

// Terminal reports whether no further transitions are allowed.
func (s CandidateStatus) Terminal() bool {
	return s == CandidateCompleted || s == CandidateFailed
}

// Valid reports whether s is a known status.
func (s CandidateStatus) Valid() bool {
	return s.rank() >= 0
}

// Candidate is a monetized issue discovered on an external platform.
// Values are treated as immutable; transitions return a modified copy.
type Candidate struct {
	ID              string          `json:"id"`
	ExternalIssueID string          `json:"externalIssueId"`
	Platform        Platform        `json:"platform"`
	RepositoryURL   string          `json:"repositoryUrl"`
	Amount          *Money          `json:"amount,omitempty"`
	Title           string          `json:"title"`
	Description     string          `json:"description"`
	Status          CandidateStatus `json:"status"`
	CreatedAt       time.Time       `json:"createdAt"`
	StartedAt       *time.Time      `json:"startedAt,omitempty"`
	CompletedAt     *time.Time      `json:"completedAt,omitempty"`
	FailedAt        *time.Time      `json:"failedAt,omitempty"`
	PullRequestID   string          `json:"pullRequestId,omitempty"`
	FailureReason   string          `json:"failureReason,omitempty"`
}

// Claimed is true once work has started and not failed.
func (c Candidate) Claimed() bool {
	return c.Status == CandidateInProgress || c.Status == CandidateCompleted
}

// Score is the queue priority: the amount in major units, zero when absent.
func (c Candidate) Score() float64 {
	if c.Amount == nil {
		return 0
	}
	return c.Amount.Float()
}

// Key returns the natural uniqueness key.
func (c Candidate) Key() string {
	return string(c.Platform) + "/" + c.ExternalIssueID
}

func (c Candidate) transition(to CandidateStatus) (Candidate, error) {
	if c.Status.Terminal() || to.rank() <= c.Status.rank() {
		return c, fmt.Errorf("candidate %s: %s -> %s: %w", c.ID, c.Status, to, errors.ErrInvalidTransition)
	}
	c.Status = to
	return c, nil
}

// Start moves an open candidate to in-progress.
func (c Candidate) Start(now time.Time) (Candidate, error) {
	next, err := c.transition(CandidateInProgress)
	if err != nil {
		return c, err
	}
	next.StartedAt = &now
	return next, nil
}

// Complete marks the candidate done, optionally recording a pull request id.
func (c Candidate) Complete(now time.Time, pullRequestID string) (Candidate, error) {
	next, err := c.transition(CandidateCompleted)
	if err != nil {
		return c, err
	}
	next.CompletedAt = &now
	next.PullRequestID = pullRequestID
	return next, nil
}

// Fail marks the candidate failed with a reason.
func (c Candidate) Fail(now time.Time, reason string) (Candidate, error) {
	next, err := c.transition(CandidateFailed)
	if err != nil {
		return c, err
	}
	next.FailedAt = &now
	next.FailureReason = reason
	return next, nil
}
