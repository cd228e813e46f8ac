package findings

import (
	"github.com/daimoniac/bountyline/internal/prompts"
	"github.com/daimoniac/bountyline/internal/types"
)

// Subject is what a staged analysis investigates: an IssueSubject or a
// CommitSubject
type Subject interface {
	Origin() types.Origin
	ID() string
	Key() string
	Repository() string
	Summary() string

	describe() prompts.Subject
}

// IssueSubject is a reported issue taken from a queued candidate
type IssueSubject struct {
	Candidate     types.Candidate
	Language      string
	AffectedFiles []string
}

func (s IssueSubject) Origin() types.Origin { return types.OriginIssue }

// ID is the issue id on its platform
func (s IssueSubject) ID() string { return s.Candidate.ExternalIssueID }

// Key is the platform-qualified issue id. Issue ids are only unique per
// platform, so finding ids hash the key rather than the bare id.
func (s IssueSubject) Key() string { return s.Candidate.Key() }

func (s IssueSubject) Repository() string { return s.Candidate.RepositoryURL }

func (s IssueSubject) Summary() string { return s.Candidate.Title }

func (s IssueSubject) describe() prompts.Subject {
	return prompts.Subject{
		Origin:        types.OriginIssue,
		RepositoryURL: s.Candidate.RepositoryURL,
		Title:         s.Candidate.Title,
		Description:   s.Candidate.Description,
		Language:      s.Language,
		AffectedFiles: s.AffectedFiles,
	}
}

// CommitSubject is a commit diff screened against the pattern catalog
type CommitSubject struct {
	RepositoryURL string
	CommitID      string
	Diff          string
	Language      string
	AffectedFiles []string
}

func (s CommitSubject) Origin() types.Origin { return types.OriginCommit }

func (s CommitSubject) ID() string { return s.CommitID }

func (s CommitSubject) Key() string { return s.CommitID }

func (s CommitSubject) Repository() string { return s.RepositoryURL }

func (s CommitSubject) Summary() string { return "commit " + s.CommitID }

func (s CommitSubject) describe() prompts.Subject {
	return prompts.Subject{
		Origin:        types.OriginCommit,
		RepositoryURL: s.RepositoryURL,
		CommitID:      s.CommitID,
		Diff:          s.Diff,
		Language:      s.Language,
		AffectedFiles: s.AffectedFiles,
	}
}
