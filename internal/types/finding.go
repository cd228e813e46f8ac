package types

import (
	"fmt"
	"maps"
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/daimoniac/bountyline/internal/errors"
)

// FindingStatus is the stage a finding has reached.
type FindingStatus string

const (
	FindingDetected     FindingStatus = "detected"
	FindingVerified     FindingStatus = "verified"
	FindingFixGenerated FindingStatus = "fix_generated"
	FindingFixConfirmed FindingStatus = "fix_confirmed"
	FindingHumanReview  FindingStatus = "human_review"
)

func (s FindingStatus) rank() int {
	switch s {
	case FindingDetected:
		return 0
	case FindingVerified:
		return 1
	case FindingFixGenerated:
		return 2
	case FindingFixConfirmed:
		return 3
	case FindingHumanReview:
		return 4
	default:
		return -1
	}
}

// Terminal reports whether automated processing has ended for the finding.
func (s FindingStatus) Terminal() bool {
	return s == FindingFixConfirmed || s == FindingHumanReview
}

// Valid reports whether s is a known status.
func (s FindingStatus) Valid() bool {
	return s.rank() >= 0
}

// CanAdvance reports whether from -> to is one of the allowed arrows:
// one stage forward, or to human review from any non-terminal stage.
func CanAdvance(from, to FindingStatus) bool {
	if from.Terminal() || !from.Valid() || !to.Valid() {
		return false
	}
	if to == FindingHumanReview {
		return true
	}
	return to.rank() == from.rank()+1
}

// Origin says what triggered the analysis.
type Origin string

const (
	OriginIssue  Origin = "issue"
	OriginCommit Origin = "commit"
)

// Note is one audit entry appended by a stage.
type Note struct {
	Stage      string    `json:"stage"`
	Outcome    string    `json:"outcome"`
	Confidence *float64  `json:"confidence,omitempty"`
	Reason     string    `json:"reason,omitempty"`
	At         time.Time `json:"at"`
}

// Finding is a hypothesized defect together with its analysis record.
type Finding struct {
	ID                  string            `json:"id"`
	RepositoryURL       string            `json:"repositoryUrl"`
	Origin              Origin            `json:"origin"`
	SubjectID           string            `json:"subjectId"`
	CVEID               string            `json:"cveId,omitempty"`
	Language            string            `json:"language,omitempty"`
	Status              FindingStatus     `json:"status"`
	Description         string            `json:"description"`
	RootCauseAnalysis   string            `json:"rootCauseAnalysis,omitempty"`
	RootCauseConfidence *float64          `json:"rootCauseConfidence,omitempty"`
	PresenceConfidence  *float64          `json:"presenceConfidence,omitempty"`
	FixConfidence       *float64          `json:"fixConfidence,omitempty"`
	AffectedFiles       []string          `json:"affectedFiles,omitempty"`
	AffectedCode        map[string]string `json:"affectedCode,omitempty"`
	RecommendedFix      string            `json:"recommendedFix,omitempty"`
	VerificationNotes   []Note            `json:"verificationNotes,omitempty"`
	RequiresHumanReview bool              `json:"requiresHumanReview"`
	HumanReviewed       bool              `json:"humanReviewed"`
	PullRequestID       string            `json:"pullRequestId,omitempty"`
	CreatedAt           time.Time         `json:"createdAt"`
	UpdatedAt           time.Time         `json:"updatedAt"`
}

var findingNamespace = uuid.MustParse("5b0e7c1e-8f3a-4c62-9d0b-2a6f4e1c7d93")

// FindingID derives a stable id so re-analysing the same subject upserts.
func FindingID(origin Origin, repositoryURL, subjectID, cveID string) string {
	key := fmt.Sprintf("%s|%s|%s|%s", origin, repositoryURL, subjectID, cveID)
	return uuid.NewSHA1(findingNamespace, []byte(key)).String()
}

// NewFinding returns a finding in the Detected state.
func NewFinding(origin Origin, repositoryURL, subjectID, cveID, description string, now time.Time) Finding {
	return Finding{
		ID:            FindingID(origin, repositoryURL, subjectID, cveID),
		RepositoryURL: repositoryURL,
		Origin:        origin,
		SubjectID:     subjectID,
		CVEID:         cveID,
		Status:        FindingDetected,
		Description:   description,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

// Clone returns a deep copy so callers never share slices or maps.
func (f Finding) Clone() Finding {
	f.AffectedFiles = slices.Clone(f.AffectedFiles)
	f.AffectedCode = maps.Clone(f.AffectedCode)
	f.VerificationNotes = slices.Clone(f.VerificationNotes)
	return f
}

// Advance returns a copy of f moved to status to.
func (f Finding) Advance(to FindingStatus, now time.Time) (Finding, error) {
	if !CanAdvance(f.Status, to) {
		return f, fmt.Errorf("finding %s: %s -> %s: %w", f.ID, f.Status, to, errors.ErrInvalidTransition)
	}
	next := f.Clone()
	next.Status = to
	next.UpdatedAt = now
	if to == FindingHumanReview {
		next.RequiresHumanReview = true
	}
	return next, nil
}

// WithNote returns a copy of f with n appended to the audit trail.
func (f Finding) WithNote(n Note) Finding {
	next := f.Clone()
	next.VerificationNotes = append(next.VerificationNotes, n)
	if n.At.After(next.UpdatedAt) {
		next.UpdatedAt = n.At
	}
	return next
}

// Confidence returns a pointer to v for the optional confidence fields.
func Confidence(v float64) *float64 {
	return &v
}
