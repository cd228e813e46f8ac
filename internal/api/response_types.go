package api

import (
	"fmt"
	"time"

	"github.com/daimoniac/bountyline/internal/queue"
	"github.com/daimoniac/bountyline/internal/statestore"
	"github.com/daimoniac/bountyline/internal/types"
)

// formatTimestamp renders t as RFC 3339 in UTC.
func formatTimestamp(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

// formatNullableTimestamp renders t or returns nil when unset.
func formatNullableTimestamp(t *time.Time) *string {
	if t == nil {
		return nil
	}
	formatted := formatTimestamp(*t)
	return &formatted
}

// CandidateResponse represents a candidate for API responses.
// Timestamps are formatted as ISO8601 strings.
type CandidateResponse struct {
	ID              string  `json:"id"`
	ExternalIssueID string  `json:"external_issue_id"`
	Platform        string  `json:"platform"`
	RepositoryURL   string  `json:"repository_url"`
	Amount          *string `json:"amount"` // decimal string or null
	Currency        string  `json:"currency,omitempty"`
	Score           float64 `json:"score"`
	Title           string  `json:"title"`
	Description     string  `json:"description"`
	Status          string  `json:"status"`
	CreatedAt       string  `json:"created_at"`
	StartedAt       *string `json:"started_at"`
	CompletedAt     *string `json:"completed_at"`
	FailedAt        *string `json:"failed_at"`
	PullRequestID   string  `json:"pull_request_id,omitempty"`
	FailureReason   string  `json:"failure_reason,omitempty"`
}

func toCandidateResponse(c *types.Candidate) CandidateResponse {
	resp := CandidateResponse{
		ID:              c.ID,
		ExternalIssueID: c.ExternalIssueID,
		Platform:        string(c.Platform),
		RepositoryURL:   c.RepositoryURL,
		Score:           c.Score(),
		Title:           c.Title,
		Description:     c.Description,
		Status:          string(c.Status),
		CreatedAt:       formatTimestamp(c.CreatedAt),
		StartedAt:       formatNullableTimestamp(c.StartedAt),
		CompletedAt:     formatNullableTimestamp(c.CompletedAt),
		FailedAt:        formatNullableTimestamp(c.FailedAt),
		PullRequestID:   c.PullRequestID,
		FailureReason:   c.FailureReason,
	}
	if c.Amount != nil {
		amount := fmt.Sprintf("%d.%02d", c.Amount.Minor/100, c.Amount.Minor%100)
		resp.Amount = &amount
		resp.Currency = c.Amount.Currency
	}
	return resp
}

func toCandidateResponses(cs []*types.Candidate) []CandidateResponse {
	out := make([]CandidateResponse, 0, len(cs))
	for _, c := range cs {
		out = append(out, toCandidateResponse(c))
	}
	return out
}

// NoteResponse is one audit entry of a finding
type NoteResponse struct {
	Stage      string   `json:"stage"`
	Outcome    string   `json:"outcome"`
	Confidence *float64 `json:"confidence"`
	Reason     string   `json:"reason,omitempty"`
	At         string   `json:"at"`
}

// FindingResponse represents a finding for API responses.
type FindingResponse struct {
	ID                  string            `json:"id"`
	RepositoryURL       string            `json:"repository_url"`
	Origin              string            `json:"origin"`
	SubjectID           string            `json:"subject_id"`
	CVEID               string            `json:"cve_id,omitempty"`
	Language            string            `json:"language,omitempty"`
	Status              string            `json:"status"`
	Description         string            `json:"description"`
	RootCauseAnalysis   string            `json:"root_cause_analysis,omitempty"`
	RootCauseConfidence *float64          `json:"root_cause_confidence"`
	PresenceConfidence  *float64          `json:"presence_confidence"`
	FixConfidence       *float64          `json:"fix_confidence"`
	AffectedFiles       []string          `json:"affected_files"`
	AffectedCode        map[string]string `json:"affected_code,omitempty"`
	RecommendedFix      string            `json:"recommended_fix,omitempty"`
	VerificationNotes   []NoteResponse    `json:"verification_notes"`
	RequiresHumanReview bool              `json:"requires_human_review"`
	HumanReviewed       bool              `json:"human_reviewed"`
	PullRequestID       string            `json:"pull_request_id,omitempty"`
	CreatedAt           string            `json:"created_at"`
	UpdatedAt           string            `json:"updated_at"`
}

func toFindingResponse(f *types.Finding) FindingResponse {
	notes := make([]NoteResponse, len(f.VerificationNotes))
	for i, n := range f.VerificationNotes {
		notes[i] = NoteResponse{
			Stage:      n.Stage,
			Outcome:    n.Outcome,
			Confidence: n.Confidence,
			Reason:     n.Reason,
			At:         formatTimestamp(n.At),
		}
	}
	files := f.AffectedFiles
	if files == nil {
		files = []string{}
	}
	return FindingResponse{
		ID:                  f.ID,
		RepositoryURL:       f.RepositoryURL,
		Origin:              string(f.Origin),
		SubjectID:           f.SubjectID,
		CVEID:               f.CVEID,
		Language:            f.Language,
		Status:              string(f.Status),
		Description:         f.Description,
		RootCauseAnalysis:   f.RootCauseAnalysis,
		RootCauseConfidence: f.RootCauseConfidence,
		PresenceConfidence:  f.PresenceConfidence,
		FixConfidence:       f.FixConfidence,
		AffectedFiles:       files,
		AffectedCode:        f.AffectedCode,
		RecommendedFix:      f.RecommendedFix,
		VerificationNotes:   notes,
		RequiresHumanReview: f.RequiresHumanReview,
		HumanReviewed:       f.HumanReviewed,
		PullRequestID:       f.PullRequestID,
		CreatedAt:           formatTimestamp(f.CreatedAt),
		UpdatedAt:           formatTimestamp(f.UpdatedAt),
	}
}

func toFindingResponses(fs []*types.Finding) []FindingResponse {
	out := make([]FindingResponse, 0, len(fs))
	for _, f := range fs {
		out = append(out, toFindingResponse(f))
	}
	return out
}

// QueueEntryResponse is one queued candidate in dequeue order
type QueueEntryResponse struct {
	Position   int               `json:"position"`
	Score      float64           `json:"score"`
	EnqueuedAt string            `json:"enqueued_at"`
	Candidate  CandidateResponse `json:"candidate"`
}

// QueueResponse lists the head of the queue
type QueueResponse struct {
	Size    int                  `json:"size"`
	Entries []QueueEntryResponse `json:"entries"`
}

func toQueueResponse(size int, entries []queue.Entry) QueueResponse {
	out := make([]QueueEntryResponse, len(entries))
	for i, e := range entries {
		out[i] = QueueEntryResponse{
			Position:   i + 1,
			Score:      e.Score,
			EnqueuedAt: formatTimestamp(e.EnqueuedAt),
			Candidate:  toCandidateResponse(&e.Candidate),
		}
	}
	return QueueResponse{Size: size, Entries: out}
}

// StatsResponse holds aggregate counts
type StatsResponse struct {
	Candidates     map[string]int `json:"candidates"`
	Findings       map[string]int `json:"findings"`
	AwaitingReview int            `json:"awaiting_review"`
	Patterns       int            `json:"patterns"`
	QueueDepth     int            `json:"queue_depth"`
}

func toStatsResponse(stats *statestore.Stats, queueDepth int) StatsResponse {
	resp := StatsResponse{
		Candidates:     make(map[string]int, len(stats.CandidatesByStatus)),
		Findings:       make(map[string]int, len(stats.FindingsByStatus)),
		AwaitingReview: stats.AwaitingReview,
		Patterns:       stats.Patterns,
		QueueDepth:     queueDepth,
	}
	for status, n := range stats.CandidatesByStatus {
		resp.Candidates[string(status)] = n
	}
	for status, n := range stats.FindingsByStatus {
		resp.Findings[string(status)] = n
	}
	return resp
}
