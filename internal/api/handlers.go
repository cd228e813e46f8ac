package api

import (
	"fmt"
	"net/http"

	"github.com/daimoniac/bountyline/internal/errors"
	"github.com/daimoniac/bountyline/internal/statestore"
	"github.com/daimoniac/bountyline/internal/types"
)

// handleListCandidates lists candidates with optional filters
// @Summary List candidates
// @Description List discovered candidates with optional filtering and pagination
// @Tags Candidates
// @Accept json
// @Produce json
// @Param status query string false "Filter by status (open, in_progress, completed, failed)"
// @Param platform query string false "Filter by platform"
// @Param limit query int false "Maximum number of results" default(100)
// @Param offset query int false "Pagination offset" default(0)
// @Success 200 {array} CandidateResponse
// @Failure 400 {object} map[string]string "Invalid filter"
// @Failure 401 {object} map[string]string "Unauthorized"
// @Failure 500 {object} map[string]string "Internal server error"
// @Security BearerAuth
// @Router /candidates [get]
func (s *APIServer) handleListCandidates(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.respondError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	filter := statestore.CandidateFilter{
		Status: types.CandidateStatus(parseQueryParam(r, "status")),
		Limit:  parseQueryParamInt(r, "limit", 100),
		Offset: parseQueryParamInt(r, "offset", 0),
	}
	if filter.Status != "" && !filter.Status.Valid() {
		s.respondError(w, http.StatusBadRequest, fmt.Sprintf("Unknown status %q", filter.Status))
		return
	}
	if p := parseQueryParam(r, "platform"); p != "" {
		filter.Platform = types.ParsePlatform(p)
	}

	candidates, err := s.store.ListCandidates(r.Context(), filter)
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, fmt.Sprintf("Failed to list candidates: %v", err))
		return
	}

	s.respondJSON(w, http.StatusOK, toCandidateResponses(candidates))
}

// handleGetCandidate retrieves a single candidate
// @Summary Get candidate
// @Description Retrieve a candidate by its id
// @Tags Candidates
// @Accept json
// @Produce json
// @Param id path string true "Candidate id"
// @Success 200 {object} CandidateResponse
// @Failure 400 {object} map[string]string "Missing id"
// @Failure 401 {object} map[string]string "Unauthorized"
// @Failure 404 {object} map[string]string "Candidate not found"
// @Failure 500 {object} map[string]string "Internal server error"
// @Security BearerAuth
// @Router /candidates/{id} [get]
func (s *APIServer) handleGetCandidate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.respondError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	id := pathID(r, "/api/v1/candidates/")
	if id == "" {
		s.respondError(w, http.StatusBadRequest, "Candidate id is required")
		return
	}

	c, err := s.store.GetCandidate(r.Context(), id)
	if err != nil {
		if errors.IsNotFound(err) {
			s.respondError(w, http.StatusNotFound, "Candidate not found")
			return
		}
		s.respondError(w, http.StatusInternalServerError, fmt.Sprintf("Failed to get candidate: %v", err))
		return
	}

	s.respondJSON(w, http.StatusOK, toCandidateResponse(c))
}

// handleListFindings lists findings with optional filters
// @Summary List findings
// @Description List analysis findings. awaiting_review=true returns only findings flagged for a human.
// @Tags Findings
// @Accept json
// @Produce json
// @Param repository query string false "Filter by repository URL"
// @Param status query string false "Filter by status (detected, verified, fix_generated, fix_confirmed, human_review)"
// @Param origin query string false "Filter by origin (issue, commit)"
// @Param awaiting_review query boolean false "Only findings requiring human review"
// @Param limit query int false "Maximum number of results" default(100)
// @Param offset query int false "Pagination offset" default(0)
// @Success 200 {array} FindingResponse
// @Failure 400 {object} map[string]string "Invalid filter"
// @Failure 401 {object} map[string]string "Unauthorized"
// @Failure 500 {object} map[string]string "Internal server error"
// @Security BearerAuth
// @Router /findings [get]
func (s *APIServer) handleListFindings(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.respondError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	filter := statestore.FindingFilter{
		RepositoryURL:  parseQueryParam(r, "repository"),
		Status:         types.FindingStatus(parseQueryParam(r, "status")),
		Origin:         types.Origin(parseQueryParam(r, "origin")),
		AwaitingReview: parseQueryParamBool(r, "awaiting_review"),
		Limit:          parseQueryParamInt(r, "limit", 100),
		Offset:         parseQueryParamInt(r, "offset", 0),
	}
	if filter.Status != "" && !filter.Status.Valid() {
		s.respondError(w, http.StatusBadRequest, fmt.Sprintf("Unknown status %q", filter.Status))
		return
	}
	if filter.Origin != "" && filter.Origin != types.OriginIssue && filter.Origin != types.OriginCommit {
		s.respondError(w, http.StatusBadRequest, fmt.Sprintf("Unknown origin %q", filter.Origin))
		return
	}

	found, err := s.store.ListFindings(r.Context(), filter)
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, fmt.Sprintf("Failed to list findings: %v", err))
		return
	}

	s.respondJSON(w, http.StatusOK, toFindingResponses(found))
}

// handleGetFinding retrieves a single finding with its audit notes
// @Summary Get finding
// @Description Retrieve a finding and its verification notes by id
// @Tags Findings
// @Accept json
// @Produce json
// @Param id path string true "Finding id"
// @Success 200 {object} FindingResponse
// @Failure 400 {object} map[string]string "Missing id"
// @Failure 401 {object} map[string]string "Unauthorized"
// @Failure 404 {object} map[string]string "Finding not found"
// @Failure 500 {object} map[string]string "Internal server error"
// @Security BearerAuth
// @Router /findings/{id} [get]
func (s *APIServer) handleGetFinding(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.respondError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	id := pathID(r, "/api/v1/findings/")
	if id == "" {
		s.respondError(w, http.StatusBadRequest, "Finding id is required")
		return
	}

	f, err := s.store.GetFinding(r.Context(), id)
	if err != nil {
		if errors.IsNotFound(err) {
			s.respondError(w, http.StatusNotFound, "Finding not found")
			return
		}
		s.respondError(w, http.StatusInternalServerError, fmt.Sprintf("Failed to get finding: %v", err))
		return
	}

	s.respondJSON(w, http.StatusOK, toFindingResponse(f))
}

// handleStats returns aggregate counts
// @Summary Pipeline statistics
// @Description Candidate and finding counts by status, the review backlog and queue depth
// @Tags Stats
// @Produce json
// @Success 200 {object} StatsResponse
// @Failure 401 {object} map[string]string "Unauthorized"
// @Failure 500 {object} map[string]string "Internal server error"
// @Security BearerAuth
// @Router /stats [get]
func (s *APIServer) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.respondError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	stats, err := s.store.Stats(r.Context())
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, fmt.Sprintf("Failed to load stats: %v", err))
		return
	}

	depth := 0
	if s.queue != nil {
		if depth, err = s.queue.Size(r.Context()); err != nil {
			s.respondError(w, http.StatusInternalServerError, fmt.Sprintf("Failed to read queue size: %v", err))
			return
		}
	}

	s.respondJSON(w, http.StatusOK, toStatsResponse(stats, depth))
}

// handleListQueue shows the head of the priority queue
// @Summary Inspect queue
// @Description List queued candidates in dequeue order without removing them
// @Tags Queue
// @Produce json
// @Param limit query int false "Maximum number of entries" default(50)
// @Success 200 {object} QueueResponse
// @Failure 401 {object} map[string]string "Unauthorized"
// @Failure 500 {object} map[string]string "Internal server error"
// @Failure 503 {object} map[string]string "Queue not configured"
// @Security BearerAuth
// @Router /queue [get]
func (s *APIServer) handleListQueue(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.respondError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	if s.queue == nil {
		s.respondError(w, http.StatusServiceUnavailable, "Queue not configured")
		return
	}

	ctx := r.Context()
	size, err := s.queue.Size(ctx)
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, fmt.Sprintf("Failed to read queue size: %v", err))
		return
	}
	entries, err := s.queue.Entries(ctx, parseQueryParamInt(r, "limit", 50))
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, fmt.Sprintf("Failed to list queue: %v", err))
		return
	}

	s.respondJSON(w, http.StatusOK, toQueueResponse(size, entries))
}

// handleHealth reports whether the store is reachable
// @Summary Health check
// @Description Liveness of the API and its state store
// @Tags Health
// @Produce json
// @Success 200 {object} map[string]string
// @Failure 503 {object} map[string]string "Store unreachable"
// @Router /health [get]
func (s *APIServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Ping(r.Context()); err != nil {
		s.respondJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "unhealthy",
			"error":  err.Error(),
		})
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}
