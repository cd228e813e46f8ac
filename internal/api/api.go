package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	jsoniter "github.com/json-iterator/go"
	httpSwagger "github.com/swaggo/http-swagger"

	_ "github.com/daimoniac/bountyline/internal/api/docs" // registers the generated swagger spec
	"github.com/daimoniac/bountyline/internal/config"
	"github.com/daimoniac/bountyline/internal/queue"
	"github.com/daimoniac/bountyline/internal/statestore"
	"github.com/daimoniac/bountyline/internal/types"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// @title bountyline API
// @version 1.0
// @description Read-only API over discovered bounty candidates, analysis findings and the work queue.
// @description
// @description ## Features
// @description - List and inspect candidates by status and platform
// @description - List findings, including those awaiting human review
// @description - Inspect the priority queue and aggregate counts

// @contact.name bountyline
// @license.name Apache 2.0
// @license.url https://www.apache.org/licenses/LICENSE-2.0.html

// @host localhost:8080
// @BasePath /api/v1

// @securityDefinitions.apikey BearerAuth
// @in header
// @name Authorization
// @description Enter your API key (with or without "Bearer " prefix)

// StoreQuery is the read side of the state store used by the API
type StoreQuery interface {
	GetCandidate(ctx context.Context, id string) (*types.Candidate, error)
	ListCandidates(ctx context.Context, filter statestore.CandidateFilter) ([]*types.Candidate, error)
	GetFinding(ctx context.Context, id string) (*types.Finding, error)
	ListFindings(ctx context.Context, filter statestore.FindingFilter) ([]*types.Finding, error)
	Stats(ctx context.Context) (*statestore.Stats, error)
	Ping(ctx context.Context) error
}

// APIServer provides the HTTP API for querying pipeline state
type APIServer struct {
	config *config.APIConfig
	store  StoreQuery
	queue  queue.PriorityQueue
	router *http.ServeMux
	server *http.Server
	logger *slog.Logger
}

// NewAPIServer creates a new API server instance
func NewAPIServer(cfg *config.APIConfig, store StoreQuery, q queue.PriorityQueue, logger *slog.Logger) *APIServer {
	if logger == nil {
		logger = slog.Default()
	}
	api := &APIServer{
		config: cfg,
		store:  store,
		queue:  q,
		router: http.NewServeMux(),
		logger: logger.With("component", "api"),
	}

	api.setupRoutes()

	api.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      api.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return api
}

// setupRoutes configures all API routes
func (s *APIServer) setupRoutes() {
	s.router.HandleFunc("/api/v1/candidates", s.corsMiddleware(s.authMiddleware(s.handleListCandidates)))
	s.router.HandleFunc("/api/v1/candidates/", s.corsMiddleware(s.authMiddleware(s.handleGetCandidate)))
	s.router.HandleFunc("/api/v1/findings", s.corsMiddleware(s.authMiddleware(s.handleListFindings)))
	s.router.HandleFunc("/api/v1/findings/", s.corsMiddleware(s.authMiddleware(s.handleGetFinding)))
	s.router.HandleFunc("/api/v1/stats", s.corsMiddleware(s.authMiddleware(s.handleStats)))
	s.router.HandleFunc("/api/v1/queue", s.corsMiddleware(s.authMiddleware(s.handleListQueue)))

	s.router.HandleFunc("/health", s.corsMiddleware(s.handleHealth))

	s.router.HandleFunc("/swagger/", httpSwagger.WrapHandler)
	s.router.HandleFunc("/", s.handleRootRedirect)
}

// Handler exposes the router, mainly for tests
func (s *APIServer) Handler() http.Handler {
	return s.router
}

// corsMiddleware adds CORS headers to allow cross-origin requests
func (s *APIServer) corsMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		w.Header().Set("Access-Control-Max-Age", "3600")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next(w, r)
	}
}

// authMiddleware checks the API key when one is configured
func (s *APIServer) authMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.config.APIKey != "" {
			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				s.respondError(w, http.StatusUnauthorized, "Authorization header required")
				return
			}

			// accept both "Bearer <token>" and "<token>"
			token := strings.TrimPrefix(authHeader, "Bearer ")
			if token != s.config.APIKey {
				s.respondError(w, http.StatusUnauthorized, "Invalid API key")
				return
			}
		}

		next(w, r)
	}
}

// Start serves until ctx is cancelled
func (s *APIServer) Start(ctx context.Context) error {
	if !s.config.Enabled {
		s.logger.Info("API server is disabled")
		return nil
	}

	s.logger.Info("starting API server", "port", s.config.Port)

	errChan := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errChan <- err
		}
	}()

	select {
	case err := <-errChan:
		return fmt.Errorf("API server: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	s.logger.Info("shutting down API server")
	return s.server.Shutdown(shutdownCtx)
}

// Shutdown gracefully shuts down the API server
func (s *APIServer) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

// respondJSON sends a JSON response
func (s *APIServer) respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Error("error encoding JSON response", "error", err.Error())
	}
}

// respondError sends an error response
func (s *APIServer) respondError(w http.ResponseWriter, status int, message string) {
	s.respondJSON(w, status, map[string]string{"error": message})
}

func parseQueryParam(r *http.Request, key string) string {
	return strings.TrimSpace(r.URL.Query().Get(key))
}

func parseQueryParamInt(r *http.Request, key string, defaultValue int) int {
	value := r.URL.Query().Get(key)
	if value == "" {
		return defaultValue
	}
	n, err := strconv.Atoi(value)
	if err != nil || n < 0 {
		return defaultValue
	}
	return n
}

func parseQueryParamBool(r *http.Request, key string) bool {
	switch strings.ToLower(r.URL.Query().Get(key)) {
	case "true", "1", "yes":
		return true
	default:
		return false
	}
}

// pathID extracts the trailing id of /api/v1/<resource>/{id}
func pathID(r *http.Request, prefix string) string {
	id := strings.TrimPrefix(r.URL.Path, prefix)
	return strings.Trim(id, "/")
}

// handleRootRedirect redirects / to /swagger/
func (s *APIServer) handleRootRedirect(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		s.respondError(w, http.StatusNotFound, "not found")
		return
	}
	http.Redirect(w, r, "/swagger/", http.StatusMovedPermanently)
}
