package statestore

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/daimoniac/bountyline/internal/errors"
	"github.com/daimoniac/bountyline/internal/types"
)

// DBPool abstracts *pgxpool.Pool so the store can be exercised with pgxmock.
type DBPool interface {
	Ping(ctx context.Context) error
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Close()
}

// PostgresStore implements Store on PostgreSQL
type PostgresStore struct {
	pool   DBPool
	logger *slog.Logger
}

const postgresSchema = `
CREATE TABLE IF NOT EXISTS candidates (
	id TEXT PRIMARY KEY,
	external_issue_id TEXT NOT NULL,
	platform TEXT NOT NULL,
	repository_url TEXT NOT NULL,
	amount_minor BIGINT,
	currency TEXT NOT NULL DEFAULT '',
	title TEXT NOT NULL DEFAULT '',
	description TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL,
	created_at BIGINT NOT NULL,
	started_at BIGINT,
	completed_at BIGINT,
	failed_at BIGINT,
	pull_request_id TEXT NOT NULL DEFAULT '',
	failure_reason TEXT NOT NULL DEFAULT '',
	UNIQUE (external_issue_id, platform)
);
CREATE TABLE IF NOT EXISTS findings (
	id TEXT PRIMARY KEY,
	repository_url TEXT NOT NULL,
	origin TEXT NOT NULL,
	subject_id TEXT NOT NULL,
	cve_id TEXT NOT NULL DEFAULT '',
	language TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL,
	description TEXT NOT NULL DEFAULT '',
	root_cause_analysis TEXT NOT NULL DEFAULT '',
	root_cause_confidence DOUBLE PRECISION,
	presence_confidence DOUBLE PRECISION,
	fix_confidence DOUBLE PRECISION,
	affected_files TEXT NOT NULL DEFAULT '[]',
	affected_code TEXT NOT NULL DEFAULT '{}',
	recommended_fix TEXT NOT NULL DEFAULT '',
	verification_notes TEXT NOT NULL DEFAULT '[]',
	requires_human_review BOOLEAN NOT NULL DEFAULT FALSE,
	human_reviewed BOOLEAN NOT NULL DEFAULT FALSE,
	pull_request_id TEXT NOT NULL DEFAULT '',
	created_at BIGINT NOT NULL,
	updated_at BIGINT NOT NULL
);
CREATE TABLE IF NOT EXISTS vulnerability_patterns (
	cve_id TEXT NOT NULL,
	language TEXT NOT NULL,
	summary TEXT NOT NULL DEFAULT '',
	example_code TEXT NOT NULL DEFAULT '',
	vulnerable_pattern TEXT NOT NULL DEFAULT '',
	fixed_pattern TEXT NOT NULL DEFAULT '',
	PRIMARY KEY (cve_id, language)
);
CREATE INDEX IF NOT EXISTS idx_candidates_status ON candidates(status);
CREATE INDEX IF NOT EXISTS idx_findings_repository ON findings(repository_url);
CREATE INDEX IF NOT EXISTS idx_findings_status ON findings(status);
CREATE INDEX IF NOT EXISTS idx_patterns_language ON vulnerability_patterns(language);
`

// OpenPostgres connects a pool, verifies it and applies the schema.
func OpenPostgres(ctx context.Context, url string, logger *slog.Logger) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		return nil, errors.NewPermanentf("failed to create postgres pool: %w", err)
	}
	store, err := NewPostgresStore(ctx, pool, logger)
	if err != nil {
		pool.Close()
		return nil, err
	}
	if err := store.Migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return store, nil
}

// NewPostgresStore wraps an existing pool after checking connectivity.
func NewPostgresStore(ctx context.Context, pool DBPool, logger *slog.Logger) (*PostgresStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := pool.Ping(ctx); err != nil {
		return nil, errors.NewTransientf("failed to ping database: %w", err)
	}
	return &PostgresStore{pool: pool, logger: logger.With("component", "statestore")}, nil
}

// Pool exposes the pool so the Postgres queue can share it
func (s *PostgresStore) Pool() DBPool {
	return s.pool
}

// Migrate creates tables and indexes if missing
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, postgresSchema); err != nil {
		return errors.NewPermanentf("failed to initialize schema: %w", err)
	}
	return nil
}

// Ping verifies the database is reachable
func (s *PostgresStore) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return errors.NewTransientf("failed to ping database: %w", err)
	}
	return nil
}

// Close releases the pool
func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

func isPgUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// placeholders returns "$from, $from+1, ..." for n arguments.
func placeholders(from, n int) string {
	parts := make([]string, n)
	for i := range parts {
		parts[i] = fmt.Sprintf("$%d", from+i)
	}
	return strings.Join(parts, ", ")
}

// CreateCandidate inserts a new candidate; the unique key is (external_issue_id, platform)
func (s *PostgresStore) CreateCandidate(ctx context.Context, c *types.Candidate) error {
	args := candidateArgs(c)
	_, err := s.pool.Exec(ctx,
		`INSERT INTO candidates (`+candidateColumns+`) VALUES (`+placeholders(1, len(args))+`)`,
		args...)
	if err != nil {
		if isPgUniqueViolation(err) {
			return fmt.Errorf("candidate %s: %w", c.Key(), errors.ErrDuplicate)
		}
		return errors.NewTransientf("failed to insert candidate: %w", err)
	}
	return nil
}

// GetCandidate retrieves a candidate by id
func (s *PostgresStore) GetCandidate(ctx context.Context, id string) (*types.Candidate, error) {
	return s.getCandidate(ctx, `SELECT `+candidateColumns+` FROM candidates WHERE id = $1`, id)
}

// GetCandidateByExternalID retrieves a candidate by its natural key
func (s *PostgresStore) GetCandidateByExternalID(ctx context.Context, externalIssueID string, platform types.Platform) (*types.Candidate, error) {
	return s.getCandidate(ctx,
		`SELECT `+candidateColumns+` FROM candidates WHERE external_issue_id = $1 AND platform = $2`,
		externalIssueID, string(platform))
}

func (s *PostgresStore) getCandidate(ctx context.Context, query string, args ...any) (*types.Candidate, error) {
	var row candidateRow
	err := s.pool.QueryRow(ctx, query, args...).Scan(row.dest()...)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("candidate: %w", errors.ErrNotFound)
	}
	if err != nil {
		return nil, errors.NewTransientf("failed to query candidate: %w", err)
	}
	return row.candidate(), nil
}

// UpdateCandidate overwrites the mutable fields of an existing candidate
func (s *PostgresStore) UpdateCandidate(ctx context.Context, c *types.Candidate) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE candidates SET
			repository_url = $1, amount_minor = $2, currency = $3, title = $4, description = $5,
			status = $6, started_at = $7, completed_at = $8, failed_at = $9,
			pull_request_id = $10, failure_reason = $11
		WHERE id = $12
	`, candidateUpdateArgs(c)...)
	if err != nil {
		return errors.NewTransientf("failed to update candidate: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("candidate %s: %w", c.ID, errors.ErrNotFound)
	}
	return nil
}

// ListCandidates returns candidates newest first
func (s *PostgresStore) ListCandidates(ctx context.Context, filter CandidateFilter) ([]*types.Candidate, error) {
	var where []string
	var args []any
	if filter.Status != "" {
		args = append(args, string(filter.Status))
		where = append(where, fmt.Sprintf("status = $%d", len(args)))
	}
	if filter.Platform != "" {
		args = append(args, string(filter.Platform))
		where = append(where, fmt.Sprintf("platform = $%d", len(args)))
	}

	query := `SELECT ` + candidateColumns + ` FROM candidates`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += fmt.Sprintf(" ORDER BY created_at DESC, id LIMIT $%d OFFSET $%d", len(args)+1, len(args)+2)
	args = append(args, limitOrDefault(filter.Limit), filter.Offset)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, errors.NewTransientf("failed to list candidates: %w", err)
	}
	defer rows.Close()

	var candidates []*types.Candidate
	for rows.Next() {
		var row candidateRow
		if err := rows.Scan(row.dest()...); err != nil {
			return nil, errors.NewTransientf("failed to scan candidate: %w", err)
		}
		candidates = append(candidates, row.candidate())
	}
	if err := rows.Err(); err != nil {
		return nil, errors.NewTransientf("failed to iterate candidates: %w", err)
	}
	return candidates, nil
}

// SaveFinding inserts or replaces a finding by id
func (s *PostgresStore) SaveFinding(ctx context.Context, f *types.Finding) error {
	args, err := findingArgs(f)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO findings (`+findingColumns+`) VALUES (`+placeholders(1, len(args))+`)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			description = EXCLUDED.description,
			root_cause_analysis = EXCLUDED.root_cause_analysis,
			root_cause_confidence = EXCLUDED.root_cause_confidence,
			presence_confidence = EXCLUDED.presence_confidence,
			fix_confidence = EXCLUDED.fix_confidence,
			affected_files = EXCLUDED.affected_files,
			affected_code = EXCLUDED.affected_code,
			recommended_fix = EXCLUDED.recommended_fix,
			verification_notes = EXCLUDED.verification_notes,
			requires_human_review = EXCLUDED.requires_human_review,
			human_reviewed = EXCLUDED.human_reviewed,
			pull_request_id = EXCLUDED.pull_request_id,
			updated_at = EXCLUDED.updated_at
	`, args...)
	if err != nil {
		return errors.NewTransientf("failed to save finding: %w", err)
	}
	return nil
}

// GetFinding retrieves a finding by id
func (s *PostgresStore) GetFinding(ctx context.Context, id string) (*types.Finding, error) {
	var row findingRow
	err := s.pool.QueryRow(ctx, `SELECT `+findingColumns+` FROM findings WHERE id = $1`, id).Scan(row.dest()...)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("finding %s: %w", id, errors.ErrNotFound)
	}
	if err != nil {
		return nil, errors.NewTransientf("failed to query finding: %w", err)
	}
	return row.finding()
}

// ListFindings returns findings most recently updated first
func (s *PostgresStore) ListFindings(ctx context.Context, filter FindingFilter) ([]*types.Finding, error) {
	var where []string
	var args []any
	if filter.RepositoryURL != "" {
		args = append(args, filter.RepositoryURL)
		where = append(where, fmt.Sprintf("repository_url = $%d", len(args)))
	}
	if filter.Status != "" {
		args = append(args, string(filter.Status))
		where = append(where, fmt.Sprintf("status = $%d", len(args)))
	}
	if filter.Origin != "" {
		args = append(args, string(filter.Origin))
		where = append(where, fmt.Sprintf("origin = $%d", len(args)))
	}
	if filter.AwaitingReview {
		where = append(where, "requires_human_review AND NOT human_reviewed")
	}

	query := `SELECT ` + findingColumns + ` FROM findings`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += fmt.Sprintf(" ORDER BY updated_at DESC, id LIMIT $%d OFFSET $%d", len(args)+1, len(args)+2)
	args = append(args, limitOrDefault(filter.Limit), filter.Offset)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, errors.NewTransientf("failed to list findings: %w", err)
	}
	defer rows.Close()

	var findings []*types.Finding
	for rows.Next() {
		var row findingRow
		if err := rows.Scan(row.dest()...); err != nil {
			return nil, errors.NewTransientf("failed to scan finding: %w", err)
		}
		f, err := row.finding()
		if err != nil {
			return nil, err
		}
		findings = append(findings, f)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.NewTransientf("failed to iterate findings: %w", err)
	}
	return findings, nil
}

// UpsertPattern inserts or replaces a catalog entry
func (s *PostgresStore) UpsertPattern(ctx context.Context, p *types.VulnerabilityPattern) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO vulnerability_patterns (`+patternColumns+`) VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (cve_id, language) DO UPDATE SET
			summary = EXCLUDED.summary,
			example_code = EXCLUDED.example_code,
			vulnerable_pattern = EXCLUDED.vulnerable_pattern,
			fixed_pattern = EXCLUDED.fixed_pattern
	`, patternArgs(p)...)
	if err != nil {
		return errors.NewTransientf("failed to upsert pattern: %w", err)
	}
	return nil
}

// GetPattern retrieves one catalog entry
func (s *PostgresStore) GetPattern(ctx context.Context, cveID, language string) (*types.VulnerabilityPattern, error) {
	var p types.VulnerabilityPattern
	err := s.pool.QueryRow(ctx,
		`SELECT `+patternColumns+` FROM vulnerability_patterns WHERE cve_id = $1 AND language = $2`,
		cveID, language).Scan(patternDest(&p)...)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("pattern %s/%s: %w", cveID, language, errors.ErrNotFound)
	}
	if err != nil {
		return nil, errors.NewTransientf("failed to query pattern: %w", err)
	}
	return &p, nil
}

// ListPatterns returns every pattern for a language ordered by CVE id
func (s *PostgresStore) ListPatterns(ctx context.Context, language string) ([]*types.VulnerabilityPattern, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+patternColumns+` FROM vulnerability_patterns WHERE language = $1 ORDER BY cve_id`,
		language)
	if err != nil {
		return nil, errors.NewTransientf("failed to list patterns: %w", err)
	}
	defer rows.Close()

	var patterns []*types.VulnerabilityPattern
	for rows.Next() {
		var p types.VulnerabilityPattern
		if err := rows.Scan(patternDest(&p)...); err != nil {
			return nil, errors.NewTransientf("failed to scan pattern: %w", err)
		}
		patterns = append(patterns, &p)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.NewTransientf("failed to iterate patterns: %w", err)
	}
	return patterns, nil
}

// Stats returns aggregate counts
func (s *PostgresStore) Stats(ctx context.Context) (*Stats, error) {
	stats := newStats()

	rows, err := s.pool.Query(ctx, `
		SELECT 'candidate', status, COUNT(*) FROM candidates GROUP BY status
		UNION ALL
		SELECT 'finding', status, COUNT(*) FROM findings GROUP BY status
	`)
	if err != nil {
		return nil, errors.NewTransientf("failed to query counts: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var kind, status string
		var n int64
		if err := rows.Scan(&kind, &status, &n); err != nil {
			return nil, errors.NewTransientf("failed to scan counts: %w", err)
		}
		if kind == "candidate" {
			stats.CandidatesByStatus[types.CandidateStatus(status)] = int(n)
		} else {
			stats.FindingsByStatus[types.FindingStatus(status)] = int(n)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, errors.NewTransientf("failed to iterate counts: %w", err)
	}

	var awaiting, patterns int64
	err = s.pool.QueryRow(ctx, `
		SELECT
			(SELECT COUNT(*) FROM findings WHERE requires_human_review AND NOT human_reviewed),
			(SELECT COUNT(*) FROM vulnerability_patterns)
	`).Scan(&awaiting, &patterns)
	if err != nil {
		return nil, errors.NewTransientf("failed to query stats: %w", err)
	}
	stats.AwaitingReview = int(awaiting)
	stats.Patterns = int(patterns)
	return stats, nil
}
