package statestore

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/mattn/go-sqlite3"

	"github.com/daimoniac/bountyline/internal/errors"
	"github.com/daimoniac/bountyline/internal/types"
)

// SQLiteStore implements Store using SQLite
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a new SQLite state store
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	// _journal_mode=WAL: concurrent readers alongside the single writer
	// _busy_timeout=5000: wait for locks instead of failing the queue pop
	connStr := dbPath + "?_foreign_keys=1&mode=rwc&_journal_mode=WAL&_busy_timeout=5000"

	db, err := sql.Open("sqlite3", connStr)
	if err != nil {
		return nil, errors.NewTransientf("failed to open sqlite database: %w", err)
	}

	db.SetMaxOpenConns(5)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(time.Hour)

	store := &SQLiteStore{db: db}

	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, errors.NewPermanentf("failed to initialize schema: %w", err)
	}

	return store, nil
}

// DB exposes the handle so the SQLite queue can share the database file
func (s *SQLiteStore) DB() *sql.DB {
	return s.db
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Ping verifies the database is reachable
func (s *SQLiteStore) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return errors.NewTransientf("failed to ping sqlite database: %w", err)
	}
	return nil
}

// initSchema creates the database schema with all tables and indexes
func (s *SQLiteStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS candidates (
		id TEXT PRIMARY KEY,
		external_issue_id TEXT NOT NULL,
		platform TEXT NOT NULL,
		repository_url TEXT NOT NULL,
		amount_minor INTEGER,
		currency TEXT NOT NULL DEFAULT '',
		title TEXT NOT NULL DEFAULT '',
		description TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		started_at INTEGER,
		completed_at INTEGER,
		failed_at INTEGER,
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
		root_cause_confidence REAL,
		presence_confidence REAL,
		fix_confidence REAL,
		affected_files TEXT NOT NULL DEFAULT '[]',
		affected_code TEXT NOT NULL DEFAULT '{}',
		recommended_fix TEXT NOT NULL DEFAULT '',
		verification_notes TEXT NOT NULL DEFAULT '[]',
		requires_human_review INTEGER NOT NULL DEFAULT 0,
		human_reviewed INTEGER NOT NULL DEFAULT 0,
		pull_request_id TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
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

	_, err := s.db.Exec(schema)
	return err
}

func isSQLiteUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return false
}

// CreateCandidate inserts a new candidate; the unique key is (external_issue_id, platform)
func (s *SQLiteStore) CreateCandidate(ctx context.Context, c *types.Candidate) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO candidates (`+candidateColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		candidateArgs(c)...,
	)
	if err != nil {
		if isSQLiteUniqueViolation(err) {
			return fmt.Errorf("candidate %s: %w", c.Key(), errors.ErrDuplicate)
		}
		return errors.NewTransientf("failed to insert candidate: %w", err)
	}
	return nil
}

// GetCandidate retrieves a candidate by id
func (s *SQLiteStore) GetCandidate(ctx context.Context, id string) (*types.Candidate, error) {
	return s.getCandidate(ctx, `SELECT `+candidateColumns+` FROM candidates WHERE id = ?`, id)
}

// GetCandidateByExternalID retrieves a candidate by its natural key
func (s *SQLiteStore) GetCandidateByExternalID(ctx context.Context, externalIssueID string, platform types.Platform) (*types.Candidate, error) {
	return s.getCandidate(ctx,
		`SELECT `+candidateColumns+` FROM candidates WHERE external_issue_id = ? AND platform = ?`,
		externalIssueID, string(platform))
}

func (s *SQLiteStore) getCandidate(ctx context.Context, query string, args ...any) (*types.Candidate, error) {
	var row candidateRow
	err := s.db.QueryRowContext(ctx, query, args...).Scan(row.dest()...)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("candidate: %w", errors.ErrNotFound)
	}
	if err != nil {
		return nil, errors.NewTransientf("failed to query candidate: %w", err)
	}
	return row.candidate(), nil
}

// UpdateCandidate overwrites the mutable fields of an existing candidate
func (s *SQLiteStore) UpdateCandidate(ctx context.Context, c *types.Candidate) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE candidates SET
			repository_url = ?, amount_minor = ?, currency = ?, title = ?, description = ?,
			status = ?, started_at = ?, completed_at = ?, failed_at = ?,
			pull_request_id = ?, failure_reason = ?
		WHERE id = ?
	`, candidateUpdateArgs(c)...)
	if err != nil {
		return errors.NewTransientf("failed to update candidate: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return errors.NewTransientf("failed to read rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("candidate %s: %w", c.ID, errors.ErrNotFound)
	}
	return nil
}

// ListCandidates returns candidates newest first
func (s *SQLiteStore) ListCandidates(ctx context.Context, filter CandidateFilter) ([]*types.Candidate, error) {
	var where []string
	var args []any
	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(filter.Status))
	}
	if filter.Platform != "" {
		where = append(where, "platform = ?")
		args = append(args, string(filter.Platform))
	}

	query := `SELECT ` + candidateColumns + ` FROM candidates`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC, id LIMIT ? OFFSET ?"
	args = append(args, limitOrDefault(filter.Limit), filter.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
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
func (s *SQLiteStore) SaveFinding(ctx context.Context, f *types.Finding) error {
	args, err := findingArgs(f)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO findings (`+findingColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			description = excluded.description,
			root_cause_analysis = excluded.root_cause_analysis,
			root_cause_confidence = excluded.root_cause_confidence,
			presence_confidence = excluded.presence_confidence,
			fix_confidence = excluded.fix_confidence,
			affected_files = excluded.affected_files,
			affected_code = excluded.affected_code,
			recommended_fix = excluded.recommended_fix,
			verification_notes = excluded.verification_notes,
			requires_human_review = excluded.requires_human_review,
			human_reviewed = excluded.human_reviewed,
			pull_request_id = excluded.pull_request_id,
			updated_at = excluded.updated_at
	`, args...)
	if err != nil {
		return errors.NewTransientf("failed to save finding: %w", err)
	}
	return nil
}

// GetFinding retrieves a finding by id
func (s *SQLiteStore) GetFinding(ctx context.Context, id string) (*types.Finding, error) {
	var row findingRow
	err := s.db.QueryRowContext(ctx, `SELECT `+findingColumns+` FROM findings WHERE id = ?`, id).Scan(row.dest()...)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("finding %s: %w", id, errors.ErrNotFound)
	}
	if err != nil {
		return nil, errors.NewTransientf("failed to query finding: %w", err)
	}
	return row.finding()
}

// ListFindings returns findings most recently updated first
func (s *SQLiteStore) ListFindings(ctx context.Context, filter FindingFilter) ([]*types.Finding, error) {
	var where []string
	var args []any
	if filter.RepositoryURL != "" {
		where = append(where, "repository_url = ?")
		args = append(args, filter.RepositoryURL)
	}
	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(filter.Status))
	}
	if filter.Origin != "" {
		where = append(where, "origin = ?")
		args = append(args, string(filter.Origin))
	}
	if filter.AwaitingReview {
		where = append(where, "requires_human_review = 1 AND human_reviewed = 0")
	}

	query := `SELECT ` + findingColumns + ` FROM findings`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY updated_at DESC, id LIMIT ? OFFSET ?"
	args = append(args, limitOrDefault(filter.Limit), filter.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
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
func (s *SQLiteStore) UpsertPattern(ctx context.Context, p *types.VulnerabilityPattern) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO vulnerability_patterns (`+patternColumns+`) VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(cve_id, language) DO UPDATE SET
			summary = excluded.summary,
			example_code = excluded.example_code,
			vulnerable_pattern = excluded.vulnerable_pattern,
			fixed_pattern = excluded.fixed_pattern
	`, patternArgs(p)...)
	if err != nil {
		return errors.NewTransientf("failed to upsert pattern: %w", err)
	}
	return nil
}

// GetPattern retrieves one catalog entry
func (s *SQLiteStore) GetPattern(ctx context.Context, cveID, language string) (*types.VulnerabilityPattern, error) {
	var p types.VulnerabilityPattern
	err := s.db.QueryRowContext(ctx,
		`SELECT `+patternColumns+` FROM vulnerability_patterns WHERE cve_id = ? AND language = ?`,
		cveID, language).Scan(patternDest(&p)...)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("pattern %s/%s: %w", cveID, language, errors.ErrNotFound)
	}
	if err != nil {
		return nil, errors.NewTransientf("failed to query pattern: %w", err)
	}
	return &p, nil
}

// ListPatterns returns every pattern for a language ordered by CVE id
func (s *SQLiteStore) ListPatterns(ctx context.Context, language string) ([]*types.VulnerabilityPattern, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+patternColumns+` FROM vulnerability_patterns WHERE language = ? ORDER BY cve_id`,
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
func (s *SQLiteStore) Stats(ctx context.Context) (*Stats, error) {
	stats := newStats()

	if err := s.countBy(ctx, `SELECT status, COUNT(*) FROM candidates GROUP BY status`, func(status string, n int) {
		stats.CandidatesByStatus[types.CandidateStatus(status)] = n
	}); err != nil {
		return nil, err
	}
	if err := s.countBy(ctx, `SELECT status, COUNT(*) FROM findings GROUP BY status`, func(status string, n int) {
		stats.FindingsByStatus[types.FindingStatus(status)] = n
	}); err != nil {
		return nil, err
	}

	err := s.db.QueryRowContext(ctx, `
		SELECT
			(SELECT COUNT(*) FROM findings WHERE requires_human_review = 1 AND human_reviewed = 0),
			(SELECT COUNT(*) FROM vulnerability_patterns)
	`).Scan(&stats.AwaitingReview, &stats.Patterns)
	if err != nil {
		return nil, errors.NewTransientf("failed to query stats: %w", err)
	}
	return stats, nil
}

func (s *SQLiteStore) countBy(ctx context.Context, query string, fn func(string, int)) error {
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return errors.NewTransientf("failed to query counts: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var key string
		var n int
		if err := rows.Scan(&key, &n); err != nil {
			return errors.NewTransientf("failed to scan counts: %w", err)
		}
		fn(key, n)
	}
	if err := rows.Err(); err != nil {
		return errors.NewTransientf("failed to iterate counts: %w", err)
	}
	return nil
}
