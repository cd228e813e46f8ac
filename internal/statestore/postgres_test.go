package statestore

import (
	"context"
	"errors"
	"regexp"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pashagolub/pgxmock/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	bterrors "github.com/daimoniac/bountyline/internal/errors"
	"github.com/daimoniac/bountyline/internal/types"
)

func anyArgs(n int) []any {
	args := make([]any, n)
	for i := range args {
		args[i] = pgxmock.AnyArg()
	}
	return args
}

func newMockStore(t *testing.T) (*PostgresStore, pgxmock.PgxPoolIface) {
	t.Helper()
	mockPool, err := pgxmock.NewPool(pgxmock.MonitorPingsOption(true))
	require.NoError(t, err)
	t.Cleanup(mockPool.Close)

	mockPool.ExpectPing()
	store, err := NewPostgresStore(context.Background(), mockPool, nil)
	require.NoError(t, err)
	return store, mockPool
}

func TestNewPostgresStore(t *testing.T) {
	t.Run("should return transient error if ping fails", func(t *testing.T) {
		mockPool, err := pgxmock.NewPool(pgxmock.MonitorPingsOption(true))
		require.NoError(t, err)
		defer mockPool.Close()

		pingErr := errors.New("database unavailable")
		mockPool.ExpectPing().WillReturnError(pingErr)

		_, err = NewPostgresStore(context.Background(), mockPool, nil)
		require.Error(t, err)
		assert.ErrorIs(t, err, pingErr)
		assert.True(t, bterrors.IsTransient(err))
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})
}

func TestPostgresPing(t *testing.T) {
	store, mockPool := newMockStore(t)

	mockPool.ExpectPing()
	mockPool.ExpectPing().WillReturnError(errors.New("connection reset"))

	require.NoError(t, store.Ping(context.Background()))
	err := store.Ping(context.Background())
	require.Error(t, err)
	assert.True(t, bterrors.IsTransient(err))
	assert.NoError(t, mockPool.ExpectationsWereMet())
}

func TestPostgresMigrate(t *testing.T) {
	store, mockPool := newMockStore(t)

	mockPool.ExpectExec(regexp.QuoteMeta("CREATE TABLE IF NOT EXISTS candidates")).
		WillReturnResult(pgxmock.NewResult("CREATE", 0))

	require.NoError(t, store.Migrate(context.Background()))
	assert.NoError(t, mockPool.ExpectationsWereMet())
}

func TestPostgresCreateCandidate(t *testing.T) {
	ctx := context.Background()
	c := &types.Candidate{ID: "c1", ExternalIssueID: "42", Platform: types.PlatformAlgora, Status: types.CandidateOpen}

	t.Run("inserts", func(t *testing.T) {
		store, mockPool := newMockStore(t)
		mockPool.ExpectExec(regexp.QuoteMeta("INSERT INTO candidates")).
			WithArgs(anyArgs(15)...).
			WillReturnResult(pgxmock.NewResult("INSERT", 1))

		require.NoError(t, store.CreateCandidate(ctx, c))
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})

	t.Run("maps unique violation to ErrDuplicate", func(t *testing.T) {
		store, mockPool := newMockStore(t)
		mockPool.ExpectExec(regexp.QuoteMeta("INSERT INTO candidates")).
			WithArgs(anyArgs(15)...).
			WillReturnError(&pgconn.PgError{Code: "23505", Message: "duplicate key value"})

		err := store.CreateCandidate(ctx, c)
		assert.ErrorIs(t, err, bterrors.ErrDuplicate)
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})

	t.Run("other failures are transient", func(t *testing.T) {
		store, mockPool := newMockStore(t)
		mockPool.ExpectExec(regexp.QuoteMeta("INSERT INTO candidates")).
			WithArgs(anyArgs(15)...).
			WillReturnError(errors.New("connection reset by peer"))

		err := store.CreateCandidate(ctx, c)
		assert.True(t, bterrors.IsTransient(err))
		assert.False(t, bterrors.IsDuplicate(err))
	})
}

func TestPostgresGetCandidateNotFound(t *testing.T) {
	store, mockPool := newMockStore(t)
	mockPool.ExpectQuery(regexp.QuoteMeta("FROM candidates WHERE external_issue_id = $1 AND platform = $2")).
		WithArgs("42", "algora").
		WillReturnError(pgx.ErrNoRows)

	_, err := store.GetCandidateByExternalID(context.Background(), "42", types.PlatformAlgora)
	assert.ErrorIs(t, err, bterrors.ErrNotFound)
	assert.NoError(t, mockPool.ExpectationsWereMet())
}

func TestPostgresUpdateCandidateMissing(t *testing.T) {
	store, mockPool := newMockStore(t)
	mockPool.ExpectExec(regexp.QuoteMeta("UPDATE candidates SET")).
		WithArgs(anyArgs(12)...).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	err := store.UpdateCandidate(context.Background(), &types.Candidate{ID: "ghost"})
	assert.ErrorIs(t, err, bterrors.ErrNotFound)
	assert.NoError(t, mockPool.ExpectationsWereMet())
}

func TestPostgresSaveFinding(t *testing.T) {
	store, mockPool := newMockStore(t)
	f := types.NewFinding(types.OriginIssue, "https://github.com/acme/widgets", "42", "", "crash", testTime)

	mockPool.ExpectExec(regexp.QuoteMeta("ON CONFLICT (id) DO UPDATE SET")).
		WithArgs(anyArgs(21)...).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, store.SaveFinding(context.Background(), &f))
	assert.NoError(t, mockPool.ExpectationsWereMet())
}

func TestPostgresListPatterns(t *testing.T) {
	store, mockPool := newMockStore(t)

	rows := pgxmock.NewRows([]string{"cve_id", "language", "summary", "example_code", "vulnerable_pattern", "fixed_pattern"}).
		AddRow("CVE-2021-44228", "java", "Log4Shell", "", "${jndi:", "upgrade").
		AddRow("CVE-2022-22965", "java", "Spring4Shell", "", "class.module", "upgrade")
	mockPool.ExpectQuery(regexp.QuoteMeta("FROM vulnerability_patterns WHERE language = $1")).
		WithArgs("java").
		WillReturnRows(rows)

	patterns, err := store.ListPatterns(context.Background(), "java")
	require.NoError(t, err)
	require.Len(t, patterns, 2)
	assert.Equal(t, "Log4Shell", patterns[0].Summary)
	assert.Equal(t, "class.module", patterns[1].VulnerablePattern)
	assert.NoError(t, mockPool.ExpectationsWereMet())
}

func TestPostgresStats(t *testing.T) {
	store, mockPool := newMockStore(t)

	counts := pgxmock.NewRows([]string{"kind", "status", "count"}).
		AddRow("candidate", "open", int64(3)).
		AddRow("candidate", "in_progress", int64(1)).
		AddRow("finding", "human_review", int64(2))
	mockPool.ExpectQuery(regexp.QuoteMeta("UNION ALL")).WillReturnRows(counts)
	mockPool.ExpectQuery(regexp.QuoteMeta("FROM vulnerability_patterns")).
		WillReturnRows(pgxmock.NewRows([]string{"awaiting", "patterns"}).AddRow(int64(2), int64(5)))

	stats, err := store.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, stats.CandidatesByStatus[types.CandidateOpen])
	assert.Equal(t, 1, stats.CandidatesByStatus[types.CandidateInProgress])
	assert.Equal(t, 2, stats.FindingsByStatus[types.FindingHumanReview])
	assert.Equal(t, 2, stats.AwaitingReview)
	assert.Equal(t, 5, stats.Patterns)
	assert.NoError(t, mockPool.ExpectationsWereMet())
}
