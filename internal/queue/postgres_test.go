package queue

import (
	"context"
	"testing"

	"github.com/pashagolub/pgxmock/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/daimoniac/bountyline/internal/errors"
)

func newMockQueue(t *testing.T) (*PostgresQueue, pgxmock.PgxPoolIface) {
	t.Helper()
	mockPool, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mockPool.Close)
	return NewPostgresQueue(mockPool), mockPool
}

func TestPostgresQueueEnqueue(t *testing.T) {
	q, mockPool := newMockQueue(t)
	c := cand("c1", "200.00")

	mockPool.ExpectExec("INSERT INTO queue_entries").
		WithArgs("c1", 200.0, pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mockPool.ExpectExec("INSERT INTO queue_entries").
		WithArgs("c1", 200.0, pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 0))

	require.NoError(t, q.Enqueue(context.Background(), c))
	require.NoError(t, q.Enqueue(context.Background(), c))

	m := q.GetMetrics()
	assert.Equal(t, int64(1), m.Enqueued)
	assert.Equal(t, int64(1), m.Dropped)
	assert.NoError(t, mockPool.ExpectationsWereMet())
}

func TestPostgresQueueDequeue(t *testing.T) {
	t.Run("returns the popped payload", func(t *testing.T) {
		q, mockPool := newMockQueue(t)
		payload, err := encode(cand("c1", "500"))
		require.NoError(t, err)

		mockPool.ExpectQuery("FOR UPDATE SKIP LOCKED").
			WillReturnRows(pgxmock.NewRows([]string{"payload"}).AddRow(payload))

		c, err := q.Dequeue(context.Background())
		require.NoError(t, err)
		require.NotNil(t, c)
		assert.Equal(t, "c1", c.ID)
		assert.Equal(t, 500.0, c.Score())
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})

	t.Run("empty queue returns nil", func(t *testing.T) {
		q, mockPool := newMockQueue(t)
		mockPool.ExpectQuery("DELETE FROM queue_entries").
			WillReturnRows(pgxmock.NewRows([]string{"payload"}))

		c, err := q.Dequeue(context.Background())
		require.NoError(t, err)
		assert.Nil(t, c)
	})

	t.Run("database failure is transient", func(t *testing.T) {
		q, mockPool := newMockQueue(t)
		mockPool.ExpectQuery("DELETE FROM queue_entries").
			WillReturnError(errors.New("connection reset by peer"))

		_, err := q.Dequeue(context.Background())
		require.Error(t, err)
		assert.True(t, errors.IsTransient(err))
	})
}

func TestPostgresQueueRemoveAndSize(t *testing.T) {
	q, mockPool := newMockQueue(t)

	mockPool.ExpectExec("DELETE FROM queue_entries WHERE candidate_id").
		WithArgs("c1").
		WillReturnResult(pgxmock.NewResult("DELETE", 1))
	mockPool.ExpectExec("DELETE FROM queue_entries WHERE candidate_id").
		WithArgs("c2").
		WillReturnResult(pgxmock.NewResult("DELETE", 0))
	mockPool.ExpectQuery("SELECT COUNT").
		WillReturnRows(pgxmock.NewRows([]string{"count"}).AddRow(int64(3)))

	removed, err := q.Remove(context.Background(), "c1")
	require.NoError(t, err)
	assert.True(t, removed)

	removed, err = q.Remove(context.Background(), "c2")
	require.NoError(t, err)
	assert.False(t, removed)

	n, err := q.Size(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.NoError(t, mockPool.ExpectationsWereMet())
}

func TestPostgresQueueMigrate(t *testing.T) {
	q, mockPool := newMockQueue(t)
	mockPool.ExpectExec("CREATE TABLE IF NOT EXISTS queue_entries").
		WillReturnResult(pgxmock.NewResult("CREATE", 0))

	require.NoError(t, q.Migrate(context.Background()))
	assert.NoError(t, mockPool.ExpectationsWereMet())
}
