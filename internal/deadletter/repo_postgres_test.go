package deadletter

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var cols = []string{"id", "tenant_id", "task_type", "payload", "error_message", "status", "attempts", "last_attempt_at", "resolved_at", "created_at", "updated_at"}

func TestPostgresRepo_ClaimPendingSkipsLocked(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	now := time.Now().UTC()
	mock.ExpectQuery(`UPDATE dead_letter_queue\s+SET status = 'retried', attempts = attempts \+ 1.*FOR UPDATE SKIP LOCKED`).
		WithArgs(10, now, now.Add(-time.Minute)).
		WillReturnRows(sqlmock.NewRows(cols).
			AddRow("d1", "t1", TaskBillingDebit, []byte(`{"provider_call_id":"CA1"}`), "boom", "retried", 1, now, nil, now, now))

	got, err := NewPostgresRepo(db).ClaimPending(context.Background(), 10, now.Add(-time.Minute), now)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, StatusRetried, got[0].Status)
	assert.JSONEq(t, `{"provider_call_id":"CA1"}`, string(got[0].Payload))
	assert.NotNil(t, got[0].LastAttemptAt)
	assert.Nil(t, got[0].ResolvedAt)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresRepo_ClaimResolvedIsNotReplayable(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	now := time.Now().UTC()
	mock.ExpectQuery(`UPDATE dead_letter_queue`).WithArgs("d1", now).WillReturnRows(sqlmock.NewRows(cols))
	mock.ExpectQuery(`FROM dead_letter_queue WHERE id = \$1`).WithArgs("d1").
		WillReturnRows(sqlmock.NewRows(cols).AddRow("d1", "t1", TaskAIAnalysis, []byte(`{}`), "", "resolved", 2, now, now, now, now))

	_, err = NewPostgresRepo(db).Claim(context.Background(), "d1", now)
	assert.ErrorIs(t, err, ErrNotReplayable)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresRepo_ListBuildsFilters(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery(`WHERE tenant_id = \$1 AND status = \$2 ORDER BY created_at ASC, id ASC LIMIT \$3`).
		WithArgs("t1", "pending", 100).
		WillReturnRows(sqlmock.NewRows(cols))

	got, err := NewPostgresRepo(db).List(context.Background(), Filter{TenantID: "t1", Status: StatusPending})
	require.NoError(t, err)
	assert.Empty(t, got)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresRepo_FinishMissing(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	now := time.Now().UTC()
	mock.ExpectExec(`UPDATE dead_letter_queue`).WithArgs("nope", "resolved", "", now).WillReturnResult(sqlmock.NewResult(0, 0))
	err = NewPostgresRepo(db).Finish(context.Background(), "nope", StatusResolved, "", now)
	assert.ErrorIs(t, err, ErrNotFound)
}
