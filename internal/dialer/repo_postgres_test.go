package dialer

import (
	"context"
	"errors"
	"regexp"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPostgresStore_DialableContacts(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	rows := sqlmock.NewRows([]string{"id", "tenant_id", "campaign_id", "name", "phone", "priority", "status", "notes", "created_at"}).
		AddRow("c2", "t1", "camp", "Ana", "+5511911", 5, "callback", "", t0).
		AddRow("c1", "t1", "camp", "Bia", "+5511922", 0, "pending", "", t0)
	mock.ExpectQuery(`status IN \('pending', 'callback'\)\s+ORDER BY priority DESC, created_at ASC`).
		WithArgs("t1", "camp").
		WillReturnRows(rows)

	got, err := NewPostgresStore(db).DialableContacts(context.Background(), "t1", "camp")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "c2", got[0].ID)
	assert.Equal(t, 5, got[0].Priority)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_InsertItemsInOneTransaction(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	items := []Item{
		{ID: "i1", TenantID: "t1", CampaignID: "camp", ContactID: "c1", Position: 0, Status: ItemWaiting, CreatedAt: t0, UpdatedAt: t0},
		{ID: "i2", TenantID: "t1", CampaignID: "camp", ContactID: "c2", Position: 1, Status: ItemWaiting, CreatedAt: t0, UpdatedAt: t0},
	}

	mock.ExpectBegin()
	prep := mock.ExpectPrepare(regexp.QuoteMeta("INSERT INTO dial_queue_items"))
	prep.ExpectExec().
		WithArgs("i1", "t1", "camp", "c1", 0, "waiting", "", "", "", "", t0, t0).
		WillReturnResult(sqlmock.NewResult(0, 1))
	prep.ExpectExec().
		WithArgs("i2", "t1", "camp", "c2", 1, "waiting", "", "", "", "", t0, t0).
		WillReturnError(errors.New("disk full"))
	mock.ExpectRollback()

	err = NewPostgresStore(db).InsertItems(context.Background(), items)
	require.Error(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_RecordOutcome(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec(regexp.QuoteMeta("UPDATE campaign_contacts")).
		WithArgs("t1", "c1", "callback", "no_answer", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err = NewPostgresStore(db).RecordOutcome(context.Background(), "t1", "c1", contactStatus(OutcomeNoAnswer), OutcomeNoAnswer)
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_UpdateItem(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec(regexp.QuoteMeta("UPDATE dial_queue_items")).
		WithArgs("i1", "wrap_up", "connected", "call-1", "CA1", "", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err = NewPostgresStore(db).UpdateItem(context.Background(), Item{
		ID: "i1", Status: ItemWrapUp, Outcome: OutcomeConnected, CallID: "call-1", ProviderCallID: "CA1",
	})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}
