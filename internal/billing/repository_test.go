package billing

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgx/v5/pgconn"
)

var accountCols = []string{"id", "tenant_id", "balance_minutes", "balance_currency", "credit_limit_minutes", "created_at", "updated_at"}

var txCols = []string{"id", "tenant_id", "billing_account_id", "type", "amount_minutes", "amount_currency",
	"balance_after_minutes", "balance_after_currency", "reference_id", "reference_type", "description", "metadata", "created_at"}

func debitPosting() Posting {
	return Posting{
		TenantID:       "t1",
		Type:           TransactionCallDebit,
		AmountMinutes:  dec("-1.1"),
		AmountCurrency: dec("-0.132"),
		ReferenceID:    "call-1",
		ReferenceType:  ReferenceCall,
		Description:    "Call to +5511 - 61s",
	}
}

func TestPostgresStore_PostLocksUpdatesAndInserts(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	mock.ExpectBegin()
	mock.ExpectQuery(`FROM billing_accounts\s+WHERE tenant_id = \$1\s+FOR UPDATE`).
		WithArgs("t1").
		WillReturnRows(sqlmock.NewRows(accountCols).AddRow("acct-1", "t1", "10", "5", "0", now, now))
	mock.ExpectQuery(`FROM billing_transactions\s+WHERE reference_type = \$1 AND reference_id = \$2 AND type = \$3`).
		WithArgs("call", "call-1", TransactionCallDebit).
		WillReturnRows(sqlmock.NewRows(txCols))
	mock.ExpectQuery(regexp.QuoteMeta("UPDATE billing_accounts")).
		WithArgs("acct-1", sqlmock.AnyArg(), sqlmock.AnyArg(), now).
		WillReturnRows(sqlmock.NewRows(accountCols).AddRow("acct-1", "t1", "8.9", "4.868", "0", now, now))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO billing_transactions")).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	tx, acct, existed, err := NewPostgresStore(db).Post(context.Background(), debitPosting(), now)
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	if existed {
		t.Fatalf("expected a new transaction")
	}
	if !tx.BalanceAfterMinutes.Equal(dec("8.9")) || !acct.BalanceCurrency.Equal(dec("4.868")) {
		t.Fatalf("unexpected balances: tx=%s acct=%s", tx.BalanceAfterMinutes, acct.BalanceCurrency)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestPostgresStore_PostReturnsExistingReference(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	now := time.Now().UTC()
	mock.ExpectBegin()
	mock.ExpectQuery(`FOR UPDATE`).WithArgs("t1").
		WillReturnRows(sqlmock.NewRows(accountCols).AddRow("acct-1", "t1", "8.9", "4.868", "0", now, now))
	mock.ExpectQuery(`FROM billing_transactions`).
		WillReturnRows(sqlmock.NewRows(txCols).AddRow("tx-1", "t1", "acct-1", "call_debit", "-1.1", "-0.132",
			"8.9", "4.868", "call-1", "call", "Call to +5511 - 61s", []byte(`{"rate_per_minute":"0.12"}`), now))
	mock.ExpectCommit()

	tx, _, existed, err := NewPostgresStore(db).Post(context.Background(), debitPosting(), now)
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	if !existed || tx.ID != "tx-1" {
		t.Fatalf("expected existing tx-1, got existed=%v id=%s", existed, tx.ID)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestPostgresStore_PostMissingAccount(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectQuery(`FOR UPDATE`).WithArgs("t1").WillReturnRows(sqlmock.NewRows(accountCols))
	mock.ExpectRollback()

	_, _, _, err = NewPostgresStore(db).Post(context.Background(), debitPosting(), time.Now())
	if err != ErrAccountNotFound {
		t.Fatalf("expected ErrAccountNotFound, got %v", err)
	}
}

func TestPostgresStore_PostRaceOnUniqueReference(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	now := time.Now().UTC()
	mock.ExpectBegin()
	mock.ExpectQuery(`FOR UPDATE`).WithArgs("t1").
		WillReturnRows(sqlmock.NewRows(accountCols).AddRow("acct-1", "t1", "10", "5", "0", now, now))
	mock.ExpectQuery(`FROM billing_transactions`).WillReturnRows(sqlmock.NewRows(txCols))
	mock.ExpectQuery(regexp.QuoteMeta("UPDATE billing_accounts")).
		WillReturnRows(sqlmock.NewRows(accountCols).AddRow("acct-1", "t1", "8.9", "4.868", "0", now, now))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO billing_transactions")).
		WillReturnError(&pgconn.PgError{Code: "23505"})
	mock.ExpectRollback()

	mock.ExpectBegin()
	mock.ExpectQuery(`FROM billing_transactions`).
		WillReturnRows(sqlmock.NewRows(txCols).AddRow("tx-other", "t1", "acct-1", "call_debit", "-1.1", "-0.132",
			"8.9", "4.868", "call-1", "call", "", []byte(`{}`), now))
	mock.ExpectQuery(`FROM billing_accounts WHERE tenant_id = \$1`).WithArgs("t1").
		WillReturnRows(sqlmock.NewRows(accountCols).AddRow("acct-1", "t1", "8.9", "4.868", "0", now, now))
	mock.ExpectCommit()

	tx, _, existed, err := NewPostgresStore(db).Post(context.Background(), debitPosting(), now)
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	if !existed || tx.ID != "tx-other" {
		t.Fatalf("expected the winning transaction, got existed=%v id=%s", existed, tx.ID)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}
