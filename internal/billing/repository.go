package billing

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"voip-platform/pkg/utils"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Store persists accounts and their ledger.
//
// Post applies a posting atomically: lock the account, return the existing
// transaction if the reference was already posted, otherwise update the
// balance and append the transaction in the same unit of work.
type Store interface {
	Post(ctx context.Context, p Posting, now time.Time) (tx Transaction, acct Account, existed bool, err error)
	Account(ctx context.Context, tenantID string) (Account, error)
	Transactions(ctx context.Context, tenantID string, limit int) ([]Transaction, error)
}

// PostgresStore is backed by billing_accounts and billing_transactions.
// billing_transactions carries UNIQUE (reference_type, reference_id, type).
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Post(ctx context.Context, p Posting, now time.Time) (Transaction, Account, bool, error) {
	var (
		out     Transaction
		acct    Account
		existed bool
	)
	err := utils.WithTx(ctx, s.db, &sql.TxOptions{}, func(ctx context.Context, tx *sql.Tx) error {
		a, err := lockAccount(ctx, tx, p.TenantID)
		if err != nil {
			return err
		}

		if p.ReferenceID != "" {
			if prev, ok, err := findByReference(ctx, tx, p.ReferenceType, p.ReferenceID, p.Type); err != nil {
				return err
			} else if ok {
				out, acct, existed = prev, a, true
				return nil
			}
		}

		a, err = applyDelta(ctx, tx, a.ID, p.AmountMinutes, p.AmountCurrency, now)
		if err != nil {
			return err
		}

		t := Transaction{
			ID:                   uuid.NewString(),
			TenantID:             p.TenantID,
			BillingAccountID:     a.ID,
			Type:                 p.Type,
			AmountMinutes:        p.AmountMinutes,
			AmountCurrency:       p.AmountCurrency,
			BalanceAfterMinutes:  a.BalanceMinutes,
			BalanceAfterCurrency: a.BalanceCurrency,
			ReferenceID:          p.ReferenceID,
			ReferenceType:        p.ReferenceType,
			Description:          p.Description,
			Metadata:             p.Metadata,
			CreatedAt:            now,
		}
		if err := insertTransaction(ctx, tx, t); err != nil {
			return err
		}
		out, acct = t, a
		return nil
	})
	if err != nil && utils.IsUniqueViolation(err) {
		// Lost a race with another process posting the same reference.
		return s.existing(ctx, p)
	}
	return out, acct, existed, err
}

func (s *PostgresStore) existing(ctx context.Context, p Posting) (Transaction, Account, bool, error) {
	var (
		out  Transaction
		acct Account
	)
	err := utils.WithTx(ctx, s.db, &sql.TxOptions{ReadOnly: true}, func(ctx context.Context, tx *sql.Tx) error {
		t, ok, err := findByReference(ctx, tx, p.ReferenceType, p.ReferenceID, p.Type)
		if err != nil {
			return err
		}
		if !ok {
			return errors.New("billing: reference conflict without a matching transaction")
		}
		a, err := getAccount(ctx, tx, p.TenantID)
		if err != nil {
			return err
		}
		out, acct = t, a
		return nil
	})
	return out, acct, err == nil, err
}

func (s *PostgresStore) Account(ctx context.Context, tenantID string) (Account, error) {
	return getAccount(ctx, s.db, tenantID)
}

func (s *PostgresStore) Transactions(ctx context.Context, tenantID string, limit int) ([]Transaction, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	const q = `SELECT ` + transactionColumns + `
FROM billing_transactions
WHERE tenant_id = $1
ORDER BY created_at DESC, id DESC
LIMIT $2
`
	rows, err := s.db.QueryContext(ctx, q, tenantID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Transaction
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type rowScanner interface {
	Scan(dest ...any) error
}

const accountColumns = `id, tenant_id, balance_minutes, balance_currency, credit_limit_minutes, created_at, updated_at`

const transactionColumns = `id, tenant_id, billing_account_id, type, amount_minutes, amount_currency,
  balance_after_minutes, balance_after_currency, reference_id, reference_type, description, metadata, created_at`

func scanAccount(r rowScanner) (Account, error) {
	var a Account
	if err := r.Scan(
		&a.ID,
		&a.TenantID,
		&a.BalanceMinutes,
		&a.BalanceCurrency,
		&a.CreditLimitMinutes,
		&a.CreatedAt,
		&a.UpdatedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Account{}, ErrAccountNotFound
		}
		return Account{}, err
	}
	return a, nil
}

func scanTransaction(r rowScanner) (Transaction, error) {
	var (
		t    Transaction
		meta []byte
	)
	if err := r.Scan(
		&t.ID,
		&t.TenantID,
		&t.BillingAccountID,
		&t.Type,
		&t.AmountMinutes,
		&t.AmountCurrency,
		&t.BalanceAfterMinutes,
		&t.BalanceAfterCurrency,
		&t.ReferenceID,
		&t.ReferenceType,
		&t.Description,
		&meta,
		&t.CreatedAt,
	); err != nil {
		return Transaction{}, err
	}
	if len(meta) > 0 {
		t.Metadata = meta
	}
	return t, nil
}

func lockAccount(ctx context.Context, tx *sql.Tx, tenantID string) (Account, error) {
	// Serializes every balance change for the tenant.
	const q = `SELECT ` + accountColumns + `
FROM billing_accounts
WHERE tenant_id = $1
FOR UPDATE
`
	return scanAccount(tx.QueryRowContext(ctx, q, tenantID))
}

func getAccount(ctx context.Context, db queryer, tenantID string) (Account, error) {
	const q = `SELECT ` + accountColumns + ` FROM billing_accounts WHERE tenant_id = $1`
	return scanAccount(db.QueryRowContext(ctx, q, tenantID))
}

func findByReference(ctx context.Context, tx *sql.Tx, refType, refID string, typ TransactionType) (Transaction, bool, error) {
	const q = `SELECT ` + transactionColumns + `
FROM billing_transactions
WHERE reference_type = $1 AND reference_id = $2 AND type = $3
LIMIT 1
`
	t, err := scanTransaction(tx.QueryRowContext(ctx, q, refType, refID, typ))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Transaction{}, false, nil
		}
		return Transaction{}, false, err
	}
	return t, true, nil
}

func applyDelta(ctx context.Context, tx *sql.Tx, accountID string, minutes, currency decimal.Decimal, now time.Time) (Account, error) {
	// Server-side increment; the returned row is the post-change balance.
	const q = `
UPDATE billing_accounts
SET balance_minutes = balance_minutes + $2,
    balance_currency = balance_currency + $3,
    updated_at = $4
WHERE id = $1
RETURNING ` + accountColumns
	return scanAccount(tx.QueryRowContext(ctx, q, accountID, minutes, currency, now))
}

func insertTransaction(ctx context.Context, tx *sql.Tx, t Transaction) error {
	const q = `
INSERT INTO billing_transactions (` + transactionColumns + `)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
`
	meta := []byte(t.Metadata)
	if len(meta) == 0 {
		meta = []byte("{}")
	}
	_, err := tx.ExecContext(ctx, q,
		t.ID,
		t.TenantID,
		t.BillingAccountID,
		t.Type,
		t.AmountMinutes,
		t.AmountCurrency,
		t.BalanceAfterMinutes,
		t.BalanceAfterCurrency,
		t.ReferenceID,
		t.ReferenceType,
		t.Description,
		meta,
		t.CreatedAt,
	)
	return err
}
