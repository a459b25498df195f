package calls

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"voip-platform/pkg/utils"

	"github.com/shopspring/decimal"
)

// PostgresRepo stores calls in the calls table.
// Provider-event lookups match provider_call_id or metadata->>'call_control_id'.
type PostgresRepo struct {
	db    *sql.DB
	clock func() time.Time
}

func NewPostgresRepo(db *sql.DB) *PostgresRepo {
	return &PostgresRepo{db: db, clock: time.Now}
}

const callColumns = `id, provider_call_id, provider, tenant_id, user_id, campaign_id, contact_id,
  direction, status, from_number, to_number, started_at, answered_at, ended_at,
  duration_seconds, billable_seconds, rate_per_minute, total_cost, recording_url, metadata,
  created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCall(s rowScanner) (Call, error) {
	var (
		c                        Call
		providerID               sql.NullString
		started, answered, ended sql.NullTime
	)
	err := s.Scan(
		&c.ID,
		&providerID,
		&c.Provider,
		&c.TenantID,
		&c.UserID,
		&c.CampaignID,
		&c.ContactID,
		&c.Direction,
		&c.Status,
		&c.From,
		&c.To,
		&started,
		&answered,
		&ended,
		&c.DurationSeconds,
		&c.BillableSeconds,
		&c.RatePerMinute,
		&c.TotalCost,
		&c.RecordingURL,
		&c.Metadata,
		&c.CreatedAt,
		&c.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Call{}, ErrCallNotFound
		}
		return Call{}, err
	}
	c.ProviderCallID = providerID.String
	c.StartedAt = timePtr(started)
	c.AnsweredAt = timePtr(answered)
	c.EndedAt = timePtr(ended)
	return c, nil
}

func (r *PostgresRepo) Create(ctx context.Context, c Call) error {
	const q = `
INSERT INTO calls (` + callColumns + `)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22)
`
	_, err := r.db.ExecContext(ctx, q,
		c.ID,
		nullString(c.ProviderCallID),
		c.Provider,
		c.TenantID,
		c.UserID,
		c.CampaignID,
		c.ContactID,
		c.Direction,
		c.Status,
		c.From,
		c.To,
		c.StartedAt,
		c.AnsweredAt,
		c.EndedAt,
		c.DurationSeconds,
		c.BillableSeconds,
		c.RatePerMinute,
		c.TotalCost,
		c.RecordingURL,
		c.Metadata,
		c.CreatedAt,
		c.UpdatedAt,
	)
	if utils.IsUniqueViolation(err) {
		return ErrDuplicateCall
	}
	return err
}

func (r *PostgresRepo) GetByID(ctx context.Context, id string) (Call, error) {
	const q = `SELECT ` + callColumns + ` FROM calls WHERE id = $1`
	return scanCall(r.db.QueryRowContext(ctx, q, id))
}

func (r *PostgresRepo) GetByProviderID(ctx context.Context, providerCallID string) (Call, error) {
	const q = `SELECT ` + callColumns + ` FROM calls
WHERE provider_call_id = $1 OR metadata->>'call_control_id' = $1
LIMIT 1`
	return scanCall(r.db.QueryRowContext(ctx, q, providerCallID))
}

func (r *PostgresRepo) Mutate(ctx context.Context, providerCallID string, fn MutateFunc) (Call, error) {
	const q = `SELECT ` + callColumns + ` FROM calls
WHERE provider_call_id = $1 OR metadata->>'call_control_id' = $1
LIMIT 1
FOR UPDATE`
	return r.mutate(ctx, q, providerCallID, fn)
}

func (r *PostgresRepo) MutateByID(ctx context.Context, id string, fn MutateFunc) (Call, error) {
	const q = `SELECT ` + callColumns + ` FROM calls WHERE id = $1 FOR UPDATE`
	return r.mutate(ctx, q, id, fn)
}

func (r *PostgresRepo) mutate(ctx context.Context, lockQuery, key string, fn MutateFunc) (Call, error) {
	var out Call
	err := utils.WithTx(ctx, r.db, &sql.TxOptions{}, func(ctx context.Context, tx *sql.Tx) error {
		// Lock the call row so concurrent provider events serialize per call.
		c, err := scanCall(tx.QueryRowContext(ctx, lockQuery, key))
		if err != nil {
			return err
		}

		work := c.clone()
		changed, err := fn(&work)
		if err != nil {
			return err
		}
		if !changed {
			out = c
			return nil
		}
		if work.BillableSeconds > work.DurationSeconds {
			work.BillableSeconds = work.DurationSeconds
		}
		if err := updateCall(ctx, tx, work); err != nil {
			return err
		}
		out = work
		return nil
	})
	return out, err
}

func updateCall(ctx context.Context, tx *sql.Tx, c Call) error {
	const q = `
UPDATE calls SET
  provider_call_id = $2,
  status = $3,
  started_at = $4,
  answered_at = $5,
  ended_at = $6,
  duration_seconds = $7,
  billable_seconds = $8,
  recording_url = $9,
  metadata = $10,
  updated_at = $11
WHERE id = $1
`
	_, err := tx.ExecContext(ctx, q,
		c.ID,
		nullString(c.ProviderCallID),
		c.Status,
		c.StartedAt,
		c.AnsweredAt,
		c.EndedAt,
		c.DurationSeconds,
		c.BillableSeconds,
		c.RecordingURL,
		c.Metadata,
		c.UpdatedAt,
	)
	if utils.IsUniqueViolation(err) {
		return ErrDuplicateCall
	}
	return err
}

func (r *PostgresRepo) SetCost(ctx context.Context, id string, ratePerMinute, totalCost decimal.Decimal) error {
	const q = `UPDATE calls SET rate_per_minute = $2, total_cost = $3, updated_at = $4 WHERE id = $1`
	res, err := r.db.ExecContext(ctx, q, id, ratePerMinute, totalCost, r.clock().UTC())
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrCallNotFound
	}
	return nil
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}
