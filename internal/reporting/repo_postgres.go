package reporting

import (
	"context"
	"database/sql"
	"time"

	"voip-platform/internal/billing"
	"voip-platform/internal/calls"
)

// PostgresRepo reads the calls and billing_transactions tables.
// Only the columns reports aggregate are loaded.
type PostgresRepo struct {
	db *sql.DB
}

func NewPostgresRepo(db *sql.DB) *PostgresRepo {
	return &PostgresRepo{db: db}
}

func (r *PostgresRepo) ListCalls(ctx context.Context, tenantID string, from, to time.Time, campaignID string) ([]calls.Call, error) {
	const q = `SELECT id, user_id, campaign_id, status, duration_seconds, billable_seconds, recording_url, created_at
		FROM calls
		WHERE tenant_id = $1 AND created_at >= $2 AND created_at < $3 AND ($4 = '' OR campaign_id = $4)`
	rows, err := r.db.QueryContext(ctx, q, tenantID, from, to, campaignID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []calls.Call
	for rows.Next() {
		c := calls.Call{TenantID: tenantID}
		var status string
		if err := rows.Scan(&c.ID, &c.UserID, &c.CampaignID, &status, &c.DurationSeconds, &c.BillableSeconds, &c.RecordingURL, &c.CreatedAt); err != nil {
			return nil, err
		}
		c.Status = calls.CallStatus(status)
		out = append(out, c)
	}
	return out, rows.Err()
}

func (r *PostgresRepo) ListTransactions(ctx context.Context, tenantID string, from, to time.Time) ([]billing.Transaction, error) {
	const q = `SELECT id, type, amount_minutes, amount_currency, reference_id, reference_type, created_at
		FROM billing_transactions
		WHERE tenant_id = $1 AND created_at >= $2 AND created_at < $3`
	rows, err := r.db.QueryContext(ctx, q, tenantID, from, to)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []billing.Transaction
	for rows.Next() {
		t := billing.Transaction{TenantID: tenantID}
		var typ string
		if err := rows.Scan(&t.ID, &typ, &t.AmountMinutes, &t.AmountCurrency, &t.ReferenceID, &t.ReferenceType, &t.CreatedAt); err != nil {
			return nil, err
		}
		t.Type = billing.TransactionType(typ)
		out = append(out, t)
	}
	return out, rows.Err()
}
