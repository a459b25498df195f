package dialer

import (
	"context"
	"database/sql"
	"time"

	"voip-platform/pkg/utils"
)

// PostgresStore reads campaign_contacts and writes dial_queue_items.
type PostgresStore struct {
	db    *sql.DB
	clock func() time.Time
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db, clock: time.Now}
}

func (s *PostgresStore) DialableContacts(ctx context.Context, tenantID, campaignID string) ([]Contact, error) {
	const q = `
SELECT id, tenant_id, campaign_id, name, phone, priority, status, notes, created_at
FROM campaign_contacts
WHERE tenant_id = $1 AND campaign_id = $2 AND status IN ('pending', 'callback')
ORDER BY priority DESC, created_at ASC, id ASC
`
	rows, err := s.db.QueryContext(ctx, q, tenantID, campaignID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Contact
	for rows.Next() {
		var c Contact
		if err := rows.Scan(&c.ID, &c.TenantID, &c.CampaignID, &c.Name, &c.Phone, &c.Priority, &c.Status, &c.Notes, &c.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *PostgresStore) RecordOutcome(ctx context.Context, tenantID, contactID, status string, outcome Outcome) error {
	const q = `
UPDATE campaign_contacts
SET status = $3, last_outcome = $4, updated_at = $5
WHERE tenant_id = $1 AND id = $2
`
	_, err := s.db.ExecContext(ctx, q, tenantID, contactID, status, outcome, s.clock().UTC())
	return err
}

func (s *PostgresStore) SaveNotes(ctx context.Context, tenantID, contactID, notes string) error {
	const q = `UPDATE campaign_contacts SET notes = $3, updated_at = $4 WHERE tenant_id = $1 AND id = $2`
	_, err := s.db.ExecContext(ctx, q, tenantID, contactID, notes, s.clock().UTC())
	return err
}

func (s *PostgresStore) InsertItems(ctx context.Context, items []Item) error {
	const q = `
INSERT INTO dial_queue_items (
  id, tenant_id, campaign_id, contact_id, position, status, outcome, call_id, provider_call_id, notes, created_at, updated_at
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
`
	return utils.WithTx(ctx, s.db, &sql.TxOptions{}, func(ctx context.Context, tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, q)
		if err != nil {
			return err
		}
		defer stmt.Close()
		for _, it := range items {
			if _, err := stmt.ExecContext(ctx,
				it.ID,
				it.TenantID,
				it.CampaignID,
				it.ContactID,
				it.Position,
				it.Status,
				it.Outcome,
				it.CallID,
				it.ProviderCallID,
				it.Notes,
				it.CreatedAt,
				it.UpdatedAt,
			); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *PostgresStore) UpdateItem(ctx context.Context, it Item) error {
	const q = `
UPDATE dial_queue_items
SET status = $2, outcome = $3, call_id = $4, provider_call_id = $5, notes = $6, updated_at = $7
WHERE id = $1
`
	_, err := s.db.ExecContext(ctx, q, it.ID, it.Status, it.Outcome, it.CallID, it.ProviderCallID, it.Notes, s.clock().UTC())
	return err
}
