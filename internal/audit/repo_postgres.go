package audit

import (
	"context"
	"database/sql"
	"fmt"

	"voip-platform/pkg/utils"
)

type PostgresRepo struct {
	db *sql.DB
}

func NewPostgresRepo(db *sql.DB) *PostgresRepo {
	return &PostgresRepo{db: db}
}

func (r *PostgresRepo) Append(ctx context.Context, e Event) error {
	meta := e.Metadata
	if meta == "" {
		meta = "{}"
	}
	const q = `INSERT INTO audit_events
		(id, tenant_id, type, actor_user_id, actor_role, ip_address, campaign_id, call_id, dead_letter_id, message, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11::jsonb, $12)`
	_, err := r.db.ExecContext(ctx, q,
		e.ID, e.TenantID, string(e.Type), e.ActorUserID, e.ActorRole, e.IPAddress,
		e.CampaignID, e.CallID, e.DeadLetterID, e.Message, meta, e.CreatedAt,
	)
	if utils.IsUniqueViolation(err) {
		return fmt.Errorf("%w: %s", ErrDuplicateEvent, e.ID)
	}
	return err
}
