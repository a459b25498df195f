package pricing

import (
	"context"
	"database/sql"
	"errors"
)

type PostgresRepo struct {
	db *sql.DB
}

func NewPostgresRepo(db *sql.DB) *PostgresRepo {
	return &PostgresRepo{db: db}
}

func (r *PostgresRepo) ActiveRateCards(ctx context.Context) ([]RateCard, error) {
	if r.db == nil {
		return nil, errors.New("pricing repo: db is nil")
	}

	const q = `
SELECT id, prefix, rate_per_minute, billing_increment, connection_fee, is_active, destination_type, created_at
FROM rate_cards
WHERE is_active = true
ORDER BY length(prefix) DESC, created_at ASC, id ASC`

	rows, err := r.db.QueryContext(ctx, q)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []RateCard
	for rows.Next() {
		var c RateCard
		if err := rows.Scan(&c.ID, &c.Prefix, &c.RatePerMinute, &c.BillingIncrement, &c.ConnectionFee, &c.IsActive, &c.DestinationType, &c.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}
