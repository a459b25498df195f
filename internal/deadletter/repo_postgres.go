package deadletter

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

type PostgresRepo struct {
	db *sql.DB
}

func NewPostgresRepo(db *sql.DB) *PostgresRepo {
	return &PostgresRepo{db: db}
}

const entryColumns = `id, tenant_id, task_type, payload, error_message, status, attempts, last_attempt_at, resolved_at, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntry(s rowScanner) (Entry, error) {
	var (
		e                 Entry
		payload           []byte
		lastAt, resolveAt sql.NullTime
	)
	if err := s.Scan(&e.ID, &e.TenantID, &e.TaskType, &payload, &e.ErrorMessage, &e.Status, &e.Attempts, &lastAt, &resolveAt, &e.CreatedAt, &e.UpdatedAt); err != nil {
		return Entry{}, err
	}
	e.Payload = payload
	if lastAt.Valid {
		t := lastAt.Time
		e.LastAttemptAt = &t
	}
	if resolveAt.Valid {
		t := resolveAt.Time
		e.ResolvedAt = &t
	}
	return e, nil
}

func (r *PostgresRepo) Insert(ctx context.Context, e Entry) error {
	const q = `
INSERT INTO dead_letter_queue (id, tenant_id, task_type, payload, error_message, status, attempts, created_at, updated_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
`
	_, err := r.db.ExecContext(ctx, q, e.ID, e.TenantID, e.TaskType, []byte(e.Payload), e.ErrorMessage, e.Status, e.Attempts, e.CreatedAt, e.UpdatedAt)
	return err
}

func (r *PostgresRepo) Get(ctx context.Context, id string) (Entry, error) {
	q := `SELECT ` + entryColumns + ` FROM dead_letter_queue WHERE id = $1`
	e, err := scanEntry(r.db.QueryRowContext(ctx, q, id))
	if errors.Is(err, sql.ErrNoRows) {
		return Entry{}, ErrNotFound
	}
	return e, err
}

func (r *PostgresRepo) List(ctx context.Context, f Filter) ([]Entry, error) {
	var (
		where []string
		args  []any
	)
	add := func(col, v string) {
		args = append(args, v)
		where = append(where, fmt.Sprintf("%s = $%d", col, len(args)))
	}
	if f.TenantID != "" {
		add("tenant_id", f.TenantID)
	}
	if f.Status != "" {
		add("status", string(f.Status))
	}
	if f.TaskType != "" {
		add("task_type", f.TaskType)
	}

	limit := f.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	args = append(args, limit)

	q := `SELECT ` + entryColumns + ` FROM dead_letter_queue`
	if len(where) > 0 {
		q += ` WHERE ` + strings.Join(where, " AND ")
	}
	q += fmt.Sprintf(` ORDER BY created_at ASC, id ASC LIMIT $%d`, len(args))

	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collect(rows)
}

func (r *PostgresRepo) ClaimPending(ctx context.Context, limit int, staleBefore, now time.Time) ([]Entry, error) {
	// SKIP LOCKED lets several API replicas sweep without double-dispatching an entry.
	q := `
UPDATE dead_letter_queue
SET status = 'retried', attempts = attempts + 1, last_attempt_at = $2, updated_at = $2
WHERE id IN (
  SELECT id FROM dead_letter_queue
  WHERE status = 'pending' OR (status = 'retried' AND last_attempt_at < $3)
  ORDER BY created_at ASC
  LIMIT $1
  FOR UPDATE SKIP LOCKED
)
RETURNING ` + entryColumns

	rows, err := r.db.QueryContext(ctx, q, limit, now, staleBefore)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collect(rows)
}

func (r *PostgresRepo) Claim(ctx context.Context, id string, now time.Time) (Entry, error) {
	q := `
UPDATE dead_letter_queue
SET status = 'retried', attempts = attempts + 1, last_attempt_at = $2, updated_at = $2
WHERE id = $1 AND status <> 'resolved'
RETURNING ` + entryColumns

	e, err := scanEntry(r.db.QueryRowContext(ctx, q, id, now))
	if errors.Is(err, sql.ErrNoRows) {
		if _, gerr := r.Get(ctx, id); gerr != nil {
			return Entry{}, gerr
		}
		return Entry{}, ErrNotReplayable
	}
	return e, err
}

func (r *PostgresRepo) Finish(ctx context.Context, id string, status Status, errMsg string, now time.Time) error {
	const q = `
UPDATE dead_letter_queue
SET status = $2::text,
    error_message = CASE WHEN $3::text = '' THEN error_message ELSE $3::text END,
    resolved_at = CASE WHEN $2::text IN ('resolved', 'abandoned') THEN $4::timestamptz ELSE resolved_at END,
    updated_at = $4
WHERE id = $1
`
	res, err := r.db.ExecContext(ctx, q, id, string(status), errMsg, now)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func collect(rows *sql.Rows) ([]Entry, error) {
	var out []Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
