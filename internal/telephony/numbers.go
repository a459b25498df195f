package telephony

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"sync"
)

var ErrUnknownNumber = errors.New("telephony: number not assigned to a tenant")

// NormalizeE164 turns a dialed string into +<digits>.
// Digits not already starting with defaultCountryCode get it prepended; a leading trunk 0 is dropped.
// Client identities and SIP URIs are returned unchanged.
func NormalizeE164(number, defaultCountryCode string) string {
	s := strings.TrimSpace(number)
	if s == "" || strings.HasPrefix(s, "client:") || strings.HasPrefix(strings.ToLower(s), "sip:") {
		return s
	}
	plus := strings.HasPrefix(s, "+")

	var b strings.Builder
	b.Grow(len(s) + 3)
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	digits := b.String()
	if digits == "" {
		return s
	}
	if strings.HasPrefix(digits, "00") {
		return "+" + strings.TrimPrefix(digits, "00")
	}
	if plus {
		return "+" + digits
	}

	cc := strings.TrimPrefix(defaultCountryCode, "+")
	digits = strings.TrimLeft(digits, "0")
	if strings.HasPrefix(digits, cc) {
		return "+" + digits
	}
	return "+" + cc + digits
}

// NumberOwner is who answers calls to a tenant number.
type NumberOwner struct {
	PhoneNumber string `json:"phone_number" db:"phone_number"`
	TenantID    string `json:"tenant_id" db:"tenant_id"`
	UserID      string `json:"user_id,omitempty" db:"user_id"`
}

// NumberDirectory resolves a dialed number to its tenant.
type NumberDirectory interface {
	Lookup(ctx context.Context, phoneNumber string) (NumberOwner, error)
}

type PostgresNumbers struct {
	db *sql.DB
}

func NewPostgresNumbers(db *sql.DB) *PostgresNumbers {
	return &PostgresNumbers{db: db}
}

func (n *PostgresNumbers) Lookup(ctx context.Context, phoneNumber string) (NumberOwner, error) {
	const q = `SELECT phone_number, tenant_id, user_id FROM tenant_phone_numbers WHERE phone_number = $1`
	var o NumberOwner
	err := n.db.QueryRowContext(ctx, q, phoneNumber).Scan(&o.PhoneNumber, &o.TenantID, &o.UserID)
	if errors.Is(err, sql.ErrNoRows) {
		return NumberOwner{}, ErrUnknownNumber
	}
	if err != nil {
		return NumberOwner{}, err
	}
	return o, nil
}

// MemoryNumbers is an in-process directory for tests and local runs.
type MemoryNumbers struct {
	mu     sync.RWMutex
	owners map[string]NumberOwner
}

func (n *MemoryNumbers) Put(o NumberOwner) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.owners == nil {
		n.owners = make(map[string]NumberOwner)
	}
	n.owners[o.PhoneNumber] = o
}

func (n *MemoryNumbers) Lookup(ctx context.Context, phoneNumber string) (NumberOwner, error) {
	_ = ctx
	n.mu.RLock()
	defer n.mu.RUnlock()
	o, ok := n.owners[phoneNumber]
	if !ok {
		return NumberOwner{}, ErrUnknownNumber
	}
	return o, nil
}
