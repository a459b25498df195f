package audit

import "time"

// Event is an immutable, append-only record of an operator action.
//
// Invariants:
// - Events are never updated or deleted.
// - tenant_id is required for tenancy isolation.
// - actor and ip capture are best-effort; do not block operator flows on audit failures.
type Event struct {
	ID       string    `json:"id" db:"id"`
	TenantID string    `json:"tenant_id" db:"tenant_id"`
	Type     EventType `json:"type" db:"type"`

	ActorUserID string `json:"actor_user_id,omitempty" db:"actor_user_id"`
	ActorRole   string `json:"actor_role,omitempty" db:"actor_role"`

	// IPAddress is the resolved client IP.
	IPAddress string `json:"ip_address,omitempty" db:"ip_address"`

	// Target identifiers, set depending on Type.
	CampaignID   string `json:"campaign_id,omitempty" db:"campaign_id"`
	CallID       string `json:"call_id,omitempty" db:"call_id"`
	DeadLetterID string `json:"dead_letter_id,omitempty" db:"dead_letter_id"`

	Message string `json:"message,omitempty" db:"message"`

	// Metadata is optional JSON for full details.
	Metadata string `json:"metadata,omitempty" db:"metadata"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

type EventType string

const (
	EventDialerStop        EventType = "dialer_stop"
	EventDialerSkip        EventType = "dialer_skip"
	EventDeadLetterReplay  EventType = "dead_letter_replay"
	EventDeadLetterAbandon EventType = "dead_letter_abandon"
	EventManualCredit      EventType = "manual_credit"
)

// Actor is who performed an action and from where.
type Actor struct {
	UserID string
	Role   string
	IP     string
}
