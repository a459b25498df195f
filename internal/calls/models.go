package calls

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Call is one telephony session, scoped to a tenant.
//
// Invariants:
// - AnsweredAt set => Status is in-progress, completed or failed.
// - EndedAt set => Status is terminal.
// - BillableSeconds <= DurationSeconds.
//
// Rows are never deleted; they are only superseded by later transitions.
type Call struct {
	ID string `json:"id" db:"id"`

	// ProviderCallID is assigned once the provider accepts the placement; empty before that.
	ProviderCallID string `json:"provider_call_id,omitempty" db:"provider_call_id"`
	Provider       string `json:"provider" db:"provider"`

	TenantID   string `json:"tenant_id" db:"tenant_id"`
	UserID     string `json:"user_id,omitempty" db:"user_id"`
	CampaignID string `json:"campaign_id,omitempty" db:"campaign_id"`
	ContactID  string `json:"contact_id,omitempty" db:"contact_id"`

	Direction Direction  `json:"direction" db:"direction"`
	Status    CallStatus `json:"status" db:"status"`

	From string `json:"from" db:"from_number"`
	To   string `json:"to" db:"to_number"`

	StartedAt  *time.Time `json:"started_at,omitempty" db:"started_at"`
	AnsweredAt *time.Time `json:"answered_at,omitempty" db:"answered_at"`
	EndedAt    *time.Time `json:"ended_at,omitempty" db:"ended_at"`

	DurationSeconds int `json:"duration_seconds" db:"duration_seconds"`
	BillableSeconds int `json:"billable_seconds" db:"billable_seconds"`

	RatePerMinute decimal.NullDecimal `json:"rate_per_minute" db:"rate_per_minute"`
	TotalCost     decimal.NullDecimal `json:"total_cost" db:"total_cost"`

	RecordingURL string `json:"recording_url,omitempty" db:"recording_url"`

	Metadata Metadata `json:"metadata" db:"metadata"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// MetaCallControlID holds the provider correlation id when no provider call id is known yet.
const MetaCallControlID = "call_control_id"

// MetaDurationIncludesRing marks providers whose reported duration starts at
// dial time. Billable time for those calls runs from answered_at to ended_at.
const MetaDurationIncludesRing = "duration_includes_ring"

const metaCapSlot = "cap_slot"

// CorrelationID is the id provider events for this call are keyed by.
func (c Call) CorrelationID() string {
	if c.ProviderCallID != "" {
		return c.ProviderCallID
	}
	return c.Metadata.String(MetaCallControlID)
}

func (c Call) clone() Call {
	out := c
	out.Metadata = c.Metadata.Clone()
	return out
}

type CallStatus string

const (
	CallStatusQueued     CallStatus = "queued"
	CallStatusInitiated  CallStatus = "initiated"
	CallStatusRinging    CallStatus = "ringing"
	CallStatusInProgress CallStatus = "in-progress"
	CallStatusCompleted  CallStatus = "completed"
	CallStatusBusy       CallStatus = "busy"
	CallStatusNoAnswer   CallStatus = "no-answer"
	CallStatusCanceled   CallStatus = "canceled"
	CallStatusFailed     CallStatus = "failed"
)

// Terminal reports whether no further forward transition exists.
func (s CallStatus) Terminal() bool {
	switch s {
	case CallStatusCompleted, CallStatusBusy, CallStatusNoAnswer, CallStatusCanceled, CallStatusFailed:
		return true
	default:
		return false
	}
}

// Live reports whether the call still occupies a line.
func (s CallStatus) Live() bool {
	switch s {
	case CallStatusInitiated, CallStatusRinging, CallStatusInProgress:
		return true
	default:
		return false
	}
}

// rank orders statuses by reachability; every terminal status shares the top rank.
func (s CallStatus) rank() int {
	switch s {
	case CallStatusQueued:
		return 0
	case CallStatusInitiated:
		return 1
	case CallStatusRinging:
		return 2
	case CallStatusInProgress:
		return 3
	default:
		if s.Terminal() {
			return 4
		}
		return -1
	}
}

type Direction string

const (
	DirectionOutbound Direction = "outbound"
	DirectionInbound  Direction = "inbound"
)

// EventType is the normalized provider event vocabulary.
type EventType string

const (
	EventInitiated EventType = "initiated"
	EventRinging   EventType = "ringing"
	EventAnswered  EventType = "answered"
	EventCompleted EventType = "completed"
	EventBusy      EventType = "busy"
	EventNoAnswer  EventType = "no_answer"
	EventCanceled  EventType = "canceled"
	EventFailed    EventType = "failed"
)

var eventTargets = map[EventType]CallStatus{
	EventInitiated: CallStatusInitiated,
	EventRinging:   CallStatusRinging,
	EventAnswered:  CallStatusInProgress,
	EventCompleted: CallStatusCompleted,
	EventBusy:      CallStatusBusy,
	EventNoAnswer:  CallStatusNoAnswer,
	EventCanceled:  CallStatusCanceled,
	EventFailed:    CallStatusFailed,
}

func (e EventType) Valid() bool {
	_, ok := eventTargets[e]
	return ok
}

func (e EventType) target() CallStatus { return eventTargets[e] }

// Event is one normalized provider lifecycle event.
type Event struct {
	ProviderCallID string    `json:"provider_call_id"`
	Type           EventType `json:"event_type"`

	// OccurredAt is advisory. Ordering is enforced by reachability, not time.
	OccurredAt time.Time `json:"occurred_at"`

	DurationSeconds *int `json:"duration_seconds,omitempty"`

	// EndedAt is the provider's own end time, when it reports one.
	EndedAt *time.Time `json:"ended_at,omitempty"`

	// BillableSeconds is set when the provider reports a non-billable window.
	BillableSeconds *int `json:"billable_seconds,omitempty"`

	// Extra is merged into the call's metadata when the event applies.
	Extra map[string]any `json:"extra,omitempty"`
}

// Outcome says what ApplyEvent did with an event.
type Outcome string

const (
	OutcomeApplied    Outcome = "applied"
	OutcomeIgnored    Outcome = "ignored"
	OutcomeBackfilled Outcome = "backfilled"
)

// Recording is a provider recording artifact attached to a call.
type Recording struct {
	SID             string `json:"recording_sid,omitempty"`
	URL             string `json:"recording_url"`
	DurationSeconds int    `json:"duration_seconds"`
	Channels        int    `json:"channels"`
}

// Metadata is a free-form JSON object stored as JSONB.
type Metadata map[string]any

func (m Metadata) String(key string) string {
	if m == nil {
		return ""
	}
	if s, ok := m[key].(string); ok {
		return s
	}
	return ""
}

func (m Metadata) Bool(key string) bool {
	if m == nil {
		return false
	}
	b, _ := m[key].(bool)
	return b
}

func (m Metadata) Clone() Metadata {
	if m == nil {
		return nil
	}
	out := make(Metadata, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func (m Metadata) merge(extra map[string]any) Metadata {
	if len(extra) == 0 {
		return m
	}
	out := m.Clone()
	if out == nil {
		out = Metadata{}
	}
	for k, v := range extra {
		out[k] = v
	}
	return out
}

func (m Metadata) Value() (driver.Value, error) {
	if m == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(m)
}

func (m *Metadata) Scan(src any) error {
	var raw []byte
	switch v := src.(type) {
	case nil:
		*m = Metadata{}
		return nil
	case []byte:
		raw = v
	case string:
		raw = []byte(v)
	default:
		return fmt.Errorf("calls: cannot scan %T into Metadata", src)
	}
	if len(raw) == 0 {
		*m = Metadata{}
		return nil
	}
	out := Metadata{}
	if err := json.Unmarshal(raw, &out); err != nil {
		return err
	}
	*m = out
	return nil
}

var (
	ErrCallNotFound     = errors.New("calls: call not found")
	ErrDuplicateCall    = errors.New("calls: duplicate provider call id")
	ErrInvalidEvent     = errors.New("calls: invalid event")
	ErrInvalidRequest   = errors.New("calls: invalid request")
	ErrUnknownProvider  = errors.New("calls: unknown provider")
	ErrCreditLimit      = errors.New("calls: tenant is beyond its credit limit")
	ErrConcurrencyLimit = errors.New("calls: tenant concurrent call limit reached")
	ErrPlacementFailed  = errors.New("calls: provider rejected placement")
	ErrNotLive          = errors.New("calls: call is not live")
)
