package dialer

import (
	"errors"
	"time"

	"voip-platform/internal/calls"
)

// Status is the queue-level state.
type Status string

const (
	StatusIdle    Status = "idle"
	StatusRunning Status = "running"
	StatusPaused  Status = "paused"
	StatusWrapUp  Status = "wrap_up"
)

// ItemStatus is one contact's position in a run.
type ItemStatus string

const (
	ItemWaiting   ItemStatus = "waiting"
	ItemDialing   ItemStatus = "dialing"
	ItemActive    ItemStatus = "active"
	ItemWrapUp    ItemStatus = "wrap_up"
	ItemCompleted ItemStatus = "completed"
	ItemSkipped   ItemStatus = "skipped"
)

// live reports whether the item occupies the line.
func (s ItemStatus) live() bool {
	return s == ItemDialing || s == ItemActive || s == ItemWrapUp
}

// Outcome is how an item's call ended.
type Outcome string

const (
	OutcomeConnected       Outcome = "connected"
	OutcomeNoAnswer        Outcome = "no_answer"
	OutcomeBusy            Outcome = "busy"
	OutcomeFailed          Outcome = "failed"
	OutcomeCanceled        Outcome = "canceled"
	OutcomePlacementFailed Outcome = "placement_failed"
	OutcomeSkipped         Outcome = "skipped"
)

func outcomeFor(c calls.Call) Outcome {
	switch c.Status {
	case calls.CallStatusCompleted:
		if c.AnsweredAt == nil {
			return OutcomeNoAnswer
		}
		return OutcomeConnected
	case calls.CallStatusBusy:
		return OutcomeBusy
	case calls.CallStatusNoAnswer:
		return OutcomeNoAnswer
	case calls.CallStatusCanceled:
		return OutcomeCanceled
	default:
		return OutcomeFailed
	}
}

// contactStatus is what the contact becomes after an outcome.
// Unreached contacts go back to callback so the next load picks them up.
func contactStatus(o Outcome) string {
	switch o {
	case OutcomeConnected:
		return "contacted"
	case OutcomeNoAnswer, OutcomeBusy, OutcomeCanceled, OutcomePlacementFailed:
		return "callback"
	case OutcomeSkipped:
		return "skipped"
	default:
		return "failed"
	}
}

// Contact is a campaign contact eligible for dialing.
type Contact struct {
	ID         string    `json:"id" db:"id"`
	TenantID   string    `json:"tenant_id" db:"tenant_id"`
	CampaignID string    `json:"campaign_id" db:"campaign_id"`
	Name       string    `json:"name,omitempty" db:"name"`
	Phone      string    `json:"phone" db:"phone"`
	Priority   int       `json:"priority" db:"priority"`
	Status     string    `json:"status" db:"status"`
	Notes      string    `json:"notes,omitempty" db:"notes"`
	CreatedAt  time.Time `json:"created_at" db:"created_at"`
}

// Item is a persisted dial_queue_items row.
type Item struct {
	ID             string     `json:"id" db:"id"`
	TenantID       string     `json:"tenant_id" db:"tenant_id"`
	CampaignID     string     `json:"campaign_id" db:"campaign_id"`
	ContactID      string     `json:"contact_id" db:"contact_id"`
	Position       int        `json:"position" db:"position"`
	Status         ItemStatus `json:"status" db:"status"`
	Outcome        Outcome    `json:"outcome,omitempty" db:"outcome"`
	CallID         string     `json:"call_id,omitempty" db:"call_id"`
	ProviderCallID string     `json:"provider_call_id,omitempty" db:"provider_call_id"`
	Notes          string     `json:"notes,omitempty" db:"notes"`
	CreatedAt      time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at" db:"updated_at"`

	Phone string `json:"phone" db:"-"`
	Name  string `json:"name,omitempty" db:"-"`

	// placing is set while Place is in flight; observer updates are parked in pending.
	placing bool
	pending *calls.Call
}

// Stats summarizes a run. Completed counts ended calls, excluding placements
// the provider never accepted; those count as Failed.
type Stats struct {
	Total     int `json:"total"`
	Completed int `json:"completed"`
	Connected int `json:"connected"`
	NoAnswer  int `json:"no_answer"`
	Busy      int `json:"busy"`
	Failed    int `json:"failed"`
	Skipped   int `json:"skipped"`
	Remaining int `json:"remaining"`
}

// Snapshot is a point-in-time copy of a queue.
type Snapshot struct {
	CampaignID string `json:"campaign_id"`
	TenantID   string `json:"tenant_id"`
	UserID     string `json:"user_id"`
	Status     Status `json:"status"`
	Current    *Item  `json:"current,omitempty"`
	Items      []Item `json:"items"`
	Stats      Stats  `json:"stats"`
}

var (
	ErrQueueNotLoaded = errors.New("dialer: campaign queue not loaded")
	ErrAlreadyRunning = errors.New("dialer: queue already running")
	ErrNoActiveItem   = errors.New("dialer: no contact in progress")
	ErrNotWrappingUp  = errors.New("dialer: queue is not in wrap-up")
)
