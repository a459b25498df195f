package deadletter

import (
	"encoding/json"
	"errors"
	"time"
)

// Task types. Payloads carry ids only so replays re-derive state instead of re-applying deltas.
const (
	TaskBillingDebit      = "billing_debit"
	TaskStatusUpdate      = "status_update"
	TaskAIAnalysis        = "ai_analysis"
	TaskRecordingDownload = "recording_download"
	TaskCallPlacement     = "call_placement"
)

type Status string

const (
	StatusPending   Status = "pending"
	StatusRetried   Status = "retried"
	StatusResolved  Status = "resolved"
	StatusAbandoned Status = "abandoned"
)

// Entry is a failed unit of work awaiting retry.
type Entry struct {
	ID       string `json:"id" db:"id"`
	TenantID string `json:"tenant_id,omitempty" db:"tenant_id"`
	TaskType string `json:"task_type" db:"task_type"`

	Payload      json.RawMessage `json:"payload" db:"payload"`
	ErrorMessage string          `json:"error_message" db:"error_message"`

	Status        Status     `json:"status" db:"status"`
	Attempts      int        `json:"attempts" db:"attempts"`
	LastAttemptAt *time.Time `json:"last_attempt_at,omitempty" db:"last_attempt_at"`
	ResolvedAt    *time.Time `json:"resolved_at,omitempty" db:"resolved_at"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// Decode unmarshals the stored payload into v.
func (e Entry) Decode(v any) error {
	if len(e.Payload) == 0 {
		return errors.New("deadletter: empty payload")
	}
	return json.Unmarshal(e.Payload, v)
}

// Filter narrows List. Zero fields match everything.
type Filter struct {
	TenantID string
	Status   Status
	TaskType string
	Limit    int
}

var (
	ErrNotFound      = errors.New("deadletter: entry not found")
	ErrNotReplayable = errors.New("deadletter: entry already resolved")
	ErrNoHandler     = errors.New("deadletter: no handler for task type")
)

// permanentError marks a handler failure that retrying cannot fix.
type permanentError struct{ err error }

func (p *permanentError) Error() string { return p.err.Error() }
func (p *permanentError) Unwrap() error { return p.err }

// Permanent wraps err so the sweeper abandons the entry instead of retrying it.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

func isPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}
