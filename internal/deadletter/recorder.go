package deadletter

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"voip-platform/internal/metrics"
	"voip-platform/pkg/logger"

	"github.com/google/uuid"
)

// Recorder appends dead-letter entries. Record never fails the caller:
// a failure to record a failure is logged and dropped.
type Recorder struct {
	repo    Repo
	clock   func() time.Time
	timeout time.Duration
}

func NewRecorder(repo Repo) *Recorder {
	return &Recorder{repo: repo, clock: time.Now, timeout: 5 * time.Second}
}

// Record durably appends a pending entry for taskType.
// payload is JSON-encoded; cause may be nil.
func (r *Recorder) Record(ctx context.Context, taskType, tenantID string, payload any, cause error) {
	log := logger.From(ctx).With("task_type", taskType, "tenant_id", tenantID)

	defer func() {
		if p := recover(); p != nil {
			metrics.DeadLetters.WithLabelValues(taskType, "record_failed").Inc()
			log.Error("dead letter record panicked", "panic", fmt.Sprint(p))
		}
	}()

	raw, err := json.Marshal(payload)
	if err != nil {
		raw, _ = json.Marshal(map[string]string{"unencodable": fmt.Sprintf("%+v", payload)})
	}

	msg := ""
	if cause != nil {
		msg = cause.Error()
	}

	now := r.clock().UTC()
	e := Entry{
		ID:           uuid.NewString(),
		TenantID:     tenantID,
		TaskType:     taskType,
		Payload:      raw,
		ErrorMessage: msg,
		Status:       StatusPending,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	// The caller's request may already be cancelled; the record must still land.
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.timeout)
	defer cancel()

	if r.repo == nil {
		metrics.DeadLetters.WithLabelValues(taskType, "record_failed").Inc()
		log.Error("dead letter store not configured", "cause", msg, "payload", string(raw))
		return
	}
	if err := r.repo.Insert(wctx, e); err != nil {
		metrics.DeadLetters.WithLabelValues(taskType, "record_failed").Inc()
		log.Error("dead letter record failed", "err", err, "cause", msg, "payload", string(raw))
		return
	}

	metrics.DeadLetters.WithLabelValues(taskType, "recorded").Inc()
	log.Warn("dead letter recorded", "dead_letter_id", e.ID, "cause", msg)
}
