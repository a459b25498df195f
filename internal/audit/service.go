package audit

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"voip-platform/pkg/logger"

	"github.com/google/uuid"
)

// Repository is the persistence contract for audit events.
// It is append-only: there is no Update or Delete.
type Repository interface {
	Append(ctx context.Context, e Event) error
}

// Service records operator actions.
//
// Audit is internal-only and best-effort: the Log* helpers never fail the caller.
type Service struct {
	repo  Repository
	clock func() time.Time
}

func NewService(repo Repository) *Service {
	return &Service{repo: repo, clock: time.Now}
}

var (
	ErrInvalidEvent   = errors.New("audit: invalid event")
	ErrDuplicateEvent = errors.New("audit: event id already recorded")
)

func (s *Service) Append(ctx context.Context, e Event) error {
	if s.repo == nil {
		return errors.New("audit: repository not configured")
	}
	if e.TenantID == "" || e.Type == "" {
		return ErrInvalidEvent
	}
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = s.clock().UTC()
	}
	return s.repo.Append(ctx, e)
}

func (s *Service) bestEffort(ctx context.Context, e Event) {
	if err := s.Append(ctx, e); err != nil {
		logger.From(ctx).Warn("audit append failed", slog.String("type", string(e.Type)), slog.String("tenant_id", e.TenantID), slog.Any("err", err))
	}
}

// DialerAction records a stop or skip on a campaign queue.
func (s *Service) DialerAction(ctx context.Context, tenantID string, actor Actor, typ EventType, campaignID, callID string) {
	s.bestEffort(ctx, Event{
		TenantID:    tenantID,
		Type:        typ,
		ActorUserID: actor.UserID,
		ActorRole:   actor.Role,
		IPAddress:   actor.IP,
		CampaignID:  campaignID,
		CallID:      callID,
	})
}

// DeadLetterAction records a manual replay or abandon.
func (s *Service) DeadLetterAction(ctx context.Context, tenantID string, actor Actor, typ EventType, deadLetterID, message string) {
	s.bestEffort(ctx, Event{
		TenantID:     tenantID,
		Type:         typ,
		ActorUserID:  actor.UserID,
		ActorRole:    actor.Role,
		IPAddress:    actor.IP,
		DeadLetterID: deadLetterID,
		Message:      message,
	})
}

// ManualCredit records an operator top-up.
func (s *Service) ManualCredit(ctx context.Context, tenantID string, actor Actor, message, metadata string) {
	s.bestEffort(ctx, Event{
		TenantID:    tenantID,
		Type:        EventManualCredit,
		ActorUserID: actor.UserID,
		ActorRole:   actor.Role,
		IPAddress:   actor.IP,
		Message:     message,
		Metadata:    metadata,
	})
}
