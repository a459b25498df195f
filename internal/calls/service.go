package calls

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"voip-platform/internal/deadletter"
	"voip-platform/internal/metrics"
	"voip-platform/pkg/logger"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

var tracer = otel.Tracer("voip-platform/internal/calls")

// Provider places and terminates calls on a telephony provider.
type Provider interface {
	Name() string
	PlaceCall(ctx context.Context, req PlacementRequest) (Placement, error)
	Hangup(ctx context.Context, providerCallID string) error
}

// PlacementRequest is what a provider needs to dial out.
type PlacementRequest struct {
	CallID   string
	TenantID string
	From     string
	To       string
}

// Placement is the provider's acceptance of a call.
type Placement struct {
	ProviderCallID string
	Metadata       map[string]any
}

// Settler settles a completed call. It owns its own failure recording.
type Settler interface {
	SettleCall(ctx context.Context, providerCallID string) error
}

// CreditChecker reports whether a tenant may start another billable call.
type CreditChecker interface {
	HasCredit(ctx context.Context, tenantID string) (bool, error)
}

// ConcurrencyLimiter caps live outbound calls per tenant.
type ConcurrencyLimiter interface {
	Acquire(ctx context.Context, tenantID string) (bool, error)
	Release(ctx context.Context, tenantID string) error
}

// DeadLetters records failed work. Implementations never fail the caller.
type DeadLetters interface {
	Record(ctx context.Context, taskType, tenantID string, payload any, cause error)
}

type Options struct {
	Store           Store
	Providers       []Provider
	DefaultProvider string

	Settler     Settler
	Credit      CreditChecker
	Limiter     ConcurrencyLimiter
	DeadLetters DeadLetters

	Logger *slog.Logger

	// Async runs settlement off the event path. Defaults to a goroutine.
	Async func(func())
	Clock func() time.Time
}

// Service is the call state machine plus outbound placement.
//
// Contract:
// - Every committed change is published to observers after the write returns.
// - ApplyEvent is idempotent under duplicate and reordered delivery.
// - Settlement failures never fail a state update.
type Service struct {
	store       Store
	providers   map[string]Provider
	defaultProv string

	settler Settler
	credit  CreditChecker
	limiter ConcurrencyLimiter
	dlq     DeadLetters

	log   *slog.Logger
	async func(func())
	clock func() time.Time

	obs observers
}

func NewService(opts Options) *Service {
	s := &Service{
		store:       opts.Store,
		providers:   make(map[string]Provider, len(opts.Providers)),
		defaultProv: opts.DefaultProvider,
		settler:     opts.Settler,
		credit:      opts.Credit,
		limiter:     opts.Limiter,
		dlq:         opts.DeadLetters,
		log:         opts.Logger,
		async:       opts.Async,
		clock:       opts.Clock,
	}
	for _, p := range opts.Providers {
		s.providers[p.Name()] = p
	}
	if s.defaultProv == "" && len(opts.Providers) > 0 {
		s.defaultProv = opts.Providers[0].Name()
	}
	if s.log == nil {
		s.log = slog.Default()
	}
	if s.async == nil {
		s.async = func(f func()) { go f() }
	}
	if s.clock == nil {
		s.clock = time.Now
	}
	return s
}

// Subscribe registers obs for committed changes.
func (s *Service) Subscribe(obs Observer) *Subscription { return s.obs.add(obs) }

func (s *Service) Get(ctx context.Context, id string) (Call, error) {
	return s.store.GetByID(ctx, id)
}

func (s *Service) GetByProviderID(ctx context.Context, providerCallID string) (Call, error) {
	return s.store.GetByProviderID(ctx, providerCallID)
}

// ApplyEvent moves the matching call forward. Unknown ids fail with ErrCallNotFound
// so ingress can retry while the placement write lands.
func (s *Service) ApplyEvent(ctx context.Context, ev Event) (Call, Outcome, error) {
	if ev.ProviderCallID == "" || !ev.Type.Valid() {
		return Call{}, "", fmt.Errorf("%w: id=%q type=%q", ErrInvalidEvent, ev.ProviderCallID, ev.Type)
	}

	ctx, span := tracer.Start(ctx, "calls.ApplyEvent")
	defer span.End()
	span.SetAttributes(
		attribute.String("call.provider_call_id", ev.ProviderCallID),
		attribute.String("call.event", string(ev.Type)),
	)

	now := s.clock().UTC()
	var (
		prev    Call
		outcome Outcome
	)
	updated, err := s.store.Mutate(ctx, ev.ProviderCallID, func(c *Call) (bool, error) {
		prev = c.clone()
		next, out := transition(*c, ev, now)
		outcome = out
		if out == OutcomeIgnored {
			return false, nil
		}
		next.UpdatedAt = now
		*c = next
		return true, nil
	})
	if err != nil {
		if errors.Is(err, ErrCallNotFound) {
			metrics.CallEvents.WithLabelValues(string(ev.Type), "not_found").Inc()
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return Call{}, "", err
	}

	metrics.CallEvents.WithLabelValues(string(ev.Type), string(outcome)).Inc()
	span.SetAttributes(attribute.String("call.outcome", string(outcome)), attribute.String("call.status", string(updated.Status)))

	log := s.logger(ctx).With("provider_call_id", ev.ProviderCallID, "tenant_id", updated.TenantID, "event", ev.Type)
	if outcome == OutcomeIgnored {
		log.Debug("call event ignored", "status", updated.Status)
		return updated, outcome, nil
	}
	log.Info("call event applied", "outcome", outcome, "from", prev.Status, "to", updated.Status)

	s.notify(ctx, Change{Call: updated, Previous: prev, Outcome: outcome})

	switch {
	case outcome != OutcomeApplied || !updated.Status.Terminal():
	case !prev.Status.Terminal():
		s.afterTerminal(ctx, updated)
	case prev.Status != updated.Status:
		// A late answer turned an unanswered hangup into a completed call.
		s.settle(ctx, updated)
	}
	return updated, outcome, nil
}

func (s *Service) afterTerminal(ctx context.Context, c Call) {
	s.releaseSlot(ctx, c)
	s.settle(ctx, c)
}

func (s *Service) settle(ctx context.Context, c Call) {
	if c.Status != CallStatusCompleted || c.BillableSeconds <= 0 || s.settler == nil {
		return
	}
	key := c.CorrelationID()
	sctx := context.WithoutCancel(ctx)
	s.async(func() {
		if err := s.settler.SettleCall(sctx, key); err != nil {
			s.logger(sctx).Warn("settlement deferred", "provider_call_id", key, "tenant_id", c.TenantID, "err", err)
		}
	})
}

// PlaceRequest is an outbound placement on behalf of a tenant user.
type PlaceRequest struct {
	TenantID   string         `json:"tenant_id"`
	UserID     string         `json:"user_id"`
	CampaignID string         `json:"campaign_id,omitempty"`
	ContactID  string         `json:"contact_id,omitempty"`
	From       string         `json:"from"`
	To         string         `json:"to"`
	Provider   string         `json:"provider,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// Place creates a queued call, asks the provider to dial, and records the
// provider call id with a transition to initiated.
func (s *Service) Place(ctx context.Context, req PlaceRequest) (Call, error) {
	if req.TenantID == "" || req.To == "" {
		return Call{}, ErrInvalidRequest
	}
	prov, err := s.provider(req.Provider)
	if err != nil {
		return Call{}, err
	}

	ctx, span := tracer.Start(ctx, "calls.Place")
	defer span.End()
	span.SetAttributes(attribute.String("call.provider", prov.Name()), attribute.String("tenant.id", req.TenantID))

	log := s.logger(ctx).With("tenant_id", req.TenantID, "campaign_id", req.CampaignID, "provider", prov.Name())

	if s.credit != nil {
		ok, err := s.credit.HasCredit(ctx, req.TenantID)
		if err != nil {
			return Call{}, fmt.Errorf("credit check: %w", err)
		}
		if !ok {
			metrics.CallPlacements.WithLabelValues(prov.Name(), "credit_limit").Inc()
			return Call{}, ErrCreditLimit
		}
	}

	now := s.clock().UTC()
	c := Call{
		ID:         uuid.NewString(),
		Provider:   prov.Name(),
		TenantID:   req.TenantID,
		UserID:     req.UserID,
		CampaignID: req.CampaignID,
		ContactID:  req.ContactID,
		Direction:  DirectionOutbound,
		Status:     CallStatusQueued,
		From:       req.From,
		To:         req.To,
		Metadata:   Metadata{}.merge(req.Metadata),
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := s.store.Create(ctx, c); err != nil {
		return Call{}, fmt.Errorf("create call: %w", err)
	}
	s.notify(ctx, Change{Call: c, Outcome: OutcomeApplied, Created: true})

	slot := false
	if s.limiter != nil {
		ok, err := s.limiter.Acquire(ctx, req.TenantID)
		switch {
		case err != nil:
			// Cap store outage does not block calling.
			log.Warn("concurrency cap unavailable", "err", err)
		case !ok:
			metrics.CallPlacements.WithLabelValues(prov.Name(), "concurrency_limit").Inc()
			failed := s.fail(ctx, c, "concurrency_limit")
			return failed, ErrConcurrencyLimit
		default:
			slot = true
		}
	}

	placement, err := prov.PlaceCall(ctx, PlacementRequest{CallID: c.ID, TenantID: c.TenantID, From: c.From, To: c.To})
	if err != nil {
		metrics.CallPlacements.WithLabelValues(prov.Name(), "failed").Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, "placement failed")
		if slot {
			s.release(ctx, c.TenantID)
		}
		log.Warn("call placement failed", "call_id", c.ID, "err", err)
		failed := s.fail(ctx, c, err.Error())
		return failed, fmt.Errorf("%w: %v", ErrPlacementFailed, err)
	}
	metrics.CallPlacements.WithLabelValues(prov.Name(), "accepted").Inc()

	rec := placementRecord{
		CallID:         c.ID,
		TenantID:       c.TenantID,
		ProviderCallID: placement.ProviderCallID,
		Metadata:       placement.Metadata,
		CapSlot:        slot,
	}
	updated, err := s.recordPlacement(ctx, rec)
	if err != nil {
		// The provider is already dialing; keep the call and reconcile the row later.
		log.Error("placement accepted but not persisted", "call_id", c.ID, "provider_call_id", placement.ProviderCallID, "err", err)
		if s.dlq != nil {
			s.dlq.Record(ctx, deadletter.TaskCallPlacement, c.TenantID, rec, err)
		}
		c.ProviderCallID = placement.ProviderCallID
		c.Metadata = c.Metadata.merge(placement.Metadata)
		return c, nil
	}
	log.Info("call placed", "call_id", c.ID, "provider_call_id", updated.ProviderCallID)
	return updated, nil
}

// placementRecord is the call_placement dead-letter payload.
type placementRecord struct {
	CallID         string         `json:"call_id"`
	TenantID       string         `json:"tenant_id"`
	ProviderCallID string         `json:"provider_call_id"`
	Metadata       map[string]any `json:"metadata,omitempty"`
	CapSlot        bool           `json:"cap_slot"`
}

func (s *Service) recordPlacement(ctx context.Context, rec placementRecord) (Call, error) {
	now := s.clock().UTC()
	var (
		prev    Call
		changed bool
	)
	updated, err := s.store.MutateByID(ctx, rec.CallID, func(c *Call) (bool, error) {
		prev = c.clone()
		if c.ProviderCallID != "" && c.ProviderCallID != rec.ProviderCallID {
			return false, fmt.Errorf("call %s already bound to %s", c.ID, c.ProviderCallID)
		}
		c.ProviderCallID = rec.ProviderCallID
		c.Metadata = c.Metadata.merge(rec.Metadata)
		if rec.CapSlot {
			c.Metadata = c.Metadata.merge(map[string]any{metaCapSlot: true})
		}
		if c.Status == CallStatusQueued {
			next, _ := transition(*c, Event{Type: EventInitiated, OccurredAt: now}, now)
			*c = next
		}
		changed = prev.ProviderCallID != c.ProviderCallID || prev.Status != c.Status || len(rec.Metadata) > 0 || rec.CapSlot
		if changed {
			c.UpdatedAt = now
		}
		return changed, nil
	})
	if err != nil {
		return Call{}, err
	}
	if changed {
		s.notify(ctx, Change{Call: updated, Previous: prev, Outcome: OutcomeApplied})
	}
	return updated, nil
}

// ReconcilePlacement replays a call_placement dead letter. It is idempotent.
func (s *Service) ReconcilePlacement(ctx context.Context, payload []byte) error {
	var rec placementRecord
	if err := decodeJSON(payload, &rec); err != nil {
		return err
	}
	if rec.CallID == "" || rec.ProviderCallID == "" {
		return fmt.Errorf("%w: incomplete placement record", ErrInvalidRequest)
	}
	_, err := s.recordPlacement(ctx, rec)
	return err
}

func (s *Service) fail(ctx context.Context, c Call, reason string) Call {
	now := s.clock().UTC()
	prev := c
	updated, err := s.store.MutateByID(ctx, c.ID, func(cc *Call) (bool, error) {
		prev = cc.clone()
		if cc.Status.Terminal() {
			return false, nil
		}
		next, _ := transition(*cc, Event{Type: EventFailed, OccurredAt: now}, now)
		next.Metadata = next.Metadata.merge(map[string]any{"failure_reason": reason})
		next.UpdatedAt = now
		*cc = next
		return true, nil
	})
	if err != nil {
		s.logger(ctx).Error("mark call failed", "call_id", c.ID, "err", err)
		return c
	}
	s.notify(ctx, Change{Call: updated, Previous: prev, Outcome: OutcomeApplied})
	return updated
}

// Hangup asks the provider that placed the call to terminate it.
// Ended calls are a no-op.
func (s *Service) Hangup(ctx context.Context, providerCallID string) error {
	c, err := s.store.GetByProviderID(ctx, providerCallID)
	if err != nil {
		return err
	}
	if c.Status.Terminal() {
		return nil
	}
	if c.CorrelationID() == "" {
		return ErrNotLive
	}
	prov, err := s.provider(c.Provider)
	if err != nil {
		return err
	}
	if err := prov.Hangup(ctx, c.CorrelationID()); err != nil {
		return fmt.Errorf("hangup %s: %w", c.CorrelationID(), err)
	}
	s.logger(ctx).Info("hangup requested", "provider_call_id", c.CorrelationID(), "tenant_id", c.TenantID)
	return nil
}

// InboundCall describes the first sighting of a provider-originated call.
// Direction defaults to inbound; browser device legs are outbound.
type InboundCall struct {
	ProviderCallID string
	Provider       string
	TenantID       string
	UserID         string
	Direction      Direction
	From           string
	To             string
	Metadata       map[string]any
}

// RecordInbound creates a ringing call on first sight. Repeats return the existing row.
func (s *Service) RecordInbound(ctx context.Context, in InboundCall) (Call, error) {
	if in.ProviderCallID == "" || in.TenantID == "" {
		return Call{}, ErrInvalidRequest
	}
	if existing, err := s.store.GetByProviderID(ctx, in.ProviderCallID); err == nil {
		return existing, nil
	} else if !errors.Is(err, ErrCallNotFound) {
		return Call{}, err
	}

	dir := in.Direction
	if dir == "" {
		dir = DirectionInbound
	}
	now := s.clock().UTC()
	c := Call{
		ID:             uuid.NewString(),
		ProviderCallID: in.ProviderCallID,
		Provider:       in.Provider,
		TenantID:       in.TenantID,
		UserID:         in.UserID,
		Direction:      dir,
		Status:         CallStatusQueued,
		From:           in.From,
		To:             in.To,
		Metadata:       Metadata{}.merge(in.Metadata),
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	c, _ = transition(c, Event{Type: EventRinging, OccurredAt: now}, now)

	if err := s.store.Create(ctx, c); err != nil {
		if errors.Is(err, ErrDuplicateCall) {
			return s.store.GetByProviderID(ctx, in.ProviderCallID)
		}
		return Call{}, err
	}
	s.logger(ctx).Info("provider call recorded", "provider_call_id", in.ProviderCallID, "tenant_id", in.TenantID, "direction", dir)
	s.notify(ctx, Change{Call: c, Outcome: OutcomeApplied, Created: true})
	return c, nil
}

// AttachRecording stores the recording reference on the call. Repeats with the same URL are no-ops.
func (s *Service) AttachRecording(ctx context.Context, providerCallID string, rec Recording) (Call, bool, error) {
	if rec.URL == "" {
		return Call{}, false, ErrInvalidRequest
	}
	now := s.clock().UTC()
	var prev Call
	changed := false
	updated, err := s.store.Mutate(ctx, providerCallID, func(c *Call) (bool, error) {
		prev = c.clone()
		if c.RecordingURL == rec.URL {
			return false, nil
		}
		c.RecordingURL = rec.URL
		c.Metadata = c.Metadata.merge(map[string]any{
			"recording_sid":      rec.SID,
			"recording_duration": rec.DurationSeconds,
			"recording_channels": rec.Channels,
		})
		c.UpdatedAt = now
		changed = true
		return true, nil
	})
	if err != nil {
		return Call{}, false, err
	}
	if changed {
		s.notify(ctx, Change{Call: updated, Previous: prev, Outcome: OutcomeApplied})
	}
	return updated, changed, nil
}

// ObserverCount is exposed for leak checks in tests and diagnostics.
func (s *Service) ObserverCount() int { return s.obs.len() }

func (s *Service) notify(ctx context.Context, ch Change) {
	nctx := context.WithoutCancel(ctx)
	for _, o := range s.obs.snapshot() {
		func() {
			defer func() {
				if p := recover(); p != nil {
					s.logger(ctx).Error("call observer panicked", "panic", fmt.Sprint(p), "call_id", ch.Call.ID)
				}
			}()
			o.OnCallChanged(nctx, ch)
		}()
	}
}

func (s *Service) releaseSlot(ctx context.Context, c Call) {
	if c.Direction != DirectionOutbound || !c.Metadata.Bool(metaCapSlot) {
		return
	}
	s.release(ctx, c.TenantID)
}

func (s *Service) release(ctx context.Context, tenantID string) {
	if s.limiter == nil {
		return
	}
	if err := s.limiter.Release(context.WithoutCancel(ctx), tenantID); err != nil {
		s.logger(ctx).Warn("concurrency slot release failed", "tenant_id", tenantID, "err", err)
	}
}

func (s *Service) provider(name string) (Provider, error) {
	if name == "" {
		name = s.defaultProv
	}
	p, ok := s.providers[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownProvider, name)
	}
	return p, nil
}

func (s *Service) logger(ctx context.Context) *slog.Logger {
	if l := logger.From(ctx); l != slog.Default() {
		return l
	}
	return s.log
}

func decodeJSON(raw []byte, v any) error {
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	return nil
}
