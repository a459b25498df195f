package telephony

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"voip-platform/internal/calls"
	"voip-platform/internal/deadletter"
	"voip-platform/internal/metrics"
	"voip-platform/pkg/logger"

	"github.com/cenkalti/backoff/v5"
)

// CallEvents is the state machine surface ingress drives.
type CallEvents interface {
	ApplyEvent(ctx context.Context, ev calls.Event) (calls.Call, calls.Outcome, error)
	RecordInbound(ctx context.Context, in calls.InboundCall) (calls.Call, error)
	AttachRecording(ctx context.Context, providerCallID string, rec calls.Recording) (calls.Call, bool, error)
}

// RecordingSink is told about recordings newly attached to a call.
type RecordingSink interface {
	RecordingReady(ctx context.Context, c calls.Call, rec calls.Recording)
}

// DeadLetters records failed work. Implementations never fail the caller.
type DeadLetters interface {
	Record(ctx context.Context, taskType, tenantID string, payload any, cause error)
}

type IngressOptions struct {
	Calls       CallEvents
	DeadLetters DeadLetters
	Recordings  RecordingSink

	// RetryWindow bounds the wait for a call row that has not landed yet.
	RetryWindow     time.Duration
	InitialInterval time.Duration

	Logger *slog.Logger
}

// Ingress applies normalized provider notifications to calls.
//
// Contract:
// - An unknown call id is retried with exponential backoff inside RetryWindow,
//   since a webhook can beat the placement write.
// - Anything still failing is dead-lettered with ids only; replays re-apply the same event.
// - Duplicate and reordered events are absorbed by the state machine.
type Ingress struct {
	calls   CallEvents
	dlq     DeadLetters
	sink    RecordingSink
	window  time.Duration
	initial time.Duration
	log     *slog.Logger
}

func NewIngress(opts IngressOptions) *Ingress {
	in := &Ingress{
		calls:   opts.Calls,
		dlq:     opts.DeadLetters,
		sink:    opts.Recordings,
		window:  opts.RetryWindow,
		initial: opts.InitialInterval,
		log:     opts.Logger,
	}
	if in.window <= 0 {
		in.window = 5 * time.Second
	}
	if in.initial <= 0 {
		in.initial = 100 * time.Millisecond
	}
	if in.log == nil {
		in.log = slog.Default()
	}
	return in
}

// statusUpdate is the status_update dead-letter payload.
type statusUpdate struct {
	Provider string      `json:"provider"`
	Event    calls.Event `json:"event"`
}

// recordingUpdate is the recording_download dead-letter payload.
type recordingUpdate struct {
	Provider string         `json:"provider"`
	Event    RecordingEvent `json:"event"`
}

// ApplyStatus applies ev, waiting briefly for a call row that is still being written.
func (in *Ingress) ApplyStatus(ctx context.Context, provider string, ev calls.Event) (calls.Call, error) {
	log := in.logger(ctx).With("provider", provider, "provider_call_id", ev.ProviderCallID, "event", ev.Type)

	var outcome calls.Outcome
	c, err := retryNotFound(ctx, in.window, in.initial, func() (calls.Call, error) {
		c, out, err := in.calls.ApplyEvent(ctx, ev)
		outcome = out
		return c, err
	})
	if err != nil {
		if errors.Is(err, calls.ErrInvalidEvent) {
			metrics.WebhookRequests.WithLabelValues(provider, "status", "invalid").Inc()
			log.Warn("status event rejected", "err", err)
			return calls.Call{}, err
		}
		metrics.WebhookRequests.WithLabelValues(provider, "status", "dead_lettered").Inc()
		log.Error("status event not applied", "err", err)
		if in.dlq != nil {
			in.dlq.Record(ctx, deadletter.TaskStatusUpdate, "", statusUpdate{Provider: provider, Event: ev}, err)
		}
		return calls.Call{}, err
	}
	metrics.WebhookRequests.WithLabelValues(provider, "status", string(outcome)).Inc()
	return c, nil
}

// AttachRecording stores the recording and hands newly attached ones to the analysis sink.
func (in *Ingress) AttachRecording(ctx context.Context, provider string, re RecordingEvent) error {
	log := in.logger(ctx).With("provider", provider, "provider_call_id", re.ProviderCallID)

	var changed bool
	c, err := retryNotFound(ctx, in.window, in.initial, func() (calls.Call, error) {
		c, ch, err := in.calls.AttachRecording(ctx, re.ProviderCallID, re.Recording)
		changed = ch
		return c, err
	})
	if err != nil {
		metrics.WebhookRequests.WithLabelValues(provider, "recording", "dead_lettered").Inc()
		log.Error("recording not attached", "err", err)
		if in.dlq != nil {
			in.dlq.Record(ctx, deadletter.TaskRecordingDownload, "", recordingUpdate{Provider: provider, Event: re}, err)
		}
		return err
	}
	if !changed {
		metrics.WebhookRequests.WithLabelValues(provider, "recording", string(calls.OutcomeIgnored)).Inc()
		return nil
	}
	metrics.WebhookRequests.WithLabelValues(provider, "recording", string(calls.OutcomeApplied)).Inc()
	log.Info("recording attached", "tenant_id", c.TenantID, "recording_sid", re.Recording.SID)
	if in.sink != nil {
		in.sink.RecordingReady(ctx, c, re.Recording)
	}
	return nil
}

// RecordInbound registers a provider-originated call on first sight.
func (in *Ingress) RecordInbound(ctx context.Context, call calls.InboundCall) (calls.Call, error) {
	c, err := in.calls.RecordInbound(ctx, call)
	if err != nil {
		in.logger(ctx).Error("record provider call failed", "provider", call.Provider, "provider_call_id", call.ProviderCallID, "err", err)
		return calls.Call{}, err
	}
	return c, nil
}

// ReplayStatusUpdate is the status_update dead-letter handler.
func (in *Ingress) ReplayStatusUpdate(ctx context.Context, e deadletter.Entry) error {
	var p statusUpdate
	if err := e.Decode(&p); err != nil {
		return deadletter.Permanent(fmt.Errorf("decode status update: %w", err))
	}
	_, _, err := in.calls.ApplyEvent(ctx, p.Event)
	if errors.Is(err, calls.ErrInvalidEvent) {
		return deadletter.Permanent(err)
	}
	return err
}

// ReplayRecording is the recording_download dead-letter handler.
func (in *Ingress) ReplayRecording(ctx context.Context, e deadletter.Entry) error {
	var p recordingUpdate
	if err := e.Decode(&p); err != nil {
		return deadletter.Permanent(fmt.Errorf("decode recording update: %w", err))
	}
	c, changed, err := in.calls.AttachRecording(ctx, p.Event.ProviderCallID, p.Event.Recording)
	if errors.Is(err, calls.ErrInvalidRequest) {
		return deadletter.Permanent(err)
	}
	if err != nil {
		return err
	}
	if changed && in.sink != nil {
		in.sink.RecordingReady(ctx, c, p.Event.Recording)
	}
	return nil
}

// retryNotFound retries op while it reports ErrCallNotFound; any other error stops at once.
func retryNotFound[T any](ctx context.Context, window, initial time.Duration, op func() (T, error)) (T, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = initial
	b.MaxInterval = window
	return backoff.Retry(ctx, func() (T, error) {
		v, err := op()
		if err != nil && !errors.Is(err, calls.ErrCallNotFound) {
			return v, backoff.Permanent(err)
		}
		return v, err
	}, backoff.WithBackOff(b), backoff.WithMaxElapsedTime(window))
}

func (in *Ingress) logger(ctx context.Context) *slog.Logger {
	if l := logger.From(ctx); l != slog.Default() {
		return l
	}
	return in.log
}
