// Package analysis hands finished recordings to the external AI analysis pipeline.
package analysis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"voip-platform/internal/calls"
	"voip-platform/internal/config"
	"voip-platform/internal/deadletter"
	"voip-platform/internal/metrics"
	"voip-platform/pkg/logger"

	"github.com/go-resty/resty/v2"
)

var ErrNotConfigured = errors.New("analysis: endpoint not configured")

// DeadLetters records failed submissions.
type DeadLetters interface {
	Record(ctx context.Context, taskType, tenantID string, payload any, cause error)
}

// Request is the body posted to the analysis endpoint and the ai_analysis dead-letter payload.
type Request struct {
	CallID          string `json:"call_id"`
	ProviderCallID  string `json:"provider_call_id"`
	TenantID        string `json:"tenant_id"`
	RecordingSID    string `json:"recording_sid,omitempty"`
	RecordingURL    string `json:"recording_url"`
	DurationSeconds int    `json:"duration"`
	Channels        int    `json:"channels"`
}

type Options struct {
	DeadLetters DeadLetters
	Logger      *slog.Logger

	// Go runs a submission off the caller's goroutine. Defaults to a plain goroutine.
	Go func(func())
}

// Client is fire-and-forget from the webhook's point of view: RecordingReady
// returns immediately and failures land in the dead-letter store.
type Client struct {
	http *resty.Client
	url  string
	dlq  DeadLetters
	log  *slog.Logger
	run  func(func())
}

func NewClient(cfg config.AnalysisConfig, opts Options) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	h := resty.New().
		SetTimeout(timeout).
		SetHeader("Content-Type", "application/json")
	if cfg.APIKey != "" {
		h.SetAuthToken(cfg.APIKey)
	}
	c := &Client{http: h, url: cfg.URL, dlq: opts.DeadLetters, log: opts.Logger, run: opts.Go}
	if c.log == nil {
		c.log = slog.Default()
	}
	if c.run == nil {
		c.run = func(f func()) { go f() }
	}
	return c
}

// RecordingReady queues an analysis submission for a newly attached recording.
func (c *Client) RecordingReady(ctx context.Context, call calls.Call, rec calls.Recording) {
	if c.url == "" {
		return
	}
	req := Request{
		CallID:          call.ID,
		ProviderCallID:  call.ProviderCallID,
		TenantID:        call.TenantID,
		RecordingSID:    rec.SID,
		RecordingURL:    rec.URL,
		DurationSeconds: rec.DurationSeconds,
		Channels:        rec.Channels,
	}
	dctx := context.WithoutCancel(ctx)
	c.run(func() {
		if err := c.Submit(dctx, req); err != nil {
			c.logger(dctx).Error("analysis submission failed", "call_id", req.CallID, "tenant_id", req.TenantID, "err", err)
			if c.dlq != nil {
				c.dlq.Record(dctx, deadletter.TaskAIAnalysis, req.TenantID, req, err)
			}
		}
	})
}

// Submit posts req to the analysis endpoint.
func (c *Client) Submit(ctx context.Context, req Request) error {
	if c.url == "" {
		return ErrNotConfigured
	}
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(req).
		Post(c.url)
	if err != nil {
		metrics.AnalysisSubmissions.WithLabelValues("failed").Inc()
		return fmt.Errorf("analysis post: %w", err)
	}
	if resp.IsError() {
		metrics.AnalysisSubmissions.WithLabelValues("failed").Inc()
		return fmt.Errorf("analysis post: status %d", resp.StatusCode())
	}
	metrics.AnalysisSubmissions.WithLabelValues("accepted").Inc()
	c.logger(ctx).Info("recording sent to analysis", "call_id", req.CallID, "tenant_id", req.TenantID)
	return nil
}

// ReplayDeadLetter is the ai_analysis dead-letter handler. It re-posts the stored payload.
func (c *Client) ReplayDeadLetter(ctx context.Context, e deadletter.Entry) error {
	var req Request
	if err := e.Decode(&req); err != nil {
		return deadletter.Permanent(fmt.Errorf("decode analysis request: %w", err))
	}
	if req.RecordingURL == "" {
		return deadletter.Permanent(errors.New("analysis request without recording url"))
	}
	err := c.Submit(ctx, req)
	if errors.Is(err, ErrNotConfigured) {
		return deadletter.Permanent(err)
	}
	return err
}

func (c *Client) logger(ctx context.Context) *slog.Logger {
	if l := logger.From(ctx); l != slog.Default() {
		return l
	}
	return c.log
}
