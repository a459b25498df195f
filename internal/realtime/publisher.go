// Package realtime fans committed call changes out to dashboards.
//
// Changes are published to Redis channel realtime:tenant:<id>, so every API
// process can serve any tenant's websocket regardless of where the change
// was committed.
package realtime

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"voip-platform/internal/calls"
	"voip-platform/internal/metrics"

	"github.com/redis/go-redis/v9"
)

const (
	TypeInsert = "INSERT"
	TypeUpdate = "UPDATE"
)

// Message is one change event as dashboards receive it.
type Message struct {
	Table     string `json:"table"`
	Type      string `json:"type"`
	Record    any    `json:"record"`
	OldRecord any    `json:"old_record,omitempty"`
}

// Channel is the Redis channel carrying tenantID's changes.
func Channel(tenantID string) string {
	return "realtime:tenant:" + tenantID
}

type envelope struct {
	tenantID string
	msg      Message
}

type PublisherOptions struct {
	// Buffer bounds changes waiting to be published. Overflow is dropped and counted.
	Buffer  int
	Timeout time.Duration
	Logger  *slog.Logger
}

// Publisher is a calls.Observer. OnCallChanged never blocks the committing
// goroutine; Run drains the buffer into Redis.
type Publisher struct {
	rdb     redis.Cmdable
	queue   chan envelope
	timeout time.Duration
	log     *slog.Logger
}

func NewPublisher(rdb redis.Cmdable, opts PublisherOptions) *Publisher {
	if opts.Buffer <= 0 {
		opts.Buffer = 1024
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 2 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Publisher{
		rdb:     rdb,
		queue:   make(chan envelope, opts.Buffer),
		timeout: opts.Timeout,
		log:     opts.Logger,
	}
}

func (p *Publisher) OnCallChanged(ctx context.Context, ch calls.Change) {
	m := Message{Table: "calls", Type: TypeUpdate, Record: ch.Call}
	if ch.Created {
		m.Type = TypeInsert
	} else {
		m.OldRecord = ch.Previous
	}
	p.Enqueue(ch.Call.TenantID, m)
}

// Enqueue schedules m for tenantID without blocking.
func (p *Publisher) Enqueue(tenantID string, m Message) bool {
	if tenantID == "" {
		return false
	}
	select {
	case p.queue <- envelope{tenantID: tenantID, msg: m}:
		return true
	default:
		metrics.RealtimePublishes.WithLabelValues("dropped").Inc()
		p.log.Warn("realtime buffer full, change dropped", "tenant_id", tenantID, "table", m.Table)
		return false
	}
}

// Run publishes buffered changes until ctx is done.
func (p *Publisher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case e := <-p.queue:
			_ = p.Publish(ctx, e.tenantID, e.msg)
		}
	}
}

// Publish sends m to the tenant channel now.
func (p *Publisher) Publish(ctx context.Context, tenantID string, m Message) error {
	raw, err := json.Marshal(m)
	if err != nil {
		metrics.RealtimePublishes.WithLabelValues("failed").Inc()
		return err
	}
	pctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	if err := p.rdb.Publish(pctx, Channel(tenantID), raw).Err(); err != nil {
		metrics.RealtimePublishes.WithLabelValues("failed").Inc()
		p.log.Warn("realtime publish failed", "tenant_id", tenantID, "table", m.Table, "err", err)
		return err
	}
	metrics.RealtimePublishes.WithLabelValues("published").Inc()
	return nil
}
