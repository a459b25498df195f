package realtime

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"voip-platform/internal/metrics"

	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"
)

// Stream is one tenant subscription.
type Stream interface {
	Messages() <-chan string
	Close() error
}

// Feed opens tenant subscriptions.
type Feed interface {
	Listen(ctx context.Context, tenantID string) (Stream, error)
}

// RedisFeed subscribes to tenant channels over Redis pub/sub.
type RedisFeed struct {
	rdb redis.UniversalClient
}

func NewRedisFeed(rdb redis.UniversalClient) *RedisFeed {
	return &RedisFeed{rdb: rdb}
}

func (f *RedisFeed) Listen(ctx context.Context, tenantID string) (Stream, error) {
	ps := f.rdb.Subscribe(ctx, Channel(tenantID))
	// Receive waits for the subscription confirmation so errors surface here.
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, err
	}
	s := &redisStream{ps: ps, out: make(chan string, 64), done: make(chan struct{})}
	go s.pump()
	return s, nil
}

type redisStream struct {
	ps   *redis.PubSub
	out  chan string
	done chan struct{}
	once sync.Once
}

func (s *redisStream) pump() {
	defer close(s.out)
	for m := range s.ps.Channel() {
		select {
		case s.out <- m.Payload:
		case <-s.done:
			return
		}
	}
}

func (s *redisStream) Messages() <-chan string { return s.out }

func (s *redisStream) Close() error {
	s.once.Do(func() { close(s.done) })
	return s.ps.Close()
}

type HubOptions struct {
	PingInterval time.Duration
	WriteTimeout time.Duration
	// CheckOrigin defaults to allowing any origin; CORS is enforced before the upgrade.
	CheckOrigin func(r *http.Request) bool
	Logger      *slog.Logger
}

// Hub serves dashboard websockets, one tenant stream per connection.
type Hub struct {
	feed     Feed
	upgrader websocket.Upgrader
	ping     time.Duration
	write    time.Duration
	log      *slog.Logger
}

func NewHub(feed Feed, opts HubOptions) *Hub {
	if opts.PingInterval <= 0 {
		opts.PingInterval = 30 * time.Second
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 10 * time.Second
	}
	if opts.CheckOrigin == nil {
		opts.CheckOrigin = func(r *http.Request) bool { return true }
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Hub{
		feed: feed,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     opts.CheckOrigin,
		},
		ping:  opts.PingInterval,
		write: opts.WriteTimeout,
		log:   opts.Logger,
	}
}

// Serve upgrades the request and forwards tenantID's changes until either side goes away.
// The caller must have authorized tenantID.
func (h *Hub) Serve(w http.ResponseWriter, r *http.Request, tenantID string) {
	log := h.log.With("tenant_id", tenantID)

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error.
		log.Warn("websocket upgrade failed", "err", err)
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(context.WithoutCancel(r.Context()))
	defer cancel()

	stream, err := h.feed.Listen(ctx, tenantID)
	if err != nil {
		log.Error("realtime subscribe failed", "err", err)
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseInternalServerErr, "subscribe failed"),
			time.Now().Add(h.write))
		return
	}
	defer stream.Close()

	metrics.RealtimeConnections.Inc()
	defer metrics.RealtimeConnections.Dec()

	// Reads only detect close; clients send nothing meaningful.
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(h.ping)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-stream.Messages():
			if !ok {
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(h.write))
			if err := conn.WriteMessage(websocket.TextMessage, []byte(msg)); err != nil {
				log.Debug("websocket write failed", "err", err)
				return
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(h.write)); err != nil {
				return
			}
		}
	}
}
