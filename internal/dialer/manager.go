package dialer

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"voip-platform/internal/metrics"
)

type ManagerOptions struct {
	Placer   Placer
	Contacts ContactStore
	Items    ItemStore

	// CallerID is used when a load request names no caller id.
	CallerID string

	InterCallDelay time.Duration
	WrapUpDuration time.Duration
	Schedule       Scheduler
	Logger         *slog.Logger
}

// Manager owns one Queue per tenant campaign.
// Queues are created on load and discarded on stop.
type Manager struct {
	opts ManagerOptions

	mu     sync.Mutex
	queues map[queueKey]*Queue
}

type queueKey struct{ tenantID, campaignID string }

func NewManager(opts ManagerOptions) *Manager {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Manager{opts: opts, queues: make(map[queueKey]*Queue)}
}

// LoadRequest starts a campaign run.
type LoadRequest struct {
	TenantID   string
	CampaignID string
	UserID     string
	CallerID   string
}

// Load creates the campaign's queue, or reloads an idle one.
func (m *Manager) Load(ctx context.Context, req LoadRequest) (*Queue, Snapshot, error) {
	key := queueKey{req.TenantID, req.CampaignID}

	m.mu.Lock()
	q, ok := m.queues[key]
	if !ok {
		callerID := req.CallerID
		if callerID == "" {
			callerID = m.opts.CallerID
		}
		q = NewQueue(Options{
			TenantID:       req.TenantID,
			CampaignID:     req.CampaignID,
			UserID:         req.UserID,
			CallerID:       callerID,
			Placer:         m.opts.Placer,
			Contacts:       m.opts.Contacts,
			Items:          m.opts.Items,
			InterCallDelay: m.opts.InterCallDelay,
			WrapUpDuration: m.opts.WrapUpDuration,
			Schedule:       m.opts.Schedule,
			Logger:         m.opts.Logger,
		})
		m.queues[key] = q
		metrics.DialerQueues.Inc()
	}
	m.mu.Unlock()

	snap, err := q.LoadCampaign(ctx)
	if err != nil {
		if !ok {
			m.discard(key, q)
		}
		return nil, Snapshot{}, err
	}
	return q, snap, nil
}

// Get returns the loaded queue for a campaign.
func (m *Manager) Get(tenantID, campaignID string) (*Queue, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	q, ok := m.queues[queueKey{tenantID, campaignID}]
	if !ok {
		return nil, ErrQueueNotLoaded
	}
	return q, nil
}

// Stop ends the campaign run and discards its queue.
func (m *Manager) Stop(ctx context.Context, tenantID, campaignID string) (Snapshot, error) {
	key := queueKey{tenantID, campaignID}
	q, err := m.Get(tenantID, campaignID)
	if err != nil {
		return Snapshot{}, err
	}
	if err := q.Stop(ctx); err != nil {
		return Snapshot{}, err
	}
	snap := q.Snapshot()
	m.discard(key, q)
	return snap, nil
}

// Shutdown stops every queue. Used on process exit.
func (m *Manager) Shutdown(ctx context.Context) {
	m.mu.Lock()
	all := make(map[queueKey]*Queue, len(m.queues))
	for k, q := range m.queues {
		all[k] = q
	}
	m.mu.Unlock()

	for k, q := range all {
		_ = q.Stop(ctx)
		m.discard(k, q)
	}
}

// Len reports loaded queues.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.queues)
}

func (m *Manager) discard(key queueKey, q *Queue) {
	m.mu.Lock()
	cur, ok := m.queues[key]
	if ok && cur == q {
		delete(m.queues, key)
		metrics.DialerQueues.Dec()
	}
	m.mu.Unlock()
	if ok && cur == q {
		q.Close()
	}
}
