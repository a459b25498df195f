package deadletter

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"voip-platform/internal/metrics"
)

// Handler replays one entry. It must be idempotent: replaying work that
// already happened should detect "nothing to do" and return nil.
type Handler func(ctx context.Context, e Entry) error

type SweeperOptions struct {
	Interval    time.Duration
	BatchSize   int
	MaxAttempts int

	// StaleAfter reclaims entries stuck in retried (e.g. the sweeping process died).
	StaleAfter time.Duration

	Logger *slog.Logger
}

// Sweeper periodically replays pending entries through registered handlers.
type Sweeper struct {
	repo Repo
	opts SweeperOptions
	log  *slog.Logger

	mu       sync.RWMutex
	handlers map[string]Handler

	clock func() time.Time
}

func NewSweeper(repo Repo, opts SweeperOptions) *Sweeper {
	if opts.Interval <= 0 {
		opts.Interval = 30 * time.Second
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 20
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 5
	}
	if opts.StaleAfter <= 0 {
		opts.StaleAfter = 10 * time.Minute
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Sweeper{
		repo:     repo,
		opts:     opts,
		log:      log,
		handlers: make(map[string]Handler),
		clock:    time.Now,
	}
}

// Handle registers h for taskType, replacing any previous handler.
func (s *Sweeper) Handle(taskType string, h Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[taskType] = h
}

func (s *Sweeper) handler(taskType string) (Handler, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	h, ok := s.handlers[taskType]
	return h, ok
}

// Run sweeps on every tick until ctx is done.
func (s *Sweeper) Run(ctx context.Context) error {
	t := time.NewTicker(s.opts.Interval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			if _, err := s.SweepOnce(ctx); err != nil && !errors.Is(err, context.Canceled) {
				s.log.Error("dead letter sweep failed", "err", err)
			}
		}
	}
}

// SweepOnce claims one batch and dispatches it. It returns how many entries resolved.
func (s *Sweeper) SweepOnce(ctx context.Context) (int, error) {
	now := s.clock().UTC()
	batch, err := s.repo.ClaimPending(ctx, s.opts.BatchSize, now.Add(-s.opts.StaleAfter), now)
	if err != nil {
		return 0, fmt.Errorf("claim pending: %w", err)
	}

	resolved := 0
	for _, e := range batch {
		if ctx.Err() != nil {
			return resolved, ctx.Err()
		}
		if s.dispatch(ctx, e) == StatusResolved {
			resolved++
		}
	}
	return resolved, nil
}

// Replay dispatches one entry immediately, regardless of its attempt count.
func (s *Sweeper) Replay(ctx context.Context, id string) (Entry, error) {
	e, err := s.repo.Claim(ctx, id, s.clock().UTC())
	if err != nil {
		return Entry{}, err
	}
	s.dispatch(ctx, e)
	return s.repo.Get(ctx, id)
}

// Abandon marks an entry as given up without replaying it.
func (s *Sweeper) Abandon(ctx context.Context, id, reason string) (Entry, error) {
	e, err := s.repo.Get(ctx, id)
	if err != nil {
		return Entry{}, err
	}
	if e.Status == StatusResolved {
		return Entry{}, ErrNotReplayable
	}
	if err := s.repo.Finish(ctx, id, StatusAbandoned, reason, s.clock().UTC()); err != nil {
		return Entry{}, err
	}
	metrics.DeadLetters.WithLabelValues(e.TaskType, "abandoned").Inc()
	return s.repo.Get(ctx, id)
}

func (s *Sweeper) dispatch(ctx context.Context, e Entry) Status {
	log := s.log.With("dead_letter_id", e.ID, "task_type", e.TaskType, "tenant_id", e.TenantID, "attempts", e.Attempts)

	err := s.invoke(ctx, e)
	next := StatusResolved
	msg := ""
	switch {
	case err == nil:
	case errors.Is(err, ErrNoHandler), isPermanent(err), e.Attempts >= s.opts.MaxAttempts:
		next = StatusAbandoned
		msg = err.Error()
	default:
		next = StatusPending
		msg = err.Error()
	}

	if ferr := s.repo.Finish(context.WithoutCancel(ctx), e.ID, next, msg, s.clock().UTC()); ferr != nil {
		log.Error("dead letter finish failed", "err", ferr, "status", next)
	}

	switch next {
	case StatusResolved:
		metrics.DeadLetters.WithLabelValues(e.TaskType, "resolved").Inc()
		log.Info("dead letter resolved")
	case StatusAbandoned:
		metrics.DeadLetters.WithLabelValues(e.TaskType, "abandoned").Inc()
		log.Error("dead letter abandoned", "err", err)
	default:
		metrics.DeadLetters.WithLabelValues(e.TaskType, "failed").Inc()
		log.Warn("dead letter replay failed", "err", err)
	}
	return next
}

func (s *Sweeper) invoke(ctx context.Context, e Entry) (err error) {
	h, ok := s.handler(e.TaskType)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoHandler, e.TaskType)
	}
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("handler panic: %v", p)
		}
	}()
	return h(ctx, e)
}
