package deadletter

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryRepo is an in-memory Repo for tests and local runs.
type MemoryRepo struct {
	mu      sync.Mutex
	entries map[string]Entry

	// FailInsert makes Insert fail, to exercise the best-effort recorder path.
	FailInsert error
}

func NewMemoryRepo() *MemoryRepo {
	return &MemoryRepo{entries: make(map[string]Entry)}
}

func (r *MemoryRepo) Insert(ctx context.Context, e Entry) error {
	_ = ctx
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.FailInsert != nil {
		return r.FailInsert
	}
	r.entries[e.ID] = e
	return nil
}

func (r *MemoryRepo) Get(ctx context.Context, id string) (Entry, error) {
	_ = ctx
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	if !ok {
		return Entry{}, ErrNotFound
	}
	return e, nil
}

func (r *MemoryRepo) List(ctx context.Context, f Filter) ([]Entry, error) {
	_ = ctx
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []Entry
	for _, e := range r.entries {
		if f.TenantID != "" && e.TenantID != f.TenantID {
			continue
		}
		if f.Status != "" && e.Status != f.Status {
			continue
		}
		if f.TaskType != "" && e.TaskType != f.TaskType {
			continue
		}
		out = append(out, e)
	}
	sortByCreated(out)
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (r *MemoryRepo) ClaimPending(ctx context.Context, limit int, staleBefore, now time.Time) ([]Entry, error) {
	_ = ctx
	r.mu.Lock()
	defer r.mu.Unlock()

	var due []Entry
	for _, e := range r.entries {
		stale := e.Status == StatusRetried && e.LastAttemptAt != nil && e.LastAttemptAt.Before(staleBefore)
		if e.Status == StatusPending || stale {
			due = append(due, e)
		}
	}
	sortByCreated(due)
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	for i := range due {
		due[i] = r.claimLocked(due[i], now)
	}
	return due, nil
}

func (r *MemoryRepo) Claim(ctx context.Context, id string, now time.Time) (Entry, error) {
	_ = ctx
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	if !ok {
		return Entry{}, ErrNotFound
	}
	if e.Status == StatusResolved {
		return Entry{}, ErrNotReplayable
	}
	return r.claimLocked(e, now), nil
}

func (r *MemoryRepo) claimLocked(e Entry, now time.Time) Entry {
	t := now
	e.Status = StatusRetried
	e.Attempts++
	e.LastAttemptAt = &t
	e.UpdatedAt = now
	r.entries[e.ID] = e
	return e
}

func (r *MemoryRepo) Finish(ctx context.Context, id string, status Status, errMsg string, now time.Time) error {
	_ = ctx
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	if !ok {
		return ErrNotFound
	}
	e.Status = status
	if errMsg != "" {
		e.ErrorMessage = errMsg
	}
	if status == StatusResolved || status == StatusAbandoned {
		t := now
		e.ResolvedAt = &t
	}
	e.UpdatedAt = now
	r.entries[id] = e
	return nil
}

func sortByCreated(es []Entry) {
	sort.Slice(es, func(i, j int) bool {
		if !es[i].CreatedAt.Equal(es[j].CreatedAt) {
			return es[i].CreatedAt.Before(es[j].CreatedAt)
		}
		return es[i].ID < es[j].ID
	})
}
