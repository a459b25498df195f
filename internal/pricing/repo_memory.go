package pricing

import (
	"context"
	"sync"
)

// MemoryRepo is a simple in-memory rate card source useful for tests and local runs.
type MemoryRepo struct {
	mu    sync.RWMutex
	Cards []RateCard
}

func (r *MemoryRepo) ActiveRateCards(ctx context.Context) ([]RateCard, error) {
	_ = ctx
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]RateCard, 0, len(r.Cards))
	for _, c := range r.Cards {
		if c.IsActive {
			out = append(out, c)
		}
	}
	return out, nil
}

func (r *MemoryRepo) Put(c RateCard) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range r.Cards {
		if r.Cards[i].ID == c.ID {
			r.Cards[i] = c
			return
		}
	}
	r.Cards = append(r.Cards, c)
}
