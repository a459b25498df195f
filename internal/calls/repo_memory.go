package calls

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// MemoryRepo is an in-memory Store for tests and local runs.
// One mutex serializes every mutation, which is the in-process analogue of the row lock.
type MemoryRepo struct {
	mu    sync.Mutex
	calls map[string]Call
	clock func() time.Time
}

func NewMemoryRepo() *MemoryRepo {
	return &MemoryRepo{calls: make(map[string]Call), clock: time.Now}
}

func (r *MemoryRepo) Create(ctx context.Context, c Call) error {
	_ = ctx
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.calls[c.ID]; ok {
		return ErrDuplicateCall
	}
	if key := c.CorrelationID(); key != "" {
		if _, ok := r.findLocked(key); ok {
			return ErrDuplicateCall
		}
	}
	r.calls[c.ID] = c.clone()
	return nil
}

func (r *MemoryRepo) GetByID(ctx context.Context, id string) (Call, error) {
	_ = ctx
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.calls[id]
	if !ok {
		return Call{}, ErrCallNotFound
	}
	return c.clone(), nil
}

func (r *MemoryRepo) GetByProviderID(ctx context.Context, providerCallID string) (Call, error) {
	_ = ctx
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.findLocked(providerCallID)
	if !ok {
		return Call{}, ErrCallNotFound
	}
	return c.clone(), nil
}

func (r *MemoryRepo) Mutate(ctx context.Context, providerCallID string, fn MutateFunc) (Call, error) {
	_ = ctx
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.findLocked(providerCallID)
	if !ok {
		return Call{}, ErrCallNotFound
	}
	return r.mutateLocked(c, fn)
}

func (r *MemoryRepo) MutateByID(ctx context.Context, id string, fn MutateFunc) (Call, error) {
	_ = ctx
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.calls[id]
	if !ok {
		return Call{}, ErrCallNotFound
	}
	return r.mutateLocked(c, fn)
}

func (r *MemoryRepo) SetCost(ctx context.Context, id string, ratePerMinute, totalCost decimal.Decimal) error {
	_ = ctx
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.calls[id]
	if !ok {
		return ErrCallNotFound
	}
	c.RatePerMinute = decimal.NewNullDecimal(ratePerMinute)
	c.TotalCost = decimal.NewNullDecimal(totalCost)
	c.UpdatedAt = r.clock().UTC()
	r.calls[id] = c
	return nil
}

// All returns every stored call. Intended for tests and reporting fakes.
func (r *MemoryRepo) All() []Call {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Call, 0, len(r.calls))
	for _, c := range r.calls {
		out = append(out, c.clone())
	}
	return out
}

func (r *MemoryRepo) mutateLocked(c Call, fn MutateFunc) (Call, error) {
	work := c.clone()
	changed, err := fn(&work)
	if err != nil {
		return Call{}, err
	}
	if !changed {
		return c.clone(), nil
	}
	if work.BillableSeconds > work.DurationSeconds {
		work.BillableSeconds = work.DurationSeconds
	}
	r.calls[c.ID] = work.clone()
	return work, nil
}

func (r *MemoryRepo) findLocked(key string) (Call, bool) {
	if key == "" {
		return Call{}, false
	}
	for _, c := range r.calls {
		if c.ProviderCallID == key || c.Metadata.String(MetaCallControlID) == key {
			return c, true
		}
	}
	return Call{}, false
}
