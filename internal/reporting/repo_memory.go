package reporting

import (
	"context"
	"errors"
	"sync"
	"time"

	"voip-platform/internal/billing"
	"voip-platform/internal/calls"
)

// MemoryRepo is an in-memory reporting repository for tests and local runs.
// It enforces tenant isolation on reads.
type MemoryRepo struct {
	mu sync.Mutex

	Calls        []calls.Call
	Transactions []billing.Transaction
}

func NewMemoryRepo() *MemoryRepo { return &MemoryRepo{} }

func inRange(t, from, to time.Time) bool {
	return !t.Before(from) && t.Before(to)
}

func (r *MemoryRepo) ListCalls(ctx context.Context, tenantID string, from, to time.Time, campaignID string) ([]calls.Call, error) {
	if tenantID == "" {
		return nil, errors.New("tenant_id required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]calls.Call, 0)
	for _, c := range r.Calls {
		if c.TenantID != tenantID || !inRange(c.CreatedAt, from, to) {
			continue
		}
		if campaignID != "" && c.CampaignID != campaignID {
			continue
		}
		out = append(out, c)
	}
	return out, nil
}

func (r *MemoryRepo) ListTransactions(ctx context.Context, tenantID string, from, to time.Time) ([]billing.Transaction, error) {
	if tenantID == "" {
		return nil, errors.New("tenant_id required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]billing.Transaction, 0)
	for _, t := range r.Transactions {
		if t.TenantID == tenantID && inRange(t.CreatedAt, from, to) {
			out = append(out, t)
		}
	}
	return out, nil
}
