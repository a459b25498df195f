package billing

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore is an in-process Store. One mutex stands in for the account row lock.
type MemoryStore struct {
	mu       sync.Mutex
	accounts map[string]Account
	txs      []Transaction
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{accounts: make(map[string]Account)}
}

// PutAccount creates or replaces the tenant's account.
func (s *MemoryStore) PutAccount(a Account) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	s.accounts[a.TenantID] = a
}

func (s *MemoryStore) Post(ctx context.Context, p Posting, now time.Time) (Transaction, Account, bool, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.accounts[p.TenantID]
	if !ok {
		return Transaction{}, Account{}, false, ErrAccountNotFound
	}
	if p.ReferenceID != "" {
		for _, t := range s.txs {
			if t.ReferenceType == p.ReferenceType && t.ReferenceID == p.ReferenceID && t.Type == p.Type {
				return t, a, true, nil
			}
		}
	}

	a.BalanceMinutes = a.BalanceMinutes.Add(p.AmountMinutes)
	a.BalanceCurrency = a.BalanceCurrency.Add(p.AmountCurrency)
	a.UpdatedAt = now
	s.accounts[p.TenantID] = a

	t := Transaction{
		ID:                   uuid.NewString(),
		TenantID:             p.TenantID,
		BillingAccountID:     a.ID,
		Type:                 p.Type,
		AmountMinutes:        p.AmountMinutes,
		AmountCurrency:       p.AmountCurrency,
		BalanceAfterMinutes:  a.BalanceMinutes,
		BalanceAfterCurrency: a.BalanceCurrency,
		ReferenceID:          p.ReferenceID,
		ReferenceType:        p.ReferenceType,
		Description:          p.Description,
		Metadata:             p.Metadata,
		CreatedAt:            now,
	}
	s.txs = append(s.txs, t)
	return t, a, false, nil
}

func (s *MemoryStore) Account(ctx context.Context, tenantID string) (Account, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.accounts[tenantID]
	if !ok {
		return Account{}, ErrAccountNotFound
	}
	return a, nil
}

func (s *MemoryStore) Transactions(ctx context.Context, tenantID string, limit int) ([]Transaction, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []Transaction
	for _, t := range s.txs {
		if t.TenantID == tenantID {
			out = append(out, t)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
