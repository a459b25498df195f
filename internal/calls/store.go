package calls

import (
	"context"

	"github.com/shopspring/decimal"
)

// MutateFunc edits a locked call in place and reports whether it changed.
// Returning false skips the write.
type MutateFunc func(c *Call) (changed bool, err error)

// Store persists calls. Mutations run under a per-row lock so concurrent
// events for one call serialize.
type Store interface {
	Create(ctx context.Context, c Call) error
	GetByID(ctx context.Context, id string) (Call, error)

	// GetByProviderID also matches the metadata correlation id.
	GetByProviderID(ctx context.Context, providerCallID string) (Call, error)

	Mutate(ctx context.Context, providerCallID string, fn MutateFunc) (Call, error)
	MutateByID(ctx context.Context, id string, fn MutateFunc) (Call, error)

	SetCost(ctx context.Context, id string, ratePerMinute, totalCost decimal.Decimal) error
}
