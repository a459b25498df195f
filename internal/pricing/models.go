package pricing

import (
	"time"

	"github.com/shopspring/decimal"
)

// RateCard is a destination tariff. Cards are managed by admin tooling and
// are read-only here.
type RateCard struct {
	ID string `json:"id" db:"id"`

	// Prefix is matched against the digits of the destination (e.g. "+5511").
	Prefix string `json:"prefix" db:"prefix"`

	RatePerMinute decimal.Decimal `json:"rate_per_minute" db:"rate_per_minute"`

	// BillingIncrement is the rounding granularity in seconds (e.g. 6, 60).
	BillingIncrement int `json:"billing_increment" db:"billing_increment"`

	ConnectionFee decimal.Decimal `json:"connection_fee" db:"connection_fee"`

	IsActive bool `json:"is_active" db:"is_active"`

	// DestinationType examples: mobile, landline, international.
	DestinationType string `json:"destination_type" db:"destination_type"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// Tariff is the outcome of rate resolution for one destination.
type Tariff struct {
	RatePerMinute    decimal.Decimal `json:"rate_per_minute"`
	IncrementSeconds int             `json:"increment_seconds"`
	ConnectionFee    decimal.Decimal `json:"connection_fee"`
	DestinationType  string          `json:"destination_type"`

	// Prefix and CardID are empty when the fallback tariff was used.
	Prefix   string `json:"prefix,omitempty"`
	CardID   string `json:"card_id,omitempty"`
	Fallback bool   `json:"fallback"`
}

// IsZero reports whether t carries no usable rate.
func (t Tariff) IsZero() bool {
	return t.IncrementSeconds <= 0 && t.RatePerMinute.IsZero() && t.ConnectionFee.IsZero()
}

// Charge is the priced result of applying a tariff to billable seconds.
type Charge struct {
	BillableSeconds int `json:"billable_seconds"`
	Increments      int `json:"increments"`
	BilledSeconds   int `json:"billed_seconds"`

	BilledMinutes decimal.Decimal `json:"billed_minutes"`
	Total         decimal.Decimal `json:"total"`
}
