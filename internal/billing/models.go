package billing

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

// Account is a tenant's prepaid balance.
// Invariant: every balance change is paired with exactly one Transaction.
type Account struct {
	ID       string `json:"id" db:"id"`
	TenantID string `json:"tenant_id" db:"tenant_id"`

	BalanceMinutes  decimal.Decimal `json:"balance_minutes" db:"balance_minutes"`
	BalanceCurrency decimal.Decimal `json:"balance_currency" db:"balance_currency"`

	// CreditLimitMinutes is how far below zero the minute balance may go
	// before new placements are refused.
	CreditLimitMinutes decimal.Decimal `json:"credit_limit_minutes" db:"credit_limit_minutes"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// HasCredit reports whether the minute balance is still above the credit floor.
func (a Account) HasCredit() bool {
	return a.BalanceMinutes.GreaterThan(a.CreditLimitMinutes.Neg())
}

// Transaction is an immutable ledger entry. Debits carry negative amounts.
type Transaction struct {
	ID               string          `json:"id" db:"id"`
	TenantID         string          `json:"tenant_id" db:"tenant_id"`
	BillingAccountID string          `json:"billing_account_id" db:"billing_account_id"`
	Type             TransactionType `json:"type" db:"type"`

	AmountMinutes  decimal.Decimal `json:"amount_minutes" db:"amount_minutes"`
	AmountCurrency decimal.Decimal `json:"amount_currency" db:"amount_currency"`

	BalanceAfterMinutes  decimal.Decimal `json:"balance_after_minutes" db:"balance_after_minutes"`
	BalanceAfterCurrency decimal.Decimal `json:"balance_after_currency" db:"balance_after_currency"`

	// ReferenceType/ReferenceID/Type is the idempotency key.
	ReferenceID   string `json:"reference_id,omitempty" db:"reference_id"`
	ReferenceType string `json:"reference_type,omitempty" db:"reference_type"`

	Description string          `json:"description" db:"description"`
	Metadata    json.RawMessage `json:"metadata,omitempty" db:"metadata"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

type TransactionType string

const (
	TransactionCallDebit TransactionType = "call_debit"
	TransactionCredit    TransactionType = "credit"
)

const (
	ReferenceCall    = "call"
	ReferencePayment = "payment"
)

// debitDetails is stored as the metadata of a call_debit transaction.
type debitDetails struct {
	RatePerMinute    decimal.Decimal `json:"rate_per_minute"`
	BillingIncrement int             `json:"billing_increment"`
	ConnectionFee    decimal.Decimal `json:"connection_fee"`
	DestinationType  string          `json:"destination_type,omitempty"`
	BilledSeconds    int             `json:"billed_seconds"`
	ProviderCallID   string          `json:"provider_call_id"`
	Fallback         bool            `json:"fallback_rate,omitempty"`
}

// Posting is one balance change requested of a Store.
type Posting struct {
	TenantID       string
	Type           TransactionType
	AmountMinutes  decimal.Decimal
	AmountCurrency decimal.Decimal
	ReferenceID    string
	ReferenceType  string
	Description    string
	Metadata       json.RawMessage
}

// Settlement is the result of settling one call.
type Settlement struct {
	CallID         string `json:"call_id"`
	ProviderCallID string `json:"provider_call_id"`
	TenantID       string `json:"tenant_id"`
	TransactionID  string `json:"transaction_id"`

	BillableSeconds int             `json:"billable_seconds"`
	BilledMinutes   decimal.Decimal `json:"billed_minutes"`
	RatePerMinute   decimal.Decimal `json:"rate_per_minute"`
	ConnectionFee   decimal.Decimal `json:"connection_fee"`
	TotalCost       decimal.Decimal `json:"total_cost"`

	BalanceAfterMinutes  decimal.Decimal `json:"balance_after_minutes"`
	BalanceAfterCurrency decimal.Decimal `json:"balance_after_currency"`

	AlreadySettled bool `json:"already_settled"`
	OverLimit      bool `json:"over_limit"`
}

var (
	ErrAccountNotFound = errors.New("billing: tenant has no billing account")
	ErrNothingToSettle = errors.New("billing: nothing to settle")
	ErrInvalidArgument = errors.New("billing: invalid argument")
)
