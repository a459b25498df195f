package billing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"voip-platform/internal/calls"
	"voip-platform/internal/deadletter"
	"voip-platform/internal/metrics"
	"voip-platform/internal/pricing"
	"voip-platform/pkg/logger"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/singleflight"
)

// CallSource is the part of the call store settlement needs.
type CallSource interface {
	GetByProviderID(ctx context.Context, providerCallID string) (calls.Call, error)
	SetCost(ctx context.Context, id string, ratePerMinute, totalCost decimal.Decimal) error
}

// TariffResolver maps a destination to its tariff.
type TariffResolver interface {
	Resolve(ctx context.Context, destination string) (pricing.Tariff, error)
}

// DeadLetters records failed work without failing the caller.
type DeadLetters interface {
	Record(ctx context.Context, taskType, tenantID string, payload any, cause error)
}

// Ledger settles completed calls against tenant balances.
//
// Money invariants:
// - No balance change without a transaction row, in the same unit of work
// - One call_debit per call, keyed by (call, call.id, call_debit)
// - Settlement re-derives everything from the call id, so replays never double-charge
type Ledger struct {
	store Store
	calls CallSource
	rates TariffResolver
	dlq   DeadLetters
	log   *slog.Logger

	group singleflight.Group
	clock func() time.Time
}

func NewLedger(store Store, calls CallSource, rates TariffResolver, dlq DeadLetters, log *slog.Logger) *Ledger {
	if log == nil {
		log = slog.Default()
	}
	return &Ledger{store: store, calls: calls, rates: rates, dlq: dlq, log: log, clock: time.Now}
}

// debitPayload is the billing_debit dead-letter payload.
type debitPayload struct {
	ProviderCallID string `json:"provider_call_id"`
}

// Settle charges the tenant for a completed call. Concurrent settles of the
// same call in this process share one execution; a repeat returns the
// original debit with AlreadySettled set.
func (l *Ledger) Settle(ctx context.Context, providerCallID string) (Settlement, error) {
	if providerCallID == "" {
		return Settlement{}, ErrInvalidArgument
	}
	v, err, _ := l.group.Do(providerCallID, func() (any, error) {
		return l.settle(ctx, providerCallID)
	})
	if err != nil {
		return Settlement{}, err
	}
	return v.(Settlement), nil
}

func (l *Ledger) settle(ctx context.Context, providerCallID string) (Settlement, error) {
	c, err := l.calls.GetByProviderID(ctx, providerCallID)
	if err != nil {
		return Settlement{}, fmt.Errorf("load call: %w", err)
	}
	if c.Status != calls.CallStatusCompleted || c.BillableSeconds <= 0 {
		return Settlement{}, fmt.Errorf("%w: status=%s billable=%d", ErrNothingToSettle, c.Status, c.BillableSeconds)
	}

	tariff, err := l.rates.Resolve(ctx, c.To)
	if err != nil {
		return Settlement{}, fmt.Errorf("resolve rate for %s: %w", c.To, err)
	}
	charge := pricing.Quote(tariff, c.BillableSeconds)

	details, err := json.Marshal(debitDetails{
		RatePerMinute:    tariff.RatePerMinute,
		BillingIncrement: tariff.IncrementSeconds,
		ConnectionFee:    tariff.ConnectionFee,
		DestinationType:  tariff.DestinationType,
		BilledSeconds:    charge.BilledSeconds,
		ProviderCallID:   c.CorrelationID(),
		Fallback:         tariff.Fallback,
	})
	if err != nil {
		return Settlement{}, err
	}

	tx, acct, existed, err := l.store.Post(ctx, Posting{
		TenantID:       c.TenantID,
		Type:           TransactionCallDebit,
		AmountMinutes:  charge.BilledMinutes.Neg(),
		AmountCurrency: charge.Total.Neg(),
		ReferenceID:    c.ID,
		ReferenceType:  ReferenceCall,
		Description:    fmt.Sprintf("Call to %s - %ds", c.To, c.BillableSeconds),
		Metadata:       details,
	}, l.clock().UTC())
	if err != nil {
		return Settlement{}, fmt.Errorf("post debit: %w", err)
	}

	s := Settlement{
		CallID:               c.ID,
		ProviderCallID:       c.CorrelationID(),
		TenantID:             c.TenantID,
		TransactionID:        tx.ID,
		BillableSeconds:      c.BillableSeconds,
		BilledMinutes:        tx.AmountMinutes.Neg(),
		RatePerMinute:        tariff.RatePerMinute,
		ConnectionFee:        tariff.ConnectionFee,
		TotalCost:            tx.AmountCurrency.Neg(),
		BalanceAfterMinutes:  tx.BalanceAfterMinutes,
		BalanceAfterCurrency: tx.BalanceAfterCurrency,
		AlreadySettled:       existed,
		OverLimit:            !acct.HasCredit(),
	}
	if existed {
		// Report the rate that was actually charged, not today's tariff.
		var d debitDetails
		if err := json.Unmarshal(tx.Metadata, &d); err == nil {
			s.RatePerMinute = d.RatePerMinute
			s.ConnectionFee = d.ConnectionFee
		}
	}

	log := l.logger(ctx).With("provider_call_id", s.ProviderCallID, "tenant_id", s.TenantID, "call_id", s.CallID)
	if existed {
		metrics.Settlements.WithLabelValues("already_settled").Inc()
		log.Info("call already settled", "transaction_id", tx.ID)
	} else {
		metrics.Settlements.WithLabelValues("settled").Inc()
		log.Info("call settled",
			"transaction_id", tx.ID,
			"billed_minutes", s.BilledMinutes.String(),
			"total_cost", s.TotalCost.String(),
			"balance_after_minutes", s.BalanceAfterMinutes.String(),
			"fallback_rate", tariff.Fallback,
		)
	}
	if s.OverLimit {
		log.Warn("tenant balance beyond credit limit", "balance_minutes", acct.BalanceMinutes.String(), "credit_limit_minutes", acct.CreditLimitMinutes.String())
	}

	// Repeated on replay so a lost cost write heals.
	if !c.TotalCost.Valid || !c.TotalCost.Decimal.Equal(s.TotalCost) {
		if err := l.calls.SetCost(ctx, c.ID, s.RatePerMinute, s.TotalCost); err != nil {
			return s, fmt.Errorf("persist call cost: %w", err)
		}
	}
	return s, nil
}

// SettleCall is the state machine's settlement hook. Nothing-to-settle is not
// an error; every other failure is dead-lettered under billing_debit.
func (l *Ledger) SettleCall(ctx context.Context, providerCallID string) error {
	_, err := l.Settle(ctx, providerCallID)
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrNothingToSettle) {
		l.logger(ctx).Debug("nothing to settle", "provider_call_id", providerCallID, "reason", err.Error())
		return nil
	}

	tenantID := ""
	if c, gerr := l.calls.GetByProviderID(ctx, providerCallID); gerr == nil {
		tenantID = c.TenantID
	}

	kind := "settlement error"
	if isConfigError(err) {
		kind = "configuration error"
		metrics.Settlements.WithLabelValues("config_error").Inc()
	} else {
		metrics.Settlements.WithLabelValues("failed").Inc()
	}
	cause := fmt.Errorf("%s: %w", kind, err)
	if l.dlq != nil {
		l.dlq.Record(ctx, deadletter.TaskBillingDebit, tenantID, debitPayload{ProviderCallID: providerCallID}, cause)
	}
	return cause
}

// ReplayDeadLetter is the billing_debit sweeper handler.
func (l *Ledger) ReplayDeadLetter(ctx context.Context, e deadletter.Entry) error {
	var p debitPayload
	if err := e.Decode(&p); err != nil {
		return deadletter.Permanent(fmt.Errorf("billing_debit payload: %w", err))
	}
	if p.ProviderCallID == "" {
		return deadletter.Permanent(fmt.Errorf("billing_debit payload: %w", ErrInvalidArgument))
	}
	_, err := l.Settle(ctx, p.ProviderCallID)
	if errors.Is(err, ErrNothingToSettle) {
		return nil
	}
	return err
}

func isConfigError(err error) bool {
	return errors.Is(err, pricing.ErrNoTariff) || errors.Is(err, ErrAccountNotFound)
}

// HasCredit reports whether the tenant may start another billable call.
// A tenant without an account has no credit.
func (l *Ledger) HasCredit(ctx context.Context, tenantID string) (bool, error) {
	a, err := l.store.Account(ctx, tenantID)
	if err != nil {
		if errors.Is(err, ErrAccountNotFound) {
			l.logger(ctx).Warn("credit check for tenant without billing account", "tenant_id", tenantID)
			return false, nil
		}
		return false, err
	}
	return a.HasCredit(), nil
}

func (l *Ledger) Account(ctx context.Context, tenantID string) (Account, error) {
	if tenantID == "" {
		return Account{}, ErrInvalidArgument
	}
	return l.store.Account(ctx, tenantID)
}

func (l *Ledger) Transactions(ctx context.Context, tenantID string, limit int) ([]Transaction, error) {
	if tenantID == "" {
		return nil, ErrInvalidArgument
	}
	return l.store.Transactions(ctx, tenantID, limit)
}

// CreditRequest is a confirmed top-up from the payment processor.
type CreditRequest struct {
	TenantID    string          `json:"tenant_id"`
	Minutes     decimal.Decimal `json:"minutes"`
	Amount      decimal.Decimal `json:"amount"`
	Reference   string          `json:"reference"`
	Description string          `json:"description,omitempty"`
}

// Credit adds a top-up. The payment reference makes it idempotent.
func (l *Ledger) Credit(ctx context.Context, req CreditRequest) (Transaction, Account, error) {
	if req.TenantID == "" || req.Reference == "" {
		return Transaction{}, Account{}, ErrInvalidArgument
	}
	if req.Minutes.IsNegative() || req.Amount.IsNegative() || (req.Minutes.IsZero() && req.Amount.IsZero()) {
		return Transaction{}, Account{}, ErrInvalidArgument
	}
	desc := req.Description
	if desc == "" {
		desc = "Top-up " + req.Reference
	}
	tx, acct, existed, err := l.store.Post(ctx, Posting{
		TenantID:       req.TenantID,
		Type:           TransactionCredit,
		AmountMinutes:  req.Minutes,
		AmountCurrency: req.Amount,
		ReferenceID:    req.Reference,
		ReferenceType:  ReferencePayment,
		Description:    desc,
	}, l.clock().UTC())
	if err != nil {
		return Transaction{}, Account{}, err
	}
	l.logger(ctx).Info("billing account credited",
		"tenant_id", req.TenantID,
		"transaction_id", tx.ID,
		"minutes", req.Minutes.String(),
		"duplicate", existed,
	)
	return tx, acct, nil
}

func (l *Ledger) logger(ctx context.Context) *slog.Logger {
	if lg := logger.From(ctx); lg != slog.Default() {
		return lg
	}
	return l.log
}
