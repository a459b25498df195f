package pricing

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

var ErrNoTariff = errors.New("pricing: no rate card matched and no fallback configured")

// RateCardSource abstracts rate card persistence.
// Implementations may return inactive cards; the resolver filters them.
type RateCardSource interface {
	ActiveRateCards(ctx context.Context) ([]RateCard, error)
}

// Resolver maps a destination number to a tariff.
//
// Contract:
// - Digits-only normalization of both destination and card prefix.
// - Longest matching prefix wins among active cards; ties go to the oldest card.
// - No match falls back to the configured tariff; a zero fallback yields ErrNoTariff.
// - No writes.
type Resolver struct {
	src      RateCardSource
	fallback Tariff
}

func NewResolver(src RateCardSource, fallback Tariff) *Resolver {
	if !fallback.IsZero() {
		fallback.Fallback = true
		if fallback.IncrementSeconds <= 0 {
			fallback.IncrementSeconds = 60
		}
		if fallback.DestinationType == "" {
			fallback.DestinationType = "fallback"
		}
	}
	return &Resolver{src: src, fallback: fallback}
}

// Resolve picks the tariff for destination.
func (r *Resolver) Resolve(ctx context.Context, destination string) (Tariff, error) {
	dest := digitsOnly(destination)

	var cards []RateCard
	if r.src != nil && dest != "" {
		var err error
		cards, err = r.src.ActiveRateCards(ctx)
		if err != nil {
			return Tariff{}, fmt.Errorf("load rate cards: %w", err)
		}
	}

	best, ok := longestPrefix(cards, dest)
	if ok {
		return Tariff{
			RatePerMinute:    best.RatePerMinute,
			IncrementSeconds: incrementOrDefault(best.BillingIncrement),
			ConnectionFee:    best.ConnectionFee,
			DestinationType:  best.DestinationType,
			Prefix:           best.Prefix,
			CardID:           best.ID,
		}, nil
	}

	if r.fallback.IsZero() {
		return Tariff{}, fmt.Errorf("%w: destination %q", ErrNoTariff, destination)
	}
	return r.fallback, nil
}

func longestPrefix(cards []RateCard, dest string) (RateCard, bool) {
	var (
		best    RateCard
		bestLen = -1
	)
	for _, c := range cards {
		if !c.IsActive {
			continue
		}
		p := digitsOnly(c.Prefix)
		if !strings.HasPrefix(dest, p) {
			continue
		}
		switch {
		case len(p) > bestLen:
		case len(p) == bestLen && olderThan(c, best):
		default:
			continue
		}
		best, bestLen = c, len(p)
	}
	return best, bestLen >= 0
}

func olderThan(a, b RateCard) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID < b.ID
}

var (
	sixty         = decimal.NewFromInt(60)
	moneyDecimals = int32(4)
)

// Quote prices billableSeconds under t.
// Seconds are rounded up to the next increment; totals are rounded to 4 places.
func Quote(t Tariff, billableSec int) Charge {
	if billableSec <= 0 {
		return Charge{BilledMinutes: decimal.Zero, Total: decimal.Zero}
	}
	inc := incrementOrDefault(t.IncrementSeconds)
	billed := billableSeconds(billableSec, 0, inc)

	secs := decimal.NewFromInt(int64(billed))
	total := secs.Mul(t.RatePerMinute).Div(sixty).Add(t.ConnectionFee)

	return Charge{
		BillableSeconds: billableSec,
		Increments:      billed / inc,
		BilledSeconds:   billed,
		BilledMinutes:   secs.DivRound(sixty, moneyDecimals),
		Total:           total.Round(moneyDecimals),
	}
}

func incrementOrDefault(inc int) int {
	if inc <= 0 {
		return 60
	}
	return inc
}

func billableSeconds(actualSec int, minSec int, incrementSec int) int {
	if actualSec < 0 {
		return 0
	}
	if minSec <= 0 {
		minSec = 0
	}
	if incrementSec <= 0 {
		incrementSec = 60
	}

	sec := actualSec
	if sec < minSec {
		sec = minSec
	}

	// round up to nearest increment
	q := sec / incrementSec
	r := sec % incrementSec
	if r != 0 {
		q++
	}
	return q * incrementSec
}

func digitsOnly(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}
