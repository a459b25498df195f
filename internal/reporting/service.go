package reporting

import (
	"context"
	"errors"
	"math"
	"time"

	"voip-platform/internal/billing"
	"voip-platform/internal/calls"

	"github.com/shopspring/decimal"
)

var ErrInvalidRequest = errors.New("reporting: invalid request")

// Repository abstracts data access for reporting.
// Every method filters by tenant.
type Repository interface {
	ListCalls(ctx context.Context, tenantID string, from, to time.Time, campaignID string) ([]calls.Call, error)
	ListTransactions(ctx context.Context, tenantID string, from, to time.Time) ([]billing.Transaction, error)
}

type Service struct {
	repo Repository
}

func NewService(repo Repository) *Service { return &Service{repo: repo} }

// DashboardStats covers calls created on day (UTC). Queued calls count as active.
func (s *Service) DashboardStats(ctx context.Context, tenantID string, day time.Time) (DashboardStats, error) {
	if tenantID == "" {
		return DashboardStats{}, ErrInvalidRequest
	}
	if s.repo == nil {
		return DashboardStats{}, errors.New("reporting: repository not configured")
	}
	start := day.UTC().Truncate(24 * time.Hour)
	rows, err := s.repo.ListCalls(ctx, tenantID, start, start.Add(24*time.Hour), "")
	if err != nil {
		return DashboardStats{}, err
	}

	out := DashboardStats{TenantID: tenantID, Day: start, TotalCallsToday: len(rows)}
	operators := map[string]struct{}{}
	completed, completedSeconds, connected := 0, 0, 0
	for _, c := range rows {
		if c.Status == calls.CallStatusQueued || c.Status.Live() {
			out.ActiveCalls++
			if c.UserID != "" {
				operators[c.UserID] = struct{}{}
			}
		}
		if c.Status == calls.CallStatusCompleted {
			completed++
			completedSeconds += c.DurationSeconds
		}
		if c.Status == calls.CallStatusInProgress || c.Status == calls.CallStatusCompleted {
			connected++
		}
	}
	out.ActiveOperators = len(operators)
	if completed > 0 {
		out.AvgDuration = int(math.Round(float64(completedSeconds) / float64(completed)))
	}
	if len(rows) > 0 {
		out.ConnectionRate = float64(connected*100) / float64(len(rows))
	}
	out.TotalMinutesToday = int(math.Round(float64(completedSeconds) / 60))
	return out, nil
}

func (s *Service) CallsSummary(ctx context.Context, req CallsSummaryRequest) (CallsSummary, error) {
	if req.TenantID == "" || !req.Range.valid() {
		return CallsSummary{}, ErrInvalidRequest
	}
	if s.repo == nil {
		return CallsSummary{}, errors.New("reporting: repository not configured")
	}

	rows, err := s.repo.ListCalls(ctx, req.TenantID, req.Range.From, req.Range.To, req.CampaignID)
	if err != nil {
		return CallsSummary{}, err
	}

	out := CallsSummary{TenantID: req.TenantID, CampaignID: req.CampaignID}
	for _, c := range rows {
		out.TotalCalls++
		out.TotalDurationSeconds += c.DurationSeconds
		out.BillableSeconds += c.BillableSeconds
		if c.RecordingURL != "" {
			out.RecordedCalls++
		}
		switch c.Status {
		case calls.CallStatusCompleted:
			out.CompletedCalls++
		case calls.CallStatusFailed:
			out.FailedCalls++
		case calls.CallStatusNoAnswer:
			out.NoAnswerCalls++
		case calls.CallStatusBusy:
			out.BusyCalls++
		case calls.CallStatusCanceled:
			out.CanceledCalls++
		case calls.CallStatusInProgress:
			out.InProgressCalls++
		}
	}
	if out.TotalCalls > 0 {
		out.AverageDurationSeconds = out.TotalDurationSeconds / out.TotalCalls
	}
	return out, nil
}

func (s *Service) SpendSummary(ctx context.Context, tenantID string, r TimeRange) (SpendSummary, error) {
	if tenantID == "" || !r.valid() {
		return SpendSummary{}, ErrInvalidRequest
	}
	if s.repo == nil {
		return SpendSummary{}, errors.New("reporting: repository not configured")
	}

	txs, err := s.repo.ListTransactions(ctx, tenantID, r.From, r.To)
	if err != nil {
		return SpendSummary{}, err
	}

	out := SpendSummary{
		TenantID:       tenantID,
		Range:          r,
		DebitMinutes:   decimal.Zero,
		DebitCurrency:  decimal.Zero,
		CreditMinutes:  decimal.Zero,
		CreditCurrency: decimal.Zero,
	}
	for _, t := range txs {
		switch t.Type {
		case billing.TransactionCallDebit:
			out.CallsBilled++
			out.DebitMinutes = out.DebitMinutes.Add(t.AmountMinutes.Abs())
			out.DebitCurrency = out.DebitCurrency.Add(t.AmountCurrency.Abs())
		case billing.TransactionCredit:
			out.CreditMinutes = out.CreditMinutes.Add(t.AmountMinutes)
			out.CreditCurrency = out.CreditCurrency.Add(t.AmountCurrency)
		}
	}
	out.NetCurrency = out.CreditCurrency.Sub(out.DebitCurrency)
	return out, nil
}
