package reporting

import (
	"time"

	"github.com/shopspring/decimal"
)

type TimeRange struct {
	From time.Time `json:"from"`
	To   time.Time `json:"to"`
}

func (r TimeRange) valid() bool {
	return !r.From.IsZero() && !r.To.IsZero() && r.To.After(r.From)
}

// DashboardStats is the live operations panel for one tenant day.
type DashboardStats struct {
	TenantID string    `json:"tenant_id"`
	Day      time.Time `json:"day"`

	ActiveCalls       int     `json:"active_calls"`
	ActiveOperators   int     `json:"active_operators"`
	TotalCallsToday   int     `json:"total_calls_today"`
	AvgDuration       int     `json:"avg_duration"`
	ConnectionRate    float64 `json:"connection_rate"`
	TotalMinutesToday int     `json:"total_minutes_today"`
}

// CallsSummaryRequest requests aggregated call metrics. TenantID is required.
type CallsSummaryRequest struct {
	TenantID   string    `json:"tenant_id"`
	Range      TimeRange `json:"range"`
	CampaignID string    `json:"campaign_id,omitempty"`
}

type CallsSummary struct {
	TenantID   string `json:"tenant_id"`
	CampaignID string `json:"campaign_id,omitempty"`

	TotalCalls      int `json:"total_calls"`
	CompletedCalls  int `json:"completed_calls"`
	FailedCalls     int `json:"failed_calls"`
	NoAnswerCalls   int `json:"no_answer_calls"`
	BusyCalls       int `json:"busy_calls"`
	CanceledCalls   int `json:"canceled_calls"`
	InProgressCalls int `json:"in_progress_calls"`

	TotalDurationSeconds   int `json:"total_duration_seconds"`
	AverageDurationSeconds int `json:"average_duration_seconds"`
	BillableSeconds        int `json:"billable_seconds"`

	RecordedCalls int `json:"recorded_calls"`
}

// SpendSummary aggregates billing transactions over a range.
// Debit totals are positive amounts.
type SpendSummary struct {
	TenantID string    `json:"tenant_id"`
	Range    TimeRange `json:"range"`

	CallsBilled    int             `json:"calls_billed"`
	DebitMinutes   decimal.Decimal `json:"debit_minutes"`
	DebitCurrency  decimal.Decimal `json:"debit_currency"`
	CreditMinutes  decimal.Decimal `json:"credit_minutes"`
	CreditCurrency decimal.Decimal `json:"credit_currency"`
	NetCurrency    decimal.Decimal `json:"net_currency"`
}
