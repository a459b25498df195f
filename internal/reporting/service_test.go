package reporting

import (
	"context"
	"errors"
	"testing"
	"time"

	"voip-platform/internal/billing"
	"voip-platform/internal/calls"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/shopspring/decimal"
)

var day = time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)

func TestReporting_TenantIsolation(t *testing.T) {
	repo := NewMemoryRepo()
	now := day.Add(10 * time.Hour)
	repo.Calls = []calls.Call{
		{ID: "c1", TenantID: "t1", CampaignID: "camp", Status: calls.CallStatusCompleted, DurationSeconds: 30, CreatedAt: now},
		{ID: "c2", TenantID: "t2", CampaignID: "camp", Status: calls.CallStatusCompleted, DurationSeconds: 50, CreatedAt: now},
	}
	svc := NewService(repo)

	out, err := svc.CallsSummary(context.Background(), CallsSummaryRequest{TenantID: "t1", Range: TimeRange{From: now.Add(-time.Hour), To: now.Add(time.Hour)}})
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if out.TotalCalls != 1 || out.TotalDurationSeconds != 30 {
		t.Fatalf("expected only t1's call, got %+v", out)
	}

	if _, err := svc.CallsSummary(context.Background(), CallsSummaryRequest{TenantID: "t1"}); !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("expected ErrInvalidRequest for empty range, got %v", err)
	}
}

func TestReporting_DashboardStats(t *testing.T) {
	repo := NewMemoryRepo()
	at := day.Add(9 * time.Hour)
	repo.Calls = []calls.Call{
		{ID: "a", TenantID: "t1", UserID: "u1", Status: calls.CallStatusInProgress, CreatedAt: at},
		{ID: "b", TenantID: "t1", UserID: "u2", Status: calls.CallStatusRinging, CreatedAt: at},
		{ID: "c", TenantID: "t1", UserID: "u1", Status: calls.CallStatusCompleted, DurationSeconds: 90, CreatedAt: at},
		{ID: "d", TenantID: "t1", Status: calls.CallStatusCompleted, DurationSeconds: 31, CreatedAt: at},
		{ID: "e", TenantID: "t1", Status: calls.CallStatusNoAnswer, CreatedAt: at},
		{ID: "old", TenantID: "t1", Status: calls.CallStatusInProgress, CreatedAt: day.Add(-time.Minute)},
	}
	svc := NewService(repo)

	s, err := svc.DashboardStats(context.Background(), "t1", day.Add(15*time.Hour))
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if s.TotalCallsToday != 5 {
		t.Fatalf("expected 5 calls today, got %d", s.TotalCallsToday)
	}
	if s.ActiveCalls != 2 || s.ActiveOperators != 2 {
		t.Fatalf("expected 2 active calls by 2 operators, got %+v", s)
	}
	if s.AvgDuration != 61 {
		t.Fatalf("expected avg 61, got %d", s.AvgDuration)
	}
	if s.ConnectionRate != 60 {
		t.Fatalf("expected connection rate 60, got %v", s.ConnectionRate)
	}
	if s.TotalMinutesToday != 2 {
		t.Fatalf("expected 2 minutes, got %d", s.TotalMinutesToday)
	}
}

func TestReporting_SpendSummaryAggregates(t *testing.T) {
	repo := NewMemoryRepo()
	now := day.Add(12 * time.Hour)
	d := decimal.RequireFromString
	repo.Transactions = []billing.Transaction{
		{ID: "x1", TenantID: "t1", Type: billing.TransactionCredit, AmountMinutes: d("100"), AmountCurrency: d("15"), CreatedAt: now},
		{ID: "x2", TenantID: "t1", Type: billing.TransactionCallDebit, AmountMinutes: d("-1.1"), AmountCurrency: d("-0.165"), CreatedAt: now},
		{ID: "x3", TenantID: "t1", Type: billing.TransactionCallDebit, AmountMinutes: d("-0.5"), AmountCurrency: d("-0.075"), CreatedAt: now},
		{ID: "x4", TenantID: "t2", Type: billing.TransactionCallDebit, AmountMinutes: d("-9"), AmountCurrency: d("-9"), CreatedAt: now},
	}
	svc := NewService(repo)

	out, err := svc.SpendSummary(context.Background(), "t1", TimeRange{From: now.Add(-time.Hour), To: now.Add(time.Hour)})
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if out.CallsBilled != 2 {
		t.Fatalf("expected 2 billed calls, got %d", out.CallsBilled)
	}
	if !out.DebitCurrency.Equal(d("0.24")) || !out.DebitMinutes.Equal(d("1.6")) {
		t.Fatalf("unexpected debits: %s / %s", out.DebitCurrency, out.DebitMinutes)
	}
	if !out.NetCurrency.Equal(d("14.76")) {
		t.Fatalf("expected net 14.76, got %s", out.NetCurrency)
	}
}

func TestPostgresRepo_ListCalls(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	from, to := day, day.Add(24*time.Hour)
	mock.ExpectQuery(`FROM calls\s+WHERE tenant_id = \$1`).
		WithArgs("t1", from, to, "").
		WillReturnRows(sqlmock.NewRows([]string{"id", "user_id", "campaign_id", "status", "duration_seconds", "billable_seconds", "recording_url", "created_at"}).
			AddRow("c1", "u1", "", "completed", 61, 60, "", from.Add(time.Hour)))

	rows, err := NewPostgresRepo(db).ListCalls(context.Background(), "t1", from, to, "")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(rows) != 1 || rows[0].Status != calls.CallStatusCompleted || rows[0].BillableSeconds != 60 {
		t.Fatalf("unexpected rows: %+v", rows)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}
