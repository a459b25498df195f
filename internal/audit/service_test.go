package audit

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgx/v5/pgconn"
)

func TestService_AppendRequiresTenantAndType(t *testing.T) {
	svc := NewService(NewMemoryRepo())

	if err := svc.Append(context.Background(), Event{Type: EventDialerStop}); !errors.Is(err, ErrInvalidEvent) {
		t.Fatalf("expected ErrInvalidEvent, got %v", err)
	}
	if err := svc.Append(context.Background(), Event{TenantID: "t1"}); !errors.Is(err, ErrInvalidEvent) {
		t.Fatalf("expected ErrInvalidEvent, got %v", err)
	}
}

func TestService_RecordsOperatorActions(t *testing.T) {
	repo := NewMemoryRepo()
	svc := NewService(repo)
	actor := Actor{UserID: "u1", Role: "manager", IP: "1.2.3.4"}

	svc.DialerAction(context.Background(), "t1", actor, EventDialerSkip, "camp", "call-1")
	svc.DeadLetterAction(context.Background(), "t1", actor, EventDeadLetterReplay, "dl-1", "")
	svc.DialerAction(context.Background(), "", actor, EventDialerStop, "camp", "")

	evs := repo.Events()
	if len(evs) != 2 {
		t.Fatalf("expected 2 events, got %d", len(evs))
	}
	if evs[0].IPAddress != "1.2.3.4" || evs[0].CallID != "call-1" || evs[0].ID == "" {
		t.Fatalf("unexpected event: %+v", evs[0])
	}
	if evs[1].Type != EventDeadLetterReplay || evs[1].DeadLetterID != "dl-1" {
		t.Fatalf("unexpected event: %+v", evs[1])
	}
}

func TestPostgresRepo_Append(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	at := time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)
	mock.ExpectExec(`INSERT INTO audit_events`).
		WithArgs("a1", "t1", "manual_credit", "u1", "admin", "", "", "", "", "top-up", "{}", at).
		WillReturnResult(sqlmock.NewResult(0, 1))

	repo := NewPostgresRepo(db)
	err = repo.Append(context.Background(), Event{ID: "a1", TenantID: "t1", Type: EventManualCredit, ActorUserID: "u1", ActorRole: "admin", Message: "top-up", CreatedAt: at})
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestMemoryRepo_RefusesDuplicateIDsAndScopesByTenant(t *testing.T) {
	repo := NewMemoryRepo()
	ctx := context.Background()
	if err := repo.Append(ctx, Event{ID: "a1", TenantID: "t1", Type: EventDialerSkip}); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := repo.Append(ctx, Event{ID: "a1", TenantID: "t1", Type: EventDialerStop}); !errors.Is(err, ErrDuplicateEvent) {
		t.Fatalf("expected ErrDuplicateEvent, got %v", err)
	}
	if err := repo.Append(ctx, Event{ID: "a2", TenantID: "t2", Type: EventManualCredit}); err != nil {
		t.Fatalf("append: %v", err)
	}

	t1 := repo.ForTenant("t1")
	if len(t1) != 1 || t1[0].Type != EventDialerSkip {
		t.Fatalf("unexpected t1 events: %+v", t1)
	}
	if len(repo.Events()) != 2 {
		t.Fatalf("expected 2 events, got %d", len(repo.Events()))
	}
}

func TestPostgresRepo_AppendDuplicate(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	mock.ExpectExec(`INSERT INTO audit_events`).WillReturnError(&pgconn.PgError{Code: "23505"})

	err = NewPostgresRepo(db).Append(context.Background(), Event{ID: "a1", TenantID: "t1", Type: EventManualCredit})
	if !errors.Is(err, ErrDuplicateEvent) {
		t.Fatalf("expected ErrDuplicateEvent, got %v", err)
	}
}
