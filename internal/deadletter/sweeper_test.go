package deadletter

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type billingPayload struct {
	ProviderCallID string `json:"provider_call_id"`
}

func recordOne(t *testing.T, repo *MemoryRepo, taskType string) Entry {
	t.Helper()
	NewRecorder(repo).Record(context.Background(), taskType, "t1", billingPayload{ProviderCallID: "CA1"}, errors.New("db down"))
	list, err := repo.List(context.Background(), Filter{TaskType: taskType})
	require.NoError(t, err)
	require.Len(t, list, 1)
	return list[0]
}

func TestRecorder_AppendsPendingEntry(t *testing.T) {
	repo := NewMemoryRepo()
	e := recordOne(t, repo, TaskBillingDebit)

	assert.Equal(t, StatusPending, e.Status)
	assert.Equal(t, "t1", e.TenantID)
	assert.Equal(t, "db down", e.ErrorMessage)

	var p billingPayload
	require.NoError(t, e.Decode(&p))
	assert.Equal(t, "CA1", p.ProviderCallID)
}

func TestRecorder_NeverPropagatesStoreFailure(t *testing.T) {
	repo := NewMemoryRepo()
	repo.FailInsert = errors.New("store unavailable")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.NotPanics(t, func() {
		NewRecorder(repo).Record(ctx, TaskAIAnalysis, "t1", map[string]any{"x": 1}, nil)
		NewRecorder(nil).Record(ctx, TaskAIAnalysis, "t1", func() {}, nil)
	})
}

func TestSweeper_ResolvesOnSuccess(t *testing.T) {
	repo := NewMemoryRepo()
	e := recordOne(t, repo, TaskBillingDebit)

	s := NewSweeper(repo, SweeperOptions{})
	var calls int
	s.Handle(TaskBillingDebit, func(ctx context.Context, got Entry) error {
		calls++
		assert.Equal(t, StatusRetried, got.Status)
		return nil
	})

	n, err := s.SweepOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 1, calls)

	got, err := repo.Get(context.Background(), e.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusResolved, got.Status)
	assert.NotNil(t, got.ResolvedAt)

	// nothing left to claim
	n, err = s.SweepOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Equal(t, 1, calls)
}

func TestSweeper_RetriesThenAbandons(t *testing.T) {
	repo := NewMemoryRepo()
	e := recordOne(t, repo, TaskStatusUpdate)

	s := NewSweeper(repo, SweeperOptions{MaxAttempts: 2})
	s.Handle(TaskStatusUpdate, func(ctx context.Context, got Entry) error {
		return errors.New("still missing")
	})

	_, err := s.SweepOnce(context.Background())
	require.NoError(t, err)
	got, _ := repo.Get(context.Background(), e.ID)
	assert.Equal(t, StatusPending, got.Status)
	assert.Equal(t, 1, got.Attempts)
	assert.Equal(t, "still missing", got.ErrorMessage)

	_, err = s.SweepOnce(context.Background())
	require.NoError(t, err)
	got, _ = repo.Get(context.Background(), e.ID)
	assert.Equal(t, StatusAbandoned, got.Status)
	assert.Equal(t, 2, got.Attempts)
}

func TestSweeper_PermanentAndMissingHandlerAbandon(t *testing.T) {
	repo := NewMemoryRepo()
	perm := recordOne(t, repo, TaskCallPlacement)
	NewRecorder(repo).Record(context.Background(), "unknown_task", "t1", nil, nil)

	s := NewSweeper(repo, SweeperOptions{})
	s.Handle(TaskCallPlacement, func(ctx context.Context, got Entry) error {
		return Permanent(errors.New("call row is gone"))
	})
	_, err := s.SweepOnce(context.Background())
	require.NoError(t, err)

	got, _ := repo.Get(context.Background(), perm.ID)
	assert.Equal(t, StatusAbandoned, got.Status)

	unknown, _ := repo.List(context.Background(), Filter{TaskType: "unknown_task"})
	require.Len(t, unknown, 1)
	assert.Equal(t, StatusAbandoned, unknown[0].Status)
}

func TestSweeper_HandlerPanicIsRetried(t *testing.T) {
	repo := NewMemoryRepo()
	e := recordOne(t, repo, TaskAIAnalysis)

	s := NewSweeper(repo, SweeperOptions{})
	s.Handle(TaskAIAnalysis, func(ctx context.Context, got Entry) error { panic("boom") })

	_, err := s.SweepOnce(context.Background())
	require.NoError(t, err)
	got, _ := repo.Get(context.Background(), e.ID)
	assert.Equal(t, StatusPending, got.Status)
	assert.Contains(t, got.ErrorMessage, "boom")
}

func TestSweeper_ReplayAndAbandon(t *testing.T) {
	repo := NewMemoryRepo()
	e := recordOne(t, repo, TaskBillingDebit)

	s := NewSweeper(repo, SweeperOptions{})
	s.Handle(TaskBillingDebit, func(ctx context.Context, got Entry) error { return nil })

	got, err := s.Replay(context.Background(), e.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusResolved, got.Status)

	_, err = s.Replay(context.Background(), e.ID)
	assert.ErrorIs(t, err, ErrNotReplayable)
	_, err = s.Abandon(context.Background(), e.ID, "manual")
	assert.ErrorIs(t, err, ErrNotReplayable)
	_, err = s.Replay(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	other := recordOne(t, NewMemoryRepo(), TaskAIAnalysis)
	repo2 := NewMemoryRepo()
	require.NoError(t, repo2.Insert(context.Background(), other))
	s2 := NewSweeper(repo2, SweeperOptions{})
	got, err = s2.Abandon(context.Background(), other.ID, "tenant closed")
	require.NoError(t, err)
	assert.Equal(t, StatusAbandoned, got.Status)
	assert.Equal(t, "tenant closed", got.ErrorMessage)
}

func TestSweeper_ReclaimsStaleRetried(t *testing.T) {
	repo := NewMemoryRepo()
	e := recordOne(t, repo, TaskBillingDebit)

	old := time.Now().Add(-time.Hour)
	_, err := repo.Claim(context.Background(), e.ID, old)
	require.NoError(t, err)

	s := NewSweeper(repo, SweeperOptions{StaleAfter: time.Minute})
	s.Handle(TaskBillingDebit, func(ctx context.Context, got Entry) error { return nil })
	n, err := s.SweepOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestSweeper_RunStopsOnCancel(t *testing.T) {
	s := NewSweeper(NewMemoryRepo(), SweeperOptions{Interval: time.Millisecond})
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	require.NoError(t, s.Run(ctx))
}
