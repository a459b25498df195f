package calls

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeProvider struct {
	name string

	mu     sync.Mutex
	n      int
	err    error
	meta   bool
	placed []PlacementRequest
	hungUp []string
}

func (f *fakeProvider) Name() string { return f.name }

func (f *fakeProvider) PlaceCall(ctx context.Context, req PlacementRequest) (Placement, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.placed = append(f.placed, req)
	if f.err != nil {
		return Placement{}, f.err
	}
	f.n++
	id := fmt.Sprintf("CA%d", f.n)
	if f.meta {
		return Placement{ProviderCallID: id, Metadata: map[string]any{MetaCallControlID: "v3:" + id}}, nil
	}
	return Placement{ProviderCallID: id}, nil
}

func (f *fakeProvider) Hangup(ctx context.Context, providerCallID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.hungUp = append(f.hungUp, providerCallID)
	return nil
}

type fakeSettler struct {
	mu  sync.Mutex
	ids []string
}

func (f *fakeSettler) SettleCall(ctx context.Context, providerCallID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ids = append(f.ids, providerCallID)
	return nil
}

type fakeLimiter struct {
	mu     sync.Mutex
	limit  int
	active int
}

func (f *fakeLimiter) Acquire(ctx context.Context, tenantID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.active >= f.limit {
		return false, nil
	}
	f.active++
	return true, nil
}

func (f *fakeLimiter) Release(ctx context.Context, tenantID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.active--
	return nil
}

type creditFunc func(ctx context.Context, tenantID string) (bool, error)

func (f creditFunc) HasCredit(ctx context.Context, tenantID string) (bool, error) { return f(ctx, tenantID) }

type recorded struct {
	taskType string
	payload  []byte
	cause    error
}

type fakeDLQ struct {
	mu      sync.Mutex
	entries []recorded
}

func (f *fakeDLQ) Record(ctx context.Context, taskType, tenantID string, payload any, cause error) {
	raw, _ := json.Marshal(payload)
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entries = append(f.entries, recorded{taskType: taskType, payload: raw, cause: cause})
}

// flakyStore fails the next MutateByID.
type flakyStore struct {
	*MemoryRepo
	failNext bool
}

func (s *flakyStore) MutateByID(ctx context.Context, id string, fn MutateFunc) (Call, error) {
	if s.failNext {
		s.failNext = false
		return Call{}, errors.New("connection reset")
	}
	return s.MemoryRepo.MutateByID(ctx, id, fn)
}

type harness struct {
	svc     *Service
	repo    *MemoryRepo
	prov    *fakeProvider
	settler *fakeSettler
	limiter *fakeLimiter
	dlq     *fakeDLQ

	mu      sync.Mutex
	changes []Change
}

func newHarness(t *testing.T, mod func(*Options)) *harness {
	t.Helper()
	h := &harness{
		repo:    NewMemoryRepo(),
		prov:    &fakeProvider{name: "twilio"},
		settler: &fakeSettler{},
		limiter: &fakeLimiter{limit: 10},
		dlq:     &fakeDLQ{},
	}
	opts := Options{
		Store:       h.repo,
		Providers:   []Provider{h.prov},
		Settler:     h.settler,
		Limiter:     h.limiter,
		DeadLetters: h.dlq,
		Async:       func(f func()) { f() },
		Clock:       func() time.Time { return t0 },
	}
	if mod != nil {
		mod(&opts)
	}
	h.svc = NewService(opts)
	sub := h.svc.Subscribe(ObserverFunc(func(ctx context.Context, ch Change) {
		h.mu.Lock()
		h.changes = append(h.changes, ch)
		h.mu.Unlock()
	}))
	t.Cleanup(sub.Unsubscribe)
	return h
}

func (h *harness) place(t *testing.T) Call {
	t.Helper()
	c, err := h.svc.Place(context.Background(), PlaceRequest{TenantID: "t1", UserID: "u1", From: "+15550001", To: "+5511999990000"})
	require.NoError(t, err)
	return c
}

func dur(n int) *int { return &n }

func TestPlace_PersistsInitiatedCall(t *testing.T) {
	h := newHarness(t, nil)
	c := h.place(t)

	assert.Equal(t, CallStatusInitiated, c.Status)
	assert.Equal(t, "CA1", c.ProviderCallID)
	assert.Equal(t, DirectionOutbound, c.Direction)
	assert.NotNil(t, c.StartedAt)
	assert.True(t, c.Metadata.Bool(metaCapSlot))
	assert.Equal(t, 1, h.limiter.active)

	require.Len(t, h.changes, 2)
	assert.True(t, h.changes[0].Created)
	assert.Equal(t, CallStatusQueued, h.changes[0].Call.Status)
	assert.Equal(t, CallStatusInitiated, h.changes[1].Call.Status)

	stored, err := h.repo.GetByProviderID(context.Background(), "CA1")
	require.NoError(t, err)
	assert.Equal(t, c.ID, stored.ID)
}

func TestPlace_ProviderFailureMarksFailedAndReleases(t *testing.T) {
	h := newHarness(t, nil)
	h.prov.err = errors.New("21215: geo permission")

	c, err := h.svc.Place(context.Background(), PlaceRequest{TenantID: "t1", To: "+44"})
	require.ErrorIs(t, err, ErrPlacementFailed)
	assert.Equal(t, CallStatusFailed, c.Status)
	assert.NotNil(t, c.EndedAt)
	assert.Contains(t, c.Metadata.String("failure_reason"), "geo permission")
	assert.Zero(t, h.limiter.active)
}

func TestPlace_CreditLimitBlocksBeforeAnyRow(t *testing.T) {
	h := newHarness(t, func(o *Options) {
		o.Credit = creditFunc(func(ctx context.Context, tenantID string) (bool, error) { return false, nil })
	})
	_, err := h.svc.Place(context.Background(), PlaceRequest{TenantID: "t1", To: "+1"})
	require.ErrorIs(t, err, ErrCreditLimit)
	assert.Empty(t, h.repo.All())
	assert.Empty(t, h.prov.placed)
}

func TestPlace_ConcurrencyLimit(t *testing.T) {
	h := newHarness(t, nil)
	h.limiter.limit = 1
	h.place(t)

	c, err := h.svc.Place(context.Background(), PlaceRequest{TenantID: "t1", To: "+1"})
	require.ErrorIs(t, err, ErrConcurrencyLimit)
	assert.Equal(t, CallStatusFailed, c.Status)
	assert.Equal(t, "concurrency_limit", c.Metadata.String("failure_reason"))
	assert.Len(t, h.prov.placed, 1)
}

func TestPlace_UnknownProvider(t *testing.T) {
	h := newHarness(t, nil)
	_, err := h.svc.Place(context.Background(), PlaceRequest{TenantID: "t1", To: "+1", Provider: "vonage"})
	require.ErrorIs(t, err, ErrUnknownProvider)
}

func TestPlace_UnpersistedAcceptanceIsDeadLetteredAndReconciled(t *testing.T) {
	store := &flakyStore{MemoryRepo: NewMemoryRepo()}
	h := newHarness(t, func(o *Options) { o.Store = store })
	h.repo = store.MemoryRepo

	// Create succeeds, the post-placement write fails.
	store.failNext = true
	c, err := h.svc.Place(context.Background(), PlaceRequest{TenantID: "t1", To: "+1"})
	require.NoError(t, err, "a dialing call is not reported as failed")
	assert.Equal(t, "CA1", c.ProviderCallID)

	require.Len(t, h.dlq.entries, 1)
	assert.Equal(t, "call_placement", h.dlq.entries[0].taskType)

	_, err = h.repo.GetByProviderID(context.Background(), "CA1")
	require.ErrorIs(t, err, ErrCallNotFound)

	require.NoError(t, h.svc.ReconcilePlacement(context.Background(), h.dlq.entries[0].payload))
	got, err := h.repo.GetByProviderID(context.Background(), "CA1")
	require.NoError(t, err)
	assert.Equal(t, CallStatusInitiated, got.Status)

	// replay is idempotent
	require.NoError(t, h.svc.ReconcilePlacement(context.Background(), h.dlq.entries[0].payload))
	got, _ = h.repo.GetByProviderID(context.Background(), "CA1")
	assert.Equal(t, CallStatusInitiated, got.Status)
}

func TestApplyEvent_LifecycleSettlesOnce(t *testing.T) {
	h := newHarness(t, nil)
	c := h.place(t)
	ctx := context.Background()

	for _, typ := range []EventType{EventRinging, EventAnswered} {
		_, out, err := h.svc.ApplyEvent(ctx, Event{ProviderCallID: c.ProviderCallID, Type: typ})
		require.NoError(t, err)
		require.Equal(t, OutcomeApplied, out)
	}

	done, out, err := h.svc.ApplyEvent(ctx, Event{ProviderCallID: c.ProviderCallID, Type: EventCompleted, DurationSeconds: dur(61)})
	require.NoError(t, err)
	require.Equal(t, OutcomeApplied, out)
	assert.Equal(t, 61, done.BillableSeconds)
	assert.Equal(t, []string{"CA1"}, h.settler.ids)
	assert.Zero(t, h.limiter.active)

	_, out, err = h.svc.ApplyEvent(ctx, Event{ProviderCallID: c.ProviderCallID, Type: EventCompleted, DurationSeconds: dur(61)})
	require.NoError(t, err)
	assert.Equal(t, OutcomeIgnored, out)
	assert.Len(t, h.settler.ids, 1, "duplicate completion does not settle twice")
	assert.Zero(t, h.limiter.active, "slot released once")
}

func TestApplyEvent_NoSettlementWithoutBillableSeconds(t *testing.T) {
	h := newHarness(t, nil)
	c := h.place(t)

	_, _, err := h.svc.ApplyEvent(context.Background(), Event{ProviderCallID: c.ProviderCallID, Type: EventNoAnswer, DurationSeconds: dur(0)})
	require.NoError(t, err)
	assert.Empty(t, h.settler.ids)
	assert.Zero(t, h.limiter.active)
}

func TestApplyEvent_AnswerArrivingAfterCancelSettles(t *testing.T) {
	h := newHarness(t, nil)
	c := h.place(t)
	ctx := context.Background()

	canceled, out, err := h.svc.ApplyEvent(ctx, Event{ProviderCallID: c.ProviderCallID, Type: EventCanceled, DurationSeconds: dur(30)})
	require.NoError(t, err)
	require.Equal(t, OutcomeApplied, out)
	require.Equal(t, CallStatusCanceled, canceled.Status)
	assert.Empty(t, h.settler.ids)
	assert.Zero(t, h.limiter.active)

	done, out, err := h.svc.ApplyEvent(ctx, Event{ProviderCallID: c.ProviderCallID, Type: EventAnswered, OccurredAt: t0})
	require.NoError(t, err)
	require.Equal(t, OutcomeApplied, out)
	assert.Equal(t, CallStatusCompleted, done.Status)
	assert.Equal(t, 30, done.BillableSeconds)
	assert.Equal(t, []string{"CA1"}, h.settler.ids)
	assert.Zero(t, h.limiter.active, "slot is not released twice")
}

func TestApplyEvent_UnknownCall(t *testing.T) {
	h := newHarness(t, nil)
	_, _, err := h.svc.ApplyEvent(context.Background(), Event{ProviderCallID: "CAnope", Type: EventRinging})
	require.ErrorIs(t, err, ErrCallNotFound)

	_, _, err = h.svc.ApplyEvent(context.Background(), Event{ProviderCallID: "CA1", Type: "exploded"})
	require.ErrorIs(t, err, ErrInvalidEvent)
}

func TestApplyEvent_MatchesCorrelationMetadata(t *testing.T) {
	h := newHarness(t, nil)
	h.prov.meta = true
	c := h.place(t)
	require.Equal(t, "v3:CA1", c.Metadata.String(MetaCallControlID))

	got, out, err := h.svc.ApplyEvent(context.Background(), Event{ProviderCallID: "v3:CA1", Type: EventAnswered})
	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, out)
	assert.Equal(t, c.ID, got.ID)
}

func TestApplyEvent_ConcurrentDeliveryIsSerialized(t *testing.T) {
	h := newHarness(t, nil)
	c := h.place(t)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			typ := []EventType{EventRinging, EventAnswered, EventCompleted}[i%3]
			_, _, _ = h.svc.ApplyEvent(context.Background(), Event{ProviderCallID: c.ProviderCallID, Type: typ, DurationSeconds: dur(30)})
		}(i)
	}
	wg.Wait()

	got, err := h.repo.GetByID(context.Background(), c.ID)
	require.NoError(t, err)
	assert.Equal(t, CallStatusCompleted, got.Status)
	h.settler.mu.Lock()
	defer h.settler.mu.Unlock()
	assert.Len(t, h.settler.ids, 1)
}

func TestSubscribe_UnsubscribeIsIdempotent(t *testing.T) {
	h := newHarness(t, nil)
	before := h.svc.ObserverCount()

	var seen int
	sub := h.svc.Subscribe(ObserverFunc(func(ctx context.Context, ch Change) { seen++ }))
	assert.Equal(t, before+1, h.svc.ObserverCount())

	h.place(t)
	assert.Equal(t, 2, seen)

	sub.Unsubscribe()
	sub.Unsubscribe()
	assert.Equal(t, before, h.svc.ObserverCount())

	h.place(t)
	assert.Equal(t, 2, seen)
}

func TestNotify_ObserverPanicDoesNotEscape(t *testing.T) {
	h := newHarness(t, nil)
	sub := h.svc.Subscribe(ObserverFunc(func(ctx context.Context, ch Change) { panic("bad observer") }))
	defer sub.Unsubscribe()

	assert.NotPanics(t, func() { h.place(t) })
}

func TestRecordInbound_Idempotent(t *testing.T) {
	h := newHarness(t, nil)
	in := InboundCall{ProviderCallID: "CAin", Provider: "twilio", TenantID: "t1", UserID: "u9", From: "+1555", To: "+1666"}

	c1, err := h.svc.RecordInbound(context.Background(), in)
	require.NoError(t, err)
	assert.Equal(t, CallStatusRinging, c1.Status)
	assert.Equal(t, DirectionInbound, c1.Direction)

	c2, err := h.svc.RecordInbound(context.Background(), in)
	require.NoError(t, err)
	assert.Equal(t, c1.ID, c2.ID)
	assert.Len(t, h.repo.All(), 1)
}

func TestAttachRecording_Idempotent(t *testing.T) {
	h := newHarness(t, nil)
	c := h.place(t)
	rec := Recording{SID: "RE1", URL: "https://api.twilio.com/RE1", DurationSeconds: 42, Channels: 2}

	got, changed, err := h.svc.AttachRecording(context.Background(), c.ProviderCallID, rec)
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, rec.URL, got.RecordingURL)

	_, changed, err = h.svc.AttachRecording(context.Background(), c.ProviderCallID, rec)
	require.NoError(t, err)
	assert.False(t, changed)
}

func TestHangup_DelegatesToPlacingProvider(t *testing.T) {
	h := newHarness(t, nil)
	c := h.place(t)

	require.NoError(t, h.svc.Hangup(context.Background(), c.ProviderCallID))
	assert.Equal(t, []string{"CA1"}, h.prov.hungUp)

	_, _, err := h.svc.ApplyEvent(context.Background(), Event{ProviderCallID: c.ProviderCallID, Type: EventCanceled})
	require.NoError(t, err)
	require.NoError(t, h.svc.Hangup(context.Background(), c.ProviderCallID))
	assert.Len(t, h.prov.hungUp, 1, "ended calls are not hung up again")
}
