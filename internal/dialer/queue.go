package dialer

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"voip-platform/internal/calls"
	"voip-platform/pkg/logger"

	"github.com/google/uuid"
)

// Placer is the call state machine's placement surface.
type Placer interface {
	Place(ctx context.Context, req calls.PlaceRequest) (calls.Call, error)
	Hangup(ctx context.Context, providerCallID string) error
	Subscribe(obs calls.Observer) *calls.Subscription
}

// Scheduler runs f once after d. The returned stop cancels a pending run.
type Scheduler func(d time.Duration, f func()) (stop func() bool)

// AfterFunc is the production Scheduler.
func AfterFunc(d time.Duration, f func()) func() bool {
	return time.AfterFunc(d, f).Stop
}

// metaItemID tags placed calls so status changes find their queue item.
const metaItemID = "dial_queue_item_id"

type Options struct {
	TenantID   string
	CampaignID string
	UserID     string
	CallerID   string

	Placer   Placer
	Contacts ContactStore
	Items    ItemStore

	InterCallDelay time.Duration
	WrapUpDuration time.Duration

	Schedule Scheduler
	Logger   *slog.Logger
	Clock    func() time.Time
}

// Queue is a single-line power dialer for one campaign run.
//
// Contract:
// - At most one item is dialing, active or in wrap-up at any instant.
// - Placement runs outside the lock; status changes arrive through the calls observer.
// - Pause, Skip and Stop cancel pending timers. A timer that lost its race is a no-op.
type Queue struct {
	opts Options
	log  *slog.Logger
	sub  *calls.Subscription

	mu      sync.Mutex
	loaded  bool
	status  Status
	items   []*Item
	byID    map[string]*Item
	current *Item

	// gen invalidates timers that fire after being superseded.
	gen       uint64
	stopTimer func() bool
	// base carries request-scoped values into timer-driven work.
	base context.Context
}

func NewQueue(opts Options) *Queue {
	if opts.InterCallDelay <= 0 {
		opts.InterCallDelay = 3 * time.Second
	}
	if opts.WrapUpDuration <= 0 {
		opts.WrapUpDuration = 15 * time.Second
	}
	if opts.Schedule == nil {
		opts.Schedule = AfterFunc
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	q := &Queue{
		opts:   opts,
		log:    log.With("tenant_id", opts.TenantID, "campaign_id", opts.CampaignID),
		status: StatusIdle,
		byID:   make(map[string]*Item),
		base:   context.Background(),
	}
	if opts.Placer != nil {
		q.sub = opts.Placer.Subscribe(q)
	}
	return q
}

// LoadCampaign materializes the queue from the campaign's dialable contacts.
func (q *Queue) LoadCampaign(ctx context.Context) (Snapshot, error) {
	q.mu.Lock()
	if q.status == StatusRunning || q.status == StatusWrapUp || (q.current != nil && q.current.Status.live()) {
		q.mu.Unlock()
		return Snapshot{}, ErrAlreadyRunning
	}
	q.mu.Unlock()

	contacts, err := q.opts.Contacts.DialableContacts(ctx, q.opts.TenantID, q.opts.CampaignID)
	if err != nil {
		return Snapshot{}, err
	}

	now := q.opts.Clock().UTC()
	items := make([]*Item, 0, len(contacts))
	rows := make([]Item, 0, len(contacts))
	for i, c := range contacts {
		it := &Item{
			ID:         uuid.NewString(),
			TenantID:   q.opts.TenantID,
			CampaignID: q.opts.CampaignID,
			ContactID:  c.ID,
			Position:   i,
			Status:     ItemWaiting,
			Phone:      c.Phone,
			Name:       c.Name,
			CreatedAt:  now,
			UpdatedAt:  now,
		}
		items = append(items, it)
		rows = append(rows, *it)
	}
	if len(rows) > 0 {
		if err := q.opts.Items.InsertItems(ctx, rows); err != nil {
			return Snapshot{}, err
		}
	}

	q.mu.Lock()
	q.items = items
	q.byID = make(map[string]*Item, len(items))
	for _, it := range items {
		q.byID[it.ID] = it
	}
	q.current = nil
	q.status = StatusIdle
	q.loaded = true
	snap := q.snapshotLocked()
	q.mu.Unlock()

	q.logger(ctx).Info("campaign queue loaded", "contacts", len(items))
	return snap, nil
}

// Start begins or resumes dialing. A call in progress is left to finish;
// a finished call awaiting wrap-up is closed out and the next contact dialed.
func (q *Queue) Start(ctx context.Context) error {
	q.mu.Lock()
	if !q.loaded {
		q.mu.Unlock()
		return ErrQueueNotLoaded
	}
	if q.status == StatusRunning || q.status == StatusWrapUp {
		q.mu.Unlock()
		return ErrAlreadyRunning
	}
	q.base = context.WithoutCancel(ctx)
	q.status = StatusRunning

	var eff effects
	dial := true
	if cur := q.current; cur != nil {
		switch cur.Status {
		case ItemDialing, ItemActive:
			dial = false
		case ItemWrapUp:
			eff.item(q.finishLocked(cur))
		}
	}
	q.mu.Unlock()

	q.logger(ctx).Info("dialer started")
	q.apply(ctx, eff)
	if dial {
		q.dialNext(ctx)
	}
	return nil
}

// Resume is Start after Pause.
func (q *Queue) Resume(ctx context.Context) error { return q.Start(ctx) }

// Pause freezes progression. An in-flight call is not terminated.
func (q *Queue) Pause(ctx context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.loaded {
		return ErrQueueNotLoaded
	}
	if q.status != StatusRunning && q.status != StatusWrapUp {
		return nil
	}
	q.cancelTimerLocked()
	q.status = StatusPaused
	q.logger(ctx).Info("dialer paused")
	return nil
}

// Skip ends the current contact, hanging up a live call, and moves on
// immediately when the queue is running. A contact skipped mid-placement
// is hung up once the provider answers, and only then is the next one dialed.
func (q *Queue) Skip(ctx context.Context) error {
	q.mu.Lock()
	if !q.loaded {
		q.mu.Unlock()
		return ErrQueueNotLoaded
	}
	cur := q.current
	running := q.status == StatusRunning || q.status == StatusWrapUp
	if cur == nil && !running {
		q.mu.Unlock()
		return ErrNoActiveItem
	}
	q.cancelTimerLocked()

	var eff effects
	if cur != nil {
		switch cur.Status {
		case ItemDialing, ItemActive:
			q.cutLocked(cur, &eff)
		case ItemWrapUp:
			eff.item(q.finishLocked(cur))
		}
		q.current = nil
	}
	if running {
		q.status = StatusRunning
	}
	q.mu.Unlock()

	q.logger(ctx).Info("contact skipped")
	q.apply(ctx, eff)
	if running {
		q.dialNext(ctx)
	}
	return nil
}

// CompleteWrapUp saves operator notes on the contact and advances without
// waiting for the wrap-up timer. A paused queue stays paused.
func (q *Queue) CompleteWrapUp(ctx context.Context, notes string) error {
	q.mu.Lock()
	cur := q.current
	if cur == nil || cur.Status != ItemWrapUp {
		q.mu.Unlock()
		return ErrNotWrappingUp
	}
	q.cancelTimerLocked()

	var eff effects
	cur.Notes = notes
	eff.item(q.finishLocked(cur))
	if notes != "" {
		eff.notes = append(eff.notes, contactNote{contactID: cur.ContactID, notes: notes})
	}
	dial := q.status == StatusWrapUp
	if dial {
		q.status = StatusRunning
	}
	q.mu.Unlock()

	q.apply(ctx, eff)
	if dial {
		q.dialNext(ctx)
	}
	return nil
}

// Stop returns the queue to idle and hangs up a live call. Finished items are kept.
func (q *Queue) Stop(ctx context.Context) error {
	q.mu.Lock()
	if !q.loaded {
		q.mu.Unlock()
		return ErrQueueNotLoaded
	}
	q.cancelTimerLocked()

	var eff effects
	if cur := q.current; cur != nil {
		switch cur.Status {
		case ItemDialing, ItemActive:
			q.cutLocked(cur, &eff)
		case ItemWrapUp:
			eff.item(q.finishLocked(cur))
		}
	}
	q.current = nil
	q.status = StatusIdle
	q.mu.Unlock()

	q.logger(ctx).Info("dialer stopped")
	q.apply(ctx, eff)
	return nil
}

// Close cancels timers and detaches from call updates. The queue is unusable afterwards.
func (q *Queue) Close() {
	q.mu.Lock()
	q.cancelTimerLocked()
	q.mu.Unlock()
	q.sub.Unsubscribe()
}

func (q *Queue) Status() Status {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.status
}

func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.statsLocked()
}

func (q *Queue) Snapshot() Snapshot {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.snapshotLocked()
}

// OnCallChanged consumes call state changes for calls this queue placed.
func (q *Queue) OnCallChanged(ctx context.Context, ch calls.Change) {
	itemID := ch.Call.Metadata.String(metaItemID)
	if itemID == "" || ch.Call.CampaignID != q.opts.CampaignID || ch.Call.TenantID != q.opts.TenantID {
		return
	}

	q.mu.Lock()
	it, ok := q.byID[itemID]
	if !ok || (it.CallID != "" && it.CallID != ch.Call.ID) {
		q.mu.Unlock()
		return
	}
	if it.placing {
		c := ch.Call
		it.pending = &c
		q.mu.Unlock()
		return
	}
	var eff effects
	q.observeLocked(it, ch.Call, &eff)
	q.mu.Unlock()

	q.apply(ctx, eff)
}

func (q *Queue) dialNext(ctx context.Context) {
	q.mu.Lock()
	if q.status != StatusRunning || (q.current != nil && q.current.Status.live()) {
		q.mu.Unlock()
		return
	}
	var next *Item
	for _, it := range q.items {
		if it.placing {
			// The line frees up when that placement returns.
			q.mu.Unlock()
			return
		}
		if next == nil && it.Status == ItemWaiting {
			next = it
		}
	}
	if next == nil {
		q.current = nil
		q.status = StatusIdle
		stats := q.statsLocked()
		q.mu.Unlock()
		q.logger(ctx).Info("campaign queue exhausted", "completed", stats.Completed, "failed", stats.Failed, "skipped", stats.Skipped)
		return
	}
	next.Status = ItemDialing
	next.placing = true
	next.UpdatedAt = q.opts.Clock().UTC()
	q.current = next
	row := *next
	q.mu.Unlock()

	q.persistItem(ctx, row)

	call, err := q.opts.Placer.Place(ctx, calls.PlaceRequest{
		TenantID:   q.opts.TenantID,
		UserID:     q.opts.UserID,
		CampaignID: q.opts.CampaignID,
		ContactID:  row.ContactID,
		From:       q.opts.CallerID,
		To:         row.Phone,
		Metadata:   map[string]any{metaItemID: row.ID},
	})

	q.mu.Lock()
	it := q.byID[row.ID]
	if it == nil {
		// Reloaded while placing; the call belongs to no item.
		q.mu.Unlock()
		if err == nil && call.CorrelationID() != "" {
			q.hangup(ctx, call.CorrelationID())
		}
		return
	}
	it.placing = false
	pending := it.pending
	it.pending = nil
	if call.ID != "" {
		it.CallID = call.ID
		it.ProviderCallID = call.CorrelationID()
	}

	var eff effects
	advance := false
	switch {
	case it.Status != ItemDialing:
		// Skipped or stopped while the provider was dialing.
		eff.item(*it)
		if err == nil && it.ProviderCallID != "" {
			eff.hangups = append(eff.hangups, it.ProviderCallID)
		}
		advance = q.status == StatusRunning
	case err != nil && tenantBlocked(err):
		// Nothing is wrong with the contact; hold the line until an operator resumes.
		it.Status = ItemWaiting
		it.CallID, it.ProviderCallID = "", ""
		it.UpdatedAt = q.opts.Clock().UTC()
		eff.item(*it)
		if q.current == it {
			q.current = nil
		}
		if q.status == StatusRunning {
			q.cancelTimerLocked()
			q.status = StatusPaused
		}
	case err != nil:
		it.Status = ItemCompleted
		it.Outcome = OutcomePlacementFailed
		it.UpdatedAt = q.opts.Clock().UTC()
		eff.item(*it)
		eff.outcome(it)
		if q.current == it {
			q.current = nil
		}
		if q.status == StatusRunning {
			q.scheduleLocked(q.opts.InterCallDelay, func() { q.dialNext(q.base) })
		}
	case pending != nil:
		eff.item(*it)
		q.observeLocked(it, *pending, &eff)
	default:
		eff.item(*it)
	}
	q.mu.Unlock()

	switch {
	case err != nil && tenantBlocked(err):
		q.logger(ctx).Warn("dialer paused, tenant cannot place calls", "contact_id", row.ContactID, "err", err)
	case err != nil:
		q.logger(ctx).Warn("dialer placement failed", "contact_id", row.ContactID, "err", err)
	}
	q.apply(ctx, eff)
	if advance {
		q.dialNext(ctx)
	}
}

// tenantBlocked reports placement errors caused by the tenant's account rather than the contact.
func tenantBlocked(err error) bool {
	return errors.Is(err, calls.ErrCreditLimit) ||
		errors.Is(err, calls.ErrConcurrencyLimit) ||
		errors.Is(err, calls.ErrUnknownProvider)
}

func (q *Queue) observeLocked(it *Item, c calls.Call, eff *effects) {
	switch {
	case c.Status.Terminal() && (it.Status == ItemDialing || it.Status == ItemActive):
		it.Status = ItemWrapUp
		it.Outcome = outcomeFor(c)
		it.UpdatedAt = q.opts.Clock().UTC()
		eff.outcome(it)

		switch q.status {
		case StatusRunning:
			q.status = StatusWrapUp
			q.scheduleLocked(q.opts.WrapUpDuration, q.wrapUpElapsed)
		case StatusPaused:
			// Resume closes out the wrap-up.
		default:
			q.finishLocked(it)
		}
		eff.item(*it)
	case c.Status == calls.CallStatusInProgress && it.Status == ItemDialing:
		it.Status = ItemActive
		it.UpdatedAt = q.opts.Clock().UTC()
		eff.item(*it)
	}
}

func (q *Queue) wrapUpElapsed() {
	q.mu.Lock()
	if q.status != StatusWrapUp {
		q.mu.Unlock()
		return
	}
	var eff effects
	if cur := q.current; cur != nil && cur.Status == ItemWrapUp {
		eff.item(q.finishLocked(cur))
	}
	q.status = StatusRunning
	ctx := q.base
	q.mu.Unlock()

	q.apply(ctx, eff)
	q.dialNext(ctx)
}

// finishLocked closes out a wrap-up item and frees the line.
func (q *Queue) finishLocked(it *Item) Item {
	it.Status = ItemCompleted
	it.UpdatedAt = q.opts.Clock().UTC()
	if q.current == it {
		q.current = nil
	}
	return *it
}

// cutLocked marks a live item skipped and queues a hangup if the call is known.
func (q *Queue) cutLocked(it *Item, eff *effects) {
	it.Status = ItemSkipped
	it.Outcome = OutcomeSkipped
	it.UpdatedAt = q.opts.Clock().UTC()
	eff.item(*it)
	eff.outcome(it)
	if it.ProviderCallID != "" {
		eff.hangups = append(eff.hangups, it.ProviderCallID)
	}
}

func (q *Queue) scheduleLocked(d time.Duration, fire func()) {
	q.cancelTimerLocked()
	gen := q.gen
	q.stopTimer = q.opts.Schedule(d, func() {
		q.mu.Lock()
		if q.gen != gen {
			q.mu.Unlock()
			return
		}
		q.stopTimer = nil
		q.mu.Unlock()
		fire()
	})
}

func (q *Queue) cancelTimerLocked() {
	if q.stopTimer != nil {
		q.stopTimer()
		q.stopTimer = nil
	}
	q.gen++
}

func (q *Queue) statsLocked() Stats {
	s := Stats{Total: len(q.items)}
	for _, it := range q.items {
		switch it.Status {
		case ItemWaiting:
			s.Remaining++
		case ItemSkipped:
			s.Skipped++
		case ItemWrapUp, ItemCompleted:
			if it.Outcome == OutcomePlacementFailed {
				s.Failed++
				continue
			}
			s.Completed++
			switch it.Outcome {
			case OutcomeConnected:
				s.Connected++
			case OutcomeNoAnswer:
				s.NoAnswer++
			case OutcomeBusy:
				s.Busy++
			case OutcomeFailed:
				s.Failed++
			}
		}
	}
	return s
}

func (q *Queue) snapshotLocked() Snapshot {
	snap := Snapshot{
		CampaignID: q.opts.CampaignID,
		TenantID:   q.opts.TenantID,
		UserID:     q.opts.UserID,
		Status:     q.status,
		Items:      make([]Item, 0, len(q.items)),
		Stats:      q.statsLocked(),
	}
	for _, it := range q.items {
		cp := *it
		cp.pending = nil
		snap.Items = append(snap.Items, cp)
	}
	if q.current != nil {
		cp := *q.current
		cp.pending = nil
		snap.Current = &cp
	}
	return snap
}

type contactOutcome struct {
	contactID string
	status    string
	outcome   Outcome
}

type contactNote struct {
	contactID string
	notes     string
}

// effects are store and provider writes collected under the lock and applied after it.
type effects struct {
	items    []Item
	outcomes []contactOutcome
	notes    []contactNote
	hangups  []string
}

func (e *effects) item(it Item) {
	it.pending = nil
	e.items = append(e.items, it)
}

func (e *effects) outcome(it *Item) {
	e.outcomes = append(e.outcomes, contactOutcome{contactID: it.ContactID, status: contactStatus(it.Outcome), outcome: it.Outcome})
}

func (q *Queue) apply(ctx context.Context, eff effects) {
	for _, it := range eff.items {
		q.persistItem(ctx, it)
	}
	for _, o := range eff.outcomes {
		if err := q.opts.Contacts.RecordOutcome(ctx, q.opts.TenantID, o.contactID, o.status, o.outcome); err != nil {
			q.logger(ctx).Warn("record contact outcome failed", "contact_id", o.contactID, "err", err)
		}
	}
	for _, n := range eff.notes {
		if err := q.opts.Contacts.SaveNotes(ctx, q.opts.TenantID, n.contactID, n.notes); err != nil {
			q.logger(ctx).Warn("save contact notes failed", "contact_id", n.contactID, "err", err)
		}
	}
	for _, id := range eff.hangups {
		q.hangup(ctx, id)
	}
}

func (q *Queue) persistItem(ctx context.Context, it Item) {
	if err := q.opts.Items.UpdateItem(ctx, it); err != nil {
		q.logger(ctx).Warn("persist dial queue item failed", "item_id", it.ID, "status", it.Status, "err", err)
	}
}

func (q *Queue) hangup(ctx context.Context, providerCallID string) {
	if q.opts.Placer == nil {
		return
	}
	if err := q.opts.Placer.Hangup(ctx, providerCallID); err != nil && !errors.Is(err, calls.ErrCallNotFound) {
		q.logger(ctx).Warn("dialer hangup failed", "provider_call_id", providerCallID, "err", err)
	}
}

func (q *Queue) logger(ctx context.Context) *slog.Logger {
	if l := logger.From(ctx); l != slog.Default() {
		return l.With("tenant_id", q.opts.TenantID, "campaign_id", q.opts.CampaignID)
	}
	return q.log
}
