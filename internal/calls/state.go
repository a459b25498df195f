package calls

import (
	"math"
	"time"
)

// transition applies ev to c and reports what happened. It is pure.
//
// Rules:
// - Only forward moves by rank apply; stale or duplicate events are ignored.
// - The first terminal status wins.
// - A late answered event after completed/failed only backfills answered_at.
// - busy, no-answer or canceled after the call was answered records as completed,
//   whichever of the two events arrives first.
func transition(c Call, ev Event, now time.Time) (Call, Outcome) {
	ts := ev.OccurredAt
	if ts.IsZero() {
		ts = now
	}
	ts = ts.UTC()

	cur := c.Status
	target := ev.Type.target()

	if cur.Terminal() {
		if ev.Type != EventAnswered || c.AnsweredAt != nil {
			return c, OutcomeIgnored
		}
		c.AnsweredAt = &ts
		switch cur {
		case CallStatusCompleted, CallStatusFailed:
			return c, OutcomeBackfilled
		}
		// The hangup overtook the answer.
		c.Status = CallStatusCompleted
		c.BillableSeconds = billableFor(c, c.DurationSeconds, nil)
		return c, OutcomeApplied
	}
	if target.rank() <= cur.rank() {
		return c, OutcomeIgnored
	}

	if c.AnsweredAt != nil {
		switch target {
		case CallStatusBusy, CallStatusNoAnswer, CallStatusCanceled:
			target = CallStatusCompleted
		}
	}

	switch target {
	case CallStatusInitiated, CallStatusRinging:
		if c.StartedAt == nil {
			c.StartedAt = &ts
		}
	case CallStatusInProgress:
		if c.StartedAt == nil {
			c.StartedAt = &ts
		}
		if c.AnsweredAt == nil {
			c.AnsweredAt = &ts
		}
	}

	c.Status = target
	c.Metadata = c.Metadata.merge(ev.Extra)

	if target.Terminal() {
		c.EndedAt = &ts
		if ev.EndedAt != nil {
			end := ev.EndedAt.UTC()
			c.EndedAt = &end
		}
		if ev.DurationSeconds != nil && *ev.DurationSeconds >= 0 {
			c.DurationSeconds = *ev.DurationSeconds
			c.BillableSeconds = billableFor(c, *ev.DurationSeconds, ev.BillableSeconds)
		}
	}
	return c, OutcomeApplied
}

// billableFor applies billable to c's status and, when the duration includes
// ring time, caps it at the answered-to-ended span.
func billableFor(c Call, duration int, reported *int) int {
	b := billable(c.Status, duration, reported)
	if b == 0 || !c.Metadata.Bool(MetaDurationIncludesRing) || c.AnsweredAt == nil || c.EndedAt == nil {
		return b
	}
	talk := int(math.Ceil(c.EndedAt.Sub(*c.AnsweredAt).Seconds()))
	if talk < 0 {
		talk = 0
	}
	if talk < b {
		b = talk
	}
	return b
}

// billable defaults to the full duration. Never-connected outcomes bill nothing.
func billable(target CallStatus, duration int, reported *int) int {
	switch target {
	case CallStatusBusy, CallStatusNoAnswer, CallStatusCanceled:
		return 0
	}
	b := duration
	if reported != nil && *reported >= 0 && *reported < b {
		b = *reported
	}
	return b
}
