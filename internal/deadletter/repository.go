package deadletter

import (
	"context"
	"time"
)

// Repo persists dead-letter entries.
type Repo interface {
	Insert(ctx context.Context, e Entry) error
	Get(ctx context.Context, id string) (Entry, error)
	List(ctx context.Context, f Filter) ([]Entry, error)

	// ClaimPending moves up to limit pending entries (and retried entries whose
	// last attempt is older than staleBefore) to retried, bumping attempts.
	ClaimPending(ctx context.Context, limit int, staleBefore, now time.Time) ([]Entry, error)

	// Claim moves one non-resolved entry to retried for a manual replay.
	Claim(ctx context.Context, id string, now time.Time) (Entry, error)

	// Finish records the outcome of an attempt.
	Finish(ctx context.Context, id string, status Status, errMsg string, now time.Time) error
}
