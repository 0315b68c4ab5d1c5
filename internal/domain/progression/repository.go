package progression

import (
	"context"
	"time"
)

// PendingAward is an XP award applied locally while the remote was
// unreachable, waiting to be replayed.
type PendingAward struct {
	// ID - journal entry id.
	ID string

	// UserID - owner of the award.
	UserID string

	// Award - the original request; its IdempotencyKey is reused on replay.
	Award XPAward

	// CreatedAt - when the award was applied locally.
	CreatedAt time.Time

	// Attempts - replay attempts so far.
	Attempts int
}

// AwardJournal stores unconfirmed awards until the remote accepts them.
// Implemented by the persistence layer (memory, SQLite, Postgres).
type AwardJournal interface {
	// Append records an award applied through the local fallback.
	Append(ctx context.Context, award PendingAward) error

	// Pending returns the user's unconfirmed awards, oldest first.
	Pending(ctx context.Context, userID string) ([]PendingAward, error)

	// MarkConfirmed removes an award the remote has accepted.
	MarkConfirmed(ctx context.Context, id string) error

	// RecordAttempt bumps the replay counter of an award that failed again.
	RecordAttempt(ctx context.Context, id string) error
}

// SnapshotCache keeps the last published snapshot per user outside the
// process, for dashboards and for warm restarts.
type SnapshotCache interface {
	// Save stores the snapshot under its UserID.
	Save(ctx context.Context, snapshot Snapshot) error

	// Delete drops the cached snapshot, used on sign-out.
	Delete(ctx context.Context, userID string) error
}
