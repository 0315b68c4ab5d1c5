package engine

import (
	"github.com/ensenas/progression-engine/internal/domain/progression"
	"github.com/ensenas/progression-engine/internal/domain/shared"
)

// Applied tells how an operation changed the snapshot.
type Applied string

const (
	// AppliedAuthoritative - every value came from the remote.
	AppliedAuthoritative Applied = "authoritative"

	// AppliedPartial - some remote reads failed and fell back.
	AppliedPartial Applied = "partial"

	// AppliedLocalFallback - the remote write failed; local arithmetic was used.
	AppliedLocalFallback Applied = "local_fallback"

	// AppliedLocal - a client-only change with no remote involved.
	AppliedLocal Applied = "local"

	// AppliedUnchanged - nothing was applied; the snapshot is as before.
	AppliedUnchanged Applied = "unchanged"
)

// Result is returned by every mutating store operation.
type Result struct {
	// Applied - how the snapshot was changed.
	Applied Applied

	// RemoteErr - the transient remote failure behind a non-authoritative result.
	RemoteErr error

	// Snapshot - the snapshot after the operation.
	Snapshot progression.Snapshot

	// Unlocked - notifications queued by this operation.
	Unlocked []progression.Notification

	// Degraded - names of the reads that fell back (initialize and refresh).
	Degraded []string

	// Reconciled - journaled awards accepted by the remote (reconcile and refresh).
	Reconciled int

	// Discarded - journaled awards dropped as rejected or out of attempts.
	Discarded int
}

// Stale reports whether the snapshot may differ from the remote's view.
func (r Result) Stale() bool {
	return r.RemoteErr != nil || r.Snapshot.Unconfirmed
}

// Session errors. These are the only failures besides precondition
// violations; everything remote-related degrades into a Result instead.
var (
	ErrNoSession = shared.NewDomainError("progression", "Session", shared.ErrInvalidState, "no signed-in learner")

	ErrSessionClosed = shared.NewDomainError("progression", "Session", shared.ErrInvalidState, "session closed while the operation was in flight")
)
