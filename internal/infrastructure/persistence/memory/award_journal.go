// Package memory holds process-local implementations of the progression
// repositories, used when no database is configured and in tests.
package memory

import (
	"context"
	"slices"
	"sync"

	"github.com/ensenas/progression-engine/internal/domain/progression"
	"github.com/ensenas/progression-engine/internal/domain/shared"
)

// AwardJournal is an in-memory progression.AwardJournal. Entries are lost
// on restart.
type AwardJournal struct {
	mu      sync.Mutex
	entries []progression.PendingAward
}

var _ progression.AwardJournal = (*AwardJournal)(nil)

// NewAwardJournal creates an empty journal.
func NewAwardJournal() *AwardJournal {
	return &AwardJournal{}
}

// Append records an award. Appending the same idempotency key twice is a no-op.
func (j *AwardJournal) Append(_ context.Context, award progression.PendingAward) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	for _, e := range j.entries {
		if e.Award.IdempotencyKey == award.Award.IdempotencyKey {
			return nil
		}
	}
	j.entries = append(j.entries, award)
	return nil
}

// Pending returns the user's unconfirmed awards, oldest first.
func (j *AwardJournal) Pending(_ context.Context, userID string) ([]progression.PendingAward, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	var out []progression.PendingAward
	for _, e := range j.entries {
		if e.UserID == userID {
			out = append(out, e)
		}
	}
	slices.SortStableFunc(out, func(a, b progression.PendingAward) int {
		return a.CreatedAt.Compare(b.CreatedAt)
	})
	return out, nil
}

// MarkConfirmed removes an award. Unknown ids are ignored.
func (j *AwardJournal) MarkConfirmed(_ context.Context, id string) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	j.entries = slices.DeleteFunc(j.entries, func(e progression.PendingAward) bool { return e.ID == id })
	return nil
}

// RecordAttempt bumps the replay counter.
func (j *AwardJournal) RecordAttempt(_ context.Context, id string) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	for i := range j.entries {
		if j.entries[i].ID == id {
			j.entries[i].Attempts++
			return nil
		}
	}
	return shared.WrapError("award_journal", "RecordAttempt", shared.ErrNotFound, "pending award not found", nil)
}

// Len returns the number of pending awards across all users.
func (j *AwardJournal) Len() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return len(j.entries)
}
