package engine

import (
	"time"

	"github.com/google/uuid"

	"github.com/ensenas/progression-engine/internal/domain/achievement"
	"github.com/ensenas/progression-engine/internal/domain/progression"
	"github.com/ensenas/progression-engine/internal/domain/shared"
)

// notificationQueue holds unlock notifications until the learner dismisses
// them. Guarded by Store.mu.
type notificationQueue struct {
	pending []progression.Notification
	issued  map[string]struct{}
}

func newNotificationQueue() *notificationQueue {
	return &notificationQueue{issued: make(map[string]struct{})}
}

// push queues one notification per definition, oldest first.
func (q *notificationQueue) push(defs []achievement.Definition, at time.Time) []progression.Notification {
	if len(defs) == 0 {
		return nil
	}
	added := make([]progression.Notification, 0, len(defs))
	for _, d := range defs {
		n := progression.Notification{
			ID:          uuid.NewString(),
			Achievement: d,
			UnlockedAt:  at,
		}
		q.issued[n.ID] = struct{}{}
		q.pending = append(q.pending, n)
		added = append(added, n)
	}
	return added
}

// dismiss removes a pending notification. Dismissing twice is a no-op;
// dismissing an id this session never issued is a caller bug.
func (q *notificationQueue) dismiss(id string) error {
	if _, ok := q.issued[id]; !ok {
		return shared.ErrUnknownNotification
	}
	for i, n := range q.pending {
		if n.ID == id {
			q.pending = append(q.pending[:i:i], q.pending[i+1:]...)
			break
		}
	}
	return nil
}

func (q *notificationQueue) list() []progression.Notification {
	out := make([]progression.Notification, len(q.pending))
	copy(out, q.pending)
	return out
}

func (q *notificationQueue) head() (progression.Notification, bool) {
	if len(q.pending) == 0 {
		return progression.Notification{}, false
	}
	return q.pending[0], true
}

// DismissNotification removes one pending unlock notification.
func (s *Store) DismissNotification(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == nil {
		return ErrNoSession
	}
	return s.notes.dismiss(id)
}

// Notifications returns the pending unlock notifications, oldest first.
func (s *Store) Notifications() []progression.Notification {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.notes.list()
}

// NextNotification returns the oldest pending notification without removing
// it; the caller dismisses it once shown.
func (s *Store) NextNotification() (progression.Notification, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.notes.head()
}
