package engine

import (
	"context"
	"sync"

	"github.com/ensenas/progression-engine/internal/domain/progression"
)

// broadcaster fans snapshots out to subscribers. Each subscriber channel
// holds at most one value; a newer snapshot replaces an unread one, so slow
// readers always catch up to the latest state instead of replaying history.
type broadcaster struct {
	mu     sync.Mutex
	nextID uint64
	subs   map[uint64]chan progression.Snapshot
}

func newBroadcaster() *broadcaster {
	return &broadcaster{subs: make(map[uint64]chan progression.Snapshot)}
}

func (b *broadcaster) subscribe(initial progression.Snapshot) (uint64, <-chan progression.Snapshot) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	ch := make(chan progression.Snapshot, 1)
	ch <- initial.Clone()
	b.subs[b.nextID] = ch
	return b.nextID, ch
}

func (b *broadcaster) unsubscribe(id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch, ok := b.subs[id]; ok {
		delete(b.subs, id)
		close(ch)
	}
}

func (b *broadcaster) publish(s progression.Snapshot) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, ch := range b.subs {
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- s.Clone():
		default:
		}
	}
}

func (b *broadcaster) count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Subscribe returns a channel that immediately yields the current snapshot
// and then every newer one. The channel is closed when ctx ends.
func (s *Store) Subscribe(ctx context.Context) <-chan progression.Snapshot {
	// Holding the read lock orders the initial value before any later commit.
	s.mu.RLock()
	id, ch := s.subs.subscribe(s.snapshot)
	s.mu.RUnlock()

	context.AfterFunc(ctx, func() { s.subs.unsubscribe(id) })
	return ch
}

// Subscribers returns the number of live subscriptions.
func (s *Store) Subscribers() int {
	return s.subs.count()
}
