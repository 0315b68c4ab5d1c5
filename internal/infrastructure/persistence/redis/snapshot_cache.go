package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ensenas/progression-engine/internal/domain/progression"
	"github.com/ensenas/progression-engine/internal/domain/shared"
)

// KeyValue is the part of Cache the snapshot cache uses.
type KeyValue interface {
	Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error
	Get(ctx context.Context, key string, dest interface{}) error
	Delete(ctx context.Context, keys ...string) error
}

// SnapshotCache implements progression.SnapshotCache on Redis.
type SnapshotCache struct {
	kv  KeyValue
	ttl time.Duration
}

var _ progression.SnapshotCache = (*SnapshotCache)(nil)

// NewSnapshotCache creates a snapshot cache. ttl <= 0 uses TTLSnapshot.
func NewSnapshotCache(kv KeyValue, ttl time.Duration) *SnapshotCache {
	if ttl <= 0 {
		ttl = TTLSnapshot
	}
	return &SnapshotCache{kv: kv, ttl: ttl}
}

// Save stores the snapshot under its UserID.
func (c *SnapshotCache) Save(ctx context.Context, snapshot progression.Snapshot) error {
	if snapshot.UserID == "" {
		return shared.ErrMissingUserID
	}
	if err := c.kv.Set(ctx, SnapshotKey(snapshot.UserID), snapshot, c.ttl); err != nil {
		return fmt.Errorf("save snapshot: %w", err)
	}
	return nil
}

// Load returns the cached snapshot or shared.ErrNotFound.
func (c *SnapshotCache) Load(ctx context.Context, userID string) (progression.Snapshot, error) {
	var s progression.Snapshot
	err := c.kv.Get(ctx, SnapshotKey(userID), &s)
	switch {
	case err == nil:
		return s, nil
	case errors.Is(err, ErrCacheMiss):
		return progression.Snapshot{}, shared.WrapError("snapshot_cache", "Load", shared.ErrNotFound, "no cached snapshot", err)
	default:
		return progression.Snapshot{}, fmt.Errorf("load snapshot: %w", err)
	}
}

// Delete drops the cached snapshot.
func (c *SnapshotCache) Delete(ctx context.Context, userID string) error {
	return c.kv.Delete(ctx, SnapshotKey(userID))
}
