package redis

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ensenas/progression-engine/internal/domain/achievement"
	"github.com/ensenas/progression-engine/internal/domain/progression"
	"github.com/ensenas/progression-engine/internal/domain/shared"
)

type memKV struct {
	data map[string][]byte
	ttls map[string]time.Duration
	err  error
}

func newMemKV() *memKV {
	return &memKV{data: map[string][]byte{}, ttls: map[string]time.Duration{}}
}

func (m *memKV) Set(_ context.Context, key string, value interface{}, ttl time.Duration) error {
	if m.err != nil {
		return m.err
	}
	b, err := json.Marshal(value)
	if err != nil {
		return err
	}
	m.data[key] = b
	m.ttls[key] = ttl
	return nil
}

func (m *memKV) Get(_ context.Context, key string, dest interface{}) error {
	if m.err != nil {
		return m.err
	}
	b, ok := m.data[key]
	if !ok {
		return ErrCacheMiss
	}
	return json.Unmarshal(b, dest)
}

func (m *memKV) Delete(_ context.Context, keys ...string) error {
	for _, k := range keys {
		delete(m.data, k)
	}
	return nil
}

func TestSnapshotCache_SaveLoadDelete(t *testing.T) {
	ctx := context.Background()
	kv := newMemKV()
	cache := NewSnapshotCache(kv, 0)

	snap := progression.EmptySnapshot("u-1", achievement.DefaultCatalog(), 50)
	snap.TotalXP = 350
	snap.Level = progression.LevelFor(350)
	snap.Unconfirmed = true

	require.NoError(t, cache.Save(ctx, snap))
	assert.Equal(t, TTLSnapshot, kv.ttls["progression:snapshot:u-1"])

	got, err := cache.Load(ctx, "u-1")
	require.NoError(t, err)
	assert.Equal(t, 350, got.TotalXP)
	assert.Equal(t, 3, got.Level.Level)
	assert.True(t, got.Unconfirmed)
	assert.Len(t, got.Achievements, len(snap.Achievements))

	require.NoError(t, cache.Delete(ctx, "u-1"))
	_, err = cache.Load(ctx, "u-1")
	assert.True(t, shared.IsNotFound(err))
}

func TestSnapshotCache_Errors(t *testing.T) {
	ctx := context.Background()
	kv := newMemKV()
	cache := NewSnapshotCache(kv, time.Hour)

	assert.ErrorIs(t, cache.Save(ctx, progression.Snapshot{}), shared.ErrMissingUserID)

	kv.err = errors.New("connection reset")
	_, err := cache.Load(ctx, "u-1")
	require.Error(t, err)
	assert.False(t, shared.IsNotFound(err))
}

func TestConfig_Options(t *testing.T) {
	opts, err := DefaultConfig().Options()
	require.NoError(t, err)
	assert.Equal(t, "localhost:6379", opts.Addr)

	opts, err = Config{URL: "redis://:secret@cache:6380/2"}.Options()
	require.NoError(t, err)
	assert.Equal(t, "cache:6380", opts.Addr)
	assert.Equal(t, "secret", opts.Password)
	assert.Equal(t, 2, opts.DB)

	_, err = Config{URL: "http://nope"}.Options()
	assert.Error(t, err)
}
