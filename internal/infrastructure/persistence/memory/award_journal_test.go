package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ensenas/progression-engine/internal/domain/progression"
	"github.com/ensenas/progression-engine/internal/domain/shared"
)

func TestAwardJournal(t *testing.T) {
	ctx := context.Background()
	j := NewAwardJournal()
	base := time.Date(2024, 5, 10, 15, 0, 0, 0, time.UTC)

	mk := func(id string, at time.Time) progression.PendingAward {
		return progression.PendingAward{
			ID: id, UserID: "u-1", CreatedAt: at,
			Award: progression.XPAward{Amount: 10, Source: progression.SourceLesson, IdempotencyKey: "k-" + id},
		}
	}

	require.NoError(t, j.Append(ctx, mk("late", base.Add(time.Hour))))
	require.NoError(t, j.Append(ctx, mk("early", base)))
	require.NoError(t, j.Append(ctx, mk("early", base)))
	assert.Equal(t, 2, j.Len())

	pending, err := j.Pending(ctx, "u-1")
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, "early", pending[0].ID)

	require.NoError(t, j.RecordAttempt(ctx, "late"))
	require.NoError(t, j.MarkConfirmed(ctx, "early"))
	require.NoError(t, j.MarkConfirmed(ctx, "missing"))

	pending, err = j.Pending(ctx, "u-1")
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, 1, pending[0].Attempts)

	assert.True(t, shared.IsNotFound(j.RecordAttempt(ctx, "early")))
}
