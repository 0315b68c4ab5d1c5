package offline

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ensenas/progression-engine/internal/application/engine"
	"github.com/ensenas/progression-engine/internal/domain/progression"
	"github.com/ensenas/progression-engine/internal/domain/shared"
)

var _ engine.RemoteService = (*Remote)(nil)

type clock struct{ t time.Time }

func (c *clock) Now() time.Time { return c.t }

func newRemote() (*Remote, *clock) {
	c := &clock{t: time.Date(2024, 5, 10, 15, 0, 0, 0, time.UTC)}
	return New(WithClock(c.Now), WithLocation(time.UTC)), c
}

func TestRemote_AwardXPFollowsLevelCurve(t *testing.T) {
	r, _ := newRemote()
	ctx := context.Background()

	receipt, err := r.AwardXP(ctx, "u-1", progression.XPAward{Amount: 80, Source: progression.SourceQuiz})
	require.NoError(t, err)
	assert.Equal(t, 80, receipt.TotalXP)
	assert.False(t, receipt.LevelUp)

	receipt, err = r.AwardXP(ctx, "u-1", progression.XPAward{Amount: 50, Source: progression.SourceLesson})
	require.NoError(t, err)
	assert.Equal(t, 130, receipt.TotalXP)
	assert.Equal(t, 1, receipt.PreviousLevel)
	assert.Equal(t, 2, receipt.CurrentLevel)
	assert.True(t, receipt.LevelUp)
	assert.Equal(t, progression.LevelFor(130), receipt.Level)

	report, err := r.GetLevelInfo(ctx, "u-1")
	require.NoError(t, err)
	assert.Equal(t, 130, report.TotalXP)
	assert.Equal(t, 2, report.Level.Level)

	_, err = r.AwardXP(ctx, "u-1", progression.XPAward{Amount: 0})
	assert.ErrorIs(t, err, shared.ErrInvalidInput)
}

func TestRemote_AwardXPIsIdempotent(t *testing.T) {
	r, _ := newRemote()
	ctx := context.Background()
	award := progression.XPAward{Amount: 40, Source: progression.SourceQuiz, IdempotencyKey: "k-1"}

	first, err := r.AwardXP(ctx, "u-1", award)
	require.NoError(t, err)
	again, err := r.AwardXP(ctx, "u-1", award)
	require.NoError(t, err)

	assert.Equal(t, first, again)
	report, _ := r.GetLevelInfo(ctx, "u-1")
	assert.Equal(t, 40, report.TotalXP)
}

func TestRemote_TransactionsNewestFirst(t *testing.T) {
	r, c := newRemote()
	ctx := context.Background()

	for i := 1; i <= 5; i++ {
		_, err := r.AwardXP(ctx, "u-1", progression.XPAward{Amount: i * 10, Source: progression.SourceQuiz})
		require.NoError(t, err)
		c.t = c.t.Add(time.Minute)
	}

	page, err := r.GetXPTransactions(ctx, "u-1", 0, 2)
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, 50, page[0].Amount)
	assert.Equal(t, 40, page[1].Amount)

	page, err = r.GetXPTransactions(ctx, "u-1", 4, 10)
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, 10, page[0].Amount)

	page, err = r.GetXPTransactions(ctx, "u-1", 10, 10)
	require.NoError(t, err)
	assert.Empty(t, page)
}

func TestRemote_StreakAcrossDays(t *testing.T) {
	r, c := newRemote()
	ctx := context.Background()

	day, err := r.UpdateStreak(ctx, "u-1", progression.ActivityLesson, 25)
	require.NoError(t, err)
	assert.Equal(t, 1, day.LessonsCompleted)

	day, err = r.UpdateStreak(ctx, "u-1", progression.ActivityQuiz, 30)
	require.NoError(t, err)
	assert.Equal(t, 1, day.QuizzesCompleted)
	assert.Equal(t, 55, day.XPEarned)

	info, err := r.GetStreakInfo(ctx, "u-1")
	require.NoError(t, err)
	assert.Equal(t, 1, info.Current)

	c.t = c.t.AddDate(0, 0, 1)
	_, err = r.UpdateStreak(ctx, "u-1", progression.ActivityMemoryGame, 0)
	require.NoError(t, err)

	info, err = r.GetStreakInfo(ctx, "u-1")
	require.NoError(t, err)
	assert.Equal(t, 2, info.Current)
	assert.Equal(t, 2, info.Longest)
	assert.Equal(t, 2, info.TotalActiveDays)
	assert.Equal(t, [7]bool{false, false, false, false, false, true, true}, info.WeeklyCalendar)
	require.NotNil(t, info.LastActivity)

	// A missed day breaks the streak on read and restarts it on the next activity.
	c.t = c.t.AddDate(0, 0, 2)
	info, err = r.GetStreakInfo(ctx, "u-1")
	require.NoError(t, err)
	assert.Equal(t, 0, info.Current)
	assert.Equal(t, 2, info.Longest)

	stats, err := r.GetStats(ctx, "u-1")
	require.NoError(t, err)
	assert.Equal(t, 0, stats.CurrentStreak)

	_, err = r.UpdateStreak(ctx, "u-1", progression.ActivityLesson, 25)
	require.NoError(t, err)
	info, _ = r.GetStreakInfo(ctx, "u-1")
	assert.Equal(t, 1, info.Current)

	_, err = r.UpdateStreak(ctx, "u-1", "dance", 10)
	assert.ErrorIs(t, err, shared.ErrInvalidInput)
}

func TestRemote_StreakBonusOnTierDays(t *testing.T) {
	r, c := newRemote()
	ctx := context.Background()

	for range 3 {
		_, err := r.UpdateStreak(ctx, "u-1", progression.ActivityLesson, 25)
		require.NoError(t, err)
		_, err = r.UpdateStreak(ctx, "u-1", progression.ActivityQuiz, 10)
		require.NoError(t, err)
		c.t = c.t.AddDate(0, 0, 1)
	}

	report, err := r.GetLevelInfo(ctx, "u-1")
	require.NoError(t, err)
	assert.Equal(t, progression.StreakBonus(3), report.TotalXP, "one bonus on day 3 only")

	txs, err := r.GetXPTransactions(ctx, "u-1", 0, 10)
	require.NoError(t, err)
	require.Len(t, txs, 1)
	assert.Equal(t, progression.SourceStreakBonus, txs[0].Source)
}

func TestRemote_SeededReadsAndOfflineMode(t *testing.T) {
	r, _ := newRemote()
	ctx := context.Background()

	r.SetStats("u-1", progression.RemoteStats{SignsMastered: 40, GlobalPrecision: 88})
	r.SetModuleProgress("u-1", 2, 100)
	r.SetModuleProgress("u-1", 1, 55)

	mods, err := r.GetProgress(ctx, "u-1")
	require.NoError(t, err)
	require.Len(t, mods, 2)
	assert.Equal(t, 1, mods[0].ModuleID)
	assert.Equal(t, 1, progression.CompletedModules(mods))

	stats, err := r.GetStats(ctx, "u-1")
	require.NoError(t, err)
	assert.Equal(t, 40, stats.SignsMastered)

	r.SetOffline(true)
	_, err = r.GetStats(ctx, "u-1")
	assert.True(t, shared.IsTransient(err))
	_, err = r.AwardXP(ctx, "u-1", progression.XPAward{Amount: 5, Source: progression.SourceQuiz})
	assert.True(t, shared.IsTransient(err))

	r.SetOffline(false)
	_, err = r.GetStats(ctx, "")
	assert.ErrorIs(t, err, shared.ErrUnauthorized)

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	_, err = r.GetLevelInfo(cancelled, "u-1")
	assert.ErrorIs(t, err, context.Canceled)
}
