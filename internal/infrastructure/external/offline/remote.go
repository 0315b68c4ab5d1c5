// Package offline is an in-process progression authority. It applies the
// backend's own rules (level curve, calendar-day streaks, streak bonus) to
// state held in memory, so the engine runs without a backend during
// development and in end-to-end tests.
package offline

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/ensenas/progression-engine/internal/domain/progression"
	"github.com/ensenas/progression-engine/internal/domain/shared"
	"github.com/ensenas/progression-engine/pkg/timeutil"
)

// Remote implements the engine's RemoteService in memory.
type Remote struct {
	mu      sync.Mutex
	users   map[string]*account
	streaks progression.StreakModel
	now     func() time.Time
	offline bool
	nextTx  int
	nextDay int
}

type account struct {
	totalXP      int
	transactions []progression.XPTransaction // oldest first
	receipts     map[string]progression.AwardReceipt
	stats        progression.RemoteStats
	modules      map[int]progression.ModuleProgress
	current      int
	longest      int
	lastActivity time.Time
	activeDays   map[string]bool
	days         map[string]*progression.DailyActivity
}

// Option configures a Remote.
type Option func(*Remote)

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(r *Remote) { r.now = now }
}

// WithLocation sets the calendar used for streak days.
func WithLocation(loc *time.Location) Option {
	return func(r *Remote) { r.streaks = progression.NewStreakModel(loc) }
}

// New creates an empty authority.
func New(opts ...Option) *Remote {
	r := &Remote{
		users:   make(map[string]*account),
		streaks: progression.NewStreakModel(timeutil.DefaultLocation),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// SetOffline makes every call fail with a transient error until cleared.
func (r *Remote) SetOffline(offline bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.offline = offline
}

// SetStats seeds the aggregate statistics of a user.
func (r *Remote) SetStats(userID string, stats progression.RemoteStats) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.account(userID).stats = stats
}

// SetModuleProgress seeds one module's completion.
func (r *Remote) SetModuleProgress(userID string, moduleID int, percent float64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	r.account(userID).modules[moduleID] = progression.ModuleProgress{
		ModuleID:     moduleID,
		Percent:      min(max(percent, 0), 100),
		LastActivity: &now,
	}
}

// account must be called with the lock held.
func (r *Remote) account(userID string) *account {
	a, ok := r.users[userID]
	if !ok {
		a = &account{
			receipts:   make(map[string]progression.AwardReceipt),
			modules:    make(map[int]progression.ModuleProgress),
			activeDays: make(map[string]bool),
			days:       make(map[string]*progression.DailyActivity),
		}
		r.users[userID] = a
	}
	return a
}

// begin checks the call can proceed and locks the remote.
func (r *Remote) begin(ctx context.Context, op, userID string) (*account, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if userID == "" {
		return nil, shared.WrapError("offline", op, shared.ErrUnauthorized, "no user", nil)
	}
	r.mu.Lock()
	if r.offline {
		r.mu.Unlock()
		return nil, shared.WrapError("offline", op, shared.ErrServiceUnavailable, "authority offline", nil)
	}
	return r.account(userID), nil
}

// ══════════════════════════════════════════════════════════════════════════════
// READS
// ══════════════════════════════════════════════════════════════════════════════

// GetStats returns the seeded statistics with the live streak.
func (r *Remote) GetStats(ctx context.Context, userID string) (progression.RemoteStats, error) {
	a, err := r.begin(ctx, "GetStats", userID)
	if err != nil {
		return progression.RemoteStats{}, err
	}
	defer r.mu.Unlock()

	stats := a.stats
	stats.CurrentStreak = r.liveStreak(a)
	return stats, nil
}

// GetProgress returns module progress ordered by module id.
func (r *Remote) GetProgress(ctx context.Context, userID string) ([]progression.ModuleProgress, error) {
	a, err := r.begin(ctx, "GetProgress", userID)
	if err != nil {
		return nil, err
	}
	defer r.mu.Unlock()

	out := make([]progression.ModuleProgress, 0, len(a.modules))
	for _, m := range a.modules {
		out = append(out, m)
	}
	slices.SortFunc(out, func(x, y progression.ModuleProgress) int { return x.ModuleID - y.ModuleID })
	return out, nil
}

// GetLevelInfo returns the total XP and its level.
func (r *Remote) GetLevelInfo(ctx context.Context, userID string) (progression.LevelReport, error) {
	a, err := r.begin(ctx, "GetLevelInfo", userID)
	if err != nil {
		return progression.LevelReport{}, err
	}
	defer r.mu.Unlock()

	return progression.LevelReport{TotalXP: a.totalXP, Level: progression.LevelFor(a.totalXP)}, nil
}

// GetStreakInfo returns the streak as of today; a streak whose last day is
// more than one day ago reads as 0.
func (r *Remote) GetStreakInfo(ctx context.Context, userID string) (progression.StreakInfo, error) {
	a, err := r.begin(ctx, "GetStreakInfo", userID)
	if err != nil {
		return progression.StreakInfo{}, err
	}
	defer r.mu.Unlock()

	return r.streakInfo(a), nil
}

// GetXPTransactions pages the ledger newest first.
func (r *Remote) GetXPTransactions(ctx context.Context, userID string, skip, limit int) ([]progression.XPTransaction, error) {
	a, err := r.begin(ctx, "GetXPTransactions", userID)
	if err != nil {
		return nil, err
	}
	defer r.mu.Unlock()

	skip = max(skip, 0)
	if limit <= 0 {
		limit = 50
	}
	n := len(a.transactions)
	out := make([]progression.XPTransaction, 0, min(limit, max(n-skip, 0)))
	for i := n - 1 - skip; i >= 0 && len(out) < limit; i-- {
		out = append(out, a.transactions[i])
	}
	return out, nil
}

// ══════════════════════════════════════════════════════════════════════════════
// WRITES
// ══════════════════════════════════════════════════════════════════════════════

// AwardXP adds XP and records a ledger entry. A repeated idempotency key
// returns the first receipt without applying the award again.
func (r *Remote) AwardXP(ctx context.Context, userID string, award progression.XPAward) (progression.AwardReceipt, error) {
	if err := award.Validate(); err != nil {
		return progression.AwardReceipt{}, shared.WrapError("offline", "AwardXP", shared.ErrInvalidInput, "amount must be positive", err)
	}
	a, err := r.begin(ctx, "AwardXP", userID)
	if err != nil {
		return progression.AwardReceipt{}, err
	}
	defer r.mu.Unlock()

	if award.IdempotencyKey != "" {
		if receipt, ok := a.receipts[award.IdempotencyKey]; ok {
			return receipt, nil
		}
	}

	receipt := r.credit(userID, a, award)
	if award.IdempotencyKey != "" {
		a.receipts[award.IdempotencyKey] = receipt
	}
	return receipt, nil
}

// credit must be called with the lock held.
func (r *Remote) credit(userID string, a *account, award progression.XPAward) progression.AwardReceipt {
	previous := progression.LevelFor(a.totalXP).Level
	a.totalXP += award.Amount
	info := progression.LevelFor(a.totalXP)

	r.nextTx++
	a.transactions = append(a.transactions, progression.XPTransaction{
		ID:          r.nextTx,
		UserID:      userID,
		Amount:      award.Amount,
		Source:      award.Source,
		SourceID:    award.SourceID,
		Description: award.Description,
		CreatedAt:   r.now().UTC(),
	})

	return progression.AwardReceipt{
		XPAwarded:     award.Amount,
		TotalXP:       a.totalXP,
		PreviousLevel: previous,
		CurrentLevel:  info.Level,
		LevelUp:       info.Level > previous,
		Level:         info,
	}
}

// UpdateStreak records today's activity and extends the streak. The first
// activity of a day that lands on a bonus tier (3, 7, 14, 30, 50 days and
// every day past 50) credits a streak bonus.
func (r *Remote) UpdateStreak(ctx context.Context, userID string, activity progression.ActivityType, xpEarned int) (progression.DailyActivity, error) {
	if _, err := progression.ParseActivityType(string(activity)); err != nil {
		return progression.DailyActivity{}, shared.WrapError("offline", "UpdateStreak", shared.ErrInvalidInput, "unknown activity type", err)
	}
	a, err := r.begin(ctx, "UpdateStreak", userID)
	if err != nil {
		return progression.DailyActivity{}, err
	}
	defer r.mu.Unlock()

	loc := r.streaks.Location()
	now := r.now()
	today := timeutil.StartOfDay(now, loc)
	key := timeutil.FormatDate(today, loc)

	firstToday := !a.activeDays[key]
	a.current = r.streaks.NextStreak(a.lastActivity, today, a.current)
	a.longest = progression.LongestStreak(a.longest, a.current)
	a.lastActivity = today
	a.activeDays[key] = true

	if firstToday && isBonusDay(a.current) {
		r.credit(userID, a, progression.XPAward{
			Amount:      progression.StreakBonus(a.current),
			Source:      progression.SourceStreakBonus,
			Description: "Bono de racha",
		})
	}

	day, ok := a.days[key]
	if !ok {
		r.nextDay++
		day = &progression.DailyActivity{ID: r.nextDay, UserID: userID, ActivityDate: today, CreatedAt: now.UTC()}
		a.days[key] = day
	}
	switch activity {
	case progression.ActivityQuiz:
		day.QuizzesCompleted++
	case progression.ActivityLesson:
		day.LessonsCompleted++
	case progression.ActivityMemoryGame:
		day.MemoryGamesCompleted++
	}
	day.XPEarned += max(xpEarned, 0)
	return *day, nil
}

func isBonusDay(streak int) bool {
	switch streak {
	case 3, 7, 14, 30:
		return true
	}
	return streak >= 50
}

// liveStreak must be called with the lock held.
func (r *Remote) liveStreak(a *account) int {
	if a.current == 0 || r.streaks.IsBroken(a.lastActivity, r.now()) {
		return 0
	}
	return a.current
}

// streakInfo must be called with the lock held. WeeklyCalendar covers the
// last seven days with today last.
func (r *Remote) streakInfo(a *account) progression.StreakInfo {
	loc := r.streaks.Location()
	info := progression.StreakInfo{
		Current:         r.liveStreak(a),
		Longest:         a.longest,
		TotalActiveDays: len(a.activeDays),
	}
	if !a.lastActivity.IsZero() {
		last := a.lastActivity
		info.LastActivity = &last
	}
	today := timeutil.StartOfDay(r.now(), loc)
	for i := range info.WeeklyCalendar {
		day := today.AddDate(0, 0, i-(len(info.WeeklyCalendar)-1))
		info.WeeklyCalendar[i] = a.activeDays[timeutil.FormatDate(day, loc)]
	}
	return info
}
