// Package progression holds the pure progression model: the XP level curve,
// calendar-day streaks, daily goals, and the value types exchanged with the
// remote progression authority.
package progression

import (
	"time"

	"github.com/ensenas/progression-engine/internal/domain/achievement"
	"github.com/ensenas/progression-engine/internal/domain/shared"
)

// ══════════════════════════════════════════════════════════════════════════════
// SNAPSHOT
// ══════════════════════════════════════════════════════════════════════════════

// Snapshot is the observable progression state of one signed-in user.
// It is replaced as a whole on every mutation; Clone before handing it out.
type Snapshot struct {
	UserID        string              `json:"user_id"`
	TotalXP       int                 `json:"total_xp"`
	Level         LevelInfo           `json:"level"`
	CurrentStreak int                 `json:"current_streak"`
	LongestStreak int                 `json:"longest_streak"`
	Streak        StreakInfo          `json:"streak"`
	DailyGoal     DailyGoal           `json:"daily_goal"`
	Achievements  []achievement.State `json:"achievements"`

	// Unconfirmed is true while TotalXP includes awards the remote has not
	// acknowledged.
	Unconfirmed bool      `json:"unconfirmed"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// EmptySnapshot is the state right after sign-in, before the first sync.
func EmptySnapshot(userID string, catalog *achievement.Catalog, dailyTarget int) Snapshot {
	return Snapshot{
		UserID:       userID,
		Level:        LevelFor(0),
		DailyGoal:    NewDailyGoal(0, dailyTarget),
		Achievements: achievement.InitialStates(catalog),
	}
}

// Clone returns a deep copy that shares no memory with s.
func (s Snapshot) Clone() Snapshot {
	out := s
	out.Achievements = achievement.CloneStates(s.Achievements)
	if s.Streak.LastActivity != nil {
		t := *s.Streak.LastActivity
		out.Streak.LastActivity = &t
	}
	return out
}

// UnlockedCount returns how many achievements are unlocked.
func (s Snapshot) UnlockedCount() int {
	n := 0
	for _, st := range s.Achievements {
		if st.Unlocked {
			n++
		}
	}
	return n
}

// ══════════════════════════════════════════════════════════════════════════════
// REMOTE VALUES
// ══════════════════════════════════════════════════════════════════════════════

// RemoteStats are the aggregate statistics kept by the remote authority.
type RemoteStats struct {
	GlobalPrecision float64 `json:"global_precision"`
	TotalTimeMs     int64   `json:"total_time_ms"`
	CurrentStreak   int     `json:"current_streak"`
	SignsMastered   int     `json:"signs_mastered"`
}

// ModuleProgress is the completion percentage of one learning module.
type ModuleProgress struct {
	ModuleID     int        `json:"module_id"`
	Percent      float64    `json:"percent"`
	LastActivity *time.Time `json:"last_activity,omitempty"`
}

// Completed reports whether the module is at 100%.
func (m ModuleProgress) Completed() bool {
	return m.Percent >= 100
}

// CompletedModules counts modules at 100%.
func CompletedModules(modules []ModuleProgress) int {
	n := 0
	for _, m := range modules {
		if m.Completed() {
			n++
		}
	}
	return n
}

// LevelReport is the authoritative level of a user.
type LevelReport struct {
	TotalXP int       `json:"total_xp"`
	Level   LevelInfo `json:"level"`
}

// StreakInfo is the authoritative streak of a user.
type StreakInfo struct {
	Current         int        `json:"current"`
	Longest         int        `json:"longest"`
	LastActivity    *time.Time `json:"last_activity,omitempty"`
	WeeklyCalendar  [7]bool    `json:"weekly_calendar"`
	TotalActiveDays int        `json:"total_active_days"`
}

// XPAward is a request to add XP to a user.
type XPAward struct {
	Amount      int    `json:"amount"`
	Source      string `json:"source"`
	SourceID    *int   `json:"source_id,omitempty"`
	Description string `json:"description,omitempty"`

	// IdempotencyKey lets the remote drop replays of the same award.
	IdempotencyKey string `json:"idempotency_key,omitempty"`
}

// Validate rejects awards that can never be applied.
func (a XPAward) Validate() error {
	if a.Amount <= 0 {
		return shared.ErrNonPositiveAward
	}
	return nil
}

// AwardReceipt is the remote's answer to an XPAward.
type AwardReceipt struct {
	XPAwarded     int       `json:"xp_awarded"`
	TotalXP       int       `json:"total_xp"`
	PreviousLevel int       `json:"previous_level"`
	CurrentLevel  int       `json:"current_level"`
	LevelUp       bool      `json:"level_up"`
	Level         LevelInfo `json:"level_info"`
}

// ActivityType is the kind of activity that extends a streak.
type ActivityType string

// Activity types accepted by the streak update.
const (
	ActivityQuiz       ActivityType = "quiz"
	ActivityLesson     ActivityType = "lesson"
	ActivityMemoryGame ActivityType = "memory_game"
)

// ParseActivityType validates an activity type name.
func ParseActivityType(s string) (ActivityType, error) {
	switch t := ActivityType(s); t {
	case ActivityQuiz, ActivityLesson, ActivityMemoryGame:
		return t, nil
	}
	return "", shared.ErrInvalidActivityType
}

// DailyActivity is the per-day activity record returned by a streak update.
type DailyActivity struct {
	ID                   int       `json:"id"`
	UserID               string    `json:"user_id"`
	ActivityDate         time.Time `json:"activity_date"`
	QuizzesCompleted     int       `json:"quizzes_completed"`
	LessonsCompleted     int       `json:"lessons_completed"`
	MemoryGamesCompleted int       `json:"memory_games_completed"`
	XPEarned             int       `json:"xp_earned"`
	CreatedAt            time.Time `json:"created_at"`
}

// XPTransaction is one entry of the remote's append-only XP ledger.
type XPTransaction struct {
	ID          int       `json:"id"`
	UserID      string    `json:"user_id"`
	Amount      int       `json:"amount"`
	Source      string    `json:"source"`
	SourceID    *int      `json:"source_id,omitempty"`
	Description string    `json:"description,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// ══════════════════════════════════════════════════════════════════════════════
// NOTIFICATIONS
// ══════════════════════════════════════════════════════════════════════════════

// Notification announces one achievement unlock to the learner.
type Notification struct {
	ID          string                 `json:"id"`
	Achievement achievement.Definition `json:"achievement"`
	UnlockedAt  time.Time              `json:"unlocked_at"`
}
