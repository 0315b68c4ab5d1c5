package progression

import (
	"time"

	"github.com/ensenas/progression-engine/pkg/timeutil"
)

// ══════════════════════════════════════════════════════════════════════════════
// STREAK MODEL
// ══════════════════════════════════════════════════════════════════════════════

// StreakModel computes day-streaks on calendar days of a fixed location.
type StreakModel struct {
	loc *time.Location
}

// NewStreakModel creates a StreakModel. A nil location means timeutil.DefaultLocation.
func NewStreakModel(loc *time.Location) StreakModel {
	if loc == nil {
		loc = timeutil.DefaultLocation
	}
	return StreakModel{loc: loc}
}

// Location returns the location whose calendar the model uses.
func (m StreakModel) Location() *time.Location {
	if m.loc == nil {
		return timeutil.DefaultLocation
	}
	return m.loc
}

// NextStreak returns the streak after an activity happening on today.
//
//	no prior activity  -> 1
//	same day           -> current (1 if current is 0)
//	next day           -> current + 1
//	two or more days   -> 1
//
// A last activity dated after today (clock skew) counts as the same day.
func (m StreakModel) NextStreak(lastActivity, today time.Time, current int) int {
	if lastActivity.IsZero() {
		return 1
	}
	if current < 0 {
		current = 0
	}

	gap := timeutil.DaysBetween(lastActivity, today, m.Location())
	switch {
	case gap <= 0:
		if current == 0 {
			return 1
		}
		return current
	case gap == 1:
		return current + 1
	default:
		return 1
	}
}

// IsBroken reports whether a streak last extended on lastActivity is already
// lost on today, before any new activity happens.
func (m StreakModel) IsBroken(lastActivity, today time.Time) bool {
	if lastActivity.IsZero() {
		return true
	}
	return timeutil.DaysBetween(lastActivity, today, m.Location()) > 1
}

// ParseActivityDate parses a last-activity value from the backend.
// Malformed values yield the zero time and false, which NextStreak treats
// as no prior activity.
func (m StreakModel) ParseActivityDate(value string) (time.Time, bool) {
	if value == "" {
		return time.Time{}, false
	}
	t, err := timeutil.ParseDate(value, m.Location())
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

// LongestStreak returns max(longest, current).
func LongestStreak(longest, current int) int {
	if current > longest {
		return current
	}
	return longest
}

// StreakBonus returns the extra XP granted for keeping a streak alive.
func StreakBonus(days int) int {
	switch {
	case days >= 50:
		return 200
	case days >= 30:
		return 100
	case days >= 14:
		return 50
	case days >= 7:
		return 25
	case days >= 3:
		return 10
	default:
		return 0
	}
}
