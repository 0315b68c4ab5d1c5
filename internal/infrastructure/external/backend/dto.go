// Package backend implements the HTTP client of the progression backend.
// It owns transport concerns: bearer auth, idempotency keys, rate limiting,
// retries and the circuit breaker. Callers only see success or a classified
// domain error.
package backend

import (
	"encoding/json"
	"strings"
)

// ══════════════════════════════════════════════════════════════════════════════
// STATS AND PROGRESS DTOs
// ══════════════════════════════════════════════════════════════════════════════

// StatsDTO is the body of GET stats/summary. Field names follow the backend.
type StatsDTO struct {
	PrecisionGlobal float64 `json:"precision_global"`
	TiempoTotalMs   int64   `json:"tiempo_total_ms"`
	RachaActual     int     `json:"racha_actual"`
	SenasDominadas  int     `json:"senas_dominadas"`
}

// ProgressDTO is one element of GET progress.
type ProgressDTO struct {
	UserID       string  `json:"user_id"`
	ModuleID     int     `json:"module_id"`
	Percent      float64 `json:"percent"`
	LastActivity string  `json:"last_activity"`
}

// ══════════════════════════════════════════════════════════════════════════════
// XP DTOs
// ══════════════════════════════════════════════════════════════════════════════

// LevelInfoDTO is the body of GET xp/level.
type LevelInfoDTO struct {
	TotalXP           int     `json:"total_xp"`
	CurrentLevel      int     `json:"current_level"`
	LevelTitle        string  `json:"level_title"`
	XPForCurrentLevel int     `json:"xp_for_current_level"`
	XPForNextLevel    int     `json:"xp_for_next_level"`
	CurrentLevelXP    int     `json:"current_level_xp"`
	RequiredXP        int     `json:"required_xp"`
	Progress          float64 `json:"progress"`
}

// XPAwardRequestDTO is the body of POST xp/award.
type XPAwardRequestDTO struct {
	Amount      int     `json:"amount"`
	Source      string  `json:"source"`
	SourceID    *int    `json:"source_id,omitempty"`
	Description *string `json:"description,omitempty"`
}

// XPAwardResponseDTO is the answer of POST xp/award.
type XPAwardResponseDTO struct {
	XPAwarded     int          `json:"xp_awarded"`
	TotalXP       int          `json:"total_xp"`
	PreviousLevel int          `json:"previous_level"`
	CurrentLevel  int          `json:"current_level"`
	LevelUp       bool         `json:"level_up"`
	LevelInfo     LevelInfoDTO `json:"level_info"`
}

// XPTransactionDTO is one ledger entry of GET xp/transactions.
type XPTransactionDTO struct {
	ID          int     `json:"id"`
	UserID      string  `json:"user_id"`
	Amount      int     `json:"amount"`
	Source      string  `json:"source"`
	SourceID    *int    `json:"source_id"`
	Description *string `json:"description"`
	CreatedAt   string  `json:"created_at"`
}

// ══════════════════════════════════════════════════════════════════════════════
// STREAK DTOs
// ══════════════════════════════════════════════════════════════════════════════

// StreakDTO is the body of GET streak.
type StreakDTO struct {
	CurrentStreak    int     `json:"current_streak"`
	LongestStreak    int     `json:"longest_streak"`
	LastActivityDate *string `json:"last_activity_date"`
	WeeklyCalendar   []bool  `json:"weekly_calendar"`
	TotalActiveDays  int     `json:"total_active_days"`
}

// StreakUpdateRequestDTO is the body of POST streak/update.
type StreakUpdateRequestDTO struct {
	ActivityType string `json:"activity_type"`
	XPEarned     int    `json:"xp_earned"`
}

// DailyActivityDTO is the answer of POST streak/update.
type DailyActivityDTO struct {
	ID                   int    `json:"id"`
	UserID               string `json:"user_id"`
	ActivityDate         string `json:"activity_date"`
	QuizzesCompleted     int    `json:"quizzes_completed"`
	LessonsCompleted     int    `json:"lessons_completed"`
	MemoryGamesCompleted int    `json:"memory_games_completed"`
	XPEarned             int    `json:"xp_earned"`
	CreatedAt            string `json:"created_at"`
}

// ══════════════════════════════════════════════════════════════════════════════
// ERRORS
// ══════════════════════════════════════════════════════════════════════════════

// ErrorDTO is the backend's error body. Detail is a string for handled
// errors and a list of objects for validation failures.
type ErrorDTO struct {
	Detail json.RawMessage `json:"detail"`
}

// Message returns a printable detail.
func (e ErrorDTO) Message() string {
	if len(e.Detail) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(e.Detail, &s); err == nil {
		return s
	}
	return strings.TrimSpace(string(e.Detail))
}
