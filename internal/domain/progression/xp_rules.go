package progression

import "time"

// XP sources recorded on transactions.
const (
	SourceQuiz        = "quiz"
	SourceMemoryGame  = "memory_game"
	SourceLesson      = "lesson"
	SourceStreakBonus = "streak_bonus"
	SourceAchievement = "achievement"
)

// IsKnownSource reports whether source is one of the transaction sources above.
func IsKnownSource(source string) bool {
	switch source {
	case SourceQuiz, SourceMemoryGame, SourceLesson, SourceStreakBonus, SourceAchievement:
		return true
	}
	return false
}

const (
	// LessonXP is the flat reward for finishing a lesson.
	LessonXP = 25

	xpPerCorrectAnswer = 10
	xpPerMemoryMatch   = 15
	quickQuizLimit     = 30 * time.Second
)

// QuizXP rewards 10 XP per correct answer, +50% for a perfect quiz and +25%
// when finished in under 30 seconds. A zero duration means "not timed".
func QuizXP(correct, total int, duration time.Duration) int {
	if correct <= 0 {
		return 0
	}
	base := correct * xpPerCorrectAnswer

	xp := base
	if total > 0 && correct == total {
		xp += base / 2
	}
	if duration > 0 && duration < quickQuizLimit {
		xp += base / 4
	}
	return xp
}

// MemoryGameXP rewards 15 XP per match, +30% when attempts <= 1.5 * matches.
func MemoryGameXP(matches, attempts int) int {
	if matches <= 0 {
		return 0
	}
	base := matches * xpPerMemoryMatch
	if 2*attempts <= 3*matches {
		return base + base*3/10
	}
	return base
}
