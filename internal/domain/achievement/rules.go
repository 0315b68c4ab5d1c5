package achievement

import "time"

// Stats is the aggregate view the evaluator checks achievements against.
// It is rebuilt before every evaluation pass and never stored.
type Stats struct {
	LessonsCompleted  int
	PerfectQuizzes    int
	FullHeartsQuizzes int
	ModulesCompleted  int
	SignsMastered     int

	// GlobalPrecision is a percentage in [0, 100].
	GlobalPrecision float64

	CurrentStreak int
	Level         int

	// TodayXP is the XP earned on the current calendar day.
	TodayXP int

	// LessonsLastHour counts lessons finished in the trailing hour.
	LessonsLastHour int

	// Zero durations mean "never recorded".
	BestSpeedRound    time.Duration
	FastestMemoryGame time.Duration
	FastestQuiz       time.Duration
}

// Rule decides one achievement. Counter, when set, is the running value
// shown as progress; Met is the unlock predicate.
type Rule struct {
	Counter func(Stats) int
	Met     func(s Stats, requirement int) bool
}

// atLeast builds the common "counter reaches requirement" rule.
func atLeast(counter func(Stats) int) Rule {
	return Rule{
		Counter: counter,
		Met:     func(s Stats, req int) bool { return counter(s) >= req },
	}
}

// milestone builds a rule without a running counter.
func milestone(met func(s Stats, req int) bool) Rule {
	return Rule{Met: met}
}

func seconds(req int) time.Duration { return time.Duration(req) * time.Second }

var (
	lessons      = func(s Stats) int { return s.LessonsCompleted }
	streak       = func(s Stats) int { return s.CurrentStreak }
	perfect      = func(s Stats) int { return s.PerfectQuizzes }
	fullHearts   = func(s Stats) int { return s.FullHeartsQuizzes }
	modules      = func(s Stats) int { return s.ModulesCompleted }
	signs        = func(s Stats) int { return s.SignsMastered }
	level        = func(s Stats) int { return s.Level }
	todayXP      = func(s Stats) int { return s.TodayXP }
	lessonsHour  = func(s Stats) int { return s.LessonsLastHour }
	precisionPct = func(s Stats) int { return int(s.GlobalPrecision) }
)

// precision compares the float percentage directly so 89.99 never rounds up.
var precision = Rule{
	Counter: precisionPct,
	Met:     func(s Stats, req int) bool { return s.GlobalPrecision >= float64(req) },
}

// DefaultRules returns the predicate table for the built-in catalog, one
// entry per achievement id.
func DefaultRules() map[string]Rule {
	return map[string]Rule{
		"primera_leccion": atLeast(lessons),
		"leccion_10":      atLeast(lessons),
		"leccion_50":      atLeast(lessons),
		"leccion_100":     atLeast(lessons),
		"todos_modulos":   atLeast(modules),

		"racha_3":   atLeast(streak),
		"racha_7":   atLeast(streak),
		"racha_30":  atLeast(streak),
		"racha_100": atLeast(streak),
		"racha_365": atLeast(streak),

		"quiz_perfecto":      atLeast(perfect),
		"quiz_perfecto_10":   atLeast(perfect),
		"precision_90":       precision,
		"sin_vidas_perdidas": atLeast(fullHearts),
		"precision_100":      precision,

		"speed_round_oro": milestone(func(s Stats, req int) bool {
			return s.BestSpeedRound > seconds(req)
		}),
		"memory_rapido": milestone(func(s Stats, req int) bool {
			return s.FastestMemoryGame > 0 && s.FastestMemoryGame < seconds(req)
		}),
		"leccion_rapida": atLeast(lessonsHour),
		"quiz_10_min": milestone(func(s Stats, req int) bool {
			return s.FastestQuiz > 0 && s.FastestQuiz < seconds(req)
		}),
		"dia_completo": atLeast(todayXP),

		"modulo_completado": atLeast(modules),
		"senas_50":          atLeast(signs),
		"senas_200":         atLeast(signs),

		"primer_dia": atLeast(lessons),
		"nivel_50":   atLeast(level),
	}
}
