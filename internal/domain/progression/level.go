package progression

import "math"

// ══════════════════════════════════════════════════════════════════════════════
// LEVEL MODEL
// ══════════════════════════════════════════════════════════════════════════════

const (
	// MinLevel is the level of a brand new learner.
	MinLevel = 1

	// MaxLevel is the level cap; XP beyond its threshold keeps the learner at 50.
	MaxLevel = 50
)

// LevelInfo describes where a total XP value sits on the level curve.
type LevelInfo struct {
	// Level - current level in [1, 50].
	Level int `json:"level"`

	// XPIntoLevel - XP earned since reaching Level.
	XPIntoLevel int `json:"xp_into_level"`

	// XPRequired - XP between Level and the next one. At the cap this is
	// the plateau value XPToReach(51) - XPToReach(50).
	XPRequired int `json:"xp_required"`

	// Progress - XPIntoLevel / XPRequired clamped to [0, 1]; 1 at the cap.
	Progress float64 `json:"progress"`

	// Title - display title for the level bucket.
	Title string `json:"title"`
}

// thresholds[n] is the total XP needed to reach level n, for n in [1, 51].
var thresholds = func() [MaxLevel + 2]int {
	var t [MaxLevel + 2]int
	for n := MinLevel; n <= MaxLevel+1; n++ {
		t[n] = xpCurve(n)
	}
	return t
}()

// xpCurve returns floor(100 * (n-1)^1.5) as floor(sqrt(10000 * (n-1)^3)),
// which keeps perfect squares exact instead of trusting math.Pow rounding.
func xpCurve(n int) int {
	if n <= MinLevel {
		return 0
	}
	k := int64(n - 1)
	v := 10000 * k * k * k
	r := int64(math.Sqrt(float64(v)))
	for r*r > v {
		r--
	}
	for (r+1)*(r+1) <= v {
		r++
	}
	return int(r)
}

// XPToReach returns the total XP needed to reach level n.
// Levels at or below 1 need nothing.
func XPToReach(n int) int {
	if n <= MinLevel {
		return 0
	}
	if n <= MaxLevel+1 {
		return thresholds[n]
	}
	return xpCurve(n)
}

// LevelFor maps total XP onto the level curve. Negative XP is a caller bug;
// it is clamped to zero so the function stays total.
func LevelFor(totalXP int) LevelInfo {
	if totalXP < 0 {
		totalXP = 0
	}

	level := MinLevel
	for n := MaxLevel; n > MinLevel; n-- {
		if totalXP >= thresholds[n] {
			level = n
			break
		}
	}

	info := LevelInfo{
		Level:       level,
		XPIntoLevel: totalXP - thresholds[level],
		XPRequired:  thresholds[level+1] - thresholds[level],
		Title:       TitleFor(level),
	}

	if level == MaxLevel {
		info.Progress = 1
		return info
	}

	info.Progress = clamp01(float64(info.XPIntoLevel) / float64(info.XPRequired))
	return info
}

// TitleFor returns the display title of a level bucket.
func TitleFor(level int) string {
	switch {
	case level < 5:
		return "Aprendiz"
	case level < 10:
		return "Estudiante"
	case level < 20:
		return "Practicante"
	case level < 30:
		return "Comunicador"
	case level < 40:
		return "Experto"
	case level < MaxLevel:
		return "Maestro"
	default:
		return "Leyenda LSM"
	}
}

func clamp01(v float64) float64 {
	if v < 0 || math.IsNaN(v) {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
