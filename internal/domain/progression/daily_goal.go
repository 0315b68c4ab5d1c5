package progression

// DefaultDailyTargetXP is the daily goal when none is configured.
const DefaultDailyTargetXP = 50

// DailyGoal tracks XP earned today against a target.
type DailyGoal struct {
	TargetXP  int     `json:"target_xp"`
	CurrentXP int     `json:"current_xp"`
	Completed bool    `json:"completed"`
	Progress  float64 `json:"progress"`
}

// NewDailyGoal builds a goal for current XP. A non-positive target falls back
// to DefaultDailyTargetXP and negative XP counts as none.
func NewDailyGoal(currentXP, targetXP int) DailyGoal {
	if targetXP <= 0 {
		targetXP = DefaultDailyTargetXP
	}
	if currentXP < 0 {
		currentXP = 0
	}
	return DailyGoal{
		TargetXP:  targetXP,
		CurrentXP: currentXP,
		Completed: currentXP >= targetXP,
		Progress:  clamp01(float64(currentXP) / float64(targetXP)),
	}
}

// Add returns the goal after earning xp more today.
func (g DailyGoal) Add(xp int) DailyGoal {
	return NewDailyGoal(g.CurrentXP+xp, g.TargetXP)
}

// Reset returns an empty goal with the same target, used at day rollover.
func (g DailyGoal) Reset() DailyGoal {
	return NewDailyGoal(0, g.TargetXP)
}
