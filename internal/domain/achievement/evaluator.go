package achievement

import "time"

// ══════════════════════════════════════════════════════════════════════════════
// STATE
// ══════════════════════════════════════════════════════════════════════════════

// State is one learner's standing on one achievement.
// Once Unlocked is true it never reverts, and Progress is pinned to the
// requirement; while locked Progress only grows.
type State struct {
	Definition Definition `json:"definition"`
	Unlocked   bool       `json:"unlocked"`
	Progress   int        `json:"progress"`
	UnlockedAt *time.Time `json:"unlocked_at,omitempty"`
}

// InitialStates returns a locked state per catalog entry, in catalog order.
func InitialStates(c *Catalog) []State {
	if c == nil {
		return nil
	}
	out := make([]State, 0, c.Len())
	for _, d := range c.defs {
		out = append(out, State{Definition: d})
	}
	return out
}

// CloneStates deep-copies states, including the unlock timestamps.
func CloneStates(states []State) []State {
	if states == nil {
		return nil
	}
	out := make([]State, len(states))
	for i, st := range states {
		out[i] = st
		if st.UnlockedAt != nil {
			t := *st.UnlockedAt
			out[i].UnlockedAt = &t
		}
	}
	return out
}

// ══════════════════════════════════════════════════════════════════════════════
// EVALUATOR
// ══════════════════════════════════════════════════════════════════════════════

// Result is the outcome of one evaluation pass.
type Result struct {
	// States are the new states in catalog order.
	States []State

	// NewlyUnlocked lists definitions that went from locked to unlocked
	// during this pass, in catalog order.
	NewlyUnlocked []Definition
}

// Evaluator applies a rule table to a catalog.
type Evaluator struct {
	catalog *Catalog
	rules   map[string]Rule
}

// NewEvaluator creates an evaluator. A nil rule table means DefaultRules.
// Catalog ids without a rule never unlock.
func NewEvaluator(catalog *Catalog, rules map[string]Rule) *Evaluator {
	if rules == nil {
		rules = DefaultRules()
	}
	return &Evaluator{catalog: catalog, rules: rules}
}

// Catalog returns the catalog the evaluator was built with.
func (e *Evaluator) Catalog() *Catalog {
	return e.catalog
}

// Evaluate checks every achievement against stats.
func (e *Evaluator) Evaluate(previous []State, stats Stats, now time.Time) Result {
	return e.evaluate(previous, stats, now, nil)
}

// EvaluateCategories checks only the given categories; the rest are carried
// over from previous unchanged.
func (e *Evaluator) EvaluateCategories(previous []State, stats Stats, now time.Time, cats ...Category) Result {
	only := make(map[Category]bool, len(cats))
	for _, c := range cats {
		only[c] = true
	}
	return e.evaluate(previous, stats, now, only)
}

func (e *Evaluator) evaluate(previous []State, stats Stats, now time.Time, only map[Category]bool) Result {
	prevByID := make(map[string]State, len(previous))
	for _, st := range previous {
		prevByID[st.Definition.ID] = st
	}

	res := Result{States: make([]State, 0, e.catalog.Len())}
	for _, def := range e.catalog.defs {
		st := prevByID[def.ID]
		st.Definition = def
		if st.UnlockedAt != nil {
			t := *st.UnlockedAt
			st.UnlockedAt = &t
		}

		if st.Unlocked {
			st.Progress = def.Requirement
			res.States = append(res.States, st)
			continue
		}

		if only != nil && !only[def.Category] {
			res.States = append(res.States, st)
			continue
		}

		rule, ok := e.rules[def.ID]
		if !ok {
			res.States = append(res.States, st)
			continue
		}

		met := rule.Met(stats, def.Requirement)
		progress := 0
		switch {
		case rule.Counter != nil:
			progress = min(max(rule.Counter(stats), 0), def.Requirement)
		case met:
			progress = def.Requirement
		}
		st.Progress = min(max(st.Progress, progress), def.Requirement)

		if met {
			at := now
			st.Unlocked = true
			st.Progress = def.Requirement
			st.UnlockedAt = &at
			res.NewlyUnlocked = append(res.NewlyUnlocked, def)
		}
		res.States = append(res.States, st)
	}
	return res
}
