// Package achievement defines the achievement catalog and the evaluator
// that turns learner statistics into unlocks.
package achievement

import (
	"fmt"
	"strings"

	"github.com/ensenas/progression-engine/internal/domain/shared"
)

// ══════════════════════════════════════════════════════════════════════════════
// CATEGORY
// ══════════════════════════════════════════════════════════════════════════════

// Category groups achievements by the kind of effort they reward.
type Category string

const (
	CategoryLessons   Category = "lessons"
	CategoryStreak    Category = "streak"
	CategoryPrecision Category = "precision"
	CategorySpeed     Category = "speed"
	CategoryMastery   Category = "mastery"
	CategorySocial    Category = "social"
	CategorySpecial   Category = "special"
)

// AllCategories lists the categories in display order.
var AllCategories = []Category{
	CategoryLessons,
	CategoryStreak,
	CategoryPrecision,
	CategorySpeed,
	CategoryMastery,
	CategorySocial,
	CategorySpecial,
}

// ParseCategory accepts a category name in any case.
func ParseCategory(s string) (Category, error) {
	c := Category(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range AllCategories {
		if c == known {
			return c, nil
		}
	}
	return "", fmt.Errorf("%q: %w", s, shared.ErrInvalidCategory)
}

// ══════════════════════════════════════════════════════════════════════════════
// DEFINITION
// ══════════════════════════════════════════════════════════════════════════════

// Definition is an immutable achievement description.
type Definition struct {
	ID          string   `json:"id" yaml:"id"`
	Category    Category `json:"category" yaml:"category"`
	Requirement int      `json:"requirement" yaml:"requirement"`
	XPReward    int      `json:"xp_reward" yaml:"xp_reward"`
	Title       string   `json:"title" yaml:"title"`
	Description string   `json:"description" yaml:"description"`
	Icon        string   `json:"icon" yaml:"icon"`
}

// ══════════════════════════════════════════════════════════════════════════════
// CATALOG
// ══════════════════════════════════════════════════════════════════════════════

// Catalog is the read-only, ordered set of achievement definitions.
// Build one at startup and inject it; it is safe for concurrent reads.
type Catalog struct {
	defs []Definition
	byID map[string]int
}

// NewCatalog validates defs and builds a catalog keeping their order.
func NewCatalog(defs []Definition) (*Catalog, error) {
	c := &Catalog{
		defs: make([]Definition, 0, len(defs)),
		byID: make(map[string]int, len(defs)),
	}
	for _, d := range defs {
		if d.ID == "" {
			return nil, fmt.Errorf("achievement without id: %w", shared.ErrInvalidInput)
		}
		if _, dup := c.byID[d.ID]; dup {
			return nil, fmt.Errorf("%s: %w", d.ID, shared.ErrDuplicateAchievement)
		}
		if d.Requirement <= 0 {
			return nil, fmt.Errorf("%s: %w", d.ID, shared.ErrInvalidRequirement)
		}
		if _, err := ParseCategory(string(d.Category)); err != nil {
			return nil, fmt.Errorf("%s: %w", d.ID, err)
		}
		if d.XPReward < 0 {
			return nil, fmt.Errorf("%s: xp reward: %w", d.ID, shared.ErrNegativeValue)
		}
		c.byID[d.ID] = len(c.defs)
		c.defs = append(c.defs, d)
	}
	return c, nil
}

// MustCatalog is NewCatalog that panics, for package-level defaults.
func MustCatalog(defs []Definition) *Catalog {
	c, err := NewCatalog(defs)
	if err != nil {
		panic(err)
	}
	return c
}

// All returns the definitions in catalog order.
func (c *Catalog) All() []Definition {
	out := make([]Definition, len(c.defs))
	copy(out, c.defs)
	return out
}

// Len returns the number of definitions.
func (c *Catalog) Len() int {
	return len(c.defs)
}

// Get looks a definition up by id.
func (c *Catalog) Get(id string) (Definition, bool) {
	i, ok := c.byID[id]
	if !ok {
		return Definition{}, false
	}
	return c.defs[i], true
}

// ByCategory returns the definitions of one category in catalog order.
func (c *Catalog) ByCategory(cat Category) []Definition {
	var out []Definition
	for _, d := range c.defs {
		if d.Category == cat {
			out = append(out, d)
		}
	}
	return out
}

// Merge returns a new catalog where overrides replace definitions with the
// same id and unknown ids are appended.
func (c *Catalog) Merge(overrides []Definition) (*Catalog, error) {
	merged := c.All()
	for _, o := range overrides {
		if i, ok := c.byID[o.ID]; ok {
			merged[i] = o
			continue
		}
		merged = append(merged, o)
	}
	return NewCatalog(merged)
}

// DefaultCatalog returns the built-in 25 achievements.
func DefaultCatalog() *Catalog {
	return defaultCatalog
}

var defaultCatalog = MustCatalog([]Definition{
	// Lessons
	{ID: "primera_leccion", Category: CategoryLessons, Requirement: 1, XPReward: 50, Title: "Primera Lección", Description: "Completa tu primera lección", Icon: "🎓"},
	{ID: "leccion_10", Category: CategoryLessons, Requirement: 10, XPReward: 100, Title: "Dedicado", Description: "Completa 10 lecciones", Icon: "📚"},
	{ID: "leccion_50", Category: CategoryLessons, Requirement: 50, XPReward: 250, Title: "Estudioso", Description: "Completa 50 lecciones", Icon: "📖"},
	{ID: "leccion_100", Category: CategoryLessons, Requirement: 100, XPReward: 500, Title: "Sabio", Description: "Completa 100 lecciones", Icon: "🎖️"},
	{ID: "todos_modulos", Category: CategoryLessons, Requirement: 8, XPReward: 1000, Title: "Maestro LSM", Description: "Completa todos los módulos", Icon: "👑"},

	// Streak
	{ID: "racha_3", Category: CategoryStreak, Requirement: 3, XPReward: 75, Title: "Constante", Description: "Mantén una racha de 3 días", Icon: "🔥"},
	{ID: "racha_7", Category: CategoryStreak, Requirement: 7, XPReward: 150, Title: "Comprometido", Description: "Mantén una racha de 7 días", Icon: "🔥🔥"},
	{ID: "racha_30", Category: CategoryStreak, Requirement: 30, XPReward: 500, Title: "Imparable", Description: "Mantén una racha de 30 días", Icon: "🔥🔥🔥"},
	{ID: "racha_100", Category: CategoryStreak, Requirement: 100, XPReward: 2000, Title: "Leyenda", Description: "Mantén una racha de 100 días", Icon: "⚡"},
	{ID: "racha_365", Category: CategoryStreak, Requirement: 365, XPReward: 5000, Title: "Año Perfecto", Description: "Mantén una racha de 365 días", Icon: "💎"},

	// Precision
	{ID: "quiz_perfecto", Category: CategoryPrecision, Requirement: 1, XPReward: 100, Title: "Perfeccionista", Description: "Completa un quiz sin errores", Icon: "✨"},
	{ID: "quiz_perfecto_10", Category: CategoryPrecision, Requirement: 10, XPReward: 300, Title: "Experto", Description: "Completa 10 quizzes perfectos", Icon: "⭐"},
	{ID: "precision_90", Category: CategoryPrecision, Requirement: 90, XPReward: 400, Title: "Certero", Description: "Alcanza 90% de precisión global", Icon: "🎯"},
	{ID: "sin_vidas_perdidas", Category: CategoryPrecision, Requirement: 5, XPReward: 250, Title: "Corazón Intacto", Description: "Completa 5 quizzes con 3 corazones", Icon: "💚"},
	{ID: "precision_100", Category: CategoryPrecision, Requirement: 100, XPReward: 600, Title: "Infalible", Description: "Alcanza 100% de precisión en un módulo", Icon: "💯"},

	// Speed
	{ID: "speed_round_oro", Category: CategorySpeed, Requirement: 25, XPReward: 150, Title: "Velocista", Description: "Completa Speed Round con más de 25s", Icon: "⚡"},
	{ID: "memory_rapido", Category: CategorySpeed, Requirement: 120, XPReward: 200, Title: "Memoria Rápida", Description: "Completa Memory Game en menos de 2 min", Icon: "🧠"},
	{ID: "leccion_rapida", Category: CategorySpeed, Requirement: 3, XPReward: 250, Title: "Rayo LSM", Description: "Completa 3 lecciones en 1 hora", Icon: "⚡⚡"},
	{ID: "quiz_10_min", Category: CategorySpeed, Requirement: 600, XPReward: 180, Title: "Eficiente", Description: "Completa un quiz en menos de 10 min", Icon: "⏱️"},
	{ID: "dia_completo", Category: CategorySpeed, Requirement: 500, XPReward: 300, Title: "Maratón LSM", Description: "Gana 500 XP en un solo día", Icon: "🏃"},

	// Mastery
	{ID: "modulo_completado", Category: CategoryMastery, Requirement: 1, XPReward: 200, Title: "Módulo Dominado", Description: "Completa un módulo al 100%", Icon: "🎯"},
	{ID: "senas_50", Category: CategoryMastery, Requirement: 50, XPReward: 350, Title: "Vocabulario Rico", Description: "Domina 50 señas diferentes", Icon: "🗣️"},
	{ID: "senas_200", Category: CategoryMastery, Requirement: 200, XPReward: 1000, Title: "Diccionario Viviente", Description: "Domina 200 señas diferentes", Icon: "📕"},

	// Special
	{ID: "primer_dia", Category: CategorySpecial, Requirement: 1, XPReward: 25, Title: "¡Bienvenido!", Description: "Completa tu primer día en EnSeñas", Icon: "👋"},
	{ID: "nivel_50", Category: CategorySpecial, Requirement: 50, XPReward: 5000, Title: "Leyenda LSM", Description: "Alcanza el nivel 50", Icon: "🏆"},
})
