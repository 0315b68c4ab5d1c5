package achievement

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ensenas/progression-engine/internal/domain/shared"
)

func TestDefaultCatalog(t *testing.T) {
	c := DefaultCatalog()
	require.Equal(t, 25, c.Len())

	counts := map[Category]int{}
	for _, d := range c.All() {
		counts[d.Category]++
		assert.Positive(t, d.Requirement, d.ID)
		assert.NotEmpty(t, d.Title, d.ID)
	}
	assert.Equal(t, map[Category]int{
		CategoryLessons:   5,
		CategoryStreak:    5,
		CategoryPrecision: 5,
		CategorySpeed:     5,
		CategoryMastery:   3,
		CategorySpecial:   2,
	}, counts)

	r7, ok := c.Get("racha_7")
	require.True(t, ok)
	assert.Equal(t, 7, r7.Requirement)
	assert.Equal(t, 150, r7.XPReward)

	_, ok = c.Get("nope")
	assert.False(t, ok)

	assert.Equal(t, "primera_leccion", c.All()[0].ID)
	assert.Len(t, c.ByCategory(CategoryMastery), 3)
}

func TestDefaultRulesCoverCatalog(t *testing.T) {
	rules := DefaultRules()
	for _, d := range DefaultCatalog().All() {
		_, ok := rules[d.ID]
		assert.True(t, ok, "missing rule for %s", d.ID)
	}
}

func TestNewCatalog_Validation(t *testing.T) {
	_, err := NewCatalog([]Definition{
		{ID: "a", Category: CategoryLessons, Requirement: 1},
		{ID: "a", Category: CategoryLessons, Requirement: 2},
	})
	assert.ErrorIs(t, err, shared.ErrDuplicateAchievement)

	_, err = NewCatalog([]Definition{{ID: "a", Category: CategoryLessons, Requirement: 0}})
	assert.ErrorIs(t, err, shared.ErrInvalidRequirement)

	_, err = NewCatalog([]Definition{{ID: "a", Category: "fun", Requirement: 1}})
	assert.ErrorIs(t, err, shared.ErrInvalidCategory)

	_, err = NewCatalog([]Definition{{Category: CategoryLessons, Requirement: 1}})
	assert.ErrorIs(t, err, shared.ErrInvalidInput)
}

func TestParseCategory(t *testing.T) {
	c, err := ParseCategory(" Streak ")
	require.NoError(t, err)
	assert.Equal(t, CategoryStreak, c)

	_, err = ParseCategory("leaderboard")
	assert.Error(t, err)
}

func TestParseCatalogYAML_Merge(t *testing.T) {
	doc := []byte(`
achievements:
  - id: racha_7
    category: Streak
    requirement: 7
    xp_reward: 200
    title: Comprometido
  - id: amigo
    category: social
    requirement: 1
    xp_reward: 30
    title: Amigo
`)

	c, err := ParseCatalogYAML(DefaultCatalog(), doc)
	require.NoError(t, err)
	assert.Equal(t, 26, c.Len())

	r7, _ := c.Get("racha_7")
	assert.Equal(t, 200, r7.XPReward)
	assert.Equal(t, CategoryStreak, r7.Category)
	assert.Equal(t, "amigo", c.All()[25].ID)

	orig, _ := DefaultCatalog().Get("racha_7")
	assert.Equal(t, 150, orig.XPReward, "default catalog is untouched")
}

func TestParseCatalogYAML_Replace(t *testing.T) {
	doc := []byte(`
replace: true
achievements:
  - id: only
    category: special
    requirement: 1
`)
	c, err := ParseCatalogYAML(DefaultCatalog(), doc)
	require.NoError(t, err)
	assert.Equal(t, 1, c.Len())
}

func TestParseCatalogYAML_Errors(t *testing.T) {
	_, err := ParseCatalogYAML(DefaultCatalog(), []byte("achievements: [ {id: x, colour: red} ]"))
	assert.True(t, shared.IsMalformed(err))

	_, err = ParseCatalogYAML(DefaultCatalog(), []byte("achievements:\n  - id: x\n    category: party\n    requirement: 1\n"))
	assert.ErrorIs(t, err, shared.ErrInvalidCategory)
}

func TestLoadCatalogFile(t *testing.T) {
	base := DefaultCatalog()

	same, err := LoadCatalogFile(base, "")
	require.NoError(t, err)
	assert.Same(t, base, same)

	path := filepath.Join(t.TempDir(), "catalog.yaml")
	require.NoError(t, os.WriteFile(path, []byte("achievements:\n  - id: leccion_10\n    category: lessons\n    requirement: 12\n"), 0o600))

	c, err := LoadCatalogFile(base, path)
	require.NoError(t, err)
	d, _ := c.Get("leccion_10")
	assert.Equal(t, 12, d.Requirement)

	_, err = LoadCatalogFile(base, filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
