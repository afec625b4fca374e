package validation_test

import (
	"context"
	"testing"

	"choicebook-server/internal/models"
	"choicebook-server/internal/validation"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newEngine() *validation.Engine {
	return validation.NewEngine(validation.Config{
		MaxChoicesPerPoint:   5,
		BranchImbalanceRatio: 3.0,
	}, zap.NewNop())
}

// diamondDefinition: c1 ветвится на c2 и c3, обе ветки сходятся в концовке c4.
func diamondDefinition() models.StructureDefinition {
	return models.StructureDefinition{
		StartChapterID: "c1",
		Chapters: []models.Chapter{
			{ID: "c1", Title: "Развилка"},
			{ID: "c2", Title: "Левая тропа"},
			{ID: "c3", Title: "Правая тропа"},
			{ID: "c4", Title: "Финал"},
		},
		ChoicePoints: []models.ChoicePoint{
			{
				ID: "p1", ChapterID: "c1", ChoiceType: models.ChoiceTypeBinary,
				Choices: []models.Choice{
					{ID: "ch_left", Text: "Свернуть налево", LeadsToChapter: "c2"},
					{ID: "ch_right", Text: "Свернуть направо", LeadsToChapter: "c3"},
				},
			},
			{
				ID: "p2", ChapterID: "c2", ChoiceType: models.ChoiceTypeBinary,
				Choices: []models.Choice{
					{ID: "ch_on", Text: "Идти дальше", LeadsToChapter: "c4"},
				},
			},
			{
				ID: "p3", ChapterID: "c3", ChoiceType: models.ChoiceTypeBinary,
				Choices: []models.Choice{
					{ID: "ch_push", Text: "Пробиваться вперед", LeadsToChapter: "c4"},
				},
			},
		},
		Endings: []models.EndingChapter{
			{ID: "e1", ChapterID: "c4", EndingType: models.EndingOpen, Rarity: models.RarityCommon},
		},
	}
}

func findByCode(findings []models.ValidationFinding, code models.ValidationCode) (models.ValidationFinding, bool) {
	for _, f := range findings {
		if f.Code == code {
			return f, true
		}
	}
	return models.ValidationFinding{}, false
}

func TestEngine_Validate(t *testing.T) {
	ctx := context.Background()

	t.Run("valid structure passes", func(t *testing.T) {
		report, err := newEngine().Validate(ctx, diamondDefinition())
		require.NoError(t, err)

		assert.True(t, report.IsValid)
		assert.Empty(t, report.Errors)
		assert.Empty(t, report.Warnings)
		assert.Empty(t, report.Suggestions)
		assert.Equal(t, models.StructurePathAnalysis{
			ChapterCount:     4,
			ChoicePointCount: 3,
			EndingCount:      1,
			MinDepth:         2,
			MaxDepth:         2,
		}, report.PathAnalysis)
	})

	t.Run("broken choice is critical", func(t *testing.T) {
		def := diamondDefinition()
		def.ChoicePoints[1].Choices[0].LeadsToChapter = "ghost"

		report, err := newEngine().Validate(ctx, def)
		require.NoError(t, err)
		assert.False(t, report.IsValid)

		f, ok := findByCode(report.Errors, models.ValidationBrokenChoice)
		require.True(t, ok, "expected a broken_choice finding")
		assert.Equal(t, models.SeverityCritical, f.Severity)
		assert.Equal(t, "p2", f.ChoicePointID)
		assert.Equal(t, "ch_on", f.ChoiceID)

		// Глава c2 осталась без исходящих ребер и не является концовкой.
		leaf, ok := findByCode(report.Errors, models.ValidationMissingEnding)
		require.True(t, ok)
		assert.Equal(t, "c2", leaf.ChapterID)
	})

	t.Run("unreachable chapter is critical", func(t *testing.T) {
		def := diamondDefinition()
		def.Chapters = append(def.Chapters, models.Chapter{ID: "island", Title: "Остров"})

		report, err := newEngine().Validate(ctx, def)
		require.NoError(t, err)
		assert.False(t, report.IsValid)

		f, ok := findByCode(report.Errors, models.ValidationUnreachableChapter)
		require.True(t, ok)
		assert.Equal(t, models.SeverityCritical, f.Severity)
		assert.Equal(t, "island", f.ChapterID)
	})

	t.Run("cycle without exit is major", func(t *testing.T) {
		def := models.StructureDefinition{
			StartChapterID: "c1",
			Chapters: []models.Chapter{
				{ID: "c1"}, {ID: "c2"}, {ID: "c3"}, {ID: "c4"},
			},
			ChoicePoints: []models.ChoicePoint{
				{ID: "p1", ChapterID: "c1", Choices: []models.Choice{{ID: "ch_a", LeadsToChapter: "c2"}}},
				{ID: "p2", ChapterID: "c2", Choices: []models.Choice{{ID: "ch_b", LeadsToChapter: "c3"}}},
				{ID: "p3", ChapterID: "c3", Choices: []models.Choice{{ID: "ch_c", LeadsToChapter: "c2"}}},
			},
			Endings: []models.EndingChapter{
				{ID: "e1", ChapterID: "c4", EndingType: models.EndingOpen, Rarity: models.RarityCommon},
			},
		}

		report, err := newEngine().Validate(ctx, def)
		require.NoError(t, err)
		assert.False(t, report.IsValid)

		f, ok := findByCode(report.Errors, models.ValidationCircularReference)
		require.True(t, ok)
		assert.Equal(t, models.SeverityMajor, f.Severity)
		assert.Equal(t, "c2", f.ChapterID)

		// Ни одна концовка не достижима, глубины в сводке нулевые.
		assert.Equal(t, 0, report.PathAnalysis.MinDepth)
		assert.Equal(t, 0, report.PathAnalysis.MaxDepth)
	})

	t.Run("cycle with exit is allowed", func(t *testing.T) {
		def := models.StructureDefinition{
			StartChapterID: "c1",
			Chapters: []models.Chapter{
				{ID: "c1"}, {ID: "c2"}, {ID: "c3"}, {ID: "c4"},
			},
			ChoicePoints: []models.ChoicePoint{
				{ID: "p1", ChapterID: "c1", Choices: []models.Choice{{ID: "ch_a", LeadsToChapter: "c2"}}},
				{ID: "p2", ChapterID: "c2", Choices: []models.Choice{{ID: "ch_b", LeadsToChapter: "c3"}}},
				{ID: "p3", ChapterID: "c3", Choices: []models.Choice{
					{ID: "ch_back", LeadsToChapter: "c2"},
					{ID: "ch_out", LeadsToChapter: "c4"},
				}},
			},
			Endings: []models.EndingChapter{
				{ID: "e1", ChapterID: "c4", EndingType: models.EndingOpen, Rarity: models.RarityCommon},
			},
		}

		report, err := newEngine().Validate(ctx, def)
		require.NoError(t, err)

		_, ok := findByCode(report.Errors, models.ValidationCircularReference)
		assert.False(t, ok, "cycle with an exit must not be flagged")
		assert.True(t, report.IsValid)
	})

	t.Run("self loop without exit is major", func(t *testing.T) {
		def := diamondDefinition()
		def.ChoicePoints[1].Choices = []models.Choice{
			{ID: "ch_stay", Text: "Остаться", LeadsToChapter: "c2"},
		}

		report, err := newEngine().Validate(ctx, def)
		require.NoError(t, err)

		f, ok := findByCode(report.Errors, models.ValidationCircularReference)
		require.True(t, ok)
		assert.Equal(t, "c2", f.ChapterID)
	})

	t.Run("leaf chapter must be an ending", func(t *testing.T) {
		def := diamondDefinition()
		def.Endings = nil

		report, err := newEngine().Validate(ctx, def)
		require.NoError(t, err)
		assert.False(t, report.IsValid)

		f, ok := findByCode(report.Errors, models.ValidationMissingEnding)
		require.True(t, ok)
		assert.Equal(t, models.SeverityCritical, f.Severity)
		assert.Equal(t, "c4", f.ChapterID)
	})
}

func TestEngine_Warnings(t *testing.T) {
	ctx := context.Background()

	t.Run("too many choices", func(t *testing.T) {
		def := diamondDefinition()
		crowded := make([]models.Choice, 0, 6)
		for _, id := range []string{"w1", "w2", "w3", "w4", "w5", "w6"} {
			crowded = append(crowded, models.Choice{ID: id, LeadsToChapter: "c2"})
		}
		// Правая ветка больше не нужна, чтобы c3 не повис недостижимым.
		def.Chapters = def.Chapters[:2]
		def.Chapters = append(def.Chapters, models.Chapter{ID: "c4", Title: "Финал"})
		def.ChoicePoints = []models.ChoicePoint{
			{ID: "p1", ChapterID: "c1", ChoiceType: models.ChoiceTypeMultiple, Choices: crowded},
			{ID: "p2", ChapterID: "c2", Choices: []models.Choice{{ID: "ch_on", LeadsToChapter: "c4"}}},
		}

		report, err := newEngine().Validate(ctx, def)
		require.NoError(t, err)

		f, ok := findByCode(report.Warnings, models.ValidationTooManyChoices)
		require.True(t, ok)
		assert.Equal(t, models.SeverityWarning, f.Severity)
		assert.Equal(t, "p1", f.ChoicePointID)
		assert.True(t, report.IsValid, "warnings must not fail validation")
	})

	t.Run("shallow consequences on ending-defining point", func(t *testing.T) {
		def := diamondDefinition()
		def.ChoicePoints[0].AffectsEnding = true
		def.ChoicePoints[0].Choices[0].Consequences = []models.Consequence{
			{ID: "q1", Type: models.ConsequenceImmediate, Description: "Сожгли мост", Magnitude: models.MagnitudeModerate},
		}

		report, err := newEngine().Validate(ctx, def)
		require.NoError(t, err)
		assert.True(t, report.IsValid)

		f, ok := findByCode(report.Warnings, models.ValidationShallowConsequences)
		require.True(t, ok)
		assert.Equal(t, "ch_right", f.ChoiceID, "только вариант без последствий получает предупреждение")
	})

	t.Run("unbalanced branch depths", func(t *testing.T) {
		def := models.StructureDefinition{
			StartChapterID: "c1",
			Chapters: []models.Chapter{
				{ID: "c1"}, {ID: "quick"}, {ID: "l1"}, {ID: "l2"}, {ID: "l3"}, {ID: "l4"},
			},
			ChoicePoints: []models.ChoicePoint{
				{ID: "p1", ChapterID: "c1", Choices: []models.Choice{
					{ID: "ch_quick", LeadsToChapter: "quick"},
					{ID: "ch_long", LeadsToChapter: "l1"},
				}},
				{ID: "p2", ChapterID: "l1", Choices: []models.Choice{{ID: "ch_l1", LeadsToChapter: "l2"}}},
				{ID: "p3", ChapterID: "l2", Choices: []models.Choice{{ID: "ch_l2", LeadsToChapter: "l3"}}},
				{ID: "p4", ChapterID: "l3", Choices: []models.Choice{{ID: "ch_l3", LeadsToChapter: "l4"}}},
			},
			Endings: []models.EndingChapter{
				{ID: "e_quick", ChapterID: "quick", EndingType: models.EndingTragic, Rarity: models.RarityCommon},
				{ID: "e_long", ChapterID: "l4", EndingType: models.EndingTriumphant, Rarity: models.RarityRare},
			},
		}

		report, err := newEngine().Validate(ctx, def)
		require.NoError(t, err)
		assert.True(t, report.IsValid)

		f, ok := findByCode(report.Warnings, models.ValidationUnbalancedPaths)
		require.True(t, ok)
		assert.Contains(t, f.Message, "1")
		assert.Contains(t, f.Message, "4")
		assert.Equal(t, 1, report.PathAnalysis.MinDepth)
		assert.Equal(t, 4, report.PathAnalysis.MaxDepth)
	})
}

func TestEngine_Suggestions(t *testing.T) {
	def := diamondDefinition()
	def.ChoicePoints[1].Choices[0].LeadsToChapter = "ghost"
	def.Chapters = append(def.Chapters, models.Chapter{ID: "island"})

	report, err := newEngine().Validate(context.Background(), def)
	require.NoError(t, err)

	// По одной подсказке на класс находки, без дублей.
	assert.Len(t, report.Suggestions, 3)
	assert.Contains(t, report.Suggestions, "fix choices that lead to chapters missing from the structure")
	assert.Contains(t, report.Suggestions, "connect unreachable chapters to the story or remove them")
	assert.Contains(t, report.Suggestions, "register leaf chapters as endings or give them choices")
}

func TestEngine_ContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	report, err := newEngine().Validate(ctx, diamondDefinition())
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, models.ChoiceValidation{}, report, "частичный отчет не должен возвращаться")
}
