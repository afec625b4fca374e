// Package consequence ведет очередь отложенных последствий читательской
// сессии и решает, когда и как они всплывают в повествовании.
package consequence

import (
	"time"

	"choicebook-server/internal/models"
	"choicebook-server/internal/structure"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Минимальный разрыв в главах между выбором и разрешением его отложенного
// последствия: последствие не всплывает в главе, куда выбор привел напрямую.
const minChapterGap = 2

// Engine управляет жизненным циклом последствий одной сессии. Методы
// изменяют переданный ReaderPath на месте; вызывающий код отвечает за
// блокировку сессии и сохранение результата.
type Engine struct {
	logger *zap.Logger
}

func NewEngine(logger *zap.Logger) *Engine {
	return &Engine{logger: logger.Named("ConsequenceEngine")}
}

// Queue ставит в очередь отложенные последствия только что сделанного выбора.
// Вызывается после добавления записи в ChoicesMade: шаг и глава берутся из
// последней записи журнала. Мгновенные последствия очередь не проходят.
func (e *Engine) Queue(path *models.ReaderPath, choice models.Choice, now time.Time) {
	if len(path.ChoicesMade) == 0 {
		return
	}
	step := len(path.ChoicesMade) - 1
	made := path.ChoicesMade[step]

	for _, c := range choice.Consequences {
		if c.Type != models.ConsequenceDelayed && c.Type != models.ConsequenceEndingModifier {
			continue
		}
		path.PendingConsequences = append(path.PendingConsequences, models.PendingConsequence{
			ID:               uuid.New().String(),
			ChoiceID:         choice.ID,
			Consequence:      c,
			IntroducedAtStep: step,
			IntroducedAt:     made.ChapterContext,
		})
	}
}

// ResolveImmediate разрешает мгновенные последствия выбора прямо в главе,
// куда выбор привел. Возвращает созданные разрешения; они же добавлены
// в path.Resolutions.
func (e *Engine) ResolveImmediate(path *models.ReaderPath, st *structure.Structure, choice models.Choice, now time.Time) []models.Resolution {
	var created []models.Resolution
	for _, c := range choice.Consequences {
		if c.Type != models.ConsequenceImmediate {
			continue
		}
		if e.skipOrphaned(path, st, choice.ID, c) {
			continue
		}
		created = append(created, e.resolve(path, st, choice.ID, c))
	}
	path.Resolutions = append(path.Resolutions, created...)
	return created
}

// ResolveDue проходит очередь и разрешает созревшие последствия: отложенное
// созревает после минимум одной промежуточной главы, модификатор концовки
// только на самой концовке. При atEnding очередь осушается целиком, чтобы
// ни одно последствие не повисло неразрешенным после завершения сессии.
func (e *Engine) ResolveDue(path *models.ReaderPath, st *structure.Structure, atEnding bool) []models.Resolution {
	currentStep := len(path.ChoicesMade)

	var created []models.Resolution
	var kept []models.PendingConsequence
	for _, pending := range path.PendingConsequences {
		if !atEnding && !due(pending, currentStep) {
			kept = append(kept, pending)
			continue
		}
		if e.skipOrphaned(path, st, pending.ChoiceID, pending.Consequence) {
			continue
		}
		created = append(created, e.resolve(path, st, pending.ChoiceID, pending.Consequence))
	}

	path.PendingConsequences = kept
	path.Resolutions = append(path.Resolutions, created...)
	return created
}

func due(pending models.PendingConsequence, currentStep int) bool {
	if pending.Consequence.Type == models.ConsequenceEndingModifier {
		return false
	}
	return currentStep-pending.IntroducedAtStep >= minChapterGap
}

func (e *Engine) resolve(path *models.ReaderPath, st *structure.Structure, choiceID string, c models.Consequence) models.Resolution {
	return models.Resolution{
		ID:                uuid.New(),
		ConsequenceID:     c.ID,
		ChoiceID:          choiceID,
		Type:              resolutionKind(st, choiceID, c),
		Description:       c.Description,
		ResolvedAtChapter: path.CurrentChapter,
		ResolvedAtStep:    len(path.ChoicesMade),
		Delivered:         false,
	}
}

// skipOrphaned проверяет обратные ссылки последствия. Ссылка на персонажа
// или сюжетную линию, выпавшую из структуры, не ошибка для читателя:
// последствие тихо пропускается, факт уходит в лог.
func (e *Engine) skipOrphaned(path *models.ReaderPath, st *structure.Structure, choiceID string, c models.Consequence) bool {
	var ref, kind string
	switch {
	case c.AffectsCharacter != "" && !st.HasCharacter(c.AffectsCharacter):
		ref, kind = c.AffectsCharacter, "character"
	case c.AffectsPlotThread != "" && !st.HasPlotThread(c.AffectsPlotThread):
		ref, kind = c.AffectsPlotThread, "plotThread"
	default:
		return false
	}
	e.logger.Warn("Skipping consequence with orphaned reference",
		zap.String("sessionId", path.SessionID.String()),
		zap.String("choiceId", choiceID),
		zap.String("consequenceId", c.ID),
		zap.String("refKind", kind),
		zap.String("ref", ref),
		zap.Error(models.ErrOrphanedReference),
	)
	return true
}

// resolutionKind выводит характер разрешения из масштаба последствия и
// суммарного влияния породившего его выбора на персонажей.
func resolutionKind(st *structure.Structure, choiceID string, c models.Consequence) models.ResolutionType {
	net := 0
	if choice, ok := st.ChoiceByID(choiceID); ok {
		for _, imp := range choice.CharacterImpacts {
			net += imp.RelationshipChange + imp.TrustChange
		}
	}
	switch {
	case net > 0:
		return models.ResolutionPositive
	case net < 0:
		return models.ResolutionNegative
	case c.Magnitude == models.MagnitudeMajor:
		return models.ResolutionUnexpected
	default:
		return models.ResolutionMixed
	}
}
