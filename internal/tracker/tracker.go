// Package tracker реализует машину состояний читательской сессии: проверку
// и запись выборов, продвижение по главам, прогресс пути и закрытие сессии
// концовкой или отказом.
package tracker

import (
	"math"
	"time"

	"choicebook-server/internal/consequence"
	"choicebook-server/internal/models"
	"choicebook-server/internal/structure"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Config - настройки расчета прогресса.
type Config struct {
	// StepWeightOverride задает вклад одного выбора в прогресс (в процентах).
	// Ноль означает выводить вес из оценочной длины пути структуры.
	StepWeightOverride float64
}

// TransitionResult описывает итог одного записанного выбора.
type TransitionResult struct {
	NewChapter     string              // Глава, в которую привел выбор.
	PathCompletion int                 // Прогресс после перехода.
	Resolutions    []models.Resolution // Разрешения, созданные этим переходом.
	Ending         *models.EndingChapter
	Completed      bool // Сессия завершилась на этой главе.
}

// Tracker изменяет ReaderPath на месте; сохранение результата и кеш лежат
// на вызывающем сервисе. Все мутации одной сессии выполняются под ее
// мьютексом из Acquire.
type Tracker struct {
	cfg          Config
	consequences *consequence.Engine
	logger       *zap.Logger
	locks        *sessionLocks
}

func NewTracker(cfg Config, consequences *consequence.Engine, logger *zap.Logger) *Tracker {
	return &Tracker{
		cfg:          cfg,
		consequences: consequences,
		logger:       logger.Named("PathTracker"),
		locks:        newSessionLocks(),
	}
}

// LockSession берет мьютекс сессии на время цикла загрузка-изменение-запись.
func (t *Tracker) LockSession(sessionID uuid.UUID) func() {
	return t.locks.Acquire(sessionID)
}

// RecordChoice проверяет и применяет один выбор читателя. Любая ошибка
// валидации оставляет сессию нетронутой: повторный вызов с теми же
// аргументами вернет ту же ошибку без побочных эффектов.
func (t *Tracker) RecordChoice(path *models.ReaderPath, st *structure.Structure, choicePointID, choiceID string, decisionTime float64, now time.Time) (TransitionResult, error) {
	if path.Status != models.PathStatusActive {
		return TransitionResult{}, models.ErrSessionEnded
	}

	choice, point, ok := st.ChoiceAt(path.CurrentChapter, choiceID)
	if !ok || point.ID != choicePointID {
		t.logger.Debug("Rejecting choice not offered by current chapter",
			zap.String("sessionId", path.SessionID.String()),
			zap.String("currentChapter", path.CurrentChapter),
			zap.String("choicePointId", choicePointID),
			zap.String("choiceId", choiceID),
		)
		return TransitionResult{}, models.ErrInvalidChoice
	}
	if choice.RequiresPreviousChoice != "" && !path.HasChosen(choice.RequiresPreviousChoice) {
		return TransitionResult{}, models.ErrInvalidChoice
	}

	path.ChoicesMade = append(path.ChoicesMade, models.ChoiceMade{
		ChoicePointID:    point.ID,
		ChoiceID:         choice.ID,
		Timestamp:        now,
		TimeTakenSeconds: decisionTime,
		ChapterContext:   path.CurrentChapter,
	})
	path.CurrentChapter = choice.LeadsToChapter
	path.LastActivityAt = now
	t.advanceCompletion(path, st)

	t.consequences.Queue(path, choice, now)
	resolutions := t.consequences.ResolveImmediate(path, st, choice, now)

	result := TransitionResult{NewChapter: path.CurrentChapter}

	if ending, reached := st.EndingAt(path.CurrentChapter); reached {
		// На концовке очередь осушается целиком, а прогресс добивается до конца.
		resolutions = append(resolutions, t.consequences.ResolveDue(path, st, true)...)
		path.Status = models.PathStatusCompleted
		path.PathCompletion = 100
		endedAt := now
		path.SessionEnd = &endedAt
		if !path.HasDiscovered(ending.ID) {
			path.DiscoveredEndings = append(path.DiscoveredEndings, ending.ID)
		}
		result.Ending = &ending
		result.Completed = true

		t.logger.Info("Session reached an ending",
			zap.String("sessionId", path.SessionID.String()),
			zap.String("endingId", ending.ID),
			zap.Int("choices", len(path.ChoicesMade)),
		)
	} else {
		resolutions = append(resolutions, t.consequences.ResolveDue(path, st, false)...)
	}

	result.PathCompletion = path.PathCompletion
	result.Resolutions = resolutions
	return result, nil
}

// Abandon закрывает активную сессию без концовки. Прогресс и журнал выборов
// сохраняются как есть для аналитики.
func (t *Tracker) Abandon(path *models.ReaderPath, now time.Time) error {
	if path.Status != models.PathStatusActive {
		return models.ErrSessionEnded
	}
	path.Status = models.PathStatusAbandoned
	endedAt := now
	path.SessionEnd = &endedAt
	path.LastActivityAt = now

	t.logger.Info("Session abandoned",
		zap.String("sessionId", path.SessionID.String()),
		zap.Int("pathCompletion", path.PathCompletion),
	)
	return nil
}

// AvailableChoices возвращает точки выбора текущей главы, отфильтрованные
// по предусловиям. Для завершенной сессии список пуст.
func (t *Tracker) AvailableChoices(path *models.ReaderPath, st *structure.Structure) []models.ChoicePoint {
	if path.Status != models.PathStatusActive {
		return nil
	}

	var points []models.ChoicePoint
	for _, cp := range st.ChoicesAt(path.CurrentChapter) {
		available := make([]models.Choice, 0, len(cp.Choices))
		for _, c := range cp.Choices {
			if c.RequiresPreviousChoice != "" && !path.HasChosen(c.RequiresPreviousChoice) {
				continue
			}
			available = append(available, c)
		}
		if len(available) == 0 {
			continue
		}
		cp.Choices = available
		points = append(points, cp)
	}
	return points
}

// advanceCompletion пересчитывает прогресс после перехода. Прогресс строго
// монотонен: пересчет по другой версии структуры не может его уменьшить.
func (t *Tracker) advanceCompletion(path *models.ReaderPath, st *structure.Structure) {
	weight := t.cfg.StepWeightOverride
	if weight <= 0 {
		weight = 100 / float64(st.EstimatedPathLength())
	}
	completion := int(math.Round(float64(len(path.ChoicesMade)) * weight))
	if completion > 100 {
		completion = 100
	}
	if completion > path.PathCompletion {
		path.PathCompletion = completion
	}
}
