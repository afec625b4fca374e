package service

import (
	"context"
	"time"

	"choicebook-server/internal/interfaces"
	"choicebook-server/internal/models"
	"choicebook-server/internal/structure"
	"choicebook-server/internal/tracker"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// SessionView - состояние сессии, достаточное для отрисовки текущего шага.
type SessionView struct {
	Path             *models.ReaderPath
	Chapter          models.Chapter
	AvailableChoices []models.ChoicePoint
	Ending           *models.EndingChapter // Заполнено для завершенной концовкой сессии.
}

// MakeChoiceResult - итог записанного выбора вместе с обновленным видом сессии.
type MakeChoiceResult struct {
	SessionView
	Resolutions []models.Resolution // Разрешения, созданные этим ходом.
	Completed   bool
}

// ReadingService defines the interface for reader session flows.
type ReadingService interface {
	// StartSession открывает новую сессию чтения по активной версии истории.
	StartSession(ctx context.Context, userID, storyID uuid.UUID) (*SessionView, error)

	// GetSession возвращает текущее состояние сессии.
	GetSession(ctx context.Context, sessionID uuid.UUID) (*SessionView, error)

	// MakeChoice записывает выбор читателя и продвигает сессию.
	MakeChoice(ctx context.Context, sessionID uuid.UUID, choicePointID, choiceID string, decisionTime float64) (*MakeChoiceResult, error)

	// EndSession явно закрывает сессию без достижения концовки.
	EndSession(ctx context.Context, sessionID uuid.UUID) (*models.ReaderPath, error)
}

type readingServiceImpl struct {
	db             interfaces.DBTX
	pathRepo       interfaces.ReaderPathRepository
	structureRepo  interfaces.ChoiceStructureRepository
	structureCache *structure.Cache
	sessionCache   interfaces.SessionCache
	tracker        *tracker.Tracker
	notifier       interfaces.ResolutionNotifier
	events         interfaces.SessionEventSink
	logger         *zap.Logger
}

// NewReadingService creates a new instance of ReadingService.
// notifier и events могут быть nil: тогда доставка разрешений и события
// сессии просто не выполняются.
func NewReadingService(
	db interfaces.DBTX,
	pathRepo interfaces.ReaderPathRepository,
	structureRepo interfaces.ChoiceStructureRepository,
	structureCache *structure.Cache,
	sessionCache interfaces.SessionCache,
	pathTracker *tracker.Tracker,
	notifier interfaces.ResolutionNotifier,
	events interfaces.SessionEventSink,
	logger *zap.Logger,
) ReadingService {
	return &readingServiceImpl{
		db:             db,
		pathRepo:       pathRepo,
		structureRepo:  structureRepo,
		structureCache: structureCache,
		sessionCache:   sessionCache,
		tracker:        pathTracker,
		notifier:       notifier,
		events:         events,
		logger:         logger.Named("ReadingService"),
	}
}

func (s *readingServiceImpl) StartSession(ctx context.Context, userID, storyID uuid.UUID) (*SessionView, error) {
	logFields := []zap.Field{zap.Stringer("userID", userID), zap.Stringer("storyID", storyID)}
	s.logger.Info("Starting reader session", logFields...)

	active, err := s.structureRepo.GetActiveByStoryID(ctx, s.db, storyID)
	if err != nil {
		s.logger.Warn("Cannot start session without an active structure", append(logFields, zap.Error(err))...)
		return nil, err
	}
	st, err := resolveStructure(ctx, s.db, s.structureRepo, s.structureCache, storyID, active.Version)
	if err != nil {
		return nil, err
	}

	previous, err := s.pathRepo.CountByUserAndStory(ctx, s.db, userID, storyID)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	path := &models.ReaderPath{
		ID:               uuid.New(),
		SessionID:        uuid.New(),
		UserID:           userID,
		StoryID:          storyID,
		StructureVersion: active.Version,
		Status:           models.PathStatusActive,
		CurrentChapter:   st.StartChapterID(),
		PathCompletion:   0,
		PlaythroughCount: previous + 1,
		SessionStart:     now,
		LastActivityAt:   now,
	}
	if err := s.pathRepo.Create(ctx, s.db, path); err != nil {
		s.logger.Error("Failed to create reader session", append(logFields, zap.Error(err))...)
		return nil, err
	}
	s.cacheSession(ctx, path)

	s.logger.Info("Reader session started", append(logFields,
		zap.Stringer("sessionID", path.SessionID),
		zap.Int("structureVersion", path.StructureVersion),
		zap.Int("playthrough", path.PlaythroughCount))...)
	return s.buildView(path, st), nil
}

func (s *readingServiceImpl) GetSession(ctx context.Context, sessionID uuid.UUID) (*SessionView, error) {
	path, err := s.loadSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	st, err := resolveStructure(ctx, s.db, s.structureRepo, s.structureCache, path.StoryID, path.StructureVersion)
	if err != nil {
		return nil, err
	}
	return s.buildView(path, st), nil
}

func (s *readingServiceImpl) MakeChoice(ctx context.Context, sessionID uuid.UUID, choicePointID, choiceID string, decisionTime float64) (*MakeChoiceResult, error) {
	// Весь цикл загрузка-изменение-запись идет под мьютексом сессии:
	// параллельные ходы одной сессии сериализуются здесь.
	unlock := s.tracker.LockSession(sessionID)
	defer unlock()

	log := s.logger.With(zap.Stringer("sessionID", sessionID))

	path, err := s.loadSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	st, err := resolveStructure(ctx, s.db, s.structureRepo, s.structureCache, path.StoryID, path.StructureVersion)
	if err != nil {
		return nil, err
	}

	result, err := s.tracker.RecordChoice(path, st, choicePointID, choiceID, decisionTime, time.Now().UTC())
	if err != nil {
		return nil, err
	}

	delivered := s.deliverResolutions(ctx, path, result.NewChapter)

	if err := s.pathRepo.Update(ctx, s.db, path); err != nil {
		// Память уже разошлась с базой: кеш сбрасывается, следующий запрос
		// перечитает последнее сохраненное состояние.
		if cacheErr := s.sessionCache.Invalidate(ctx, sessionID); cacheErr != nil {
			log.Warn("Failed to invalidate session cache after update error", zap.Error(cacheErr))
		}
		log.Error("Failed to persist recorded choice", zap.Error(err))
		return nil, err
	}

	if result.Completed {
		if err := s.sessionCache.Invalidate(ctx, sessionID); err != nil {
			log.Warn("Failed to invalidate completed session cache", zap.Error(err))
		}
	} else {
		s.cacheSession(ctx, path)
	}

	s.emitChoiceEvents(path, result)

	log.Info("Choice recorded",
		zap.String("choiceId", choiceID),
		zap.String("newChapter", result.NewChapter),
		zap.Int("pathCompletion", result.PathCompletion),
		zap.Int("resolutions", len(result.Resolutions)),
		zap.Int("deliveredResolutions", delivered),
		zap.Bool("completed", result.Completed))

	out := &MakeChoiceResult{
		SessionView: *s.buildView(path, st),
		Resolutions: result.Resolutions,
		Completed:   result.Completed,
	}
	return out, nil
}

func (s *readingServiceImpl) EndSession(ctx context.Context, sessionID uuid.UUID) (*models.ReaderPath, error) {
	unlock := s.tracker.LockSession(sessionID)
	defer unlock()

	log := s.logger.With(zap.Stringer("sessionID", sessionID))

	path, err := s.loadSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if err := s.tracker.Abandon(path, time.Now().UTC()); err != nil {
		return nil, err
	}
	if err := s.pathRepo.Update(ctx, s.db, path); err != nil {
		log.Error("Failed to persist session end", zap.Error(err))
		return nil, err
	}
	if err := s.sessionCache.Invalidate(ctx, sessionID); err != nil {
		log.Warn("Failed to invalidate ended session cache", zap.Error(err))
	}

	log.Info("Reader session ended by reader", zap.Int("pathCompletion", path.PathCompletion))
	return path, nil
}

// loadSession читает сессию: сначала кеш, затем база с прогревом кеша.
func (s *readingServiceImpl) loadSession(ctx context.Context, sessionID uuid.UUID) (*models.ReaderPath, error) {
	if path, err := s.sessionCache.Get(ctx, sessionID); err == nil {
		return path, nil
	}
	path, err := s.pathRepo.GetBySessionID(ctx, s.db, sessionID)
	if err != nil {
		return nil, err
	}
	if path.Status == models.PathStatusActive {
		s.cacheSession(ctx, path)
	}
	return path, nil
}

// cacheSession кладет сессию в кеш. Ошибка кеша ход не ломает.
func (s *readingServiceImpl) cacheSession(ctx context.Context, path *models.ReaderPath) {
	if err := s.sessionCache.Set(ctx, path); err != nil {
		s.logger.Warn("Failed to cache reader session",
			zap.Stringer("sessionID", path.SessionID), zap.Error(err))
	}
}

// deliverResolutions публикует все недоставленные разрешения сессии и
// помечает их доставленными. Неудача оставляет флаг снятым, пачка уедет
// со следующим ходом; получатель дедуплицирует по Resolution.ID.
func (s *readingServiceImpl) deliverResolutions(ctx context.Context, path *models.ReaderPath, chapterContext string) int {
	if s.notifier == nil {
		return 0
	}
	pending := make([]models.Resolution, 0)
	for _, res := range path.Resolutions {
		if !res.Delivered {
			pending = append(pending, res)
		}
	}
	if len(pending) == 0 {
		return 0
	}

	payload := models.ResolutionRenderingPayload{
		SessionID:      path.SessionID,
		StoryID:        path.StoryID,
		ChapterContext: chapterContext,
		Resolutions:    pending,
	}
	if err := s.notifier.PublishResolutions(ctx, payload); err != nil {
		s.logger.Warn("Failed to deliver consequence resolutions",
			zap.Stringer("sessionID", path.SessionID),
			zap.Int("count", len(pending)),
			zap.Error(err))
		return 0
	}

	for i := range path.Resolutions {
		path.Resolutions[i].Delivered = true
	}
	return len(pending)
}

// emitChoiceEvents шлет события хода клиенту сессии, если тот подключен.
func (s *readingServiceImpl) emitChoiceEvents(path *models.ReaderPath, result tracker.TransitionResult) {
	if s.events == nil {
		return
	}
	s.events.SendToSession(path.SessionID, models.SessionEvent{
		Type:           models.EventChapterTransition,
		SessionID:      path.SessionID,
		Chapter:        result.NewChapter,
		PathCompletion: result.PathCompletion,
	})
	if len(result.Resolutions) > 0 {
		s.events.SendToSession(path.SessionID, models.SessionEvent{
			Type:        models.EventConsequencesResolved,
			SessionID:   path.SessionID,
			Chapter:     result.NewChapter,
			Resolutions: result.Resolutions,
		})
	}
	if result.Ending != nil {
		s.events.SendToSession(path.SessionID, models.SessionEvent{
			Type:           models.EventEndingReached,
			SessionID:      path.SessionID,
			EndingID:       result.Ending.ID,
			PathCompletion: result.PathCompletion,
		})
	}
}

func (s *readingServiceImpl) buildView(path *models.ReaderPath, st *structure.Structure) *SessionView {
	view := &SessionView{Path: path}
	if chapter, ok := st.Chapter(path.CurrentChapter); ok {
		view.Chapter = chapter
	}
	view.AvailableChoices = s.tracker.AvailableChoices(path, st)
	if ending, ok := st.EndingAt(path.CurrentChapter); ok && path.Status == models.PathStatusCompleted {
		view.Ending = &ending
	}
	return view
}
