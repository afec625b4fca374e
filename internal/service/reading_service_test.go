package service_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"choicebook-server/internal/consequence"
	"choicebook-server/internal/interfaces/mocks"
	"choicebook-server/internal/models"
	"choicebook-server/internal/service"
	"choicebook-server/internal/structure"
	"choicebook-server/internal/tracker"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// storyDefinition - трехглавная история с отложенным последствием на ch_a:
// c1 --(ch_a|ch_b)--> c2 --(ch_c)--> c3 (концовка e1).
func storyDefinition() models.StructureDefinition {
	return models.StructureDefinition{
		StartChapterID: "c1",
		Chapters: []models.Chapter{
			{ID: "c1", Title: "Завязка", Content: "Путник у развилки."},
			{ID: "c2", Title: "Развитие", Content: "Дорога через лес."},
			{ID: "c3", Title: "Финал", Content: "Городские ворота."},
		},
		ChoicePoints: []models.ChoicePoint{
			{
				ID: "p1", ChapterID: "c1", PositionInChapter: models.PositionEnd,
				ChoiceType: models.ChoiceTypeBinary,
				Choices: []models.Choice{
					{ID: "ch_a", Text: "Через лес", LeadsToChapter: "c2"},
					{ID: "ch_b", Text: "Вдоль реки", LeadsToChapter: "c2"},
				},
			},
			{
				ID: "p2", ChapterID: "c2", PositionInChapter: models.PositionEnd,
				ChoiceType: models.ChoiceTypeBinary,
				Choices: []models.Choice{
					{ID: "ch_c", Text: "Войти в город", LeadsToChapter: "c3"},
				},
			},
		},
		Endings: []models.EndingChapter{
			{ID: "e1", ChapterID: "c3", EndingType: models.EndingOpen, Rarity: models.RarityCommon},
		},
	}
}

func storyRow(t *testing.T, storyID uuid.UUID, version int, status models.StructureStatus) *models.ChoiceStructure {
	t.Helper()
	raw, err := json.Marshal(storyDefinition())
	require.NoError(t, err)
	return &models.ChoiceStructure{
		ID:         uuid.New(),
		StoryID:    storyID,
		Version:    version,
		Status:     status,
		Definition: raw,
	}
}

type readingFixture struct {
	pathRepo      *mocks.ReaderPathRepository
	structureRepo *mocks.ChoiceStructureRepository
	sessionCache  *mocks.SessionCache
	notifier      *mocks.ResolutionNotifier
	events        *mocks.SessionEventSink
	svc           service.ReadingService
}

func newReadingFixture() *readingFixture {
	f := &readingFixture{
		pathRepo:      new(mocks.ReaderPathRepository),
		structureRepo: new(mocks.ChoiceStructureRepository),
		sessionCache:  new(mocks.SessionCache),
		notifier:      new(mocks.ResolutionNotifier),
		events:        new(mocks.SessionEventSink),
	}
	pathTracker := tracker.NewTracker(tracker.Config{}, consequence.NewEngine(zap.NewNop()), zap.NewNop())
	f.svc = service.NewReadingService(
		nil,
		f.pathRepo,
		f.structureRepo,
		structure.NewCache(),
		f.sessionCache,
		pathTracker,
		f.notifier,
		f.events,
		zap.NewNop(),
	)
	return f
}

func TestStartSession(t *testing.T) {
	ctx := context.Background()
	userID := uuid.New()
	storyID := uuid.New()

	t.Run("successful start", func(t *testing.T) {
		f := newReadingFixture()
		f.structureRepo.On("GetActiveByStoryID", ctx, mock.Anything, storyID).
			Return(storyRow(t, storyID, 3, models.StructureStatusActive), nil).Once()
		f.structureRepo.On("GetByStoryAndVersion", ctx, mock.Anything, storyID, 3).
			Return(storyRow(t, storyID, 3, models.StructureStatusActive), nil).Once()
		f.pathRepo.On("CountByUserAndStory", ctx, mock.Anything, userID, storyID).Return(2, nil).Once()
		f.pathRepo.On("Create", ctx, mock.Anything, mock.MatchedBy(func(path *models.ReaderPath) bool {
			assert.Equal(t, userID, path.UserID)
			assert.Equal(t, storyID, path.StoryID)
			assert.Equal(t, 3, path.StructureVersion)
			assert.Equal(t, models.PathStatusActive, path.Status)
			assert.Equal(t, "c1", path.CurrentChapter)
			assert.Equal(t, 3, path.PlaythroughCount, "третий заход пользователя в историю")
			return true
		})).Return(nil).Once()
		f.sessionCache.On("Set", ctx, mock.Anything).Return(nil).Once()

		view, err := f.svc.StartSession(ctx, userID, storyID)
		require.NoError(t, err)
		assert.Equal(t, "c1", view.Path.CurrentChapter)
		assert.Equal(t, "Завязка", view.Chapter.Title)
		require.Len(t, view.AvailableChoices, 1)
		assert.Len(t, view.AvailableChoices[0].Choices, 2)
		assert.Nil(t, view.Ending)

		f.pathRepo.AssertExpectations(t)
		f.structureRepo.AssertExpectations(t)
	})

	t.Run("no active structure", func(t *testing.T) {
		f := newReadingFixture()
		f.structureRepo.On("GetActiveByStoryID", ctx, mock.Anything, storyID).
			Return(nil, models.ErrStructureNotFound).Once()

		_, err := f.svc.StartSession(ctx, userID, storyID)
		assert.ErrorIs(t, err, models.ErrStructureNotFound)
		f.pathRepo.AssertNotCalled(t, "Create", mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("cache write failure does not fail the start", func(t *testing.T) {
		f := newReadingFixture()
		f.structureRepo.On("GetActiveByStoryID", ctx, mock.Anything, storyID).
			Return(storyRow(t, storyID, 1, models.StructureStatusActive), nil).Once()
		f.structureRepo.On("GetByStoryAndVersion", ctx, mock.Anything, storyID, 1).
			Return(storyRow(t, storyID, 1, models.StructureStatusActive), nil).Once()
		f.pathRepo.On("CountByUserAndStory", ctx, mock.Anything, userID, storyID).Return(0, nil).Once()
		f.pathRepo.On("Create", ctx, mock.Anything, mock.Anything).Return(nil).Once()
		f.sessionCache.On("Set", ctx, mock.Anything).Return(assert.AnError).Once()

		view, err := f.svc.StartSession(ctx, userID, storyID)
		require.NoError(t, err)
		assert.Equal(t, 1, view.Path.PlaythroughCount)
	})
}

func activePath(userID, storyID uuid.UUID) *models.ReaderPath {
	now := time.Now().UTC().Add(-time.Minute)
	return &models.ReaderPath{
		ID:               uuid.New(),
		SessionID:        uuid.New(),
		UserID:           userID,
		StoryID:          storyID,
		StructureVersion: 1,
		Status:           models.PathStatusActive,
		CurrentChapter:   "c1",
		PlaythroughCount: 1,
		SessionStart:     now,
		LastActivityAt:   now,
	}
}

func TestMakeChoice(t *testing.T) {
	ctx := context.Background()
	userID := uuid.New()
	storyID := uuid.New()

	t.Run("advances to the next chapter", func(t *testing.T) {
		f := newReadingFixture()
		path := activePath(userID, storyID)

		f.sessionCache.On("Get", ctx, path.SessionID).Return(path, nil).Once()
		f.structureRepo.On("GetByStoryAndVersion", ctx, mock.Anything, storyID, 1).
			Return(storyRow(t, storyID, 1, models.StructureStatusActive), nil).Once()
		f.pathRepo.On("Update", ctx, mock.Anything, mock.MatchedBy(func(updated *models.ReaderPath) bool {
			assert.Equal(t, "c2", updated.CurrentChapter)
			assert.Len(t, updated.ChoicesMade, 1)
			return true
		})).Return(nil).Once()
		f.sessionCache.On("Set", ctx, mock.Anything).Return(nil).Once()
		f.events.On("SendToSession", path.SessionID, mock.MatchedBy(func(event models.SessionEvent) bool {
			return event.Type == models.EventChapterTransition && event.Chapter == "c2"
		})).Return(true).Once()

		result, err := f.svc.MakeChoice(ctx, path.SessionID, "p1", "ch_a", 4.2)
		require.NoError(t, err)
		assert.Equal(t, "c2", result.Path.CurrentChapter)
		assert.False(t, result.Completed)
		assert.Empty(t, result.Resolutions)

		f.pathRepo.AssertExpectations(t)
		f.events.AssertExpectations(t)
	})

	t.Run("reaching the ending completes the session", func(t *testing.T) {
		f := newReadingFixture()
		path := activePath(userID, storyID)
		path.CurrentChapter = "c2"

		f.sessionCache.On("Get", ctx, path.SessionID).Return(path, nil).Once()
		f.structureRepo.On("GetByStoryAndVersion", ctx, mock.Anything, storyID, 1).
			Return(storyRow(t, storyID, 1, models.StructureStatusActive), nil).Once()
		f.pathRepo.On("Update", ctx, mock.Anything, mock.MatchedBy(func(updated *models.ReaderPath) bool {
			assert.Equal(t, models.PathStatusCompleted, updated.Status)
			assert.Equal(t, 100, updated.PathCompletion)
			assert.NotNil(t, updated.SessionEnd)
			assert.Contains(t, updated.DiscoveredEndings, "e1")
			return true
		})).Return(nil).Once()
		f.sessionCache.On("Invalidate", ctx, path.SessionID).Return(nil).Once()
		f.events.On("SendToSession", path.SessionID, mock.MatchedBy(func(event models.SessionEvent) bool {
			return event.Type == models.EventChapterTransition
		})).Return(true).Once()
		f.events.On("SendToSession", path.SessionID, mock.MatchedBy(func(event models.SessionEvent) bool {
			return event.Type == models.EventEndingReached && event.EndingID == "e1"
		})).Return(true).Once()

		result, err := f.svc.MakeChoice(ctx, path.SessionID, "p2", "ch_c", 1.0)
		require.NoError(t, err)
		assert.True(t, result.Completed)
		require.NotNil(t, result.Ending)
		assert.Equal(t, "e1", result.Ending.ID)

		f.sessionCache.AssertExpectations(t)
		f.events.AssertExpectations(t)
	})

	t.Run("invalid choice leaves the session untouched", func(t *testing.T) {
		f := newReadingFixture()
		path := activePath(userID, storyID)

		f.sessionCache.On("Get", ctx, path.SessionID).Return(path, nil).Once()
		f.structureRepo.On("GetByStoryAndVersion", ctx, mock.Anything, storyID, 1).
			Return(storyRow(t, storyID, 1, models.StructureStatusActive), nil).Once()

		_, err := f.svc.MakeChoice(ctx, path.SessionID, "p2", "ch_c", 1.0)
		assert.ErrorIs(t, err, models.ErrInvalidChoice)
		assert.Equal(t, "c1", path.CurrentChapter)
		f.pathRepo.AssertNotCalled(t, "Update", mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("cache miss falls back to repository", func(t *testing.T) {
		f := newReadingFixture()
		path := activePath(userID, storyID)

		f.sessionCache.On("Get", ctx, path.SessionID).Return(nil, models.ErrSessionNotFound).Once()
		f.pathRepo.On("GetBySessionID", ctx, mock.Anything, path.SessionID).Return(path, nil).Once()
		// Прогрев после промаха и запись после хода.
		f.sessionCache.On("Set", ctx, mock.Anything).Return(nil).Twice()
		f.structureRepo.On("GetByStoryAndVersion", ctx, mock.Anything, storyID, 1).
			Return(storyRow(t, storyID, 1, models.StructureStatusActive), nil).Once()
		f.pathRepo.On("Update", ctx, mock.Anything, mock.Anything).Return(nil).Once()
		f.events.On("SendToSession", mock.Anything, mock.Anything).Return(false)

		_, err := f.svc.MakeChoice(ctx, path.SessionID, "p1", "ch_b", 2.0)
		require.NoError(t, err)
		f.sessionCache.AssertExpectations(t)
	})

	t.Run("session already ended", func(t *testing.T) {
		f := newReadingFixture()
		path := activePath(userID, storyID)
		path.Status = models.PathStatusCompleted

		f.sessionCache.On("Get", ctx, path.SessionID).Return(path, nil).Once()
		f.structureRepo.On("GetByStoryAndVersion", ctx, mock.Anything, storyID, 1).
			Return(storyRow(t, storyID, 1, models.StructureStatusActive), nil).Once()

		_, err := f.svc.MakeChoice(ctx, path.SessionID, "p1", "ch_a", 1.0)
		assert.ErrorIs(t, err, models.ErrSessionEnded)
	})
}

func TestMakeChoice_DelayedResolutionDelivery(t *testing.T) {
	ctx := context.Background()
	storyID := uuid.New()

	// Коридор из четырех глав: отложенное последствие выбора ch_b зреет,
	// пока позади не окажется промежуточная глава.
	def := models.StructureDefinition{
		StartChapterID: "c1",
		Chapters: []models.Chapter{
			{ID: "c1", Title: "Один", Content: "Текст."},
			{ID: "c2", Title: "Два", Content: "Текст."},
			{ID: "c3", Title: "Три", Content: "Текст."},
			{ID: "c4", Title: "Четыре", Content: "Текст."},
		},
		ChoicePoints: []models.ChoicePoint{
			{ID: "p1", ChapterID: "c1", Choices: []models.Choice{{ID: "ch_a", Text: "Дальше", LeadsToChapter: "c2"}}},
			{ID: "p2", ChapterID: "c2", Choices: []models.Choice{{
				ID: "ch_b", Text: "Соврать страже", LeadsToChapter: "c3",
				Consequences: []models.Consequence{{
					ID: "q1", Type: models.ConsequenceDelayed,
					Description: "Ложь раскроется", Magnitude: models.MagnitudeModerate,
				}},
			}}},
			{ID: "p3", ChapterID: "c3", Choices: []models.Choice{{ID: "ch_c", Text: "Дальше", LeadsToChapter: "c4"}}},
		},
	}
	raw, err := json.Marshal(def)
	require.NoError(t, err)
	row := &models.ChoiceStructure{ID: uuid.New(), StoryID: storyID, Version: 1, Status: models.StructureStatusActive, Definition: raw}

	f := newReadingFixture()
	path := activePath(uuid.New(), storyID)

	f.sessionCache.On("Get", ctx, path.SessionID).Return(path, nil)
	f.structureRepo.On("GetByStoryAndVersion", ctx, mock.Anything, storyID, 1).Return(row, nil).Once()
	f.pathRepo.On("Update", ctx, mock.Anything, mock.Anything).Return(nil)
	f.sessionCache.On("Set", ctx, mock.Anything).Return(nil)
	f.events.On("SendToSession", mock.Anything, mock.Anything).Return(false)
	f.notifier.On("PublishResolutions", ctx, mock.MatchedBy(func(payload models.ResolutionRenderingPayload) bool {
		assert.Equal(t, path.SessionID, payload.SessionID)
		assert.Equal(t, "c4", payload.ChapterContext)
		require.Len(t, payload.Resolutions, 1)
		assert.Equal(t, "q1", payload.Resolutions[0].ConsequenceID)
		return true
	})).Return(nil).Once()

	// Шаг 1: обычный переход.
	result, err := f.svc.MakeChoice(ctx, path.SessionID, "p1", "ch_a", 1.0)
	require.NoError(t, err)
	assert.Empty(t, result.Resolutions)

	// Шаг 2: выбор с отложенным последствием. Глава c3 следует за выбором
	// напрямую, разрешать еще рано.
	result, err = f.svc.MakeChoice(ctx, path.SessionID, "p2", "ch_b", 1.0)
	require.NoError(t, err)
	assert.Empty(t, result.Resolutions)

	// Шаг 3: позади промежуточная глава, последствие разрешается и уезжает рендереру.
	result, err = f.svc.MakeChoice(ctx, path.SessionID, "p3", "ch_c", 1.0)
	require.NoError(t, err)
	require.Len(t, result.Resolutions, 1)
	assert.Equal(t, "q1", result.Resolutions[0].ConsequenceID)
	assert.True(t, path.Resolutions[0].Delivered)

	f.notifier.AssertExpectations(t)
}

func TestEndSession(t *testing.T) {
	ctx := context.Background()
	storyID := uuid.New()

	t.Run("reader ends an active session", func(t *testing.T) {
		f := newReadingFixture()
		path := activePath(uuid.New(), storyID)
		path.PathCompletion = 40

		f.sessionCache.On("Get", ctx, path.SessionID).Return(path, nil).Once()
		f.pathRepo.On("Update", ctx, mock.Anything, mock.MatchedBy(func(updated *models.ReaderPath) bool {
			assert.Equal(t, models.PathStatusAbandoned, updated.Status)
			assert.NotNil(t, updated.SessionEnd, "явное завершение ставит таймстамп конца")
			assert.Equal(t, 40, updated.PathCompletion, "прогресс сохраняется как есть")
			return true
		})).Return(nil).Once()
		f.sessionCache.On("Invalidate", ctx, path.SessionID).Return(nil).Once()

		ended, err := f.svc.EndSession(ctx, path.SessionID)
		require.NoError(t, err)
		assert.Equal(t, models.PathStatusAbandoned, ended.Status)
		f.pathRepo.AssertExpectations(t)
	})

	t.Run("ending twice fails", func(t *testing.T) {
		f := newReadingFixture()
		path := activePath(uuid.New(), storyID)
		path.Status = models.PathStatusAbandoned

		f.sessionCache.On("Get", ctx, path.SessionID).Return(path, nil).Once()

		_, err := f.svc.EndSession(ctx, path.SessionID)
		assert.ErrorIs(t, err, models.ErrSessionEnded)
	})
}
