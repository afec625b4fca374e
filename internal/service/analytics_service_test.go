package service_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"choicebook-server/internal/analytics"
	"choicebook-server/internal/interfaces/mocks"
	"choicebook-server/internal/models"
	"choicebook-server/internal/service"
	"choicebook-server/internal/structure"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// completedPath - завершенная сессия, прошедшая c1 -> c2 -> c3 до концовки.
func completedPath(storyID uuid.UUID, endingID string) *models.ReaderPath {
	start := time.Now().UTC().Add(-20 * time.Minute)
	end := start.Add(15 * time.Minute)
	return &models.ReaderPath{
		ID:               uuid.New(),
		SessionID:        uuid.New(),
		UserID:           uuid.New(),
		StoryID:          storyID,
		StructureVersion: 2,
		Status:           models.PathStatusCompleted,
		CurrentChapter:   "c3",
		PathCompletion:   100,
		PlaythroughCount: 1,
		ChoicesMade: []models.ChoiceMade{
			{ChoicePointID: "p1", ChoiceID: "ch_a", Timestamp: start, TimeTakenSeconds: 5, ChapterContext: "c1"},
			{ChoicePointID: "p2", ChoiceID: "ch_c", Timestamp: end, TimeTakenSeconds: 3, ChapterContext: "c2"},
		},
		DiscoveredEndings: []string{endingID},
		SessionStart:      start,
		SessionEnd:        &end,
		LastActivityAt:    end,
	}
}

func TestRecomputeReport(t *testing.T) {
	ctx := context.Background()
	storyID := uuid.New()

	structureRepo := new(mocks.ChoiceStructureRepository)
	pathRepo := new(mocks.ReaderPathRepository)
	reportRepo := new(mocks.AnalysisReportRepository)
	svc := service.NewAnalyticsService(
		nil,
		structureRepo,
		pathRepo,
		reportRepo,
		structure.NewCache(),
		analytics.NewEngine(analytics.Config{}, zap.NewNop()),
		zap.NewNop(),
	)

	t.Run("stores a snapshot of the fresh report", func(t *testing.T) {
		row := storyRow(t, storyID, 2, models.StructureStatusActive)
		paths := []models.ReaderPath{
			*completedPath(storyID, "e1"),
			*completedPath(storyID, "e1"),
		}

		structureRepo.On("GetActiveByStoryID", ctx, mock.Anything, storyID).Return(row, nil).Once()
		structureRepo.On("GetByStoryAndVersion", ctx, mock.Anything, storyID, 2).Return(row, nil).Once()
		pathRepo.On("ListByStoryID", ctx, mock.Anything, storyID).Return(paths, nil).Once()
		reportRepo.On("Save", ctx, mock.Anything, mock.MatchedBy(func(snapshot *models.AnalysisReport) bool {
			assert.Equal(t, storyID, snapshot.StoryID)
			assert.Equal(t, 2, snapshot.StructureVersion)
			var report models.PathAnalysisReport
			require.NoError(t, json.Unmarshal(snapshot.Report, &report))
			assert.Equal(t, 2, report.TotalPaths)
			return true
		})).Return(nil).Once()

		report, err := svc.RecomputeReport(ctx, storyID)
		require.NoError(t, err)
		assert.Equal(t, 2, report.TotalPaths)
		assert.Equal(t, map[string]int{"e1": 2}, report.EndingDistribution)
		assert.Equal(t, 2, report.ReaderStats.TotalSessions)
		assert.Zero(t, report.ReaderStats.AbandonmentRate)
		reportRepo.AssertExpectations(t)
	})

	t.Run("no active structure", func(t *testing.T) {
		missing := uuid.New()
		structureRepo.On("GetActiveByStoryID", ctx, mock.Anything, missing).
			Return(nil, models.ErrStructureNotFound).Once()

		_, err := svc.RecomputeReport(ctx, missing)
		assert.ErrorIs(t, err, models.ErrStructureNotFound)
		reportRepo.AssertNotCalled(t, "Save", mock.Anything, mock.Anything, mock.Anything)
	})
}

func TestGetLatestReport(t *testing.T) {
	ctx := context.Background()
	storyID := uuid.New()

	reportRepo := new(mocks.AnalysisReportRepository)
	svc := service.NewAnalyticsService(
		nil,
		new(mocks.ChoiceStructureRepository),
		new(mocks.ReaderPathRepository),
		reportRepo,
		structure.NewCache(),
		analytics.NewEngine(analytics.Config{}, zap.NewNop()),
		zap.NewNop(),
	)

	t.Run("returns the stored snapshot", func(t *testing.T) {
		snapshot := &models.AnalysisReport{
			ID:               uuid.New(),
			StoryID:          storyID,
			StructureVersion: 2,
			Report:           json.RawMessage(`{"totalPaths": 7}`),
			GeneratedAt:      time.Now().UTC(),
		}
		reportRepo.On("GetLatestByStoryID", ctx, mock.Anything, storyID).Return(snapshot, nil).Once()

		got, err := svc.GetLatestReport(ctx, storyID)
		require.NoError(t, err)
		assert.Equal(t, snapshot.ID, got.ID)
	})

	t.Run("no snapshots yet", func(t *testing.T) {
		missing := uuid.New()
		reportRepo.On("GetLatestByStoryID", ctx, mock.Anything, missing).
			Return(nil, models.ErrNotFound).Once()

		_, err := svc.GetLatestReport(ctx, missing)
		assert.ErrorIs(t, err, models.ErrNotFound)
	})
}
