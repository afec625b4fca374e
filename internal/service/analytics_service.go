package service

import (
	"context"
	"encoding/json"
	"fmt"

	"choicebook-server/internal/analytics"
	"choicebook-server/internal/interfaces"
	"choicebook-server/internal/models"
	"choicebook-server/internal/structure"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// AnalyticsService defines the interface for path analytics over reader sessions.
type AnalyticsService interface {
	// RecomputeReport строит свежий отчет по всем сессиям активной версии
	// и сохраняет снапшот для дашбордов.
	RecomputeReport(ctx context.Context, storyID uuid.UUID) (models.PathAnalysisReport, error)

	// GetLatestReport возвращает последний сохраненный снапшот отчета.
	GetLatestReport(ctx context.Context, storyID uuid.UUID) (*models.AnalysisReport, error)
}

type analyticsServiceImpl struct {
	db             interfaces.DBTX
	structureRepo  interfaces.ChoiceStructureRepository
	pathRepo       interfaces.ReaderPathRepository
	reportRepo     interfaces.AnalysisReportRepository
	structureCache *structure.Cache
	engine         *analytics.Engine
	logger         *zap.Logger
}

// NewAnalyticsService creates a new instance of AnalyticsService.
func NewAnalyticsService(
	db interfaces.DBTX,
	structureRepo interfaces.ChoiceStructureRepository,
	pathRepo interfaces.ReaderPathRepository,
	reportRepo interfaces.AnalysisReportRepository,
	structureCache *structure.Cache,
	engine *analytics.Engine,
	logger *zap.Logger,
) AnalyticsService {
	return &analyticsServiceImpl{
		db:             db,
		structureRepo:  structureRepo,
		pathRepo:       pathRepo,
		reportRepo:     reportRepo,
		structureCache: structureCache,
		engine:         engine,
		logger:         logger.Named("AnalyticsService"),
	}
}

func (s *analyticsServiceImpl) RecomputeReport(ctx context.Context, storyID uuid.UUID) (models.PathAnalysisReport, error) {
	log := s.logger.With(zap.Stringer("storyID", storyID))
	log.Info("Recomputing path analysis report")

	active, err := s.structureRepo.GetActiveByStoryID(ctx, s.db, storyID)
	if err != nil {
		return models.PathAnalysisReport{}, err
	}
	st, err := resolveStructure(ctx, s.db, s.structureRepo, s.structureCache, storyID, active.Version)
	if err != nil {
		return models.PathAnalysisReport{}, err
	}

	// Отчет считается по всем сессиям истории, включая старые версии
	// структуры: покинутые и завершенные пути одинаково интересны автору.
	paths, err := s.pathRepo.ListByStoryID(ctx, s.db, storyID)
	if err != nil {
		return models.PathAnalysisReport{}, err
	}

	report, err := s.engine.GenerateReport(ctx, st, paths)
	if err != nil {
		log.Error("Report generation failed", zap.Error(err))
		return models.PathAnalysisReport{}, err
	}

	reportJSON, err := json.Marshal(report)
	if err != nil {
		return models.PathAnalysisReport{}, fmt.Errorf("ошибка сериализации отчета аналитики: %w", err)
	}
	snapshot := &models.AnalysisReport{
		StoryID:          storyID,
		StructureVersion: active.Version,
		Report:           reportJSON,
	}
	if err := s.reportRepo.Save(ctx, s.db, snapshot); err != nil {
		log.Error("Failed to store report snapshot", zap.Error(err))
		return models.PathAnalysisReport{}, err
	}

	log.Info("Path analysis report stored",
		zap.Int("structureVersion", active.Version),
		zap.Int("totalPaths", report.TotalPaths))
	return report, nil
}

func (s *analyticsServiceImpl) GetLatestReport(ctx context.Context, storyID uuid.UUID) (*models.AnalysisReport, error) {
	return s.reportRepo.GetLatestByStoryID(ctx, s.db, storyID)
}
