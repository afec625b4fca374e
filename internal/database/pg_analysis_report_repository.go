package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"choicebook-server/internal/interfaces"
	"choicebook-server/internal/models"

	"github.com/georgysavva/scany/v2/pgxscan"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"
)

const (
	insertAnalysisReportQuery = `
        INSERT INTO analysis_reports (id, story_id, structure_version, report, generated_at)
        VALUES ($1, $2, $3, $4, $5)
    `
	getLatestAnalysisReportQuery = `
        SELECT id, story_id, structure_version, report, generated_at
        FROM analysis_reports
        WHERE story_id = $1
        ORDER BY generated_at DESC
        LIMIT 1
    `
)

// Compile-time check to ensure pgAnalysisReportRepository implements the interface
var _ interfaces.AnalysisReportRepository = (*pgAnalysisReportRepository)(nil)

// pgAnalysisReportRepository хранит снимки аналитических отчетов. Каждый
// пересчет добавляет строку, дашборды читают последнюю.
type pgAnalysisReportRepository struct {
	db     interfaces.DBTX
	logger *zap.Logger
}

func NewPgAnalysisReportRepository(db interfaces.DBTX, logger *zap.Logger) interfaces.AnalysisReportRepository {
	return &pgAnalysisReportRepository{
		db:     db,
		logger: logger.Named("PgAnalysisReportRepo"),
	}
}

func (r *pgAnalysisReportRepository) Save(ctx context.Context, querier interfaces.DBTX, report *models.AnalysisReport) error {
	if report.ID == uuid.Nil {
		report.ID = uuid.New()
	}
	if report.GeneratedAt.IsZero() {
		report.GeneratedAt = time.Now().UTC()
	}

	logFields := []zap.Field{
		zap.Stringer("reportID", report.ID),
		zap.Stringer("storyID", report.StoryID),
		zap.Int("structureVersion", report.StructureVersion),
	}

	_, err := querier.Exec(ctx, insertAnalysisReportQuery,
		report.ID,
		report.StoryID,
		report.StructureVersion,
		report.Report,
		report.GeneratedAt,
	)
	if err != nil {
		r.logger.Error("Failed to save analysis report", append(logFields, zap.Error(err))...)
		return fmt.Errorf("ошибка сохранения отчета аналитики: %w", err)
	}

	r.logger.Info("Analysis report saved", logFields...)
	return nil
}

func (r *pgAnalysisReportRepository) GetLatestByStoryID(ctx context.Context, querier interfaces.DBTX, storyID uuid.UUID) (*models.AnalysisReport, error) {
	log := r.logger.With(zap.Stringer("storyID", storyID))

	var report models.AnalysisReport
	err := pgxscan.Get(ctx, querier, &report, getLatestAnalysisReportQuery, storyID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			log.Debug("Story has no analysis reports yet")
			return nil, models.ErrNotFound
		}
		log.Error("Failed to get latest analysis report", zap.Error(err))
		return nil, fmt.Errorf("ошибка получения отчета аналитики истории %s: %w", storyID, err)
	}
	return &report, nil
}
