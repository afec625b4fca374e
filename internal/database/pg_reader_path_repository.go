package database

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"choicebook-server/internal/interfaces"
	"choicebook-server/internal/models"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"
)

const (
	readerPathFields = `id, session_id, story_id, structure_version, user_id, status,
        current_chapter, path_completion, playthrough_count, choices_made,
        discovered_endings, pending_consequences, resolutions,
        session_start, session_end, last_activity_at`

	insertReaderPathQuery = `
        INSERT INTO reader_paths
            (id, session_id, story_id, structure_version, user_id, status,
             current_chapter, path_completion, playthrough_count, choices_made,
             discovered_endings, pending_consequences, resolutions,
             session_start, session_end, last_activity_at)
        VALUES
            ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
    `
	getReaderPathBySessionQuery = `
        SELECT ` + readerPathFields + `
        FROM reader_paths
        WHERE session_id = $1
    `
	updateReaderPathQuery = `
        UPDATE reader_paths
        SET status = $2,
            current_chapter = $3,
            path_completion = $4,
            choices_made = $5,
            discovered_endings = $6,
            pending_consequences = $7,
            resolutions = $8,
            session_end = $9,
            last_activity_at = $10
        WHERE session_id = $1
    `
	listReaderPathsByStoryQuery = `
        SELECT ` + readerPathFields + `
        FROM reader_paths
        WHERE story_id = $1
        ORDER BY session_start, id
    `
	listIdleReaderPathsQuery = `
        SELECT ` + readerPathFields + `
        FROM reader_paths
        WHERE status = $1 AND last_activity_at < $2
        ORDER BY last_activity_at
    `
	markReaderPathAbandonedQuery = `
        UPDATE reader_paths
        SET status = $2, last_activity_at = $3
        WHERE session_id = $1 AND status = $4
    `
	countReaderPathsByUserAndStoryQuery = `
        SELECT COUNT(*) FROM reader_paths
        WHERE user_id = $1 AND story_id = $2
    `
)

// Compile-time check to ensure pgReaderPathRepository implements the interface
var _ interfaces.ReaderPathRepository = (*pgReaderPathRepository)(nil)

// pgReaderPathRepository - Postgres-реализация журнала читательских сессий.
type pgReaderPathRepository struct {
	db     interfaces.DBTX
	logger *zap.Logger
}

func NewPgReaderPathRepository(db interfaces.DBTX, logger *zap.Logger) interfaces.ReaderPathRepository {
	return &pgReaderPathRepository{
		db:     db,
		logger: logger.Named("PgReaderPathRepo"),
	}
}

type rowScanner interface {
	Scan(dest ...any) error
}

// scanReaderPath читает строку reader_paths. Журнал выборов и очередь
// последствий лежат в jsonb и разворачиваются здесь же.
func scanReaderPath(row rowScanner) (*models.ReaderPath, error) {
	var (
		path            models.ReaderPath
		choicesJSON     []byte
		endingsJSON     []byte
		pendingJSON     []byte
		resolutionsJSON []byte
	)

	err := row.Scan(
		&path.ID,
		&path.SessionID,
		&path.StoryID,
		&path.StructureVersion,
		&path.UserID,
		&path.Status,
		&path.CurrentChapter,
		&path.PathCompletion,
		&path.PlaythroughCount,
		&choicesJSON,
		&endingsJSON,
		&pendingJSON,
		&resolutionsJSON,
		&path.SessionStart,
		&path.SessionEnd,
		&path.LastActivityAt,
	)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal(choicesJSON, &path.ChoicesMade); err != nil {
		return nil, fmt.Errorf("ошибка декодирования журнала выборов: %w", err)
	}
	if err := json.Unmarshal(endingsJSON, &path.DiscoveredEndings); err != nil {
		return nil, fmt.Errorf("ошибка декодирования открытых концовок: %w", err)
	}
	if err := json.Unmarshal(pendingJSON, &path.PendingConsequences); err != nil {
		return nil, fmt.Errorf("ошибка декодирования очереди последствий: %w", err)
	}
	if err := json.Unmarshal(resolutionsJSON, &path.Resolutions); err != nil {
		return nil, fmt.Errorf("ошибка декодирования развязок: %w", err)
	}
	return &path, nil
}

// marshalPathCollections сериализует изменяемые коллекции пути. nil-срезы
// пишутся как пустые массивы, чтобы в колонках не появлялся jsonb null.
func marshalPathCollections(path *models.ReaderPath) (choices, endings, pending, resolutions []byte, err error) {
	if path.ChoicesMade == nil {
		path.ChoicesMade = []models.ChoiceMade{}
	}
	if path.DiscoveredEndings == nil {
		path.DiscoveredEndings = []string{}
	}
	if path.PendingConsequences == nil {
		path.PendingConsequences = []models.PendingConsequence{}
	}
	if path.Resolutions == nil {
		path.Resolutions = []models.Resolution{}
	}

	if choices, err = json.Marshal(path.ChoicesMade); err != nil {
		return nil, nil, nil, nil, fmt.Errorf("ошибка кодирования журнала выборов: %w", err)
	}
	if endings, err = json.Marshal(path.DiscoveredEndings); err != nil {
		return nil, nil, nil, nil, fmt.Errorf("ошибка кодирования открытых концовок: %w", err)
	}
	if pending, err = json.Marshal(path.PendingConsequences); err != nil {
		return nil, nil, nil, nil, fmt.Errorf("ошибка кодирования очереди последствий: %w", err)
	}
	if resolutions, err = json.Marshal(path.Resolutions); err != nil {
		return nil, nil, nil, nil, fmt.Errorf("ошибка кодирования развязок: %w", err)
	}
	return choices, endings, pending, resolutions, nil
}

func (r *pgReaderPathRepository) Create(ctx context.Context, querier interfaces.DBTX, path *models.ReaderPath) error {
	if path.ID == uuid.Nil {
		path.ID = uuid.New()
	}

	logFields := []zap.Field{
		zap.Stringer("sessionID", path.SessionID),
		zap.Stringer("storyID", path.StoryID),
		zap.Stringer("userID", path.UserID),
		zap.Int("structureVersion", path.StructureVersion),
	}
	r.logger.Debug("Inserting reader path", logFields...)

	choicesJSON, endingsJSON, pendingJSON, resolutionsJSON, err := marshalPathCollections(path)
	if err != nil {
		r.logger.Error("Failed to marshal reader path collections", append(logFields, zap.Error(err))...)
		return err
	}

	_, err = querier.Exec(ctx, insertReaderPathQuery,
		path.ID,
		path.SessionID,
		path.StoryID,
		path.StructureVersion,
		path.UserID,
		path.Status,
		path.CurrentChapter,
		path.PathCompletion,
		path.PlaythroughCount,
		choicesJSON,
		endingsJSON,
		pendingJSON,
		resolutionsJSON,
		path.SessionStart,
		path.SessionEnd,
		path.LastActivityAt,
	)
	if err != nil {
		r.logger.Error("Failed to insert reader path", append(logFields, zap.Error(err))...)
		return fmt.Errorf("ошибка создания читательской сессии: %w", err)
	}

	r.logger.Info("Reader path created", logFields...)
	return nil
}

func (r *pgReaderPathRepository) GetBySessionID(ctx context.Context, querier interfaces.DBTX, sessionID uuid.UUID) (*models.ReaderPath, error) {
	log := r.logger.With(zap.Stringer("sessionID", sessionID))

	path, err := scanReaderPath(querier.QueryRow(ctx, getReaderPathBySessionQuery, sessionID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			log.Warn("Reader path not found")
			return nil, models.ErrSessionNotFound
		}
		log.Error("Failed to get reader path", zap.Error(err))
		return nil, fmt.Errorf("ошибка получения сессии %s: %w", sessionID, err)
	}
	return path, nil
}

// Update переписывает изменяемое состояние сессии целиком. Журнал только
// растет, поэтому потерянных обновлений при последовательных ходах нет.
func (r *pgReaderPathRepository) Update(ctx context.Context, querier interfaces.DBTX, path *models.ReaderPath) error {
	log := r.logger.With(zap.Stringer("sessionID", path.SessionID))

	choicesJSON, endingsJSON, pendingJSON, resolutionsJSON, err := marshalPathCollections(path)
	if err != nil {
		log.Error("Failed to marshal reader path collections", zap.Error(err))
		return err
	}

	tag, err := querier.Exec(ctx, updateReaderPathQuery,
		path.SessionID,
		path.Status,
		path.CurrentChapter,
		path.PathCompletion,
		choicesJSON,
		endingsJSON,
		pendingJSON,
		resolutionsJSON,
		path.SessionEnd,
		path.LastActivityAt,
	)
	if err != nil {
		log.Error("Failed to update reader path", zap.Error(err))
		return fmt.Errorf("ошибка сохранения сессии %s: %w", path.SessionID, err)
	}
	if tag.RowsAffected() == 0 {
		log.Warn("Reader path not found for update")
		return models.ErrSessionNotFound
	}
	return nil
}

func (r *pgReaderPathRepository) ListByStoryID(ctx context.Context, querier interfaces.DBTX, storyID uuid.UUID) ([]models.ReaderPath, error) {
	log := r.logger.With(zap.Stringer("storyID", storyID))

	rows, err := querier.Query(ctx, listReaderPathsByStoryQuery, storyID)
	if err != nil {
		log.Error("Failed to query reader paths by story", zap.Error(err))
		return nil, fmt.Errorf("ошибка выборки сессий истории %s: %w", storyID, err)
	}
	defer rows.Close()

	paths := make([]models.ReaderPath, 0)
	for rows.Next() {
		path, err := scanReaderPath(rows)
		if err != nil {
			log.Error("Failed to scan reader path row", zap.Error(err))
			return nil, fmt.Errorf("ошибка чтения строки сессии: %w", err)
		}
		paths = append(paths, *path)
	}
	if err := rows.Err(); err != nil {
		log.Error("Reader path rows iteration failed", zap.Error(err))
		return nil, fmt.Errorf("ошибка обхода сессий истории %s: %w", storyID, err)
	}

	log.Debug("Reader paths listed", zap.Int("count", len(paths)))
	return paths, nil
}

func (r *pgReaderPathRepository) ListActiveIdleSince(ctx context.Context, querier interfaces.DBTX, cutoff time.Time) ([]models.ReaderPath, error) {
	rows, err := querier.Query(ctx, listIdleReaderPathsQuery, models.PathStatusActive, cutoff)
	if err != nil {
		r.logger.Error("Failed to query idle reader paths", zap.Error(err))
		return nil, fmt.Errorf("ошибка выборки простаивающих сессий: %w", err)
	}
	defer rows.Close()

	paths := make([]models.ReaderPath, 0)
	for rows.Next() {
		path, err := scanReaderPath(rows)
		if err != nil {
			r.logger.Error("Failed to scan idle reader path row", zap.Error(err))
			return nil, fmt.Errorf("ошибка чтения строки сессии: %w", err)
		}
		paths = append(paths, *path)
	}
	if err := rows.Err(); err != nil {
		r.logger.Error("Idle reader path rows iteration failed", zap.Error(err))
		return nil, fmt.Errorf("ошибка обхода простаивающих сессий: %w", err)
	}
	return paths, nil
}

// MarkAbandoned закрывает простаивающую сессию. Таймстамп конца не ставится:
// его фиксирует только явное завершение читателем.
func (r *pgReaderPathRepository) MarkAbandoned(ctx context.Context, querier interfaces.DBTX, sessionID uuid.UUID) error {
	log := r.logger.With(zap.Stringer("sessionID", sessionID))

	tag, err := querier.Exec(ctx, markReaderPathAbandonedQuery,
		sessionID, models.PathStatusAbandoned, time.Now().UTC(), models.PathStatusActive)
	if err != nil {
		log.Error("Failed to mark reader path abandoned", zap.Error(err))
		return fmt.Errorf("ошибка закрытия сессии %s: %w", sessionID, err)
	}
	if tag.RowsAffected() == 0 {
		log.Debug("No active reader path to abandon")
		return models.ErrSessionNotFound
	}

	log.Info("Reader path marked abandoned")
	return nil
}

func (r *pgReaderPathRepository) CountByUserAndStory(ctx context.Context, querier interfaces.DBTX, userID, storyID uuid.UUID) (int, error) {
	var count int
	err := querier.QueryRow(ctx, countReaderPathsByUserAndStoryQuery, userID, storyID).Scan(&count)
	if err != nil {
		r.logger.Error("Failed to count reader paths",
			zap.Stringer("userID", userID), zap.Stringer("storyID", storyID), zap.Error(err))
		return 0, fmt.Errorf("ошибка подсчета сессий пользователя: %w", err)
	}
	return count, nil
}
