package database

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"choicebook-server/internal/interfaces"
	"choicebook-server/internal/models"

	"github.com/georgysavva/scany/v2/pgxscan"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"
)

const (
	choiceStructureFields = `id, story_id, version, status, definition, validation, created_at, updated_at`

	insertChoiceStructureQuery = `
        INSERT INTO choice_structures
            (id, story_id, version, status, definition, validation, created_at, updated_at)
        VALUES
            ($1, $2, $3, $4, $5, $6, $7, $8)
    `
	getChoiceStructureByIDQuery = `
        SELECT ` + choiceStructureFields + `
        FROM choice_structures
        WHERE id = $1
    `
	getChoiceStructureByStoryAndVersionQuery = `
        SELECT ` + choiceStructureFields + `
        FROM choice_structures
        WHERE story_id = $1 AND version = $2
    `
	getActiveChoiceStructureQuery = `
        SELECT ` + choiceStructureFields + `
        FROM choice_structures
        WHERE story_id = $1 AND status = $2
    `
	listChoiceStructureVersionsQuery = `
        SELECT ` + choiceStructureFields + `
        FROM choice_structures
        WHERE story_id = $1
        ORDER BY version DESC
    `
	nextChoiceStructureVersionQuery = `
        SELECT COALESCE(MAX(version), 0) + 1
        FROM choice_structures
        WHERE story_id = $1
    `
	updateChoiceStructureValidationQuery = `
        UPDATE choice_structures
        SET validation = $2, updated_at = $3
        WHERE id = $1
    `
	demoteActiveChoiceStructureQuery = `
        UPDATE choice_structures
        SET status = $3, updated_at = $4
        WHERE story_id = $1 AND status = $2
    `
	promoteChoiceStructureQuery = `
        UPDATE choice_structures
        SET status = $3, updated_at = $4
        WHERE story_id = $1 AND version = $2
    `
	updateChoiceStructureStatusQuery = `
        UPDATE choice_structures
        SET status = $2, updated_at = $3
        WHERE id = $1
    `
	deleteChoiceStructureQuery = `
        DELETE FROM choice_structures
        WHERE id = $1 AND status <> $2
    `
	getChoiceStructureStatusQuery = `SELECT status FROM choice_structures WHERE id = $1`
)

// Compile-time check to ensure pgChoiceStructureRepository implements the interface
var _ interfaces.ChoiceStructureRepository = (*pgChoiceStructureRepository)(nil)

// pgChoiceStructureRepository - Postgres-реализация хранилища версий структуры.
type pgChoiceStructureRepository struct {
	db     interfaces.DBTX // *pgxpool.Pool или pgx.Tx
	logger *zap.Logger
}

func NewPgChoiceStructureRepository(db interfaces.DBTX, logger *zap.Logger) interfaces.ChoiceStructureRepository {
	return &pgChoiceStructureRepository{
		db:     db,
		logger: logger.Named("PgChoiceStructureRepo"),
	}
}

// Create сохраняет новую версию структуры. Пара (story_id, version) уникальна:
// конфликт превращается в models.ErrVersionConflict.
func (r *pgChoiceStructureRepository) Create(ctx context.Context, querier interfaces.DBTX, structure *models.ChoiceStructure) error {
	now := time.Now().UTC()
	if structure.ID == uuid.Nil {
		structure.ID = uuid.New()
	}
	structure.CreatedAt = now
	structure.UpdatedAt = now

	logFields := []zap.Field{
		zap.Stringer("structureID", structure.ID),
		zap.Stringer("storyID", structure.StoryID),
		zap.Int("version", structure.Version),
		zap.String("status", string(structure.Status)),
	}
	r.logger.Debug("Inserting choice structure version", logFields...)

	_, err := querier.Exec(ctx, insertChoiceStructureQuery,
		structure.ID,
		structure.StoryID,
		structure.Version,
		structure.Status,
		structure.Definition,
		structure.Validation,
		structure.CreatedAt,
		structure.UpdatedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			r.logger.Warn("Choice structure version already exists", logFields...)
			return models.ErrVersionConflict
		}
		r.logger.Error("Failed to insert choice structure", append(logFields, zap.Error(err))...)
		return fmt.Errorf("ошибка сохранения версии структуры: %w", err)
	}

	r.logger.Info("Choice structure version created", logFields...)
	return nil
}

func (r *pgChoiceStructureRepository) GetByID(ctx context.Context, querier interfaces.DBTX, id uuid.UUID) (*models.ChoiceStructure, error) {
	log := r.logger.With(zap.Stringer("structureID", id))

	var structure models.ChoiceStructure
	err := pgxscan.Get(ctx, querier, &structure, getChoiceStructureByIDQuery, id)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			log.Warn("Choice structure not found by ID")
			return nil, models.ErrStructureNotFound
		}
		log.Error("Failed to get choice structure by ID", zap.Error(err))
		return nil, fmt.Errorf("ошибка получения структуры по ID %s: %w", id, err)
	}
	return &structure, nil
}

func (r *pgChoiceStructureRepository) GetByStoryAndVersion(ctx context.Context, querier interfaces.DBTX, storyID uuid.UUID, version int) (*models.ChoiceStructure, error) {
	log := r.logger.With(zap.Stringer("storyID", storyID), zap.Int("version", version))

	var structure models.ChoiceStructure
	err := pgxscan.Get(ctx, querier, &structure, getChoiceStructureByStoryAndVersionQuery, storyID, version)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			log.Warn("Choice structure version not found")
			return nil, models.ErrStructureNotFound
		}
		log.Error("Failed to get choice structure version", zap.Error(err))
		return nil, fmt.Errorf("ошибка получения версии %d структуры истории %s: %w", version, storyID, err)
	}
	return &structure, nil
}

func (r *pgChoiceStructureRepository) GetActiveByStoryID(ctx context.Context, querier interfaces.DBTX, storyID uuid.UUID) (*models.ChoiceStructure, error) {
	log := r.logger.With(zap.Stringer("storyID", storyID))

	var structure models.ChoiceStructure
	err := pgxscan.Get(ctx, querier, &structure, getActiveChoiceStructureQuery, storyID, models.StructureStatusActive)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			log.Debug("Story has no active choice structure")
			return nil, models.ErrStructureNotFound
		}
		log.Error("Failed to get active choice structure", zap.Error(err))
		return nil, fmt.Errorf("ошибка получения активной структуры истории %s: %w", storyID, err)
	}
	return &structure, nil
}

func (r *pgChoiceStructureRepository) ListVersions(ctx context.Context, querier interfaces.DBTX, storyID uuid.UUID) ([]*models.ChoiceStructure, error) {
	log := r.logger.With(zap.Stringer("storyID", storyID))

	versions := make([]*models.ChoiceStructure, 0)
	err := pgxscan.Select(ctx, querier, &versions, listChoiceStructureVersionsQuery, storyID)
	if err != nil {
		log.Error("Failed to list choice structure versions", zap.Error(err))
		return nil, fmt.Errorf("ошибка получения списка версий структуры истории %s: %w", storyID, err)
	}
	log.Debug("Choice structure versions listed", zap.Int("count", len(versions)))
	return versions, nil
}

func (r *pgChoiceStructureRepository) NextVersion(ctx context.Context, querier interfaces.DBTX, storyID uuid.UUID) (int, error) {
	var next int
	err := querier.QueryRow(ctx, nextChoiceStructureVersionQuery, storyID).Scan(&next)
	if err != nil {
		r.logger.Error("Failed to compute next structure version",
			zap.Stringer("storyID", storyID), zap.Error(err))
		return 0, fmt.Errorf("ошибка вычисления следующей версии структуры: %w", err)
	}
	return next, nil
}

func (r *pgChoiceStructureRepository) UpdateValidation(ctx context.Context, querier interfaces.DBTX, id uuid.UUID, validation json.RawMessage) error {
	log := r.logger.With(zap.Stringer("structureID", id))

	tag, err := querier.Exec(ctx, updateChoiceStructureValidationQuery, id, validation, time.Now().UTC())
	if err != nil {
		log.Error("Failed to update structure validation report", zap.Error(err))
		return fmt.Errorf("ошибка записи отчета валидации структуры %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		log.Warn("Choice structure not found for validation update")
		return models.ErrStructureNotFound
	}
	return nil
}

// ActivateVersion архивирует текущую активную версию и делает активной
// указанную. Оба шага нужно выполнять в одной транзакции: при откате
// промежуточное состояние без активной версии не видно читателям.
func (r *pgChoiceStructureRepository) ActivateVersion(ctx context.Context, querier interfaces.DBTX, storyID uuid.UUID, version int) error {
	log := r.logger.With(zap.Stringer("storyID", storyID), zap.Int("version", version))
	now := time.Now().UTC()

	if _, err := querier.Exec(ctx, demoteActiveChoiceStructureQuery,
		storyID, models.StructureStatusActive, models.StructureStatusArchived, now); err != nil {
		log.Error("Failed to archive previous active structure", zap.Error(err))
		return fmt.Errorf("ошибка архивирования прежней активной версии: %w", err)
	}

	tag, err := querier.Exec(ctx, promoteChoiceStructureQuery,
		storyID, version, models.StructureStatusActive, now)
	if err != nil {
		log.Error("Failed to promote structure version", zap.Error(err))
		return fmt.Errorf("ошибка активации версии %d: %w", version, err)
	}
	if tag.RowsAffected() == 0 {
		log.Warn("Structure version to activate not found")
		return models.ErrStructureNotFound
	}

	log.Info("Choice structure version activated")
	return nil
}

func (r *pgChoiceStructureRepository) UpdateStatus(ctx context.Context, querier interfaces.DBTX, id uuid.UUID, status models.StructureStatus) error {
	log := r.logger.With(zap.Stringer("structureID", id), zap.String("status", string(status)))

	tag, err := querier.Exec(ctx, updateChoiceStructureStatusQuery, id, status, time.Now().UTC())
	if err != nil {
		log.Error("Failed to update structure status", zap.Error(err))
		return fmt.Errorf("ошибка изменения статуса структуры %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		log.Warn("Choice structure not found for status update")
		return models.ErrStructureNotFound
	}

	log.Info("Choice structure status updated")
	return nil
}

// Delete удаляет версию структуры. Активная версия не удаляется: сперва
// нужно активировать другую.
func (r *pgChoiceStructureRepository) Delete(ctx context.Context, querier interfaces.DBTX, id uuid.UUID) error {
	log := r.logger.With(zap.Stringer("structureID", id))

	tag, err := querier.Exec(ctx, deleteChoiceStructureQuery, id, models.StructureStatusActive)
	if err != nil {
		log.Error("Failed to delete choice structure", zap.Error(err))
		return fmt.Errorf("ошибка удаления структуры %s: %w", id, err)
	}
	if tag.RowsAffected() > 0 {
		log.Info("Choice structure version deleted")
		return nil
	}

	// Ноль строк: либо версии нет, либо она активна. Различаем для вызывающего.
	var status models.StructureStatus
	err = querier.QueryRow(ctx, getChoiceStructureStatusQuery, id).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.ErrStructureNotFound
	}
	if err != nil {
		return fmt.Errorf("ошибка проверки статуса структуры %s: %w", id, err)
	}
	log.Warn("Refusing to delete active choice structure")
	return fmt.Errorf("активная версия структуры не удаляется: %w", models.ErrInvalidInput)
}
