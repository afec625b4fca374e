package service

import (
	"context"
	"encoding/json"
	"fmt"

	"choicebook-server/internal/interfaces"
	"choicebook-server/internal/models"
	"choicebook-server/internal/structure"
	"choicebook-server/internal/validation"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"
)

// GenerationRequest - параметры постановки задачи генерации продолжения.
type GenerationRequest struct {
	BaseVersion       int                       // 0 означает активную версию.
	TaskType          models.GenerationTaskType
	FromChapter       string
	ChoiceCount       int
	BranchingStrategy string
	EndingType        models.EndingType
}

// StructureService defines the interface for managing versioned choice structures.
type StructureService interface {
	// SubmitDraft сохраняет новый черновик структуры со следующим номером
	// версии и сразу прогоняет валидацию. Невалидный черновик тоже
	// сохраняется: отчет помогает автору его починить.
	SubmitDraft(ctx context.Context, storyID uuid.UUID, definition json.RawMessage) (*models.ChoiceStructure, models.ChoiceValidation, error)

	// Validate перепроверяет сохраненную версию и обновляет отчет в строке.
	Validate(ctx context.Context, storyID uuid.UUID, version int) (models.ChoiceValidation, error)

	// Activate делает версию активной, архивируя предыдущую активную.
	// Версия с критическими или мажорными находками не активируется.
	Activate(ctx context.Context, storyID uuid.UUID, version int) error

	// GetActive возвращает строку активной версии истории.
	GetActive(ctx context.Context, storyID uuid.UUID) (*models.ChoiceStructure, error)

	// GetVersion возвращает строку конкретной версии истории.
	GetVersion(ctx context.Context, storyID uuid.UUID, version int) (*models.ChoiceStructure, error)

	// ListVersions возвращает все версии истории, новые первыми.
	ListVersions(ctx context.Context, storyID uuid.UUID) ([]*models.ChoiceStructure, error)

	// DeleteVersion удаляет неактивную версию.
	DeleteVersion(ctx context.Context, storyID uuid.UUID, version int) error

	// RequestGeneration ставит в очередь задачу генерации продолжения
	// и возвращает идентификатор задачи.
	RequestGeneration(ctx context.Context, storyID uuid.UUID, req GenerationRequest) (uuid.UUID, error)
}

type structureServiceImpl struct {
	db            interfaces.DBTX
	pool          interfaces.TxBeginner
	structureRepo interfaces.ChoiceStructureRepository
	validator     *validation.Engine
	cache         *structure.Cache
	taskPublisher interfaces.GenerationTaskPublisher
	logger        *zap.Logger
}

// NewStructureService creates a new instance of StructureService.
func NewStructureService(
	db interfaces.DBTX,
	pool interfaces.TxBeginner,
	structureRepo interfaces.ChoiceStructureRepository,
	validator *validation.Engine,
	cache *structure.Cache,
	taskPublisher interfaces.GenerationTaskPublisher,
	logger *zap.Logger,
) StructureService {
	return &structureServiceImpl{
		db:            db,
		pool:          pool,
		structureRepo: structureRepo,
		validator:     validator,
		cache:         cache,
		taskPublisher: taskPublisher,
		logger:        logger.Named("StructureService"),
	}
}

func (s *structureServiceImpl) SubmitDraft(ctx context.Context, storyID uuid.UUID, definition json.RawMessage) (*models.ChoiceStructure, models.ChoiceValidation, error) {
	logFields := []zap.Field{zap.Stringer("storyID", storyID)}
	s.logger.Info("Submitting structure draft", logFields...)

	def, err := structure.ParseDefinition(definition)
	if err != nil {
		s.logger.Warn("Draft definition failed to parse", append(logFields, zap.Error(err))...)
		return nil, models.ChoiceValidation{}, err
	}

	version, err := s.structureRepo.NextVersion(ctx, s.db, storyID)
	if err != nil {
		s.logger.Error("Failed to allocate structure version", append(logFields, zap.Error(err))...)
		return nil, models.ChoiceValidation{}, err
	}
	logFields = append(logFields, zap.Int("version", version))

	// Сборка ловит битые ссылки до записи: такой черновик бесполезен
	// даже как draft.
	built, err := structure.FromDefinition(storyID, version, def)
	if err != nil {
		s.logger.Warn("Draft failed structural integrity checks", append(logFields, zap.Error(err))...)
		return nil, models.ChoiceValidation{}, mapBuildError(err)
	}

	report, err := s.validator.Validate(ctx, def)
	if err != nil {
		s.logger.Error("Draft validation failed to run", append(logFields, zap.Error(err))...)
		return nil, models.ChoiceValidation{}, err
	}
	reportJSON, err := json.Marshal(report)
	if err != nil {
		return nil, models.ChoiceValidation{}, fmt.Errorf("ошибка сериализации отчета валидации: %w", err)
	}

	row := &models.ChoiceStructure{
		StoryID:    storyID,
		Version:    version,
		Status:     models.StructureStatusDraft,
		Definition: definition,
		Validation: reportJSON,
	}
	if err := s.structureRepo.Create(ctx, s.db, row); err != nil {
		s.logger.Error("Failed to store structure draft", append(logFields, zap.Error(err))...)
		return nil, models.ChoiceValidation{}, err
	}

	s.cache.Put(built)
	s.logger.Info("Structure draft stored",
		append(logFields, zap.Bool("isValid", report.IsValid), zap.Int("warnings", len(report.Warnings)))...)
	return row, report, nil
}

func (s *structureServiceImpl) Validate(ctx context.Context, storyID uuid.UUID, version int) (models.ChoiceValidation, error) {
	log := s.logger.With(zap.Stringer("storyID", storyID), zap.Int("version", version))

	row, err := s.structureRepo.GetByStoryAndVersion(ctx, s.db, storyID, version)
	if err != nil {
		return models.ChoiceValidation{}, err
	}
	def, err := structure.ParseDefinition(row.Definition)
	if err != nil {
		return models.ChoiceValidation{}, err
	}

	report, err := s.validator.Validate(ctx, def)
	if err != nil {
		log.Error("Validation run failed", zap.Error(err))
		return models.ChoiceValidation{}, err
	}
	reportJSON, err := json.Marshal(report)
	if err != nil {
		return models.ChoiceValidation{}, fmt.Errorf("ошибка сериализации отчета валидации: %w", err)
	}
	if err := s.structureRepo.UpdateValidation(ctx, s.db, row.ID, reportJSON); err != nil {
		log.Error("Failed to persist validation report", zap.Error(err))
		return models.ChoiceValidation{}, err
	}

	log.Info("Structure validated", zap.Bool("isValid", report.IsValid),
		zap.Int("errors", len(report.Errors)), zap.Int("warnings", len(report.Warnings)))
	return report, nil
}

func (s *structureServiceImpl) Activate(ctx context.Context, storyID uuid.UUID, version int) error {
	log := s.logger.With(zap.Stringer("storyID", storyID), zap.Int("version", version))
	log.Info("Activating structure version")

	row, err := s.structureRepo.GetByStoryAndVersion(ctx, s.db, storyID, version)
	if err != nil {
		return err
	}
	def, err := structure.ParseDefinition(row.Definition)
	if err != nil {
		return err
	}
	built, err := structure.FromDefinition(storyID, version, def)
	if err != nil {
		return mapBuildError(err)
	}

	// Перед активацией отчет пересчитывается: строка могла быть записана
	// до последнего изменения правил проверки.
	report, err := s.validator.Validate(ctx, def)
	if err != nil {
		log.Error("Pre-activation validation failed to run", zap.Error(err))
		return err
	}
	reportJSON, err := json.Marshal(report)
	if err != nil {
		return fmt.Errorf("ошибка сериализации отчета валидации: %w", err)
	}
	if !report.IsValid {
		if updateErr := s.structureRepo.UpdateValidation(ctx, s.db, row.ID, reportJSON); updateErr != nil {
			log.Error("Failed to persist failing validation report", zap.Error(updateErr))
		}
		log.Warn("Refusing to activate invalid structure", zap.Int("errors", len(report.Errors)))
		return fmt.Errorf("версия %d не прошла валидацию: %w", version, models.ErrStructureNotValid)
	}

	err = WithTx(ctx, s.pool, func(tx pgx.Tx) error {
		if err := s.structureRepo.UpdateValidation(ctx, tx, row.ID, reportJSON); err != nil {
			return err
		}
		return s.structureRepo.ActivateVersion(ctx, tx, storyID, version)
	})
	if err != nil {
		log.Error("Failed to activate structure version", zap.Error(err))
		return err
	}

	s.cache.Put(built)
	log.Info("Structure version activated")
	return nil
}

func (s *structureServiceImpl) GetActive(ctx context.Context, storyID uuid.UUID) (*models.ChoiceStructure, error) {
	return s.structureRepo.GetActiveByStoryID(ctx, s.db, storyID)
}

func (s *structureServiceImpl) GetVersion(ctx context.Context, storyID uuid.UUID, version int) (*models.ChoiceStructure, error) {
	return s.structureRepo.GetByStoryAndVersion(ctx, s.db, storyID, version)
}

func (s *structureServiceImpl) ListVersions(ctx context.Context, storyID uuid.UUID) ([]*models.ChoiceStructure, error) {
	return s.structureRepo.ListVersions(ctx, s.db, storyID)
}

func (s *structureServiceImpl) DeleteVersion(ctx context.Context, storyID uuid.UUID, version int) error {
	log := s.logger.With(zap.Stringer("storyID", storyID), zap.Int("version", version))

	row, err := s.structureRepo.GetByStoryAndVersion(ctx, s.db, storyID, version)
	if err != nil {
		return err
	}
	if err := s.structureRepo.Delete(ctx, s.db, row.ID); err != nil {
		log.Warn("Failed to delete structure version", zap.Error(err))
		return err
	}

	s.cache.Drop(storyID, version)
	log.Info("Structure version deleted")
	return nil
}

func (s *structureServiceImpl) RequestGeneration(ctx context.Context, storyID uuid.UUID, req GenerationRequest) (uuid.UUID, error) {
	log := s.logger.With(zap.Stringer("storyID", storyID), zap.String("taskType", string(req.TaskType)))

	baseVersion := req.BaseVersion
	var base *models.ChoiceStructure
	var err error
	if baseVersion == 0 {
		base, err = s.structureRepo.GetActiveByStoryID(ctx, s.db, storyID)
	} else {
		base, err = s.structureRepo.GetByStoryAndVersion(ctx, s.db, storyID, baseVersion)
	}
	if err != nil {
		return uuid.Nil, err
	}
	baseVersion = base.Version

	// Глава-источник проверяется до публикации, чтобы заведомо невыполнимая
	// задача не доехала до воркера.
	built, err := resolveStructure(ctx, s.db, s.structureRepo, s.cache, storyID, baseVersion)
	if err != nil {
		return uuid.Nil, err
	}
	if _, ok := built.Chapter(req.FromChapter); !ok {
		log.Warn("Generation requested from unknown chapter", zap.String("fromChapter", req.FromChapter))
		return uuid.Nil, fmt.Errorf("глава '%s' отсутствует в версии %d: %w", req.FromChapter, baseVersion, models.ErrUnknownChapter)
	}

	switch req.TaskType {
	case models.GenerationTaskChapter, models.GenerationTaskBranch, models.GenerationTaskEnding:
	default:
		return uuid.Nil, fmt.Errorf("%w: неизвестный тип задачи генерации '%s'", models.ErrInvalidInput, req.TaskType)
	}

	payload := models.ChapterGenerationTaskPayload{
		TaskID:            uuid.New(),
		StoryID:           storyID,
		BaseVersion:       baseVersion,
		TaskType:          req.TaskType,
		FromChapter:       req.FromChapter,
		ChoiceCount:       req.ChoiceCount,
		BranchingStrategy: req.BranchingStrategy,
		EndingType:        req.EndingType,
	}
	if err := s.taskPublisher.PublishGenerationTask(ctx, payload); err != nil {
		log.Error("Failed to publish generation task", zap.Error(err))
		return uuid.Nil, err
	}

	log.Info("Generation task queued",
		zap.Stringer("taskID", payload.TaskID),
		zap.Int("baseVersion", baseVersion),
		zap.String("fromChapter", req.FromChapter))
	return payload.TaskID, nil
}
