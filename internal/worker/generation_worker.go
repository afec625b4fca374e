package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"time"

	"choicebook-server/internal/config"
	"choicebook-server/internal/generation"
	"choicebook-server/internal/interfaces"
	"choicebook-server/internal/models"
	"choicebook-server/internal/structure"
	"choicebook-server/internal/validation"

	"go.uber.org/zap"
)

// GenerationWorker обрабатывает задачи генерации структуры: читает базовую
// версию, собирает промпты, зовет генератор контента, сливает предложение
// с базовым графом и сохраняет результат новым черновиком.
type GenerationWorker struct {
	cfg           *config.Config
	db            interfaces.DBTX
	structureRepo interfaces.ChoiceStructureRepository
	generator     generation.ContentGenerator
	validator     *validation.Engine
	events        interfaces.SessionEventPublisher
	logger        *zap.Logger
}

// NewGenerationWorker создает обработчик задач генерации. events может быть
// nil: тогда завершение генерации не анонсируется онлайн-клиентам.
func NewGenerationWorker(
	cfg *config.Config,
	db interfaces.DBTX,
	structureRepo interfaces.ChoiceStructureRepository,
	generator generation.ContentGenerator,
	validator *validation.Engine,
	events interfaces.SessionEventPublisher,
	logger *zap.Logger,
) *GenerationWorker {
	return &GenerationWorker{
		cfg:           cfg,
		db:            db,
		structureRepo: structureRepo,
		generator:     generator,
		validator:     validator,
		events:        events,
		logger:        logger.Named("GenerationWorker"),
	}
}

// Handle обрабатывает одну задачу генерации. Ошибка означает nack без
// повторной постановки: сообщение уходит в DLQ.
func (w *GenerationWorker) Handle(ctx context.Context, payload models.ChapterGenerationTaskPayload) (err error) {
	tasksReceived.Inc()
	start := time.Now()
	log := w.logger.With(
		zap.Stringer("taskID", payload.TaskID),
		zap.Stringer("storyID", payload.StoryID),
		zap.String("taskType", string(payload.TaskType)),
		zap.Int("baseVersion", payload.BaseVersion),
	)
	log.Info("Processing generation task")

	defer func() {
		duration := time.Since(start)
		taskDuration.Observe(duration.Seconds())
		if err != nil {
			log.Warn("Generation task finished with error", zap.Duration("duration", duration), zap.Error(err))
		} else {
			log.Info("Generation task finished", zap.Duration("duration", duration))
		}
	}()

	// Этап 1: базовая версия структуры. Сервис резолвит версию до публикации,
	// но к моменту обработки ее могли удалить.
	row, err := w.structureRepo.GetByStoryAndVersion(ctx, w.db, payload.StoryID, payload.BaseVersion)
	if err != nil {
		if errors.Is(err, models.ErrStructureNotFound) {
			tasksFailed.WithLabelValues("base_version_missing").Inc()
		} else {
			tasksFailed.WithLabelValues("storage_error").Inc()
		}
		return fmt.Errorf("базовая версия %d недоступна: %w", payload.BaseVersion, err)
	}
	base, err := structure.FromRow(row)
	if err != nil {
		tasksFailed.WithLabelValues("base_version_corrupt").Inc()
		return fmt.Errorf("базовая версия %d не собирается: %w", payload.BaseVersion, err)
	}

	// Этап 2: промпты под тип задачи.
	systemPrompt, userInput, err := generation.BuildPrompts(payload, base)
	if err != nil {
		tasksFailed.WithLabelValues("prompt_preparation").Inc()
		return fmt.Errorf("ошибка подготовки промптов: %w", err)
	}

	// Этап 3: вызов генератора с ретраями.
	raw, usage, err := w.generate(ctx, log, systemPrompt, userInput)
	if err != nil {
		tasksFailed.WithLabelValues("generation_error").Inc()
		return err
	}
	if usage.TotalTokens > 0 {
		tokensUsed.Add(float64(usage.TotalTokens))
	}

	// Этап 4: разбор предложения и слияние с базовым определением.
	proposal, err := generation.ParseStructureProposal(raw)
	if err != nil {
		tasksFailed.WithLabelValues("invalid_proposal").Inc()
		log.Warn("Generator returned malformed proposal",
			zap.Int("responseLength", len(raw)), zap.Error(err))
		return err
	}
	merged := generation.MergeIntoDefinition(base.Definition(), proposal)
	if _, err := structure.FromDefinition(payload.StoryID, 0, merged); err != nil {
		tasksFailed.WithLabelValues("invalid_proposal").Inc()
		return fmt.Errorf("%w: слитая структура не собирается: %v", models.ErrInvalidProposal, err)
	}

	// Этап 5: отчет валидации для автора. Черновик с находками все равно
	// сохраняется, решение об активации остается за человеком.
	report, err := w.validator.Validate(ctx, merged)
	if err != nil {
		tasksFailed.WithLabelValues("validation_error").Inc()
		return fmt.Errorf("ошибка валидации слитой структуры: %w", err)
	}

	// Этап 6: сохранение новым черновиком.
	definitionJSON, err := json.Marshal(merged)
	if err != nil {
		tasksFailed.WithLabelValues("storage_error").Inc()
		return fmt.Errorf("ошибка сериализации слитого определения: %w", err)
	}
	reportJSON, err := json.Marshal(report)
	if err != nil {
		tasksFailed.WithLabelValues("storage_error").Inc()
		return fmt.Errorf("ошибка сериализации отчета валидации: %w", err)
	}

	version, err := w.structureRepo.NextVersion(ctx, w.db, payload.StoryID)
	if err != nil {
		tasksFailed.WithLabelValues("storage_error").Inc()
		return fmt.Errorf("ошибка выделения номера версии: %w", err)
	}
	draft := &models.ChoiceStructure{
		StoryID:    payload.StoryID,
		Version:    version,
		Status:     models.StructureStatusDraft,
		Definition: definitionJSON,
		Validation: reportJSON,
	}
	if err := w.structureRepo.Create(ctx, w.db, draft); err != nil {
		tasksFailed.WithLabelValues("storage_error").Inc()
		return fmt.Errorf("ошибка сохранения сгенерированного черновика: %w", err)
	}

	// Этап 7: анонс онлайн-клиентам истории. Черновик уже сохранен, поэтому
	// неудача публикации не валит задачу: версия видна в списке и так.
	if w.events != nil {
		event := models.SessionEvent{
			Type:    models.EventGenerationCompleted,
			StoryID: payload.StoryID,
			Version: version,
		}
		if pubErr := w.events.PublishSessionEvent(ctx, event); pubErr != nil {
			log.Warn("Failed to publish generation completed event", zap.Error(pubErr))
		}
	}

	tasksSucceeded.Inc()
	log.Info("Generated draft saved",
		zap.Int("version", version),
		zap.Bool("isValid", report.IsValid),
		zap.Int("warnings", len(report.Warnings)),
		zap.Int("tokens", usage.TotalTokens))
	return nil
}

// generate вызывает генератор контента с ретраями и экспоненциальной
// задержкой с джиттером между попытками.
func (w *GenerationWorker) generate(ctx context.Context, log *zap.Logger, systemPrompt, userInput string) (string, generation.UsageInfo, error) {
	params := generation.GenerationParams{Temperature: float64Ptr(0.7)}

	maxAttempts := w.cfg.GenerationMaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		attemptCtx, cancel := context.WithTimeout(ctx, w.cfg.GenerationTimeout)
		raw, usage, err := w.generator.GenerateStructure(attemptCtx, systemPrompt, userInput, params)
		cancel()
		if err == nil {
			if attempt > 1 {
				log.Info("Generation succeeded after retry", zap.Int("attempt", attempt))
			}
			return raw, usage, nil
		}

		lastErr = err
		log.Warn("Generation attempt failed",
			zap.Int("attempt", attempt),
			zap.Int("maxAttempts", maxAttempts),
			zap.Error(err))
		if attempt == maxAttempts {
			break
		}

		delay := float64(w.cfg.GenerationRetryDelay) * math.Pow(2, float64(attempt-1))
		jitter := delay * 0.1
		delay += jitter * (rand.Float64()*2 - 1)
		wait := time.Duration(delay)
		if wait < w.cfg.GenerationRetryDelay {
			wait = w.cfg.GenerationRetryDelay
		}

		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return "", generation.UsageInfo{}, ctx.Err()
		}
	}
	return "", generation.UsageInfo{}, fmt.Errorf("генерация не удалась после %d попыток: %w", maxAttempts, lastErr)
}

func float64Ptr(v float64) *float64 { return &v }
