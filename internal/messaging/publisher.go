// Package messaging - обмен задачами и уведомлениями через RabbitMQ:
// публикация задач генерации глав, выдача созревших развязок рендереру
// прозы и консьюмер задач на стороне воркера.
package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"choicebook-server/internal/interfaces"
	"choicebook-server/internal/models"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

const (
	// DLX для очереди задач генерации. Параметры очереди у паблишера и
	// консьюмера должны совпадать, иначе QueueDeclare упадет.
	deadLetterExchange   = "chapter_generation_dlx"
	deadLetterQueue      = "chapter_generation_dlq"
	deadLetterRoutingKey = "dlq"

	publisherAppID = "choicebook-server"
)

var _ interfaces.GenerationTaskPublisher = (*rabbitMQPublisher)(nil)
var _ interfaces.ResolutionNotifier = (*rabbitMQPublisher)(nil)
var _ interfaces.SessionEventPublisher = (*rabbitMQPublisher)(nil)

// rabbitMQPublisher публикует сообщения в одну очередь через default exchange.
// Одна структура обслуживает оба узких интерфейса публикации.
type rabbitMQPublisher struct {
	channel   *amqp.Channel
	queueName string
	logger    *zap.Logger
}

// NewRabbitMQGenerationTaskPublisher открывает канал и объявляет очередь задач
// генерации с DLX-аргументами. Очередь объявляют обе стороны: система не
// зависит от порядка запуска сервера и воркера.
func NewRabbitMQGenerationTaskPublisher(conn *amqp.Connection, queueName string, logger *zap.Logger) (interfaces.GenerationTaskPublisher, error) {
	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("generation task publisher: не удалось открыть канал: %w", err)
	}

	args := amqp.Table{
		"x-queue-mode":              "lazy",
		"x-dead-letter-exchange":    deadLetterExchange,
		"x-dead-letter-routing-key": deadLetterRoutingKey,
	}
	if _, err := ch.QueueDeclare(queueName, true, false, false, false, args); err != nil {
		ch.Close()
		return nil, fmt.Errorf("generation task publisher: не удалось объявить очередь '%s': %w", queueName, err)
	}

	log := logger.Named("GenerationTaskPublisher")
	log.Info("Generation task queue declared", zap.String("queue", queueName))
	return &rabbitMQPublisher{channel: ch, queueName: queueName, logger: log}, nil
}

// NewRabbitMQResolutionNotifier открывает канал и объявляет очередь развязок
// для внешнего рендерера прозы.
func NewRabbitMQResolutionNotifier(conn *amqp.Connection, queueName string, logger *zap.Logger) (interfaces.ResolutionNotifier, error) {
	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("resolution notifier: не удалось открыть канал: %w", err)
	}

	if _, err := ch.QueueDeclare(queueName, true, false, false, false, nil); err != nil {
		ch.Close()
		return nil, fmt.Errorf("resolution notifier: не удалось объявить очередь '%s': %w", queueName, err)
	}

	log := logger.Named("ResolutionNotifier")
	log.Info("Resolution rendering queue declared", zap.String("queue", queueName))
	return &rabbitMQPublisher{channel: ch, queueName: queueName, logger: log}, nil
}

// NewRabbitMQSessionEventPublisher открывает канал и объявляет очередь событий
// сессий. Публикует воркер, потребляет API-процесс с WebSocket-хабом.
func NewRabbitMQSessionEventPublisher(conn *amqp.Connection, queueName string, logger *zap.Logger) (interfaces.SessionEventPublisher, error) {
	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("session event publisher: не удалось открыть канал: %w", err)
	}

	if _, err := ch.QueueDeclare(queueName, true, false, false, false, nil); err != nil {
		ch.Close()
		return nil, fmt.Errorf("session event publisher: не удалось объявить очередь '%s': %w", queueName, err)
	}

	log := logger.Named("SessionEventPublisher")
	log.Info("Session event queue declared", zap.String("queue", queueName))
	return &rabbitMQPublisher{channel: ch, queueName: queueName, logger: log}, nil
}

func (p *rabbitMQPublisher) PublishGenerationTask(ctx context.Context, payload models.ChapterGenerationTaskPayload) error {
	body, err := json.Marshal(payload)
	if err != nil {
		p.logger.Error("Failed to marshal generation task",
			zap.Stringer("taskID", payload.TaskID), zap.Error(err))
		return fmt.Errorf("ошибка сериализации задачи генерации %s: %w", payload.TaskID, err)
	}

	if err := p.publishMessage(ctx, body); err != nil {
		p.logger.Error("Failed to publish generation task",
			zap.Stringer("taskID", payload.TaskID), zap.Stringer("storyID", payload.StoryID), zap.Error(err))
		return fmt.Errorf("ошибка публикации задачи генерации %s: %w", payload.TaskID, err)
	}

	p.logger.Debug("Generation task published",
		zap.Stringer("taskID", payload.TaskID),
		zap.Stringer("storyID", payload.StoryID),
		zap.String("taskType", string(payload.TaskType)))
	return nil
}

func (p *rabbitMQPublisher) PublishResolutions(ctx context.Context, payload models.ResolutionRenderingPayload) error {
	if len(payload.Resolutions) == 0 {
		return nil
	}

	body, err := json.Marshal(payload)
	if err != nil {
		p.logger.Error("Failed to marshal resolution batch",
			zap.Stringer("sessionID", payload.SessionID), zap.Error(err))
		return fmt.Errorf("ошибка сериализации развязок сессии %s: %w", payload.SessionID, err)
	}

	if err := p.publishMessage(ctx, body); err != nil {
		p.logger.Error("Failed to publish resolution batch",
			zap.Stringer("sessionID", payload.SessionID), zap.Error(err))
		return fmt.Errorf("ошибка публикации развязок сессии %s: %w", payload.SessionID, err)
	}

	p.logger.Debug("Resolution batch published",
		zap.Stringer("sessionID", payload.SessionID),
		zap.Int("count", len(payload.Resolutions)))
	return nil
}

func (p *rabbitMQPublisher) PublishSessionEvent(ctx context.Context, event models.SessionEvent) error {
	body, err := json.Marshal(event)
	if err != nil {
		p.logger.Error("Failed to marshal session event",
			zap.String("eventType", string(event.Type)), zap.Error(err))
		return fmt.Errorf("ошибка сериализации события '%s': %w", event.Type, err)
	}

	if err := p.publishMessage(ctx, body); err != nil {
		p.logger.Error("Failed to publish session event",
			zap.String("eventType", string(event.Type)),
			zap.Stringer("storyID", event.StoryID), zap.Error(err))
		return fmt.Errorf("ошибка публикации события '%s': %w", event.Type, err)
	}

	p.logger.Debug("Session event published",
		zap.String("eventType", string(event.Type)),
		zap.Stringer("storyID", event.StoryID),
		zap.Int("version", event.Version))
	return nil
}

// publishMessage публикует тело в очередь с таймаутом и ретраями.
func (p *rabbitMQPublisher) publishMessage(ctx context.Context, body []byte) error {
	if p.channel == nil {
		return errors.New("канал RabbitMQ не инициализирован")
	}

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	var err error
	for attempt := 1; attempt <= 3; attempt++ {
		err = p.channel.PublishWithContext(ctx,
			"",          // exchange (default)
			p.queueName, // routing key
			false,       // mandatory
			false,       // immediate
			amqp.Publishing{
				ContentType:  "application/json",
				DeliveryMode: amqp.Persistent,
				Body:         body,
				Timestamp:    time.Now(),
				AppId:        publisherAppID,
			},
		)
		if err == nil {
			return nil
		}
		p.logger.Warn("Publish attempt failed",
			zap.String("queue", p.queueName), zap.Int("attempt", attempt), zap.Error(err))
		time.Sleep(time.Duration(attempt) * 100 * time.Millisecond)
	}
	return fmt.Errorf("ошибка публикации в очередь %s после повторов: %w", p.queueName, err)
}
