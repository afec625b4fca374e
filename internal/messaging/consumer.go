package messaging

import (
	"context"
	"encoding/json"
	"fmt"

	"choicebook-server/internal/models"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

// TaskHandlerFunc обрабатывает одну задачу генерации. Ошибка означает nack
// без повторной постановки: сообщение уходит в DLQ.
type TaskHandlerFunc func(ctx context.Context, payload models.ChapterGenerationTaskPayload) error

// GenerationTaskConsumer забирает задачи генерации из очереди по одной
// (prefetch=1) и подтверждает их вручную после обработки.
type GenerationTaskConsumer struct {
	conn        *amqp.Connection
	queueName   string
	handler     TaskHandlerFunc
	logger      *zap.Logger
	stopChannel chan struct{}
}

func NewGenerationTaskConsumer(conn *amqp.Connection, queueName string, handler TaskHandlerFunc, logger *zap.Logger) *GenerationTaskConsumer {
	return &GenerationTaskConsumer{
		conn:        conn,
		queueName:   queueName,
		handler:     handler,
		logger:      logger.Named("GenerationTaskConsumer"),
		stopChannel: make(chan struct{}),
	}
}

// StartConsuming объявляет топологию (DLX, DLQ, основную очередь) и блокируется
// в цикле обработки до Stop или закрытия канала. Запускать в горутине.
func (c *GenerationTaskConsumer) StartConsuming(ctx context.Context) error {
	ch, err := c.conn.Channel()
	if err != nil {
		return fmt.Errorf("consumer: не удалось открыть канал RabbitMQ: %w", err)
	}
	defer ch.Close()

	if err := c.declareTopology(ch); err != nil {
		return err
	}

	// Воркер держит одну задачу в работе: генерация долгая.
	if err := ch.Qos(1, 0, false); err != nil {
		return fmt.Errorf("consumer: не удалось установить QoS: %w", err)
	}

	msgs, err := ch.Consume(
		c.queueName,
		"choicebook-generation-worker", // consumer tag
		false,                          // auto-ack = false
		false,                          // exclusive
		false,                          // no-local
		false,                          // no-wait
		nil,
	)
	if err != nil {
		return fmt.Errorf("consumer: не удалось зарегистрировать консьюмера: %w", err)
	}

	c.logger.Info("Generation task consumer started", zap.String("queue", c.queueName))

	for {
		select {
		case d, ok := <-msgs:
			if !ok {
				c.logger.Info("Delivery channel closed, consumer exiting")
				return nil
			}
			c.handleDelivery(ctx, d)
		case <-c.stopChannel:
			c.logger.Info("Stop signal received, consumer exiting")
			return nil
		case <-ctx.Done():
			c.logger.Info("Context cancelled, consumer exiting")
			return nil
		}
	}
}

func (c *GenerationTaskConsumer) handleDelivery(ctx context.Context, d amqp.Delivery) {
	var payload models.ChapterGenerationTaskPayload
	if err := json.Unmarshal(d.Body, &payload); err != nil {
		c.logger.Error("Failed to unmarshal generation task, rejecting",
			zap.Uint64("deliveryTag", d.DeliveryTag), zap.Error(err))
		_ = d.Nack(false, false)
		return
	}

	log := c.logger.With(
		zap.Stringer("taskID", payload.TaskID),
		zap.Stringer("storyID", payload.StoryID),
		zap.String("taskType", string(payload.TaskType)),
	)
	log.Info("Generation task received")

	if err := c.handler(ctx, payload); err != nil {
		// Requeue=false: плохая задача не должна крутиться по кругу,
		// DLX заберет ее в chapter_generation_dlq.
		log.Error("Generation task failed, sending to DLQ", zap.Error(err))
		_ = d.Nack(false, false)
		return
	}

	log.Info("Generation task processed")
	_ = d.Ack(false)
}

// declareTopology объявляет DLX, DLQ и основную очередь задач. Аргументы
// основной очереди обязаны совпадать с паблишером.
func (c *GenerationTaskConsumer) declareTopology(ch *amqp.Channel) error {
	if err := ch.ExchangeDeclare(
		deadLetterExchange,
		"direct",
		true,  // durable
		false, // auto-deleted
		false, // internal
		false, // no-wait
		nil,
	); err != nil {
		return fmt.Errorf("consumer: не удалось объявить DLX '%s': %w", deadLetterExchange, err)
	}

	if _, err := ch.QueueDeclare(deadLetterQueue, true, false, false, false, nil); err != nil {
		return fmt.Errorf("consumer: не удалось объявить DLQ '%s': %w", deadLetterQueue, err)
	}

	if err := ch.QueueBind(deadLetterQueue, deadLetterRoutingKey, deadLetterExchange, false, nil); err != nil {
		return fmt.Errorf("consumer: не удалось связать DLQ с DLX: %w", err)
	}

	args := amqp.Table{
		"x-queue-mode":              "lazy",
		"x-dead-letter-exchange":    deadLetterExchange,
		"x-dead-letter-routing-key": deadLetterRoutingKey,
	}
	if _, err := ch.QueueDeclare(c.queueName, true, false, false, false, args); err != nil {
		return fmt.Errorf("consumer: не удалось объявить очередь '%s': %w", c.queueName, err)
	}

	return nil
}

// Stop останавливает цикл обработки.
func (c *GenerationTaskConsumer) Stop() {
	close(c.stopChannel)
}
