package messaging

import (
	"context"
	"encoding/json"
	"fmt"

	"choicebook-server/internal/interfaces"
	"choicebook-server/internal/models"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

// SessionEventConsumer читает события из очереди session_events и раздает их
// онлайн-клиентам через WebSocket-хаб. События адресуются либо конкретной
// сессии (SessionID), либо всем сессиям истории (StoryID).
type SessionEventConsumer struct {
	conn        *amqp.Connection
	queueName   string
	router      interfaces.SessionEventRouter
	logger      *zap.Logger
	stopChannel chan struct{}
}

func NewSessionEventConsumer(conn *amqp.Connection, queueName string, router interfaces.SessionEventRouter, logger *zap.Logger) *SessionEventConsumer {
	return &SessionEventConsumer{
		conn:        conn,
		queueName:   queueName,
		router:      router,
		logger:      logger.Named("SessionEventConsumer"),
		stopChannel: make(chan struct{}),
	}
}

// StartConsuming объявляет очередь и блокируется в цикле доставки до Stop
// или закрытия канала. Запускать в горутине.
func (c *SessionEventConsumer) StartConsuming(ctx context.Context) error {
	ch, err := c.conn.Channel()
	if err != nil {
		return fmt.Errorf("event consumer: не удалось открыть канал RabbitMQ: %w", err)
	}
	defer ch.Close()

	// Параметры очереди должны совпадать с паблишером на стороне воркера.
	if _, err := ch.QueueDeclare(c.queueName, true, false, false, false, nil); err != nil {
		return fmt.Errorf("event consumer: не удалось объявить очередь '%s': %w", c.queueName, err)
	}

	if err := ch.Qos(1, 0, false); err != nil {
		return fmt.Errorf("event consumer: не удалось установить QoS: %w", err)
	}

	msgs, err := ch.Consume(
		c.queueName,
		"choicebook-session-events", // consumer tag
		false,                       // auto-ack = false
		false,                       // exclusive
		false,                       // no-local
		false,                       // no-wait
		nil,
	)
	if err != nil {
		return fmt.Errorf("event consumer: не удалось зарегистрировать консьюмера: %w", err)
	}

	c.logger.Info("Session event consumer started", zap.String("queue", c.queueName))

	for {
		select {
		case d, ok := <-msgs:
			if !ok {
				c.logger.Info("Delivery channel closed, event consumer exiting")
				return nil
			}
			c.handleDelivery(d)
		case <-c.stopChannel:
			c.logger.Info("Stop signal received, event consumer exiting")
			return nil
		case <-ctx.Done():
			c.logger.Info("Context cancelled, event consumer exiting")
			return nil
		}
	}
}

func (c *SessionEventConsumer) handleDelivery(d amqp.Delivery) {
	var event models.SessionEvent
	if err := json.Unmarshal(d.Body, &event); err != nil {
		c.logger.Error("Failed to unmarshal session event, rejecting",
			zap.Uint64("deliveryTag", d.DeliveryTag), zap.Error(err))
		_ = d.Nack(false, false)
		return
	}

	log := c.logger.With(zap.String("eventType", string(event.Type)))

	switch {
	case event.SessionID != uuid.Nil:
		if c.router.SendToSession(event.SessionID, event) {
			log.Debug("Session event delivered", zap.Stringer("sessionID", event.SessionID))
			_ = d.Ack(false)
			return
		}
		// Клиент офлайн. Событие эфемерно, повторная доставка не нужна.
		log.Debug("Session client offline, dropping event", zap.Stringer("sessionID", event.SessionID))
		_ = d.Ack(false)

	case event.StoryID != uuid.Nil:
		delivered := c.router.BroadcastToStory(event.StoryID, event)
		log.Debug("Story event routed",
			zap.Stringer("storyID", event.StoryID), zap.Int("delivered", delivered))
		_ = d.Ack(false)

	default:
		log.Warn("Session event without session or story address, rejecting")
		_ = d.Nack(false, false)
	}
}

// Stop останавливает цикл доставки.
func (c *SessionEventConsumer) Stop() {
	close(c.stopChannel)
}
