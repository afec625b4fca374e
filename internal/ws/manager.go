// Package ws поддерживает WebSocket-соединения читательских сессий и
// доставляет им события ходов: переходы глав, разрешения последствий,
// достижение концовок.
package ws

import (
	"encoding/json"
	"sync"

	"choicebook-server/internal/interfaces"
	"choicebook-server/internal/models"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

var _ interfaces.SessionEventRouter = (*SessionHub)(nil)

// SessionHub управляет активными соединениями. На одну сессию держится
// не больше одного соединения: новое вытесняет старое.
type SessionHub struct {
	clients    map[uuid.UUID]*Client
	register   chan *Client
	unregister chan uuid.UUID
	mu         sync.RWMutex
	logger     *zap.Logger
}

// NewSessionHub создает и запускает хаб соединений.
func NewSessionHub(logger *zap.Logger) *SessionHub {
	h := &SessionHub{
		clients:    make(map[uuid.UUID]*Client),
		register:   make(chan *Client),
		unregister: make(chan uuid.UUID),
		logger:     logger.Named("SessionHub"),
	}
	go h.run()
	return h
}

func (h *SessionHub) run() {
	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			if old, ok := h.clients[client.sessionID]; ok {
				h.logger.Info("Replacing existing session connection",
					zap.Stringer("sessionID", client.sessionID))
				close(old.send)
				_ = old.conn.Close()
			}
			h.clients[client.sessionID] = client
			h.mu.Unlock()
			h.logger.Debug("Session client registered", zap.Stringer("sessionID", client.sessionID))

		case sessionID := <-h.unregister:
			h.mu.Lock()
			if client, ok := h.clients[sessionID]; ok {
				delete(h.clients, sessionID)
				close(client.send)
			}
			h.mu.Unlock()
			h.logger.Debug("Session client unregistered", zap.Stringer("sessionID", sessionID))
		}
	}
}

// RegisterClient регистрирует соединение сессии.
func (h *SessionHub) RegisterClient(client *Client) {
	h.register <- client
}

// UnregisterClient удаляет соединение сессии.
func (h *SessionHub) UnregisterClient(sessionID uuid.UUID) {
	h.unregister <- sessionID
}

// SendToSession сериализует событие и ставит его в очередь отправки клиента.
// Возвращает false, если клиент офлайн или его очередь переполнена.
func (h *SessionHub) SendToSession(sessionID uuid.UUID, event models.SessionEvent) bool {
	message, err := json.Marshal(event)
	if err != nil {
		h.logger.Error("Failed to marshal session event",
			zap.Stringer("sessionID", sessionID),
			zap.String("eventType", string(event.Type)),
			zap.Error(err))
		return false
	}

	h.mu.RLock()
	client, ok := h.clients[sessionID]
	h.mu.RUnlock()
	if !ok {
		return false
	}

	select {
	case client.send <- message:
		return true
	default:
		// Очередь забита: клиент не вычитывает. Соединение закроют пампы.
		h.logger.Warn("Session client send queue full, dropping event",
			zap.Stringer("sessionID", sessionID),
			zap.String("eventType", string(event.Type)))
		return false
	}
}

// BroadcastToStory рассылает событие всем подключенным сессиям истории.
// Возвращает число сессий, принявших событие в очередь отправки.
func (h *SessionHub) BroadcastToStory(storyID uuid.UUID, event models.SessionEvent) int {
	message, err := json.Marshal(event)
	if err != nil {
		h.logger.Error("Failed to marshal story event",
			zap.Stringer("storyID", storyID),
			zap.String("eventType", string(event.Type)),
			zap.Error(err))
		return 0
	}

	h.mu.RLock()
	targets := make([]*Client, 0, len(h.clients))
	for _, client := range h.clients {
		if client.storyID == storyID {
			targets = append(targets, client)
		}
	}
	h.mu.RUnlock()

	delivered := 0
	for _, client := range targets {
		select {
		case client.send <- message:
			delivered++
		default:
			h.logger.Warn("Session client send queue full, dropping story event",
				zap.Stringer("sessionID", client.sessionID),
				zap.String("eventType", string(event.Type)))
		}
	}
	if delivered > 0 {
		h.logger.Debug("Story event broadcast",
			zap.Stringer("storyID", storyID),
			zap.String("eventType", string(event.Type)),
			zap.Int("delivered", delivered))
	}
	return delivered
}
