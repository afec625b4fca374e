package ws

import (
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	// Время, разрешенное для записи сообщения клиенту.
	writeWait = 10 * time.Second
	// Время, разрешенное для чтения следующего pong сообщения от клиента.
	pongWait = 60 * time.Second
	// Отправлять пинги клиенту с этим периодом. Должно быть меньше pongWait.
	pingPeriod = (pongWait * 9) / 10
	// Максимальный размер сообщения, разрешенный от клиента.
	maxMessageSize = 512
)

// Client - одно WebSocket-соединение читательской сессии. storyID нужен
// для рассылки событий уровня истории без похода в базу.
type Client struct {
	sessionID uuid.UUID
	storyID   uuid.UUID
	conn      *websocket.Conn
	send      chan []byte
	logger    *zap.Logger
}

// NewClient оборачивает установленное соединение. Пампы запускает вызывающий.
func NewClient(sessionID, storyID uuid.UUID, conn *websocket.Conn, logger *zap.Logger) *Client {
	return &Client{
		sessionID: sessionID,
		storyID:   storyID,
		conn:      conn,
		send:      make(chan []byte, 256),
		logger:    logger.With(zap.Stringer("sessionID", sessionID)),
	}
}

// ReadPump вычитывает входящие сообщения. Клиент ничего осмысленного не
// шлет, цикл нужен для обработки pong и закрытия соединения.
func (c *Client) ReadPump(hub *SessionHub) {
	defer func() {
		hub.UnregisterClient(c.sessionID)
		_ = c.conn.Close()
	}()
	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, _, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.logger.Warn("WebSocket read error", zap.Error(err))
			}
			return
		}
	}
}

// WritePump переливает события из очереди в соединение и пингует клиента.
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()
	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// Хаб закрыл канал: соединение вытеснено или сессия снята.
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.logger.Warn("Failed to write session event", zap.Error(err))
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
