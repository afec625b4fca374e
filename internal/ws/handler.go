package ws

import (
	"errors"
	"net/http"

	"choicebook-server/internal/models"
	"choicebook-server/internal/service"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Handler принимает запросы на подключение к событиям сессии.
type Handler struct {
	hub     *SessionHub
	reading service.ReadingService
	logger  *zap.Logger
}

func NewHandler(hub *SessionHub, reading service.ReadingService, logger *zap.Logger) *Handler {
	return &Handler{hub: hub, reading: reading, logger: logger.Named("WSHandler")}
}

// ServeSession апгрейдит соединение и привязывает его к сессии из пути.
// Сессия проверяется до апгрейда: соединения к несуществующим сессиям
// отклоняются обычным HTTP-статусом.
func (h *Handler) ServeSession(c echo.Context) error {
	sessionID, err := uuid.Parse(c.Param("session_id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid session id")
	}

	view, err := h.reading.GetSession(c.Request().Context(), sessionID)
	if err != nil {
		if errors.Is(err, models.ErrSessionNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "session not found")
		}
		h.logger.Error("Failed to resolve session before upgrade",
			zap.Stringer("sessionID", sessionID), zap.Error(err))
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to resolve session")
	}

	conn, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		// Upgrader уже записал ответ об ошибке.
		h.logger.Warn("Failed to upgrade session connection",
			zap.Stringer("sessionID", sessionID), zap.Error(err))
		return nil
	}

	h.logger.Info("Session WebSocket connected",
		zap.Stringer("sessionID", sessionID),
		zap.Stringer("storyID", view.Path.StoryID))

	client := NewClient(sessionID, view.Path.StoryID, conn, h.logger)
	h.hub.RegisterClient(client)
	go client.WritePump()
	go client.ReadPump(h.hub)
	return nil
}
