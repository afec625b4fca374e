package handler

import (
	"errors"
	"net/http"

	"choicebook-server/internal/models"
	"choicebook-server/internal/service"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"
)

// APIError представляет стандартизированный ответ об ошибке.
type APIError struct {
	Message string `json:"message"`
}

// StoryHandler обрабатывает HTTP запросы к структурам, сессиям и аналитике.
type StoryHandler struct {
	structures service.StructureService
	reading    service.ReadingService
	analytics  service.AnalyticsService
	logger     *zap.Logger
}

// NewStoryHandler создает новый StoryHandler.
func NewStoryHandler(
	structures service.StructureService,
	reading service.ReadingService,
	analytics service.AnalyticsService,
	logger *zap.Logger,
) *StoryHandler {
	return &StoryHandler{
		structures: structures,
		reading:    reading,
		analytics:  analytics,
		logger:     logger.Named("StoryHandler"),
	}
}

// RegisterRoutes регистрирует маршруты сервиса.
func (h *StoryHandler) RegisterRoutes(e *echo.Echo) {
	// --- Маршруты для версий структуры (API для авторов) ---
	structureGroup := e.Group("/stories/:story_id/structure")
	{
		structureGroup.POST("/drafts", h.submitDraft)
		structureGroup.GET("/active", h.getActiveStructure)
		structureGroup.GET("/versions", h.listVersions)
		structureGroup.GET("/versions/:version", h.getVersion)
		structureGroup.POST("/versions/:version/validate", h.validateVersion)
		structureGroup.POST("/versions/:version/activate", h.activateVersion)
		structureGroup.DELETE("/versions/:version", h.deleteVersion)
		structureGroup.POST("/generate", h.requestGeneration)
	}

	// --- Маршруты для читательских сессий ---
	sessionsGroup := e.Group("/sessions")
	{
		sessionsGroup.POST("", h.startSession)
		sessionsGroup.GET("/:session_id", h.getSession)
		sessionsGroup.POST("/:session_id/choices", h.makeChoice)
		sessionsGroup.POST("/:session_id/end", h.endSession)
	}

	// --- Маршруты аналитики (API для авторов и дашбордов) ---
	analyticsGroup := e.Group("/stories/:story_id/analytics")
	{
		analyticsGroup.POST("/recompute", h.recomputeReport)
		analyticsGroup.GET("/report", h.getLatestReport)
	}
}

// handleServiceError преобразует ошибку сервиса в HTTP ответ.
func handleServiceError(c echo.Context, err error) error {
	var statusCode int
	var apiErr APIError

	switch {
	case errors.Is(err, models.ErrStructureNotFound) || errors.Is(err, models.ErrSessionNotFound) || errors.Is(err, models.ErrNotFound):
		statusCode = http.StatusNotFound
		apiErr = APIError{Message: err.Error()}
	case errors.Is(err, models.ErrSessionEnded):
		statusCode = http.StatusConflict // Сессия уже завершена или заброшена
		apiErr = APIError{Message: err.Error()}
	case errors.Is(err, models.ErrVersionConflict) || errors.Is(err, models.ErrGenerationInProgress):
		statusCode = http.StatusConflict
		apiErr = APIError{Message: err.Error()}
	case errors.Is(err, models.ErrStructureNotValid):
		statusCode = http.StatusUnprocessableEntity // Версия есть, но активировать ее нельзя
		apiErr = APIError{Message: err.Error()}
	case errors.Is(err, models.ErrInvalidChoice) || errors.Is(err, models.ErrUnknownChapter) || errors.Is(err, models.ErrDanglingChoice):
		statusCode = http.StatusBadRequest
		apiErr = APIError{Message: err.Error()}
	case errors.Is(err, models.ErrInvalidInput) || errors.Is(err, models.ErrBadRequest):
		statusCode = http.StatusBadRequest
		apiErr = APIError{Message: err.Error()}
	default:
		statusCode = http.StatusInternalServerError
		apiErr = APIError{Message: "Internal server error"}
	}
	return c.JSON(statusCode, apiErr)
}
