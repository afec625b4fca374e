package handler

import (
	"fmt"
	"net/http"

	"choicebook-server/internal/models"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"
)

// sessionIDParam извлекает и парсит :session_id из пути.
func sessionIDParam(c echo.Context) (uuid.UUID, error) {
	idStr := c.Param("session_id")
	id, err := uuid.Parse(idStr)
	if err != nil {
		return uuid.Nil, fmt.Errorf("%w: invalid session ID format '%s'", models.ErrBadRequest, idStr)
	}
	return id, nil
}

type startSessionRequest struct {
	UserID  string `json:"userId"`
	StoryID string `json:"storyId"`
}

type makeChoiceRequest struct {
	ChoicePointID       string  `json:"choicePointId"`
	ChoiceID            string  `json:"choiceId"`
	DecisionTimeSeconds float64 `json:"decisionTimeSeconds,omitempty"`
}

func (h *StoryHandler) startSession(c echo.Context) error {
	var req startSessionRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, APIError{Message: "Invalid request body: " + err.Error()})
	}

	userID, err := uuid.Parse(req.UserID)
	if err != nil {
		return handleServiceError(c, fmt.Errorf("%w: invalid user ID format", models.ErrBadRequest))
	}
	storyID, err := uuid.Parse(req.StoryID)
	if err != nil {
		return handleServiceError(c, fmt.Errorf("%w: invalid story ID format", models.ErrBadRequest))
	}

	log := h.logger.With(zap.Stringer("userID", userID), zap.Stringer("storyID", storyID))
	log.Info("startSession called")

	view, err := h.reading.StartSession(c.Request().Context(), userID, storyID)
	if err != nil {
		log.Warn("Error starting reading session", zap.Error(err))
		return handleServiceError(c, err)
	}

	log.Info("Reading session started", zap.Stringer("sessionID", view.Path.SessionID))
	return c.JSON(http.StatusCreated, toSessionResponse(view))
}

func (h *StoryHandler) getSession(c echo.Context) error {
	sessionID, err := sessionIDParam(c)
	if err != nil {
		return handleServiceError(c, err)
	}

	view, err := h.reading.GetSession(c.Request().Context(), sessionID)
	if err != nil {
		return handleServiceError(c, err)
	}
	return c.JSON(http.StatusOK, toSessionResponse(view))
}

func (h *StoryHandler) makeChoice(c echo.Context) error {
	sessionID, err := sessionIDParam(c)
	if err != nil {
		return handleServiceError(c, err)
	}

	var req makeChoiceRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, APIError{Message: "Invalid request body: " + err.Error()})
	}
	if req.ChoicePointID == "" || req.ChoiceID == "" {
		return handleServiceError(c, fmt.Errorf("%w: choicePointId and choiceId are required", models.ErrBadRequest))
	}

	log := h.logger.With(
		zap.Stringer("sessionID", sessionID),
		zap.String("choicePointID", req.ChoicePointID),
		zap.String("choiceID", req.ChoiceID),
	)
	log.Info("makeChoice called")

	result, err := h.reading.MakeChoice(c.Request().Context(), sessionID, req.ChoicePointID, req.ChoiceID, req.DecisionTimeSeconds)
	if err != nil {
		log.Warn("Error recording choice", zap.Error(err))
		return handleServiceError(c, err)
	}

	log.Info("Choice processed successfully",
		zap.String("newChapter", result.Path.CurrentChapter),
		zap.Bool("completed", result.Completed),
	)
	return c.JSON(http.StatusOK, MakeChoiceResponse{
		SessionResponse: toSessionResponse(&result.SessionView),
		Resolutions:     result.Resolutions,
		Completed:       result.Completed,
	})
}

func (h *StoryHandler) endSession(c echo.Context) error {
	sessionID, err := sessionIDParam(c)
	if err != nil {
		return handleServiceError(c, err)
	}

	log := h.logger.With(zap.Stringer("sessionID", sessionID))
	log.Info("endSession called")

	path, err := h.reading.EndSession(c.Request().Context(), sessionID)
	if err != nil {
		log.Warn("Error ending reading session", zap.Error(err))
		return handleServiceError(c, err)
	}

	log.Info("Reading session ended", zap.Int("pathCompletion", path.PathCompletion))
	return c.JSON(http.StatusOK, EndSessionResponse{
		SessionID:      path.SessionID.String(),
		Status:         string(path.Status),
		PathCompletion: path.PathCompletion,
		SessionEnd:     path.SessionEnd,
	})
}
