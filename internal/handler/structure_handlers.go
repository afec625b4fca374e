package handler

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"choicebook-server/internal/models"
	"choicebook-server/internal/service"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"
)

// storyIDParam извлекает и парсит :story_id из пути.
func storyIDParam(c echo.Context) (uuid.UUID, error) {
	idStr := c.Param("story_id")
	id, err := uuid.Parse(idStr)
	if err != nil {
		return uuid.Nil, fmt.Errorf("%w: invalid story ID format '%s'", models.ErrBadRequest, idStr)
	}
	return id, nil
}

// versionParam извлекает и парсит :version из пути.
func versionParam(c echo.Context) (int, error) {
	versionStr := c.Param("version")
	version, err := strconv.Atoi(versionStr)
	if err != nil || version < 1 {
		return 0, fmt.Errorf("%w: invalid version '%s'", models.ErrBadRequest, versionStr)
	}
	return version, nil
}

type submitDraftRequest struct {
	Definition json.RawMessage `json:"definition"`
}

type generateStructureRequest struct {
	BaseVersion       int    `json:"baseVersion,omitempty"` // 0 - активная версия
	TaskType          string `json:"taskType"`
	FromChapter       string `json:"fromChapter"`
	ChoiceCount       int    `json:"choiceCount,omitempty"`
	BranchingStrategy string `json:"branchingStrategy,omitempty"`
	EndingType        string `json:"endingType,omitempty"`
}

func (h *StoryHandler) submitDraft(c echo.Context) error {
	storyID, err := storyIDParam(c)
	if err != nil {
		return handleServiceError(c, err)
	}

	var req submitDraftRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, APIError{Message: "Invalid request body: " + err.Error()})
	}
	if len(req.Definition) == 0 {
		return handleServiceError(c, fmt.Errorf("%w: definition is required", models.ErrBadRequest))
	}

	log := h.logger.With(zap.Stringer("storyID", storyID))
	log.Info("submitDraft called")

	row, report, err := h.structures.SubmitDraft(c.Request().Context(), storyID, req.Definition)
	if err != nil {
		log.Warn("Error submitting structure draft", zap.Error(err))
		return handleServiceError(c, err)
	}

	log.Info("Structure draft saved", zap.Int("version", row.Version), zap.Bool("isValid", report.IsValid))
	return c.JSON(http.StatusCreated, SubmitDraftResponse{
		StructureVersionSummary: toVersionSummary(row),
		Validation:              report,
	})
}

func (h *StoryHandler) getActiveStructure(c echo.Context) error {
	storyID, err := storyIDParam(c)
	if err != nil {
		return handleServiceError(c, err)
	}

	row, err := h.structures.GetActive(c.Request().Context(), storyID)
	if err != nil {
		return handleServiceError(c, err)
	}
	return c.JSON(http.StatusOK, toVersionDetail(row))
}

func (h *StoryHandler) listVersions(c echo.Context) error {
	storyID, err := storyIDParam(c)
	if err != nil {
		return handleServiceError(c, err)
	}

	rows, err := h.structures.ListVersions(c.Request().Context(), storyID)
	if err != nil {
		return handleServiceError(c, err)
	}

	summaries := make([]StructureVersionSummary, 0, len(rows))
	for _, row := range rows {
		summaries = append(summaries, toVersionSummary(row))
	}
	return c.JSON(http.StatusOK, summaries)
}

func (h *StoryHandler) getVersion(c echo.Context) error {
	storyID, err := storyIDParam(c)
	if err != nil {
		return handleServiceError(c, err)
	}
	version, err := versionParam(c)
	if err != nil {
		return handleServiceError(c, err)
	}

	row, err := h.structures.GetVersion(c.Request().Context(), storyID, version)
	if err != nil {
		return handleServiceError(c, err)
	}
	return c.JSON(http.StatusOK, toVersionDetail(row))
}

func (h *StoryHandler) validateVersion(c echo.Context) error {
	storyID, err := storyIDParam(c)
	if err != nil {
		return handleServiceError(c, err)
	}
	version, err := versionParam(c)
	if err != nil {
		return handleServiceError(c, err)
	}

	log := h.logger.With(zap.Stringer("storyID", storyID), zap.Int("version", version))
	log.Info("validateVersion called")

	report, err := h.structures.Validate(c.Request().Context(), storyID, version)
	if err != nil {
		log.Warn("Error validating structure version", zap.Error(err))
		return handleServiceError(c, err)
	}
	return c.JSON(http.StatusOK, report)
}

func (h *StoryHandler) activateVersion(c echo.Context) error {
	storyID, err := storyIDParam(c)
	if err != nil {
		return handleServiceError(c, err)
	}
	version, err := versionParam(c)
	if err != nil {
		return handleServiceError(c, err)
	}

	log := h.logger.With(zap.Stringer("storyID", storyID), zap.Int("version", version))
	log.Info("activateVersion called")

	if err := h.structures.Activate(c.Request().Context(), storyID, version); err != nil {
		log.Warn("Error activating structure version", zap.Error(err))
		return handleServiceError(c, err)
	}

	log.Info("Structure version activated")
	return c.NoContent(http.StatusNoContent)
}

func (h *StoryHandler) deleteVersion(c echo.Context) error {
	storyID, err := storyIDParam(c)
	if err != nil {
		return handleServiceError(c, err)
	}
	version, err := versionParam(c)
	if err != nil {
		return handleServiceError(c, err)
	}

	log := h.logger.With(zap.Stringer("storyID", storyID), zap.Int("version", version))
	log.Info("deleteVersion called")

	if err := h.structures.DeleteVersion(c.Request().Context(), storyID, version); err != nil {
		log.Warn("Error deleting structure version", zap.Error(err))
		return handleServiceError(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *StoryHandler) requestGeneration(c echo.Context) error {
	storyID, err := storyIDParam(c)
	if err != nil {
		return handleServiceError(c, err)
	}

	var req generateStructureRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, APIError{Message: "Invalid request body: " + err.Error()})
	}

	log := h.logger.With(zap.Stringer("storyID", storyID), zap.String("taskType", req.TaskType))
	log.Info("requestGeneration called")

	taskID, err := h.structures.RequestGeneration(c.Request().Context(), storyID, service.GenerationRequest{
		BaseVersion:       req.BaseVersion,
		TaskType:          models.GenerationTaskType(req.TaskType),
		FromChapter:       req.FromChapter,
		ChoiceCount:       req.ChoiceCount,
		BranchingStrategy: req.BranchingStrategy,
		EndingType:        models.EndingType(req.EndingType),
	})
	if err != nil {
		log.Warn("Error queueing generation task", zap.Error(err))
		return handleServiceError(c, err)
	}

	log.Info("Generation task queued", zap.Stringer("taskID", taskID))
	// 202: задача поставлена в очередь, результат появится новой версией-черновиком
	return c.JSON(http.StatusAccepted, GenerateStructureResponse{TaskID: taskID.String()})
}
