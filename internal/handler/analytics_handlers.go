package handler

import (
	"net/http"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"
)

func (h *StoryHandler) recomputeReport(c echo.Context) error {
	storyID, err := storyIDParam(c)
	if err != nil {
		return handleServiceError(c, err)
	}

	log := h.logger.With(zap.Stringer("storyID", storyID))
	log.Info("recomputeReport called")

	report, err := h.analytics.RecomputeReport(c.Request().Context(), storyID)
	if err != nil {
		log.Warn("Error recomputing analysis report", zap.Error(err))
		return handleServiceError(c, err)
	}

	log.Info("Analysis report recomputed", zap.Int("totalPaths", report.TotalPaths))
	return c.JSON(http.StatusOK, report)
}

func (h *StoryHandler) getLatestReport(c echo.Context) error {
	storyID, err := storyIDParam(c)
	if err != nil {
		return handleServiceError(c, err)
	}

	snapshot, err := h.analytics.GetLatestReport(c.Request().Context(), storyID)
	if err != nil {
		return handleServiceError(c, err)
	}
	return c.JSON(http.StatusOK, AnalysisReportResponse{
		StoryID:          snapshot.StoryID.String(),
		StructureVersion: snapshot.StructureVersion,
		Report:           snapshot.Report,
		GeneratedAt:      snapshot.GeneratedAt,
	})
}
