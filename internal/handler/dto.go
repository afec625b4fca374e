package handler

import (
	"encoding/json"
	"time"

	"choicebook-server/internal/models"
	"choicebook-server/internal/service"
)

// StructureVersionSummary представляет версию структуры для списков.
type StructureVersionSummary struct {
	ID        string    `json:"id"`
	StoryID   string    `json:"storyId"`
	Version   int       `json:"version"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// StructureVersionDetail представляет версию вместе с определением графа
// и последним отчетом валидации.
type StructureVersionDetail struct {
	StructureVersionSummary
	Definition json.RawMessage `json:"definition,omitempty"`
	Validation json.RawMessage `json:"validation,omitempty"`
}

// SubmitDraftResponse возвращается после сохранения черновика. Отчет
// валидации отдаем сразу: автору не нужен второй запрос, чтобы узнать,
// можно ли версию активировать.
type SubmitDraftResponse struct {
	StructureVersionSummary
	Validation models.ChoiceValidation `json:"validation"`
}

// GenerateStructureResponse подтверждает постановку задачи генерации.
type GenerateStructureResponse struct {
	TaskID string `json:"taskId"`
}

// SessionResponse представляет состояние читательской сессии для клиента.
// Главы и точки выбора отдаются как есть: их json-теги уже клиентские.
type SessionResponse struct {
	SessionID         string                `json:"sessionId"`
	StoryID           string                `json:"storyId"`
	StructureVersion  int                   `json:"structureVersion"`
	Status            string                `json:"status"`
	Chapter           models.Chapter        `json:"chapter"`
	PathCompletion    int                   `json:"pathCompletion"`
	PlaythroughCount  int                   `json:"playthroughCount"`
	AvailableChoices  []models.ChoicePoint  `json:"availableChoices"`
	DiscoveredEndings []string              `json:"discoveredEndings,omitempty"`
	Ending            *models.EndingChapter `json:"ending,omitempty"`
	SessionStart      time.Time             `json:"sessionStart"`
	SessionEnd        *time.Time            `json:"sessionEnd,omitempty"`
}

// MakeChoiceResponse - результат записанного выбора.
type MakeChoiceResponse struct {
	SessionResponse
	Resolutions []models.Resolution `json:"resolutions,omitempty"`
	Completed   bool                `json:"completed"`
}

// EndSessionResponse подтверждает явное закрытие сессии.
type EndSessionResponse struct {
	SessionID      string     `json:"sessionId"`
	Status         string     `json:"status"`
	PathCompletion int        `json:"pathCompletion"`
	SessionEnd     *time.Time `json:"sessionEnd,omitempty"`
}

// AnalysisReportResponse - сохраненный снапшот отчета аналитики.
type AnalysisReportResponse struct {
	StoryID          string          `json:"storyId"`
	StructureVersion int             `json:"structureVersion"`
	Report           json.RawMessage `json:"report"`
	GeneratedAt      time.Time       `json:"generatedAt"`
}

func toVersionSummary(row *models.ChoiceStructure) StructureVersionSummary {
	return StructureVersionSummary{
		ID:        row.ID.String(),
		StoryID:   row.StoryID.String(),
		Version:   row.Version,
		Status:    string(row.Status),
		CreatedAt: row.CreatedAt,
		UpdatedAt: row.UpdatedAt,
	}
}

func toVersionDetail(row *models.ChoiceStructure) StructureVersionDetail {
	return StructureVersionDetail{
		StructureVersionSummary: toVersionSummary(row),
		Definition:              row.Definition,
		Validation:              row.Validation,
	}
}

func toSessionResponse(view *service.SessionView) SessionResponse {
	path := view.Path
	return SessionResponse{
		SessionID:         path.SessionID.String(),
		StoryID:           path.StoryID.String(),
		StructureVersion:  path.StructureVersion,
		Status:            string(path.Status),
		Chapter:           view.Chapter,
		PathCompletion:    path.PathCompletion,
		PlaythroughCount:  path.PlaythroughCount,
		AvailableChoices:  view.AvailableChoices,
		DiscoveredEndings: path.DiscoveredEndings,
		Ending:            view.Ending,
		SessionStart:      path.SessionStart,
		SessionEnd:        path.SessionEnd,
	}
}
