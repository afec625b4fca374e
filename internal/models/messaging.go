package models

import "github.com/google/uuid"

// GenerationTaskType - что именно просим сгенерировать.
type GenerationTaskType string

const (
	GenerationTaskChapter GenerationTaskType = "chapter" // Продолжение с одной точки ветвления.
	GenerationTaskBranch  GenerationTaskType = "branch"  // Несколько глав вглубь от точки.
	GenerationTaskEnding  GenerationTaskType = "ending"  // Концовка для накопленного пути.
)

// ChapterGenerationTaskPayload - задача генерации для очереди chapter.generation.tasks.
// Воркер читает базовую версию структуры, зовет генератор контента и сохраняет
// результат новым черновиком.
type ChapterGenerationTaskPayload struct {
	TaskID            uuid.UUID          `json:"task_id"`
	StoryID           uuid.UUID          `json:"story_id"`
	BaseVersion       int                `json:"base_version"`
	TaskType          GenerationTaskType `json:"task_type"`
	FromChapter       string             `json:"from_chapter"`                 // Глава, от которой растим продолжение.
	ChoiceCount       int                `json:"choice_count"`                 // Сколько вариантов предлагать в новых точках.
	BranchingStrategy string             `json:"branching_strategy,omitempty"` // Подсказка генератору: linear, diverging, converging.
	EndingType        EndingType         `json:"ending_type,omitempty"`        // Для задач типа ending.
}

// ResolutionRenderingPayload - пачка разрешений последствий для очереди
// resolution.rendering.tasks. Рендерер превращает Description в прозу;
// по Resolution.ID повторная доставка дедуплицируется на его стороне.
type ResolutionRenderingPayload struct {
	SessionID      uuid.UUID    `json:"session_id"`
	StoryID        uuid.UUID    `json:"story_id"`
	ChapterContext string       `json:"chapter_context"`
	Resolutions    []Resolution `json:"resolutions"`
}

// SessionEventType - тип события, уходящего клиенту сессии по WebSocket.
type SessionEventType string

const (
	EventChapterTransition    SessionEventType = "chapter_transition"
	EventConsequencesResolved SessionEventType = "consequences_resolved"
	EventEndingReached        SessionEventType = "ending_reached"
	EventGenerationCompleted  SessionEventType = "generation_completed"
)

// SessionEvent - конверт события для клиента читательской сессии.
// Заполняются только поля, относящиеся к типу события.
type SessionEvent struct {
	Type           SessionEventType `json:"type"`
	SessionID      uuid.UUID        `json:"session_id"`
	Chapter        string           `json:"chapter,omitempty"`
	PathCompletion int              `json:"path_completion,omitempty"`
	EndingID       string           `json:"ending_id,omitempty"`
	Resolutions    []Resolution     `json:"resolutions,omitempty"`
	StoryID        uuid.UUID        `json:"story_id,omitempty"`
	Version        int              `json:"version,omitempty"` // Для generation_completed: номер нового черновика.
}
