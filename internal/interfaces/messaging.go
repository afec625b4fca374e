package interfaces

import (
	"context"

	"choicebook-server/internal/models"

	"github.com/google/uuid"
)

// GenerationTaskPublisher defines the interface for publishing chapter
// generation tasks consumed by the generation worker.
type GenerationTaskPublisher interface {
	// PublishGenerationTask sends the task payload to the generation queue.
	PublishGenerationTask(ctx context.Context, payload models.ChapterGenerationTaskPayload) error
}

// ResolutionNotifier defines the interface for handing resolved consequences
// to the external narrative renderer.
type ResolutionNotifier interface {
	// PublishResolutions отправляет пачку разрешений рендереру прозы.
	// Доставка может повторяться: получатель дедуплицирует по Resolution.ID.
	PublishResolutions(ctx context.Context, payload models.ResolutionRenderingPayload) error
}

// SessionEventPublisher defines the interface for publishing session events
// from the generation worker back to the API process.
type SessionEventPublisher interface {
	// PublishSessionEvent отправляет событие в очередь session_events.
	PublishSessionEvent(ctx context.Context, event models.SessionEvent) error
}

// SessionEventSink доставляет события сессии подключенному клиенту читателя.
// Реализация поверх WebSocket-хаба; офлайн-клиент не считается ошибкой.
type SessionEventSink interface {
	// SendToSession возвращает true, если клиент сессии онлайн и событие
	// поставлено в его очередь отправки.
	SendToSession(sessionID uuid.UUID, event models.SessionEvent) bool
}

// SessionEventRouter - сторона доставки для консьюмера событий: адресная
// отправка в сессию плюс рассылка всем сессиям одной истории.
type SessionEventRouter interface {
	SessionEventSink

	// BroadcastToStory возвращает число сессий, получивших событие.
	BroadcastToStory(storyID uuid.UUID, event models.SessionEvent) int
}
