package interfaces

import (
	"context"
	"time"

	"choicebook-server/internal/models"

	"github.com/google/uuid"
)

// ReaderPathRepository defines the interface for persisting reader sessions.
//
//go:generate mockery --name ReaderPathRepository --output ./mocks --outpkg mocks --case=underscore
type ReaderPathRepository interface {
	// Create stores a new reader session row.
	Create(ctx context.Context, querier DBTX, path *models.ReaderPath) error

	// GetBySessionID retrieves a session by its session ID.
	// Returns models.ErrSessionNotFound if no such session exists.
	GetBySessionID(ctx context.Context, querier DBTX, sessionID uuid.UUID) (*models.ReaderPath, error)

	// Update перезаписывает изменяемое состояние сессии: статус, текущую главу,
	// журнал выборов, очереди последствий, таймстампы. Вызывается только
	// держателем блокировки ключа сессии.
	Update(ctx context.Context, querier DBTX, path *models.ReaderPath) error

	// ListByStoryID returns all sessions for a story. Bulk read for analytics;
	// the returned slice is a snapshot, safe to scan without session locks.
	ListByStoryID(ctx context.Context, querier DBTX, storyID uuid.UUID) ([]models.ReaderPath, error)

	// ListActiveIdleSince находит активные сессии без активности с указанного
	// момента. Лента для фонового свипера заброшенных сессий.
	ListActiveIdleSince(ctx context.Context, querier DBTX, cutoff time.Time) ([]models.ReaderPath, error)

	// MarkAbandoned переводит активную сессию в abandoned. Таймстамп конца
	// не ставится: его фиксирует только явное завершение читателем, свипер
	// закрывает сессию, у которой настоящего конца не было.
	// Возвращает models.ErrSessionNotFound, если сессия уже не активна.
	MarkAbandoned(ctx context.Context, querier DBTX, sessionID uuid.UUID) error

	// CountByUserAndStory returns how many sessions the user has opened for the
	// story. Used to assign playthrough numbers to new sessions.
	CountByUserAndStory(ctx context.Context, querier DBTX, userID, storyID uuid.UUID) (int, error)
}

// AnalysisReportRepository stores analytics report snapshots for dashboards.
//
//go:generate mockery --name AnalysisReportRepository --output ./mocks --outpkg mocks --case=underscore
type AnalysisReportRepository interface {
	// Save stores a report snapshot.
	Save(ctx context.Context, querier DBTX, report *models.AnalysisReport) error

	// GetLatestByStoryID returns the most recent snapshot for a story.
	// Returns models.ErrNotFound when the story has no snapshots yet.
	GetLatestByStoryID(ctx context.Context, querier DBTX, storyID uuid.UUID) (*models.AnalysisReport, error)
}
