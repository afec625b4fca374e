package interfaces

import (
	"context"

	"choicebook-server/internal/models"

	"github.com/google/uuid"
)

// SessionCache - read-through кеш активных читательских сессий поверх Redis.
// Источником истины остается Postgres: кеш только ускоряет горячие чтения
// и инвалидируется при каждой записи сессии.
//
//go:generate mockery --name SessionCache --output ./mocks --outpkg mocks --case=underscore
type SessionCache interface {
	// Get возвращает кешированную сессию или models.ErrSessionNotFound при промахе.
	Get(ctx context.Context, sessionID uuid.UUID) (*models.ReaderPath, error)

	// Set кладет сессию в кеш с TTL, равным порогу простоя.
	Set(ctx context.Context, path *models.ReaderPath) error

	// Invalidate удаляет сессию из кеша.
	Invalidate(ctx context.Context, sessionID uuid.UUID) error
}
