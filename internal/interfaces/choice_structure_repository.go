package interfaces

import (
	"context"
	"encoding/json"

	"choicebook-server/internal/models"

	"github.com/google/uuid"
)

// ChoiceStructureRepository defines the interface for persisting versioned
// choice structures.
//
//go:generate mockery --name ChoiceStructureRepository --output ./mocks --outpkg mocks --case=underscore
type ChoiceStructureRepository interface {
	// Create stores a new structure version as a draft.
	// Returns models.ErrVersionConflict if (story_id, version) already exists.
	Create(ctx context.Context, querier DBTX, structure *models.ChoiceStructure) error

	// GetByID retrieves a structure version by its unique ID.
	// Returns models.ErrStructureNotFound if no such row exists.
	GetByID(ctx context.Context, querier DBTX, id uuid.UUID) (*models.ChoiceStructure, error)

	// GetByStoryAndVersion retrieves a specific version of a story's structure.
	GetByStoryAndVersion(ctx context.Context, querier DBTX, storyID uuid.UUID, version int) (*models.ChoiceStructure, error)

	// GetActiveByStoryID retrieves the currently active structure for a story.
	// Returns models.ErrStructureNotFound when the story has no active version.
	GetActiveByStoryID(ctx context.Context, querier DBTX, storyID uuid.UUID) (*models.ChoiceStructure, error)

	// ListVersions returns all versions for a story, newest first.
	ListVersions(ctx context.Context, querier DBTX, storyID uuid.UUID) ([]*models.ChoiceStructure, error)

	// NextVersion returns the next free version number for a story (1 for the first).
	NextVersion(ctx context.Context, querier DBTX, storyID uuid.UUID) (int, error)

	// UpdateValidation записывает отчет валидации в строку версии.
	UpdateValidation(ctx context.Context, querier DBTX, id uuid.UUID, validation json.RawMessage) error

	// ActivateVersion promotes the given version to active and demotes the
	// previous active version to archived. Must run inside a transaction.
	ActivateVersion(ctx context.Context, querier DBTX, storyID uuid.UUID, version int) error

	// UpdateStatus устанавливает статус версии (например rejected).
	UpdateStatus(ctx context.Context, querier DBTX, id uuid.UUID, status models.StructureStatus) error

	// Delete removes a structure version. Active versions cannot be deleted.
	Delete(ctx context.Context, querier DBTX, id uuid.UUID) error
}
