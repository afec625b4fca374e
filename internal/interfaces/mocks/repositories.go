// Package mocks содержит testify-моки интерфейсов для юнит-тестов сервисов.
package mocks

import (
	"context"
	"encoding/json"
	"time"

	"choicebook-server/internal/interfaces"
	"choicebook-server/internal/models"

	"github.com/google/uuid"
	"github.com/stretchr/testify/mock"
)

// Mock ChoiceStructureRepository
type ChoiceStructureRepository struct {
	mock.Mock
}

var _ interfaces.ChoiceStructureRepository = (*ChoiceStructureRepository)(nil)

func (m *ChoiceStructureRepository) Create(ctx context.Context, querier interfaces.DBTX, structure *models.ChoiceStructure) error {
	args := m.Called(ctx, querier, structure)
	return args.Error(0)
}

func (m *ChoiceStructureRepository) GetByID(ctx context.Context, querier interfaces.DBTX, id uuid.UUID) (*models.ChoiceStructure, error) {
	args := m.Called(ctx, querier, id)
	st, _ := args.Get(0).(*models.ChoiceStructure)
	return st, args.Error(1)
}

func (m *ChoiceStructureRepository) GetByStoryAndVersion(ctx context.Context, querier interfaces.DBTX, storyID uuid.UUID, version int) (*models.ChoiceStructure, error) {
	args := m.Called(ctx, querier, storyID, version)
	st, _ := args.Get(0).(*models.ChoiceStructure)
	return st, args.Error(1)
}

func (m *ChoiceStructureRepository) GetActiveByStoryID(ctx context.Context, querier interfaces.DBTX, storyID uuid.UUID) (*models.ChoiceStructure, error) {
	args := m.Called(ctx, querier, storyID)
	st, _ := args.Get(0).(*models.ChoiceStructure)
	return st, args.Error(1)
}

func (m *ChoiceStructureRepository) ListVersions(ctx context.Context, querier interfaces.DBTX, storyID uuid.UUID) ([]*models.ChoiceStructure, error) {
	args := m.Called(ctx, querier, storyID)
	list, _ := args.Get(0).([]*models.ChoiceStructure)
	return list, args.Error(1)
}

func (m *ChoiceStructureRepository) NextVersion(ctx context.Context, querier interfaces.DBTX, storyID uuid.UUID) (int, error) {
	args := m.Called(ctx, querier, storyID)
	return args.Int(0), args.Error(1)
}

func (m *ChoiceStructureRepository) UpdateValidation(ctx context.Context, querier interfaces.DBTX, id uuid.UUID, validation json.RawMessage) error {
	args := m.Called(ctx, querier, id, validation)
	return args.Error(0)
}

func (m *ChoiceStructureRepository) ActivateVersion(ctx context.Context, querier interfaces.DBTX, storyID uuid.UUID, version int) error {
	args := m.Called(ctx, querier, storyID, version)
	return args.Error(0)
}

func (m *ChoiceStructureRepository) UpdateStatus(ctx context.Context, querier interfaces.DBTX, id uuid.UUID, status models.StructureStatus) error {
	args := m.Called(ctx, querier, id, status)
	return args.Error(0)
}

func (m *ChoiceStructureRepository) Delete(ctx context.Context, querier interfaces.DBTX, id uuid.UUID) error {
	args := m.Called(ctx, querier, id)
	return args.Error(0)
}

// Mock ReaderPathRepository
type ReaderPathRepository struct {
	mock.Mock
}

var _ interfaces.ReaderPathRepository = (*ReaderPathRepository)(nil)

func (m *ReaderPathRepository) Create(ctx context.Context, querier interfaces.DBTX, path *models.ReaderPath) error {
	args := m.Called(ctx, querier, path)
	return args.Error(0)
}

func (m *ReaderPathRepository) GetBySessionID(ctx context.Context, querier interfaces.DBTX, sessionID uuid.UUID) (*models.ReaderPath, error) {
	args := m.Called(ctx, querier, sessionID)
	path, _ := args.Get(0).(*models.ReaderPath)
	return path, args.Error(1)
}

func (m *ReaderPathRepository) Update(ctx context.Context, querier interfaces.DBTX, path *models.ReaderPath) error {
	args := m.Called(ctx, querier, path)
	return args.Error(0)
}

func (m *ReaderPathRepository) ListByStoryID(ctx context.Context, querier interfaces.DBTX, storyID uuid.UUID) ([]models.ReaderPath, error) {
	args := m.Called(ctx, querier, storyID)
	paths, _ := args.Get(0).([]models.ReaderPath)
	return paths, args.Error(1)
}

func (m *ReaderPathRepository) ListActiveIdleSince(ctx context.Context, querier interfaces.DBTX, cutoff time.Time) ([]models.ReaderPath, error) {
	args := m.Called(ctx, querier, cutoff)
	paths, _ := args.Get(0).([]models.ReaderPath)
	return paths, args.Error(1)
}

func (m *ReaderPathRepository) MarkAbandoned(ctx context.Context, querier interfaces.DBTX, sessionID uuid.UUID) error {
	args := m.Called(ctx, querier, sessionID)
	return args.Error(0)
}

func (m *ReaderPathRepository) CountByUserAndStory(ctx context.Context, querier interfaces.DBTX, userID, storyID uuid.UUID) (int, error) {
	args := m.Called(ctx, querier, userID, storyID)
	return args.Int(0), args.Error(1)
}

// Mock AnalysisReportRepository
type AnalysisReportRepository struct {
	mock.Mock
}

var _ interfaces.AnalysisReportRepository = (*AnalysisReportRepository)(nil)

func (m *AnalysisReportRepository) Save(ctx context.Context, querier interfaces.DBTX, report *models.AnalysisReport) error {
	args := m.Called(ctx, querier, report)
	return args.Error(0)
}

func (m *AnalysisReportRepository) GetLatestByStoryID(ctx context.Context, querier interfaces.DBTX, storyID uuid.UUID) (*models.AnalysisReport, error) {
	args := m.Called(ctx, querier, storyID)
	report, _ := args.Get(0).(*models.AnalysisReport)
	return report, args.Error(1)
}
