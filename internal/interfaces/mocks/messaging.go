package mocks

import (
	"context"

	"choicebook-server/internal/interfaces"
	"choicebook-server/internal/models"

	"github.com/google/uuid"
	"github.com/stretchr/testify/mock"
)

// Mock GenerationTaskPublisher
type GenerationTaskPublisher struct {
	mock.Mock
}

var _ interfaces.GenerationTaskPublisher = (*GenerationTaskPublisher)(nil)

func (m *GenerationTaskPublisher) PublishGenerationTask(ctx context.Context, payload models.ChapterGenerationTaskPayload) error {
	args := m.Called(ctx, payload)
	return args.Error(0)
}

// Mock ResolutionNotifier
type ResolutionNotifier struct {
	mock.Mock
}

var _ interfaces.ResolutionNotifier = (*ResolutionNotifier)(nil)

func (m *ResolutionNotifier) PublishResolutions(ctx context.Context, payload models.ResolutionRenderingPayload) error {
	args := m.Called(ctx, payload)
	return args.Error(0)
}

// Mock SessionEventPublisher
type SessionEventPublisher struct {
	mock.Mock
}

var _ interfaces.SessionEventPublisher = (*SessionEventPublisher)(nil)

func (m *SessionEventPublisher) PublishSessionEvent(ctx context.Context, event models.SessionEvent) error {
	args := m.Called(ctx, event)
	return args.Error(0)
}

// Mock SessionEventSink
type SessionEventSink struct {
	mock.Mock
}

var _ interfaces.SessionEventSink = (*SessionEventSink)(nil)

func (m *SessionEventSink) SendToSession(sessionID uuid.UUID, event models.SessionEvent) bool {
	args := m.Called(sessionID, event)
	return args.Bool(0)
}

// Mock SessionCache
type SessionCache struct {
	mock.Mock
}

var _ interfaces.SessionCache = (*SessionCache)(nil)

func (m *SessionCache) Get(ctx context.Context, sessionID uuid.UUID) (*models.ReaderPath, error) {
	args := m.Called(ctx, sessionID)
	path, _ := args.Get(0).(*models.ReaderPath)
	return path, args.Error(1)
}

func (m *SessionCache) Set(ctx context.Context, path *models.ReaderPath) error {
	args := m.Called(ctx, path)
	return args.Error(0)
}

func (m *SessionCache) Invalidate(ctx context.Context, sessionID uuid.UUID) error {
	args := m.Called(ctx, sessionID)
	return args.Error(0)
}
