package handler_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"choicebook-server/internal/analytics"
	"choicebook-server/internal/consequence"
	"choicebook-server/internal/database"
	"choicebook-server/internal/handler"
	"choicebook-server/internal/messaging"
	"choicebook-server/internal/models"
	"choicebook-server/internal/service"
	"choicebook-server/internal/structure"
	"choicebook-server/internal/tracker"
	"choicebook-server/internal/validation"
	"choicebook-server/internal/ws"
	"choicebook-server/migrations"
	"choicebook-server/pkg/migration"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/modules/rabbitmq"
	tcredis "github.com/testcontainers/testcontainers-go/modules/redis"
	"github.com/testcontainers/testcontainers-go/wait"
	"go.uber.org/zap"
)

const (
	testGenerationQueue = "test_chapter_generation_tasks"
	testResolutionQueue = "test_resolution_rendering_tasks"
)

// integrationDefinition - трехглавная история для прогона через весь стек:
// c1 -> (ch_a | ch_b) -> c2 -> ch_c -> c3 с концовкой e1. На ch_a висит
// отложенное последствие с персонажем из реестра, на ch_c - немедленное.
const integrationDefinition = `{
  "startChapterId": "c1",
  "chapters": [
    {"id": "c1", "title": "Завязка", "content": "Путник выходит из деревни."},
    {"id": "c2", "title": "Развитие", "content": "Дорога приводит к городским стенам."},
    {"id": "c3", "title": "Финал", "content": "Город открывает ворота."}
  ],
  "choicePoints": [
    {
      "id": "p1", "chapterId": "c1", "positionInChapter": "end",
      "choiceType": "binary", "affectsEnding": false,
      "choices": [
        {
          "id": "ch_a", "text": "Через лес", "leadsToChapter": "c2",
          "consequences": [
            {"id": "q1", "type": "delayed", "description": "Лесная тропа запомнит гостя",
             "affectsCharacter": "Мира", "magnitude": "moderate"}
          ],
          "characterImpacts": [{"characterName": "Мира", "relationshipChange": 2, "trustChange": 1}],
          "emotionalTone": "hopeful"
        },
        {"id": "ch_b", "text": "Вдоль реки", "leadsToChapter": "c2", "emotionalTone": "neutral"}
      ]
    },
    {
      "id": "p2", "chapterId": "c2", "positionInChapter": "end",
      "choiceType": "consequential", "affectsEnding": true,
      "choices": [
        {
          "id": "ch_c", "text": "Войти в город", "leadsToChapter": "c3",
          "consequences": [
            {"id": "q2", "type": "immediate", "description": "Стража запоминает лицо", "magnitude": "minor"}
          ]
        }
      ]
    }
  ],
  "endings": [{"id": "e1", "chapterId": "c3", "endingType": "open", "rarity": "common"}],
  "pathConnections": [
    {"fromChapter": "c1", "toChapter": "c2", "viaChoice": "ch_a"},
    {"fromChapter": "c1", "toChapter": "c2", "viaChoice": "ch_b"},
    {"fromChapter": "c2", "toChapter": "c3", "viaChoice": "ch_c"}
  ],
  "characters": [{"name": "Мира", "description": "Проводница"}]
}`

// IntegrationTestSuite гоняет HTTP-поверхность против настоящих Postgres,
// Redis и RabbitMQ в контейнерах.
type IntegrationTestSuite struct {
	suite.Suite
	ctx context.Context

	pgContainer  *postgres.PostgresContainer
	rmqContainer *rabbitmq.RabbitMQContainer
	rdContainer  *tcredis.RedisContainer

	dbPool      *pgxpool.Pool
	redisClient *redis.Client
	rabbitConn  *amqp.Connection
	rmqURL      string

	testServer *httptest.Server
	serverURL  string

	taskMessages  chan amqp.Delivery
	stopConsumer  chan struct{}
	consumerReady chan struct{}
}

func (s *IntegrationTestSuite) SetupSuite() {
	s.ctx = context.Background()
	s.taskMessages = make(chan amqp.Delivery, 20)
	s.stopConsumer = make(chan struct{})
	s.consumerReady = make(chan struct{})

	// --- Запуск Postgres ---
	pgContainer, err := postgres.Run(s.ctx,
		"postgres:15-alpine",
		postgres.WithDatabase("choicebook_test"),
		postgres.WithUsername("choicebook"),
		postgres.WithPassword("choicebook"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).WithStartupTimeout(5*time.Minute),
		),
	)
	require.NoError(s.T(), err, "Failed to start postgres container")
	s.pgContainer = pgContainer
	pgConnStr, err := pgContainer.ConnectionString(s.ctx, "sslmode=disable")
	require.NoError(s.T(), err)

	// --- Запуск RabbitMQ ---
	rmqContainer, err := rabbitmq.Run(s.ctx,
		"rabbitmq:3-management-alpine",
		testcontainers.WithWaitStrategy(
			wait.ForLog("Server startup complete"),
		),
	)
	require.NoError(s.T(), err, "Failed to start rabbitmq container")
	s.rmqContainer = rmqContainer
	s.rmqURL, err = rmqContainer.AmqpURL(s.ctx)
	require.NoError(s.T(), err)

	// --- Запуск Redis ---
	rdContainer, err := tcredis.Run(s.ctx,
		"docker.io/redis:7-alpine",
		testcontainers.WithWaitStrategy(
			wait.ForLog("* Ready to accept connections").
				WithOccurrence(1).WithStartupTimeout(1*time.Minute),
		),
	)
	require.NoError(s.T(), err, "Failed to start redis container")
	s.rdContainer = rdContainer
	redisHost, err := rdContainer.Host(s.ctx)
	require.NoError(s.T(), err)
	redisPort, err := rdContainer.MappedPort(s.ctx, "6379/tcp")
	require.NoError(s.T(), err)

	// --- Подключение к БД и миграции из встроенных файлов ---
	s.dbPool, err = pgxpool.New(s.ctx, pgConnStr)
	require.NoError(s.T(), err, "Failed to connect to test postgres")
	require.NoError(s.T(), migration.NewMigrator(s.dbPool, migrations.FS, ".").Up(), "Failed to apply migrations")

	// --- Подключение к Redis ---
	s.redisClient = redis.NewClient(&redis.Options{Addr: fmt.Sprintf("%s:%s", redisHost, redisPort.Port())})
	require.NoError(s.T(), s.redisClient.Ping(s.ctx).Err(), "Failed to connect to test redis")

	// --- Подключение к RabbitMQ и паблишеры ---
	s.rabbitConn, err = amqp.Dial(s.rmqURL)
	require.NoError(s.T(), err, "Failed to connect to test rabbitmq")

	nopLogger := zap.NewNop()
	taskPublisher, err := messaging.NewRabbitMQGenerationTaskPublisher(s.rabbitConn, testGenerationQueue, nopLogger)
	require.NoError(s.T(), err)
	resolutionNotifier, err := messaging.NewRabbitMQResolutionNotifier(s.rabbitConn, testResolutionQueue, nopLogger)
	require.NoError(s.T(), err)

	// Тестовый консьюмер стартует после паблишера: очередь с DLX-аргументами
	// уже объявлена, повторное объявление с другими аргументами уронило бы канал.
	log.Println("Starting test task consumer goroutine...")
	go s.runTaskConsumer(s.rmqURL, testGenerationQueue)

	log.Println("Waiting for test task consumer to be ready...")
	select {
	case <-s.consumerReady:
		log.Println("Test task consumer is ready.")
	case <-time.After(15 * time.Second): // Таймаут ожидания готовности консьюмера
		s.T().Fatal("Timeout waiting for test task consumer to become ready")
	}

	// --- Репозитории, движки, сервисы: та же сборка, что в cmd/server ---
	structureRepo := database.NewPgChoiceStructureRepository(s.dbPool, nopLogger)
	pathRepo := database.NewPgReaderPathRepository(s.dbPool, nopLogger)
	reportRepo := database.NewPgAnalysisReportRepository(s.dbPool, nopLogger)
	sessionCache := database.NewRedisSessionCache(s.redisClient, 30*time.Minute, nopLogger)
	structureCache := structure.NewCache()

	validator := validation.NewEngine(validation.Config{}, nopLogger)
	pathTracker := tracker.NewTracker(tracker.Config{}, consequence.NewEngine(nopLogger), nopLogger)
	analyticsEngine := analytics.NewEngine(analytics.Config{}, nopLogger)

	hub := ws.NewSessionHub(nopLogger)

	structureService := service.NewStructureService(s.dbPool, s.dbPool, structureRepo, validator, structureCache, taskPublisher, nopLogger)
	readingService := service.NewReadingService(s.dbPool, pathRepo, structureRepo, structureCache, sessionCache, pathTracker, resolutionNotifier, hub, nopLogger)
	analyticsService := service.NewAnalyticsService(s.dbPool, structureRepo, pathRepo, reportRepo, structureCache, analyticsEngine, nopLogger)

	e := echo.New()
	handler.NewStoryHandler(structureService, readingService, analyticsService, nopLogger).RegisterRoutes(e)
	e.GET("/ws/sessions/:session_id", ws.NewHandler(hub, readingService, nopLogger).ServeSession)

	s.testServer = httptest.NewServer(e)
	s.serverURL = s.testServer.URL
	log.Printf("Test server running at: %s", s.serverURL)
}

// TearDownSuite запускается один раз после всех тестов
func (s *IntegrationTestSuite) TearDownSuite() {
	// Останавливаем тестовый консьюмер
	if s.stopConsumer != nil {
		close(s.stopConsumer)
	}
	if s.testServer != nil {
		s.testServer.Close()
	}
	if s.dbPool != nil {
		s.dbPool.Close()
	}
	if s.redisClient != nil {
		s.redisClient.Close()
	}
	if s.rabbitConn != nil {
		s.rabbitConn.Close()
	}
	if s.pgContainer != nil {
		require.NoError(s.T(), s.pgContainer.Terminate(s.ctx))
	}
	if s.rmqContainer != nil {
		require.NoError(s.T(), s.rmqContainer.Terminate(s.ctx))
	}
	if s.rdContainer != nil {
		require.NoError(s.T(), s.rdContainer.Terminate(s.ctx))
	}
	log.Println("Integration test suite torn down.")
}

// runTaskConsumer - горутина, которая слушает тестовую очередь задач генерации
// и пересылает доставки в канал для проверок. Очередь не объявляет: паблишер
// уже создал ее с DLX-аргументами, несовпадающее повторное объявление закрыло
// бы канал с PRECONDITION_FAILED.
func (s *IntegrationTestSuite) runTaskConsumer(amqpURL, queueName string) {
	defer close(s.consumerReady) // Закрываем канал при выходе, чтобы SetupSuite не блокировался вечно при ошибке

	// Повторное подключение, т.к. основное соединение может закрыться раньше горутины
	conn, err := amqp.Dial(amqpURL)
	if err != nil {
		log.Printf("!!! Test Consumer Error: failed to connect to RabbitMQ: %v", err)
		return
	}
	defer conn.Close()

	ch, err := conn.Channel()
	if err != nil {
		log.Printf("!!! Test Consumer Error: failed to open channel: %v", err)
		return
	}
	defer ch.Close()

	msgs, err := ch.Consume(queueName, "test-consumer", true, false, false, false, nil) // autoAck=true для простоты
	if err != nil {
		log.Printf("!!! Test Consumer Error: failed to register consumer: %v", err)
		return
	}
	log.Printf("[*] Test consumer started consuming queue '%s'. Signaling readiness.", queueName)
	s.consumerReady <- struct{}{}

	for {
		select {
		case msg, ok := <-msgs:
			if !ok {
				log.Println("[*] Test consumer channel closed.")
				return
			}
			s.taskMessages <- msg
		case <-s.stopConsumer:
			log.Println("[*] Test consumer stopping.")
			return
		}
	}
}

// --- Вспомогательные обертки над HTTP ---

func (s *IntegrationTestSuite) doJSON(method, path, body string) (*http.Response, []byte) {
	var reader io.Reader
	if body != "" {
		reader = bytes.NewBufferString(body)
	}
	req, err := http.NewRequest(method, s.serverURL+path, reader)
	require.NoError(s.T(), err)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := http.DefaultClient.Do(req)
	require.NoError(s.T(), err)
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	require.NoError(s.T(), err)
	return resp, raw
}

// activateStory прогоняет историю через черновик и активацию, возвращая storyID.
func (s *IntegrationTestSuite) activateStory() uuid.UUID {
	storyID := uuid.New()

	resp, raw := s.doJSON(http.MethodPost,
		fmt.Sprintf("/stories/%s/structure/drafts", storyID),
		fmt.Sprintf(`{"definition": %s}`, integrationDefinition))
	require.Equal(s.T(), http.StatusCreated, resp.StatusCode, "draft submit failed: %s", raw)

	var draft handler.SubmitDraftResponse
	require.NoError(s.T(), json.Unmarshal(raw, &draft))
	require.True(s.T(), draft.Validation.IsValid, "fixture structure must validate cleanly: %s", raw)

	resp, raw = s.doJSON(http.MethodPost,
		fmt.Sprintf("/stories/%s/structure/versions/%d/activate", storyID, draft.Version), "")
	require.Equal(s.T(), http.StatusNoContent, resp.StatusCode, "activate failed: %s", raw)
	return storyID
}

// startReading открывает сессию и возвращает ее разобранный ответ.
func (s *IntegrationTestSuite) startReading(storyID uuid.UUID) handler.SessionResponse {
	body := fmt.Sprintf(`{"userId": "%s", "storyId": "%s"}`, uuid.New(), storyID)
	resp, raw := s.doJSON(http.MethodPost, "/sessions", body)
	require.Equal(s.T(), http.StatusCreated, resp.StatusCode, "start session failed: %s", raw)

	var session handler.SessionResponse
	require.NoError(s.T(), json.Unmarshal(raw, &session))
	return session
}

func (s *IntegrationTestSuite) makeChoice(sessionID, pointID, choiceID string) (*http.Response, handler.MakeChoiceResponse, []byte) {
	body := fmt.Sprintf(`{"choicePointId": "%s", "choiceId": "%s", "decisionTimeSeconds": 4.5}`, pointID, choiceID)
	resp, raw := s.doJSON(http.MethodPost, "/sessions/"+sessionID+"/choices", body)

	var result handler.MakeChoiceResponse
	if resp.StatusCode == http.StatusOK {
		require.NoError(s.T(), json.Unmarshal(raw, &result))
	}
	return resp, result, raw
}

func (s *IntegrationTestSuite) sessionCached(sessionID string) bool {
	n, err := s.redisClient.Exists(s.ctx, "session:"+sessionID).Result()
	require.NoError(s.T(), err)
	return n == 1
}

// --- Тесты ---

func (s *IntegrationTestSuite) TestStructureVersionLifecycle() {
	t := s.T()
	storyID := uuid.New()

	// До первого черновика активной версии нет.
	resp, _ := s.doJSON(http.MethodGet, fmt.Sprintf("/stories/%s/structure/active", storyID), "")
	require.Equal(t, http.StatusNotFound, resp.StatusCode)

	// Черновик сохраняется первой версией и сразу возвращает отчет валидации.
	resp, raw := s.doJSON(http.MethodPost,
		fmt.Sprintf("/stories/%s/structure/drafts", storyID),
		fmt.Sprintf(`{"definition": %s}`, integrationDefinition))
	require.Equal(t, http.StatusCreated, resp.StatusCode, "draft submit failed: %s", raw)

	var draft handler.SubmitDraftResponse
	require.NoError(t, json.Unmarshal(raw, &draft))
	assert.Equal(t, 1, draft.Version)
	assert.Equal(t, string(models.StructureStatusDraft), draft.Status)
	assert.True(t, draft.Validation.IsValid)
	assert.Empty(t, draft.Validation.Errors)

	// Черновик не обслуживает читателей, пока его не активировали.
	resp, _ = s.doJSON(http.MethodGet, fmt.Sprintf("/stories/%s/structure/active", storyID), "")
	require.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, raw = s.doJSON(http.MethodPost,
		fmt.Sprintf("/stories/%s/structure/versions/1/activate", storyID), "")
	require.Equal(t, http.StatusNoContent, resp.StatusCode, "activate failed: %s", raw)

	resp, raw = s.doJSON(http.MethodGet, fmt.Sprintf("/stories/%s/structure/active", storyID), "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var active handler.StructureVersionDetail
	require.NoError(t, json.Unmarshal(raw, &active))
	assert.Equal(t, 1, active.Version)
	assert.Equal(t, string(models.StructureStatusActive), active.Status)
	assert.NotEmpty(t, active.Definition)

	// Вторая редакция появляется рядом черновиком, активная не меняется.
	resp, raw = s.doJSON(http.MethodPost,
		fmt.Sprintf("/stories/%s/structure/drafts", storyID),
		fmt.Sprintf(`{"definition": %s}`, integrationDefinition))
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var second handler.SubmitDraftResponse
	require.NoError(t, json.Unmarshal(raw, &second))
	assert.Equal(t, 2, second.Version)

	resp, raw = s.doJSON(http.MethodGet, fmt.Sprintf("/stories/%s/structure/versions", storyID), "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var versions []handler.StructureVersionSummary
	require.NoError(t, json.Unmarshal(raw, &versions))
	require.Len(t, versions, 2)

	// Повторная проверка сохраненной версии.
	resp, raw = s.doJSON(http.MethodPost,
		fmt.Sprintf("/stories/%s/structure/versions/2/validate", storyID), "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var report models.ChoiceValidation
	require.NoError(t, json.Unmarshal(raw, &report))
	assert.True(t, report.IsValid)

	// Черновик удаляется, активная версия остается.
	resp, _ = s.doJSON(http.MethodDelete, fmt.Sprintf("/stories/%s/structure/versions/2", storyID), "")
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp, raw = s.doJSON(http.MethodGet, fmt.Sprintf("/stories/%s/structure/versions", storyID), "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	versions = versions[:0]
	require.NoError(t, json.Unmarshal(raw, &versions))
	require.Len(t, versions, 1)
	assert.Equal(t, 1, versions[0].Version)
}

func (s *IntegrationTestSuite) TestReadingFlowToEnding() {
	t := s.T()
	storyID := s.activateStory()

	session := s.startReading(storyID)
	assert.Equal(t, "c1", session.Chapter.ID)
	assert.Equal(t, string(models.PathStatusActive), session.Status)
	assert.Equal(t, 0, session.PathCompletion)
	assert.Equal(t, 1, session.PlaythroughCount)
	require.Len(t, session.AvailableChoices, 1)
	assert.Equal(t, "p1", session.AvailableChoices[0].ID)
	assert.True(t, s.sessionCached(session.SessionID), "active session must be cached")

	// Первый ход: переход в c2, отложенное последствие еще зреет.
	resp, result, raw := s.makeChoice(session.SessionID, "p1", "ch_a")
	require.Equal(t, http.StatusOK, resp.StatusCode, "make choice failed: %s", raw)
	assert.Equal(t, "c2", result.Chapter.ID)
	assert.Equal(t, 50, result.PathCompletion)
	assert.False(t, result.Completed)
	assert.Empty(t, result.Resolutions)
	assert.True(t, s.sessionCached(session.SessionID))

	// Второй ход достигает концовки: немедленное последствие ch_c и
	// принудительно созревшее отложенное ch_a всплывают вместе.
	resp, result, raw = s.makeChoice(session.SessionID, "p2", "ch_c")
	require.Equal(t, http.StatusOK, resp.StatusCode, "final choice failed: %s", raw)
	assert.True(t, result.Completed)
	assert.Equal(t, "c3", result.Chapter.ID)
	assert.Equal(t, 100, result.PathCompletion)
	assert.Equal(t, string(models.PathStatusCompleted), result.Status)
	require.NotNil(t, result.Ending)
	assert.Equal(t, "e1", result.Ending.ID)
	assert.Contains(t, result.DiscoveredEndings, "e1")

	require.Len(t, result.Resolutions, 2)
	byConsequence := make(map[string]models.Resolution, len(result.Resolutions))
	for _, res := range result.Resolutions {
		byConsequence[res.ConsequenceID] = res
	}
	require.Contains(t, byConsequence, "q1")
	require.Contains(t, byConsequence, "q2")
	assert.Equal(t, models.ResolutionPositive, byConsequence["q1"].Type)
	assert.Equal(t, models.ResolutionMixed, byConsequence["q2"].Type)
	assert.Equal(t, "c3", byConsequence["q1"].ResolvedAtChapter)

	// Завершенная сессия выпадает из кеша и отклоняет дальнейшие ходы.
	assert.False(t, s.sessionCached(session.SessionID), "completed session must leave the cache")
	resp, _, _ = s.makeChoice(session.SessionID, "p2", "ch_c")
	require.Equal(t, http.StatusConflict, resp.StatusCode)

	// Состояние по-прежнему читается из базы.
	resp, raw = s.doJSON(http.MethodGet, "/sessions/"+session.SessionID, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var final handler.SessionResponse
	require.NoError(t, json.Unmarshal(raw, &final))
	assert.Equal(t, string(models.PathStatusCompleted), final.Status)
	assert.NotNil(t, final.SessionEnd)
}

func (s *IntegrationTestSuite) TestSessionExplicitEnd() {
	t := s.T()
	storyID := s.activateStory()
	session := s.startReading(storyID)

	resp, _, raw := s.makeChoice(session.SessionID, "p1", "ch_b")
	require.Equal(t, http.StatusOK, resp.StatusCode, "make choice failed: %s", raw)

	resp, raw = s.doJSON(http.MethodPost, "/sessions/"+session.SessionID+"/end", "")
	require.Equal(t, http.StatusOK, resp.StatusCode, "end session failed: %s", raw)
	var ended handler.EndSessionResponse
	require.NoError(t, json.Unmarshal(raw, &ended))
	assert.Equal(t, string(models.PathStatusAbandoned), ended.Status)
	assert.Equal(t, 50, ended.PathCompletion)
	require.NotNil(t, ended.SessionEnd)
	assert.False(t, s.sessionCached(session.SessionID))

	// Повторное закрытие и ходы по закрытой сессии дают конфликт.
	resp, _ = s.doJSON(http.MethodPost, "/sessions/"+session.SessionID+"/end", "")
	require.Equal(t, http.StatusConflict, resp.StatusCode)
	resp, _, _ = s.makeChoice(session.SessionID, "p2", "ch_c")
	require.Equal(t, http.StatusConflict, resp.StatusCode)
}

func (s *IntegrationTestSuite) TestGenerationTaskQueue() {
	t := s.T()
	storyID := s.activateStory()

	resp, raw := s.doJSON(http.MethodPost,
		fmt.Sprintf("/stories/%s/structure/generate", storyID),
		`{"taskType": "chapter", "fromChapter": "c2", "choiceCount": 2}`)
	require.Equal(t, http.StatusAccepted, resp.StatusCode, "generation request failed: %s", raw)

	var accepted handler.GenerateStructureResponse
	require.NoError(t, json.Unmarshal(raw, &accepted))
	taskID, err := uuid.Parse(accepted.TaskID)
	require.NoError(t, err)

	// Задача должна доехать до очереди с разрешенной активной версией.
	select {
	case msg := <-s.taskMessages:
		var payload models.ChapterGenerationTaskPayload
		require.NoError(t, json.Unmarshal(msg.Body, &payload))
		assert.Equal(t, taskID, payload.TaskID)
		assert.Equal(t, storyID, payload.StoryID)
		assert.Equal(t, 1, payload.BaseVersion)
		assert.Equal(t, models.GenerationTaskChapter, payload.TaskType)
		assert.Equal(t, "c2", payload.FromChapter)
		assert.Equal(t, 2, payload.ChoiceCount)
	case <-time.After(10 * time.Second):
		t.Fatal("Timeout waiting for generation task in queue")
	}

	// Источник, которого нет в базовой версии, отклоняется до публикации.
	resp, _ = s.doJSON(http.MethodPost,
		fmt.Sprintf("/stories/%s/structure/generate", storyID),
		`{"taskType": "chapter", "fromChapter": "c99"}`)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func (s *IntegrationTestSuite) TestAnalyticsReportLifecycle() {
	t := s.T()
	storyID := s.activateStory()

	// Один полный проход до концовки.
	session := s.startReading(storyID)
	resp, _, raw := s.makeChoice(session.SessionID, "p1", "ch_a")
	require.Equal(t, http.StatusOK, resp.StatusCode, "make choice failed: %s", raw)
	resp, _, raw = s.makeChoice(session.SessionID, "p2", "ch_c")
	require.Equal(t, http.StatusOK, resp.StatusCode, "final choice failed: %s", raw)

	resp, raw = s.doJSON(http.MethodPost, fmt.Sprintf("/stories/%s/analytics/recompute", storyID), "")
	require.Equal(t, http.StatusOK, resp.StatusCode, "recompute failed: %s", raw)

	var report models.PathAnalysisReport
	require.NoError(t, json.Unmarshal(raw, &report))
	assert.Equal(t, storyID, report.StoryID)
	assert.Equal(t, 1, report.StructureVersion)
	assert.Equal(t, 1, report.TotalPaths)
	assert.Equal(t, 1, report.EndingDistribution["e1"])
	assert.Equal(t, 1, report.ReaderStats.TotalSessions)
	assert.Equal(t, 1, report.ReaderStats.UniqueReaders)
	assert.NotEmpty(t, report.ChoiceStats)

	// Снапшот сохранился и отдается дашбордам.
	resp, raw = s.doJSON(http.MethodGet, fmt.Sprintf("/stories/%s/analytics/report", storyID), "")
	require.Equal(t, http.StatusOK, resp.StatusCode, "report fetch failed: %s", raw)
	var snapshot handler.AnalysisReportResponse
	require.NoError(t, json.Unmarshal(raw, &snapshot))
	assert.Equal(t, storyID.String(), snapshot.StoryID)
	assert.Equal(t, 1, snapshot.StructureVersion)
	assert.NotEmpty(t, snapshot.Report)
	assert.False(t, snapshot.GeneratedAt.IsZero())
}

func (s *IntegrationTestSuite) TestWebSocketSessionEvents() {
	t := s.T()
	storyID := s.activateStory()
	session := s.startReading(storyID)

	wsURL := "ws" + strings.TrimPrefix(s.serverURL, "http") + "/ws/sessions/" + session.SessionID
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err, "failed to open session event stream")
	defer conn.Close()

	// Рукопожатие завершается раньше, чем хаб регистрирует клиента.
	// Даем регистрации пройти, прежде чем порождать события.
	time.Sleep(200 * time.Millisecond)

	resp, _, raw := s.makeChoice(session.SessionID, "p1", "ch_a")
	require.Equal(t, http.StatusOK, resp.StatusCode, "make choice failed: %s", raw)
	resp, _, raw = s.makeChoice(session.SessionID, "p2", "ch_c")
	require.Equal(t, http.StatusOK, resp.StatusCode, "final choice failed: %s", raw)

	// Собираем события до ending_reached: переходы глав, разрешения
	// последствий и сама концовка идут отдельными кадрами.
	events := make(map[models.SessionEventType]models.SessionEvent)
	deadline := time.Now().Add(10 * time.Second)
	for {
		require.NoError(t, conn.SetReadDeadline(deadline))
		_, frame, err := conn.ReadMessage()
		require.NoError(t, err, "expected session event before deadline")

		var event models.SessionEvent
		require.NoError(t, json.Unmarshal(frame, &event))
		events[event.Type] = event
		if event.Type == models.EventEndingReached {
			break
		}
	}

	transition, ok := events[models.EventChapterTransition]
	require.True(t, ok, "chapter transition event missing")
	assert.Equal(t, session.SessionID, transition.SessionID.String())

	resolved, ok := events[models.EventConsequencesResolved]
	require.True(t, ok, "consequences resolved event missing")
	assert.NotEmpty(t, resolved.Resolutions)

	ending := events[models.EventEndingReached]
	assert.Equal(t, "e1", ending.EndingID)
	assert.Equal(t, 100, ending.PathCompletion)
}

func TestIntegrationSuite(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration tests in short mode.")
	}
	suite.Run(t, new(IntegrationTestSuite))
}
