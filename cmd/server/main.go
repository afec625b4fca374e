package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"choicebook-server/internal/analytics"
	"choicebook-server/internal/config"
	"choicebook-server/internal/consequence"
	"choicebook-server/internal/database"
	"choicebook-server/internal/handler"
	"choicebook-server/internal/logger"
	"choicebook-server/internal/messaging"
	customMiddleware "choicebook-server/internal/middleware"
	"choicebook-server/internal/service"
	"choicebook-server/internal/structure"
	"choicebook-server/internal/tracker"
	"choicebook-server/internal/validation"
	"choicebook-server/internal/worker"
	"choicebook-server/internal/ws"
	"choicebook-server/migrations"
	"choicebook-server/pkg/migration"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/labstack/echo/v4"
	echoMiddleware "github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

func main() {
	_ = godotenv.Load()
	log.Println("Запуск Choicebook Server...")

	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Ошибка загрузки конфигурации: %v", err)
	}

	zapLogger, err := logger.New(logger.Config{Level: cfg.LogLevel})
	if err != nil {
		log.Fatalf("Не удалось инициализировать логгер: %v", err)
	}
	defer zapLogger.Sync()
	zapLogger.Info("Logger initialized", zap.String("logLevel", cfg.LogLevel))

	// Подключение к PostgreSQL
	dbPool, err := setupDatabase(cfg)
	if err != nil {
		zapLogger.Fatal("Не удалось подключиться к БД", zap.Error(err))
	}
	defer dbPool.Close()
	zapLogger.Info("Успешное подключение к PostgreSQL")

	// Миграции схемы накатываются при старте из встроенных файлов.
	if err := migration.NewMigrator(dbPool, migrations.FS, ".").Up(); err != nil {
		zapLogger.Fatal("Не удалось применить миграции схемы", zap.Error(err))
	}

	// Подключение к Redis (кеш активных сессий)
	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	defer redisClient.Close()
	pingCtx, pingCancel := context.WithTimeout(context.Background(), 5*time.Second)
	if err := redisClient.Ping(pingCtx).Err(); err != nil {
		pingCancel()
		zapLogger.Fatal("Не удалось подключиться к Redis", zap.Error(err))
	}
	pingCancel()
	zapLogger.Info("Успешное подключение к Redis", zap.String("addr", cfg.RedisAddr))

	// Подключение к RabbitMQ
	rabbitConn, err := connectRabbitMQ(cfg.RabbitMQURL, zapLogger)
	if err != nil {
		zapLogger.Fatal("Не удалось подключиться к RabbitMQ", zap.Error(err))
	}
	defer rabbitConn.Close()
	zapLogger.Info("Успешное подключение к RabbitMQ")

	taskPublisher, err := messaging.NewRabbitMQGenerationTaskPublisher(rabbitConn, cfg.GenerationTaskQueue, zapLogger)
	if err != nil {
		zapLogger.Fatal("Не удалось создать паблишер задач генерации", zap.Error(err))
	}
	resolutionNotifier, err := messaging.NewRabbitMQResolutionNotifier(rabbitConn, cfg.ResolutionTaskQueue, zapLogger)
	if err != nil {
		zapLogger.Fatal("Не удалось создать нотификатор разрешений", zap.Error(err))
	}

	// Репозитории и кеши
	structureRepo := database.NewPgChoiceStructureRepository(dbPool, zapLogger)
	pathRepo := database.NewPgReaderPathRepository(dbPool, zapLogger)
	reportRepo := database.NewPgAnalysisReportRepository(dbPool, zapLogger)
	sessionCache := database.NewRedisSessionCache(redisClient, cfg.SessionTTL, zapLogger)
	structureCache := structure.NewCache()

	// Доменные движки
	validator := validation.NewEngine(validation.Config{
		MaxChoicesPerPoint:   cfg.MaxChoicesPerPoint,
		BranchImbalanceRatio: cfg.BranchImbalanceRatio,
	}, zapLogger)
	pathTracker := tracker.NewTracker(tracker.Config{
		StepWeightOverride: float64(cfg.StepWeightOverride),
	}, consequence.NewEngine(zapLogger), zapLogger)
	analyticsEngine := analytics.NewEngine(analytics.Config{
		CompletionThreshold: cfg.CompletionThreshold,
		HardTimeSeconds:     cfg.HardTimeSeconds,
		HardCompletionRate:  cfg.HardCompletionRate,
		ModerateTimeSeconds: cfg.ModerateTimeSeconds,
		ModerateCompletion:  cfg.ModerateCompletionRate,
		SelectionWeight:     cfg.SelectionWeight,
		CompletionWeight:    cfg.CompletionWeight,
		SatisfactionWeight:  cfg.SatisfactionWeight,
		TopClusters:         cfg.TopClusterCount,
		Workers:             cfg.AnalyticsWorkers,
	}, zapLogger)

	// WebSocket-хаб и сервисы
	hub := ws.NewSessionHub(zapLogger)

	structureService := service.NewStructureService(dbPool, dbPool, structureRepo, validator, structureCache, taskPublisher, zapLogger)
	readingService := service.NewReadingService(dbPool, pathRepo, structureRepo, structureCache, sessionCache, pathTracker, resolutionNotifier, hub, zapLogger)
	analyticsService := service.NewAnalyticsService(dbPool, structureRepo, pathRepo, reportRepo, structureCache, analyticsEngine, zapLogger)

	rootCtx, rootCancel := context.WithCancel(context.Background())
	defer rootCancel()

	// Консьюмер событий от воркера генерации
	eventConsumer := messaging.NewSessionEventConsumer(rabbitConn, cfg.SessionEventQueue, hub, zapLogger)
	go func() {
		zapLogger.Info("Запуск консьюмера событий сессий...")
		if err := eventConsumer.StartConsuming(rootCtx); err != nil {
			zapLogger.Error("Консьюмер событий сессий завершился с ошибкой", zap.Error(err))
		}
	}()

	// Фоновая уборка простаивающих сессий
	sweeper := worker.NewAbandonmentSweeper(dbPool, pathRepo, sessionCache, cfg.IdleTimeout, cfg.SweepInterval, zapLogger)
	go sweeper.Start(rootCtx)

	// Настройка Echo
	e := echo.New()
	e.Use(customMiddleware.EchoZapLogger(zapLogger))
	e.Use(echoMiddleware.Recover())
	e.Use(echoMiddleware.CORSWithConfig(echoMiddleware.CORSConfig{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions},
		AllowHeaders: []string{echo.HeaderOrigin, echo.HeaderContentType, echo.HeaderAccept},
	}))

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	})
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	storyHandler := handler.NewStoryHandler(structureService, readingService, analyticsService, zapLogger)
	storyHandler.RegisterRoutes(e)

	wsHandler := ws.NewHandler(hub, readingService, zapLogger)
	e.GET("/ws/sessions/:session_id", wsHandler.ServeSession)

	// Запуск HTTP сервера
	go func() {
		zapLogger.Info("HTTP сервер слушает", zap.String("port", cfg.Port))
		if err := e.Start(":" + cfg.Port); err != nil && err != http.ErrServerClosed {
			zapLogger.Fatal("Ошибка запуска HTTP сервера", zap.Error(err))
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	zapLogger.Info("Получен сигнал завершения, начинаем graceful shutdown...")

	sweeper.Stop()
	eventConsumer.Stop()
	rootCancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		zapLogger.Error("Ошибка при graceful shutdown Echo", zap.Error(err))
	}

	log.Println("Choicebook Server успешно остановлен")
}

// setupDatabase инициализирует и возвращает пул соединений с БД
func setupDatabase(cfg *config.Config) (*pgxpool.Pool, error) {
	dsn := cfg.GetDSN()
	poolConfig, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("ошибка парсинга DSN: %w", err)
	}
	poolConfig.MaxConns = int32(cfg.DBMaxConns)
	poolConfig.MaxConnIdleTime = cfg.DBIdleTimeout

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	dbPool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("не удалось создать пул соединений: %w", err)
	}
	if err = dbPool.Ping(ctx); err != nil {
		dbPool.Close()
		return nil, fmt.Errorf("не удалось подключиться к БД (ping failed): %w", err)
	}
	return dbPool, nil
}

// connectRabbitMQ пытается подключиться к RabbitMQ с несколькими попытками
func connectRabbitMQ(url string, logger *zap.Logger) (*amqp.Connection, error) {
	var conn *amqp.Connection
	var err error
	maxRetries := 5
	retryDelay := 5 * time.Second
	for i := 0; i < maxRetries; i++ {
		conn, err = amqp.Dial(url)
		if err == nil {
			return conn, nil
		}
		logger.Warn("Не удалось подключиться к RabbitMQ",
			zap.Int("attempt", i+1),
			zap.Int("max_attempts", maxRetries),
			zap.Duration("retry_delay", retryDelay),
			zap.Error(err),
		)
		time.Sleep(retryDelay)
	}
	return nil, err
}
