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

	"choicebook-server/internal/config"
	"choicebook-server/internal/database"
	"choicebook-server/internal/generation"
	"choicebook-server/internal/logger"
	"choicebook-server/internal/messaging"
	"choicebook-server/internal/validation"
	"choicebook-server/internal/worker"
	"choicebook-server/migrations"
	"choicebook-server/pkg/migration"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

// Порт для метрик Prometheus и health-проверки воркера
const metricsPort = "9091"

func main() {
	_ = godotenv.Load()
	log.Println("Запуск воркера генерации структур...")

	cfg, err := config.LoadWorkerConfig()
	if err != nil {
		log.Fatalf("Ошибка загрузки конфигурации: %v", err)
	}

	zapLogger, err := logger.New(logger.Config{Level: cfg.LogLevel})
	if err != nil {
		log.Fatalf("Не удалось инициализировать логгер: %v", err)
	}
	defer zapLogger.Sync()
	zapLogger.Info("Logger initialized", zap.String("logLevel", cfg.LogLevel))

	// HTTP-сервер метрик и health-проверки
	metricsServer := startMetricsServer(zapLogger)

	// Подключение к PostgreSQL. Воркер может стартовать раньше базы,
	// поэтому подключение с повторными попытками.
	dbPool, err := setupDatabase(cfg, zapLogger)
	if err != nil {
		zapLogger.Fatal("Не удалось подключиться к БД", zap.Error(err))
	}
	defer dbPool.Close()
	zapLogger.Info("Успешное подключение к PostgreSQL")

	// Схема нужна воркеру независимо от того, стартовал ли уже API-сервер.
	if err := migration.NewMigrator(dbPool, migrations.FS, ".").Up(); err != nil {
		zapLogger.Fatal("Не удалось применить миграции схемы", zap.Error(err))
	}

	// Подключение к RabbitMQ
	rabbitConn, err := connectRabbitMQ(cfg.RabbitMQURL, zapLogger)
	if err != nil {
		zapLogger.Fatal("Не удалось подключиться к RabbitMQ", zap.Error(err))
	}
	defer rabbitConn.Close()
	zapLogger.Info("Успешное подключение к RabbitMQ")

	// Клиент генерации контента (openai или ollama по конфигу)
	generator, err := generation.NewContentGenerator(cfg, zapLogger)
	if err != nil {
		zapLogger.Fatal("Не удалось создать клиент генерации", zap.Error(err))
	}

	eventPublisher, err := messaging.NewRabbitMQSessionEventPublisher(rabbitConn, cfg.SessionEventQueue, zapLogger)
	if err != nil {
		zapLogger.Fatal("Не удалось создать паблишер событий сессий", zap.Error(err))
	}

	validator := validation.NewEngine(validation.Config{
		MaxChoicesPerPoint:   cfg.MaxChoicesPerPoint,
		BranchImbalanceRatio: cfg.BranchImbalanceRatio,
	}, zapLogger)
	structureRepo := database.NewPgChoiceStructureRepository(dbPool, zapLogger)

	genWorker := worker.NewGenerationWorker(cfg, dbPool, structureRepo, generator, validator, eventPublisher, zapLogger)

	rootCtx, rootCancel := context.WithCancel(context.Background())
	defer rootCancel()

	consumer := messaging.NewGenerationTaskConsumer(rabbitConn, cfg.GenerationTaskQueue, genWorker.Handle, zapLogger)
	go func() {
		zapLogger.Info("Запуск консьюмера задач генерации...")
		if err := consumer.StartConsuming(rootCtx); err != nil {
			zapLogger.Error("Консьюмер задач генерации завершился с ошибкой", zap.Error(err))
		}
	}()

	// Выталкивание метрик задач в Pushgateway, если он настроен.
	var pusher *worker.MetricsPusher
	if cfg.PushgatewayURL != "" {
		pusher, err = worker.NewMetricsPusher(cfg.PushgatewayURL, zapLogger)
		if err != nil {
			zapLogger.Warn("Pushgateway недоступен, метрики задач не выталкиваются", zap.Error(err))
			pusher = nil
		} else {
			go pusher.Start(cfg.MetricsPushInterval)
		}
	}

	zapLogger.Info("Воркер готов, ожидание задач", zap.String("queue", cfg.GenerationTaskQueue))

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	zapLogger.Info("Получен сигнал завершения, останавливаем воркер...")

	consumer.Stop()
	if pusher != nil {
		pusher.Stop()
	}
	rootCancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		zapLogger.Error("Ошибка при остановке сервера метрик", zap.Error(err))
	}

	log.Println("Воркер генерации остановлен")
}

// startMetricsServer поднимает HTTP-сервер с /metrics и /health.
// Глобальный реестр отдает метрики клиента генерации, метрики задач
// уходят в Pushgateway отдельным контуром.
func startMetricsServer(logger *zap.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status": "ok"}`))
	})

	server := &http.Server{
		Addr:         ":" + metricsPort,
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("Сервер метрик запущен", zap.String("port", metricsPort))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("Ошибка запуска сервера метрик", zap.Error(err))
		}
	}()

	return server
}

// setupDatabase подключается к PostgreSQL с повторными попытками.
func setupDatabase(cfg *config.Config, logger *zap.Logger) (*pgxpool.Pool, error) {
	dsn := cfg.GetDSN()
	poolConfig, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("ошибка парсинга DSN: %w", err)
	}
	poolConfig.MaxConns = int32(cfg.DBMaxConns)
	poolConfig.MaxConnIdleTime = cfg.DBIdleTimeout

	maxRetries := 50
	retryDelay := 3 * time.Second

	var dbPool *pgxpool.Pool
	for i := 0; i < maxRetries; i++ {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		dbPool, err = pgxpool.NewWithConfig(ctx, poolConfig)
		if err == nil {
			err = dbPool.Ping(ctx)
			if err == nil {
				cancel()
				return dbPool, nil
			}
			dbPool.Close()
		}
		cancel()
		logger.Warn("Не удалось подключиться к PostgreSQL",
			zap.Int("attempt", i+1),
			zap.Int("max_attempts", maxRetries),
			zap.Duration("retry_delay", retryDelay),
			zap.Error(err),
		)
		if i < maxRetries-1 {
			time.Sleep(retryDelay)
		}
	}
	return nil, fmt.Errorf("не удалось подключиться к БД после %d попыток: %w", maxRetries, err)
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
