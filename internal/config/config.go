package config

import (
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Config содержит конфигурацию для Choicebook Server (API и воркер).
type Config struct {
	// Настройки сервера
	Port     string `envconfig:"CHOICEBOOK_SERVER_PORT" default:"8082"`
	LogLevel string `envconfig:"LOG_LEVEL" default:"info"`

	// Настройки PostgreSQL
	DBHost        string        `envconfig:"DB_HOST" required:"true"`
	DBPort        string        `envconfig:"DB_PORT" default:"5432"`
	DBUser        string        `envconfig:"DB_USER" required:"true"`
	DBName        string        `envconfig:"DB_NAME" required:"true"`
	DBSSLMode     string        `envconfig:"DB_SSL_MODE" default:"disable"`
	DBMaxConns    int           `envconfig:"DB_MAX_CONNECTIONS" default:"10"`
	DBIdleTimeout time.Duration `envconfig:"DB_MAX_IDLE_MINUTES" default:"5m"`
	// Секретное поле БЕЗ envconfig тега
	DBPassword string

	// Настройки Redis (кеш активных сессий)
	RedisAddr     string        `envconfig:"REDIS_ADDR" default:"localhost:6379"`
	RedisDB       int           `envconfig:"REDIS_DB" default:"0"`
	RedisPassword string        `envconfig:"REDIS_PASSWORD" default:""`
	SessionTTL    time.Duration `envconfig:"SESSION_CACHE_TTL" default:"30m"`

	// Настройки RabbitMQ
	RabbitMQURL         string `envconfig:"RABBITMQ_URL" required:"true"`
	GenerationTaskQueue string `envconfig:"GENERATION_TASK_QUEUE" default:"chapter_generation_tasks"`
	ResolutionTaskQueue string `envconfig:"RESOLUTION_TASK_QUEUE" default:"resolution_rendering_tasks"`
	SessionEventQueue   string `envconfig:"SESSION_EVENT_QUEUE" default:"session_events"`

	// Настройки генератора контента (нужны только воркеру)
	AIClientType          string        `envconfig:"AI_CLIENT_TYPE" default:"openai"` // openai или ollama
	OpenAIModel           string        `envconfig:"OPENAI_MODEL" default:"gpt-4o"`
	OpenAIBaseURL         string        `envconfig:"OPENAI_BASE_URL" default:""`
	OllamaBaseURL         string        `envconfig:"OLLAMA_BASE_URL" default:"http://localhost:11434"`
	OllamaModel           string        `envconfig:"OLLAMA_MODEL" default:"llama3"`
	GenerationTimeout     time.Duration `envconfig:"GENERATION_TIMEOUT" default:"120s"`
	GenerationMaxAttempts int           `envconfig:"GENERATION_MAX_ATTEMPTS" default:"3"`
	GenerationRetryDelay  time.Duration `envconfig:"GENERATION_BASE_RETRY_DELAY" default:"1s"`
	MetricsPushInterval   time.Duration `envconfig:"METRICS_PUSH_INTERVAL" default:"15s"`
	// Секретное поле БЕЗ envconfig тега
	OpenAIKey string

	// Метрики воркера
	PushgatewayURL string `envconfig:"PUSHGATEWAY_URL" default:""`

	// Трекер путей
	IdleTimeout        time.Duration `envconfig:"SESSION_IDLE_TIMEOUT" default:"30m"`
	SweepInterval      time.Duration `envconfig:"ABANDON_SWEEP_INTERVAL" default:"5m"`
	StepWeightOverride int           `envconfig:"PATH_STEP_WEIGHT" default:"0"` // 0 = вывести из средней глубины структуры.

	// Аналитика: пороги сложности и веса вовлеченности.
	// Конфигурация, а не константы: пороги подстраиваются под историю.
	CompletionThreshold    int     `envconfig:"ANALYTICS_COMPLETION_THRESHOLD" default:"90"`
	HardTimeSeconds        float64 `envconfig:"ANALYTICS_HARD_TIME_SECONDS" default:"60"`
	HardCompletionRate     float64 `envconfig:"ANALYTICS_HARD_COMPLETION_RATE" default:"0.70"`
	ModerateTimeSeconds    float64 `envconfig:"ANALYTICS_MODERATE_TIME_SECONDS" default:"30"`
	ModerateCompletionRate float64 `envconfig:"ANALYTICS_MODERATE_COMPLETION_RATE" default:"0.85"`
	SelectionWeight        float64 `envconfig:"ENGAGEMENT_SELECTION_WEIGHT" default:"0.3"`
	CompletionWeight       float64 `envconfig:"ENGAGEMENT_COMPLETION_WEIGHT" default:"0.4"`
	SatisfactionWeight     float64 `envconfig:"ENGAGEMENT_SATISFACTION_WEIGHT" default:"0.3"`
	TopClusterCount        int     `envconfig:"ANALYTICS_TOP_CLUSTERS" default:"5"`
	AnalyticsWorkers       int     `envconfig:"ANALYTICS_WORKERS" default:"4"`

	// Валидация структуры
	MaxChoicesPerPoint   int     `envconfig:"VALIDATION_MAX_CHOICES" default:"5"`
	BranchImbalanceRatio float64 `envconfig:"VALIDATION_IMBALANCE_RATIO" default:"3.0"`
}

// GetDSN возвращает строку подключения (DSN) для PostgreSQL
func (c *Config) GetDSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s",
		c.DBUser, c.DBPassword, c.DBHost, c.DBPort, c.DBName, c.DBSSLMode)
}

// LoadConfig загружает конфигурацию API-сервера из переменных окружения и секретов.
func LoadConfig() (*Config, error) {
	var cfg Config
	err := envconfig.Process("", &cfg)
	if err != nil {
		return nil, fmt.Errorf("ошибка загрузки конфигурации choicebook-server: %w", err)
	}

	cfg.DBPassword, err = readSecret("db_password")
	if err != nil {
		return nil, err
	}

	log.Printf("Конфигурация Choicebook Server загружена (секреты из файлов):")
	log.Printf("  Port: %s", cfg.Port)
	log.Printf("  LogLevel: %s", cfg.LogLevel)
	log.Printf("  DB DSN: postgres://%s:***@%s:%s/%s?sslmode=%s", cfg.DBUser, cfg.DBHost, cfg.DBPort, cfg.DBName, cfg.DBSSLMode)
	log.Printf("  Redis: %s (db %d)", cfg.RedisAddr, cfg.RedisDB)
	log.Printf("  RabbitMQ URL: %s", cfg.RabbitMQURL)
	log.Printf("  Generation Task Queue: %s", cfg.GenerationTaskQueue)
	log.Printf("  Resolution Task Queue: %s", cfg.ResolutionTaskQueue)
	log.Printf("  Idle Timeout: %v, Sweep Interval: %v", cfg.IdleTimeout, cfg.SweepInterval)

	return &cfg, nil
}

// LoadWorkerConfig загружает конфигурацию воркера генерации: все то же,
// что у сервера, плюс ключ генератора контента, когда выбран openai.
func LoadWorkerConfig() (*Config, error) {
	cfg, err := LoadConfig()
	if err != nil {
		return nil, err
	}

	if strings.ToLower(cfg.AIClientType) == "openai" {
		cfg.OpenAIKey, err = readSecret("openai_api_key")
		if err != nil {
			return nil, err
		}
		log.Println("  OpenAI Key: [ЗАГРУЖЕН]")
	}
	log.Printf("  AI Client: %s", cfg.AIClientType)

	return cfg, nil
}

// readSecret читает секрет из файла в стандартном пути Docker Secrets.
func readSecret(secretName string) (string, error) {
	filePath := fmt.Sprintf("/run/secrets/%s", secretName)
	secretBytes, err := os.ReadFile(filePath)
	if err != nil {
		return "", fmt.Errorf("failed to read secret file %s: %w", filePath, err)
	}
	secret := strings.TrimSpace(string(secretBytes))
	if secret == "" {
		return "", fmt.Errorf("secret file %s is empty", filePath)
	}
	return secret, nil
}
