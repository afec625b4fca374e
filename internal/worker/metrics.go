// Package worker содержит фоновые контуры: обработчик задач генерации
// структуры и сборщик заброшенных сессий.
package worker

import (
	"fmt"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/push"
	"go.uber.org/zap"
)

const pushJobName = "choicebook_generation_worker"

// Метрики воркера живут в приватном реестре: их выталкивает Pushgateway,
// а не скрейпит сервер. Метрики клиента генерации остаются в глобальном
// реестре и видны на /metrics процесса воркера.
var (
	workerRegistry = prometheus.NewRegistry()

	tasksReceived = promauto.With(workerRegistry).NewCounter(
		prometheus.CounterOpts{
			Name: "choicebook_worker_tasks_received_total",
			Help: "Total number of generation tasks received by the worker.",
		},
	)
	tasksFailed = promauto.With(workerRegistry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "choicebook_worker_tasks_failed_total",
			Help: "Total number of generation tasks failed, partitioned by failure reason.",
		},
		[]string{"reason"},
	)
	tasksSucceeded = promauto.With(workerRegistry).NewCounter(
		prometheus.CounterOpts{
			Name: "choicebook_worker_tasks_succeeded_total",
			Help: "Total number of generation tasks that produced a new draft version.",
		},
	)
	taskDuration = promauto.With(workerRegistry).NewHistogram(
		prometheus.HistogramOpts{
			Name:    "choicebook_worker_task_duration_seconds",
			Help:    "End-to-end processing duration of a generation task.",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 10),
		},
	)
	tokensUsed = promauto.With(workerRegistry).NewCounter(
		prometheus.CounterOpts{
			Name: "choicebook_worker_generation_tokens_total",
			Help: "Total number of generation tokens consumed across tasks.",
		},
	)
	sessionsAbandoned = promauto.With(workerRegistry).NewCounter(
		prometheus.CounterOpts{
			Name: "choicebook_worker_sessions_abandoned_total",
			Help: "Total number of idle reading sessions marked as abandoned by the sweeper.",
		},
	)
)

// MetricsPusher периодически выталкивает метрики воркера в Pushgateway.
type MetricsPusher struct {
	pusher      *push.Pusher
	logger      *zap.Logger
	stopChannel chan struct{}
}

// NewMetricsPusher создает pusher и сразу делает пробный push: проблемы
// с адресом Pushgateway должны всплыть на старте, а не после первой задачи.
func NewMetricsPusher(pushgatewayURL string, logger *zap.Logger) (*MetricsPusher, error) {
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}
	instanceID := fmt.Sprintf("%s-%d", hostname, os.Getpid())

	pusher := push.New(pushgatewayURL, pushJobName).
		Gatherer(workerRegistry).
		Grouping("instance", instanceID)

	if err := pusher.Push(); err != nil {
		return nil, fmt.Errorf("пробный push в Pushgateway не прошел: %w", err)
	}

	log := logger.Named("MetricsPusher")
	log.Info("Pushgateway pusher initialized",
		zap.String("url", pushgatewayURL),
		zap.String("job", pushJobName),
		zap.String("instance", instanceID))
	return &MetricsPusher{pusher: pusher, logger: log, stopChannel: make(chan struct{})}, nil
}

// Start запускает периодическую отправку метрик. Запускать в горутине.
func (m *MetricsPusher) Start(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	m.logger.Info("Periodic metrics push started", zap.Duration("interval", interval))

	for {
		select {
		case <-ticker.C:
			if err := m.pusher.Push(); err != nil {
				m.logger.Warn("Failed to push metrics to Pushgateway", zap.Error(err))
			}
		case <-m.stopChannel:
			m.logger.Info("Metrics pusher stopped")
			return
		}
	}
}

// Stop останавливает периодическую отправку и удаляет метрики инстанса
// из Pushgateway, чтобы мертвый воркер не висел в дашбордах.
func (m *MetricsPusher) Stop() {
	close(m.stopChannel)
	if err := m.pusher.Delete(); err != nil {
		m.logger.Warn("Failed to delete instance metrics from Pushgateway", zap.Error(err))
	}
}
