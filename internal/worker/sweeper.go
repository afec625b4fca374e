package worker

import (
	"context"
	"time"

	"choicebook-server/internal/interfaces"

	"go.uber.org/zap"
)

// AbandonmentSweeper периодически помечает простаивающие сессии как
// заброшенные. SessionEnd при этом не ставится: заброс фиксируется по
// отсутствию явного конца.
type AbandonmentSweeper struct {
	db          interfaces.DBTX
	pathRepo    interfaces.ReaderPathRepository
	cache       interfaces.SessionCache
	idleTimeout time.Duration
	interval    time.Duration
	logger      *zap.Logger
	stopChannel chan struct{}
}

func NewAbandonmentSweeper(
	db interfaces.DBTX,
	pathRepo interfaces.ReaderPathRepository,
	cache interfaces.SessionCache,
	idleTimeout, interval time.Duration,
	logger *zap.Logger,
) *AbandonmentSweeper {
	return &AbandonmentSweeper{
		db:          db,
		pathRepo:    pathRepo,
		cache:       cache,
		idleTimeout: idleTimeout,
		interval:    interval,
		logger:      logger.Named("AbandonmentSweeper"),
		stopChannel: make(chan struct{}),
	}
}

// Start запускает цикл обхода. Блокируется до Stop или отмены контекста,
// запускать в горутине.
func (s *AbandonmentSweeper) Start(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	s.logger.Info("Abandonment sweeper started",
		zap.Duration("idleTimeout", s.idleTimeout),
		zap.Duration("interval", s.interval))

	for {
		select {
		case <-ticker.C:
			s.SweepOnce(ctx)
		case <-s.stopChannel:
			s.logger.Info("Abandonment sweeper stopped")
			return
		case <-ctx.Done():
			s.logger.Info("Abandonment sweeper context cancelled")
			return
		}
	}
}

// SweepOnce выполняет один обход: находит активные сессии без активности
// дольше idleTimeout и переводит их в abandoned.
func (s *AbandonmentSweeper) SweepOnce(ctx context.Context) {
	cutoff := time.Now().UTC().Add(-s.idleTimeout)

	idle, err := s.pathRepo.ListActiveIdleSince(ctx, s.db, cutoff)
	if err != nil {
		s.logger.Error("Failed to list idle sessions", zap.Error(err))
		return
	}
	if len(idle) == 0 {
		return
	}

	marked := 0
	for _, path := range idle {
		if err := s.pathRepo.MarkAbandoned(ctx, s.db, path.SessionID); err != nil {
			// Сессия могла завершиться между выборкой и апдейтом. Не страшно:
			// MarkAbandoned трогает только активные строки.
			s.logger.Warn("Failed to mark session abandoned",
				zap.Stringer("sessionID", path.SessionID), zap.Error(err))
			continue
		}
		if err := s.cache.Invalidate(ctx, path.SessionID); err != nil {
			s.logger.Warn("Failed to invalidate abandoned session cache",
				zap.Stringer("sessionID", path.SessionID), zap.Error(err))
		}
		marked++
	}

	if marked > 0 {
		sessionsAbandoned.Add(float64(marked))
		s.logger.Info("Idle sessions marked abandoned",
			zap.Int("candidates", len(idle)), zap.Int("marked", marked))
	}
}

// Stop останавливает цикл обхода.
func (s *AbandonmentSweeper) Stop() {
	close(s.stopChannel)
}
