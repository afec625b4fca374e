// Package analytics строит аналитический отчет по истории из снапшота
// читательских сессий: статистику выборов, распределение концовок, кластеры
// популярных путей и поведенческие агрегаты. Отчет детерминирован: одинаковый
// вход дает байт-в-байт одинаковый результат.
package analytics

import (
	"context"

	"choicebook-server/internal/models"
	"choicebook-server/internal/structure"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Config - пороги и веса движка. Все значения настраиваются per-deployment,
// чтобы кривые сложности можно было подгонять под конкретную историю.
type Config struct {
	CompletionThreshold int     // pathCompletion не ниже порога - путь пройден осмысленно.
	HardTimeSeconds     float64 // Среднее время раздумий выше - выбор трудный.
	HardCompletionRate  float64 // Доля дошедших до концовки ниже - выбор трудный.
	ModerateTimeSeconds float64
	ModerateCompletion  float64
	SelectionWeight     float64 // Веса вовлеченности, в сумме 1.0.
	CompletionWeight    float64
	SatisfactionWeight  float64
	TopClusters         int // Сколько кластеров путей попадает в отчет.
	Workers             int // Горутины разбора сессий.
}

func (c *Config) applyDefaults() {
	if c.CompletionThreshold <= 0 {
		c.CompletionThreshold = 90
	}
	if c.HardTimeSeconds <= 0 {
		c.HardTimeSeconds = 60
	}
	if c.HardCompletionRate <= 0 {
		c.HardCompletionRate = 0.70
	}
	if c.ModerateTimeSeconds <= 0 {
		c.ModerateTimeSeconds = 30
	}
	if c.ModerateCompletion <= 0 {
		c.ModerateCompletion = 0.85
	}
	if c.SelectionWeight <= 0 && c.CompletionWeight <= 0 && c.SatisfactionWeight <= 0 {
		c.SelectionWeight, c.CompletionWeight, c.SatisfactionWeight = 0.3, 0.4, 0.3
	}
	if c.TopClusters <= 0 {
		c.TopClusters = 5
	}
	if c.Workers <= 0 {
		c.Workers = 4
	}
}

// Engine - чистая функция (структура, сессии) -> отчет. Движок не ходит
// в хранилище: снапшот сессий загружает вызывающий сервис.
type Engine struct {
	cfg    Config
	logger *zap.Logger
}

func NewEngine(cfg Config, logger *zap.Logger) *Engine {
	cfg.applyDefaults()
	return &Engine{cfg: cfg, logger: logger.Named("AnalyticsEngine")}
}

// GenerateReport агрегирует снапшот сессий в отчет. Сессии разбираются
// параллельно группами, свертка идет в порядке групп, чтобы плавающая
// арифметика не зависела от порядка завершения горутин. При отмене контекста
// частичный отчет отбрасывается.
func (e *Engine) GenerateReport(ctx context.Context, st *structure.Structure, paths []models.ReaderPath) (models.PathAnalysisReport, error) {
	e.logger.Debug("Generating path analysis report",
		zap.String("storyId", st.StoryID().String()),
		zap.Int("structureVersion", st.Version()),
		zap.Int("sessions", len(paths)),
	)

	shards := make([]*shard, e.cfg.Workers)
	group, groupCtx := errgroup.WithContext(ctx)
	chunk := (len(paths) + e.cfg.Workers - 1) / e.cfg.Workers

	for i := 0; i < e.cfg.Workers; i++ {
		i := i
		lo := i * chunk
		hi := lo + chunk
		if lo > len(paths) {
			lo = len(paths)
		}
		if hi > len(paths) {
			hi = len(paths)
		}
		part := paths[lo:hi]

		group.Go(func() error {
			s := newShard()
			for idx := range part {
				// Кооперативная отмена между сессиями: большие истории
				// сканируются долго.
				if err := groupCtx.Err(); err != nil {
					return err
				}
				s.absorb(&part[idx], e.cfg.CompletionThreshold)
			}
			shards[i] = s
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return models.PathAnalysisReport{}, err
	}

	total := newShard()
	for _, s := range shards {
		total.merge(s)
	}

	report := e.finalize(st, total)
	e.logger.Info("Path analysis report generated",
		zap.String("storyId", st.StoryID().String()),
		zap.Int("totalPaths", report.TotalPaths),
		zap.Int("uniqueReaders", report.ReaderStats.UniqueReaders),
	)
	return report, nil
}

// choiceKey адресует вариант внутри точки выбора.
type choiceKey struct {
	pointID  string
	choiceID string
}

// choiceAccum - сырые счетчики одного варианта до нормализации.
type choiceAccum struct {
	selections      int     // Записей журнала с этим вариантом.
	decisionTimeSum float64 // Сумма секунд раздумий.
	sessions        int     // Сессий, выбиравших вариант хотя бы раз.
	completed       int     // Из них дошедших до концовки.
	satisfactionSum float64 // Сумма pathCompletion/100 по выбиравшим сессиям.
}

// clusterAccum - сырые счетчики кластера путей.
type clusterAccum struct {
	count         int
	completionSum float64
}

// shard - частичные агрегаты одной группы сессий. Сливается с другими
// шардами детерминированно, в порядке индексов групп.
type shard struct {
	totalPaths    int
	lengthSum     int
	shortest      int
	longest       int
	thresholdHits int // Сессии с прогрессом не ниже порога.

	endingCounts map[string]int
	choices      map[choiceKey]*choiceAccum
	pointTotals  map[string]int // Всего записей журнала на точку выбора.
	clusters     map[string]*clusterAccum

	readers       map[uuid.UUID]struct{}
	totalSessions int
	durationSum   float64 // Секунды, только сессии с зафиксированным концом.
	durationCount int
	danglingCount int // Нет таймстампа конца и прогресс ниже порога.
}

func newShard() *shard {
	return &shard{
		shortest:     -1,
		endingCounts: make(map[string]int),
		choices:      make(map[choiceKey]*choiceAccum),
		pointTotals:  make(map[string]int),
		clusters:     make(map[string]*clusterAccum),
		readers:      make(map[uuid.UUID]struct{}),
	}
}

// absorb вливает одну сессию в частичные агрегаты.
func (s *shard) absorb(path *models.ReaderPath, completionThreshold int) {
	length := len(path.ChoicesMade)

	s.totalPaths++
	s.lengthSum += length
	if s.shortest < 0 || length < s.shortest {
		s.shortest = length
	}
	if length > s.longest {
		s.longest = length
	}
	if path.PathCompletion >= completionThreshold {
		s.thresholdHits++
	}

	if path.Status == models.PathStatusCompleted {
		for _, endingID := range path.DiscoveredEndings {
			s.endingCounts[endingID]++
		}
	}

	// Журнальные записи: счетчики выборов и знаменатели точек.
	seen := make(map[choiceKey]bool, length)
	for _, made := range path.ChoicesMade {
		key := choiceKey{pointID: made.ChoicePointID, choiceID: made.ChoiceID}
		acc := s.choices[key]
		if acc == nil {
			acc = &choiceAccum{}
			s.choices[key] = acc
		}
		acc.selections++
		acc.decisionTimeSum += made.TimeTakenSeconds
		s.pointTotals[made.ChoicePointID]++

		// Посессионные счетчики считаются один раз, даже если цикл привел
		// читателя к тому же выбору повторно.
		if !seen[key] {
			seen[key] = true
			acc.sessions++
			if path.Status == models.PathStatusCompleted {
				acc.completed++
			}
			acc.satisfactionSum += float64(path.PathCompletion) / 100
		}
	}

	if length > 0 {
		fp := fingerprint(path.ChoicesMade)
		cl := s.clusters[fp]
		if cl == nil {
			cl = &clusterAccum{}
			s.clusters[fp] = cl
		}
		cl.count++
		cl.completionSum += float64(path.PathCompletion)
	}

	s.totalSessions++
	s.readers[path.UserID] = struct{}{}
	if path.SessionEnd != nil {
		s.durationSum += path.SessionEnd.Sub(path.SessionStart).Seconds()
		s.durationCount++
	} else if path.PathCompletion < completionThreshold {
		s.danglingCount++
	}
}

func (s *shard) merge(other *shard) {
	s.totalPaths += other.totalPaths
	s.lengthSum += other.lengthSum
	if other.shortest >= 0 && (s.shortest < 0 || other.shortest < s.shortest) {
		s.shortest = other.shortest
	}
	if other.longest > s.longest {
		s.longest = other.longest
	}
	s.thresholdHits += other.thresholdHits

	for id, n := range other.endingCounts {
		s.endingCounts[id] += n
	}
	for key, acc := range other.choices {
		dst := s.choices[key]
		if dst == nil {
			dst = &choiceAccum{}
			s.choices[key] = dst
		}
		dst.selections += acc.selections
		dst.decisionTimeSum += acc.decisionTimeSum
		dst.sessions += acc.sessions
		dst.completed += acc.completed
		dst.satisfactionSum += acc.satisfactionSum
	}
	for pointID, n := range other.pointTotals {
		s.pointTotals[pointID] += n
	}
	for fp, cl := range other.clusters {
		dst := s.clusters[fp]
		if dst == nil {
			dst = &clusterAccum{}
			s.clusters[fp] = dst
		}
		dst.count += cl.count
		dst.completionSum += cl.completionSum
	}

	for r := range other.readers {
		s.readers[r] = struct{}{}
	}
	s.totalSessions += other.totalSessions
	s.durationSum += other.durationSum
	s.durationCount += other.durationCount
	s.danglingCount += other.danglingCount
}
