package analytics

import (
	"sort"
	"strings"

	"choicebook-server/internal/models"
	"choicebook-server/internal/structure"
)

// fingerprint строит подпись пути из суффиксов идентификаторов выборов:
// "ch_bribe > ch_run" дает "bribe>run". Дешевая эвристика для дашбордов,
// близкие пути она сводит в один кластер; стабильна для одинакового входа.
func fingerprint(made []models.ChoiceMade) string {
	parts := make([]string, 0, len(made))
	for _, m := range made {
		id := m.ChoiceID
		if i := strings.LastIndex(id, "_"); i >= 0 && i+1 < len(id) {
			id = id[i+1:]
		}
		parts = append(parts, id)
	}
	return strings.Join(parts, ">")
}

// finalize нормализует слитые агрегаты в отчет. Все срезы собираются в
// детерминированном порядке: статистика выборов в порядке документа
// структуры, кластеры по убыванию частоты с подписью как tie-break.
func (e *Engine) finalize(st *structure.Structure, total *shard) models.PathAnalysisReport {
	report := models.PathAnalysisReport{
		StoryID:          st.StoryID(),
		StructureVersion: st.Version(),
		TotalPaths:       total.totalPaths,
	}

	if total.totalPaths > 0 {
		mean := float64(total.lengthSum) / float64(total.totalPaths)
		report.AveragePathLength = mean
		// Плотность выборов в этом отчете тоже считается на путь: пока
		// каждый переход стоит ровно один выбор, она совпадает со средней
		// длиной пути.
		report.ChoiceDensity = mean
		report.ReplayValueScore = float64(total.thresholdHits) / float64(total.totalPaths)
		report.LongestPath = total.longest
		if total.shortest > 0 {
			report.ShortestPath = total.shortest
		}
	}

	dist := make(map[string]int, len(st.Endings()))
	for _, ending := range st.Endings() {
		dist[ending.ID] = 0
	}
	for id, n := range total.endingCounts {
		dist[id] += n
	}
	report.EndingDistribution = dist

	report.ChoiceStats = e.buildChoiceStats(st, total)
	report.PopularPaths = buildClusters(total, e.cfg.TopClusters)
	report.ReaderStats = buildReaderStats(total)
	return report
}

// buildChoiceStats строит строку статистики для каждого варианта структуры,
// включая ни разу не выбранные: дашборду мертвые ветки интереснее всего.
func (e *Engine) buildChoiceStats(st *structure.Structure, total *shard) []models.ChoiceAnalytics {
	stats := make([]models.ChoiceAnalytics, 0, len(st.ChoicePoints())*2)
	for _, cp := range st.ChoicePoints() {
		for _, c := range cp.Choices {
			row := models.ChoiceAnalytics{ChoicePointID: cp.ID, ChoiceID: c.ID}
			acc := total.choices[choiceKey{pointID: cp.ID, choiceID: c.ID}]
			if acc == nil || acc.selections == 0 {
				// Нет наблюдений: остается авторская разметка сложности.
				row.Difficulty = c.DifficultyLevel
				if row.Difficulty == "" {
					row.Difficulty = models.DifficultyEasy
				}
				stats = append(stats, row)
				continue
			}

			row.SelectionCount = acc.selections
			if pointTotal := total.pointTotals[cp.ID]; pointTotal > 0 {
				row.SelectionRate = float64(acc.selections) / float64(pointTotal)
			}
			row.AverageDecisionTime = acc.decisionTimeSum / float64(acc.selections)
			row.CompletionRate = float64(acc.completed) / float64(acc.sessions)
			satisfaction := acc.satisfactionSum / float64(acc.sessions)

			row.Difficulty = e.classifyDifficulty(row.AverageDecisionTime, row.CompletionRate)
			row.EngagementScore = clip01(
				e.cfg.SelectionWeight*row.SelectionRate +
					e.cfg.CompletionWeight*row.CompletionRate +
					e.cfg.SatisfactionWeight*satisfaction,
			)
			stats = append(stats, row)
		}
	}
	return stats
}

// classifyDifficulty сравнивает наблюдаемые метрики с порогами: долгие
// раздумья или низкая доходимость до концовки делают выбор трудным.
func (e *Engine) classifyDifficulty(avgDecisionTime, completionRate float64) models.DifficultyLevel {
	switch {
	case avgDecisionTime > e.cfg.HardTimeSeconds || completionRate < e.cfg.HardCompletionRate:
		return models.DifficultyHard
	case avgDecisionTime > e.cfg.ModerateTimeSeconds || completionRate < e.cfg.ModerateCompletion:
		return models.DifficultyModerate
	default:
		return models.DifficultyEasy
	}
}

func buildClusters(total *shard, topN int) []models.PathCluster {
	clusters := make([]models.PathCluster, 0, len(total.clusters))
	for fp, cl := range total.clusters {
		clusters = append(clusters, models.PathCluster{
			Fingerprint:       fp,
			Count:             cl.count,
			AverageCompletion: cl.completionSum / float64(cl.count),
		})
	}
	sort.Slice(clusters, func(i, j int) bool {
		if clusters[i].Count != clusters[j].Count {
			return clusters[i].Count > clusters[j].Count
		}
		return clusters[i].Fingerprint < clusters[j].Fingerprint
	})
	if len(clusters) > topN {
		clusters = clusters[:topN]
	}
	return clusters
}

func buildReaderStats(total *shard) models.ReaderStats {
	rs := models.ReaderStats{
		UniqueReaders: len(total.readers),
		TotalSessions: total.totalSessions,
	}
	if rs.UniqueReaders > 0 {
		rs.ReplayRate = float64(rs.TotalSessions-rs.UniqueReaders) / float64(rs.UniqueReaders)
	}
	if total.durationCount > 0 {
		rs.AverageSessionDuration = total.durationSum / float64(total.durationCount)
	}
	if rs.TotalSessions > 0 {
		rs.AbandonmentRate = float64(total.danglingCount) / float64(rs.TotalSessions)
	}
	return rs
}

func clip01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
