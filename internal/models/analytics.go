package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// ChoiceAnalytics - агрегированная статистика одного варианта выбора.
// Считается заново из журналов сессий, никогда не мутируется инкрементально.
type ChoiceAnalytics struct {
	ChoicePointID       string          `json:"choicePointId"`
	ChoiceID            string          `json:"choiceId"`
	SelectionCount      int             `json:"selectionCount"`
	SelectionRate       float64         `json:"selectionRate"`       // Доля выборов этого варианта среди всех в точке.
	AverageDecisionTime float64         `json:"averageDecisionTime"` // Секунды.
	CompletionRate      float64         `json:"completionRate"`      // Доля выбравших, дошедших до концовки.
	Difficulty          DifficultyLevel `json:"difficulty"`
	EngagementScore     float64         `json:"engagementScore"` // [0,1].
}

// PathCluster - группа близких путей по отпечатку последовательности выборов.
type PathCluster struct {
	Fingerprint       string  `json:"fingerprint"`
	Count             int     `json:"count"`
	AverageCompletion float64 `json:"averageCompletion"`
}

// ReaderStats - поведенческие агрегаты по читателям истории.
type ReaderStats struct {
	UniqueReaders          int     `json:"uniqueReaders"`
	TotalSessions          int     `json:"totalSessions"`
	ReplayRate             float64 `json:"replayRate"`
	AverageSessionDuration float64 `json:"averageSessionDurationSeconds"` // Только по сессиям с зафиксированным концом.
	AbandonmentRate        float64 `json:"abandonmentRate"`
}

// PathAnalysisReport - полный аналитический отчет по истории.
// Детерминирован: одинаковый вход дает байт-в-байт одинаковый отчет,
// поэтому время генерации живет в строке снапшота, не здесь.
type PathAnalysisReport struct {
	StoryID            uuid.UUID         `json:"storyId"`
	StructureVersion   int               `json:"structureVersion"`
	TotalPaths         int               `json:"totalPaths"`
	AveragePathLength  float64           `json:"averagePathLength"`
	ShortestPath       int               `json:"shortestPath"`
	LongestPath        int               `json:"longestPath"`
	ChoiceDensity      float64           `json:"choiceDensity"`
	ReplayValueScore   float64           `json:"replayValueScore"`
	EndingDistribution map[string]int    `json:"endingDistribution"`
	ChoiceStats        []ChoiceAnalytics `json:"choiceStats"`
	PopularPaths       []PathCluster     `json:"popularPaths"`
	ReaderStats        ReaderStats       `json:"readerStats"`
}

// AnalysisReport - сохраненный снапшот отчета для дашбордов.
type AnalysisReport struct {
	ID               uuid.UUID       `json:"id" db:"id"`
	StoryID          uuid.UUID       `json:"story_id" db:"story_id"`
	StructureVersion int             `json:"structure_version" db:"structure_version"`
	Report           json.RawMessage `json:"report" db:"report"`
	GeneratedAt      time.Time       `json:"generated_at" db:"generated_at"`
}
