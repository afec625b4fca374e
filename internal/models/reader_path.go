package models

import (
	"time"

	"github.com/google/uuid"
)

// PathStatus определяет возможные состояния читательской сессии.
// Явный enum вместо вывода статуса из процента завершения и таймстампов.
type PathStatus string

const (
	PathStatusActive    PathStatus = "active"    // Читатель делает выборы.
	PathStatusCompleted PathStatus = "completed" // Достигнута концовка.
	PathStatusAbandoned PathStatus = "abandoned" // Простой дольше порога или явное завершение без концовки.
)

// ChoiceMade - одна запись журнала выборов сессии. Журнал append-only:
// записи никогда не изменяются и не удаляются.
type ChoiceMade struct {
	ChoicePointID    string    `json:"choicePointId"`
	ChoiceID         string    `json:"choiceId"`
	Timestamp        time.Time `json:"timestamp"`
	TimeTakenSeconds float64   `json:"timeTakenSeconds"` // Сколько читатель думал над выбором.
	ChapterContext   string    `json:"chapterContext"`   // Глава, в которой выбор был сделан.
}

// PendingConsequence - отложенное последствие, ожидающее разрешения.
// IntroducedAtStep - индекс записи ChoicesMade, породившей последствие.
type PendingConsequence struct {
	ID               string      `json:"id"`
	ChoiceID         string      `json:"choiceId"`
	Consequence      Consequence `json:"consequence"`
	IntroducedAtStep int         `json:"introducedAtStep"`
	IntroducedAt     string      `json:"introducedAtChapter"`
}

// ResolutionType - характер разрешения последствия.
type ResolutionType string

const (
	ResolutionPositive   ResolutionType = "positive"
	ResolutionNegative   ResolutionType = "negative"
	ResolutionMixed      ResolutionType = "mixed"
	ResolutionUnexpected ResolutionType = "unexpected"
)

// Resolution - решение движка о том, какое последствие всплывает и как.
// ID стабилен: повторная доставка рендереру не удваивает разрешение.
// Прозу по Description генерирует внешний генератор контента, не это ядро.
type Resolution struct {
	ID                uuid.UUID      `json:"id"`
	ConsequenceID     string         `json:"consequenceId"`
	ChoiceID          string         `json:"choiceId"`
	Type              ResolutionType `json:"type"`
	Description       string         `json:"description"`
	ResolvedAtChapter string         `json:"resolvedAtChapter"`
	ResolvedAtStep    int            `json:"resolvedAtStep"`
	Delivered         bool           `json:"delivered"` // Подтверждена ли доставка рендереру.
}

// ReaderPath представляет одну читательскую сессию прохождения истории.
// Запись создается при старте сессии и монопольно принадлежит ключу
// (UserID, StoryID, SessionID): два писателя никогда не изменяют ее одновременно.
type ReaderPath struct {
	ID                  uuid.UUID            `json:"id" db:"id"`
	UserID              uuid.UUID            `json:"user_id" db:"user_id"`
	StoryID             uuid.UUID            `json:"story_id" db:"story_id"`
	SessionID           uuid.UUID            `json:"session_id" db:"session_id"`
	StructureVersion    int                  `json:"structure_version" db:"structure_version"` // Версия структуры, по которой идет сессия.
	Status              PathStatus           `json:"status" db:"status"`
	CurrentChapter      string               `json:"current_chapter" db:"current_chapter"`
	PathCompletion      int                  `json:"path_completion" db:"path_completion"` // 0..100, монотонно не убывает.
	PlaythroughCount    int                  `json:"playthrough_count" db:"playthrough_count"`
	ChoicesMade         []ChoiceMade         `json:"choices_made" db:"choices_made"`
	DiscoveredEndings   []string             `json:"discovered_endings" db:"discovered_endings"`
	PendingConsequences []PendingConsequence `json:"pending_consequences" db:"pending_consequences"`
	Resolutions         []Resolution         `json:"resolutions" db:"resolutions"`
	SessionStart        time.Time            `json:"session_start" db:"session_start"`
	SessionEnd          *time.Time           `json:"session_end,omitempty" db:"session_end"`
	LastActivityAt      time.Time            `json:"last_activity_at" db:"last_activity_at"`
}

// HasDiscovered сообщает, открыта ли в этой сессии указанная концовка.
func (p *ReaderPath) HasDiscovered(endingID string) bool {
	for _, id := range p.DiscoveredEndings {
		if id == endingID {
			return true
		}
	}
	return false
}

// HasChosen сообщает, был ли в сессии сделан выбор с данным id.
// Используется для проверки предусловий requiresPreviousChoice.
func (p *ReaderPath) HasChosen(choiceID string) bool {
	for _, made := range p.ChoicesMade {
		if made.ChoiceID == choiceID {
			return true
		}
	}
	return false
}

// UndeliveredResolutions возвращает разрешения, доставка которых рендереру
// еще не подтверждена.
func (p *ReaderPath) UndeliveredResolutions() []Resolution {
	var out []Resolution
	for _, r := range p.Resolutions {
		if !r.Delivered {
			out = append(out, r)
		}
	}
	return out
}
