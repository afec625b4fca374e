// Package structure держит неизменяемую модель графа истории: главы, точки
// выбора, концовки и ребра между ними. Единственный путь мутации - Builder;
// собранный Structure безопасно разделяется между всеми сессиями без блокировок.
package structure

import (
	"sort"
	"sync"

	"choicebook-server/internal/models"

	"github.com/google/uuid"
)

// Structure - проверенный, неизменяемый граф одной версии истории.
// Все query-методы предполагают успешный Build и не возвращают ошибок сборки.
type Structure struct {
	storyID uuid.UUID
	version int
	def     models.StructureDefinition

	chapters         map[string]models.Chapter
	choicePoints     map[string]models.ChoicePoint
	pointsByChapter  map[string][]models.ChoicePoint
	choices          map[string]models.Choice
	pointByChoice    map[string]string
	endings          map[string]models.EndingChapter
	endingsByChapter map[string]models.EndingChapter
	outgoing         map[string][]models.PathConnection
	incoming         map[string][]models.PathConnection
	characters       map[string]models.CharacterInfo
	plotThreads      map[string]struct{}

	estimatedPathLength int

	// Мемоизация достижимых концовок: заполняется лениво per-глава
	// и живет столько же, сколько сама версия структуры.
	memoMu        sync.RWMutex
	reachableMemo map[string][]string
}

// StoryID возвращает идентификатор истории.
func (s *Structure) StoryID() uuid.UUID { return s.storyID }

// Version возвращает номер версии структуры.
func (s *Structure) Version() int { return s.version }

// StartChapterID возвращает стартовую главу.
func (s *Structure) StartChapterID() string { return s.def.StartChapterID }

// Definition возвращает исходный документ структуры.
func (s *Structure) Definition() models.StructureDefinition { return s.def }

// Chapter возвращает главу по id.
func (s *Structure) Chapter(id string) (models.Chapter, bool) {
	ch, ok := s.chapters[id]
	return ch, ok
}

// Chapters возвращает все главы в порядке документа.
func (s *Structure) Chapters() []models.Chapter { return s.def.Chapters }

// ChoicePoints возвращает все точки выбора в порядке документа.
func (s *Structure) ChoicePoints() []models.ChoicePoint { return s.def.ChoicePoints }

// Endings возвращает все концовки в порядке документа.
func (s *Structure) Endings() []models.EndingChapter { return s.def.Endings }

// ChoicesAt возвращает точки выбора главы в порядке документа.
// Пустой срез означает, что глава не предлагает выборов (лист графа).
func (s *Structure) ChoicesAt(chapterID string) []models.ChoicePoint {
	return s.pointsByChapter[chapterID]
}

// ChapterFor возвращает главу, в которой расположен вариант выбора.
func (s *Structure) ChapterFor(choiceID string) (string, bool) {
	pointID, ok := s.pointByChoice[choiceID]
	if !ok {
		return "", false
	}
	return s.choicePoints[pointID].ChapterID, true
}

// ChoiceByID возвращает вариант выбора по id.
func (s *Structure) ChoiceByID(choiceID string) (models.Choice, bool) {
	c, ok := s.choices[choiceID]
	return c, ok
}

// ChoiceAt ищет вариант выбора среди точек указанной главы. Возвращает сам
// вариант и точку, которой он принадлежит. Основная проверка трекера:
// выбор вне текущей главы читателя сюда не проходит.
func (s *Structure) ChoiceAt(chapterID, choiceID string) (models.Choice, models.ChoicePoint, bool) {
	pointID, ok := s.pointByChoice[choiceID]
	if !ok {
		return models.Choice{}, models.ChoicePoint{}, false
	}
	point := s.choicePoints[pointID]
	if point.ChapterID != chapterID {
		return models.Choice{}, models.ChoicePoint{}, false
	}
	return s.choices[choiceID], point, true
}

// EndingAt возвращает концовку, закрепленную за главой, если есть.
func (s *Structure) EndingAt(chapterID string) (models.EndingChapter, bool) {
	e, ok := s.endingsByChapter[chapterID]
	return e, ok
}

// Outgoing возвращает исходящие ребра главы.
func (s *Structure) Outgoing(chapterID string) []models.PathConnection {
	return s.outgoing[chapterID]
}

// Incoming возвращает входящие ребра главы.
func (s *Structure) Incoming(chapterID string) []models.PathConnection {
	return s.incoming[chapterID]
}

// HasCharacter сообщает, есть ли персонаж в реестре.
func (s *Structure) HasCharacter(name string) bool {
	_, ok := s.characters[name]
	return ok
}

// Character возвращает запись реестра персонажей.
func (s *Structure) Character(name string) (models.CharacterInfo, bool) {
	c, ok := s.characters[name]
	return c, ok
}

// HasPlotThread сообщает, зарегистрирована ли сюжетная линия.
func (s *Structure) HasPlotThread(name string) bool {
	_, ok := s.plotThreads[name]
	return ok
}

// EstimatedPathLength - средняя длина пути от старта до концовки в выборах.
// Эвристика для веса шага pathCompletion, не гарантия длины конкретной ветки.
func (s *Structure) EstimatedPathLength() int { return s.estimatedPathLength }

// EndingsReachableFrom возвращает отсортированные id концовок, достижимых из
// главы. Результат мемоизируется на весь срок жизни версии структуры.
func (s *Structure) EndingsReachableFrom(chapterID string) []string {
	s.memoMu.RLock()
	if cached, ok := s.reachableMemo[chapterID]; ok {
		s.memoMu.RUnlock()
		return cached
	}
	s.memoMu.RUnlock()

	reachable := s.collectReachableEndings(chapterID)

	s.memoMu.Lock()
	s.reachableMemo[chapterID] = reachable
	s.memoMu.Unlock()
	return reachable
}

// collectReachableEndings обходит граф в ширину от указанной главы.
func (s *Structure) collectReachableEndings(chapterID string) []string {
	if _, ok := s.chapters[chapterID]; !ok {
		return nil
	}

	visited := map[string]bool{chapterID: true}
	queue := []string{chapterID}
	var found []string

	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]

		if e, ok := s.endingsByChapter[current]; ok {
			found = append(found, e.ID)
		}
		for _, conn := range s.outgoing[current] {
			if !visited[conn.ToChapter] {
				visited[conn.ToChapter] = true
				queue = append(queue, conn.ToChapter)
			}
		}
	}

	sort.Strings(found)
	return found
}

// DepthsFromStart возвращает кратчайшее число выборов от старта до каждой
// достижимой главы. Используется трекером и валидатором.
func (s *Structure) DepthsFromStart() map[string]int {
	depths := map[string]int{s.def.StartChapterID: 0}
	queue := []string{s.def.StartChapterID}

	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]
		for _, conn := range s.outgoing[current] {
			if _, seen := depths[conn.ToChapter]; !seen {
				depths[conn.ToChapter] = depths[current] + 1
				queue = append(queue, conn.ToChapter)
			}
		}
	}
	return depths
}

// computeEstimatedPathLength - среднее по концовкам кратчайшее расстояние
// от старта, минимум 1.
func (s *Structure) computeEstimatedPathLength() int {
	depths := s.DepthsFromStart()

	total, count := 0, 0
	for _, e := range s.def.Endings {
		if d, ok := depths[e.ChapterID]; ok && d > 0 {
			total += d
			count++
		}
	}
	if count == 0 {
		return 1
	}
	avg := total / count
	if avg < 1 {
		return 1
	}
	return avg
}
