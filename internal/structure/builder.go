package structure

import (
	"encoding/json"
	"fmt"

	"choicebook-server/internal/models"

	"github.com/google/uuid"
)

// Builder - единственный путь создания Structure. Собирает документ по частям,
// затем Build проверяет ссылочную целостность целиком. Ошибки сборки фатальны:
// структура с ними никогда не выдается читателям.
type Builder struct {
	storyID uuid.UUID
	version int
	def     models.StructureDefinition
}

// NewBuilder создает построитель структуры для истории.
func NewBuilder(storyID uuid.UUID, version int) *Builder {
	return &Builder{storyID: storyID, version: version}
}

// SetStartChapter задает стартовую главу.
func (b *Builder) SetStartChapter(chapterID string) *Builder {
	b.def.StartChapterID = chapterID
	return b
}

// AddChapter добавляет главу повествования.
func (b *Builder) AddChapter(ch models.Chapter) *Builder {
	b.def.Chapters = append(b.def.Chapters, ch)
	return b
}

// AddChoicePoint добавляет точку выбора вместе с ее вариантами.
func (b *Builder) AddChoicePoint(cp models.ChoicePoint) *Builder {
	b.def.ChoicePoints = append(b.def.ChoicePoints, cp)
	return b
}

// AddEnding регистрирует терминальную главу как концовку.
func (b *Builder) AddEnding(e models.EndingChapter) *Builder {
	b.def.Endings = append(b.def.Endings, e)
	return b
}

// Connect добавляет явное ребро графа. Ребра для вариантов выбора строятся
// автоматически; явные нужны только ради авторских весов.
func (b *Builder) Connect(conn models.PathConnection) *Builder {
	b.def.Connections = append(b.def.Connections, conn)
	return b
}

// AddCharacter регистрирует персонажа в реестре обратных ссылок.
func (b *Builder) AddCharacter(c models.CharacterInfo) *Builder {
	b.def.Characters = append(b.def.Characters, c)
	return b
}

// Build проверяет целостность собранного документа и возвращает неизменяемую
// структуру. После Build структура безопасно разделяется между сессиями
// без блокировок.
func (b *Builder) Build() (*Structure, error) {
	return build(b.storyID, b.version, b.def)
}

// FromDefinition собирает структуру из готового документа (например,
// прочитанного из колонки definition).
func FromDefinition(storyID uuid.UUID, version int, def models.StructureDefinition) (*Structure, error) {
	return build(storyID, version, def)
}

// ParseDefinition разбирает сериализованный документ структуры.
func ParseDefinition(raw json.RawMessage) (models.StructureDefinition, error) {
	var def models.StructureDefinition
	if err := json.Unmarshal(raw, &def); err != nil {
		return def, fmt.Errorf("%w: malformed structure definition: %v", models.ErrInvalidInput, err)
	}
	return def, nil
}

// FromRow собирает структуру из строки хранилища версий.
func FromRow(row *models.ChoiceStructure) (*Structure, error) {
	def, err := ParseDefinition(row.Definition)
	if err != nil {
		return nil, err
	}
	return build(row.StoryID, row.Version, def)
}

// build выполняет все проверки целостности ссылок. Порядок проверок
// детерминирован порядком документа, чтобы одна и та же структура
// всегда падала с одной и той же ошибкой.
func build(storyID uuid.UUID, version int, def models.StructureDefinition) (*Structure, error) {
	s := &Structure{
		storyID:          storyID,
		version:          version,
		def:              def,
		chapters:         make(map[string]models.Chapter, len(def.Chapters)),
		choicePoints:     make(map[string]models.ChoicePoint, len(def.ChoicePoints)),
		pointsByChapter:  make(map[string][]models.ChoicePoint),
		choices:          make(map[string]models.Choice),
		pointByChoice:    make(map[string]string),
		endings:          make(map[string]models.EndingChapter, len(def.Endings)),
		endingsByChapter: make(map[string]models.EndingChapter, len(def.Endings)),
		outgoing:         make(map[string][]models.PathConnection),
		incoming:         make(map[string][]models.PathConnection),
		characters:       make(map[string]models.CharacterInfo, len(def.Characters)),
		plotThreads:      make(map[string]struct{}),
		reachableMemo:    make(map[string][]string),
	}

	// 1. Главы: уникальность идентификаторов.
	for _, ch := range def.Chapters {
		if ch.ID == "" {
			return nil, fmt.Errorf("%w: chapter with empty id", models.ErrInvalidInput)
		}
		if _, dup := s.chapters[ch.ID]; dup {
			return nil, fmt.Errorf("%w: duplicate chapter id %q", models.ErrInvalidInput, ch.ID)
		}
		s.chapters[ch.ID] = ch
	}

	// 2. Стартовая глава обязана существовать.
	if _, ok := s.chapters[def.StartChapterID]; !ok {
		return nil, fmt.Errorf("%w: start chapter %q", models.ErrUnknownChapter, def.StartChapterID)
	}

	// 3. Точки выбора: глава существует, id вариантов глобально уникальны.
	for _, cp := range def.ChoicePoints {
		if _, dup := s.choicePoints[cp.ID]; dup {
			return nil, fmt.Errorf("%w: duplicate choice point id %q", models.ErrInvalidInput, cp.ID)
		}
		if _, ok := s.chapters[cp.ChapterID]; !ok {
			return nil, fmt.Errorf("%w: choice point %q references chapter %q", models.ErrUnknownChapter, cp.ID, cp.ChapterID)
		}
		for _, c := range cp.Choices {
			if _, dup := s.choices[c.ID]; dup {
				return nil, fmt.Errorf("%w: duplicate choice id %q", models.ErrInvalidInput, c.ID)
			}
			s.choices[c.ID] = c
			s.pointByChoice[c.ID] = cp.ID
		}
		s.choicePoints[cp.ID] = cp
		s.pointsByChapter[cp.ChapterID] = append(s.pointsByChapter[cp.ChapterID], cp)
	}

	// 4. Варианты: целевая глава и предусловие должны существовать.
	for _, cp := range def.ChoicePoints {
		for _, c := range cp.Choices {
			if _, ok := s.chapters[c.LeadsToChapter]; !ok {
				return nil, fmt.Errorf("%w: choice %q leads to %q", models.ErrDanglingChoice, c.ID, c.LeadsToChapter)
			}
			if c.RequiresPreviousChoice != "" {
				if _, ok := s.choices[c.RequiresPreviousChoice]; !ok {
					return nil, fmt.Errorf("%w: choice %q requires unknown choice %q", models.ErrDanglingChoice, c.ID, c.RequiresPreviousChoice)
				}
			}
		}
	}

	// 5. Концовки: глава существует, по одной концовке на главу.
	for _, e := range def.Endings {
		if _, dup := s.endings[e.ID]; dup {
			return nil, fmt.Errorf("%w: duplicate ending id %q", models.ErrInvalidInput, e.ID)
		}
		if _, ok := s.chapters[e.ChapterID]; !ok {
			return nil, fmt.Errorf("%w: ending %q references chapter %q", models.ErrUnknownChapter, e.ID, e.ChapterID)
		}
		if prev, taken := s.endingsByChapter[e.ChapterID]; taken {
			return nil, fmt.Errorf("%w: chapter %q already holds ending %q", models.ErrInvalidInput, e.ChapterID, prev.ID)
		}
		s.endings[e.ID] = e
		s.endingsByChapter[e.ChapterID] = e
	}

	// 6. Явные ребра: концы и выбор существуют; вес запоминаем.
	explicitWeight := make(map[string]float64)
	for _, conn := range def.Connections {
		if _, ok := s.chapters[conn.FromChapter]; !ok {
			return nil, fmt.Errorf("%w: connection from %q", models.ErrUnknownChapter, conn.FromChapter)
		}
		if _, ok := s.chapters[conn.ToChapter]; !ok {
			return nil, fmt.Errorf("%w: connection to %q", models.ErrUnknownChapter, conn.ToChapter)
		}
		if conn.ViaChoice != "" {
			if _, ok := s.choices[conn.ViaChoice]; !ok {
				return nil, fmt.Errorf("%w: connection via unknown choice %q", models.ErrDanglingChoice, conn.ViaChoice)
			}
			explicitWeight[conn.ViaChoice] = conn.Weight
		}
	}

	// 7. Синтез ребер из вариантов выбора: каждое ребро графа порождено
	// вариантом, поэтому consecutive-проверка журнала сессии совпадает
	// с проверкой по ребрам. Явный вес, если был, сохраняется.
	for _, cp := range def.ChoicePoints {
		for _, c := range cp.Choices {
			weight := explicitWeight[c.ID]
			if weight == 0 {
				weight = 1
			}
			conn := models.PathConnection{
				FromChapter: cp.ChapterID,
				ToChapter:   c.LeadsToChapter,
				ViaChoice:   c.ID,
				Weight:      weight,
			}
			s.outgoing[conn.FromChapter] = append(s.outgoing[conn.FromChapter], conn)
			s.incoming[conn.ToChapter] = append(s.incoming[conn.ToChapter], conn)
		}
	}

	// 8. Реестр персонажей и сюжетных линий.
	for _, c := range def.Characters {
		s.characters[c.Name] = c
		for _, t := range c.PlotThreads {
			s.plotThreads[t] = struct{}{}
		}
	}

	s.estimatedPathLength = s.computeEstimatedPathLength()

	return s, nil
}
