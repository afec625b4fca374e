package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// StructureStatus определяет жизненный цикл версии структуры выборов.
// Совпадает со значениями колонки 'status' в таблице choice_structures.
type StructureStatus string

const (
	StructureStatusDraft    StructureStatus = "draft"    // Черновик: собран, но не выдается читателям.
	StructureStatusActive   StructureStatus = "active"   // Активная версия, которую видят читатели.
	StructureStatusRejected StructureStatus = "rejected" // Отклонена валидацией или автором.
	StructureStatusArchived StructureStatus = "archived" // Бывшая активная версия, замененная новой.
)

// ChapterPosition - положение точки выбора внутри главы.
type ChapterPosition string

const (
	PositionEarly  ChapterPosition = "early"
	PositionMiddle ChapterPosition = "middle"
	PositionEnd    ChapterPosition = "end"
)

// ChoiceType - тип точки выбора.
type ChoiceType string

const (
	ChoiceTypeBinary        ChoiceType = "binary"        // Ровно два варианта.
	ChoiceTypeMultiple      ChoiceType = "multiple"      // Три и более вариантов.
	ChoiceTypeConsequential ChoiceType = "consequential" // Выбор с отложенными последствиями.
)

// ConsequenceType - когда последствие проявляется в повествовании.
type ConsequenceType string

const (
	ConsequenceImmediate      ConsequenceType = "immediate"       // Разрешается в момент выбора.
	ConsequenceDelayed        ConsequenceType = "delayed"         // Встает в очередь и всплывает позже.
	ConsequenceEndingModifier ConsequenceType = "ending_modifier" // Влияет на доступность концовок.
)

// ConsequenceMagnitude - масштаб последствия.
type ConsequenceMagnitude string

const (
	MagnitudeMinor    ConsequenceMagnitude = "minor"
	MagnitudeModerate ConsequenceMagnitude = "moderate"
	MagnitudeMajor    ConsequenceMagnitude = "major"
)

// EmotionalTone - эмоциональная окраска варианта выбора.
type EmotionalTone string

const (
	ToneNeutral EmotionalTone = "neutral"
	ToneHopeful EmotionalTone = "hopeful"
	ToneTense   EmotionalTone = "tense"
	ToneSomber  EmotionalTone = "somber"
	ToneDefiant EmotionalTone = "defiant"
)

// DifficultyLevel используется и для авторской разметки выбора,
// и для классификации сложности в аналитике.
type DifficultyLevel string

const (
	DifficultyEasy     DifficultyLevel = "easy"
	DifficultyModerate DifficultyLevel = "moderate"
	DifficultyHard     DifficultyLevel = "hard"
)

// EndingType - характер концовки.
type EndingType string

const (
	EndingTriumphant  EndingType = "triumphant"
	EndingTragic      EndingType = "tragic"
	EndingBittersweet EndingType = "bittersweet"
	EndingOpen        EndingType = "open"
)

// EndingRarity - редкость концовки для читательской статистики.
type EndingRarity string

const (
	RarityCommon   EndingRarity = "common"
	RarityUncommon EndingRarity = "uncommon"
	RarityRare     EndingRarity = "rare"
	RaritySecret   EndingRarity = "secret"
)

// RequirementType - тип требования для достижения концовки.
type RequirementType string

const (
	RequirementSpecificChoice        RequirementType = "specific_choice"
	RequirementCharacterRelationship RequirementType = "character_relationship"
	RequirementChoiceCount           RequirementType = "choice_count"
	RequirementPathTaken             RequirementType = "path_taken"
)

// RequirementOperator - оператор сравнения в требовании концовки.
type RequirementOperator string

const (
	OperatorEquals      RequirementOperator = "equals"
	OperatorGreaterThan RequirementOperator = "greater_than"
	OperatorLessThan    RequirementOperator = "less_than"
	OperatorContains    RequirementOperator = "contains"
)

// StructureDefinition - полный документ графа истории, хранится как jsonb
// в колонке choice_structures.definition. Внутренние идентификаторы (главы,
// точки выбора, варианты) - строковые ключи документа, не uuid.
type StructureDefinition struct {
	StartChapterID string           `json:"startChapterId"` // Глава, с которой начинается каждая сессия.
	Chapters       []Chapter        `json:"chapters"`
	ChoicePoints   []ChoicePoint    `json:"choicePoints"`
	Endings        []EndingChapter  `json:"endings"`
	Connections    []PathConnection `json:"pathConnections"`
	Characters     []CharacterInfo  `json:"characters,omitempty"` // Реестр персонажей для обратных ссылок последствий.
}

// Chapter - одна глава повествования.
type Chapter struct {
	ID      string `json:"id"`
	Title   string `json:"title"`
	Content string `json:"content,omitempty"` // Сгенерированный или авторский текст главы.
}

// ChoicePoint - один момент принятия решения внутри главы.
type ChoicePoint struct {
	ID                string          `json:"id"`
	ChapterID         string          `json:"chapterId"`
	PositionInChapter ChapterPosition `json:"positionInChapter"`
	ChoiceType        ChoiceType      `json:"choiceType"`
	AffectsEnding     bool            `json:"affectsEnding"`
	Choices           []Choice        `json:"choices"` // Порядок важен для отображения, не для семантики.
}

// Choice - один вариант в точке выбора. Неизменяем после сборки структуры;
// счетчики выборов живут в аналитике, не здесь.
type Choice struct {
	ID                     string            `json:"id"`
	Text                   string            `json:"text"`
	LeadsToChapter         string            `json:"leadsToChapter"`
	RequiresPreviousChoice string            `json:"requiresPreviousChoice,omitempty"` // Предусловие: id ранее сделанного выбора.
	Consequences           []Consequence     `json:"consequences,omitempty"`
	CharacterImpacts       []CharacterImpact `json:"characterImpacts,omitempty"`
	EmotionalTone          EmotionalTone     `json:"emotionalTone,omitempty"`
	DifficultyLevel        DifficultyLevel   `json:"difficultyLevel,omitempty"`
}

// Consequence - эффект выбора. AffectsCharacter и AffectsPlotThread - строковые
// обратные ссылки в реестр персонажей, не владеющие указатели: если цель
// исчезла из структуры, разрешение пропускается без ошибки для читателя.
type Consequence struct {
	ID                string               `json:"id"`
	Type              ConsequenceType      `json:"type"`
	Description       string               `json:"description"`
	AffectsCharacter  string               `json:"affectsCharacter,omitempty"`
	AffectsPlotThread string               `json:"affectsPlotThread,omitempty"`
	Magnitude         ConsequenceMagnitude `json:"magnitude"`
}

// CharacterImpact - изменение отношений с персонажем от одного выбора.
// Диапазон обоих полей: -10..+10.
type CharacterImpact struct {
	CharacterName      string `json:"characterName"`
	RelationshipChange int    `json:"relationshipChange"`
	TrustChange        int    `json:"trustChange"`
}

// EndingChapter - терминальная глава с условиями достижения.
type EndingChapter struct {
	ID           string              `json:"id"`
	ChapterID    string              `json:"chapterId"`
	EndingType   EndingType          `json:"endingType"`
	Requirements []ChoiceRequirement `json:"requirements,omitempty"`
	Rarity       EndingRarity        `json:"rarity"`
}

// ChoiceRequirement - одно условие достижения концовки.
type ChoiceRequirement struct {
	Type     RequirementType     `json:"type"`
	Target   string              `json:"target"`
	Operator RequirementOperator `json:"operator"`
	Value    string              `json:"value"`
}

// PathConnection - направленное ребро графа: из какой главы в какую ведет
// какой выбор. Weight - авторский вес ветки для эвристик длины пути.
type PathConnection struct {
	FromChapter string  `json:"fromChapter"`
	ToChapter   string  `json:"toChapter"`
	ViaChoice   string  `json:"viaChoice"`
	Weight      float64 `json:"weight,omitempty"`
}

// CharacterInfo - запись реестра персонажей.
type CharacterInfo struct {
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	PlotThreads []string `json:"plotThreads,omitempty"` // Сюжетные линии, привязанные к персонажу.
}

// ChoiceStructure представляет сохраненную версию структуры истории.
// Definition хранит сериализованный StructureDefinition, Validation - последний
// отчет валидации (может быть NULL до первой проверки).
type ChoiceStructure struct {
	ID         uuid.UUID       `json:"id" db:"id"`
	StoryID    uuid.UUID       `json:"story_id" db:"story_id"`
	Version    int             `json:"version" db:"version"`
	Status     StructureStatus `json:"status" db:"status"`
	Definition json.RawMessage `json:"definition" db:"definition"`
	Validation json.RawMessage `json:"validation,omitempty" db:"validation"`
	CreatedAt  time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt  time.Time       `json:"updated_at" db:"updated_at"`
}
