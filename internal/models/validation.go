package models

// ValidationSeverity - серьезность находки валидатора.
type ValidationSeverity string

const (
	SeverityCritical ValidationSeverity = "critical" // Структура непригодна к активации.
	SeverityMajor    ValidationSeverity = "major"    // Серьезный дефект, блокирует активацию.
	SeverityWarning  ValidationSeverity = "warning"  // Не блокирует, но стоит поправить.
)

// ValidationCode - машинно-читаемый код находки.
type ValidationCode string

const (
	ValidationUnreachableChapter  ValidationCode = "unreachable_chapter"
	ValidationCircularReference   ValidationCode = "circular_reference"
	ValidationMissingEnding       ValidationCode = "missing_ending"
	ValidationBrokenChoice        ValidationCode = "broken_choice"
	ValidationUnbalancedPaths     ValidationCode = "unbalanced_paths"
	ValidationTooManyChoices      ValidationCode = "too_many_choices"
	ValidationShallowConsequences ValidationCode = "shallow_consequences"
)

// ValidationFinding - одна находка статической проверки структуры.
// Поля локализации заполняются по применимости: находка про главу несет
// ChapterID, про вариант выбора - ChoicePointID и ChoiceID.
type ValidationFinding struct {
	Code          ValidationCode     `json:"code"`
	Severity      ValidationSeverity `json:"severity"`
	Message       string             `json:"message"`
	ChapterID     string             `json:"chapterId,omitempty"`
	ChoicePointID string             `json:"choicePointId,omitempty"`
	ChoiceID      string             `json:"choiceId,omitempty"`
}

// StructurePathAnalysis - сводка по форме графа, прилагается к отчету валидации.
type StructurePathAnalysis struct {
	ChapterCount     int `json:"chapterCount"`
	ChoicePointCount int `json:"choicePointCount"`
	EndingCount      int `json:"endingCount"`
	MinDepth         int `json:"minDepth"` // Кратчайший путь от старта до концовки, в главах.
	MaxDepth         int `json:"maxDepth"`
}

// ChoiceValidation - итоговый отчет валидатора. IsValid истинно тогда и только
// тогда, когда нет находок уровней critical и major. Валидатор только сообщает:
// запрет публикации с критическими находками - политика вызывающего кода.
type ChoiceValidation struct {
	IsValid      bool                  `json:"isValid"`
	Errors       []ValidationFinding   `json:"errors"`
	Warnings     []ValidationFinding   `json:"warnings"`
	Suggestions  []string              `json:"suggestions"`
	PathAnalysis StructurePathAnalysis `json:"pathAnalysis"`
}
