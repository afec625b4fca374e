package generation

import (
	"encoding/json"
	"fmt"
	"strings"

	"choicebook-server/internal/models"
)

// StructureProposal - фрагмент графа, предложенный генератором. Поля
// повторяют схему определения структуры, чтобы слияние с базовой версией
// было прямым.
type StructureProposal struct {
	Chapters     []models.Chapter        `json:"chapters"`
	ChoicePoints []models.ChoicePoint    `json:"choicePoints"`
	Endings      []models.EndingChapter  `json:"endings"`
	Connections  []models.PathConnection `json:"pathConnections"`
	Characters   []models.CharacterInfo  `json:"characters"`
}

// extractJSONObject вырезает первый сбалансированный JSON-объект из текста.
// Модели оборачивают ответ в markdown-ограждения или добавляют пояснения
// до и после, поэтому разбирать весь текст как JSON нельзя.
func extractJSONObject(text string) (string, bool) {
	jsonStart := strings.Index(text, "{")
	if jsonStart == -1 {
		return "", false
	}

	braceLevel := 0
	inString := false
	var prevChar byte
	for i := jsonStart; i < len(text); i++ {
		char := text[i]
		if char == '"' && prevChar != '\\' {
			inString = !inString
		}
		if !inString {
			switch char {
			case '{':
				braceLevel++
			case '}':
				braceLevel--
				if braceLevel == 0 {
					return text[jsonStart : i+1], true
				}
			}
		}
		prevChar = char
	}
	return "", false
}

// ParseStructureProposal разбирает сырой ответ генератора в типизированный
// фрагмент. Любой дефект формы оборачивается в ErrInvalidProposal: такие
// ответы не повторяются, задача уходит в DLQ.
func ParseStructureProposal(raw string) (*StructureProposal, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return nil, fmt.Errorf("%w: пустой ответ генератора", models.ErrInvalidProposal)
	}

	jsonText, found := extractJSONObject(trimmed)
	if !found {
		return nil, fmt.Errorf("%w: в ответе нет JSON-объекта", models.ErrInvalidProposal)
	}

	var proposal StructureProposal
	if err := json.Unmarshal([]byte(jsonText), &proposal); err != nil {
		return nil, fmt.Errorf("%w: ошибка разбора JSON: %v", models.ErrInvalidProposal, err)
	}

	if len(proposal.Chapters) == 0 && len(proposal.Endings) == 0 {
		return nil, fmt.Errorf("%w: фрагмент не содержит ни глав, ни концовок", models.ErrInvalidProposal)
	}
	for _, chapter := range proposal.Chapters {
		if chapter.ID == "" {
			return nil, fmt.Errorf("%w: глава без идентификатора", models.ErrInvalidProposal)
		}
		if strings.TrimSpace(chapter.Content) == "" {
			return nil, fmt.Errorf("%w: глава '%s' без текста", models.ErrInvalidProposal, chapter.ID)
		}
	}
	for _, point := range proposal.ChoicePoints {
		if point.ID == "" || point.ChapterID == "" {
			return nil, fmt.Errorf("%w: точка выбора без идентификатора или привязки к главе", models.ErrInvalidProposal)
		}
		if len(point.Choices) == 0 {
			return nil, fmt.Errorf("%w: точка выбора '%s' без вариантов", models.ErrInvalidProposal, point.ID)
		}
		for _, choice := range point.Choices {
			if choice.ID == "" || choice.LeadsToChapter == "" {
				return nil, fmt.Errorf("%w: вариант в точке '%s' без идентификатора или целевой главы", models.ErrInvalidProposal, point.ID)
			}
		}
	}
	for _, ending := range proposal.Endings {
		if ending.ID == "" || ending.ChapterID == "" {
			return nil, fmt.Errorf("%w: концовка без идентификатора или главы", models.ErrInvalidProposal)
		}
	}

	return &proposal, nil
}

// MergeIntoDefinition накладывает фрагмент на копию базового определения.
// Совпадающие идентификаторы заменяют базовые элементы, новые добавляются
// в конец. Базовое определение не изменяется.
func MergeIntoDefinition(base models.StructureDefinition, proposal *StructureProposal) models.StructureDefinition {
	merged := models.StructureDefinition{
		StartChapterID: base.StartChapterID,
		Chapters:       mergeByID(base.Chapters, proposal.Chapters, func(c models.Chapter) string { return c.ID }),
		ChoicePoints:   mergeByID(base.ChoicePoints, proposal.ChoicePoints, func(p models.ChoicePoint) string { return p.ID }),
		Endings:        mergeByID(base.Endings, proposal.Endings, func(e models.EndingChapter) string { return e.ID }),
		Characters:     mergeByID(base.Characters, proposal.Characters, func(c models.CharacterInfo) string { return c.Name }),
	}

	// Связи не имеют собственных идентификаторов, ключ составной.
	connKey := func(c models.PathConnection) string {
		return c.FromChapter + "\x00" + c.ToChapter + "\x00" + c.ViaChoice
	}
	merged.Connections = mergeByID(base.Connections, proposal.Connections, connKey)

	if merged.StartChapterID == "" && len(merged.Chapters) > 0 {
		merged.StartChapterID = merged.Chapters[0].ID
	}
	return merged
}

func mergeByID[T any](base, overlay []T, key func(T) string) []T {
	if len(overlay) == 0 {
		return append([]T(nil), base...)
	}
	replacements := make(map[string]T, len(overlay))
	for _, item := range overlay {
		replacements[key(item)] = item
	}
	merged := make([]T, 0, len(base)+len(overlay))
	seen := make(map[string]bool, len(base))
	for _, item := range base {
		k := key(item)
		seen[k] = true
		if repl, ok := replacements[k]; ok {
			merged = append(merged, repl)
			continue
		}
		merged = append(merged, item)
	}
	for _, item := range overlay {
		if !seen[key(item)] {
			merged = append(merged, item)
		}
	}
	return merged
}
