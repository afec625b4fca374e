package generation

import (
	"fmt"
	"strings"

	"choicebook-server/internal/models"
	"choicebook-server/internal/structure"
)

// Длина выдержки из главы-источника в пользовательском вводе.
const chapterExcerptLimit = 1200

const commonContract = `Ты опытный писатель интерактивных книг с ветвящимся сюжетом.
Отвечай СТРОГО одним JSON-объектом без пояснений до или после него.
Схема ответа:
{
  "chapters": [{"id": "...", "title": "...", "content": "..."}],
  "choicePoints": [{"id": "...", "chapterId": "...", "positionInChapter": "end", "choiceType": "plot_branch", "affectsEnding": false,
    "choices": [{"id": "...", "text": "...", "leadsToChapter": "...",
      "consequences": [{"id": "...", "type": "delayed", "description": "...", "affectsCharacter": "", "affectsPlotThread": "", "magnitude": "moderate"}],
      "characterImpacts": [{"characterName": "...", "relationshipChange": 0, "trustChange": 0}],
      "emotionalTone": "neutral", "difficultyLevel": 3}]}],
  "endings": [{"id": "...", "chapterId": "...", "endingType": "...", "requirements": [], "rarity": "common"}],
  "pathConnections": [{"fromChapter": "...", "toChapter": "...", "viaChoice": "...", "weight": 1}],
  "characters": [{"name": "...", "description": "...", "plotThreads": ["..."]}]
}
Каждая новая глава обязана быть достижима через pathConnections, а каждый
вариант выбора вести в существующую или новую главу.`

const chapterTaskPrompt = commonContract + `
Задача: продолжить историю одной новой главой от указанной главы-источника.
Добавь в главу-источник точку выбора с запрошенным числом вариантов, если ее там нет.`

const branchTaskPrompt = commonContract + `
Задача: вырастить от главы-источника ветку из нескольких глав.
Каждая глава ветки заканчивается точкой выбора с запрошенным числом вариантов,
последняя глава может сходиться обратно к основному сюжету.`

const endingTaskPrompt = commonContract + `
Задача: написать концовку запрошенного типа, достижимую от главы-источника.
Концовка идет в массив endings со ссылкой на новую финальную главу,
у финальной главы точек выбора нет.`

// BuildPrompts собирает системный промпт и пользовательский ввод для задачи
// генерации. Базовая структура дает генератору контекст уже написанного.
func BuildPrompts(task models.ChapterGenerationTaskPayload, base *structure.Structure) (string, string, error) {
	var systemPrompt string
	switch task.TaskType {
	case models.GenerationTaskChapter:
		systemPrompt = chapterTaskPrompt
	case models.GenerationTaskBranch:
		systemPrompt = branchTaskPrompt
	case models.GenerationTaskEnding:
		systemPrompt = endingTaskPrompt
	default:
		return "", "", fmt.Errorf("%w: неизвестный тип задачи генерации '%s'", models.ErrInvalidInput, task.TaskType)
	}

	fromChapter, ok := base.Chapter(task.FromChapter)
	if !ok {
		return "", "", fmt.Errorf("глава-источник '%s' отсутствует в базовой версии: %w", task.FromChapter, models.ErrUnknownChapter)
	}

	var input strings.Builder
	input.WriteString("Существующие главы:\n")
	for _, chapter := range base.Definition().Chapters {
		fmt.Fprintf(&input, "- %s: %s\n", chapter.ID, chapter.Title)
	}

	if len(base.Definition().Characters) > 0 {
		input.WriteString("\nПерсонажи:\n")
		for _, character := range base.Definition().Characters {
			fmt.Fprintf(&input, "- %s: %s", character.Name, character.Description)
			if len(character.PlotThreads) > 0 {
				fmt.Fprintf(&input, " (сюжетные линии: %s)", strings.Join(character.PlotThreads, ", "))
			}
			input.WriteString("\n")
		}
	}

	fmt.Fprintf(&input, "\nГлава-источник '%s' (%s):\n%s\n",
		fromChapter.ID, fromChapter.Title, excerpt(fromChapter.Content, chapterExcerptLimit))

	choiceCount := task.ChoiceCount
	if choiceCount <= 0 {
		choiceCount = 2
	}
	fmt.Fprintf(&input, "\nВариантов в каждой новой точке выбора: %d\n", choiceCount)

	if task.BranchingStrategy != "" {
		fmt.Fprintf(&input, "Стратегия ветвления: %s\n", task.BranchingStrategy)
	}
	if task.TaskType == models.GenerationTaskEnding {
		endingType := string(task.EndingType)
		if endingType == "" {
			endingType = "neutral"
		}
		fmt.Fprintf(&input, "Тип концовки: %s\n", endingType)
		if existing := base.Definition().Endings; len(existing) > 0 {
			input.WriteString("Уже существующие концовки:\n")
			for _, ending := range existing {
				fmt.Fprintf(&input, "- %s (%s, %s)\n", ending.ID, ending.EndingType, ending.Rarity)
			}
		}
	}

	return systemPrompt, input.String(), nil
}

// excerpt обрезает текст по границе руны, чтобы не порвать UTF-8.
func excerpt(text string, limit int) string {
	if len(text) <= limit {
		return text
	}
	runes := []rune(text)
	if len(runes) <= limit {
		return text
	}
	return string(runes[:limit]) + "…"
}
