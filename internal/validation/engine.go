// Package validation выполняет статический анализ структуры выборов: поиск
// недостижимых глав, циклов без выхода, листьев без концовки и битых
// переходов. Работает по документу структуры, поэтому пригоден и для
// черновиков, которые еще не проходят сборку.
package validation

import (
	"context"
	"fmt"
	"sort"

	"choicebook-server/internal/models"

	"go.uber.org/zap"
)

// Config - настраиваемые пороги предупреждений.
type Config struct {
	MaxChoicesPerPoint   int     // Больше вариантов в точке - предупреждение.
	BranchImbalanceRatio float64 // Отношение max/min глубины концовок, выше - предупреждение.
}

// Engine прогоняет набор проверок и собирает отчет ChoiceValidation.
// Движок только сообщает о находках: блокировать ли активацию структуры
// с критическими ошибками, решает вызывающий код.
type Engine struct {
	cfg    Config
	logger *zap.Logger
}

// NewEngine создает валидатор с заданными порогами.
func NewEngine(cfg Config, logger *zap.Logger) *Engine {
	if cfg.MaxChoicesPerPoint <= 0 {
		cfg.MaxChoicesPerPoint = 5
	}
	if cfg.BranchImbalanceRatio <= 0 {
		cfg.BranchImbalanceRatio = 3.0
	}
	return &Engine{cfg: cfg, logger: logger.Named("ValidationEngine")}
}

// graph - внутреннее представление документа для проверок. Ребра строятся
// только из вариантов с существующей целевой главой: битые переходы
// учитываются отдельной проверкой и не ломают обход.
type graph struct {
	def      models.StructureDefinition
	chapters map[string]bool
	endings  map[string]bool // ключ - id главы
	outgoing map[string][]string
	incoming map[string][]string
	order    []string // главы в порядке документа, для детерминизма
}

func buildGraph(def models.StructureDefinition) *graph {
	g := &graph{
		def:      def,
		chapters: make(map[string]bool, len(def.Chapters)),
		endings:  make(map[string]bool, len(def.Endings)),
		outgoing: make(map[string][]string),
		incoming: make(map[string][]string),
	}
	for _, ch := range def.Chapters {
		if !g.chapters[ch.ID] {
			g.chapters[ch.ID] = true
			g.order = append(g.order, ch.ID)
		}
	}
	for _, e := range def.Endings {
		g.endings[e.ChapterID] = true
	}
	for _, cp := range def.ChoicePoints {
		for _, c := range cp.Choices {
			if g.chapters[cp.ChapterID] && g.chapters[c.LeadsToChapter] {
				g.outgoing[cp.ChapterID] = append(g.outgoing[cp.ChapterID], c.LeadsToChapter)
				g.incoming[c.LeadsToChapter] = append(g.incoming[c.LeadsToChapter], cp.ChapterID)
			}
		}
	}
	return g
}

// Validate выполняет все проверки над документом структуры. Между фазами
// проверяется отмена контекста; при отмене частичный отчет отбрасывается.
func (e *Engine) Validate(ctx context.Context, def models.StructureDefinition) (models.ChoiceValidation, error) {
	log := e.logger.With(zap.String("startChapter", def.StartChapterID))
	log.Debug("Validating structure definition",
		zap.Int("chapters", len(def.Chapters)),
		zap.Int("choicePoints", len(def.ChoicePoints)),
		zap.Int("endings", len(def.Endings)),
	)

	g := buildGraph(def)

	var errs, warns []models.ValidationFinding

	// Фазы с обходами графа разделены проверками отмены: большие структуры
	// сканируются долго, а недоделанный отчет отдавать нельзя.
	phases := []func(*graph) []models.ValidationFinding{
		e.checkBrokenChoices,
		e.checkUnreachableChapters,
		e.checkCircularReferences,
		e.checkMissingEndings,
		e.checkUnbalancedPaths,
		e.checkTooManyChoices,
		e.checkShallowConsequences,
	}
	for _, phase := range phases {
		if err := ctx.Err(); err != nil {
			return models.ChoiceValidation{}, err
		}
		for _, f := range phase(g) {
			if f.Severity == models.SeverityWarning {
				warns = append(warns, f)
			} else {
				errs = append(errs, f)
			}
		}
	}

	report := models.ChoiceValidation{
		IsValid:      len(errs) == 0,
		Errors:       errs,
		Warnings:     warns,
		Suggestions:  buildSuggestions(errs, warns),
		PathAnalysis: e.analyzePaths(g),
	}

	log.Info("Structure validation finished",
		zap.Bool("isValid", report.IsValid),
		zap.Int("errors", len(errs)),
		zap.Int("warnings", len(warns)),
	)
	return report, nil
}

// checkBrokenChoices ищет варианты, ведущие в несуществующие главы.
func (e *Engine) checkBrokenChoices(g *graph) []models.ValidationFinding {
	var found []models.ValidationFinding
	for _, cp := range g.def.ChoicePoints {
		for _, c := range cp.Choices {
			if !g.chapters[c.LeadsToChapter] {
				found = append(found, models.ValidationFinding{
					Code:          models.ValidationBrokenChoice,
					Severity:      models.SeverityCritical,
					Message:       fmt.Sprintf("choice %q leads to nonexistent chapter %q", c.ID, c.LeadsToChapter),
					ChoicePointID: cp.ID,
					ChoiceID:      c.ID,
				})
			}
		}
	}
	return found
}

// checkUnreachableChapters помечает главы, до которых нет пути от старта.
func (e *Engine) checkUnreachableChapters(g *graph) []models.ValidationFinding {
	visited := map[string]bool{}
	if g.chapters[g.def.StartChapterID] {
		visited[g.def.StartChapterID] = true
		queue := []string{g.def.StartChapterID}
		for len(queue) > 0 {
			current := queue[0]
			queue = queue[1:]
			for _, next := range g.outgoing[current] {
				if !visited[next] {
					visited[next] = true
					queue = append(queue, next)
				}
			}
		}
	}

	var found []models.ValidationFinding
	for _, id := range g.order {
		if id == g.def.StartChapterID || visited[id] {
			continue
		}
		found = append(found, models.ValidationFinding{
			Code:      models.ValidationUnreachableChapter,
			Severity:  models.SeverityCritical,
			Message:   fmt.Sprintf("chapter %q is not reachable from the start chapter", id),
			ChapterID: id,
		})
	}
	return found
}

// checkCircularReferences находит сильно связные компоненты без ребра наружу:
// читатель, попавший в такой цикл, не доберется ни до одной концовки.
func (e *Engine) checkCircularReferences(g *graph) []models.ValidationFinding {
	components := stronglyConnected(g)

	var found []models.ValidationFinding
	for _, comp := range components {
		if len(comp) < 2 && !selfLoop(g, comp) {
			continue
		}
		inComp := make(map[string]bool, len(comp))
		for _, id := range comp {
			inComp[id] = true
		}
		hasExit := false
		for _, id := range comp {
			for _, next := range g.outgoing[id] {
				if !inComp[next] {
					hasExit = true
					break
				}
			}
			if hasExit {
				break
			}
		}
		if !hasExit {
			sorted := append([]string(nil), comp...)
			sort.Strings(sorted)
			found = append(found, models.ValidationFinding{
				Code:      models.ValidationCircularReference,
				Severity:  models.SeverityMajor,
				Message:   fmt.Sprintf("chapters %v form a cycle with no exit", sorted),
				ChapterID: sorted[0],
			})
		}
	}
	return found
}

func selfLoop(g *graph, comp []string) bool {
	if len(comp) != 1 {
		return false
	}
	for _, next := range g.outgoing[comp[0]] {
		if next == comp[0] {
			return true
		}
	}
	return false
}

// checkMissingEndings помечает листья графа, не зарегистрированные концовками.
func (e *Engine) checkMissingEndings(g *graph) []models.ValidationFinding {
	var found []models.ValidationFinding
	for _, id := range g.order {
		if len(g.outgoing[id]) == 0 && !g.endings[id] {
			found = append(found, models.ValidationFinding{
				Code:      models.ValidationMissingEnding,
				Severity:  models.SeverityCritical,
				Message:   fmt.Sprintf("chapter %q has no choices and is not registered as an ending", id),
				ChapterID: id,
			})
		}
	}
	return found
}

// checkUnbalancedPaths сравнивает глубины концовок от старта.
func (e *Engine) checkUnbalancedPaths(g *graph) []models.ValidationFinding {
	minDepth, maxDepth := endingDepths(g)
	if minDepth <= 0 || maxDepth <= 0 {
		return nil
	}
	if float64(maxDepth)/float64(minDepth) > e.cfg.BranchImbalanceRatio {
		return []models.ValidationFinding{{
			Code:     models.ValidationUnbalancedPaths,
			Severity: models.SeverityWarning,
			Message: fmt.Sprintf("ending depths range from %d to %d choices, ratio above %.1f",
				minDepth, maxDepth, e.cfg.BranchImbalanceRatio),
		}}
	}
	return nil
}

// checkTooManyChoices помечает перегруженные точки выбора.
func (e *Engine) checkTooManyChoices(g *graph) []models.ValidationFinding {
	var found []models.ValidationFinding
	for _, cp := range g.def.ChoicePoints {
		if len(cp.Choices) > e.cfg.MaxChoicesPerPoint {
			found = append(found, models.ValidationFinding{
				Code:          models.ValidationTooManyChoices,
				Severity:      models.SeverityWarning,
				Message:       fmt.Sprintf("choice point %q offers %d choices, more than %d", cp.ID, len(cp.Choices), e.cfg.MaxChoicesPerPoint),
				ChoicePointID: cp.ID,
			})
		}
	}
	return found
}

// checkShallowConsequences: точка помечена как влияющая на концовку,
// а у варианта нет ни одного последствия.
func (e *Engine) checkShallowConsequences(g *graph) []models.ValidationFinding {
	var found []models.ValidationFinding
	for _, cp := range g.def.ChoicePoints {
		if !cp.AffectsEnding {
			continue
		}
		for _, c := range cp.Choices {
			if len(c.Consequences) == 0 {
				found = append(found, models.ValidationFinding{
					Code:          models.ValidationShallowConsequences,
					Severity:      models.SeverityWarning,
					Message:       fmt.Sprintf("choice %q affects the ending but carries no consequences", c.ID),
					ChoicePointID: cp.ID,
					ChoiceID:      c.ID,
				})
			}
		}
	}
	return found
}

// analyzePaths собирает сводку формы графа для отчета.
func (e *Engine) analyzePaths(g *graph) models.StructurePathAnalysis {
	minDepth, maxDepth := endingDepths(g)
	return models.StructurePathAnalysis{
		ChapterCount:     len(g.chapters),
		ChoicePointCount: len(g.def.ChoicePoints),
		EndingCount:      len(g.def.Endings),
		MinDepth:         minDepth,
		MaxDepth:         maxDepth,
	}
}

// endingDepths возвращает минимальную и максимальную глубину достижимых
// концовок в выборах от старта; (0, 0), если ни одна не достижима.
func endingDepths(g *graph) (int, int) {
	depths := map[string]int{g.def.StartChapterID: 0}
	queue := []string{g.def.StartChapterID}
	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]
		for _, next := range g.outgoing[current] {
			if _, seen := depths[next]; !seen {
				depths[next] = depths[current] + 1
				queue = append(queue, next)
			}
		}
	}

	minDepth, maxDepth := 0, 0
	for chapterID := range g.endings {
		d, ok := depths[chapterID]
		if !ok {
			continue
		}
		if minDepth == 0 || d < minDepth {
			minDepth = d
		}
		if d > maxDepth {
			maxDepth = d
		}
	}
	return minDepth, maxDepth
}

// buildSuggestions переводит классы находок в подсказки автору.
func buildSuggestions(errs, warns []models.ValidationFinding) []string {
	seen := make(map[models.ValidationCode]bool)
	var suggestions []string
	add := func(code models.ValidationCode, text string) {
		if !seen[code] {
			seen[code] = true
			suggestions = append(suggestions, text)
		}
	}
	for _, f := range errs {
		switch f.Code {
		case models.ValidationBrokenChoice:
			add(f.Code, "fix choices that lead to chapters missing from the structure")
		case models.ValidationUnreachableChapter:
			add(f.Code, "connect unreachable chapters to the story or remove them")
		case models.ValidationCircularReference:
			add(f.Code, "add at least one choice leading out of each narrative loop")
		case models.ValidationMissingEnding:
			add(f.Code, "register leaf chapters as endings or give them choices")
		}
	}
	for _, f := range warns {
		switch f.Code {
		case models.ValidationUnbalancedPaths:
			add(f.Code, "even out branch lengths so every route feels complete")
		case models.ValidationTooManyChoices:
			add(f.Code, "split crowded choice points into smaller decisions")
		case models.ValidationShallowConsequences:
			add(f.Code, "give ending-defining choices at least one consequence")
		}
	}
	return suggestions
}
