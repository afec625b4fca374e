package validation

// stronglyConnected возвращает сильно связные компоненты графа глав
// (итеративный Тарьян). Главы обходятся в порядке документа, чтобы отчет
// был стабильным между запусками.
func stronglyConnected(g *graph) [][]string {
	const unvisited = -1

	index := 0
	indices := make(map[string]int, len(g.order))
	lowlink := make(map[string]int, len(g.order))
	onStack := make(map[string]bool, len(g.order))
	var stack []string
	var components [][]string

	for _, id := range g.order {
		indices[id] = unvisited
	}

	type frame struct {
		node string
		next int // индекс следующего непросмотренного ребра
	}

	for _, root := range g.order {
		if indices[root] != unvisited {
			continue
		}

		callStack := []frame{{node: root}}
		indices[root] = index
		lowlink[root] = index
		index++
		stack = append(stack, root)
		onStack[root] = true

		for len(callStack) > 0 {
			top := &callStack[len(callStack)-1]
			edges := g.outgoing[top.node]

			if top.next < len(edges) {
				next := edges[top.next]
				top.next++
				if indices[next] == unvisited {
					indices[next] = index
					lowlink[next] = index
					index++
					stack = append(stack, next)
					onStack[next] = true
					callStack = append(callStack, frame{node: next})
				} else if onStack[next] {
					if indices[next] < lowlink[top.node] {
						lowlink[top.node] = indices[next]
					}
				}
				continue
			}

			// Все ребра узла просмотрены: сворачиваем кадр.
			finished := top.node
			callStack = callStack[:len(callStack)-1]
			if len(callStack) > 0 {
				parent := &callStack[len(callStack)-1]
				if lowlink[finished] < lowlink[parent.node] {
					lowlink[parent.node] = lowlink[finished]
				}
			}
			if lowlink[finished] == indices[finished] {
				var comp []string
				for {
					n := stack[len(stack)-1]
					stack = stack[:len(stack)-1]
					onStack[n] = false
					comp = append(comp, n)
					if n == finished {
						break
					}
				}
				components = append(components, comp)
			}
		}
	}
	return components
}
