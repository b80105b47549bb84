package graph

// CriticalPath returns the longest simple chain of task ids through the
// "blocks" relation, starting at a task with no dependencies and ending at
// a task nothing depends on. Each task counts as one unit of time, so the
// chain length estimates minimum completion time.
//
// Ties between equally long chains break toward lower task ids: roots and
// successors are explored in ascending id order and only a strictly longer
// chain replaces the current best. A per-path visited set guards against
// revisiting, so the walk terminates even if the loaded edge set
// accidentally contains a cycle. Tasks referenced by edges but absent from
// the node set are not part of any chain.
//
// Returns an empty slice when the graph has no tasks.
func (g *DepGraph) CriticalPath() []int64 {
	best := make([]int64, 0)
	if g == nil || len(g.nodes) == 0 {
		return best
	}

	roots := make([]int64, 0)
	for id := range g.nodes {
		if len(g.deps[id]) == 0 {
			roots = append(roots, id)
		}
	}
	sortIDs(roots)

	path := make([]int64, 0, len(g.nodes))
	onPath := make(map[int64]bool, len(g.nodes))

	var walk func(id int64)
	walk = func(id int64) {
		path = append(path, id)
		onPath[id] = true

		extended := false
		for _, next := range g.DependentIDs(id) {
			if onPath[next] || g.nodes[next] == nil {
				continue
			}
			extended = true
			walk(next)
		}

		if !extended && len(path) > len(best) {
			best = append(best[:0], path...)
		}

		onPath[id] = false
		path = path[:len(path)-1]
	}

	for _, root := range roots {
		walk(root)
	}

	return best
}
