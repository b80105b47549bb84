// Package graph maintains the in-memory task dependency graph behind the
// dashboard's dependency view: cycle-safe edge insertion, blocked-task
// queries, and critical-path computation. A DepGraph is owned by a single
// caller and is not safe for concurrent use.
package graph

import (
	"errors"
	"sort"
)

var (
	// ErrSelfDependency is returned when an edge would make a task depend
	// on itself.
	ErrSelfDependency = errors.New("graph: a task cannot depend on itself")

	// ErrCycle is returned when an edge would close a directed cycle.
	ErrCycle = errors.New("graph: adding this edge would create a cycle")
)

// DepGraph is a directed dependency graph over tasks. Edges point from a
// dependent task to the tasks it depends on (its blockers).
type DepGraph struct {
	nodes  map[int64]*Task
	deps   map[int64]map[int64]struct{} // dependent -> blockers
	blocks map[int64]map[int64]struct{} // blocker -> dependents
}

// New returns an empty graph.
func New() *DepGraph {
	return &DepGraph{
		nodes:  make(map[int64]*Task),
		deps:   make(map[int64]map[int64]struct{}),
		blocks: make(map[int64]map[int64]struct{}),
	}
}

// Load replaces the graph state with the given tasks and edges. Input is
// not validated beyond dropping self-edges: the caller is expected to hand
// over an acyclic edge set, and analytics stay terminating even if it does
// not. Duplicate task ids keep the first occurrence.
func (g *DepGraph) Load(tasks []Task, edges []Edge) {
	g.nodes = make(map[int64]*Task, len(tasks))
	g.deps = make(map[int64]map[int64]struct{}, len(tasks))
	g.blocks = make(map[int64]map[int64]struct{}, len(tasks))

	for i := range tasks {
		if _, dup := g.nodes[tasks[i].ID]; dup {
			continue
		}
		t := tasks[i]
		t.Status = t.Status.Normalize()
		g.nodes[t.ID] = &t
	}

	for _, e := range edges {
		if e.BlockerID == e.DependentID {
			continue
		}
		g.link(e.BlockerID, e.DependentID)
	}
}

// AddDependency records that dependentID depends on blockerID. It fails
// with ErrSelfDependency when the ids are equal, and with ErrCycle when
// blockerID already depends on dependentID, directly or transitively,
// meaning the new edge would close a cycle. A rejected call leaves the
// graph unchanged. Re-adding an existing edge is a no-op.
func (g *DepGraph) AddDependency(blockerID, dependentID int64) error {
	if blockerID == dependentID {
		return ErrSelfDependency
	}
	if g.reaches(blockerID, dependentID) {
		return ErrCycle
	}
	g.link(blockerID, dependentID)
	return nil
}

// RemoveDependency deletes the edge if present. Removing a missing edge is
// a no-op.
func (g *DepGraph) RemoveDependency(blockerID, dependentID int64) {
	if set, ok := g.deps[dependentID]; ok {
		delete(set, blockerID)
		if len(set) == 0 {
			delete(g.deps, dependentID)
		}
	}
	if set, ok := g.blocks[blockerID]; ok {
		delete(set, dependentID)
		if len(set) == 0 {
			delete(g.blocks, blockerID)
		}
	}
}

// HasDependency reports whether the edge exists.
func (g *DepGraph) HasDependency(blockerID, dependentID int64) bool {
	_, ok := g.deps[dependentID][blockerID]
	return ok
}

// IsBlocked reports whether any direct dependency of the task is not
// completed. Dependencies missing from the node set count as not
// completed. Only direct dependencies are considered: a dependency that is
// itself blocked but marked completed does not block its dependents.
func (g *DepGraph) IsBlocked(id int64) bool {
	if g == nil || g.nodes[id] == nil {
		return false
	}
	for depID := range g.deps[id] {
		dep := g.nodes[depID]
		if dep == nil || dep.Status != StatusCompleted {
			return true
		}
	}
	return false
}

// BlockedTasks returns the ids of all blocked tasks in ascending order.
func (g *DepGraph) BlockedTasks() []int64 {
	out := make([]int64, 0)
	for id := range g.nodes {
		if g.IsBlocked(id) {
			out = append(out, id)
		}
	}
	sortIDs(out)
	return out
}

// Task returns the task by id, or nil when unknown. The pointer shares the
// graph's internal state; mutating Status through it is how the owning
// view applies status changes without a full reload.
func (g *DepGraph) Task(id int64) *Task {
	if g == nil {
		return nil
	}
	return g.nodes[id]
}

// SetStatus updates a task's status in place. Returns false for unknown ids.
func (g *DepGraph) SetStatus(id int64, status Status) bool {
	t := g.nodes[id]
	if t == nil {
		return false
	}
	t.Status = status.Normalize()
	return true
}

// Tasks returns all tasks ordered by id.
func (g *DepGraph) Tasks() []Task {
	out := make([]Task, 0, len(g.nodes))
	for _, t := range g.nodes {
		out = append(out, *t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Edges returns all edges ordered by (blocker, dependent).
func (g *DepGraph) Edges() []Edge {
	out := make([]Edge, 0)
	for dependent, blockers := range g.deps {
		for blocker := range blockers {
			out = append(out, Edge{BlockerID: blocker, DependentID: dependent})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].BlockerID != out[j].BlockerID {
			return out[i].BlockerID < out[j].BlockerID
		}
		return out[i].DependentID < out[j].DependentID
	})
	return out
}

// DependencyIDs returns the ids the task directly depends on, ascending.
func (g *DepGraph) DependencyIDs(id int64) []int64 {
	return sortedSet(g.deps[id])
}

// DependentIDs returns the ids directly blocked by the task, ascending.
func (g *DepGraph) DependentIDs(id int64) []int64 {
	return sortedSet(g.blocks[id])
}

// Stats counts tasks by status.
func (g *DepGraph) Stats() Stats {
	var s Stats
	for _, t := range g.nodes {
		switch t.Status {
		case StatusInProgress:
			s.InProgress++
		case StatusCompleted:
			s.Completed++
		case StatusBlocked:
			s.Blocked++
		default:
			s.Pending++
		}
	}
	return s
}

// Len returns the number of tasks.
func (g *DepGraph) Len() int {
	return len(g.nodes)
}

// reaches reports whether to is reachable from from by following
// dependency edges (dependent -> blocker). Iterative DFS; the visited set
// keeps it terminating on graphs that already contain a cycle.
func (g *DepGraph) reaches(from, to int64) bool {
	visited := make(map[int64]bool)
	stack := []int64{from}

	for len(stack) > 0 {
		current := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		if current == to {
			return true
		}
		if visited[current] {
			continue
		}
		visited[current] = true

		for next := range g.deps[current] {
			if !visited[next] {
				stack = append(stack, next)
			}
		}
	}

	return false
}

func (g *DepGraph) link(blockerID, dependentID int64) {
	if g.deps[dependentID] == nil {
		g.deps[dependentID] = make(map[int64]struct{})
	}
	g.deps[dependentID][blockerID] = struct{}{}
	if g.blocks[blockerID] == nil {
		g.blocks[blockerID] = make(map[int64]struct{})
	}
	g.blocks[blockerID][dependentID] = struct{}{}
}

func sortedSet(set map[int64]struct{}) []int64 {
	out := make([]int64, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	sortIDs(out)
	return out
}

func sortIDs(ids []int64) {
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
}
