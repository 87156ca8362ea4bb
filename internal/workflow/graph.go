package workflow

import (
	"fmt"
	"strings"
)

// Graph is the dependency graph for one workflow run. Nodes keep declaration
// order; the scheduler relies on that order as its deterministic dispatch
// tie-break. A Graph is immutable after Build returns it.
type Graph struct {
	Name  string
	Tasks []TaskDef

	index    map[string]int
	incoming map[int][]int
	outgoing map[int][]int
}

// Build validates a definition and constructs its task graph. It returns a
// GraphBuildError for duplicate ids, unresolved references, self-dependencies,
// and cycles.
func Build(def *Definition) (*Graph, error) {
	g := &Graph{
		Name:     def.Name,
		Tasks:    def.Tasks,
		index:    make(map[string]int, len(def.Tasks)),
		incoming: make(map[int][]int),
		outgoing: make(map[int][]int),
	}

	for i, t := range def.Tasks {
		if t.ID == "" {
			return nil, &GraphBuildError{Reason: fmt.Sprintf("task at position %d has no id", i)}
		}
		if _, dup := g.index[t.ID]; dup {
			return nil, &GraphBuildError{Reason: fmt.Sprintf("duplicate task id %q", t.ID)}
		}
		g.index[t.ID] = i
	}

	for i, t := range def.Tasks {
		for _, dep := range t.After {
			j, ok := g.index[dep]
			if !ok {
				return nil, &GraphBuildError{Reason: fmt.Sprintf("task %q depends on unknown task %q", t.ID, dep)}
			}
			if j == i {
				return nil, &GraphBuildError{Reason: fmt.Sprintf("task %q depends on itself", t.ID)}
			}
			g.incoming[i] = append(g.incoming[i], j)
			g.outgoing[j] = append(g.outgoing[j], i)
		}
	}

	if cycle := g.findCycle(); cycle != nil {
		names := make([]string, len(cycle))
		for i, idx := range cycle {
			names[i] = g.Tasks[idx].ID
		}
		return nil, &GraphBuildError{Reason: "dependency cycle: " + strings.Join(names, " -> ")}
	}

	return g, nil
}

// Len returns the number of tasks in the graph.
func (g *Graph) Len() int { return len(g.Tasks) }

// Task returns the task definition for the given id.
func (g *Graph) Task(id string) (TaskDef, bool) {
	i, ok := g.index[id]
	if !ok {
		return TaskDef{}, false
	}
	return g.Tasks[i], true
}

// Deps returns the ids of the tasks the given task depends on.
func (g *Graph) Deps(id string) []string {
	i, ok := g.index[id]
	if !ok {
		return nil
	}
	deps := make([]string, 0, len(g.incoming[i]))
	for _, j := range g.incoming[i] {
		deps = append(deps, g.Tasks[j].ID)
	}
	return deps
}

// Dependents returns the transitive dependents of the given task in
// declaration order. These are the tasks invalidated when the given task
// fails.
func (g *Graph) Dependents(id string) []string {
	start, ok := g.index[id]
	if !ok {
		return nil
	}

	visited := make([]bool, len(g.Tasks))
	stack := append([]int(nil), g.outgoing[start]...)
	for len(stack) > 0 {
		n := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if visited[n] {
			continue
		}
		visited[n] = true
		stack = append(stack, g.outgoing[n]...)
	}

	var out []string
	for i, seen := range visited {
		if seen {
			out = append(out, g.Tasks[i].ID)
		}
	}
	return out
}

// findCycle runs Kahn's algorithm over declaration indices. If not every node
// is drained, the leftover nodes contain a cycle; one cycle path is extracted
// deterministically for the error message.
func (g *Graph) findCycle() []int {
	indeg := make([]int, len(g.Tasks))
	for i := range g.Tasks {
		indeg[i] = len(g.incoming[i])
	}

	var queue []int
	for i, d := range indeg {
		if d == 0 {
			queue = append(queue, i)
		}
	}

	drained := 0
	for len(queue) > 0 {
		n := queue[0]
		queue = queue[1:]
		drained++
		for _, m := range g.outgoing[n] {
			indeg[m]--
			if indeg[m] == 0 {
				queue = append(queue, m)
			}
		}
	}

	if drained == len(g.Tasks) {
		return nil
	}

	// Walk incoming edges from the first leftover node until a node repeats.
	start := -1
	for i, d := range indeg {
		if d > 0 {
			start = i
			break
		}
	}

	seen := make(map[int]int)
	var path []int
	cur := start
	for {
		if pos, ok := seen[cur]; ok {
			cycle := append([]int(nil), path[pos:]...)
			return append(cycle, cur)
		}
		seen[cur] = len(path)
		path = append(path, cur)

		next := -1
		for _, p := range g.incoming[cur] {
			if indeg[p] > 0 {
				next = p
				break
			}
		}
		if next == -1 {
			return path
		}
		cur = next
	}
}
