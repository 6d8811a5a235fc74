// Package graph validates task dependency graphs and plans their parallel
// execution as ordered batches.
package graph

import (
	"fmt"
	"sort"
	"strings"

	"github.com/load28/a-dev/pkg/models"
)

// ErrorKind classifies a validation failure.
type ErrorKind string

const (
	// ErrUnknownDependency means a declared dependency is not part of the
	// input set.
	ErrUnknownDependency ErrorKind = "unknown_dependency"
	// ErrSelfDependency means a task depends on itself.
	ErrSelfDependency ErrorKind = "self_dependency"
	// ErrCycleDetected means the dependency relation contains a cycle.
	ErrCycleDetected ErrorKind = "cycle_detected"
	// ErrDuplicateID means two tasks in the input share an ID.
	ErrDuplicateID ErrorKind = "duplicate_id"
)

// Error describes a single validation failure.
type Error struct {
	// Kind is the failure class.
	Kind ErrorKind
	// TaskID is the task the failure was found on.
	TaskID string
	// DependencyID is the offending dependency, for unknown/self errors.
	DependencyID string
	// Cycle holds the full cycle path for cycle errors.
	Cycle []string
}

func (e Error) Error() string {
	switch e.Kind {
	case ErrUnknownDependency:
		return fmt.Sprintf("task %s depends on unknown task %s", e.TaskID, e.DependencyID)
	case ErrSelfDependency:
		return fmt.Sprintf("task %s depends on itself", e.TaskID)
	case ErrCycleDetected:
		return fmt.Sprintf("dependency cycle: %s", strings.Join(e.Cycle, " -> "))
	case ErrDuplicateID:
		return fmt.Sprintf("task id %s appears more than once", e.TaskID)
	default:
		return fmt.Sprintf("invalid graph: task %s", e.TaskID)
	}
}

// Errors aggregates every validation failure found in one pass.
// Validation collects rather than failing fast so callers can report the
// complete set of problems at once.
type Errors []Error

func (es Errors) Error() string {
	msgs := make([]string, len(es))
	for i, e := range es {
		msgs[i] = e.Error()
	}
	return strings.Join(msgs, "; ")
}

// Graph is a validated, acyclic dependency graph over one composite
// task's subtasks. It is immutable after Validate returns it.
type Graph struct {
	// order preserves input order for deterministic batch output.
	order []string
	nodes map[string]*models.Task
	// deps maps task ID to the IDs it depends on.
	deps map[string][]string
	// dependents is the reverse adjacency: task ID to the IDs that
	// depend on it.
	dependents map[string][]string
}

// Validate checks a proposed subtask set and returns a validated graph.
// All failures are collected: duplicate IDs, unknown dependencies,
// self-dependencies, and cycles (reported with the full cycle path). On
// any failure the returned graph is nil.
func Validate(tasks []*models.Task) (*Graph, Errors) {
	g := &Graph{
		nodes:      make(map[string]*models.Task, len(tasks)),
		deps:       make(map[string][]string, len(tasks)),
		dependents: make(map[string][]string),
	}

	var errs Errors

	for _, task := range tasks {
		if _, ok := g.nodes[task.ID]; ok {
			errs = append(errs, Error{Kind: ErrDuplicateID, TaskID: task.ID})
			continue
		}
		g.order = append(g.order, task.ID)
		g.nodes[task.ID] = task
	}

	for _, task := range tasks {
		for _, depID := range task.Dependencies {
			if depID == task.ID {
				errs = append(errs, Error{Kind: ErrSelfDependency, TaskID: task.ID, DependencyID: depID})
				continue
			}
			if _, ok := g.nodes[depID]; !ok {
				errs = append(errs, Error{Kind: ErrUnknownDependency, TaskID: task.ID, DependencyID: depID})
				continue
			}
			g.deps[task.ID] = append(g.deps[task.ID], depID)
			g.dependents[depID] = append(g.dependents[depID], task.ID)
		}
	}

	// Cycle detection runs over the resolvable edges even when reference
	// errors were found, so one pass reports everything.
	errs = append(errs, g.findCycles()...)

	if len(errs) > 0 {
		return nil, errs
	}
	return g, nil
}

// findCycles runs a depth-first traversal with an on-stack marker. Any
// edge into a node currently on the stack closes a cycle; the stack slice
// between that node and the top is the cycle path.
func (g *Graph) findCycles() Errors {
	const (
		white = iota // unvisited
		gray         // on stack
		black        // done
	)

	colors := make(map[string]int, len(g.nodes))
	var stack []string
	var errs Errors

	var visit func(id string)
	visit = func(id string) {
		colors[id] = gray
		stack = append(stack, id)

		for _, depID := range g.deps[id] {
			switch colors[depID] {
			case gray:
				// Back edge: slice the stack from depID to here.
				start := 0
				for i, sid := range stack {
					if sid == depID {
						start = i
						break
					}
				}
				cycle := append(append([]string{}, stack[start:]...), depID)
				errs = append(errs, Error{Kind: ErrCycleDetected, TaskID: id, Cycle: cycle})
			case white:
				visit(depID)
			}
		}

		stack = stack[:len(stack)-1]
		colors[id] = black
	}

	for _, id := range g.order {
		if colors[id] == white {
			visit(id)
		}
	}

	return errs
}

// Size returns the number of tasks in the graph.
func (g *Graph) Size() int {
	return len(g.nodes)
}

// Task returns the task for a given ID, or nil if not found.
func (g *Graph) Task(id string) *models.Task {
	return g.nodes[id]
}

// Dependencies returns the direct dependencies of a task.
func (g *Graph) Dependencies(id string) []string {
	return g.deps[id]
}

// Dependents returns the tasks that directly depend on the given task.
func (g *Graph) Dependents(id string) []string {
	return g.dependents[id]
}

// TransitiveDependents returns every task that directly or indirectly
// depends on the given task, in deterministic order.
func (g *Graph) TransitiveDependents(id string) []string {
	seen := make(map[string]bool)
	var walk func(id string)
	walk = func(id string) {
		for _, dep := range g.dependents[id] {
			if !seen[dep] {
				seen[dep] = true
				walk(dep)
			}
		}
	}
	walk(id)

	out := make([]string, 0, len(seen))
	for _, tid := range g.order {
		if seen[tid] {
			out = append(out, tid)
		}
	}
	return out
}

// Batches layers the graph into ordered, parallelizable batches using
// Kahn's algorithm: each wave collects every task whose remaining
// in-degree is zero, then removes the wave and decrements its dependents.
// Every task lands in exactly one batch, and a task's batch index is
// strictly greater than that of each of its dependencies.
func (g *Graph) Batches() [][]string {
	indegree := make(map[string]int, len(g.nodes))
	for _, id := range g.order {
		indegree[id] = len(g.deps[id])
	}

	assigned := make(map[string]bool, len(g.nodes))
	var batches [][]string

	for len(assigned) < len(g.nodes) {
		var batch []string
		for _, id := range g.order {
			if !assigned[id] && indegree[id] == 0 {
				batch = append(batch, id)
			}
		}
		if len(batch) == 0 {
			// Unreachable on a validated graph; a cycle would have been
			// rejected by Validate.
			break
		}
		sort.Strings(batch)
		for _, id := range batch {
			assigned[id] = true
			for _, dep := range g.dependents[id] {
				indegree[dep]--
			}
		}
		batches = append(batches, batch)
	}

	return batches
}
