package graph

import (
	"testing"

	"github.com/load28/a-dev/pkg/models"
)

func mkTasks(specs map[string][]string, order ...string) []*models.Task {
	tasks := make([]*models.Task, 0, len(order))
	for _, id := range order {
		tasks = append(tasks, &models.Task{
			ID:           id,
			Title:        "Task " + id,
			Status:       models.StatusPending,
			Dependencies: specs[id],
		})
	}
	return tasks
}

func assertBatches(t *testing.T, got, want [][]string) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("expected %d batches, got %d: %v", len(want), len(got), got)
	}
	for i := range want {
		if len(got[i]) != len(want[i]) {
			t.Fatalf("batch %d: expected %v, got %v", i, want[i], got[i])
		}
		for j := range want[i] {
			if got[i][j] != want[i][j] {
				t.Fatalf("batch %d: expected %v, got %v", i, want[i], got[i])
			}
		}
	}
}

func TestValidateEmpty(t *testing.T) {
	g, errs := Validate(nil)
	if errs != nil {
		t.Fatalf("unexpected errors: %v", errs)
	}
	if g.Size() != 0 {
		t.Errorf("expected empty graph, got size %d", g.Size())
	}
	if batches := g.Batches(); len(batches) != 0 {
		t.Errorf("expected no batches, got %d", len(batches))
	}
}

func TestValidateSimpleChain(t *testing.T) {
	tasks := mkTasks(map[string][]string{
		"b": {"a"},
		"c": {"b"},
	}, "a", "b", "c")

	g, errs := Validate(tasks)
	if errs != nil {
		t.Fatalf("unexpected errors: %v", errs)
	}

	batches := g.Batches()
	want := [][]string{{"a"}, {"b"}, {"c"}}
	assertBatches(t, batches, want)
}

func TestValidateDiamond(t *testing.T) {
	// a -> {b, c} -> d
	tasks := mkTasks(map[string][]string{
		"b": {"a"},
		"c": {"a"},
		"d": {"b", "c"},
	}, "a", "b", "c", "d")

	g, errs := Validate(tasks)
	if errs != nil {
		t.Fatalf("unexpected errors: %v", errs)
	}
	assertBatches(t, g.Batches(), [][]string{{"a"}, {"b", "c"}, {"d"}})
}

func TestValidateUnknownDependency(t *testing.T) {
	tasks := mkTasks(map[string][]string{
		"a": {"ghost"},
	}, "a")

	g, errs := Validate(tasks)
	if g != nil {
		t.Fatal("expected nil graph on validation failure")
	}
	if len(errs) != 1 {
		t.Fatalf("expected 1 error, got %d: %v", len(errs), errs)
	}
	if errs[0].Kind != ErrUnknownDependency {
		t.Errorf("expected unknown_dependency, got %s", errs[0].Kind)
	}
	if errs[0].DependencyID != "ghost" {
		t.Errorf("expected offending dep ghost, got %s", errs[0].DependencyID)
	}
}

func TestValidateDuplicateID(t *testing.T) {
	tasks := mkTasks(nil, "a", "b")
	tasks = append(tasks, &models.Task{ID: "a", Title: "Task a again", Status: models.StatusPending})

	g, errs := Validate(tasks)
	if g != nil {
		t.Fatal("expected nil graph on validation failure")
	}
	if len(errs) != 1 || errs[0].Kind != ErrDuplicateID {
		t.Fatalf("expected single duplicate_id error, got %v", errs)
	}
	if errs[0].TaskID != "a" {
		t.Errorf("expected duplicate id a, got %s", errs[0].TaskID)
	}
}

func TestValidateSelfDependency(t *testing.T) {
	tasks := mkTasks(map[string][]string{
		"a": {"a"},
	}, "a")

	_, errs := Validate(tasks)
	if len(errs) != 1 || errs[0].Kind != ErrSelfDependency {
		t.Fatalf("expected single self_dependency error, got %v", errs)
	}
}

func TestValidateCycleReportsPath(t *testing.T) {
	// a -> b -> c -> a
	tasks := mkTasks(map[string][]string{
		"a": {"c"},
		"b": {"a"},
		"c": {"b"},
	}, "a", "b", "c")

	g, errs := Validate(tasks)
	if g != nil {
		t.Fatal("expected nil graph for cyclic input")
	}
	if len(errs) == 0 {
		t.Fatal("expected cycle error")
	}
	found := false
	for _, e := range errs {
		if e.Kind == ErrCycleDetected {
			found = true
			if len(e.Cycle) != 4 {
				t.Errorf("expected full cycle path of 4 nodes, got %v", e.Cycle)
			}
			if e.Cycle[0] != e.Cycle[len(e.Cycle)-1] {
				t.Errorf("cycle path should close on itself: %v", e.Cycle)
			}
		}
	}
	if !found {
		t.Errorf("expected cycle_detected among errors: %v", errs)
	}
}

func TestValidateCollectsAllErrors(t *testing.T) {
	tasks := mkTasks(map[string][]string{
		"a": {"ghost", "a"},
		"b": {"c"},
		"c": {"b"},
	}, "a", "b", "c")

	_, errs := Validate(tasks)
	kinds := make(map[ErrorKind]int)
	for _, e := range errs {
		kinds[e.Kind]++
	}
	if kinds[ErrUnknownDependency] != 1 {
		t.Errorf("expected 1 unknown_dependency, got %d", kinds[ErrUnknownDependency])
	}
	if kinds[ErrSelfDependency] != 1 {
		t.Errorf("expected 1 self_dependency, got %d", kinds[ErrSelfDependency])
	}
	if kinds[ErrCycleDetected] == 0 {
		t.Error("expected at least one cycle_detected")
	}
}

func TestBatchesPartitionExactlyOnce(t *testing.T) {
	tasks := mkTasks(map[string][]string{
		"b": {"a"},
		"c": {"a"},
		"d": {"b"},
		"e": {"b", "c"},
		"f": {},
	}, "a", "b", "c", "d", "e", "f")

	g, errs := Validate(tasks)
	if errs != nil {
		t.Fatalf("unexpected errors: %v", errs)
	}

	batches := g.Batches()
	seen := make(map[string]int)
	batchOf := make(map[string]int)
	for i, batch := range batches {
		for _, id := range batch {
			seen[id]++
			batchOf[id] = i
		}
	}
	if len(seen) != len(tasks) {
		t.Fatalf("expected %d tasks across batches, got %d", len(tasks), len(seen))
	}
	for id, n := range seen {
		if n != 1 {
			t.Errorf("task %s appears %d times", id, n)
		}
	}

	// Every dependency's batch index must be strictly less.
	for _, task := range tasks {
		for _, dep := range task.Dependencies {
			if batchOf[dep] >= batchOf[task.ID] {
				t.Errorf("task %s (batch %d) must come after dep %s (batch %d)",
					task.ID, batchOf[task.ID], dep, batchOf[dep])
			}
		}
	}
}

func TestTransitiveDependents(t *testing.T) {
	tasks := mkTasks(map[string][]string{
		"b": {"a"},
		"c": {"b"},
		"d": {"a"},
		"e": {},
	}, "a", "b", "c", "d", "e")

	g, errs := Validate(tasks)
	if errs != nil {
		t.Fatalf("unexpected errors: %v", errs)
	}

	got := g.TransitiveDependents("a")
	want := map[string]bool{"b": true, "c": true, "d": true}
	if len(got) != len(want) {
		t.Fatalf("expected %d dependents, got %v", len(want), got)
	}
	for _, id := range got {
		if !want[id] {
			t.Errorf("unexpected dependent %s", id)
		}
	}

	if deps := g.TransitiveDependents("e"); len(deps) != 0 {
		t.Errorf("expected no dependents of e, got %v", deps)
	}
}
