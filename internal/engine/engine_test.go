package engine

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"

	"github.com/load28/a-dev/internal/graph"
	"github.com/load28/a-dev/internal/store"
	"github.com/load28/a-dev/internal/worker"
	"github.com/load28/a-dev/pkg/models"
)

type fakeWorker struct {
	mu         sync.Mutex
	dispatched []worker.DispatchRequest
	failNext   bool
}

func (w *fakeWorker) Dispatch(_ context.Context, req worker.DispatchRequest) (string, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.failNext {
		w.failNext = false
		return "", errors.New("worker unavailable")
	}
	w.dispatched = append(w.dispatched, req)
	return fmt.Sprintf("run-%d", len(w.dispatched)), nil
}

func (w *fakeWorker) dispatchCount(taskID string) int {
	w.mu.Lock()
	defer w.mu.Unlock()
	n := 0
	for _, req := range w.dispatched {
		if req.TaskID == taskID {
			n++
		}
	}
	return n
}

type fakeConsolidator struct {
	mu        sync.Mutex
	ensured   []string
	merged    []string
	prOpened  int
	prURL     string
	mergeErr  error
	ensureErr error
}

func (c *fakeConsolidator) EnsureConsolidationBranch(composite *models.CompositeTask) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ensured = append(c.ensured, composite.ID)
	return c.ensureErr
}

func (c *fakeConsolidator) MergeSubtask(_ *models.CompositeTask, t *models.Task) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.mergeErr != nil {
		return c.mergeErr
	}
	c.merged = append(c.merged, t.ID)
	return nil
}

func (c *fakeConsolidator) OpenPullRequest(composite *models.CompositeTask, _ []models.Task) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.prOpened++
	if c.prURL == "" {
		c.prURL = "https://github.com/o/r/pull/7"
	}
	return c.prURL, nil
}

func newTestEngine(t *testing.T) (*Engine, *fakeWorker, *fakeConsolidator, store.Store) {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "adev.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	if err := db.Migrate(); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	w := &fakeWorker{}
	cons := &fakeConsolidator{}
	e := New(Config{Store: db, Worker: w, Consolidator: cons, BaseBranch: "main"})
	return e, w, cons, db
}

// diamondRequest builds setup -> {api, ui} -> integrate.
func diamondRequest(autoApprove bool) CompositeRequest {
	return CompositeRequest{
		Title:       "Add user settings",
		AutoApprove: autoApprove,
		Repo:        models.Repository{Owner: "o", Name: "r"},
		Subtasks: []SubtaskSpec{
			{LocalID: "setup", Title: "Schema setup", Prompt: "do setup"},
			{LocalID: "api", Title: "API layer", Prompt: "do api", Dependencies: []string{"setup"}},
			{LocalID: "ui", Title: "UI layer", Prompt: "do ui", Dependencies: []string{"setup"}},
			{LocalID: "integrate", Title: "Integration", Prompt: "wire up", Dependencies: []string{"api", "ui"}},
		},
	}
}

func taskByTitle(t *testing.T, db store.Store, compositeID, title string) *models.Task {
	t.Helper()
	tasks, err := db.ListTasksByComposite(compositeID)
	if err != nil {
		t.Fatalf("list subtasks: %v", err)
	}
	for i := range tasks {
		if tasks[i].Title == title {
			return &tasks[i]
		}
	}
	t.Fatalf("no subtask titled %q", title)
	return nil
}

func TestCreateCompositeTaskPlansBatches(t *testing.T) {
	e, _, _, db := newTestEngine(t)

	c, err := e.CreateCompositeTask(diamondRequest(false))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if len(c.Batches) != 3 {
		t.Fatalf("expected 3 batches, got %d: %v", len(c.Batches), c.Batches)
	}
	if len(c.Batches[0]) != 1 || len(c.Batches[1]) != 2 || len(c.Batches[2]) != 1 {
		t.Errorf("unexpected batch shape: %v", c.Batches)
	}

	setup := taskByTitle(t, db, c.ID, "Schema setup")
	if setup.Status != models.StatusReady {
		t.Errorf("root task should be ready, got %s", setup.Status)
	}
	api := taskByTitle(t, db, c.ID, "API layer")
	if api.Status != models.StatusWaitingDependencies {
		t.Errorf("dependent task should wait, got %s", api.Status)
	}
	if len(api.Dependencies) != 1 || api.Dependencies[0] != setup.ID {
		t.Errorf("dependencies should be rewritten to real IDs, got %v", api.Dependencies)
	}
}

func TestCreateCompositeTaskRejectsBadGraph(t *testing.T) {
	e, _, _, db := newTestEngine(t)

	req := CompositeRequest{
		Title: "broken",
		Subtasks: []SubtaskSpec{
			{LocalID: "a", Title: "A", Dependencies: []string{"b", "ghost"}},
			{LocalID: "b", Title: "B", Dependencies: []string{"a"}},
		},
	}
	if _, err := e.CreateCompositeTask(req); err == nil {
		t.Fatal("expected validation errors")
	}

	composites, err := db.ListCompositeTasks()
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(composites) != 0 {
		t.Errorf("nothing should be persisted on validation failure, got %d", len(composites))
	}
}

func TestCreateCompositeTaskRejectsDuplicateIDs(t *testing.T) {
	e, _, _, db := newTestEngine(t)

	req := CompositeRequest{
		Title: "duplicated",
		Subtasks: []SubtaskSpec{
			{LocalID: "a", Title: "A"},
			{LocalID: "a", Title: "A again"},
		},
	}
	_, err := e.CreateCompositeTask(req)
	var gerrs graph.Errors
	if !errors.As(err, &gerrs) {
		t.Fatalf("expected graph errors, got %v", err)
	}
	if len(gerrs) != 1 || gerrs[0].Kind != graph.ErrDuplicateID {
		t.Fatalf("expected single duplicate_id error, got %v", gerrs)
	}

	composites, err := db.ListCompositeTasks()
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(composites) != 0 {
		t.Errorf("nothing should be persisted, got %d composites", len(composites))
	}
}

func TestOrchestrateDispatchesFirstBatchOnly(t *testing.T) {
	e, w, cons, _ := newTestEngine(t)
	ctx := context.Background()

	c, err := e.CreateCompositeTask(diamondRequest(false))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	dispatched, err := e.Orchestrate(ctx, c.ID)
	if err != nil {
		t.Fatalf("orchestrate: %v", err)
	}
	if len(dispatched) != 1 {
		t.Fatalf("expected 1 dispatched id, got %v", dispatched)
	}

	if len(cons.ensured) != 1 {
		t.Errorf("consolidation branch should be ensured once, got %d", len(cons.ensured))
	}
	if len(w.dispatched) != 1 {
		t.Fatalf("only the first batch should dispatch, got %d requests", len(w.dispatched))
	}
	req := w.dispatched[0]
	if req.BaseBranch != c.ConsolidationBranch() || req.TargetBranch != c.ConsolidationBranch() {
		t.Errorf("subtask should work against the consolidation branch, got base=%s target=%s",
			req.BaseBranch, req.TargetBranch)
	}
	if req.WorkBranch != c.SubtaskBranch(req.TaskID) {
		t.Errorf("unexpected work branch %s", req.WorkBranch)
	}
}

func TestCallbackAdvancesBatches(t *testing.T) {
	e, w, _, db := newTestEngine(t)
	ctx := context.Background()

	c, _ := e.CreateCompositeTask(diamondRequest(false))
	if _, err := e.Orchestrate(ctx, c.ID); err != nil {
		t.Fatalf("orchestrate: %v", err)
	}
	setup := taskByTitle(t, db, c.ID, "Schema setup")

	action, err := e.ReceiveCallback(ctx, models.ExecutionCallback{
		TaskID: setup.ID, CompositeTaskID: c.ID, Success: true,
		PRURL: "https://github.com/o/r/pull/1",
	})
	if err != nil {
		t.Fatalf("callback: %v", err)
	}
	if action != models.ActionAdvanceBatch {
		t.Fatalf("expected advance_batch, got %s", action)
	}
	if len(w.dispatched) != 3 {
		t.Fatalf("second batch should be dispatched, got %d total requests", len(w.dispatched))
	}

	// Only one of api/ui done: integrate must not dispatch yet.
	api := taskByTitle(t, db, c.ID, "API layer")
	action, err = e.ReceiveCallback(ctx, models.ExecutionCallback{
		TaskID: api.ID, CompositeTaskID: c.ID, Success: true,
	})
	if err != nil {
		t.Fatalf("callback: %v", err)
	}
	if action != models.ActionNone {
		t.Errorf("expected noop while sibling runs, got %s", action)
	}
	if len(w.dispatched) != 3 {
		t.Errorf("integrate dispatched too early, %d requests", len(w.dispatched))
	}

	ui := taskByTitle(t, db, c.ID, "UI layer")
	action, err = e.ReceiveCallback(ctx, models.ExecutionCallback{
		TaskID: ui.ID, CompositeTaskID: c.ID, Success: true,
	})
	if err != nil {
		t.Fatalf("callback: %v", err)
	}
	if action != models.ActionAdvanceBatch {
		t.Errorf("expected advance_batch, got %s", action)
	}
	if len(w.dispatched) != 4 {
		t.Errorf("integrate should dispatch after both deps, got %d requests", len(w.dispatched))
	}
	integrate := taskByTitle(t, db, c.ID, "Integration")
	if integrate.Status != models.StatusInProgress {
		t.Errorf("expected integrate in progress, got %s", integrate.Status)
	}
}

func TestFailureCascadesCancellation(t *testing.T) {
	e, w, _, db := newTestEngine(t)
	ctx := context.Background()

	c, _ := e.CreateCompositeTask(diamondRequest(false))
	if _, err := e.Orchestrate(ctx, c.ID); err != nil {
		t.Fatalf("orchestrate: %v", err)
	}
	setup := taskByTitle(t, db, c.ID, "Schema setup")
	if _, err := e.ReceiveCallback(ctx, models.ExecutionCallback{
		TaskID: setup.ID, CompositeTaskID: c.ID, Success: true,
	}); err != nil {
		t.Fatalf("callback: %v", err)
	}

	api := taskByTitle(t, db, c.ID, "API layer")
	action, err := e.ReceiveCallback(ctx, models.ExecutionCallback{
		TaskID: api.ID, CompositeTaskID: c.ID, Success: false, Error: "tests failed",
	})
	if err != nil {
		t.Fatalf("callback: %v", err)
	}
	if action != models.ActionNone {
		t.Errorf("ui still in progress, expected noop, got %s", action)
	}

	integrate := taskByTitle(t, db, c.ID, "Integration")
	if integrate.Status != models.StatusCancelled {
		t.Errorf("dependent should be cancelled, got %s", integrate.Status)
	}
	if w.dispatchCount(integrate.ID) != 0 {
		t.Error("cancelled task must never be dispatched")
	}
	ui := taskByTitle(t, db, c.ID, "UI layer")
	if ui.Status != models.StatusInProgress {
		t.Errorf("in-progress sibling must be unaffected, got %s", ui.Status)
	}

	// The sibling finishing settles the composite.
	action, err = e.ReceiveCallback(ctx, models.ExecutionCallback{
		TaskID: ui.ID, CompositeTaskID: c.ID, Success: true,
	})
	if err != nil {
		t.Fatalf("callback: %v", err)
	}
	if action != models.ActionFinalize {
		t.Errorf("expected finalize once all terminal, got %s", action)
	}
	got, err := db.GetCompositeTask(c.ID)
	if err != nil {
		t.Fatalf("get composite: %v", err)
	}
	if got.CompletedAt == nil {
		t.Error("composite should be finalized")
	}
}

func TestDuplicateCallbackIsNoOp(t *testing.T) {
	e, w, _, db := newTestEngine(t)
	ctx := context.Background()

	c, _ := e.CreateCompositeTask(diamondRequest(false))
	if _, err := e.Orchestrate(ctx, c.ID); err != nil {
		t.Fatalf("orchestrate: %v", err)
	}
	setup := taskByTitle(t, db, c.ID, "Schema setup")

	cb := models.ExecutionCallback{TaskID: setup.ID, CompositeTaskID: c.ID, Success: true}
	if _, err := e.ReceiveCallback(ctx, cb); err != nil {
		t.Fatalf("first callback: %v", err)
	}
	before := len(w.dispatched)

	// Redelivery, including a contradictory outcome, must change nothing.
	action, err := e.ReceiveCallback(ctx, cb)
	if err != nil {
		t.Fatalf("duplicate callback: %v", err)
	}
	if action != models.ActionNone {
		t.Errorf("expected noop on duplicate, got %s", action)
	}
	action, err = e.ReceiveCallback(ctx, models.ExecutionCallback{
		TaskID: setup.ID, CompositeTaskID: c.ID, Success: false, Error: "late failure",
	})
	if err != nil {
		t.Fatalf("contradictory callback: %v", err)
	}
	if action != models.ActionNone {
		t.Errorf("expected noop on contradictory redelivery, got %s", action)
	}

	got, _ := db.GetTask(setup.ID)
	if got.Status != models.StatusCompleted {
		t.Errorf("terminal state must absorb redelivery, got %s", got.Status)
	}
	if len(w.dispatched) != before {
		t.Errorf("duplicate callback caused %d extra dispatches", len(w.dispatched)-before)
	}
}

func TestNoDoubleDispatch(t *testing.T) {
	e, w, _, db := newTestEngine(t)
	ctx := context.Background()

	c, _ := e.CreateCompositeTask(diamondRequest(false))
	if _, err := e.Orchestrate(ctx, c.ID); err != nil {
		t.Fatalf("orchestrate: %v", err)
	}
	// A second orchestrate attempt must not re-dispatch the running task.
	redispatched, err := e.Orchestrate(ctx, c.ID)
	if err != nil {
		t.Fatalf("re-orchestrate: %v", err)
	}
	if len(redispatched) != 0 {
		t.Errorf("re-orchestrate dispatched %v, want nothing", redispatched)
	}

	setup := taskByTitle(t, db, c.ID, "Schema setup")
	if n := w.dispatchCount(setup.ID); n != 1 {
		t.Errorf("task dispatched %d times, want exactly 1", n)
	}
}

func TestDispatchFailureRevertsToReady(t *testing.T) {
	e, w, _, db := newTestEngine(t)
	ctx := context.Background()

	c, _ := e.CreateCompositeTask(diamondRequest(false))
	w.failNext = true
	dispatched, err := e.Orchestrate(ctx, c.ID)
	if err == nil {
		t.Fatal("dispatch failure must surface to the caller")
	}
	if len(dispatched) != 0 {
		t.Fatalf("nothing was handed to the worker, yet got %v", dispatched)
	}

	setup := taskByTitle(t, db, c.ID, "Schema setup")
	if setup.Status != models.StatusReady {
		t.Fatalf("task should revert to ready on dispatch failure, got %s", setup.Status)
	}

	// Retry succeeds.
	dispatched, err = e.Orchestrate(ctx, c.ID)
	if err != nil {
		t.Fatalf("retry orchestrate: %v", err)
	}
	if len(dispatched) != 1 || dispatched[0] != setup.ID {
		t.Errorf("retry should dispatch the reverted task, got %v", dispatched)
	}
	setup = taskByTitle(t, db, c.ID, "Schema setup")
	if setup.Status != models.StatusInProgress {
		t.Errorf("expected in_progress after retry, got %s", setup.Status)
	}
}

func TestAutoApproveMergesIncrementally(t *testing.T) {
	e, _, cons, db := newTestEngine(t)
	ctx := context.Background()

	c, _ := e.CreateCompositeTask(diamondRequest(true))
	if _, err := e.Orchestrate(ctx, c.ID); err != nil {
		t.Fatalf("orchestrate: %v", err)
	}

	finish := func(title string) models.ReducerAction {
		task := taskByTitle(t, db, c.ID, title)
		action, err := e.ReceiveCallback(ctx, models.ExecutionCallback{
			TaskID: task.ID, CompositeTaskID: c.ID, Success: true,
			PRURL: "https://github.com/o/r/pull/9",
		})
		if err != nil {
			t.Fatalf("callback for %s: %v", title, err)
		}
		return action
	}

	finish("Schema setup")
	finish("API layer")
	finish("UI layer")
	action := finish("Integration")

	if action != models.ActionFinalize {
		t.Fatalf("expected finalize, got %s", action)
	}
	if len(cons.merged) != 4 {
		t.Errorf("every completed subtask should merge, got %d merges", len(cons.merged))
	}
	if cons.prOpened != 1 {
		t.Errorf("expected exactly one pull request, got %d", cons.prOpened)
	}

	got, err := db.GetCompositeTask(c.ID)
	if err != nil {
		t.Fatalf("get composite: %v", err)
	}
	if got.CompletedAt == nil {
		t.Fatal("composite should carry completed_at")
	}
	if got.PRURL != cons.prURL {
		t.Errorf("composite should record the PR URL, got %q", got.PRURL)
	}
	first := *got.CompletedAt

	// A straggler callback after finalization must not move completed_at
	// or open another pull request.
	integrate := taskByTitle(t, db, c.ID, "Integration")
	if _, err := e.ReceiveCallback(ctx, models.ExecutionCallback{
		TaskID: integrate.ID, CompositeTaskID: c.ID, Success: true,
	}); err != nil {
		t.Fatalf("straggler callback: %v", err)
	}
	got, _ = db.GetCompositeTask(c.ID)
	if !got.CompletedAt.Equal(first) {
		t.Error("completed_at must be set exactly once")
	}
	if cons.prOpened != 1 {
		t.Errorf("straggler opened another pull request, %d total", cons.prOpened)
	}
}

func TestCancelTaskCascades(t *testing.T) {
	e, w, _, db := newTestEngine(t)
	ctx := context.Background()

	c, _ := e.CreateCompositeTask(diamondRequest(false))
	if _, err := e.Orchestrate(ctx, c.ID); err != nil {
		t.Fatalf("orchestrate: %v", err)
	}

	api := taskByTitle(t, db, c.ID, "API layer")
	if err := e.CancelTask(ctx, api.ID); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	api = taskByTitle(t, db, c.ID, "API layer")
	if api.Status != models.StatusCancelled {
		t.Errorf("expected cancelled, got %s", api.Status)
	}
	integrate := taskByTitle(t, db, c.ID, "Integration")
	if integrate.Status != models.StatusCancelled {
		t.Errorf("dependent should be cancelled too, got %s", integrate.Status)
	}
	if w.dispatchCount(integrate.ID) != 0 {
		t.Error("cancelled dependent must never dispatch")
	}

	// Cancelling a terminal task is an error.
	err := e.CancelTask(ctx, api.ID)
	var cerr *store.ConsistencyError
	if !errors.As(err, &cerr) {
		t.Errorf("expected consistency error, got %v", err)
	}
}

func TestEmitDropsWhenChannelFull(t *testing.T) {
	e, _, _, _ := newTestEngine(t)

	// Nothing drains the channel; emitting past its capacity must not
	// block, and the overflow is dropped.
	for i := 0; i < 300; i++ {
		e.emit(Event{Type: EventTaskDispatched, TaskID: fmt.Sprintf("t%d", i)})
	}
	if n := len(e.events); n != cap(e.events) {
		t.Errorf("expected a full channel of %d events, got %d", cap(e.events), n)
	}
}

func TestSimpleTaskLifecycle(t *testing.T) {
	e, w, _, db := newTestEngine(t)
	ctx := context.Background()

	task, err := e.CreateSimpleTask("Fix typo", "", "fix the typo", models.Repository{Owner: "o", Name: "r"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := e.DispatchSimpleTask(ctx, task.ID); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if n := w.dispatchCount(task.ID); n != 1 {
		t.Fatalf("expected 1 dispatch, got %d", n)
	}

	if _, err := e.ReceiveCallback(ctx, models.ExecutionCallback{
		TaskID: task.ID, Success: true, PRURL: "https://github.com/o/r/pull/2",
	}); err != nil {
		t.Fatalf("callback: %v", err)
	}
	got, _ := db.GetTask(task.ID)
	if got.Status != models.StatusCompleted {
		t.Errorf("expected completed, got %s", got.Status)
	}
	if got.PRURL == "" {
		t.Error("pr url should be recorded")
	}
}
