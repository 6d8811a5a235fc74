package engine

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/load28/a-dev/internal/graph"
	"github.com/load28/a-dev/internal/store"
	"github.com/load28/a-dev/internal/worker"
	"github.com/load28/a-dev/pkg/models"
)

// Consolidator performs the version-control side of consolidation. The
// engine only decides when to consolidate; how is behind this interface.
type Consolidator interface {
	// EnsureConsolidationBranch creates the composite's integration
	// branch if it does not exist yet.
	EnsureConsolidationBranch(c *models.CompositeTask) error
	// MergeSubtask merges a completed subtask into the consolidation
	// branch.
	MergeSubtask(c *models.CompositeTask, t *models.Task) error
	// OpenPullRequest opens (or reuses) the final pull request from the
	// consolidation branch to the base branch.
	OpenPullRequest(c *models.CompositeTask, completed []models.Task) (string, error)
}

// Config contains the collaborators the engine is wired with.
type Config struct {
	// Store is the task lifecycle store.
	Store store.Store
	// Worker issues execution requests.
	Worker worker.Worker
	// Consolidator handles merges and pull requests. If nil, the engine
	// still tracks state but performs no version-control side effects.
	Consolidator Consolidator
	// BaseBranch is the branch final pull requests target.
	BaseBranch string
	// Logger receives debug output. If nil, debug logging is disabled.
	Logger *DebugLogger
}

// Engine is the composite-task orchestration core. All mutation of one
// composite task's state is serialized through a per-composite lock;
// different composites proceed fully in parallel. The engine never
// blocks waiting for a task: completion is purely callback-driven.
type Engine struct {
	store        store.Store
	worker       worker.Worker
	consolidator Consolidator
	baseBranch   string

	// locks serializes mutation per composite-task ID.
	locks   map[string]*sync.Mutex
	locksMu sync.Mutex

	// events is the channel engine events are emitted on.
	events chan Event
}

// New creates an engine from the given config.
func New(cfg Config) *Engine {
	if cfg.Logger != nil {
		setPackageLogger(cfg.Logger)
	}
	base := cfg.BaseBranch
	if base == "" {
		base = "main"
	}
	return &Engine{
		store:        cfg.Store,
		worker:       cfg.Worker,
		consolidator: cfg.Consolidator,
		baseBranch:   base,
		locks:        make(map[string]*sync.Mutex),
		events:       make(chan Event, 256),
	}
}

// Events returns the engine's event channel.
func (e *Engine) Events() <-chan Event {
	return e.events
}

// emit sends an event without ever blocking the engine.
func (e *Engine) emit(ev Event) {
	ev.Timestamp = time.Now()
	select {
	case e.events <- ev:
	default:
		debugLog("[engine] event channel full, dropping %s", ev.Type)
	}
}

// lockFor returns the mutex serializing the given composite task.
// Standalone tasks are keyed by their own ID.
func (e *Engine) lockFor(id string) *sync.Mutex {
	e.locksMu.Lock()
	defer e.locksMu.Unlock()
	mu, ok := e.locks[id]
	if !ok {
		mu = &sync.Mutex{}
		e.locks[id] = mu
	}
	return mu
}

// SubtaskSpec is one proposed subtask in a composite-task request.
// LocalID is the decomposition-scoped identifier dependencies refer to;
// the engine assigns real task IDs during creation.
type SubtaskSpec struct {
	LocalID      string   `json:"local_id" yaml:"id"`
	Title        string   `json:"title" yaml:"title"`
	Description  string   `json:"description" yaml:"description"`
	Prompt       string   `json:"prompt" yaml:"prompt"`
	Dependencies []string `json:"dependencies" yaml:"depends_on"`
}

// CompositeRequest is a validated-and-planned composite task waiting to
// be created.
type CompositeRequest struct {
	Title       string        `json:"title" yaml:"title"`
	Description string        `json:"description" yaml:"description"`
	AutoApprove bool          `json:"auto_approve" yaml:"auto_approve"`
	Repo        models.Repository `json:"repo" yaml:"repo"`
	Subtasks    []SubtaskSpec `json:"subtasks" yaml:"tasks"`
}

// CreateCompositeTask validates the proposed subtask graph, plans its
// batches, and persists the composite with all subtasks atomically. On
// validation failure nothing is persisted and the full error list is
// returned.
func (e *Engine) CreateCompositeTask(req CompositeRequest) (*models.CompositeTask, error) {
	if len(req.Subtasks) == 0 {
		return nil, fmt.Errorf("composite task needs at least one subtask")
	}

	// Validate on local IDs so errors reference the decomposition's own
	// identifiers.
	probe := make([]*models.Task, 0, len(req.Subtasks))
	for _, s := range req.Subtasks {
		probe = append(probe, &models.Task{ID: s.LocalID, Dependencies: s.Dependencies})
	}
	g, errs := graph.Validate(probe)
	if errs != nil {
		return nil, errs
	}

	c := models.NewCompositeTask(req.Title, req.Description, req.Repo)
	c.AutoApprove = req.AutoApprove

	// Assign real IDs and rewrite dependencies.
	idFor := make(map[string]string, len(req.Subtasks))
	for _, s := range req.Subtasks {
		idFor[s.LocalID] = uuid.NewString()
	}

	localBatches := g.Batches()
	now := time.Now().UTC()
	tasks := make([]*models.Task, 0, len(req.Subtasks))
	taskFor := make(map[string]*models.Task, len(req.Subtasks))
	for _, s := range req.Subtasks {
		deps := make([]string, 0, len(s.Dependencies))
		for _, d := range s.Dependencies {
			deps = append(deps, idFor[d])
		}
		t := &models.Task{
			ID:           idFor[s.LocalID],
			CompositeID:  c.ID,
			Title:        s.Title,
			Description:  s.Description,
			Prompt:       s.Prompt,
			Kind:         models.KindSubtask,
			Status:       models.StatusWaitingDependencies,
			Dependencies: deps,
			Repo:         req.Repo,
			CreatedAt:    now,
			AutoApprove:  req.AutoApprove,
		}
		if len(deps) == 0 {
			t.Status = models.StatusReady
		}
		tasks = append(tasks, t)
		taskFor[s.LocalID] = t
		c.SubtaskIDs = append(c.SubtaskIDs, t.ID)
	}

	for _, batch := range localBatches {
		ids := make([]string, 0, len(batch))
		for _, localID := range batch {
			ids = append(ids, taskFor[localID].ID)
		}
		c.Batches = append(c.Batches, ids)
	}

	if err := e.store.CreateCompositeTask(c, tasks); err != nil {
		return nil, err
	}

	debugLog("[engine] created composite %s with %d subtasks in %d batches",
		c.ID, len(tasks), len(c.Batches))
	e.emit(Event{Type: EventCompositeCreated, CompositeID: c.ID,
		Message: fmt.Sprintf("%d subtasks in %d batches", len(tasks), len(c.Batches))})

	return c, nil
}

// GetTask returns a task by ID.
func (e *Engine) GetTask(id string) (*models.Task, error) {
	return e.store.GetTask(id)
}

// GetCompositeTask returns a composite task by ID.
func (e *Engine) GetCompositeTask(id string) (*models.CompositeTask, error) {
	return e.store.GetCompositeTask(id)
}

// ListTasksByStatus lists tasks in the given status.
func (e *Engine) ListTasksByStatus(status models.TaskStatus) ([]models.Task, error) {
	return e.store.ListTasksByStatus(status)
}

// ListSubtasks lists all subtasks of a composite task.
func (e *Engine) ListSubtasks(compositeID string) ([]models.Task, error) {
	return e.store.ListTasksByComposite(compositeID)
}

// Stats summarizes task counts by status.
type Stats struct {
	Total      int                       `json:"total"`
	ByStatus   map[models.TaskStatus]int `json:"by_status"`
	Composites int                       `json:"composites"`
}

// Statistics returns task counts by status plus the composite count.
func (e *Engine) Statistics() (*Stats, error) {
	s := &Stats{ByStatus: make(map[models.TaskStatus]int)}
	for _, status := range []models.TaskStatus{
		models.StatusPending, models.StatusWaitingDependencies, models.StatusReady,
		models.StatusInProgress, models.StatusCompleted, models.StatusFailed,
		models.StatusCancelled,
	} {
		tasks, err := e.store.ListTasksByStatus(status)
		if err != nil {
			return nil, err
		}
		if len(tasks) > 0 {
			s.ByStatus[status] = len(tasks)
			s.Total += len(tasks)
		}
	}
	composites, err := e.store.ListCompositeTasks()
	if err != nil {
		return nil, err
	}
	s.Composites = len(composites)
	return s, nil
}
