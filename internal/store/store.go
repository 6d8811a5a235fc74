// Package store provides SQLite-based persistence for tasks and composite
// tasks. It is the single source of truth for task lifecycle state and
// enforces legal status transitions.
package store

import (
	"errors"
	"fmt"
	"io"

	"github.com/load28/a-dev/pkg/models"
)

// ErrNotFound is returned when a task or composite task does not exist.
var ErrNotFound = errors.New("not found")

// ConsistencyError reports an attempted illegal status transition. It is
// surfaced to the caller, never silently coerced.
type ConsistencyError struct {
	TaskID string
	From   models.TaskStatus
	To     models.TaskStatus
}

func (e *ConsistencyError) Error() string {
	return fmt.Sprintf("illegal transition for task %s: %s -> %s", e.TaskID, e.From, e.To)
}

// TaskStore handles task persistence.
type TaskStore interface {
	CreateTask(t *models.Task) error
	GetTask(id string) (*models.Task, error)
	UpdateTask(t *models.Task) error
	// TransitionTask atomically moves a task to the given status, applying
	// mutate to the freshly-read task before writing. It returns a
	// *ConsistencyError if the transition is not legal.
	TransitionTask(id string, status models.TaskStatus, mutate func(*models.Task)) (*models.Task, error)
	ListTasksByStatus(status models.TaskStatus) ([]models.Task, error)
	ListTasksByComposite(compositeID string) ([]models.Task, error)
}

// CompositeStore handles composite task persistence.
type CompositeStore interface {
	// CreateCompositeTask persists the composite, its subtasks, and the
	// batch plan in a single transaction. Nothing is written on error.
	CreateCompositeTask(c *models.CompositeTask, subtasks []*models.Task) error
	GetCompositeTask(id string) (*models.CompositeTask, error)
	UpdateCompositeTask(c *models.CompositeTask) error
	ListCompositeTasks() ([]models.CompositeTask, error)
}

// LogStore records execution events per task for later inspection.
type LogStore interface {
	AppendLog(taskID, eventType, message string) error
	ListLogs(taskID string) ([]ExecutionLog, error)
}

// Migrator applies pending schema migrations.
type Migrator interface {
	Migrate() error
}

// Store is the full persistence interface the engine depends on. The
// concrete SQLite implementation lives in this package; the engine only
// sees this interface so tests can substitute their own backend.
type Store interface {
	io.Closer
	Migrator
	TaskStore
	CompositeStore
	LogStore
}
