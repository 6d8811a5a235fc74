package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/load28/a-dev/pkg/models"
)

// LocalWorker runs the execution command as a local process. The process
// receives the dispatch request as JSON on stdin plus ADEV_* environment
// variables, and is expected to produce at most one pull request. When
// the process exits, the worker drops a callback file into the callback
// directory, where the Watcher picks it up.
type LocalWorker struct {
	// Command is the worker executable and its arguments.
	Command []string
	// Dir is the working directory for the worker process.
	Dir string
	// CallbackDir is where completion callbacks are written.
	CallbackDir string
}

// NewLocalWorker creates a local worker. command must not be empty.
func NewLocalWorker(command []string, dir, callbackDir string) (*LocalWorker, error) {
	if len(command) == 0 {
		return nil, fmt.Errorf("worker command is empty")
	}
	return &LocalWorker{Command: command, Dir: dir, CallbackDir: callbackDir}, nil
}

// Dispatch starts the worker process in the background and returns
// immediately. The eventual callback is written by the spawned goroutine
// once the process exits; dispatch errors are only the synchronous part
// (spawn failure).
func (w *LocalWorker) Dispatch(ctx context.Context, req DispatchRequest) (string, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("marshal dispatch request: %w", err)
	}

	runID := uuid.NewString()

	cmd := exec.CommandContext(ctx, w.Command[0], w.Command[1:]...)
	cmd.Dir = w.Dir
	cmd.Stdin = strings.NewReader(string(payload))
	cmd.Env = append(os.Environ(),
		"ADEV_TASK_ID="+req.TaskID,
		"ADEV_COMPOSITE_TASK_ID="+req.CompositeTaskID,
		"ADEV_RUN_ID="+runID,
		"ADEV_BASE_BRANCH="+req.BaseBranch,
		"ADEV_TARGET_BRANCH="+req.TargetBranch,
	)

	out := &strings.Builder{}
	cmd.Stdout = out
	cmd.Stderr = out

	if err := cmd.Start(); err != nil {
		return "", fmt.Errorf("start worker process: %w", err)
	}

	go func() {
		waitErr := cmd.Wait()
		cb := models.ExecutionCallback{
			TaskID:          req.TaskID,
			CompositeTaskID: req.CompositeTaskID,
			Success:         waitErr == nil,
		}
		if waitErr != nil {
			msg := waitErr.Error()
			if s := strings.TrimSpace(out.String()); s != "" {
				msg = msg + ": " + tail(s, 2000)
			}
			cb.Error = msg
		} else {
			cb.PRURL = strings.TrimSpace(lastLine(out.String()))
		}
		_ = WriteCallback(w.CallbackDir, cb)
	}()

	return runID, nil
}

// WriteCallback atomically drops a callback file into dir. The file is
// written under a temporary name first so the watcher never reads a
// partial JSON document.
func WriteCallback(dir string, cb models.ExecutionCallback) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create callback directory: %w", err)
	}

	data, err := json.Marshal(cb)
	if err != nil {
		return fmt.Errorf("marshal callback: %w", err)
	}

	name := fmt.Sprintf("%s-%s.json", cb.TaskID, uuid.NewString()[:8])
	tmp := filepath.Join(dir, "."+name+".tmp")
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("write callback: %w", err)
	}
	if err := os.Rename(tmp, filepath.Join(dir, name)); err != nil {
		return fmt.Errorf("publish callback: %w", err)
	}
	return nil
}

// lastLine returns the final non-empty line of s. Workers report the
// pull request URL as their last line of output.
func lastLine(s string) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		if l := strings.TrimSpace(lines[i]); l != "" {
			return l
		}
	}
	return ""
}

func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}

var _ Worker = (*LocalWorker)(nil)
