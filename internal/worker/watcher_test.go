package worker

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/load28/a-dev/pkg/models"
)

func writeRaw(t *testing.T, dir, name, content string) error {
	t.Helper()
	return os.WriteFile(filepath.Join(dir, name), []byte(content), 0644)
}

func TestWatcherDeliversCallback(t *testing.T) {
	dir := t.TempDir()

	var mu sync.Mutex
	var got []models.ExecutionCallback
	w, err := NewWatcher(dir, func(cb models.ExecutionCallback) {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, cb)
	}, nil)
	if err != nil {
		t.Fatalf("new watcher: %v", err)
	}
	w.Start()
	defer w.Stop()

	cb := models.ExecutionCallback{TaskID: "t1", CompositeTaskID: "c1", Success: true, PRURL: "https://example.com/pr/1"}
	if err := WriteCallback(dir, cb); err != nil {
		t.Fatalf("write callback: %v", err)
	}

	deadline := time.After(3 * time.Second)
	for {
		mu.Lock()
		n := len(got)
		mu.Unlock()
		if n > 0 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("callback never delivered")
		case <-time.After(10 * time.Millisecond):
		}
	}

	mu.Lock()
	defer mu.Unlock()
	if got[0].TaskID != "t1" || !got[0].Success || got[0].PRURL != "https://example.com/pr/1" {
		t.Errorf("unexpected callback: %+v", got[0])
	}
}

func TestWatcherDrainsExistingFiles(t *testing.T) {
	dir := t.TempDir()

	// Drop the callback before the watcher starts: the drain pass must
	// still deliver it.
	cb := models.ExecutionCallback{TaskID: "pre", Success: false, Error: "boom"}
	if err := WriteCallback(dir, cb); err != nil {
		t.Fatalf("write callback: %v", err)
	}

	ch := make(chan models.ExecutionCallback, 1)
	w, err := NewWatcher(dir, func(cb models.ExecutionCallback) { ch <- cb }, nil)
	if err != nil {
		t.Fatalf("new watcher: %v", err)
	}
	w.Start()
	defer w.Stop()

	select {
	case got := <-ch:
		if got.TaskID != "pre" || got.Success || got.Error != "boom" {
			t.Errorf("unexpected callback: %+v", got)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("pre-existing callback never drained")
	}
}

func TestWatcherIgnoresMalformedFiles(t *testing.T) {
	dir := t.TempDir()

	errCh := make(chan error, 1)
	w, err := NewWatcher(dir, func(models.ExecutionCallback) {
		t.Error("handler should not run for malformed file")
	}, func(_ string, err error) { errCh <- err })
	if err != nil {
		t.Fatalf("new watcher: %v", err)
	}
	w.Start()
	defer w.Stop()

	if err := writeRaw(t, dir, "bad.json", "{not json"); err != nil {
		t.Fatalf("write: %v", err)
	}

	select {
	case <-errCh:
	case <-time.After(3 * time.Second):
		t.Fatal("error hook never invoked")
	}
}
