package worker

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/load28/a-dev/pkg/models"
)

// CallbackHandler consumes one execution callback. Errors are reported to
// the watcher's error hook; the watcher itself never interprets them.
type CallbackHandler func(cb models.ExecutionCallback)

// Watcher monitors the callback directory and feeds each dropped callback
// file to the handler. Files are removed after a successful parse, so a
// crashed engine re-reads pending callbacks on restart (duplicate
// delivery is handled downstream by the reducer).
type Watcher struct {
	dir     string
	handler CallbackHandler
	// onError is invoked for malformed files; optional.
	onError func(path string, err error)

	watcher *fsnotify.Watcher
	done    chan struct{}
	wg      sync.WaitGroup
}

// NewWatcher creates a watcher for the given callback directory, creating
// it if it does not exist.
func NewWatcher(dir string, handler CallbackHandler, onError func(string, error)) (*Watcher, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fsw.Add(dir); err != nil {
		fsw.Close()
		return nil, err
	}

	w := &Watcher{
		dir:     dir,
		handler: handler,
		onError: onError,
		watcher: fsw,
		done:    make(chan struct{}),
	}
	return w, nil
}

// Start begins watching. Any callback files already present are drained
// first, then filesystem events drive delivery.
func (w *Watcher) Start() {
	w.drain()
	w.wg.Add(1)
	go w.loop()
}

// Stop terminates the watch loop.
func (w *Watcher) Stop() {
	close(w.done)
	w.watcher.Close()
	w.wg.Wait()
}

func (w *Watcher) loop() {
	defer w.wg.Done()
	for {
		select {
		case <-w.done:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			w.consume(event.Name)
		case _, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			// Watch errors are transient; the drain on next event or
			// restart covers anything missed.
		}
	}
}

// drain processes callback files already sitting in the directory.
func (w *Watcher) drain() {
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		return
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		w.consume(filepath.Join(w.dir, e.Name()))
	}
}

func (w *Watcher) consume(path string) {
	base := filepath.Base(path)
	if strings.HasPrefix(base, ".") || !strings.HasSuffix(base, ".json") {
		return
	}

	data, err := os.ReadFile(path)
	if err != nil {
		// Already consumed by a concurrent drain, or still being renamed.
		return
	}

	var cb models.ExecutionCallback
	if err := json.Unmarshal(data, &cb); err != nil {
		if w.onError != nil {
			w.onError(path, err)
		}
		return
	}

	w.handler(cb)
	os.Remove(path)
}
