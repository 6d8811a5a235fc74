package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/load28/a-dev/internal/server"
	"github.com/load28/a-dev/internal/worker"
	"github.com/load28/a-dev/pkg/models"
)

var serveAddr string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the orchestration engine behind an HTTP API",
	Long: `Start a long-running server exposing the engine over JSON HTTP.

Callbacks can arrive either as POST /api/callbacks or as files dropped
into the callback directory; both feed the same reducer.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "Listen address (defaults to server.addr from config)")
}

func runServe(cmd *cobra.Command, args []string) error {
	rt, err := newRuntime()
	if err != nil {
		return err
	}
	defer rt.close()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	watcher, err := worker.NewWatcher(rt.cfg.Worker.CallbackDir, func(cb models.ExecutionCallback) {
		if _, err := rt.engine.ReceiveCallback(ctx, cb); err != nil {
			fmt.Fprintf(os.Stderr, "callback for %s: %v\n", cb.TaskID, err)
		}
	}, func(path string, err error) {
		fmt.Fprintf(os.Stderr, "callback file %s: %v\n", path, err)
	})
	if err != nil {
		return fmt.Errorf("watch callbacks: %w", err)
	}
	watcher.Start()
	defer watcher.Stop()

	addr := serveAddr
	if addr == "" {
		addr = rt.cfg.Server.Addr
	}

	srv := server.NewServer(rt.engine, addr)
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	fmt.Printf("adev listening on %s\n", addr)
	select {
	case <-ctx.Done():
		return nil
	case err := <-errCh:
		return err
	}
}
