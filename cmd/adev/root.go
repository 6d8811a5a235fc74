package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/load28/a-dev/internal/config"
	"github.com/load28/a-dev/internal/engine"
	"github.com/load28/a-dev/internal/merge"
	"github.com/load28/a-dev/internal/store"
	"github.com/load28/a-dev/internal/worker"
)

var (
	configPath string
	debugMode  bool
)

var rootCmd = &cobra.Command{
	Use:   "adev",
	Short: "Composite-task orchestration for autonomous development agents",
	Long: `adev turns a development request into a graph of dependent subtasks,
dispatches each subtask to an autonomous agent exactly once, and
consolidates the results on a single branch with one final pull request.

Subtasks with no dependency between them run concurrently. When a
subtask fails, everything that depends on it is cancelled; unrelated
subtasks keep running.`,
}

// Execute runs the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to config file")
	rootCmd.PersistentFlags().BoolVar(&debugMode, "debug", false, "Enable debug logging")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(tasksCmd)
	rootCmd.AddCommand(cancelCmd)
	rootCmd.AddCommand(watchCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(versionCmd)
}

// loadConfig loads configuration, honoring the --config flag.
func loadConfig() (*config.Config, error) {
	if configPath != "" {
		return config.LoadFromPath(configPath)
	}
	return config.Load()
}

// runtime bundles the wired collaborators a command needs.
type runtime struct {
	cfg    *config.Config
	db     *store.DB
	engine *engine.Engine
	logger *engine.DebugLogger
}

// newRuntime opens the store and wires the engine with the local worker
// and the merge handler.
func newRuntime() (*runtime, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	db, err := store.Open(cfg.DatabasePath())
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.Migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate database: %w", err)
	}

	var logger *engine.DebugLogger
	if debugMode || cfg.Debug {
		logger, err = engine.NewDebugLogger(filepath.Join(os.TempDir(), "adev-debug.log"))
		if err != nil {
			db.Close()
			return nil, fmt.Errorf("open debug log: %w", err)
		}
	}

	command := strings.Fields(cfg.Worker.Command)
	w, err := worker.NewLocalWorker(command, cfg.Git.RepoPath, cfg.Worker.CallbackDir)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create worker: %w", err)
	}

	eng := engine.New(engine.Config{
		Store:        db,
		Worker:       w,
		Consolidator: merge.NewHandler(cfg.Git.RepoPath, cfg.Git.BaseBranch),
		BaseBranch:   cfg.Git.BaseBranch,
		Logger:       logger,
	})

	return &runtime{cfg: cfg, db: db, engine: eng, logger: logger}, nil
}

// close releases the runtime's resources.
func (r *runtime) close() {
	if r.logger != nil {
		r.logger.Close()
	}
	r.db.Close()
}
