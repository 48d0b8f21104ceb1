package main

import (
	"context"
	"database/sql"
	"fmt"

	"foundry/pkg/eventlog"
	"foundry/pkg/reconcile"
	"foundry/pkg/supervisor"
	"foundry/pkg/tasksource"
	"foundry/pkg/workspace"
)

// components is the assembled object graph shared by the run, create, kill,
// and cleanup commands. Close releases the database handle.
type components struct {
	paths  *Paths
	cfg    *Config
	source tasksource.Source
	store  *workspace.GitStore
	merger *reconcile.Coordinator
	events *eventlog.Logger
	git    workspace.GitRunner
	db     *sql.DB
}

func buildComponents(ctx context.Context) (*components, error) {
	paths, err := ResolvePaths()
	if err != nil {
		return nil, fmt.Errorf("resolve paths: %w", err)
	}
	if err := paths.EnsureHome(); err != nil {
		return nil, err
	}

	cfg, err := LoadConfig(paths.ConfigPath)
	if err != nil {
		return nil, err
	}

	db, err := openDB(paths.DBPath)
	if err != nil {
		return nil, err
	}

	events := eventlog.NewLogger(db)
	if err := events.Init(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init event log: %w", err)
	}

	git := &reconcile.ExecGitRunner{}
	store := workspace.NewGitStore(cfg.RepoRoot, paths.WorkspacesDir, git)

	return &components{
		paths:  paths,
		cfg:    cfg,
		source: newTaskSource(cfg),
		store:  store,
		merger: reconcile.NewCoordinator(cfg.RepoRoot, git, store),
		events: events,
		git:    git,
		db:     db,
	}, nil
}

func (c *components) Close() {
	_ = c.db.Close()
}

// newTaskSource selects the configured task backend: a YAML file when
// tasks_file is set, otherwise the external tracker CLI.
func newTaskSource(cfg *Config) tasksource.Source {
	if cfg.TasksFile != "" {
		return tasksource.NewFileSource(cfg.TasksFile)
	}
	return tasksource.NewCLISource(cfg.TrackerCmd, &tasksource.ExecCommandRunner{})
}

// newProcessManager builds the production worker process manager from config.
func (c *components) newProcessManager() (*supervisor.ExecProcessManager, error) {
	if len(c.cfg.WorkerCmd) == 0 {
		return nil, fmt.Errorf("worker_cmd is not configured in %s", c.paths.ConfigPath)
	}
	return supervisor.NewExecProcessManager(c.cfg.WorkerCmd, c.cfg.AllowedOps, c.cfg.KillGrace.Std()), nil
}

// newSupervisor assembles a Supervisor from the component graph.
func (c *components) newSupervisor(detachWorkers bool) (*supervisor.Supervisor, error) {
	procs, err := c.newProcessManager()
	if err != nil {
		return nil, err
	}
	cfg := c.cfg.SupervisorConfig(c.paths)
	cfg.DetachWorkers = detachWorkers
	return supervisor.New(cfg, c.source, c.store, c.merger, procs, c.events), nil
}
