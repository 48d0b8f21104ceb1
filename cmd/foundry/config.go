package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"foundry/pkg/supervisor"

	"github.com/pelletier/go-toml/v2"
)

// Config is the on-disk configuration, read from $FOUNDRY_HOME/config.toml.
type Config struct {
	// RepoRoot is the primary repository workers operate on. Required for
	// run/create; defaults to the current directory.
	RepoRoot string `toml:"repo_root"`

	// MaxWorkers caps concurrent workers (default 4).
	MaxWorkers int `toml:"max_workers"`

	// PollInterval is how often the ready queue is polled (default "10s").
	PollInterval duration `toml:"poll_interval"`

	// MonitorInterval is how often worker liveness is probed (default "2s").
	MonitorInterval duration `toml:"monitor_interval"`

	// KillGrace is the SIGTERM-to-SIGKILL escalation window (default "5s").
	KillGrace duration `toml:"kill_grace"`

	// ShutdownTimeout bounds worker draining at shutdown (default "10s").
	ShutdownTimeout duration `toml:"shutdown_timeout"`

	// ConflictPolicy is "manual" (block the task, keep the workspace) or
	// "respawn" (destroy the workspace, release the task). Default manual.
	ConflictPolicy string `toml:"conflict_policy"`

	// WorkerCmd is the command line a worker runs, executed in its
	// workspace. Required for run/create.
	WorkerCmd []string `toml:"worker_cmd"`

	// AllowedOps is passed to workers via FOUNDRY_ALLOWED_OPS.
	AllowedOps []string `toml:"allowed_ops"`

	// TasksFile selects the YAML file task source. Mutually exclusive with
	// TrackerCmd; TasksFile wins when both are set.
	TasksFile string `toml:"tasks_file"`

	// TrackerCmd selects the external tracker CLI task source (default "tk"
	// when TasksFile is empty).
	TrackerCmd string `toml:"tracker_cmd"`
}

// duration decodes TOML duration strings like "10s" or "2m30s".
type duration time.Duration

func (d *duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = duration(parsed)
	return nil
}

// Std returns the value as a time.Duration.
func (d duration) Std() time.Duration { return time.Duration(d) }

// LoadConfig reads the config file and applies defaults. A missing file is
// not an error: defaults apply.
func LoadConfig(path string) (*Config, error) {
	var cfg Config
	data, err := os.ReadFile(path) //nolint:gosec // config path is application-controlled
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	} else if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg.withDefaults()
}

func (c Config) withDefaults() (*Config, error) {
	if c.RepoRoot == "" {
		wd, err := os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("resolve repo root: %w", err)
		}
		c.RepoRoot = wd
	}
	if c.MaxWorkers == 0 {
		c.MaxWorkers = 4
	}
	if c.PollInterval == 0 {
		c.PollInterval = duration(10 * time.Second)
	}
	if c.MonitorInterval == 0 {
		c.MonitorInterval = duration(2 * time.Second)
	}
	if c.KillGrace == 0 {
		c.KillGrace = duration(5 * time.Second)
	}
	if c.ShutdownTimeout == 0 {
		c.ShutdownTimeout = duration(10 * time.Second)
	}
	if c.ConflictPolicy == "" {
		c.ConflictPolicy = string(supervisor.ConflictManual)
	}
	switch c.ConflictPolicy {
	case string(supervisor.ConflictManual), string(supervisor.ConflictRespawn):
	default:
		return nil, fmt.Errorf("invalid conflict_policy %q: want manual or respawn", c.ConflictPolicy)
	}
	return &c, nil
}

// SupervisorConfig maps the file config onto the supervisor's.
func (c *Config) SupervisorConfig(paths *Paths) supervisor.Config {
	watchDir := ""
	if c.TasksFile != "" {
		watchDir = filepath.Dir(c.TasksFile)
	}
	return supervisor.Config{
		WatchDir:        watchDir,
		WorkersDir:      paths.WorkersDir,
		MaxWorkers:      c.MaxWorkers,
		PollInterval:    c.PollInterval.Std(),
		MonitorInterval: c.MonitorInterval.Std(),
		ShutdownTimeout: c.ShutdownTimeout.Std(),
		ConflictPolicy:  supervisor.ConflictPolicy(c.ConflictPolicy),
	}
}
