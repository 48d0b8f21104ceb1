package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"foundry/pkg/eventlog"
	"foundry/pkg/supervisor"

	"github.com/spf13/cobra"
)

// logsConfig holds configuration for the logs command.
type logsConfig struct {
	tail   int
	follow bool
	raw    bool
}

// newLogsCmd creates the "foundry logs" subcommand.
func newLogsCmd() *cobra.Command {
	var cfg logsConfig

	cmd := &cobra.Command{
		Use:   "logs [task-id]",
		Short: "Query and tail supervisor event logs",
		Long: "Displays events from the supervisor event log, optionally filtered by\n" +
			"task-id. With --raw, reads the worker's output.log file instead.",
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var taskID string
			if len(args) == 1 {
				taskID = args[0]
			}

			w := cmd.OutOrStdout()

			if cfg.raw {
				if taskID == "" {
					return fmt.Errorf("--raw requires a task-id argument")
				}
				paths, err := ResolvePaths()
				if err != nil {
					return fmt.Errorf("resolve paths: %w", err)
				}
				logPath := supervisor.NewRecordStore(paths.WorkersDir).LogPath(taskID)
				if cfg.follow {
					return followRawLogs(cmd.Context(), w, logPath, cfg.tail)
				}
				return printRawLogs(w, logPath, cfg.tail)
			}

			comps, err := buildComponents(cmd.Context())
			if err != nil {
				return err
			}
			defer comps.Close()

			if cfg.follow {
				return followEvents(cmd.Context(), comps.events, w, taskID, cfg.tail)
			}
			return printEvents(cmd.Context(), comps.events, w, taskID, cfg.tail)
		},
	}

	cmd.Flags().IntVar(&cfg.tail, "tail", 20, "number of recent events or lines to show")
	cmd.Flags().BoolVarP(&cfg.follow, "follow", "f", false, "poll for new output every 1s")
	cmd.Flags().BoolVar(&cfg.raw, "raw", false, "read the worker output.log file instead of the event database")

	return cmd
}

// printEvents queries and displays the last N events, oldest first.
func printEvents(ctx context.Context, events *eventlog.Logger, w io.Writer, taskID string, tail int) error {
	batch, err := events.Query(ctx, eventlog.QueryOpts{TaskID: taskID, Limit: tail})
	if err != nil {
		return err
	}
	if len(batch) == 0 {
		fmt.Fprintln(w, "no events found")
		return nil
	}
	for i := len(batch) - 1; i >= 0; i-- {
		formatEvent(w, &batch[i])
	}
	return nil
}

// followEvents displays the initial batch and then polls for new events.
func followEvents(ctx context.Context, events *eventlog.Logger, w io.Writer, taskID string, tail int) error {
	if err := printEvents(ctx, events, w, taskID, tail); err != nil {
		return err
	}

	last := time.Now().UTC()
	ticker := time.NewTicker(1 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			after := last
			batch, err := events.Query(ctx, eventlog.QueryOpts{TaskID: taskID, After: &after})
			if err != nil {
				return err
			}
			for i := len(batch) - 1; i >= 0; i-- {
				formatEvent(w, &batch[i])
				if batch[i].CreatedAt.After(last) {
					last = batch[i].CreatedAt
				}
			}
		}
	}
}

func formatEvent(w io.Writer, ev *eventlog.Event) {
	line := fmt.Sprintf("%s  %-16s", ev.CreatedAt.Format("15:04:05"), ev.Type)
	if ev.TaskID != "" {
		line += "  task=" + ev.TaskID
	}
	if ev.WorkerID != "" {
		line += "  worker=" + shortWorker(ev.WorkerID)
	}
	if ev.Payload != "" {
		line += "  " + ev.Payload
	}
	fmt.Fprintln(w, line)
}

// shortWorker truncates uuid worker ids for readability.
func shortWorker(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// printRawLogs shows the last N lines of a worker's output log.
func printRawLogs(w io.Writer, logPath string, tail int) error {
	data, err := os.ReadFile(logPath) //nolint:gosec // log path is application-controlled
	if err != nil {
		return fmt.Errorf("read worker log: %w", err)
	}
	lines := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	if tail > 0 && len(lines) > tail {
		lines = lines[len(lines)-tail:]
	}
	for _, line := range lines {
		fmt.Fprintln(w, line)
	}
	return nil
}

// followRawLogs prints the tail and then streams appended output.
func followRawLogs(ctx context.Context, w io.Writer, logPath string, tail int) error {
	if err := printRawLogs(w, logPath, tail); err != nil {
		return err
	}

	info, err := os.Stat(logPath)
	if err != nil {
		return fmt.Errorf("stat worker log: %w", err)
	}
	offset := info.Size()

	ticker := time.NewTicker(1 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			info, err := os.Stat(logPath)
			if err != nil {
				return nil // worker finished and log was cleaned up
			}
			if info.Size() <= offset {
				continue
			}
			f, err := os.Open(logPath) //nolint:gosec // log path is application-controlled
			if err != nil {
				return err
			}
			if _, err := f.Seek(offset, io.SeekStart); err != nil {
				_ = f.Close()
				return err
			}
			n, err := io.Copy(w, f)
			_ = f.Close()
			if err != nil {
				return err
			}
			offset += n
		}
	}
}
