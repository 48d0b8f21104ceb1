package main

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"foundry/pkg/supervisor"
	"foundry/pkg/tasksource"
	"foundry/pkg/workspace"

	"github.com/spf13/cobra"
)

// newCreateCmd creates the "foundry create" subcommand: a one-shot spawn of
// a worker for one task, outside the supervisor loop. The worker runs in its
// own process group and survives this command; a running supervisor (or the
// next one to start) re-attaches it through its pid record.
func newCreateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "create <task-id>",
		Short: "Claim a task and spawn a worker for it",
		Long: "Claims the task, provisions an isolated worktree snapshotted from the\n" +
			"mainline tip, and starts a worker in it. Exits 2 if the concurrency\n" +
			"budget is already exhausted.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			taskID := args[0]
			ctx := cmd.Context()

			comps, err := buildComponents(ctx)
			if err != nil {
				return err
			}
			defer comps.Close()

			// Admission is judged against pid records so it holds across
			// processes, not just inside one supervisor.
			records := supervisor.NewRecordStore(comps.paths.WorkersDir)
			scanned, err := records.Scan()
			if err != nil {
				return fmt.Errorf("scan worker records: %w", err)
			}
			live := 0
			for _, pid := range scanned {
				if supervisor.Alive(pid) {
					live++
				}
			}
			if live >= comps.cfg.MaxWorkers {
				return &supervisor.AdmissionRejectedError{Live: live, Max: comps.cfg.MaxWorkers}
			}

			sup, err := comps.newSupervisor(true)
			if err != nil {
				return err
			}

			h, err := sup.Spawn(ctx, tasksource.Task{ID: taskID})
			if err != nil {
				// A preserved workspace from an earlier failure blocks the
				// spawn; when it has also fallen behind the mainline, say so
				// explicitly rather than just "exists".
				var exists *workspace.ExistsError
				if errors.As(err, &exists) {
					if staleErr := staleDetail(ctx, comps, taskID); staleErr != nil {
						return fmt.Errorf("%w (run 'foundry cleanup %s' to discard it)", staleErr, taskID)
					}
				}
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "spawned worker %s for task %s (pid %d)\nworkspace: %s\nlog: %s\n",
				h.WorkerID, h.TaskID, h.PID, h.Workspace.Path, h.LogPath)
			return nil
		},
	}
}

// staleDetail returns a *workspace.StaleError when the task's existing
// workspace has a base snapshot behind the current mainline tip, nil
// otherwise.
func staleDetail(ctx context.Context, comps *components, taskID string) error {
	ws, err := comps.store.Get(taskID)
	if err != nil {
		return nil //nolint:nilerr // no record, nothing to report
	}
	stale, err := comps.store.IsStale(ctx, ws)
	if err != nil || !stale {
		return nil //nolint:nilerr // staleness is advisory here
	}
	tip, _, err := comps.git.Run(ctx, comps.cfg.RepoRoot, "rev-parse", workspace.Mainline)
	if err != nil {
		tip = ""
	}
	return &workspace.StaleError{
		TaskID:       taskID,
		BaseSnapshot: ws.BaseSnapshot,
		MainlineTip:  strings.TrimSpace(tip),
	}
}
