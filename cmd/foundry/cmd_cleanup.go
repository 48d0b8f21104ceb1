package main

import (
	"fmt"

	"foundry/pkg/supervisor"
	"foundry/pkg/workspace"

	"github.com/spf13/cobra"
)

// newCleanupCmd creates the "foundry cleanup" subcommand. Failed and crashed
// workers leave their workspaces behind for inspection; this is how an
// operator disposes of them once done.
func newCleanupCmd() *cobra.Command {
	var all bool

	cmd := &cobra.Command{
		Use:   "cleanup [task-id]",
		Short: "Destroy preserved workspaces",
		Long: "Destroys the workspace for a task (worktree, branch, and record) and\n" +
			"prunes orphaned worktree state. With --all, destroys every workspace\n" +
			"with no live worker.",
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			out := cmd.OutOrStdout()

			if !all && len(args) == 0 {
				return fmt.Errorf("pass a task-id or --all")
			}

			comps, err := buildComponents(ctx)
			if err != nil {
				return err
			}
			defer comps.Close()

			records := supervisor.NewRecordStore(comps.paths.WorkersDir)

			if len(args) == 1 {
				taskID := args[0]
				if pid, err := records.Read(taskID); err == nil && supervisor.Alive(pid) {
					return fmt.Errorf("task %s has a live worker (pid %d); kill it first", taskID, pid)
				}
				_ = comps.store.SetState(taskID, workspace.StateAbandoned)
				if err := comps.store.Destroy(ctx, taskID); err != nil {
					return err
				}
				_ = records.Remove(taskID)
				_ = comps.events.Log(ctx, "abandoned", "cli", taskID, "", "")
				fmt.Fprintf(out, "destroyed workspace for %s\n", taskID)
				return comps.store.Prune(ctx)
			}

			workspaces, err := comps.store.List(ctx)
			if err != nil {
				return err
			}
			pids, err := records.Scan()
			if err != nil {
				return err
			}

			destroyed := 0
			for _, ws := range workspaces {
				if pid, ok := pids[ws.TaskID]; ok && supervisor.Alive(pid) {
					continue
				}
				_ = comps.store.SetState(ws.TaskID, workspace.StateAbandoned)
				if err := comps.store.Destroy(ctx, ws.TaskID); err != nil {
					fmt.Fprintf(out, "skipping %s: %v\n", ws.TaskID, err)
					continue
				}
				_ = records.Remove(ws.TaskID)
				_ = comps.events.Log(ctx, "abandoned", "cli", ws.TaskID, "", "")
				destroyed++
			}
			fmt.Fprintf(out, "destroyed %d workspace(s)\n", destroyed)
			return comps.store.Prune(ctx)
		},
	}

	cmd.Flags().BoolVar(&all, "all", false, "destroy every workspace with no live worker")
	return cmd
}
