package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"foundry/pkg/eventlog"
	"foundry/pkg/supervisor"

	"github.com/spf13/cobra"
)

// newStatusCmd creates the "foundry status" subcommand.
func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status [task-id]",
		Short: "Show supervisor and worker status",
		Long: "Displays supervisor daemon status, the concurrency budget, live\n" +
			"workers, and active assignments from the event log. With a task-id,\n" +
			"shows that task's workspace, worker, and recent events instead.",
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			out := cmd.OutOrStdout()

			comps, err := buildComponents(ctx)
			if err != nil {
				return err
			}
			defer comps.Close()

			if len(args) == 1 {
				return printTaskStatus(ctx, comps, out, args[0])
			}

			status, pid, err := DaemonStatus(comps.paths.PIDPath)
			if err != nil {
				return err
			}
			switch status {
			case StatusRunning:
				fmt.Fprintf(out, "supervisor: running (pid %d)\n", pid)
			case StatusStale:
				fmt.Fprintf(out, "supervisor: stale pid file (pid %d is dead)\n", pid)
			default:
				fmt.Fprintln(out, "supervisor: stopped")
			}

			records := supervisor.NewRecordStore(comps.paths.WorkersDir)
			pids, err := records.Scan()
			if err != nil {
				return fmt.Errorf("scan worker records: %w", err)
			}
			live := 0
			for _, p := range pids {
				if supervisor.Alive(p) {
					live++
				}
			}
			fmt.Fprintf(out, "workers: %d live of %d max\n", live, comps.cfg.MaxWorkers)

			assignments, err := comps.events.ActiveAssignments(ctx)
			if err != nil {
				return err
			}
			if len(assignments) == 0 {
				return nil
			}

			fmt.Fprintln(out)
			w := tabwriter.NewWriter(out, 2, 4, 2, ' ', 0)
			fmt.Fprintln(w, "TASK\tWORKER\tWORKSPACE\tASSIGNED")
			for _, a := range assignments {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", a.TaskID, a.WorkerID, a.Workspace, a.AssignedAt)
			}
			return w.Flush()
		},
	}
}

// printTaskStatus shows one task's workspace, worker liveness, and its most
// recent events.
func printTaskStatus(ctx context.Context, comps *components, out io.Writer, taskID string) error {
	ws, err := comps.store.Get(taskID)
	switch {
	case errors.Is(err, os.ErrNotExist):
		fmt.Fprintln(out, "workspace: none")
	case err != nil:
		return err
	default:
		fmt.Fprintf(out, "workspace: %s (%s)\n", ws.Path, ws.State)
		fmt.Fprintf(out, "branch:    %s\n", ws.Branch)
		fmt.Fprintf(out, "base:      %s\n", ws.BaseSnapshot)
	}

	records := supervisor.NewRecordStore(comps.paths.WorkersDir)
	if pid, err := records.Read(taskID); err == nil {
		if supervisor.Alive(pid) {
			fmt.Fprintf(out, "worker:    pid %d (live)\n", pid)
		} else {
			fmt.Fprintf(out, "worker:    pid %d (dead)\n", pid)
		}
	} else {
		fmt.Fprintln(out, "worker:    none")
	}

	events, err := comps.events.Query(ctx, eventlog.QueryOpts{TaskID: taskID, Limit: 10})
	if err != nil {
		return err
	}
	if len(events) == 0 {
		return nil
	}
	fmt.Fprintln(out, "\nrecent events:")
	for i := len(events) - 1; i >= 0; i-- {
		formatEvent(out, &events[i])
	}
	return nil
}
