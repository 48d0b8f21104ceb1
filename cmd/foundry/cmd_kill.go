package main

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"foundry/pkg/supervisor"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"
)

// newKillCmd creates the "foundry kill" subcommand.
func newKillCmd() *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "kill <task-id>",
		Short: "Terminate the worker for a task",
		Long: "Sends SIGTERM to the worker's process group, escalating to SIGKILL\n" +
			"after the configured grace period. The task returns to the ready pool;\n" +
			"the workspace is preserved. Prompts for confirmation on a TTY.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			taskID := args[0]
			ctx := cmd.Context()
			out := cmd.OutOrStdout()

			comps, err := buildComponents(ctx)
			if err != nil {
				return err
			}
			defer comps.Close()

			records := supervisor.NewRecordStore(comps.paths.WorkersDir)
			pid, err := records.Read(taskID)
			if err != nil {
				return fmt.Errorf("no worker record for task %s", taskID)
			}

			if !supervisor.Alive(pid) {
				fmt.Fprintf(out, "worker for %s (pid %d) is already dead; removing record\n", taskID, pid)
				return records.Remove(taskID)
			}

			if !force {
				if !isatty.IsTerminal(os.Stdin.Fd()) {
					return fmt.Errorf("refusing to kill without a TTY; pass --force")
				}
				fmt.Fprintf(out, "kill worker for task %s (pid %d)? [y/N] ", taskID, pid)
				line, _ := bufio.NewReader(os.Stdin).ReadString('\n')
				if answer := strings.ToLower(strings.TrimSpace(line)); answer != "y" && answer != "yes" {
					fmt.Fprintln(out, "aborted")
					return nil
				}
			}

			grace := comps.cfg.KillGrace.Std()
			if err := supervisor.KillRecorded(ctx, pid, grace); err != nil {
				return err
			}
			if err := records.Remove(taskID); err != nil {
				return err
			}

			_ = comps.events.Log(ctx, "killed", "cli", taskID, "", "")
			_ = comps.events.CompleteAssignment(ctx, taskID, "killed")
			if err := comps.source.Release(ctx, taskID); err != nil {
				return fmt.Errorf("release task %s: %w", taskID, err)
			}

			fmt.Fprintf(out, "killed worker for task %s (pid %d, grace %s)\n", taskID, pid, grace)
			return nil
		},
	}

	cmd.Flags().BoolVar(&force, "force", false, "skip interactive confirmation")
	return cmd
}
