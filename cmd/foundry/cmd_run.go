package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// newRunCmd creates the "foundry run" subcommand: the supervisor daemon.
func newRunCmd() *cobra.Command {
	var detach bool

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the supervisor loop",
		Long: "Runs the foundry supervisor in the foreground: claims ready tasks,\n" +
			"spawns workers in isolated worktrees, merges completed work, and\n" +
			"reconciles crashes. SIGTERM/SIGINT drain and stop the loop.",
		RunE: func(cmd *cobra.Command, args []string) error {
			comps, err := buildComponents(cmd.Context())
			if err != nil {
				return err
			}
			defer comps.Close()

			// Refuse to double-start against the same state dir.
			status, pid, err := DaemonStatus(comps.paths.PIDPath)
			if err != nil {
				return err
			}
			if status == StatusRunning {
				return fmt.Errorf("supervisor already running (pid %d)", pid)
			}
			if status == StatusStale {
				fmt.Fprintln(cmd.OutOrStdout(), "removing stale PID file")
				if err := RemovePIDFile(comps.paths.PIDPath); err != nil {
					return err
				}
			}

			sup, err := comps.newSupervisor(detach)
			if err != nil {
				return err
			}

			if err := WritePIDFile(comps.paths.PIDPath, os.Getpid()); err != nil {
				return err
			}
			ctx, cleanup := SetupSignalHandler(cmd.Context(), comps.paths.PIDPath)
			defer cleanup()

			// Leftover worktree state from a previous crash.
			_ = comps.store.Prune(ctx)

			fmt.Fprintf(cmd.OutOrStdout(), "foundry supervisor running (pid %d, max %d workers)\n",
				os.Getpid(), comps.cfg.MaxWorkers)

			return sup.Run(ctx)
		},
	}

	cmd.Flags().BoolVar(&detach, "detach-workers", false,
		"leave workers running at shutdown; the next run re-attaches them")
	return cmd
}
