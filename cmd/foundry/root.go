package main

import (
	"fmt"

	"foundry/internal/appversion"

	"github.com/spf13/cobra"
)

// newRootCmd creates the root foundry command with all subcommands attached.
func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "foundry",
		Short:         "Foundry worker orchestrator",
		Long:          "foundry orchestrates pools of task workers in isolated git worktrees\nand serializes their results back into the mainline.",
		Version:       fmt.Sprintf("foundry %s", appversion.String()),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.SetVersionTemplate("{{.Version}}\n")

	cmd.AddCommand(
		newRunCmd(),
		newCreateCmd(),
		newListCmd(),
		newStatusCmd(),
		newKillCmd(),
		newLogsCmd(),
		newCleanupCmd(),
		newDashCmd(),
	)

	return cmd
}
