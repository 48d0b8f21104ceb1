package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

// newDashCmd creates the "foundry dash" subcommand.
func newDashCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "dash",
		Short: "Launch interactive dashboard",
		Long:  "Opens the foundry dashboard TUI for monitoring workers, workspaces,\nand the event stream.",
		RunE: func(cmd *cobra.Command, args []string) error {
			comps, err := buildComponents(cmd.Context())
			if err != nil {
				return err
			}
			defer comps.Close()

			if err := runDashboard(comps); err != nil {
				return fmt.Errorf("run dashboard: %w", err)
			}
			return nil
		},
	}
}
