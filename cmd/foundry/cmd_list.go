package main

import (
	"fmt"
	"text/tabwriter"

	"foundry/pkg/supervisor"
	"foundry/pkg/workspace"

	"github.com/spf13/cobra"
)

// newListCmd creates the "foundry list" subcommand.
func newListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List workspaces and their workers",
		Long:  "Lists every known workspace with its branch, base snapshot, state,\nand the liveness of its worker if one is recorded.",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			comps, err := buildComponents(ctx)
			if err != nil {
				return err
			}
			defer comps.Close()

			workspaces, err := comps.store.List(ctx)
			if err != nil {
				return err
			}
			if len(workspaces) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "no workspaces")
				return nil
			}

			records := supervisor.NewRecordStore(comps.paths.WorkersDir)
			pids, err := records.Scan()
			if err != nil {
				return fmt.Errorf("scan worker records: %w", err)
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 2, 4, 2, ' ', 0)
			fmt.Fprintln(w, "TASK\tSTATE\tBRANCH\tBASE\tWORKER")
			for _, ws := range workspaces {
				state := string(ws.State)
				if ws.State == workspace.StateActive {
					if stale, err := comps.store.IsStale(ctx, ws); err == nil && stale {
						state = string(workspace.StateStale)
					}
				}
				worker := "-"
				if pid, ok := pids[ws.TaskID]; ok {
					if supervisor.Alive(pid) {
						worker = fmt.Sprintf("pid %d", pid)
					} else {
						worker = fmt.Sprintf("pid %d (dead)", pid)
					}
				}
				base := ws.BaseSnapshot
				if len(base) > 8 {
					base = base[:8]
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", ws.TaskID, state, ws.Branch, base, worker)
			}
			return w.Flush()
		},
	}
}
