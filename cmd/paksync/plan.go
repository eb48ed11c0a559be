package main

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/agentworkforce/paksync/internal/syncengine"
)

// NewPlanCommand creates the 'plan' command: a dry run that lists what a sync
// pass would do without touching the store, the ledger or the image.
func NewPlanCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "plan",
		Short: "Show the actions a sync would take.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := a.openImage(cmd.Context())
			if err != nil {
				return err
			}
			engine, err := a.buildEngine(cmd.Context())
			if err != nil {
				return err
			}
			slots, err := m.Slots()
			if err != nil {
				return err
			}
			refs, err := engine.Store().List(cmd.Context())
			if err != nil {
				return fmt.Errorf("list remote documents: %w", err)
			}
			actions := engine.Plan(cmd.Context(), syncengine.LocalEntries(slots), refs)
			return printActions(cmd.OutOrStdout(), actions)
		},
	}
	return cmd
}

func printActions(w io.Writer, actions []syncengine.SyncAction) error {
	if len(actions) == 0 {
		fmt.Fprintln(w, "in sync")
		return nil
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ACTION\tID\tREVISION\tREASON")
	for _, action := range actions {
		rev := action.RemoteRevision
		if rev == "" {
			rev = "-"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", action.Kind, action.ID, rev, action.Reason)
	}
	return tw.Flush()
}
