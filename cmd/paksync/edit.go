package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/agentworkforce/paksync/internal/savedata"
)

// NewEditCommand creates the 'edit' command. Edits go to the main record of
// one save file inside the slot and the record checksums are recomputed.
func NewEditCommand(a *app) *cobra.Command {
	var (
		file int
		sets []string
	)
	cmd := &cobra.Command{
		Use:   "edit <index> --set field=value...",
		Short: "Change fields of a Castlevania 64 save and reseal its checksums.",
		Long: fmt.Sprintf(`Fields: %s.
Use item:N=count for item N (1-64) and event:N=bits for event flag set N (0-15).`,
			strings.Join(savedata.FieldNames(), ", ")),
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			index, err := parseIndex(args[0])
			if err != nil {
				return err
			}
			if len(sets) == 0 {
				return fmt.Errorf("nothing to edit, pass at least one --set")
			}
			edits := make([]savedata.Edit, 0, len(sets))
			for _, s := range sets {
				e, err := savedata.ParseEdit(s)
				if err != nil {
					return err
				}
				edits = append(edits, e)
			}
			m, err := a.openImage(cmd.Context())
			if err != nil {
				return err
			}
			slot, err := m.EditSlot(index, file, edits)
			if err != nil {
				return err
			}
			if err := m.Save(cmd.Context(), ""); err != nil {
				return err
			}
			applied := make([]string, len(edits))
			for i, e := range edits {
				applied[i] = e.String()
			}
			fmt.Fprintf(cmd.OutOrStdout(), "edited slot %d (%s) file %d: %s\n", index, slot.Key(), file, strings.Join(applied, " "))
			return nil
		},
	}
	cmd.Flags().IntVar(&file, "file", 0, "save file inside the slot (0-3)")
	cmd.Flags().StringArrayVar(&sets, "set", nil, "field=value to write; repeatable")
	return cmd
}
