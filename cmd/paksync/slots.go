package main

import (
	"fmt"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/agentworkforce/paksync/internal/filemanager"
	"github.com/agentworkforce/paksync/internal/media"
)

func parseIndex(raw string) (int, error) {
	index, err := strconv.Atoi(raw)
	if err != nil || index < 0 {
		return 0, fmt.Errorf("invalid slot index %q", raw)
	}
	return index, nil
}

func findSlot(m *filemanager.Manager, index int) (media.SaveSlot, error) {
	slots, err := m.Slots()
	if err != nil {
		return media.SaveSlot{}, err
	}
	for _, slot := range slots {
		if slot.Index == index {
			return slot, nil
		}
	}
	return media.SaveSlot{}, fmt.Errorf("%w: slot %d is empty", media.ErrInvalidSlotTarget, index)
}

func slotFileName(slot media.SaveSlot) string {
	if slot.Format() == media.FormatCartridge {
		return slot.Key() + ".eep"
	}
	return slot.Key() + ".note"
}

func NewExportCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "export <index> [file]",
		Short: "Write one slot to a standalone note or EEPROM slot file.",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			index, err := parseIndex(args[0])
			if err != nil {
				return err
			}
			m, err := a.openImage(cmd.Context())
			if err != nil {
				return err
			}
			slot, err := findSlot(m, index)
			if err != nil {
				return err
			}
			dest := slotFileName(slot)
			if len(args) > 1 {
				dest = args[1]
			}
			if err := m.ExportSlotToFile(cmd.Context(), index, dest); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "exported slot %d (%s) to %s\n", index, slot.Key(), dest)
			return nil
		},
	}
	return cmd
}

func NewImportCommand(a *app) *cobra.Command {
	var (
		index     int
		overwrite bool
	)
	cmd := &cobra.Command{
		Use:   "import <file>",
		Short: "Copy a note or EEPROM slot file into the image.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			slot, err := media.ReadSlotFile(data)
			if err != nil {
				return fmt.Errorf("read %s: %w", args[0], err)
			}
			m, err := a.openImage(cmd.Context())
			if err != nil {
				return err
			}
			placed, err := m.ImportSlot(slot, media.ImportOptions{Index: index, Overwrite: overwrite})
			if err != nil {
				return err
			}
			if err := m.Save(cmd.Context(), ""); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "imported %s into slot %d\n", placed.Key(), placed.Index)
			return nil
		},
	}
	cmd.Flags().IntVar(&index, "index", -1, "target slot index (-1 picks the first free slot)")
	cmd.Flags().BoolVar(&overwrite, "overwrite", false, "replace an occupied target slot")
	return cmd
}

func NewDeleteCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete <index>",
		Short: "Remove one slot from the image.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			index, err := parseIndex(args[0])
			if err != nil {
				return err
			}
			m, err := a.openImage(cmd.Context())
			if err != nil {
				return err
			}
			slot, err := findSlot(m, index)
			if err != nil {
				return err
			}
			if err := m.DeleteSlot(index); err != nil {
				return err
			}
			if err := m.Save(cmd.Context(), ""); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "deleted slot %d (%s)\n", index, slot.Key())
			return nil
		},
	}
	return cmd
}

