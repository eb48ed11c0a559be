package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/agentworkforce/paksync/internal/filemanager"
	"github.com/agentworkforce/paksync/internal/pak"
)

// NewFormatCommand creates the 'format' command, which writes a blank
// Controller Pak image.
func NewFormatCommand(a *app) *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "format [path]",
		Short: "Write a freshly formatted Controller Pak image.",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := a.cfg.Image.Path
			if len(args) > 0 {
				path = args[0]
			}
			if strings.TrimSpace(path) == "" {
				return errNoImage
			}
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			} else if err != nil && !errors.Is(err, os.ErrNotExist) {
				return err
			}

			var serial [24]byte
			id := uuid.New()
			copy(serial[:], id[:])
			m := filemanager.New(filemanager.Options{Logger: a.logger})
			if err := m.OpenBytes(filepath.Base(path), pak.Format(serial)); err != nil {
				return err
			}
			if err := m.Save(cmd.Context(), path); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "formatted %s\n", path)
			return nil
		},
	}
	cmd.Flags().BoolVarP(&force, "force", "f", false, "overwrite an existing file")
	return cmd
}
