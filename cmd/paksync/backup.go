package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/agentworkforce/paksync/internal/archive"
)

var errNoArchive = errors.New("no archive configured (--archive or PAKSYNC_ARCHIVE_DSN)")

// NewBackupCommand creates the 'backup' command. Without a subcommand it
// copies the current image file into the archive.
func NewBackupCommand(a *app) *cobra.Command {
	var dsn string
	openArchive := func(cmd *cobra.Command) (archive.Archive, error) {
		if cmd.Flags().Changed("archive") {
			a.cfg.Archive.DSN = dsn
		}
		arch, err := a.buildArchive()
		if err != nil {
			return nil, err
		}
		if arch == nil {
			return nil, errNoArchive
		}
		return arch, nil
	}
	imagePath := func() (string, error) {
		path := strings.TrimSpace(a.cfg.Image.Path)
		if path == "" {
			return "", errNoImage
		}
		return path, nil
	}

	cmd := &cobra.Command{
		Use:   "backup",
		Short: "Copy the image into the backup archive.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			arch, err := openArchive(cmd)
			if err != nil {
				return err
			}
			path, err := imagePath()
			if err != nil {
				return err
			}
			data, err := os.ReadFile(path)
			if err != nil {
				return err
			}
			if err := arch.Backup(cmd.Context(), filepath.Base(path), data); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "backed up %s (%d bytes)\n", path, len(data))
			return nil
		},
	}
	cmd.PersistentFlags().StringVar(&dsn, "archive", "", "archive DSN (directory, file:// or s3://bucket/prefix)")

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List archived copies of the image, oldest first.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			arch, err := openArchive(cmd)
			if err != nil {
				return err
			}
			path, err := imagePath()
			if err != nil {
				return err
			}
			entries, err := arch.List(cmd.Context(), filepath.Base(path))
			if err != nil {
				return err
			}
			if len(entries) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "no backups")
				return nil
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "TAKEN\tSIZE\tKEY")
			for _, e := range entries {
				fmt.Fprintf(tw, "%s\t%d\t%s\n", e.Taken.UTC().Format(time.RFC3339), e.Size, e.Key)
			}
			return tw.Flush()
		},
	}
	cmd.AddCommand(listCmd)
	return cmd
}
