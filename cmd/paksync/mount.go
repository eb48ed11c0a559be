package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/agentworkforce/paksync/internal/slotfs"
)

// NewMountCommand creates the 'mount' command. The mount shows the slots as
// they were when it started; remount to see later edits.
func NewMountCommand(a *app) *cobra.Command {
	var opts slotfs.Options
	cmd := &cobra.Command{
		Use:   "mount <mountpoint>",
		Short: "Expose the image's slots as read-only files over FUSE.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := a.openImage(cmd.Context())
			if err != nil {
				return err
			}
			files, err := slotfs.Snapshot(m)
			if err != nil {
				return err
			}
			server, err := slotfs.Mount(args[0], files, opts)
			if err != nil {
				return fmt.Errorf("mount %s: %w", args[0], err)
			}
			a.logger.Info("slots mounted", "mountpoint", args[0], "image", m.Path(), "files", len(files))
			fmt.Fprintf(cmd.OutOrStdout(), "mounted %d file(s) at %s\n", len(files), args[0])

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			go func() {
				<-ctx.Done()
				if err := server.Unmount(); err != nil {
					a.logger.Warn("unmount failed", "mountpoint", args[0], "error", err)
				}
			}()
			server.Wait()
			return nil
		},
	}
	cmd.Flags().BoolVar(&opts.Debug, "debug", false, "log FUSE requests")
	cmd.Flags().BoolVar(&opts.AllowOther, "allow-other", false, "let other users read the mount")
	return cmd
}
