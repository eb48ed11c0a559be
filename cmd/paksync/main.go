package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	if err := run(context.Background(), os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// run executes one command line and always releases what setup acquired.
func run(ctx context.Context, args []string, stdout io.Writer) error {
	rootCmd, a := newRootCommand()
	rootCmd.SetArgs(args)
	rootCmd.SetOut(stdout)
	err := rootCmd.ExecuteContext(ctx)
	return errors.Join(err, a.teardown())
}

func newRootCommand() (*cobra.Command, *app) {
	a := &app{}
	rootCmd := &cobra.Command{
		Use:           "paksync",
		Short:         "Manage and synchronize N64 save media.",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.setup(cmd.Context())
		},
	}
	flags := rootCmd.PersistentFlags()
	flags.StringVarP(&a.configPath, "config", "c", os.Getenv("PAKSYNC_CONFIG"), "config file (.yaml or .toml)")
	flags.StringVarP(&a.imagePath, "image", "i", "", "media image to work on")
	flags.StringVar(&a.logLevel, "log-level", "", "log level (debug, info, warn, error)")

	rootCmd.AddCommand(NewInspectCommand(a))
	rootCmd.AddCommand(NewFormatCommand(a))
	rootCmd.AddCommand(NewExportCommand(a))
	rootCmd.AddCommand(NewImportCommand(a))
	rootCmd.AddCommand(NewDeleteCommand(a))
	rootCmd.AddCommand(NewEditCommand(a))
	rootCmd.AddCommand(NewPlanCommand(a))
	rootCmd.AddCommand(NewSyncCommand(a))
	rootCmd.AddCommand(NewServeCommand(a))
	rootCmd.AddCommand(NewMountCommand(a))
	rootCmd.AddCommand(NewBackupCommand(a))
	return rootCmd, a
}
