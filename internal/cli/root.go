// Package cli is the mailsync command line.
package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/Martian-dev/inbox-sync/internal/config"
)

var version = "dev"

// Execute runs the root command.
func Execute() error {
	return NewRoot().Execute()
}

func NewRoot() *cobra.Command {
	var configPath string
	root := &cobra.Command{
		Use:           "mailsync",
		Short:         "Mailbox push ingestion and reconciliation",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to a YAML config file")

	load := func(ctx context.Context) (*app, error) {
		cfg, err := config.Load(configPath)
		if err != nil {
			return nil, err
		}
		return newApp(ctx, cfg)
	}

	root.AddCommand(
		serveCmd(load),
		sweepCmd(load),
		reportCmd(load),
		accountCmd(load),
		versionCmd(),
	)
	return root
}

type loader func(ctx context.Context) (*app, error)

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), "mailsync", version)
		},
	}
}
