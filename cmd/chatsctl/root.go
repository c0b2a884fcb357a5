package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/phonginreallife/chats/internal/app"
	"github.com/phonginreallife/chats/internal/config"
	"github.com/phonginreallife/chats/internal/logging"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "chatsctl",
	Short: "chats operations CLI",
	Long:  `Operational commands for the chats service: schema migration, archive runs, holiday seeding, summary reconciliation and token issuing.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if configPath == "" {
			configPath = os.Getenv("CHATS_CONFIG_PATH")
		}
		return config.LoadConfig(configPath)
	},
	SilenceUsage: true,
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to a config file (default: ./config/dev.config.yaml)")
}

// withApp builds the service graph for one command and closes it afterwards.
func withApp(cmd *cobra.Command, fn func(ctx context.Context, a *app.App) error) error {
	logger := logging.New(config.App.LogLevel, cmd.ErrOrStderr())
	ctx := logging.ContextWithLogger(cmd.Context(), logger)

	a, err := app.New(ctx, config.App, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	if err := fn(ctx, a); err != nil {
		return err
	}
	a.Drain()
	return nil
}

func printf(cmd *cobra.Command, format string, args ...interface{}) {
	fmt.Fprintf(cmd.OutOrStdout(), format, args...)
}
