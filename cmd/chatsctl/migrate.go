package main

import (
	"github.com/spf13/cobra"

	"github.com/phonginreallife/chats/db"
	"github.com/phonginreallife/chats/internal/config"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply the database schema",
	Long: `Apply the embedded schema to DATABASE_URL. Every statement is idempotent,
so running it against an up to date database is a no-op.

Examples:
  chatsctl migrate
  DATABASE_URL=postgres://... chatsctl migrate`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		pg, err := db.Open(ctx, config.App.DatabaseURL)
		if err != nil {
			return err
		}
		defer pg.Close()

		if err := db.Migrate(ctx, pg); err != nil {
			return err
		}
		printf(cmd, "[OK] schema applied\n")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(migrateCmd)
}
