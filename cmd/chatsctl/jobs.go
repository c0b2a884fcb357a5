package main

import (
	"context"
	"time"

	"github.com/spf13/cobra"

	"github.com/phonginreallife/chats/internal/app"
)

var (
	holidayYear     int
	reconcileWindow time.Duration
)

var archiveCmd = &cobra.Command{
	Use:   "archive",
	Short: "Archive closed conversations to object storage",
}

var archiveRunCmd = &cobra.Command{
	Use:   "run",
	Short: "Run one archive job now",
	Long: `Run one archive job now. The job stops at ARCHIVE_CHATS_MAX_HOUR (UTC)
and handles at most ARCHIVE_CHATS_MAX_ROOMS rooms.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app.App) error {
			job, err := a.Archive.Run(ctx)
			if err != nil {
				return err
			}
			printf(cmd, "[OK] archive job %s finished (deadline %s)\n", job.ID, job.ExpiresAt.Format(time.RFC3339))
			return nil
		})
	},
}

var holidaysCmd = &cobra.Command{
	Use:   "holidays",
	Short: "Manage sector holidays",
}

var holidaysSeedCmd = &cobra.Command{
	Use:   "seed",
	Short: "Insert national holidays for every sector",
	Long: `Insert the national holidays of each sector's country, derived from the
project timezone. Dates a sector already has are left untouched.

Examples:
  chatsctl holidays seed
  chatsctl holidays seed --year 2026`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app.App) error {
			year := holidayYear
			if year == 0 {
				year = a.Clock.Now().UTC().Year()
			}
			n, err := a.Holidays.Seed(ctx, year)
			if err != nil {
				return err
			}
			printf(cmd, "[OK] %d holidays created for %d\n", n, year)
			return nil
		})
	},
}

var reconcileCmd = &cobra.Command{
	Use:   "reconcile",
	Short: "Re-derive room message summaries from messages",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app.App) error {
			a.Reconciler.Window = reconcileWindow
			n, err := a.Reconciler.Run(ctx)
			if err != nil {
				return err
			}
			printf(cmd, "[OK] %d rooms repaired\n", n)
			return nil
		})
	},
}

func init() {
	archiveCmd.AddCommand(archiveRunCmd)
	holidaysCmd.AddCommand(holidaysSeedCmd)
	rootCmd.AddCommand(archiveCmd, holidaysCmd, reconcileCmd)

	holidaysSeedCmd.Flags().IntVar(&holidayYear, "year", 0, "Year to seed (default: current year)")
	reconcileCmd.Flags().DurationVar(&reconcileWindow, "window", time.Hour, "Only rooms modified within this window")
}
