package main

import (
	"context"
	"time"

	"github.com/spf13/cobra"

	"github.com/phonginreallife/chats/authz"
	"github.com/phonginreallife/chats/internal/app"
	"github.com/phonginreallife/chats/internal/config"
)

var agentTokenTTL time.Duration

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Issue access tokens",
}

var agentTokenCmd = &cobra.Command{
	Use:   "agent <email>",
	Short: "Issue an agent bearer token signed with CHATS_JWT_SECRET",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		token, err := authz.NewTokenService(config.App.JWTSecret).Issue(args[0], agentTokenTTL)
		if err != nil {
			return err
		}
		printf(cmd, "%s\n", token)
		return nil
	},
}

var projectTokenCmd = &cobra.Command{
	Use:   "project <project_uuid>",
	Short: "Generate the external integration token of a project",
	Long: `Generate a new external integration token for a project. The previous
token stops working. Only a hash is stored, so save the printed value.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app.App) error {
			token, err := a.ProjectTokens.Generate(ctx, args[0])
			if err != nil {
				return err
			}
			printf(cmd, "%s\n", token)
			return nil
		})
	},
}

func init() {
	tokenCmd.AddCommand(agentTokenCmd, projectTokenCmd)
	rootCmd.AddCommand(tokenCmd)

	agentTokenCmd.Flags().DurationVar(&agentTokenTTL, "ttl", 24*time.Hour, "Token lifetime")
}
