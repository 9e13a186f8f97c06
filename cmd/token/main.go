package main

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/Rrens/llm-relay/internal/config"
	"github.com/Rrens/llm-relay/internal/security"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

func main() {
	_ = godotenv.Load()

	if err := buildRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func buildRootCmd() *cobra.Command {
	var (
		subject string
		scopes  []string
		ttl     time.Duration
	)

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a service token for the relay API",
		Example: `  token --subject discord-bot --scopes chat,sessions
  token --subject ops --scopes admin --ttl 24h`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if cfg.Auth.JWTSecret == "" {
				return errors.New("auth.jwt_secret (JWT_SECRET) is not set")
			}
			if !cmd.Flags().Changed("ttl") {
				ttl = cfg.Auth.TokenTTL
			}

			manager := security.NewJWTManager(cfg.Auth.JWTSecret, cfg.Auth.Issuer, ttl)
			token, err := manager.GenerateToken(subject, scopes)
			if err != nil {
				return err
			}

			fmt.Fprintln(cmd.OutOrStdout(), token)
			fmt.Fprintf(cmd.ErrOrStderr(), "subject=%s scopes=%s ttl=%s\n", subject, strings.Join(scopes, ","), ttl)
			return nil
		},
	}
	cmd.Flags().StringVarP(&subject, "subject", "s", "", "Client the token is issued to")
	cmd.Flags().StringSliceVar(&scopes, "scopes", []string{security.ScopeChat}, "Granted scopes: "+strings.Join(security.AllScopes, ", "))
	cmd.Flags().DurationVar(&ttl, "ttl", 0, "Token lifetime, 0 for no expiry (default auth.token_ttl)")
	_ = cmd.MarkFlagRequired("subject")
	return cmd
}
