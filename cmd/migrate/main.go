package main

import (
	"fmt"
	"os"

	"github.com/Rrens/llm-relay/internal/config"
	"github.com/Rrens/llm-relay/internal/repository/postgres"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

func main() {
	// Load .env file if it exists
	_ = godotenv.Load()

	if err := buildRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func buildRootCmd() *cobra.Command {
	var source string

	cmd := &cobra.Command{
		Use:          "migrate",
		Short:        "Manage the postgres schema of the relay",
		SilenceUsage: true,
	}
	cmd.PersistentFlags().StringVar(&source, "source", postgres.DefaultMigrationsSource, "Migrations source URL")

	cmd.AddCommand(
		buildUpCmd(&source),
		buildDownCmd(&source),
		buildVersionCmd(&source),
	)
	return cmd
}

func buildUpCmd(source *string) *cobra.Command {
	return &cobra.Command{
		Use:   "up",
		Short: "Apply every pending migration",
		RunE: func(cmd *cobra.Command, args []string) error {
			dsn, err := loadDSN(cmd)
			if err != nil {
				return err
			}
			return postgres.RunMigrations(dsn, *source)
		},
	}
}

func buildDownCmd(source *string) *cobra.Command {
	var steps int
	cmd := &cobra.Command{
		Use:   "down",
		Short: "Roll back applied migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			dsn, err := loadDSN(cmd)
			if err != nil {
				return err
			}
			return postgres.RollbackMigrations(dsn, *source, steps)
		},
	}
	cmd.Flags().IntVarP(&steps, "steps", "n", 1, "Number of migrations to roll back")
	return cmd
}

func buildVersionCmd(source *string) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the applied schema version",
		RunE: func(cmd *cobra.Command, args []string) error {
			dsn, err := loadDSN(cmd)
			if err != nil {
				return err
			}
			version, dirty, err := postgres.MigrationVersion(dsn, *source)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "version %d (dirty: %t)\n", version, dirty)
			return nil
		},
	}
}

func loadDSN(cmd *cobra.Command) (string, error) {
	cfg, err := config.Load()
	if err != nil {
		return "", err
	}
	fmt.Fprintf(cmd.ErrOrStderr(), "Using database at %s:%d\n", cfg.Database.Host, cfg.Database.Port)
	return cfg.Database.DSN(), nil
}
