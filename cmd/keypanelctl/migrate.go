package main

import (
	"fmt"

	"keypanel/backend/internal/config"
	"keypanel/backend/internal/db"

	"github.com/spf13/cobra"
)

func newMigrateCmd(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply or roll back database migrations",
	}

	var steps int
	down := &cobra.Command{
		Use:   "down",
		Short: "Roll back migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			url, err := c.databaseURL()
			if err != nil {
				return err
			}
			if err := db.MigrateDown(url, steps); err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "rolled back %d step(s)\n", steps)
			return nil
		},
	}
	down.Flags().IntVar(&steps, "steps", 1, "Number of migrations to roll back")

	cmd.AddCommand(
		&cobra.Command{
			Use:   "up",
			Short: "Apply all pending migrations",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				url, err := c.databaseURL()
				if err != nil {
					return err
				}
				if err := db.Migrate(url); err != nil {
					return err
				}
				_, _ = fmt.Fprintln(cmd.OutOrStdout(), "migrations applied")
				return nil
			},
		},
		down,
		&cobra.Command{
			Use:   "version",
			Short: "Print the current schema version",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				url, err := c.databaseURL()
				if err != nil {
					return err
				}
				version, dirty, err := db.SchemaVersion(url)
				if err != nil {
					return err
				}
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "version %d dirty=%t\n", version, dirty)
				return nil
			},
		},
	)
	return cmd
}

func (c *cli) databaseURL() (string, error) {
	cfg, err := c.config()
	if err != nil {
		return "", err
	}
	if cfg.StorageDriver != config.StorageDriverPostgres || cfg.DatabaseURL == "" {
		return "", fmt.Errorf("migrations need STORAGE_DRIVER=postgres and DATABASE_URL")
	}
	return cfg.DatabaseURL, nil
}
