package main

import (
	"fmt"

	"github.com/jonathan/robopost/internal/config"
	"github.com/spf13/cobra"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply the database schema",
	Long:  `Create any missing tables and indexes. Safe to run repeatedly.`,
	Args:  cobra.NoArgs,
	RunE:  runMigrate,
}

func init() {
	rootCmd.AddCommand(migrateCmd)
}

func runMigrate(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	store, closeStore, err := openStore(cmd.Context(), cfg.Database)
	if err != nil {
		return err
	}
	defer closeStore()

	if err := store.Migrate(cmd.Context()); err != nil {
		return fmt.Errorf("failed to migrate: %w", err)
	}

	_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Schema applied (%s)\n", cfg.Database.Driver)
	return nil
}
