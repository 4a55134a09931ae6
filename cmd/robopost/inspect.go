package main

import (
	"fmt"

	"github.com/jonathan/robopost/internal/config"
	"github.com/jonathan/robopost/internal/observability"
	"github.com/jonathan/robopost/internal/runs"
	"github.com/spf13/cobra"
)

var inspectCmd = &cobra.Command{
	Use:   "inspect <run-id>",
	Short: "Print a run with its progress log and results",
	Args:  cobra.ExactArgs(1),
	RunE:  runInspect,
}

func init() {
	rootCmd.AddCommand(inspectCmd)
}

func runInspect(cmd *cobra.Command, args []string) error {
	runID, err := parseRunID(args[0])
	if err != nil {
		return err
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	store, closeStore, err := openStore(ctx, cfg.Database)
	if err != nil {
		return err
	}
	defer closeStore()

	run, err := store.GetRun(ctx, runID)
	if err != nil {
		if runs.IsNotFound(err) {
			return fmt.Errorf("run %s not found", runID)
		}
		return err
	}
	progress, err := store.ListProgress(ctx, runID)
	if err != nil {
		return err
	}
	results, err := store.ListResults(ctx, runID)
	if err != nil {
		return err
	}

	printer := observability.NewPrinter(cmd.OutOrStdout())
	printer.PrintRun(run)
	printer.PrintProgress(progress)
	printer.PrintResults(results)
	return nil
}
