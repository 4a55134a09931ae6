package main

import (
	"context"
	"fmt"
	"time"

	"github.com/jonathan/robopost/internal/config"
	"github.com/jonathan/robopost/internal/engine"
	"github.com/spf13/cobra"
)

var pingTimeout time.Duration

var pingEngineCmd = &cobra.Command{
	Use:   "ping-engine",
	Short: "Send a signed test payload to the workflow engine",
	Args:  cobra.NoArgs,
	RunE:  runPingEngine,
}

func init() {
	pingEngineCmd.Flags().DurationVar(&pingTimeout, "timeout", 10*time.Second, "How long to wait for the engine")
	rootCmd.AddCommand(pingEngineCmd)
}

func runPingEngine(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if err := cfg.Webhook.Validate(); err != nil {
		return err
	}

	client := engine.New(engine.Options{
		URL:     cfg.Webhook.URL,
		Secret:  cfg.Webhook.Secret,
		Timeout: pingTimeout,
	})

	ctx, cancel := context.WithTimeout(cmd.Context(), pingTimeout)
	defer cancel()

	result, err := client.Ping(ctx)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	_, _ = fmt.Fprintf(out, "URL:     %s\n", cfg.Webhook.URL)
	_, _ = fmt.Fprintf(out, "Status:  %d\n", result.StatusCode)
	_, _ = fmt.Fprintf(out, "Latency: %s\n", result.Latency.Round(time.Millisecond))
	if result.Body != "" {
		_, _ = fmt.Fprintf(out, "Body:    %s\n", result.Body)
	}

	if result.StatusCode < 200 || result.StatusCode >= 300 {
		return fmt.Errorf("workflow engine answered %d", result.StatusCode)
	}
	return nil
}
