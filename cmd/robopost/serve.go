package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/jonathan/robopost/internal/config"
	"github.com/jonathan/robopost/internal/engine"
	"github.com/jonathan/robopost/internal/logging"
	"github.com/jonathan/robopost/internal/runs"
	"github.com/jonathan/robopost/internal/server"
	"github.com/jonathan/robopost/internal/server/ratelimit"
	"github.com/spf13/cobra"
)

var (
	servePort    int
	serveMigrate bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the REST API server",
	Long:  `Start an HTTP server that triggers agent runs, receives engine callbacks and streams run status.`,
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "Port to listen on (overrides PORT)")
	serveCmd.Flags().BoolVar(&serveMigrate, "migrate", false, "Apply the database schema before serving")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if servePort != 0 {
		cfg.Server.Port = servePort
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration:\n%w", err)
	}

	log := logging.New(cfg.Log.Level, cfg.Log.Format)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, closeStore, err := openStore(ctx, cfg.Database)
	if err != nil {
		return err
	}
	defer closeStore()

	if serveMigrate {
		if err := store.Migrate(ctx); err != nil {
			return fmt.Errorf("failed to migrate: %w", err)
		}
	}

	hub, closeHub, err := openHub(ctx, cfg.Redis, log)
	if err != nil {
		return err
	}
	defer closeHub()

	client := engine.New(engine.Options{
		URL:     cfg.Webhook.URL,
		Secret:  cfg.Webhook.Secret,
		Timeout: cfg.Webhook.Timeout,
	})
	if cfg.Webhook.SkipSignature {
		log.Warn("Callback signature verification is disabled")
	}

	jwtConfig, err := cfg.JWT()
	if err != nil {
		return err
	}
	passwordConfig, err := cfg.Password()
	if err != nil {
		return err
	}

	trigger := runs.NewTriggerService(store, store, client, cfg.Server.AppURL, log)
	callback := runs.NewCallbackService(store, hub, runs.CallbackConfig{
		Secret:        cfg.Webhook.Secret,
		SkipSignature: cfg.Webhook.SkipSignature,
	}, log)
	notifier := runs.NewNotifier(store, hub, runs.NotifierConfig{
		Interval: cfg.Notifier.Interval,
		Grace:    cfg.Notifier.Grace,
	}, log)
	limits := ratelimit.NewConfig(
		cfg.RateLimit.Enabled,
		cfg.RateLimit.DefaultLimit,
		cfg.RateLimit.DefaultWindow,
		cfg.RateLimit.CleanupInterval,
		cfg.RateLimit.Whitelist,
		cfg.RateLimit.Blacklist,
	)

	srv, err := server.New(server.Config{
		Port:      cfg.Server.Port,
		Store:     store,
		Trigger:   trigger,
		Callback:  callback,
		Notifier:  notifier,
		JWT:       jwtConfig,
		Password:  passwordConfig,
		RateLimit: limits,
		Logger:    log,
	})
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}

	return srv.Start(ctx)
}
