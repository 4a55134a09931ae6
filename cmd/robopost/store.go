package main

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jonathan/robopost/internal/config"
	"github.com/jonathan/robopost/internal/db"
	"github.com/jonathan/robopost/internal/db/sqlite"
	"github.com/jonathan/robopost/internal/pubsub"
	"github.com/jonathan/robopost/internal/runs"
	"github.com/jonathan/robopost/internal/server"
	"github.com/jonathan/robopost/internal/types"
	"github.com/sirupsen/logrus"
)

// appStore is the storage surface used across commands. *db.DB and
// *sqlite.Store both satisfy it.
type appStore interface {
	server.Store
	Migrate(ctx context.Context) error
	SetUserRole(ctx context.Context, email string, role types.Role) error
	CreateIndustry(ctx context.Context, slug, name string, description *string) (*db.Industry, error)
}

var (
	_ appStore = (*db.DB)(nil)
	_ appStore = (*sqlite.Store)(nil)
)

// openStore connects to the configured database. The returned func releases it.
func openStore(ctx context.Context, cfg config.Database) (appStore, func(), error) {
	if err := cfg.Validate(); err != nil {
		return nil, nil, err
	}

	switch cfg.Driver {
	case config.DriverSQLite:
		store, err := sqlite.Open(ctx, cfg.SQLitePath)
		if err != nil {
			return nil, nil, err
		}
		return store, func() { _ = store.Close() }, nil
	default:
		database, err := db.Connect(ctx, cfg.URL)
		if err != nil {
			return nil, nil, err
		}
		return database, database.Close, nil
	}
}

// wakeHub fans run wake-ups out to open streams.
type wakeHub interface {
	runs.Publisher
	runs.Subscriber
}

// openHub uses Redis when an address is configured so that streams served by
// one replica wake on callbacks received by another.
func openHub(ctx context.Context, cfg config.Redis, log logrus.FieldLogger) (wakeHub, func(), error) {
	if cfg.Addr == "" {
		return pubsub.NewLocal(), func() {}, nil
	}
	hub, err := pubsub.Dial(ctx, cfg.Addr, cfg.Password, cfg.DB, log)
	if err != nil {
		return nil, nil, err
	}
	return hub, func() { _ = hub.Close() }, nil
}

func parseRunID(arg string) (uuid.UUID, error) {
	id, err := uuid.Parse(arg)
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid run ID %q", arg)
	}
	return id, nil
}
