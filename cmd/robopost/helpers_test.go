package main

import (
	"bytes"
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/jonathan/robopost/internal/db/sqlite"
)

// execute runs the root command in-process and returns everything it printed.
func execute(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()

	configPath = ""
	servePort = 0
	serveMigrate = false
	signSecret = ""
	signHeader = false
	pingTimeout = 10 * time.Second
	industryDescription = ""

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetIn(strings.NewReader(stdin))
	rootCmd.SetArgs(args)
	err := rootCmd.Execute()
	return out.String(), err
}

// useSQLite points every command at a fresh database file and returns its path.
func useSQLite(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "robopost.db")
	t.Setenv("DATABASE_DRIVER", "sqlite")
	t.Setenv("SQLITE_PATH", path)
	return path
}

// withStore opens the database directly for fixture setup and closes it
// before returning so the command under test has sole access.
func withStore(t *testing.T, path string, fn func(ctx context.Context, store *sqlite.Store)) {
	t.Helper()
	ctx := context.Background()
	store, err := sqlite.Open(ctx, path)
	require.NoError(t, err)
	defer func() { require.NoError(t, store.Close()) }()
	fn(ctx, store)
}
