package main

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jonathan/robopost/internal/db/sqlite"
	"github.com/jonathan/robopost/internal/runs"
	"github.com/jonathan/robopost/internal/signature"
	"github.com/jonathan/robopost/internal/types"
)

func TestSignCommand_File(t *testing.T) {
	body := []byte(`{"runId":"abc","status":"progress","message":"hi"}`)
	path := filepath.Join(t.TempDir(), "body.json")
	require.NoError(t, os.WriteFile(path, body, 0o644))

	output, err := execute(t, "", "sign", path, "--secret", "s3cret")
	require.NoError(t, err)

	assert.Equal(t, signature.Sign(body, "s3cret"), strings.TrimSpace(output))
}

func TestSignCommand_StdinWithHeader(t *testing.T) {
	t.Setenv("N8N_WEBHOOK_SECRET", "from-env")

	output, err := execute(t, "payload", "sign", "--header")
	require.NoError(t, err)

	assert.Equal(t, "X-N8N-Signature: "+signature.Sign([]byte("payload"), "from-env"), strings.TrimSpace(output))
}

func TestSignCommand_MissingSecret(t *testing.T) {
	t.Setenv("N8N_WEBHOOK_SECRET", "")

	_, err := execute(t, "payload", "sign")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "secret is required")
}

func TestMigrateCommand(t *testing.T) {
	useSQLite(t)

	output, err := execute(t, "", "migrate")
	require.NoError(t, err)
	assert.Contains(t, output, "Schema applied (sqlite)")

	// Applying twice is harmless.
	_, err = execute(t, "", "migrate")
	require.NoError(t, err)
}

func TestMigrateCommand_UnknownDriver(t *testing.T) {
	t.Setenv("DATABASE_DRIVER", "oracle")

	_, err := execute(t, "", "migrate")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown DATABASE_DRIVER")
}

func TestUsersSetRoleCommand(t *testing.T) {
	path := useSQLite(t)
	withStore(t, path, func(ctx context.Context, store *sqlite.Store) {
		_, err := store.CreateUser(ctx, "Operator", "ops@example.com", "hash", types.RoleUser)
		require.NoError(t, err)
	})

	output, err := execute(t, "", "users", "set-role", "ops@example.com", "admin")
	require.NoError(t, err)
	assert.Contains(t, output, "ops@example.com is now admin")

	withStore(t, path, func(ctx context.Context, store *sqlite.Store) {
		user, err := store.GetUserByEmail(ctx, "ops@example.com")
		require.NoError(t, err)
		require.NotNil(t, user)
		assert.Equal(t, types.RoleAdmin, user.Role)
	})

	t.Run("invalid role", func(t *testing.T) {
		_, err := execute(t, "", "users", "set-role", "ops@example.com", "root")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "invalid role")
	})

	t.Run("unknown user", func(t *testing.T) {
		_, err := execute(t, "", "users", "set-role", "nobody@example.com", "admin")
		require.Error(t, err)
		assert.True(t, runs.IsNotFound(err))
	})
}

func TestIndustriesCommands(t *testing.T) {
	useSQLite(t)

	output, err := execute(t, "", "industries", "add", "climate", "Climate Tech", "--description", "Energy and carbon")
	require.NoError(t, err)
	assert.Contains(t, output, "climate\tClimate Tech")

	output, err = execute(t, "", "industries", "list")
	require.NoError(t, err)
	assert.Contains(t, output, "climate\tClimate Tech")
}

func TestInspectCommand(t *testing.T) {
	path := useSQLite(t)
	runID := uuid.New()

	withStore(t, path, func(ctx context.Context, store *sqlite.Store) {
		userID, err := store.CreateUser(ctx, "Writer", "writer@example.com", "hash", types.RoleUser)
		require.NoError(t, err)

		_, err = store.CreateRun(ctx, &runs.Run{
			ID:     runID,
			UserID: userID,
			Status: runs.StatusProcessing,
			Snapshot: &runs.Snapshot{
				Version: runs.PayloadVersion,
				RunID:   runID,
				UserID:  userID,
				Config: runs.RunConfig{
					Industry:      "climate",
					OutputFormats: []runs.OutputType{runs.OutputBlog},
				},
			},
		})
		require.NoError(t, err)
		_, err = store.AppendProgress(ctx, runID, "Reading feeds", runs.SeverityInfo)
		require.NoError(t, err)
		_, err = store.AppendResults(ctx, runID, []runs.ResultInput{
			{OutputType: runs.OutputBlog, Content: "A post about heat pumps"},
		})
		require.NoError(t, err)
	})

	output, err := execute(t, "", "inspect", runID.String())
	require.NoError(t, err)

	assert.Contains(t, output, "AGENT RUN")
	assert.Contains(t, output, runID.String())
	assert.Contains(t, output, "processing")
	assert.Contains(t, output, "climate")
	assert.Contains(t, output, "PROGRESS (1)")
	assert.Contains(t, output, "Reading feeds")
	assert.Contains(t, output, "RESULTS (1)")
	assert.Contains(t, output, "A post about heat pumps")

	t.Run("unknown run", func(t *testing.T) {
		missing := uuid.New()
		_, err := execute(t, "", "inspect", missing.String())
		require.Error(t, err)
		assert.Contains(t, err.Error(), "run "+missing.String()+" not found")
	})

	t.Run("invalid id", func(t *testing.T) {
		_, err := execute(t, "", "inspect", "not-a-uuid")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "invalid run ID")
	})
}

func TestPingEngineCommand(t *testing.T) {
	const secret = "ping-secret"

	engineServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		if !signature.Verify(body, r.Header.Get(signature.HeaderN8N), secret) {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer engineServer.Close()

	t.Setenv("N8N_WEBHOOK_URL", engineServer.URL)
	t.Setenv("N8N_WEBHOOK_SECRET", secret)

	output, err := execute(t, "", "ping-engine")
	require.NoError(t, err)
	assert.Contains(t, output, "Status:  200")
	assert.Contains(t, output, `{"ok":true}`)

	t.Run("wrong secret", func(t *testing.T) {
		t.Setenv("N8N_WEBHOOK_SECRET", "other")

		output, err := execute(t, "", "ping-engine")
		require.Error(t, err)
		assert.Contains(t, output, "Status:  401")
		assert.Contains(t, err.Error(), "answered 401")
	})

	t.Run("not configured", func(t *testing.T) {
		t.Setenv("N8N_WEBHOOK_URL", "")

		_, err := execute(t, "", "ping-engine")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "N8N_WEBHOOK_URL is required")
	})
}

func TestServeCommand_InvalidConfig(t *testing.T) {
	useSQLite(t)
	t.Setenv("N8N_WEBHOOK_URL", "")
	t.Setenv("N8N_WEBHOOK_SECRET", "")
	t.Setenv("JWT_SECRET", "")

	_, err := execute(t, "", "serve")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid configuration")
	assert.Contains(t, err.Error(), "N8N_WEBHOOK_URL is required")
}
