package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/require"

	"github.com/jonathan/robopost/internal/config"
	"github.com/jonathan/robopost/internal/db/sqlite"
	"github.com/jonathan/robopost/internal/feeds"
	"github.com/jonathan/robopost/internal/pubsub"
	"github.com/jonathan/robopost/internal/runs"
	"github.com/jonathan/robopost/internal/server/ratelimit"
	"github.com/jonathan/robopost/internal/types"
)

const (
	testCallbackSecret = "callback-secret"
	testAppURL         = "http://localhost:8080"
)

func openTestStore(t *testing.T) *sqlite.Store {
	t.Helper()
	store, err := sqlite.Open(context.Background(), filepath.Join(t.TempDir(), "robopost.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

// fakeDispatcher records every payload handed to the engine.
type fakeDispatcher struct {
	mu     sync.Mutex
	bodies [][]byte
	err    error
}

func (d *fakeDispatcher) Dispatch(_ context.Context, body []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return d.err
	}
	d.bodies = append(d.bodies, append([]byte(nil), body...))
	return nil
}

func (d *fakeDispatcher) last(t *testing.T) runs.Snapshot {
	t.Helper()
	d.mu.Lock()
	defer d.mu.Unlock()
	require.NotEmpty(t, d.bodies, "nothing dispatched")
	var snapshot runs.Snapshot
	require.NoError(t, json.Unmarshal(d.bodies[len(d.bodies)-1], &snapshot))
	return snapshot
}

type testServer struct {
	*Server
	store      *sqlite.Store
	dispatcher *fakeDispatcher
	jwt        *JWTService
	hook       *test.Hook
}

type testOption func(*Config)

func withRateLimit(cfg *ratelimit.Config) testOption {
	return func(c *Config) { c.RateLimit = cfg }
}

func withDiscover(fn DiscoverFunc) testOption {
	return func(c *Config) { c.Discover = fn }
}

func newTestServer(t *testing.T, opts ...testOption) *testServer {
	t.Helper()
	logger, hook := test.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)

	store := openTestStore(t)
	dispatcher := &fakeDispatcher{}
	hub := pubsub.NewLocal()

	jwtConfig, err := config.NewJWTConfig("test-secret-key-for-jwt-signing-minimum-32-bytes", 1)
	require.NoError(t, err)
	passwordConfig, err := config.NewPasswordConfig(10, "")
	require.NoError(t, err)

	noDiscover := func(context.Context, string) (*feeds.Feed, error) {
		return nil, feeds.ErrNoTitle
	}

	cfg := Config{
		Store:     store,
		Trigger:   runs.NewTriggerService(store, store, dispatcher, testAppURL, logger),
		Callback:  runs.NewCallbackService(store, hub, runs.CallbackConfig{Secret: testCallbackSecret}, logger),
		Notifier:  runs.NewNotifier(store, hub, runs.NotifierConfig{Interval: 10 * time.Millisecond, Grace: -1}, logger),
		JWT:       jwtConfig,
		Password:  passwordConfig,
		RateLimit: ratelimit.NewConfig(false, 0, 0, 0, nil, nil),
		Discover:  noDiscover,
		Logger:    logger,
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	srv, err := New(cfg)
	require.NoError(t, err)
	t.Cleanup(srv.rateLimiter.Stop)

	return &testServer{
		Server:     srv,
		store:      store,
		dispatcher: dispatcher,
		jwt:        NewJWTService(jwtConfig),
		hook:       hook,
	}
}

// newUser creates an account and returns its ID and a bearer token for it.
func (ts *testServer) newUser(t *testing.T, role types.Role) (uuid.UUID, string) {
	t.Helper()
	email := "user-" + uuid.NewString() + "@example.com"
	id, err := ts.store.CreateUser(context.Background(), "Test User", email, "unused-hash", role)
	require.NoError(t, err)
	token, err := ts.jwt.GenerateToken(&types.User{ID: id, Email: email, Role: role})
	require.NoError(t, err)
	return id, token
}

// do sends a request through the full middleware chain. body is JSON encoded
// unless it is already a string.
func (ts *testServer) do(t *testing.T, method, path, token string, body any, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	switch b := body.(type) {
	case nil:
	case string:
		reader = bytes.NewBufferString(b)
	default:
		data, err := json.Marshal(b)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}

	w := httptest.NewRecorder()
	ts.Handler().ServeHTTP(w, req)
	return w
}

func decodeBody[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v), "body: %s", w.Body.String())
	return v
}

// subscribe adds a named source for the token's user and returns its ID.
func (ts *testServer) subscribe(t *testing.T, token, url string) uuid.UUID {
	t.Helper()
	w := ts.do(t, http.MethodPost, "/api/sources", token, CreateSourceRequest{URL: url, Name: "Test Feed"})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	return decodeBody[SourceResponse](t, w).Source.ID
}
