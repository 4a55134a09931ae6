package runs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jonathan/robopost/internal/schemas"
	schemafiles "github.com/jonathan/robopost/schemas"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type triggerFixture struct {
	repo       *memRepo
	resolver   *fakeResolver
	dispatcher *fakeDispatcher
	svc        *TriggerService
	hook       *test.Hook
	owner      uuid.UUID
	sourceID   uuid.UUID
	industryID uuid.UUID
	runID      uuid.UUID
}

func newTriggerFixture(t *testing.T) *triggerFixture {
	t.Helper()
	logger, hook := test.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)

	f := &triggerFixture{
		repo:       newMemRepo(),
		dispatcher: &fakeDispatcher{},
		hook:       hook,
		owner:      uuid.New(),
		sourceID:   uuid.New(),
		industryID: uuid.New(),
		runID:      uuid.New(),
	}
	f.resolver = &fakeResolver{
		sources: map[uuid.UUID]SourceRef{
			f.sourceID: {ID: f.sourceID, URL: "https://example.com/feed.xml", Name: "Example"},
		},
		industries: map[uuid.UUID]string{f.industryID: "fintech"},
	}
	f.svc = NewTriggerService(f.repo, f.resolver, f.dispatcher, "http://localhost:3000/", logger)
	f.svc.now = func() time.Time { return time.Date(2026, 3, 4, 5, 6, 7, 890_000_000, time.UTC) }
	f.svc.newID = func() uuid.UUID { return f.runID }
	return f
}

func (f *triggerFixture) request() TriggerRequest {
	return TriggerRequest{
		SourceIDs:     []uuid.UUID{f.sourceID},
		OutputFormats: []OutputType{OutputBlog},
		Destination:   Destination{Type: "none"},
	}
}

func TestTrigger_FailFastValidation(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*TriggerRequest)
		message string
	}{
		{
			name:    "no sources",
			mutate:  func(r *TriggerRequest) { r.SourceIDs = nil },
			message: "at least one source required",
		},
		{
			name:    "no output formats",
			mutate:  func(r *TriggerRequest) { r.OutputFormats = []OutputType{} },
			message: "at least one output format required",
		},
		{
			name:    "no destination type",
			mutate:  func(r *TriggerRequest) { r.Destination = Destination{} },
			message: "destination type required",
		},
		{
			name:    "unknown output format",
			mutate:  func(r *TriggerRequest) { r.OutputFormats = []OutputType{OutputBlog, "podcast"} },
			message: "must be one of blog, social, email, webhook",
		},
		{
			name:    "unknown destination",
			mutate:  func(r *TriggerRequest) { r.Destination.Type = "fax" },
			message: "must be one of webhook, social, email, none",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newTriggerFixture(t)
			req := f.request()
			tt.mutate(&req)

			res, err := f.svc.Trigger(context.Background(), f.owner, req)
			require.Error(t, err)
			assert.Nil(t, res)

			var verr *ValidationError
			require.ErrorAs(t, err, &verr)
			assert.Contains(t, verr.Message, tt.message)
			assert.Equal(t, 400, HTTPStatus(err))
			assert.Zero(t, f.repo.runCount(), "no run row may be created")
			assert.Empty(t, f.dispatcher.bodies)
		})
	}
}

func TestTrigger_NoActiveSources(t *testing.T) {
	f := newTriggerFixture(t)
	req := f.request()
	req.SourceIDs = []uuid.UUID{uuid.New()}

	_, err := f.svc.Trigger(context.Background(), f.owner, req)

	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "no valid active sources", verr.Message)
	assert.Zero(t, f.repo.runCount())
}

func TestTrigger_SourceLookupFailure(t *testing.T) {
	f := newTriggerFixture(t)
	f.resolver.sourceErr = errors.New("db down")

	_, err := f.svc.Trigger(context.Background(), f.owner, f.request())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "db down")
	assert.Equal(t, 500, HTTPStatus(err))
	assert.Zero(t, f.repo.runCount())
}

func TestTrigger_Success(t *testing.T) {
	f := newTriggerFixture(t)
	req := f.request()
	req.IndustryID = &f.industryID
	req.PromptInstructions = "Keep it short"
	req.Destination = Destination{Type: "webhook", Config: map[string]any{"url": "https://hooks.example.com"}}

	res, err := f.svc.Trigger(context.Background(), f.owner, req)
	require.NoError(t, err)

	assert.Equal(t, f.runID, res.RunID)
	// The response keeps the pre-dispatch status even though the row has moved on.
	assert.Equal(t, StatusPending, res.Status)
	assert.Equal(t, "Agent run triggered successfully", res.Message)

	stored := f.repo.run(f.runID)
	assert.Equal(t, StatusProcessing, stored.Status)
	assert.Equal(t, f.owner, stored.UserID)
	assert.Equal(t, &f.industryID, stored.IndustryID)
	assert.Nil(t, stored.CompletedAt)
	require.NotNil(t, stored.Snapshot)

	snap := stored.Snapshot
	assert.Equal(t, "v1", snap.Version)
	assert.Equal(t, "2026-03-04T05:06:07.890Z", snap.Timestamp)
	assert.True(t, snap.Streaming.Enabled)
	assert.Equal(t, "http://localhost:3000/api/webhooks/callback", snap.Streaming.CallbackURL)
	assert.Equal(t, "fintech", snap.Config.Industry)
	assert.Equal(t, "Keep it short", snap.Config.PromptInstructions)
	assert.Equal(t, []SourceRef{{ID: f.sourceID, URL: "https://example.com/feed.xml", Name: "Example"}}, snap.Config.RSSSources)

	require.Len(t, f.dispatcher.bodies, 1)
	body := f.dispatcher.bodies[0]
	want, err := json.Marshal(snap)
	require.NoError(t, err)
	assert.JSONEq(t, string(want), string(body), "dispatched body is the stored snapshot")
	assert.NoError(t, schemas.ValidateJSONString(schemafiles.DispatchV1, string(body)))
}

func TestTrigger_UnknownIndustryDegradesToEmptyLabel(t *testing.T) {
	f := newTriggerFixture(t)
	req := f.request()
	missing := uuid.New()
	req.IndustryID = &missing

	_, err := f.svc.Trigger(context.Background(), f.owner, req)
	require.NoError(t, err)
	stored := f.repo.run(f.runID)
	assert.Equal(t, "", stored.Snapshot.Config.Industry)
	assert.Nil(t, stored.IndustryID, "an unresolved industry is not linked")
}

func TestTrigger_DispatchFailureMarksRunFailed(t *testing.T) {
	f := newTriggerFixture(t)
	f.dispatcher.err = fmt.Errorf("engine returned 502: bad gateway")

	res, err := f.svc.Trigger(context.Background(), f.owner, f.request())
	require.Error(t, err)
	assert.Nil(t, res)

	var derr *DispatchError
	require.ErrorAs(t, err, &derr)
	assert.Equal(t, f.runID.String(), derr.RunID)
	assert.Equal(t, 500, HTTPStatus(err))

	stored := f.repo.run(f.runID)
	assert.Equal(t, StatusFailed, stored.Status)
	require.NotNil(t, stored.ErrorMessage)
	assert.Equal(t, "engine returned 502: bad gateway", *stored.ErrorMessage)
	assert.NotNil(t, stored.CompletedAt)
}

func TestTrigger_MissingEngineConfig(t *testing.T) {
	f := newTriggerFixture(t)
	f.dispatcher.err = ErrEngineNotConfigured

	_, err := f.svc.Trigger(context.Background(), f.owner, f.request())
	require.ErrorIs(t, err, ErrEngineNotConfigured)

	stored := f.repo.run(f.runID)
	assert.Equal(t, StatusFailed, stored.Status)
	require.NotNil(t, stored.ErrorMessage)
	assert.Contains(t, *stored.ErrorMessage, "Server configuration error: ")
}

func TestTrigger_NilDispatcher(t *testing.T) {
	f := newTriggerFixture(t)
	f.svc.dispatcher = nil

	_, err := f.svc.Trigger(context.Background(), f.owner, f.request())
	require.ErrorIs(t, err, ErrEngineNotConfigured)
	assert.Equal(t, StatusFailed, f.repo.run(f.runID).Status)
}

type cancellingDispatcher struct {
	cancel context.CancelFunc
}

func (d *cancellingDispatcher) Dispatch(ctx context.Context, _ []byte) error {
	d.cancel()
	return ctx.Err()
}

func TestTrigger_CallerGoneStillFinalizesRun(t *testing.T) {
	f := newTriggerFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f.svc.dispatcher = &cancellingDispatcher{cancel: cancel}

	_, err := f.svc.Trigger(ctx, f.owner, f.request())
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, StatusFailed, f.repo.run(f.runID).Status)
}

func TestTrigger_CreateConflict(t *testing.T) {
	f := newTriggerFixture(t)
	f.repo.put(&Run{ID: f.runID, UserID: f.owner, Status: StatusCompleted})

	_, err := f.svc.Trigger(context.Background(), f.owner, f.request())
	assert.True(t, IsConflict(err))
	assert.Empty(t, f.dispatcher.bodies)
}

func TestTrigger_ProcessingUpdateFailureIsLogged(t *testing.T) {
	f := newTriggerFixture(t)
	f.svc.repo = &failingUpdateRepo{memRepo: f.repo}

	res, err := f.svc.Trigger(context.Background(), f.owner, f.request())
	require.NoError(t, err)
	assert.Equal(t, StatusPending, res.Status)

	entry := f.hook.LastEntry()
	require.NotNil(t, entry)
	assert.Equal(t, logrus.ErrorLevel, entry.Level)
	assert.Equal(t, "failed to mark run processing", entry.Message)
}

type failingUpdateRepo struct {
	*memRepo
}

func (r *failingUpdateRepo) UpdateRunStatus(context.Context, uuid.UUID, StatusUpdate) error {
	return errors.New("write timeout")
}
