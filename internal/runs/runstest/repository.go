// Package runstest holds a conformance suite for runs.Repository implementations.
package runstest

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jonathan/robopost/internal/runs"
)

// Harness wires a repository under test.
type Harness struct {
	Repo runs.Repository
	// NewUser creates a user row and returns its id.
	NewUser func(t *testing.T) uuid.UUID
}

// RunRepositoryTests exercises the runs.Repository contract.
func RunRepositoryTests(t *testing.T, h Harness) {
	t.Run("CreateAndGet", func(t *testing.T) { testCreateAndGet(t, h) })
	t.Run("CreateConflict", func(t *testing.T) { testCreateConflict(t, h) })
	t.Run("OwnerScoping", func(t *testing.T) { testOwnerScoping(t, h) })
	t.Run("UpdateRunStatus", func(t *testing.T) { testUpdateRunStatus(t, h) })
	t.Run("ProgressOrder", func(t *testing.T) { testProgressOrder(t, h) })
	t.Run("ResultsBatch", func(t *testing.T) { testResultsBatch(t, h) })
	t.Run("ResultsAllOrNothing", func(t *testing.T) { testResultsAllOrNothing(t, h) })
	t.Run("ListRuns", func(t *testing.T) { testListRuns(t, h) })
}

// NewRun builds a pending run with a populated snapshot.
func NewRun(owner uuid.UUID, triggeredAt time.Time) *runs.Run {
	id := uuid.New()
	return &runs.Run{
		ID:                 id,
		UserID:             owner,
		Status:             runs.StatusPending,
		PromptInstructions: "keep it short",
		TriggeredAt:        triggeredAt,
		Snapshot: &runs.Snapshot{
			Version:   runs.PayloadVersion,
			RunID:     id,
			UserID:    owner,
			Timestamp: triggeredAt.UTC().Format("2006-01-02T15:04:05.000Z07:00"),
			Streaming: runs.Streaming{Enabled: true, CallbackURL: "http://localhost:3000/api/webhooks/callback"},
			Config: runs.RunConfig{
				Industry:      "fintech",
				RSSSources:    []runs.SourceRef{{ID: uuid.New(), URL: "https://example.com/feed", Name: "Example"}},
				OutputFormats: []runs.OutputType{runs.OutputBlog, runs.OutputSocial},
				Destination:   runs.Destination{Type: "email", Config: map[string]any{"to": "ops@example.com"}},
			},
		},
	}
}

func testCreateAndGet(t *testing.T, h Harness) {
	ctx := context.Background()
	owner := h.NewUser(t)
	now := time.Now().UTC().Truncate(time.Millisecond)
	run := NewRun(owner, now)

	created, err := h.Repo.CreateRun(ctx, run)
	require.NoError(t, err)
	assert.Equal(t, run.ID, created.ID)
	assert.Equal(t, runs.StatusPending, created.Status)
	assert.False(t, created.CreatedAt.IsZero())

	got, err := h.Repo.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, owner, got.UserID)
	assert.Equal(t, runs.StatusPending, got.Status)
	assert.Equal(t, "keep it short", got.PromptInstructions)
	assert.WithinDuration(t, now, got.TriggeredAt, time.Millisecond)
	assert.Nil(t, got.CompletedAt)
	assert.Nil(t, got.ErrorMessage)
	require.NotNil(t, got.Snapshot)
	assert.Equal(t, run.Snapshot.Config.RSSSources, got.Snapshot.Config.RSSSources)
	assert.Equal(t, run.Snapshot.Streaming, got.Snapshot.Streaming)
	assert.Equal(t, "ops@example.com", got.Snapshot.Config.Destination.Config["to"])

	_, err = h.Repo.GetRun(ctx, uuid.New())
	assert.True(t, runs.IsNotFound(err), "unknown run: %v", err)
}

func testCreateConflict(t *testing.T, h Harness) {
	ctx := context.Background()
	run := NewRun(h.NewUser(t), time.Now())

	_, err := h.Repo.CreateRun(ctx, run)
	require.NoError(t, err)
	_, err = h.Repo.CreateRun(ctx, run)
	assert.True(t, runs.IsConflict(err), "duplicate id: %v", err)
}

func testOwnerScoping(t *testing.T, h Harness) {
	ctx := context.Background()
	owner := h.NewUser(t)
	stranger := h.NewUser(t)
	run := NewRun(owner, time.Now())
	_, err := h.Repo.CreateRun(ctx, run)
	require.NoError(t, err)

	got, err := h.Repo.GetRunForOwner(ctx, run.ID, owner)
	require.NoError(t, err)
	assert.Equal(t, run.ID, got.ID)

	_, err = h.Repo.GetRunForOwner(ctx, run.ID, stranger)
	assert.True(t, runs.IsNotFound(err), "foreign run must look absent: %v", err)
}

func testUpdateRunStatus(t *testing.T, h Harness) {
	ctx := context.Background()
	run := NewRun(h.NewUser(t), time.Now())
	_, err := h.Repo.CreateRun(ctx, run)
	require.NoError(t, err)

	require.NoError(t, h.Repo.UpdateRunStatus(ctx, run.ID, runs.StatusUpdate{Status: runs.StatusProcessing}))
	got, err := h.Repo.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, runs.StatusProcessing, got.Status)
	assert.Nil(t, got.CompletedAt)

	done := time.Now().UTC().Truncate(time.Millisecond)
	msg := "engine exploded"
	require.NoError(t, h.Repo.UpdateRunStatus(ctx, run.ID, runs.StatusUpdate{
		Status:       runs.StatusFailed,
		CompletedAt:  &done,
		ErrorMessage: &msg,
	}))

	// An empty update leaves every column alone.
	require.NoError(t, h.Repo.UpdateRunStatus(ctx, run.ID, runs.StatusUpdate{}))

	got, err = h.Repo.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, runs.StatusFailed, got.Status)
	require.NotNil(t, got.CompletedAt)
	assert.WithinDuration(t, done, *got.CompletedAt, time.Millisecond)
	require.NotNil(t, got.ErrorMessage)
	assert.Equal(t, msg, *got.ErrorMessage)
	require.NotNil(t, got.Snapshot, "snapshot survives status updates")

	err = h.Repo.UpdateRunStatus(ctx, uuid.New(), runs.StatusUpdate{Status: runs.StatusCompleted})
	assert.True(t, runs.IsNotFound(err), "unknown run: %v", err)
}

func testProgressOrder(t *testing.T, h Harness) {
	ctx := context.Background()
	run := NewRun(h.NewUser(t), time.Now())
	_, err := h.Repo.CreateRun(ctx, run)
	require.NoError(t, err)

	severities := []runs.Severity{runs.SeverityInfo, runs.SeverityWarning, runs.SeveritySuccess, runs.SeverityError, runs.SeverityInfo}
	for i, sev := range severities {
		entry, err := h.Repo.AppendProgress(ctx, run.ID, fmt.Sprintf("step %d", i), sev)
		require.NoError(t, err)
		assert.NotEqual(t, uuid.Nil, entry.ID)
		assert.Equal(t, run.ID, entry.RunID)
	}

	entries, err := h.Repo.ListProgress(ctx, run.ID)
	require.NoError(t, err)
	require.Len(t, entries, len(severities))
	for i, e := range entries {
		assert.Equal(t, fmt.Sprintf("step %d", i), e.Message)
		assert.Equal(t, severities[i], e.Status)
	}

	empty, err := h.Repo.ListProgress(ctx, uuid.New())
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func testResultsBatch(t *testing.T, h Harness) {
	ctx := context.Background()
	run := NewRun(h.NewUser(t), time.Now())
	_, err := h.Repo.CreateRun(ctx, run)
	require.NoError(t, err)

	stored, err := h.Repo.AppendResults(ctx, run.ID, []runs.ResultInput{
		{OutputType: runs.OutputBlog, Content: "first", Metadata: json.RawMessage(`{"title":"One"}`)},
		{OutputType: runs.OutputSocial, Content: "second"},
		{OutputType: runs.OutputEmail, Content: "third"},
	})
	require.NoError(t, err)
	require.Len(t, stored, 3)

	results, err := h.Repo.ListResults(ctx, run.ID)
	require.NoError(t, err)
	require.Len(t, results, 3)
	assert.Equal(t, []string{"first", "second", "third"}, []string{results[0].Content, results[1].Content, results[2].Content})
	assert.Equal(t, runs.OutputSocial, results[1].OutputType)
	assert.JSONEq(t, `{"title":"One"}`, string(results[0].Metadata))
	assert.Empty(t, results[1].Metadata)

	more, err := h.Repo.AppendResults(ctx, run.ID, []runs.ResultInput{{OutputType: runs.OutputWebhook, Content: "fourth"}})
	require.NoError(t, err)
	require.Len(t, more, 1)

	results, err = h.Repo.ListResults(ctx, run.ID)
	require.NoError(t, err)
	require.Len(t, results, 4)
	assert.Equal(t, "fourth", results[3].Content)
}

func testResultsAllOrNothing(t *testing.T, h Harness) {
	ctx := context.Background()
	run := NewRun(h.NewUser(t), time.Now())
	_, err := h.Repo.CreateRun(ctx, run)
	require.NoError(t, err)

	_, err = h.Repo.AppendResults(ctx, run.ID, []runs.ResultInput{
		{OutputType: runs.OutputBlog, Content: "fine"},
		{OutputType: runs.OutputType("podcast"), Content: "rejected"},
	})
	require.Error(t, err)

	results, err := h.Repo.ListResults(ctx, run.ID)
	require.NoError(t, err)
	assert.Empty(t, results, "no partial batch may be visible")
}

func testListRuns(t *testing.T, h Harness) {
	ctx := context.Background()
	owner := h.NewUser(t)
	other := h.NewUser(t)
	base := time.Now().UTC().Add(-time.Hour).Truncate(time.Millisecond)

	var ids []uuid.UUID
	for i := 0; i < 3; i++ {
		run := NewRun(owner, base.Add(time.Duration(i)*time.Minute))
		_, err := h.Repo.CreateRun(ctx, run)
		require.NoError(t, err)
		ids = append(ids, run.ID)
	}
	foreign := NewRun(other, base.Add(10*time.Minute))
	_, err := h.Repo.CreateRun(ctx, foreign)
	require.NoError(t, err)
	require.NoError(t, h.Repo.UpdateRunStatus(ctx, ids[0], runs.StatusUpdate{Status: runs.StatusCompleted}))

	list, err := h.Repo.ListRuns(ctx, runs.RunFilter{OwnerID: &owner})
	require.NoError(t, err)
	require.Len(t, list, 3)
	assert.Equal(t, []uuid.UUID{ids[2], ids[1], ids[0]}, []uuid.UUID{list[0].ID, list[1].ID, list[2].ID}, "newest first")
	assert.Nil(t, list[0].Snapshot, "list omits the snapshot")

	page, err := h.Repo.ListRuns(ctx, runs.RunFilter{OwnerID: &owner, Limit: 1, Offset: 1})
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, ids[1], page[0].ID)

	completed, err := h.Repo.ListRuns(ctx, runs.RunFilter{OwnerID: &owner, Status: runs.StatusCompleted})
	require.NoError(t, err)
	require.Len(t, completed, 1)
	assert.Equal(t, ids[0], completed[0].ID)

	ignored, err := h.Repo.ListRuns(ctx, runs.RunFilter{OwnerID: &owner, Status: runs.Status("bogus")})
	require.NoError(t, err)
	assert.Len(t, ignored, 3, "an unknown status filter is ignored")

	all, err := h.Repo.ListRuns(ctx, runs.RunFilter{Limit: 200})
	require.NoError(t, err)
	seen := map[uuid.UUID]bool{}
	for _, r := range all {
		seen[r.ID] = true
	}
	assert.True(t, seen[foreign.ID], "unscoped listing includes other users")
	assert.True(t, seen[ids[0]])
}
