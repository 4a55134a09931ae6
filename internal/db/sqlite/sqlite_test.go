package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jonathan/robopost/internal/db"
	"github.com/jonathan/robopost/internal/runs"
	"github.com/jonathan/robopost/internal/runs/runstest"
	"github.com/jonathan/robopost/internal/types"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(context.Background(), filepath.Join(t.TempDir(), "robopost.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func createTestUser(t *testing.T, store *Store) uuid.UUID {
	t.Helper()
	id, err := store.CreateUser(context.Background(), "Test User", "test-"+uuid.NewString()+"@example.com", "hash", types.RoleUser)
	require.NoError(t, err)
	return id
}

func TestStore_RunRepository(t *testing.T) {
	store := openTestStore(t)
	runstest.RunRepositoryTests(t, runstest.Harness{
		Repo:    store,
		NewUser: func(t *testing.T) uuid.UUID { return createTestUser(t, store) },
	})
}

func TestStore_ReopenKeepsData(t *testing.T) {
	path := filepath.Join(t.TempDir(), "robopost.db")
	ctx := context.Background()

	store, err := Open(ctx, path)
	require.NoError(t, err)
	userID := createTestUser(t, store)
	run := runstest.NewRun(userID, time.Now())
	_, err = store.CreateRun(ctx, run)
	require.NoError(t, err)
	require.NoError(t, store.Close())

	reopened, err := Open(ctx, path)
	require.NoError(t, err)
	defer func() { _ = reopened.Close() }()

	got, err := reopened.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, run.ID, got.ID)
}

func TestStore_SameInstantKeepsInsertionOrder(t *testing.T) {
	store := openTestStore(t)
	frozen := time.Date(2026, 3, 4, 5, 6, 7, 0, time.UTC)
	store.now = func() time.Time { return frozen }
	ctx := context.Background()

	run := runstest.NewRun(createTestUser(t, store), frozen)
	_, err := store.CreateRun(ctx, run)
	require.NoError(t, err)

	for _, msg := range []string{"c", "a", "b"} {
		_, err := store.AppendProgress(ctx, run.ID, msg, runs.SeverityInfo)
		require.NoError(t, err)
	}
	entries, err := store.ListProgress(ctx, run.ID)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, []string{"c", "a", "b"}, []string{entries[0].Message, entries[1].Message, entries[2].Message})
	assert.True(t, entries[0].CreatedAt.Equal(frozen))
}

func TestStore_ClockSkewKeepsInsertionOrder(t *testing.T) {
	store := openTestStore(t)
	later := time.Date(2026, 3, 4, 5, 7, 0, 0, time.UTC)
	earlier := later.Add(-time.Minute)
	ctx := context.Background()

	run := runstest.NewRun(createTestUser(t, store), earlier)
	_, err := store.CreateRun(ctx, run)
	require.NoError(t, err)

	// The second write carries an older timestamp than the first.
	store.now = func() time.Time { return later }
	_, err = store.AppendProgress(ctx, run.ID, "first", runs.SeverityInfo)
	require.NoError(t, err)
	_, err = store.AppendResults(ctx, run.ID, []runs.ResultInput{{OutputType: runs.OutputBlog, Content: "first"}})
	require.NoError(t, err)

	store.now = func() time.Time { return earlier }
	_, err = store.AppendProgress(ctx, run.ID, "second", runs.SeverityInfo)
	require.NoError(t, err)
	_, err = store.AppendResults(ctx, run.ID, []runs.ResultInput{{OutputType: runs.OutputBlog, Content: "second"}})
	require.NoError(t, err)

	entries, err := store.ListProgress(ctx, run.ID)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "first", entries[0].Message)
	assert.Equal(t, "second", entries[1].Message)

	results, err := store.ListResults(ctx, run.ID)
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, "first", results[0].Content)
	assert.Equal(t, "second", results[1].Content)
}

func TestStore_ForeignKeysEnforced(t *testing.T) {
	store := openTestStore(t)
	run := runstest.NewRun(uuid.New(), time.Now())
	_, err := store.CreateRun(context.Background(), run)
	require.Error(t, err, "a run needs an existing owner")
	assert.False(t, runs.IsConflict(err))
}

func TestStore_Users(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	id, err := store.CreateUser(ctx, "Ada", "  Ada@Example.com ", "bcrypt-hash", "")
	require.NoError(t, err)

	u, err := store.GetUserByEmail(ctx, "ada@example.com")
	require.NoError(t, err)
	require.NotNil(t, u)
	assert.Equal(t, id, u.ID)
	assert.Equal(t, "ada@example.com", u.Email)
	assert.Equal(t, types.RoleUser, u.Role)
	assert.True(t, u.PasswordSet)

	exists, err := store.CheckEmailExists(ctx, "ADA@example.com")
	require.NoError(t, err)
	assert.True(t, exists)
	exists, err = store.CheckEmailExists(ctx, "bob@example.com")
	require.NoError(t, err)
	assert.False(t, exists)

	_, err = store.CreateUser(ctx, "Dup", "ada@example.com", "x", types.RoleUser)
	assert.True(t, runs.IsConflict(err))

	require.NoError(t, store.UpdatePassword(ctx, id, "new-hash"))
	require.NoError(t, store.SetUserRole(ctx, "ada@example.com", types.RoleAdmin))
	u, err = store.GetUser(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "new-hash", u.PasswordHash)
	assert.Equal(t, types.RoleAdmin, u.Role)

	assert.Error(t, store.SetUserRole(ctx, "ada@example.com", types.Role("root")))
	assert.True(t, runs.IsNotFound(store.SetUserRole(ctx, "nobody@example.com", types.RoleAdmin)))
	assert.True(t, runs.IsNotFound(store.UpdatePassword(ctx, uuid.New(), "x")))

	missing, err := store.GetUser(ctx, uuid.New())
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestStore_Sources(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	userID := createTestUser(t, store)
	otherID := createTestUser(t, store)

	industry, err := store.CreateIndustry(ctx, "fintech", "Fintech", nil)
	require.NoError(t, err)
	_, err = store.CreateIndustry(ctx, "fintech", "Again", nil)
	assert.True(t, runs.IsConflict(err))

	slug, err := store.IndustrySlug(ctx, industry.ID)
	require.NoError(t, err)
	assert.Equal(t, "fintech", slug)
	slug, err = store.IndustrySlug(ctx, uuid.New())
	require.NoError(t, err)
	assert.Empty(t, slug)

	const feedURL = "https://example.com/feed"
	src, created, err := store.Subscribe(ctx, userID, db.SubscribeInput{URL: feedURL, FeedName: "Example Feed", IndustryID: &industry.ID})
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, "Example Feed", src.Name)
	assert.True(t, src.IsActive)
	require.NotNil(t, src.Industry)
	assert.Equal(t, "fintech", src.Industry.Slug)

	otherSrc, created, err := store.Subscribe(ctx, otherID, db.SubscribeInput{URL: feedURL, CustomName: "Mine", FeedName: "Ignored"})
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, src.RSSSourceID, otherSrc.RSSSourceID, "feeds are shared by URL")
	assert.Equal(t, "Mine", otherSrc.Name)
	assert.Equal(t, "Example Feed", otherSrc.OriginalName)

	inactive := false
	updated, err := store.UpdateUserSource(ctx, src.ID, userID, db.SourceUpdate{IsActive: &inactive})
	require.NoError(t, err)
	require.NotNil(t, updated)
	assert.False(t, updated.IsActive)

	refs, err := store.ActiveSourcesForUser(ctx, userID, []uuid.UUID{src.ID, otherSrc.ID})
	require.NoError(t, err)
	assert.Empty(t, refs, "inactive and foreign subscriptions are skipped")

	again, created, err := store.Subscribe(ctx, userID, db.SubscribeInput{URL: feedURL})
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, src.ID, again.ID)
	assert.True(t, again.IsActive)

	refs, err = store.ActiveSourcesForUser(ctx, userID, []uuid.UUID{src.ID})
	require.NoError(t, err)
	require.Len(t, refs, 1)
	assert.Equal(t, runs.SourceRef{ID: src.RSSSourceID, URL: feedURL, Name: "Example Feed"}, refs[0])

	rename := "Renamed"
	updated, err = store.UpdateUserSource(ctx, src.ID, userID, db.SourceUpdate{CustomName: &rename})
	require.NoError(t, err)
	assert.Equal(t, "Renamed", updated.Name)
	empty := ""
	updated, err = store.UpdateUserSource(ctx, src.ID, userID, db.SourceUpdate{CustomName: &empty})
	require.NoError(t, err)
	assert.Equal(t, "Example Feed", updated.Name)

	foreign, err := store.UpdateUserSource(ctx, src.ID, otherID, db.SourceUpdate{IsActive: &inactive})
	require.NoError(t, err)
	assert.Nil(t, foreign)

	list, err := store.ListUserSources(ctx, userID, 0, 0)
	require.NoError(t, err)
	require.Len(t, list, 1)

	deleted, err := store.DeleteUserSource(ctx, src.ID, userID)
	require.NoError(t, err)
	assert.True(t, deleted)
	deleted, err = store.DeleteUserSource(ctx, src.ID, userID)
	require.NoError(t, err)
	assert.False(t, deleted)

	industries, err := store.ListIndustries(ctx)
	require.NoError(t, err)
	require.Len(t, industries, 1)
	assert.Equal(t, "Fintech", industries[0].Name)
}

func TestStore_AdminUsers(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	firstID := createTestUser(t, store)
	secondID := createTestUser(t, store)

	users, err := store.ListUsers(ctx, 0, 0)
	require.NoError(t, err)
	require.Len(t, users, 2)
	assert.Equal(t, secondID, users[0].ID, "newest first")

	page, err := store.ListUsers(ctx, 1, 1)
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, firstID, page[0].ID)

	require.NoError(t, store.UpdateUserRole(ctx, firstID, types.RoleAdmin))
	assert.Error(t, store.UpdateUserRole(ctx, firstID, types.Role("root")))
	assert.True(t, runs.IsNotFound(store.UpdateUserRole(ctx, uuid.New(), types.RoleAdmin)))

	industry, err := store.CreateIndustry(ctx, "fintech", "Fintech", nil)
	require.NoError(t, err)
	locked := true
	u, err := store.UpdateProfile(ctx, firstID, db.ProfileUpdate{IndustryID: &industry.ID, Locked: &locked})
	require.NoError(t, err)
	require.NotNil(t, u)
	assert.Equal(t, types.RoleAdmin, u.Role)
	require.NotNil(t, u.IndustryPreferenceID)
	assert.Equal(t, industry.ID, *u.IndustryPreferenceID)
	assert.True(t, u.IndustryPreferenceLocked)

	u, err = store.UpdateProfile(ctx, firstID, db.ProfileUpdate{ClearIndustry: true, IndustryID: &industry.ID})
	require.NoError(t, err)
	assert.Nil(t, u.IndustryPreferenceID, "clearing wins")
	assert.True(t, u.IndustryPreferenceLocked, "lock is left alone")

	missing, err := store.UpdateProfile(ctx, uuid.New(), db.ProfileUpdate{Locked: &locked})
	require.NoError(t, err)
	assert.Nil(t, missing)

	run := runstest.NewRun(secondID, time.Now())
	_, err = store.CreateRun(ctx, run)
	require.NoError(t, err)

	deleted, err := store.DeleteUser(ctx, secondID)
	require.NoError(t, err)
	assert.True(t, deleted)
	_, err = store.GetRun(ctx, run.ID)
	assert.True(t, runs.IsNotFound(err), "runs go with their user")

	deleted, err = store.DeleteUser(ctx, secondID)
	require.NoError(t, err)
	assert.False(t, deleted)
}

func TestStore_Feeds(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	userID := createTestUser(t, store)

	industry, err := store.CreateIndustry(ctx, "fintech", "Fintech", nil)
	require.NoError(t, err)

	feed, err := store.CreateFeed(ctx, db.FeedInput{URL: " https://example.com/feed ", Name: "Example", IndustryID: &industry.ID, IsPublic: true})
	require.NoError(t, err)
	require.NotNil(t, feed)
	assert.Equal(t, "https://example.com/feed", feed.URL)
	assert.True(t, feed.IsPublic)
	require.NotNil(t, feed.Industry)
	assert.Equal(t, "fintech", feed.Industry.Slug)

	_, err = store.CreateFeed(ctx, db.FeedInput{URL: "https://example.com/feed", Name: "Again"})
	assert.True(t, runs.IsConflict(err))

	other, err := store.CreateFeed(ctx, db.FeedInput{URL: "https://other.example.com/feed", Name: "Other"})
	require.NoError(t, err)

	// Subscriptions see catalog edits.
	src, _, err := store.Subscribe(ctx, userID, db.SubscribeInput{URL: "https://example.com/feed"})
	require.NoError(t, err)
	assert.Equal(t, feed.ID, src.RSSSourceID)

	name := "Renamed"
	private := false
	updated, err := store.UpdateFeed(ctx, feed.ID, db.FeedUpdate{Name: &name, IsPublic: &private, ClearIndustry: true})
	require.NoError(t, err)
	require.NotNil(t, updated)
	assert.Equal(t, "Renamed", updated.Name)
	assert.False(t, updated.IsPublic)
	assert.Nil(t, updated.IndustryID)
	assert.Nil(t, updated.Industry)

	src, err = store.GetUserSource(ctx, src.ID, userID)
	require.NoError(t, err)
	assert.Equal(t, "Renamed", src.Name)

	taken := "https://other.example.com/feed"
	_, err = store.UpdateFeed(ctx, feed.ID, db.FeedUpdate{URL: &taken})
	assert.True(t, runs.IsConflict(err))

	missing, err := store.UpdateFeed(ctx, uuid.New(), db.FeedUpdate{Name: &name})
	require.NoError(t, err)
	assert.Nil(t, missing)

	feeds, err := store.ListFeeds(ctx, 0, 0)
	require.NoError(t, err)
	require.Len(t, feeds, 2)
	assert.Equal(t, other.ID, feeds[0].ID, "newest first")

	deleted, err := store.DeleteFeed(ctx, feed.ID)
	require.NoError(t, err)
	assert.True(t, deleted)
	src, err = store.GetUserSource(ctx, src.ID, userID)
	require.NoError(t, err)
	assert.Nil(t, src, "subscriptions go with their feed")

	got, err := store.GetFeed(ctx, feed.ID)
	require.NoError(t, err)
	assert.Nil(t, got)
	deleted, err = store.DeleteFeed(ctx, feed.ID)
	require.NoError(t, err)
	assert.False(t, deleted)
}
