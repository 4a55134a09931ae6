package server

import (
	"context"

	"github.com/google/uuid"
	"github.com/jonathan/robopost/internal/db"
	"github.com/jonathan/robopost/internal/runs"
	"github.com/jonathan/robopost/internal/types"
)

// UserStore is the account storage the auth handlers need.
type UserStore interface {
	CreateUser(ctx context.Context, name, email, passwordHash string, role types.Role) (uuid.UUID, error)
	GetUser(ctx context.Context, id uuid.UUID) (*db.User, error)
	GetUserByEmail(ctx context.Context, email string) (*db.User, error)
	CheckEmailExists(ctx context.Context, email string) (bool, error)
	UpdatePassword(ctx context.Context, id uuid.UUID, passwordHash string) error
}

// SourceStore is the feed subscription storage behind /api/sources.
type SourceStore interface {
	ListIndustries(ctx context.Context) ([]db.Industry, error)
	ListUserSources(ctx context.Context, userID uuid.UUID, limit, offset int) ([]db.Source, error)
	GetUserSource(ctx context.Context, id, userID uuid.UUID) (*db.Source, error)
	Subscribe(ctx context.Context, userID uuid.UUID, in db.SubscribeInput) (*db.Source, bool, error)
	UpdateUserSource(ctx context.Context, id, userID uuid.UUID, update db.SourceUpdate) (*db.Source, error)
	DeleteUserSource(ctx context.Context, id, userID uuid.UUID) (bool, error)
}

// AdminStore is the storage behind /api/admin and the profile endpoints.
type AdminStore interface {
	ListUsers(ctx context.Context, limit, offset int) ([]db.User, error)
	UpdateUserRole(ctx context.Context, id uuid.UUID, role types.Role) error
	UpdateProfile(ctx context.Context, id uuid.UUID, update db.ProfileUpdate) (*db.User, error)
	DeleteUser(ctx context.Context, id uuid.UUID) (bool, error)

	ListFeeds(ctx context.Context, limit, offset int) ([]db.Feed, error)
	GetFeed(ctx context.Context, id uuid.UUID) (*db.Feed, error)
	CreateFeed(ctx context.Context, in db.FeedInput) (*db.Feed, error)
	UpdateFeed(ctx context.Context, id uuid.UUID, update db.FeedUpdate) (*db.Feed, error)
	DeleteFeed(ctx context.Context, id uuid.UUID) (bool, error)
}

// Store is everything the API reads and writes. Both the Postgres and the
// SQLite stores satisfy it.
type Store interface {
	runs.Repository
	runs.SourceResolver
	UserStore
	SourceStore
	AdminStore
	Ping(ctx context.Context) error
}
