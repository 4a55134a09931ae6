package db

import (
	"time"

	"github.com/google/uuid"
)

// Default page size for list queries.
const (
	DefaultListLimit = 50
	MaxListLimit     = 200
)

// Industry is a topic label a run or source can carry.
type Industry struct {
	ID          uuid.UUID `json:"id"`
	Slug        string    `json:"slug"`
	Name        string    `json:"name"`
	Description *string   `json:"description,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// Source is a user's subscription to a feed, flattened with the feed and its industry.
type Source struct {
	ID           uuid.UUID  `json:"id"`
	URL          string     `json:"url"`
	Name         string     `json:"name"`
	OriginalName string     `json:"originalName"`
	IsActive     bool       `json:"isActive"`
	IndustryID   *uuid.UUID `json:"industryId,omitempty"`
	Industry     *Industry  `json:"industry,omitempty"`
	CreatedAt    time.Time  `json:"createdAt"`
	RSSSourceID  uuid.UUID  `json:"rssSourceId"`
}

// SubscribeInput describes a feed a user wants to follow.
type SubscribeInput struct {
	URL string
	// CustomName overrides the feed's name for this user only.
	CustomName string
	// FeedName names the feed when it does not exist yet.
	FeedName   string
	IndustryID *uuid.UUID
}

// SourceUpdate is a partial update of a subscription. Nil fields are left unchanged.
// An empty CustomName clears the override.
type SourceUpdate struct {
	CustomName *string
	IsActive   *bool
}

// Feed is an entry in the shared feed catalog that subscriptions point at.
type Feed struct {
	ID         uuid.UUID  `json:"id"`
	URL        string     `json:"url"`
	Name       string     `json:"name"`
	IsPublic   bool       `json:"isPublic"`
	IndustryID *uuid.UUID `json:"industryId,omitempty"`
	Industry   *Industry  `json:"industry,omitempty"`
	CreatedAt  time.Time  `json:"createdAt"`
	UpdatedAt  time.Time  `json:"updatedAt"`
}

// FeedInput describes a catalog entry to create.
type FeedInput struct {
	URL        string
	Name       string
	IndustryID *uuid.UUID
	IsPublic   bool
}

// FeedUpdate is a partial update of a catalog entry. Nil fields are left
// unchanged. ClearIndustry removes the industry and wins over IndustryID.
type FeedUpdate struct {
	URL           *string
	Name          *string
	IndustryID    *uuid.UUID
	ClearIndustry bool
	IsPublic      *bool
}

// SetsIndustry reports whether the update touches the industry.
func (u FeedUpdate) SetsIndustry() bool {
	return u.ClearIndustry || u.IndustryID != nil
}

// Industry returns the industry the update stores.
func (u FeedUpdate) Industry() *uuid.UUID {
	if u.ClearIndustry {
		return nil
	}
	return u.IndustryID
}

// ClampPage normalizes limit and offset for list queries.
func ClampPage(limit, offset int) (int, int) {
	if limit <= 0 {
		limit = DefaultListLimit
	}
	if limit > MaxListLimit {
		limit = MaxListLimit
	}
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}
