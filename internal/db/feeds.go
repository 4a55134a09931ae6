package db

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/jonathan/robopost/internal/runs"
)

const feedSelect = `SELECT rs.id, rs.url, rs.name, rs.is_public, rs.industry_id, i.slug, i.name,
	       rs.created_at, rs.updated_at
	FROM rss_sources rs
	LEFT JOIN industries i ON i.id = rs.industry_id`

func scanFeed(row pgx.Row) (*Feed, error) {
	var f Feed
	var indSlug, indName *string
	err := row.Scan(&f.ID, &f.URL, &f.Name, &f.IsPublic, &f.IndustryID, &indSlug, &indName,
		&f.CreatedAt, &f.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if f.IndustryID != nil && indSlug != nil {
		f.Industry = &Industry{ID: *f.IndustryID, Slug: *indSlug}
		if indName != nil {
			f.Industry.Name = *indName
		}
	}
	return &f, nil
}

// ListFeeds returns the feed catalog, newest first.
func (db *DB) ListFeeds(ctx context.Context, limit, offset int) ([]Feed, error) {
	limit, offset = ClampPage(limit, offset)
	rows, err := db.pool.Query(ctx,
		feedSelect+` ORDER BY rs.created_at DESC, rs.id LIMIT $1 OFFSET $2`, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list feeds: %w", err)
	}
	defer rows.Close()

	feeds := []Feed{}
	for rows.Next() {
		f, err := scanFeed(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan feed: %w", err)
		}
		feeds = append(feeds, *f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list feeds: %w", err)
	}
	return feeds, nil
}

// GetFeed returns a catalog entry, or nil if it does not exist.
func (db *DB) GetFeed(ctx context.Context, id uuid.UUID) (*Feed, error) {
	f, err := scanFeed(db.pool.QueryRow(ctx, feedSelect+` WHERE rs.id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get feed: %w", err)
	}
	return f, nil
}

// CreateFeed adds a catalog entry. Returns *runs.ConflictError if the URL is
// already listed.
func (db *DB) CreateFeed(ctx context.Context, in FeedInput) (*Feed, error) {
	url := strings.TrimSpace(in.URL)
	var id uuid.UUID
	err := db.pool.QueryRow(ctx,
		`INSERT INTO rss_sources (url, name, industry_id, is_public)
		 VALUES ($1, $2, $3, $4)
		 RETURNING id`,
		url, strings.TrimSpace(in.Name), in.IndustryID, in.IsPublic,
	).Scan(&id)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, &runs.ConflictError{Resource: "feed", ID: url}
		}
		return nil, fmt.Errorf("failed to create feed: %w", err)
	}
	return db.GetFeed(ctx, id)
}

// UpdateFeed applies a partial update to a catalog entry. Returns nil if it
// does not exist and *runs.ConflictError if the new URL is taken.
func (db *DB) UpdateFeed(ctx context.Context, id uuid.UUID, update FeedUpdate) (*Feed, error) {
	tag, err := db.pool.Exec(ctx,
		`UPDATE rss_sources SET
		     url = COALESCE($2, url),
		     name = COALESCE($3, name),
		     industry_id = CASE WHEN $4::boolean THEN $5::uuid ELSE industry_id END,
		     is_public = COALESCE($6, is_public),
		     updated_at = NOW()
		 WHERE id = $1`,
		id, trimmed(update.URL), trimmed(update.Name), update.SetsIndustry(), update.Industry(), update.IsPublic,
	)
	if err != nil {
		if isUniqueViolation(err) && update.URL != nil {
			return nil, &runs.ConflictError{Resource: "feed", ID: *update.URL}
		}
		return nil, fmt.Errorf("failed to update feed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return nil, nil
	}
	return db.GetFeed(ctx, id)
}

// DeleteFeed removes a catalog entry and every subscription to it.
func (db *DB) DeleteFeed(ctx context.Context, id uuid.UUID) (bool, error) {
	tag, err := db.pool.Exec(ctx, `DELETE FROM rss_sources WHERE id = $1`, id)
	if err != nil {
		return false, fmt.Errorf("failed to delete feed: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

func trimmed(s *string) *string {
	if s == nil {
		return nil
	}
	v := strings.TrimSpace(*s)
	return &v
}
