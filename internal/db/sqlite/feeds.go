package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/jonathan/robopost/internal/db"
	"github.com/jonathan/robopost/internal/runs"
)

const feedSelect = `SELECT rs.id, rs.url, rs.name, rs.is_public, rs.industry_id, i.slug, i.name,
	       rs.created_at, rs.updated_at
	FROM rss_sources rs
	LEFT JOIN industries i ON i.id = rs.industry_id`

func scanFeed(row rowScanner) (*db.Feed, error) {
	var f db.Feed
	var indSlug, indName sql.NullString
	var createdAt, updatedAt string
	err := row.Scan(&f.ID, &f.URL, &f.Name, &f.IsPublic, &f.IndustryID, &indSlug, &indName,
		&createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	if f.IndustryID != nil && indSlug.Valid {
		f.Industry = &db.Industry{ID: *f.IndustryID, Slug: indSlug.String, Name: indName.String}
	}
	if f.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if f.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	return &f, nil
}

// ListFeeds returns the feed catalog, newest first.
func (s *Store) ListFeeds(ctx context.Context, limit, offset int) ([]db.Feed, error) {
	limit, offset = db.ClampPage(limit, offset)
	rows, err := s.db.QueryContext(ctx,
		feedSelect+` ORDER BY rs.created_at DESC, rs.id LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list feeds: %w", err)
	}
	defer func() { _ = rows.Close() }()

	feeds := []db.Feed{}
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
func (s *Store) GetFeed(ctx context.Context, id uuid.UUID) (*db.Feed, error) {
	f, err := scanFeed(s.db.QueryRowContext(ctx, feedSelect+` WHERE rs.id = ?`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get feed: %w", err)
	}
	return f, nil
}

// CreateFeed adds a catalog entry. Returns *runs.ConflictError if the URL is
// already listed.
func (s *Store) CreateFeed(ctx context.Context, in db.FeedInput) (*db.Feed, error) {
	feedURL := strings.TrimSpace(in.URL)
	id := uuid.New()
	now := s.timestamp()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO rss_sources (id, url, name, industry_id, is_public, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		id, feedURL, strings.TrimSpace(in.Name), in.IndustryID, in.IsPublic, now, now,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, &runs.ConflictError{Resource: "feed", ID: feedURL}
		}
		return nil, fmt.Errorf("failed to create feed: %w", err)
	}
	return s.GetFeed(ctx, id)
}

// UpdateFeed applies a partial update to a catalog entry. Returns nil if it
// does not exist and *runs.ConflictError if the new URL is taken.
func (s *Store) UpdateFeed(ctx context.Context, id uuid.UUID, update db.FeedUpdate) (*db.Feed, error) {
	sets := []string{"updated_at = ?"}
	args := []any{s.timestamp()}
	if update.URL != nil {
		sets = append(sets, "url = ?")
		args = append(args, strings.TrimSpace(*update.URL))
	}
	if update.Name != nil {
		sets = append(sets, "name = ?")
		args = append(args, strings.TrimSpace(*update.Name))
	}
	if update.SetsIndustry() {
		sets = append(sets, "industry_id = ?")
		args = append(args, update.Industry())
	}
	if update.IsPublic != nil {
		sets = append(sets, "is_public = ?")
		args = append(args, *update.IsPublic)
	}

	args = append(args, id)
	res, err := s.db.ExecContext(ctx, `UPDATE rss_sources SET `+strings.Join(sets, ", ")+` WHERE id = ?`, args...)
	if err != nil {
		if isUniqueViolation(err) && update.URL != nil {
			return nil, &runs.ConflictError{Resource: "feed", ID: *update.URL}
		}
		return nil, fmt.Errorf("failed to update feed: %w", err)
	}
	if err := requireRow(res, "feed", id.String()); err != nil {
		if runs.IsNotFound(err) {
			return nil, nil
		}
		return nil, err
	}
	return s.GetFeed(ctx, id)
}

// DeleteFeed removes a catalog entry and every subscription to it.
func (s *Store) DeleteFeed(ctx context.Context, id uuid.UUID) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM rss_sources WHERE id = ?`, id)
	if err != nil {
		return false, fmt.Errorf("failed to delete feed: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to delete feed: %w", err)
	}
	return n > 0, nil
}
