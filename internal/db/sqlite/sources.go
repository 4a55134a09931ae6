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

var _ runs.SourceResolver = (*Store)(nil)

// ActiveSourcesForUser resolves subscription ids owned by userID to their feeds,
// skipping inactive or foreign subscriptions.
func (s *Store) ActiveSourcesForUser(ctx context.Context, userID uuid.UUID, ids []uuid.UUID) ([]runs.SourceRef, error) {
	if len(ids) == 0 {
		return []runs.SourceRef{}, nil
	}
	placeholders := make([]string, len(ids))
	args := make([]any, 0, len(ids)+1)
	args = append(args, userID)
	for i, id := range ids {
		placeholders[i] = "?"
		args = append(args, id)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT rs.id, rs.url, rs.name
		 FROM user_sources us
		 JOIN rss_sources rs ON rs.id = us.rss_source_id
		 WHERE us.user_id = ? AND us.id IN (`+strings.Join(placeholders, ", ")+`) AND us.is_active = 1
		 ORDER BY us.created_at, us.id`,
		args...,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve sources: %w", err)
	}
	defer func() { _ = rows.Close() }()

	refs := []runs.SourceRef{}
	for rows.Next() {
		var ref runs.SourceRef
		if err := rows.Scan(&ref.ID, &ref.URL, &ref.Name); err != nil {
			return nil, fmt.Errorf("failed to scan source: %w", err)
		}
		refs = append(refs, ref)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to resolve sources: %w", err)
	}
	return refs, nil
}

// IndustrySlug returns the slug of an industry, or "" if it does not exist.
func (s *Store) IndustrySlug(ctx context.Context, industryID uuid.UUID) (string, error) {
	var slug string
	err := s.db.QueryRowContext(ctx, `SELECT slug FROM industries WHERE id = ?`, industryID).Scan(&slug)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", nil
		}
		return "", fmt.Errorf("failed to get industry: %w", err)
	}
	return slug, nil
}

// CreateIndustry inserts an industry label.
func (s *Store) CreateIndustry(ctx context.Context, slug, name string, description *string) (*db.Industry, error) {
	ind := db.Industry{ID: uuid.New(), Slug: slug, Name: name, Description: description, CreatedAt: s.now().UTC()}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO industries (id, slug, name, description, created_at) VALUES (?, ?, ?, ?, ?)`,
		ind.ID, slug, name, description, formatTime(ind.CreatedAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, &runs.ConflictError{Resource: "industry", ID: slug}
		}
		return nil, fmt.Errorf("failed to create industry: %w", err)
	}
	return &ind, nil
}

// ListIndustries returns every industry ordered by name.
func (s *Store) ListIndustries(ctx context.Context) ([]db.Industry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, slug, name, description, created_at FROM industries ORDER BY name ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list industries: %w", err)
	}
	defer func() { _ = rows.Close() }()

	industries := []db.Industry{}
	for rows.Next() {
		var ind db.Industry
		var description sql.NullString
		var createdAt string
		if err := rows.Scan(&ind.ID, &ind.Slug, &ind.Name, &description, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan industry: %w", err)
		}
		if description.Valid {
			d := description.String
			ind.Description = &d
		}
		if ind.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, err
		}
		industries = append(industries, ind)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list industries: %w", err)
	}
	return industries, nil
}

const sourceSelect = `SELECT us.id, rs.url, COALESCE(us.custom_name, rs.name), rs.name, us.is_active,
	       rs.industry_id, i.id, i.slug, i.name, us.created_at, rs.id
	FROM user_sources us
	JOIN rss_sources rs ON rs.id = us.rss_source_id
	LEFT JOIN industries i ON i.id = rs.industry_id`

func scanSource(row rowScanner) (*db.Source, error) {
	var src db.Source
	var industryID, indID *uuid.UUID
	var indSlug, indName sql.NullString
	var createdAt string
	err := row.Scan(&src.ID, &src.URL, &src.Name, &src.OriginalName, &src.IsActive,
		&industryID, &indID, &indSlug, &indName, &createdAt, &src.RSSSourceID)
	if err != nil {
		return nil, err
	}
	src.IndustryID = industryID
	if indID != nil {
		src.Industry = &db.Industry{ID: *indID, Slug: indSlug.String, Name: indName.String}
	}
	if src.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	return &src, nil
}

// ListUserSources returns a user's subscriptions, newest first.
func (s *Store) ListUserSources(ctx context.Context, userID uuid.UUID, limit, offset int) ([]db.Source, error) {
	limit, offset = db.ClampPage(limit, offset)
	rows, err := s.db.QueryContext(ctx,
		sourceSelect+` WHERE us.user_id = ? ORDER BY us.created_at DESC, us.id LIMIT ? OFFSET ?`,
		userID, limit, offset,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list sources: %w", err)
	}
	defer func() { _ = rows.Close() }()

	sources := []db.Source{}
	for rows.Next() {
		src, err := scanSource(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan source: %w", err)
		}
		sources = append(sources, *src)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list sources: %w", err)
	}
	return sources, nil
}

// GetUserSource returns one subscription, or nil if the user does not have it.
func (s *Store) GetUserSource(ctx context.Context, id, userID uuid.UUID) (*db.Source, error) {
	src, err := scanSource(s.db.QueryRowContext(ctx, sourceSelect+` WHERE us.id = ? AND us.user_id = ?`, id, userID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get source: %w", err)
	}
	return src, nil
}

// Subscribe links a user to a feed, creating the feed if the URL is new. An
// existing subscription is reactivated. created reports whether a new
// subscription row was inserted.
func (s *Store) Subscribe(ctx context.Context, userID uuid.UUID, in db.SubscribeInput) (source *db.Source, created bool, err error) {
	feedURL := strings.TrimSpace(in.URL)
	feedName := strings.TrimSpace(in.FeedName)
	if feedName == "" {
		feedName = feedURL
	}
	customName := nullString(in.CustomName)
	now := s.timestamp()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO rss_sources (id, url, name, industry_id, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT (url) DO NOTHING`,
		uuid.New(), feedURL, feedName, in.IndustryID, now, now,
	)
	if err != nil {
		return nil, false, fmt.Errorf("failed to upsert rss source: %w", err)
	}
	var rssID uuid.UUID
	if err := tx.QueryRowContext(ctx, `SELECT id FROM rss_sources WHERE url = ?`, feedURL).Scan(&rssID); err != nil {
		return nil, false, fmt.Errorf("failed to load rss source: %w", err)
	}

	var subID uuid.UUID
	err = tx.QueryRowContext(ctx,
		`SELECT id FROM user_sources WHERE user_id = ? AND rss_source_id = ?`, userID, rssID,
	).Scan(&subID)
	switch {
	case err == nil:
		_, err = tx.ExecContext(ctx,
			`UPDATE user_sources SET is_active = 1, custom_name = ? WHERE id = ?`, customName, subID)
		if err != nil {
			return nil, false, fmt.Errorf("failed to reactivate source: %w", err)
		}
	case errors.Is(err, sql.ErrNoRows):
		subID = uuid.New()
		_, err = tx.ExecContext(ctx,
			`INSERT INTO user_sources (id, user_id, rss_source_id, custom_name, is_active, created_at)
			 VALUES (?, ?, ?, ?, 1, ?)`,
			subID, userID, rssID, customName, now,
		)
		if err != nil {
			if isUniqueViolation(err) {
				return nil, false, &runs.ConflictError{Resource: "source subscription", ID: feedURL}
			}
			return nil, false, fmt.Errorf("failed to create subscription: %w", err)
		}
		created = true
	default:
		return nil, false, fmt.Errorf("failed to check subscription: %w", err)
	}

	source, err = scanSource(tx.QueryRowContext(ctx, sourceSelect+` WHERE us.id = ?`, subID))
	if err != nil {
		return nil, false, fmt.Errorf("failed to load source: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, false, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return source, created, nil
}

// UpdateUserSource applies a partial update. Returns nil if the user does not
// have the subscription.
func (s *Store) UpdateUserSource(ctx context.Context, id, userID uuid.UUID, update db.SourceUpdate) (*db.Source, error) {
	sets := []string{}
	args := []any{}
	if update.CustomName != nil {
		sets = append(sets, "custom_name = ?")
		args = append(args, nullString(*update.CustomName))
	}
	if update.IsActive != nil {
		sets = append(sets, "is_active = ?")
		args = append(args, *update.IsActive)
	}

	if len(sets) > 0 {
		args = append(args, id, userID)
		res, err := s.db.ExecContext(ctx,
			`UPDATE user_sources SET `+strings.Join(sets, ", ")+` WHERE id = ? AND user_id = ?`, args...)
		if err != nil {
			return nil, fmt.Errorf("failed to update source: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return nil, fmt.Errorf("failed to update source: %w", err)
		}
		if n == 0 {
			return nil, nil
		}
	}
	return s.GetUserSource(ctx, id, userID)
}

// DeleteUserSource removes a subscription. The feed itself is kept.
func (s *Store) DeleteUserSource(ctx context.Context, id, userID uuid.UUID) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM user_sources WHERE id = ? AND user_id = ?`, id, userID)
	if err != nil {
		return false, fmt.Errorf("failed to delete source: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to delete source: %w", err)
	}
	return n > 0, nil
}
