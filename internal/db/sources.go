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

var _ runs.SourceResolver = (*DB)(nil)

// ActiveSourcesForUser resolves subscription ids owned by userID to their feeds,
// skipping inactive or foreign subscriptions.
func (db *DB) ActiveSourcesForUser(ctx context.Context, userID uuid.UUID, ids []uuid.UUID) ([]runs.SourceRef, error) {
	if len(ids) == 0 {
		return []runs.SourceRef{}, nil
	}
	idStrings := make([]string, len(ids))
	for i, id := range ids {
		idStrings[i] = id.String()
	}

	rows, err := db.pool.Query(ctx,
		`SELECT rs.id, rs.url, rs.name
		 FROM user_sources us
		 JOIN rss_sources rs ON rs.id = us.rss_source_id
		 WHERE us.user_id = $1 AND us.id = ANY($2::uuid[]) AND us.is_active
		 ORDER BY us.created_at, us.id`,
		userID, idStrings,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve sources: %w", err)
	}
	defer rows.Close()

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
func (db *DB) IndustrySlug(ctx context.Context, industryID uuid.UUID) (string, error) {
	var slug string
	err := db.pool.QueryRow(ctx, `SELECT slug FROM industries WHERE id = $1`, industryID).Scan(&slug)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", nil
		}
		return "", fmt.Errorf("failed to get industry: %w", err)
	}
	return slug, nil
}

// CreateIndustry inserts an industry label.
func (db *DB) CreateIndustry(ctx context.Context, slug, name string, description *string) (*Industry, error) {
	var ind Industry
	err := db.pool.QueryRow(ctx,
		`INSERT INTO industries (slug, name, description) VALUES ($1, $2, $3)
		 RETURNING id, slug, name, description, created_at`,
		slug, name, description,
	).Scan(&ind.ID, &ind.Slug, &ind.Name, &ind.Description, &ind.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, &runs.ConflictError{Resource: "industry", ID: slug}
		}
		return nil, fmt.Errorf("failed to create industry: %w", err)
	}
	return &ind, nil
}

// ListIndustries returns every industry ordered by name.
func (db *DB) ListIndustries(ctx context.Context) ([]Industry, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT id, slug, name, description, created_at FROM industries ORDER BY name ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list industries: %w", err)
	}
	defer rows.Close()

	industries := []Industry{}
	for rows.Next() {
		var ind Industry
		if err := rows.Scan(&ind.ID, &ind.Slug, &ind.Name, &ind.Description, &ind.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan industry: %w", err)
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

func scanSource(row pgx.Row) (*Source, error) {
	var s Source
	var indID *uuid.UUID
	var indSlug, indName *string
	err := row.Scan(&s.ID, &s.URL, &s.Name, &s.OriginalName, &s.IsActive,
		&s.IndustryID, &indID, &indSlug, &indName, &s.CreatedAt, &s.RSSSourceID)
	if err != nil {
		return nil, err
	}
	if indID != nil {
		s.Industry = &Industry{ID: *indID}
		if indSlug != nil {
			s.Industry.Slug = *indSlug
		}
		if indName != nil {
			s.Industry.Name = *indName
		}
	}
	return &s, nil
}

// ListUserSources returns a user's subscriptions, newest first.
func (db *DB) ListUserSources(ctx context.Context, userID uuid.UUID, limit, offset int) ([]Source, error) {
	limit, offset = ClampPage(limit, offset)
	rows, err := db.pool.Query(ctx,
		sourceSelect+` WHERE us.user_id = $1 ORDER BY us.created_at DESC, us.id LIMIT $2 OFFSET $3`,
		userID, limit, offset,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list sources: %w", err)
	}
	defer rows.Close()

	sources := []Source{}
	for rows.Next() {
		s, err := scanSource(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan source: %w", err)
		}
		sources = append(sources, *s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list sources: %w", err)
	}
	return sources, nil
}

// GetUserSource returns one subscription, or nil if the user does not have it.
func (db *DB) GetUserSource(ctx context.Context, id, userID uuid.UUID) (*Source, error) {
	s, err := scanSource(db.pool.QueryRow(ctx, sourceSelect+` WHERE us.id = $1 AND us.user_id = $2`, id, userID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get source: %w", err)
	}
	return s, nil
}

// Subscribe links a user to a feed, creating the feed if the URL is new. An
// existing subscription is reactivated. created reports whether a new
// subscription row was inserted.
func (db *DB) Subscribe(ctx context.Context, userID uuid.UUID, in SubscribeInput) (source *Source, created bool, err error) {
	url := strings.TrimSpace(in.URL)
	feedName := strings.TrimSpace(in.FeedName)
	if feedName == "" {
		feedName = url
	}
	customName := nullString(in.CustomName)

	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var rssID uuid.UUID
	err = tx.QueryRow(ctx,
		`INSERT INTO rss_sources (url, name, industry_id)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (url) DO UPDATE SET updated_at = rss_sources.updated_at
		 RETURNING id`,
		url, feedName, in.IndustryID,
	).Scan(&rssID)
	if err != nil {
		return nil, false, fmt.Errorf("failed to upsert rss source: %w", err)
	}

	var subID uuid.UUID
	err = tx.QueryRow(ctx,
		`SELECT id FROM user_sources WHERE user_id = $1 AND rss_source_id = $2`,
		userID, rssID,
	).Scan(&subID)
	switch {
	case err == nil:
		_, err = tx.Exec(ctx,
			`UPDATE user_sources SET is_active = TRUE, custom_name = $2 WHERE id = $1`,
			subID, customName)
		if err != nil {
			return nil, false, fmt.Errorf("failed to reactivate source: %w", err)
		}
	case errors.Is(err, pgx.ErrNoRows):
		err = tx.QueryRow(ctx,
			`INSERT INTO user_sources (user_id, rss_source_id, custom_name, is_active)
			 VALUES ($1, $2, $3, TRUE)
			 RETURNING id`,
			userID, rssID, customName,
		).Scan(&subID)
		if err != nil {
			if isUniqueViolation(err) {
				return nil, false, &runs.ConflictError{Resource: "source subscription", ID: url}
			}
			return nil, false, fmt.Errorf("failed to create subscription: %w", err)
		}
		created = true
	default:
		return nil, false, fmt.Errorf("failed to check subscription: %w", err)
	}

	source, err = scanSource(tx.QueryRow(ctx, sourceSelect+` WHERE us.id = $1`, subID))
	if err != nil {
		return nil, false, fmt.Errorf("failed to load source: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, false, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return source, created, nil
}

// UpdateUserSource applies a partial update. Returns nil if the user does not
// have the subscription.
func (db *DB) UpdateUserSource(ctx context.Context, id, userID uuid.UUID, update SourceUpdate) (*Source, error) {
	var customName *string
	setName := update.CustomName != nil
	if setName {
		customName = nullString(*update.CustomName)
	}

	tag, err := db.pool.Exec(ctx,
		`UPDATE user_sources SET
		     custom_name = CASE WHEN $3::boolean THEN $4::text ELSE custom_name END,
		     is_active = COALESCE($5, is_active)
		 WHERE id = $1 AND user_id = $2`,
		id, userID, setName, customName, update.IsActive,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to update source: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return nil, nil
	}
	return db.GetUserSource(ctx, id, userID)
}

// DeleteUserSource removes a subscription. The feed itself is kept.
func (db *DB) DeleteUserSource(ctx context.Context, id, userID uuid.UUID) (bool, error) {
	tag, err := db.pool.Exec(ctx, `DELETE FROM user_sources WHERE id = $1 AND user_id = $2`, id, userID)
	if err != nil {
		return false, fmt.Errorf("failed to delete source: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

func nullString(s string) *string {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	return &s
}
