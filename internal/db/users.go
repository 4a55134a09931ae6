package db

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/jonathan/robopost/internal/runs"
	"github.com/jonathan/robopost/internal/types"
)

const userColumns = `id, name, email, password_hash, password_set, role,
	industry_preference_id, industry_preference_locked, created_at, updated_at`

func scanUser(row pgx.Row) (*User, error) {
	var u User
	var role string
	err := row.Scan(&u.ID, &u.Name, &u.Email, &u.PasswordHash, &u.PasswordSet, &role,
		&u.IndustryPreferenceID, &u.IndustryPreferenceLocked, &u.CreatedAt, &u.UpdatedAt)
	if err != nil {
		return nil, err
	}
	u.Role = types.Role(role)
	return &u, nil
}

// CreateUser inserts a user with an already hashed password. Emails are stored
// lower-cased. Returns *runs.ConflictError if the email is taken.
func (db *DB) CreateUser(ctx context.Context, name, email, passwordHash string, role types.Role) (uuid.UUID, error) {
	if role == "" {
		role = types.RoleUser
	}
	email = normalizeEmail(email)

	var id uuid.UUID
	err := db.pool.QueryRow(ctx,
		`INSERT INTO users (name, email, password_hash, password_set, role)
		 VALUES ($1, $2, $3, $4, $5)
		 RETURNING id`,
		name, email, passwordHash, passwordHash != "", string(role),
	).Scan(&id)
	if err != nil {
		if isUniqueViolation(err) {
			return uuid.Nil, &runs.ConflictError{Resource: "user", ID: email}
		}
		return uuid.Nil, fmt.Errorf("failed to create user: %w", err)
	}
	return id, nil
}

// GetUser retrieves a user by ID. Returns nil if not found.
func (db *DB) GetUser(ctx context.Context, id uuid.UUID) (*User, error) {
	u, err := scanUser(db.pool.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	return u, nil
}

// GetUserByEmail retrieves a user by email. Returns nil if not found.
func (db *DB) GetUserByEmail(ctx context.Context, email string) (*User, error) {
	u, err := scanUser(db.pool.QueryRow(ctx,
		`SELECT `+userColumns+` FROM users WHERE email = $1`, normalizeEmail(email)))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get user by email: %w", err)
	}
	return u, nil
}

// CheckEmailExists reports whether an account uses email.
func (db *DB) CheckEmailExists(ctx context.Context, email string) (bool, error) {
	var exists bool
	err := db.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM users WHERE email = $1)`, normalizeEmail(email),
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check email: %w", err)
	}
	return exists, nil
}

// UpdatePassword stores a new password hash.
func (db *DB) UpdatePassword(ctx context.Context, id uuid.UUID, passwordHash string) error {
	tag, err := db.pool.Exec(ctx,
		`UPDATE users SET password_hash = $2, password_set = TRUE, updated_at = NOW() WHERE id = $1`,
		id, passwordHash,
	)
	if err != nil {
		return fmt.Errorf("failed to update password: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return &runs.NotFoundError{Resource: "user", ID: id.String()}
	}
	return nil
}

// SetUserRole changes the role of the account identified by email.
func (db *DB) SetUserRole(ctx context.Context, email string, role types.Role) error {
	if !role.Valid() {
		return fmt.Errorf("invalid role %q", role)
	}
	tag, err := db.pool.Exec(ctx,
		`UPDATE users SET role = $2, updated_at = NOW() WHERE email = $1`,
		normalizeEmail(email), string(role),
	)
	if err != nil {
		return fmt.Errorf("failed to set role: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return &runs.NotFoundError{Resource: "user", ID: email}
	}
	return nil
}

// UpdateUserRole changes the role of the account with id.
func (db *DB) UpdateUserRole(ctx context.Context, id uuid.UUID, role types.Role) error {
	if !role.Valid() {
		return fmt.Errorf("invalid role %q", role)
	}
	tag, err := db.pool.Exec(ctx,
		`UPDATE users SET role = $2, updated_at = NOW() WHERE id = $1`,
		id, string(role),
	)
	if err != nil {
		return fmt.Errorf("failed to set role: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return &runs.NotFoundError{Resource: "user", ID: id.String()}
	}
	return nil
}

// ListUsers returns accounts, newest first.
func (db *DB) ListUsers(ctx context.Context, limit, offset int) ([]User, error) {
	limit, offset = ClampPage(limit, offset)
	rows, err := db.pool.Query(ctx,
		`SELECT `+userColumns+` FROM users ORDER BY created_at DESC, id LIMIT $1 OFFSET $2`,
		limit, offset,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list users: %w", err)
	}
	defer rows.Close()

	users := []User{}
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan user: %w", err)
		}
		users = append(users, *u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list users: %w", err)
	}
	return users, nil
}

// UpdateProfile applies a partial update to a user's industry preference.
// Returns nil if the user does not exist.
func (db *DB) UpdateProfile(ctx context.Context, id uuid.UUID, update ProfileUpdate) (*User, error) {
	tag, err := db.pool.Exec(ctx,
		`UPDATE users SET
		     industry_preference_id = CASE WHEN $2::boolean THEN $3::uuid ELSE industry_preference_id END,
		     industry_preference_locked = COALESCE($4, industry_preference_locked),
		     updated_at = NOW()
		 WHERE id = $1`,
		id, update.SetsIndustry(), update.Industry(), update.Locked,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to update profile: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return nil, nil
	}
	return db.GetUser(ctx, id)
}

// DeleteUser removes an account together with its runs and subscriptions.
func (db *DB) DeleteUser(ctx context.Context, id uuid.UUID) (bool, error) {
	tag, err := db.pool.Exec(ctx, `DELETE FROM users WHERE id = $1`, id)
	if err != nil {
		return false, fmt.Errorf("failed to delete user: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
