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
	"github.com/jonathan/robopost/internal/types"
)

const userColumns = `id, name, email, password_hash, password_set, role,
	industry_preference_id, industry_preference_locked, created_at, updated_at`

func scanUser(row rowScanner) (*db.User, error) {
	var u db.User
	var role, createdAt, updatedAt string
	err := row.Scan(&u.ID, &u.Name, &u.Email, &u.PasswordHash, &u.PasswordSet, &role,
		&u.IndustryPreferenceID, &u.IndustryPreferenceLocked, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	u.Role = types.Role(role)
	if u.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if u.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	return &u, nil
}

// CreateUser inserts a user with an already hashed password. Returns
// *runs.ConflictError if the email is taken.
func (s *Store) CreateUser(ctx context.Context, name, email, passwordHash string, role types.Role) (uuid.UUID, error) {
	if role == "" {
		role = types.RoleUser
	}
	email = normalizeEmail(email)
	id := uuid.New()
	now := s.timestamp()

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO users (id, name, email, password_hash, password_set, role, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		id, name, email, passwordHash, passwordHash != "", string(role), now, now,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return uuid.Nil, &runs.ConflictError{Resource: "user", ID: email}
		}
		return uuid.Nil, fmt.Errorf("failed to create user: %w", err)
	}
	return id, nil
}

// GetUser retrieves a user by ID. Returns nil if not found.
func (s *Store) GetUser(ctx context.Context, id uuid.UUID) (*db.User, error) {
	u, err := scanUser(s.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE id = ?`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	return u, nil
}

// GetUserByEmail retrieves a user by email. Returns nil if not found.
func (s *Store) GetUserByEmail(ctx context.Context, email string) (*db.User, error) {
	u, err := scanUser(s.db.QueryRowContext(ctx,
		`SELECT `+userColumns+` FROM users WHERE email = ?`, normalizeEmail(email)))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get user by email: %w", err)
	}
	return u, nil
}

// CheckEmailExists reports whether an account uses email.
func (s *Store) CheckEmailExists(ctx context.Context, email string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM users WHERE email = ?)`, normalizeEmail(email),
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check email: %w", err)
	}
	return exists, nil
}

// UpdatePassword stores a new password hash.
func (s *Store) UpdatePassword(ctx context.Context, id uuid.UUID, passwordHash string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE users SET password_hash = ?, password_set = 1, updated_at = ? WHERE id = ?`,
		passwordHash, s.timestamp(), id,
	)
	if err != nil {
		return fmt.Errorf("failed to update password: %w", err)
	}
	return requireRow(res, "user", id.String())
}

// SetUserRole changes the role of the account identified by email.
func (s *Store) SetUserRole(ctx context.Context, email string, role types.Role) error {
	if !role.Valid() {
		return fmt.Errorf("invalid role %q", role)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE users SET role = ?, updated_at = ? WHERE email = ?`,
		string(role), s.timestamp(), normalizeEmail(email),
	)
	if err != nil {
		return fmt.Errorf("failed to set role: %w", err)
	}
	return requireRow(res, "user", email)
}

// UpdateUserRole changes the role of the account with id.
func (s *Store) UpdateUserRole(ctx context.Context, id uuid.UUID, role types.Role) error {
	if !role.Valid() {
		return fmt.Errorf("invalid role %q", role)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE users SET role = ?, updated_at = ? WHERE id = ?`,
		string(role), s.timestamp(), id,
	)
	if err != nil {
		return fmt.Errorf("failed to set role: %w", err)
	}
	return requireRow(res, "user", id.String())
}

// ListUsers returns accounts, newest first.
func (s *Store) ListUsers(ctx context.Context, limit, offset int) ([]db.User, error) {
	limit, offset = db.ClampPage(limit, offset)
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+userColumns+` FROM users ORDER BY created_at DESC, id LIMIT ? OFFSET ?`,
		limit, offset,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list users: %w", err)
	}
	defer func() { _ = rows.Close() }()

	users := []db.User{}
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
func (s *Store) UpdateProfile(ctx context.Context, id uuid.UUID, update db.ProfileUpdate) (*db.User, error) {
	sets := []string{"updated_at = ?"}
	args := []any{s.timestamp()}
	if update.SetsIndustry() {
		sets = append(sets, "industry_preference_id = ?")
		args = append(args, update.Industry())
	}
	if update.Locked != nil {
		sets = append(sets, "industry_preference_locked = ?")
		args = append(args, *update.Locked)
	}

	args = append(args, id)
	res, err := s.db.ExecContext(ctx, `UPDATE users SET `+strings.Join(sets, ", ")+` WHERE id = ?`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to update profile: %w", err)
	}
	if err := requireRow(res, "user", id.String()); err != nil {
		if runs.IsNotFound(err) {
			return nil, nil
		}
		return nil, err
	}
	return s.GetUser(ctx, id)
}

// DeleteUser removes an account together with its runs and subscriptions.
func (s *Store) DeleteUser(ctx context.Context, id uuid.UUID) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM users WHERE id = ?`, id)
	if err != nil {
		return false, fmt.Errorf("failed to delete user: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to delete user: %w", err)
	}
	return n > 0, nil
}

func requireRow(res sql.Result, resource, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if n == 0 {
		return &runs.NotFoundError{Resource: resource, ID: id}
	}
	return nil
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
