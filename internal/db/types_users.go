package db

import (
	"time"

	"github.com/google/uuid"

	"github.com/jonathan/robopost/internal/types"
)

// User represents a user account
type User struct {
	ID           uuid.UUID  `json:"id"`
	Name         string     `json:"name"`
	Email        string     `json:"email"`
	PasswordHash string     `json:"-" db:"password_hash"` // Never serialize to JSON
	PasswordSet  bool       `json:"password_set" db:"password_set"`
	Role         types.Role `json:"role"`
	// IndustryPreferenceID is nil when the user has no preference.
	IndustryPreferenceID     *uuid.UUID `json:"industry_preference_id,omitempty" db:"industry_preference_id"`
	IndustryPreferenceLocked bool       `json:"industry_preference_locked" db:"industry_preference_locked"`
	CreatedAt                time.Time  `json:"created_at"`
	UpdatedAt                time.Time  `json:"updated_at"`
}

// ProfileUpdate is a partial update of a user's industry preference. Nil
// fields are left unchanged. ClearIndustry removes the preference and wins over
// IndustryID.
type ProfileUpdate struct {
	IndustryID    *uuid.UUID
	ClearIndustry bool
	Locked        *bool
}

// SetsIndustry reports whether the update touches the preference itself.
func (u ProfileUpdate) SetsIndustry() bool {
	return u.ClearIndustry || u.IndustryID != nil
}

// Industry returns the preference the update stores.
func (u ProfileUpdate) Industry() *uuid.UUID {
	if u.ClearIndustry {
		return nil
	}
	return u.IndustryID
}

// ToAPI converts the row to its API shape, dropping the password hash.
func (u *User) ToAPI() *types.User {
	if u == nil {
		return nil
	}
	return &types.User{
		ID:          u.ID,
		Name:        u.Name,
		Email:       u.Email,
		Role:        u.Role,
		PasswordSet: u.PasswordSet,
		CreatedAt:   u.CreatedAt,
		UpdatedAt:   u.UpdatedAt,

		IndustryPreferenceID:     u.IndustryPreferenceID,
		IndustryPreferenceLocked: u.IndustryPreferenceLocked,
	}
}
