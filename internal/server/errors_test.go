package server

import (
	"fmt"
	"net/http"
	"testing"

	"github.com/google/uuid"
	"github.com/jonathan/robopost/internal/runs"
	"github.com/stretchr/testify/assert"
)

func TestErrorMessages(t *testing.T) {
	userID := uuid.New()
	assert.Equal(t, "email already registered: test@example.com", (&ErrEmailAlreadyExists{Email: "test@example.com"}).Error())
	assert.Equal(t, "invalid email or password", (&ErrInvalidCredentials{}).Error())
	assert.Equal(t, "user not found: "+userID.String(), (&ErrUserNotFound{UserID: userID}).Error())
	assert.Equal(t, "current password is incorrect", (&ErrPasswordMismatch{}).Error())
	assert.Equal(t, "validation error: email - invalid format", (&ErrValidation{Field: "email", Message: "invalid format"}).Error())
}

func TestHTTPStatus(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected int
	}{
		{name: "ErrEmailAlreadyExists", err: &ErrEmailAlreadyExists{Email: "test@example.com"}, expected: http.StatusConflict},
		{name: "ErrInvalidCredentials", err: &ErrInvalidCredentials{}, expected: http.StatusUnauthorized},
		{name: "ErrPasswordMismatch", err: &ErrPasswordMismatch{}, expected: http.StatusUnauthorized},
		{name: "ErrUserNotFound", err: &ErrUserNotFound{UserID: uuid.New()}, expected: http.StatusNotFound},
		{name: "ErrValidation", err: &ErrValidation{Field: "password", Message: "too short"}, expected: http.StatusBadRequest},
		{name: "wrapped ErrValidation", err: fmt.Errorf("decode: %w", &ErrValidation{Field: "limit"}), expected: http.StatusBadRequest},
		{name: "runs validation", err: &runs.ValidationError{Message: "bad"}, expected: http.StatusBadRequest},
		{name: "runs auth", err: &runs.AuthError{Message: "bad signature"}, expected: http.StatusUnauthorized},
		{name: "runs not found", err: &runs.NotFoundError{Resource: "run", ID: "x"}, expected: http.StatusNotFound},
		{name: "runs conflict", err: &runs.ConflictError{Resource: "run", ID: "x"}, expected: http.StatusConflict},
		{name: "runs dispatch", err: &runs.DispatchError{RunID: "x", Message: "boom"}, expected: http.StatusInternalServerError},
		{name: "Unknown error", err: assert.AnError, expected: http.StatusInternalServerError},
		{name: "Nil error", err: nil, expected: http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, HTTPStatus(tt.err))
		})
	}
}
