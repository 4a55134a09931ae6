package runs

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrEngineNotConfigured is returned by a Dispatcher whose endpoint or secret is unset.
var ErrEngineNotConfigured = errors.New("workflow engine webhook URL or secret not configured")

// ValidationError indicates bad or missing caller input.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string {
	return e.Message
}

// AuthError indicates a missing or invalid webhook signature.
type AuthError struct {
	Message string
}

func (e *AuthError) Error() string {
	return e.Message
}

// NotFoundError indicates an unknown run, or one the caller does not own.
type NotFoundError struct {
	Resource string
	ID       string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Resource, e.ID)
}

// ConflictError indicates a duplicate identifier.
type ConflictError struct {
	Resource string
	ID       string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("%s already exists: %s", e.Resource, e.ID)
}

// DispatchError indicates the outbound send failed or was misconfigured.
type DispatchError struct {
	RunID   string
	Message string
	Cause   error
}

func (e *DispatchError) Error() string {
	return fmt.Sprintf("dispatch of run %s failed: %s", e.RunID, e.Message)
}

func (e *DispatchError) Unwrap() error {
	return e.Cause
}

// PersistenceError indicates a datastore write failed.
type PersistenceError struct {
	Op    string
	Cause error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Cause)
}

func (e *PersistenceError) Unwrap() error {
	return e.Cause
}

// HTTPStatus returns the HTTP status code matching err's kind.
func HTTPStatus(err error) int {
	var (
		validationErr *ValidationError
		authErr       *AuthError
		notFoundErr   *NotFoundError
		conflictErr   *ConflictError
	)
	switch {
	case errors.As(err, &validationErr):
		return http.StatusBadRequest
	case errors.As(err, &authErr):
		return http.StatusUnauthorized
	case errors.As(err, &notFoundErr):
		return http.StatusNotFound
	case errors.As(err, &conflictErr):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// IsNotFound reports whether err is a NotFoundError.
func IsNotFound(err error) bool {
	var nf *NotFoundError
	return errors.As(err, &nf)
}

// IsConflict reports whether err is a ConflictError.
func IsConflict(err error) bool {
	var c *ConflictError
	return errors.As(err, &c)
}
