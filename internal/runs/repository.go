package runs

import (
	"context"

	"github.com/google/uuid"
)

// Repository persists runs, progress entries and results. Implementations hold no
// business policy; every mutating call is a single row or single batch write.
type Repository interface {
	// CreateRun inserts a pending run. Returns *ConflictError if id exists.
	CreateRun(ctx context.Context, run *Run) (*Run, error)
	// UpdateRunStatus applies a partial update. Returns *NotFoundError if id is unknown.
	UpdateRunStatus(ctx context.Context, id uuid.UUID, update StatusUpdate) error
	AppendProgress(ctx context.Context, runID uuid.UUID, message string, severity Severity) (*ProgressEntry, error)
	// AppendResults inserts all results or none.
	AppendResults(ctx context.Context, runID uuid.UUID, results []ResultInput) ([]Result, error)

	// GetRun looks a run up without an owner filter. Used by the callback path only.
	GetRun(ctx context.Context, id uuid.UUID) (*Run, error)
	GetRunForOwner(ctx context.Context, id, ownerID uuid.UUID) (*Run, error)
	ListRuns(ctx context.Context, filter RunFilter) ([]Run, error)
	ListProgress(ctx context.Context, runID uuid.UUID) ([]ProgressEntry, error)
	ListResults(ctx context.Context, runID uuid.UUID) ([]Result, error)
}

// SourceResolver resolves the caller's feed subscriptions and industry labels.
type SourceResolver interface {
	// ActiveSourcesForUser returns the caller's active subscriptions among ids.
	ActiveSourcesForUser(ctx context.Context, userID uuid.UUID, ids []uuid.UUID) ([]SourceRef, error)
	// IndustrySlug returns "" with a nil error when the industry does not exist.
	IndustrySlug(ctx context.Context, industryID uuid.UUID) (string, error)
}

// Dispatcher hands a serialized snapshot to the external workflow engine.
type Dispatcher interface {
	Dispatch(ctx context.Context, body []byte) error
}

// Publisher announces that a run has new state worth polling for.
type Publisher interface {
	Publish(ctx context.Context, runID uuid.UUID) error
}

// Subscriber delivers wake-ups for one run until cancel is called.
type Subscriber interface {
	Subscribe(ctx context.Context, runID uuid.UUID) (wake <-chan struct{}, cancel func(), err error)
}
