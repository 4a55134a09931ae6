package runs

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// memRepo is an in-memory Repository. AppendResults rejects unknown output types
// the way the datastore constraint does.
type memRepo struct {
	mu       sync.Mutex
	runs     map[uuid.UUID]*Run
	progress map[uuid.UUID][]ProgressEntry
	results  map[uuid.UUID][]Result
	updates  []StatusUpdate

	reads        int
	readFailures int

	createErr   error
	updateErr   error
	progressErr error
	resultsErr  error
}

func newMemRepo() *memRepo {
	return &memRepo{
		runs:     make(map[uuid.UUID]*Run),
		progress: make(map[uuid.UUID][]ProgressEntry),
		results:  make(map[uuid.UUID][]Result),
	}
}

func (m *memRepo) CreateRun(_ context.Context, run *Run) (*Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.createErr != nil {
		return nil, m.createErr
	}
	if _, ok := m.runs[run.ID]; ok {
		return nil, &ConflictError{Resource: "run", ID: run.ID.String()}
	}
	stored := *run
	stored.CreatedAt = time.Now()
	m.runs[run.ID] = &stored
	out := stored
	return &out, nil
}

func (m *memRepo) UpdateRunStatus(_ context.Context, id uuid.UUID, update StatusUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.updateErr != nil {
		return m.updateErr
	}
	run, ok := m.runs[id]
	if !ok {
		return &NotFoundError{Resource: "run", ID: id.String()}
	}
	m.updates = append(m.updates, update)
	if update.Status != "" {
		run.Status = update.Status
	}
	if update.CompletedAt != nil {
		run.CompletedAt = update.CompletedAt
	}
	if update.ErrorMessage != nil {
		run.ErrorMessage = update.ErrorMessage
	}
	return nil
}

func (m *memRepo) AppendProgress(_ context.Context, runID uuid.UUID, message string, severity Severity) (*ProgressEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.progressErr != nil {
		return nil, m.progressErr
	}
	entry := ProgressEntry{ID: uuid.New(), RunID: runID, Message: message, Status: severity, CreatedAt: time.Now()}
	m.progress[runID] = append(m.progress[runID], entry)
	return &entry, nil
}

func (m *memRepo) AppendResults(_ context.Context, runID uuid.UUID, inputs []ResultInput) ([]Result, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.resultsErr != nil {
		return nil, m.resultsErr
	}
	out := make([]Result, 0, len(inputs))
	for _, in := range inputs {
		switch in.OutputType {
		case OutputBlog, OutputSocial, OutputEmail, OutputWebhook:
		default:
			return nil, fmt.Errorf("output_type check constraint violated: %q", in.OutputType)
		}
		out = append(out, Result{
			ID:         uuid.New(),
			RunID:      runID,
			OutputType: in.OutputType,
			Content:    in.Content,
			Metadata:   in.Metadata,
			CreatedAt:  time.Now(),
		})
	}
	m.results[runID] = append(m.results[runID], out...)
	return out, nil
}

func (m *memRepo) GetRun(_ context.Context, id uuid.UUID) (*Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reads++
	run, ok := m.runs[id]
	if !ok {
		return nil, &NotFoundError{Resource: "run", ID: id.String()}
	}
	out := *run
	return &out, nil
}

func (m *memRepo) GetRunForOwner(ctx context.Context, id, ownerID uuid.UUID) (*Run, error) {
	run, err := m.GetRun(ctx, id)
	if err != nil {
		return nil, err
	}
	if run.UserID != ownerID {
		return nil, &NotFoundError{Resource: "run", ID: id.String()}
	}
	return run, nil
}

func (m *memRepo) ListRuns(_ context.Context, filter RunFilter) ([]Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Run
	for _, run := range m.runs {
		if filter.OwnerID != nil && run.UserID != *filter.OwnerID {
			continue
		}
		out = append(out, *run)
	}
	return out, nil
}

func (m *memRepo) ListProgress(_ context.Context, runID uuid.UUID) ([]ProgressEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reads++
	if m.readFailures > 0 {
		m.readFailures--
		return nil, errors.New("connection reset")
	}
	return append([]ProgressEntry(nil), m.progress[runID]...), nil
}

func (m *memRepo) ListResults(_ context.Context, runID uuid.UUID) ([]Result, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reads++
	return append([]Result(nil), m.results[runID]...), nil
}

func (m *memRepo) put(run *Run) {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored := *run
	m.runs[run.ID] = &stored
}

func (m *memRepo) run(id uuid.UUID) Run {
	m.mu.Lock()
	defer m.mu.Unlock()
	return *m.runs[id]
}

func (m *memRepo) runCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.runs)
}

func (m *memRepo) readCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.reads
}

func (m *memRepo) storedResults(id uuid.UUID) []Result {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Result(nil), m.results[id]...)
}

func (m *memRepo) storedProgress(id uuid.UUID) []ProgressEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]ProgressEntry(nil), m.progress[id]...)
}

type fakeResolver struct {
	sources    map[uuid.UUID]SourceRef
	industries map[uuid.UUID]string
	sourceErr  error
}

func (f *fakeResolver) ActiveSourcesForUser(_ context.Context, _ uuid.UUID, ids []uuid.UUID) ([]SourceRef, error) {
	if f.sourceErr != nil {
		return nil, f.sourceErr
	}
	var out []SourceRef
	for _, id := range ids {
		if src, ok := f.sources[id]; ok {
			out = append(out, src)
		}
	}
	return out, nil
}

func (f *fakeResolver) IndustrySlug(_ context.Context, id uuid.UUID) (string, error) {
	return f.industries[id], nil
}

type fakeDispatcher struct {
	mu     sync.Mutex
	bodies [][]byte
	err    error
}

func (f *fakeDispatcher) Dispatch(_ context.Context, body []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.bodies = append(f.bodies, append([]byte(nil), body...))
	return f.err
}

type fakePublisher struct {
	mu        sync.Mutex
	published []uuid.UUID
}

func (f *fakePublisher) Publish(_ context.Context, runID uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.published = append(f.published, runID)
	return nil
}

type sentEvent struct {
	name string
	data any
}

// recordingSink collects events. failOn makes Send fail for that event name.
type recordingSink struct {
	mu     sync.Mutex
	events []sentEvent
	failOn string
}

func (s *recordingSink) Send(event string, data any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if event == s.failOn {
		return errors.New("client gone")
	}
	s.events = append(s.events, sentEvent{name: event, data: data})
	return nil
}

func (s *recordingSink) names() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.events))
	for i, e := range s.events {
		out[i] = e.name
	}
	return out
}

func (s *recordingSink) all() []sentEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]sentEvent(nil), s.events...)
}
