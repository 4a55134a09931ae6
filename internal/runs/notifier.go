package runs

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// Event names written to a status stream.
const (
	EventConnected = "connected"
	EventStatus    = "status"
	EventProgress  = "progress"
	EventResult    = "result"
	EventComplete  = "complete"
	EventError     = "error"
)

// Notifier defaults.
const (
	DefaultPollInterval  = 2 * time.Second
	DefaultCompleteGrace = time.Second
)

// EventSink receives named events for one client. A Send error ends the stream.
type EventSink interface {
	Send(event string, data any) error
}

// ConnectedEvent is the first event of every stream.
type ConnectedEvent struct {
	RunID     uuid.UUID `json:"runId"`
	Status    Status    `json:"status"`
	Timestamp string    `json:"timestamp"`
}

// StatusEvent reports a change of the run's status.
type StatusEvent struct {
	Status       Status     `json:"status"`
	CompletedAt  *time.Time `json:"completed_at"`
	ErrorMessage *string    `json:"error_message"`
	Timestamp    string     `json:"timestamp"`
}

// ProgressEvent carries one progress entry.
type ProgressEvent struct {
	ID        uuid.UUID `json:"id"`
	Message   string    `json:"message"`
	Status    Severity  `json:"status"`
	CreatedAt time.Time `json:"created_at"`
	Timestamp string    `json:"timestamp"`
}

// ResultEvent carries one result.
type ResultEvent struct {
	ID         uuid.UUID       `json:"id"`
	OutputType OutputType      `json:"output_type"`
	Content    string          `json:"content"`
	Metadata   json.RawMessage `json:"metadata"`
	CreatedAt  time.Time       `json:"created_at"`
	Timestamp  string          `json:"timestamp"`
}

// CompleteEvent is sent once the run reaches a terminal status.
type CompleteEvent struct {
	Status            Status `json:"status"`
	TotalProgressLogs int    `json:"totalProgressLogs"`
	TotalResults      int    `json:"totalResults"`
	Timestamp         string `json:"timestamp"`
}

// ErrorEvent reports a failed poll. The stream stays open.
type ErrorEvent struct {
	Message   string `json:"message"`
	Timestamp string `json:"timestamp"`
}

// NotifierConfig tunes the poll loop. Zero values select the defaults; a negative
// Grace closes the stream right after the complete event.
type NotifierConfig struct {
	Interval time.Duration
	Grace    time.Duration
}

// Notifier streams a run's status, progress and results to one client by polling
// the repository. A Subscriber, when set, triggers extra polls between ticks.
type Notifier struct {
	repo     Repository
	sub      Subscriber
	interval time.Duration
	grace    time.Duration
	log      logrus.FieldLogger
	now      func() time.Time
}

// NewNotifier wires a Notifier. sub may be nil.
func NewNotifier(repo Repository, sub Subscriber, cfg NotifierConfig, log logrus.FieldLogger) *Notifier {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultPollInterval
	}
	if cfg.Grace < 0 {
		cfg.Grace = 0
	} else if cfg.Grace == 0 {
		cfg.Grace = DefaultCompleteGrace
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Notifier{
		repo:     repo,
		sub:      sub,
		interval: cfg.Interval,
		grace:    cfg.Grace,
		log:      log,
		now:      time.Now,
	}
}

// streamState is what the client has already been sent.
type streamState struct {
	status       Status
	seenProgress int
	seenResults  int
}

// Stream checks that ownerID owns the run, then writes events to sink until the run
// is terminal, ctx is done, or sink fails. Ownership failures are returned before
// anything is sent. Cancellation of ctx returns nil and issues no further reads.
func (n *Notifier) Stream(ctx context.Context, runID, ownerID uuid.UUID, sink EventSink) error {
	run, err := n.repo.GetRunForOwner(ctx, runID, ownerID)
	if err != nil {
		return err
	}

	log := n.log.WithField("run_id", runID)
	if err := sink.Send(EventConnected, ConnectedEvent{RunID: runID, Status: run.Status, Timestamp: n.timestamp()}); err != nil {
		return err
	}

	var wake <-chan struct{}
	if n.sub != nil {
		ch, cancel, err := n.sub.Subscribe(ctx, runID)
		if err != nil {
			log.WithError(err).Warn("wake-up subscription failed, polling only")
		} else {
			wake = ch
			defer cancel()
		}
	}

	ticker := time.NewTicker(n.interval)
	defer ticker.Stop()

	state := &streamState{status: run.Status}
	for {
		select {
		case <-ctx.Done():
			log.Debug("client disconnected")
			return nil
		case <-ticker.C:
		case _, ok := <-wake:
			if !ok {
				wake = nil
				continue
			}
		}
		if ctx.Err() != nil {
			return nil
		}

		done, err := n.poll(ctx, runID, state, sink, log)
		if err != nil {
			return err
		}
		if done {
			return n.linger(ctx)
		}
	}
}

// poll re-reads the run and sends whatever the client has not seen. It reports
// whether the run is terminal. Only sink errors are returned.
func (n *Notifier) poll(ctx context.Context, runID uuid.UUID, state *streamState, sink EventSink, log logrus.FieldLogger) (bool, error) {
	run, err := n.repo.GetRun(ctx, runID)
	var (
		progress []ProgressEntry
		results  []Result
	)
	if err == nil {
		progress, err = n.repo.ListProgress(ctx, runID)
	}
	if err == nil {
		results, err = n.repo.ListResults(ctx, runID)
	}
	if err != nil {
		if ctx.Err() != nil {
			return false, nil
		}
		log.WithError(err).Warn("poll failed")
		return false, sink.Send(EventError, ErrorEvent{Message: "Error fetching updates", Timestamp: n.timestamp()})
	}

	if run.Status != state.status {
		if err := sink.Send(EventStatus, StatusEvent{
			Status:       run.Status,
			CompletedAt:  run.CompletedAt,
			ErrorMessage: run.ErrorMessage,
			Timestamp:    n.timestamp(),
		}); err != nil {
			return false, err
		}
		state.status = run.Status
	}

	for _, entry := range newSince(progress, state.seenProgress) {
		if err := sink.Send(EventProgress, ProgressEvent{
			ID:        entry.ID,
			Message:   entry.Message,
			Status:    entry.Status,
			CreatedAt: entry.CreatedAt,
			Timestamp: n.timestamp(),
		}); err != nil {
			return false, err
		}
		state.seenProgress++
	}

	for _, result := range newSince(results, state.seenResults) {
		if err := sink.Send(EventResult, ResultEvent{
			ID:         result.ID,
			OutputType: result.OutputType,
			Content:    result.Content,
			Metadata:   result.Metadata,
			CreatedAt:  result.CreatedAt,
			Timestamp:  n.timestamp(),
		}); err != nil {
			return false, err
		}
		state.seenResults++
	}

	if !run.Status.Terminal() {
		return false, nil
	}
	return true, sink.Send(EventComplete, CompleteEvent{
		Status:            run.Status,
		TotalProgressLogs: state.seenProgress,
		TotalResults:      state.seenResults,
		Timestamp:         n.timestamp(),
	})
}

// linger holds the stream open briefly so the final event reaches the client.
func (n *Notifier) linger(ctx context.Context) error {
	if n.grace <= 0 {
		return nil
	}
	timer := time.NewTimer(n.grace)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
	return nil
}

func (n *Notifier) timestamp() string {
	return n.now().UTC().Format(timestampLayout)
}

func newSince[T any](items []T, seen int) []T {
	if len(items) <= seen {
		return nil
	}
	return items[seen:]
}
