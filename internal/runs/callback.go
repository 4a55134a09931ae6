package runs

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jonathan/robopost/internal/schemas"
	"github.com/jonathan/robopost/internal/signature"
	schemafiles "github.com/jonathan/robopost/schemas"
	"github.com/sirupsen/logrus"
)

var callbackEnvelope = schemas.MustCompile("callback_v1", schemafiles.CallbackV1)

// CallbackConfig holds the inbound authentication settings.
type CallbackConfig struct {
	Secret string
	// SkipSignature disables signature enforcement for local testing.
	SkipSignature bool
}

// CallbackResponse is returned to the engine once a callback is accepted.
type CallbackResponse struct {
	Success       bool   `json:"success"`
	Message       string `json:"message"`
	Streaming     bool   `json:"streaming"`
	ResultsStored int    `json:"resultsStored"`
}

// CallbackService applies engine callbacks to runs.
type CallbackService struct {
	repo      Repository
	publisher Publisher
	cfg       CallbackConfig
	log       logrus.FieldLogger
	now       func() time.Time
}

// NewCallbackService wires a CallbackService. publisher may be nil.
func NewCallbackService(repo Repository, publisher Publisher, cfg CallbackConfig, log logrus.FieldLogger) *CallbackService {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &CallbackService{
		repo:      repo,
		publisher: publisher,
		cfg:       cfg,
		log:       log,
		now:       time.Now,
	}
}

// Ingest authenticates body against sig, then records progress or finalizes the run.
// body must be the exact bytes received.
//
// Once the run has been found, a failure to store results is logged and reported
// as zero results stored rather than as an error.
func (s *CallbackService) Ingest(ctx context.Context, body []byte, sig string) (*CallbackResponse, error) {
	if err := s.authenticate(body, sig); err != nil {
		return nil, err
	}

	payload, runID, err := decodeCallback(body)
	if err != nil {
		return nil, err
	}

	log := s.log.WithFields(logrus.Fields{"run_id": runID, "callback_status": payload.Status})

	run, err := s.repo.GetRun(ctx, runID)
	if err != nil {
		if IsNotFound(err) {
			log.Warn("callback for unknown run")
			return nil, err
		}
		return nil, &PersistenceError{Op: "load run", Cause: err}
	}
	streaming := run.Snapshot.StreamingEnabled()

	if payload.Status == EngineProgress {
		if payload.Progress == nil || payload.Progress.Message == "" {
			return nil, &ValidationError{Message: "progress callback requires progress.message"}
		}
		severity := payload.Progress.Status
		if severity == "" {
			severity = SeverityInfo
		}
		if _, err := s.repo.AppendProgress(ctx, run.ID, payload.Progress.Message, severity); err != nil {
			return nil, &PersistenceError{Op: "append progress", Cause: err}
		}
		log.WithField("severity", severity).Debug("progress recorded")
		s.publish(ctx, log, run.ID)
		return &CallbackResponse{Success: true, Message: "Progress update recorded", Streaming: streaming}, nil
	}

	update := StatusUpdate{Status: StatusCompleted}
	if payload.Status == EngineError {
		update.Status = StatusFailed
	}
	completed := s.now().UTC()
	update.CompletedAt = &completed
	if payload.Error != nil {
		msg := payload.Error.Message
		if msg == "" {
			msg = "workflow engine reported an error"
		}
		update.ErrorMessage = &msg
	}
	if err := s.repo.UpdateRunStatus(ctx, run.ID, update); err != nil {
		if IsNotFound(err) {
			return nil, err
		}
		return nil, &PersistenceError{Op: "update run status", Cause: err}
	}
	log.WithField("status", update.Status).Info("run finalized")

	stored := s.storeResults(ctx, log, run, payload.Results)
	s.publish(ctx, log, run.ID)

	return &CallbackResponse{
		Success:       true,
		Message:       "Webhook processed successfully",
		Streaming:     streaming,
		ResultsStored: stored,
	}, nil
}

func (s *CallbackService) authenticate(body []byte, sig string) error {
	if s.cfg.SkipSignature {
		return nil
	}
	if s.cfg.Secret == "" {
		return errors.New("server configuration error: webhook secret not set")
	}
	if sig == "" {
		return &AuthError{Message: "Missing signature"}
	}
	if !signature.Verify(body, sig, s.cfg.Secret) {
		return &AuthError{Message: "Invalid signature"}
	}
	return nil
}

func decodeCallback(body []byte) (*CallbackPayload, uuid.UUID, error) {
	if err := callbackEnvelope.Validate(body); err != nil {
		var verr *schemas.ValidationError
		if errors.As(err, &verr) {
			return nil, uuid.Nil, &ValidationError{Message: "invalid payload: " + verr.Summary()}
		}
		return nil, uuid.Nil, &ValidationError{Message: "invalid payload: " + err.Error()}
	}

	var payload CallbackPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, uuid.Nil, &ValidationError{Message: "invalid payload format"}
	}
	if payload.Version != PayloadVersion {
		return nil, uuid.Nil, &ValidationError{Message: "unsupported payload version: " + payload.Version}
	}
	runID, err := uuid.Parse(payload.RunID)
	if err != nil {
		return nil, uuid.Nil, &ValidationError{Message: "invalid runId: " + payload.RunID}
	}
	return &payload, runID, nil
}

// storeResults normalizes and inserts the callback's results, returning how many
// rows were written.
func (s *CallbackService) storeResults(ctx context.Context, log logrus.FieldLogger, run *Run, raw json.RawMessage) int {
	set := ParseResults(raw)
	log = log.WithField("results_shape", set.Shape.String())

	switch set.Shape {
	case ResultsAbsent:
		log.Debug("no results in callback")
		return 0
	case ResultsUnrecognized:
		log.Warn("ignoring results of unrecognized shape")
		return 0
	case ResultsBareString:
		log.WithField("output_type", run.Snapshot.PrimaryOutputType()).Warn("results is a plain string, wrapping as a single result")
	}

	inputs := set.Inputs(run.Snapshot.PrimaryOutputType())
	if len(inputs) == 0 {
		return 0
	}
	for i, in := range inputs {
		if in.OutputType == "" {
			log.WithField("index", i).Warn("result missing outputType")
		}
		if in.Content == "" {
			log.WithField("index", i).Warn("result missing content")
		}
	}

	inserted, err := s.repo.AppendResults(ctx, run.ID, inputs)
	if err != nil {
		log.WithError(err).WithField("attempted", len(inputs)).Error("results insert failed, run status already applied")
		return 0
	}
	return len(inserted)
}

func (s *CallbackService) publish(ctx context.Context, log logrus.FieldLogger, runID uuid.UUID) {
	if s.publisher == nil {
		return
	}
	if err := s.publisher.Publish(ctx, runID); err != nil {
		log.WithError(err).Warn("failed to publish run wake-up")
	}
}
