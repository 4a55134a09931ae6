package runs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// CallbackPath is where the engine posts callbacks, relative to the app base URL.
const CallbackPath = "/api/webhooks/callback"

// timestampLayout matches the millisecond ISO-8601 form the engine expects.
const timestampLayout = "2006-01-02T15:04:05.000Z07:00"

// TriggerRequest is a caller's request to start a run.
type TriggerRequest struct {
	SourceIDs          []uuid.UUID  `json:"sourceIds"`
	IndustryID         *uuid.UUID   `json:"industryId,omitempty"`
	PromptInstructions string       `json:"promptInstructions,omitempty"`
	OutputFormats      []OutputType `json:"outputFormats" validate:"dive,oneof=blog social email webhook"`
	Destination        Destination  `json:"destination"`
}

// TriggerResult is returned to the caller once the run has been dispatched.
type TriggerResult struct {
	RunID   uuid.UUID `json:"runId"`
	Status  Status    `json:"status"`
	Message string    `json:"message"`
}

// TriggerService creates runs and hands them to the workflow engine.
type TriggerService struct {
	repo       Repository
	sources    SourceResolver
	dispatcher Dispatcher
	callback   string
	log        logrus.FieldLogger
	validate   *validator.Validate

	now   func() time.Time
	newID func() uuid.UUID
}

// NewTriggerService wires a TriggerService. appBaseURL is the externally reachable
// origin advertised to the engine for callbacks.
func NewTriggerService(repo Repository, sources SourceResolver, dispatcher Dispatcher, appBaseURL string, log logrus.FieldLogger) *TriggerService {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &TriggerService{
		repo:       repo,
		sources:    sources,
		dispatcher: dispatcher,
		callback:   strings.TrimRight(appBaseURL, "/") + CallbackPath,
		log:        log,
		validate:   validator.New(),
		now:        time.Now,
		newID:      uuid.New,
	}
}

// Trigger validates req, records a pending run, and dispatches it. A dispatch
// failure marks the run failed before a *DispatchError is returned.
//
// The returned status is always pending, the value the run held before dispatch.
func (s *TriggerService) Trigger(ctx context.Context, ownerID uuid.UUID, req TriggerRequest) (*TriggerResult, error) {
	if err := s.check(req); err != nil {
		return nil, err
	}

	sources, industry, err := s.resolve(ctx, ownerID, req)
	if err != nil {
		return nil, err
	}

	id := s.newID()
	now := s.now().UTC()
	snapshot := &Snapshot{
		Version:   PayloadVersion,
		RunID:     id,
		UserID:    ownerID,
		Timestamp: now.Format(timestampLayout),
		Streaming: Streaming{Enabled: true, CallbackURL: s.callback},
		Config: RunConfig{
			Industry:           industry,
			RSSSources:         sources,
			PromptInstructions: req.PromptInstructions,
			OutputFormats:      req.OutputFormats,
			Destination:        req.Destination,
		},
	}

	// Only a resolved industry is linked; the row references industries(id).
	var industryID *uuid.UUID
	if industry != "" {
		industryID = req.IndustryID
	}

	run, err := s.repo.CreateRun(ctx, &Run{
		ID:                 id,
		UserID:             ownerID,
		Status:             StatusPending,
		IndustryID:         industryID,
		PromptInstructions: req.PromptInstructions,
		TriggeredAt:        now,
		Snapshot:           snapshot,
	})
	if err != nil {
		if IsConflict(err) {
			return nil, err
		}
		return nil, &PersistenceError{Op: "create run", Cause: err}
	}

	log := s.log.WithFields(logrus.Fields{"run_id": run.ID, "user_id": ownerID})

	body, err := json.Marshal(snapshot)
	if err != nil {
		return nil, s.fail(ctx, log, run.ID, "failed to encode dispatch payload", err)
	}

	if s.dispatcher == nil {
		return nil, s.fail(ctx, log, run.ID, "Server configuration error: "+ErrEngineNotConfigured.Error(), ErrEngineNotConfigured)
	}
	if err := s.dispatcher.Dispatch(ctx, body); err != nil {
		msg := err.Error()
		if errors.Is(err, ErrEngineNotConfigured) {
			msg = "Server configuration error: " + msg
		}
		return nil, s.fail(ctx, log, run.ID, msg, err)
	}

	if err := s.repo.UpdateRunStatus(ctx, run.ID, StatusUpdate{Status: StatusProcessing}); err != nil {
		// The engine already has the run; its callbacks do not depend on this write.
		log.WithError(err).Error("failed to mark run processing")
	} else {
		log.Info("run dispatched")
	}

	return &TriggerResult{
		RunID:   run.ID,
		Status:  StatusPending,
		Message: "Agent run triggered successfully",
	}, nil
}

func (s *TriggerService) check(req TriggerRequest) error {
	if len(req.SourceIDs) == 0 {
		return &ValidationError{Message: "at least one source required"}
	}
	if len(req.OutputFormats) == 0 {
		return &ValidationError{Message: "at least one output format required"}
	}
	if req.Destination.Type == "" {
		return &ValidationError{Message: "destination type required"}
	}
	if err := s.validate.Struct(req); err != nil {
		return &ValidationError{Message: describeValidation(err)}
	}
	return nil
}

// resolve fetches the caller's active sources and the industry label concurrently.
// A missing or unreadable industry degrades to an empty label.
func (s *TriggerService) resolve(ctx context.Context, ownerID uuid.UUID, req TriggerRequest) ([]SourceRef, string, error) {
	var (
		sources  []SourceRef
		industry string
	)

	g, gCtx := errgroup.WithContext(ctx)
	g.Go(func() error {
		found, err := s.sources.ActiveSourcesForUser(gCtx, ownerID, req.SourceIDs)
		if err != nil {
			return fmt.Errorf("resolve sources: %w", err)
		}
		sources = found
		return nil
	})
	if req.IndustryID != nil {
		industryID := *req.IndustryID
		g.Go(func() error {
			slug, err := s.sources.IndustrySlug(gCtx, industryID)
			if err != nil {
				s.log.WithError(err).WithField("industry_id", industryID).Warn("industry lookup failed, continuing without label")
				return nil
			}
			industry = slug
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, "", err
	}

	if len(sources) == 0 {
		return nil, "", &ValidationError{Message: "no valid active sources"}
	}
	return sources, industry, nil
}

// fail records a failed dispatch. The update runs detached from ctx so a departing
// caller never leaves the run pending.
func (s *TriggerService) fail(ctx context.Context, log logrus.FieldLogger, id uuid.UUID, msg string, cause error) error {
	completed := s.now().UTC()
	update := StatusUpdate{Status: StatusFailed, CompletedAt: &completed, ErrorMessage: &msg}
	if err := s.repo.UpdateRunStatus(context.WithoutCancel(ctx), id, update); err != nil {
		log.WithError(err).Error("failed to mark run failed")
	}
	log.WithError(cause).Warn("run dispatch failed")
	return &DispatchError{RunID: id.String(), Message: msg, Cause: cause}
}

func describeValidation(err error) string {
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		fe := verrs[0]
		if fe.Tag() == "oneof" {
			return fmt.Sprintf("invalid %s %q: must be one of %s", fe.Field(), fe.Value(), strings.ReplaceAll(fe.Param(), " ", ", "))
		}
		return fmt.Sprintf("validation error: %s - %s", fe.Field(), fe.Tag())
	}
	return "validation error: invalid request"
}
