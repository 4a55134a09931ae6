// Package runs implements the agent run lifecycle: triggering a run on the external
// workflow engine, ingesting its signed callbacks, and streaming status to clients.
package runs

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Status is the persisted lifecycle state of a run.
type Status string

// Run statuses. pending -> processing -> completed|failed.
const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Terminal reports whether no further transitions occur from s.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusProcessing, StatusCompleted, StatusFailed:
		return true
	}
	return false
}

// Severity tags a progress log entry.
type Severity string

// Progress severities.
const (
	SeverityInfo    Severity = "info"
	SeveritySuccess Severity = "success"
	SeverityWarning Severity = "warning"
	SeverityError   Severity = "error"
)

// OutputType is the kind of artifact a result carries.
type OutputType string

// Output types accepted by the results table.
const (
	OutputBlog    OutputType = "blog"
	OutputSocial  OutputType = "social"
	OutputEmail   OutputType = "email"
	OutputWebhook OutputType = "webhook"
)

// PayloadVersion is the only envelope version understood in either direction.
const PayloadVersion = "v1"

// Run is one delegated content-generation request.
type Run struct {
	ID                 uuid.UUID  `json:"id"`
	UserID             uuid.UUID  `json:"user_id"`
	Status             Status     `json:"status"`
	IndustryID         *uuid.UUID `json:"industry_id,omitempty"`
	PromptInstructions string     `json:"prompt_instructions,omitempty"`
	TriggeredAt        time.Time  `json:"triggered_at"`
	CompletedAt        *time.Time `json:"completed_at,omitempty"`
	ErrorMessage       *string    `json:"error_message,omitempty"`
	Snapshot           *Snapshot  `json:"webhook_payload,omitempty"`
	CreatedAt          time.Time  `json:"created_at"`
}

// ProgressEntry is an append-only note attached to a run.
type ProgressEntry struct {
	ID        uuid.UUID `json:"id"`
	RunID     uuid.UUID `json:"run_id"`
	Message   string    `json:"message"`
	Status    Severity  `json:"status"`
	CreatedAt time.Time `json:"created_at"`
}

// Result is one generated artifact belonging to a run.
type Result struct {
	ID         uuid.UUID       `json:"id"`
	RunID      uuid.UUID       `json:"run_id"`
	OutputType OutputType      `json:"output_type"`
	Content    string          `json:"content"`
	Metadata   json.RawMessage `json:"metadata,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
}

// ResultInput is a result about to be persisted.
type ResultInput struct {
	OutputType OutputType
	Content    string
	Metadata   json.RawMessage
}

// StatusUpdate is a partial update of a run row. Nil pointers leave columns untouched.
type StatusUpdate struct {
	Status       Status
	CompletedAt  *time.Time
	ErrorMessage *string
}

// RunFilter narrows ListRuns. A nil OwnerID lists every user's runs.
type RunFilter struct {
	OwnerID *uuid.UUID
	Status  Status
	Limit   int
	Offset  int
}

// SourceRef is a resolved feed the engine should read.
type SourceRef struct {
	ID   uuid.UUID `json:"id"`
	URL  string    `json:"url"`
	Name string    `json:"name"`
}

// Destination describes where the engine should deliver output.
type Destination struct {
	Type   string         `json:"type" validate:"omitempty,oneof=webhook social email none"`
	Config map[string]any `json:"config,omitempty"`
}

// Streaming advertises the callback endpoint to the engine.
type Streaming struct {
	Enabled     bool   `json:"enabled"`
	CallbackURL string `json:"callbackUrl"`
}

// RunConfig is the fully resolved request captured at trigger time.
type RunConfig struct {
	Industry           string       `json:"industry"`
	RSSSources         []SourceRef  `json:"rssSources"`
	PromptInstructions string       `json:"promptInstructions"`
	OutputFormats      []OutputType `json:"outputFormats"`
	Destination        Destination  `json:"destination"`
}

// Snapshot is the outbound dispatch payload. It is stored verbatim on the run and is
// immutable once written.
type Snapshot struct {
	Version   string    `json:"version"`
	RunID     uuid.UUID `json:"runId"`
	UserID    uuid.UUID `json:"userId"`
	Timestamp string    `json:"timestamp"`
	Streaming Streaming `json:"streaming"`
	Config    RunConfig `json:"config"`
}

// PrimaryOutputType returns the first requested output format, or blog.
func (s *Snapshot) PrimaryOutputType() OutputType {
	if s == nil || len(s.Config.OutputFormats) == 0 || s.Config.OutputFormats[0] == "" {
		return OutputBlog
	}
	return s.Config.OutputFormats[0]
}

// StreamingEnabled reports whether the run was dispatched with streaming on.
func (s *Snapshot) StreamingEnabled() bool {
	return s != nil && s.Streaming.Enabled
}

// CallbackPayload is the inbound envelope posted by the engine.
type CallbackPayload struct {
	Version   string            `json:"version"`
	RunID     string            `json:"runId"`
	Status    string            `json:"status"`
	Timestamp string            `json:"timestamp"`
	Progress  *CallbackProgress `json:"progress,omitempty"`
	Results   json.RawMessage   `json:"results,omitempty"`
	Error     *CallbackError    `json:"error,omitempty"`
}

// CallbackProgress carries a streaming status message.
type CallbackProgress struct {
	Message string   `json:"message"`
	Status  Severity `json:"status,omitempty"`
}

// CallbackError carries the engine's failure description.
type CallbackError struct {
	Message string `json:"message"`
}

// Callback statuses sent by the engine.
const (
	EngineProgress = "progress"
	EngineSuccess  = "success"
	EnginePartial  = "partial"
	EngineError    = "error"
)
