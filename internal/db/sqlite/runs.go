package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/jonathan/robopost/internal/db"
	"github.com/jonathan/robopost/internal/runs"
)

var _ runs.Repository = (*Store)(nil)

const runColumns = `id, user_id, status, industry_id, prompt_instructions, triggered_at,
	completed_at, error_message, webhook_payload, created_at`

type rowScanner interface {
	Scan(dest ...any) error
}

// CreateRun inserts a run row with its immutable dispatch snapshot.
func (s *Store) CreateRun(ctx context.Context, run *runs.Run) (*runs.Run, error) {
	var payload sql.NullString
	if run.Snapshot != nil {
		data, err := json.Marshal(run.Snapshot)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal webhook payload: %w", err)
		}
		payload = sql.NullString{String: string(data), Valid: true}
	}

	status := run.Status
	if status == "" {
		status = runs.StatusPending
	}
	now := s.timestamp()
	triggeredAt := now
	if !run.TriggeredAt.IsZero() {
		triggeredAt = formatTime(run.TriggeredAt)
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO agent_runs (id, user_id, status, industry_id, prompt_instructions, triggered_at, webhook_payload, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.UserID, string(status), run.IndustryID, nullString(run.PromptInstructions), triggeredAt, payload, now,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, &runs.ConflictError{Resource: "run", ID: run.ID.String()}
		}
		return nil, fmt.Errorf("failed to create run: %w", err)
	}
	return s.GetRun(ctx, run.ID)
}

// UpdateRunStatus applies a partial status update.
func (s *Store) UpdateRunStatus(ctx context.Context, id uuid.UUID, update runs.StatusUpdate) error {
	var completedAt sql.NullString
	if update.CompletedAt != nil {
		completedAt = sql.NullString{String: formatTime(*update.CompletedAt), Valid: true}
	}
	var errorMessage sql.NullString
	if update.ErrorMessage != nil {
		errorMessage = sql.NullString{String: *update.ErrorMessage, Valid: true}
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE agent_runs SET
		     status = COALESCE(NULLIF(?, ''), status),
		     completed_at = COALESCE(?, completed_at),
		     error_message = COALESCE(?, error_message)
		 WHERE id = ?`,
		string(update.Status), completedAt, errorMessage, id,
	)
	if err != nil {
		return fmt.Errorf("failed to update run status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to update run status: %w", err)
	}
	if n == 0 {
		return &runs.NotFoundError{Resource: "run", ID: id.String()}
	}
	return nil
}

// AppendProgress adds a progress log entry to a run.
func (s *Store) AppendProgress(ctx context.Context, runID uuid.UUID, message string, severity runs.Severity) (*runs.ProgressEntry, error) {
	entry := runs.ProgressEntry{ID: uuid.New(), RunID: runID, Message: message, Status: severity}
	now := s.now()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO run_progress_logs (id, run_id, message, status, created_at) VALUES (?, ?, ?, ?, ?)`,
		entry.ID, runID, message, string(severity), formatTime(now),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to append progress: %w", err)
	}
	entry.CreatedAt = now.UTC()
	return &entry, nil
}

// AppendResults inserts a batch of results in one transaction.
func (s *Store) AppendResults(ctx context.Context, runID uuid.UUID, inputs []runs.ResultInput) ([]runs.Result, error) {
	if len(inputs) == 0 {
		return nil, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := s.now()
	stored := make([]runs.Result, 0, len(inputs))
	for i, in := range inputs {
		result := runs.Result{
			ID:         uuid.New(),
			RunID:      runID,
			OutputType: in.OutputType,
			Content:    in.Content,
			Metadata:   in.Metadata,
			CreatedAt:  now.UTC(),
		}
		var metadata sql.NullString
		if len(in.Metadata) > 0 && string(in.Metadata) != "null" {
			metadata = sql.NullString{String: string(in.Metadata), Valid: true}
		}
		_, err := tx.ExecContext(ctx,
			`INSERT INTO agent_results (id, run_id, output_type, content, metadata, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
			result.ID, runID, string(in.OutputType), in.Content, metadata, formatTime(now),
		)
		if err != nil {
			return nil, fmt.Errorf("failed to insert result %d: %w", i, err)
		}
		stored = append(stored, result)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return stored, nil
}

// GetRun retrieves a run by ID without an owner filter.
func (s *Store) GetRun(ctx context.Context, id uuid.UUID) (*runs.Run, error) {
	run, err := scanRun(s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM agent_runs WHERE id = ?`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, &runs.NotFoundError{Resource: "run", ID: id.String()}
		}
		return nil, fmt.Errorf("failed to get run: %w", err)
	}
	return run, nil
}

// GetRunForOwner retrieves a run only when ownerID owns it.
func (s *Store) GetRunForOwner(ctx context.Context, id, ownerID uuid.UUID) (*runs.Run, error) {
	run, err := scanRun(s.db.QueryRowContext(ctx,
		`SELECT `+runColumns+` FROM agent_runs WHERE id = ? AND user_id = ?`, id, ownerID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, &runs.NotFoundError{Resource: "run", ID: id.String()}
		}
		return nil, fmt.Errorf("failed to get run: %w", err)
	}
	return run, nil
}

// ListRuns lists runs newest first. The snapshot column is not loaded.
func (s *Store) ListRuns(ctx context.Context, filter runs.RunFilter) ([]runs.Run, error) {
	limit, offset := db.ClampPage(filter.Limit, filter.Offset)

	var where []string
	var args []any
	if filter.OwnerID != nil {
		where = append(where, "user_id = ?")
		args = append(args, *filter.OwnerID)
	}
	if filter.Status.Valid() {
		where = append(where, "status = ?")
		args = append(args, string(filter.Status))
	}
	query := `SELECT id, user_id, status, industry_id, prompt_instructions, triggered_at,
	                 completed_at, error_message, NULL, created_at
	          FROM agent_runs`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY triggered_at DESC, id LIMIT ? OFFSET ?"
	args = append(args, limit, offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	list := []runs.Run{}
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		list = append(list, *run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	return list, nil
}

// ListProgress returns a run's progress entries in insertion order.
func (s *Store) ListProgress(ctx context.Context, runID uuid.UUID) ([]runs.ProgressEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, run_id, message, COALESCE(status, 'info'), created_at
		 FROM run_progress_logs WHERE run_id = ?
		 ORDER BY seq ASC`,
		runID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list progress: %w", err)
	}
	defer func() { _ = rows.Close() }()

	entries := []runs.ProgressEntry{}
	for rows.Next() {
		var e runs.ProgressEntry
		var severity, createdAt string
		if err := rows.Scan(&e.ID, &e.RunID, &e.Message, &severity, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan progress: %w", err)
		}
		e.Status = runs.Severity(severity)
		if e.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list progress: %w", err)
	}
	return entries, nil
}

// ListResults returns a run's results in insertion order.
func (s *Store) ListResults(ctx context.Context, runID uuid.UUID) ([]runs.Result, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, run_id, output_type, content, metadata, created_at
		 FROM agent_results WHERE run_id = ?
		 ORDER BY seq ASC`,
		runID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list results: %w", err)
	}
	defer func() { _ = rows.Close() }()

	results := []runs.Result{}
	for rows.Next() {
		var r runs.Result
		var outputType, createdAt string
		var metadata sql.NullString
		if err := rows.Scan(&r.ID, &r.RunID, &outputType, &r.Content, &metadata, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan result: %w", err)
		}
		r.OutputType = runs.OutputType(outputType)
		if metadata.Valid {
			r.Metadata = json.RawMessage(metadata.String)
		}
		if r.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, err
		}
		results = append(results, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list results: %w", err)
	}
	return results, nil
}

func scanRun(row rowScanner) (*runs.Run, error) {
	var run runs.Run
	var status, triggeredAt, createdAt string
	var industryID *uuid.UUID
	var instructions, completedAt, errorMessage, payload sql.NullString
	err := row.Scan(
		&run.ID, &run.UserID, &status, &industryID, &instructions, &triggeredAt,
		&completedAt, &errorMessage, &payload, &createdAt,
	)
	if err != nil {
		return nil, err
	}
	run.Status = runs.Status(status)
	run.IndustryID = industryID
	run.PromptInstructions = instructions.String
	if errorMessage.Valid {
		msg := errorMessage.String
		run.ErrorMessage = &msg
	}
	if run.TriggeredAt, err = parseTime(triggeredAt); err != nil {
		return nil, err
	}
	if run.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if run.CompletedAt, err = parseNullTime(completedAt); err != nil {
		return nil, err
	}
	if payload.Valid && payload.String != "" {
		var snapshot runs.Snapshot
		if err := json.Unmarshal([]byte(payload.String), &snapshot); err != nil {
			return nil, fmt.Errorf("failed to decode webhook payload: %w", err)
		}
		run.Snapshot = &snapshot
	}
	return &run, nil
}
