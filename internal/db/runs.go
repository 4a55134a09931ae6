package db

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/jonathan/robopost/internal/runs"
)

var _ runs.Repository = (*DB)(nil)

const runColumns = `id, user_id, status, industry_id, prompt_instructions, triggered_at,
	completed_at, error_message, webhook_payload, created_at`

// CreateRun inserts a run row with its immutable dispatch snapshot.
func (db *DB) CreateRun(ctx context.Context, run *runs.Run) (*runs.Run, error) {
	payload, err := marshalSnapshot(run.Snapshot)
	if err != nil {
		return nil, err
	}

	status := run.Status
	if status == "" {
		status = runs.StatusPending
	}

	row := db.pool.QueryRow(ctx,
		`INSERT INTO agent_runs (id, user_id, status, industry_id, prompt_instructions, triggered_at, webhook_payload)
		 VALUES ($1, $2, $3, $4, NULLIF($5, ''), COALESCE($6, NOW()), $7)
		 RETURNING `+runColumns,
		run.ID, run.UserID, status, run.IndustryID, run.PromptInstructions, nullTime(run.TriggeredAt), payload,
	)
	created, err := scanRun(row)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, &runs.ConflictError{Resource: "run", ID: run.ID.String()}
		}
		return nil, fmt.Errorf("failed to create run: %w", err)
	}
	return created, nil
}

// UpdateRunStatus applies a partial status update.
func (db *DB) UpdateRunStatus(ctx context.Context, id uuid.UUID, update runs.StatusUpdate) error {
	tag, err := db.pool.Exec(ctx,
		`UPDATE agent_runs SET
		     status = COALESCE(NULLIF($2, ''), status),
		     completed_at = COALESCE($3, completed_at),
		     error_message = COALESCE($4, error_message)
		 WHERE id = $1`,
		id, string(update.Status), update.CompletedAt, update.ErrorMessage,
	)
	if err != nil {
		return fmt.Errorf("failed to update run status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return &runs.NotFoundError{Resource: "run", ID: id.String()}
	}
	return nil
}

// AppendProgress adds a progress log entry to a run.
func (db *DB) AppendProgress(ctx context.Context, runID uuid.UUID, message string, severity runs.Severity) (*runs.ProgressEntry, error) {
	entry := runs.ProgressEntry{RunID: runID, Message: message, Status: severity}
	err := db.pool.QueryRow(ctx,
		`INSERT INTO run_progress_logs (run_id, message, status)
		 VALUES ($1, $2, $3)
		 RETURNING id, created_at`,
		runID, message, string(severity),
	).Scan(&entry.ID, &entry.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to append progress: %w", err)
	}
	return &entry, nil
}

// AppendResults inserts a batch of results in one transaction.
func (db *DB) AppendResults(ctx context.Context, runID uuid.UUID, inputs []runs.ResultInput) ([]runs.Result, error) {
	if len(inputs) == 0 {
		return nil, nil
	}

	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	stored := make([]runs.Result, 0, len(inputs))
	for i, in := range inputs {
		result := runs.Result{
			RunID:      runID,
			OutputType: in.OutputType,
			Content:    in.Content,
			Metadata:   in.Metadata,
		}
		err := tx.QueryRow(ctx,
			`INSERT INTO agent_results (run_id, output_type, content, metadata)
			 VALUES ($1, $2, $3, $4)
			 RETURNING id, created_at`,
			runID, string(in.OutputType), in.Content, nullJSON(in.Metadata),
		).Scan(&result.ID, &result.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to insert result %d: %w", i, err)
		}
		stored = append(stored, result)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return stored, nil
}

// GetRun retrieves a run by ID without an owner filter.
func (db *DB) GetRun(ctx context.Context, id uuid.UUID) (*runs.Run, error) {
	run, err := scanRun(db.pool.QueryRow(ctx,
		`SELECT `+runColumns+` FROM agent_runs WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, &runs.NotFoundError{Resource: "run", ID: id.String()}
		}
		return nil, fmt.Errorf("failed to get run: %w", err)
	}
	return run, nil
}

// GetRunForOwner retrieves a run only when ownerID owns it.
func (db *DB) GetRunForOwner(ctx context.Context, id, ownerID uuid.UUID) (*runs.Run, error) {
	run, err := scanRun(db.pool.QueryRow(ctx,
		`SELECT `+runColumns+` FROM agent_runs WHERE id = $1 AND user_id = $2`, id, ownerID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, &runs.NotFoundError{Resource: "run", ID: id.String()}
		}
		return nil, fmt.Errorf("failed to get run: %w", err)
	}
	return run, nil
}

// ListRuns lists runs newest first. The snapshot column is not loaded.
func (db *DB) ListRuns(ctx context.Context, filter runs.RunFilter) ([]runs.Run, error) {
	limit, offset := ClampPage(filter.Limit, filter.Offset)
	var status *string
	if filter.Status.Valid() {
		s := string(filter.Status)
		status = &s
	}

	rows, err := db.pool.Query(ctx,
		`SELECT id, user_id, status, industry_id, prompt_instructions, triggered_at,
		        completed_at, error_message, NULL::jsonb, created_at
		 FROM agent_runs
		 WHERE ($1::uuid IS NULL OR user_id = $1)
		   AND ($2::text IS NULL OR status = $2)
		 ORDER BY triggered_at DESC, id
		 LIMIT $3 OFFSET $4`,
		filter.OwnerID, status, limit, offset,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

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
func (db *DB) ListProgress(ctx context.Context, runID uuid.UUID) ([]runs.ProgressEntry, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT id, run_id, message, COALESCE(status, 'info'), created_at
		 FROM run_progress_logs WHERE run_id = $1
		 ORDER BY seq ASC`,
		runID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list progress: %w", err)
	}
	defer rows.Close()

	entries := []runs.ProgressEntry{}
	for rows.Next() {
		var e runs.ProgressEntry
		var severity string
		if err := rows.Scan(&e.ID, &e.RunID, &e.Message, &severity, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan progress: %w", err)
		}
		e.Status = runs.Severity(severity)
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list progress: %w", err)
	}
	return entries, nil
}

// ListResults returns a run's results in insertion order.
func (db *DB) ListResults(ctx context.Context, runID uuid.UUID) ([]runs.Result, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT id, run_id, output_type, content, metadata, created_at
		 FROM agent_results WHERE run_id = $1
		 ORDER BY seq ASC`,
		runID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list results: %w", err)
	}
	defer rows.Close()

	results := []runs.Result{}
	for rows.Next() {
		var r runs.Result
		var outputType string
		var metadata []byte
		if err := rows.Scan(&r.ID, &r.RunID, &outputType, &r.Content, &metadata, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan result: %w", err)
		}
		r.OutputType = runs.OutputType(outputType)
		if len(metadata) > 0 {
			r.Metadata = json.RawMessage(metadata)
		}
		results = append(results, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list results: %w", err)
	}
	return results, nil
}

func scanRun(row pgx.Row) (*runs.Run, error) {
	var run runs.Run
	var status string
	var instructions *string
	var payload []byte
	err := row.Scan(
		&run.ID, &run.UserID, &status, &run.IndustryID, &instructions, &run.TriggeredAt,
		&run.CompletedAt, &run.ErrorMessage, &payload, &run.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	run.Status = runs.Status(status)
	if instructions != nil {
		run.PromptInstructions = *instructions
	}
	if len(payload) > 0 {
		var snapshot runs.Snapshot
		if err := json.Unmarshal(payload, &snapshot); err != nil {
			return nil, fmt.Errorf("failed to decode webhook payload: %w", err)
		}
		run.Snapshot = &snapshot
	}
	return &run, nil
}
