package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/ashita-ai/sukima/internal/model"
)

// CreateRun inserts a new run in status pending, together with its papers,
// atomically. Returns the persisted run.
func (db *DB) CreateRun(ctx context.Context, req model.CreateRunRequest) (model.Run, error) {
	now := time.Now().UTC()
	run := model.Run{
		ID:                   uuid.New(),
		Owner:                req.Owner,
		Query:                req.Query,
		Domains:              req.Config.Domains,
		MaxIterations:        req.Config.MaxIterations,
		ConvergenceThreshold: req.Config.ConvergenceThreshold,
		Status:               model.RunStatusPending,
		CreatedAt:            now,
		UpdatedAt:            now,
	}
	if run.Domains == nil {
		run.Domains = []string{}
	}

	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return model.Run{}, fmt.Errorf("storage: begin create run tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx,
		`INSERT INTO runs (id, owner, query, domains, max_iterations, convergence_threshold,
		                   status, current_iteration, progress_percentage, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, 0, 0, $8, $8)`,
		run.ID, run.Owner, run.Query, run.Domains, run.MaxIterations,
		run.ConvergenceThreshold, string(run.Status), now,
	); err != nil {
		return model.Run{}, fmt.Errorf("storage: create run: %w", err)
	}

	for _, p := range req.Papers {
		meta := p.Metadata
		if meta == nil {
			meta = map[string]any{}
		}
		if _, err := tx.Exec(ctx,
			`INSERT INTO papers (id, run_id, paper_id, title, content_ref, metadata, created_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			uuid.New(), run.ID, p.ID, p.Title, p.ContentRef, meta, now,
		); err != nil {
			return model.Run{}, fmt.Errorf("storage: create paper %s: %w", p.ID, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return model.Run{}, fmt.Errorf("storage: commit create run tx: %w", err)
	}
	return run, nil
}

const runColumns = `id, owner, query, domains, max_iterations, convergence_threshold,
	status, current_iteration, progress_percentage, results, error_message,
	created_at, updated_at, started_at, completed_at`

func scanRun(row pgx.Row) (model.Run, error) {
	var (
		run     model.Run
		results []byte
	)
	if err := row.Scan(
		&run.ID, &run.Owner, &run.Query, &run.Domains, &run.MaxIterations,
		&run.ConvergenceThreshold, &run.Status, &run.CurrentIteration,
		&run.ProgressPercentage, &results, &run.ErrorMessage,
		&run.CreatedAt, &run.UpdatedAt, &run.StartedAt, &run.CompletedAt,
	); err != nil {
		return model.Run{}, err
	}
	if len(results) > 0 {
		run.Results = &model.RunResults{}
		if err := json.Unmarshal(results, run.Results); err != nil {
			return model.Run{}, fmt.Errorf("decode results: %w", err)
		}
	}
	return run, nil
}

// GetRun retrieves a run by ID.
func (db *DB) GetRun(ctx context.Context, id uuid.UUID) (model.Run, error) {
	run, err := scanRun(db.pool.QueryRow(ctx,
		`SELECT `+runColumns+` FROM runs WHERE id = $1`, id,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Run{}, fmt.Errorf("storage: run %s: %w", id, ErrNotFound)
		}
		return model.Run{}, fmt.Errorf("storage: get run: %w", err)
	}
	return run, nil
}

// StartRun transitions a run from pending to running. The WHERE clause
// enforces the forward-only lifecycle: starting an already-started or
// terminal run returns ErrInvalidTransition.
func (db *DB) StartRun(ctx context.Context, id uuid.UUID) error {
	now := time.Now().UTC()
	tag, err := db.pool.Exec(ctx,
		`UPDATE runs SET status = 'running', started_at = $2, updated_at = $2
		 WHERE id = $1 AND status = 'pending'`,
		id, now,
	)
	if err != nil {
		return fmt.Errorf("storage: start run: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("storage: start run %s: %w", id, ErrInvalidTransition)
	}
	return nil
}

// UpdateRunProgress records the iteration counter and progress percentage.
// Only non-terminal runs are updated.
func (db *DB) UpdateRunProgress(ctx context.Context, id uuid.UUID, currentIteration int, progress float64) error {
	tag, err := db.pool.Exec(ctx,
		`UPDATE runs SET current_iteration = $2, progress_percentage = $3, updated_at = $4
		 WHERE id = $1 AND status = 'running'`,
		id, currentIteration, progress, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("storage: update run progress: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("storage: update progress for run %s: %w", id, ErrInvalidTransition)
	}
	return nil
}

// RequestRunCancel flags a running or pending run for cooperative
// cancellation. The orchestrator observes the flag at iteration boundaries;
// in-flight work is never preempted.
func (db *DB) RequestRunCancel(ctx context.Context, id uuid.UUID) error {
	tag, err := db.pool.Exec(ctx,
		`UPDATE runs SET cancel_requested = true, updated_at = now()
		 WHERE id = $1 AND status IN ('pending', 'running')`,
		id,
	)
	if err != nil {
		return fmt.Errorf("storage: request cancel: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("storage: cancel run %s: %w", id, ErrInvalidTransition)
	}
	return nil
}

// FinalizeRun moves a run into a terminal status with its aggregated results
// or error message. The WHERE clause guarantees terminal states are written
// at most once and never overwritten.
func (db *DB) FinalizeRun(ctx context.Context, id uuid.UUID, status model.RunStatus, results *model.RunResults, errMsg *string) error {
	if !status.Terminal() {
		return fmt.Errorf("storage: finalize run %s with non-terminal status %q", id, status)
	}
	var payload []byte
	if results != nil {
		var err error
		payload, err = json.Marshal(results)
		if err != nil {
			return fmt.Errorf("storage: marshal run results: %w", err)
		}
	}
	now := time.Now().UTC()
	tag, err := db.pool.Exec(ctx,
		`UPDATE runs SET status = $2, results = $3, error_message = $4,
		        completed_at = $5, updated_at = $5
		 WHERE id = $1 AND status IN ('pending', 'running')`,
		id, string(status), payload, errMsg, now,
	)
	if err != nil {
		return fmt.Errorf("storage: finalize run: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("storage: finalize run %s: %w", id, ErrInvalidTransition)
	}
	return nil
}

// CancelRequested reports whether a cooperative cancel has been flagged.
func (db *DB) CancelRequested(ctx context.Context, id uuid.UUID) (bool, error) {
	var requested bool
	err := db.pool.QueryRow(ctx,
		`SELECT cancel_requested FROM runs WHERE id = $1`, id,
	).Scan(&requested)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, fmt.Errorf("storage: run %s: %w", id, ErrNotFound)
		}
		return false, fmt.Errorf("storage: cancel requested: %w", err)
	}
	return requested, nil
}

// ListUnfinishedRuns returns the IDs of all pending and running runs, oldest
// first. Used at startup to resume work a dead process left behind.
func (db *DB) ListUnfinishedRuns(ctx context.Context) ([]uuid.UUID, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT id FROM runs WHERE status IN ('pending', 'running') ORDER BY created_at`,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list unfinished runs: %w", err)
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("storage: scan run id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// ListPapers returns all papers registered to a run, in registration order.
func (db *DB) ListPapers(ctx context.Context, runID uuid.UUID) ([]model.Paper, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT id, run_id, paper_id, title, content_ref, metadata, created_at
		 FROM papers WHERE run_id = $1 ORDER BY created_at, paper_id`, runID,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list papers: %w", err)
	}
	defer rows.Close()

	var papers []model.Paper
	for rows.Next() {
		var p model.Paper
		if err := rows.Scan(
			&p.ID, &p.RunID, &p.PaperID, &p.Title, &p.ContentRef, &p.Metadata, &p.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("storage: scan paper: %w", err)
		}
		papers = append(papers, p)
	}
	return papers, rows.Err()
}
