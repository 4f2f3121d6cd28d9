package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/ashita-ai/sukima/internal/model"
)

// CreateIteration inserts a new iteration row in status running.
// The (run_id, iteration_number) unique constraint rejects duplicates.
func (db *DB) CreateIteration(ctx context.Context, runID uuid.UUID, number int) (model.Iteration, error) {
	it := model.Iteration{
		ID:              uuid.New(),
		RunID:           runID,
		IterationNumber: number,
		Status:          model.IterationStatusRunning,
		Insights:        map[string]any{},
		CreatedAt:       time.Now().UTC(),
	}
	_, err := db.pool.Exec(ctx,
		`INSERT INTO iterations (id, run_id, iteration_number, status, insights, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		it.ID, it.RunID, it.IterationNumber, string(it.Status), it.Insights, it.CreatedAt,
	)
	if err != nil {
		return model.Iteration{}, fmt.Errorf("storage: create iteration: %w", err)
	}
	return it, nil
}

// EnsureIteration creates the iteration row, or revives an interrupted one
// left in status running by a crashed process. A row that already reached a
// terminal status is never reused; that would rewrite history.
func (db *DB) EnsureIteration(ctx context.Context, runID uuid.UUID, number int) (model.Iteration, error) {
	it := model.Iteration{
		ID:              uuid.New(),
		RunID:           runID,
		IterationNumber: number,
		Status:          model.IterationStatusRunning,
		Insights:        map[string]any{},
		CreatedAt:       time.Now().UTC(),
	}
	err := db.pool.QueryRow(ctx,
		`INSERT INTO iterations (id, run_id, iteration_number, status, insights, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (run_id, iteration_number) DO UPDATE SET status = 'running'
		 WHERE iterations.status = 'running'
		 RETURNING id, created_at`,
		it.ID, it.RunID, it.IterationNumber, string(it.Status), it.Insights, it.CreatedAt,
	).Scan(&it.ID, &it.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Iteration{}, fmt.Errorf("storage: iteration %d of run %s already finished: %w",
				number, runID, ErrInvalidTransition)
		}
		return model.Iteration{}, fmt.Errorf("storage: ensure iteration: %w", err)
	}
	return it, nil
}

// CompleteIteration finalizes an iteration row with its outcome.
func (db *DB) CompleteIteration(
	ctx context.Context,
	id uuid.UUID,
	status model.IterationStatus,
	gapsFound int,
	insights map[string]any,
	convergenceScore *float64,
	processingTime time.Duration,
	errMsg *string,
) error {
	if insights == nil {
		insights = map[string]any{}
	}
	now := time.Now().UTC()
	tag, err := db.pool.Exec(ctx,
		`UPDATE iterations
		 SET status = $2, gaps_found = $3, insights = $4, convergence_score = $5,
		     processing_time_ms = $6, error_message = $7, completed_at = $8
		 WHERE id = $1 AND status = 'running'`,
		id, string(status), gapsFound, insights, convergenceScore,
		processingTime.Milliseconds(), errMsg, now,
	)
	if err != nil {
		return fmt.Errorf("storage: complete iteration: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("storage: iteration %s not running: %w", id, ErrInvalidTransition)
	}
	return nil
}

// GetIteration retrieves one iteration of a run by number.
func (db *DB) GetIteration(ctx context.Context, runID uuid.UUID, number int) (model.Iteration, error) {
	var it model.Iteration
	err := db.pool.QueryRow(ctx,
		`SELECT id, run_id, iteration_number, status, gaps_found, insights,
		        convergence_score, processing_time_ms, error_message, created_at, completed_at
		 FROM iterations WHERE run_id = $1 AND iteration_number = $2`,
		runID, number,
	).Scan(
		&it.ID, &it.RunID, &it.IterationNumber, &it.Status, &it.GapsFound, &it.Insights,
		&it.ConvergenceScore, &it.ProcessingTimeMS, &it.ErrorMessage, &it.CreatedAt, &it.CompletedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Iteration{}, fmt.Errorf("storage: iteration %d of run %s: %w", number, runID, ErrNotFound)
		}
		return model.Iteration{}, fmt.Errorf("storage: get iteration: %w", err)
	}
	return it, nil
}

// ListIterations returns all iterations of a run ordered by number.
func (db *DB) ListIterations(ctx context.Context, runID uuid.UUID) ([]model.Iteration, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT id, run_id, iteration_number, status, gaps_found, insights,
		        convergence_score, processing_time_ms, error_message, created_at, completed_at
		 FROM iterations WHERE run_id = $1 ORDER BY iteration_number`,
		runID,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list iterations: %w", err)
	}
	defer rows.Close()

	var iterations []model.Iteration
	for rows.Next() {
		var it model.Iteration
		if err := rows.Scan(
			&it.ID, &it.RunID, &it.IterationNumber, &it.Status, &it.GapsFound, &it.Insights,
			&it.ConvergenceScore, &it.ProcessingTimeMS, &it.ErrorMessage, &it.CreatedAt, &it.CompletedAt,
		); err != nil {
			return nil, fmt.Errorf("storage: scan iteration: %w", err)
		}
		iterations = append(iterations, it)
	}
	return iterations, rows.Err()
}

// LastCompletedIteration returns the highest-numbered completed iteration of a
// run, or ErrNotFound when none has completed. Used by the orchestrator to
// finalize from the last good iteration after a stage failure.
func (db *DB) LastCompletedIteration(ctx context.Context, runID uuid.UUID) (model.Iteration, error) {
	var it model.Iteration
	err := db.pool.QueryRow(ctx,
		`SELECT id, run_id, iteration_number, status, gaps_found, insights,
		        convergence_score, processing_time_ms, error_message, created_at, completed_at
		 FROM iterations WHERE run_id = $1 AND status = 'completed'
		 ORDER BY iteration_number DESC LIMIT 1`,
		runID,
	).Scan(
		&it.ID, &it.RunID, &it.IterationNumber, &it.Status, &it.GapsFound, &it.Insights,
		&it.ConvergenceScore, &it.ProcessingTimeMS, &it.ErrorMessage, &it.CreatedAt, &it.CompletedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Iteration{}, fmt.Errorf("storage: no completed iteration for run %s: %w", runID, ErrNotFound)
		}
		return model.Iteration{}, fmt.Errorf("storage: last completed iteration: %w", err)
	}
	return it, nil
}
