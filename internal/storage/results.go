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

// CreateResult inserts an immutable per-iteration result record.
func (db *DB) CreateResult(ctx context.Context, runID uuid.UUID, iteration int, resultType model.ResultType, data map[string]any) (model.Result, error) {
	res := model.Result{
		ID:              uuid.New(),
		RunID:           runID,
		IterationNumber: iteration,
		ResultType:      resultType,
		Data:            data,
		CreatedAt:       time.Now().UTC(),
	}
	if res.Data == nil {
		res.Data = map[string]any{}
	}
	_, err := db.pool.Exec(ctx,
		`INSERT INTO results (id, run_id, iteration_number, result_type, data, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		res.ID, res.RunID, res.IterationNumber, string(res.ResultType), res.Data, res.CreatedAt,
	)
	if err != nil {
		return model.Result{}, fmt.Errorf("storage: create result: %w", err)
	}
	return res, nil
}

// GetResult returns the newest result of a given type for one iteration.
func (db *DB) GetResult(ctx context.Context, runID uuid.UUID, iteration int, resultType model.ResultType) (model.Result, error) {
	var res model.Result
	err := db.pool.QueryRow(ctx,
		`SELECT id, run_id, iteration_number, result_type, data, created_at
		 FROM results
		 WHERE run_id = $1 AND iteration_number = $2 AND result_type = $3
		 ORDER BY created_at DESC LIMIT 1`,
		runID, iteration, string(resultType),
	).Scan(&res.ID, &res.RunID, &res.IterationNumber, &res.ResultType, &res.Data, &res.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Result{}, fmt.Errorf("storage: %s result for iteration %d: %w", resultType, iteration, ErrNotFound)
		}
		return model.Result{}, fmt.Errorf("storage: get result: %w", err)
	}
	return res, nil
}

// ListResults returns all results of a run ordered by iteration then time.
func (db *DB) ListResults(ctx context.Context, runID uuid.UUID) ([]model.Result, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT id, run_id, iteration_number, result_type, data, created_at
		 FROM results WHERE run_id = $1 ORDER BY iteration_number, created_at`,
		runID,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list results: %w", err)
	}
	defer rows.Close()

	var results []model.Result
	for rows.Next() {
		var res model.Result
		if err := rows.Scan(&res.ID, &res.RunID, &res.IterationNumber, &res.ResultType, &res.Data, &res.CreatedAt); err != nil {
			return nil, fmt.Errorf("storage: scan result: %w", err)
		}
		results = append(results, res)
	}
	return results, rows.Err()
}
