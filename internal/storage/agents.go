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

// UpsertAgent writes an agent row keyed on (run_id, iteration_number,
// agent_id). Under at-least-once job delivery a duplicate execution lands on
// the same row instead of creating a sibling, which is what makes the
// pipeline's fan-out idempotent. The status guard keeps a late duplicate from
// downgrading a row that already reached completed.
func (db *DB) UpsertAgent(ctx context.Context, rec model.AgentRecord) (model.AgentRecord, error) {
	if rec.ID == uuid.Nil {
		rec.ID = uuid.New()
	}
	now := time.Now().UTC()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	rec.UpdatedAt = now

	err := db.pool.QueryRow(ctx,
		`INSERT INTO agents (id, run_id, iteration_number, agent_type, agent_id, status,
		                     input_data, output_data, error_message, processing_time_ms,
		                     created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		 ON CONFLICT (run_id, iteration_number, agent_id) DO UPDATE
		 SET status = EXCLUDED.status,
		     input_data = EXCLUDED.input_data,
		     output_data = EXCLUDED.output_data,
		     error_message = EXCLUDED.error_message,
		     processing_time_ms = EXCLUDED.processing_time_ms,
		     updated_at = EXCLUDED.updated_at
		 WHERE agents.status <> 'completed'
		 RETURNING id, created_at`,
		rec.ID, rec.RunID, rec.IterationNumber, string(rec.AgentType), rec.AgentID,
		string(rec.Status), rec.InputData, rec.OutputData, rec.ErrorMessage,
		rec.ProcessingTimeMS, rec.CreatedAt, rec.UpdatedAt,
	).Scan(&rec.ID, &rec.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			// Row exists and is already completed; return it unchanged.
			return db.GetAgent(ctx, rec.RunID, rec.IterationNumber, rec.AgentID)
		}
		return model.AgentRecord{}, fmt.Errorf("storage: upsert agent: %w", err)
	}
	return rec, nil
}

// GetAgent retrieves one agent row by its upsert key.
func (db *DB) GetAgent(ctx context.Context, runID uuid.UUID, iteration int, agentID string) (model.AgentRecord, error) {
	var rec model.AgentRecord
	err := db.pool.QueryRow(ctx,
		`SELECT id, run_id, iteration_number, agent_type, agent_id, status,
		        input_data, output_data, error_message, processing_time_ms,
		        created_at, updated_at
		 FROM agents WHERE run_id = $1 AND iteration_number = $2 AND agent_id = $3`,
		runID, iteration, agentID,
	).Scan(
		&rec.ID, &rec.RunID, &rec.IterationNumber, &rec.AgentType, &rec.AgentID,
		&rec.Status, &rec.InputData, &rec.OutputData, &rec.ErrorMessage,
		&rec.ProcessingTimeMS, &rec.CreatedAt, &rec.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.AgentRecord{}, fmt.Errorf("storage: agent %s: %w", agentID, ErrNotFound)
		}
		return model.AgentRecord{}, fmt.Errorf("storage: get agent: %w", err)
	}
	return rec, nil
}

// ListAgents returns all agent rows of one iteration, optionally filtered by
// type and status (empty values match everything). Ordered by agent_id for
// deterministic fan-in aggregation.
func (db *DB) ListAgents(ctx context.Context, runID uuid.UUID, iteration int, agentType model.AgentType, status model.AgentStatus) ([]model.AgentRecord, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT id, run_id, iteration_number, agent_type, agent_id, status,
		        input_data, output_data, error_message, processing_time_ms,
		        created_at, updated_at
		 FROM agents
		 WHERE run_id = $1 AND iteration_number = $2
		   AND ($3 = '' OR agent_type = $3)
		   AND ($4 = '' OR status = $4)
		 ORDER BY agent_id`,
		runID, iteration, string(agentType), string(status),
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list agents: %w", err)
	}
	defer rows.Close()

	var recs []model.AgentRecord
	for rows.Next() {
		var rec model.AgentRecord
		if err := rows.Scan(
			&rec.ID, &rec.RunID, &rec.IterationNumber, &rec.AgentType, &rec.AgentID,
			&rec.Status, &rec.InputData, &rec.OutputData, &rec.ErrorMessage,
			&rec.ProcessingTimeMS, &rec.CreatedAt, &rec.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("storage: scan agent: %w", err)
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

// CountAgents returns how many agent rows of one iteration and type are in
// the given status. The fan-in barrier is this query, not an in-memory
// counter: the orchestrator is stateless at iteration boundaries.
func (db *DB) CountAgents(ctx context.Context, runID uuid.UUID, iteration int, agentType model.AgentType, status model.AgentStatus) (int, error) {
	var n int
	err := db.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM agents
		 WHERE run_id = $1 AND iteration_number = $2 AND agent_type = $3 AND status = $4`,
		runID, iteration, string(agentType), string(status),
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("storage: count agents: %w", err)
	}
	return n, nil
}
