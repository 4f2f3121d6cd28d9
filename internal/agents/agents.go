// Package agents implements the three pipeline stages: micro (per-paper
// analysis), meso (per-iteration clustering), and meta (per-iteration gap
// ranking).
//
// Each agent instance owns exactly one agents row, upsert-keyed on
// (run, iteration, agent_id), and records its own lifecycle there. Agents
// never talk to each other in memory: everything crosses stage boundaries
// through the context store, keyed by iteration number.
package agents

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/sukima/internal/contextstore"
	"github.com/ashita-ai/sukima/internal/extract"
	"github.com/ashita-ai/sukima/internal/llm"
	"github.com/ashita-ai/sukima/internal/model"
	"github.com/ashita-ai/sukima/internal/storage"
)

const (
	maxProviderRetries = 3
	retryBaseDelay     = 2 * time.Second
)

// Deps carries the shared collaborators every agent needs.
type Deps struct {
	DB        *storage.DB
	Contexts  *contextstore.Store
	Completer llm.Completer
	Extractor extract.Extractor
	Logger    *slog.Logger
}

// recordStart upserts the agent row into running with its input snapshot.
// Re-delivery of a finished job is a no-op thanks to the completed-status
// guard on the upsert.
func (d Deps) recordStart(ctx context.Context, runID uuid.UUID, iteration int, agentType model.AgentType, agentID string, input map[string]any) (model.AgentRecord, error) {
	return d.DB.UpsertAgent(ctx, model.AgentRecord{
		RunID:           runID,
		IterationNumber: iteration,
		AgentType:       agentType,
		AgentID:         agentID,
		Status:          model.AgentStatusRunning,
		InputData:       input,
	})
}

// recordSuccess finalizes the agent row as completed with its output.
func (d Deps) recordSuccess(ctx context.Context, rec model.AgentRecord, output map[string]any, elapsed time.Duration) error {
	rec.Status = model.AgentStatusCompleted
	rec.OutputData = output
	rec.ErrorMessage = nil
	rec.ProcessingTimeMS = elapsed.Milliseconds()
	_, err := d.DB.UpsertAgent(ctx, rec)
	return err
}

// recordFailure finalizes the agent row as failed and logs the failure to
// the run's log trail. The original error is returned unchanged so callers
// can classify it.
func (d Deps) recordFailure(ctx context.Context, rec model.AgentRecord, cause error, elapsed time.Duration) {
	// The cause may be the job context's own cancellation; the failure row
	// must land regardless.
	ctx = context.WithoutCancel(ctx)
	msg := cause.Error()
	rec.Status = model.AgentStatusFailed
	rec.OutputData = nil
	rec.ErrorMessage = &msg
	rec.ProcessingTimeMS = elapsed.Milliseconds()
	if _, err := d.DB.UpsertAgent(ctx, rec); err != nil {
		d.Logger.Error("failed to record agent failure",
			"run_id", rec.RunID, "agent_id", rec.AgentID, "error", err)
	}
	if err := d.DB.AppendLog(ctx, rec.RunID, model.LogLevelError,
		"agent "+rec.AgentID+" failed: "+msg,
		map[string]any{"iteration": rec.IterationNumber, "agent_type": string(rec.AgentType)},
	); err != nil {
		d.Logger.Warn("failed to append agent failure log", "run_id", rec.RunID, "error", err)
	}
}

// complete wraps the capability call with the per-agent retry policy.
func (d Deps) complete(ctx context.Context, prompt string) (string, error) {
	return llm.CompleteWithRetry(ctx, d.Completer, prompt, llm.Options{
		Temperature: 0.2,
	}, maxProviderRetries, retryBaseDelay)
}
