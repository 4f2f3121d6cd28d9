package agents

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/sukima/internal/model"
)

// MetaInput describes the singleton gap-ranking job for one iteration.
type MetaInput struct {
	RunID     uuid.UUID
	Iteration int
	Question  string
	Papers    []model.Paper // papers whose micro stage succeeded this iteration
}

// RunMeta executes the gap-ranking stage: it reads the iteration's clusters
// and the previous iteration's ranked gaps from the context store, asks the
// capability for candidate gaps, then derives confidences and the
// deterministic ordering itself. Both the ranked gaps and the narrative
// synthesis are persisted as Result rows and context entries for the next
// round.
func RunMeta(ctx context.Context, d Deps, in MetaInput) error {
	agentID := model.MetaAgentID(in.Iteration)
	started := time.Now()

	rec, err := d.recordStart(ctx, in.RunID, in.Iteration, model.AgentTypeMeta, agentID, map[string]any{
		"iteration": in.Iteration,
	})
	if err != nil {
		return fmt.Errorf("agents: start meta %s: %w", agentID, err)
	}
	if rec.Status == model.AgentStatusCompleted {
		return nil
	}

	var clusters model.ClusterSet
	if err := d.Contexts.Get(ctx, in.RunID, model.ClustersKey(in.Iteration), &clusters); err != nil {
		d.recordFailure(ctx, rec, fmt.Errorf("load clusters: %w", err), time.Since(started))
		return fmt.Errorf("agents: meta %s: load clusters: %w", agentID, err)
	}

	_, priorGaps := d.priorRound(ctx, in.RunID, in.Iteration)

	raw, err := d.complete(ctx, metaPrompt(in.Question, clusters, priorGaps))
	if err != nil {
		d.recordFailure(ctx, rec, err, time.Since(started))
		return fmt.Errorf("agents: meta %s: %w", agentID, err)
	}

	papersByID := make(map[string]model.Paper, len(in.Papers))
	valid := make(map[string]bool, len(in.Papers))
	for _, p := range in.Papers {
		papersByID[p.PaperID] = p
		valid[p.PaperID] = true
	}

	gapSet, err := parseMetaResponse(raw, valid)
	if err != nil {
		d.recordFailure(ctx, rec, err, time.Since(started))
		return fmt.Errorf("agents: meta %s: %w", agentID, err)
	}

	gapSet.Gaps = rankGaps(gapSet.Gaps, len(in.Papers), priorGaps, papersByID)

	if _, err := d.Contexts.Put(ctx, in.RunID, model.GapsKey(in.Iteration), gapSet.Gaps, agentID); err != nil {
		d.recordFailure(ctx, rec, err, time.Since(started))
		return fmt.Errorf("agents: meta %s: %w", agentID, err)
	}
	if _, err := d.Contexts.Put(ctx, in.RunID, model.SynthesisKey(in.Iteration), gapSet.Synthesis, agentID); err != nil {
		d.recordFailure(ctx, rec, err, time.Since(started))
		return fmt.Errorf("agents: meta %s: %w", agentID, err)
	}

	if _, err := d.DB.CreateResult(ctx, in.RunID, in.Iteration, model.ResultTypeGaps, map[string]any{
		"gaps": gapSet.Gaps,
	}); err != nil {
		d.recordFailure(ctx, rec, err, time.Since(started))
		return fmt.Errorf("agents: meta %s: persist gaps: %w", agentID, err)
	}
	if _, err := d.DB.CreateResult(ctx, in.RunID, in.Iteration, model.ResultTypeSynthesis, map[string]any{
		"synthesis": gapSet.Synthesis,
	}); err != nil {
		d.recordFailure(ctx, rec, err, time.Since(started))
		return fmt.Errorf("agents: meta %s: persist synthesis: %w", agentID, err)
	}

	output := map[string]any{
		"gaps_found":  len(gapSet.Gaps),
		"context_key": model.GapsKey(in.Iteration),
	}
	if err := d.recordSuccess(ctx, rec, output, time.Since(started)); err != nil {
		return fmt.Errorf("agents: complete meta %s: %w", agentID, err)
	}
	return nil
}
