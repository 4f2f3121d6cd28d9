package agents

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/sukima/internal/model"
)

// MesoInput describes the singleton clustering job for one iteration.
// SuccessfulPapers references the micro outputs by paper id; the meso agent
// reads the full findings through the context store rather than receiving
// inline payloads, which keeps the prompt bounded by the compact summaries.
type MesoInput struct {
	RunID            uuid.UUID
	Iteration        int
	Question         string
	SuccessfulPapers []string
}

// RunMeso executes the clustering stage over all successful micro outputs.
func RunMeso(ctx context.Context, d Deps, in MesoInput) error {
	agentID := model.MesoAgentID(in.Iteration)
	started := time.Now()

	rec, err := d.recordStart(ctx, in.RunID, in.Iteration, model.AgentTypeMeso, agentID, map[string]any{
		"iteration": in.Iteration,
		"papers":    in.SuccessfulPapers,
	})
	if err != nil {
		return fmt.Errorf("agents: start meso %s: %w", agentID, err)
	}
	if rec.Status == model.AgentStatusCompleted {
		return nil
	}

	if len(in.SuccessfulPapers) == 0 {
		err := fmt.Errorf("no successful micro outputs to cluster")
		d.recordFailure(ctx, rec, err, time.Since(started))
		return fmt.Errorf("agents: meso %s: %w", agentID, err)
	}

	findings := make([]model.MicroFindings, 0, len(in.SuccessfulPapers))
	valid := make(map[string]bool, len(in.SuccessfulPapers))
	for _, paperID := range in.SuccessfulPapers {
		var f model.MicroFindings
		key := model.MicroFindingsKey(in.Iteration, paperID)
		if err := d.Contexts.Get(ctx, in.RunID, key, &f); err != nil {
			d.recordFailure(ctx, rec, fmt.Errorf("load findings %q: %w", key, err), time.Since(started))
			return fmt.Errorf("agents: meso %s: load findings: %w", agentID, err)
		}
		findings = append(findings, f)
		valid[paperID] = true
	}

	raw, err := d.complete(ctx, mesoPrompt(in.Question, findings))
	if err != nil {
		d.recordFailure(ctx, rec, err, time.Since(started))
		return fmt.Errorf("agents: meso %s: %w", agentID, err)
	}

	clusters, err := parseMesoResponse(raw, valid)
	if err != nil {
		d.recordFailure(ctx, rec, err, time.Since(started))
		return fmt.Errorf("agents: meso %s: %w", agentID, err)
	}

	if _, err := d.Contexts.Put(ctx, in.RunID, model.ClustersKey(in.Iteration), clusters, agentID); err != nil {
		d.recordFailure(ctx, rec, err, time.Since(started))
		return fmt.Errorf("agents: meso %s: %w", agentID, err)
	}

	if _, err := d.DB.CreateResult(ctx, in.RunID, in.Iteration, model.ResultTypeClusters, map[string]any{
		"clusters":  clusters.Clusters,
		"rationale": clusters.Rationale,
	}); err != nil {
		d.recordFailure(ctx, rec, err, time.Since(started))
		return fmt.Errorf("agents: meso %s: persist clusters: %w", agentID, err)
	}

	output := map[string]any{
		"context_key":   model.ClustersKey(in.Iteration),
		"cluster_count": len(clusters.Clusters),
	}
	if err := d.recordSuccess(ctx, rec, output, time.Since(started)); err != nil {
		return fmt.Errorf("agents: complete meso %s: %w", agentID, err)
	}
	return nil
}
