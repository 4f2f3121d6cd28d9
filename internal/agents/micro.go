package agents

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/sukima/internal/model"
	"github.com/ashita-ai/sukima/internal/storage"
)

// MicroInput describes one micro-agent job: analyze one paper for one
// iteration. Prior-round context is read from the context store by iteration
// number, never passed as live objects.
type MicroInput struct {
	RunID     uuid.UUID
	Iteration int
	Paper     model.Paper
	Question  string
}

// RunMicro executes one micro-agent instance end to end: resolve the paper's
// content, call the completion capability, and persist findings. Full
// findings go to the context store; the agent row keeps only the compact
// summary that the meso prompt will inline.
func RunMicro(ctx context.Context, d Deps, in MicroInput) error {
	agentID := model.MicroAgentID(in.Paper.PaperID)
	started := time.Now()

	rec, err := d.recordStart(ctx, in.RunID, in.Iteration, model.AgentTypeMicro, agentID, map[string]any{
		"paper_id":  in.Paper.PaperID,
		"title":     in.Paper.Title,
		"iteration": in.Iteration,
	})
	if err != nil {
		return fmt.Errorf("agents: start micro %s: %w", agentID, err)
	}
	if rec.Status == model.AgentStatusCompleted {
		// Duplicate delivery of a finished job; nothing to redo.
		return nil
	}

	content, err := d.paperContent(ctx, in.RunID, in.Paper, agentID)
	if err != nil {
		d.recordFailure(ctx, rec, err, time.Since(started))
		return fmt.Errorf("agents: micro %s: %w", agentID, err)
	}

	priorSynthesis, priorGaps := d.priorRound(ctx, in.RunID, in.Iteration)

	raw, err := d.complete(ctx, microPrompt(in.Question, in.Paper, content, priorSynthesis, priorGaps))
	if err != nil {
		d.recordFailure(ctx, rec, err, time.Since(started))
		return fmt.Errorf("agents: micro %s: %w", agentID, err)
	}

	findings, err := parseMicroResponse(raw, in.Paper)
	if err != nil {
		d.recordFailure(ctx, rec, err, time.Since(started))
		return fmt.Errorf("agents: micro %s: %w", agentID, err)
	}

	// Full findings bridge to the meso stage through the context store.
	key := model.MicroFindingsKey(in.Iteration, in.Paper.PaperID)
	if _, err := d.Contexts.Put(ctx, in.RunID, key, findings, agentID); err != nil {
		d.recordFailure(ctx, rec, err, time.Since(started))
		return fmt.Errorf("agents: micro %s: %w", agentID, err)
	}

	output := map[string]any{
		"context_key":   key,
		"summary":       findings.Summary,
		"limitations":   len(findings.Limitations),
		"contributions": len(findings.Contributions),
	}
	if err := d.recordSuccess(ctx, rec, output, time.Since(started)); err != nil {
		return fmt.Errorf("agents: complete micro %s: %w", agentID, err)
	}
	return nil
}

// paperContent returns the paper's extracted text, caching it in the context
// store so later iterations skip re-extraction.
func (d Deps) paperContent(ctx context.Context, runID uuid.UUID, paper model.Paper, agentID string) (string, error) {
	key := model.PaperContentKey(paper.PaperID)
	var content string
	if err := d.Contexts.Get(ctx, runID, key, &content); err == nil {
		return content, nil
	}

	content, err := d.Extractor.Extract(ctx, paper.ContentRef)
	if err != nil {
		return "", fmt.Errorf("extract %q: %w", paper.ContentRef, err)
	}
	if _, err := d.Contexts.Put(ctx, runID, key, content, agentID); err != nil {
		return "", fmt.Errorf("cache content: %w", err)
	}
	return content, nil
}

// priorRound loads the previous iteration's synthesis and ranked gaps.
// Absence is normal for iteration 1 and after prior-round stage failures.
func (d Deps) priorRound(ctx context.Context, runID uuid.UUID, iteration int) (string, []model.Gap) {
	if iteration <= 1 {
		return "", nil
	}
	var synthesis string
	if err := d.Contexts.Get(ctx, runID, model.SynthesisKey(iteration-1), &synthesis); err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			d.Logger.Warn("failed to load prior synthesis", "run_id", runID, "iteration", iteration, "error", err)
		}
	}
	var gaps []model.Gap
	if err := d.Contexts.Get(ctx, runID, model.GapsKey(iteration-1), &gaps); err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			d.Logger.Warn("failed to load prior gaps", "run_id", runID, "iteration", iteration, "error", err)
		}
	}
	return synthesis, gaps
}
