// Package pipeline contains the orchestrator that drives gap-discovery runs.
//
// The orchestrator owns the run state machine and nothing else: agents write
// their own rows, stages exchange data through the context store, and the
// fan-in barrier is a query over agent rows rather than in-memory bookkeeping.
// All durable state lives in Postgres, so a restarted orchestrator can resume
// a run from its rows alone.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/ashita-ai/sukima/internal/agents"
	"github.com/ashita-ai/sukima/internal/contextstore"
	"github.com/ashita-ai/sukima/internal/converge"
	"github.com/ashita-ai/sukima/internal/extract"
	"github.com/ashita-ai/sukima/internal/llm"
	"github.com/ashita-ai/sukima/internal/model"
	"github.com/ashita-ai/sukima/internal/scheduler"
	"github.com/ashita-ai/sukima/internal/storage"
	"github.com/ashita-ai/sukima/internal/telemetry"
)

// DefaultJobTimeout bounds how long any single agent job may run. At the
// deadline the job's context is cancelled and the agent is recorded failed
// for this iteration; the upsert-keyed row absorbs a photo-finish completion
// harmlessly.
const DefaultJobTimeout = 5 * time.Minute

// Engine orchestrates runs end to end.
type Engine struct {
	db         *storage.DB
	contexts   *contextstore.Store
	completer  llm.Completer
	extractor  extract.Extractor
	workers    int
	jobTimeout time.Duration
	logger     *slog.Logger

	runsFinished      metric.Int64Counter
	iterationDuration metric.Float64Histogram
}

// Config tunes the engine. Zero values fall back to defaults.
type Config struct {
	Workers    int
	JobTimeout time.Duration
}

// New creates an Engine.
func New(db *storage.DB, contexts *contextstore.Store, completer llm.Completer, extractor extract.Extractor, cfg Config, logger *slog.Logger) *Engine {
	if cfg.Workers <= 0 {
		cfg.Workers = 8
	}
	if cfg.JobTimeout <= 0 {
		cfg.JobTimeout = DefaultJobTimeout
	}

	meter := telemetry.Meter("sukima/pipeline")
	runsFinished, _ := meter.Int64Counter("sukima.runs.finished",
		metric.WithDescription("Runs reaching a terminal status, by status"),
	)
	iterDur, _ := meter.Float64Histogram("sukima.iteration.duration",
		metric.WithDescription("Wall-clock time per iteration (ms)"),
		metric.WithUnit("ms"),
	)

	return &Engine{
		db:                db,
		contexts:          contexts,
		completer:         completer,
		extractor:         extractor,
		workers:           cfg.Workers,
		jobTimeout:        cfg.JobTimeout,
		logger:            logger,
		runsFinished:      runsFinished,
		iterationDuration: iterDur,
	}
}

// Submit validates a request and persists the run in status pending.
// It does not start execution; callers pair it with Execute.
func (e *Engine) Submit(ctx context.Context, req model.CreateRunRequest) (model.Run, error) {
	req.Config.ApplyDefaults()
	if err := req.Validate(); err != nil {
		return model.Run{}, &ConfigurationError{Reason: err.Error()}
	}
	run, err := e.db.CreateRun(ctx, req)
	if err != nil {
		return model.Run{}, fmt.Errorf("pipeline: submit run: %w", err)
	}
	e.logger.Info("run submitted",
		"run_id", run.ID, "papers", len(req.Papers), "max_iterations", run.MaxIterations)
	return run, nil
}

// Cancel flags a pending or running run for cooperative cancellation. The
// current iteration finishes; the flag is honored at the next boundary.
func (e *Engine) Cancel(ctx context.Context, runID uuid.UUID) error {
	if err := e.db.RequestRunCancel(ctx, runID); err != nil {
		return err
	}
	return e.db.AppendLog(ctx, runID, model.LogLevelInfo, "cancellation requested", nil)
}

// Status returns the poll surface for a run.
func (e *Engine) Status(ctx context.Context, runID uuid.UUID) (model.StatusSnapshot, error) {
	run, err := e.db.GetRun(ctx, runID)
	if err != nil {
		return model.StatusSnapshot{}, err
	}
	last, err := e.db.LastLogMessage(ctx, runID)
	if err != nil {
		return model.StatusSnapshot{}, err
	}
	return model.StatusSnapshot{
		Status:             run.Status,
		CurrentIteration:   run.CurrentIteration,
		ProgressPercentage: run.ProgressPercentage,
		LastLogMessage:     last,
	}, nil
}

// Results returns the finalized output of a terminal run. A run that produced
// no completed iteration has nil results alongside its error message.
func (e *Engine) Results(ctx context.Context, runID uuid.UUID) (model.Run, error) {
	run, err := e.db.GetRun(ctx, runID)
	if err != nil {
		return model.Run{}, err
	}
	if !run.Status.Terminal() {
		return model.Run{}, fmt.Errorf("pipeline: run %s is %s: %w", runID, run.Status, ErrNotFinished)
	}
	return run, nil
}

// Execute drives a pending run to a terminal status. It blocks until the run
// finishes; callers that want async execution launch it on a goroutine. Every
// error path still finalizes the run row, so pollers always observe a
// terminal status eventually.
func (e *Engine) Execute(ctx context.Context, runID uuid.UUID) error {
	run, err := e.db.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	papers, err := e.db.ListPapers(ctx, runID)
	if err != nil {
		return err
	}
	if len(papers) == 0 {
		return e.finalizeFailed(ctx, runID, &ConfigurationError{Reason: "run has no papers"})
	}

	if err := e.db.StartRun(ctx, runID); err != nil {
		return err
	}
	e.logger.Info("run started", "run_id", runID, "papers", len(papers))

	return e.executeFrom(ctx, run, papers, 1)
}

// Resume picks up a run a previous process left unfinished. Pending runs
// start from scratch; running runs continue after their last recorded
// iteration. Agent rows are upsert-keyed, so stages that already completed
// inside an interrupted iteration are not redone.
func (e *Engine) Resume(ctx context.Context, runID uuid.UUID) error {
	run, err := e.db.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	switch run.Status {
	case model.RunStatusPending:
		return e.Execute(ctx, runID)
	case model.RunStatusRunning:
		papers, err := e.db.ListPapers(ctx, runID)
		if err != nil {
			return err
		}
		e.logger.Info("run resumed",
			"run_id", runID, "completed_iterations", run.CurrentIteration)
		return e.executeFrom(ctx, run, papers, run.CurrentIteration+1)
	default:
		return nil
	}
}

func (e *Engine) executeFrom(ctx context.Context, run model.Run, papers []model.Paper, startIter int) error {
	runID := run.ID

	deps := agents.Deps{
		DB:        e.db,
		Contexts:  e.contexts,
		Completer: e.completer,
		Extractor: e.extractor,
		Logger:    e.logger,
	}

	var (
		cancelled bool
		stageErr  *StageError
	)
	for iter := startIter; iter <= run.MaxIterations; iter++ {
		requested, err := e.db.CancelRequested(ctx, runID)
		if err != nil {
			return e.finalizeFailed(ctx, runID, err)
		}
		if requested {
			cancelled = true
			break
		}

		err = e.runIteration(ctx, deps, run, papers, iter)
		var se *StageError
		if errors.As(err, &se) {
			stageErr = se
			break
		}
		if err != nil {
			return e.finalizeFailed(ctx, runID, err)
		}

		progress := float64(iter) / float64(run.MaxIterations) * 100
		if err := e.db.UpdateRunProgress(ctx, runID, iter, progress); err != nil {
			return e.finalizeFailed(ctx, runID, err)
		}

		done, err := e.hasConverged(ctx, runID, iter, run.ConvergenceThreshold)
		if err != nil {
			return e.finalizeFailed(ctx, runID, err)
		}
		if done {
			e.logger.Info("run converged", "run_id", runID, "iteration", iter)
			_ = e.db.AppendLog(ctx, runID, model.LogLevelInfo,
				fmt.Sprintf("converged after iteration %d", iter), nil)
			break
		}
	}

	return e.finalize(ctx, runID, cancelled, stageErr)
}

// runIteration executes one full micro -> meso -> meta round. A returned
// StageError means the iteration is lost but the run may still finish from an
// earlier one.
func (e *Engine) runIteration(ctx context.Context, deps agents.Deps, run model.Run, papers []model.Paper, iter int) error {
	started := time.Now()
	it, err := e.db.EnsureIteration(ctx, run.ID, iter)
	if err != nil {
		if errors.Is(err, storage.ErrInvalidTransition) {
			// The previous process crashed after completing this iteration
			// but before advancing the run row. Nothing to redo.
			if prev, gerr := e.db.GetIteration(ctx, run.ID, iter); gerr == nil && prev.Status == model.IterationStatusCompleted {
				e.logger.Info("iteration already completed, skipping",
					"run_id", run.ID, "iteration", iter)
				return nil
			}
		}
		return err
	}
	_ = e.db.AppendLog(ctx, run.ID, model.LogLevelInfo,
		fmt.Sprintf("iteration %d started with %d papers", iter, len(papers)), nil)

	// Fan out one micro agent per paper. Job errors stay inside their
	// handles; a lost paper must not take its siblings down.
	pool := scheduler.NewPool(ctx, e.workers, e.jobTimeout, e.logger)
	handles := make([]*scheduler.Handle, len(papers))
	for i, p := range papers {
		in := agents.MicroInput{RunID: run.ID, Iteration: iter, Paper: p, Question: run.Query}
		handles[i] = pool.Submit(func(jctx context.Context) error {
			return agents.RunMicro(jctx, deps, in)
		})
	}
	awaitErrs := scheduler.AwaitAll(ctx, handles, e.jobTimeout)
	pool.Drain()

	for i, aerr := range awaitErrs {
		if aerr != nil {
			e.logger.Warn("micro agent failed",
				"run_id", run.ID, "iteration", iter, "paper_id", papers[i].PaperID, "error", aerr)
			if errors.Is(aerr, scheduler.ErrTimeout) {
				e.markAgentTimedOut(ctx, run.ID, iter, papers[i].PaperID)
			}
		}
	}

	// Fan-in barrier: the completed agent rows, not the await errors, decide
	// which papers made it. A job that timed out but still finished counts.
	completed, err := e.db.ListAgents(ctx, run.ID, iter, model.AgentTypeMicro, model.AgentStatusCompleted)
	if err != nil {
		return err
	}
	succeeded := make([]string, 0, len(completed))
	succeededPapers := make([]model.Paper, 0, len(completed))
	byID := make(map[string]model.Paper, len(papers))
	for _, p := range papers {
		byID[p.PaperID] = p
	}
	for _, rec := range completed {
		paperID, _ := rec.InputData["paper_id"].(string)
		if p, ok := byID[paperID]; ok {
			succeeded = append(succeeded, paperID)
			succeededPapers = append(succeededPapers, p)
		}
	}

	insights := map[string]any{
		"papers_total":     len(papers),
		"papers_succeeded": len(succeeded),
		"papers_failed":    len(papers) - len(succeeded),
	}

	if len(succeeded) == 0 {
		return e.failStage(ctx, it, "micro", iter, insights, started,
			fmt.Errorf("all %d micro agents failed", len(papers)))
	}

	// The singleton stages run under the same per-job deadline as the fan-out.
	mesoCtx, mesoCancel := context.WithTimeout(ctx, e.jobTimeout)
	mesoErr := agents.RunMeso(mesoCtx, deps, agents.MesoInput{
		RunID: run.ID, Iteration: iter, Question: run.Query, SuccessfulPapers: succeeded,
	})
	mesoCancel()
	if mesoErr != nil {
		return e.failStage(ctx, it, "meso", iter, insights, started, mesoErr)
	}

	metaCtx, metaCancel := context.WithTimeout(ctx, e.jobTimeout)
	metaErr := agents.RunMeta(metaCtx, deps, agents.MetaInput{
		RunID: run.ID, Iteration: iter, Question: run.Query, Papers: succeededPapers,
	})
	metaCancel()
	if metaErr != nil {
		return e.failStage(ctx, it, "meta", iter, insights, started, metaErr)
	}

	var gaps []model.Gap
	if err := e.contexts.Get(ctx, run.ID, model.GapsKey(iter), &gaps); err != nil {
		return e.failStage(ctx, it, "meta", iter, insights, started,
			fmt.Errorf("load ranked gaps: %w", err))
	}

	score := e.iterationScore(ctx, run.ID, iter, gaps)
	elapsed := time.Since(started)
	if err := e.db.CompleteIteration(ctx, it.ID, model.IterationStatusCompleted,
		len(gaps), insights, score, elapsed, nil); err != nil {
		return err
	}
	e.iterationDuration.Record(ctx, float64(elapsed.Milliseconds()),
		metric.WithAttributes(attribute.String("status", "completed")))
	_ = e.db.AppendLog(ctx, run.ID, model.LogLevelInfo,
		fmt.Sprintf("iteration %d completed: %d gaps from %d/%d papers",
			iter, len(gaps), len(succeeded), len(papers)), nil)
	return nil
}

// failStage records the iteration as failed and wraps the cause.
func (e *Engine) failStage(ctx context.Context, it model.Iteration, stage string, iter int, insights map[string]any, started time.Time, cause error) error {
	msg := cause.Error()
	elapsed := time.Since(started)
	if err := e.db.CompleteIteration(ctx, it.ID, model.IterationStatusFailed,
		0, insights, nil, elapsed, &msg); err != nil {
		e.logger.Error("failed to record iteration failure",
			"run_id", it.RunID, "iteration", iter, "error", err)
	}
	e.iterationDuration.Record(ctx, float64(elapsed.Milliseconds()),
		metric.WithAttributes(attribute.String("status", "failed")))
	return &StageError{Stage: stage, Iteration: iter, Err: cause}
}

// markAgentTimedOut records a timeout failure for a micro agent whose job was
// abandoned while its row still says running. Rows the job settled itself,
// including a photo-finish completion, are left alone.
func (e *Engine) markAgentTimedOut(ctx context.Context, runID uuid.UUID, iter int, paperID string) {
	agentID := model.MicroAgentID(paperID)
	rec, err := e.db.GetAgent(ctx, runID, iter, agentID)
	if err != nil || rec.Status != model.AgentStatusRunning {
		return
	}
	msg := fmt.Sprintf("timed out after %s", e.jobTimeout)
	rec.Status = model.AgentStatusFailed
	rec.OutputData = nil
	rec.ErrorMessage = &msg
	if _, err := e.db.UpsertAgent(ctx, rec); err != nil {
		e.logger.Error("failed to record agent timeout",
			"run_id", runID, "agent_id", agentID, "error", err)
		return
	}
	_ = e.db.AppendLog(ctx, runID, model.LogLevelError,
		"agent "+agentID+" failed: "+msg,
		map[string]any{"iteration": iter, "agent_type": string(model.AgentTypeMicro)})
}

// iterationScore computes the convergence score against the previous round's
// ranking. Nil for iteration 1 and whenever the previous ranking is missing.
func (e *Engine) iterationScore(ctx context.Context, runID uuid.UUID, iter int, gaps []model.Gap) *float64 {
	if iter <= 1 {
		return nil
	}
	var previous []model.Gap
	if err := e.contexts.Get(ctx, runID, model.GapsKey(iter-1), &previous); err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			e.logger.Warn("failed to load previous gaps for convergence",
				"run_id", runID, "iteration", iter, "error", err)
		}
		return nil
	}
	score := converge.Score(gaps, previous)
	return &score
}

// hasConverged reads the just-completed iteration's score and applies the
// run's threshold.
func (e *Engine) hasConverged(ctx context.Context, runID uuid.UUID, iter int, threshold float64) (bool, error) {
	it, err := e.db.GetIteration(ctx, runID, iter)
	if err != nil {
		return false, err
	}
	if it.ConvergenceScore == nil {
		return false, nil
	}
	return converge.Converged(*it.ConvergenceScore, threshold), nil
}

// finalize moves the run to its terminal status. Results always come from the
// last completed iteration: a later failed or abandoned iteration never
// degrades what an earlier one produced.
func (e *Engine) finalize(ctx context.Context, runID uuid.UUID, cancelled bool, stageErr *StageError) error {
	last, err := e.db.LastCompletedIteration(ctx, runID)
	if errors.Is(err, storage.ErrNotFound) {
		switch {
		case cancelled:
			return e.finalizeTerminal(ctx, runID, model.RunStatusCancelled, nil, strPtr("cancelled before any iteration completed"))
		case stageErr != nil:
			return e.finalizeFailed(ctx, runID, stageErr)
		default:
			return e.finalizeFailed(ctx, runID, errors.New("no iteration completed"))
		}
	}
	if err != nil {
		return e.finalizeFailed(ctx, runID, err)
	}

	results, err := e.assembleResults(ctx, runID, last.IterationNumber)
	if err != nil {
		return e.finalizeFailed(ctx, runID, err)
	}

	status := model.RunStatusCompleted
	var errMsg *string
	if cancelled {
		status = model.RunStatusCancelled
		errMsg = strPtr("cancelled by request")
	} else if stageErr != nil {
		errMsg = strPtr(fmt.Sprintf("%s stage failed at iteration %d; results from iteration %d",
			stageErr.Stage, stageErr.Iteration, last.IterationNumber))
	}
	return e.finalizeTerminal(ctx, runID, status, results, errMsg)
}

// assembleResults builds the final payload from the given iteration's context
// entries plus the full iteration history.
func (e *Engine) assembleResults(ctx context.Context, runID uuid.UUID, iter int) (*model.RunResults, error) {
	var gaps []model.Gap
	if err := e.contexts.Get(ctx, runID, model.GapsKey(iter), &gaps); err != nil {
		return nil, fmt.Errorf("pipeline: load final gaps: %w", err)
	}
	var synthesis string
	if err := e.contexts.Get(ctx, runID, model.SynthesisKey(iter), &synthesis); err != nil {
		return nil, fmt.Errorf("pipeline: load final synthesis: %w", err)
	}

	iterations, err := e.db.ListIterations(ctx, runID)
	if err != nil {
		return nil, err
	}
	history := make([]model.IterationSummary, 0, len(iterations))
	for _, it := range iterations {
		history = append(history, model.IterationSummary{
			IterationNumber:  it.IterationNumber,
			Status:           string(it.Status),
			GapsFound:        it.GapsFound,
			ConvergenceScore: it.ConvergenceScore,
			ProcessingTimeMS: it.ProcessingTimeMS,
		})
	}
	return &model.RunResults{
		RankedGaps:       gaps,
		Synthesis:        synthesis,
		IterationHistory: history,
	}, nil
}

func (e *Engine) finalizeFailed(ctx context.Context, runID uuid.UUID, cause error) error {
	if ferr := e.finalizeTerminal(ctx, runID, model.RunStatusFailed, nil, strPtr(cause.Error())); ferr != nil {
		return errors.Join(cause, ferr)
	}
	return cause
}

func (e *Engine) finalizeTerminal(ctx context.Context, runID uuid.UUID, status model.RunStatus, results *model.RunResults, errMsg *string) error {
	if err := e.db.FinalizeRun(ctx, runID, status, results, errMsg); err != nil {
		return err
	}
	e.runsFinished.Add(ctx, 1, metric.WithAttributes(attribute.String("status", string(status))))
	msg := "run " + string(status)
	if errMsg != nil {
		msg += ": " + *errMsg
	}
	level := model.LogLevelInfo
	if status == model.RunStatusFailed {
		level = model.LogLevelError
	}
	_ = e.db.AppendLog(ctx, runID, level, msg, nil)
	e.logger.Info("run finished", "run_id", runID, "status", status)
	return nil
}

func strPtr(s string) *string { return &s }
