package mcp

import (
	"context"

	"github.com/google/uuid"
	mcplib "github.com/mark3labs/mcp-go/mcp"

	"github.com/ashita-ai/sukima/internal/model"
)

func (s *Server) registerTools() {
	// sukima_status: poll a run's progress.
	s.mcpServer.AddTool(
		mcplib.NewTool("sukima_status",
			mcplib.WithDescription(`Check the progress of a gap-discovery run.

Returns the run's status (pending, running, completed, failed, cancelled),
the current iteration, a progress percentage, and the most recent log line.
Poll this until the status is terminal, then call sukima_results.`),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithString("run_id",
				mcplib.Description("UUID of the run to check"),
				mcplib.Required(),
			),
		),
		s.handleStatus,
	)

	// sukima_results: fetch a terminal run's full output.
	s.mcpServer.AddTool(
		mcplib.NewTool("sukima_results",
			mcplib.WithDescription(`Fetch the complete results of a finished gap-discovery run.

Returns the ranked research gaps, the narrative synthesis, and the
per-iteration history. Only terminal runs have results; for a run that is
still executing this returns an error, so check sukima_status first.`),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithString("run_id",
				mcplib.Description("UUID of the run"),
				mcplib.Required(),
			),
		),
		s.handleResults,
	)

	// sukima_gaps: just the ranked gaps, without the surrounding payload.
	s.mcpServer.AddTool(
		mcplib.NewTool("sukima_gaps",
			mcplib.WithDescription(`Fetch only the ranked research gaps of a finished run.

A lighter-weight alternative to sukima_results when the synthesis and
iteration history are not needed. Each gap carries its title, rationale,
supporting paper IDs, confidence, and recommended action.`),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithString("run_id",
				mcplib.Description("UUID of the run"),
				mcplib.Required(),
			),
			mcplib.WithNumber("limit",
				mcplib.Description("Maximum number of gaps to return"),
				mcplib.Min(1),
				mcplib.Max(100),
				mcplib.DefaultNumber(10),
			),
		),
		s.handleGaps,
	)

	// sukima_logs: a run's log trail, useful for diagnosing failures.
	s.mcpServer.AddTool(
		mcplib.NewTool("sukima_logs",
			mcplib.WithDescription(`Fetch the log trail of a run in chronological order.

Most useful for failed runs: agent and stage failures are logged with the
iteration number and error message.`),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithString("run_id",
				mcplib.Description("UUID of the run"),
				mcplib.Required(),
			),
			mcplib.WithNumber("limit",
				mcplib.Description("Maximum number of log lines to return"),
				mcplib.Min(1),
				mcplib.Max(1000),
				mcplib.DefaultNumber(100),
			),
		),
		s.handleLogs,
	)
}

func (s *Server) runFromRequest(ctx context.Context, request mcplib.CallToolRequest) (model.Run, *mcplib.CallToolResult) {
	raw := request.GetString("run_id", "")
	if raw == "" {
		return model.Run{}, errorResult("run_id is required")
	}
	runID, err := uuid.Parse(raw)
	if err != nil {
		return model.Run{}, errorResult("run_id must be a UUID")
	}
	run, err := s.store.GetRun(ctx, runID)
	if err != nil {
		return model.Run{}, notFoundOr(err, "run not found")
	}
	return run, nil
}

func (s *Server) handleStatus(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	run, errResult := s.runFromRequest(ctx, request)
	if errResult != nil {
		return errResult, nil
	}
	lastLog, err := s.store.LastLogMessage(ctx, run.ID)
	if err != nil {
		s.logger.Warn("failed to load last log message", "run_id", run.ID, "error", err)
	}
	return jsonResult(model.StatusSnapshot{
		Status:             run.Status,
		CurrentIteration:   run.CurrentIteration,
		ProgressPercentage: run.ProgressPercentage,
		LastLogMessage:     lastLog,
	}), nil
}

func (s *Server) handleResults(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	run, errResult := s.runFromRequest(ctx, request)
	if errResult != nil {
		return errResult, nil
	}
	if !run.Status.Terminal() {
		return errorResult("run has not finished; poll sukima_status until it is terminal"), nil
	}
	return jsonResult(map[string]any{
		"run_id":        run.ID,
		"status":        run.Status,
		"results":       run.Results,
		"error_message": run.ErrorMessage,
	}), nil
}

func (s *Server) handleGaps(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	run, errResult := s.runFromRequest(ctx, request)
	if errResult != nil {
		return errResult, nil
	}
	if !run.Status.Terminal() {
		return errorResult("run has not finished; poll sukima_status until it is terminal"), nil
	}
	if run.Results == nil {
		return errorResult("run finished without results: " + derefOr(run.ErrorMessage, "unknown failure")), nil
	}
	gaps := run.Results.RankedGaps
	limit := request.GetInt("limit", 10)
	if limit > 0 && len(gaps) > limit {
		gaps = gaps[:limit]
	}
	return jsonResult(gaps), nil
}

func (s *Server) handleLogs(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	run, errResult := s.runFromRequest(ctx, request)
	if errResult != nil {
		return errResult, nil
	}
	limit := request.GetInt("limit", 100)
	logs, err := s.store.ListLogs(ctx, run.ID, limit)
	if err != nil {
		return notFoundOr(err, "failed to list logs"), nil
	}
	return jsonResult(logs), nil
}

func derefOr(s *string, fallback string) string {
	if s == nil {
		return fallback
	}
	return *s
}
