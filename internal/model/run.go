// Package model defines the core domain types for Sukima.
//
// All types correspond directly to database tables read by external pollers,
// so field names and status enum values are load-bearing. Types use strong
// typing (UUIDs, time.Time, enums) and avoid interface{} wherever possible.
package model

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// RunStatus represents the lifecycle state of a gap-discovery run.
// Transitions only move forward: pending -> running -> {completed|failed|cancelled}.
type RunStatus string

const (
	RunStatusPending   RunStatus = "pending"
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
	RunStatusCancelled RunStatus = "cancelled"
)

// Terminal reports whether a run in this status can never change again.
func (s RunStatus) Terminal() bool {
	return s == RunStatusCompleted || s == RunStatusFailed || s == RunStatusCancelled
}

// RunConfig holds the per-run tuning knobs supplied at submission time.
type RunConfig struct {
	MaxIterations        int      `json:"max_iterations"`
	ConvergenceThreshold float64  `json:"convergence_threshold"`
	Domains              []string `json:"domains"`
}

const (
	DefaultMaxIterations        = 3
	DefaultConvergenceThreshold = 0.7
)

// ApplyDefaults fills zero-valued fields with their documented defaults.
func (c *RunConfig) ApplyDefaults() {
	if c.MaxIterations == 0 {
		c.MaxIterations = DefaultMaxIterations
	}
	if c.ConvergenceThreshold == 0 {
		c.ConvergenceThreshold = DefaultConvergenceThreshold
	}
	if c.Domains == nil {
		c.Domains = []string{}
	}
}

// Validate checks the config against its allowed ranges.
func (c RunConfig) Validate() error {
	if c.MaxIterations < 1 || c.MaxIterations > 10 {
		return fmt.Errorf("max_iterations must be in [1,10], got %d", c.MaxIterations)
	}
	if c.ConvergenceThreshold < 0 || c.ConvergenceThreshold > 1 {
		return fmt.Errorf("convergence_threshold must be in [0,1], got %v", c.ConvergenceThreshold)
	}
	return nil
}

// Run is one end-to-end execution of the gap-discovery pipeline for a given
// question and paper set. Mutated only by the orchestrator.
type Run struct {
	ID                   uuid.UUID  `json:"id"`
	Owner                string     `json:"owner"`
	Query                string     `json:"query"`
	Domains              []string   `json:"domains"`
	MaxIterations        int        `json:"max_iterations"`
	ConvergenceThreshold float64    `json:"convergence_threshold"`
	Status               RunStatus  `json:"status"`
	CurrentIteration     int        `json:"current_iteration"`
	ProgressPercentage   float64    `json:"progress_percentage"`
	Results              *RunResults `json:"results,omitempty"`
	ErrorMessage         *string    `json:"error_message,omitempty"`
	CreatedAt            time.Time  `json:"created_at"`
	UpdatedAt            time.Time  `json:"updated_at"`
	StartedAt            *time.Time `json:"started_at,omitempty"`
	CompletedAt          *time.Time `json:"completed_at,omitempty"`
}

// Config reconstructs the RunConfig stored inline on the run row.
func (r Run) Config() RunConfig {
	return RunConfig{
		MaxIterations:        r.MaxIterations,
		ConvergenceThreshold: r.ConvergenceThreshold,
		Domains:              r.Domains,
	}
}

// RunResults is the finalized output aggregated from the last completed
// iteration's meta-agent ranking.
type RunResults struct {
	RankedGaps       []Gap              `json:"ranked_gaps"`
	Synthesis        string             `json:"synthesis"`
	IterationHistory []IterationSummary `json:"iteration_history"`
}

// IterationSummary is the per-iteration line item included in final results.
type IterationSummary struct {
	IterationNumber  int      `json:"iteration_number"`
	Status           string   `json:"status"`
	GapsFound        int      `json:"gaps_found"`
	ConvergenceScore *float64 `json:"convergence_score,omitempty"`
	ProcessingTimeMS int64    `json:"processing_time_ms"`
}

// StatusSnapshot is the poll surface exposed to external UI/API layers.
type StatusSnapshot struct {
	Status             RunStatus `json:"status"`
	CurrentIteration   int       `json:"current_iteration"`
	ProgressPercentage float64   `json:"progress_percentage"`
	LastLogMessage     string    `json:"last_log_message,omitempty"`
}

// CreateRunRequest is the entry-point input for submitting a run.
type CreateRunRequest struct {
	Owner   string       `json:"owner"`
	Query   string       `json:"query"`
	Papers  []PaperInput `json:"papers"`
	Config  RunConfig    `json:"config"`
}

// Validate rejects invalid submissions before any state is written.
func (r CreateRunRequest) Validate() error {
	if r.Query == "" {
		return fmt.Errorf("query is required")
	}
	if len(r.Papers) == 0 {
		return fmt.Errorf("at least one paper is required")
	}
	seen := make(map[string]bool, len(r.Papers))
	for i, p := range r.Papers {
		if p.ID == "" {
			return fmt.Errorf("papers[%d]: id is required", i)
		}
		if seen[p.ID] {
			return fmt.Errorf("papers[%d]: duplicate paper id %q", i, p.ID)
		}
		seen[p.ID] = true
		if p.ContentRef == "" {
			return fmt.Errorf("papers[%d]: content_ref is required", i)
		}
	}
	return r.Config.Validate()
}
