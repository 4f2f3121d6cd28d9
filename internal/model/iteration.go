package model

import (
	"time"

	"github.com/google/uuid"
)

// IterationStatus represents the lifecycle state of one micro→meso→meta pass.
type IterationStatus string

const (
	IterationStatusPending   IterationStatus = "pending"
	IterationStatusRunning   IterationStatus = "running"
	IterationStatusCompleted IterationStatus = "completed"
	IterationStatusFailed    IterationStatus = "failed"
)

// Iteration records one full pass of the pipeline within a run.
// IterationNumber is unique per run and starts at 1.
type Iteration struct {
	ID               uuid.UUID       `json:"id"`
	RunID            uuid.UUID       `json:"run_id"`
	IterationNumber  int             `json:"iteration_number"`
	Status           IterationStatus `json:"status"`
	GapsFound        int             `json:"gaps_found"`
	Insights         map[string]any  `json:"insights"`
	ConvergenceScore *float64        `json:"convergence_score,omitempty"`
	ProcessingTimeMS int64           `json:"processing_time_ms"`
	ErrorMessage     *string         `json:"error_message,omitempty"`
	CreatedAt        time.Time       `json:"created_at"`
	CompletedAt      *time.Time      `json:"completed_at,omitempty"`
}
