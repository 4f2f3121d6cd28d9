package model

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// AgentType identifies the stage an agent instance belongs to.
type AgentType string

const (
	AgentTypeMicro AgentType = "micro"
	AgentTypeMeso  AgentType = "meso"
	AgentTypeMeta  AgentType = "meta"
)

// AgentStatus represents the lifecycle state of one agent instance.
type AgentStatus string

const (
	AgentStatusPending   AgentStatus = "pending"
	AgentStatusRunning   AgentStatus = "running"
	AgentStatusCompleted AgentStatus = "completed"
	AgentStatusFailed    AgentStatus = "failed"
)

// AgentRecord is the row owned exclusively by one agent instance.
//
// The (RunID, IterationNumber, AgentID) triple is the upsert key: re-delivery
// of an already-executed job under at-least-once scheduling rewrites the same
// row instead of creating a sibling. Invariants: OutputData is set only when
// status=completed; ErrorMessage only when status=failed.
type AgentRecord struct {
	ID               uuid.UUID      `json:"id"`
	RunID            uuid.UUID      `json:"run_id"`
	IterationNumber  int            `json:"iteration_number"`
	AgentType        AgentType      `json:"agent_type"`
	AgentID          string         `json:"agent_id"`
	Status           AgentStatus    `json:"status"`
	InputData        map[string]any `json:"input_data,omitempty"`
	OutputData       map[string]any `json:"output_data,omitempty"`
	ErrorMessage     *string        `json:"error_message,omitempty"`
	ProcessingTimeMS int64          `json:"processing_time_ms"`
	CreatedAt        time.Time      `json:"created_at"`
	UpdatedAt        time.Time      `json:"updated_at"`
}

// MicroAgentID returns the instance identifier for the micro-agent assigned
// to the given paper. Deterministic so duplicate deliveries collide on the
// upsert key.
func MicroAgentID(paperID string) string {
	return fmt.Sprintf("micro:%s", paperID)
}

// MesoAgentID is the singleton meso instance identifier for an iteration.
func MesoAgentID(iteration int) string {
	return fmt.Sprintf("meso:%d", iteration)
}

// MetaAgentID is the singleton meta instance identifier for an iteration.
func MetaAgentID(iteration int) string {
	return fmt.Sprintf("meta:%d", iteration)
}
