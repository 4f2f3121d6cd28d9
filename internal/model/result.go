package model

import (
	"time"

	"github.com/google/uuid"
)

// ResultType categorizes intermediate and final pipeline outputs.
type ResultType string

const (
	ResultTypeGaps      ResultType = "gaps"
	ResultTypeClusters  ResultType = "clusters"
	ResultTypeSynthesis ResultType = "synthesis"
)

// Result is an immutable per-iteration output record.
type Result struct {
	ID              uuid.UUID      `json:"id"`
	RunID           uuid.UUID      `json:"run_id"`
	IterationNumber int            `json:"iteration_number"`
	ResultType      ResultType     `json:"result_type"`
	Data            map[string]any `json:"data"`
	CreatedAt       time.Time      `json:"created_at"`
}

// LogLevel is the severity of a run log entry.
type LogLevel string

const (
	LogLevelInfo    LogLevel = "info"
	LogLevelWarning LogLevel = "warning"
	LogLevelError   LogLevel = "error"
	LogLevelDebug   LogLevel = "debug"
)

// LogEntry is one line of a run's persistent log trail. Failed runs return
// the full trail to the caller alongside the error message.
type LogEntry struct {
	ID        uuid.UUID      `json:"id"`
	RunID     uuid.UUID      `json:"run_id"`
	Level     LogLevel       `json:"level"`
	Message   string         `json:"message"`
	Metadata  map[string]any `json:"metadata"`
	CreatedAt time.Time      `json:"created_at"`
}
