package pipeline

import (
	"errors"
	"fmt"
)

// ErrNotFinished is returned by Results for a run that has not reached a
// terminal status yet.
var ErrNotFinished = errors.New("pipeline: run not finished")

// ConfigurationError rejects a submission before any run state is written.
type ConfigurationError struct {
	Reason string
}

func (e *ConfigurationError) Error() string {
	return "pipeline: invalid configuration: " + e.Reason
}

// StageError marks the failure of a whole iteration stage. A micro-agent
// failure is not a StageError; losing every micro agent, or the meso or meta
// singleton, is. The iteration that raised it is recorded as failed and the
// run finalizes from the last completed iteration.
type StageError struct {
	Stage     string
	Iteration int
	Err       error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("pipeline: %s stage failed at iteration %d: %v", e.Stage, e.Iteration, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }
