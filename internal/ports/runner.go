package ports

import (
	"context"
)

// TaskStage is one stage reported by the calibration task.
type TaskStage struct {
	Name   string `json:"name"`
	Status string `json:"status"`
}

// TaskFailure describes where the calibration task failed.
type TaskFailure struct {
	Stage  string `json:"stage,omitempty"`
	Reason string `json:"reason,omitempty"`
}

// TaskOutcome is the structured result of a calibration task.
type TaskOutcome struct {
	RunID   string       `json:"run_id"`
	Success bool         `json:"success"`
	Stages  []TaskStage  `json:"stages,omitempty"`
	Failure *TaskFailure `json:"failure,omitempty"`
}

// TaskRunner invokes the external calibration computation.
type TaskRunner interface {
	// Run executes the task for runID. A non-nil outcome with Success=false
	// is returned without error; errors mean the task could not be run or
	// its output could not be read.
	Run(ctx context.Context, runID string, continueOnStageFailure bool) (TaskOutcome, error)
	// Name identifies the entrypoint in run notes.
	Name() string
}
