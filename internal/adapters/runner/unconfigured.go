package runner

import (
	"context"

	"github.com/alejandrodnm/execgate/internal/ports"
)

// ErrNoCommand is returned for real runs when no calibration command is
// configured. Retrying cannot fix it, so the job is not retried.
var ErrNoCommand error = noCommandError{}

type noCommandError struct{}

func (noCommandError) Error() string {
	return "no calibration command configured (execution.task_command / CALIBRATION_COMMAND): only dry runs can execute"
}

func (noCommandError) Unrecoverable() bool { return true }

// Unconfigured stands in for Command when no task command is set. Dry runs
// never reach a runner, so every call it gets is a real run it must refuse.
type Unconfigured struct{}

var _ ports.TaskRunner = Unconfigured{}

func (Unconfigured) Name() string { return "unconfigured" }

// Run always fails with ErrNoCommand.
func (Unconfigured) Run(_ context.Context, runID string, _ bool) (ports.TaskOutcome, error) {
	return ports.TaskOutcome{RunID: runID}, ErrNoCommand
}
