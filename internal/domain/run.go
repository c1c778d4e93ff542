package domain

import (
	"fmt"
	"strings"
	"time"
)

// RunStatus is the lifecycle of a calibration/execution attempt.
type RunStatus string

const (
	RunQueued     RunStatus = "QUEUED"
	RunRunning    RunStatus = "RUNNING"
	RunCompleted  RunStatus = "COMPLETED"
	RunDryRunDone RunStatus = "DRY_RUN_DONE"
	RunFailed     RunStatus = "FAILED"
)

// Run is one calibration/execution attempt.
type Run struct {
	ID             string
	Status         RunStatus
	StartedAt      time.Time
	FinishedAt     *time.Time
	Notes          string
	IdempotencyKey *string
}

// RunNotes builds the audit trail line stored in Run.Notes.
func RunNotes(p JobPayload, message string) string {
	return strings.Join([]string{
		fmt.Sprintf("mode=%s", p.Mode),
		fmt.Sprintf("dryRun=%t", p.DryRun),
		fmt.Sprintf("maxPosition=%g", p.MaxPosition),
		fmt.Sprintf("requestedAt=%s", p.RequestedAt.UTC().Format(time.RFC3339Nano)),
		message,
	}, " | ")
}
