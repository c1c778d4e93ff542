package domain

import (
	"math"
	"time"
)

// ExecutionMode selects how the external task is run.
type ExecutionMode string

const (
	ModePaper ExecutionMode = "paper"
	ModeLive  ExecutionMode = "live"
	ModeMock  ExecutionMode = "mock"
)

// Defaults applied to start requests that omit a field.
const (
	DefaultMode        = ModeMock
	DefaultMaxPosition = 1_000_000
	MaxNotesLength     = 1200
)

// ExecutionJobName is the job name used on the queue transport.
const ExecutionJobName = "execution.start"

// JobPayload is the unit of work handed from producer to worker.
type JobPayload struct {
	RunID          string        `json:"runId"`
	Mode           ExecutionMode `json:"mode"`
	RequestedAt    time.Time     `json:"requestedAt"`
	DryRun         bool          `json:"dryRun"`
	MaxPosition    float64       `json:"maxPosition"`
	Notes          string        `json:"notes,omitempty"`
	IdempotencyKey string        `json:"idempotencyKey,omitempty"`
	OrderID        string        `json:"orderId,omitempty"`
}

// Job is a payload as seen by a consumer: the transport's job ID and its
// delivery bookkeeping.
type Job struct {
	ID           string
	Payload      JobPayload
	AttemptsMade int // attempts finished before this delivery
	MaxAttempts  int
}

// LastAttempt reports whether a failure of this delivery exhausts the retry budget.
func (j Job) LastAttempt() bool {
	return j.AttemptsMade+1 >= j.MaxAttempts
}

// EnqueueResult identifies an enqueued job.
type EnqueueResult struct {
	RunID     string
	JobID     string
	QueueName string
}

// StartRequest is a client's request to start an execution. Nil pointers take
// the defaults above.
type StartRequest struct {
	Mode           ExecutionMode
	DryRun         *bool
	MaxPosition    *float64
	Notes          string
	IdempotencyKey string
}

// Normalize applies defaults and validates the request.
func (r StartRequest) Normalize() (StartRequest, error) {
	out := r
	if out.Mode == "" {
		out.Mode = DefaultMode
	}
	switch out.Mode {
	case ModePaper, ModeLive, ModeMock:
	default:
		return out, &ValidationError{Field: "mode", Reason: "must be one of paper, live, mock"}
	}
	if out.DryRun == nil {
		t := true
		out.DryRun = &t
	}
	if out.MaxPosition == nil {
		v := float64(DefaultMaxPosition)
		out.MaxPosition = &v
	}
	if mp := *out.MaxPosition; mp <= 0 || math.IsNaN(mp) || math.IsInf(mp, 0) {
		return out, &ValidationError{Field: "maxPosition", Reason: "must be a positive finite number"}
	}
	if len(out.Notes) > MaxNotesLength {
		return out, &ValidationError{Field: "notes", Reason: "must be at most 1200 characters"}
	}
	return out, nil
}

// StartResult is returned by a start request. Replayed is true when an
// existing run was found for the idempotency key.
type StartResult struct {
	RunID       string
	JobID       string
	QueueName   string
	OrderID     string
	Status      RunStatus
	Replayed    bool
	Mode        ExecutionMode
	DryRun      bool
	MaxPosition float64
}

// ProcessResult is returned by a successful worker run.
type ProcessResult struct {
	RunID  string
	Status RunStatus
}
