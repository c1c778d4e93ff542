package ports

import (
	"context"
	"errors"

	"github.com/alejandrodnm/execgate/internal/domain"
)

// ErrQueueClosed is returned by operations on a closed queue.
var ErrQueueClosed = errors.New("queue closed")

// JobQueue is the at-least-once transport between producer and worker.
type JobQueue interface {
	// Name identifies the queue in results and events.
	Name() string

	// Enqueue adds a job. When jobID is not empty and a job with the same ID
	// was already added, the call is a no-op and the existing ID is returned.
	Enqueue(ctx context.Context, jobID string, payload domain.JobPayload) (string, error)

	// Reserve blocks until a job is ready or ctx is done.
	Reserve(ctx context.Context) (domain.Job, error)

	// Complete acknowledges a reserved job.
	Complete(ctx context.Context, job domain.Job) error

	// Fail records a failed attempt. The job is re-delivered after backoff
	// until the attempt budget is spent or cause is unrecoverable; it
	// returns true when it was not rescheduled.
	Fail(ctx context.Context, job domain.Job, cause error) (exhausted bool, err error)

	Close() error
}
