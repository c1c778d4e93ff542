package queue

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/alejandrodnm/execgate/internal/domain"
	"github.com/alejandrodnm/execgate/internal/ports"
	"github.com/google/uuid"
)

// Memory is an in-process JobQueue. Jobs do not survive a restart; it backs
// single-process deployments and tests.
type Memory struct {
	opts Options

	mu      sync.Mutex
	ready   []domain.Job
	seen    map[string]struct{}
	retries map[string]*time.Timer
	closed  bool

	signal chan struct{}
	done   chan struct{}
}

var _ ports.JobQueue = (*Memory)(nil)

// NewMemory creates an empty in-memory queue.
func NewMemory(opts Options) *Memory {
	return &Memory{
		opts:    opts.withDefaults(),
		seen:    make(map[string]struct{}),
		retries: make(map[string]*time.Timer),
		signal:  make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
}

// Name returns the queue name.
func (q *Memory) Name() string { return q.opts.Name }

// Enqueue adds a job unless one with the same ID was already added.
func (q *Memory) Enqueue(_ context.Context, jobID string, payload domain.JobPayload) (string, error) {
	if jobID == "" {
		jobID = uuid.New().String()
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return "", ErrClosed
	}
	if _, dup := q.seen[jobID]; dup {
		slog.Debug("queue: duplicate job ignored", "queue", q.opts.Name, "job_id", jobID)
		return jobID, nil
	}
	q.seen[jobID] = struct{}{}
	q.ready = append(q.ready, domain.Job{
		ID:          jobID,
		Payload:     payload,
		MaxAttempts: q.opts.Attempts,
	})
	q.notify()
	return jobID, nil
}

// Reserve blocks until a job is ready, ctx is done or the queue is closed.
func (q *Memory) Reserve(ctx context.Context) (domain.Job, error) {
	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return domain.Job{}, ErrClosed
		}
		if len(q.ready) > 0 {
			job := q.ready[0]
			q.ready = q.ready[1:]
			if len(q.ready) > 0 {
				q.notify()
			}
			q.mu.Unlock()
			return job, nil
		}
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return domain.Job{}, ctx.Err()
		case <-q.done:
			return domain.Job{}, ErrClosed
		case <-q.signal:
		}
	}
}

// Complete acknowledges a job. The in-memory queue keeps nothing else.
func (q *Memory) Complete(_ context.Context, _ domain.Job) error {
	return nil
}

// Fail reschedules the job after the backoff delay, or reports it exhausted
// when this was its last attempt or cause is unrecoverable.
func (q *Memory) Fail(_ context.Context, job domain.Job, cause error) (bool, error) {
	if isExhausted(job, cause) {
		slog.Debug("queue: job exhausted", "queue", q.opts.Name, "job_id", job.ID, "err", cause)
		return true, nil
	}

	job.AttemptsMade++
	delay := BackoffDelay(q.opts.Backoff, job.AttemptsMade)

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return false, ErrClosed
	}
	q.retries[job.ID] = time.AfterFunc(delay, func() {
		q.mu.Lock()
		defer q.mu.Unlock()
		delete(q.retries, job.ID)
		if q.closed {
			return
		}
		q.ready = append(q.ready, job)
		q.notify()
	})
	return false, nil
}

// Len returns the number of jobs ready for delivery.
func (q *Memory) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.ready)
}

// Close stops pending retries and wakes blocked consumers.
func (q *Memory) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil
	}
	q.closed = true
	for id, t := range q.retries {
		t.Stop()
		delete(q.retries, id)
	}
	close(q.done)
	return nil
}

// notify must be called with q.mu held.
func (q *Memory) notify() {
	select {
	case q.signal <- struct{}{}:
	default:
	}
}
