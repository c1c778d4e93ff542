package queue

import (
	"time"

	"github.com/alejandrodnm/execgate/internal/domain"
	"github.com/alejandrodnm/execgate/internal/ports"
)

// Defaults for the execution queue.
const (
	DefaultName         = "execution_start"
	DefaultAttempts     = 3
	DefaultBackoff      = time.Second
	DefaultPollInterval = 200 * time.Millisecond
)

// ErrClosed is returned by operations on a closed queue.
var ErrClosed = ports.ErrQueueClosed

// Options configures a queue. Zero values take the defaults.
type Options struct {
	Name         string
	Attempts     int           // total deliveries per job, first one included
	Backoff      time.Duration // base delay, doubled after every failed attempt
	PollInterval time.Duration // Redis only: how often an idle consumer polls
}

func (o Options) withDefaults() Options {
	if o.Name == "" {
		o.Name = DefaultName
	}
	if o.Attempts <= 0 {
		o.Attempts = DefaultAttempts
	}
	if o.Backoff <= 0 {
		o.Backoff = DefaultBackoff
	}
	if o.PollInterval <= 0 {
		o.PollInterval = DefaultPollInterval
	}
	return o
}

// BackoffDelay is the exponential delay before retry number attemptsMade
// (1-based): base, 2*base, 4*base...
func BackoffDelay(base time.Duration, attemptsMade int) time.Duration {
	if attemptsMade < 1 {
		attemptsMade = 1
	}
	if attemptsMade > 20 {
		attemptsMade = 20
	}
	return base << (attemptsMade - 1)
}

func isExhausted(job domain.Job, cause error) bool {
	return job.LastAttempt() || domain.IsUnrecoverable(cause)
}
