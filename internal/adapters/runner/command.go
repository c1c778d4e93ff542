package runner

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/alejandrodnm/execgate/internal/ports"
)

// DefaultTimeout bounds one task invocation when none is configured.
const DefaultTimeout = 120 * time.Second

// waitDelay caps how long Run waits for grandchildren holding stdout after
// the task was killed.
const waitDelay = 2 * time.Second

// ErrEmptyOutput is returned when the task printed nothing on stdout.
var ErrEmptyOutput = errors.New("calibration entrypoint returned empty output")

// Command runs the calibration task as a child process:
//
//	<command...> --run-id <runID> [--continue-on-stage-failure]
//
// The last non-empty stdout line must be a JSON TaskOutcome. Stderr is logged
// as a warning.
type Command struct {
	argv    []string
	timeout time.Duration
	dir     string
	env     []string
}

var _ ports.TaskRunner = (*Command)(nil)

// NewCommand parses command with strings.Fields. timeout <= 0 uses DefaultTimeout.
func NewCommand(command string, timeout time.Duration) (*Command, error) {
	argv := strings.Fields(command)
	if len(argv) == 0 {
		return nil, errors.New("runner.NewCommand: empty command")
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Command{argv: argv, timeout: timeout}, nil
}

// WithDir sets the working directory of the child.
func (c *Command) WithDir(dir string) *Command {
	c.dir = dir
	return c
}

// WithEnv appends KEY=VALUE pairs to the inherited environment.
func (c *Command) WithEnv(kv ...string) *Command {
	c.env = append(c.env, kv...)
	return c
}

// Name returns the executable, as recorded in run notes.
func (c *Command) Name() string {
	return c.argv[0]
}

// Run executes the task and parses its outcome.
func (c *Command) Run(ctx context.Context, runID string, continueOnStageFailure bool) (ports.TaskOutcome, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	args := append([]string{}, c.argv[1:]...)
	args = append(args, "--run-id", runID)
	if continueOnStageFailure {
		args = append(args, "--continue-on-stage-failure")
	}

	cmd := exec.CommandContext(ctx, c.argv[0], args...)
	cmd.Dir = c.dir
	cmd.Env = append(os.Environ(), "EXECGATE_RUN_ID="+runID)
	cmd.Env = append(cmd.Env, c.env...)
	cmd.WaitDelay = waitDelay

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	err := cmd.Run()
	if s := strings.TrimSpace(stderr.String()); s != "" {
		slog.Warn("runner: task stderr", "run_id", runID, "stderr", s)
	}
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return ports.TaskOutcome{}, fmt.Errorf("runner.Command.Run: %s: timed out after %s", c.Name(), c.timeout)
		}
		return ports.TaskOutcome{}, fmt.Errorf("runner.Command.Run: %s: %w", c.Name(), err)
	}
	slog.Debug("runner: task finished", "run_id", runID, "elapsed", time.Since(start))

	return ParseOutcome(stdout.String())
}

// ParseOutcome decodes the last non-empty line of output.
func ParseOutcome(output string) (ports.TaskOutcome, error) {
	var last string
	for _, line := range strings.Split(output, "\n") {
		if l := strings.TrimSpace(line); l != "" {
			last = l
		}
	}
	if last == "" {
		return ports.TaskOutcome{}, ErrEmptyOutput
	}

	var out ports.TaskOutcome
	if err := json.Unmarshal([]byte(last), &out); err != nil {
		return ports.TaskOutcome{}, fmt.Errorf("failed to parse calibration pipeline output: %w", err)
	}
	return out, nil
}
