package gitstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/hybridvault/hybridvault/internal/retry"
)

// Command is one process invocation.
type Command struct {
	Name string
	Args []string
	Dir  string
	Env  []string // appended to the parent environment
}

func (c Command) String() string {
	return strings.TrimSpace(c.Name + " " + strings.Join(c.Args, " "))
}

// Result is the captured outcome of a Command.
type Result struct {
	Stdout   []byte
	Stderr   []byte
	ExitCode int
}

// ExitError is returned by an Executor when the process exits non-zero.
type ExitError struct {
	Command Command
	Result  Result
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("%s: exit status %d: %s", e.Command, e.Result.ExitCode, strings.TrimSpace(string(e.Result.Stderr)))
}

// ExitCode returns the exit code carried by err, or -1 when err is not an ExitError.
func ExitCode(err error) int {
	var ee *ExitError
	if errors.As(err, &ee) {
		return ee.Result.ExitCode
	}
	return -1
}

// Executor runs OS processes. The exec repository depends only on this, so
// tests can substitute a recording fake.
type Executor interface {
	Run(ctx context.Context, cmd Command) (Result, error)
}

// OSExecutor runs commands with os/exec.
type OSExecutor struct {
	// Timeout bounds each attempt. Zero means 5 minutes.
	Timeout time.Duration
	// Retry applies to index.lock contention only.
	Retry retry.Policy
}

// NewOSExecutor returns an OSExecutor with the default retry policy.
func NewOSExecutor(timeout time.Duration) *OSExecutor {
	return &OSExecutor{Timeout: timeout, Retry: retry.DefaultPolicy()}
}

// Run implements Executor.
func (e *OSExecutor) Run(ctx context.Context, cmd Command) (Result, error) {
	return retry.DoValue(ctx, e.Retry, func(ctx context.Context) (Result, error) {
		res, err := e.runOnce(ctx, cmd)
		if err != nil && lockContention(res.Stderr) {
			return res, retry.Transient(err)
		}
		return res, err
	})
}

// runOnce is NOT tied to the caller's cancellation, so a commit that already
// started completes even if the caller goes away; the timeout still bounds it.
func (e *OSExecutor) runOnce(ctx context.Context, cmd Command) (Result, error) {
	timeout := e.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	defer cancel()

	c := exec.CommandContext(ctx, cmd.Name, cmd.Args...)
	c.Dir = cmd.Dir
	c.Env = append(os.Environ(), cmd.Env...)
	var stdout, stderr bytes.Buffer
	c.Stdout = &stdout
	c.Stderr = &stderr

	err := c.Run()
	res := Result{Stdout: stdout.Bytes(), Stderr: stderr.Bytes()}
	if err == nil {
		return res, nil
	}
	var ee *exec.ExitError
	if errors.As(err, &ee) {
		res.ExitCode = ee.ExitCode()
		return res, &ExitError{Command: cmd, Result: res}
	}
	if ctx.Err() != nil {
		return res, fmt.Errorf("%s: %w", cmd, ctx.Err())
	}
	return res, fmt.Errorf("%s: %w", cmd, err)
}

func lockContention(stderr []byte) bool {
	return bytes.Contains(stderr, []byte("index.lock"))
}
