package executor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"syscall"
	"time"
)

// ErrTimeout is the cancellation cause of a command that ran past its timeout.
var ErrTimeout = errors.New("command timed out")

// Result represents the result of a command execution.
type Result struct {
	ExitCode int
	Stdout   string
	Stderr   string
	Duration time.Duration
	Err      error
	// Cause is why the command was stopped early, nil if it ran to completion.
	Cause error
}

// Success returns true if the command executed successfully (exit code 0).
func (r *Result) Success() bool {
	return r.Err == nil && r.ExitCode == 0
}

// Stopped reports whether the command was cancelled before it exited on its own.
func (r *Result) Stopped() bool {
	return r.Cause != nil
}

// Executor handles shell command execution.
type Executor struct {
	shell string
}

// New creates a new Executor.
func New() *Executor {
	shell := os.Getenv("SHELL")
	if shell == "" {
		shell = "/bin/sh"
	}
	return &Executor{shell: shell}
}

// Options contains execution options for a command.
type Options struct {
	Command string
	WorkDir string
	Env     map[string]string
	Timeout time.Duration
	// KillGrace, if set, sends SIGTERM on cancellation and only kills the
	// command if it is still running after the grace period.
	KillGrace time.Duration
}

// Execute runs a command with the given options. The command is stopped when
// ctx is done or the timeout elapses; Result.Cause then carries
// context.Cause of the stopping context.
func (e *Executor) Execute(ctx context.Context, opts Options) *Result {
	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeoutCause(ctx, opts.Timeout, ErrTimeout)
		defer cancel()
	}

	start := time.Now()
	result := &Result{}

	cmd := exec.CommandContext(ctx, e.shell, "-c", opts.Command)
	if opts.KillGrace > 0 {
		cmd.Cancel = func() error {
			return cmd.Process.Signal(syscall.SIGTERM)
		}
		cmd.WaitDelay = opts.KillGrace
	} else {
		// Do not wait for orphaned children holding the output pipes.
		cmd.WaitDelay = time.Second
	}

	if opts.WorkDir != "" {
		cmd.Dir = opts.WorkDir
	}

	cmd.Env = os.Environ()
	for k, v := range opts.Env {
		cmd.Env = append(cmd.Env, fmt.Sprintf("%s=%s", k, v))
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	result.Duration = time.Since(start)
	result.Stdout = stdout.String()
	result.Stderr = stderr.String()

	if err != nil {
		result.Err = err
		if ctx.Err() != nil {
			result.Cause = context.Cause(ctx)
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			result.ExitCode = exitErr.ExitCode()
		} else {
			result.ExitCode = -1
		}
	}

	return result
}
