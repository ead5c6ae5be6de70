package executor

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// sh runs commands with /bin/sh whatever $SHELL the test runs under.
func sh() *Executor {
	return &Executor{shell: "/bin/sh"}
}

func TestNew_Shell(t *testing.T) {
	t.Setenv("SHELL", "/bin/bash")
	assert.Equal(t, "/bin/bash", New().shell)

	t.Setenv("SHELL", "")
	assert.Equal(t, "/bin/sh", New().shell)
}

func TestResult_States(t *testing.T) {
	stopped := errors.New("stopped")
	tests := []struct {
		name        string
		result      Result
		wantSuccess bool
		wantStopped bool
	}{
		{name: "clean exit", result: Result{}, wantSuccess: true},
		{name: "non-zero exit", result: Result{ExitCode: 1}},
		{name: "error", result: Result{ExitCode: -1, Err: errors.New("exec failed")}},
		{name: "stopped", result: Result{ExitCode: -1, Err: errors.New("signal: killed"), Cause: stopped}, wantStopped: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.wantSuccess, tt.result.Success())
			assert.Equal(t, tt.wantStopped, tt.result.Stopped())
		})
	}
}

func TestExecute_Commands(t *testing.T) {
	t.Setenv("LEASELOCK_TEST_PARENT", "inherited")

	tests := []struct {
		name       string
		opts       Options
		wantStdout string
		wantStderr string
		wantExit   int
	}{
		{name: "stdout", opts: Options{Command: "echo hello"}, wantStdout: "hello"},
		{name: "stderr", opts: Options{Command: "echo oops >&2"}, wantStderr: "oops"},
		{name: "exit code", opts: Options{Command: "exit 42"}, wantExit: 42},
		{name: "not found", opts: Options{Command: "leaselock-no-such-command"}, wantExit: 127},
		{name: "pipes", opts: Options{Command: "printf 'b\\na\\n' | sort | head -1"}, wantStdout: "a"},
		{
			name:       "env added to parent env",
			opts:       Options{Command: `echo "$LEASELOCK_TEST_PARENT $LEASELOCK_TEST_JOB"`, Env: map[string]string{"LEASELOCK_TEST_JOB": "set"}},
			wantStdout: "inherited set",
		},
		{
			name:       "env overrides parent env",
			opts:       Options{Command: "echo $LEASELOCK_TEST_PARENT", Env: map[string]string{"LEASELOCK_TEST_PARENT": "overridden"}},
			wantStdout: "overridden",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := sh().Execute(context.Background(), tt.opts)

			assert.Equal(t, tt.wantExit, result.ExitCode)
			assert.Equal(t, tt.wantExit == 0, result.Success(), "Err = %v", result.Err)
			assert.False(t, result.Stopped(), "Cause = %v", result.Cause)
			if tt.wantStdout != "" {
				assert.Equal(t, tt.wantStdout, strings.TrimSpace(result.Stdout))
			}
			if tt.wantStderr != "" {
				assert.Equal(t, tt.wantStderr, strings.TrimSpace(result.Stderr))
			}
		})
	}
}

func TestExecute_WorkDirResolved(t *testing.T) {
	dir := t.TempDir()
	result := sh().Execute(context.Background(), Options{Command: "pwd -P", WorkDir: dir})
	require.NoError(t, result.Err)

	want, err := filepath.EvalSymlinks(dir)
	require.NoError(t, err)
	assert.Equal(t, want, strings.TrimSpace(result.Stdout))
}

func TestExecute_Timeout(t *testing.T) {
	start := time.Now()
	result := sh().Execute(context.Background(), Options{
		Command: "sleep 10",
		Timeout: 100 * time.Millisecond,
	})

	assert.Less(t, time.Since(start), 2*time.Second)
	assert.Error(t, result.Err)
	assert.NotZero(t, result.ExitCode)
	assert.True(t, result.Stopped())
	assert.ErrorIs(t, result.Cause, ErrTimeout)
}

func TestExecute_CancelCause(t *testing.T) {
	errLost := errors.New("lost ownership")
	ctx, cancel := context.WithCancelCause(context.Background())
	time.AfterFunc(100*time.Millisecond, func() { cancel(errLost) })

	start := time.Now()
	result := sh().Execute(ctx, Options{Command: "sleep 10", Timeout: time.Minute})

	assert.Less(t, time.Since(start), 2*time.Second)
	assert.True(t, result.Stopped())
	assert.ErrorIs(t, result.Cause, errLost, "the caller's cause wins over the timeout")
}

func TestExecute_NotStoppedOnCompletion(t *testing.T) {
	result := sh().Execute(context.Background(), Options{Command: "exit 1", Timeout: time.Minute})

	assert.Equal(t, 1, result.ExitCode)
	assert.False(t, result.Stopped(), "Cause = %v", result.Cause)
}

func TestExecute_KillGrace(t *testing.T) {
	tests := []struct {
		name      string
		command   string
		killGrace time.Duration
		wantExit  int
		maxTime   time.Duration
	}{
		{
			name:      "traps SIGTERM",
			command:   "trap 'exit 3' TERM; while true; do sleep 0.05; done",
			killGrace: 5 * time.Second,
			wantExit:  3,
			maxTime:   3 * time.Second,
		},
		{
			name:      "killed after grace",
			command:   "trap '' TERM; while true; do sleep 0.05; done",
			killGrace: 300 * time.Millisecond,
			wantExit:  -1,
			maxTime:   3 * time.Second,
		},
		{
			name:     "killed at once without grace",
			command:  "trap 'exit 3' TERM; while true; do sleep 0.05; done",
			wantExit: -1,
			maxTime:  2 * time.Second,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx, cancel := context.WithCancel(context.Background())
			time.AfterFunc(150*time.Millisecond, cancel)

			start := time.Now()
			result := sh().Execute(ctx, Options{Command: tt.command, KillGrace: tt.killGrace})

			assert.Less(t, time.Since(start), tt.maxTime)
			assert.Equal(t, tt.wantExit, result.ExitCode)
			assert.ErrorIs(t, result.Cause, context.Canceled)
		})
	}
}

func TestExecute_Duration(t *testing.T) {
	result := sh().Execute(context.Background(), Options{Command: "sleep 0.1"})

	assert.GreaterOrEqual(t, result.Duration, 100*time.Millisecond)
	assert.Less(t, result.Duration, 2*time.Second)
}
