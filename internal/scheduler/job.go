package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/eugenetaranov/leaselock/internal/config"
	"github.com/eugenetaranov/leaselock/internal/executor"
	"github.com/eugenetaranov/leaselock/pkg/dlock"
)

// errShutdown is the cause of a run stopped by Cancel.
var errShutdown = errors.New("scheduler shutting down")

// formatDuration formats a duration as seconds with 2 decimal places.
func formatDuration(d time.Duration) string {
	return fmt.Sprintf("%.2fs", d.Seconds())
}

// Job is a scheduled command that runs on at most one node at a time.
// The command is stopped when the job's lease expires before it finishes.
type Job struct {
	config      config.JobConfig
	lock        *dlock.InterruptingMutex
	executor    *executor.Executor
	gracePeriod time.Duration
	logger      *slog.Logger

	mu          sync.Mutex
	running     bool
	cancelCtx   context.CancelFunc
	interrupted int
}

// NewJob creates a new Job instance.
func NewJob(cfg config.JobConfig, locks Locks, exec *executor.Executor, gracePeriod time.Duration, logger *slog.Logger) (*Job, error) {
	l, err := locks.forJob(cfg)
	if err != nil {
		return nil, fmt.Errorf("lock for job %s: %w", cfg.Name, err)
	}
	return &Job{
		config:      cfg,
		lock:        l,
		executor:    exec,
		gracePeriod: gracePeriod,
		logger:      logger.With("job", cfg.Name),
	}, nil
}

// Run executes the job under its lock. It is called by the cron scheduler.
func (j *Job) Run() {
	j.mu.Lock()
	if j.running {
		j.logger.Warn("job is already running, skipping")
		j.mu.Unlock()
		return
	}
	j.running = true
	j.mu.Unlock()

	defer func() {
		j.mu.Lock()
		j.running = false
		j.cancelCtx = nil
		j.mu.Unlock()
	}()

	ctx, stop := context.WithCancel(context.Background())
	defer stop()
	j.mu.Lock()
	j.cancelCtx = stop
	j.mu.Unlock()

	acquired, err := j.acquire(ctx)
	if errors.Is(err, dlock.ErrCancelled) {
		j.logger.Debug("stopped waiting for lock")
		return
	}
	if err != nil {
		j.logger.Error("failed to acquire lock", "error", err)
		return
	}
	if !acquired {
		j.logger.Debug("lock not acquired, another node is executing")
		return
	}

	j.logger.Info("acquired lock, starting execution", "lease", j.lock.Lease())

	// The lease context ends the command when the lock can no longer be
	// trusted; Cancel ends it on shutdown.
	execCtx, cancel := context.WithCancelCause(j.lock.Context())
	defer cancel(nil)
	defer context.AfterFunc(ctx, func() { cancel(errShutdown) })()

	result := j.executor.Execute(execCtx, executor.Options{
		Command:   j.config.Command,
		WorkDir:   j.config.WorkDir,
		Env:       j.config.Env,
		Timeout:   j.config.Timeout,
		KillGrace: j.config.KillGrace,
	})

	// Hooks and release still run after a shutdown request.
	ctx = context.WithoutCancel(ctx)

	switch {
	case errors.Is(result.Cause, errShutdown):
		j.logger.Warn("job stopped by shutdown",
			"duration", formatDuration(result.Duration),
		)
	case errors.Is(result.Cause, dlock.ErrLeaseExpired):
		j.mu.Lock()
		j.interrupted++
		j.mu.Unlock()
		j.logger.Error("job interrupted, lease expired before it finished",
			"duration", formatDuration(result.Duration),
			"lease", j.lock.Lease(),
		)
		if j.config.OnFailure != "" {
			j.runHook(ctx, j.config.OnFailure, "failure")
		}
	case result.Success():
		j.logger.Info("job completed successfully",
			"duration", formatDuration(result.Duration),
			"exit_code", result.ExitCode,
		)
		if j.config.OnSuccess != "" {
			j.runHook(ctx, j.config.OnSuccess, "success")
		}
	default:
		j.logger.Error("job failed",
			"duration", formatDuration(result.Duration),
			"exit_code", result.ExitCode,
			"error", result.Err,
			"stderr", result.Stderr,
		)
		if j.config.OnFailure != "" {
			j.runHook(ctx, j.config.OnFailure, "failure")
		}
	}

	// Wait grace period before releasing lock
	if j.gracePeriod > 0 {
		j.logger.Debug("waiting grace period before releasing lock", "duration", formatDuration(j.gracePeriod))
		time.Sleep(j.gracePeriod)
	}

	released, err := j.lock.Unlock(ctx)
	switch {
	case err != nil:
		j.logger.Error("failed to release lock", "error", err)
	case !released:
		j.logger.Warn("lock had already expired at release")
	default:
		j.logger.Debug("released lock")
	}
}

// acquire makes one attempt, or waits up to the configured wait.
func (j *Job) acquire(ctx context.Context) (bool, error) {
	if j.config.Wait > 0 {
		return j.lock.TryLockFor(ctx, j.config.Wait)
	}
	return j.lock.TryLock(ctx)
}

// release gives up the job's lock while Run may still be executing.
// Run's own release then finds nothing to do.
func (j *Job) release(ctx context.Context) (bool, error) {
	return j.lock.Unlock(ctx)
}

// runHook executes a hook command (on_success or on_failure).
func (j *Job) runHook(ctx context.Context, command, hookType string) {
	j.logger.Debug("running hook", "type", hookType, "command", command)

	result := j.executor.Execute(ctx, executor.Options{
		Command: command,
		WorkDir: j.config.WorkDir,
		Env:     j.config.Env,
	})

	if !result.Success() {
		j.logger.Warn("hook failed",
			"type", hookType,
			"exit_code", result.ExitCode,
			"error", result.Err,
		)
	}
}

// Cancel stops the running job, whether it is still waiting for its lock
// or executing its command.
func (j *Job) Cancel() {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.cancelCtx != nil {
		j.cancelCtx()
	}
}

// IsRunning returns whether the job is currently executing.
func (j *Job) IsRunning() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.running
}

// Interrupted returns how many runs were stopped by lease expiry.
func (j *Job) Interrupted() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.interrupted
}

// Timeout returns the job's configured timeout.
func (j *Job) Timeout() time.Duration {
	return j.config.Timeout
}

// Name returns the job's name.
func (j *Job) Name() string {
	return j.config.Name
}
