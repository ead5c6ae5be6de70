package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/eugenetaranov/leaselock/internal/config"
	"github.com/eugenetaranov/leaselock/internal/executor"
)

const (
	defaultShutdownTimeout = 30 * time.Second
	// releaseMargin is added to the grace period a cancelled job gets to
	// release its lock.
	releaseMargin    = 5 * time.Second
	releaseTimeout   = 5 * time.Second
	stopPollInterval = 50 * time.Millisecond
)

// Scheduler runs cron jobs, each under its own lease-enforced lock.
type Scheduler struct {
	cron     *cron.Cron
	locks    Locks
	executor *executor.Executor
	node     config.NodeConfig
	logger   *slog.Logger

	shutdownTimeout time.Duration
	cancelWait      time.Duration

	mu   sync.Mutex
	jobs map[string]*Job
}

// New creates a new Scheduler.
func New(locks Locks, nodeCfg config.NodeConfig, logger *slog.Logger) *Scheduler {
	// Create cron with seconds field support (optional) and standard parser
	c := cron.New(cron.WithParser(cron.NewParser(
		cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
	)))

	return &Scheduler{
		cron:     c,
		locks:    locks,
		executor: executor.New(),
		node:     nodeCfg,
		logger:   logger,
		jobs:     make(map[string]*Job),

		shutdownTimeout: defaultShutdownTimeout,
		cancelWait:      nodeCfg.GracePeriod + releaseMargin,
	}
}

// AddJob adds a job to the scheduler.
func (s *Scheduler) AddJob(cfg config.JobConfig) error {
	if !cfg.IsEnabled() {
		s.logger.Info("job is disabled, skipping", "job", cfg.Name)
		return nil
	}

	job, err := NewJob(cfg, s.locks, s.executor, s.node.GracePeriod, s.logger)
	if err != nil {
		return err
	}

	entryID, err := s.cron.AddJob(cfg.Schedule, job)
	if err != nil {
		return fmt.Errorf("failed to add job %s: %w", cfg.Name, err)
	}

	s.mu.Lock()
	s.jobs[cfg.Name] = job
	s.mu.Unlock()

	s.logger.Info("added job",
		"job", cfg.Name,
		"schedule", cfg.Schedule,
		"lease", cfg.EffectiveLease(),
		"entry_id", entryID,
	)

	return nil
}

// Start starts the scheduler.
func (s *Scheduler) Start() {
	s.logger.Info("starting scheduler", "job_count", len(s.jobs))
	s.cron.Start()
}

// Stop stops scheduling and ends running jobs in three steps. Jobs get up
// to the shutdown timeout to finish on their own. The rest are cancelled and
// get the grace period plus a margin to release their locks. Locks still held
// after that are released here, so no entry outlives the daemon until its TTL.
func (s *Scheduler) Stop() {
	s.logger.Info("stopping scheduler")
	s.cron.Stop()
	defer s.reportInterrupted()

	running := s.running()
	if len(running) == 0 {
		s.logger.Info("no running jobs, scheduler stopped")
		return
	}

	s.logger.Info("waiting for running jobs to complete", "count", len(running))
	running = waitJobs(running, s.shutdownTimeout)

	for _, job := range running {
		s.logger.Warn("job exceeded shutdown timeout, cancelling",
			"job", job.Name(),
			"timeout", s.shutdownTimeout,
		)
		job.Cancel()
	}
	running = waitJobs(running, s.cancelWait)

	for _, job := range running {
		s.forceRelease(job)
	}
	s.logger.Info("scheduler stopped")
}

func (s *Scheduler) running() []*Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	var jobs []*Job
	for _, job := range s.jobs {
		if job.IsRunning() {
			jobs = append(jobs, job)
		}
	}
	return jobs
}

// waitJobs waits up to timeout for jobs to return and reports those still running.
func waitJobs(jobs []*Job, timeout time.Duration) []*Job {
	deadline := time.Now().Add(timeout)
	for {
		jobs = slices.DeleteFunc(jobs, func(j *Job) bool { return !j.IsRunning() })
		if len(jobs) == 0 || !time.Now().Before(deadline) {
			return jobs
		}
		time.Sleep(stopPollInterval)
	}
}

func (s *Scheduler) forceRelease(job *Job) {
	ctx, cancel := context.WithTimeout(context.Background(), releaseTimeout)
	defer cancel()

	released, err := job.release(ctx)
	switch {
	case err != nil:
		s.logger.Error("failed to release lock of unfinished job", "job", job.Name(), "error", err)
	case released:
		s.logger.Warn("released lock of unfinished job", "job", job.Name())
	}
}

func (s *Scheduler) reportInterrupted() {
	for name, job := range s.Jobs() {
		if n := job.Interrupted(); n > 0 {
			s.logger.Warn("job runs interrupted by lease expiry", "job", name, "count", n)
		}
	}
}

// Interrupted returns, per job, how many runs were stopped because their
// lease expired. Jobs never interrupted are left out.
func (s *Scheduler) Interrupted() map[string]int {
	result := make(map[string]int)
	for name, job := range s.Jobs() {
		if n := job.Interrupted(); n > 0 {
			result[name] = n
		}
	}
	return result
}

// GetJob returns a job by name.
func (s *Scheduler) GetJob(name string) (*Job, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[name]
	return job, ok
}

// Jobs returns all registered jobs.
func (s *Scheduler) Jobs() map[string]*Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	result := make(map[string]*Job, len(s.jobs))
	for k, v := range s.jobs {
		result[k] = v
	}
	return result
}

// Entries returns the cron entries for inspection.
func (s *Scheduler) Entries() []cron.Entry {
	return s.cron.Entries()
}
