package scheduler

import (
	"github.com/eugenetaranov/leaselock/internal/config"
	"github.com/eugenetaranov/leaselock/pkg/dlock"
	"github.com/eugenetaranov/leaselock/pkg/dlock/store"
)

// Locks builds the lock handle each job runs under. Options apply to every
// handle; the lease is set per job.
type Locks struct {
	Store   store.Store
	Options []dlock.Option
}

func (l Locks) forJob(cfg config.JobConfig) (*dlock.InterruptingMutex, error) {
	opts := make([]dlock.Option, 0, len(l.Options)+1)
	opts = append(opts, l.Options...)
	opts = append(opts, dlock.WithLease(cfg.EffectiveLease()))
	return dlock.NewInterruptingMutex(l.Store, cfg.Name, opts...)
}
