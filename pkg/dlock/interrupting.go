package dlock

import (
	"context"
	"fmt"
	"time"

	"github.com/eugenetaranov/leaselock/pkg/dlock/store"
)

// InterruptingMutex is a lock handle that enforces its lease locally: when
// the lease expires while the lock is still held, the context of the
// current acquisition is cancelled with cause ErrLeaseExpired.
//
// The critical section must run under Context (or use Run) and honour its
// cancellation. Code that ignores the context keeps running, but the store
// entry has expired on its own, so other owners are not affected.
//
// By default every acquisition arms a private timer. With WithWorkerPool
// the watchdog is scheduled on the shared pool instead; if the pool rejects
// it, the acquisition fails and the entry is released.
// Without a lease there is nothing to enforce and no watchdog is armed.
type InterruptingMutex struct {
	*Mutex

	scheduler Scheduler
	ticket    Ticket
	ctx       context.Context
	cancel    context.CancelCauseFunc
}

var _ Lock = (*InterruptingMutex)(nil)

// NewInterruptingMutex creates an unacquired interrupting handle for name.
func NewInterruptingMutex(st store.Store, name string, opts ...Option) (*InterruptingMutex, error) {
	m, err := newMutex(st, name, "interrupting", opts)
	if err != nil {
		return nil, err
	}
	im := &InterruptingMutex{
		Mutex: m,
		ctx:   expiredContext(),
	}
	if m.opts.pool != nil {
		im.scheduler = m.opts.pool
	}
	m.guard = im
	return im, nil
}

// Context returns the context of the current acquisition. It stays valid
// after Unlock; it is only ever cancelled by the watchdog. Before the first
// acquisition it is already cancelled.
func (im *InterruptingMutex) Context() context.Context {
	im.mu.Lock()
	defer im.mu.Unlock()
	return im.ctx
}

// Run acquires the lock, calls fn with a context that is cancelled when
// either the lease or ctx ends, and unlocks when fn returns.
func (im *InterruptingMutex) Run(ctx context.Context, fn func(context.Context) error) error {
	if err := im.LockContext(ctx); err != nil {
		return err
	}

	runCtx, cancel := context.WithCancelCause(im.Context())
	stop := context.AfterFunc(ctx, func() { cancel(context.Cause(ctx)) })

	err := fn(runCtx)

	stop()
	cancel(nil)

	if _, uerr := im.Unlock(context.WithoutCancel(ctx)); uerr != nil && err == nil {
		err = uerr
	}
	return err
}

// AsLocker implements Lock.AsLocker.
func (im *InterruptingMutex) AsLocker() *Locker {
	return NewLocker(im)
}

func (im *InterruptingMutex) begin(parent context.Context, moment time.Time, epoch uint64) error {
	ctx, cancel := context.WithCancelCause(context.WithoutCancel(parent))
	t, err := im.arm(moment, epoch)
	if err != nil {
		cancel(err)
		return fmt.Errorf("dlock: schedule watchdog for %q: %w", im.name, err)
	}
	im.ctx, im.cancel, im.ticket = ctx, cancel, t
	return nil
}

func (im *InterruptingMutex) extend(moment time.Time, epoch uint64) error {
	t, err := im.arm(moment, epoch)
	if err != nil {
		return fmt.Errorf("dlock: reschedule watchdog for %q: %w", im.name, err)
	}
	if im.ticket != nil {
		im.ticket.Cancel()
	}
	im.ticket = t
	return nil
}

func (im *InterruptingMutex) expired() bool {
	return im.ctx.Err() != nil
}

// lost ends the acquisition at once when the store reports the entry gone,
// without waiting for a watchdog that may be lagging.
func (im *InterruptingMutex) lost() {
	if im.ticket != nil {
		im.ticket.Cancel()
		im.ticket = nil
	}
	if im.ctx.Err() != nil {
		return
	}
	im.cancel(ErrLeaseExpired)
	im.opts.metrics.observeWatchdog(im.variant)
	im.logger.Warn("lock lost while held, cancelled owner", "token", im.token)
}

func (im *InterruptingMutex) end() {
	if im.ticket != nil {
		im.ticket.Cancel()
		im.ticket = nil
	}
}

// arm schedules the watchdog for the lease that started at moment.
func (im *InterruptingMutex) arm(moment time.Time, epoch uint64) (Ticket, error) {
	if im.opts.lease == 0 {
		return nil, nil
	}
	s := im.scheduler
	if s == nil {
		s = dedicatedScheduler{clock: im.opts.clock}
	}
	delay := moment.Add(im.opts.lease).Sub(im.opts.clock.Now())
	return s.Schedule(delay, func() { im.fire(epoch) })
}

// fire cancels the acquisition it was armed for, if that acquisition is
// still the current one.
func (im *InterruptingMutex) fire(epoch uint64) {
	im.mu.Lock()
	if !im.acquired || im.epoch != epoch {
		im.mu.Unlock()
		return
	}
	cancel, token := im.cancel, im.token
	im.ticket = nil
	im.mu.Unlock()

	cancel(ErrLeaseExpired)
	im.opts.metrics.observeWatchdog(im.variant)
	im.logger.Warn("lease expired while lock was held, cancelled owner", "token", token, "lease", im.opts.lease)
}

func expiredContext() context.Context {
	ctx, cancel := context.WithCancelCause(context.Background())
	cancel(ErrLeaseExpired)
	return ctx
}
