package dlock

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/sourcegraph/conc/pool"
	"golang.org/x/sync/semaphore"
)

// Scheduler runs a task once after a delay.
type Scheduler interface {
	Schedule(delay time.Duration, task func()) (Ticket, error)
}

// Ticket is a pending scheduled task.
type Ticket interface {
	// Cancel prevents the task from running. It returns false if the task
	// already started or was cancelled before.
	Cancel() bool
}

const (
	ticketPending int32 = iota
	ticketFired
	ticketCancelled
)

// ticket fires at most once and never after a successful Cancel.
type ticket struct {
	state  atomic.Int32
	timer  atomic.Pointer[clock.Timer]
	task   func()
	finish func()
}

func (t *ticket) run() {
	if !t.state.CompareAndSwap(ticketPending, ticketFired) {
		return
	}
	defer t.done()
	t.task()
}

func (t *ticket) Cancel() bool {
	if !t.state.CompareAndSwap(ticketPending, ticketCancelled) {
		return false
	}
	if timer := t.timer.Load(); timer != nil {
		timer.Stop()
	}
	t.done()
	return true
}

func (t *ticket) done() {
	if t.finish != nil {
		t.finish()
	}
}

// dedicatedScheduler gives a single handle its own timer.
type dedicatedScheduler struct {
	clock clock.Clock
}

func (s dedicatedScheduler) Schedule(delay time.Duration, task func()) (Ticket, error) {
	t := &ticket{task: task}
	t.timer.Store(s.clock.AfterFunc(delay, t.run))
	return t, nil
}

// WorkerPool is a watchdog scheduler shared by many interrupting handles.
// It bounds both the number of pending tickets and the number of goroutines
// running fired tasks. When every worker is busy, a due task waits for one,
// so enforcement of a lease can lag behind its expiry.
type WorkerPool struct {
	clock   clock.Clock
	slots   *semaphore.Weighted
	workers *pool.Pool

	closed atomic.Bool
	gate   sync.RWMutex

	mu      sync.Mutex
	pending map[*ticket]struct{}
}

var _ Scheduler = (*WorkerPool)(nil)

// PoolOption configures a WorkerPool.
type PoolOption func(*WorkerPool)

// WithPoolClock replaces the wall clock of the pool, mainly for tests.
func WithPoolClock(c clock.Clock) PoolOption {
	return func(p *WorkerPool) {
		if c != nil {
			p.clock = c
		}
	}
}

// NewWorkerPool creates a pool running fired tasks on at most workers
// goroutines, with at most capacity tickets pending at once.
func NewWorkerPool(workers, capacity int, opts ...PoolOption) (*WorkerPool, error) {
	if workers <= 0 {
		return nil, errors.New("dlock: pool workers must be positive")
	}
	if capacity <= 0 {
		return nil, errors.New("dlock: pool capacity must be positive")
	}
	p := &WorkerPool{
		clock:   clock.New(),
		slots:   semaphore.NewWeighted(int64(capacity)),
		workers: pool.New().WithMaxGoroutines(workers),
		pending: make(map[*ticket]struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// Schedule implements Scheduler. It fails with ErrPoolFull when capacity
// tickets are already pending and with ErrPoolClosed after Close.
func (p *WorkerPool) Schedule(delay time.Duration, task func()) (Ticket, error) {
	if p.closed.Load() {
		return nil, ErrPoolClosed
	}
	if !p.slots.TryAcquire(1) {
		return nil, ErrPoolFull
	}

	t := &ticket{task: task}
	t.finish = func() { p.forget(t) }

	p.mu.Lock()
	p.pending[t] = struct{}{}
	p.mu.Unlock()

	t.timer.Store(p.clock.AfterFunc(delay, func() { p.submit(t) }))
	return t, nil
}

// Pending returns the number of tickets neither fired nor cancelled.
func (p *WorkerPool) Pending() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.pending)
}

func (p *WorkerPool) submit(t *ticket) {
	p.gate.RLock()
	defer p.gate.RUnlock()
	if p.closed.Load() {
		t.Cancel()
		return
	}
	p.workers.Go(t.run)
}

func (p *WorkerPool) forget(t *ticket) {
	p.mu.Lock()
	delete(p.pending, t)
	p.mu.Unlock()
	p.slots.Release(1)
}

// Close stops accepting tickets, cancels pending ones and waits for running
// tasks to return.
func (p *WorkerPool) Close() {
	if p.closed.Swap(true) {
		return
	}

	p.mu.Lock()
	pending := make([]*ticket, 0, len(p.pending))
	for t := range p.pending {
		pending = append(pending, t)
	}
	p.mu.Unlock()

	for _, t := range pending {
		t.Cancel()
	}

	// Wait for in-flight submissions before closing the worker pool.
	p.gate.Lock()
	p.gate.Unlock()
	p.workers.Wait()
}
