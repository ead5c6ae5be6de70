// Package dlock implements distributed mutual-exclusion locks on top of a
// key-value store with atomic conditional set and scripted compare-and-delete.
//
// Three handle variants share one acquire/release protocol:
//   - Mutex polls the store while blocked.
//   - InterruptingMutex cancels the holder's context when the lease runs out.
//   - NotifyingMutex wakes blocked waiters through publish/subscribe.
//
// A handle belongs to one logical owner at a time. The store entry is the
// only source of truth; IsLocked reports local belief, which goes stale when
// the entry expires.
package dlock

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/eugenetaranov/leaselock/pkg/dlock/store"
)

// Lock is the contract shared by every handle variant.
type Lock interface {
	// Name returns the store key of the lock.
	Name() string

	// Lock blocks until the lock is acquired. It cannot be cancelled.
	Lock() error

	// LockContext blocks until the lock is acquired or ctx is done, in
	// which case the error matches ErrCancelled.
	LockContext(ctx context.Context) error

	// TryLock makes a single attempt. A lock held elsewhere is (false, nil).
	TryLock(ctx context.Context) (bool, error)

	// TryLockFor retries for up to d. Timing out is (false, nil).
	TryLockFor(ctx context.Context, d time.Duration) (bool, error)

	// Unlock releases the lock if the store entry still holds this
	// handle's token. It reports whether an entry was deleted.
	Unlock(ctx context.Context) (bool, error)

	// Renew resets the store entry's TTL to the lease time.
	Renew(ctx context.Context) (bool, error)

	// IsLocked reports whether this handle believes it holds the lock.
	IsLocked() bool

	// AsLocker exposes the handle as a sync.Locker.
	AsLocker() *Locker
}

// guard is attached to a handle to act on acquisition and release.
// All methods are called with the handle's mutex held.
type guard interface {
	begin(parent context.Context, moment time.Time, epoch uint64) error
	extend(moment time.Time, epoch uint64) error
	// expired reports whether the current acquisition was already ended
	// locally, so it must not be renewed.
	expired() bool
	// lost is called when the store no longer holds the entry.
	lost()
	end()
}

// Mutex is a lock handle that polls the store while blocked.
type Mutex struct {
	st      store.Store
	name    string
	variant string
	opts    options
	logger  *slog.Logger
	guard   guard

	mu          sync.Mutex
	acquired    bool
	token       string
	leaseMoment time.Time
	epoch       uint64
}

var _ Lock = (*Mutex)(nil)

// NewMutex creates an unacquired handle for name.
func NewMutex(st store.Store, name string, opts ...Option) (*Mutex, error) {
	return newMutex(st, name, "mutex", opts)
}

func newMutex(st store.Store, name, variant string, opts []Option) (*Mutex, error) {
	if name == "" {
		return nil, ErrInvalidName
	}
	o := defaultOptions()
	for _, opt := range opts {
		if err := opt(&o); err != nil {
			return nil, err
		}
	}
	return &Mutex{
		st:      st,
		name:    name,
		variant: variant,
		opts:    o,
		logger:  o.logger.With("lock", name, "variant", variant),
	}, nil
}

// Name returns the store key of the lock.
func (m *Mutex) Name() string {
	return m.name
}

// Lease returns the configured lease time, zero if the entry never expires.
func (m *Mutex) Lease() time.Duration {
	return m.opts.lease
}

// Lock implements Lock.Lock.
func (m *Mutex) Lock() error {
	_, err := m.acquire(context.Background(), true, time.Time{})
	return err
}

// LockContext implements Lock.LockContext.
func (m *Mutex) LockContext(ctx context.Context) error {
	_, err := m.acquire(ctx, true, time.Time{})
	return err
}

// TryLock implements Lock.TryLock.
func (m *Mutex) TryLock(ctx context.Context) (bool, error) {
	return m.acquire(ctx, false, time.Time{})
}

// TryLockFor implements Lock.TryLockFor. A non-positive d is a single attempt.
func (m *Mutex) TryLockFor(ctx context.Context, d time.Duration) (bool, error) {
	d = normalize(d)
	if d <= 0 {
		return m.acquire(ctx, false, time.Time{})
	}
	return m.acquire(ctx, true, m.opts.clock.Now().Add(d))
}

func (m *Mutex) acquire(ctx context.Context, blocking bool, deadline time.Time) (bool, error) {
	if m.IsLocked() {
		return false, ErrAlreadyLocked
	}

	start := m.opts.clock.Now()
	token := NewToken(m.opts.ownerID)
	var moment time.Time
	try := func(ctx context.Context) (bool, error) {
		ok, err := TryAcquireOnce(ctx, m.st, m.name, token, m.opts.lease)
		if ok {
			moment = m.opts.clock.Now()
		}
		return ok, err
	}

	var ok bool
	var err error
	if blocking {
		w := m.newWaiter(ctx)
		ok, err = acquireLoop(ctx, m.opts.clock, m.opts.poll, deadline, w, try)
		w.close()
	} else {
		ok, err = try(ctx)
	}

	if ok {
		if cerr := m.commit(ctx, token, moment); cerr != nil {
			// The entry is ours but cannot be tracked; give it back.
			if _, rerr := Release(context.WithoutCancel(ctx), m.st, m.name, token); rerr != nil {
				m.logger.Warn("failed to roll back acquisition", "error", rerr)
			}
			ok, err = false, cerr
		}
	}
	m.opts.metrics.observeAcquire(m.variant, ok, err, m.opts.clock.Since(start))

	if err != nil {
		m.logger.Debug("acquire failed", "error", err)
		return false, err
	}
	if !ok {
		return false, nil
	}

	m.logger.Debug("acquired lock", "token", token, "lease", m.opts.lease)
	return true, nil
}

// commit records a successful acquisition. The guard runs before the handle
// is marked acquired, so no caller can observe an unguarded lock.
func (m *Mutex) commit(ctx context.Context, token string, moment time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.acquired {
		return ErrAlreadyLocked
	}

	epoch := m.epoch + 1
	if m.guard != nil {
		if err := m.guard.begin(ctx, moment, epoch); err != nil {
			return err
		}
	}

	m.epoch = epoch
	m.acquired = true
	m.token = token
	m.leaseMoment = moment
	return nil
}

// clear drops local ownership. Caller must hold m.mu.
func (m *Mutex) clear() {
	if m.guard != nil {
		m.guard.end()
	}
	m.acquired = false
	m.token = ""
	m.leaseMoment = time.Time{}
}

// Unlock implements Lock.Unlock. Local ownership is dropped before the store
// round trip; if the store is unreachable the entry is left to its TTL and
// the error is returned.
func (m *Mutex) Unlock(ctx context.Context) (bool, error) {
	m.mu.Lock()
	if !m.acquired {
		m.mu.Unlock()
		return false, nil
	}
	token := m.token
	m.clear()
	m.mu.Unlock()

	n, err := Release(ctx, m.st, m.name, token)
	m.opts.metrics.observeRelease(m.variant, n, err)
	if err != nil {
		return false, err
	}
	if n == 0 {
		m.logger.Debug("lock was no longer held at release", "token", token)
		return false, nil
	}

	if m.opts.notify {
		if err := m.st.Publish(ctx, ReleaseChannel(m.name), token); err != nil {
			m.opts.metrics.observePublishError(m.variant)
			m.logger.Warn("failed to publish release", "error", err)
		}
	}

	m.logger.Debug("released lock", "token", token)
	return true, nil
}

// Renew implements Lock.Renew. It returns false when the handle holds
// nothing or has no lease. It also returns false once the entry is lost,
// and the handle becomes unacquired. An interrupting handle whose
// watchdog already fired is not renewed either; it stays acquired until
// Unlock.
func (m *Mutex) Renew(ctx context.Context) (bool, error) {
	m.mu.Lock()
	if !m.acquired || m.opts.lease == 0 || m.expired() {
		m.mu.Unlock()
		return false, nil
	}
	token, epoch := m.token, m.epoch
	m.mu.Unlock()

	ok, err := Renew(ctx, m.st, m.name, token, m.opts.lease)
	m.opts.metrics.observeRenew(m.variant, ok, err)
	if err != nil {
		return false, err
	}
	moment := m.opts.clock.Now()

	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.acquired || m.epoch != epoch {
		return false, nil
	}
	if !ok {
		m.logger.Warn("lock lost before renewal", "token", token)
		if m.guard != nil {
			m.guard.lost()
		}
		m.clear()
		return false, nil
	}
	if m.expired() {
		return false, nil
	}

	next := epoch + 1
	if m.guard != nil {
		if err := m.guard.extend(moment, next); err != nil {
			return true, err
		}
	}
	m.epoch = next
	m.leaseMoment = moment
	return true, nil
}

// expired reports whether the guard ended the acquisition. Caller must hold m.mu.
func (m *Mutex) expired() bool {
	return m.guard != nil && m.guard.expired()
}

// IsLocked implements Lock.IsLocked.
func (m *Mutex) IsLocked() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.acquired
}

// Token returns the token of the current acquisition, empty if none.
func (m *Mutex) Token() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.token
}

// LeaseMoment returns when the current acquisition (or last renewal)
// succeeded, zero if none.
func (m *Mutex) LeaseMoment() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.leaseMoment
}

// AsLocker implements Lock.AsLocker.
func (m *Mutex) AsLocker() *Locker {
	return NewLocker(m)
}

func (m *Mutex) newWaiter(ctx context.Context) waiter {
	if !m.opts.notify {
		return &pollWaiter{clock: m.opts.clock}
	}
	sub, err := m.st.Subscribe(ctx, ReleaseChannel(m.name))
	if err != nil {
		if !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
			m.logger.Warn("failed to subscribe, falling back to polling", "error", err)
		}
		return &pollWaiter{clock: m.opts.clock}
	}
	return &notifyWaiter{clock: m.opts.clock, sub: sub}
}
