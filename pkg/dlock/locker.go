package dlock

import (
	"context"
	"sync"
)

// Locker adapts a Lock to sync.Locker, so it can be passed to code that
// expects a local mutex. It only delegates and holds no state of its own.
//
// sync.Locker has no error results: Lock and Unlock panic with the
// underlying error when the store fails, the way sync.Mutex panics on
// misuse. Use LockContext and UnlockContext to handle errors instead.
type Locker struct {
	l Lock
}

var _ sync.Locker = (*Locker)(nil)

// NewLocker wraps l.
func NewLocker(l Lock) *Locker {
	return &Locker{l: l}
}

// Lock blocks until the lock is acquired.
func (k *Locker) Lock() {
	if err := k.l.Lock(); err != nil {
		panic(err)
	}
}

// Unlock releases the lock.
func (k *Locker) Unlock() {
	if _, err := k.l.Unlock(context.Background()); err != nil {
		panic(err)
	}
}

// TryLock makes a single attempt. Errors count as not acquired.
func (k *Locker) TryLock() bool {
	ok, err := k.l.TryLock(context.Background())
	return err == nil && ok
}

// LockContext blocks until the lock is acquired or ctx is done.
func (k *Locker) LockContext(ctx context.Context) error {
	return k.l.LockContext(ctx)
}

// UnlockContext releases the lock.
func (k *Locker) UnlockContext(ctx context.Context) error {
	_, err := k.l.Unlock(ctx)
	return err
}

// Unwrap returns the adapted handle.
func (k *Locker) Unwrap() Lock {
	return k.l
}
