package dlock

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidName is returned by constructors when the lock name is empty.
	ErrInvalidName = errors.New("dlock: lock name is required")

	// ErrInvalidLease is returned by constructors for a non-positive lease.
	ErrInvalidLease = errors.New("dlock: lease time must be positive")

	// ErrInvalidPollInterval is returned by constructors for a non-positive poll interval.
	ErrInvalidPollInterval = errors.New("dlock: poll interval must be positive")

	// ErrAlreadyLocked is returned when acquiring through a handle that
	// already believes it holds the lock.
	ErrAlreadyLocked = errors.New("dlock: handle already holds the lock")

	// ErrCancelled is returned when the caller's context is done while
	// waiting for the lock. The context error is wrapped alongside it.
	ErrCancelled = errors.New("dlock: cancelled while waiting for lock")

	// ErrLeaseExpired is the cancellation cause of an interrupting lock's
	// context once its lease runs out.
	ErrLeaseExpired = errors.New("dlock: lease expired")

	// ErrPoolFull is returned by WorkerPool.Schedule when every pending slot is taken.
	ErrPoolFull = errors.New("dlock: watchdog pool is full")

	// ErrPoolClosed is returned by WorkerPool.Schedule after Close.
	ErrPoolClosed = errors.New("dlock: watchdog pool is closed")
)

// StoreError reports a failure to communicate with the store. It is never
// used for "held by someone else", which is a plain false result.
type StoreError struct {
	Op   string
	Name string
	Err  error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("dlock: %s %q: %v", e.Op, e.Name, e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }

func cancelled(err error) error {
	return fmt.Errorf("%w: %w", ErrCancelled, err)
}
