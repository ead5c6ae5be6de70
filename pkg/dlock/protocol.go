package dlock

import (
	"context"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"

	"github.com/eugenetaranov/leaselock/pkg/dlock/store"
)

// NewToken generates a unique value for one acquisition attempt.
// A non-empty ownerID is kept as a readable prefix.
func NewToken(ownerID string) string {
	if ownerID == "" {
		return uuid.NewString()
	}
	return ownerID + ":" + uuid.NewString()
}

// TryAcquireOnce writes token under name if no entry exists, in a single
// round trip. A zero lease means the entry never expires.
func TryAcquireOnce(ctx context.Context, st store.Store, name, token string, lease time.Duration) (bool, error) {
	ok, err := st.SetNX(ctx, name, token, lease)
	if err != nil {
		return false, &StoreError{Op: "acquire", Name: name, Err: err}
	}
	return ok, nil
}

// Release deletes the entry for name only if it still holds token.
// Returns 1 if it was deleted and 0 if it expired or belongs to another owner.
func Release(ctx context.Context, st store.Store, name, token string) (int64, error) {
	n, err := st.CompareAndDelete(ctx, name, token)
	if err != nil {
		return 0, &StoreError{Op: "release", Name: name, Err: err}
	}
	return n, nil
}

// Renew resets the entry's TTL to lease only if it still holds token.
func Renew(ctx context.Context, st store.Store, name, token string, lease time.Duration) (bool, error) {
	n, err := st.CompareAndExpire(ctx, name, token, lease)
	if err != nil {
		return false, &StoreError{Op: "renew", Name: name, Err: err}
	}
	return n == 1, nil
}

// BlockingAcquire repeats TryAcquireOnce every poll until it succeeds or
// deadline passes. A zero deadline waits forever. Deadline expiry returns
// false with a nil error; cancellation of ctx returns an error matching
// ErrCancelled.
func BlockingAcquire(ctx context.Context, st store.Store, name, token string, lease, poll time.Duration, deadline time.Time, clk clock.Clock) (bool, error) {
	if poll <= 0 {
		return false, ErrInvalidPollInterval
	}
	if clk == nil {
		clk = clock.New()
	}
	w := &pollWaiter{clock: clk}
	return acquireLoop(ctx, clk, normalize(poll), deadline, w, func(ctx context.Context) (bool, error) {
		return TryAcquireOnce(ctx, st, name, token, normalize(lease))
	})
}

// waiter suspends a blocked acquisition between two attempts.
type waiter interface {
	// wait returns nil when the next attempt should run, or ctx.Err().
	wait(ctx context.Context, d time.Duration) error
	close()
}

// acquireLoop runs attempts strictly one after another. Store errors are
// returned as is; only a "held elsewhere" result is retried.
func acquireLoop(ctx context.Context, clk clock.Clock, poll time.Duration, deadline time.Time, w waiter, try func(context.Context) (bool, error)) (bool, error) {
	for {
		if err := ctx.Err(); err != nil {
			return false, cancelled(err)
		}

		ok, err := try(ctx)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return false, cancelled(ctxErr)
			}
			return false, err
		}
		if ok {
			return true, nil
		}

		d := poll
		if !deadline.IsZero() {
			remaining := deadline.Sub(clk.Now())
			if remaining <= 0 {
				return false, nil
			}
			d = min(d, remaining)
		}

		if err := w.wait(ctx, d); err != nil {
			return false, cancelled(err)
		}
	}
}

// pollWaiter sleeps for the full interval.
type pollWaiter struct {
	clock clock.Clock
}

func (w *pollWaiter) wait(ctx context.Context, d time.Duration) error {
	t := w.clock.Timer(d)
	defer t.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (w *pollWaiter) close() {}
