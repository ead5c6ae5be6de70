package dlock

import (
	"context"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/eugenetaranov/leaselock/pkg/dlock/store"
)

// ReleaseChannel returns the pub/sub channel on which releases of name are
// announced.
func ReleaseChannel(name string) string {
	return name + ":released"
}

// NotifyingMutex is a lock handle whose blocked waits wake up as soon as the
// holder publishes a release, instead of sleeping out the poll interval.
//
// The channel keeps no history, so a release published before the waiter
// subscribed is missed; the poll interval stays in place as a ceiling on
// how long such a waiter sleeps. Waiters racing on one release are resolved
// by the store, the losers keep waiting.
type NotifyingMutex struct {
	*Mutex
}

var _ Lock = (*NotifyingMutex)(nil)

// NewNotifyingMutex creates an unacquired notifying handle for name.
func NewNotifyingMutex(st store.Store, name string, opts ...Option) (*NotifyingMutex, error) {
	m, err := newMutex(st, name, "notifying", append(opts, WithNotify()))
	if err != nil {
		return nil, err
	}
	return &NotifyingMutex{Mutex: m}, nil
}

// AsLocker implements Lock.AsLocker.
func (n *NotifyingMutex) AsLocker() *Locker {
	return NewLocker(n)
}

// notifyWaiter waits for a release message or the fallback interval,
// whichever comes first. Its subscription lives for one blocking call.
type notifyWaiter struct {
	clock clock.Clock
	sub   store.Subscription
	msgs  <-chan string
}

func (w *notifyWaiter) wait(ctx context.Context, d time.Duration) error {
	if w.msgs == nil && w.sub != nil {
		w.msgs = w.sub.Messages()
	}

	t := w.clock.Timer(d)
	defer t.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	case _, ok := <-w.msgs:
		if !ok {
			// Subscription dropped; keep going on the timer alone.
			w.close()
			w.msgs = nil
		}
		return nil
	}
}

func (w *notifyWaiter) close() {
	if w.sub != nil {
		_ = w.sub.Close()
		w.sub = nil
	}
}
