package dlock

import (
	"log/slog"
	"time"

	"github.com/benbjohnson/clock"
)

// DefaultPollInterval is the wait between attempts of a blocked acquisition.
const DefaultPollInterval = 100 * time.Millisecond

// Option configures a lock handle.
type Option func(*options) error

type options struct {
	lease   time.Duration
	poll    time.Duration
	ownerID string
	notify  bool
	pool    *WorkerPool
	logger  *slog.Logger
	metrics *Metrics
	clock   clock.Clock
}

func defaultOptions() options {
	return options{
		poll:   DefaultPollInterval,
		logger: slog.New(slog.DiscardHandler),
		clock:  clock.New(),
	}
}

// WithLease sets the lease time after which the store entry expires.
// Without it the entry never expires.
func WithLease(d time.Duration) Option {
	return func(o *options) error {
		if d <= 0 {
			return ErrInvalidLease
		}
		o.lease = normalize(d)
		return nil
	}
}

// WithLeaseUnit sets the lease as n units, e.g. WithLeaseUnit(30, time.Second).
func WithLeaseUnit(n int64, unit time.Duration) Option {
	return WithLease(time.Duration(n) * unit)
}

// WithPollInterval overrides DefaultPollInterval.
func WithPollInterval(d time.Duration) Option {
	return func(o *options) error {
		if d <= 0 {
			return ErrInvalidPollInterval
		}
		o.poll = normalize(d)
		return nil
	}
}

// WithOwnerID prefixes every token with id, which makes the current holder
// visible when inspecting the store.
func WithOwnerID(id string) Option {
	return func(o *options) error {
		o.ownerID = id
		return nil
	}
}

// WithNotify enables the publish/subscribe wait path on handles that do
// not use it by default.
func WithNotify() Option {
	return func(o *options) error {
		o.notify = true
		return nil
	}
}

// WithWorkerPool makes an interrupting handle schedule its watchdog on a
// shared pool instead of a dedicated timer.
func WithWorkerPool(p *WorkerPool) Option {
	return func(o *options) error {
		o.pool = p
		return nil
	}
}

// WithLogger sets the logger. Nil keeps the default, which discards.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) error {
		if l != nil {
			o.logger = l
		}
		return nil
	}
}

// WithMetrics records lock activity on m.
func WithMetrics(m *Metrics) Option {
	return func(o *options) error {
		o.metrics = m
		return nil
	}
}

// WithClock replaces the wall clock, mainly for tests.
func WithClock(c clock.Clock) Option {
	return func(o *options) error {
		if c != nil {
			o.clock = c
		}
		return nil
	}
}

// normalize truncates d to whole milliseconds, rounding positive
// sub-millisecond values up to 1ms.
func normalize(d time.Duration) time.Duration {
	if d > 0 && d < time.Millisecond {
		return time.Millisecond
	}
	return d.Truncate(time.Millisecond)
}
