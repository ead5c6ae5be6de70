package dlock

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds Prometheus collectors for lock activity. A nil *Metrics
// records nothing.
type Metrics struct {
	AcquireTotal  *prometheus.CounterVec   // variant, result=acquired|held|cancelled|error
	ReleaseTotal  *prometheus.CounterVec   // variant, result=released|noop|error
	RenewTotal    *prometheus.CounterVec   // variant, result=renewed|lost|error
	WatchdogTotal *prometheus.CounterVec   // variant
	PublishErrors *prometheus.CounterVec   // variant
	AcquireWait   *prometheus.HistogramVec // variant
}

// NewMetrics creates the collectors and registers them on reg, if not nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		AcquireTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dlock_acquire_total",
				Help: "Total acquisition calls by result",
			},
			[]string{"variant", "result"},
		),
		ReleaseTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dlock_release_total",
				Help: "Total release calls by result",
			},
			[]string{"variant", "result"},
		),
		RenewTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dlock_renew_total",
				Help: "Total renew calls by result",
			},
			[]string{"variant", "result"},
		),
		WatchdogTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dlock_watchdog_fired_total",
				Help: "Total owners cancelled because their lease expired",
			},
			[]string{"variant"},
		),
		PublishErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dlock_publish_errors_total",
				Help: "Total failed release notifications",
			},
			[]string{"variant"},
		),
		AcquireWait: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "dlock_acquire_wait_seconds",
				Help:    "Time spent in acquisition calls",
				Buckets: prometheus.ExponentialBuckets(0.001, 2, 14), // 1ms .. ~8s
			},
			[]string{"variant"},
		),
	}

	if reg != nil {
		reg.MustRegister(
			m.AcquireTotal,
			m.ReleaseTotal,
			m.RenewTotal,
			m.WatchdogTotal,
			m.PublishErrors,
			m.AcquireWait,
		)
	}
	return m
}

func (m *Metrics) observeAcquire(variant string, ok bool, err error, wait time.Duration) {
	if m == nil {
		return
	}
	result := "held"
	switch {
	case errors.Is(err, ErrCancelled):
		result = "cancelled"
	case err != nil:
		result = "error"
	case ok:
		result = "acquired"
	}
	m.AcquireTotal.WithLabelValues(variant, result).Inc()
	m.AcquireWait.WithLabelValues(variant).Observe(wait.Seconds())
}

func (m *Metrics) observeRelease(variant string, n int64, err error) {
	if m == nil {
		return
	}
	result := "noop"
	switch {
	case err != nil:
		result = "error"
	case n == 1:
		result = "released"
	}
	m.ReleaseTotal.WithLabelValues(variant, result).Inc()
}

func (m *Metrics) observeRenew(variant string, ok bool, err error) {
	if m == nil {
		return
	}
	result := "lost"
	switch {
	case err != nil:
		result = "error"
	case ok:
		result = "renewed"
	}
	m.RenewTotal.WithLabelValues(variant, result).Inc()
}

func (m *Metrics) observeWatchdog(variant string) {
	if m == nil {
		return
	}
	m.WatchdogTotal.WithLabelValues(variant).Inc()
}

func (m *Metrics) observePublishError(variant string) {
	if m == nil {
		return
	}
	m.PublishErrors.WithLabelValues(variant).Inc()
}
