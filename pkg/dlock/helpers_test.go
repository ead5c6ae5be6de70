package dlock

import (
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/redis/go-redis/v9"

	"github.com/eugenetaranov/leaselock/pkg/dlock/store"
)

const testPrefix = "test:"

func setupStore(t *testing.T) (*miniredis.Miniredis, *store.Redis) {
	t.Helper()
	s, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}

	client := redis.NewClient(&redis.Options{
		Addr:     s.Addr(),
		Protocol: 2,
	})

	t.Cleanup(func() {
		client.Close()
		s.Close()
	})

	return s, store.NewRedis(client, testPrefix)
}

// waitFor polls cond until it holds or timeout elapses.
func waitFor(t *testing.T, timeout time.Duration, cond func() bool) bool {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return cond()
}

func mustMutex(t *testing.T, st store.Store, name string, opts ...Option) *Mutex {
	t.Helper()
	m, err := NewMutex(st, name, opts...)
	if err != nil {
		t.Fatalf("NewMutex() error = %v", err)
	}
	return m
}

func counterValue(t *testing.T, c prometheus.Collector) float64 {
	t.Helper()
	return testutil.ToFloat64(c)
}
