package store

import (
	"context"
	"sync"
	"time"
)

// Mock is an in-memory Store for tests. Errors can be injected per
// operation and every call is recorded.
type Mock struct {
	mu sync.Mutex

	// Configurable errors
	SetNXError     error
	GetError       error
	DeleteError    error
	ExpireError    error
	PublishError   error
	SubscribeError error
	CloseError     error

	// Call tracking
	SetNXCalls   []SetNXCall
	DeleteCalls  []DeleteCall
	PublishCalls []PublishCall

	// Now is used to evaluate TTLs. Defaults to time.Now.
	Now func() time.Time

	entries map[string]mockEntry
	subs    map[string]map[*mockSubscription]struct{}
}

// SetNXCall records a SetNX call.
type SetNXCall struct {
	Key   string
	Value string
	TTL   time.Duration
}

// DeleteCall records a CompareAndDelete call.
type DeleteCall struct {
	Key   string
	Value string
}

// PublishCall records a Publish call.
type PublishCall struct {
	Channel string
	Message string
}

type mockEntry struct {
	value  string
	expiry time.Time
}

// NewMock creates an empty Mock.
func NewMock() *Mock {
	return &Mock{
		Now:     time.Now,
		entries: make(map[string]mockEntry),
		subs:    make(map[string]map[*mockSubscription]struct{}),
	}
}

// lookup returns the live entry for key, dropping it if expired.
// Caller must hold m.mu.
func (m *Mock) lookup(key string) (mockEntry, bool) {
	e, ok := m.entries[key]
	if !ok {
		return e, false
	}
	if !e.expiry.IsZero() && !m.Now().Before(e.expiry) {
		delete(m.entries, key)
		return e, false
	}
	return e, true
}

func (m *Mock) expiry(ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return m.Now().Add(ttl)
}

// SetNX implements Store.SetNX.
func (m *Mock) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.SetNXCalls = append(m.SetNXCalls, SetNXCall{Key: key, Value: value, TTL: ttl})

	if m.SetNXError != nil {
		return false, m.SetNXError
	}
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if _, ok := m.lookup(key); ok {
		return false, nil
	}
	m.entries[key] = mockEntry{value: value, expiry: m.expiry(ttl)}
	return true, nil
}

// Get implements Store.Get.
func (m *Mock) Get(ctx context.Context, key string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.GetError != nil {
		return "", false, m.GetError
	}
	e, ok := m.lookup(key)
	return e.value, ok, nil
}

// CompareAndDelete implements Store.CompareAndDelete.
func (m *Mock) CompareAndDelete(ctx context.Context, key, value string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.DeleteCalls = append(m.DeleteCalls, DeleteCall{Key: key, Value: value})

	if m.DeleteError != nil {
		return 0, m.DeleteError
	}
	e, ok := m.lookup(key)
	if !ok || e.value != value {
		return 0, nil
	}
	delete(m.entries, key)
	return 1, nil
}

// CompareAndExpire implements Store.CompareAndExpire.
func (m *Mock) CompareAndExpire(ctx context.Context, key, value string, ttl time.Duration) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.ExpireError != nil {
		return 0, m.ExpireError
	}
	e, ok := m.lookup(key)
	if !ok || e.value != value {
		return 0, nil
	}
	e.expiry = m.expiry(ttl)
	m.entries[key] = e
	return 1, nil
}

// Publish implements Store.Publish.
func (m *Mock) Publish(ctx context.Context, channel, message string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.PublishCalls = append(m.PublishCalls, PublishCall{Channel: channel, Message: message})

	if m.PublishError != nil {
		return m.PublishError
	}
	for sub := range m.subs[channel] {
		select {
		case sub.out <- message:
		default:
		}
	}
	return nil
}

// Subscribe implements Store.Subscribe.
func (m *Mock) Subscribe(ctx context.Context, channel string) (Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.SubscribeError != nil {
		return nil, m.SubscribeError
	}
	sub := &mockSubscription{mock: m, channel: channel, out: make(chan string, 1)}
	if m.subs[channel] == nil {
		m.subs[channel] = make(map[*mockSubscription]struct{})
	}
	m.subs[channel][sub] = struct{}{}
	return sub, nil
}

// Close implements Store.Close.
func (m *Mock) Close() error {
	return m.CloseError
}

// Set writes an entry unconditionally (for simulating other owners).
func (m *Mock) Set(key, value string, ttl time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[key] = mockEntry{value: value, expiry: m.expiry(ttl)}
}

// Value returns the live value of key, if any.
func (m *Mock) Value(key string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.lookup(key)
	return e.value, ok
}

// Expire drops key as if its TTL had elapsed.
func (m *Mock) Expire(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, key)
}

// Subscribers returns the number of open subscriptions on channel.
func (m *Mock) Subscribers(channel string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.subs[channel])
}

// Reset clears all call tracking, entries and injected errors.
func (m *Mock) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.SetNXError, m.GetError, m.DeleteError, m.ExpireError = nil, nil, nil, nil
	m.PublishError, m.SubscribeError, m.CloseError = nil, nil, nil
	m.SetNXCalls = nil
	m.DeleteCalls = nil
	m.PublishCalls = nil
	m.entries = make(map[string]mockEntry)
}

type mockSubscription struct {
	mock    *Mock
	channel string
	out     chan string
	once    sync.Once
}

func (s *mockSubscription) Messages() <-chan string {
	return s.out
}

func (s *mockSubscription) Close() error {
	s.once.Do(func() {
		s.mock.mu.Lock()
		delete(s.mock.subs[s.channel], s)
		s.mock.mu.Unlock()
		close(s.out)
	})
	return nil
}
