// Package store defines the narrow set of key-value store operations the lock
// protocol needs, with a Redis implementation and an in-memory mock.
package store

import (
	"context"
	"time"
)

// Store is the capability surface consumed by the lock protocol.
// Every operation on a single key must be atomic on the server.
type Store interface {
	// SetNX writes value under key only if key does not exist.
	// A zero ttl means the entry never expires.
	// Returns true if the write happened.
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)

	// Get returns the current value of key and whether it exists.
	Get(ctx context.Context, key string) (string, bool, error)

	// CompareAndDelete deletes key only if its value equals value.
	// Returns 1 if the key was deleted, 0 otherwise.
	CompareAndDelete(ctx context.Context, key, value string) (int64, error)

	// CompareAndExpire resets the TTL of key only if its value equals value.
	// Returns 1 if the TTL was updated, 0 otherwise.
	CompareAndExpire(ctx context.Context, key, value string, ttl time.Duration) (int64, error)

	// Publish sends message to every current subscriber of channel.
	Publish(ctx context.Context, channel, message string) error

	// Subscribe opens a subscription on channel. It returns once the server
	// has confirmed the subscription, so any later Publish is delivered.
	Subscribe(ctx context.Context, channel string) (Subscription, error)

	// Close releases any resources held by the store.
	Close() error
}

// Subscription is an open pub/sub subscription. Delivery is at most once
// and there is no backlog of messages published before Subscribe returned.
type Subscription interface {
	// Messages returns the channel on which payloads are delivered.
	// It is closed after Close.
	Messages() <-chan string

	// Close unsubscribes and releases the connection.
	Close() error
}
