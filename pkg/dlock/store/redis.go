package store

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Lua script for atomic release: only delete if value matches.
var deleteScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
else
	return 0
end
`)

// Lua script for atomic extend: only extend TTL if value matches.
var expireScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("pexpire", KEYS[1], ARGV[2])
else
	return 0
end
`)

// Redis implements Store on top of a go-redis client.
type Redis struct {
	client    redis.UniversalClient
	keyPrefix string
}

// NewRedis creates a Redis store. keyPrefix is prepended to every key and
// channel name, so several applications can share one server.
func NewRedis(client redis.UniversalClient, keyPrefix string) *Redis {
	return &Redis{
		client:    client,
		keyPrefix: keyPrefix,
	}
}

func (r *Redis) key(name string) string {
	return r.keyPrefix + name
}

// SetNX implements Store.SetNX with SET key value NX [PX ttl].
func (r *Redis) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	ok, err := r.client.SetNX(ctx, r.key(key), value, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("setnx %s: %w", key, err)
	}
	return ok, nil
}

// Get implements Store.Get.
func (r *Redis) Get(ctx context.Context, key string) (string, bool, error) {
	value, err := r.client.Get(ctx, r.key(key)).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("get %s: %w", key, err)
	}
	return value, true, nil
}

// CompareAndDelete implements Store.CompareAndDelete using a Lua script.
func (r *Redis) CompareAndDelete(ctx context.Context, key, value string) (int64, error) {
	n, err := deleteScript.Run(ctx, r.client, []string{r.key(key)}, value).Int64()
	if err != nil {
		return 0, fmt.Errorf("compare-and-delete %s: %w", key, err)
	}
	return n, nil
}

// CompareAndExpire implements Store.CompareAndExpire using a Lua script.
func (r *Redis) CompareAndExpire(ctx context.Context, key, value string, ttl time.Duration) (int64, error) {
	n, err := expireScript.Run(ctx, r.client, []string{r.key(key)}, value, ttl.Milliseconds()).Int64()
	if err != nil {
		return 0, fmt.Errorf("compare-and-expire %s: %w", key, err)
	}
	return n, nil
}

// Publish implements Store.Publish.
func (r *Redis) Publish(ctx context.Context, channel, message string) error {
	if err := r.client.Publish(ctx, r.key(channel), message).Err(); err != nil {
		return fmt.Errorf("publish %s: %w", channel, err)
	}
	return nil
}

// Subscribe implements Store.Subscribe. It waits for the SUBSCRIBE
// confirmation before returning.
func (r *Redis) Subscribe(ctx context.Context, channel string) (Subscription, error) {
	ps := r.client.Subscribe(ctx, r.key(channel))
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("subscribe %s: %w", channel, err)
	}

	sub := &redisSubscription{
		pubsub: ps,
		out:    make(chan string, 1),
		done:   make(chan struct{}),
	}
	go sub.forward()
	return sub, nil
}

// Close closes the underlying client.
func (r *Redis) Close() error {
	return r.client.Close()
}

type redisSubscription struct {
	pubsub *redis.PubSub
	out    chan string
	done   chan struct{}
	once   sync.Once
}

// forward copies payloads from the go-redis channel. A slow reader only
// loses messages, it never blocks the connection.
func (s *redisSubscription) forward() {
	defer close(s.out)
	in := s.pubsub.Channel()
	for {
		select {
		case <-s.done:
			return
		case msg, ok := <-in:
			if !ok {
				return
			}
			select {
			case s.out <- msg.Payload:
			default:
			}
		}
	}
}

func (s *redisSubscription) Messages() <-chan string {
	return s.out
}

func (s *redisSubscription) Close() error {
	var err error
	s.once.Do(func() {
		close(s.done)
		err = s.pubsub.Close()
	})
	return err
}
