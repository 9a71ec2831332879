// Package lease serialises access to a measurement endpoint across campaign
// hosts. An iperf3 server accepts one client at a time, so two campaigns
// aimed at the same host:port would corrupt each other's results.
//
// Leases are advisory: a holder that dies releases the endpoint when its TTL
// expires, and a waiter that times out proceeds anyway.
package lease

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"perf-tester/pkg/clock"
)

const (
	keyPrefix   = "perftest:lease:"
	defaultPoll = time.Second
)

// releaseScript deletes the key only while it still carries our token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Client wraps the Redis client.
type Client struct {
	rdb   *redis.Client
	token string

	Clock clock.Clock
	Poll  time.Duration
}

// NewClient creates a new lease client connected to the given address.
func NewClient(addr string) *Client {
	rdb := redis.NewClient(&redis.Options{
		Addr: addr,
	})
	host, _ := os.Hostname()
	return &Client{
		rdb:   rdb,
		token: fmt.Sprintf("%s/%d/%s", host, os.Getpid(), uuid.NewString()),
		Clock: clock.Real{},
		Poll:  defaultPoll,
	}
}

// Close closes the Redis client connection.
func (c *Client) Close() error {
	return c.rdb.Close()
}

// Key returns the lease key of an endpoint.
func Key(host string, port int) string {
	return keyPrefix + host + ":" + strconv.Itoa(port)
}

// TryAcquire takes the lease on key for ttl if nobody holds it.
func (c *Client) TryAcquire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	ok, err := c.rdb.SetNX(ctx, key, c.token, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("failed to acquire lease %s: %w", key, err)
	}
	return ok, nil
}

// Acquire polls for the lease on key until it is taken or wait has elapsed.
// It returns false without error when the wait ran out.
func (c *Client) Acquire(ctx context.Context, key string, ttl, wait time.Duration) (bool, error) {
	deadline := c.Clock.Now().Add(wait)
	for {
		ok, err := c.TryAcquire(ctx, key, ttl)
		if err != nil || ok {
			return ok, err
		}
		if !c.Clock.Now().Before(deadline) {
			return false, nil
		}
		if err := c.Clock.Sleep(ctx, c.Poll); err != nil {
			return false, err
		}
	}
}

// Release gives up the lease on key if this client still holds it.
func (c *Client) Release(ctx context.Context, key string) error {
	if err := releaseScript.Run(ctx, c.rdb, []string{key}, c.token).Err(); err != nil && err != redis.Nil {
		return fmt.Errorf("failed to release lease %s: %w", key, err)
	}
	return nil
}

// holder returns the token of the current holder of key, or "" if the key is
// free.
func (c *Client) holder(ctx context.Context, key string) (string, error) {
	val, err := c.rdb.Get(ctx, key).Result()
	if err == redis.Nil {
		return "", nil
	}
	return val, err
}
