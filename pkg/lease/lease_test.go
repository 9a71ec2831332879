package lease

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"

	"perf-tester/pkg/clock"
)

func redisAddr() string {
	if addr := os.Getenv("PERFTEST_TEST_REDIS"); addr != "" {
		return addr
	}
	return "localhost:6379"
}

func clientSetup(t *testing.T) *Client {
	client := NewClient(redisAddr())
	if err := client.rdb.Ping(context.Background()).Err(); err != nil {
		client.Close()
		t.Skip("Redis not available, skipping tests. Start Redis with: docker run -d -p 6379:6379 redis:latest")
	}
	t.Cleanup(func() { client.Close() })
	return client
}

func testKey() string {
	return Key("test-"+uuid.NewString(), 5201)
}

func TestKey(t *testing.T) {
	if got := Key("10.0.0.1", 5201); got != "perftest:lease:10.0.0.1:5201" {
		t.Errorf("Key() = %q", got)
	}
}

func TestAcquireRelease(t *testing.T) {
	a := clientSetup(t)
	b := clientSetup(t)
	ctx := context.Background()
	key := testKey()

	ok, err := a.TryAcquire(ctx, key, time.Minute)
	if err != nil || !ok {
		t.Fatalf("first TryAcquire() = %v, %v; want true, nil", ok, err)
	}
	ok, err = b.TryAcquire(ctx, key, time.Minute)
	if err != nil || ok {
		t.Fatalf("second TryAcquire() = %v, %v; want false, nil", ok, err)
	}

	// A non-holder cannot release someone else's lease.
	if err := b.Release(ctx, key); err != nil {
		t.Fatalf("Release() by non-holder: %v", err)
	}
	if h, _ := a.holder(ctx, key); h != a.token {
		t.Fatalf("holder = %q, want %q", h, a.token)
	}

	if err := a.Release(ctx, key); err != nil {
		t.Fatalf("Release(): %v", err)
	}
	ok, err = b.TryAcquire(ctx, key, time.Minute)
	if err != nil || !ok {
		t.Fatalf("TryAcquire() after release = %v, %v; want true, nil", ok, err)
	}
	_ = b.Release(ctx, key)
}

func TestAcquireWaitExpires(t *testing.T) {
	a := clientSetup(t)
	b := clientSetup(t)
	ctx := context.Background()
	key := testKey()

	if ok, err := a.TryAcquire(ctx, key, time.Minute); err != nil || !ok {
		t.Fatalf("TryAcquire() = %v, %v", ok, err)
	}
	defer a.Release(ctx, key)

	fake := clock.NewFake(time.Unix(0, 0))
	b.Clock = fake
	b.Poll = time.Second

	ok, err := b.Acquire(ctx, key, time.Minute, 3*time.Second)
	if err != nil || ok {
		t.Fatalf("Acquire() = %v, %v; want false, nil", ok, err)
	}
	if got := len(fake.Sleeps()); got != 3 {
		t.Errorf("polled %d times, want 3", got)
	}
}

func TestAcquireUnavailable(t *testing.T) {
	c := NewClient("127.0.0.1:1")
	defer c.Close()
	c.Clock = clock.NewFake(time.Unix(0, 0))
	if _, err := c.Acquire(context.Background(), testKey(), time.Minute, time.Second); err == nil {
		t.Error("Acquire() against an unreachable server succeeded")
	}
}
