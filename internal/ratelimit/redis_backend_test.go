package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

func newTestRedisClient(t *testing.T) *redis.Client {
	t.Helper()
	client := redis.NewClient(&redis.Options{
		Addr: "localhost:6379",
		DB:   15,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("Redis not available, skipping: %v", err)
	}
	t.Cleanup(func() {
		client.FlushDB(context.Background())
		client.Close()
	})
	return client
}

func TestRedisBackend_FixedWindow(t *testing.T) {
	client := newTestRedisClient(t)
	b := NewRedisBackend(client, "test:rl:")
	l := New(Config{Default: Budget{MaxRequests: 3, Window: time.Second}}, b)
	ctx := context.Background()

	want := []bool{false, false, false, true}
	for i, w := range want {
		if got := l.IsRateLimited(ctx, "quote"); got != w {
			t.Fatalf("call %d: expected limited=%v, got %v", i+1, w, got)
		}
	}
	if got := l.Remaining(ctx, "quote"); got != 0 {
		t.Fatalf("expected 0 remaining, got %d", got)
	}

	time.Sleep(1100 * time.Millisecond)
	if l.IsRateLimited(ctx, "quote") {
		t.Fatal("expected a new window")
	}
}

func TestRedisBackend_CountAndReset(t *testing.T) {
	client := newTestRedisClient(t)
	b := NewRedisBackend(client, "test:rl:")
	ctx := context.Background()

	if _, _, err := b.Hit(ctx, "price", 10, time.Minute); err != nil {
		t.Fatalf("hit: %v", err)
	}
	b.Hit(ctx, "price", 10, time.Minute)

	count, resetAt, err := b.Count(ctx, "price", time.Minute)
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 2 {
		t.Fatalf("expected count 2, got %d", count)
	}
	if resetAt.Before(time.Now()) {
		t.Fatalf("reset time should be in the future, got %s", resetAt)
	}

	if err := b.Reset(ctx); err != nil {
		t.Fatalf("reset: %v", err)
	}
	if count, _, _ := b.Count(ctx, "price", time.Minute); count != 0 {
		t.Fatalf("expected 0 after reset, got %d", count)
	}
}
