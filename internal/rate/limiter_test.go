package rate

import (
	"context"
	"testing"
	"time"

	"github.com/go-redis/redis/v8"
)

func TestWindowLimiterFixedWindow(t *testing.T) {
	now := time.Unix(1700000000, 0)
	l := NewWindowLimiter(2, time.Minute)
	l.now = func() time.Time { return now }
	ctx := context.Background()

	if !l.Allow(ctx, "a") || !l.Allow(ctx, "a") {
		t.Fatalf("expected first two requests to pass")
	}
	if l.Allow(ctx, "a") {
		t.Fatalf("expected third request to be limited")
	}
	if !l.Allow(ctx, "b") {
		t.Fatalf("expected other key to pass")
	}

	now = now.Add(time.Minute)
	if !l.Allow(ctx, "a") {
		t.Fatalf("expected window reset")
	}
}

func TestWindowLimiterSweepsIdleKeys(t *testing.T) {
	now := time.Unix(1700000000, 0)
	l := NewWindowLimiter(1, time.Second)
	l.now = func() time.Time { return now }
	l.lastCleanup = now
	ctx := context.Background()

	l.Allow(ctx, "a")
	l.Allow(ctx, "b")
	if got := l.Size(); got != 2 {
		t.Fatalf("expected 2 keys, got %d", got)
	}
	now = now.Add(2 * time.Second)
	l.Allow(ctx, "c")
	if got := l.Size(); got != 1 {
		t.Fatalf("expected idle keys swept, got %d", got)
	}
}

func TestRedisLimiterFailsOpen(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1", DialTimeout: 50 * time.Millisecond, MaxRetries: -1})
	defer client.Close()
	l := NewRedisLimiter(client, "test:", 1, time.Minute, nil)

	for i := 0; i < 3; i++ {
		if !l.Allow(context.Background(), "k") {
			t.Fatalf("expected requests to pass while redis is down")
		}
	}
}
