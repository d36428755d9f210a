package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestLimiter(t *testing.T, limit int, window time.Duration) (*FixedWindowLimiter, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	l, err := NewFixedWindowLimiter(client, limit, window)
	if err != nil {
		t.Fatalf("NewFixedWindowLimiter: %v", err)
	}
	return l, mr
}

func TestAllowWithinQuota(t *testing.T) {
	l, _ := newTestLimiter(t, 3, time.Minute)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if !l.Allow(ctx, "10.0.0.1") {
			t.Fatalf("request %d should be allowed", i+1)
		}
	}
	if l.Allow(ctx, "10.0.0.1") {
		t.Fatal("fourth request should be denied")
	}
}

func TestAllowIsolatesKeys(t *testing.T) {
	l, _ := newTestLimiter(t, 1, time.Minute)
	ctx := context.Background()
	if !l.Allow(ctx, "10.0.0.1") {
		t.Fatal("first key should be allowed")
	}
	if !l.Allow(ctx, "10.0.0.2") {
		t.Fatal("second key has its own quota")
	}
}

func TestAllowNewWindowResets(t *testing.T) {
	l, _ := newTestLimiter(t, 1, time.Minute)
	ctx := context.Background()
	base := time.Now()
	l.now = func() time.Time { return base }
	if !l.Allow(ctx, "10.0.0.1") {
		t.Fatal("first request should be allowed")
	}
	if l.Allow(ctx, "10.0.0.1") {
		t.Fatal("second request in window should be denied")
	}
	l.now = func() time.Time { return base.Add(2 * time.Minute) }
	if !l.Allow(ctx, "10.0.0.1") {
		t.Fatal("next window should reset the counter")
	}
}

func TestAllowFailsClosedOnRedisError(t *testing.T) {
	l, mr := newTestLimiter(t, 5, time.Minute)
	mr.Close()
	if l.Allow(context.Background(), "10.0.0.1") {
		t.Fatal("expected deny when redis is unreachable")
	}
}

func TestNewFixedWindowLimiterRejectsBadArgs(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	if _, err := NewFixedWindowLimiter(client, 0, time.Minute); err == nil {
		t.Fatal("expected error for zero limit")
	}
	if _, err := NewFixedWindowLimiter(nil, 1, time.Minute); err == nil {
		t.Fatal("expected error for nil client")
	}
}
