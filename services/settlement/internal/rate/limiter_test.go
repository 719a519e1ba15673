package rate

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

var (
	_ Limiter = (*MemoryLimiter)(nil)
	_ Limiter = (*RedisLimiter)(nil)
	_ Limiter = Unlimited{}
)

func TestMemoryLimiterPerBuyerWindow(t *testing.T) {
	lim := NewMemory(2, time.Minute)
	ctx := context.Background()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	for i := 0; i < 2; i++ {
		if ok, _, err := lim.Allow(ctx, "0xbuyer", now); err != nil || !ok {
			t.Fatalf("expected allow on call %d", i+1)
		}
	}
	ok, retry, err := lim.Allow(ctx, "0xbuyer", now.Add(10*time.Second))
	if err != nil || ok {
		t.Fatalf("expected third call to be limited")
	}
	if retry != 50*time.Second {
		t.Fatalf("expected 50s retry, got %s", retry)
	}

	if ok, _, _ := lim.Allow(ctx, "0xother", now); !ok {
		t.Fatalf("limits are per buyer")
	}
	if ok, _, _ := lim.Allow(ctx, "0xbuyer", now.Add(2*time.Minute)); !ok {
		t.Fatalf("expected allow after the window")
	}
}

func TestMemoryLimiterCleanup(t *testing.T) {
	lim := NewMemory(1, time.Second)
	now := time.Now()
	lim.Allow(context.Background(), "a", now)
	lim.Allow(context.Background(), "b", now.Add(2*time.Second))
	if len(lim.entries) != 1 {
		t.Fatalf("expected expired entries to be dropped, have %d", len(lim.entries))
	}
}

func TestRedisLimiterWindow(t *testing.T) {
	s, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	defer s.Close()

	client := redis.NewClient(&redis.Options{Addr: s.Addr()})
	defer client.Close()

	lim := NewRedisLimiter(client, 2, 500*time.Millisecond, "test:")
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		allowed, _, err := lim.Allow(ctx, "0xbuyer", time.Now())
		if err != nil || !allowed {
			t.Fatalf("expected allow on call %d: %v", i+1, err)
		}
	}

	allowed, retryAfter, err := lim.Allow(ctx, "0xbuyer", time.Now())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if allowed {
		t.Fatalf("expected rate limited")
	}
	if retryAfter <= 0 {
		t.Fatalf("expected retryAfter > 0")
	}
	if !s.Exists("test:0xbuyer") {
		t.Fatalf("expected prefixed key")
	}

	s.FastForward(600 * time.Millisecond)
	allowed, _, err = lim.Allow(ctx, "0xbuyer", time.Now())
	if err != nil || !allowed {
		t.Fatalf("expected allow after window")
	}
}

func TestUnlimited(t *testing.T) {
	if ok, _, _ := (Unlimited{}).Allow(context.Background(), "x", time.Now()); !ok {
		t.Fatalf("expected allow")
	}
}
