package ratelimit

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func TestLimiterCapacity(t *testing.T) {
	ctx := context.Background()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	defer mr.Close()

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	limiter := New(client, 2, 1, time.Minute)

	allowed, err := limiter.Allow(ctx, "source-a")
	if err != nil || !allowed {
		t.Fatalf("expected first token allowed got allowed=%v err=%v", allowed, err)
	}
	allowed, _ = limiter.Allow(ctx, "source-a")
	if !allowed {
		t.Fatalf("expected second token allowed")
	}
	allowed, _ = limiter.Allow(ctx, "source-a")
	if allowed {
		t.Fatalf("expected third token rejected")
	}

	// Buckets are keyed per source.
	allowed, _ = limiter.Allow(ctx, "source-b")
	if !allowed {
		t.Fatalf("expected independent bucket for another source")
	}

	// Note: refill cannot be tested against miniredis.FastForward because
	// the Lua script takes its clock from the caller, not Redis.
}
