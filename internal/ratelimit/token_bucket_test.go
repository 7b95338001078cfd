package ratelimit

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newBucket(t *testing.T, capacity int, refill float64) (*TokenBucket, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewTokenBucket(client, "rl", capacity, refill, time.Minute), mr
}

func TestTokenBucket(t *testing.T) {
	ctx := context.Background()
	bucket, mr := newBucket(t, 2, 1)

	allowed, _, err := bucket.Allow(ctx, "tenant")
	if err != nil || !allowed {
		t.Fatalf("expected first token allowed got allowed=%v err=%v", allowed, err)
	}
	allowed, _, _ = bucket.Allow(ctx, "tenant")
	if !allowed {
		t.Fatalf("expected second token allowed")
	}
	allowed, _, _ = bucket.Allow(ctx, "tenant")
	if allowed {
		t.Fatalf("expected third token to be rejected")
	}
	if !mr.Exists("rl:tenant") {
		t.Fatalf("expected namespaced bucket key")
	}

	// Separate keys have separate buckets.
	allowed, _, _ = bucket.Allow(ctx, "other")
	if !allowed {
		t.Fatalf("expected independent bucket for other key")
	}
}

func TestTokenBucket_WaitHonoursContext(t *testing.T) {
	bucket, _ := newBucket(t, 1, 0.001)
	ctx := context.Background()
	if err := bucket.Wait(ctx, "host"); err != nil {
		t.Fatalf("first wait: %v", err)
	}
	ctx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	if err := bucket.Wait(ctx, "host"); err == nil {
		t.Fatalf("expected wait to give up when context expires")
	}
}

func TestTokenBucket_WaitRefills(t *testing.T) {
	bucket, _ := newBucket(t, 1, 50)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	for i := 0; i < 3; i++ {
		if err := bucket.Wait(ctx, "host"); err != nil {
			t.Fatalf("wait %d: %v", i, err)
		}
	}
}

func TestHostKey(t *testing.T) {
	cases := map[string]string{
		"https://Democracy.Example.gov.uk:8443/mgWebService.asmx": "democracy.example.gov.uk",
		"http://example.org/path":                                 "example.org",
		"not a url":                                               "unknown",
	}
	for in, want := range cases {
		if got := HostKey(in); got != want {
			t.Fatalf("HostKey(%q) = %q want %q", in, got, want)
		}
	}
}
