package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

func TestNewRedisTokenBucketValidation(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:0"})
	defer client.Close()

	if _, err := NewRedisTokenBucket(nil, 10, time.Minute, ""); err == nil {
		t.Fatal("expected error for nil client")
	}
	if _, err := NewRedisTokenBucket(client, 0, time.Minute, ""); err == nil {
		t.Fatal("expected error for zero capacity")
	}
	if _, err := NewRedisTokenBucket(client, 10, 0, ""); err == nil {
		t.Fatal("expected error for zero window")
	}

	limiter, err := NewRedisTokenBucket(client, 10, time.Minute, " ")
	if err != nil {
		t.Fatalf("new limiter: %v", err)
	}
	if limiter.keyPrefix != "facecraft:ratelimit" {
		t.Fatalf("unexpected default prefix %q", limiter.keyPrefix)
	}
	if limiter.ttl != 2*time.Minute {
		t.Fatalf("unexpected ttl %s", limiter.ttl)
	}
}

func TestAllowNRejectsCostAboveCapacity(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:0"})
	defer client.Close()

	limiter, err := NewRedisTokenBucket(client, 5, time.Minute, "")
	if err != nil {
		t.Fatalf("new limiter: %v", err)
	}
	if _, err := limiter.AllowN(context.Background(), "client", 6); err == nil {
		t.Fatal("expected error for cost above capacity")
	}
}

func TestToInt64(t *testing.T) {
	cases := []struct {
		in   any
		want int64
	}{
		{int64(7), 7},
		{3, 3},
		{float64(9), 9},
		{"12", 12},
	}
	for _, tc := range cases {
		got, err := toInt64(tc.in)
		if err != nil {
			t.Fatalf("toInt64(%v): %v", tc.in, err)
		}
		if got != tc.want {
			t.Fatalf("toInt64(%v) = %d, want %d", tc.in, got, tc.want)
		}
	}

	if _, err := toInt64("nope"); err == nil {
		t.Fatal("expected parse error")
	}
	if _, err := toInt64(struct{}{}); err == nil {
		t.Fatal("expected unsupported type error")
	}
}

func TestParseReply(t *testing.T) {
	d, err := parseReply([]any{int64(0), int64(2), int64(1500), "4000"})
	if err != nil {
		t.Fatalf("parse reply: %v", err)
	}
	if d.Allowed || d.Remaining != 2 {
		t.Fatalf("unexpected decision %+v", d)
	}
	if d.RetryAfter != 1500*time.Millisecond || d.ResetAfter != 4*time.Second {
		t.Fatalf("unexpected timings %+v", d)
	}

	if _, err := parseReply([]any{int64(1), int64(2)}); err == nil {
		t.Fatal("expected error for short reply")
	}
	if _, err := parseReply("OK"); err == nil {
		t.Fatal("expected error for non-array reply")
	}
	if _, err := parseReply([]any{int64(1), "x", int64(0), int64(0)}); err == nil {
		t.Fatal("expected error for bad field")
	}
}

func TestKeyDefaultsSubject(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:0"})
	defer client.Close()

	limiter, err := NewRedisTokenBucket(client, 3, time.Second, "test")
	if err != nil {
		t.Fatalf("new limiter: %v", err)
	}
	if got := limiter.key("  "); got != "test:anonymous" {
		t.Fatalf("unexpected key %s", got)
	}
	if got := limiter.key("10.0.0.1:/v1/process"); got != "test:10.0.0.1:/v1/process" {
		t.Fatalf("unexpected key %s", got)
	}
}
