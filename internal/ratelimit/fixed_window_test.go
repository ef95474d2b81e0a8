package ratelimit

import (
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
)

func TestNewRedisFixedWindowLimiterValidation(t *testing.T) {
	if _, err := NewRedisFixedWindowLimiter("127.0.0.1:6379", "", "", 0, time.Second); err == nil {
		t.Fatalf("expected error for zero limit")
	}
	if _, err := NewRedisFixedWindowLimiter("127.0.0.1:6379", "", "", 5, 0); err == nil {
		t.Fatalf("expected error for zero window")
	}
	if _, err := NewRedisFixedWindowLimiter("", "", "", 5, time.Second); err == nil {
		t.Fatalf("expected error for empty addr")
	}
}

func TestFixedWindowLimiterAllow(t *testing.T) {
	mr := miniredis.RunT(t)

	limiter, err := NewRedisFixedWindowLimiter(mr.Addr(), "", "test:ratelimit", 3, time.Minute)
	if err != nil {
		t.Fatalf("NewRedisFixedWindowLimiter: %v", err)
	}

	for i := 0; i < 3; i++ {
		if !limiter.Allow("user-a") {
			t.Fatalf("request %d should be allowed", i+1)
		}
	}
	if limiter.Allow("user-a") {
		t.Fatalf("request over limit should be denied")
	}
	if !limiter.Allow("user-b") {
		t.Fatalf("independent key should not share quota")
	}
}

func TestFixedWindowLimiterFailsClosed(t *testing.T) {
	mr := miniredis.RunT(t)

	limiter, err := NewRedisFixedWindowLimiter(mr.Addr(), "", "", 3, time.Minute)
	if err != nil {
		t.Fatalf("NewRedisFixedWindowLimiter: %v", err)
	}
	mr.Close()

	if limiter.Allow("user-a") {
		t.Fatalf("limiter should deny when redis is unreachable")
	}
}
