package api

import (
	"testing"
	"time"
)

func TestRateLimiterAllowsUpToLimit(t *testing.T) {
	t.Parallel()

	rl := NewRateLimiter(3, time.Minute)
	for i := 0; i < 3; i++ {
		if !rl.Allow("user_1") {
			t.Fatalf("request %d should be allowed", i+1)
		}
	}
	if rl.Allow("user_1") {
		t.Error("request over the limit should be rejected")
	}
}

func TestRateLimiterKeysAreIndependent(t *testing.T) {
	t.Parallel()

	rl := NewRateLimiter(1, time.Minute)
	if !rl.Allow("user_1") {
		t.Fatal("first request for user_1 should be allowed")
	}
	if !rl.Allow("user_2") {
		t.Error("user_2 should not be affected by user_1's usage")
	}
}

func TestRateLimiterWindowSlides(t *testing.T) {
	t.Parallel()

	rl := NewRateLimiter(1, 50*time.Millisecond)
	if !rl.Allow("user_1") {
		t.Fatal("first request should be allowed")
	}
	if rl.Allow("user_1") {
		t.Fatal("second request inside the window should be rejected")
	}

	time.Sleep(60 * time.Millisecond)
	if !rl.Allow("user_1") {
		t.Error("request after the window expired should be allowed")
	}
}
