package httpmiddleware

import (
	"testing"
	"time"
)

func TestTokenBucketExhaustsAndRefills(t *testing.T) {
	l := NewTokenBucket(2, 60) // 2 tokens, one per second
	now := time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)

	if !l.allow("1.2.3.4", now) {
		t.Fatal("first request should pass")
	}
	if !l.allow("1.2.3.4", now) {
		t.Fatal("second request should pass")
	}
	if l.allow("1.2.3.4", now) {
		t.Error("third request should be limited")
	}

	// A different client has its own bucket.
	if !l.allow("5.6.7.8", now) {
		t.Error("other client should not be limited")
	}

	// After a couple of seconds the bucket refills.
	if !l.allow("1.2.3.4", now.Add(2*time.Second)) {
		t.Error("request after refill should pass")
	}
}
