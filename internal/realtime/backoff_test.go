package realtime

import (
	"testing"
	"time"
)

func TestBackoffGrowsTowardCap(t *testing.T) {
	backoff := NewBackoff(100*time.Millisecond, time.Second, 2.0)

	for i := 0; i < 10; i++ {
		wait := backoff.Next()
		if wait < 100*time.Millisecond {
			t.Fatalf("wait %v fell below the minimum", wait)
		}
		if wait > 1200*time.Millisecond {
			t.Fatalf("wait %v exceeded the cap with jitter", wait)
		}
	}
	if backoff.Attempts() != 10 {
		t.Fatalf("expected 10 attempts, got %d", backoff.Attempts())
	}
}

func TestBackoffReset(t *testing.T) {
	backoff := NewBackoff(100*time.Millisecond, time.Second, 2.0)
	for i := 0; i < 5; i++ {
		backoff.Next()
	}
	backoff.Reset()
	if backoff.Attempts() != 0 {
		t.Fatalf("expected 0 attempts after reset, got %d", backoff.Attempts())
	}
	wait := backoff.Next()
	if wait > 150*time.Millisecond {
		t.Fatalf("expected delay near the minimum after reset, got %v", wait)
	}
}
