package throttle

import (
	"errors"
	"sync"
	"testing"
	"time"
)

func TestSixthHandshakeDenied(t *testing.T) {
	l := NewLimiter(DefaultLimits())
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

	for i := 0; i < 5; i++ {
		if err := l.Allow(Handshake, "10.0.0.1", now.Add(time.Duration(i)*time.Second)); err != nil {
			t.Fatalf("attempt %d: %v", i+1, err)
		}
	}

	err := l.Allow(Handshake, "10.0.0.1", now.Add(6*time.Second))
	var throttled *ThrottledError
	if !errors.As(err, &throttled) {
		t.Fatalf("6th attempt: err = %v, want ThrottledError", err)
	}
	if throttled.RetryAfter <= 0 || throttled.RetryAfter > 60*time.Second {
		t.Errorf("RetryAfter = %s, want in (0, 60s]", throttled.RetryAfter)
	}
}

func TestRetryAfterIsExact(t *testing.T) {
	l := NewLimiter(map[Class]Limit{Handshake: {Requests: 2, Window: 60 * time.Second}})
	base := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

	if err := l.Allow(Handshake, "c", base); err != nil {
		t.Fatal(err)
	}
	if err := l.Allow(Handshake, "c", base.Add(10*time.Second)); err != nil {
		t.Fatal(err)
	}

	// Oldest event at base, window 60s, asking at base+25s: the window
	// frees a slot exactly 35s later.
	err := l.Allow(Handshake, "c", base.Add(25*time.Second))
	var throttled *ThrottledError
	if !errors.As(err, &throttled) {
		t.Fatalf("err = %v", err)
	}
	if throttled.RetryAfter != 35*time.Second {
		t.Errorf("RetryAfter = %s, want 35s", throttled.RetryAfter)
	}

	// After the oldest event slides out, the call is allowed again.
	if err := l.Allow(Handshake, "c", base.Add(61*time.Second)); err != nil {
		t.Errorf("post-window attempt: %v", err)
	}
}

func TestDeniedCallDoesNotConsumeBudget(t *testing.T) {
	l := NewLimiter(map[Class]Limit{Handshake: {Requests: 1, Window: 60 * time.Second}})
	base := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

	if err := l.Allow(Handshake, "c", base); err != nil {
		t.Fatal(err)
	}
	for i := 1; i < 10; i++ {
		if err := l.Allow(Handshake, "c", base.Add(time.Duration(i)*time.Second)); err == nil {
			t.Fatalf("attempt at +%ds allowed", i)
		}
	}
	// Ten denials later the original window still expires on schedule.
	if err := l.Allow(Handshake, "c", base.Add(61*time.Second)); err != nil {
		t.Errorf("post-window attempt: %v", err)
	}
}

func TestClassesAreIndependent(t *testing.T) {
	l := NewLimiter(DefaultLimits())
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

	// Saturate the handshake class for one client.
	for i := 0; i < 5; i++ {
		if err := l.Allow(Handshake, "10.0.0.1", now); err != nil {
			t.Fatal(err)
		}
	}
	if err := l.Allow(Handshake, "10.0.0.1", now); err == nil {
		t.Fatal("handshake class should be saturated")
	}

	// Dispatch for the same client key is untouched.
	if err := l.Allow(Dispatch, "10.0.0.1", now); err != nil {
		t.Errorf("dispatch for same key: %v", err)
	}
}

func TestKeysAreIndependent(t *testing.T) {
	l := NewLimiter(map[Class]Limit{Handshake: {Requests: 1, Window: 60 * time.Second}})
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

	if err := l.Allow(Handshake, "a", now); err != nil {
		t.Fatal(err)
	}
	if err := l.Allow(Handshake, "b", now); err != nil {
		t.Errorf("other key throttled: %v", err)
	}
}

func TestUnknownClassIsUnlimited(t *testing.T) {
	l := NewLimiter(map[Class]Limit{})
	now := time.Now()
	for i := 0; i < 100; i++ {
		if err := l.Allow(Handshake, "c", now); err != nil {
			t.Fatalf("attempt %d: %v", i, err)
		}
	}
}

func TestConcurrentAllowNeverOvercommits(t *testing.T) {
	const budget = 50
	l := NewLimiter(map[Class]Limit{Dispatch: {Requests: budget, Window: time.Minute}})
	now := time.Now()

	var wg sync.WaitGroup
	var mu sync.Mutex
	allowed := 0
	for i := 0; i < 200; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := l.Allow(Dispatch, "c", now); err == nil {
				mu.Lock()
				allowed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if allowed != budget {
		t.Errorf("allowed = %d, want exactly %d", allowed, budget)
	}
}

func TestPrune(t *testing.T) {
	l := NewLimiter(DefaultLimits())
	base := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

	if err := l.Allow(Handshake, "stale", base); err != nil {
		t.Fatal(err)
	}
	l.Prune(base.Add(2 * time.Minute))

	if _, ok := l.buckets.Load(string(Handshake) + "\x00stale"); ok {
		t.Error("stale bucket survived prune")
	}
}
