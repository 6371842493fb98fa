package security

import (
	"context"
	"sync"
	"testing"
	"time"
)

// fakeCounterStore is an in-test CounterStore with atomic window counters.
type fakeCounterStore struct {
	mu       sync.Mutex
	counts   map[string]int64
	windows  map[string]time.Time
	failWith error
}

func newFakeCounterStore() *fakeCounterStore {
	return &fakeCounterStore{
		counts:  make(map[string]int64),
		windows: make(map[string]time.Time),
	}
}

func (f *fakeCounterStore) IncrementWindow(_ context.Context, identity, class string, now time.Time, window time.Duration) (int64, time.Time, error) {
	if f.failWith != nil {
		return 0, time.Time{}, f.failWith
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	key := identity + "|" + class
	start, ok := f.windows[key]
	if !ok || now.Sub(start) >= window {
		start = now.Truncate(window)
		f.windows[key] = start
		f.counts[key] = 0
	}
	f.counts[key]++
	return f.counts[key], start, nil
}

func TestLimiter_CeilingEnforced(t *testing.T) {
	store := newFakeCounterStore()
	limiter := NewLimiter(store, map[string]ClassConfig{
		ClassLogin: {Ceiling: 3, Window: time.Minute},
	}, nil)

	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		d, err := limiter.CheckAndIncrement(ctx, "10.0.0.1", ClassLogin)
		if err != nil {
			t.Fatalf("CheckAndIncrement() call %d error = %v", i, err)
		}
		if !d.Allowed {
			t.Fatalf("CheckAndIncrement() call %d not allowed, want allowed", i)
		}
	}

	// The (ceiling+1)-th call in the same window must be throttled with a
	// positive retry hint.
	d, err := limiter.CheckAndIncrement(ctx, "10.0.0.1", ClassLogin)
	if err != nil {
		t.Fatalf("CheckAndIncrement() call 4 error = %v", err)
	}
	if d.Allowed {
		t.Fatal("CheckAndIncrement() call 4 allowed, want throttled")
	}
	if d.RetryAfter <= 0 {
		t.Errorf("RetryAfter = %v, want > 0", d.RetryAfter)
	}
}

func TestLimiter_IdentitiesIndependent(t *testing.T) {
	store := newFakeCounterStore()
	limiter := NewLimiter(store, map[string]ClassConfig{
		ClassLogin: {Ceiling: 1, Window: time.Minute},
	}, nil)

	ctx := context.Background()

	if d, _ := limiter.CheckAndIncrement(ctx, "10.0.0.1", ClassLogin); !d.Allowed {
		t.Fatal("first call for identity A throttled")
	}
	if d, _ := limiter.CheckAndIncrement(ctx, "10.0.0.1", ClassLogin); d.Allowed {
		t.Fatal("second call for identity A allowed, want throttled")
	}
	if d, _ := limiter.CheckAndIncrement(ctx, "10.0.0.2", ClassLogin); !d.Allowed {
		t.Error("throttling identity A leaked to identity B")
	}
}

func TestLimiter_WindowReset(t *testing.T) {
	store := newFakeCounterStore()
	limiter := NewLimiter(store, map[string]ClassConfig{
		ClassLogin: {Ceiling: 1, Window: time.Minute},
	}, nil)

	current := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	limiter.SetNowFunc(func() time.Time { return current })

	ctx := context.Background()

	if d, _ := limiter.CheckAndIncrement(ctx, "ip", ClassLogin); !d.Allowed {
		t.Fatal("first call throttled")
	}
	if d, _ := limiter.CheckAndIncrement(ctx, "ip", ClassLogin); d.Allowed {
		t.Fatal("over-ceiling call allowed")
	}

	// A fresh window clears the counter.
	current = current.Add(2 * time.Minute)
	if d, _ := limiter.CheckAndIncrement(ctx, "ip", ClassLogin); !d.Allowed {
		t.Error("call in new window throttled")
	}
}

func TestLimiter_UnknownClassUnlimited(t *testing.T) {
	limiter := NewLimiter(newFakeCounterStore(), map[string]ClassConfig{}, nil)

	for i := 0; i < 100; i++ {
		d, err := limiter.CheckAndIncrement(context.Background(), "ip", "unconfigured")
		if err != nil {
			t.Fatalf("CheckAndIncrement() error = %v", err)
		}
		if !d.Allowed {
			t.Fatal("unconfigured class throttled")
		}
	}
}

func TestLimiter_ConcurrentIncrements(t *testing.T) {
	store := newFakeCounterStore()
	limiter := NewLimiter(store, map[string]ClassConfig{
		ClassLogin: {Ceiling: 50, Window: time.Minute},
	}, nil)

	const calls = 200
	var wg sync.WaitGroup
	var mu sync.Mutex
	allowed := 0

	for i := 0; i < calls; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d, err := limiter.CheckAndIncrement(context.Background(), "shared", ClassLogin)
			if err != nil {
				t.Errorf("CheckAndIncrement() error = %v", err)
				return
			}
			if d.Allowed {
				mu.Lock()
				allowed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if allowed != 50 {
		t.Errorf("allowed = %d, want exactly 50 under concurrency", allowed)
	}
}

func TestIPLimiter_Allow(t *testing.T) {
	l := NewIPLimiter(1, 2, 100, nil)
	defer l.Stop()

	// Burst of 2 is allowed, the third immediate call is not.
	if !l.Allow("1.2.3.4") {
		t.Fatal("first call denied")
	}
	if !l.Allow("1.2.3.4") {
		t.Fatal("second call denied within burst")
	}
	if l.Allow("1.2.3.4") {
		t.Fatal("third immediate call allowed beyond burst")
	}

	// Other IPs have their own bucket.
	if !l.Allow("5.6.7.8") {
		t.Error("unrelated IP denied")
	}
}

func TestIPLimiter_LRUEviction(t *testing.T) {
	l := NewIPLimiter(1, 1, 2, nil)
	defer l.Stop()

	l.Allow("a")
	l.Allow("b")
	l.Allow("c") // evicts "a"

	l.mu.Lock()
	_, hasA := l.limiters["a"]
	entries := len(l.limiters)
	l.mu.Unlock()

	if hasA {
		t.Error("least recently used entry was not evicted")
	}
	if entries != 2 {
		t.Errorf("tracked entries = %d, want 2", entries)
	}
}

func TestIPLimiter_Cleanup(t *testing.T) {
	l := NewIPLimiter(1, 1, 100, nil)
	defer l.Stop()

	l.Allow("stale")
	l.mu.Lock()
	l.lruList.Front().Value.(*ipLimiterEntry).lastAccess = time.Now().Add(-time.Hour)
	l.mu.Unlock()

	l.Cleanup(30 * time.Minute)

	l.mu.Lock()
	entries := len(l.limiters)
	l.mu.Unlock()
	if entries != 0 {
		t.Errorf("entries after cleanup = %d, want 0", entries)
	}
}
