package confidential

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"secretboard/pkg/domain"
)

func countingOpen(callCount *int, mu *sync.Mutex, delay time.Duration) OpenFunc {
	return func(ctx context.Context, h domain.Handle) (string, error) {
		if delay > 0 {
			time.Sleep(delay)
		}
		mu.Lock()
		*callCount++
		mu.Unlock()
		return h.Hex(), nil
	}
}

func TestRevealCache_HitMiss(t *testing.T) {
	callCount := 0
	var mu sync.Mutex
	cache := NewRevealCache(countingOpen(&callCount, &mu, 0), time.Hour)
	defer cache.Stop()

	ctx := context.Background()
	h := domain.Handle{0x01}

	v1, err := cache.Reveal(ctx, h)
	if err != nil {
		t.Fatalf("Reveal failed: %v", err)
	}
	v2, err := cache.Reveal(ctx, h)
	if err != nil {
		t.Fatalf("Reveal failed: %v", err)
	}

	mu.Lock()
	if callCount != 1 {
		t.Errorf("Expected 1 open call, got %d", callCount)
	}
	mu.Unlock()
	if v1 != v2 {
		t.Errorf("Cache hit returned different result")
	}
}

func TestRevealCache_Expiration(t *testing.T) {
	callCount := 0
	var mu sync.Mutex
	cache := NewRevealCache(countingOpen(&callCount, &mu, 0), 50*time.Millisecond)
	defer cache.Stop()

	ctx := context.Background()
	h := domain.Handle{0x02}
	if _, err := cache.Reveal(ctx, h); err != nil {
		t.Fatalf("Reveal failed: %v", err)
	}
	time.Sleep(150 * time.Millisecond)
	if _, err := cache.Reveal(ctx, h); err != nil {
		t.Fatalf("Reveal failed: %v", err)
	}

	mu.Lock()
	if callCount != 2 {
		t.Errorf("Expected 2 open calls after expiry, got %d", callCount)
	}
	mu.Unlock()
}

func TestRevealCache_ConcurrentAccess(t *testing.T) {
	callCount := 0
	var mu sync.Mutex
	cache := NewRevealCache(countingOpen(&callCount, &mu, 50*time.Millisecond), time.Hour)
	defer cache.Stop()

	ctx := context.Background()
	h := domain.Handle{0x03}

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := cache.Reveal(ctx, h); err != nil {
				t.Errorf("Reveal failed: %v", err)
			}
		}()
	}
	wg.Wait()

	mu.Lock()
	if callCount != 1 {
		t.Errorf("Expected 1 open call (single-flight), got %d", callCount)
	}
	mu.Unlock()
}

func TestRevealCache_ErrorsNotCached(t *testing.T) {
	calls := 0
	fail := true
	cache := NewRevealCache(func(ctx context.Context, h domain.Handle) (string, error) {
		calls++
		if fail {
			return "", domain.ErrHandleNotFinalized
		}
		return "ok", nil
	}, time.Hour)
	defer cache.Stop()

	ctx := context.Background()
	h := domain.Handle{0x04}
	if _, err := cache.Reveal(ctx, h); !errors.Is(err, domain.ErrHandleNotFinalized) {
		t.Fatalf("Expected not finalized, got %v", err)
	}
	fail = false
	v, err := cache.Reveal(ctx, h)
	if err != nil || v != "ok" {
		t.Fatalf("Reveal = %q, %v", v, err)
	}
	if calls != 2 {
		t.Errorf("Expected 2 open calls, got %d", calls)
	}
}

func TestRevealCache_Stop(t *testing.T) {
	callCount := 0
	var mu sync.Mutex
	cache := NewRevealCache(countingOpen(&callCount, &mu, 0), time.Hour)

	ctx := context.Background()
	_, _ = cache.Reveal(ctx, domain.Handle{0x05})
	_, _ = cache.Reveal(ctx, domain.Handle{0x06})

	if stats := cache.Stats(); stats.Entries != 2 {
		t.Errorf("Expected 2 cache entries, got %d", stats.Entries)
	}

	cache.Stop()

	if stats := cache.Stats(); stats.Entries != 0 {
		t.Errorf("Expected 0 cache entries after stop, got %d", stats.Entries)
	}
	if _, err := cache.Reveal(ctx, domain.Handle{0x05}); err == nil {
		t.Error("Expected error after stop")
	}
}
