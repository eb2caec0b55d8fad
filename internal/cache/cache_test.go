package cache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func TestMemory_GetSet(t *testing.T) {
	ctx := context.Background()
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	c := NewMemory(WithClock(clock.Now))

	if _, err := c.Get(ctx, "missing"); !errors.Is(err, ErrMiss) {
		t.Fatalf("expected ErrMiss for missing key, got %v", err)
	}

	if err := c.Set(ctx, "k", "v1", 5*time.Second); err != nil {
		t.Fatalf("Set: %v", err)
	}
	got, err := c.Get(ctx, "k")
	if err != nil || got != "v1" {
		t.Fatalf("Get = %q, %v; want v1", got, err)
	}

	if err := c.Set(ctx, "k", "v2", 5*time.Second); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if got, _ := c.Get(ctx, "k"); got != "v2" {
		t.Errorf("Set must overwrite, got %q", got)
	}
}

func TestMemory_Expiry(t *testing.T) {
	ctx := context.Background()
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	c := NewMemory(WithClock(clock.Now))

	_ = c.Set(ctx, "k", "v", 2*time.Second)

	clock.Advance(1999 * time.Millisecond)
	if _, err := c.Get(ctx, "k"); err != nil {
		t.Fatalf("entry should be live just before expiry: %v", err)
	}

	clock.Advance(time.Millisecond)
	if _, err := c.Get(ctx, "k"); !errors.Is(err, ErrMiss) {
		t.Fatalf("entry must not be returned at expiry, got %v", err)
	}

	if c.Len() != 1 {
		t.Errorf("expired entry is kept until purge, Len = %d", c.Len())
	}
	if n := c.Purge(); n != 1 {
		t.Errorf("Purge removed %d, want 1", n)
	}
	if c.Len() != 0 {
		t.Errorf("Len after purge = %d, want 0", c.Len())
	}
}

func TestMemory_Concurrent(t *testing.T) {
	ctx := context.Background()
	c := NewMemory()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(2)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				_ = c.Set(ctx, fmt.Sprintf("k%d", j%10), fmt.Sprintf("%d", i), time.Minute)
			}
		}(i)
		go func() {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				_, _ = c.Get(ctx, fmt.Sprintf("k%d", j%10))
			}
		}()
	}
	wg.Wait()

	if c.Len() != 10 {
		t.Errorf("Len = %d, want 10", c.Len())
	}
}

func TestPriceKey(t *testing.T) {
	if got := PriceKey("SBER"); got != "price:SBER" {
		t.Errorf("PriceKey = %q", got)
	}
}

func TestRedis_GetSet(t *testing.T) {
	srv := miniredis.RunT(t)
	c, err := NewRedis("redis://" + srv.Addr())
	if err != nil {
		t.Fatalf("NewRedis: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	ctx := context.Background()

	if _, err := c.Get(ctx, "k"); !errors.Is(err, ErrMiss) {
		t.Fatalf("expected ErrMiss, got %v", err)
	}
	if err := c.Set(ctx, "k", "v", 5*time.Second); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if got, err := c.Get(ctx, "k"); err != nil || got != "v" {
		t.Fatalf("Get = %q, %v", got, err)
	}

	srv.FastForward(6 * time.Second)
	if _, err := c.Get(ctx, "k"); !errors.Is(err, ErrMiss) {
		t.Fatalf("expected ErrMiss after TTL, got %v", err)
	}
}

func TestRedis_BackendDown(t *testing.T) {
	srv := miniredis.RunT(t)
	c, err := NewRedis("redis://" + srv.Addr())
	if err != nil {
		t.Fatalf("NewRedis: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err = c.Get(ctx, "k")
	if err == nil || errors.Is(err, ErrMiss) {
		t.Fatalf("expected backend error, got %v", err)
	}
}
