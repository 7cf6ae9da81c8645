package kv

import (
	"context"
	"sync"
	"testing"
	"time"
)

func TestMemory_IncrWithExpiry_SetsExpiryOnlyOnFirstIncrement(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	m, err := NewMemory(0)
	if err != nil {
		t.Fatalf("NewMemory: %v", err)
	}

	n, err := m.IncrWithExpiry(ctx, "ratelimit:u1:minute", time.Minute)
	if err != nil || n != 1 {
		t.Fatalf("first incr: n=%d err=%v", n, err)
	}
	ttl1, _ := m.TTL(ctx, "ratelimit:u1:minute")

	n, err = m.IncrWithExpiry(ctx, "ratelimit:u1:minute", time.Hour)
	if err != nil || n != 2 {
		t.Fatalf("second incr: n=%d err=%v", n, err)
	}
	ttl2, _ := m.TTL(ctx, "ratelimit:u1:minute")

	if ttl2 > ttl1 {
		t.Errorf("second increment's larger ttl argument should not widen the window: ttl1=%v ttl2=%v", ttl1, ttl2)
	}
}

func TestMemory_IncrWithExpiry_ExpiresAndResets(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	m, _ := NewMemory(0)

	m.IncrWithExpiry(ctx, "k", 50*time.Millisecond)
	time.Sleep(75 * time.Millisecond)

	n, err := m.IncrWithExpiry(ctx, "k", time.Minute)
	if err != nil || n != 1 {
		t.Fatalf("expected counter reset to 1 after expiry, got n=%d err=%v", n, err)
	}
}

func TestMemory_GetSet(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	m, _ := NewMemory(0)

	if _, ok, _ := m.Get(ctx, "missing"); ok {
		t.Fatal("expected miss for unset key")
	}

	if err := m.SetWithTTL(ctx, "cache:abc", "payload", time.Hour); err != nil {
		t.Fatalf("SetWithTTL: %v", err)
	}
	v, ok, err := m.Get(ctx, "cache:abc")
	if err != nil || !ok || v != "payload" {
		t.Fatalf("Get = %q, %v, %v", v, ok, err)
	}
}

func TestMemory_ScanAndDelete(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	m, _ := NewMemory(0)

	m.SetWithTTL(ctx, "usage:u1:requests", "1", time.Hour)
	m.SetWithTTL(ctx, "usage:u1:tokens", "10", time.Hour)
	m.SetWithTTL(ctx, "usage:u2:requests", "2", time.Hour)

	keys, err := m.Scan(ctx, "usage:u1:*")
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if len(keys) != 2 {
		t.Fatalf("Scan(usage:u1:*) = %v, want 2 keys", keys)
	}

	n, err := m.Delete(ctx, "usage:u1:*")
	if err != nil || n != 2 {
		t.Fatalf("Delete = %d, %v, want 2, nil", n, err)
	}

	remaining, _ := m.Scan(ctx, "usage:*")
	if len(remaining) != 1 {
		t.Fatalf("remaining = %v, want 1 key left", remaining)
	}
}

func TestMemory_Ping(t *testing.T) {
	t.Parallel()
	m, _ := NewMemory(0)
	if err := m.Ping(context.Background()); err != nil {
		t.Errorf("Ping() = %v, want nil", err)
	}
}

func TestMemory_ConcurrentIncr(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	m, _ := NewMemory(0)

	var wg sync.WaitGroup
	for range 100 {
		wg.Go(func() {
			m.IncrWithExpiry(ctx, "hot", time.Minute)
		})
	}
	wg.Wait()

	v, ok, _ := m.Get(ctx, "hot")
	if !ok || v != "100" {
		t.Errorf("hot = %q, want 100", v)
	}
}
