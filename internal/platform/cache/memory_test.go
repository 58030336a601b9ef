package cache

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
)

func TestMemoryStore_ExpiresOnFakeClock(t *testing.T) {
	ctx := context.Background()
	clock := clockwork.NewFakeClock()
	store := NewMemoryStore(10, WithClock(clock))
	defer store.Close()

	if err := store.Set(ctx, "pool:reserves:0xp", []byte("42"), 30*time.Second); err != nil {
		t.Fatalf("Set failed: %v", err)
	}

	clock.Advance(10 * time.Second)
	entry, err := store.Get(ctx, "pool:reserves:0xp")
	if err != nil {
		t.Fatalf("Expected hit at t=10s, got %v", err)
	}
	if got := entry.Remaining(clock.Now()); got != 20*time.Second {
		t.Errorf("Expected 20s remaining, got %v", got)
	}

	clock.Advance(25 * time.Second)
	if _, err := store.Get(ctx, "pool:reserves:0xp"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound at t=35s, got %v", err)
	}

	t.Log("✓ Expired items are never returned")
}

func TestMemoryStore_ExpiredReadLeavesKeyAlone(t *testing.T) {
	ctx := context.Background()
	clock := clockwork.NewFakeClock()
	store := NewMemoryStore(10, WithClock(clock))
	defer store.Close()

	_ = store.Set(ctx, "price:token:0xt", []byte("1"), time.Minute)
	clock.Advance(2 * time.Minute)

	if _, err := store.Get(ctx, "price:token:0xt"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Expected ErrNotFound for expired item, got %v", err)
	}
	if store.Len() != 1 {
		t.Errorf("Expected expired read to leave the item for the sweep, got len %d", store.Len())
	}

	_ = store.Set(ctx, "price:token:0xt", []byte("2"), time.Minute)
	entry, err := store.Get(ctx, "price:token:0xt")
	if err != nil || string(entry.Value) != "2" {
		t.Errorf("Expected fresh value 2 after re-set, got %q, %v", entry.Value, err)
	}

	t.Log("✓ An expired read never deletes the key")
}

func TestMemoryStore_CopiesValue(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore(10)
	defer store.Close()

	buf := []byte("original")
	_ = store.Set(ctx, "k", buf, time.Minute)
	buf[0] = 'X'

	entry, _ := store.Get(ctx, "k")
	if string(entry.Value) != "original" {
		t.Errorf("Expected stored copy to be unaffected, got %q", entry.Value)
	}
}

func TestMemoryStore_CapacityBound(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore(3)
	defer store.Close()

	for i := 0; i < 5; i++ {
		_ = store.Set(ctx, fmt.Sprintf("k%d", i), []byte("v"), time.Minute)
	}

	if store.Len() != 3 {
		t.Errorf("Expected 3 items after eviction, got %d", store.Len())
	}
	if _, err := store.Get(ctx, "k0"); !errors.Is(err, ErrNotFound) {
		t.Error("Expected oldest item to be evicted")
	}
	if _, err := store.Get(ctx, "k4"); err != nil {
		t.Errorf("Expected newest item to be present, got %v", err)
	}
}

func TestMemoryStore_DeleteByPattern(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore(10)
	defer store.Close()

	keys := []string{
		"fees:user:0xa:pool:0xp",
		"fees:user:0xb:pool:0xp",
		"fees:user:0xa:pool:0xq",
		"fees:user:0xa:total",
	}
	for _, k := range keys {
		_ = store.Set(ctx, k, []byte("v"), time.Minute)
	}

	tests := []struct {
		pattern string
		removed int
	}{
		{"fees:user:*:pool:0xp", 2},
		{"fees:user:0xa:*", 2},
		{"fees:user:0xa:*", 0},
	}

	for _, tt := range tests {
		n, err := store.DeleteByPattern(ctx, tt.pattern)
		if err != nil {
			t.Fatalf("DeleteByPattern(%s) failed: %v", tt.pattern, err)
		}
		if n != tt.removed {
			t.Errorf("DeleteByPattern(%s): expected %d removed, got %d", tt.pattern, tt.removed, n)
		}
	}
}

func TestMemoryStore_DeleteMissingIsNoop(t *testing.T) {
	store := NewMemoryStore(10)
	defer store.Close()

	if err := store.Delete(context.Background(), "missing"); err != nil {
		t.Errorf("Expected no error deleting missing key, got %v", err)
	}
	if err := store.Set(context.Background(), "k", []byte("v"), -time.Second); !errors.Is(err, ErrInvalidTTL) {
		t.Errorf("Expected ErrInvalidTTL, got %v", err)
	}
}
