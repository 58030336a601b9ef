package cache

import (
	"context"
	"time"

	"github.com/jellydator/ttlcache/v3"
	"github.com/jonboulle/clockwork"
)

// memoryItem keeps its own deadline so expiry follows the injected clock.
type memoryItem struct {
	value     []byte
	expiresAt time.Time
}

// MemoryStore implements an in-process store with per-item TTL and a
// capacity bound (least recently used items are evicted first).
type MemoryStore struct {
	items *ttlcache.Cache[string, memoryItem]
	clock clockwork.Clock
}

// MemoryOption configures a MemoryStore
type MemoryOption func(*MemoryStore)

// WithClock overrides the clock used for expiry checks
func WithClock(clock clockwork.Clock) MemoryOption {
	return func(m *MemoryStore) {
		m.clock = clock
	}
}

// NewMemoryStore creates a store holding at most maxSize items
func NewMemoryStore(maxSize int, opts ...MemoryOption) *MemoryStore {
	if maxSize <= 0 {
		maxSize = 1000
	}

	m := &MemoryStore{
		items: ttlcache.New(
			ttlcache.WithCapacity[string, memoryItem](uint64(maxSize)),
			ttlcache.WithDisableTouchOnHit[string, memoryItem](),
		),
		clock: clockwork.NewRealClock(),
	}
	for _, opt := range opts {
		opt(m)
	}

	// Background sweep of expired items
	go m.items.Start()

	return m
}

// Get retrieves an unexpired value. Expired items are reported as a miss
// and left for the sweep or the next Set; deleting here could drop a value
// set concurrently under the same key.
func (m *MemoryStore) Get(ctx context.Context, key string) (Entry, error) {
	item := m.items.Get(key)
	if item == nil {
		return Entry{}, ErrNotFound
	}

	v := item.Value()
	if !m.clock.Now().Before(v.expiresAt) {
		return Entry{}, ErrNotFound
	}

	return Entry{Value: v.value, ExpiresAt: v.expiresAt}, nil
}

// Set stores a copy of value for ttl
func (m *MemoryStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := validateTTL(ttl); err != nil {
		return err
	}

	buf := make([]byte, len(value))
	copy(buf, value)

	m.items.Set(key, memoryItem{value: buf, expiresAt: m.clock.Now().Add(ttl)}, ttl)
	return nil
}

// Delete removes a key
func (m *MemoryStore) Delete(ctx context.Context, key string) error {
	m.items.Delete(key)
	return nil
}

// DeleteByPattern removes all keys matching pattern
func (m *MemoryStore) DeleteByPattern(ctx context.Context, pattern string) (int, error) {
	removed := 0
	for _, key := range m.items.Keys() {
		if MatchPattern(pattern, key) {
			m.items.Delete(key)
			removed++
		}
	}
	return removed, nil
}

// HealthCheck always succeeds for the in-process store
func (m *MemoryStore) HealthCheck(ctx context.Context) error {
	return nil
}

// Close stops the expiry loop
func (m *MemoryStore) Close() error {
	m.items.Stop()
	return nil
}

// Len returns the number of stored items, including not-yet-swept expired ones
func (m *MemoryStore) Len() int {
	return m.items.Len()
}
