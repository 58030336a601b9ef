// Package cache provides the key/value stores behind the read-through layer.
//
// Values are opaque byte slices with a mandatory expiry. Stores never decode
// values; that happens one level up so every hit yields a fresh snapshot.
package cache

import (
	"context"
	"errors"
	"path"
	"time"
)

var (
	// ErrNotFound is returned when a key is absent or expired
	ErrNotFound = errors.New("cache: key not found")

	// ErrInvalidTTL is returned by Set when ttl <= 0
	ErrInvalidTTL = errors.New("cache: ttl must be positive")

	// ErrStoreUnavailable wraps transport failures talking to a store
	ErrStoreUnavailable = errors.New("cache: store unavailable")
)

// Entry is a stored value and the instant it stops being served.
type Entry struct {
	Value     []byte
	ExpiresAt time.Time
}

// Remaining returns the time left before expiry relative to now.
func (e Entry) Remaining(now time.Time) time.Duration {
	if e.ExpiresAt.IsZero() {
		return 0
	}
	return e.ExpiresAt.Sub(now)
}

// Store defines the interface for cache stores
type Store interface {
	// Get returns ErrNotFound for a miss, any other error is a store failure
	Get(ctx context.Context, key string) (Entry, error)

	// Set stores value until ttl elapses
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Delete removes a key, missing keys are not an error
	Delete(ctx context.Context, key string) error

	// DeleteByPattern removes every key matching a glob and returns the count
	DeleteByPattern(ctx context.Context, pattern string) (int, error)

	// HealthCheck reports whether the store can serve requests
	HealthCheck(ctx context.Context) error

	Close() error
}

// InvalidationMessage is broadcast so peer processes drop local copies.
type InvalidationMessage struct {
	Origin   string   `json:"origin"`
	Keys     []string `json:"keys,omitempty"`
	Patterns []string `json:"patterns,omitempty"`
}

// InvalidationBus is implemented by stores that can fan out deletes.
type InvalidationBus interface {
	PublishInvalidation(ctx context.Context, msg InvalidationMessage) error
	SubscribeInvalidations(ctx context.Context, handle func(InvalidationMessage)) error
}

// MatchPattern reports whether key matches a Redis-style glob. Keys never
// contain '/', so path.Match semantics line up with Redis for this keyspace.
func MatchPattern(pattern, key string) bool {
	ok, err := path.Match(pattern, key)
	return err == nil && ok
}

func validateTTL(ttl time.Duration) error {
	if ttl <= 0 {
		return ErrInvalidTTL
	}
	return nil
}
