package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/redis/go-redis/v9"
)

const (
	scanCount     = 500
	deleteBatch   = 500
	defaultBusKey = "dashboard:invalidate"
)

// RedisConfig configures a RedisStore
type RedisConfig struct {
	Addrs               []string
	Password            string
	DB                  int
	PoolSize            int
	InvalidationChannel string
}

// RedisStore implements a Redis-backed store. It accepts any UniversalClient
// so single node, sentinel and cluster deployments share one code path.
type RedisStore struct {
	client  redis.UniversalClient
	channel string
	clock   clockwork.Clock
}

// NewRedisStore connects to Redis and verifies the connection with PING
func NewRedisStore(ctx context.Context, cfg RedisConfig) (*RedisStore, error) {
	client := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:        cfg.Addrs,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		MinIdleConns: 5,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return NewRedisStoreWithClient(client, cfg.InvalidationChannel), nil
}

// NewRedisStoreWithClient wraps an existing client
func NewRedisStoreWithClient(client redis.UniversalClient, channel string) *RedisStore {
	if channel == "" {
		channel = defaultBusKey
	}
	return &RedisStore{
		client:  client,
		channel: channel,
		clock:   clockwork.NewRealClock(),
	}
}

// Get reads the value and its remaining TTL in a single round trip
func (r *RedisStore) Get(ctx context.Context, key string) (Entry, error) {
	pipe := r.client.Pipeline()
	getCmd := pipe.Get(ctx, key)
	ttlCmd := pipe.PTTL(ctx, key)

	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return Entry{}, fmt.Errorf("%w: redis get %s: %v", ErrStoreUnavailable, key, err)
	}

	val, err := getCmd.Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return Entry{}, ErrNotFound
		}
		return Entry{}, fmt.Errorf("%w: redis get %s: %v", ErrStoreUnavailable, key, err)
	}

	entry := Entry{Value: val}
	// PTTL yields -1 (no expiry) or -2 (gone since GET) as raw durations
	if ttl := ttlCmd.Val(); ttl > 0 {
		entry.ExpiresAt = r.clock.Now().Add(ttl)
	}
	return entry, nil
}

// Set stores value with TTL
func (r *RedisStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := validateTTL(ttl); err != nil {
		return err
	}
	if err := r.client.Set(ctx, key, value, ttl).Err(); err != nil {
		return fmt.Errorf("%w: redis set %s: %v", ErrStoreUnavailable, key, err)
	}
	return nil
}

// Delete removes a key
func (r *RedisStore) Delete(ctx context.Context, key string) error {
	if err := r.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("%w: redis delete %s: %v", ErrStoreUnavailable, key, err)
	}
	return nil
}

// DeleteByPattern scans for matching keys and deletes them in batches.
// On a cluster every master is scanned.
func (r *RedisStore) DeleteByPattern(ctx context.Context, pattern string) (int, error) {
	if cluster, ok := r.client.(*redis.ClusterClient); ok {
		var total int
		var mu sync.Mutex
		err := cluster.ForEachMaster(ctx, func(ctx context.Context, shard *redis.Client) error {
			n, err := scanAndDelete(ctx, shard, pattern)
			mu.Lock()
			total += n
			mu.Unlock()
			return err
		})
		if err != nil {
			return total, fmt.Errorf("%w: redis delete pattern %s: %v", ErrStoreUnavailable, pattern, err)
		}
		return total, nil
	}

	n, err := scanAndDelete(ctx, r.client, pattern)
	if err != nil {
		return n, fmt.Errorf("%w: redis delete pattern %s: %v", ErrStoreUnavailable, pattern, err)
	}
	return n, nil
}

func scanAndDelete(ctx context.Context, client redis.Cmdable, pattern string) (int, error) {
	iter := client.Scan(ctx, 0, pattern, scanCount).Iterator()

	removed := 0
	batch := make([]string, 0, deleteBatch)
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		n, err := client.Del(ctx, batch...).Result()
		if err != nil {
			return err
		}
		removed += int(n)
		batch = batch[:0]
		return nil
	}

	for iter.Next(ctx) {
		batch = append(batch, iter.Val())
		if len(batch) >= deleteBatch {
			if err := flush(); err != nil {
				return removed, err
			}
		}
	}
	if err := iter.Err(); err != nil {
		return removed, err
	}
	return removed, flush()
}

// HealthCheck pings Redis
func (r *RedisStore) HealthCheck(ctx context.Context) error {
	if err := r.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return nil
}

// Close closes the Redis connection
func (r *RedisStore) Close() error {
	return r.client.Close()
}

// PublishInvalidation broadcasts msg on the invalidation channel
func (r *RedisStore) PublishInvalidation(ctx context.Context, msg InvalidationMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal invalidation: %w", err)
	}
	if err := r.client.Publish(ctx, r.channel, data).Err(); err != nil {
		return fmt.Errorf("%w: redis publish: %v", ErrStoreUnavailable, err)
	}
	return nil
}

// SubscribeInvalidations delivers messages to handle until ctx is done.
// Malformed payloads are skipped.
func (r *RedisStore) SubscribeInvalidations(ctx context.Context, handle func(InvalidationMessage)) error {
	sub := r.client.Subscribe(ctx, r.channel)
	defer sub.Close()

	// Wait for the subscription to be confirmed before delivering
	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("%w: redis subscribe: %v", ErrStoreUnavailable, err)
	}

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case m, ok := <-ch:
			if !ok {
				return nil
			}
			var msg InvalidationMessage
			if err := json.Unmarshal([]byte(m.Payload), &msg); err != nil {
				continue
			}
			handle(msg)
		}
	}
}
