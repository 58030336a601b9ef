package readthrough

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jonboulle/clockwork"

	"github.com/agatticelli/liquidity-dashboard/internal/cachekeys"
	"github.com/agatticelli/liquidity-dashboard/internal/platform/cache"
)

// faultyStore wraps a real store and injects failures
type faultyStore struct {
	cache.Store
	getErr    error
	setErr    error
	delErr    error
	setCalls  atomic.Int32
	beforeSet func(key string)
}

func (s *faultyStore) Get(ctx context.Context, key string) (cache.Entry, error) {
	if s.getErr != nil {
		return cache.Entry{}, s.getErr
	}
	return s.Store.Get(ctx, key)
}

func (s *faultyStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	s.setCalls.Add(1)
	if s.beforeSet != nil {
		s.beforeSet(key)
	}
	if s.setErr != nil {
		return s.setErr
	}
	return s.Store.Set(ctx, key, value, ttl)
}

func (s *faultyStore) Delete(ctx context.Context, key string) error {
	if s.delErr != nil {
		return s.delErr
	}
	return s.Store.Delete(ctx, key)
}

func newMemory(t *testing.T, clock clockwork.Clock) *cache.MemoryStore {
	t.Helper()
	store := cache.NewMemoryStore(100, cache.WithClock(clock))
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func counting(counter *atomic.Int32, value int) Producer[int] {
	return func(ctx context.Context) (int, error) {
		counter.Add(1)
		return value, nil
	}
}

// TestWithCache_TTLExpiry covers calls at t=0, t=10s and t=35s with a 30s TTL
func TestWithCache_TTLExpiry(t *testing.T) {
	ctx := context.Background()
	clock := clockwork.NewFakeClock()
	c := New(Config{Store: newMemory(t, clock)})

	var counter atomic.Int32
	produce := func(ctx context.Context) (int32, error) {
		return counter.Add(1), nil
	}

	v, err := WithCache(ctx, c, "pool:reserves:0xp", 30*time.Second, produce)
	if err != nil || v != 1 {
		t.Fatalf("t=0: expected 1, got %d (%v)", v, err)
	}

	clock.Advance(10 * time.Second)
	v, _ = WithCache(ctx, c, "pool:reserves:0xp", 30*time.Second, produce)
	if v != 1 || counter.Load() != 1 {
		t.Errorf("t=10s: expected cached 1 with counter 1, got %d counter %d", v, counter.Load())
	}

	clock.Advance(25 * time.Second)
	v, _ = WithCache(ctx, c, "pool:reserves:0xp", 30*time.Second, produce)
	if v != 2 || counter.Load() != 2 {
		t.Errorf("t=35s: expected recomputed 2 with counter 2, got %d counter %d", v, counter.Load())
	}

	t.Log("✓ Entry served until TTL then recomputed")
}

// TestWithCache_SingleFlight covers 10 concurrent callers sharing one 200ms producer
func TestWithCache_SingleFlight(t *testing.T) {
	ctx := context.Background()
	c := New(Config{Store: newMemory(t, clockwork.NewRealClock())})

	var counter atomic.Int32
	produce := func(ctx context.Context) (int, error) {
		counter.Add(1)
		time.Sleep(200 * time.Millisecond)
		return 42, nil
	}

	start := make(chan struct{})
	var wg sync.WaitGroup
	results := make([]int, 10)
	errs := make([]error, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			results[i], errs[i] = WithCache(ctx, c, "pool:analytics:0xp", time.Minute, produce)
		}(i)
	}
	close(start)
	wg.Wait()

	if counter.Load() != 1 {
		t.Errorf("Expected producer to run once, ran %d times", counter.Load())
	}
	for i := range results {
		if errs[i] != nil || results[i] != 42 {
			t.Errorf("caller %d: expected 42, got %d (%v)", i, results[i], errs[i])
		}
	}

	t.Log("✓ Concurrent misses share a single production")
}

// TestWithCache_SetAlwaysFails covers a store that cannot be written
func TestWithCache_SetAlwaysFails(t *testing.T) {
	ctx := context.Background()
	store := &faultyStore{Store: newMemory(t, clockwork.NewRealClock()), setErr: errors.New("disk full")}
	c := New(Config{Store: store})

	var counter atomic.Int32
	v, err := WithCache(ctx, c, "k", time.Minute, counting(&counter, 42))
	if err != nil {
		t.Fatalf("Expected write failure to be swallowed, got %v", err)
	}
	if v != 42 {
		t.Errorf("Expected 42, got %d", v)
	}
	if store.setCalls.Load() != 1 {
		t.Errorf("Expected one Set attempt, got %d", store.setCalls.Load())
	}

	t.Log("✓ Cache write failure never fails the read")
}

func TestWithCache_GetFailsOpen(t *testing.T) {
	ctx := context.Background()
	store := &faultyStore{
		Store:  newMemory(t, clockwork.NewRealClock()),
		getErr: cache.ErrStoreUnavailable,
	}
	c := New(Config{Store: store})

	var counter atomic.Int32
	for i := 0; i < 2; i++ {
		v, err := WithCache(ctx, c, "k", time.Minute, counting(&counter, 7))
		if err != nil || v != 7 {
			t.Fatalf("Expected 7 from producer, got %d (%v)", v, err)
		}
	}
	if counter.Load() != 2 {
		t.Errorf("Expected producer per call while store is down, got %d", counter.Load())
	}

	t.Log("✓ Store read failure degrades to producer")
}

// TestInvalidate_ThenReadIsFresh covers invalidation followed by a read
func TestInvalidate_ThenReadIsFresh(t *testing.T) {
	ctx := context.Background()
	c := New(Config{Store: newMemory(t, clockwork.NewRealClock())})

	var source atomic.Value
	source.Store("v1")
	produce := func(ctx context.Context) (string, error) {
		return source.Load().(string), nil
	}

	if v, _ := WithCache(ctx, c, "user:portfolio:0xa", time.Minute, produce); v != "v1" {
		t.Fatalf("Expected v1, got %s", v)
	}

	source.Store("v2")
	if v, _ := WithCache(ctx, c, "user:portfolio:0xa", time.Minute, produce); v != "v1" {
		t.Fatalf("Expected cached v1 before invalidation, got %s", v)
	}

	if err := c.Invalidate(ctx, "user:portfolio:0xa"); err != nil {
		t.Fatalf("Invalidate failed: %v", err)
	}
	if v, _ := WithCache(ctx, c, "user:portfolio:0xa", time.Minute, produce); v != "v2" {
		t.Errorf("Expected fresh v2 after invalidation, got %s", v)
	}

	t.Log("✓ Read after invalidation is fresh")
}

func TestInvalidate_ReturnsStoreError(t *testing.T) {
	boom := errors.New("redis down")
	store := &faultyStore{Store: newMemory(t, clockwork.NewRealClock()), delErr: boom}
	c := New(Config{Store: store})

	if err := c.Invalidate(context.Background(), "k"); !errors.Is(err, boom) {
		t.Errorf("Expected delete error to be returned, got %v", err)
	}
}

func TestProducerError_PropagatesAndIsNotCached(t *testing.T) {
	ctx := context.Background()
	store := newMemory(t, clockwork.NewRealClock())
	c := New(Config{Store: store})
	notFound := errors.New("pool not found")

	var counter atomic.Int32
	failing := func(ctx context.Context) (int, error) {
		counter.Add(1)
		return 0, notFound
	}

	for i := 0; i < 2; i++ {
		_, err := WithCache(ctx, c, "pool:info:0xp", time.Minute, failing)
		if !errors.Is(err, notFound) {
			t.Fatalf("Expected wrapped producer error, got %v", err)
		}
		var pe *ProducerError
		if !errors.As(err, &pe) || pe.Key != "pool:info:0xp" {
			t.Errorf("Expected *ProducerError for key, got %v", err)
		}
	}

	if counter.Load() != 2 {
		t.Errorf("Expected failures not to be cached, producer ran %d times", counter.Load())
	}
	if _, err := store.Get(ctx, "pool:info:0xp"); !errors.Is(err, cache.ErrNotFound) {
		t.Errorf("Expected nothing cached, got %v", err)
	}
}

func TestProducerError_SharedByAllWaiters(t *testing.T) {
	ctx := context.Background()
	c := New(Config{Store: newMemory(t, clockwork.NewRealClock())})
	upstream := errors.New("rpc timeout")

	var counter atomic.Int32
	produce := func(ctx context.Context) (int, error) {
		counter.Add(1)
		time.Sleep(100 * time.Millisecond)
		return 0, upstream
	}

	var wg sync.WaitGroup
	var failures atomic.Int32
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := WithCache(ctx, c, "k", time.Minute, produce); errors.Is(err, upstream) {
				failures.Add(1)
			}
		}()
	}
	wg.Wait()

	if counter.Load() != 1 || failures.Load() != 5 {
		t.Errorf("Expected one production and five failures, got %d and %d", counter.Load(), failures.Load())
	}
}

func TestProducerPanic_BecomesError(t *testing.T) {
	c := New(Config{Store: newMemory(t, clockwork.NewRealClock())})

	_, err := WithCache(context.Background(), c, "k", time.Minute, func(ctx context.Context) (int, error) {
		panic("nil reserves")
	})

	var pe *ProducerError
	if !errors.As(err, &pe) {
		t.Errorf("Expected *ProducerError from panic, got %v", err)
	}
}

// TestWaiterCancellation verifies a cancelled caller does not fail the flight
func TestWaiterCancellation(t *testing.T) {
	store := newMemory(t, clockwork.NewRealClock())
	c := New(Config{Store: store})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := WithCache(ctx, c, "slow", time.Minute, func(ctx context.Context) (int, error) {
		time.Sleep(150 * time.Millisecond)
		if ctx.Err() != nil {
			return 0, ctx.Err()
		}
		return 9, nil
	})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Expected caller deadline, got %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, err := store.Get(context.Background(), "slow"); err == nil {
			t.Log("✓ Flight completed and cached after its caller left")
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Error("Expected flight to finish and cache its value")
}

// TestStaleWriteBackGuard verifies an invalidation during production wins
func TestStaleWriteBackGuard(t *testing.T) {
	ctx := context.Background()
	store := newMemory(t, clockwork.NewRealClock())
	c := New(Config{Store: store})

	started := make(chan struct{})
	release := make(chan struct{})
	var calls atomic.Int32
	produce := func(ctx context.Context) (string, error) {
		if calls.Add(1) == 1 {
			close(started)
			<-release
			return "old", nil
		}
		return "new", nil
	}

	oldResult := make(chan string, 1)
	go func() {
		v, _ := WithCache(ctx, c, "pool:reserves:0xp", time.Minute, produce)
		oldResult <- v
	}()
	<-started

	if err := c.Invalidate(ctx, "pool:reserves:0xp"); err != nil {
		t.Fatalf("Invalidate failed: %v", err)
	}

	// Arrives after the invalidation, must not join the old flight
	v, err := WithCache(ctx, c, "pool:reserves:0xp", time.Minute, produce)
	if err != nil || v != "new" {
		t.Fatalf("Expected new flight to produce 'new', got %q (%v)", v, err)
	}

	close(release)
	if got := <-oldResult; got != "old" {
		t.Errorf("Expected original caller to get its own result, got %q", got)
	}

	hit, err := WithCache(ctx, c, "pool:reserves:0xp", time.Minute, produce)
	if err != nil || hit != "new" {
		t.Errorf("Expected cached 'new', stale 'old' must not be written back; got %q (%v)", hit, err)
	}
	if calls.Load() != 2 {
		t.Errorf("Expected two productions, got %d", calls.Load())
	}

	t.Log("✓ Stale production does not overwrite invalidated key")
}

func TestStaleWriteBackGuard_Pattern(t *testing.T) {
	ctx := context.Background()
	store := newMemory(t, clockwork.NewRealClock())
	c := New(Config{Store: store})

	started := make(chan struct{})
	release := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = WithCache(ctx, c, "fees:user:0xa:pool:0xp", time.Minute, func(ctx context.Context) (int, error) {
			close(started)
			<-release
			return 1, nil
		})
	}()
	<-started

	if _, err := c.InvalidatePattern(ctx, "fees:user:*:pool:0xp"); err != nil {
		t.Fatalf("InvalidatePattern failed: %v", err)
	}
	close(release)
	<-done

	if _, err := store.Get(ctx, "fees:user:0xa:pool:0xp"); !errors.Is(err, cache.ErrNotFound) {
		t.Errorf("Expected fenced flight not to write back, got %v", err)
	}
}

func TestStaleWriteBackGuard_InvalidationDuringSet(t *testing.T) {
	ctx := context.Background()
	store := &faultyStore{Store: newMemory(t, clockwork.NewRealClock())}
	c := New(Config{Store: store})

	var once sync.Once
	store.beforeSet = func(key string) {
		once.Do(func() { _ = c.Invalidate(ctx, key) })
	}

	v, err := WithCache(ctx, c, "user:positions:0xa", time.Minute, func(ctx context.Context) (int, error) {
		return 5, nil
	})
	if err != nil || v != 5 {
		t.Fatalf("Expected 5, got %d (%v)", v, err)
	}

	if _, err := store.Store.Get(ctx, "user:positions:0xa"); !errors.Is(err, cache.ErrNotFound) {
		t.Errorf("Expected value written during invalidation to be removed, got %v", err)
	}
}

func TestFetch_UndecodableEntryIsMiss(t *testing.T) {
	ctx := context.Background()
	store := newMemory(t, clockwork.NewRealClock())
	c := New(Config{Store: store})

	_ = store.Set(ctx, "k", []byte("{not json"), time.Minute)

	var counter atomic.Int32
	v, err := WithCache(ctx, c, "k", time.Minute, counting(&counter, 3))
	if err != nil || v != 3 || counter.Load() != 1 {
		t.Errorf("Expected recompute to 3, got %d (%v) counter %d", v, err, counter.Load())
	}
}

func TestFetch_CallersGetIndependentCopies(t *testing.T) {
	ctx := context.Background()
	c := New(Config{Store: newMemory(t, clockwork.NewRealClock())})

	produce := func(ctx context.Context) ([]int, error) {
		time.Sleep(50 * time.Millisecond)
		return []int{1, 2, 3}, nil
	}

	var wg sync.WaitGroup
	out := make([][]int, 2)
	for i := range out {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			out[i], _ = WithCache(ctx, c, "k", time.Minute, produce)
		}(i)
	}
	wg.Wait()

	out[0][0] = 99
	if out[1][0] != 1 {
		t.Error("Expected callers sharing a flight to receive independent values")
	}

	hit, _ := WithCache(ctx, c, "k", time.Minute, produce)
	if hit[0] != 1 {
		t.Error("Expected cached value unaffected by caller mutation")
	}
}

func TestFetch_UsesPolicyTTL(t *testing.T) {
	ctx := context.Background()
	clock := clockwork.NewFakeClock()
	c := New(Config{Store: newMemory(t, clock)})
	entry := cachekeys.DefaultPolicy().PoolReserves(common.HexToAddress("0x01"))

	var counter atomic.Int32
	_, _ = Fetch(ctx, c, entry, counting(&counter, 1))
	clock.Advance(29 * time.Second)
	_, _ = Fetch(ctx, c, entry, counting(&counter, 1))
	if counter.Load() != 1 {
		t.Errorf("Expected hit within reserves TTL, counter %d", counter.Load())
	}

	clock.Advance(2 * time.Second)
	_, _ = Fetch(ctx, c, entry, counting(&counter, 1))
	if counter.Load() != 2 {
		t.Errorf("Expected recompute after reserves TTL, counter %d", counter.Load())
	}
}

func TestHealthy(t *testing.T) {
	c := New(Config{Store: newMemory(t, clockwork.NewRealClock())})
	if !c.Healthy(context.Background()) {
		t.Error("Expected memory store to be healthy")
	}
}
