package readthrough

import (
	"sync"
	"sync/atomic"

	"golang.org/x/sync/singleflight"

	"github.com/agatticelli/liquidity-dashboard/internal/platform/cache"
)

// Flight is one in-progress production for a key
type Flight struct {
	stale atomic.Bool
}

// Stale reports whether an invalidation overlapped this flight
func (f *Flight) Stale() bool {
	return f.stale.Load()
}

// Coordinator guarantees at most one production per key at a time and lets
// invalidations fence off productions that started before them.
type Coordinator struct {
	group singleflight.Group

	mu      sync.Mutex
	flights map[string]*Flight
}

// NewCoordinator creates an empty coordinator
func NewCoordinator() *Coordinator {
	return &Coordinator{flights: make(map[string]*Flight)}
}

// Do joins the current flight for key or starts one running fn.
// fn runs once per flight regardless of how many callers wait on it.
func (c *Coordinator) Do(key string, fn func(f *Flight) ([]byte, error)) <-chan singleflight.Result {
	return c.group.DoChan(key, func() (any, error) {
		f := c.register(key)
		defer c.unregister(key, f)
		return fn(f)
	})
}

func (c *Coordinator) register(key string) *Flight {
	f := &Flight{}
	c.mu.Lock()
	c.flights[key] = f
	c.mu.Unlock()
	return f
}

func (c *Coordinator) unregister(key string, f *Flight) {
	c.mu.Lock()
	// A newer flight may own the slot after an invalidation
	if c.flights[key] == f {
		delete(c.flights, key)
	}
	c.mu.Unlock()
}

// MarkStale fences the in-flight production for key, if any. Callers
// arriving afterwards start a new flight instead of joining it.
func (c *Coordinator) MarkStale(key string) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	f, ok := c.flights[key]
	if !ok {
		c.group.Forget(key)
		return 0
	}
	f.stale.Store(true)
	delete(c.flights, key)
	c.group.Forget(key)
	return 1
}

// MarkStalePattern fences every in-flight production whose key matches pattern.
func (c *Coordinator) MarkStalePattern(pattern string) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	n := 0
	for key, f := range c.flights {
		if !cache.MatchPattern(pattern, key) {
			continue
		}
		f.stale.Store(true)
		delete(c.flights, key)
		c.group.Forget(key)
		n++
	}
	return n
}

// InFlight returns the number of productions currently running
func (c *Coordinator) InFlight() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.flights)
}
