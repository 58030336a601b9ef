package chain

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/agatticelli/liquidity-dashboard/internal/platform/observability"
)

// ErrNoHealthyEndpoint is returned when every RPC endpoint is marked down
var ErrNoHealthyEndpoint = errors.New("no healthy RPC endpoints available")

// RPCEndpoint represents a single Ethereum RPC endpoint
type RPCEndpoint struct {
	URL     string
	Weight  int
	Client  *ethclient.Client
	healthy atomic.Bool
}

// ClientPool spreads read calls over several RPC endpoints, skipping the ones
// that fail health checks. It satisfies bind.ContractCaller and
// ethereum.LogFilterer so contract bindings and the watcher's polling
// fallback can use it directly.
type ClientPool struct {
	endpoints      []*RPCEndpoint
	current        int
	mu             sync.Mutex
	logger         *observability.Logger
	metrics        *observability.Metrics
	healthCheckTTL time.Duration
	cancel         context.CancelFunc
}

// ClientPoolConfig holds client pool configuration
type ClientPoolConfig struct {
	Endpoints      []EndpointConfig
	Logger         *observability.Logger
	Metrics        *observability.Metrics
	HealthCheckTTL time.Duration
}

// EndpointConfig represents endpoint configuration
type EndpointConfig struct {
	URL    string
	Weight int
}

// NewClientPool dials every endpoint and starts background health checks.
// Endpoints that fail to dial are kept and retried by the health checker.
func NewClientPool(ctx context.Context, cfg ClientPoolConfig) (*ClientPool, error) {
	if len(cfg.Endpoints) == 0 {
		return nil, fmt.Errorf("at least one RPC endpoint is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = observability.NewNopLogger()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observability.NewNopMetrics()
	}
	if cfg.HealthCheckTTL == 0 {
		cfg.HealthCheckTTL = 30 * time.Second
	}
	logger := cfg.Logger.Component("client_pool")

	endpoints := make([]*RPCEndpoint, 0, len(cfg.Endpoints))
	healthy := 0
	for _, epCfg := range cfg.Endpoints {
		endpoint := &RPCEndpoint{URL: epCfg.URL, Weight: epCfg.Weight}

		client, err := ethclient.DialContext(ctx, epCfg.URL)
		if err != nil {
			logger.LogError(ctx, "failed to connect to RPC endpoint", err, "url", epCfg.URL)
		} else {
			endpoint.Client = client
			endpoint.healthy.Store(true)
			healthy++
			logger.LogInfo(ctx, "connected to RPC endpoint", "url", epCfg.URL, "weight", epCfg.Weight)
		}
		endpoints = append(endpoints, endpoint)
	}

	if healthy == 0 {
		return nil, ErrNoHealthyEndpoint
	}

	hcCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	pool := &ClientPool{
		endpoints:      endpoints,
		logger:         logger,
		metrics:        cfg.Metrics,
		healthCheckTTL: cfg.HealthCheckTTL,
		cancel:         cancel,
	}
	go pool.runHealthChecks(hcCtx)

	return pool, nil
}

// GetClient returns the next healthy client using round-robin selection
func (cp *ClientPool) GetClient() (*ethclient.Client, error) {
	ep, err := cp.next()
	if err != nil {
		return nil, err
	}
	return ep.Client, nil
}

func (cp *ClientPool) next() (*RPCEndpoint, error) {
	cp.mu.Lock()
	defer cp.mu.Unlock()

	for i := 0; i < len(cp.endpoints); i++ {
		endpoint := cp.endpoints[cp.current]
		cp.current = (cp.current + 1) % len(cp.endpoints)

		if endpoint.healthy.Load() && endpoint.Client != nil {
			return endpoint, nil
		}
	}
	return nil, ErrNoHealthyEndpoint
}

// MarkUnhealthy marks an endpoint as unhealthy until the next passing check
func (cp *ClientPool) MarkUnhealthy(url string) {
	for _, endpoint := range cp.endpoints {
		if endpoint.URL != url {
			continue
		}
		if endpoint.healthy.Swap(false) {
			cp.logger.LogWarn(context.Background(), "marking RPC endpoint as unhealthy", "url", url)
			cp.metrics.RecordRPCEndpointHealth(context.Background(), url, false)
		}
		return
	}
}

func (cp *ClientPool) runHealthChecks(ctx context.Context) {
	ticker := time.NewTicker(cp.healthCheckTTL)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cp.checkAllEndpoints(ctx)
		}
	}
}

func (cp *ClientPool) checkAllEndpoints(ctx context.Context) {
	checkCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	var wg sync.WaitGroup
	for _, endpoint := range cp.endpoints {
		wg.Add(1)
		go func(ep *RPCEndpoint) {
			defer wg.Done()
			cp.checkEndpoint(checkCtx, ep)
		}(endpoint)
	}
	wg.Wait()
}

// checkEndpoint probes eth_blockNumber, redialing endpoints that never connected
func (cp *ClientPool) checkEndpoint(ctx context.Context, endpoint *RPCEndpoint) {
	cp.mu.Lock()
	client := endpoint.Client
	cp.mu.Unlock()

	if client == nil {
		c, err := ethclient.DialContext(ctx, endpoint.URL)
		if err != nil {
			cp.metrics.RecordRPCEndpointHealth(ctx, endpoint.URL, false)
			return
		}
		cp.mu.Lock()
		endpoint.Client = c
		cp.mu.Unlock()
		client = c
	}

	if _, err := client.BlockNumber(ctx); err != nil {
		// A check cut short by our own timeout says nothing about the endpoint
		if ctx.Err() != nil {
			cp.logger.LogDebug(ctx, "RPC health check interrupted", "url", endpoint.URL, "error", err)
			return
		}
		if endpoint.healthy.Swap(false) {
			cp.logger.LogError(ctx, "RPC endpoint health check failed", err, "url", endpoint.URL)
		}
		cp.metrics.RecordRPCEndpointHealth(ctx, endpoint.URL, false)
		return
	}

	if !endpoint.healthy.Swap(true) {
		cp.logger.LogInfo(ctx, "RPC endpoint is now healthy", "url", endpoint.URL)
	}
	cp.metrics.RecordRPCEndpointHealth(ctx, endpoint.URL, true)
}

// GetHealthyEndpointCount returns the number of healthy endpoints
func (cp *ClientPool) GetHealthyEndpointCount() int {
	count := 0
	for _, endpoint := range cp.endpoints {
		if endpoint.healthy.Load() {
			count++
		}
	}
	return count
}

// GetEndpointStatus returns status of all endpoints
func (cp *ClientPool) GetEndpointStatus() map[string]bool {
	status := make(map[string]bool, len(cp.endpoints))
	for _, endpoint := range cp.endpoints {
		status[endpoint.URL] = endpoint.healthy.Load()
	}
	return status
}

// HealthCheck fails when no endpoint is usable
func (cp *ClientPool) HealthCheck(context.Context) error {
	if cp.GetHealthyEndpointCount() == 0 {
		return ErrNoHealthyEndpoint
	}
	return nil
}

// Close stops health checks and closes all client connections
func (cp *ClientPool) Close() {
	if cp.cancel != nil {
		cp.cancel()
	}

	cp.mu.Lock()
	defer cp.mu.Unlock()
	for _, endpoint := range cp.endpoints {
		if endpoint.Client != nil {
			endpoint.Client.Close()
		}
	}
}

// call runs fn on the next healthy client and records its outcome
func call[T any](ctx context.Context, cp *ClientPool, method string, fn func(*ethclient.Client) (T, error)) (T, error) {
	var zero T
	ep, err := cp.next()
	if err != nil {
		return zero, err
	}

	start := time.Now()
	res, err := fn(ep.Client)
	status := "success"
	if err != nil {
		status = "error"
	}
	cp.metrics.RecordRPCCall(ctx, method, status, time.Since(start))
	return res, err
}

// CodeAt implements bind.ContractCaller
func (cp *ClientPool) CodeAt(ctx context.Context, contract common.Address, blockNumber *big.Int) ([]byte, error) {
	return call(ctx, cp, "eth_getCode", func(c *ethclient.Client) ([]byte, error) {
		return c.CodeAt(ctx, contract, blockNumber)
	})
}

// CallContract implements bind.ContractCaller
func (cp *ClientPool) CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error) {
	return call(ctx, cp, "eth_call", func(c *ethclient.Client) ([]byte, error) {
		return c.CallContract(ctx, msg, blockNumber)
	})
}

// FilterLogs implements ethereum.LogFilterer
func (cp *ClientPool) FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error) {
	return call(ctx, cp, "eth_getLogs", func(c *ethclient.Client) ([]types.Log, error) {
		return c.FilterLogs(ctx, q)
	})
}

// SubscribeFilterLogs implements ethereum.LogFilterer. HTTP endpoints do not
// support subscriptions, so this normally fails and callers fall back to polling.
func (cp *ClientPool) SubscribeFilterLogs(ctx context.Context, q ethereum.FilterQuery, ch chan<- types.Log) (ethereum.Subscription, error) {
	return call(ctx, cp, "eth_subscribe", func(c *ethclient.Client) (ethereum.Subscription, error) {
		return c.SubscribeFilterLogs(ctx, q, ch)
	})
}

// BlockNumber returns the latest block number from a healthy endpoint
func (cp *ClientPool) BlockNumber(ctx context.Context) (uint64, error) {
	return call(ctx, cp, "eth_blockNumber", func(c *ethclient.Client) (uint64, error) {
		return c.BlockNumber(ctx)
	})
}
