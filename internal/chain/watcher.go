package chain

import (
	"context"
	"fmt"
	"math/big"
	"math/rand"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"go.opentelemetry.io/otel/attribute"

	"github.com/agatticelli/liquidity-dashboard/internal/platform/observability"
)

// LogSource is the log access the watcher needs
type LogSource interface {
	ethereum.LogFilterer
	BlockNumber(ctx context.Context) (uint64, error)
}

// WSClient is a LogSource holding a connection
type WSClient interface {
	LogSource
	Close()
}

// Dialer opens a WebSocket connection
type Dialer func(ctx context.Context, url string) (WSClient, error)

func dialEthclient(ctx context.Context, url string) (WSClient, error) {
	client, err := ethclient.DialContext(ctx, url)
	if err != nil {
		return nil, err
	}
	return client, nil
}

// ReconnectConfig holds reconnection configuration
type ReconnectConfig struct {
	BaseDelay time.Duration
	MaxDelay  time.Duration
	Jitter    float64
}

// DefaultReconnectConfig returns default reconnection configuration
func DefaultReconnectConfig() ReconnectConfig {
	return ReconnectConfig{
		BaseDelay: time.Second,
		MaxDelay:  30 * time.Second,
		Jitter:    0.2,
	}
}

// WatcherConfig holds watcher configuration
type WatcherConfig struct {
	WebSocketURLs []string
	Factory       common.Address

	// Addresses optionally restricts the watched pairs. The factory is
	// always watched for PairCreated.
	Addresses []common.Address

	// Fallback serves polling and gap backfill, usually the ClientPool
	Fallback LogSource

	Dial              Dialer
	Logger            *observability.Logger
	Metrics           *observability.Metrics
	Tracer            observability.Tracer
	ReconnectConfig   ReconnectConfig
	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration
	PollInterval      time.Duration
	MaxWSFailures     int
	MaxBlockRange     uint64
}

// Watcher streams pool events over a WebSocket log subscription. After
// MaxWSFailures consecutive failures it polls FilterLogs on the fallback
// source, and periodically tries to return to WebSocket mode. Blocks missed
// while reconnecting are backfilled from the fallback.
type Watcher struct {
	wsURLs            []string
	currentURLIdx     int
	factory           common.Address
	addresses         []common.Address
	fallback          LogSource
	dial              Dialer
	logger            *observability.Logger
	metrics           *observability.Metrics
	tracer            observability.Tracer
	reconnectConfig   ReconnectConfig
	heartbeatInterval time.Duration
	heartbeatTimeout  time.Duration
	pollInterval      time.Duration
	maxWSFailures     int
	maxBlockRange     uint64

	mu                sync.RWMutex
	client            WSClient
	isConnected       bool
	lastBlockNumber   uint64
	reconnectAttempts int
	wsFailureCount    int
}

// NewWatcher creates a new pool event watcher
func NewWatcher(cfg WatcherConfig) (*Watcher, error) {
	if len(cfg.WebSocketURLs) == 0 && cfg.Fallback == nil {
		return nil, fmt.Errorf("at least one WebSocket URL or a fallback source is required")
	}
	if cfg.Factory == (common.Address{}) {
		return nil, fmt.Errorf("factory address is required")
	}

	if cfg.Dial == nil {
		cfg.Dial = dialEthclient
	}
	if cfg.Logger == nil {
		cfg.Logger = observability.NewNopLogger()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observability.NewNopMetrics()
	}
	if cfg.Tracer == nil {
		cfg.Tracer = observability.NewNoopTracer()
	}
	if cfg.ReconnectConfig.MaxDelay == 0 {
		cfg.ReconnectConfig = DefaultReconnectConfig()
	}
	if cfg.HeartbeatInterval == 0 {
		cfg.HeartbeatInterval = 30 * time.Second
	}
	if cfg.HeartbeatTimeout == 0 {
		cfg.HeartbeatTimeout = 5 * time.Second
	}
	if cfg.PollInterval == 0 {
		cfg.PollInterval = 12 * time.Second // ~1 block
	}
	if cfg.MaxWSFailures == 0 {
		cfg.MaxWSFailures = 3
	}
	if cfg.MaxBlockRange == 0 {
		cfg.MaxBlockRange = 2000
	}

	return &Watcher{
		wsURLs:            cfg.WebSocketURLs,
		factory:           cfg.Factory,
		addresses:         cfg.Addresses,
		fallback:          cfg.Fallback,
		dial:              cfg.Dial,
		logger:            cfg.Logger.Component("watcher"),
		metrics:           cfg.Metrics,
		tracer:            cfg.Tracer,
		reconnectConfig:   cfg.ReconnectConfig,
		heartbeatInterval: cfg.HeartbeatInterval,
		heartbeatTimeout:  cfg.HeartbeatTimeout,
		pollInterval:      cfg.PollInterval,
		maxWSFailures:     cfg.MaxWSFailures,
		maxBlockRange:     cfg.MaxBlockRange,
	}, nil
}

func (w *Watcher) query(from, to *big.Int) ethereum.FilterQuery {
	q := ethereum.FilterQuery{
		FromBlock: from,
		ToBlock:   to,
		Topics:    watchedTopics(),
	}
	if len(w.addresses) > 0 {
		q.Addresses = append([]common.Address{w.factory}, w.addresses...)
	}
	return q
}

// Subscribe starts watching and returns channels for events and errors.
// Both channels are closed when ctx is done.
func (w *Watcher) Subscribe(ctx context.Context) (<-chan Event, <-chan error, error) {
	eventCh := make(chan Event, 64)
	errCh := make(chan error, 10)

	wsMode := len(w.wsURLs) > 0
	if wsMode {
		if err := w.connect(ctx); err != nil {
			if w.fallback == nil {
				return nil, nil, fmt.Errorf("initial connection failed: %w", err)
			}
			wsMode = false
			w.logger.LogWarn(ctx, "initial WebSocket connection failed, starting in HTTP polling mode",
				"error", err, "poll_interval_seconds", w.pollInterval.Seconds())
		}
	}

	go w.loop(ctx, eventCh, errCh, wsMode)

	return eventCh, errCh, nil
}

func (w *Watcher) connect(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	url := w.wsURLs[w.currentURLIdx]
	w.logger.LogInfo(ctx, "connecting to Ethereum WebSocket", "url", url, "attempt", w.reconnectAttempts+1)

	client, err := w.dial(ctx, url)
	if err != nil {
		w.currentURLIdx = (w.currentURLIdx + 1) % len(w.wsURLs)
		return fmt.Errorf("failed to connect to %s: %w", url, err)
	}

	head, err := client.BlockNumber(ctx)
	if err != nil {
		client.Close()
		w.currentURLIdx = (w.currentURLIdx + 1) % len(w.wsURLs)
		return fmt.Errorf("connection verification failed for %s: %w", url, err)
	}

	w.client = client
	w.isConnected = true
	w.reconnectAttempts = 0
	if w.lastBlockNumber == 0 {
		w.lastBlockNumber = head
	}

	w.metrics.SetWatcherConnected(ctx, true)
	w.logger.LogInfo(ctx, "connected to Ethereum WebSocket", "url", url, "head", head)
	return nil
}

func (w *Watcher) disconnect(ctx context.Context) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.client != nil {
		w.client.Close()
		w.client = nil
	}
	if w.isConnected {
		w.metrics.SetWatcherConnected(ctx, false)
	}
	w.isConnected = false
}

func (w *Watcher) loop(ctx context.Context, eventCh chan<- Event, errCh chan<- error, wsMode bool) {
	defer close(eventCh)
	defer close(errCh)
	defer w.disconnect(context.WithoutCancel(ctx))

	for ctx.Err() == nil {
		if wsMode {
			wsMode = w.runWebSocket(ctx, eventCh, errCh)
		} else {
			wsMode = w.runPolling(ctx, eventCh, errCh)
		}
	}
	w.logger.LogInfo(context.WithoutCancel(ctx), "context cancelled, stopping watcher")
}

// runWebSocket holds one subscription and reconnects once on failure. It
// returns false to switch to polling.
func (w *Watcher) runWebSocket(ctx context.Context, eventCh chan<- Event, errCh chan<- error) bool {
	err := w.subscribeLogs(ctx, eventCh)
	if err == nil || ctx.Err() != nil {
		return true
	}

	w.logger.LogError(ctx, "subscription error", err)
	w.reportError(ctx, errCh, err)

	w.mu.Lock()
	w.wsFailureCount++
	failures := w.wsFailureCount
	switchToHTTP := w.fallback != nil && failures >= w.maxWSFailures
	w.mu.Unlock()

	w.disconnect(ctx)

	if switchToHTTP {
		w.logger.LogWarn(ctx, "switching to HTTP polling fallback", "ws_failures", failures)
		return false
	}

	delay := w.calculateReconnectDelay()
	w.mu.RLock()
	attempts := w.reconnectAttempts
	w.mu.RUnlock()
	w.metrics.RecordWatcherReconnect(ctx, attempts)
	w.logger.LogInfo(ctx, "reconnecting after delay", "delay_seconds", delay.Seconds(), "attempts", attempts)

	select {
	case <-time.After(delay):
	case <-ctx.Done():
		return true
	}

	w.mu.Lock()
	w.reconnectAttempts++
	w.mu.Unlock()

	if err := w.connect(ctx); err != nil {
		w.logger.LogError(ctx, "reconnection failed", err, "attempts", attempts+1)
		return true
	}

	w.mu.Lock()
	w.wsFailureCount = 0
	w.mu.Unlock()

	// Logs emitted while disconnected
	if err := w.backfill(ctx, eventCh); err != nil {
		w.logger.LogError(ctx, "gap recovery failed", err)
	}
	return true
}

func (w *Watcher) subscribeLogs(ctx context.Context, eventCh chan<- Event) error {
	w.mu.RLock()
	client := w.client
	w.mu.RUnlock()

	if client == nil {
		return fmt.Errorf("client not connected")
	}

	logs := make(chan types.Log, 128)
	sub, err := client.SubscribeFilterLogs(ctx, w.query(nil, nil), logs)
	if err != nil {
		return fmt.Errorf("failed to subscribe to pool logs: %w", err)
	}
	defer sub.Unsubscribe()

	w.logger.LogInfo(ctx, "subscribed to pool logs")

	heartbeat := time.NewTicker(w.heartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case err := <-sub.Err():
			if err != nil {
				return fmt.Errorf("subscription error: %w", err)
			}
			return fmt.Errorf("subscription closed")

		case lg := <-logs:
			if err := w.handleLog(ctx, lg, "ws", eventCh); err != nil {
				return err
			}

		case <-heartbeat.C:
			// eth_subscribe has no ping; a stalled socket shows up here
			checkCtx, cancel := context.WithTimeout(ctx, w.heartbeatTimeout)
			_, err := client.BlockNumber(checkCtx)
			cancel()
			if err != nil {
				return fmt.Errorf("heartbeat failed: %w", err)
			}
		}
	}
}

// runPolling polls until an error, then decays the failure count and tries
// WebSocket again once it reaches zero. It returns true to switch back.
func (w *Watcher) runPolling(ctx context.Context, eventCh chan<- Event, errCh chan<- error) bool {
	if err := w.pollLogs(ctx, eventCh); err != nil && ctx.Err() == nil {
		w.logger.LogError(ctx, "HTTP polling error", err)
		w.reportError(ctx, errCh, err)

		select {
		case <-time.After(w.pollInterval):
		case <-ctx.Done():
			return false
		}
	}
	if ctx.Err() != nil || len(w.wsURLs) == 0 {
		return false
	}

	w.mu.Lock()
	if w.wsFailureCount > 0 {
		w.wsFailureCount--
	}
	tryWebSocket := w.wsFailureCount == 0
	w.mu.Unlock()

	if !tryWebSocket {
		return false
	}

	w.logger.LogInfo(ctx, "attempting to switch back to WebSocket mode")
	if err := w.connect(ctx); err != nil {
		w.logger.LogWarn(ctx, "failed to reconnect to WebSocket, staying in HTTP mode", "error", err)
		w.mu.Lock()
		w.wsFailureCount = 1
		w.mu.Unlock()
		return false
	}
	w.logger.LogInfo(ctx, "switched back to WebSocket mode")
	return true
}

// pollLogs runs one polling window of maxWSFailures ticks
func (w *Watcher) pollLogs(ctx context.Context, eventCh chan<- Event) error {
	if w.fallback == nil {
		return fmt.Errorf("fallback source not configured for HTTP polling")
	}

	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	for i := 0; i < w.maxWSFailures; i++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := w.backfill(ctx, eventCh); err != nil {
				return err
			}
		}
	}
	return nil
}

// backfill fetches logs from the block after the last one seen up to the
// current head, in chunks of maxBlockRange.
func (w *Watcher) backfill(ctx context.Context, eventCh chan<- Event) error {
	if w.fallback == nil {
		return nil
	}

	head, err := w.fallback.BlockNumber(ctx)
	if err != nil {
		return fmt.Errorf("block number fetch failed: %w", err)
	}

	w.mu.Lock()
	last := w.lastBlockNumber
	if last == 0 {
		// Nothing seen yet: start at the head rather than genesis
		w.lastBlockNumber = head
		w.mu.Unlock()
		return nil
	}
	w.mu.Unlock()

	for from := last + 1; from <= head; from += w.maxBlockRange {
		to := from + w.maxBlockRange - 1
		if to > head {
			to = head
		}

		logs, err := w.fallback.FilterLogs(ctx, w.query(new(big.Int).SetUint64(from), new(big.Int).SetUint64(to)))
		if err != nil {
			return fmt.Errorf("filter logs %d-%d: %w", from, to, err)
		}
		for _, lg := range logs {
			if err := w.handleLog(ctx, lg, "http", eventCh); err != nil {
				return err
			}
		}

		w.mu.Lock()
		if to > w.lastBlockNumber {
			w.lastBlockNumber = to
		}
		w.mu.Unlock()
	}
	return nil
}

func (w *Watcher) handleLog(ctx context.Context, lg types.Log, source string, eventCh chan<- Event) error {
	ev, ok, err := DecodeLog(w.factory, lg)
	if err != nil {
		w.logger.LogWarn(ctx, "skipping undecodable log", "tx", lg.TxHash.Hex(), "error", err)
		return nil
	}

	w.mu.Lock()
	if lg.BlockNumber > w.lastBlockNumber {
		w.lastBlockNumber = lg.BlockNumber
	}
	w.mu.Unlock()

	if !ok {
		return nil
	}

	spanCtx, span := w.tracer.StartSpan(ctx, "Watcher.handleLog",
		observability.WithAttributes(
			attribute.String("event.kind", string(ev.Kind)),
			attribute.String("pool", ev.Pool.Hex()),
			attribute.Int64("block_number", int64(ev.Block)),
			attribute.String("source", source),
		))
	defer span.End()

	w.metrics.RecordChainEvent(spanCtx, string(ev.Kind))

	select {
	case eventCh <- ev:
		return nil
	case <-spanCtx.Done():
		return spanCtx.Err()
	}
}

func (w *Watcher) reportError(ctx context.Context, errCh chan<- error, err error) {
	select {
	case errCh <- err:
	default:
		w.logger.LogWarn(ctx, "error channel full, dropping error", "error", err)
	}
}

// calculateReconnectDelay is exponential backoff with jitter
func (w *Watcher) calculateReconnectDelay() time.Duration {
	w.mu.RLock()
	attempts := w.reconnectAttempts
	w.mu.RUnlock()

	delay := w.reconnectConfig.BaseDelay
	for i := 0; i < attempts && delay < w.reconnectConfig.MaxDelay; i++ {
		delay *= 2
	}
	if delay > w.reconnectConfig.MaxDelay {
		delay = w.reconnectConfig.MaxDelay
	}

	// Jitter range: [delay * (1 - jitter), delay * (1 + jitter)]
	if j := w.reconnectConfig.Jitter; j > 0 {
		delay = time.Duration(float64(delay) * (1.0 + (rand.Float64()*2-1)*j))
	}
	return delay
}

// IsConnected returns whether the WebSocket subscription is up
func (w *Watcher) IsConnected() bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.isConnected
}

// LastBlockNumber returns the highest block processed
func (w *Watcher) LastBlockNumber() uint64 {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.lastBlockNumber
}
