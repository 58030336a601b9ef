package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/agatticelli/liquidity-dashboard/internal/api"
	"github.com/agatticelli/liquidity-dashboard/internal/cachekeys"
	"github.com/agatticelli/liquidity-dashboard/internal/chain"
	"github.com/agatticelli/liquidity-dashboard/internal/domain"
	"github.com/agatticelli/liquidity-dashboard/internal/fees"
	"github.com/agatticelli/liquidity-dashboard/internal/ingest"
	"github.com/agatticelli/liquidity-dashboard/internal/invalidation"
	"github.com/agatticelli/liquidity-dashboard/internal/money"
	"github.com/agatticelli/liquidity-dashboard/internal/notification"
	"github.com/agatticelli/liquidity-dashboard/internal/platform/aws"
	"github.com/agatticelli/liquidity-dashboard/internal/platform/cache"
	"github.com/agatticelli/liquidity-dashboard/internal/platform/config"
	"github.com/agatticelli/liquidity-dashboard/internal/platform/observability"
	"github.com/agatticelli/liquidity-dashboard/internal/platform/resilience"
	"github.com/agatticelli/liquidity-dashboard/internal/platform/worker"
	"github.com/agatticelli/liquidity-dashboard/internal/pools"
	"github.com/agatticelli/liquidity-dashboard/internal/positions"
	"github.com/agatticelli/liquidity-dashboard/internal/readthrough"
	"github.com/agatticelli/liquidity-dashboard/internal/storage"
)

const serviceName = "liquidity-dashboard"

// feeLedger is the stored fee earnings backend
type feeLedger interface {
	RecordFeeClaim(ctx context.Context, c domain.FeeClaim) error
	StoredFeeEarnings(ctx context.Context, user, pool common.Address) (money.USD, error)
}

// eventRecorder sends fee claims to the configured ledger and swap volume to
// the repository.
type eventRecorder struct {
	ledger feeLedger
	repo   *storage.Repository
}

func (r eventRecorder) RecordFeeClaim(ctx context.Context, c domain.FeeClaim) error {
	return r.ledger.RecordFeeClaim(ctx, c)
}

func (r eventRecorder) RecordSwap(ctx context.Context, v domain.SwapVolume) error {
	return r.repo.RecordSwap(ctx, v)
}

func configPath() string {
	if p := os.Getenv("CONFIG_PATH"); p != "" {
		return p
	}
	return "config.yaml"
}

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	log.Println("Loading configuration...")
	cfg := config.MustLoad(configPath())

	// Setup observability (foundational - must be first)
	log.Println("Setting up observability...")
	logger := observability.NewLogger(cfg.Observability.Logging.Level, cfg.Observability.Logging.Format)

	metrics, err := observability.NewMetrics(ctx, observability.MetricsConfig{
		ServiceName:  serviceName,
		Enabled:      cfg.Observability.Metrics.Enabled,
		Exporter:     cfg.Observability.Metrics.Exporter,
		OTLPEndpoint: cfg.Observability.Metrics.OTLPEndpoint,
	})
	if err != nil {
		log.Fatalf("Failed to create metrics: %v", err)
	}

	tp, err := observability.NewTracerProvider(ctx, observability.TracingConfig{
		ServiceName: serviceName,
		Environment: cfg.Observability.Environment,
		Endpoint:    cfg.Observability.Tracing.Endpoint,
		Enabled:     cfg.Observability.Tracing.Enabled,
		Sampler:     cfg.Observability.Tracing.Sampler,
		SampleRatio: cfg.Observability.Tracing.SampleRatio,
	})
	if err != nil {
		log.Fatalf("Failed to create tracer: %v", err)
	}
	tracer := tp.Tracer(serviceName)

	logger.Info("observability setup complete")

	policy, err := cachekeys.NewPolicy(cfg.Cache.TTL)
	if err != nil {
		log.Fatalf("Invalid cache TTL configuration: %v", err)
	}
	registry, err := config.NewTokenRegistry(cfg.Tokens)
	if err != nil {
		log.Fatalf("Invalid token configuration: %v", err)
	}

	// Cache stores. Redis being down at startup is not fatal: reads fail
	// open onto the in-process layer until it comes back.
	logger.Info("setting up cache...")
	layeredCfg := cache.LayeredConfig{
		L1:       cache.NewMemoryStore(cfg.Cache.L1MaxSize),
		L1MaxTTL: cfg.Cache.L1MaxTTL,
		Logger:   logger,
		Metrics:  metrics,
	}
	redisStore, err := cache.NewRedisStore(ctx, cache.RedisConfig{
		Addrs:               cfg.Redis.Addrs,
		Password:            cfg.Redis.Password,
		DB:                  cfg.Redis.DB,
		PoolSize:            cfg.Redis.PoolSize,
		InvalidationChannel: cfg.Redis.InvalidationChannel,
	})
	if err != nil {
		logger.LogWarn(ctx, "redis unavailable, serving from in-process cache only", "error", err)
	} else {
		layeredCfg.L2 = redisStore
	}
	store := cache.NewLayeredStore(layeredCfg)
	defer store.Close()
	go func() {
		if err := store.Run(ctx); err != nil {
			logger.LogError(ctx, "peer invalidation listener stopped", err)
		}
	}()

	rt := readthrough.New(readthrough.Config{
		Store:   store,
		Logger:  logger,
		Metrics: metrics,
		Tracer:  tracer,
	})

	// Ethereum
	logger.Info("connecting to Ethereum...")
	endpoints := make([]chain.EndpointConfig, len(cfg.Ethereum.RPCEndpoints))
	for i, ep := range cfg.Ethereum.RPCEndpoints {
		endpoints[i] = chain.EndpointConfig{
			URL:    ep.URL,
			Weight: ep.Weight,
		}
	}
	clientPool, err := chain.NewClientPool(ctx, chain.ClientPoolConfig{
		Endpoints: endpoints,
		Logger:    logger,
		Metrics:   metrics,
	})
	if err != nil {
		logger.LogError(ctx, "failed to create client pool", err)
		log.Fatalf("Failed to create client pool: %v", err)
	}
	defer clientPool.Close()

	factory := common.HexToAddress(cfg.Ethereum.FactoryAddress)
	reader, err := chain.NewReader(chain.ReaderConfig{
		Caller:  clientPool,
		Factory: factory,
		Policy: resilience.NewPolicy(resilience.PolicyConfig{
			Name: "rpc",
			Breaker: resilience.CircuitBreakerConfig{
				Name:             "rpc",
				FailureThreshold: 5,
				SuccessThreshold: 2,
				Timeout:          30 * time.Second,
			},
			Limiter: resilience.AdaptiveLimiterConfig{
				BaseRate: cfg.Ethereum.RateLimit.RequestsPerSecond,
				Burst:    cfg.Ethereum.RateLimit.Burst,
			},
			Retry:     resilience.DefaultRetryConfig(),
			Permanent: []error{chain.ErrNotFound},
			Metrics:   metrics,
		}),
		CallTimeout: cfg.Ethereum.CallTimeout,
	})
	if err != nil {
		log.Fatalf("Failed to create chain reader: %v", err)
	}

	// Repository
	logger.Info("connecting to postgres...")
	repo, err := storage.Open(ctx, cfg.Postgres, logger)
	if err != nil {
		logger.LogError(ctx, "failed to open repository", err)
		log.Fatalf("Failed to open repository: %v", err)
	}
	defer repo.Close()
	if err := repo.EnsureSchema(ctx); err != nil {
		log.Fatalf("Failed to prepare schema: %v", err)
	}

	// AWS configuration
	awsOpts := aws.Config{Region: cfg.AWS.Region, Endpoint: cfg.AWS.Endpoint}
	awsCfg, err := aws.LoadAWSConfig(ctx, awsOpts)
	if err != nil {
		logger.LogError(ctx, "failed to load AWS config", err)
		log.Fatalf("Failed to load AWS config: %v", err)
	}

	var ledger feeLedger = repo
	if cfg.AWS.FeeLedger == "dynamodb" {
		ledger, err = aws.NewDynamoFeeLedger(aws.NewDynamoAPI(awsCfg, awsOpts), cfg.AWS.FeeLedgerTable, logger)
		if err != nil {
			log.Fatalf("Failed to create DynamoDB fee ledger: %v", err)
		}
	}

	var publisher invalidation.Publisher
	if cfg.AWS.SNSTopicARN != "" {
		snsClient, err := aws.NewSNSClient(aws.SNSClientConfig{
			Client:  aws.NewSNSAPI(awsCfg, awsOpts),
			Logger:  logger,
			Metrics: metrics,
		})
		if err != nil {
			log.Fatalf("Failed to create SNS client: %v", err)
		}
		publisher, err = notification.NewPublisher(notification.PublisherConfig{
			Sender:   snsClient,
			TopicARN: cfg.AWS.SNSTopicARN,
			Logger:   logger,
			Tracer:   tracer,
		})
		if err != nil {
			log.Fatalf("Failed to create publisher: %v", err)
		}
	} else {
		publisher = notification.NewNoOpPublisher(logger)
	}

	// Domain services
	logger.Info("creating services...")
	discovery, err := pools.NewDiscovery(pools.DiscoveryConfig{
		Reader:   reader,
		Cache:    rt,
		Policy:   policy,
		Registry: registry,
		Logger:   logger,
		Tracer:   tracer,
	})
	if err != nil {
		log.Fatalf("Failed to create discovery: %v", err)
	}
	analytics, err := pools.NewAnalytics(pools.AnalyticsConfig{
		Discovery: discovery,
		Volume:    repo,
		Cache:     rt,
		Policy:    policy,
		Registry:  registry,
		Logger:    logger,
		Metrics:   metrics,
		Tracer:    tracer,
	})
	if err != nil {
		log.Fatalf("Failed to create analytics: %v", err)
	}
	tracker, err := positions.NewTracker(positions.TrackerConfig{
		Reader:  reader,
		Pools:   discovery,
		Prices:  analytics,
		Cache:   rt,
		Policy:  policy,
		Logger:  logger,
		Metrics: metrics,
		Tracer:  tracer,
	})
	if err != nil {
		log.Fatalf("Failed to create position tracker: %v", err)
	}
	calculator, err := fees.NewCalculator(fees.Config{
		Ledger:    ledger,
		Positions: tracker,
		Analytics: analytics,
		Cache:     rt,
		Policy:    policy,
		Logger:    logger,
		Metrics:   metrics,
		Tracer:    tracer,
	})
	if err != nil {
		log.Fatalf("Failed to create fee calculator: %v", err)
	}
	portfolios, err := positions.NewPortfolios(positions.PortfolioConfig{
		Tracker: tracker,
		Fees:    calculator,
		Cache:   rt,
		Policy:  policy,
		Logger:  logger,
		Metrics: metrics,
	})
	if err != nil {
		log.Fatalf("Failed to create portfolios: %v", err)
	}

	invalidator, err := invalidation.New(invalidation.Config{
		Cache:     rt,
		Policy:    policy,
		Publisher: publisher,
		Logger:    logger,
		Tracer:    tracer,
	})
	if err != nil {
		log.Fatalf("Failed to create invalidator: %v", err)
	}

	workers, err := worker.NewPool(8)
	if err != nil {
		log.Fatalf("Failed to create worker pool: %v", err)
	}
	defer workers.Close()

	warmer := cache.NewWarmer(logger, workers, cache.WarmupConfig{
		Timeout:         cfg.Cache.WarmupTimeout,
		ContinueOnError: true,
		Parallel:        true,
	})
	warmer.RegisterProvider(discovery)
	go warmer.Warmup(ctx)

	// Chain event ingestion
	logger.Info("creating pool watcher...")
	watcher, err := chain.NewWatcher(chain.WatcherConfig{
		WebSocketURLs: cfg.Ethereum.WebSocketURLs,
		Factory:       factory,
		Fallback:      clientPool,
		Logger:        logger,
		Metrics:       metrics,
		Tracer:        tracer,
		ReconnectConfig: chain.ReconnectConfig{
			BaseDelay: time.Second,
			MaxDelay:  cfg.Ethereum.Reconnect.MaxBackoff,
			Jitter:    cfg.Ethereum.Reconnect.Jitter,
		},
		PollInterval: cfg.Ethereum.PollInterval,
	})
	if err != nil {
		log.Fatalf("Failed to create watcher: %v", err)
	}
	minters, err := chain.NewMintResolver(clientPool)
	if err != nil {
		log.Fatalf("Failed to create mint resolver: %v", err)
	}
	handler, err := ingest.NewHandler(ingest.Config{
		Pools:       discovery,
		Prices:      analytics,
		Swaps:       repo,
		Invalidator: invalidator,
		Minters:     minters,
		Workers:     workers,
		Logger:      logger,
		Tracer:      tracer,
	})
	if err != nil {
		log.Fatalf("Failed to create ingest handler: %v", err)
	}

	server, err := api.NewServer(api.Config{
		Pools:       discovery,
		Analytics:   analytics,
		Positions:   tracker,
		Portfolios:  portfolios,
		Fees:        calculator,
		Invalidator: invalidator,
		Recorder:    eventRecorder{ledger: ledger, repo: repo},
		Cache:       rt,
		Ready: []api.Check{
			{Name: "postgres", Probe: repo.Ping},
			{Name: "ethereum", Probe: clientPool.HealthCheck},
		},
		Metrics: metrics,
		Logger:  logger,
		Tracer:  tracer,
	})
	if err != nil {
		log.Fatalf("Failed to create API server: %v", err)
	}

	addr := fmt.Sprintf(":%d", cfg.HTTP.Port)
	httpServer := server.NewHTTPServer(addr, cfg.HTTP.ReadTimeout, cfg.HTTP.WriteTimeout)
	go func() {
		logger.Info("HTTP server listening", "address", addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.LogError(ctx, "HTTP server error", err)
			cancel()
		}
	}()

	// Setup signal handling
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	ingestDone := make(chan struct{})
	go func() {
		defer close(ingestDone)
		if err := runIngest(ctx, watcher, handler, logger); err != nil {
			logger.LogError(ctx, "ingest error", err)
			cancel()
		}
	}()

	logger.Info("liquidity dashboard started")

	select {
	case <-sigCh:
		logger.Info("shutdown signal received, gracefully stopping...")
	case <-ctx.Done():
		logger.Info("fatal component error, stopping...")
	}

	// Graceful shutdown: stop taking requests, then stop ingest and flush telemetry
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.LogError(shutdownCtx, "HTTP shutdown failed", err)
	}
	cancel()
	<-ingestDone

	if err := metrics.Shutdown(shutdownCtx); err != nil {
		logger.LogError(shutdownCtx, "metrics shutdown failed", err)
	}
	if err := tp.Shutdown(shutdownCtx); err != nil {
		logger.LogError(shutdownCtx, "tracer shutdown failed", err)
	}
	logger.Info("application stopped")
}

// runIngest subscribes to pool events and applies them until ctx is done
func runIngest(ctx context.Context, watcher *chain.Watcher, handler *ingest.Handler, logger *observability.Logger) error {
	events, errs, err := watcher.Subscribe(ctx)
	if err != nil {
		return fmt.Errorf("failed to subscribe to pool events: %w", err)
	}
	logger.Info("subscribed to pool events")
	return handler.Run(ctx, events, errs)
}
