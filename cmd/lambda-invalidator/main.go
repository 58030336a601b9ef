package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-lambda-go/lambda"

	"github.com/agatticelli/liquidity-dashboard/internal/cachekeys"
	"github.com/agatticelli/liquidity-dashboard/internal/invalidation"
	"github.com/agatticelli/liquidity-dashboard/internal/platform/cache"
	"github.com/agatticelli/liquidity-dashboard/internal/platform/observability"
	"github.com/agatticelli/liquidity-dashboard/internal/readthrough"
)

// applier removes the cache entries an event makes stale
type applier interface {
	Apply(ctx context.Context, ev invalidation.Event) (invalidation.Targets, error)
}

type handler struct {
	invalidator applier
	logger      *observability.Logger
}

// snsEnvelope is the SQS body of an SNS subscription without raw delivery
type snsEnvelope struct {
	Message string `json:"Message"`
}

// decodeNotice accepts both SNS-wrapped and raw notices
func decodeNotice(body string) (invalidation.Notice, error) {
	payload := body
	var env snsEnvelope
	if err := json.Unmarshal([]byte(body), &env); err != nil {
		return invalidation.Notice{}, fmt.Errorf("parse SQS body: %w", err)
	}
	if env.Message != "" {
		payload = env.Message
	}

	var n invalidation.Notice
	if err := json.Unmarshal([]byte(payload), &n); err != nil {
		return invalidation.Notice{}, fmt.Errorf("parse notice: %w", err)
	}
	return n, nil
}

// Handle applies every notice in the batch to the shared store. Failed
// records are reported so SQS redelivers only those.
func (h *handler) Handle(ctx context.Context, sqsEvent events.SQSEvent) (events.SQSEventResponse, error) {
	h.logger.LogInfo(ctx, "processing SQS records", "count", len(sqsEvent.Records))

	var batchItemFailures []events.SQSBatchItemFailure
	fail := func(record events.SQSMessage, msg string, err error) {
		h.logger.LogError(ctx, msg, err, "message_id", record.MessageId)
		batchItemFailures = append(batchItemFailures, events.SQSBatchItemFailure{
			ItemIdentifier: record.MessageId,
		})
	}

	for _, record := range sqsEvent.Records {
		notice, err := decodeNotice(record.Body)
		if err != nil {
			fail(record, "failed to decode invalidation notice", err)
			continue
		}

		targets, err := h.invalidator.Apply(ctx, notice.Event)
		if err != nil {
			fail(record, "failed to apply invalidation", err)
			continue
		}

		h.logger.LogDebug(ctx, "invalidation applied",
			"kind", notice.Event.Kind,
			"pool", notice.Event.Pool.Hex(),
			"targets", len(targets.All()),
		)
	}

	h.logger.LogInfo(ctx, "batch processed",
		"records", len(sqsEvent.Records),
		"failed", len(batchItemFailures),
	)
	return events.SQSEventResponse{BatchItemFailures: batchItemFailures}, nil
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func main() {
	ctx := context.Background()
	logger := observability.NewLogger(getenv("LOG_LEVEL", "info"), "json")

	redisStore, err := cache.NewRedisStore(ctx, cache.RedisConfig{
		Addrs:               strings.Split(getenv("REDIS_ADDRS", "localhost:6379"), ","),
		Password:            os.Getenv("REDIS_PASSWORD"),
		InvalidationChannel: getenv("REDIS_INVALIDATION_CHANNEL", "dashboard:invalidate"),
	})
	if err != nil {
		panic(fmt.Sprintf("failed to connect to redis: %v", err))
	}

	// No L1 here: deletes go to Redis and are broadcast so that dashboard
	// instances drop their in-process copies.
	store := cache.NewLayeredStore(cache.LayeredConfig{L2: redisStore, Logger: logger})
	inv, err := invalidation.New(invalidation.Config{
		Cache:  readthrough.New(readthrough.Config{Store: store, Logger: logger}),
		Policy: cachekeys.DefaultPolicy(),
		Logger: logger,
	})
	if err != nil {
		panic(fmt.Sprintf("failed to create invalidator: %v", err))
	}

	logger.Info("invalidator lambda initialized")
	h := &handler{invalidator: inv, logger: logger.Component("lambda_invalidator")}
	lambda.Start(h.Handle)
}
