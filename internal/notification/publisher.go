package notification

import (
	"context"
	"fmt"
	"strconv"

	"go.opentelemetry.io/otel/attribute"

	"github.com/agatticelli/liquidity-dashboard/internal/invalidation"
	"github.com/agatticelli/liquidity-dashboard/internal/platform/observability"
)

// Sender is the SNS side of the publisher
type Sender interface {
	Publish(ctx context.Context, topicARN string, message any, attributes map[string]string) error
}

// Publisher publishes applied invalidations to SNS so that peer caches and
// the real-time relay can react to them
type Publisher struct {
	sender   Sender
	topicARN string
	logger   *observability.Logger
	tracer   observability.Tracer
}

// PublisherConfig holds publisher configuration
type PublisherConfig struct {
	Sender   Sender
	TopicARN string
	Logger   *observability.Logger
	Tracer   observability.Tracer
}

// NewPublisher creates a new invalidation publisher
func NewPublisher(cfg PublisherConfig) (*Publisher, error) {
	if cfg.Sender == nil {
		return nil, fmt.Errorf("SNS client is required")
	}
	if cfg.TopicARN == "" {
		return nil, fmt.Errorf("SNS topic ARN is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = observability.NewNopLogger()
	}
	if cfg.Tracer == nil {
		cfg.Tracer = observability.NewNoopTracer()
	}

	return &Publisher{
		sender:   cfg.Sender,
		topicARN: cfg.TopicARN,
		logger:   cfg.Logger.Component("publisher"),
		tracer:   cfg.Tracer,
	}, nil
}

// PublishInvalidation publishes n. Message attributes carry the event kind
// and pool so subscriptions can filter without parsing the body.
func (p *Publisher) PublishInvalidation(ctx context.Context, n invalidation.Notice) error {
	ctx, span := p.tracer.StartSpan(ctx, "Publisher.PublishInvalidation",
		observability.WithAttributes(
			attribute.String("event.kind", string(n.Event.Kind)),
			attribute.String("topic_arn", p.topicARN),
		),
	)
	defer span.End()

	attributes := map[string]string{
		"kind":        string(n.Event.Kind),
		"pool":        n.Event.Pool.Hex(),
		"blockNumber": strconv.FormatUint(n.Event.Block, 10),
	}
	if n.Event.HasUser() {
		attributes["user"] = n.Event.User.Hex()
	}

	if err := p.sender.Publish(ctx, p.topicARN, n, attributes); err != nil {
		span.NoticeError(err)
		return fmt.Errorf("SNS publish failed: %w", err)
	}

	p.logger.LogDebug(ctx, "published invalidation",
		"kind", n.Event.Kind,
		"pool", n.Event.Pool.Hex(),
		"targets", len(n.Targets.All()),
	)
	return nil
}
