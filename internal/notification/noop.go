package notification

import (
	"context"

	"github.com/agatticelli/liquidity-dashboard/internal/invalidation"
	"github.com/agatticelli/liquidity-dashboard/internal/platform/observability"
)

// NoOpPublisher only logs invalidations.
// Use this when SNS is not configured (local development, testing).
type NoOpPublisher struct {
	logger *observability.Logger
}

// NewNoOpPublisher creates a new no-op publisher
func NewNoOpPublisher(logger *observability.Logger) *NoOpPublisher {
	if logger == nil {
		logger = observability.NewNopLogger()
	}
	return &NoOpPublisher{logger: logger.Component("publisher")}
}

// PublishInvalidation logs n instead of publishing it
func (p *NoOpPublisher) PublishInvalidation(ctx context.Context, n invalidation.Notice) error {
	p.logger.LogDebug(ctx, "invalidation applied (SNS disabled)",
		"kind", n.Event.Kind,
		"pool", n.Event.Pool.Hex(),
		"targets", len(n.Targets.All()),
	)
	return nil
}
