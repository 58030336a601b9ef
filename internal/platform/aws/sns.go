package aws

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/aws/aws-sdk-go-v2/service/sns/types"

	"github.com/agatticelli/liquidity-dashboard/internal/platform/observability"
	"github.com/agatticelli/liquidity-dashboard/internal/platform/resilience"
)

// SNSAPI is the subset of the SNS client used here
type SNSAPI interface {
	Publish(ctx context.Context, params *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error)
}

// SNSClient wraps AWS SNS client with resilience patterns
type SNSClient struct {
	client  SNSAPI
	policy  *resilience.Policy
	logger  *observability.Logger
	metrics *observability.Metrics
}

// SNSClientConfig holds SNS client configuration
type SNSClientConfig struct {
	Client  SNSAPI
	Logger  *observability.Logger
	Metrics *observability.Metrics
	// Policy defaults to a breaker named "sns" with the default retry
	Policy *resilience.Policy
}

// NewSNSClient creates a new SNS client with resilience patterns
func NewSNSClient(cfg SNSClientConfig) (*SNSClient, error) {
	if cfg.Client == nil {
		return nil, fmt.Errorf("SNS API client is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = observability.NewNopLogger()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observability.NewNopMetrics()
	}

	logger := cfg.Logger.Component("sns")
	policy := cfg.Policy
	if policy == nil {
		policy = resilience.NewPolicy(resilience.PolicyConfig{
			Name: "sns",
			Breaker: resilience.CircuitBreakerConfig{
				FailureThreshold: 5,
				SuccessThreshold: 2,
				Timeout:          30 * time.Second,
				OnStateChange: func(name string, from, to resilience.State) {
					logger.LogInfo(context.Background(), "SNS circuit breaker state changed",
						"from", from.String(),
						"to", to.String(),
					)
				},
			},
			Limiter: resilience.AdaptiveLimiterConfig{BaseRate: 50},
			Retry:   resilience.DefaultRetryConfig(),
			Metrics: cfg.Metrics,
		})
	}

	return &SNSClient{
		client:  cfg.Client,
		policy:  policy,
		logger:  logger,
		metrics: cfg.Metrics,
	}, nil
}

// Publish publishes a message to SNS topic with retry and circuit breaker
func (s *SNSClient) Publish(ctx context.Context, topicARN string, message any, attributes map[string]string) error {
	start := time.Now()

	body, err := json.Marshal(message)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	_, err = resilience.Do(ctx, s.policy, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, s.publishOnce(ctx, topicARN, string(body), attributes)
	})

	status := "success"
	if err != nil {
		status = "error"
		s.logger.LogError(ctx, "SNS publish failed", err,
			"topic_arn", topicARN,
			"duration_ms", time.Since(start).Milliseconds(),
		)
	}
	s.metrics.RecordPublish(ctx, "sns", status)

	return err
}

// publishOnce is a single attempt
func (s *SNSClient) publishOnce(ctx context.Context, topicARN, message string, attributes map[string]string) error {
	messageAttributes := make(map[string]types.MessageAttributeValue, len(attributes))
	for k, v := range attributes {
		messageAttributes[k] = types.MessageAttributeValue{
			DataType:    aws.String("String"),
			StringValue: aws.String(v),
		}
	}

	_, err := s.client.Publish(ctx, &sns.PublishInput{
		TopicArn:          aws.String(topicARN),
		Message:           aws.String(message),
		MessageAttributes: messageAttributes,
	})
	if err != nil {
		return fmt.Errorf("SNS publish failed: %w", err)
	}
	return nil
}

// PublishBatch publishes messages in order, stopping at the first failure.
// SNS has no ordered batch publish for standard topics.
func (s *SNSClient) PublishBatch(ctx context.Context, topicARN string, messages []any, attributes map[string]string) error {
	for i, msg := range messages {
		batchAttrs := make(map[string]string, len(attributes)+1)
		for k, v := range attributes {
			batchAttrs[k] = v
		}
		batchAttrs["batch_index"] = strconv.Itoa(i)

		if err := s.Publish(ctx, topicARN, msg, batchAttrs); err != nil {
			return fmt.Errorf("batch publish failed at index %d: %w", i, err)
		}
	}
	return nil
}

// CircuitBreakerState returns current circuit breaker state
func (s *SNSClient) CircuitBreakerState() resilience.State {
	return s.policy.Breaker().State()
}

// ResetCircuitBreaker manually resets the circuit breaker
func (s *SNSClient) ResetCircuitBreaker() {
	s.policy.Breaker().Reset()
}
