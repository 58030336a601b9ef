package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-lambda-go/lambda"

	"github.com/agatticelli/liquidity-dashboard/internal/invalidation"
	"github.com/agatticelli/liquidity-dashboard/internal/platform/observability"
	"github.com/agatticelli/liquidity-dashboard/internal/platform/resilience"
)

// errRejected marks webhook responses that will not succeed on retry
var errRejected = errors.New("webhook rejected notice")

// HTTPError represents a non-2xx webhook response
type HTTPError struct {
	StatusCode int
	Message    string
}

func (e *HTTPError) Error() string {
	return e.Message
}

// Unwrap classifies 4xx other than 429 as rejected
func (e *HTTPError) Unwrap() error {
	if e.StatusCode >= 400 && e.StatusCode < 500 && e.StatusCode != http.StatusTooManyRequests {
		return errRejected
	}
	return nil
}

// relay forwards invalidation notices to the real-time service
type relay struct {
	webhookURL string
	client     *http.Client
	policy     *resilience.Policy
	logger     *observability.Logger
}

func newPolicy(retry resilience.RetryConfig) *resilience.Policy {
	return resilience.NewPolicy(resilience.PolicyConfig{
		Name: "realtime_webhook",
		Breaker: resilience.CircuitBreakerConfig{
			FailureThreshold: 5,
			SuccessThreshold: 1,
			Timeout:          30 * time.Second,
		},
		Limiter:   resilience.AdaptiveLimiterConfig{BaseRate: 50, Burst: 50},
		Retry:     retry,
		Permanent: []error{errRejected},
	})
}

// target prefers the environment, then the per-message attribute
func (r *relay) target(record events.SQSMessage) string {
	if r.webhookURL != "" {
		return r.webhookURL
	}
	if attr, ok := record.MessageAttributes["webhookURL"]; ok && attr.StringValue != nil {
		return *attr.StringValue
	}
	return ""
}

// Handle forwards every notice in the batch. Records without a webhook
// target are dropped rather than retried.
func (r *relay) Handle(ctx context.Context, sqsEvent events.SQSEvent) (events.SQSEventResponse, error) {
	r.logger.LogInfo(ctx, "processing SQS records", "count", len(sqsEvent.Records))

	var batchItemFailures []events.SQSBatchItemFailure
	sent := 0

	for _, record := range sqsEvent.Records {
		notice, err := decodeNotice(record.Body)
		if err != nil {
			r.logger.LogError(ctx, "failed to decode notice", err, "message_id", record.MessageId)
			batchItemFailures = append(batchItemFailures, events.SQSBatchItemFailure{ItemIdentifier: record.MessageId})
			continue
		}

		url := r.target(record)
		if url == "" {
			r.logger.LogWarn(ctx, "no webhook URL configured, skipping record", "message_id", record.MessageId)
			continue
		}

		if err := r.send(ctx, url, notice); err != nil {
			r.logger.LogError(ctx, "failed to relay notice", err,
				"message_id", record.MessageId, "kind", notice.Event.Kind, "url", maskURL(url))
			if !errors.Is(err, errRejected) {
				batchItemFailures = append(batchItemFailures, events.SQSBatchItemFailure{ItemIdentifier: record.MessageId})
			}
			continue
		}

		sent++
		r.logger.LogDebug(ctx, "notice relayed", "kind", notice.Event.Kind, "url", maskURL(url))
	}

	r.logger.LogInfo(ctx, "batch processed",
		"records", len(sqsEvent.Records),
		"sent", sent,
		"failed", len(batchItemFailures),
	)
	return events.SQSEventResponse{BatchItemFailures: batchItemFailures}, nil
}

// decodeNotice unwraps the SNS envelope around a notice
func decodeNotice(body string) (invalidation.Notice, error) {
	var env struct {
		Message string `json:"Message"`
	}
	if err := json.Unmarshal([]byte(body), &env); err != nil {
		return invalidation.Notice{}, fmt.Errorf("parse SQS body: %w", err)
	}
	if env.Message == "" {
		return invalidation.Notice{}, errors.New("SQS body carries no SNS message")
	}
	var n invalidation.Notice
	if err := json.Unmarshal([]byte(env.Message), &n); err != nil {
		return invalidation.Notice{}, fmt.Errorf("parse notice: %w", err)
	}
	return n, nil
}

func (r *relay) send(ctx context.Context, url string, notice invalidation.Notice) error {
	body, err := json.Marshal(notice)
	if err != nil {
		return fmt.Errorf("failed to marshal notice: %w", err)
	}
	_, err = resilience.Do(ctx, r.policy, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, r.post(ctx, url, body)
	})
	return err
}

// post makes a single webhook request
func (r *relay) post(ctx context.Context, url string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "Liquidity-Dashboard-Relay/1.0")

	resp, err := r.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	return &HTTPError{
		StatusCode: resp.StatusCode,
		Message:    fmt.Sprintf("webhook failed with status code %d", resp.StatusCode),
	}
}

// maskURL masks sensitive parts of URL for logging
func maskURL(url string) string {
	if len(url) > 30 {
		return url[:15] + "..." + url[len(url)-10:]
	}
	return url
}

func main() {
	logger := observability.NewLogger(os.Getenv("LOG_LEVEL"), "json")
	r := &relay{
		webhookURL: os.Getenv("WEBHOOK_URL"),
		client:     &http.Client{Timeout: 5 * time.Second},
		policy: newPolicy(resilience.RetryConfig{
			MaxAttempts: 3,
			BaseDelay:   time.Second,
			MaxDelay:    4 * time.Second,
			MaxJitter:   100 * time.Millisecond,
		}),
		logger: logger.Component("realtime_relay"),
	}
	logger.Info("realtime relay lambda initialized")
	lambda.Start(r.Handle)
}
