package aws

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/ethereum/go-ethereum/common"

	"github.com/agatticelli/liquidity-dashboard/internal/domain"
	"github.com/agatticelli/liquidity-dashboard/internal/money"
	"github.com/agatticelli/liquidity-dashboard/internal/platform/resilience"
)

// --- SNS ---

type fakeSNS struct {
	mu     sync.Mutex
	inputs []*sns.PublishInput
	fails  int
	err    error
}

func (f *fakeSNS) Publish(ctx context.Context, in *sns.PublishInput, _ ...func(*sns.Options)) (*sns.PublishOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fails > 0 {
		f.fails--
		return nil, f.err
	}
	f.inputs = append(f.inputs, in)
	return &sns.PublishOutput{MessageId: aws.String("m-1")}, nil
}

func testSNSClient(t *testing.T, api SNSAPI) *SNSClient {
	t.Helper()
	policy := resilience.NewPolicy(resilience.PolicyConfig{
		Name:    "sns-test",
		Breaker: resilience.CircuitBreakerConfig{FailureThreshold: 3},
		Limiter: resilience.AdaptiveLimiterConfig{BaseRate: 1000, Burst: 1000},
		Retry:   resilience.RetryConfig{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond},
	})
	client, err := NewSNSClient(SNSClientConfig{Client: api, Policy: policy})
	if err != nil {
		t.Fatalf("NewSNSClient failed: %v", err)
	}
	return client
}

func TestNewSNSClient_RequiresClient(t *testing.T) {
	if _, err := NewSNSClient(SNSClientConfig{}); err == nil {
		t.Fatal("Expected error without API client")
	}
}

func TestSNSClient_Publish(t *testing.T) {
	api := &fakeSNS{}
	client := testSNSClient(t, api)

	err := client.Publish(context.Background(), "arn:aws:sns:us-east-1:000000000000:invalidations",
		map[string]string{"kind": "swap"}, map[string]string{"kind": "swap"})
	if err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	if len(api.inputs) != 1 {
		t.Fatalf("Expected 1 publish, got %d", len(api.inputs))
	}
	in := api.inputs[0]
	if *in.Message != `{"kind":"swap"}` {
		t.Errorf("Unexpected message body %s", *in.Message)
	}
	if v := in.MessageAttributes["kind"]; *v.StringValue != "swap" || *v.DataType != "String" {
		t.Errorf("Unexpected attribute %+v", v)
	}
}

func TestSNSClient_RetriesTransientFailure(t *testing.T) {
	api := &fakeSNS{fails: 2, err: errors.New("connection reset")}
	client := testSNSClient(t, api)

	if err := client.Publish(context.Background(), "arn", "x", nil); err != nil {
		t.Fatalf("Expected publish to succeed after retries, got %v", err)
	}
	if len(api.inputs) != 1 {
		t.Errorf("Expected 1 delivered message, got %d", len(api.inputs))
	}

	t.Log("✓ Transient SNS failures retried")
}

func TestSNSClient_BreakerOpens(t *testing.T) {
	api := &fakeSNS{fails: 100, err: errors.New("service unavailable")}
	client := testSNSClient(t, api)

	_ = client.Publish(context.Background(), "arn", "x", nil)

	if client.CircuitBreakerState() != resilience.StateOpen {
		t.Errorf("Expected breaker open, got %s", client.CircuitBreakerState())
	}

	client.ResetCircuitBreaker()
	if client.CircuitBreakerState() != resilience.StateClosed {
		t.Errorf("Expected breaker closed after reset, got %s", client.CircuitBreakerState())
	}
}

func TestSNSClient_PublishBatch(t *testing.T) {
	api := &fakeSNS{}
	client := testSNSClient(t, api)

	if err := client.PublishBatch(context.Background(), "arn", []any{"a", "b"}, map[string]string{"k": "v"}); err != nil {
		t.Fatalf("PublishBatch failed: %v", err)
	}
	if len(api.inputs) != 2 {
		t.Fatalf("Expected 2 publishes, got %d", len(api.inputs))
	}
	if got := *api.inputs[1].MessageAttributes["batch_index"].StringValue; got != "1" {
		t.Errorf("Expected batch_index 1, got %s", got)
	}
}

// --- DynamoDB fee ledger ---

// fakeDynamo is an in-memory table that pages one item at a time
type fakeDynamo struct {
	mu      sync.Mutex
	items   map[string]map[string]types.AttributeValue
	order   []string
	queries int
	err     error
}

func newFakeDynamo() *fakeDynamo {
	return &fakeDynamo{items: make(map[string]map[string]types.AttributeValue)}
}

func itemKey(item map[string]types.AttributeValue) string {
	pk := item["pk"].(*types.AttributeValueMemberS).Value
	tx := item["tx_hash"].(*types.AttributeValueMemberS).Value
	return pk + "|" + tx
}

func (f *fakeDynamo) PutItem(ctx context.Context, in *dynamodb.PutItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	k := itemKey(in.Item)
	if _, exists := f.items[k]; exists && in.ConditionExpression != nil {
		return nil, &types.ConditionalCheckFailedException{Message: aws.String("exists")}
	}
	f.items[k] = in.Item
	f.order = append(f.order, k)
	return &dynamodb.PutItemOutput{}, nil
}

func (f *fakeDynamo) Query(ctx context.Context, in *dynamodb.QueryInput, _ ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queries++
	if f.err != nil {
		return nil, f.err
	}

	pk := in.ExpressionAttributeValues[":pk"].(*types.AttributeValueMemberS).Value
	start := ""
	if in.ExclusiveStartKey != nil {
		start = itemKey(in.ExclusiveStartKey)
	}

	skipping := start != ""
	for _, k := range f.order {
		item := f.items[k]
		if item["pk"].(*types.AttributeValueMemberS).Value != pk {
			continue
		}
		if skipping {
			if k == start {
				skipping = false
			}
			continue
		}
		return &dynamodb.QueryOutput{
			Items:            []map[string]types.AttributeValue{item},
			LastEvaluatedKey: map[string]types.AttributeValue{"pk": item["pk"], "tx_hash": item["tx_hash"]},
		}, nil
	}
	return &dynamodb.QueryOutput{}, nil
}

var (
	ledgerUser = common.HexToAddress("0x00000000000000000000000000000000000000aA")
	ledgerPool = common.HexToAddress("0xB4e16d0168e52d35CaCD2c6185b44281Ec28C9Dc")
)

func TestDynamoFeeLedger_Validation(t *testing.T) {
	if _, err := NewDynamoFeeLedger(nil, "t", nil); err == nil {
		t.Error("Expected error without client")
	}
	if _, err := NewDynamoFeeLedger(newFakeDynamo(), "", nil); err == nil {
		t.Error("Expected error without table")
	}
}

func TestDynamoFeeLedger_RecordAndSum(t *testing.T) {
	api := newFakeDynamo()
	ledger, _ := NewDynamoFeeLedger(api, "fee-claims", nil)
	ctx := context.Background()

	claims := []domain.FeeClaim{
		{User: ledgerUser, Pool: ledgerPool, AmountUSD: money.NewUSDFromCents(1000), TxHash: common.HexToHash("0x01")},
		{User: ledgerUser, Pool: ledgerPool, AmountUSD: money.NewUSDFromCents(250), TxHash: common.HexToHash("0x02")},
		{User: ledgerUser, Pool: common.HexToAddress("0x01"), AmountUSD: money.NewUSDFromCents(9999), TxHash: common.HexToHash("0x03")},
	}
	for _, c := range claims {
		if err := ledger.RecordFeeClaim(ctx, c); err != nil {
			t.Fatalf("RecordFeeClaim failed: %v", err)
		}
	}

	total, err := ledger.StoredFeeEarnings(ctx, ledgerUser, ledgerPool)
	if err != nil {
		t.Fatalf("StoredFeeEarnings failed: %v", err)
	}
	if total != money.NewUSDFromCents(1250) {
		t.Errorf("Expected $12.50, got %s", total)
	}
	if api.queries < 2 {
		t.Errorf("Expected pagination across pages, got %d queries", api.queries)
	}

	t.Log("✓ Claims summed across pages for one user and pool")
}

func TestDynamoFeeLedger_DuplicateClaimIgnored(t *testing.T) {
	api := newFakeDynamo()
	ledger, _ := NewDynamoFeeLedger(api, "fee-claims", nil)
	ctx := context.Background()

	claim := domain.FeeClaim{User: ledgerUser, Pool: ledgerPool, AmountUSD: money.NewUSDFromCents(500), TxHash: common.HexToHash("0x0a")}
	for i := 0; i < 2; i++ {
		if err := ledger.RecordFeeClaim(ctx, claim); err != nil {
			t.Fatalf("RecordFeeClaim attempt %d failed: %v", i, err)
		}
	}

	total, _ := ledger.StoredFeeEarnings(ctx, ledgerUser, ledgerPool)
	if total != money.NewUSDFromCents(500) {
		t.Errorf("Expected duplicate claim counted once, got %s", total)
	}
}

func TestDynamoFeeLedger_RecordShape(t *testing.T) {
	api := newFakeDynamo()
	ledger, _ := NewDynamoFeeLedger(api, "fee-claims", nil)

	at := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	_ = ledger.RecordFeeClaim(context.Background(), domain.FeeClaim{
		User: ledgerUser, Pool: ledgerPool, AmountUSD: money.NewUSDFromCents(42), TxHash: common.HexToHash("0x0b"), ClaimedAt: at,
	})

	var rec feeClaimRecord
	for _, item := range api.items {
		if err := attributevalue.UnmarshalMap(item, &rec); err != nil {
			t.Fatalf("UnmarshalMap failed: %v", err)
		}
	}
	if rec.PK != partitionKey(ledgerUser, ledgerPool) {
		t.Errorf("Unexpected partition key %s", rec.PK)
	}
	if rec.ClaimedAt != "2024-01-02T03:04:05Z" {
		t.Errorf("Unexpected claimed_at %s", rec.ClaimedAt)
	}
	if rec.AmountCents != 42 {
		t.Errorf("Expected 42 cents, got %d", rec.AmountCents)
	}
}

func TestDynamoFeeLedger_UpstreamError(t *testing.T) {
	api := newFakeDynamo()
	api.err = errors.New("throttled")
	ledger, _ := NewDynamoFeeLedger(api, "fee-claims", nil)

	if _, err := ledger.StoredFeeEarnings(context.Background(), ledgerUser, ledgerPool); !errors.Is(err, domain.ErrUpstreamUnavailable) {
		t.Errorf("Expected ErrUpstreamUnavailable, got %v", err)
	}
	if err := ledger.RecordFeeClaim(context.Background(), domain.FeeClaim{User: ledgerUser, Pool: ledgerPool}); !errors.Is(err, domain.ErrUpstreamUnavailable) {
		t.Errorf("Expected ErrUpstreamUnavailable, got %v", err)
	}
}
