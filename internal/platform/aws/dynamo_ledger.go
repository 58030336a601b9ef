package aws

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/ethereum/go-ethereum/common"

	"github.com/agatticelli/liquidity-dashboard/internal/domain"
	"github.com/agatticelli/liquidity-dashboard/internal/money"
	"github.com/agatticelli/liquidity-dashboard/internal/platform/observability"
)

// DynamoAPI is the subset of the DynamoDB client used by the fee ledger
type DynamoAPI interface {
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	Query(ctx context.Context, params *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
}

// feeClaimRecord is one fee claim, partitioned by user and pool
type feeClaimRecord struct {
	PK          string `dynamodbav:"pk"`
	TxHash      string `dynamodbav:"tx_hash"`
	User        string `dynamodbav:"user"`
	Pool        string `dynamodbav:"pool"`
	AmountCents int64  `dynamodbav:"amount_cents"`
	ClaimedAt   string `dynamodbav:"claimed_at"`
}

// DynamoFeeLedger stores fee claims in a DynamoDB table keyed by
// (pk = user#pool, tx_hash). It is the alternative to the Postgres ledger.
type DynamoFeeLedger struct {
	client DynamoAPI
	table  string
	logger *observability.Logger
}

// NewDynamoFeeLedger creates a ledger over table
func NewDynamoFeeLedger(client DynamoAPI, table string, logger *observability.Logger) (*DynamoFeeLedger, error) {
	if client == nil {
		return nil, fmt.Errorf("DynamoDB client is required")
	}
	if table == "" {
		return nil, fmt.Errorf("fee ledger table name is required")
	}
	if logger == nil {
		logger = observability.NewNopLogger()
	}
	return &DynamoFeeLedger{client: client, table: table, logger: logger.Component("fee_ledger")}, nil
}

func partitionKey(user, pool common.Address) string {
	return strings.ToLower(user.Hex()) + "#" + strings.ToLower(pool.Hex())
}

// RecordFeeClaim writes a claim. A claim already recorded for the same
// transaction is left untouched.
func (l *DynamoFeeLedger) RecordFeeClaim(ctx context.Context, c domain.FeeClaim) error {
	at := c.ClaimedAt
	if at.IsZero() {
		at = time.Now()
	}

	item, err := attributevalue.MarshalMap(feeClaimRecord{
		PK:          partitionKey(c.User, c.Pool),
		TxHash:      c.TxHash.Hex(),
		User:        strings.ToLower(c.User.Hex()),
		Pool:        strings.ToLower(c.Pool.Hex()),
		AmountCents: c.AmountUSD.Cents(),
		ClaimedAt:   at.UTC().Format(time.RFC3339),
	})
	if err != nil {
		return fmt.Errorf("failed to marshal record: %w", err)
	}

	_, err = l.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(l.table),
		Item:                item,
		ConditionExpression: aws.String("attribute_not_exists(tx_hash)"),
	})
	if err != nil {
		var ccf *types.ConditionalCheckFailedException
		if errors.As(err, &ccf) {
			l.logger.LogDebug(ctx, "fee claim already recorded", "tx_hash", c.TxHash.Hex())
			return nil
		}
		return fmt.Errorf("%w: put fee claim: %v", domain.ErrUpstreamUnavailable, err)
	}
	return nil
}

// StoredFeeEarnings sums every claim of user in pool, following pagination.
func (l *DynamoFeeLedger) StoredFeeEarnings(ctx context.Context, user, pool common.Address) (money.USD, error) {
	input := &dynamodb.QueryInput{
		TableName:              aws.String(l.table),
		KeyConditionExpression: aws.String("pk = :pk"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk": &types.AttributeValueMemberS{Value: partitionKey(user, pool)},
		},
	}

	var total money.USD
	for {
		out, err := l.client.Query(ctx, input)
		if err != nil {
			return 0, fmt.Errorf("%w: query fee claims: %v", domain.ErrUpstreamUnavailable, err)
		}

		var records []feeClaimRecord
		if err := attributevalue.UnmarshalListOfMaps(out.Items, &records); err != nil {
			return 0, fmt.Errorf("failed to unmarshal fee claims: %w", err)
		}
		for _, r := range records {
			total = total.Add(money.NewUSDFromCents(r.AmountCents))
		}

		if len(out.LastEvaluatedKey) == 0 {
			return total, nil
		}
		input.ExclusiveStartKey = out.LastEvaluatedKey
	}
}
