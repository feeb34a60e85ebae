package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

const skPrefixTurn = "TURN#"

// dynamodbAPI is the part of the DynamoDB client the archive uses.
type dynamodbAPI interface {
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	Query(ctx context.Context, in *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
}

type DynamoConfig struct {
	Table string        `envconfig:"TABLE" split_words:"true"`
	TTL   time.Duration `envconfig:"TTL" split_words:"true" default:"720h"`
}

func (c DynamoConfig) Enabled() bool {
	return strings.TrimSpace(c.Table) != ""
}

// DynamoArchive stores one item per turn under the customer's partition.
type DynamoArchive struct {
	api   dynamodbAPI
	table string
	ttl   time.Duration
}

func NewDynamoArchive(api dynamodbAPI, cfg DynamoConfig) (*DynamoArchive, error) {
	if api == nil {
		return nil, errors.New("dynamodb api is required")
	}
	table := strings.TrimSpace(cfg.Table)
	if table == "" {
		return nil, errors.New("dynamodb table name is required")
	}
	return &DynamoArchive{api: api, table: table, ttl: cfg.TTL}, nil
}

// NewDynamoArchiveFromEnv builds the client from the default AWS credential chain.
func NewDynamoArchiveFromEnv(ctx context.Context, cfg DynamoConfig) (*DynamoArchive, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return NewDynamoArchive(dynamodb.NewFromConfig(awsCfg), cfg)
}

func customerPK(customerID int64) string {
	return "CUST#" + strconv.FormatInt(customerID, 10)
}

func turnSK(t *ConversationTurn) string {
	return skPrefixTurn + t.StartedAt.UTC().Format(time.RFC3339Nano) + "#" + t.ID
}

func (a *DynamoArchive) Save(ctx context.Context, turn *ConversationTurn) error {
	if err := turn.Validate(); err != nil {
		return err
	}
	snap := turn.Snapshot()
	payload, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal turn: %w", err)
	}

	item := map[string]types.AttributeValue{
		"PK":      &types.AttributeValueMemberS{Value: customerPK(snap.CustomerID)},
		"SK":      &types.AttributeValueMemberS{Value: turnSK(snap)},
		"turnId":  &types.AttributeValueMemberS{Value: snap.ID},
		"state":   &types.AttributeValueMemberS{Value: string(snap.State)},
		"payload": &types.AttributeValueMemberS{Value: string(payload)},
	}
	if a.ttl > 0 {
		item["ttl"] = &types.AttributeValueMemberN{Value: strconv.FormatInt(time.Now().Add(a.ttl).Unix(), 10)}
	}

	_, err = a.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(a.table),
		Item:                item,
		ConditionExpression: aws.String("attribute_not_exists(PK) AND attribute_not_exists(SK)"),
	})
	if err != nil {
		return fmt.Errorf("archive turn=%s: %w", snap.ID, err)
	}
	return nil
}

func (a *DynamoArchive) Recent(ctx context.Context, customerID int64, limit int) ([]*ConversationTurn, error) {
	in := &dynamodb.QueryInput{
		TableName:              aws.String(a.table),
		KeyConditionExpression: aws.String("PK = :pk AND begins_with(SK, :prefix)"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk":     &types.AttributeValueMemberS{Value: customerPK(customerID)},
			":prefix": &types.AttributeValueMemberS{Value: skPrefixTurn},
		},
		ScanIndexForward: aws.Bool(false),
	}
	if limit > 0 {
		in.Limit = aws.Int32(int32(limit))
	}

	out, err := a.api.Query(ctx, in)
	if err != nil {
		return nil, fmt.Errorf("query turns: %w", err)
	}

	turns := make([]*ConversationTurn, 0, len(out.Items))
	for _, item := range out.Items {
		attr, ok := item["payload"].(*types.AttributeValueMemberS)
		if !ok {
			return nil, errors.New("turn item has no payload")
		}
		var turn ConversationTurn
		if err := json.Unmarshal([]byte(attr.Value), &turn); err != nil {
			return nil, fmt.Errorf("unmarshal turn: %w", err)
		}
		turn.archived = true
		turns = append(turns, &turn)
	}
	return turns, nil
}
