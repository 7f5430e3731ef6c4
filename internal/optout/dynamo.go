package optout

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// dynamoAPI is the slice of the DynamoDB client the registry uses.
type dynamoAPI interface {
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	DeleteItem(ctx context.Context, params *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
}

// Dynamo is a DynamoDB-backed registry. One item per opted-out address,
// keyed PK=ACCOUNT#<id>, SK=ADDR#<address>.
type Dynamo struct {
	client    dynamoAPI
	tableName string
}

// optOutItem is the persisted DynamoDB record.
type optOutItem struct {
	PK         string `dynamodbav:"PK"`
	SK         string `dynamodbav:"SK"`
	AccountID  string `dynamodbav:"account_id"`
	Address    string `dynamodbav:"address"`
	OptedOutAt string `dynamodbav:"opted_out_at"`
}

// NewDynamo creates a registry over the given table.
func NewDynamo(ctx context.Context, tableName, region string) (*Dynamo, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("loading AWS config: %w", err)
	}
	return NewDynamoWithClient(dynamodb.NewFromConfig(cfg), tableName), nil
}

// NewDynamoWithClient wires an existing client, used by tests.
func NewDynamoWithClient(client dynamoAPI, tableName string) *Dynamo {
	return &Dynamo{client: client, tableName: tableName}
}

func (d *Dynamo) key(accountID, address string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"PK": &types.AttributeValueMemberS{Value: "ACCOUNT#" + accountID},
		"SK": &types.AttributeValueMemberS{Value: "ADDR#" + address},
	}
}

func (d *Dynamo) IsOptedOut(ctx context.Context, accountID, address string) (bool, error) {
	result, err := d.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(d.tableName),
		Key:       d.key(accountID, address),
	})
	if err != nil {
		return false, fmt.Errorf("getting opt-out item: %w", err)
	}
	return result.Item != nil, nil
}

func (d *Dynamo) Add(ctx context.Context, accountID, address string) error {
	av, err := attributevalue.MarshalMap(optOutItem{
		PK:         "ACCOUNT#" + accountID,
		SK:         "ADDR#" + address,
		AccountID:  accountID,
		Address:    address,
		OptedOutAt: time.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		return fmt.Errorf("marshaling opt-out item: %w", err)
	}
	_, err = d.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(d.tableName),
		Item:      av,
	})
	if err != nil {
		return fmt.Errorf("putting opt-out item: %w", err)
	}
	return nil
}

func (d *Dynamo) Remove(ctx context.Context, accountID, address string) error {
	_, err := d.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(d.tableName),
		Key:       d.key(accountID, address),
	})
	if err != nil {
		return fmt.Errorf("deleting opt-out item: %w", err)
	}
	return nil
}
