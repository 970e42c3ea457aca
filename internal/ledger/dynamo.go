package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"kobo_connect/internal/domain"
)

// DynamoAPI is the subset of the DynamoDB client used by DynamoStore.
type DynamoAPI interface {
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	GetItem(ctx context.Context, in *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
}

// DynamoStore keeps the ledger in a table with partition key "uuid" (form
// group) and sort key "id" (submission).
type DynamoStore struct {
	DB    DynamoAPI
	Table string
}

// NewDynamoStore creates a store on an existing table.
func NewDynamoStore(db DynamoAPI, table string) *DynamoStore {
	return &DynamoStore{DB: db, Table: table}
}

func (s *DynamoStore) CreateIfAbsent(ctx context.Context, rec domain.SubmissionRecord) (domain.SubmissionRecord, bool, error) {
	item, err := attributevalue.MarshalMap(rec)
	if err != nil {
		return domain.SubmissionRecord{}, false, err
	}
	_, err = s.DB.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(s.Table),
		Item:                item,
		ConditionExpression: aws.String("attribute_not_exists(id)"),
	})
	if err == nil {
		return rec, true, nil
	}

	var ccf *types.ConditionalCheckFailedException
	if !errors.As(err, &ccf) {
		return domain.SubmissionRecord{}, false, fmt.Errorf("put submission: %w", err)
	}
	existing, err := s.Get(ctx, rec.ID, rec.GroupID)
	if err != nil {
		return domain.SubmissionRecord{}, false, err
	}
	return existing, false, nil
}

func (s *DynamoStore) Replace(ctx context.Context, rec domain.SubmissionRecord) error {
	item, err := attributevalue.MarshalMap(rec)
	if err != nil {
		return err
	}
	if _, err := s.DB.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(s.Table),
		Item:      item,
	}); err != nil {
		return fmt.Errorf("replace submission: %w", err)
	}
	return nil
}

func (s *DynamoStore) Swap(ctx context.Context, rec domain.SubmissionRecord, from domain.SubmissionStatus) (bool, error) {
	item, err := attributevalue.MarshalMap(rec)
	if err != nil {
		return false, err
	}
	_, err = s.DB.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:                aws.String(s.Table),
		Item:                     item,
		ConditionExpression:      aws.String("#s = :from"),
		ExpressionAttributeNames: map[string]string{"#s": "status"},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":from": &types.AttributeValueMemberS{Value: string(from)},
		},
	})
	if err == nil {
		return true, nil
	}
	var ccf *types.ConditionalCheckFailedException
	if errors.As(err, &ccf) {
		return false, nil
	}
	return false, fmt.Errorf("swap submission: %w", err)
}

func (s *DynamoStore) Get(ctx context.Context, id, groupID string) (domain.SubmissionRecord, error) {
	out, err := s.DB.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(s.Table),
		Key: map[string]types.AttributeValue{
			"uuid": &types.AttributeValueMemberS{Value: groupID},
			"id":   &types.AttributeValueMemberS{Value: id},
		},
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return domain.SubmissionRecord{}, fmt.Errorf("get submission: %w", err)
	}
	if len(out.Item) == 0 {
		return domain.SubmissionRecord{}, ErrNotFound
	}
	var rec domain.SubmissionRecord
	if err := attributevalue.UnmarshalMap(out.Item, &rec); err != nil {
		return domain.SubmissionRecord{}, fmt.Errorf("decode submission: %w", err)
	}
	return rec, nil
}

func (s *DynamoStore) Type() string { return "dynamodb" }
