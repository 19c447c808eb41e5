package conversation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/wolfman30/slot-offer-engine/pkg/logging"
)

type dynamoAPI interface {
	PutItem(context.Context, *dynamodb.PutItemInput, ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	GetItem(context.Context, *dynamodb.GetItemInput, ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	TransactWriteItems(context.Context, *dynamodb.TransactWriteItemsInput, ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error)
	Scan(context.Context, *dynamodb.ScanInput, ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error)
}

const (
	conversationKeyPrefix = "conv#"
	addressKeyPrefix      = "addr#"
)

// conversationItem is the DynamoDB shape of a conversation. The full record
// travels as JSON; the top-level attributes exist for conditions and scans.
type conversationItem struct {
	PK                 string `dynamodbav:"pk"`
	ConversationID     string `dynamodbav:"conversationId"`
	DestinationAddress string `dynamodbav:"destinationAddress"`
	State              string `dynamodbav:"state"`
	Version            int64  `dynamodbav:"version"`
	DueAt              int64  `dynamodbav:"dueAt,omitempty"`
	Record             string `dynamodbav:"record"`
	ExpiresAt          int64  `dynamodbav:"expiresAt,omitempty"`
}

// addressItem locks a destination address to its active conversation.
type addressItem struct {
	PK             string `dynamodbav:"pk"`
	ConversationID string `dynamodbav:"conversationId"`
}

// DynamoStore keeps conversations and address locks in one table keyed by pk.
type DynamoStore struct {
	client    dynamoAPI
	tableName string
	retention time.Duration
	logger    *logging.Logger
}

var _ Store = (*DynamoStore)(nil)

// NewDynamoStore builds a store backed by the provided DynamoDB client.
func NewDynamoStore(client dynamoAPI, tableName string, logger *logging.Logger) *DynamoStore {
	if client == nil {
		panic("conversation: dynamodb client cannot be nil")
	}
	if tableName == "" {
		panic("conversation: table name cannot be empty")
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &DynamoStore{client: client, tableName: tableName, logger: logger}
}

// WithTerminalRetention sets the DynamoDB TTL attribute on terminal records.
func (s *DynamoStore) WithTerminalRetention(d time.Duration) *DynamoStore {
	if d > 0 {
		s.retention = d
	}
	return s
}

func (s *DynamoStore) toItem(conv *Conversation) (map[string]types.AttributeValue, error) {
	raw, err := json.Marshal(conv)
	if err != nil {
		return nil, fmt.Errorf("conversation: marshal: %w", err)
	}
	item := conversationItem{
		PK:                 conversationKeyPrefix + conv.ID,
		ConversationID:     conv.ID,
		DestinationAddress: conv.DestinationAddress,
		State:              string(conv.State),
		Version:            conv.Version,
		Record:             string(raw),
	}
	if !conv.DueAt.IsZero() {
		item.DueAt = conv.DueAt.UnixMilli()
	}
	if conv.State.Terminal() && s.retention > 0 {
		item.ExpiresAt = conv.UpdatedAt.Add(s.retention).Unix()
	}
	av, err := attributevalue.MarshalMap(item)
	if err != nil {
		return nil, fmt.Errorf("conversation: marshal item: %w", err)
	}
	return av, nil
}

func (s *DynamoStore) Create(ctx context.Context, conv *Conversation) error {
	if err := validateNew(conv); err != nil {
		return err
	}
	item, err := s.toItem(conv)
	if err != nil {
		return err
	}
	if conv.State.Terminal() {
		_, err := s.client.PutItem(ctx, &dynamodb.PutItemInput{
			TableName:           aws.String(s.tableName),
			Item:                item,
			ConditionExpression: aws.String("attribute_not_exists(pk)"),
		})
		if isConditionFailure(err) {
			return ErrConversationExists
		}
		if err != nil {
			return fmt.Errorf("conversation: put: %w", err)
		}
		return nil
	}

	lock, err := attributevalue.MarshalMap(addressItem{PK: addressKeyPrefix + conv.DestinationAddress, ConversationID: conv.ID})
	if err != nil {
		return fmt.Errorf("conversation: marshal address lock: %w", err)
	}
	_, err = s.client.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{
		TransactItems: []types.TransactWriteItem{
			{Put: &types.Put{
				TableName:           aws.String(s.tableName),
				Item:                item,
				ConditionExpression: aws.String("attribute_not_exists(pk)"),
			}},
			{Put: &types.Put{
				TableName:           aws.String(s.tableName),
				Item:                lock,
				ConditionExpression: aws.String("attribute_not_exists(pk)"),
			}},
		},
	})
	if err != nil {
		if failed := cancelledItems(err); failed != nil {
			if failed[0] {
				return ErrConversationExists
			}
			return ErrActiveConversation
		}
		return fmt.Errorf("conversation: create transaction: %w", err)
	}
	return nil
}

func (s *DynamoStore) Get(ctx context.Context, id string) (*Conversation, error) {
	out, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(s.tableName),
		Key:            map[string]types.AttributeValue{"pk": &types.AttributeValueMemberS{Value: conversationKeyPrefix + id}},
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("conversation: get item: %w", err)
	}
	if out.Item == nil {
		return nil, ErrNotFound
	}
	var item conversationItem
	if err := attributevalue.UnmarshalMap(out.Item, &item); err != nil {
		return nil, fmt.Errorf("conversation: decode item: %w", err)
	}
	var conv Conversation
	if err := json.Unmarshal([]byte(item.Record), &conv); err != nil {
		return nil, fmt.Errorf("conversation: decode record: %w", err)
	}
	conv.Version = item.Version
	return &conv, nil
}

func (s *DynamoStore) CompareAndUpdate(ctx context.Context, id string, expectedVersion int64, mutate func(*Conversation) error) (*Conversation, error) {
	current, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	next, err := applyMutation(current, expectedVersion, mutate)
	if err != nil {
		return nil, err
	}
	item, err := s.toItem(next)
	if err != nil {
		return nil, err
	}
	versionCheck := &types.Put{
		TableName:                aws.String(s.tableName),
		Item:                     item,
		ConditionExpression:      aws.String("#v = :expected"),
		ExpressionAttributeNames: map[string]string{"#v": "version"},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":expected": &types.AttributeValueMemberN{Value: strconv.FormatInt(expectedVersion, 10)},
		},
	}

	if !releasesAddress(current, next) {
		_, err := s.client.PutItem(ctx, &dynamodb.PutItemInput{
			TableName:                 versionCheck.TableName,
			Item:                      versionCheck.Item,
			ConditionExpression:       versionCheck.ConditionExpression,
			ExpressionAttributeNames:  versionCheck.ExpressionAttributeNames,
			ExpressionAttributeValues: versionCheck.ExpressionAttributeValues,
		})
		if isConditionFailure(err) {
			return nil, ErrVersionConflict
		}
		if err != nil {
			return nil, fmt.Errorf("conversation: put: %w", err)
		}
		return next, nil
	}

	_, err = s.client.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{
		TransactItems: []types.TransactWriteItem{
			{Put: versionCheck},
			{Delete: &types.Delete{
				TableName:           aws.String(s.tableName),
				Key:                 map[string]types.AttributeValue{"pk": &types.AttributeValueMemberS{Value: addressKeyPrefix + next.DestinationAddress}},
				ConditionExpression: aws.String("attribute_not_exists(pk) OR conversationId = :id"),
				ExpressionAttributeValues: map[string]types.AttributeValue{
					":id": &types.AttributeValueMemberS{Value: id},
				},
			}},
		},
	})
	if err != nil {
		if failed := cancelledItems(err); failed != nil {
			if failed[0] {
				return nil, ErrVersionConflict
			}
			// The lock belongs to another conversation; leave it and retry
			// the record write alone.
			s.logger.Warn("address lock owned by another conversation", "conversation_id", id)
			return s.putWithoutRelease(ctx, next, versionCheck)
		}
		return nil, fmt.Errorf("conversation: update transaction: %w", err)
	}
	return next, nil
}

func (s *DynamoStore) putWithoutRelease(ctx context.Context, next *Conversation, put *types.Put) (*Conversation, error) {
	_, err := s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:                 put.TableName,
		Item:                      put.Item,
		ConditionExpression:       put.ConditionExpression,
		ExpressionAttributeNames:  put.ExpressionAttributeNames,
		ExpressionAttributeValues: put.ExpressionAttributeValues,
	})
	if isConditionFailure(err) {
		return nil, ErrVersionConflict
	}
	if err != nil {
		return nil, fmt.Errorf("conversation: put: %w", err)
	}
	return next, nil
}

func (s *DynamoStore) FindActiveByAddress(ctx context.Context, address string) (string, error) {
	out, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(s.tableName),
		Key:            map[string]types.AttributeValue{"pk": &types.AttributeValueMemberS{Value: addressKeyPrefix + address}},
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return "", fmt.Errorf("conversation: address lookup: %w", err)
	}
	if out.Item == nil {
		return "", nil
	}
	var lock addressItem
	if err := attributevalue.UnmarshalMap(out.Item, &lock); err != nil {
		return "", fmt.Errorf("conversation: decode address lock: %w", err)
	}
	return lock.ConversationID, nil
}

// ListDue scans for due conversations. Tables with heavy traffic should add a
// sparse index on dueAt; the scan keeps the table schema to a single key.
func (s *DynamoStore) ListDue(ctx context.Context, now time.Time, limit int) ([]string, error) {
	var (
		ids      []string
		startKey map[string]types.AttributeValue
	)
	for {
		out, err := s.client.Scan(ctx, &dynamodb.ScanInput{
			TableName:            aws.String(s.tableName),
			FilterExpression:     aws.String("dueAt <= :now"),
			ProjectionExpression: aws.String("conversationId"),
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":now": &types.AttributeValueMemberN{Value: strconv.FormatInt(now.UnixMilli(), 10)},
			},
			ExclusiveStartKey: startKey,
		})
		if err != nil {
			return nil, fmt.Errorf("conversation: scan due: %w", err)
		}
		for _, raw := range out.Items {
			var item conversationItem
			if err := attributevalue.UnmarshalMap(raw, &item); err != nil {
				return nil, fmt.Errorf("conversation: decode due item: %w", err)
			}
			ids = append(ids, item.ConversationID)
			if limit > 0 && len(ids) >= limit {
				return ids, nil
			}
		}
		if len(out.LastEvaluatedKey) == 0 {
			return ids, nil
		}
		startKey = out.LastEvaluatedKey
	}
}

func isConditionFailure(err error) bool {
	var ccf *types.ConditionalCheckFailedException
	return errors.As(err, &ccf)
}

// cancelledItems reports, per transact item, whether its condition failed.
// It returns nil when err is not a condition-driven cancellation.
func cancelledItems(err error) []bool {
	var tce *types.TransactionCanceledException
	if !errors.As(err, &tce) {
		return nil
	}
	failed := make([]bool, len(tce.CancellationReasons))
	conditional := false
	for i, reason := range tce.CancellationReasons {
		if aws.ToString(reason.Code) == "ConditionalCheckFailed" {
			failed[i] = true
			conditional = true
		}
	}
	if !conditional {
		return nil
	}
	return failed
}
