package conversation

import (
	"context"
	"errors"
	"sort"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/wolfman30/slot-offer-engine/pkg/logging"
)

// mockDynamo is a single-table DynamoDB stand-in that understands the
// condition expressions DynamoStore issues.
type mockDynamo struct {
	mu    sync.Mutex
	items map[string]map[string]types.AttributeValue
}

func newMockDynamo() *mockDynamo {
	return &mockDynamo{items: make(map[string]map[string]types.AttributeValue)}
}

func attrString(item map[string]types.AttributeValue, name string) string {
	if v, ok := item[name].(*types.AttributeValueMemberS); ok {
		return v.Value
	}
	return ""
}

func attrNumber(item map[string]types.AttributeValue, name string) (int64, bool) {
	v, ok := item[name].(*types.AttributeValueMemberN)
	if !ok {
		return 0, false
	}
	n, err := strconv.ParseInt(v.Value, 10, 64)
	return n, err == nil
}

func (m *mockDynamo) conditionHolds(key string, cond *string, values map[string]types.AttributeValue) bool {
	existing, exists := m.items[key]
	switch aws.ToString(cond) {
	case "":
		return true
	case "attribute_not_exists(pk)":
		return !exists
	case "#v = :expected":
		if !exists {
			return false
		}
		have, _ := attrNumber(existing, "version")
		want, _ := attrNumber(values, ":expected")
		return have == want
	case "attribute_not_exists(pk) OR conversationId = :id":
		return !exists || attrString(existing, "conversationId") == attrString(values, ":id")
	default:
		panic("mockDynamo: unsupported condition " + aws.ToString(cond))
	}
}

func (m *mockDynamo) PutItem(_ context.Context, in *dynamodb.PutItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := attrString(in.Item, "pk")
	if !m.conditionHolds(key, in.ConditionExpression, in.ExpressionAttributeValues) {
		return nil, &types.ConditionalCheckFailedException{Message: aws.String("condition failed")}
	}
	m.items[key] = in.Item
	return &dynamodb.PutItemOutput{}, nil
}

func (m *mockDynamo) GetItem(_ context.Context, in *dynamodb.GetItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return &dynamodb.GetItemOutput{Item: m.items[attrString(in.Key, "pk")]}, nil
}

func (m *mockDynamo) TransactWriteItems(_ context.Context, in *dynamodb.TransactWriteItemsInput, _ ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	reasons := make([]types.CancellationReason, len(in.TransactItems))
	failed := false
	for i, ti := range in.TransactItems {
		ok := true
		switch {
		case ti.Put != nil:
			ok = m.conditionHolds(attrString(ti.Put.Item, "pk"), ti.Put.ConditionExpression, ti.Put.ExpressionAttributeValues)
		case ti.Delete != nil:
			ok = m.conditionHolds(attrString(ti.Delete.Key, "pk"), ti.Delete.ConditionExpression, ti.Delete.ExpressionAttributeValues)
		}
		reasons[i].Code = aws.String("None")
		if !ok {
			reasons[i].Code = aws.String("ConditionalCheckFailed")
			failed = true
		}
	}
	if failed {
		return nil, &types.TransactionCanceledException{Message: aws.String("cancelled"), CancellationReasons: reasons}
	}
	for _, ti := range in.TransactItems {
		switch {
		case ti.Put != nil:
			m.items[attrString(ti.Put.Item, "pk")] = ti.Put.Item
		case ti.Delete != nil:
			delete(m.items, attrString(ti.Delete.Key, "pk"))
		}
	}
	return &dynamodb.TransactWriteItemsOutput{}, nil
}

func (m *mockDynamo) Scan(_ context.Context, in *dynamodb.ScanInput, _ ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now, _ := attrNumber(in.ExpressionAttributeValues, ":now")
	keys := make([]string, 0, len(m.items))
	for k := range m.items {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var out []map[string]types.AttributeValue
	for _, k := range keys {
		due, ok := attrNumber(m.items[k], "dueAt")
		if ok && due <= now {
			out = append(out, m.items[k])
		}
	}
	return &dynamodb.ScanOutput{Items: out}, nil
}

func TestDynamoStoreContract(t *testing.T) {
	runStoreContract(t, func(*testing.T) Store {
		return NewDynamoStore(newMockDynamo(), "offer_conversations", logging.Discard())
	})
}

func TestDynamoStoreLockOwnedByAnotherConversation(t *testing.T) {
	db := newMockDynamo()
	store := NewDynamoStore(db, "offer_conversations", logging.Discard())
	ctx := context.Background()
	if err := store.Create(ctx, newTestConversation("c1", "+15550000001")); err != nil {
		t.Fatalf("create: %v", err)
	}
	// Simulate a lock that drifted to another id.
	db.items[addressKeyPrefix+"+15550000001"] = map[string]types.AttributeValue{
		"pk":             &types.AttributeValueMemberS{Value: addressKeyPrefix + "+15550000001"},
		"conversationId": &types.AttributeValueMemberS{Value: "other"},
	}
	updated, err := store.CompareAndUpdate(ctx, "c1", 1, func(c *Conversation) error {
		c.moveTo(StateExpired, "ttl_elapsed", contractEpoch)
		return nil
	})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if updated.State != StateExpired {
		t.Fatalf("expected expired, got %s", updated.State)
	}
	id, _ := store.FindActiveByAddress(ctx, "+15550000001")
	if id != "other" {
		t.Fatalf("foreign lock must be left alone, got %q", id)
	}
}

func TestDynamoStoreTerminalRetention(t *testing.T) {
	db := newMockDynamo()
	store := NewDynamoStore(db, "offer_conversations", logging.Discard()).WithTerminalRetention(48 * time.Hour)
	ctx := context.Background()
	if err := store.Create(ctx, newTestConversation("c1", "+15550000001")); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, ok := attrNumber(db.items[conversationKeyPrefix+"c1"], "expiresAt"); ok {
		t.Fatalf("active record must not carry a ttl")
	}
	if _, err := store.CompareAndUpdate(ctx, "c1", 1, func(c *Conversation) error {
		c.moveTo(StateBooked, "booking_succeeded", contractEpoch)
		return nil
	}); err != nil {
		t.Fatalf("update: %v", err)
	}
	ttl, ok := attrNumber(db.items[conversationKeyPrefix+"c1"], "expiresAt")
	if !ok || ttl != contractEpoch.Add(48*time.Hour).Unix() {
		t.Fatalf("unexpected ttl %d", ttl)
	}
}

func TestCancelledItemsIgnoresNonConditionFailures(t *testing.T) {
	err := &types.TransactionCanceledException{CancellationReasons: []types.CancellationReason{
		{Code: aws.String("ThrottlingError")},
		{Code: aws.String("None")},
	}}
	if got := cancelledItems(err); got != nil {
		t.Fatalf("expected nil for throttling cancellation, got %v", got)
	}
	if got := cancelledItems(errors.New("plain")); got != nil {
		t.Fatalf("expected nil for unrelated error, got %v", got)
	}
}
