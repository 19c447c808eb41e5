package events

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/wolfman30/slot-offer-engine/internal/conversation"
	"github.com/wolfman30/slot-offer-engine/pkg/logging"
)

type captureSQS struct {
	inputs []*sqs.SendMessageInput
}

func (c *captureSQS) SendMessage(_ context.Context, in *sqs.SendMessageInput, _ ...func(*sqs.Options)) (*sqs.SendMessageOutput, error) {
	c.inputs = append(c.inputs, in)
	return &sqs.SendMessageOutput{MessageId: aws.String("m-1")}, nil
}

func TestPublisherSendsEnvelopeToQueue(t *testing.T) {
	queue := NewMemoryQueue(4)
	pub := NewPublisher(queue, logging.Discard())
	id := uuid.NewString()
	at := time.Date(2025, 3, 4, 12, 0, 0, 0, time.UTC)

	err := pub.Publish(context.Background(), conversation.Event{
		ID:             id,
		Type:           conversation.EventCompleted,
		ConversationID: "c-1",
		State:          conversation.StateDeclined,
		OccurredAt:     at,
	})
	require.NoError(t, err)

	msgs := queue.Messages()
	require.Len(t, msgs, 1)
	var env Envelope
	require.NoError(t, json.Unmarshal([]byte(msgs[0]), &env))
	require.Equal(t, id, env.EventID.String())
	require.Equal(t, "conversation.completed.v1", env.EventType)
	require.True(t, at.Equal(env.OccurredAt))
	require.Equal(t, "c-1", env.CorrelationID)
}

func TestPublisherDropsUnknownEvents(t *testing.T) {
	queue := NewMemoryQueue(4)
	pub := NewPublisher(queue, logging.Discard())
	require.NoError(t, pub.Publish(context.Background(), conversation.Event{Type: "conversation.unknown"}))
	require.Empty(t, queue.Messages())
}

func TestSQSQueueSend(t *testing.T) {
	client := &captureSQS{}
	q := newSQSQueue(client, "https://sqs.us-east-1.amazonaws.com/123/outcomes")
	require.NoError(t, q.Send(context.Background(), `{"ok":true}`))
	require.Len(t, client.inputs, 1)
	require.Equal(t, "https://sqs.us-east-1.amazonaws.com/123/outcomes", aws.ToString(client.inputs[0].QueueUrl))
	require.Equal(t, `{"ok":true}`, aws.ToString(client.inputs[0].MessageBody))
}

func TestMemoryQueueRetainsNewest(t *testing.T) {
	q := NewMemoryQueue(2)
	for _, body := range []string{"a", "b", "c"} {
		require.NoError(t, q.Send(context.Background(), body))
	}
	require.Equal(t, []string{"b", "c"}, q.Messages())
}
