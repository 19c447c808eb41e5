package conversation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

var redisStoreTracer = otel.Tracer("slotoffer.internal.conversation.redis_store")

const (
	defaultRedisPrefix = "offerconv"
	maxCreateAttempts  = 3
)

// RedisStore persists conversations as JSON strings and keeps the address
// index and due set alongside them. Writes use WATCH/MULTI so a concurrent
// writer aborts the transaction instead of overwriting.
type RedisStore struct {
	client    *redis.Client
	prefix    string
	retention time.Duration
}

var _ Store = (*RedisStore)(nil)

func NewRedisStore(client *redis.Client) *RedisStore {
	if client == nil {
		panic("conversation: redis client cannot be nil")
	}
	return &RedisStore{client: client, prefix: defaultRedisPrefix}
}

// WithPrefix namespaces every key.
func (s *RedisStore) WithPrefix(prefix string) *RedisStore {
	if prefix != "" {
		s.prefix = prefix
	}
	return s
}

// WithTerminalRetention expires terminal records after d. Zero keeps them.
func (s *RedisStore) WithTerminalRetention(d time.Duration) *RedisStore {
	if d > 0 {
		s.retention = d
	}
	return s
}

func (s *RedisStore) recordKey(id string) string    { return s.prefix + ":conv:" + id }
func (s *RedisStore) addressKey(addr string) string { return s.prefix + ":active:" + addr }
func (s *RedisStore) dueKey() string                { return s.prefix + ":due" }

func (s *RedisStore) Create(ctx context.Context, conv *Conversation) error {
	if err := validateNew(conv); err != nil {
		return err
	}
	ctx, span := redisStoreTracer.Start(ctx, "conversation.redis.create")
	defer span.End()
	span.SetAttributes(attribute.String("conversation.id", conv.ID))

	raw, err := json.Marshal(conv)
	if err != nil {
		return fmt.Errorf("conversation: marshal: %w", err)
	}
	recKey := s.recordKey(conv.ID)
	addrKey := s.addressKey(conv.DestinationAddress)

	txf := func(tx *redis.Tx) error {
		exists, err := tx.Exists(ctx, recKey).Result()
		if err != nil {
			return err
		}
		if exists > 0 {
			return ErrConversationExists
		}
		active := !conv.State.Terminal()
		if active {
			owner, err := tx.Get(ctx, addrKey).Result()
			if err != nil && !errors.Is(err, redis.Nil) {
				return err
			}
			if owner != "" {
				return ErrActiveConversation
			}
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, recKey, raw, 0)
			if active {
				pipe.Set(ctx, addrKey, conv.ID, 0)
			}
			s.indexDue(ctx, pipe, conv)
			return nil
		})
		return err
	}

	for attempt := 0; attempt < maxCreateAttempts; attempt++ {
		err = s.client.Watch(ctx, txf, recKey, addrKey)
		if !errors.Is(err, redis.TxFailedErr) {
			break
		}
	}
	if errors.Is(err, ErrConversationExists) || errors.Is(err, ErrActiveConversation) {
		return err
	}
	if errors.Is(err, redis.TxFailedErr) {
		return ErrActiveConversation
	}
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("conversation: redis create: %w", err)
	}
	return nil
}

func (s *RedisStore) Get(ctx context.Context, id string) (*Conversation, error) {
	ctx, span := redisStoreTracer.Start(ctx, "conversation.redis.get")
	defer span.End()
	return s.load(ctx, s.client, id)
}

type redisGetter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

func (s *RedisStore) load(ctx context.Context, c redisGetter, id string) (*Conversation, error) {
	raw, err := c.Get(ctx, s.recordKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("conversation: redis get: %w", err)
	}
	var conv Conversation
	if err := json.Unmarshal(raw, &conv); err != nil {
		return nil, fmt.Errorf("conversation: decode: %w", err)
	}
	return &conv, nil
}

func (s *RedisStore) CompareAndUpdate(ctx context.Context, id string, expectedVersion int64, mutate func(*Conversation) error) (*Conversation, error) {
	ctx, span := redisStoreTracer.Start(ctx, "conversation.redis.compare_and_update")
	defer span.End()
	span.SetAttributes(attribute.String("conversation.id", id), attribute.Int64("conversation.expected_version", expectedVersion))

	// The address never changes, so it is safe to learn it before watching.
	snapshot, err := s.load(ctx, s.client, id)
	if err != nil {
		return nil, err
	}
	recKey := s.recordKey(id)
	addrKey := s.addressKey(snapshot.DestinationAddress)

	var updated *Conversation
	err = s.client.Watch(ctx, func(tx *redis.Tx) error {
		current, err := s.load(ctx, tx, id)
		if err != nil {
			return err
		}
		next, err := applyMutation(current, expectedVersion, mutate)
		if err != nil {
			return err
		}
		raw, err := json.Marshal(next)
		if err != nil {
			return fmt.Errorf("conversation: marshal: %w", err)
		}
		release := false
		if releasesAddress(current, next) {
			owner, err := tx.Get(ctx, addrKey).Result()
			if err != nil && !errors.Is(err, redis.Nil) {
				return err
			}
			release = owner == id
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			ttl := time.Duration(0)
			if next.State.Terminal() {
				ttl = s.retention
			}
			pipe.Set(ctx, recKey, raw, ttl)
			if release {
				pipe.Del(ctx, addrKey)
			}
			s.indexDue(ctx, pipe, next)
			return nil
		})
		if err != nil {
			return err
		}
		updated = next
		return nil
	}, recKey, addrKey)
	if errors.Is(err, redis.TxFailedErr) {
		return nil, ErrVersionConflict
	}
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	return updated, nil
}

func (s *RedisStore) FindActiveByAddress(ctx context.Context, address string) (string, error) {
	id, err := s.client.Get(ctx, s.addressKey(address)).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("conversation: redis address lookup: %w", err)
	}
	return id, nil
}

func (s *RedisStore) ListDue(ctx context.Context, now time.Time, limit int) ([]string, error) {
	opt := &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(now.UnixMilli(), 10),
	}
	if limit > 0 {
		opt.Count = int64(limit)
	}
	ids, err := s.client.ZRangeByScore(ctx, s.dueKey(), opt).Result()
	if err != nil {
		return nil, fmt.Errorf("conversation: redis list due: %w", err)
	}
	return ids, nil
}

func (s *RedisStore) indexDue(ctx context.Context, pipe redis.Pipeliner, conv *Conversation) {
	if conv.State.Terminal() || conv.DueAt.IsZero() {
		pipe.ZRem(ctx, s.dueKey(), conv.ID)
		return
	}
	pipe.ZAdd(ctx, s.dueKey(), redis.Z{Score: float64(conv.DueAt.UnixMilli()), Member: conv.ID})
}
