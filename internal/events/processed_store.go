package events

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
)

// ProcessedStore records inbound provider message ids that were already
// handled, keyed by provider.
type ProcessedStore interface {
	AlreadyProcessed(ctx context.Context, provider, eventID string) (bool, error)
	// MarkProcessed returns false when the id was already recorded.
	MarkProcessed(ctx context.Context, provider, eventID string) (bool, error)
}

type rowQuerier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresProcessedStore uses the processed_events table.
type PostgresProcessedStore struct {
	pool rowQuerier
}

var _ ProcessedStore = (*PostgresProcessedStore)(nil)

func NewPostgresProcessedStore(pool *pgxpool.Pool) *PostgresProcessedStore {
	if pool == nil {
		panic("events: pgx pool required")
	}
	return &PostgresProcessedStore{pool: pool}
}

func newProcessedStoreWithExec(exec rowQuerier) *PostgresProcessedStore {
	if exec == nil {
		panic("events: exec required")
	}
	return &PostgresProcessedStore{pool: exec}
}

func (s *PostgresProcessedStore) AlreadyProcessed(ctx context.Context, provider, eventID string) (bool, error) {
	query := `SELECT 1 FROM processed_events WHERE provider = $1 AND event_id = $2`
	var exists int
	if err := s.pool.QueryRow(ctx, query, provider, eventID).Scan(&exists); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("events: check processed: %w", err)
	}
	return true, nil
}

func (s *PostgresProcessedStore) MarkProcessed(ctx context.Context, provider, eventID string) (bool, error) {
	query := `
		INSERT INTO processed_events (provider, event_id)
		VALUES ($1, $2)
		ON CONFLICT DO NOTHING
	`
	ct, err := s.pool.Exec(ctx, query, provider, eventID)
	if err != nil {
		return false, fmt.Errorf("events: mark processed: %w", err)
	}
	return ct.RowsAffected() > 0, nil
}

// Purge drops processed markers older than the retention window.
func (s *PostgresProcessedStore) Purge(ctx context.Context, olderThan time.Time) (int64, error) {
	ct, err := s.pool.Exec(ctx, `DELETE FROM processed_events WHERE processed_at < $1`, olderThan)
	if err != nil {
		return 0, fmt.Errorf("events: purge processed: %w", err)
	}
	return ct.RowsAffected(), nil
}

// RedisProcessedStore keeps one key per event with a TTL, set with SET NX.
type RedisProcessedStore struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

var _ ProcessedStore = (*RedisProcessedStore)(nil)

func NewRedisProcessedStore(client *redis.Client, ttl time.Duration) *RedisProcessedStore {
	if client == nil {
		panic("events: redis client required")
	}
	if ttl <= 0 {
		ttl = 7 * 24 * time.Hour
	}
	return &RedisProcessedStore{client: client, prefix: "offerevt", ttl: ttl}
}

func (s *RedisProcessedStore) key(provider, eventID string) string {
	return s.prefix + ":" + provider + ":" + eventID
}

func (s *RedisProcessedStore) AlreadyProcessed(ctx context.Context, provider, eventID string) (bool, error) {
	n, err := s.client.Exists(ctx, s.key(provider, eventID)).Result()
	if err != nil {
		return false, fmt.Errorf("events: check processed: %w", err)
	}
	return n > 0, nil
}

func (s *RedisProcessedStore) MarkProcessed(ctx context.Context, provider, eventID string) (bool, error) {
	ok, err := s.client.SetNX(ctx, s.key(provider, eventID), time.Now().UTC().Format(time.RFC3339), s.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("events: mark processed: %w", err)
	}
	return ok, nil
}

// MemoryProcessedStore is the in-process ProcessedStore for development.
type MemoryProcessedStore struct {
	mu   sync.Mutex
	seen map[string]struct{}
}

var _ ProcessedStore = (*MemoryProcessedStore)(nil)

func NewMemoryProcessedStore() *MemoryProcessedStore {
	return &MemoryProcessedStore{seen: make(map[string]struct{})}
}

func (s *MemoryProcessedStore) AlreadyProcessed(_ context.Context, provider, eventID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.seen[provider+"\x00"+eventID]
	return ok, nil
}

func (s *MemoryProcessedStore) MarkProcessed(_ context.Context, provider, eventID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := provider + "\x00" + eventID
	if _, ok := s.seen[key]; ok {
		return false, nil
	}
	s.seen[key] = struct{}{}
	return true, nil
}
