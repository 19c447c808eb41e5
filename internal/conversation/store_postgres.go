package conversation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const pgUniqueViolation = "23505"

type pgQuerier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// PostgresStore keeps one row per conversation. The version column is the
// optimistic lock and a partial unique index enforces one active
// conversation per address.
type PostgresStore struct {
	db pgQuerier
}

var _ Store = (*PostgresStore)(nil)

func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	if pool == nil {
		panic("conversation: pgx pool required")
	}
	return &PostgresStore{db: pool}
}

func newPostgresStoreWithQuerier(db pgQuerier) *PostgresStore {
	if db == nil {
		panic("conversation: querier required")
	}
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Create(ctx context.Context, conv *Conversation) error {
	if err := validateNew(conv); err != nil {
		return err
	}
	record, err := json.Marshal(conv)
	if err != nil {
		return fmt.Errorf("conversation: marshal: %w", err)
	}
	query := `
		INSERT INTO offer_conversations (id, destination_address, state, version, due_at, record, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`
	_, err = s.db.Exec(ctx, query,
		conv.ID, conv.DestinationAddress, string(conv.State), conv.Version,
		nullableTime(conv.DueAt), record, conv.CreatedAt, conv.UpdatedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
			if pgErr.ConstraintName == "offer_conversations_pkey" {
				return ErrConversationExists
			}
			return ErrActiveConversation
		}
		return fmt.Errorf("conversation: insert: %w", err)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, id string) (*Conversation, error) {
	query := `SELECT record, version FROM offer_conversations WHERE id = $1`
	var (
		raw     []byte
		version int64
	)
	if err := s.db.QueryRow(ctx, query, id).Scan(&raw, &version); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("conversation: select: %w", err)
	}
	var conv Conversation
	if err := json.Unmarshal(raw, &conv); err != nil {
		return nil, fmt.Errorf("conversation: decode: %w", err)
	}
	conv.Version = version
	return &conv, nil
}

func (s *PostgresStore) CompareAndUpdate(ctx context.Context, id string, expectedVersion int64, mutate func(*Conversation) error) (*Conversation, error) {
	current, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	next, err := applyMutation(current, expectedVersion, mutate)
	if err != nil {
		return nil, err
	}
	record, err := json.Marshal(next)
	if err != nil {
		return nil, fmt.Errorf("conversation: marshal: %w", err)
	}
	query := `
		UPDATE offer_conversations
		SET state = $3, version = $4, due_at = $5, record = $6, updated_at = $7
		WHERE id = $1 AND version = $2
	`
	ct, err := s.db.Exec(ctx, query,
		id, expectedVersion, string(next.State), next.Version,
		nullableTime(next.DueAt), record, next.UpdatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("conversation: update: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return nil, ErrVersionConflict
	}
	return next, nil
}

func (s *PostgresStore) FindActiveByAddress(ctx context.Context, address string) (string, error) {
	query := `
		SELECT id FROM offer_conversations
		WHERE destination_address = $1
		  AND state NOT IN ('BOOKED', 'DECLINED', 'EXPIRED', 'FAILED')
		LIMIT 1
	`
	var id string
	if err := s.db.QueryRow(ctx, query, address).Scan(&id); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", nil
		}
		return "", fmt.Errorf("conversation: address lookup: %w", err)
	}
	return id, nil
}

func (s *PostgresStore) ListDue(ctx context.Context, now time.Time, limit int) ([]string, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `
		SELECT id FROM offer_conversations
		WHERE due_at IS NOT NULL AND due_at <= $1
		ORDER BY due_at
		LIMIT $2
	`
	rows, err := s.db.Query(ctx, query, now, limit)
	if err != nil {
		return nil, fmt.Errorf("conversation: list due: %w", err)
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("conversation: scan due: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("conversation: list due: %w", err)
	}
	return ids, nil
}

func nullableTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
