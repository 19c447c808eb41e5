package events

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	pgx "github.com/jackc/pgx/v5"
	pgxmock "github.com/pashagolub/pgxmock/v4"
	"github.com/redis/go-redis/v9"
)

func TestPostgresProcessedStore(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("failed to create pgx mock: %v", err)
	}
	defer mock.Close()

	store := newProcessedStoreWithExec(mock)

	mock.ExpectQuery("SELECT 1 FROM processed_events").WithArgs("telnyx", "evt").WillReturnRows(pgxmock.NewRows([]string{"exists"}).AddRow(1))
	processed, err := store.AlreadyProcessed(context.Background(), "telnyx", "evt")
	if err != nil || !processed {
		t.Fatalf("expected existing row, got processed=%v err=%v", processed, err)
	}

	mock.ExpectQuery("SELECT 1 FROM processed_events").WithArgs("telnyx", "evt-miss").WillReturnError(pgx.ErrNoRows)
	processed, err = store.AlreadyProcessed(context.Background(), "telnyx", "evt-miss")
	if err != nil || processed {
		t.Fatalf("expected missing row, got processed=%v err=%v", processed, err)
	}

	mock.ExpectExec("INSERT INTO processed_events").WithArgs("telnyx", "evt-new").WillReturnResult(pgxmock.NewResult("INSERT", 1))
	ok, err := store.MarkProcessed(context.Background(), "telnyx", "evt-new")
	if err != nil || !ok {
		t.Fatalf("expected mark processed success, got %v %v", ok, err)
	}

	mock.ExpectExec("INSERT INTO processed_events").WithArgs("telnyx", "evt-new").WillReturnResult(pgxmock.NewResult("INSERT", 0))
	ok, err = store.MarkProcessed(context.Background(), "telnyx", "evt-new")
	if err != nil || ok {
		t.Fatalf("expected duplicate mark to report false, got %v %v", ok, err)
	}

	cutoff := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	mock.ExpectExec("DELETE FROM processed_events").WithArgs(cutoff).WillReturnResult(pgxmock.NewResult("DELETE", 4))
	n, err := store.Purge(context.Background(), cutoff)
	if err != nil || n != 4 {
		t.Fatalf("expected 4 purged rows, got %d err=%v", n, err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestRedisProcessedStore(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	store := NewRedisProcessedStore(client, time.Hour)
	ctx := context.Background()

	ok, err := store.MarkProcessed(ctx, "twilio", "SM1")
	if err != nil || !ok {
		t.Fatalf("first mark should win, got %v %v", ok, err)
	}
	ok, err = store.MarkProcessed(ctx, "twilio", "SM1")
	if err != nil || ok {
		t.Fatalf("second mark should lose, got %v %v", ok, err)
	}
	seen, err := store.AlreadyProcessed(ctx, "twilio", "SM1")
	if err != nil || !seen {
		t.Fatalf("expected processed, got %v %v", seen, err)
	}
	seen, _ = store.AlreadyProcessed(ctx, "telnyx", "SM1")
	if seen {
		t.Fatalf("ids are scoped per provider")
	}

	mr.FastForward(2 * time.Hour)
	seen, _ = store.AlreadyProcessed(ctx, "twilio", "SM1")
	if seen {
		t.Fatalf("marker should expire with the ttl")
	}
}

func TestMemoryProcessedStore(t *testing.T) {
	store := NewMemoryProcessedStore()
	ctx := context.Background()
	if ok, _ := store.MarkProcessed(ctx, "mock", "a"); !ok {
		t.Fatalf("first mark should win")
	}
	if ok, _ := store.MarkProcessed(ctx, "mock", "a"); ok {
		t.Fatalf("second mark should lose")
	}
	if seen, _ := store.AlreadyProcessed(ctx, "mock", "a"); !seen {
		t.Fatalf("expected processed")
	}
}
