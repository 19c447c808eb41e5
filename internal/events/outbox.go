package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/wolfman30/slot-offer-engine/pkg/logging"
)

// OutboxRecord is one claimed envelope awaiting delivery. Attempts counts
// claims, including the one that returned it.
type OutboxRecord struct {
	ID        uuid.UUID
	Aggregate string
	Type      string
	Payload   json.RawMessage
	Attempts  int
	CreatedAt time.Time
}

// DeliveryHandler emits an outbox record to a downstream transport.
type DeliveryHandler interface {
	Handle(ctx context.Context, rec OutboxRecord) error
}

type pgExecer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// Outbox is the Postgres table outcome envelopes are written to before they
// reach the queue. Rows are leased with SKIP LOCKED so several deliverers can
// drain the same table.
type Outbox struct {
	db pgExecer
}

func NewOutbox(pool *pgxpool.Pool) *Outbox {
	if pool == nil {
		panic("events: pgx pool required")
	}
	return &Outbox{db: pool}
}

const appendSQL = `
INSERT INTO outbox (id, aggregate, event_type, payload)
VALUES ($1, $2, $3, $4)
ON CONFLICT (id) DO NOTHING`

// Append stores env. Re-appending the same event id is a no-op.
func (o *Outbox) Append(ctx context.Context, env Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("events: marshal envelope: %w", err)
	}
	if _, err := o.db.Exec(ctx, appendSQL, env.EventID, env.Aggregate, env.EventType, data); err != nil {
		return fmt.Errorf("events: append outbox: %w", err)
	}
	return nil
}

const claimSQL = `
WITH due AS (
	SELECT id FROM outbox
	WHERE delivered_at IS NULL AND available_at <= now()
	ORDER BY created_at
	LIMIT $1
	FOR UPDATE SKIP LOCKED
)
UPDATE outbox o
SET available_at = now() + make_interval(secs => $2), attempts = o.attempts + 1
FROM due
WHERE o.id = due.id
RETURNING o.id, o.aggregate, o.event_type, o.payload, o.attempts, o.created_at`

// Claim leases up to limit due records for lease. A record that is neither
// acked nor released becomes due again once the lease runs out.
func (o *Outbox) Claim(ctx context.Context, limit int, lease time.Duration) ([]OutboxRecord, error) {
	rows, err := o.db.Query(ctx, claimSQL, limit, lease.Seconds())
	if err != nil {
		return nil, fmt.Errorf("events: claim outbox: %w", err)
	}
	defer rows.Close()

	var out []OutboxRecord
	for rows.Next() {
		var rec OutboxRecord
		var payload []byte
		if err := rows.Scan(&rec.ID, &rec.Aggregate, &rec.Type, &payload, &rec.Attempts, &rec.CreatedAt); err != nil {
			return nil, fmt.Errorf("events: scan outbox: %w", err)
		}
		rec.Payload = append(json.RawMessage(nil), payload...)
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Ack marks id delivered. It reports false when the row was already acked.
func (o *Outbox) Ack(ctx context.Context, id uuid.UUID) (bool, error) {
	tag, err := o.db.Exec(ctx,
		`UPDATE outbox SET delivered_at = now(), last_error = NULL WHERE id = $1 AND delivered_at IS NULL`, id)
	if err != nil {
		return false, fmt.Errorf("events: ack outbox: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// Release records a failed delivery and makes id due again after retryIn.
func (o *Outbox) Release(ctx context.Context, id uuid.UUID, retryIn time.Duration, cause error) error {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	_, err := o.db.Exec(ctx,
		`UPDATE outbox SET available_at = now() + make_interval(secs => $2), last_error = $3 WHERE id = $1 AND delivered_at IS NULL`,
		id, retryIn.Seconds(), msg)
	if err != nil {
		return fmt.Errorf("events: release outbox: %w", err)
	}
	return nil
}

type leaser interface {
	Claim(ctx context.Context, limit int, lease time.Duration) ([]OutboxRecord, error)
	Ack(ctx context.Context, id uuid.UUID) (bool, error)
	Release(ctx context.Context, id uuid.UUID, retryIn time.Duration, cause error) error
}

const (
	defaultDeliverBatch    = 25
	defaultDeliverInterval = 2 * time.Second
	defaultLease           = 30 * time.Second
	retryBase              = time.Second
	retryCap               = 5 * time.Minute
)

// Deliverer drains the outbox into a DeliveryHandler.
type Deliverer struct {
	outbox   leaser
	handler  DeliveryHandler
	logger   *logging.Logger
	batch    int
	interval time.Duration
	lease    time.Duration
}

func NewDeliverer(outbox *Outbox, handler DeliveryHandler, logger *logging.Logger) *Deliverer {
	return newDeliverer(outbox, handler, logger)
}

func newDeliverer(outbox leaser, handler DeliveryHandler, logger *logging.Logger) *Deliverer {
	if logger == nil {
		logger = logging.Default()
	}
	return &Deliverer{
		outbox:   outbox,
		handler:  handler,
		logger:   logger,
		batch:    defaultDeliverBatch,
		interval: defaultDeliverInterval,
		lease:    defaultLease,
	}
}

func (d *Deliverer) WithBatchSize(n int) *Deliverer {
	if n > 0 {
		d.batch = n
	}
	return d
}

func (d *Deliverer) WithInterval(interval time.Duration) *Deliverer {
	if interval > 0 {
		d.interval = interval
	}
	return d
}

// Start delivers until ctx is cancelled. A full batch is followed
// immediately by another claim instead of waiting for the next tick.
func (d *Deliverer) Start(ctx context.Context) {
	if d.outbox == nil || d.handler == nil {
		return
	}
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()
	for {
		for d.drain(ctx) >= d.batch {
			if ctx.Err() != nil {
				return
			}
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// drain claims one batch and returns how many records it claimed.
func (d *Deliverer) drain(ctx context.Context) int {
	recs, err := d.outbox.Claim(ctx, d.batch, d.lease)
	if err != nil {
		d.logger.Error("outbox claim failed", "error", err)
		return 0
	}
	acked := 0
	for _, rec := range recs {
		if err := d.handler.Handle(ctx, rec); err != nil {
			wait := retryDelay(rec.Attempts)
			d.logger.Warn("outbox delivery failed", "error", err, "event_id", rec.ID, "type", rec.Type, "attempts", rec.Attempts, "retry_in", wait)
			if err := d.outbox.Release(ctx, rec.ID, wait, err); err != nil {
				d.logger.Error("outbox release failed", "error", err, "event_id", rec.ID)
			}
			continue
		}
		ok, err := d.outbox.Ack(ctx, rec.ID)
		if err != nil {
			d.logger.Error("outbox ack failed", "error", err, "event_id", rec.ID)
			continue
		}
		if ok {
			acked++
		}
	}
	if acked > 0 {
		d.logger.Debug("outbox records delivered", "count", acked)
	}
	return len(recs)
}

// retryDelay doubles from retryBase per attempt, capped at retryCap.
func retryDelay(attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	wait := retryBase
	for i := 1; i < attempts; i++ {
		wait *= 2
		if wait >= retryCap {
			return retryCap
		}
	}
	return wait
}
