package sweeper

import (
	"context"
	"time"

	"github.com/wolfman30/slot-offer-engine/internal/conversation"
	"github.com/wolfman30/slot-offer-engine/pkg/logging"
)

const maxPassesPerTick = 10

type sweeper interface {
	Sweep(ctx context.Context, limit int) (conversation.SweepReport, error)
}

// Purger deletes processed-event markers older than the cutoff.
type Purger interface {
	Purge(ctx context.Context, olderThan time.Time) (int64, error)
}

// Worker periodically expires timed-out conversations and fails stalled ones.
// Several workers may run against the same store.
type Worker struct {
	machine       sweeper
	logger        *logging.Logger
	interval      time.Duration
	batch         int
	purger        Purger
	retention     time.Duration
	purgeInterval time.Duration
	lastPurge     time.Time
	now           func() time.Time
}

func New(machine sweeper, logger *logging.Logger) *Worker {
	if logger == nil {
		logger = logging.Default()
	}
	return &Worker{
		machine:       machine,
		logger:        logger,
		interval:      time.Minute,
		batch:         100,
		purgeInterval: time.Hour,
		now:           time.Now,
	}
}

func (w *Worker) WithInterval(d time.Duration) *Worker {
	if d > 0 {
		w.interval = d
	}
	return w
}

func (w *Worker) WithBatchSize(n int) *Worker {
	if n > 0 {
		w.batch = n
	}
	return w
}

// WithPurger drops processed-event markers older than retention at most once
// an hour.
func (w *Worker) WithPurger(p Purger, retention time.Duration) *Worker {
	if p != nil && retention > 0 {
		w.purger = p
		w.retention = retention
	}
	return w
}

// Run sweeps immediately and then on every tick until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) {
	if w.machine == nil {
		return
	}
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	w.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.tick(ctx)
		}
	}
}

func (w *Worker) tick(ctx context.Context) {
	w.drain(ctx)
	w.purge(ctx)
}

// drain repeats full batches that made progress so a backlog clears within
// one tick.
func (w *Worker) drain(ctx context.Context) conversation.SweepReport {
	var total conversation.SweepReport
	for pass := 0; pass < maxPassesPerTick; pass++ {
		report, err := w.machine.Sweep(ctx, w.batch)
		total.Examined += report.Examined
		total.Expired += report.Expired
		total.Stalled += report.Stalled
		total.Skipped += report.Skipped
		total.Errors += report.Errors
		if err != nil {
			if ctx.Err() == nil {
				w.logger.Error("sweep failed", "error", err)
			}
			break
		}
		if report.Examined < w.batch || report.Expired+report.Stalled == 0 {
			break
		}
	}
	if total.Expired+total.Stalled+total.Errors > 0 {
		w.logger.Info("sweep completed",
			"examined", total.Examined,
			"expired", total.Expired,
			"stalled", total.Stalled,
			"errors", total.Errors,
		)
	}
	return total
}

func (w *Worker) purge(ctx context.Context) {
	if w.purger == nil {
		return
	}
	now := w.now()
	if !w.lastPurge.IsZero() && now.Sub(w.lastPurge) < w.purgeInterval {
		return
	}
	w.lastPurge = now
	n, err := w.purger.Purge(ctx, now.Add(-w.retention))
	if err != nil {
		w.logger.Error("processed event purge failed", "error", err)
		return
	}
	if n > 0 {
		w.logger.Info("processed events purged", "count", n)
	}
}
