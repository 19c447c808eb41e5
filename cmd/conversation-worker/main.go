package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/wolfman30/slot-offer-engine/cmd/mainconfig"
	"github.com/wolfman30/slot-offer-engine/internal/app/bootstrap"
	appconfig "github.com/wolfman30/slot-offer-engine/internal/config"
	"github.com/wolfman30/slot-offer-engine/internal/worker/sweeper"
	"github.com/wolfman30/slot-offer-engine/pkg/logging"
)

// The worker runs the sweeper and outbox delivery without serving HTTP, for
// deployments that scale webhook traffic separately.
func main() {
	_ = godotenv.Load()
	cfg := appconfig.Load()
	logger := logging.New(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("conversation worker exited with error", "error", err)
		os.Exit(1)
	}
	logger.Info("conversation worker stopped")
}

func run(ctx context.Context, cfg *appconfig.Config, logger *logging.Logger) error {
	if cfg.ConversationStore == bootstrap.StoreMemory || cfg.ConversationStore == "" {
		logger.Warn("conversation worker with the memory store only sweeps its own process")
	}
	infra, err := bootstrap.ConnectInfra(ctx, cfg, mainconfig.AWSLoader(cfg), logger)
	if err != nil {
		return err
	}
	defer infra.Close()

	engine, err := bootstrap.BuildEngine(cfg, infra, prometheus.NewRegistry(), logger)
	if err != nil {
		return err
	}

	w := sweeper.New(engine.Machine, logger).
		WithInterval(cfg.SweepInterval).
		WithBatchSize(cfg.SweepBatchSize)
	if engine.Purger != nil {
		w.WithPurger(engine.Purger, cfg.ProcessedEventTTL)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("sweeper started", "interval", cfg.SweepInterval, "batch", cfg.SweepBatchSize)
		w.Run(gctx)
		return nil
	})
	if engine.Deliverer != nil {
		g.Go(func() error {
			engine.Deliverer.Start(gctx)
			return nil
		})
	}
	return g.Wait()
}
