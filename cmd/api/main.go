package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/wolfman30/slot-offer-engine/cmd/mainconfig"
	"github.com/wolfman30/slot-offer-engine/internal/api/router"
	"github.com/wolfman30/slot-offer-engine/internal/app/bootstrap"
	appconfig "github.com/wolfman30/slot-offer-engine/internal/config"
	"github.com/wolfman30/slot-offer-engine/internal/http/handlers"
	"github.com/wolfman30/slot-offer-engine/internal/worker/sweeper"
	"github.com/wolfman30/slot-offer-engine/pkg/logging"
)

const shutdownTimeout = 30 * time.Second

func main() {
	_ = godotenv.Load()
	cfg := appconfig.Load()
	logger := logging.New(cfg.LogLevel)
	logger.Info("starting slot offer engine API",
		"env", cfg.Env,
		"port", cfg.Port,
		"store", cfg.ConversationStore,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("api exited with error", "error", err)
		os.Exit(1)
	}
	logger.Info("api stopped")
}

func run(ctx context.Context, cfg *appconfig.Config, logger *logging.Logger) error {
	infra, err := bootstrap.ConnectInfra(ctx, cfg, mainconfig.AWSLoader(cfg), logger)
	if err != nil {
		return err
	}
	defer infra.Close()

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	engine, err := bootstrap.BuildEngine(cfg, infra, reg, logger)
	if err != nil {
		return err
	}

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      newHTTPHandler(cfg, engine, reg, logger),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	g.Go(func() error {
		newSweeper(cfg, engine, logger).Run(gctx)
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

func newHTTPHandler(cfg *appconfig.Config, engine *bootstrap.Engine, reg *prometheus.Registry, logger *logging.Logger) http.Handler {
	routerCfg := &router.Config{
		Logger:           logger,
		Webhooks:         engine.Webhooks,
		Conversations:    handlers.NewConversationsHandler(engine.Machine, engine.Gateway, logger),
		MetricsHandler:   promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
		APIAuthSecret:    cfg.AdminJWTSecret,
		WebhookRateQPS:   cfg.WebhookRateQPS,
		WebhookRateBurst: cfg.WebhookRateBurst,
		Ready:            engine.Ready,
	}
	if cfg.EnableMockInbound && engine.Mock != nil && !cfg.IsProduction() {
		var eventLog handlers.EventLog
		if engine.EventLog != nil {
			eventLog = engine.EventLog
		}
		routerCfg.DevMock = handlers.NewDevMockHandler(engine.Mock, eventLog, logger)
		logger.Warn("mock SMS endpoints enabled under /dev/mock")
	}
	return router.New(routerCfg)
}

func newSweeper(cfg *appconfig.Config, engine *bootstrap.Engine, logger *logging.Logger) *sweeper.Worker {
	w := sweeper.New(engine.Machine, logger).
		WithInterval(cfg.SweepInterval).
		WithBatchSize(cfg.SweepBatchSize)
	if engine.Purger != nil {
		w.WithPurger(engine.Purger, cfg.ProcessedEventTTL)
	}
	return w
}
