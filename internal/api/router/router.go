package router

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/wolfman30/slot-offer-engine/internal/http/handlers"
	httpmiddleware "github.com/wolfman30/slot-offer-engine/internal/http/middleware"
	"github.com/wolfman30/slot-offer-engine/internal/webhook"
	"github.com/wolfman30/slot-offer-engine/pkg/logging"
)

// Config holds router dependencies. Nil handlers leave their routes unmounted.
type Config struct {
	Logger           *logging.Logger
	Webhooks         *webhook.Handler
	Conversations    *handlers.ConversationsHandler
	DevMock          *handlers.DevMockHandler
	MetricsHandler   http.Handler
	APIAuthSecret    string
	WebhookRateQPS   float64
	WebhookRateBurst int
	// Ready reports backing-store health for /health. Nil means always ready.
	Ready func(ctx context.Context) error
}

// New creates the chi router with all routes configured.
func New(cfg *Config) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(httpmiddleware.RequestLogger(cfg.Logger))

	r.Get("/health", healthHandler(cfg.Ready))
	if cfg.MetricsHandler != nil {
		r.Handle("/metrics", cfg.MetricsHandler)
	}

	if cfg.Webhooks != nil {
		r.Group(func(public chi.Router) {
			if cfg.WebhookRateQPS > 0 {
				public.Use(httpmiddleware.RateLimit(cfg.WebhookRateQPS, cfg.WebhookRateBurst))
			}
			cfg.Webhooks.Mount(public)
		})
	}

	if cfg.Conversations != nil {
		r.Route("/v1", func(api chi.Router) {
			api.Use(httpmiddleware.ServiceJWT(cfg.APIAuthSecret))
			api.Mount("/", cfg.Conversations.Routes())
		})
	}

	// DEV ONLY: mock provider controls, mounted when mock inbound is enabled.
	if cfg.DevMock != nil {
		r.Mount("/dev/mock", cfg.DevMock.Routes())
	}

	return r
}

func healthHandler(ready func(ctx context.Context) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		status, code := "ok", http.StatusOK
		if ready != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
			defer cancel()
			if err := ready(ctx); err != nil {
				status, code = "degraded", http.StatusServiceUnavailable
			}
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		_ = json.NewEncoder(w).Encode(map[string]string{"status": status})
	}
}
