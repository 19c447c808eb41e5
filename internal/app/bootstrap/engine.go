package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/wolfman30/slot-offer-engine/internal/booking"
	appconfig "github.com/wolfman30/slot-offer-engine/internal/config"
	"github.com/wolfman30/slot-offer-engine/internal/conversation"
	"github.com/wolfman30/slot-offer-engine/internal/events"
	"github.com/wolfman30/slot-offer-engine/internal/gateway"
	"github.com/wolfman30/slot-offer-engine/internal/notify"
	"github.com/wolfman30/slot-offer-engine/internal/observability/metrics"
	"github.com/wolfman30/slot-offer-engine/internal/webhook"
	"github.com/wolfman30/slot-offer-engine/pkg/logging"
)

// Conversation store backends selectable through CONVERSATION_STORE.
const (
	StoreMemory   = "memory"
	StoreRedis    = "redis"
	StorePostgres = "postgres"
	StoreDynamo   = "dynamodb"
)

// Engine is the fully wired conversation engine shared by the binaries.
type Engine struct {
	Store     conversation.Store
	Processed events.ProcessedStore
	Publisher *events.Publisher
	// Deliverer forwards outbox rows and is nil without Postgres.
	Deliverer *events.Deliverer
	// EventLog is set when outcomes stay in memory.
	EventLog *events.MemoryQueue
	// Purger trims the processed-event table and is nil without Postgres.
	Purger   *events.PostgresProcessedStore
	Gateway  gateway.Gateway
	Provider gateway.Choice
	// Mock is set when the mock provider was selected.
	Mock     *gateway.MockGateway
	Machine  *conversation.Machine
	Router   *webhook.Router
	Webhooks *webhook.Handler
	Metrics  *metrics.ConversationMetrics

	infra Infra
}

// BuildEngine assembles every component cfg selects on top of infra. reg may
// be nil to skip metrics.
func BuildEngine(cfg *appconfig.Config, infra Infra, reg prometheus.Registerer, logger *logging.Logger) (*Engine, error) {
	if cfg == nil {
		return nil, fmt.Errorf("bootstrap: config required")
	}
	if logger == nil {
		logger = logging.Default()
	}
	e := &Engine{infra: infra}
	if reg != nil {
		e.Metrics = metrics.NewConversationMetrics(reg)
	}

	store, err := buildStore(cfg, infra, logger)
	if err != nil {
		return nil, err
	}
	e.Store = store
	e.Processed, e.Purger = buildProcessedStore(cfg, infra)

	if err := e.buildPublisher(cfg, infra, logger); err != nil {
		return nil, err
	}

	gw, choice, err := gateway.Build(gateway.SelectionConfig{
		Override:         cfg.SMSProvider,
		Priority:         cfg.SMSProviderPriority,
		FromNumber:       cfg.SMSFromNumber,
		TelnyxAPIKey:     cfg.TelnyxAPIKey,
		TelnyxProfileID:  cfg.TelnyxMessagingProfileID,
		TwilioAccountSID: cfg.TwilioAccountSID,
		TwilioAuthToken:  cfg.TwilioAuthToken,
		TwilioFromNumber: cfg.TwilioFromNumber,
		QPS:              cfg.SMSProviderQPS,
		Burst:            cfg.SMSProviderBurst,
	}, logger)
	if err != nil {
		return nil, err
	}
	if choice.Provider == gateway.ProviderMock && cfg.IsProduction() {
		return nil, fmt.Errorf("bootstrap: no sms provider configured for production")
	}
	e.Gateway, e.Provider = gw, choice
	e.Mock, _ = gw.(*gateway.MockGateway)
	logger.Info("sms provider selected", "provider", choice.Provider, "reason", choice.Reason)

	coordinator := conversation.NewCoordinator(buildBooker(cfg, logger), logger).WithTimeout(cfg.BookingTimeout)

	opts := []conversation.MachineOption{
		conversation.WithEventPublisher(e.Publisher),
		conversation.WithEscalator(buildEscalator(cfg, infra, gw, logger)),
	}
	if e.Metrics != nil {
		opts = append(opts, conversation.WithMetrics(e.Metrics))
	}
	machine, err := conversation.NewMachine(store, gw, coordinator, conversation.MachineConfig{
		TTL:                 cfg.ConversationTTL,
		MaxAmbiguousReplies: cfg.MaxAmbiguousReplies,
		DeclineKeywords:     cfg.DeclineKeywords,
		SelectingTimeout:    cfg.SelectingTimeout,
		SendRetry: conversation.RetryPolicy{
			MaxAttempts: cfg.SendRetryMaxAttempts,
			BaseDelay:   cfg.SendRetryBaseDelay,
		},
	}, logger, opts...)
	if err != nil {
		return nil, err
	}
	e.Machine = machine

	e.Router = webhook.NewRouter(e.Processed, store, machine, logger)
	if e.Metrics != nil {
		e.Router.WithMetrics(e.Metrics)
	}
	e.Webhooks = webhook.NewHandler(e.Router, webhook.HandlerConfig{
		TwilioAuthToken: cfg.TwilioAuthToken,
		TelnyxSecret:    cfg.TelnyxWebhookSecret,
		PublicBaseURL:   cfg.PublicBaseURL,
	}, logger)
	if e.Mock != nil {
		e.Mock.SetInboundSink(e.Router.Sink())
	}
	return e, nil
}

// Ready reports whether the backends the engine depends on are reachable.
func (e *Engine) Ready(ctx context.Context) error {
	return e.infra.Ping(ctx)
}

func buildStore(cfg *appconfig.Config, infra Infra, logger *logging.Logger) (conversation.Store, error) {
	switch cfg.ConversationStore {
	case "", StoreMemory:
		if cfg.IsProduction() {
			logger.Warn("memory conversation store in production loses state on restart")
		}
		return conversation.NewMemoryStore(), nil
	case StoreRedis:
		if infra.Redis == nil {
			return nil, fmt.Errorf("bootstrap: redis store requires REDIS_ADDR")
		}
		return conversation.NewRedisStore(infra.Redis).WithTerminalRetention(cfg.TerminalRetention), nil
	case StorePostgres:
		if infra.Pool == nil {
			return nil, fmt.Errorf("bootstrap: postgres store requires DATABASE_URL")
		}
		return conversation.NewPostgresStore(infra.Pool), nil
	case StoreDynamo:
		if infra.AWS == nil {
			return nil, fmt.Errorf("bootstrap: dynamodb store requires aws configuration")
		}
		client := dynamodb.NewFromConfig(*infra.AWS)
		return conversation.NewDynamoStore(client, cfg.ConversationsTable, logger).WithTerminalRetention(cfg.TerminalRetention), nil
	default:
		return nil, fmt.Errorf("bootstrap: unknown conversation store %q", cfg.ConversationStore)
	}
}

func buildProcessedStore(cfg *appconfig.Config, infra Infra) (events.ProcessedStore, *events.PostgresProcessedStore) {
	switch {
	case infra.Pool != nil:
		store := events.NewPostgresProcessedStore(infra.Pool)
		return store, store
	case infra.Redis != nil:
		return events.NewRedisProcessedStore(infra.Redis, cfg.ProcessedEventTTL), nil
	default:
		return events.NewMemoryProcessedStore(), nil
	}
}

func (e *Engine) buildPublisher(cfg *appconfig.Config, infra Infra, logger *logging.Logger) error {
	var queue events.Queue
	if url := strings.TrimSpace(cfg.OutcomeQueueURL); url != "" {
		if infra.AWS == nil {
			return fmt.Errorf("bootstrap: OUTCOME_QUEUE_URL requires aws configuration")
		}
		queue = events.NewSQSQueue(sqs.NewFromConfig(*infra.AWS), url)
	} else {
		e.EventLog = events.NewMemoryQueue(0)
		queue = e.EventLog
	}

	if infra.Pool != nil {
		outbox := events.NewOutbox(infra.Pool)
		e.Publisher = events.NewOutboxPublisher(outbox, logger)
		e.Deliverer = events.NewDeliverer(outbox, events.QueueDelivery{Queue: queue}, logger)
		return nil
	}
	e.Publisher = events.NewPublisher(queue, logger)
	return nil
}

func buildBooker(cfg *appconfig.Config, logger *logging.Logger) conversation.Booker {
	if url := strings.TrimSpace(cfg.BookingServiceURL); url != "" {
		return booking.NewHTTPClient(url, cfg.BookingServiceToken, logger)
	}
	logger.Warn("BOOKING_SERVICE_URL not set, using demo booker")
	return booking.NewDemoBooker(logger)
}

func buildEscalator(cfg *appconfig.Config, infra Infra, gw gateway.Gateway, logger *logging.Logger) *notify.Escalator {
	var (
		mailer notify.Mailer
		err    error
	)
	switch cfg.EmailProvider {
	case "sendgrid":
		mailer, err = notify.NewSendGridMailer(cfg.SendGridAPIKey, notify.Address{
			Name:  cfg.SendGridFromName,
			Email: cfg.SendGridFromEmail,
		}, logger)
	case "ses":
		if infra.AWS == nil {
			err = errors.New("aws config not loaded")
			break
		}
		mailer, err = notify.NewSESMailer(sesv2.NewFromConfig(*infra.AWS), notify.Address{
			Name:  cfg.SendGridFromName,
			Email: cfg.SESFromEmail,
		}, logger)
	}
	if err != nil {
		logger.Warn("email provider unavailable, escalation mail will only be logged", "provider", cfg.EmailProvider, "error", err)
	}
	if err != nil || mailer == nil {
		mailer = notify.LogMailer(logger)
	}

	var sms notify.SMSSender
	if strings.TrimSpace(cfg.EscalationPhone) != "" {
		sms = notify.GatewaySMS{Gateway: gw}
	}
	return notify.NewEscalator(mailer, sms, notify.EscalationConfig{
		Email: cfg.EscalationEmail,
		Phone: cfg.EscalationPhone,
	}, logger)
}
