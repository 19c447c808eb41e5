package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds application configuration
type Config struct {
	Port              string
	Env               string
	PublicBaseURL     string
	LogLevel          string
	AdminJWTSecret    string
	EnableMockInbound bool
	WebhookRateQPS    float64
	WebhookRateBurst  int

	ConversationStore  string
	DatabaseURL        string
	RedisAddr          string
	RedisPassword      string
	RedisTLS           bool
	ConversationsTable string
	ProcessedEventTTL  time.Duration
	TerminalRetention  time.Duration

	AWSRegion           string
	AWSAccessKeyID      string
	AWSSecretAccessKey  string
	AWSEndpointOverride string
	OutcomeQueueURL     string

	SMSProvider              string
	SMSProviderPriority      []string
	SMSFromNumber            string
	SMSProviderQPS           float64
	SMSProviderBurst         int
	TelnyxAPIKey             string
	TelnyxMessagingProfileID string
	TelnyxWebhookSecret      string
	TwilioAccountSID         string
	TwilioAuthToken          string
	TwilioFromNumber         string

	MaxAmbiguousReplies  int
	ConversationTTL      time.Duration
	DeclineKeywords      []string
	SendRetryMaxAttempts int
	SendRetryBaseDelay   time.Duration
	SelectingTimeout     time.Duration
	SweepInterval        time.Duration
	SweepBatchSize       int

	BookingServiceURL   string
	BookingServiceToken string
	BookingTimeout      time.Duration

	EmailProvider     string
	EscalationEmail   string
	EscalationPhone   string
	SendGridAPIKey    string
	SendGridFromEmail string
	SendGridFromName  string
	SESFromEmail      string
}

// Load reads configuration from environment variables.
func Load() *Config {
	return &Config{
		Port:              getEnv("PORT", "8080"),
		Env:               getEnv("ENV", "development"),
		PublicBaseURL:     strings.TrimRight(getEnv("PUBLIC_BASE_URL", ""), "/"),
		LogLevel:          getEnv("LOG_LEVEL", "info"),
		AdminJWTSecret:    getEnv("ADMIN_JWT_SECRET", ""),
		EnableMockInbound: getEnvAsBool("ENABLE_MOCK_INBOUND", false),
		WebhookRateQPS:    getEnvAsFloat("WEBHOOK_RATE_QPS", 50),
		WebhookRateBurst:  getEnvAsInt("WEBHOOK_RATE_BURST", 100),

		ConversationStore:  strings.ToLower(strings.TrimSpace(getEnv("CONVERSATION_STORE", "memory"))),
		DatabaseURL:        getEnv("DATABASE_URL", ""),
		RedisAddr:          getEnv("REDIS_ADDR", ""),
		RedisPassword:      getEnv("REDIS_PASSWORD", ""),
		RedisTLS:           getEnvAsBool("REDIS_TLS", false),
		ConversationsTable: getEnv("CONVERSATIONS_TABLE", "offer_conversations"),
		ProcessedEventTTL:  getEnvAsDuration("PROCESSED_EVENT_TTL", 7*24*time.Hour),
		TerminalRetention:  getEnvAsDuration("TERMINAL_RETENTION", 30*24*time.Hour),

		AWSRegion:           getEnv("AWS_REGION", "us-east-1"),
		AWSAccessKeyID:      getEnv("AWS_ACCESS_KEY_ID", ""),
		AWSSecretAccessKey:  getEnv("AWS_SECRET_ACCESS_KEY", ""),
		AWSEndpointOverride: getEnv("AWS_ENDPOINT_OVERRIDE", ""),
		OutcomeQueueURL:     getEnv("OUTCOME_QUEUE_URL", ""),

		SMSProvider:              strings.ToLower(strings.TrimSpace(getEnv("SMS_PROVIDER", ""))),
		SMSProviderPriority:      getEnvAsList("SMS_PROVIDER_PRIORITY", []string{"telnyx", "twilio"}),
		SMSFromNumber:            getEnv("SMS_FROM_NUMBER", ""),
		SMSProviderQPS:           getEnvAsFloat("SMS_PROVIDER_QPS", 10),
		SMSProviderBurst:         getEnvAsInt("SMS_PROVIDER_BURST", 5),
		TelnyxAPIKey:             getEnv("TELNYX_API_KEY", ""),
		TelnyxMessagingProfileID: getEnv("TELNYX_MESSAGING_PROFILE_ID", ""),
		TelnyxWebhookSecret:      getEnv("TELNYX_WEBHOOK_SECRET", ""),
		TwilioAccountSID:         getEnv("TWILIO_ACCOUNT_SID", ""),
		TwilioAuthToken:          getEnv("TWILIO_AUTH_TOKEN", ""),
		TwilioFromNumber:         getEnv("TWILIO_FROM_NUMBER", ""),

		MaxAmbiguousReplies:  getEnvAsInt("MAX_AMBIGUOUS_REPLIES", 2),
		ConversationTTL:      getEnvAsDuration("CONVERSATION_TTL", 24*time.Hour),
		DeclineKeywords:      getEnvAsList("DECLINE_KEYWORDS", nil),
		SendRetryMaxAttempts: getEnvAsInt("SEND_RETRY_MAX_ATTEMPTS", 3),
		SendRetryBaseDelay:   getEnvAsDuration("SEND_RETRY_BASE_DELAY", 500*time.Millisecond),
		SelectingTimeout:     getEnvAsDuration("SELECTING_TIMEOUT", 10*time.Minute),
		SweepInterval:        getEnvAsDuration("SWEEP_INTERVAL", time.Minute),
		SweepBatchSize:       getEnvAsInt("SWEEP_BATCH_SIZE", 100),

		BookingServiceURL:   getEnv("BOOKING_SERVICE_URL", ""),
		BookingServiceToken: getEnv("BOOKING_SERVICE_TOKEN", ""),
		BookingTimeout:      getEnvAsDuration("BOOKING_TIMEOUT", 15*time.Second),

		EmailProvider:     strings.ToLower(strings.TrimSpace(getEnv("EMAIL_PROVIDER", "stub"))),
		EscalationEmail:   getEnv("ESCALATION_EMAIL", ""),
		EscalationPhone:   getEnv("ESCALATION_PHONE", ""),
		SendGridAPIKey:    getEnv("SENDGRID_API_KEY", ""),
		SendGridFromEmail: getEnv("SENDGRID_FROM_EMAIL", ""),
		SendGridFromName:  getEnv("SENDGRID_FROM_NAME", "Scheduling Desk"),
		SESFromEmail:      getEnv("SES_FROM_EMAIL", ""),
	}
}

// IsProduction reports whether the service runs with production settings.
func (c *Config) IsProduction() bool {
	return c != nil && strings.EqualFold(c.Env, "production")
}

// getEnv retrieves an environment variable or returns a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsInt retrieves an environment variable as an integer or returns a default value
func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseFloat(valueStr, 64); err == nil {
		return value
	}
	return defaultValue
}

// getEnvAsBool retrieves an environment variable as a boolean or returns a default value
func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseBool(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}
	if value, err := time.ParseDuration(valueStr); err == nil {
		return value
	}
	return defaultValue
}

// getEnvAsList splits a comma separated variable, dropping blanks and lowercasing entries.
func getEnvAsList(key string, defaultValue []string) []string {
	valueStr := getEnv(key, "")
	if strings.TrimSpace(valueStr) == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(valueStr, ",") {
		part = strings.ToLower(strings.TrimSpace(part))
		if part != "" {
			out = append(out, part)
		}
	}
	if len(out) == 0 {
		return defaultValue
	}
	return out
}
