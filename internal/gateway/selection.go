package gateway

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/wolfman30/slot-offer-engine/pkg/logging"
)

// DefaultPriority is the provider order used when none is configured.
var DefaultPriority = []string{ProviderTelnyx, ProviderTwilio}

// SelectionConfig captures everything provider selection depends on.
type SelectionConfig struct {
	Override         string
	Priority         []string
	FromNumber       string
	TelnyxAPIKey     string
	TelnyxProfileID  string
	TwilioAccountSID string
	TwilioAuthToken  string
	TwilioFromNumber string
	QPS              float64
	Burst            int
	TelnyxBaseURL    string
	TwilioBaseURL    string
	HTTPClient       *http.Client
}

// Choice is the outcome of provider selection.
type Choice struct {
	Provider string
	Reason   string
}

// Choose applies the selection policy: an explicit override wins, otherwise
// the first configured provider in priority order, otherwise the mock. It
// depends on nothing but cfg.
func Choose(cfg SelectionConfig) (Choice, error) {
	override := strings.ToLower(strings.TrimSpace(cfg.Override))
	if override != "" && override != "auto" {
		if !knownProvider(override) {
			return Choice{}, fmt.Errorf("gateway: unknown provider override %q", override)
		}
		if missing := cfg.missing(override); missing != "" {
			return Choice{}, fmt.Errorf("gateway: %s override not configured: %s", override, missing)
		}
		return Choice{Provider: override, Reason: "explicit override"}, nil
	}

	priority := cfg.Priority
	if len(priority) == 0 {
		priority = DefaultPriority
	}
	var reasons []string
	for _, raw := range priority {
		provider := strings.ToLower(strings.TrimSpace(raw))
		if !knownProvider(provider) {
			reasons = append(reasons, fmt.Sprintf("%s: unknown provider", provider))
			continue
		}
		missing := cfg.missing(provider)
		if missing == "" {
			return Choice{Provider: provider, Reason: "first configured provider in priority list"}, nil
		}
		reasons = append(reasons, fmt.Sprintf("%s: %s", provider, missing))
	}
	reason := "no providers configured"
	if len(reasons) > 0 {
		reason = "no providers configured (" + strings.Join(reasons, "; ") + ")"
	}
	return Choice{Provider: ProviderMock, Reason: reason}, nil
}

// Build constructs the gateway Choose selects. Real providers are wrapped in
// a rate limiter when cfg.QPS is positive.
func Build(cfg SelectionConfig, logger *logging.Logger) (Gateway, Choice, error) {
	if logger == nil {
		logger = logging.Default()
	}
	choice, err := Choose(cfg)
	if err != nil {
		return nil, Choice{}, err
	}
	var gw Gateway
	switch choice.Provider {
	case ProviderTelnyx:
		gw = NewTelnyxGateway(TelnyxConfig{
			APIKey:             cfg.TelnyxAPIKey,
			MessagingProfileID: cfg.TelnyxProfileID,
			FromNumber:         cfg.FromNumber,
			BaseURL:            cfg.TelnyxBaseURL,
			HTTPClient:         cfg.HTTPClient,
		}, logger)
	case ProviderTwilio:
		from := cfg.TwilioFromNumber
		if from == "" {
			from = cfg.FromNumber
		}
		gw = NewTwilioGateway(TwilioConfig{
			AccountSID: cfg.TwilioAccountSID,
			AuthToken:  cfg.TwilioAuthToken,
			FromNumber: from,
			BaseURL:    cfg.TwilioBaseURL,
			HTTPClient: cfg.HTTPClient,
		}, logger)
	default:
		return NewMockGateway(), choice, nil
	}
	if cfg.QPS > 0 {
		gw = NewRateLimited(gw, cfg.QPS, cfg.Burst)
	}
	return gw, choice, nil
}

func knownProvider(name string) bool {
	switch name {
	case ProviderTelnyx, ProviderTwilio, ProviderMock:
		return true
	}
	return false
}

// missing lists absent settings for provider, or "" when it is usable.
func (cfg SelectionConfig) missing(provider string) string {
	var reasons []string
	switch provider {
	case ProviderTelnyx:
		if cfg.TelnyxAPIKey == "" {
			reasons = append(reasons, "TELNYX_API_KEY missing")
		}
		if cfg.TelnyxProfileID == "" && cfg.FromNumber == "" {
			reasons = append(reasons, "TELNYX_MESSAGING_PROFILE_ID or SMS_FROM_NUMBER missing")
		}
	case ProviderTwilio:
		if cfg.TwilioAccountSID == "" {
			reasons = append(reasons, "TWILIO_ACCOUNT_SID missing")
		}
		if cfg.TwilioAuthToken == "" {
			reasons = append(reasons, "TWILIO_AUTH_TOKEN missing")
		}
		if cfg.TwilioFromNumber == "" && cfg.FromNumber == "" {
			reasons = append(reasons, "TWILIO_FROM_NUMBER or SMS_FROM_NUMBER missing")
		}
	}
	return strings.Join(reasons, ", ")
}
