package webhook

import (
	"crypto/hmac"
	"crypto/sha1"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"
)

var (
	// ErrInvalidSignature is returned when a callback fails verification.
	ErrInvalidSignature = errors.New("webhook: invalid signature")
	errMissingSignature = errors.New("webhook: signature headers missing")
	errTimestampSkew    = errors.New("webhook: timestamp outside tolerance")
)

const (
	twilioSignatureHeader = "X-Twilio-Signature"
	telnyxSignatureHeader = "Telnyx-Signature"
	telnyxTimestampHeader = "Telnyx-Timestamp"
)

// ValidTwilioSignature reports whether signature matches the form posted to
// webhookURL under authToken.
func ValidTwilioSignature(signature, authToken, webhookURL string, form url.Values) bool {
	if signature == "" {
		return false
	}
	expected := twilioSignature(twilioPayload(webhookURL, form), authToken)
	return hmac.Equal([]byte(signature), []byte(expected))
}

// twilioPayload is the URL followed by every form key and value, keys sorted.
func twilioPayload(webhookURL string, params url.Values) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var payload strings.Builder
	payload.WriteString(webhookURL)
	for _, key := range keys {
		for _, value := range params[key] {
			payload.WriteString(key)
			payload.WriteString(value)
		}
	}
	return payload.String()
}

func twilioSignature(data, key string) string {
	h := hmac.New(sha1.New, []byte(key))
	h.Write([]byte(data))
	return base64.StdEncoding.EncodeToString(h.Sum(nil))
}

// TelnyxVerifier checks the HMAC-SHA256 signature Telnyx attaches to
// messaging webhooks.
type TelnyxVerifier struct {
	secret  []byte
	maxSkew time.Duration
	now     func() time.Time
}

func NewTelnyxVerifier(secret string, maxSkew time.Duration) *TelnyxVerifier {
	if maxSkew <= 0 {
		maxSkew = 5 * time.Minute
	}
	return &TelnyxVerifier{secret: []byte(secret), maxSkew: maxSkew, now: time.Now}
}

func (v *TelnyxVerifier) Verify(timestamp, signature string, payload []byte) error {
	if timestamp == "" || signature == "" {
		return errMissingSignature
	}
	ts, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return errMissingSignature
	}
	skew := v.now().Sub(time.Unix(ts, 0))
	if skew < 0 {
		skew = -skew
	}
	if skew > v.maxSkew {
		return errTimestampSkew
	}
	mac := hmac.New(sha256.New, v.secret)
	mac.Write([]byte(timestamp))
	mac.Write([]byte("."))
	mac.Write(payload)
	expected := hex.EncodeToString(mac.Sum(nil))
	if !hmac.Equal([]byte(strings.ToLower(signature)), []byte(expected)) {
		return ErrInvalidSignature
	}
	return nil
}

// VerifyRequest reads the Telnyx signature headers from r.
func (v *TelnyxVerifier) VerifyRequest(r *http.Request, payload []byte) error {
	return v.Verify(r.Header.Get(telnyxTimestampHeader), r.Header.Get(telnyxSignatureHeader), payload)
}

// absoluteURL rebuilds the public URL a provider signed, honoring proxy
// headers when no public base URL is configured.
func absoluteURL(r *http.Request, publicBaseURL string) string {
	if publicBaseURL != "" {
		u := strings.TrimRight(publicBaseURL, "/") + r.URL.Path
		if r.URL.RawQuery != "" {
			u += "?" + r.URL.RawQuery
		}
		return u
	}
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if proto := r.Header.Get("X-Forwarded-Proto"); proto != "" {
		scheme = proto
	}
	host := r.Host
	if fwd := r.Header.Get("X-Forwarded-Host"); fwd != "" {
		host = fwd
	}
	return scheme + "://" + host + r.URL.RequestURI()
}
