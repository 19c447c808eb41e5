package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// ErrInvalidAddress marks destination addresses that are not E.164.
var ErrInvalidAddress = errors.New("gateway: invalid destination address")

// ProviderError classifies a failed provider interaction. Permanent errors
// must not be retried; everything else is transient.
type ProviderError struct {
	Provider   string
	StatusCode int
	Permanent  bool
	Err        error
}

func (e *ProviderError) Error() string {
	kind := "transient"
	if e.Permanent {
		kind = "permanent"
	}
	provider := e.Provider
	if provider == "" {
		provider = "gateway"
	}
	if e.StatusCode > 0 {
		return fmt.Sprintf("%s: %s error (status %d): %v", provider, kind, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s: %s error: %v", provider, kind, e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// Permanent wraps err as a non-retryable provider failure.
func Permanent(provider string, err error) error {
	return &ProviderError{Provider: provider, Permanent: true, Err: err}
}

// Transient wraps err as a retryable provider failure.
func Transient(provider string, err error) error {
	return &ProviderError{Provider: provider, Err: err}
}

// IsPermanent reports whether err is a permanent provider failure.
func IsPermanent(err error) bool {
	var perr *ProviderError
	return errors.As(err, &perr) && perr.Permanent
}

// IsTransient reports whether err is a retryable provider failure. Context
// cancellation is never transient.
func IsTransient(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var perr *ProviderError
	return errors.As(err, &perr) && !perr.Permanent
}

// classifyHTTP maps a non-2xx provider response onto the error taxonomy.
func classifyHTTP(provider string, status int, body []byte) error {
	snippet := strings.TrimSpace(string(body))
	if len(snippet) > 256 {
		snippet = snippet[:256]
	}
	err := &ProviderError{
		Provider:   provider,
		StatusCode: status,
		Err:        fmt.Errorf("%s", strings.TrimSpace(http.StatusText(status)+" "+snippet)),
	}
	if status == http.StatusTooManyRequests || status >= 500 {
		return err
	}
	err.Permanent = true
	return err
}
