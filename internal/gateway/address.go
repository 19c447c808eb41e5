package gateway

import (
	"fmt"
	"regexp"
	"strings"
)

var (
	e164Pattern = regexp.MustCompile(`^\+[1-9][0-9]{7,14}$`)
	nonDigits   = regexp.MustCompile(`[^0-9]`)
)

// ValidateAddress reports ErrInvalidAddress when addr is not E.164.
func ValidateAddress(addr string) error {
	if !e164Pattern.MatchString(addr) {
		return fmt.Errorf("%w: %q", ErrInvalidAddress, addr)
	}
	return nil
}

// checkDestination is the fail-fast guard every adapter runs before touching
// the network.
func checkDestination(provider, to string) error {
	if err := ValidateAddress(to); err != nil {
		return Permanent(provider, err)
	}
	return nil
}

// NormalizeAddress canonicalizes a provider-reported phone number to E.164.
// Bare 10-digit numbers are assumed to be NANP.
func NormalizeAddress(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	digits := nonDigits.ReplaceAllString(raw, "")
	if digits == "" {
		return ""
	}
	if !strings.HasPrefix(raw, "+") && len(digits) == 10 {
		return "+1" + digits
	}
	return "+" + digits
}
