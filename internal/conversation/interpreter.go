package conversation

import (
	"strconv"
	"strings"
)

// IntentKind classifies a reply.
type IntentKind string

const (
	IntentSelectSlot   IntentKind = "select_slot"
	IntentDecline      IntentKind = "decline"
	IntentRefine       IntentKind = "refine"
	IntentUnrecognized IntentKind = "unrecognized"
)

// Intent is the structured meaning of one reply. Index is 1-based and only
// set for IntentSelectSlot; Text is only set for IntentRefine.
type Intent struct {
	Kind  IntentKind
	Index int
	Text  string
}

func SelectSlot(k int) Intent   { return Intent{Kind: IntentSelectSlot, Index: k} }
func Decline() Intent           { return Intent{Kind: IntentDecline} }
func Refine(text string) Intent { return Intent{Kind: IntentRefine, Text: text} }
func Unrecognized() Intent      { return Intent{Kind: IntentUnrecognized} }

// DefaultDeclineKeywords is used when no vocabulary is configured.
var DefaultDeclineKeywords = []string{"none", "no", "none of these", "cancel", "no thanks", "stop"}

// Interpreter turns reply text into an Intent. It is a pure value: no I/O,
// identical inputs always produce identical output.
type Interpreter struct {
	maxAmbiguous int
	decline      map[string]struct{}
}

// NewInterpreter builds an interpreter. A nil or empty vocabulary selects
// DefaultDeclineKeywords.
func NewInterpreter(maxAmbiguous int, declineKeywords []string) Interpreter {
	if maxAmbiguous < 0 {
		maxAmbiguous = 0
	}
	if len(declineKeywords) == 0 {
		declineKeywords = DefaultDeclineKeywords
	}
	vocab := make(map[string]struct{}, len(declineKeywords))
	for _, kw := range declineKeywords {
		if key := normalizeReply(kw); key != "" {
			vocab[key] = struct{}{}
		}
	}
	return Interpreter{maxAmbiguous: maxAmbiguous, decline: vocab}
}

// MaxAmbiguous is the configured ambiguous-reply budget.
func (i Interpreter) MaxAmbiguous() int { return i.maxAmbiguous }

// Interpret classifies body against the offered slots, in priority order:
// slot number, decline keyword, refinement (while budget remains), unrecognized.
func (i Interpreter) Interpret(body string, offered []SlotOffer, attemptCount int) Intent {
	collapsed := strings.Join(strings.Fields(body), " ")
	key := normalizeReply(collapsed)
	if key == "" {
		return Unrecognized()
	}
	if isDigits(key) {
		k, err := strconv.Atoi(key)
		if err == nil && k >= 1 && k <= len(offered) {
			return SelectSlot(k)
		}
		// An out-of-range number is a failed selection, not a preference.
		return Unrecognized()
	}
	if _, ok := i.decline[key]; ok {
		return Decline()
	}
	if attemptCount < i.maxAmbiguous {
		return Refine(collapsed)
	}
	return Unrecognized()
}

// normalizeReply lowercases, collapses whitespace and drops trailing . and !.
func normalizeReply(s string) string {
	s = strings.ToLower(strings.Join(strings.Fields(s), " "))
	return strings.TrimSpace(strings.TrimRight(s, ".!"))
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
