package conversation

import (
	"bytes"
	"fmt"
	"text/template"
)

// Prompts holds the text/template sources for every message the engine sends.
// Templates execute with missingkey=error.
type Prompts struct {
	Offer         string
	Clarify       string
	Declined      string
	Booked        string
	BookingFailed string
	Escalated     string
	RefineAck     string
}

// DefaultPrompts returns the stock wording.
func DefaultPrompts() Prompts {
	return Prompts{
		Offer: "We have these appointment times available:\n" +
			"{{range .Slots}}{{.Number}}) {{.Label}}\n{{end}}" +
			"Reply with the number of the time you want, or NONE if none of these work.",
		Clarify:       "Sorry, we didn't catch that. Reply with a number from 1 to {{len .Slots}}, or NONE.",
		Declined:      "No problem, we won't book any of these times.",
		Booked:        "You're booked for {{.Label}}.{{if .Reference}} Confirmation: {{.Reference}}.{{end}}",
		BookingFailed: "We couldn't book {{.Label}}. Someone from our team will reach out shortly.",
		Escalated:     "Thanks for your patience. Someone from our team will follow up with you directly.",
		RefineAck:     "Thanks! We'll look for times that fit and text you new options.",
	}
}

type promptSlot struct {
	Number int
	Label  string
}

type promptData struct {
	Slots     []promptSlot
	Label     string
	Reference string
}

func newPromptData(conv *Conversation) promptData {
	offered := conv.OfferedSlots()
	data := promptData{Slots: make([]promptSlot, len(offered))}
	for i, s := range offered {
		data.Slots[i] = promptSlot{Number: i + 1, Label: s.DisplayLabel()}
	}
	if slot, ok := conv.SelectedSlot(); ok {
		data.Label = slot.DisplayLabel()
	}
	if conv.BookingResult != nil {
		data.Reference = conv.BookingResult.Reference
	}
	return data
}

type promptKind string

const (
	promptOffer         promptKind = "offer"
	promptClarify       promptKind = "clarify"
	promptDeclined      promptKind = "declined"
	promptBooked        promptKind = "booked"
	promptBookingFailed promptKind = "booking_failed"
	promptEscalated     promptKind = "escalated"
	promptRefineAck     promptKind = "refine_ack"
)

type promptSet map[promptKind]*template.Template

func compilePrompts(p Prompts) (promptSet, error) {
	defaults := DefaultPrompts()
	sources := map[promptKind][2]string{
		promptOffer:         {p.Offer, defaults.Offer},
		promptClarify:       {p.Clarify, defaults.Clarify},
		promptDeclined:      {p.Declined, defaults.Declined},
		promptBooked:        {p.Booked, defaults.Booked},
		promptBookingFailed: {p.BookingFailed, defaults.BookingFailed},
		promptEscalated:     {p.Escalated, defaults.Escalated},
		promptRefineAck:     {p.RefineAck, defaults.RefineAck},
	}
	set := make(promptSet, len(sources))
	for kind, src := range sources {
		text := src[0]
		if text == "" {
			text = src[1]
		}
		t, err := template.New(string(kind)).Option("missingkey=error").Parse(text)
		if err != nil {
			return nil, fmt.Errorf("conversation: parse %s prompt: %w", kind, err)
		}
		set[kind] = t
	}
	return set, nil
}

func (s promptSet) render(kind promptKind, conv *Conversation) (string, error) {
	t, ok := s[kind]
	if !ok {
		return "", fmt.Errorf("conversation: unknown prompt %q", kind)
	}
	var buf bytes.Buffer
	if err := t.Execute(&buf, newPromptData(conv)); err != nil {
		return "", fmt.Errorf("conversation: render %s prompt: %w", kind, err)
	}
	return buf.String(), nil
}
