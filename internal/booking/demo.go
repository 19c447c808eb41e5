package booking

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/wolfman30/slot-offer-engine/internal/conversation"
	"github.com/wolfman30/slot-offer-engine/pkg/logging"
)

// ErrDemoFailure is the error DemoBooker returns in error mode.
var ErrDemoFailure = errors.New("booking: demo booker configured to fail")

// DemoMode selects how DemoBooker answers.
type DemoMode string

const (
	DemoSucceed DemoMode = "succeed"
	DemoRefuse  DemoMode = "refuse"
	DemoError   DemoMode = "error"
)

// DemoBooker confirms every slot with a deterministic reference. It is the
// development default when no booking service is configured.
type DemoBooker struct {
	mu     sync.Mutex
	mode   DemoMode
	seq    int
	booked []conversation.SlotOffer
	logger *logging.Logger
}

var _ conversation.Booker = (*DemoBooker)(nil)

func NewDemoBooker(logger *logging.Logger) *DemoBooker {
	if logger == nil {
		logger = logging.Default()
	}
	return &DemoBooker{mode: DemoSucceed, logger: logger}
}

// SetMode switches the answer for subsequent calls.
func (d *DemoBooker) SetMode(mode DemoMode) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.mode = mode
}

func (d *DemoBooker) Book(_ context.Context, slot conversation.SlotOffer) (conversation.BookingResult, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	switch d.mode {
	case DemoError:
		return conversation.BookingResult{}, ErrDemoFailure
	case DemoRefuse:
		return conversation.BookingResult{Success: false, ErrorKind: KindSlotUnavailable}, nil
	}
	d.seq++
	d.booked = append(d.booked, slot)
	ref := fmt.Sprintf("DEMO-%04d", d.seq)
	d.logger.Info("demo booking confirmed", "slot_id", slot.ID, "reference", ref)
	return conversation.BookingResult{Success: true, Reference: ref}, nil
}

// Booked returns the slots confirmed so far.
func (d *DemoBooker) Booked() []conversation.SlotOffer {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]conversation.SlotOffer(nil), d.booked...)
}
