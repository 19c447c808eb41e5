package conversation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/wolfman30/slot-offer-engine/internal/gateway"
	"github.com/wolfman30/slot-offer-engine/pkg/logging"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []Event
}

func (p *recordingPublisher) Publish(_ context.Context, ev Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
	return nil
}

func (p *recordingPublisher) ofType(eventType string) []Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []Event
	for _, ev := range p.events {
		if ev.Type == eventType {
			out = append(out, ev)
		}
	}
	return out
}

type failingPublisher struct{}

func (failingPublisher) Publish(context.Context, Event) error {
	return errors.New("outbox unavailable")
}

type recordingEscalator struct {
	mu  sync.Mutex
	ids []string
}

func (e *recordingEscalator) Escalate(_ context.Context, conv *Conversation) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.ids = append(e.ids, conv.ID)
	return nil
}

type fixedRefiner struct {
	slots []SlotOffer
	seen  []string
}

func (r *fixedRefiner) Refine(_ context.Context, _ *Conversation, preference string) ([]SlotOffer, error) {
	r.seen = append(r.seen, preference)
	return r.slots, nil
}

type harness struct {
	store     *MemoryStore
	gw        *gateway.MockGateway
	booker    *stubBooker
	events    *recordingPublisher
	escalator *recordingEscalator
	clock     *fakeClock
	delays    []time.Duration
	machine   *Machine
	replySeq  int
}

const testAddress = "+15551234567"

var threeSlots = []SlotOffer{
	{ID: "slot-a", Label: "Mon Mar 10, 9:00 AM"},
	{ID: "slot-b", Label: "Tue Mar 11, 2:30 PM"},
	{ID: "slot-c", Label: "Wed Mar 12, 4:00 PM"},
}

func newHarness(t *testing.T, opts ...MachineOption) *harness {
	t.Helper()
	return newTunedHarness(t, nil, opts...)
}

// newTunedHarness lets a test adjust the machine config before it is built.
func newTunedHarness(t *testing.T, tune func(*MachineConfig), opts ...MachineOption) *harness {
	t.Helper()
	h := &harness{
		store:     NewMemoryStore(),
		booker:    &stubBooker{result: BookingResult{Success: true, Reference: "BK-100"}},
		events:    &recordingPublisher{},
		escalator: &recordingEscalator{},
		clock:     &fakeClock{now: contractEpoch},
	}
	h.gw = gateway.NewMockGateway().WithClock(h.clock.Now)
	cfg := MachineConfig{
		TTL:                 24 * time.Hour,
		MaxAmbiguousReplies: 2,
		SelectingTimeout:    10 * time.Minute,
		SendRetry:           RetryPolicy{MaxAttempts: 3, BaseDelay: 100 * time.Millisecond, MaxDelay: time.Second},
	}
	if tune != nil {
		tune(&cfg)
	}
	base := []MachineOption{
		WithClock(h.clock.Now),
		WithEventPublisher(h.events),
		WithEscalator(h.escalator),
		WithSleeper(func(_ context.Context, d time.Duration) error {
			h.delays = append(h.delays, d)
			return nil
		}),
	}
	m, err := NewMachine(h.store, h.gw, NewCoordinator(h.booker, logging.Discard()), cfg, logging.Discard(), append(base, opts...)...)
	if err != nil {
		t.Fatalf("new machine: %v", err)
	}
	h.machine = m
	return h
}

func (h *harness) start(t *testing.T) *Conversation {
	t.Helper()
	conv, err := h.machine.Start(context.Background(), StartRequest{DestinationAddress: testAddress, Slots: threeSlots})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	return conv
}

func (h *harness) reply(t *testing.T, id, body string) *Conversation {
	t.Helper()
	h.replySeq++
	conv, err := h.machine.ApplyReply(context.Background(), id, gateway.InboundMessage{
		Provider:          gateway.ProviderMock,
		ProviderMessageID: fmt.Sprintf("in-%d", h.replySeq),
		From:              testAddress,
		Body:              body,
	})
	if err != nil {
		t.Fatalf("apply reply %q: %v", body, err)
	}
	return conv
}

func statesOf(conv *Conversation) []State {
	out := make([]State, len(conv.Transitions))
	for i, tr := range conv.Transitions {
		out[i] = tr.To
	}
	return out
}

func TestStartSendsOfferAndAwaits(t *testing.T) {
	h := newHarness(t)
	conv := h.start(t)

	if conv.State != StateAwaitingResponse {
		t.Fatalf("expected AWAITING_RESPONSE, got %s", conv.State)
	}
	if !conv.ExpiresAt.Equal(contractEpoch.Add(24 * time.Hour)) {
		t.Fatalf("unexpected expiry %v", conv.ExpiresAt)
	}
	want := []State{StateCreated, StateSent, StateAwaitingResponse}
	if got := statesOf(conv); fmt.Sprint(got) != fmt.Sprint(want) {
		t.Fatalf("transitions = %v, want %v", got, want)
	}
	if len(conv.Outbound) != 1 || conv.Outbound[0].Status != SendSent || conv.Outbound[0].ProviderResponseID != "mock-000001" {
		t.Fatalf("unexpected outbound record: %+v", conv.Outbound)
	}
	msg, ok := h.gw.LastTo(testAddress)
	if !ok || !strings.Contains(msg.Body, "1) Mon Mar 10, 9:00 AM") || !strings.Contains(msg.Body, "3) Wed Mar 12, 4:00 PM") {
		t.Fatalf("offer body missing numbered slots: %q", msg.Body)
	}
}

func TestStartRejectsSecondActiveConversation(t *testing.T) {
	h := newHarness(t)
	h.start(t)
	_, err := h.machine.Start(context.Background(), StartRequest{DestinationAddress: testAddress, Slots: threeSlots})
	if !errors.Is(err, ErrActiveConversation) {
		t.Fatalf("expected ErrActiveConversation, got %v", err)
	}
}

func TestStartValidatesRequest(t *testing.T) {
	h := newHarness(t)
	if _, err := h.machine.Start(context.Background(), StartRequest{DestinationAddress: testAddress}); !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("expected ErrInvalidRequest without slots, got %v", err)
	}
	if _, err := h.machine.Start(context.Background(), StartRequest{Slots: threeSlots}); !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("expected ErrInvalidRequest without address, got %v", err)
	}
}

func TestStartPermanentSendFailure(t *testing.T) {
	h := newHarness(t)
	conv, err := h.machine.Start(context.Background(), StartRequest{DestinationAddress: "555-0100", Slots: threeSlots})
	if err != nil {
		t.Fatalf("delivery failure must surface as state, got %v", err)
	}
	if conv.State != StateFailed || conv.FailureReason != ReasonSendRejected {
		t.Fatalf("expected FAILED/%s, got %s/%s", ReasonSendRejected, conv.State, conv.FailureReason)
	}
	if len(conv.Outbound) != 1 || conv.Outbound[0].Attempts != 1 || conv.Outbound[0].Status != SendFailed {
		t.Fatalf("permanent errors must not be retried: %+v", conv.Outbound)
	}
	if len(h.events.ofType(EventCompleted)) != 1 {
		t.Fatalf("expected completion event")
	}
	id, _ := h.store.FindActiveByAddress(context.Background(), conv.DestinationAddress)
	if id != "" {
		t.Fatalf("failed conversation still holds the address")
	}
}

func TestStartRetriesTransientErrors(t *testing.T) {
	h := newHarness(t)
	h.gw.FailNext(
		gateway.Transient(gateway.ProviderMock, errors.New("503")),
		gateway.Transient(gateway.ProviderMock, errors.New("timeout")),
	)
	conv := h.start(t)
	if conv.State != StateAwaitingResponse || conv.Outbound[0].Attempts != 3 {
		t.Fatalf("expected success on third attempt, got %s attempts=%d", conv.State, conv.Outbound[0].Attempts)
	}
	if fmt.Sprint(h.delays) != fmt.Sprint([]time.Duration{100 * time.Millisecond, 200 * time.Millisecond}) {
		t.Fatalf("unexpected backoff delays %v", h.delays)
	}
}

func TestStartTransientBudgetExhausted(t *testing.T) {
	h := newHarness(t)
	transient := gateway.Transient(gateway.ProviderMock, errors.New("503"))
	h.gw.FailNext(transient, transient, transient)
	conv := h.start(t)
	if conv.State != StateFailed || conv.FailureReason != ReasonSendExhausted {
		t.Fatalf("expected FAILED/%s, got %s/%s", ReasonSendExhausted, conv.State, conv.FailureReason)
	}
}

func TestSelectionBooks(t *testing.T) {
	h := newHarness(t)
	conv := h.start(t)
	conv = h.reply(t, conv.ID, "2")

	if conv.State != StateBooked {
		t.Fatalf("expected BOOKED, got %s", conv.State)
	}
	want := []State{StateCreated, StateSent, StateAwaitingResponse, StateSelecting, StateBooked}
	if got := statesOf(conv); fmt.Sprint(got) != fmt.Sprint(want) {
		t.Fatalf("transitions = %v, want %v", got, want)
	}
	if conv.BookingResult == nil || conv.BookingResult.Reference != "BK-100" {
		t.Fatalf("booking result not stored: %+v", conv.BookingResult)
	}
	if h.booker.callCount() != 1 || h.booker.slots[0].ID != "slot-b" {
		t.Fatalf("expected one booking of slot-b, got %+v", h.booker.slots)
	}
	msg, _ := h.gw.LastTo(testAddress)
	if !strings.Contains(msg.Body, "Tue Mar 11, 2:30 PM") || !strings.Contains(msg.Body, "BK-100") {
		t.Fatalf("unexpected confirmation %q", msg.Body)
	}
	completed := h.events.ofType(EventCompleted)
	if len(completed) != 1 || completed[0].BookingReference != "BK-100" || completed[0].SelectedSlot.ID != "slot-b" {
		t.Fatalf("unexpected completion events %+v", completed)
	}
	if len(conv.Outbound) != 1 {
		t.Fatalf("notices must not be recorded as offers: %d", len(conv.Outbound))
	}
}

func TestSelectionBookingFailure(t *testing.T) {
	h := newHarness(t)
	h.booker.result = BookingResult{Success: false, ErrorKind: "slot_unavailable"}
	conv := h.start(t)
	conv = h.reply(t, conv.ID, "1")

	if conv.State != StateFailed || conv.FailureReason != ReasonBookingFailed || !conv.Escalated {
		t.Fatalf("expected escalated FAILED, got %s/%s escalated=%v", conv.State, conv.FailureReason, conv.Escalated)
	}
	if h.booker.callCount() != 1 {
		t.Fatalf("booking must not be retried, calls=%d", h.booker.callCount())
	}
	if len(h.escalator.ids) != 1 {
		t.Fatalf("expected escalation, got %v", h.escalator.ids)
	}
}

func TestDecline(t *testing.T) {
	h := newHarness(t)
	conv := h.start(t)
	conv = h.reply(t, conv.ID, "None of these.")
	if conv.State != StateDeclined {
		t.Fatalf("expected DECLINED, got %s", conv.State)
	}
	if h.booker.callCount() != 0 {
		t.Fatalf("decline must not book")
	}
	msg, _ := h.gw.LastTo(testAddress)
	if !strings.Contains(msg.Body, "won't book") {
		t.Fatalf("expected acknowledgement, got %q", msg.Body)
	}
}

func TestRefineWithoutRefinerWaitsForReoffer(t *testing.T) {
	h := newHarness(t)
	conv := h.start(t)
	conv = h.reply(t, conv.ID, "maybe thursday?")

	if conv.State != StateAwaitingResponse || conv.AttemptCount != 1 || conv.PendingRefinement != "maybe thursday?" {
		t.Fatalf("unexpected refine state: %s attempts=%d pending=%q", conv.State, conv.AttemptCount, conv.PendingRefinement)
	}
	requested := h.events.ofType(EventRefineRequested)
	if len(requested) != 1 || requested[0].Preference != "maybe thursday?" {
		t.Fatalf("expected refine_requested event, got %+v", requested)
	}

	newSlots := []SlotOffer{{ID: "slot-t1", Label: "Thu 10:00 AM"}, {ID: "slot-t2", Label: "Thu 3:00 PM"}}
	conv, err := h.machine.Reoffer(context.Background(), conv.ID, newSlots)
	if err != nil {
		t.Fatalf("reoffer: %v", err)
	}
	if conv.State != StateAwaitingResponse || len(conv.Rounds) != 2 || conv.PendingRefinement != "" {
		t.Fatalf("unexpected reoffer state: %+v", conv)
	}
	if conv.Rounds[0].Slots[0].ID != "slot-a" {
		t.Fatalf("earlier round was modified")
	}

	conv = h.reply(t, conv.ID, "2")
	if conv.State != StateBooked || h.booker.slots[0].ID != "slot-t2" {
		t.Fatalf("selection should index the latest round, got %s %+v", conv.State, h.booker.slots)
	}
}

func TestRefineWithRefinerSendsNewRound(t *testing.T) {
	refiner := &fixedRefiner{slots: []SlotOffer{{ID: "slot-f", Label: "Fri 8:00 AM"}}}
	h := newHarness(t, WithRefiner(refiner))
	conv := h.start(t)
	conv = h.reply(t, conv.ID, "Friday   morning")

	if conv.State != StateAwaitingResponse || len(conv.Rounds) != 2 || conv.AttemptCount != 1 {
		t.Fatalf("unexpected state after refine: %s rounds=%d attempts=%d", conv.State, len(conv.Rounds), conv.AttemptCount)
	}
	if len(refiner.seen) != 1 || refiner.seen[0] != "Friday morning" {
		t.Fatalf("refiner got %v", refiner.seen)
	}
	if len(conv.Outbound) != 2 {
		t.Fatalf("re-offer should be recorded, got %d outbound", len(conv.Outbound))
	}
	msg, _ := h.gw.LastTo(testAddress)
	if !strings.Contains(msg.Body, "1) Fri 8:00 AM") {
		t.Fatalf("unexpected re-offer body %q", msg.Body)
	}
}

func TestAmbiguousRepliesExhaustBudget(t *testing.T) {
	h := newHarness(t)
	conv := h.start(t)

	conv = h.reply(t, conv.ID, "7")
	if conv.State != StateAwaitingResponse || conv.AttemptCount != 1 {
		t.Fatalf("out of range number should clarify, got %s attempts=%d", conv.State, conv.AttemptCount)
	}
	msg, _ := h.gw.LastTo(testAddress)
	if !strings.Contains(msg.Body, "from 1 to 3") {
		t.Fatalf("unexpected clarification %q", msg.Body)
	}
	conv = h.reply(t, conv.ID, "hmm not sure")
	if conv.State != StateAwaitingResponse || conv.AttemptCount != 2 {
		t.Fatalf("expected second attempt, got %s attempts=%d", conv.State, conv.AttemptCount)
	}
	conv = h.reply(t, conv.ID, "what")
	if conv.State != StateFailed || conv.FailureReason != ReasonAmbiguousExhausted || !conv.Escalated {
		t.Fatalf("expected escalated FAILED, got %s/%s", conv.State, conv.FailureReason)
	}
	if len(h.escalator.ids) != 1 {
		t.Fatalf("expected escalation")
	}
}

func TestDuplicateReplyAppliesOnce(t *testing.T) {
	h := newHarness(t)
	conv := h.start(t)
	msg := gateway.InboundMessage{Provider: gateway.ProviderMock, ProviderMessageID: "dup-1", From: testAddress, Body: "whenever"}

	first, err := h.machine.ApplyReply(context.Background(), conv.ID, msg)
	if err != nil {
		t.Fatalf("first apply: %v", err)
	}
	second, err := h.machine.ApplyReply(context.Background(), conv.ID, msg)
	if err != nil {
		t.Fatalf("second apply: %v", err)
	}
	if first.Version != second.Version || second.AttemptCount != 1 {
		t.Fatalf("duplicate produced another transition: v%d -> v%d attempts=%d", first.Version, second.Version, second.AttemptCount)
	}
}

func TestExpiryIsLazyAndFinal(t *testing.T) {
	h := newHarness(t)
	conv := h.start(t)
	h.clock.Advance(25 * time.Hour)

	got, err := h.machine.Get(context.Background(), conv.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.State != StateExpired {
		t.Fatalf("expected EXPIRED on access, got %s", got.State)
	}
	late := h.reply(t, conv.ID, "1")
	if late.State != StateExpired || late.Version != got.Version {
		t.Fatalf("late reply reopened conversation: %s v%d", late.State, late.Version)
	}
	if h.booker.callCount() != 0 {
		t.Fatalf("late reply must not book")
	}
	if _, err := h.machine.Reoffer(context.Background(), conv.ID, threeSlots); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}

func TestSweep(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	awaiting := h.start(t)

	k := 1
	stuck := &Conversation{
		ID:                 "stuck-selecting",
		DestinationAddress: "+15559870000",
		Rounds:             []OfferRound{{Slots: threeSlots}},
		State:              StateSelecting,
		SelectedSlotIndex:  &k,
		CreatedAt:          contractEpoch,
		UpdatedAt:          contractEpoch,
		DueAt:              contractEpoch.Add(10 * time.Minute),
	}
	orphan := &Conversation{
		ID:                 "stuck-created",
		DestinationAddress: "+15559870001",
		Rounds:             []OfferRound{{Slots: threeSlots}},
		State:              StateCreated,
		CreatedAt:          contractEpoch,
		UpdatedAt:          contractEpoch,
		DueAt:              contractEpoch.Add(10 * time.Minute),
	}
	for _, c := range []*Conversation{stuck, orphan} {
		if err := h.store.Create(ctx, c); err != nil {
			t.Fatalf("seed %s: %v", c.ID, err)
		}
	}

	report, err := h.machine.Sweep(ctx, 10)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if report.Examined != 0 {
		t.Fatalf("nothing should be due yet: %+v", report)
	}

	h.clock.Advance(25 * time.Hour)
	report, err = h.machine.Sweep(ctx, 10)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if report.Expired != 1 || report.Stalled != 2 || report.Errors != 0 {
		t.Fatalf("unexpected report %+v", report)
	}

	got, _ := h.store.Get(ctx, awaiting.ID)
	if got.State != StateExpired {
		t.Fatalf("expected awaiting conversation expired, got %s", got.State)
	}
	got, _ = h.store.Get(ctx, stuck.ID)
	if got.State != StateFailed || got.FailureReason != ReasonBookingOutcomeUnknown || !got.Escalated {
		t.Fatalf("unexpected stuck selecting outcome %s/%s", got.State, got.FailureReason)
	}
	got, _ = h.store.Get(ctx, orphan.ID)
	if got.State != StateFailed || got.FailureReason != ReasonStalled || got.Escalated {
		t.Fatalf("unexpected orphan outcome %s/%s", got.State, got.FailureReason)
	}
	if h.booker.callCount() != 0 {
		t.Fatalf("sweeper must never book")
	}

	report, err = h.machine.Sweep(ctx, 10)
	if err != nil || report.Examined != 0 {
		t.Fatalf("second sweep should be a no-op: %+v err=%v", report, err)
	}
}

func TestConcurrentSelectionsBookOnce(t *testing.T) {
	h := newHarness(t)
	conv := h.start(t)

	const replies = 6
	var wg sync.WaitGroup
	errs := make(chan error, replies)
	for i := range replies {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.machine.ApplyReply(context.Background(), conv.ID, gateway.InboundMessage{
				Provider:          gateway.ProviderMock,
				ProviderMessageID: fmt.Sprintf("race-%d", i),
				From:              testAddress,
				Body:              "1",
			})
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("apply reply: %v", err)
		}
	}
	if h.booker.callCount() != 1 {
		t.Fatalf("expected exactly one booking call, got %d", h.booker.callCount())
	}
	final, _ := h.store.Get(context.Background(), conv.ID)
	if final.State != StateBooked {
		t.Fatalf("expected BOOKED, got %s", final.State)
	}
}

func TestConcurrentDistinctRepliesNeverConflict(t *testing.T) {
	h := newTunedHarness(t, func(cfg *MachineConfig) { cfg.MaxAmbiguousReplies = 1000 })
	conv := h.start(t)

	const replies = 8
	var wg sync.WaitGroup
	errs := make(chan error, replies)
	for i := range replies {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.machine.ApplyReply(context.Background(), conv.ID, gateway.InboundMessage{
				Provider:          gateway.ProviderMock,
				ProviderMessageID: fmt.Sprintf("SM%d", i),
				From:              testAddress,
				Body:              "friday afternoon please",
			})
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("contended reply surfaced an error: %v", err)
		}
	}
	final, _ := h.store.Get(context.Background(), conv.ID)
	if final.State != StateAwaitingResponse || final.AttemptCount != replies || len(final.ProcessedReplies) != replies {
		t.Fatalf("expected every reply applied once, got %s attempts=%d processed=%d", final.State, final.AttemptCount, len(final.ProcessedReplies))
	}
	if got := len(h.events.ofType(EventRefineRequested)); got != replies {
		t.Fatalf("expected %d refine_requested events, got %d", replies, got)
	}
}

func TestSweepRacingSelectionClosesOnce(t *testing.T) {
	for round := range 20 {
		h := newHarness(t)
		conv := h.start(t)
		h.clock.Advance(25 * time.Hour)

		var wg sync.WaitGroup
		errs := make(chan error, 5)
		expired := make(chan int, 3)
		for range 3 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				report, err := h.machine.Sweep(context.Background(), 10)
				expired <- report.Expired
				errs <- err
			}()
		}
		for i := range 2 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := h.machine.ApplyReply(context.Background(), conv.ID, gateway.InboundMessage{
					Provider:          gateway.ProviderMock,
					ProviderMessageID: fmt.Sprintf("late-%d-%d", round, i),
					From:              testAddress,
					Body:              "1",
				})
				errs <- err
			}()
		}
		wg.Wait()
		close(errs)
		close(expired)
		for err := range errs {
			if err != nil {
				t.Fatalf("round %d: %v", round, err)
			}
		}
		total := 0
		for n := range expired {
			total += n
		}
		if total > 1 {
			t.Fatalf("round %d: conversation expired by %d sweepers", round, total)
		}

		final, _ := h.store.Get(context.Background(), conv.ID)
		if final.State != StateExpired {
			t.Fatalf("round %d: expected EXPIRED, got %s", round, final.State)
		}
		if h.booker.callCount() != 0 {
			t.Fatalf("round %d: expired conversation was booked", round)
		}
		if got := len(h.events.ofType(EventCompleted)); got != 1 {
			t.Fatalf("round %d: expected one completed event, got %d", round, got)
		}
	}
}

func TestReplyBeforeOfferDeliveredIsNotApplied(t *testing.T) {
	h := newTunedHarness(t, func(cfg *MachineConfig) { cfg.ReplySettleWait = 20 * time.Millisecond })
	conv := &Conversation{
		ID:                 "in-flight",
		DestinationAddress: testAddress,
		Rounds:             []OfferRound{{Slots: threeSlots}},
		State:              StateSent,
		CreatedAt:          contractEpoch,
		UpdatedAt:          contractEpoch,
		DueAt:              contractEpoch.Add(10 * time.Minute),
	}
	if err := h.store.Create(context.Background(), conv); err != nil {
		t.Fatalf("seed: %v", err)
	}

	got, err := h.machine.ApplyReply(context.Background(), conv.ID, gateway.InboundMessage{
		Provider:          gateway.ProviderMock,
		ProviderMessageID: "early-1",
		From:              testAddress,
		Body:              "1",
	})
	if !errors.Is(err, ErrNotAwaitingReply) {
		t.Fatalf("expected ErrNotAwaitingReply, got %v", err)
	}
	if got == nil || got.State != StateSent || got.HasProcessed("early-1") {
		t.Fatalf("early reply must leave the conversation untouched, got %+v", got)
	}
	if h.booker.callCount() != 0 {
		t.Fatalf("early reply must not book")
	}
}

func TestPublishFailureKeepsCommittedOutcome(t *testing.T) {
	h := newHarness(t, WithEventPublisher(failingPublisher{}))
	conv := h.start(t)

	conv = h.reply(t, conv.ID, "no thanks")
	if conv.State != StateDeclined {
		t.Fatalf("expected DECLINED despite the lost event, got %s", conv.State)
	}
	stored, err := h.machine.Get(context.Background(), conv.ID)
	if err != nil || stored.State != StateDeclined {
		t.Fatalf("outcome must stay readable for polling, got %v err=%v", stored, err)
	}
}

func TestTerminalConversationsNeverTransition(t *testing.T) {
	h := newHarness(t)
	conv := h.start(t)
	conv = h.reply(t, conv.ID, "no")
	version := conv.Version

	for _, body := range []string{"1", "maybe later", "gibberish", "none"} {
		after := h.reply(t, conv.ID, body)
		if after.State != StateDeclined || after.Version != version {
			t.Fatalf("terminal conversation changed on %q: %s v%d", body, after.State, after.Version)
		}
	}
	h.clock.Advance(48 * time.Hour)
	if report, _ := h.machine.Sweep(context.Background(), 10); report.Examined != 0 {
		t.Fatalf("terminal conversation was due: %+v", report)
	}
}

func TestNewMachineRejectsBadPrompt(t *testing.T) {
	_, err := NewMachine(NewMemoryStore(), gateway.NewMockGateway(), NewCoordinator(&stubBooker{}, nil),
		MachineConfig{Prompts: Prompts{Offer: "{{range .Slots}"}}, logging.Discard())
	if err == nil {
		t.Fatalf("expected template parse error")
	}
}
