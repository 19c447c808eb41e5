package conversation

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

var contractEpoch = time.Date(2025, 3, 4, 15, 0, 0, 0, time.UTC)

func newTestConversation(id, address string) *Conversation {
	return &Conversation{
		ID:                 id,
		DestinationAddress: address,
		Rounds:             []OfferRound{{Slots: []SlotOffer{{ID: "a", Label: "Mon 9am"}, {ID: "b", Label: "Tue 2pm"}}}},
		State:              StateAwaitingResponse,
		CreatedAt:          contractEpoch,
		UpdatedAt:          contractEpoch,
		ExpiresAt:          contractEpoch.Add(time.Hour),
		DueAt:              contractEpoch.Add(time.Hour),
	}
}

// runStoreContract exercises the behaviour every Store backend must share.
func runStoreContract(t *testing.T, newStore func(t *testing.T) Store) {
	ctx := context.Background()

	t.Run("create and get", func(t *testing.T) {
		s := newStore(t)
		if err := s.Create(ctx, newTestConversation("c1", "+15550000001")); err != nil {
			t.Fatalf("create: %v", err)
		}
		got, err := s.Get(ctx, "c1")
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if got.Version != 1 || got.State != StateAwaitingResponse || len(got.OfferedSlots()) != 2 {
			t.Fatalf("unexpected record: %+v", got)
		}
		if _, err := s.Get(ctx, "missing"); !errors.Is(err, ErrNotFound) {
			t.Fatalf("expected ErrNotFound, got %v", err)
		}
	})

	t.Run("duplicate id rejected", func(t *testing.T) {
		s := newStore(t)
		if err := s.Create(ctx, newTestConversation("c1", "+15550000001")); err != nil {
			t.Fatalf("create: %v", err)
		}
		err := s.Create(ctx, newTestConversation("c1", "+15550000002"))
		if !errors.Is(err, ErrConversationExists) {
			t.Fatalf("expected ErrConversationExists, got %v", err)
		}
	})

	t.Run("one active conversation per address", func(t *testing.T) {
		s := newStore(t)
		if err := s.Create(ctx, newTestConversation("c1", "+15550000001")); err != nil {
			t.Fatalf("create: %v", err)
		}
		err := s.Create(ctx, newTestConversation("c2", "+15550000001"))
		if !errors.Is(err, ErrActiveConversation) {
			t.Fatalf("expected ErrActiveConversation, got %v", err)
		}
		id, err := s.FindActiveByAddress(ctx, "+15550000001")
		if err != nil || id != "c1" {
			t.Fatalf("expected c1 active, got %q err=%v", id, err)
		}
	})

	t.Run("terminal transition releases address", func(t *testing.T) {
		s := newStore(t)
		if err := s.Create(ctx, newTestConversation("c1", "+15550000001")); err != nil {
			t.Fatalf("create: %v", err)
		}
		updated, err := s.CompareAndUpdate(ctx, "c1", 1, func(c *Conversation) error {
			c.moveTo(StateDeclined, "declined", contractEpoch)
			return nil
		})
		if err != nil {
			t.Fatalf("update: %v", err)
		}
		if updated.Version != 2 || updated.State != StateDeclined {
			t.Fatalf("unexpected update result: %+v", updated)
		}
		id, err := s.FindActiveByAddress(ctx, "+15550000001")
		if err != nil || id != "" {
			t.Fatalf("expected address released, got %q err=%v", id, err)
		}
		if err := s.Create(ctx, newTestConversation("c2", "+15550000001")); err != nil {
			t.Fatalf("create after release: %v", err)
		}
	})

	t.Run("stale version conflicts", func(t *testing.T) {
		s := newStore(t)
		if err := s.Create(ctx, newTestConversation("c1", "+15550000001")); err != nil {
			t.Fatalf("create: %v", err)
		}
		if _, err := s.CompareAndUpdate(ctx, "c1", 1, func(c *Conversation) error {
			c.AttemptCount = 1
			return nil
		}); err != nil {
			t.Fatalf("first update: %v", err)
		}
		_, err := s.CompareAndUpdate(ctx, "c1", 1, func(c *Conversation) error {
			c.AttemptCount = 5
			return nil
		})
		if !errors.Is(err, ErrVersionConflict) {
			t.Fatalf("expected ErrVersionConflict, got %v", err)
		}
		got, _ := s.Get(ctx, "c1")
		if got.AttemptCount != 1 || got.Version != 2 {
			t.Fatalf("stale write leaked: %+v", got)
		}
	})

	t.Run("mutator error aborts", func(t *testing.T) {
		s := newStore(t)
		if err := s.Create(ctx, newTestConversation("c1", "+15550000001")); err != nil {
			t.Fatalf("create: %v", err)
		}
		boom := errors.New("boom")
		if _, err := s.CompareAndUpdate(ctx, "c1", 1, func(c *Conversation) error {
			c.AttemptCount = 9
			return boom
		}); !errors.Is(err, boom) {
			t.Fatalf("expected mutator error, got %v", err)
		}
		got, _ := s.Get(ctx, "c1")
		if got.AttemptCount != 0 || got.Version != 1 {
			t.Fatalf("aborted mutation persisted: %+v", got)
		}
	})

	t.Run("identity is immutable", func(t *testing.T) {
		s := newStore(t)
		if err := s.Create(ctx, newTestConversation("c1", "+15550000001")); err != nil {
			t.Fatalf("create: %v", err)
		}
		updated, err := s.CompareAndUpdate(ctx, "c1", 1, func(c *Conversation) error {
			c.ID = "other"
			c.DestinationAddress = "+15559999999"
			return nil
		})
		if err != nil {
			t.Fatalf("update: %v", err)
		}
		if updated.ID != "c1" || updated.DestinationAddress != "+15550000001" {
			t.Fatalf("identity changed: %+v", updated)
		}
	})

	t.Run("list due", func(t *testing.T) {
		s := newStore(t)
		early := newTestConversation("early", "+15550000001")
		early.DueAt = contractEpoch.Add(-2 * time.Minute)
		late := newTestConversation("late", "+15550000002")
		late.DueAt = contractEpoch.Add(-time.Minute)
		future := newTestConversation("future", "+15550000003")
		future.DueAt = contractEpoch.Add(time.Hour)
		for _, c := range []*Conversation{late, future, early} {
			if err := s.Create(ctx, c); err != nil {
				t.Fatalf("create %s: %v", c.ID, err)
			}
		}
		ids, err := s.ListDue(ctx, contractEpoch, 10)
		if err != nil {
			t.Fatalf("list due: %v", err)
		}
		if len(ids) != 2 || ids[0] != "early" || ids[1] != "late" {
			t.Fatalf("unexpected due ids: %v", ids)
		}
		ids, err = s.ListDue(ctx, contractEpoch, 1)
		if err != nil || len(ids) != 1 {
			t.Fatalf("expected limit to apply, got %v err=%v", ids, err)
		}
		if _, err := s.CompareAndUpdate(ctx, "early", 1, func(c *Conversation) error {
			c.moveTo(StateExpired, "ttl_elapsed", contractEpoch)
			return nil
		}); err != nil {
			t.Fatalf("expire: %v", err)
		}
		ids, _ = s.ListDue(ctx, contractEpoch, 10)
		if len(ids) != 1 || ids[0] != "late" {
			t.Fatalf("terminal conversation still due: %v", ids)
		}
	})

	t.Run("concurrent updates have one winner", func(t *testing.T) {
		s := newStore(t)
		if err := s.Create(ctx, newTestConversation("c1", "+15550000001")); err != nil {
			t.Fatalf("create: %v", err)
		}
		const writers = 8
		var (
			wg        sync.WaitGroup
			wins      atomic.Int32
			conflicts atomic.Int32
		)
		start := make(chan struct{})
		for i := range writers {
			wg.Add(1)
			go func() {
				defer wg.Done()
				<-start
				_, err := s.CompareAndUpdate(ctx, "c1", 1, func(c *Conversation) error {
					c.AttemptCount = i + 1
					return nil
				})
				switch {
				case err == nil:
					wins.Add(1)
				case errors.Is(err, ErrVersionConflict):
					conflicts.Add(1)
				default:
					t.Errorf("unexpected error: %v", err)
				}
			}()
		}
		close(start)
		wg.Wait()
		if wins.Load() != 1 || conflicts.Load() != writers-1 {
			t.Fatalf("expected 1 winner and %d conflicts, got %d and %d", writers-1, wins.Load(), conflicts.Load())
		}
		got, _ := s.Get(ctx, "c1")
		if got.Version != 2 {
			t.Fatalf("expected version 2, got %d", got.Version)
		}
	})
}
