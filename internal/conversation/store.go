package conversation

import (
	"context"
	"fmt"
	"time"
)

// Store is durable keyed storage for conversations.
//
// CompareAndUpdate applies mutate to a copy of the stored record only when the
// stored version equals expectedVersion, and persists the result with the
// version incremented. Of two concurrent callers with the same expected
// version exactly one succeeds; the other gets ErrVersionConflict. Errors
// returned by mutate abort the update and are passed through unchanged.
//
// The address index holds at most one non-terminal conversation per
// destination address. Create fails with ErrActiveConversation rather than
// replacing an active entry, and a transition into a terminal state releases
// the address.
type Store interface {
	Create(ctx context.Context, conv *Conversation) error
	Get(ctx context.Context, id string) (*Conversation, error)
	CompareAndUpdate(ctx context.Context, id string, expectedVersion int64, mutate func(*Conversation) error) (*Conversation, error)
	FindActiveByAddress(ctx context.Context, address string) (string, error)
	ListDue(ctx context.Context, now time.Time, limit int) ([]string, error)
}

// applyMutation is the backend-independent half of CompareAndUpdate.
func applyMutation(current *Conversation, expectedVersion int64, mutate func(*Conversation) error) (*Conversation, error) {
	if current.Version != expectedVersion {
		return nil, ErrVersionConflict
	}
	next := current.Clone()
	if err := mutate(next); err != nil {
		return nil, err
	}
	// Identity is immutable.
	next.ID = current.ID
	next.DestinationAddress = current.DestinationAddress
	next.CreatedAt = current.CreatedAt
	next.Version = current.Version + 1
	return next, nil
}

// releasesAddress reports whether the update moves a conversation out of the
// address index.
func releasesAddress(before, after *Conversation) bool {
	return !before.State.Terminal() && after.State.Terminal()
}

func validateNew(conv *Conversation) error {
	if conv == nil {
		return fmt.Errorf("%w: conversation required", ErrInvalidRequest)
	}
	if conv.ID == "" {
		return fmt.Errorf("%w: conversation id required", ErrInvalidRequest)
	}
	if conv.DestinationAddress == "" {
		return fmt.Errorf("%w: destination address required", ErrInvalidRequest)
	}
	if conv.Version == 0 {
		conv.Version = 1
	}
	return nil
}
