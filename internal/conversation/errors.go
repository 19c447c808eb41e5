package conversation

import "errors"

var (
	// ErrNotFound indicates the conversation id is unknown.
	ErrNotFound = errors.New("conversation: not found")
	// ErrConversationExists indicates a create reused an existing id.
	ErrConversationExists = errors.New("conversation: id already exists")
	// ErrActiveConversation indicates the address already has a non-terminal conversation.
	ErrActiveConversation = errors.New("conversation: address already has an active conversation")
	// ErrVersionConflict is returned by CompareAndUpdate when another writer won.
	ErrVersionConflict = errors.New("conversation: version conflict")
	// ErrInvalidRequest marks caller input the engine cannot act on.
	ErrInvalidRequest = errors.New("conversation: invalid request")
	// ErrClosed indicates the conversation already reached a terminal state.
	ErrClosed = errors.New("conversation: closed")
	// ErrNotAwaitingReply indicates an operation that needs AWAITING_RESPONSE.
	ErrNotAwaitingReply = errors.New("conversation: not awaiting a reply")
)

// errStale is returned from a mutator whose precondition no longer holds; the
// caller treats it like a lost race.
var errStale = errors.New("conversation: stale transition")
