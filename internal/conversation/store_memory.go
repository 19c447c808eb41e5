package conversation

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore keeps conversations in process memory. It is the default for
// development and tests; nothing survives a restart.
type MemoryStore struct {
	mu      sync.Mutex
	records map[string]*Conversation
	active  map[string]string
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records: make(map[string]*Conversation),
		active:  make(map[string]string),
	}
}

func (s *MemoryStore) Create(_ context.Context, conv *Conversation) error {
	if err := validateNew(conv); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[conv.ID]; ok {
		return ErrConversationExists
	}
	if !conv.State.Terminal() {
		if _, ok := s.active[conv.DestinationAddress]; ok {
			return ErrActiveConversation
		}
		s.active[conv.DestinationAddress] = conv.ID
	}
	s.records[conv.ID] = conv.Clone()
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (*Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	conv, ok := s.records[id]
	if !ok {
		return nil, ErrNotFound
	}
	return conv.Clone(), nil
}

func (s *MemoryStore) CompareAndUpdate(_ context.Context, id string, expectedVersion int64, mutate func(*Conversation) error) (*Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.records[id]
	if !ok {
		return nil, ErrNotFound
	}
	next, err := applyMutation(current, expectedVersion, mutate)
	if err != nil {
		return nil, err
	}
	if releasesAddress(current, next) && s.active[next.DestinationAddress] == id {
		delete(s.active, next.DestinationAddress)
	}
	s.records[id] = next
	return next.Clone(), nil
}

func (s *MemoryStore) FindActiveByAddress(_ context.Context, address string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active[address], nil
}

func (s *MemoryStore) ListDue(_ context.Context, now time.Time, limit int) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	type due struct {
		id string
		at time.Time
	}
	var candidates []due
	for id, conv := range s.records {
		if conv.State.Terminal() || conv.DueAt.IsZero() || conv.DueAt.After(now) {
			continue
		}
		candidates = append(candidates, due{id: id, at: conv.DueAt})
	}
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].at.Equal(candidates[j].at) {
			return candidates[i].id < candidates[j].id
		}
		return candidates[i].at.Before(candidates[j].at)
	})
	if limit > 0 && len(candidates) > limit {
		candidates = candidates[:limit]
	}
	ids := make([]string, len(candidates))
	for i, c := range candidates {
		ids[i] = c.id
	}
	return ids, nil
}
