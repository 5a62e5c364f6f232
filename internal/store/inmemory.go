package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// InMemoryStore keeps conversations in process memory for local/dev use
// and tests.
type InMemoryStore struct {
	mu            sync.RWMutex
	conversations map[string]string // id -> status
	messages      map[string]Message
	order         []string // message IDs in insertion order
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		conversations: make(map[string]string),
		messages:      make(map[string]Message),
	}
}

func (s *InMemoryStore) CreateConversation(_ context.Context, _, _ string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := uuid.NewString()
	s.conversations[id] = "active"
	return id, nil
}

func (s *InMemoryStore) InsertPlaceholder(_ context.Context, conversationID string, role Role, messageType string, at time.Time) (string, error) {
	if at.IsZero() {
		at = time.Now().UTC()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	m := Message{
		ID:             uuid.NewString(),
		ConversationID: conversationID,
		Role:           role,
		MessageType:    messageType,
		Pending:        true,
		CreatedAt:      at,
	}
	s.messages[m.ID] = m
	s.order = append(s.order, m.ID)
	return m.ID, nil
}

func (s *InMemoryStore) FinalizeMessage(_ context.Context, messageID, content string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.messages[messageID]
	if !ok {
		return ErrMessageNotFound
	}
	m.Content = content
	m.Pending = false
	s.messages[messageID] = m
	return nil
}

func (s *InMemoryStore) DiscardMessage(_ context.Context, messageID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.messages[messageID]
	if !ok || !m.Pending {
		return ErrMessageNotFound
	}
	delete(s.messages, messageID)
	for i, id := range s.order {
		if id == messageID {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	return nil
}

func (s *InMemoryStore) Messages(_ context.Context, conversationID string) ([]Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Message
	for _, id := range s.order {
		m := s.messages[id]
		if m.ConversationID == conversationID {
			out = append(out, m)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (s *InMemoryStore) FinalizeConversation(_ context.Context, conversationID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conversations[conversationID] = "ended"
	return nil
}

// Status exposes the conversation status for tests.
func (s *InMemoryStore) Status(conversationID string) string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.conversations[conversationID]
}

func (s *InMemoryStore) Close() error { return nil }
