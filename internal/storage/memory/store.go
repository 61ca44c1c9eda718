// Package memory provides an in-memory storage.Store for tests and
// development.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/modelmux/modelmux/internal/domain"
	"github.com/modelmux/modelmux/internal/storage"
)

// Store is an in-memory implementation of storage.Store.
type Store struct {
	mu       sync.RWMutex
	profiles map[string]domain.Profile
	tools    map[string]domain.Tool
	indexes  map[string]domain.SearchIndex
	history  map[string][]domain.Message
}

var _ storage.Store = (*Store)(nil)

// New creates a new in-memory store.
func New() *Store {
	return &Store{
		profiles: make(map[string]domain.Profile),
		tools:    make(map[string]domain.Tool),
		indexes:  make(map[string]domain.SearchIndex),
		history:  make(map[string][]domain.Message),
	}
}

func (s *Store) GetProfile(ctx context.Context, name string) (*domain.Profile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.profiles[name]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return &p, nil
}

func (s *Store) PutProfile(ctx context.Context, profile *domain.Profile) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.profiles[profile.Name] = *profile
	return nil
}

func (s *Store) GetTool(ctx context.Context, name string) (*domain.Tool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, ok := s.tools[name]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return &t, nil
}

func (s *Store) PutTool(ctx context.Context, tool *domain.Tool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.tools[tool.Name] = *tool
	return nil
}

func (s *Store) GetIndex(ctx context.Context, name string) (*domain.SearchIndex, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	idx, ok := s.indexes[name]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return &idx, nil
}

func (s *Store) PutIndex(ctx context.Context, index *domain.SearchIndex) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.indexes[index.Name] = *index
	return nil
}

func (s *Store) GetConversation(ctx context.Context, conversationID string, maxCount int) ([]domain.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	msgs := s.history[conversationID]
	if len(msgs) > maxCount {
		msgs = msgs[len(msgs)-maxCount:]
	}

	out := make([]domain.Message, len(msgs))
	copy(out, msgs)
	return out, nil
}

func (s *Store) AppendMessage(ctx context.Context, conversationID string, msg domain.Message) (*domain.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}
	s.history[conversationID] = append(s.history[conversationID], msg)
	return &msg, nil
}

func (s *Store) Close() error {
	return nil
}
