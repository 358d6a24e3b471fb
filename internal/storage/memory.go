package storage

import (
	"context"
	"sort"
	"sync"

	"convochat/internal/models"
)

// MemoryStore keeps conversations in process memory. Contents are lost when
// the process exits.
type MemoryStore struct {
	mu            sync.RWMutex
	conversations map[int64]*models.Conversation
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{conversations: make(map[int64]*models.Conversation)}
}

func (s *MemoryStore) Put(_ context.Context, conv *models.Conversation) error {
	s.mu.Lock()
	s.conversations[conv.ID] = conv.Clone()
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id int64) (*models.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	conv, ok := s.conversations[id]
	if !ok {
		return nil, ErrNotFound
	}
	return conv.Clone(), nil
}

func (s *MemoryStore) Append(_ context.Context, id int64, msg models.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	conv, ok := s.conversations[id]
	if !ok {
		return ErrNotFound
	}
	conv.Messages = append(conv.Messages, msg)
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.conversations[id]; !ok {
		return ErrNotFound
	}
	delete(s.conversations, id)
	return nil
}

func (s *MemoryStore) List(_ context.Context) ([]*models.Conversation, error) {
	s.mu.RLock()
	out := make([]*models.Conversation, 0, len(s.conversations))
	for _, conv := range s.conversations {
		out = append(out, conv.Clone())
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryStore) Count(_ context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.conversations), nil
}

func (s *MemoryStore) MaxID(_ context.Context) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var highest int64
	for id := range s.conversations {
		if id > highest {
			highest = id
		}
	}
	return highest, nil
}

func (s *MemoryStore) Close() error { return nil }
