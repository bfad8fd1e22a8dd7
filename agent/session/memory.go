package session

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"
)

// MemStore is an in-memory Store for testing and development.
//
// All data is lost when the process exits. Safe for concurrent use.
type MemStore struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewMemStore creates an empty MemStore.
func NewMemStore() *MemStore {
	return &MemStore{sessions: make(map[string]*Session)}
}

// Create implements Store.
func (m *MemStore) Create(_ context.Context, s *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.sessions[s.ID]; exists {
		return fmt.Errorf("session %q already exists", s.ID)
	}
	m.sessions[s.ID] = cloneSession(s)
	return nil
}

// Load implements Store.
func (m *MemStore) Load(_ context.Context, id string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.sessions[id]
	if !ok {
		return nil, fmt.Errorf("session %q: %w", id, ErrNotFound)
	}
	return cloneSession(s), nil
}

// SaveState implements Store.
func (m *MemStore) SaveState(_ context.Context, id string, state json.RawMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[id]
	if !ok {
		return fmt.Errorf("session %q: %w", id, ErrNotFound)
	}
	s.State = append(json.RawMessage(nil), state...)
	s.UpdatedAt = time.Now().UTC()
	return nil
}

// AppendCheckpoint implements Store.
func (m *MemStore) AppendCheckpoint(_ context.Context, id string, cp Checkpoint) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[id]
	if !ok {
		return fmt.Errorf("session %q: %w", id, ErrNotFound)
	}
	s.Checkpoints = append(s.Checkpoints, cp)
	s.UpdatedAt = time.Now().UTC()
	return nil
}

// SetStatus implements Store.
func (m *MemStore) SetStatus(_ context.Context, id string, status Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[id]
	if !ok {
		return fmt.Errorf("session %q: %w", id, ErrNotFound)
	}
	s.Status = status
	s.UpdatedAt = time.Now().UTC()
	return nil
}

// List implements Store. Summaries are ordered newest first.
func (m *MemStore) List(_ context.Context, agent string) ([]Summary, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	summaries := make([]Summary, 0, len(m.sessions))
	for _, s := range m.sessions {
		if agent != "" && s.Agent != agent {
			continue
		}
		summaries = append(summaries, Summary{
			ID:        s.ID,
			Agent:     s.Agent,
			Status:    s.Status,
			CreatedAt: s.CreatedAt,
			UpdatedAt: s.UpdatedAt,
		})
	}

	sort.Slice(summaries, func(i, j int) bool {
		return summaries[i].ID > summaries[j].ID // ULIDs sort by creation time
	})
	return summaries, nil
}

// TruncateAfter implements Store.
func (m *MemStore) TruncateAfter(_ context.Context, id, checkpointID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[id]
	if !ok {
		return fmt.Errorf("session %q: %w", id, ErrNotFound)
	}

	for i, cp := range s.Checkpoints {
		if cp.ID == checkpointID {
			s.Checkpoints = s.Checkpoints[:i+1]
			s.State = append(json.RawMessage(nil), cp.State...)
			s.UpdatedAt = time.Now().UTC()
			return nil
		}
	}
	return fmt.Errorf("checkpoint %q: %w", checkpointID, ErrNotFound)
}

func cloneSession(s *Session) *Session {
	cp := *s
	cp.Input = append(json.RawMessage(nil), s.Input...)
	cp.State = append(json.RawMessage(nil), s.State...)
	cp.Checkpoints = append([]Checkpoint(nil), s.Checkpoints...)
	return &cp
}
