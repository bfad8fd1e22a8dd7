package cred

import (
	"context"
	"sort"
	"sync"
)

// MemStorage is an in-memory Storage for tests and ephemeral processes.
type MemStorage struct {
	mu    sync.RWMutex
	creds map[string]*Credential
}

// NewMemStorage creates an empty MemStorage.
func NewMemStorage() *MemStorage {
	return &MemStorage{creds: make(map[string]*Credential)}
}

// Load implements Storage.
func (m *MemStorage) Load(_ context.Context, id string) (*Credential, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	c, ok := m.creds[id]
	if !ok {
		return nil, NotFound(id)
	}
	return c.Clone(), nil
}

// Save implements Storage.
func (m *MemStorage) Save(_ context.Context, c *Credential) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.creds[c.ID] = c.Clone()
	return nil
}

// Delete implements Storage.
func (m *MemStorage) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.creds, id)
	return nil
}

// List implements Storage. Ids are returned sorted.
func (m *MemStorage) List(_ context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ids := make([]string, 0, len(m.creds))
	for id := range m.creds {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}
