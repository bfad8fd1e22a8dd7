package cred

import (
	"context"
	"sort"
)

// LayeredStorage composes a writable primary with read-only fallbacks.
//
// Loads try the primary first, then each fallback in order; the first hit
// wins. Saves and deletes go to the primary only. Typical layering puts
// encrypted file storage first with environment variables as a fallback:
//
//	storage := cred.NewLayeredStorage(encrypted, envStorage)
type LayeredStorage struct {
	primary   Storage
	fallbacks []Storage
}

// NewLayeredStorage creates a LayeredStorage.
func NewLayeredStorage(primary Storage, fallbacks ...Storage) *LayeredStorage {
	return &LayeredStorage{primary: primary, fallbacks: fallbacks}
}

// Load implements Storage. Not-found moves to the next layer; any other
// error stops the search.
func (l *LayeredStorage) Load(ctx context.Context, id string) (*Credential, error) {
	c, err := l.primary.Load(ctx, id)
	if err == nil {
		return c, nil
	}
	if !IsNotFound(err) {
		return nil, err
	}

	for _, fallback := range l.fallbacks {
		c, err := fallback.Load(ctx, id)
		if err == nil {
			return c, nil
		}
		if !IsNotFound(err) {
			return nil, err
		}
	}

	return nil, NotFound(id)
}

// Save implements Storage; writes go to the primary.
func (l *LayeredStorage) Save(ctx context.Context, c *Credential) error {
	return l.primary.Save(ctx, c)
}

// Delete implements Storage; deletes go to the primary.
func (l *LayeredStorage) Delete(ctx context.Context, id string) error {
	return l.primary.Delete(ctx, id)
}

// List implements Storage: the sorted union of all layers. A failing
// layer fails the whole listing.
func (l *LayeredStorage) List(ctx context.Context) ([]string, error) {
	seen := make(map[string]bool)

	layers := append([]Storage{l.primary}, l.fallbacks...)
	for _, layer := range layers {
		ids, err := layer.List(ctx)
		if err != nil {
			return nil, err
		}
		for _, id := range ids {
			seen[id] = true
		}
	}

	ids := make([]string, 0, len(seen))
	for id := range seen {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}
