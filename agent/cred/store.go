package cred

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// timeNow is swapped in tests that need a fixed clock.
var timeNow = time.Now

// Store is the process-wide credential store.
//
// Reads run concurrently; saves, deletes, and refreshes serialize per
// credential id. The auto-refresh access path uses double-checked
// locking: concurrent readers of a credential being refreshed block only
// while a refresh is actually in flight, and only one of them performs
// it.
//
// Example usage:
//
//	storage, _ := cred.NewEncryptedFileStorage("/var/agentrun/creds", key)
//	store := cred.NewStore(storage)
//	store.RegisterProvider(cred.NewOAuth2Provider(oauthConfig))
//
//	token, err := store.Get(ctx, "hubspot")
type Store struct {
	storage       Storage
	refreshBuffer time.Duration

	mu        sync.RWMutex
	providers map[string]Provider

	locks sync.Map // credential id -> *sync.Mutex
}

// StoreOption configures a Store.
type StoreOption func(*Store)

// WithRefreshBuffer overrides how long before expiry a key counts as
// needing refresh when its provider does not decide.
func WithRefreshBuffer(d time.Duration) StoreOption {
	return func(s *Store) { s.refreshBuffer = d }
}

// NewStore creates a Store over the given storage backend.
// The static provider is pre-registered.
func NewStore(storage Storage, opts ...StoreOption) *Store {
	s := &Store{
		storage:       storage,
		refreshBuffer: DefaultRefreshBuffer,
		providers:     map[string]Provider{"static": StaticProvider{}},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// RegisterProvider makes a provider available under its ID.
// Re-registering an ID replaces the previous provider.
func (s *Store) RegisterProvider(p Provider) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.providers[p.ID()] = p
}

// Get returns the credential's default key secret, refreshing first when
// the credential is auto-refreshing and stale. Refresh failure propagates
// as CredentialRefreshError; the expired value is never returned.
func (s *Store) Get(ctx context.Context, id string) (Secret, error) {
	c, err := s.fresh(ctx, id)
	if err != nil {
		return Secret{}, err
	}

	key, ok := c.DefaultKey()
	if !ok {
		return Secret{}, &Error{Code: CodeInvalid, Message: fmt.Sprintf("credential %q has no keys", id)}
	}
	return key.Secret, nil
}

// GetKey returns a specific key's secret, with the same refresh semantics
// as Get.
func (s *Store) GetKey(ctx context.Context, id, keyName string) (Secret, error) {
	c, err := s.fresh(ctx, id)
	if err != nil {
		return Secret{}, err
	}

	key, ok := c.Keys[keyName]
	if !ok {
		return Secret{}, &Error{Code: CodeNotFound, Message: fmt.Sprintf("credential %q has no key %q", id, keyName)}
	}
	return key.Secret, nil
}

// Load returns the full credential object without triggering refresh.
func (s *Store) Load(ctx context.Context, id string) (*Credential, error) {
	return s.storage.Load(ctx, id)
}

// Save validates and persists a credential. A credential naming a
// provider requires that provider to be registered and to support the
// credential's kind. The stored version is incremented on every save.
func (s *Store) Save(ctx context.Context, c *Credential) error {
	if err := c.Validate(); err != nil {
		return err
	}
	if c.ProviderID != "" {
		provider, ok := s.provider(c.ProviderID)
		if !ok {
			return &Error{Code: CodeInvalid, Message: fmt.Sprintf("credential %q names unregistered provider %q", c.ID, c.ProviderID)}
		}
		if !provider.Supports(c.Kind) {
			return &Error{Code: CodeInvalid, Message: fmt.Sprintf("provider %q does not support kind %q", c.ProviderID, c.Kind)}
		}
	}

	lock := s.idLock(c.ID)
	lock.Lock()
	defer lock.Unlock()

	saved := c.Clone()
	if existing, err := s.storage.Load(ctx, c.ID); err == nil {
		saved.Version = existing.Version + 1
	} else if !IsNotFound(err) {
		return err
	} else if saved.Version == 0 {
		saved.Version = 1
	}

	return s.storage.Save(ctx, saved)
}

// Delete removes a credential. Deleting a missing id is not an error.
func (s *Store) Delete(ctx context.Context, id string) error {
	lock := s.idLock(id)
	lock.Lock()
	defer lock.Unlock()

	return s.storage.Delete(ctx, id)
}

// List returns all stored credential ids.
func (s *Store) List(ctx context.Context) ([]string, error) {
	return s.storage.List(ctx)
}

// Refresh forces a provider refresh of the credential, regardless of
// expiry state.
func (s *Store) Refresh(ctx context.Context, id string) error {
	lock := s.idLock(id)
	lock.Lock()
	defer lock.Unlock()

	c, err := s.storage.Load(ctx, id)
	if err != nil {
		return err
	}
	_, err = s.refreshLocked(ctx, c)
	return err
}

// Validate asks the credential's provider whether it is usable.
func (s *Store) Validate(ctx context.Context, id string) (bool, error) {
	c, err := s.storage.Load(ctx, id)
	if err != nil {
		return false, err
	}
	return s.providerFor(c).Validate(ctx, c), nil
}

// Revoke invalidates the credential upstream and deletes it locally when
// the provider confirms revocation.
func (s *Store) Revoke(ctx context.Context, id string) (bool, error) {
	lock := s.idLock(id)
	lock.Lock()
	defer lock.Unlock()

	c, err := s.storage.Load(ctx, id)
	if err != nil {
		return false, err
	}

	revoked := s.providerFor(c).Revoke(ctx, c)
	if revoked {
		if err := s.storage.Delete(ctx, id); err != nil {
			return true, err
		}
	}
	return revoked, nil
}

// fresh loads a credential and runs the auto-refresh access path.
//
// Double-checked locking: the staleness check runs once without the
// per-id lock, and again under it, so only the first of several
// concurrent readers refreshes while the rest reuse its result.
func (s *Store) fresh(ctx context.Context, id string) (*Credential, error) {
	c, err := s.storage.Load(ctx, id)
	if err != nil {
		return nil, err
	}

	if !c.AutoRefresh || !s.stale(c) {
		return c, nil
	}

	lock := s.idLock(id)
	lock.Lock()
	defer lock.Unlock()

	// Re-load under the lock: a concurrent reader may have refreshed.
	c, err = s.storage.Load(ctx, id)
	if err != nil {
		return nil, err
	}
	if !s.stale(c) {
		return c, nil
	}

	return s.refreshLocked(ctx, c)
}

// refreshLocked refreshes and persists a credential. Caller holds the
// per-id lock.
func (s *Store) refreshLocked(ctx context.Context, c *Credential) (*Credential, error) {
	provider := s.providerFor(c)

	refreshed, err := provider.Refresh(ctx, c)
	if err != nil {
		var credErr *Error
		if errors.As(err, &credErr) && credErr.Code == CodeRefreshError {
			return nil, err
		}
		return nil, &Error{Code: CodeRefreshError, Message: fmt.Sprintf("refresh credential %q", c.ID), Cause: err}
	}

	refreshed.Version = c.Version + 1
	if refreshed.LastRefreshed.IsZero() {
		refreshed.LastRefreshed = timeNow()
	}
	if err := s.storage.Save(ctx, refreshed); err != nil {
		return nil, err
	}
	return refreshed, nil
}

// stale reports whether the credential needs refreshing, asking its
// provider when one is registered.
func (s *Store) stale(c *Credential) bool {
	if provider, ok := s.provider(c.ProviderID); ok && c.ProviderID != "" {
		return provider.ShouldRefresh(c)
	}
	return c.NeedsRefresh(s.refreshBuffer, timeNow())
}

// providerFor returns the credential's provider, defaulting to static.
func (s *Store) providerFor(c *Credential) Provider {
	if provider, ok := s.provider(c.ProviderID); ok && c.ProviderID != "" {
		return provider
	}
	return StaticProvider{}
}

func (s *Store) provider(id string) (Provider, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.providers[id]
	return p, ok
}

func (s *Store) idLock(id string) *sync.Mutex {
	actual, _ := s.locks.LoadOrStore(id, &sync.Mutex{})
	return actual.(*sync.Mutex)
}
