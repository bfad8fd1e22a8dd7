package cred

import "context"

// Provider manages the lifecycle of credentials it is responsible for.
//
// A provider is registered with the store under its ID; credentials name
// their provider via ProviderID. The store calls ShouldRefresh and Refresh
// during the auto-refresh access path.
type Provider interface {
	// ID is the registration name, e.g. "static" or "oauth2".
	ID() string

	// Supports reports whether the provider can manage the given kind.
	Supports(kind Kind) bool

	// Refresh returns a refreshed copy of the credential. The input is
	// never mutated; the store persists the returned value.
	Refresh(ctx context.Context, c *Credential) (*Credential, error)

	// Validate reports whether the credential is usable as stored.
	Validate(ctx context.Context, c *Credential) bool

	// ShouldRefresh reports whether the credential needs refreshing now.
	ShouldRefresh(c *Credential) bool

	// Revoke invalidates the credential upstream. Returns false when the
	// provider has no revocation support.
	Revoke(ctx context.Context, c *Credential) bool
}

// StaticProvider is the default provider: credentials that never refresh.
type StaticProvider struct{}

// ID implements Provider.
func (StaticProvider) ID() string { return "static" }

// Supports implements Provider. Static credentials can be of any kind.
func (StaticProvider) Supports(Kind) bool { return true }

// Refresh implements Provider. Static credentials refresh to themselves.
func (StaticProvider) Refresh(_ context.Context, c *Credential) (*Credential, error) {
	return c.Clone(), nil
}

// Validate implements Provider. A static credential is valid while none
// of its keys are expired.
func (StaticProvider) Validate(_ context.Context, c *Credential) bool {
	now := timeNow()
	for _, key := range c.Keys {
		if key.Expired(now) {
			return false
		}
	}
	return true
}

// ShouldRefresh implements Provider. Static credentials never refresh.
func (StaticProvider) ShouldRefresh(*Credential) bool { return false }

// Revoke implements Provider. Static credentials have no revocation.
func (StaticProvider) Revoke(context.Context, *Credential) bool { return false }
