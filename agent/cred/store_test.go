package cred

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// countingProvider refreshes to a fresh one-hour token and counts calls.
type countingProvider struct {
	refreshes atomic.Int64
	fail      bool
}

func (p *countingProvider) ID() string         { return "counting" }
func (p *countingProvider) Supports(Kind) bool { return true }

func (p *countingProvider) Refresh(_ context.Context, c *Credential) (*Credential, error) {
	p.refreshes.Add(1)
	if p.fail {
		return nil, errors.New("upstream rejected refresh")
	}
	refreshed := c.Clone()
	refreshed.Keys["access_token"] = Key{
		Name:      "access_token",
		Secret:    NewSecret("fresh-token"),
		ExpiresAt: time.Now().Add(time.Hour),
	}
	refreshed.LastRefreshed = time.Now()
	return refreshed, nil
}

func (p *countingProvider) Validate(context.Context, *Credential) bool { return true }
func (p *countingProvider) ShouldRefresh(c *Credential) bool {
	return c.NeedsRefresh(DefaultRefreshBuffer, time.Now())
}
func (p *countingProvider) Revoke(context.Context, *Credential) bool { return false }

func expiredOAuthCredential() *Credential {
	return &Credential{
		ID:   "hubspot",
		Kind: KindOAuth2,
		Keys: map[string]Key{
			"access_token": {
				Name:      "access_token",
				Secret:    NewSecret("stale-token"),
				ExpiresAt: time.Now().Add(-time.Second),
			},
		},
		ProviderID:  "counting",
		AutoRefresh: true,
	}
}

func TestStoreGet(t *testing.T) {
	ctx := context.Background()

	t.Run("returns default key", func(t *testing.T) {
		store := NewStore(NewMemStorage())
		err := store.Save(ctx, &Credential{
			ID:   "openai",
			Kind: KindAPIKey,
			Keys: map[string]Key{"api_key": {Name: "api_key", Secret: NewSecret("sk-123")}},
		})
		if err != nil {
			t.Fatalf("Save() error = %v", err)
		}

		secret, err := store.Get(ctx, "openai")
		if err != nil {
			t.Fatalf("Get() error = %v", err)
		}
		if secret.Reveal() != "sk-123" {
			t.Errorf("Get() = %q, want sk-123", secret.Reveal())
		}
	})

	t.Run("missing credential is CredentialNotFound", func(t *testing.T) {
		store := NewStore(NewMemStorage())
		_, err := store.Get(ctx, "missing")
		if !IsNotFound(err) {
			t.Errorf("Get(missing) error = %v, want CredentialNotFound", err)
		}
	})

	t.Run("GetKey exact lookup", func(t *testing.T) {
		store := NewStore(NewMemStorage())
		_ = store.Save(ctx, &Credential{
			ID:   "svc",
			Kind: KindCustom,
			Keys: map[string]Key{
				"primary":   {Name: "primary", Secret: NewSecret("p")},
				"secondary": {Name: "secondary", Secret: NewSecret("s")},
			},
		})

		secret, err := store.GetKey(ctx, "svc", "secondary")
		if err != nil {
			t.Fatalf("GetKey() error = %v", err)
		}
		if secret.Reveal() != "s" {
			t.Errorf("GetKey() = %q, want s", secret.Reveal())
		}

		if _, err := store.GetKey(ctx, "svc", "nope"); !IsNotFound(err) {
			t.Errorf("GetKey(nope) error = %v, want CredentialNotFound", err)
		}
	})
}

func TestStoreSave(t *testing.T) {
	ctx := context.Background()

	t.Run("version increments on each save", func(t *testing.T) {
		store := NewStore(NewMemStorage())
		c := &Credential{
			ID:   "svc",
			Kind: KindAPIKey,
			Keys: map[string]Key{"api_key": {Name: "api_key", Secret: NewSecret("v1")}},
		}
		_ = store.Save(ctx, c)
		_ = store.Save(ctx, c)

		loaded, err := store.Load(ctx, "svc")
		if err != nil {
			t.Fatalf("Load() error = %v", err)
		}
		if loaded.Version != 2 {
			t.Errorf("Version = %d, want 2", loaded.Version)
		}
	})

	t.Run("unregistered provider is rejected", func(t *testing.T) {
		store := NewStore(NewMemStorage())
		err := store.Save(ctx, &Credential{
			ID:         "svc",
			Kind:       KindOAuth2,
			Keys:       map[string]Key{"access_token": {Name: "access_token", Secret: NewSecret("t")}},
			ProviderID: "ghost",
		})
		if err == nil {
			t.Error("Save() with unregistered provider should fail")
		}
	})
}

func TestStoreAutoRefresh(t *testing.T) {
	ctx := context.Background()

	t.Run("expired credential refreshes exactly once", func(t *testing.T) {
		storage := NewMemStorage()
		store := NewStore(storage)
		provider := &countingProvider{}
		store.RegisterProvider(provider)

		if err := store.Save(ctx, expiredOAuthCredential()); err != nil {
			t.Fatalf("Save() error = %v", err)
		}

		secret, err := store.Get(ctx, "hubspot")
		if err != nil {
			t.Fatalf("Get() error = %v", err)
		}
		if secret.Reveal() != "fresh-token" {
			t.Errorf("Get() = %q, want refreshed value", secret.Reveal())
		}
		if n := provider.refreshes.Load(); n != 1 {
			t.Errorf("refresh count = %d, want 1", n)
		}

		// Within the hour: no further refresh.
		if _, err := store.Get(ctx, "hubspot"); err != nil {
			t.Fatalf("second Get() error = %v", err)
		}
		if n := provider.refreshes.Load(); n != 1 {
			t.Errorf("refresh count after second Get = %d, want 1", n)
		}
	})

	t.Run("refresh failure never returns the stale value", func(t *testing.T) {
		store := NewStore(NewMemStorage())
		provider := &countingProvider{fail: true}
		store.RegisterProvider(provider)
		_ = store.Save(ctx, expiredOAuthCredential())

		_, err := store.Get(ctx, "hubspot")
		if err == nil {
			t.Fatal("Get() of unrefreshable expired credential should fail")
		}
		var credErr *Error
		if !errors.As(err, &credErr) || credErr.Code != CodeRefreshError {
			t.Errorf("error = %v, want CredentialRefreshError", err)
		}
		if strings.Contains(err.Error(), "stale-token") {
			t.Errorf("error leaks secret: %v", err)
		}
	})

	t.Run("concurrent readers trigger a single refresh", func(t *testing.T) {
		store := NewStore(NewMemStorage())
		provider := &countingProvider{}
		store.RegisterProvider(provider)
		_ = store.Save(ctx, expiredOAuthCredential())

		var wg sync.WaitGroup
		for i := 0; i < 10; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if _, err := store.Get(ctx, "hubspot"); err != nil {
					t.Errorf("Get() error = %v", err)
				}
			}()
		}
		wg.Wait()

		if n := provider.refreshes.Load(); n != 1 {
			t.Errorf("refresh count = %d, want 1 under concurrency", n)
		}
	})
}

func TestStoreResolve(t *testing.T) {
	ctx := context.Background()

	newStore := func(t *testing.T) *Store {
		t.Helper()
		store := NewStore(NewMemStorage())
		err := store.Save(ctx, &Credential{
			ID:   "github",
			Kind: KindAPIKey,
			Keys: map[string]Key{
				"api_key": {Name: "api_key", Secret: NewSecret("gh-default")},
				"token":   {Name: "token", Secret: NewSecret("gh-token")},
			},
		})
		if err != nil {
			t.Fatalf("Save() error = %v", err)
		}
		return store
	}

	t.Run("id.key resolves exact key", func(t *testing.T) {
		store := newStore(t)
		got, err := store.Resolve(ctx, "Bearer {{github.token}}", Strict)
		if err != nil {
			t.Fatalf("Resolve() error = %v", err)
		}
		if got != "Bearer gh-token" {
			t.Errorf("Resolve() = %q", got)
		}
	})

	t.Run("bare id resolves default key", func(t *testing.T) {
		store := newStore(t)
		got, err := store.Resolve(ctx, "{{github}}", Strict)
		if err != nil {
			t.Fatalf("Resolve() error = %v", err)
		}
		if got != "gh-default" {
			t.Errorf("Resolve() = %q", got)
		}
	})

	t.Run("round-trips with GetKey", func(t *testing.T) {
		store := newStore(t)
		resolved, err := store.Resolve(ctx, "{{github.token}}", Strict)
		if err != nil {
			t.Fatalf("Resolve() error = %v", err)
		}
		direct, err := store.GetKey(ctx, "github", "token")
		if err != nil {
			t.Fatalf("GetKey() error = %v", err)
		}
		if resolved != direct.Reveal() {
			t.Errorf("Resolve = %q, GetKey = %q", resolved, direct.Reveal())
		}
	})

	t.Run("strict missing fails with CredentialNotFound", func(t *testing.T) {
		store := newStore(t)
		_, err := store.Resolve(ctx, "{{missing.k}}", Strict)
		if !IsNotFound(err) {
			t.Errorf("Resolve() error = %v, want CredentialNotFound", err)
		}
	})

	t.Run("lenient missing leaves the placeholder", func(t *testing.T) {
		store := newStore(t)
		got, err := store.Resolve(ctx, "x {{missing.k}} y", Lenient)
		if err != nil {
			t.Fatalf("Resolve() error = %v", err)
		}
		if got != "x {{missing.k}} y" {
			t.Errorf("Resolve() = %q, want literal placeholder", got)
		}
	})

	t.Run("whitespace inside braces is not a placeholder", func(t *testing.T) {
		store := newStore(t)
		got, err := store.Resolve(ctx, "{{ github.token }}", Strict)
		if err != nil {
			t.Fatalf("Resolve() error = %v", err)
		}
		if got != "{{ github.token }}" {
			t.Errorf("Resolve() = %q, want the text untouched", got)
		}
	})

	t.Run("plain text passes through", func(t *testing.T) {
		store := newStore(t)
		got, err := store.Resolve(ctx, "no templates here", Strict)
		if err != nil || got != "no templates here" {
			t.Errorf("Resolve() = %q, %v", got, err)
		}
	})
}

func TestStoreResolveHeaders(t *testing.T) {
	ctx := context.Background()

	t.Run("resolves all values", func(t *testing.T) {
		store := NewStore(NewMemStorage())
		_ = store.Save(ctx, &Credential{
			ID:   "svc",
			Kind: KindAPIKey,
			Keys: map[string]Key{"api_key": {Name: "api_key", Secret: NewSecret("k-1")}},
		})

		headers, err := store.ResolveHeaders(ctx, map[string]string{
			"Authorization": "Bearer {{svc}}",
			"Accept":        "application/json",
		}, Strict)
		if err != nil {
			t.Fatalf("ResolveHeaders() error = %v", err)
		}
		if headers["Authorization"] != "Bearer k-1" || headers["Accept"] != "application/json" {
			t.Errorf("ResolveHeaders() = %v", headers)
		}
	})

	t.Run("strict failure returns no partial map and leaves input untouched", func(t *testing.T) {
		store := NewStore(NewMemStorage())
		input := map[string]string{"X": "{{missing.k}}"}

		headers, err := store.ResolveHeaders(ctx, input, Strict)
		if !IsNotFound(err) {
			t.Fatalf("ResolveHeaders() error = %v, want CredentialNotFound", err)
		}
		if headers != nil {
			t.Errorf("ResolveHeaders() = %v, want nil on failure", headers)
		}
		if input["X"] != "{{missing.k}}" {
			t.Errorf("input mutated: %v", input)
		}
	})
}
