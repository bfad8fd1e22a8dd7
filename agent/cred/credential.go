// Package cred provides the process-wide credential store.
//
// Credentials are named bundles of secret keys with optional expiries and
// an optional refresh provider. Secret values travel as opaque Secret
// wrappers; the only way to read one is Reveal(), which the HTTP tool
// layer calls at the request boundary. Logs, errors, and JSON output all
// see a redaction marker instead of secret bytes.
package cred

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"
)

// DefaultRefreshBuffer is how long before expiry a key counts as needing
// refresh when the provider does not say otherwise.
const DefaultRefreshBuffer = 5 * time.Minute

// Kind classifies a credential.
type Kind string

const (
	KindAPIKey Kind = "api_key"
	KindOAuth2 Kind = "oauth2"
	KindCustom Kind = "custom"
)

// Secret is an opaque wrapper around secret bytes.
//
// Every rendering path is redacted: String, GoString, and JSON marshaling
// all produce "[REDACTED]". The only accessor is Reveal. Persistence
// backends convert through an internal record type so round-tripping does
// not go through the redacted JSON form.
type Secret struct {
	value string
}

// NewSecret wraps a secret value.
func NewSecret(value string) Secret {
	return Secret{value: value}
}

// Reveal returns the secret bytes. Call only at the point of use.
func (s Secret) Reveal() string {
	return s.value
}

// Empty reports whether the secret holds no value.
func (s Secret) Empty() bool {
	return s.value == ""
}

// String implements fmt.Stringer with a redaction marker.
func (s Secret) String() string {
	return "[REDACTED]"
}

// GoString implements fmt.GoStringer so %#v stays redacted too.
func (s Secret) GoString() string {
	return "cred.Secret{[REDACTED]}"
}

// MarshalJSON always emits the redaction marker. Storage backends that
// need the real value use their own record types.
func (s Secret) MarshalJSON() ([]byte, error) {
	return []byte(`"[REDACTED]"`), nil
}

// UnmarshalJSON accepts a plain string value. The redaction marker itself
// is rejected to catch accidental round-trips through redacted output.
func (s *Secret) UnmarshalJSON(data []byte) error {
	var v string
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	if v == "[REDACTED]" {
		return errors.New("refusing to unmarshal redacted secret")
	}
	s.value = v
	return nil
}

// Key is a single named secret within a credential.
type Key struct {
	Name      string
	Secret    Secret
	ExpiresAt time.Time // zero means never expires
}

// Expired reports whether the key's expiry has passed.
func (k Key) Expired(now time.Time) bool {
	return !k.ExpiresAt.IsZero() && !k.ExpiresAt.After(now)
}

// ExpiringWithin reports whether the key expires within the buffer.
// Keys without an expiry never report true.
func (k Key) ExpiringWithin(buffer time.Duration, now time.Time) bool {
	if k.ExpiresAt.IsZero() {
		return false
	}
	return !k.ExpiresAt.After(now.Add(buffer))
}

// Credential is a named bundle of keys with an optional refresh provider.
//
// Credentials are process-wide and live across runs. Version increments
// on every save and refresh; identity comparisons use ID and Version,
// never secret bytes.
type Credential struct {
	ID            string
	Kind          Kind
	Keys          map[string]Key
	ProviderID    string
	AutoRefresh   bool
	LastRefreshed time.Time
	Version       int
}

// Validate checks the structural invariants of a credential.
func (c *Credential) Validate() error {
	if c.ID == "" {
		return &Error{Code: CodeInvalid, Message: "credential id is empty"}
	}
	if len(c.Keys) == 0 {
		return &Error{Code: CodeInvalid, Message: fmt.Sprintf("credential %q has no keys", c.ID)}
	}
	switch c.Kind {
	case KindAPIKey, KindOAuth2, KindCustom:
	case "":
		return &Error{Code: CodeInvalid, Message: fmt.Sprintf("credential %q has no kind", c.ID)}
	default:
		return &Error{Code: CodeInvalid, Message: fmt.Sprintf("credential %q has unknown kind %q", c.ID, c.Kind)}
	}
	for name, key := range c.Keys {
		if key.Secret.Empty() {
			return &Error{Code: CodeInvalid, Message: fmt.Sprintf("credential %q key %q has empty secret", c.ID, name)}
		}
	}
	return nil
}

// DefaultKey returns the credential's default key: "api_key" if present,
// then "access_token", then the lexicographically first key name. The
// bool is false when the credential has no keys.
func (c *Credential) DefaultKey() (Key, bool) {
	if k, ok := c.Keys["api_key"]; ok {
		return k, true
	}
	if k, ok := c.Keys["access_token"]; ok {
		return k, true
	}
	if len(c.Keys) == 0 {
		return Key{}, false
	}

	names := make([]string, 0, len(c.Keys))
	for name := range c.Keys {
		names = append(names, name)
	}
	sort.Strings(names)
	return c.Keys[names[0]], true
}

// NeedsRefresh reports whether any key expires within the buffer.
func (c *Credential) NeedsRefresh(buffer time.Duration, now time.Time) bool {
	for _, key := range c.Keys {
		if key.ExpiringWithin(buffer, now) {
			return true
		}
	}
	return false
}

// Equal reports identity equality: same ID and Version. Secret bytes are
// never compared.
func (c *Credential) Equal(other *Credential) bool {
	if c == nil || other == nil {
		return c == other
	}
	return c.ID == other.ID && c.Version == other.Version
}

// Clone returns a deep copy. Callers mutate clones, never stored values.
func (c *Credential) Clone() *Credential {
	if c == nil {
		return nil
	}
	cp := *c
	cp.Keys = make(map[string]Key, len(c.Keys))
	for name, key := range c.Keys {
		cp.Keys[name] = key
	}
	return &cp
}
