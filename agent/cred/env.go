package cred

import (
	"context"
	"os"
	"sort"
)

// EnvStorage is a read-only Storage backed by environment variables.
//
// Each credential id maps to one environment variable; loads produce an
// api_key-kind credential with a single "api_key" key. Save and Delete
// fail with StorageReadOnly.
//
// Example usage:
//
//	storage := cred.NewEnvStorage(map[string]string{
//	    "openai": "OPENAI_API_KEY",
//	    "github": "GITHUB_TOKEN",
//	})
type EnvStorage struct {
	vars map[string]string // credential id -> env var name
}

// NewEnvStorage creates an EnvStorage over the given id-to-variable map.
func NewEnvStorage(vars map[string]string) *EnvStorage {
	copied := make(map[string]string, len(vars))
	for id, name := range vars {
		copied[id] = name
	}
	return &EnvStorage{vars: copied}
}

// Load implements Storage. An unmapped id or an unset/empty variable is a
// CredentialNotFound error.
func (e *EnvStorage) Load(_ context.Context, id string) (*Credential, error) {
	name, ok := e.vars[id]
	if !ok {
		return nil, NotFound(id)
	}
	value := os.Getenv(name)
	if value == "" {
		return nil, NotFound(id)
	}

	return &Credential{
		ID:   id,
		Kind: KindAPIKey,
		Keys: map[string]Key{
			"api_key": {Name: "api_key", Secret: NewSecret(value)},
		},
		Version: 1,
	}, nil
}

// Save implements Storage; environment credentials are read-only.
func (e *EnvStorage) Save(context.Context, *Credential) error {
	return &Error{Code: CodeReadOnly, Message: "environment storage is read-only"}
}

// Delete implements Storage; environment credentials are read-only.
func (e *EnvStorage) Delete(context.Context, string) error {
	return &Error{Code: CodeReadOnly, Message: "environment storage is read-only"}
}

// List implements Storage. Only ids whose variable is currently set are
// returned.
func (e *EnvStorage) List(context.Context) ([]string, error) {
	ids := make([]string, 0, len(e.vars))
	for id, name := range e.vars {
		if os.Getenv(name) != "" {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}
