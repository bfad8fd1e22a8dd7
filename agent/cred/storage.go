package cred

import "context"

// Storage persists credential objects.
//
// Implementations return NotFound errors (not nil credentials) for
// missing ids, and must be safe for concurrent use; the Store serializes
// writes per credential id but reads run concurrently.
type Storage interface {
	// Load returns the stored credential or a CredentialNotFound error.
	Load(ctx context.Context, id string) (*Credential, error)

	// Save writes the credential, replacing any existing version.
	Save(ctx context.Context, c *Credential) error

	// Delete removes the credential. Deleting a missing id is not an error.
	Delete(ctx context.Context, id string) error

	// List returns all stored credential ids.
	List(ctx context.Context) ([]string, error)
}
