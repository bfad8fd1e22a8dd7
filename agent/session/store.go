package session

import (
	"context"
	"encoding/json"
	"errors"
)

// ErrNotFound is returned when a session or checkpoint id does not exist.
var ErrNotFound = errors.New("not found")

// Store persists sessions and their checkpoint history.
//
// Implementations must write atomically: a crash mid-save leaves the
// previous state intact, never a partial blob. Checkpoint order is
// append order.
//
// Implementations can use:
//   - In-memory storage (for testing, see memory.go)
//   - The local filesystem with atomic rename (see file.go)
//   - Relational databases (see mysql.go)
type Store interface {
	// Create persists a new session. Fails if the id already exists.
	Create(ctx context.Context, s *Session) error

	// Load retrieves a full session including its checkpoint list.
	// Returns ErrNotFound for unknown ids.
	Load(ctx context.Context, id string) (*Session, error)

	// SaveState replaces the session's latest state blob.
	SaveState(ctx context.Context, id string, state json.RawMessage) error

	// AppendCheckpoint adds a checkpoint to the session's ordered list.
	AppendCheckpoint(ctx context.Context, id string, cp Checkpoint) error

	// SetStatus updates the session's lifecycle status.
	SetStatus(ctx context.Context, id string, status Status) error

	// List returns summaries of sessions, newest first. An empty agent
	// name lists all agents.
	List(ctx context.Context, agent string) ([]Summary, error)

	// TruncateAfter discards all checkpoints recorded after the named
	// checkpoint and makes that checkpoint's snapshot the session's
	// state. Used by recovery to rewind a run. Returns ErrNotFound when
	// the session or checkpoint does not exist.
	TruncateAfter(ctx context.Context, id, checkpointID string) error
}
