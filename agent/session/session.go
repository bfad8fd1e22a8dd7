// Package session provides durable storage for agent runs.
//
// A session holds everything needed to resume an interrupted run: the
// latest execution-state blob plus an ordered list of checkpoints. Stores
// guarantee atomic writes so a crash never leaves partial state behind.
package session

import (
	"encoding/json"
	"time"

	"github.com/oklog/ulid/v2"
)

// Status is the lifecycle state of a session.
type Status string

const (
	StatusRunning   Status = "running"
	StatusPaused    Status = "paused"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Resumable reports whether a session in this status may be resumed.
// Only paused and failed sessions resume; completed and cancelled runs
// are terminal.
func (s Status) Resumable() bool {
	return s == StatusPaused || s == StatusFailed
}

// CheckpointKind classifies why a checkpoint was taken.
type CheckpointKind string

const (
	// CheckpointNodeEntry is taken when the executor enters a node.
	CheckpointNodeEntry CheckpointKind = "node_entry"
	// CheckpointNodeComplete is taken after a node finishes and its
	// memory writes are committed.
	CheckpointNodeComplete CheckpointKind = "node_complete"
	// CheckpointPause is taken when a run suspends for client input or
	// an explicit pause.
	CheckpointPause CheckpointKind = "pause"
	// CheckpointPeriodic is taken on the configured interval inside
	// long-running nodes.
	CheckpointPeriodic CheckpointKind = "periodic"
)

// NewID returns a sortable session id: ULIDs encode creation time with a
// random suffix, so lexical order is creation order.
func NewID() string {
	return ulid.Make().String()
}

// Checkpoint is one snapshot in a session's ordered checkpoint list.
type Checkpoint struct {
	ID        string          `json:"id"`
	Kind      CheckpointKind  `json:"kind"`
	NodeID    string          `json:"node_id"`
	Step      int             `json:"step"`
	State     json.RawMessage `json:"state"`
	CreatedAt time.Time       `json:"created_at"`
}

// NewCheckpoint builds a checkpoint with a fresh id and timestamp.
func NewCheckpoint(kind CheckpointKind, nodeID string, step int, state json.RawMessage) Checkpoint {
	return Checkpoint{
		ID:        NewID(),
		Kind:      kind,
		NodeID:    nodeID,
		Step:      step,
		State:     state,
		CreatedAt: time.Now().UTC(),
	}
}

// Session is the durable record of one agent run.
type Session struct {
	ID          string          `json:"id"`
	Agent       string          `json:"agent"`
	Status      Status          `json:"status"`
	Input       json.RawMessage `json:"input,omitempty"`
	State       json.RawMessage `json:"state,omitempty"`
	Checkpoints []Checkpoint    `json:"checkpoints,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// New creates a running session for an agent with its initial input.
func New(agent string, input json.RawMessage) *Session {
	now := time.Now().UTC()
	return &Session{
		ID:        NewID(),
		Agent:     agent,
		Status:    StatusRunning,
		Input:     input,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Summary is the listing view of a session: metadata without state blobs.
type Summary struct {
	ID        string    `json:"id"`
	Agent     string    `json:"agent"`
	Status    Status    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}
