// Package emit provides pluggable observability for agent runs.
//
// The executor and node runtime emit events at every lifecycle point:
// run start/finish, node entry/exit, runtime steps, tool calls, verdicts,
// checkpoints, pauses, and faults. Emitters route those events to logs,
// memory buffers, or OpenTelemetry spans.
package emit

import "time"

// Event kinds emitted by the runtime. The Msg field of an Event carries
// one of these values.
const (
	KindRunStart          = "run_start"
	KindRunComplete       = "run_complete"
	KindRunFault          = "run_fault"
	KindNodeEntry         = "node_entry"
	KindNodeExit          = "node_exit"
	KindStep              = "step"
	KindToolCall          = "tool_call"
	KindVerdict           = "verdict"
	KindOutputSet         = "output_set"
	KindCheckpoint        = "checkpoint"
	KindPause             = "pause"
	KindResume            = "resume"
	KindUserInputRequest  = "user_input_request"
	KindUserInputReceived = "user_input_received"
	KindCompaction        = "compaction"
	KindBranchMerge       = "branch_merge"
)

// Event is a single observability record from an agent run.
//
// Events are append-only facts about what the runtime did; they carry no
// conversation content and never any credential material.
type Event struct {
	// RunID identifies the session that emitted this event.
	RunID string

	// Step is the global step counter at emission time.
	// Zero for run-level events.
	Step int

	// NodeID identifies the node the event belongs to.
	// Empty for run-level events.
	NodeID string

	// Msg is the event kind, one of the Kind* constants.
	Msg string

	// Time is when the event was emitted. Emitters that need a timestamp
	// fill it with time.Now() when zero.
	Time time.Time

	// Meta contains additional structured data specific to this event.
	// Common keys:
	//   - "duration_ms": node or step duration in milliseconds
	//   - "tokens": token count for the LLM call
	//   - "verdict": judge action (accept, retry, escalate, continue)
	//   - "tool": tool name for tool_call events
	//   - "error": fault code and message
	//   - "checkpoint_kind": node_entry, node_complete, pause, periodic
	Meta map[string]interface{}
}
