// Package runlog is the append-only runtime event log for agent runs.
//
// It answers three query shapes: run summaries (which runs need operator
// attention), per-node roll-ups (how each node behaved), and raw ordered
// step records. Writers append; queries never mutate.
package runlog

import "time"

// ToolCallRecord is a single tool call within a step.
type ToolCallRecord struct {
	ID      string                 `json:"tool_use_id"`
	Name    string                 `json:"tool_name"`
	Input   map[string]interface{} `json:"tool_input,omitempty"`
	Result  string                 `json:"result,omitempty"`
	IsError bool                   `json:"is_error,omitempty"`
}

// Step is the raw record of one runtime step.
//
// For event-loop nodes each loop iteration is a step; single-shot nodes
// log exactly one. StepNo is the run-global step number, allocated by the
// log under a per-run lock.
type Step struct {
	RunID    string
	NodeID   string
	StepNo   int
	NodeType string

	LLMText   string
	ToolCalls []ToolCallRecord

	InputTokens  int
	OutputTokens int
	LatencyMS    int64

	// Verdict fields are set for event-loop steps that were judged.
	Verdict         string
	VerdictFeedback string

	// Error holds the failure message of a step that did not complete
	// normally; Partial marks it.
	Error   string
	Partial bool

	At time.Time
}

// Tokens returns input plus output tokens for the step.
func (s Step) Tokens() int {
	return s.InputTokens + s.OutputTokens
}
