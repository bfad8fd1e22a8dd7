package agent

import (
	"encoding/json"

	"github.com/dshills/agentrun-go/agent/model"
)

// ExecutionState is the durable progress of a run: everything needed
// to resume at the last node with the same memory and limits.
type ExecutionState struct {
	RunID          string                 `json:"run_id"`
	Input          map[string]interface{} `json:"input,omitempty"`
	Memory         map[string]interface{} `json:"memory"`
	Writers        map[string]string      `json:"writers,omitempty"`
	VisitCounts    map[string]int         `json:"visit_counts"`
	LastNodeID     string                 `json:"last_node_id,omitempty"`
	LastVerdict    Verdict                `json:"last_verdict,omitempty"`
	StepCounter    int                    `json:"step_counter"`
	CompletedNodes []string               `json:"completed_nodes,omitempty"`
	PausedAt       string                 `json:"paused_at,omitempty"`
	FailedNodes    map[string]string      `json:"failed_nodes,omitempty"`

	// Visit is the suspended mid-visit continuation, set only when the
	// run paused inside an event-loop node.
	Visit *VisitState `json:"visit,omitempty"`
}

// VisitState is the serialized continuation of a suspended event-loop
// visit. Resuming re-enters the loop with this state instead of
// starting a fresh visit.
type VisitState struct {
	NodeID            string          `json:"node_id"`
	Step              int             `json:"step"`
	Feedback          []string        `json:"feedback,omitempty"`
	AwaitedUserInput  bool            `json:"awaited_user_input,omitempty"`
	ReceivedUserInput bool            `json:"received_user_input,omitempty"`
	SawSetOutput      bool            `json:"saw_set_output,omitempty"`
	PendingQuestion   string          `json:"pending_question,omitempty"`
	Messages          []messageRecord `json:"messages,omitempty"`
}

// messageRecord is the persisted form of a conversation message.
type messageRecord struct {
	Role       string           `json:"role"`
	Content    string           `json:"content,omitempty"`
	ToolCallID string           `json:"tool_call_id,omitempty"`
	ToolCalls  []toolCallRecord `json:"tool_calls,omitempty"`
	IsError    bool             `json:"is_error,omitempty"`
}

type toolCallRecord struct {
	ID    string                 `json:"id"`
	Name  string                 `json:"name"`
	Input map[string]interface{} `json:"input,omitempty"`
}

func encodeMessages(msgs []model.Message) []messageRecord {
	records := make([]messageRecord, 0, len(msgs))
	for _, m := range msgs {
		rec := messageRecord{
			Role:       m.Role,
			Content:    m.Content,
			ToolCallID: m.ToolCallID,
			IsError:    m.IsError,
		}
		for _, tc := range m.ToolCalls {
			rec.ToolCalls = append(rec.ToolCalls, toolCallRecord{ID: tc.ID, Name: tc.Name, Input: tc.Input})
		}
		records = append(records, rec)
	}
	return records
}

func decodeMessages(records []messageRecord) []model.Message {
	msgs := make([]model.Message, 0, len(records))
	for _, rec := range records {
		m := model.Message{
			Role:       rec.Role,
			Content:    rec.Content,
			ToolCallID: rec.ToolCallID,
			IsError:    rec.IsError,
		}
		for _, tc := range rec.ToolCalls {
			m.ToolCalls = append(m.ToolCalls, model.ToolCall{ID: tc.ID, Name: tc.Name, Input: tc.Input})
		}
		msgs = append(msgs, m)
	}
	return msgs
}

// Marshal serializes the state for the session store.
func (s *ExecutionState) Marshal() (json.RawMessage, error) {
	data, err := json.Marshal(s)
	if err != nil {
		return nil, &Error{Code: CodeStorageFailure, Message: "failed to encode execution state", Cause: err}
	}
	return data, nil
}

// UnmarshalExecutionState rebuilds state from a session blob.
func UnmarshalExecutionState(data json.RawMessage) (*ExecutionState, error) {
	var s ExecutionState
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, &Error{Code: CodeStorageFailure, Message: "failed to decode execution state", Cause: err}
	}
	if s.Memory == nil {
		s.Memory = make(map[string]interface{})
	}
	if s.VisitCounts == nil {
		s.VisitCounts = make(map[string]int)
	}
	return &s, nil
}
