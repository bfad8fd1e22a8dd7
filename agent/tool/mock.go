package tool

import (
	"context"
	"sync"
)

// MockTool is a test implementation of Tool.
//
// Use MockTool in tests to verify tool dispatch without real side effects.
// It provides scripted responses, call history tracking, and error
// injection, and is safe for concurrent use.
//
// Example usage:
//
//	mock := &MockTool{
//	    ToolName: "search_web",
//	    Responses: []map[string]interface{}{
//	        {"results": []string{"a", "b"}},
//	    },
//	}
//	out, err := mock.Call(ctx, map[string]interface{}{"query": "test"})
type MockTool struct {
	// ToolName is the name returned by Name().
	ToolName string

	// Responses contains the sequence of outputs to return.
	// Each call returns the next response in order; once consumed, the
	// last response repeats. Empty Responses returns an empty map.
	Responses []map[string]interface{}

	// Errs maps a zero-based call index to an error returned instead of a
	// response at that position.
	Errs map[int]error

	// Err, if set, will be returned by every Call().
	Err error

	// Calls tracks the input of every Call() invocation.
	Calls []map[string]interface{}

	mu        sync.Mutex
	callIndex int
}

// Name implements the Tool interface.
func (m *MockTool) Name() string {
	if m.ToolName == "" {
		return "mock_tool"
	}
	return m.ToolName
}

// Call implements the Tool interface.
//
// Always records the call in Calls history regardless of outcome.
func (m *MockTool) Call(ctx context.Context, input map[string]interface{}) (map[string]interface{}, error) {
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	call := m.callIndex
	m.Calls = append(m.Calls, input)

	if m.Err != nil {
		return nil, m.Err
	}
	if err, ok := m.Errs[call]; ok {
		m.callIndex++
		return nil, err
	}

	if len(m.Responses) == 0 {
		return map[string]interface{}{}, nil
	}

	idx := m.callIndex
	if idx >= len(m.Responses) {
		idx = len(m.Responses) - 1
	} else {
		m.callIndex++
	}

	return m.Responses[idx], nil
}

// Reset clears the call history and resets the response index.
func (m *MockTool) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.Calls = nil
	m.callIndex = 0
}

// CallCount returns the number of times Call() has been invoked.
func (m *MockTool) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return len(m.Calls)
}
