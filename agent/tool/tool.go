// Package tool provides the tool dispatch layer for agent nodes.
//
// Nodes declare tool names; the executor resolves those names against a
// Dispatcher at run start and the event-loop runtime invokes tools with
// JSON argument objects. Tool failures are structured results, never
// panics or run-fatal errors: the node runtime feeds them back to the LLM.
package tool

import "context"

// SetOutputName is the reserved name of the privileged output tool.
//
// set_output is offered to every node but handled by the node runtime
// itself; it is never forwarded to a Dispatcher and must not be registered
// as an ordinary tool.
const SetOutputName = "set_output"

// Tool defines the interface for executable tools that LLMs can invoke.
//
// Implementations should:
//   - Validate input parameters
//   - Respect context cancellation and timeouts
//   - Return structured output as map[string]interface{}
//   - Return *CallError for failures the LLM should be able to react to
type Tool interface {
	// Name returns the unique identifier for this tool.
	// Names should be lowercase with underscores, e.g. "search_web".
	Name() string

	// Call executes the tool with the provided input and returns the result.
	// The input structure should match the Schema in the tool's Spec.
	Call(ctx context.Context, input map[string]interface{}) (map[string]interface{}, error)
}

// Spec describes a tool to the LLM: its name, purpose, and the JSON
// Schema of its argument object.
type Spec struct {
	Name        string
	Description string
	Schema      map[string]interface{}
}

// ErrorKind classifies a tool failure for the node runtime and the LLM.
type ErrorKind string

// Tool failure categories. Retriability is carried separately on the
// CallError since e.g. a rate limit is retriable but an auth failure
// usually is not.
const (
	ErrUnavailable ErrorKind = "unavailable"  // tool not registered or transport gone
	ErrInvalidArgs ErrorKind = "invalid_args" // argument schema validation failed
	ErrAuth        ErrorKind = "auth"         // authentication or authorization failure
	ErrRateLimit   ErrorKind = "rate_limit"   // provider rate limit hit
	ErrTimeout     ErrorKind = "timeout"      // call exceeded its deadline
	ErrInternal    ErrorKind = "internal"     // anything else
)

// CallError is a structured tool failure.
//
// It implements error so tools can return it directly from Call; the
// dispatcher preserves it instead of wrapping.
type CallError struct {
	Kind      ErrorKind
	Message   string
	Retriable bool
}

// Error implements the error interface.
func (e *CallError) Error() string {
	return string(e.Kind) + ": " + e.Message
}

// Result is the outcome of a single tool invocation.
//
// Exactly one of Output (OK true) or Err (OK false) is meaningful.
type Result struct {
	OK     bool
	Output map[string]interface{}
	Err    *CallError
}

// Dispatcher routes tool invocations by name.
//
// The executor validates node tool lists against List() at run start; the
// node runtime calls Invoke for each LLM tool call. Implementations must
// be safe for concurrent use: parallel branches invoke tools from
// multiple goroutines.
type Dispatcher interface {
	// Invoke runs the named tool with the given JSON argument object.
	// Failures are returned in Result.Err, never as a Go error: a tool
	// failure is data for the LLM, not a fault in the runtime.
	Invoke(ctx context.Context, name string, args map[string]interface{}) Result

	// List returns the specs of all registered tools.
	List() []Spec

	// Has reports whether a tool with the given name is registered.
	Has(name string) bool
}
