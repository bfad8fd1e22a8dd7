// Package model provides LLM integration adapters.
package model

import "context"

// ChatModel defines the interface for LLM chat providers.
//
// The interface abstracts the differences between providers (OpenAI,
// Anthropic, Google, local models) behind a single completion call that
// surfaces tool calls structurally rather than as prose.
//
// Implementations should:
//   - Handle provider-specific authentication.
//   - Convert the standard Message format to the provider's format.
//   - Parse provider responses back into ChatOut, including tool calls
//     and token usage.
//   - Respect context cancellation and timeouts.
//   - Handle retries and rate limiting appropriately.
//
// Example usage:
//
//	m := openai.NewChatModel(apiKey, "gpt-4o")
//	out, err := m.Chat(ctx, []model.Message{
//	    {Role: model.RoleUser, Content: "Summarize the report."},
//	}, nil)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Println(out.Text)
type ChatModel interface {
	// Chat sends messages to the LLM and returns the response.
	//
	// The LLM may respond with text only, tool calls only, or both.
	// Tool specifications are optional (nil means no tools offered).
	Chat(ctx context.Context, messages []Message, tools []ToolSpec) (ChatOut, error)
}

// BatchChatModel is an optional extension for providers that support
// batched completion. Providers that do not implement it degrade to
// per-request Chat calls via CompleteBatch.
type BatchChatModel interface {
	ChatModel

	// ChatBatch completes several independent requests in one provider
	// round trip. Results are returned in request order; a failed request
	// carries its error in the corresponding BatchResult.
	ChatBatch(ctx context.Context, requests []BatchRequest) []BatchResult
}

// BatchRequest is one entry of a ChatBatch call.
type BatchRequest struct {
	Messages []Message
	Tools    []ToolSpec
}

// BatchResult pairs a ChatBatch entry with its outcome.
type BatchResult struct {
	Out ChatOut
	Err error
}

// CompleteBatch runs a batch of requests against any ChatModel.
//
// If the model implements BatchChatModel the provider's native batching is
// used; otherwise each request is completed sequentially. This is the only
// batching entry point the runtime uses, so providers without batch support
// need no extra code.
func CompleteBatch(ctx context.Context, m ChatModel, requests []BatchRequest) []BatchResult {
	if bm, ok := m.(BatchChatModel); ok {
		return bm.ChatBatch(ctx, requests)
	}
	results := make([]BatchResult, len(requests))
	for i, req := range requests {
		out, err := m.Chat(ctx, req.Messages, req.Tools)
		results[i] = BatchResult{Out: out, Err: err}
	}
	return results
}

// Message represents a single message in an LLM conversation.
//
// Messages follow the common chat format used by the major providers.
// Tool results are ordinary messages with RoleTool and the ToolCallID of
// the call they answer; assistant messages that requested tools carry the
// structured ToolCalls they emitted so the history can be replayed to the
// provider verbatim.
type Message struct {
	// Role identifies the message sender. Use the Role* constants.
	Role string

	// Content contains the message text. May be empty for assistant
	// messages that only contain tool calls.
	Content string

	// ToolCallID links a RoleTool message to the assistant tool call it
	// answers. Empty for other roles.
	ToolCallID string

	// ToolCalls carries the structured calls an assistant message emitted.
	// Nil for non-assistant messages and plain text responses.
	ToolCalls []ToolCall

	// IsError marks a RoleTool message as a failed tool invocation.
	// Providers render these with an error prefix so the LLM can react.
	IsError bool
}

// Standard role constants for LLM conversations.
const (
	// RoleSystem indicates a system message that sets context or instructions.
	RoleSystem = "system"

	// RoleUser indicates a message from the human user or the runtime.
	RoleUser = "user"

	// RoleAssistant indicates a response from the LLM.
	RoleAssistant = "assistant"

	// RoleTool indicates a tool invocation result fed back to the LLM.
	RoleTool = "tool"
)

// ToolSpec describes a tool that an LLM can call.
//
// The Schema field follows JSON Schema format and describes the expected
// input parameters.
type ToolSpec struct {
	// Name uniquely identifies the tool.
	// Must be a valid function name (alphanumeric + underscores).
	Name string

	// Description explains what the tool does. The LLM uses this to
	// decide when to call the tool.
	Description string

	// Schema defines the tool's input parameters using JSON Schema format.
	// Optional for tools with no parameters.
	Schema map[string]interface{}
}

// ChatOut represents the output from an LLM chat completion.
type ChatOut struct {
	// Text contains the LLM's generated response.
	// May be empty if the LLM only wants to call tools.
	Text string

	// ToolCalls contains tools the LLM wants to invoke.
	// Empty if the LLM provided a direct text response.
	ToolCalls []ToolCall

	// Usage reports token counts and latency for the completion.
	// Zero-valued when the provider does not report usage.
	Usage Usage
}

// ToolCall represents a request from the LLM to invoke a specific tool.
type ToolCall struct {
	// ID is the provider-assigned call identifier, used to correlate the
	// eventual RoleTool result message. Synthesized when a provider does
	// not supply one.
	ID string

	// Name identifies which tool to call.
	// Must match a ToolSpec.Name from the available tools.
	Name string

	// Input contains the parameters for the tool call.
	// May be nil for tools that take no parameters.
	Input map[string]interface{}
}

// Usage reports the cost of a single completion.
type Usage struct {
	// PromptTokens is the number of input tokens consumed.
	PromptTokens int

	// CompletionTokens is the number of output tokens generated.
	CompletionTokens int

	// LatencyMS is the wall-clock duration of the provider call.
	LatencyMS int64
}

// TotalTokens returns prompt plus completion tokens.
func (u Usage) TotalTokens() int {
	return u.PromptTokens + u.CompletionTokens
}
