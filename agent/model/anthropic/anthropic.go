// Package anthropic provides a ChatModel adapter for Anthropic's Claude API.
package anthropic

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/dshills/agentrun-go/agent/model"
)

// ChatModel implements model.ChatModel for Anthropic's Claude API.
//
// Provides access to Claude models with:
//   - System prompt extraction (Anthropic uses a separate system parameter)
//   - Tool/function calling support
//   - Token usage and latency reporting
//   - Context cancellation
//
// Example usage:
//
//	apiKey := os.Getenv("ANTHROPIC_API_KEY")
//	m := anthropic.NewChatModel(apiKey, "claude-sonnet-4-20250514")
//
//	out, err := m.Chat(ctx, []model.Message{
//	    {Role: model.RoleUser, Content: "What is the capital of France?"},
//	}, nil)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Println(out.Text)
type ChatModel struct {
	apiKey    string
	modelName string
	maxTokens int64
	client    anthropicClient
}

// anthropicClient defines the interface for Anthropic API operations.
// This allows for easy mocking in tests.
type anthropicClient interface {
	createMessage(ctx context.Context, systemPrompt string, messages []model.Message, tools []model.ToolSpec) (model.ChatOut, error)
}

// NewChatModel creates a new Anthropic ChatModel.
//
// Parameters:
//   - apiKey: Anthropic API key (get from https://console.anthropic.com/)
//   - modelName: Model to use. Empty string uses the default.
func NewChatModel(apiKey, modelName string) *ChatModel {
	if modelName == "" {
		modelName = "claude-sonnet-4-20250514"
	}

	m := &ChatModel{
		apiKey:    apiKey,
		modelName: modelName,
		maxTokens: 4096,
	}
	m.client = &defaultClient{apiKey: apiKey, modelName: modelName, maxTokens: m.maxTokens}
	return m
}

// Chat implements the model.ChatModel interface.
//
// Sends messages to Anthropic's API and returns the response.
// Handles Anthropic-specific message format (system prompt extraction,
// tool results inside user turns).
func (m *ChatModel) Chat(ctx context.Context, messages []model.Message, tools []model.ToolSpec) (model.ChatOut, error) {
	if ctx.Err() != nil {
		return model.ChatOut{}, ctx.Err()
	}

	systemPrompt, conversationMessages := extractSystemPrompt(messages)

	start := time.Now()
	out, err := m.client.createMessage(ctx, systemPrompt, conversationMessages, tools)
	if err != nil {
		var apiErr *anthropicError
		if errors.As(err, &apiErr) {
			return model.ChatOut{}, apiErr
		}
		return model.ChatOut{}, err
	}
	if out.Usage.LatencyMS == 0 {
		out.Usage.LatencyMS = time.Since(start).Milliseconds()
	}

	return out, nil
}

// extractSystemPrompt separates the system message from conversation messages.
// Anthropic's API expects system prompts as a separate parameter, not in the
// messages array.
func extractSystemPrompt(messages []model.Message) (string, []model.Message) {
	var systemPrompt string
	var conversationMessages []model.Message

	for _, msg := range messages {
		if msg.Role == model.RoleSystem {
			if systemPrompt != "" {
				systemPrompt += "\n\n"
			}
			systemPrompt += msg.Content
		} else {
			conversationMessages = append(conversationMessages, msg)
		}
	}

	return systemPrompt, conversationMessages
}

// defaultClient wraps the official anthropic-sdk-go client.
type defaultClient struct {
	apiKey    string
	modelName string
	maxTokens int64
}

func (c *defaultClient) createMessage(ctx context.Context, systemPrompt string, messages []model.Message, tools []model.ToolSpec) (model.ChatOut, error) {
	if c.apiKey == "" {
		return model.ChatOut{}, errors.New("Anthropic API key is required")
	}

	client := anthropic.NewClient(option.WithAPIKey(c.apiKey))

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(c.modelName),
		MaxTokens: c.maxTokens,
		Messages:  convertMessages(messages),
	}
	if systemPrompt != "" {
		params.System = []anthropic.TextBlockParam{{Text: systemPrompt}}
	}
	if len(tools) > 0 {
		params.Tools = convertTools(tools)
	}

	message, err := client.Messages.New(ctx, params)
	if err != nil {
		return model.ChatOut{}, &anthropicError{Type: "api_error", Message: err.Error()}
	}

	return convertResponse(message), nil
}

// convertMessages converts our Message format to Anthropic's param unions.
//
// Tool results become tool_result blocks inside a user turn; assistant
// turns that requested tools are rebuilt with their tool_use blocks so the
// history replays verbatim.
func convertMessages(messages []model.Message) []anthropic.MessageParam {
	out := make([]anthropic.MessageParam, 0, len(messages))

	for _, msg := range messages {
		switch msg.Role {
		case model.RoleAssistant:
			blocks := make([]anthropic.ContentBlockParamUnion, 0, 1+len(msg.ToolCalls))
			if msg.Content != "" {
				blocks = append(blocks, anthropic.NewTextBlock(msg.Content))
			}
			for _, tc := range msg.ToolCalls {
				blocks = append(blocks, anthropic.NewToolUseBlock(tc.ID, tc.Input, tc.Name))
			}
			out = append(out, anthropic.NewAssistantMessage(blocks...))
		case model.RoleTool:
			out = append(out, anthropic.NewUserMessage(
				anthropic.NewToolResultBlock(msg.ToolCallID, msg.Content, msg.IsError),
			))
		default:
			out = append(out, anthropic.NewUserMessage(anthropic.NewTextBlock(msg.Content)))
		}
	}

	return out
}

// convertTools converts our ToolSpec format to Anthropic tool params.
func convertTools(tools []model.ToolSpec) []anthropic.ToolUnionParam {
	out := make([]anthropic.ToolUnionParam, len(tools))
	for i, t := range tools {
		tp := anthropic.ToolParam{
			Name:        t.Name,
			Description: anthropic.String(t.Description),
			InputSchema: anthropic.ToolInputSchemaParam{
				Properties: schemaProperties(t.Schema),
			},
		}
		out[i] = anthropic.ToolUnionParam{OfTool: &tp}
	}
	return out
}

// schemaProperties extracts the "properties" object from a JSON schema map.
// Anthropic's input_schema is always an object schema, so only the property
// map needs forwarding.
func schemaProperties(schema map[string]interface{}) interface{} {
	if schema == nil {
		return map[string]interface{}{}
	}
	if props, ok := schema["properties"]; ok {
		return props
	}
	return schema
}

// convertResponse converts Anthropic's response to our ChatOut format.
func convertResponse(message *anthropic.Message) model.ChatOut {
	out := model.ChatOut{
		Usage: model.Usage{
			PromptTokens:     int(message.Usage.InputTokens),
			CompletionTokens: int(message.Usage.OutputTokens),
		},
	}

	for _, block := range message.Content {
		switch variant := block.AsAny().(type) {
		case anthropic.TextBlock:
			if out.Text != "" {
				out.Text += "\n"
			}
			out.Text += variant.Text
		case anthropic.ToolUseBlock:
			var input map[string]interface{}
			_ = json.Unmarshal([]byte(variant.JSON.Input.Raw()), &input)
			out.ToolCalls = append(out.ToolCalls, model.ToolCall{
				ID:    variant.ID,
				Name:  variant.Name,
				Input: input,
			})
		}
	}

	return out
}

// anthropicError represents an Anthropic API error.
//
// Anthropic error types include authentication_error, permission_error,
// rate_limit_error, overloaded_error, and invalid_request_error. Use
// errors.As to inspect the type:
//
//	var apiErr *anthropic.Error
//	if errors.As(err, &apiErr) {
//	    log.Printf("anthropic: %s", apiErr.Type)
//	}
type anthropicError struct {
	Type    string
	Message string
}

func (e *anthropicError) Error() string {
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}
