package agent

import (
	"fmt"
	"strings"

	"github.com/dshills/agentrun-go/agent/model"
)

// Conversation holds the message history of one event-loop visit.
// Long visits are compacted in place so the provider context never
// grows without bound.
type Conversation struct {
	messages []model.Message

	// maxTokens is the estimated budget before compaction kicks in.
	maxTokens int

	// keepRecent messages survive every compaction.
	keepRecent int
}

// Compaction defaults. Token counts are estimated at four characters
// per token, which tracks the major providers closely enough for a
// budget check.
const (
	DefaultConversationTokens = 24000
	defaultKeepRecent         = 8
	charsPerToken             = 4
)

// NewConversation creates a conversation seeded with the system prompt.
func NewConversation(systemPrompt string) *Conversation {
	c := &Conversation{
		maxTokens:  DefaultConversationTokens,
		keepRecent: defaultKeepRecent,
	}
	if systemPrompt != "" {
		c.messages = append(c.messages, model.Message{Role: model.RoleSystem, Content: systemPrompt})
	}
	return c
}

// Add appends a message.
func (c *Conversation) Add(msg model.Message) {
	c.messages = append(c.messages, msg)
}

// Messages returns the current history. The returned slice is shared;
// callers must not mutate it.
func (c *Conversation) Messages() []model.Message {
	return c.messages
}

// Len returns the number of messages.
func (c *Conversation) Len() int { return len(c.messages) }

// EstimatedTokens approximates the provider token count of the history.
func (c *Conversation) EstimatedTokens() int {
	chars := 0
	for _, m := range c.messages {
		chars += len(m.Content)
		for _, tc := range m.ToolCalls {
			chars += len(tc.Name) + len(fmt.Sprintf("%v", tc.Input))
		}
	}
	return chars / charsPerToken
}

// CompactIfNeeded folds the middle of an over-budget history into a
// single summary message. The system prompt and the most recent
// messages survive verbatim; lines mentioning a protected key are
// pulled into the summary so output context is never lost.
func (c *Conversation) CompactIfNeeded(protectedKeys []string) bool {
	if c.EstimatedTokens() <= c.maxTokens {
		return false
	}

	// Never compact below system + recent window.
	if len(c.messages) <= c.keepRecent+1 {
		return false
	}

	head := 0
	if len(c.messages) > 0 && c.messages[0].Role == model.RoleSystem {
		head = 1
	}
	tailStart := len(c.messages) - c.keepRecent
	if tailStart <= head {
		return false
	}

	dropped := c.messages[head:tailStart]
	summary := summarizeDropped(dropped, protectedKeys)

	compacted := make([]model.Message, 0, head+1+c.keepRecent)
	compacted = append(compacted, c.messages[:head]...)
	compacted = append(compacted, model.Message{Role: model.RoleUser, Content: summary})
	compacted = append(compacted, c.messages[tailStart:]...)
	c.messages = compacted
	return true
}

func summarizeDropped(dropped []model.Message, protectedKeys []string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "[Earlier conversation compacted: %d messages elided.]", len(dropped))

	var protected []string
	for _, m := range dropped {
		for _, line := range strings.Split(m.Content, "\n") {
			for _, key := range protectedKeys {
				if strings.Contains(line, key) {
					protected = append(protected, strings.TrimSpace(line))
					break
				}
			}
		}
	}
	if len(protected) > 0 {
		b.WriteString("\nContext that must be preserved:\n")
		for _, line := range protected {
			b.WriteString("- " + line + "\n")
		}
	}
	return b.String()
}
