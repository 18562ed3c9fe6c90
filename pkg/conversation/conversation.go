package conversation

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/localagent/localagent/pkg/model"
)

// Role is one of the closed set of roles a ConversationState message may
// carry: system, developer, user, assistant, or tool-result.
type Role string

const (
	RoleSystem     Role = "system"
	RoleDeveloper  Role = "developer"
	RoleUser       Role = "user"
	RoleAssistant  Role = "assistant"
	RoleToolResult Role = "tool-result"
)

// Message represents a conversation message
type Message struct {
	Role        string
	Content     any // Can be string or []model.ContentPart for multimodal
	Timestamp   time.Time
	Tokens      int              // Estimated for Phase 1, accurate in Phase 3
	ToolCalls   []model.ToolCall // For assistant messages with tool calls
	ToolCallID  string           // For tool response messages
	Name        string           // Tool name for tool messages
	IsSummary   bool             // Indicates this message is a summary created by compaction
	IsTruncated bool             // Indicates this message was interrupted/incomplete
	Reasoning   string           // Reasoning/thinking content for reasoning models
}

// CatalogEntry is the planner-facing advertisement of one tool in the
// current catalog snapshot, carried alongside ConversationState so a
// derived view can be built without re-querying the registry.
type CatalogEntry struct {
	Name   string
	Schema map[string]any
}

// Conversation is the ConversationState described in spec §3: an ordered,
// append-only sequence of messages plus the tool catalog snapshot active
// when it was built. Once appended, prior messages are never mutated;
// context-budget trimming (ContextBuilder.BuildMessages) produces a new
// derived slice rather than rewriting Messages in place.
type Conversation struct {
	SessionID       string
	Messages        []Message
	TokenCount      int
	CompactionCount int
	Catalog         []CatalogEntry
}

// SetCatalog records the tool catalog snapshot exposed to the planner for
// this run. The driver calls it once at run start; it is never implied by
// message appends.
func (c *Conversation) SetCatalog(entries []CatalogEntry) {
	c.Catalog = append([]CatalogEntry{}, entries...)
}

const (
	contentTypeText = "text"
	contentTypeJSON = "json"
)

// New creates a new conversation
func New(sessionID string) *Conversation {
	return &Conversation{
		SessionID:       sessionID,
		Messages:        []Message{},
		TokenCount:      0,
		CompactionCount: 0,
	}
}

// GetContentAsString extracts string content from a Message
// If content is multimodal, it extracts just the text parts
func GetContentAsString(content any) string {
	switch v := content.(type) {
	case string:
		return v
	case []model.ContentPart:
		return renderContentParts(v)
	case []any:
		parts := make([]model.ContentPart, 0, len(v))
		for _, raw := range v {
			if m, ok := raw.(map[string]any); ok {
				part := model.ContentPart{}
				if t, ok := m["type"].(string); ok {
					part.Type = t
				}
				if txt, ok := m["text"].(string); ok {
					part.Text = txt
				}
				parts = append(parts, part)
			}
		}
		return renderContentParts(parts)
	default:
		return ""
	}
}

func renderContentParts(parts []model.ContentPart) string {
	var texts []string
	for _, part := range parts {
		if strings.TrimSpace(part.Type) == "text" && part.Text != "" {
			texts = append(texts, part.Text)
		}
	}
	return strings.Join(texts, "\n")
}

// AddUserMessage adds a user message
func (c *Conversation) AddUserMessage(content string) {
	msg := Message{
		Role:      "user",
		Content:   content,
		Timestamp: time.Now(),
		Tokens:    estimateTokens(content),
		IsSummary: false,
	}
	c.Messages = append(c.Messages, msg)
	c.TokenCount += msg.Tokens
}

// AddUserMessageParts adds a user message with multimodal parts.
func (c *Conversation) AddUserMessageParts(parts []model.ContentPart) {
	text := GetContentAsString(parts)
	msg := Message{
		Role:      "user",
		Content:   parts,
		Timestamp: time.Now(),
		Tokens:    estimateTokens(text),
		IsSummary: false,
	}
	c.Messages = append(c.Messages, msg)
	c.TokenCount += msg.Tokens
}

// AddAssistantMessage adds an assistant message
func (c *Conversation) AddAssistantMessage(content string) {
	c.AddAssistantMessageWithReasoning(content, "")
}

// AddAssistantMessageWithReasoning adds an assistant message with reasoning content
func (c *Conversation) AddAssistantMessageWithReasoning(content string, reasoning string) {
	tokens := estimateTokens(content) + estimateTokens(reasoning)
	msg := Message{
		Role:      "assistant",
		Content:   content,
		Timestamp: time.Now(),
		Tokens:    tokens,
		IsSummary: false,
		Reasoning: reasoning,
	}
	c.Messages = append(c.Messages, msg)
	c.TokenCount += msg.Tokens
}

// AddAssistantMessageParts adds an assistant message with multimodal parts.
func (c *Conversation) AddAssistantMessageParts(parts []model.ContentPart, reasoning string) {
	text := GetContentAsString(parts)
	tokens := estimateTokens(text) + estimateTokens(reasoning)
	msg := Message{
		Role:      "assistant",
		Content:   parts,
		Timestamp: time.Now(),
		Tokens:    tokens,
		IsSummary: false,
		Reasoning: reasoning,
	}
	c.Messages = append(c.Messages, msg)
	c.TokenCount += msg.Tokens
}

// AddSystemMessage adds a system message
func (c *Conversation) AddSystemMessage(content string) {
	msg := Message{
		Role:      "system",
		Content:   content,
		Timestamp: time.Now(),
		Tokens:    estimateTokens(content),
		IsSummary: false,
	}
	c.Messages = append(c.Messages, msg)
	c.TokenCount += msg.Tokens
}

// AddToolCallMessage adds an assistant message with tool calls
func (c *Conversation) AddToolCallMessage(toolCalls []model.ToolCall) {
	msg := Message{
		Role:      "assistant",
		Content:   "", // Tool calls don't have content
		Timestamp: time.Now(),
		Tokens:    estimateToolCallTokens(toolCalls),
		ToolCalls: toolCalls,
		IsSummary: false,
	}
	c.Messages = append(c.Messages, msg)
	c.TokenCount += msg.Tokens
}

// AddToolResponseMessage adds a tool response message
func (c *Conversation) AddToolResponseMessage(toolCallID string, name string, content string) {
	msg := Message{
		Role:       "tool",
		Content:    content,
		Timestamp:  time.Now(),
		Tokens:     estimateTokens(content),
		ToolCallID: toolCallID,
		Name:       name,
		IsSummary:  false,
	}
	c.Messages = append(c.Messages, msg)
	c.TokenCount += msg.Tokens
}

// ToModelMessages converts conversation messages to model messages
func (c *Conversation) ToModelMessages() []model.Message {
	return ConvertMessages(c.Messages)
}

// ConvertMessages converts an arbitrary slice of conversation messages (for
// example, one already trimmed to a token budget by ContextBuilder) to the
// wire shape a Provider expects.
func ConvertMessages(source []Message) []model.Message {
	msgs := make([]model.Message, len(source))
	for i, msg := range source {
		var content any
		switch v := msg.Content.(type) {
		case string:
			if v != "" {
				content = v
			}
		case []model.ContentPart:
			if len(v) > 0 {
				content = v
			}
		case nil:
			// leave nil so omitempty works
		default:
			content = v
		}

		// Some providers (and some "thinking" models) return assistant text in the
		// reasoning channel with an empty content field. When that happens, we still
		// need to include the assistant's output in the prompt history to preserve
		// conversation continuity.
		if msg.Role == "assistant" && content == nil && len(msg.ToolCalls) == 0 && strings.TrimSpace(msg.Reasoning) != "" {
			content = msg.Reasoning
		}

		msgs[i] = model.Message{
			Role:       msg.Role,
			Content:    content, // Will be nil if empty, triggering omitempty
			ToolCalls:  msg.ToolCalls,
			ToolCallID: msg.ToolCallID,
			Name:       msg.Name,
			Reasoning:  msg.Reasoning, // Pass reasoning back to model for continuity
		}
	}
	return msgs
}

// GetLastN returns the last N messages
func (c *Conversation) GetLastN(n int) []Message {
	if n >= len(c.Messages) {
		return c.Messages
	}
	return c.Messages[len(c.Messages)-n:]
}

// Clear clears all messages
func (c *Conversation) Clear() {
	c.Messages = []Message{}
	c.TokenCount = 0
	c.CompactionCount = 0
}

// estimateTokens provides a rough token estimate
// In Phase 3, this will be replaced with accurate tiktoken counting
func estimateTokens(text string) int {
	// Rough estimate: ~4 characters per token
	return len(text) / 4
}

// estimateToolCallTokens estimates tokens for tool calls
func estimateToolCallTokens(toolCalls []model.ToolCall) int {
	total := 0
	for _, tc := range toolCalls {
		// Function name + arguments
		total += estimateTokens(tc.Function.Name)
		total += estimateTokens(tc.Function.Arguments)
		total += 10 // Overhead for structure
	}
	return total
}

// NeedsCompaction checks if compaction is needed
// Placeholder for Phase 3
func (c *Conversation) NeedsCompaction(maxTokens int, threshold float64) bool {
	return float64(c.TokenCount) >= float64(maxTokens)*threshold
}

// UpdateTokenCount recalculates token count
func (c *Conversation) UpdateTokenCount() {
	total := 0
	for i := range c.Messages {
		if c.Messages[i].Tokens == 0 {
			c.Messages[i].Tokens = estimateTokens(GetContentAsString(c.Messages[i].Content))
		}
		total += c.Messages[i].Tokens
	}
	c.TokenCount = total
}

// SeedMessage is the shape a session-seed file (external, consumed but not
// produced by the core) supplies per message. Session persistence itself is
// out of scope; this is only the seam the loop reads a seed through.
type SeedMessage struct {
	Role        string
	ContentText string
	ContentJSON string
	Reasoning   string
	Timestamp   time.Time
	IsSummary   bool
	IsTruncated bool
}

// SeedFrom replaces Messages with a seed sequence (e.g. loaded from
// sessions/<name>.json by the driver) instead of starting empty.
func (c *Conversation) SeedFrom(seed []SeedMessage) {
	c.Messages = make([]Message, len(seed))
	total := 0
	compactions := 0
	for i, m := range seed {
		content := MaterializeContent(m.ContentJSON, m.ContentText)
		tokens := estimateTokens(GetContentAsString(content)) + estimateTokens(m.Reasoning)
		c.Messages[i] = Message{
			Role:        m.Role,
			Content:     content,
			Timestamp:   m.Timestamp,
			Tokens:      tokens,
			IsSummary:   m.IsSummary,
			IsTruncated: m.IsTruncated,
			Reasoning:   m.Reasoning,
		}
		total += tokens
		if m.IsSummary {
			compactions++
		}
	}
	c.TokenCount = total
	c.CompactionCount = compactions
}

// MaterializeContent deserializes JSON content or returns fallback text.
// Used when restoring multimodal content from a session seed.
func MaterializeContent(contentJSON string, fallbackText string) any {
	if strings.TrimSpace(contentJSON) != "" {
		var parts []model.ContentPart
		if err := json.Unmarshal([]byte(contentJSON), &parts); err == nil {
			return parts
		}
	}
	return fallbackText
}
