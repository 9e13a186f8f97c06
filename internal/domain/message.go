package domain

import (
	"encoding/json"
	"strings"
)

// MessageRole represents the sender of a message
type MessageRole string

const (
	RoleUser      MessageRole = "user"
	RoleAssistant MessageRole = "assistant"
	RoleSystem    MessageRole = "system"
	RoleTool      MessageRole = "tool"
)

// PartType identifies the kind of content carried by a ContentPart
type PartType string

const (
	PartText  PartType = "text"
	PartImage PartType = "image"
	PartAudio PartType = "audio"
)

// ContentPart is one element of a multimodal message
type ContentPart struct {
	Type     PartType `json:"type"`
	Text     string   `json:"text,omitempty"`
	URL      string   `json:"url,omitempty"`
	MIMEType string   `json:"mime_type,omitempty"`
	Data     []byte   `json:"data,omitempty"`
}

// ToolCall is a function invocation requested by a model
type ToolCall struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

// Message is a single chat turn. Content holds plain text; Parts is used
// instead when the turn carries attachments.
type Message struct {
	Role       MessageRole   `json:"role"`
	Content    string        `json:"content,omitempty"`
	Parts      []ContentPart `json:"parts,omitempty"`
	ToolCallID string        `json:"tool_call_id,omitempty"`
	Name       string        `json:"name,omitempty"`
	ToolCalls  []ToolCall    `json:"tool_calls,omitempty"`
	// IsError marks a tool result that reports a failed execution
	IsError bool `json:"is_error,omitempty"`
}

// Text returns the textual content of the message, joining text parts
func (m Message) Text() string {
	if len(m.Parts) == 0 {
		return m.Content
	}
	var b strings.Builder
	for _, p := range m.Parts {
		if p.Type != PartText || p.Text == "" {
			continue
		}
		if b.Len() > 0 {
			b.WriteString("\n")
		}
		b.WriteString(p.Text)
	}
	return b.String()
}

// Attachment is binary or remote media supplied with a user turn
type Attachment struct {
	URL      string `json:"url,omitempty"`
	MIMEType string `json:"mime_type,omitempty"`
	Data     []byte `json:"data,omitempty"`
}

// IsEmpty reports whether the attachment carries nothing
func (a *Attachment) IsEmpty() bool {
	return a == nil || (a.URL == "" && len(a.Data) == 0)
}

// ToolDefinition describes a tool offered to the model
type ToolDefinition struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

// MediaType distinguishes generated media kinds
type MediaType string

const (
	MediaImage MediaType = "image"
	MediaVideo MediaType = "video"
)

// MediaRef references media produced by a generation tool or model
type MediaRef struct {
	Type   MediaType `json:"type"`
	URL    string    `json:"url"`
	Prompt string    `json:"prompt,omitempty"`
}

// SearchResult is one web search hit
type SearchResult struct {
	Title   string `json:"title"`
	URL     string `json:"url"`
	Snippet string `json:"snippet,omitempty"`
}

// TokenUsage accumulates token counts reported by a backend
type TokenUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Add sums other into u
func (u *TokenUsage) Add(other TokenUsage) {
	u.PromptTokens += other.PromptTokens
	u.CompletionTokens += other.CompletionTokens
	if other.TotalTokens == 0 {
		other.TotalTokens = other.PromptTokens + other.CompletionTokens
	}
	u.TotalTokens += other.TotalTokens
}

// CloneMessages returns a copy of msgs so callers can append without
// aliasing the owner's backing array
func CloneMessages(msgs []Message) []Message {
	if msgs == nil {
		return nil
	}
	out := make([]Message, len(msgs))
	copy(out, msgs)
	return out
}
