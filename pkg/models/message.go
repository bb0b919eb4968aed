package models

import (
	"encoding/json"
	"time"
)

// Role indicates the author of a ChatMessage.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// ContentPartType discriminates the kind of content carried by a ContentPart.
type ContentPartType string

const (
	ContentText       ContentPartType = "text"
	ContentReasoning  ContentPartType = "reasoning"
	ContentToolCall   ContentPartType = "tool_call"
	ContentToolResult ContentPartType = "tool_result"
	ContentAttachment ContentPartType = "attachment"
)

// ContentPart is one piece of a ChatMessage. Exactly the fields matching
// Type are populated.
type ContentPart struct {
	Type ContentPartType `json:"type"`

	Text       string      `json:"text,omitempty"`
	ToolCall   *ToolCall   `json:"tool_call,omitempty"`
	ToolResult *ToolResult `json:"tool_result,omitempty"`
	Attachment *Attachment `json:"attachment,omitempty"`
}

// ChatMessage is one entry in a thread's message log. Immutable once
// appended; history reduction replaces a contiguous prefix wholesale
// rather than mutating individual messages.
type ChatMessage struct {
	ID       string         `json:"id"`
	Role     Role           `json:"role"`
	Content  []ContentPart  `json:"content"`
	Metadata map[string]any `json:"metadata,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

// Text concatenates every text content part.
func (m *ChatMessage) Text() string {
	var out string
	for _, p := range m.Content {
		if p.Type == ContentText {
			out += p.Text
		}
	}
	return out
}

// ToolCalls returns every tool-call content part in order.
func (m *ChatMessage) ToolCalls() []ToolCall {
	var calls []ToolCall
	for _, p := range m.Content {
		if p.Type == ContentToolCall && p.ToolCall != nil {
			calls = append(calls, *p.ToolCall)
		}
	}
	return calls
}

// NewTextMessage builds a single-part text message.
func NewTextMessage(role Role, text string) *ChatMessage {
	return &ChatMessage{
		Role:      role,
		Content:   []ContentPart{{Type: ContentText, Text: text}},
		CreatedAt: time.Now(),
	}
}

// Attachment references a file or media item attached to a message.
type Attachment struct {
	ID       string `json:"id"`
	MimeType string `json:"mime_type,omitempty"`
	URL      string `json:"url,omitempty"`
	Filename string `json:"filename,omitempty"`
	Size     int64  `json:"size,omitempty"`
}

// ToolCall represents the model's request to execute a tool. CallID is
// generated by the model and is unique within an iteration.
type ToolCall struct {
	CallID string          `json:"call_id"`
	Name   string          `json:"name"`
	Args   json.RawMessage `json:"args"`
}

// ToolResultError describes a failed tool invocation.
type ToolResultError struct {
	Kind    string          `json:"kind"`
	Message string          `json:"message"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// ToolResult is the outcome of one ToolCall. Exactly one of Value/Error is
// set.
type ToolResult struct {
	CallID   string           `json:"call_id"`
	Value    json.RawMessage  `json:"value,omitempty"`
	Error    *ToolResultError `json:"error,omitempty"`
	Duration time.Duration    `json:"duration,omitempty"`
}

// IsError reports whether this result represents a tool failure.
func (r *ToolResult) IsError() bool {
	return r != nil && r.Error != nil
}

// ToolDescriptor is the consumed (not owned) shape of a callable tool, as
// registered with the ToolRegistry. The engine never defines tool schemas
// itself; it only reads them.
type ToolDescriptor struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	ParamSchema json.RawMessage `json:"param_schema,omitempty"`

	RequiresPermission bool `json:"requires_permission,omitempty"`

	// ContainerOnly tools cannot be invoked with arguments; invoking with no
	// arguments "opens" the container, revealing Members on the next
	// iteration. See package scoping.
	ContainerOnly bool     `json:"container_only,omitempty"`
	Members       []string `json:"members,omitempty"`

	// VisibilityPredicate, when non-nil, is evaluated against a context map
	// to decide whether this tool is currently offered to the model.
	VisibilityPredicate func(ctx map[string]any) bool `json:"-"`
}

// Session identifies a conversation thread's durable identity.
type Session struct {
	ID          string         `json:"id"`
	DisplayName string         `json:"display_name,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
}
