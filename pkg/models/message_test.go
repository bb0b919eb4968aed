package models

import (
	"testing"
)

func TestChatMessage_Text(t *testing.T) {
	msg := &ChatMessage{
		Role: RoleAssistant,
		Content: []ContentPart{
			{Type: ContentText, Text: "hello "},
			{Type: ContentReasoning, Text: "thinking..."},
			{Type: ContentText, Text: "world"},
		},
	}

	if got, want := msg.Text(), "hello world"; got != want {
		t.Errorf("Text() = %q, want %q", got, want)
	}
}

func TestChatMessage_ToolCalls(t *testing.T) {
	msg := &ChatMessage{
		Role: RoleAssistant,
		Content: []ContentPart{
			{Type: ContentText, Text: "let me check"},
			{Type: ContentToolCall, ToolCall: &ToolCall{CallID: "c1", Name: "add"}},
			{Type: ContentToolCall, ToolCall: &ToolCall{CallID: "c2", Name: "mul"}},
		},
	}

	calls := msg.ToolCalls()
	if len(calls) != 2 {
		t.Fatalf("ToolCalls() returned %d calls, want 2", len(calls))
	}
	if calls[0].CallID != "c1" || calls[1].CallID != "c2" {
		t.Errorf("ToolCalls() order = %+v, want [c1 c2]", calls)
	}
}

func TestNewTextMessage(t *testing.T) {
	msg := NewTextMessage(RoleUser, "2+3?")
	if msg.Role != RoleUser {
		t.Errorf("Role = %v, want %v", msg.Role, RoleUser)
	}
	if msg.Text() != "2+3?" {
		t.Errorf("Text() = %q, want %q", msg.Text(), "2+3?")
	}
	if msg.CreatedAt.IsZero() {
		t.Error("CreatedAt should be set")
	}
}

func TestToolResult_IsError(t *testing.T) {
	ok := &ToolResult{CallID: "c1", Value: []byte(`5`)}
	if ok.IsError() {
		t.Error("IsError() = true for a successful result")
	}

	failed := &ToolResult{CallID: "c2", Error: &ToolResultError{Kind: "timeout", Message: "tool timed out"}}
	if !failed.IsError() {
		t.Error("IsError() = false for a failed result")
	}
}
