package context

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/arclight/agentcore/pkg/models"
)

func TestPruneContextMessages_SoftTrimOnly(t *testing.T) {
	settings := DefaultContextPruningSettings()
	settings.KeepLastAssistants = 1
	settings.SoftTrimRatio = 0.01
	settings.HardClearRatio = 0.9
	settings.MinPrunableToolChars = 1
	settings.SoftTrim.MaxChars = 50
	settings.SoftTrim.HeadChars = 10
	settings.SoftTrim.TailChars = 10
	settings.HardClear.Enabled = true

	history := []*models.ChatMessage{
		newMessage(models.RoleUser, "hello"),
		assistantToolCall("tc-1", "fetch"),
		toolResult("tc-1", strings.Repeat("a", 200)),
		newMessage(models.RoleAssistant, "done"),
	}

	out := PruneContextMessages(history, settings, 1000)
	got := string(out[2].Content[0].ToolResult.Value)
	if got == strings.Repeat("a", 200) {
		t.Fatalf("expected tool result to be trimmed")
	}
	if !strings.Contains(got, "Tool result trimmed") {
		t.Fatalf("expected trim note, got %q", got)
	}
	if got == settings.HardClear.Placeholder {
		t.Fatalf("unexpected hard clear placeholder")
	}
}

func TestPruneContextMessages_HardClear(t *testing.T) {
	settings := DefaultContextPruningSettings()
	settings.KeepLastAssistants = 1
	settings.SoftTrimRatio = 0.01
	settings.HardClearRatio = 0.2
	settings.MinPrunableToolChars = 1
	settings.SoftTrim.MaxChars = 50
	settings.SoftTrim.HeadChars = 10
	settings.SoftTrim.TailChars = 10
	settings.HardClear.Enabled = true

	history := []*models.ChatMessage{
		newMessage(models.RoleUser, "hello"),
		assistantToolCall("tc-1", "fetch"),
		toolResult("tc-1", strings.Repeat("b", 200)),
		newMessage(models.RoleAssistant, "done"),
	}

	out := PruneContextMessages(history, settings, 100)
	got := string(out[2].Content[0].ToolResult.Value)
	if got != settings.HardClear.Placeholder {
		t.Fatalf("expected hard clear placeholder, got %q", got)
	}
}

func TestPruneContextMessages_AllowDeny(t *testing.T) {
	settings := DefaultContextPruningSettings()
	settings.KeepLastAssistants = 1
	settings.SoftTrimRatio = 0.01
	settings.HardClear.Enabled = false
	settings.SoftTrim.MaxChars = 10
	settings.SoftTrim.HeadChars = 4
	settings.SoftTrim.TailChars = 4
	settings.Tools.Allow = []string{"fetch*"}
	settings.Tools.Deny = []string{"fetch_secret"}

	history := []*models.ChatMessage{
		newMessage(models.RoleUser, "hello"),
		assistantToolCall("tc-1", "fetch_public", "tc-2", "fetch_secret"),
		toolResults(
			toolResultPart("tc-1", strings.Repeat("p", 40)),
			toolResultPart("tc-2", strings.Repeat("s", 40)),
		),
		newMessage(models.RoleAssistant, "done"),
	}

	out := PruneContextMessages(history, settings, 1000)
	publicResult := string(out[2].Content[0].ToolResult.Value)
	secretResult := string(out[2].Content[1].ToolResult.Value)

	if publicResult == strings.Repeat("p", 40) {
		t.Fatalf("expected public tool result to be trimmed")
	}
	if !strings.Contains(publicResult, "Tool result trimmed") {
		t.Fatalf("expected trim note for public tool result")
	}
	if secretResult != strings.Repeat("s", 40) {
		t.Fatalf("expected secret tool result to remain unchanged")
	}
}

func TestPruneContextMessages_UnknownToolNameDefaultAllowed(t *testing.T) {
	settings := DefaultContextPruningSettings()
	settings.KeepLastAssistants = 1
	settings.SoftTrimRatio = 0.01
	settings.HardClear.Enabled = false
	settings.SoftTrim.MaxChars = 10
	settings.SoftTrim.HeadChars = 4
	settings.SoftTrim.TailChars = 4

	history := []*models.ChatMessage{
		newMessage(models.RoleUser, "hello"),
		toolResult("missing", strings.Repeat("x", 40)),
		newMessage(models.RoleAssistant, "done"),
	}

	out := PruneContextMessages(history, settings, 1000)
	got := string(out[1].Content[0].ToolResult.Value)
	if got == strings.Repeat("x", 40) {
		t.Fatalf("expected tool result to be trimmed even without tool name")
	}
}

func newMessage(role models.Role, text string) *models.ChatMessage {
	return &models.ChatMessage{
		Role:    role,
		Content: []models.ContentPart{{Type: models.ContentText, Text: text}},
	}
}

func assistantToolCall(id, name string, rest ...string) *models.ChatMessage {
	calls := []models.ToolCall{{CallID: id, Name: name}}
	for i := 0; i+1 < len(rest); i += 2 {
		calls = append(calls, models.ToolCall{CallID: rest[i], Name: rest[i+1]})
	}
	parts := make([]models.ContentPart, len(calls))
	for i, call := range calls {
		c := call
		parts[i] = models.ContentPart{Type: models.ContentToolCall, ToolCall: &c}
	}
	return &models.ChatMessage{
		Role:    models.RoleAssistant,
		Content: parts,
	}
}

func toolResultPart(id, content string) models.ContentPart {
	return models.ContentPart{
		Type:       models.ContentToolResult,
		ToolResult: &models.ToolResult{CallID: id, Value: json.RawMessage(content)},
	}
}

func toolResult(id, content string) *models.ChatMessage {
	return toolResults(toolResultPart(id, content))
}

func toolResults(parts ...models.ContentPart) *models.ChatMessage {
	return &models.ChatMessage{
		Role:    models.RoleTool,
		Content: parts,
	}
}
