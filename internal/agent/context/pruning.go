package context

import (
	"strconv"
	"strings"
	"time"

	"github.com/arclight/agentcore/pkg/models"
)

// ContextPruningMode controls when pruning runs.
type ContextPruningMode string

const (
	// ContextPruningOff disables pruning.
	ContextPruningOff ContextPruningMode = "off"
	// ContextPruningCacheTTL prunes when cached tool results are stale.
	ContextPruningCacheTTL ContextPruningMode = "cache-ttl"
)

// ContextPruningToolMatch controls which tool results are prunable.
type ContextPruningToolMatch struct {
	Allow []string
	Deny  []string
}

// ContextPruningSoftTrim configures soft trimming.
type ContextPruningSoftTrim struct {
	MaxChars  int
	HeadChars int
	TailChars int
}

// ContextPruningHardClear configures hard clearing.
type ContextPruningHardClear struct {
	Enabled     bool
	Placeholder string
}

// ContextPruningSettings controls in-memory tool result pruning.
type ContextPruningSettings struct {
	Mode                 ContextPruningMode
	TTL                  time.Duration
	KeepLastAssistants   int
	SoftTrimRatio        float64
	HardClearRatio       float64
	MinPrunableToolChars int
	Tools                ContextPruningToolMatch
	SoftTrim             ContextPruningSoftTrim
	HardClear            ContextPruningHardClear
}

// DefaultContextPruningSettings returns sane defaults for in-memory pruning.
func DefaultContextPruningSettings() ContextPruningSettings {
	return ContextPruningSettings{
		Mode:                 ContextPruningCacheTTL,
		TTL:                  5 * time.Minute,
		KeepLastAssistants:   3,
		SoftTrimRatio:        0.3,
		HardClearRatio:       0.5,
		MinPrunableToolChars: 50000,
		Tools:                ContextPruningToolMatch{},
		SoftTrim: ContextPruningSoftTrim{
			MaxChars:  4000,
			HeadChars: 1500,
			TailChars: 1500,
		},
		HardClear: ContextPruningHardClear{
			Enabled:     true,
			Placeholder: "[Old tool result content cleared]",
		},
	}
}

// toolResultRef locates one tool-result content part within a message.
type toolResultRef struct {
	msgIndex  int
	partIndex int
}

// PruneContextMessages trims or clears old tool results from history.
// Returns the original slice if no changes are required.
func PruneContextMessages(messages []*models.ChatMessage, settings ContextPruningSettings, charWindow int) []*models.ChatMessage {
	if settings.Mode == ContextPruningOff || len(messages) == 0 || charWindow <= 0 {
		return messages
	}

	cutoffIndex, ok := findAssistantCutoffIndex(messages, settings.KeepLastAssistants)
	if !ok {
		return messages
	}

	firstUser := findFirstUserIndex(messages)
	pruneStart := len(messages)
	if firstUser >= 0 {
		pruneStart = firstUser
	}
	if pruneStart >= cutoffIndex {
		return messages
	}

	totalChars := estimateContextChars(messages)
	if float64(totalChars)/float64(charWindow) < settings.SoftTrimRatio {
		return messages
	}

	toolNames := buildToolCallNameMap(messages)
	isToolPrunable := makeToolPrunablePredicate(settings.Tools)

	var prunable []toolResultRef
	var next []*models.ChatMessage

	for i := pruneStart; i < cutoffIndex; i++ {
		msg := currentMessage(messages, next, i)
		if msg == nil {
			continue
		}
		for j, part := range msg.Content {
			if part.Type != models.ContentToolResult || part.ToolResult == nil {
				continue
			}
			toolName := toolNames[part.ToolResult.CallID]
			if !isToolPrunable(toolName) {
				continue
			}
			prunable = append(prunable, toolResultRef{msgIndex: i, partIndex: j})

			trimmed, changed := softTrimToolResult(string(part.ToolResult.Value), settings)
			if !changed {
				continue
			}

			before := estimateMessageChars(msg)
			updated := copyMessageWithContent(msg)
			updated.Content[j] = setToolResultValue(updated.Content[j], trimmed)
			after := estimateMessageChars(updated)
			totalChars += after - before
			next = ensureMessage(next, messages, i, updated)
			msg = updated
		}
	}

	output := messages
	if next != nil {
		output = next
	}

	if float64(totalChars)/float64(charWindow) < settings.HardClearRatio || !settings.HardClear.Enabled {
		return output
	}

	prunableChars := 0
	for _, ref := range prunable {
		msg := currentMessage(messages, next, ref.msgIndex)
		if msg == nil || ref.partIndex >= len(msg.Content) || msg.Content[ref.partIndex].ToolResult == nil {
			continue
		}
		prunableChars += len(msg.Content[ref.partIndex].ToolResult.Value)
	}
	if prunableChars < settings.MinPrunableToolChars {
		return output
	}

	ratio := float64(totalChars) / float64(charWindow)
	for _, ref := range prunable {
		if ratio < settings.HardClearRatio {
			break
		}
		msg := currentMessage(messages, next, ref.msgIndex)
		if msg == nil || ref.partIndex >= len(msg.Content) || msg.Content[ref.partIndex].ToolResult == nil {
			continue
		}

		before := estimateMessageChars(msg)
		updated := copyMessageWithContent(msg)
		updated.Content[ref.partIndex] = setToolResultValue(updated.Content[ref.partIndex], settings.HardClear.Placeholder)
		after := estimateMessageChars(updated)
		totalChars += after - before
		ratio = float64(totalChars) / float64(charWindow)
		next = ensureMessage(next, messages, ref.msgIndex, updated)
	}

	if next != nil {
		return next
	}
	return messages
}

func setToolResultValue(part models.ContentPart, value string) models.ContentPart {
	result := *part.ToolResult
	result.Value = []byte(value)
	part.ToolResult = &result
	return part
}

func findAssistantCutoffIndex(messages []*models.ChatMessage, keepLastAssistants int) (int, bool) {
	if keepLastAssistants <= 0 {
		return len(messages), true
	}
	remaining := keepLastAssistants
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i] != nil && messages[i].Role == models.RoleAssistant {
			remaining--
			if remaining == 0 {
				return i, true
			}
		}
	}
	return 0, false
}

func findFirstUserIndex(messages []*models.ChatMessage) int {
	for i, msg := range messages {
		if msg != nil && msg.Role == models.RoleUser {
			return i
		}
	}
	return -1
}

func softTrimToolResult(content string, settings ContextPruningSettings) (string, bool) {
	rawLen := len(content)
	if rawLen <= settings.SoftTrim.MaxChars {
		return content, false
	}
	headChars := maxInt(settings.SoftTrim.HeadChars, 0)
	tailChars := maxInt(settings.SoftTrim.TailChars, 0)
	if headChars+tailChars >= rawLen {
		return content, false
	}
	head := content
	if headChars < len(head) {
		head = head[:headChars]
	}
	tail := content
	if tailChars < len(tail) {
		tail = tail[len(tail)-tailChars:]
	}

	trimmed := head + "\n...\n" + tail
	note := "\n\n[Tool result trimmed: kept first " + strconv.Itoa(headChars) + " chars and last " + strconv.Itoa(tailChars) + " chars of " + strconv.Itoa(rawLen) + " chars.]"
	return trimmed + note, true
}

func makeToolPrunablePredicate(match ContextPruningToolMatch) func(string) bool {
	deny := normalizePatterns(match.Deny)
	allow := normalizePatterns(match.Allow)
	return func(toolName string) bool {
		normalized := strings.ToLower(strings.TrimSpace(toolName))
		if normalized == "" {
			return false
		}
		if matchesAny(normalized, deny) {
			return false
		}
		if len(allow) == 0 {
			return true
		}
		return matchesAny(normalized, allow)
	}
}

func normalizePatterns(patterns []string) []string {
	out := make([]string, 0, len(patterns))
	for _, p := range patterns {
		value := strings.ToLower(strings.TrimSpace(p))
		if value == "" {
			continue
		}
		out = append(out, value)
	}
	return out
}

func matchesAny(name string, patterns []string) bool {
	for _, p := range patterns {
		if wildcardMatch(p, name) {
			return true
		}
	}
	return false
}

func wildcardMatch(pattern, value string) bool {
	if pattern == "*" {
		return true
	}
	if !strings.Contains(pattern, "*") {
		return pattern == value
	}
	parts := strings.Split(pattern, "*")
	idx := 0
	if len(parts) == 0 {
		return false
	}
	if parts[0] != "" {
		if !strings.HasPrefix(value, parts[0]) {
			return false
		}
		idx = len(parts[0])
	}
	for i := 1; i < len(parts)-1; i++ {
		part := parts[i]
		if part == "" {
			continue
		}
		pos := strings.Index(value[idx:], part)
		if pos < 0 {
			return false
		}
		idx += pos + len(part)
	}
	last := parts[len(parts)-1]
	if last != "" && !strings.HasSuffix(value, last) {
		return false
	}
	return true
}

// buildToolCallNameMap maps a tool call's ID to its invoked name, so pruning
// can match results against allow/deny tool-name patterns.
func buildToolCallNameMap(messages []*models.ChatMessage) map[string]string {
	names := make(map[string]string)
	for _, msg := range messages {
		if msg == nil {
			continue
		}
		for _, part := range msg.Content {
			if part.Type != models.ContentToolCall || part.ToolCall == nil {
				continue
			}
			if part.ToolCall.CallID == "" || part.ToolCall.Name == "" {
				continue
			}
			names[part.ToolCall.CallID] = part.ToolCall.Name
		}
	}
	return names
}

func estimateContextChars(messages []*models.ChatMessage) int {
	total := 0
	for _, msg := range messages {
		total += estimateMessageChars(msg)
	}
	return total
}

func estimateMessageChars(msg *models.ChatMessage) int {
	if msg == nil {
		return 0
	}
	chars := 0
	for _, part := range msg.Content {
		switch part.Type {
		case models.ContentText, models.ContentReasoning:
			chars += len(part.Text)
		case models.ContentToolCall:
			if part.ToolCall != nil {
				chars += len(part.ToolCall.Name) + len(part.ToolCall.Args)
			}
		case models.ContentToolResult:
			if part.ToolResult != nil {
				chars += len(part.ToolResult.Value)
			}
		}
	}
	return chars
}

func currentMessage(messages []*models.ChatMessage, next []*models.ChatMessage, index int) *models.ChatMessage {
	if next != nil {
		return next[index]
	}
	return messages[index]
}

func ensureMessage(next []*models.ChatMessage, messages []*models.ChatMessage, index int, updated *models.ChatMessage) []*models.ChatMessage {
	if next == nil {
		next = make([]*models.ChatMessage, len(messages))
		copy(next, messages)
	}
	next[index] = updated
	return next
}

func copyMessageWithContent(msg *models.ChatMessage) *models.ChatMessage {
	if msg == nil {
		return nil
	}
	clone := *msg
	clone.Content = append([]models.ContentPart(nil), msg.Content...)
	return &clone
}

func maxInt(value, min int) int {
	if value < min {
		return min
	}
	return value
}
