package agent

import "github.com/arclight/agentcore/pkg/models"

// repairTranscript drops orphaned tool results from history before it is
// packed for a model request. A tool result whose call ID wasn't declared by
// the immediately preceding assistant turn (e.g. after a truncated history
// window or a crash mid-turn) would otherwise produce a malformed transcript
// that providers reject.
func repairTranscript(history []*models.ChatMessage) []*models.ChatMessage {
	if len(history) == 0 {
		return history
	}

	pending := make(map[string]struct{})
	pendingOrder := make([]string, 0)
	repaired := make([]*models.ChatMessage, 0, len(history))

	clearPending := func() {
		for k := range pending {
			delete(pending, k)
		}
		pendingOrder = pendingOrder[:0]
	}

	for _, msg := range history {
		if msg == nil {
			continue
		}

		switch msg.Role {
		case models.RoleAssistant:
			clearPending()
			for _, call := range msg.ToolCalls() {
				if call.CallID == "" {
					continue
				}
				pending[call.CallID] = struct{}{}
				pendingOrder = append(pendingOrder, call.CallID)
			}
			repaired = append(repaired, msg)
		case models.RoleTool:
			fixed := make([]models.ContentPart, 0, len(msg.Content))
			for _, part := range msg.Content {
				if part.Type != models.ContentToolResult || part.ToolResult == nil {
					continue
				}
				result := *part.ToolResult
				if result.CallID == "" && len(pendingOrder) > 0 {
					result.CallID = pendingOrder[0]
				}
				if result.CallID == "" {
					continue
				}
				if _, ok := pending[result.CallID]; ok {
					delete(pending, result.CallID)
					pendingOrder = removeID(pendingOrder, result.CallID)
					fixed = append(fixed, models.ContentPart{Type: models.ContentToolResult, ToolResult: &result})
				}
			}
			if len(fixed) == 0 {
				continue
			}
			copied := *msg
			copied.Content = fixed
			repaired = append(repaired, &copied)
		default:
			repaired = append(repaired, msg)
		}
	}

	return repaired
}

func removeID(ids []string, target string) []string {
	for i, id := range ids {
		if id == target {
			copy(ids[i:], ids[i+1:])
			return ids[:len(ids)-1]
		}
	}
	return ids
}
