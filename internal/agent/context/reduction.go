package context

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"

	"github.com/arclight/agentcore/pkg/models"
)

// ReductionFingerprintKey tags a summary message with a hash of the content
// it summarizes, making ApplyReduction idempotent: re-applying the same
// reduction against an already-reduced history (removedCount=0) is a no-op
// instead of inserting a duplicate summary.
const ReductionFingerprintKey = "reduction_fingerprint"

// ErrRemovedCountExceedsHistory is returned when removedCount reaches past
// the end of the non-system message history.
var ErrRemovedCountExceedsHistory = errors.New("context: removed_count exceeds available history")

// ReductionFingerprint derives a stable identity for a summary from its text
// content, used to detect a reduction that's already been applied.
func ReductionFingerprint(summary *models.ChatMessage) string {
	if summary == nil {
		return ""
	}
	h := sha256.New()
	for _, part := range summary.Content {
		h.Write([]byte(part.Text))
	}
	return hex.EncodeToString(h.Sum(nil))
}

// leadingSystemCount returns sys_count: the number of leading system-role
// messages the reduction algorithm leaves untouched.
func leadingSystemCount(messages []*models.ChatMessage) int {
	n := 0
	for _, m := range messages {
		if m == nil || m.Role != models.RoleSystem {
			break
		}
		n++
	}
	return n
}

// ApplyReduction performs the message-store reduction: messages[sys_count :
// sys_count+removedCount] is removed and replaced in place by summary.
// sys_count is the number of leading system messages, left untouched.
//
// Calling ApplyReduction a second time with the same summary and
// removedCount=0 against an already-reduced history is a no-op:
//
//	ApplyReduction(ApplyReduction(msgs, summary, n), summary, 0) == ApplyReduction(msgs, summary, n)
//
// This idempotency is detected via ReductionFingerprint rather than deep
// message comparison, since regenerated summary text for the same input can
// differ byte-for-byte across provider calls.
func ApplyReduction(messages []*models.ChatMessage, summary *models.ChatMessage, removedCount int) ([]*models.ChatMessage, error) {
	sysCount := leadingSystemCount(messages)
	if removedCount > len(messages)-sysCount {
		return nil, ErrRemovedCountExceedsHistory
	}
	if summary == nil {
		return messages, nil
	}

	fp := ReductionFingerprint(summary)
	if sysCount < len(messages) {
		if existing := messages[sysCount]; existing != nil && existing.Metadata != nil {
			if existingFP, ok := existing.Metadata[ReductionFingerprintKey]; ok && existingFP == fp {
				return messages, nil
			}
		}
	}

	tagged := *summary
	meta := make(map[string]any, len(summary.Metadata)+1)
	for k, v := range summary.Metadata {
		meta[k] = v
	}
	meta[ReductionFingerprintKey] = fp
	tagged.Metadata = meta

	out := make([]*models.ChatMessage, 0, len(messages)-removedCount+1)
	out = append(out, messages[:sysCount]...)
	out = append(out, &tagged)
	out = append(out, messages[sysCount+removedCount:]...)
	return out, nil
}

// charsPerToken is the same estimation ratio Packer.messageChars implies:
// token counts here are derived from character counts, not a real tokenizer.
const charsPerToken = 4

func estimateTokens(m *models.ChatMessage) int {
	if m == nil {
		return 0
	}
	chars := 0
	for _, part := range m.Content {
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
				if part.ToolResult.Error != nil {
					chars += len(part.ToolResult.Error.Message)
				}
			}
		}
	}
	return (chars + charsPerToken - 1) / charsPerToken
}

// TokenCounts reports the three token-count views the reduction algorithm
// is cache-aware over: the full history, everything since the last summary
// marker, and the leading system messages.
type TokenCounts struct {
	Total            int
	AfterLastSummary int
	System           int
}

// CountTokens computes TokenCounts over history.
func CountTokens(history []*models.ChatMessage) TokenCounts {
	var counts TokenCounts
	summary := FindLatestSummary(history)
	sinceSummary := MessagesSinceSummary(history, summary)
	sinceSet := make(map[*models.ChatMessage]bool, len(sinceSummary))
	for _, m := range sinceSummary {
		sinceSet[m] = true
	}
	sysCount := leadingSystemCount(history)
	for i, m := range history {
		tokens := estimateTokens(m)
		counts.Total += tokens
		if sinceSet[m] {
			counts.AfterLastSummary += tokens
		}
		if i < sysCount {
			counts.System += tokens
		}
	}
	return counts
}
