package context

import (
	"time"

	"github.com/arclight/agentcore/pkg/models"
)

// SummaryMetadataKey is the metadata key used to identify summary messages.
const SummaryMetadataKey = "agentcore_summary"

// SummaryVersionKey is the metadata key for summary version tracking.
const SummaryVersionKey = "summary_version"

// CoversUntilKey is the metadata key indicating which message ID the summary covers up to.
const CoversUntilKey = "covers_until"

// FindLatestSummary finds the most recent summary message in history.
// Returns nil if no summary exists.
func FindLatestSummary(history []*models.ChatMessage) *models.ChatMessage {
	for i := len(history) - 1; i >= 0; i-- {
		m := history[i]
		if m == nil || m.Metadata == nil {
			continue
		}
		if val, ok := m.Metadata[SummaryMetadataKey]; ok {
			if b, ok := val.(bool); ok && b {
				return m
			}
		}
	}
	return nil
}

// MessagesSinceSummary returns messages that came after the given summary.
// If summary is nil, returns all messages.
func MessagesSinceSummary(history []*models.ChatMessage, summary *models.ChatMessage) []*models.ChatMessage {
	if summary == nil {
		return history
	}

	summaryIdx := -1
	for i, m := range history {
		if m != nil && m.ID == summary.ID {
			summaryIdx = i
			break
		}
	}

	if summaryIdx < 0 {
		return history
	}

	if summaryIdx+1 >= len(history) {
		return nil
	}
	return history[summaryIdx+1:]
}

// NeedsSummarization checks if the history needs summarization based on thresholds.
func NeedsSummarization(history []*models.ChatMessage, summary *models.ChatMessage, maxMsgsBeforeSummary int) bool {
	messagesSince := MessagesSinceSummary(history, summary)
	return len(messagesSince) > maxMsgsBeforeSummary
}

// CreateSummaryMessage creates a new summary message with proper metadata.
func CreateSummaryMessage(summaryContent, coversUntilMsgID string) *models.ChatMessage {
	return &models.ChatMessage{
		Role:    models.RoleSystem,
		Content: []models.ContentPart{{Type: models.ContentText, Text: summaryContent}},
		Metadata: map[string]any{
			SummaryMetadataKey: true,
			SummaryVersionKey:  1,
			CoversUntilKey:     coversUntilMsgID,
		},
		CreatedAt: time.Now(),
	}
}

// GetMessagesToSummarize returns older messages that should be summarized.
// It keeps the most recent `keepRecent` messages and returns the rest for summarization.
func GetMessagesToSummarize(history []*models.ChatMessage, summary *models.ChatMessage, keepRecent int) []*models.ChatMessage {
	messages := MessagesSinceSummary(history, summary)

	filtered := make([]*models.ChatMessage, 0, len(messages))
	for _, m := range messages {
		if m == nil {
			continue
		}
		if m.Metadata != nil {
			if val, ok := m.Metadata[SummaryMetadataKey]; ok {
				if b, ok := val.(bool); ok && b {
					continue
				}
			}
		}
		filtered = append(filtered, m)
	}

	if len(filtered) <= keepRecent {
		return nil
	}
	return filtered[:len(filtered)-keepRecent]
}
