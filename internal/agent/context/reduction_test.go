package context

import (
	"testing"

	"github.com/arclight/agentcore/pkg/models"
)

func textMsg(role models.Role, text string) *models.ChatMessage {
	return &models.ChatMessage{
		ID:      text,
		Role:    role,
		Content: []models.ContentPart{{Type: models.ContentText, Text: text}},
	}
}

func TestApplyReduction_RemovesPrefixAfterSystem(t *testing.T) {
	history := []*models.ChatMessage{
		textMsg(models.RoleSystem, "sys"),
		textMsg(models.RoleUser, "u1"),
		textMsg(models.RoleAssistant, "a1"),
		textMsg(models.RoleUser, "u2"),
	}
	summary := CreateSummaryMessage("summary of u1/a1", "a1")

	out, err := ApplyReduction(history, summary, 2)
	if err != nil {
		t.Fatalf("ApplyReduction: %v", err)
	}
	if len(out) != 3 {
		t.Fatalf("expected 3 messages (sys, summary, u2), got %d", len(out))
	}
	if out[0].Role != models.RoleSystem {
		t.Fatalf("expected leading system message preserved")
	}
	if out[1].ID != summary.ID {
		t.Fatalf("expected summary inserted at sys_count")
	}
	if out[2].ID != "u2" {
		t.Fatalf("expected trailing message u2 preserved, got %s", out[2].ID)
	}
}

func TestApplyReduction_RemovedCountExceedsHistory(t *testing.T) {
	history := []*models.ChatMessage{
		textMsg(models.RoleSystem, "sys"),
		textMsg(models.RoleUser, "u1"),
	}
	summary := CreateSummaryMessage("s", "u1")
	if _, err := ApplyReduction(history, summary, 5); err != ErrRemovedCountExceedsHistory {
		t.Fatalf("expected ErrRemovedCountExceedsHistory, got %v", err)
	}
}

// TestApplyReduction_IdempotentByFingerprint covers testable property #4:
// apply_reduction(apply_reduction(msgs, summary, n), summary, 0) == apply_reduction(msgs, summary, n).
func TestApplyReduction_IdempotentByFingerprint(t *testing.T) {
	history := []*models.ChatMessage{
		textMsg(models.RoleSystem, "sys"),
		textMsg(models.RoleUser, "u1"),
		textMsg(models.RoleAssistant, "a1"),
		textMsg(models.RoleUser, "u2"),
	}
	summary := CreateSummaryMessage("summary text", "a1")

	once, err := ApplyReduction(history, summary, 2)
	if err != nil {
		t.Fatalf("first ApplyReduction: %v", err)
	}

	twice, err := ApplyReduction(once, summary, 0)
	if err != nil {
		t.Fatalf("second ApplyReduction: %v", err)
	}

	if len(once) != len(twice) {
		t.Fatalf("idempotency violated: len %d != %d", len(once), len(twice))
	}
	for i := range once {
		if once[i].ID != twice[i].ID {
			t.Fatalf("idempotency violated at index %d: %s != %s", i, once[i].ID, twice[i].ID)
		}
	}
}

func TestCountTokens_Views(t *testing.T) {
	history := []*models.ChatMessage{
		textMsg(models.RoleSystem, "system prompt text"),
		textMsg(models.RoleUser, "hello"),
	}
	summary := CreateSummaryMessage("a summary", "hello")
	reduced, err := ApplyReduction(append(history, textMsg(models.RoleUser, "world")), summary, 2)
	if err != nil {
		t.Fatalf("ApplyReduction: %v", err)
	}

	counts := CountTokens(reduced)
	if counts.Total == 0 {
		t.Fatalf("expected nonzero total tokens")
	}
	if counts.System == 0 {
		t.Fatalf("expected nonzero system tokens")
	}
	if counts.AfterLastSummary == 0 {
		t.Fatalf("expected nonzero tokens after last summary")
	}
	if counts.AfterLastSummary >= counts.Total {
		t.Fatalf("after-last-summary view should exclude the system prefix: got %d total %d", counts.AfterLastSummary, counts.Total)
	}
}
