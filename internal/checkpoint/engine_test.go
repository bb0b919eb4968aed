package checkpoint

import (
	"context"
	"testing"

	"github.com/arclight/agentcore/pkg/models"
)

func newTestEngine() *Engine {
	return NewEngine(NewMemoryStore(), "test")
}

func commitRoot(t *testing.T, e *Engine, ctx context.Context, threadID string, msgIndex int) string {
	t.Helper()
	id, err := e.Commit(ctx, CommitInput{
		ThreadID:     threadID,
		Source:       models.CheckpointSourceRoot,
		MessageIndex: msgIndex,
		State: &models.StateSnapshot{
			SchemaVersion: models.CurrentSchemaVersion,
			Messages:      []*models.ChatMessage{{ID: "m0"}},
		},
	})
	if err != nil {
		t.Fatalf("commit root: %v", err)
	}
	return id
}

// TestEngine_RoundTrip covers testable property #3: restore(save(S,M)) == (S,M).
func TestEngine_RoundTrip(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine()

	state := &models.StateSnapshot{
		SchemaVersion: models.CurrentSchemaVersion,
		Messages:      []*models.ChatMessage{{ID: "m0"}, {ID: "m1"}},
		LoopState:     []byte(`{"iteration":2}`),
	}
	id, err := e.Commit(ctx, CommitInput{
		ThreadID:     "t1",
		Source:       models.CheckpointSourceIteration,
		MessageIndex: 2,
		State:        state,
	})
	if err != nil {
		t.Fatalf("commit: %v", err)
	}

	got, err := e.Load(ctx, "t1", id)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(got.Messages) != 2 || got.Messages[0].ID != "m0" || got.Messages[1].ID != "m1" {
		t.Fatalf("messages did not round-trip: %+v", got.Messages)
	}
	if string(got.LoopState) != `{"iteration":2}` {
		t.Fatalf("loop state did not round-trip: %s", got.LoopState)
	}
}

// TestEngine_ForkIsolation covers testable property #8 and scenario S5:
// after fork, writes on the new branch must not change other branches' heads.
func TestEngine_ForkIsolation(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine()

	threadID := "thread-s5"
	i0 := commitRoot(t, e, ctx, threadID, 0)
	i1, err := e.Commit(ctx, CommitInput{
		ThreadID:           threadID,
		ParentCheckpointID: i0,
		Source:             models.CheckpointSourceIteration,
		MessageIndex:       1,
		State:              &models.StateSnapshot{Messages: []*models.ChatMessage{{ID: "m0"}, {ID: "m1"}}},
	})
	if err != nil {
		t.Fatalf("commit i1: %v", err)
	}

	fork, err := e.Fork(ctx, threadID, i0, "alt", "")
	if err != nil {
		t.Fatalf("fork: %v", err)
	}
	if fork.BranchName != "alt" {
		t.Fatalf("unexpected branch name: %s", fork.BranchName)
	}

	// Main's previously-unnamed head should now be auto-labeled "main" and
	// still point at i1, untouched by the fork.
	mainHead, err := e.BranchHead(ctx, threadID, "main")
	if err != nil {
		t.Fatalf("main branch head: %v", err)
	}
	if mainHead.CheckpointID != i1 {
		t.Fatalf("main head changed by fork: got %s want %s", mainHead.CheckpointID, i1)
	}

	// Write on the new branch; main must remain unaffected.
	altWrite, err := e.Commit(ctx, CommitInput{
		ThreadID:           threadID,
		ParentCheckpointID: fork.CheckpointID,
		BranchName:         "alt",
		Source:             models.CheckpointSourceIteration,
		MessageIndex:       1,
		State:              &models.StateSnapshot{Messages: []*models.ChatMessage{{ID: "m0"}, {ID: "alt-only"}}},
	})
	if err != nil {
		t.Fatalf("commit on alt: %v", err)
	}

	altHead, err := e.BranchHead(ctx, threadID, "alt")
	if err != nil {
		t.Fatalf("alt branch head: %v", err)
	}
	if altHead.CheckpointID != altWrite {
		t.Fatalf("alt head not updated: got %s want %s", altHead.CheckpointID, altWrite)
	}

	mainHeadAfter, err := e.BranchHead(ctx, threadID, "main")
	if err != nil {
		t.Fatalf("main branch head after alt write: %v", err)
	}
	if mainHeadAfter.CheckpointID != i1 {
		t.Fatalf("main head mutated by write on alt branch: got %s want %s", mainHeadAfter.CheckpointID, i1)
	}

	mainState, err := e.Load(ctx, threadID, i1)
	if err != nil {
		t.Fatalf("load main state: %v", err)
	}
	for _, m := range mainState.Messages {
		if m.ID == "alt-only" {
			t.Fatalf("alt-only message leaked into main branch state")
		}
	}
}

func TestEngine_Switch(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine()
	threadID := "thread-switch"

	i0 := commitRoot(t, e, ctx, threadID, 0)
	fork, err := e.Fork(ctx, threadID, i0, "alt", "")
	if err != nil {
		t.Fatalf("fork: %v", err)
	}

	state, head, err := e.Switch(ctx, threadID, "alt")
	if err != nil {
		t.Fatalf("switch: %v", err)
	}
	if head.CheckpointID != fork.CheckpointID {
		t.Fatalf("switch returned wrong head: %s want %s", head.CheckpointID, fork.CheckpointID)
	}
	if state == nil {
		t.Fatalf("switch returned nil state")
	}

	if _, _, err := e.Switch(ctx, threadID, "does-not-exist"); err != ErrBranchNotFound {
		t.Fatalf("expected ErrBranchNotFound, got %v", err)
	}
}

func TestEngine_Copy(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine()
	threadID := "thread-copy"
	i0 := commitRoot(t, e, ctx, threadID, 0)

	result, err := e.Copy(ctx, threadID, i0)
	if err != nil {
		t.Fatalf("copy: %v", err)
	}
	if result.NewThreadID == "" || result.NewThreadID == threadID {
		t.Fatalf("copy did not produce a distinct thread id")
	}

	entry, err := e.store.ManifestEntry(ctx, result.NewThreadID, result.CheckpointID)
	if err != nil {
		t.Fatalf("manifest entry for copy: %v", err)
	}
	if entry.Source != models.CheckpointSourceCopy {
		t.Fatalf("expected Copy source, got %s", entry.Source)
	}
	if entry.ParentThreadID != threadID {
		t.Fatalf("expected parent thread lineage %s, got %s", threadID, entry.ParentThreadID)
	}
}

func TestEngine_DeleteAndPrune(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine()
	threadID := "thread-delete"

	i0 := commitRoot(t, e, ctx, threadID, 0)
	fork, err := e.Fork(ctx, threadID, i0, "alt", "")
	if err != nil {
		t.Fatalf("fork: %v", err)
	}
	altTip, err := e.Commit(ctx, CommitInput{
		ThreadID:           threadID,
		ParentCheckpointID: fork.CheckpointID,
		BranchName:         "alt",
		Source:             models.CheckpointSourceIteration,
		MessageIndex:       1,
		State:              &models.StateSnapshot{},
	})
	if err != nil {
		t.Fatalf("commit on alt: %v", err)
	}

	if err := e.Delete(ctx, threadID, "alt", true); err != nil {
		t.Fatalf("delete: %v", err)
	}

	if _, err := e.BranchHead(ctx, threadID, "alt"); err != ErrBranchNotFound {
		t.Fatalf("expected branch gone, got %v", err)
	}
	if _, err := e.store.ManifestEntry(ctx, threadID, altTip); err != ErrCheckpointNotFound {
		t.Fatalf("expected pruned checkpoint to be gone, got %v", err)
	}
	// main's lineage must survive the prune.
	if _, err := e.store.ManifestEntry(ctx, threadID, i0); err != nil {
		t.Fatalf("expected root checkpoint to survive prune: %v", err)
	}
}
