package agent

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/arclight/agentcore/internal/checkpoint"
	"github.com/arclight/agentcore/pkg/models"
)

// Thread is the external facade the spec's §6 "Exposed" surface describes:
// it wraps a Kernel (the iteration algorithm) and a checkpoint.Engine (the
// branch DAG) so a caller only ever deals in thread-ids, branch names, and
// checkpoint-ids, never in raw AgentLoopState.
type Thread struct {
	kernel *Kernel
	engine *checkpoint.Engine

	id          string
	displayName string
	schedule    models.CommitSchedule
}

// NewThread builds a Thread over baseKernel (whose Coordinator/Backend/
// Registry/Pipeline are shared across threads) and engine (the checkpoint
// store). A shallow copy of baseKernel is made per-thread so ThreadID,
// Checkpointer, and PendingWrites can be set without racing other threads
// sharing the same baseKernel.
func NewThread(baseKernel *Kernel, engine *checkpoint.Engine, threadID, displayName string, schedule models.CommitSchedule) *Thread {
	k := *baseKernel
	k.ThreadID = threadID

	t := &Thread{kernel: &k, engine: engine, id: threadID, displayName: displayName, schedule: schedule}

	switch schedule {
	case models.CommitPerIteration, models.CommitFullHistory:
		k.Config.CheckpointEvery = 1
	default:
		k.Config.CheckpointEvery = 0
	}
	k.Checkpointer = t
	k.PendingWrites = pendingWriteAdapter{engine: engine}
	return t
}

// ID returns the thread's identity.
func (t *Thread) ID() string { return t.id }

type pendingWriteAdapter struct {
	engine *checkpoint.Engine
}

func (a pendingWriteAdapter) SavePendingWrite(ctx context.Context, pw models.PendingWrite) error {
	return a.engine.SavePendingWrite(ctx, pw)
}

// SaveCheckpoint implements Checkpointer: it folds the settled loop state
// into a new checkpoint on the thread's current active branch, and clears
// any pending writes the commit now supersedes.
func (t *Thread) SaveCheckpoint(ctx context.Context, threadID string, iteration int, state *AgentLoopState) (string, error) {
	head, branch, err := t.headOrZero(ctx)
	if err != nil {
		return "", err
	}

	// loop.go's finishIteration calls SaveCheckpoint with the pre-increment
	// state, then continues from state.WithNextIteration() — persist that
	// already-advanced state so a resumed run picks up at the iteration
	// after the one this checkpoint covers, not the same one again.
	resumable := state
	if !state.IsTerminated {
		resumable = state.WithNextIteration()
	}

	snapshot, err := t.buildSnapshot(resumable, branch)
	if err != nil {
		return "", err
	}

	id, err := t.engine.Commit(ctx, checkpoint.CommitInput{
		ThreadID:           threadID,
		ParentCheckpointID: head.CheckpointID,
		BranchName:         branch,
		Source:             models.CheckpointSourceIteration,
		Step:               int64(iteration),
		MessageIndex:       len(state.Messages),
		State:              snapshot,
	})
	if err != nil {
		return "", err
	}

	if err := t.engine.ClearPendingWrites(ctx, threadID, iteration); err != nil {
		return id, fmt.Errorf("agent: clear pending writes after checkpoint %s: %w", id, err)
	}
	return id, nil
}

func (t *Thread) buildSnapshot(state *AgentLoopState, branch string) (*models.StateSnapshot, error) {
	loopStateJSON, err := json.Marshal(state)
	if err != nil {
		return nil, fmt.Errorf("agent: marshal loop state: %w", err)
	}
	return &models.StateSnapshot{
		SchemaVersion: models.CurrentSchemaVersion,
		Messages:      state.Messages,
		LoopState:     loopStateJSON,
		ActiveBranch:  branch,
		DisplayName:   t.displayName,
	}, nil
}

// headOrZero returns the thread's current head entry (zero value with an
// empty CheckpointID if the thread has no checkpoints yet) and its active
// branch name.
func (t *Thread) headOrZero(ctx context.Context) (models.ManifestEntry, string, error) {
	head, err := t.engine.Head(ctx, t.id)
	if err == checkpoint.ErrThreadNotFound {
		return models.ManifestEntry{}, "", nil
	}
	if err != nil {
		return models.ManifestEntry{}, "", err
	}
	return head, head.BranchName, nil
}

// rehydrate loads the thread's current head state (if any) and decodes it
// back into an AgentLoopState, or starts a fresh one if the thread is new.
func (t *Thread) rehydrate(ctx context.Context, maxIterations int) (*AgentLoopState, error) {
	snapshot, err := t.engine.Load(ctx, t.id, "")
	if err == checkpoint.ErrThreadNotFound {
		return NewAgentLoopState(nil, maxIterations), nil
	}
	if err != nil {
		return nil, err
	}
	return decodeSnapshotState(snapshot, maxIterations)
}

func decodeSnapshotState(snapshot *models.StateSnapshot, maxIterations int) (*AgentLoopState, error) {
	if len(snapshot.LoopState) == 0 {
		return NewAgentLoopState(snapshot.Messages, maxIterations), nil
	}
	state := &AgentLoopState{}
	if err := json.Unmarshal(snapshot.LoopState, state); err != nil {
		return nil, fmt.Errorf("agent: unmarshal checkpointed loop state: %w", err)
	}
	return state, nil
}

// Run appends userMessages to the thread's current history (resuming from
// its last checkpoint, if any — at the iteration stored in state, not
// iteration zero) and drives the kernel to completion. Any pending writes
// left over from a crashed prior run are folded back in before the first
// iteration resumes (resume protocol, spec §6/scenario S6).
func (t *Thread) Run(ctx context.Context, userMessages ...*models.ChatMessage) (*AgentLoopState, error) {
	head, _, err := t.headOrZero(ctx)
	if err != nil {
		return nil, err
	}

	state, err := t.rehydrate(ctx, t.kernel.Config.MaxIterations)
	if err != nil {
		return nil, err
	}

	if err := t.replayPendingWrites(ctx, state); err != nil {
		return nil, err
	}

	if t.kernel.Coordinator != nil && head.CheckpointID != "" {
		t.kernel.Coordinator.CheckpointRestored(ctx, head.CheckpointID, int64(state.Iteration))
	}

	if len(userMessages) > 0 {
		state = state.WithAppendedMessages(userMessages...)
	}

	final, err := t.kernel.Run(ctx, state)
	if err != nil {
		return final, err
	}

	if t.schedule == models.CommitPerTurn {
		if _, cErr := t.commitTurn(ctx, final); cErr != nil {
			return final, cErr
		}
	}
	return final, nil
}

// replayPendingWrites re-applies any tool results that were persisted but
// never folded into a checkpoint (the thread crashed between a tool call
// completing and its iteration's commit). Since CompletedCalls already
// dedupes by call-id, replaying is safe even if the result had in fact made
// it into the last snapshot.
func (t *Thread) replayPendingWrites(ctx context.Context, state *AgentLoopState) error {
	writes, err := t.engine.PendingWrites(ctx, t.id, state.Iteration)
	if err != nil {
		return err
	}
	for _, pw := range writes {
		if _, done := state.CompletedCalls[pw.CallID]; done {
			continue
		}
		state.CompletedCalls[pw.CallID] = struct{}{}
	}
	return nil
}

func (t *Thread) commitTurn(ctx context.Context, state *AgentLoopState) (string, error) {
	_, branch, err := t.headOrZero(ctx)
	if err != nil {
		return "", err
	}
	head, _ := t.engine.Head(ctx, t.id)
	snapshot, err := t.buildSnapshot(state, branch)
	if err != nil {
		return "", err
	}
	return t.engine.Commit(ctx, checkpoint.CommitInput{
		ThreadID:           t.id,
		ParentCheckpointID: head.CheckpointID,
		BranchName:         branch,
		Source:             models.CheckpointSourceTurn,
		Step:               int64(state.Iteration),
		MessageIndex:       len(state.Messages),
		State:              snapshot,
	})
}

// Snapshot serializes the thread's current head checkpoint to bytes, for
// out-of-band transfer (e.g. handing a running thread to another process).
func (t *Thread) Snapshot(ctx context.Context) ([]byte, error) {
	state, err := t.engine.Load(ctx, t.id, "")
	if err != nil {
		return nil, err
	}
	return json.Marshal(state)
}

// Restore rehydrates a thread from bytes produced by Snapshot, committing a
// fresh root checkpoint so the thread continues from that point forward.
func (t *Thread) Restore(ctx context.Context, data []byte) error {
	var snapshot models.StateSnapshot
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return fmt.Errorf("agent: unmarshal snapshot: %w", err)
	}
	head, _ := t.engine.Head(ctx, t.id)
	id, err := t.engine.Commit(ctx, checkpoint.CommitInput{
		ThreadID:           t.id,
		ParentCheckpointID: head.CheckpointID,
		BranchName:         snapshot.ActiveBranch,
		Source:             models.CheckpointSourceManual,
		MessageIndex:       len(snapshot.Messages),
		State:              &snapshot,
	})
	if err != nil {
		return err
	}
	if t.kernel.Coordinator != nil {
		t.kernel.Coordinator.CheckpointRestored(ctx, id, 0)
	}
	return nil
}

// Fork creates a new branch within this thread rooted at sourceCheckpointID
// (or the current head, if empty).
func (t *Thread) Fork(ctx context.Context, sourceCheckpointID, newBranchName string) (string, error) {
	if sourceCheckpointID == "" {
		head, err := t.engine.Head(ctx, t.id)
		if err != nil {
			return "", err
		}
		sourceCheckpointID = head.CheckpointID
	}
	_, activeBranch, err := t.headOrZero(ctx)
	if err != nil {
		return "", err
	}
	result, err := t.engine.Fork(ctx, t.id, sourceCheckpointID, newBranchName, activeBranch)
	if err != nil {
		return "", err
	}
	if t.kernel.Coordinator != nil {
		t.kernel.Coordinator.BranchCreated(ctx, result.BranchName, result.CheckpointID)
	}
	return result.CheckpointID, nil
}

// Copy materializes a brand-new thread seeded from sourceCheckpointID (or
// this thread's current head, if empty). Returns the new thread's id.
func (t *Thread) Copy(ctx context.Context, sourceCheckpointID string) (*Thread, error) {
	if sourceCheckpointID == "" {
		head, err := t.engine.Head(ctx, t.id)
		if err != nil {
			return nil, err
		}
		sourceCheckpointID = head.CheckpointID
	}
	result, err := t.engine.Copy(ctx, t.id, sourceCheckpointID)
	if err != nil {
		return nil, err
	}
	if t.kernel.Coordinator != nil {
		t.kernel.Coordinator.ThreadCopied(ctx, t.id, result.NewThreadID, result.CheckpointID)
	}
	return NewThread(t.kernel, t.engine, result.NewThreadID, t.displayName+" (copy)", t.schedule), nil
}

// Switch moves this thread's active branch, returning the rehydrated state
// at that branch's head.
func (t *Thread) Switch(ctx context.Context, branchName string) (*AgentLoopState, error) {
	snapshot, head, err := t.engine.Switch(ctx, t.id, branchName)
	if err != nil {
		return nil, err
	}
	state, err := decodeSnapshotState(snapshot, t.kernel.Config.MaxIterations)
	if err != nil {
		return nil, err
	}
	if t.kernel.Coordinator != nil {
		t.kernel.Coordinator.BranchSwitched(ctx, branchName, head.CheckpointID)
	}
	return state, nil
}

// Delete removes branchName. If prune is true, any checkpoint no longer
// reachable from a remaining named branch is also removed.
func (t *Thread) Delete(ctx context.Context, branchName string, prune bool) error {
	if err := t.engine.Delete(ctx, t.id, branchName, prune); err != nil {
		return err
	}
	if t.kernel.Coordinator != nil {
		t.kernel.Coordinator.BranchDeleted(ctx, branchName)
	}
	return nil
}

// Rename changes the thread's display name, recorded in its next commit's
// snapshot (there is no separate rename-only persistence path; the new name
// takes effect from the next checkpoint forward).
func (t *Thread) Rename(displayName string) {
	t.displayName = displayName
}

// ListCheckpoints returns up to limit manifest entries for this thread, most
// recent first.
func (t *Thread) ListCheckpoints(ctx context.Context, limit int) ([]models.ManifestEntry, error) {
	return t.engine.ListCheckpoints(ctx, t.id, limit)
}

// ListVariantsAt returns every checkpoint recorded at messageIndex across
// this thread's branches.
func (t *Thread) ListVariantsAt(ctx context.Context, messageIndex int) ([]models.ManifestEntry, error) {
	return t.engine.ListVariantsAt(ctx, t.id, messageIndex)
}

var _ Checkpointer = (*Thread)(nil)

// newThreadID is a small indirection so tests can inject deterministic ids
// where needed without reaching into the engine.
func newThreadID() string { return uuid.NewString() }
