package checkpoint

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/arclight/agentcore/internal/sessions"
	"github.com/arclight/agentcore/pkg/models"
)

// DefaultLockTimeout bounds how long Engine waits to acquire the
// per-thread write lock before giving up.
const DefaultLockTimeout = 5 * time.Second

// Engine is the checkpoint+branch DAG engine described in SPEC_FULL.md §4.8.
// It serializes writers per thread-id using the same SessionLockManager
// internal/sessions already provides for session writes (spec §5:
// "single-writer-per-thread-id is sufficient for the store").
type Engine struct {
	store Store
	locks *sessions.SessionLockManager
	// holder identifies this process/instance in lock bookkeeping.
	holder string
}

// NewEngine builds an Engine over store. holder identifies the caller for
// lock-contention diagnostics (passed through to SessionLockManager.Acquire).
func NewEngine(store Store, holder string) *Engine {
	if holder == "" {
		holder = "checkpoint-engine"
	}
	return &Engine{
		store:  store,
		locks:  sessions.NewSessionLockManager(DefaultLockTimeout),
		holder: holder,
	}
}

func (e *Engine) withLock(ctx context.Context, threadID string, fn func() error) error {
	release, err := e.locks.Acquire(ctx, threadID, e.holder, DefaultLockTimeout)
	if err != nil {
		return fmt.Errorf("checkpoint: acquire write lock for thread %s: %w", threadID, err)
	}
	defer release()
	return fn()
}

// CommitInput describes a new checkpoint to append to a thread's manifest.
type CommitInput struct {
	ThreadID           string
	ParentCheckpointID string
	BranchName         string
	Source             models.CheckpointSource
	Step               int64
	MessageIndex       int
	State              *models.StateSnapshot
	// ParentThreadID is set only for CheckpointSourceCopy.
	ParentThreadID string
}

// Commit appends a new checkpoint to threadID's manifest and persists its
// state, serialized under the per-thread write lock.
func (e *Engine) Commit(ctx context.Context, in CommitInput) (checkpointID string, err error) {
	checkpointID = uuid.NewString()
	err = e.withLock(ctx, in.ThreadID, func() error {
		entry := models.ManifestEntry{
			CheckpointID:       checkpointID,
			ThreadID:           in.ThreadID,
			ParentCheckpointID: in.ParentCheckpointID,
			BranchName:         in.BranchName,
			Source:             in.Source,
			Step:               in.Step,
			MessageIndex:       in.MessageIndex,
			CreatedAt:          time.Now(),
			ParentThreadID:     in.ParentThreadID,
		}
		return e.store.SaveAt(ctx, entry, in.State)
	})
	if err != nil {
		return "", err
	}
	return checkpointID, nil
}

// Head returns the manifest entry for a thread's most recently committed
// checkpoint, regardless of branch.
func (e *Engine) Head(ctx context.Context, threadID string) (models.ManifestEntry, error) {
	entries, err := e.store.Manifest(ctx, threadID, 1, "")
	if err != nil {
		return models.ManifestEntry{}, err
	}
	if len(entries) == 0 {
		return models.ManifestEntry{}, ErrThreadNotFound
	}
	return entries[0], nil
}

// BranchHead returns the manifest entry a named branch currently points at.
func (e *Engine) BranchHead(ctx context.Context, threadID, branchName string) (models.ManifestEntry, error) {
	entries, err := e.store.Manifest(ctx, threadID, 0, "")
	if err != nil {
		return models.ManifestEntry{}, err
	}
	for _, entry := range entries {
		if entry.BranchName == branchName {
			return entry, nil
		}
	}
	return models.ManifestEntry{}, ErrBranchNotFound
}

// Load returns the state snapshot for a checkpoint. An empty checkpointID
// loads the thread's current head.
func (e *Engine) Load(ctx context.Context, threadID, checkpointID string) (*models.StateSnapshot, error) {
	return e.store.Load(ctx, threadID, checkpointID)
}

// ListCheckpoints returns up to limit manifest entries for a thread, most
// recent first. limit <= 0 means unlimited.
func (e *Engine) ListCheckpoints(ctx context.Context, threadID string, limit int) ([]models.ManifestEntry, error) {
	return e.store.Manifest(ctx, threadID, limit, "")
}

// ListVariantsAt returns every manifest entry across a thread's branches
// whose MessageIndex equals messageIndex — the set of checkpoints recorded
// at that point in the conversation, one per branch that touched it.
func (e *Engine) ListVariantsAt(ctx context.Context, threadID string, messageIndex int) ([]models.ManifestEntry, error) {
	entries, err := e.store.Manifest(ctx, threadID, 0, "")
	if err != nil {
		return nil, err
	}
	var out []models.ManifestEntry
	for _, entry := range entries {
		if entry.MessageIndex == messageIndex {
			out = append(out, entry)
		}
	}
	return out, nil
}

// ForkResult is returned by Fork.
type ForkResult struct {
	CheckpointID string
	BranchName   string
}

// Fork creates a new branch within the same thread, rooted at sourceCheckpointID.
// If the thread currently has no active named branch, the previously-active
// (unnamed) head is first labeled "main" so it isn't orphaned. Emits no
// events itself — callers (the Thread facade) are responsible for that,
// since only they know the Coordinator to emit through.
func (e *Engine) Fork(ctx context.Context, threadID, sourceCheckpointID, newBranchName string, currentActiveBranch string) (ForkResult, error) {
	var result ForkResult
	err := e.withLock(ctx, threadID, func() error {
		if newBranchName == "" {
			return fmt.Errorf("checkpoint: fork requires a non-empty branch name")
		}
		for _, entry := range mustManifest(ctx, e.store, threadID) {
			if entry.BranchName == newBranchName {
				return ErrBranchExists
			}
		}
		source, err := e.store.ManifestEntry(ctx, threadID, sourceCheckpointID)
		if err != nil {
			return err
		}
		if currentActiveBranch == "" {
			// The thread has never had a named branch; label its current
			// head "main" so the pre-fork lineage stays reachable.
			head, err := e.Head(ctx, threadID)
			if err == nil && head.BranchName == "" {
				if labelErr := e.store.UpdateManifestEntry(ctx, threadID, head.CheckpointID, func(e *models.ManifestEntry) {
					e.BranchName = "main"
				}); labelErr != nil {
					return labelErr
				}
			}
		}
		state, err := e.store.Load(ctx, threadID, sourceCheckpointID)
		if err != nil {
			return err
		}
		checkpointID := uuid.NewString()
		entry := models.ManifestEntry{
			CheckpointID:       checkpointID,
			ThreadID:           threadID,
			ParentCheckpointID: sourceCheckpointID,
			BranchName:         newBranchName,
			Source:             models.CheckpointSourceFork,
			Step:               source.Step,
			MessageIndex:       source.MessageIndex,
			CreatedAt:          time.Now(),
		}
		if err := e.store.SaveAt(ctx, entry, state); err != nil {
			return err
		}
		result = ForkResult{CheckpointID: checkpointID, BranchName: newBranchName}
		return nil
	})
	return result, err
}

// CopyResult is returned by Copy.
type CopyResult struct {
	NewThreadID  string
	CheckpointID string
}

// Copy materializes a brand-new thread seeded from sourceCheckpointID,
// recording Copy lineage (ParentThreadID) in the new thread's root entry.
func (e *Engine) Copy(ctx context.Context, sourceThreadID, sourceCheckpointID string) (CopyResult, error) {
	state, err := e.store.Load(ctx, sourceThreadID, sourceCheckpointID)
	if err != nil {
		return CopyResult{}, err
	}
	source, err := e.store.ManifestEntry(ctx, sourceThreadID, sourceCheckpointID)
	if err != nil {
		return CopyResult{}, err
	}
	newThreadID := uuid.NewString()
	var result CopyResult
	err = e.withLock(ctx, newThreadID, func() error {
		checkpointID := uuid.NewString()
		entry := models.ManifestEntry{
			CheckpointID:   checkpointID,
			ThreadID:       newThreadID,
			Source:         models.CheckpointSourceCopy,
			Step:           source.Step,
			MessageIndex:   source.MessageIndex,
			CreatedAt:      time.Now(),
			ParentThreadID: sourceThreadID,
		}
		if err := e.store.SaveAt(ctx, entry, cloneSnapshot(state)); err != nil {
			return err
		}
		result = CopyResult{NewThreadID: newThreadID, CheckpointID: checkpointID}
		return nil
	})
	return result, err
}

// Switch loads the checkpoint a named branch currently points at.
func (e *Engine) Switch(ctx context.Context, threadID, branchName string) (*models.StateSnapshot, models.ManifestEntry, error) {
	head, err := e.BranchHead(ctx, threadID, branchName)
	if err != nil {
		return nil, models.ManifestEntry{}, err
	}
	state, err := e.store.Load(ctx, threadID, head.CheckpointID)
	if err != nil {
		return nil, models.ManifestEntry{}, err
	}
	return state, head, nil
}

// Delete unbranches branchName (detaches the label from its head entry) and,
// if prune is true, removes any checkpoint no longer reachable from a
// remaining named branch head. A checkpoint still carrying a branch name is
// never deleted.
func (e *Engine) Delete(ctx context.Context, threadID, branchName string, prune bool) error {
	return e.withLock(ctx, threadID, func() error {
		entries, err := e.store.Manifest(ctx, threadID, 0, "")
		if err != nil {
			return err
		}
		found := false
		for _, entry := range entries {
			if entry.BranchName == branchName {
				found = true
				if err := e.store.UpdateManifestEntry(ctx, threadID, entry.CheckpointID, func(e *models.ManifestEntry) {
					e.BranchName = ""
				}); err != nil {
					return err
				}
			}
		}
		if !found {
			return ErrBranchNotFound
		}
		if !prune {
			return nil
		}
		return e.pruneLocked(ctx, threadID)
	})
}

// pruneLocked removes checkpoints unreachable from any remaining named
// branch head. Must be called with the thread's write lock held.
func (e *Engine) pruneLocked(ctx context.Context, threadID string) error {
	entries, err := e.store.Manifest(ctx, threadID, 0, "")
	if err != nil {
		return err
	}
	byID := make(map[string]models.ManifestEntry, len(entries))
	for _, e := range entries {
		byID[e.CheckpointID] = e
	}
	reachable := map[string]bool{}
	for _, entry := range entries {
		if entry.BranchName == "" {
			continue
		}
		cur := entry.CheckpointID
		for cur != "" && !reachable[cur] {
			reachable[cur] = true
			parent, ok := byID[cur]
			if !ok {
				break
			}
			cur = parent.ParentCheckpointID
		}
	}
	// Keep roots (no parent, no branch) reachable too — Copy lineage roots
	// may be the only entry in a thread that was never branched.
	var toDelete []string
	for _, entry := range entries {
		if entry.BranchName != "" {
			continue
		}
		if reachable[entry.CheckpointID] {
			continue
		}
		if entry.ParentCheckpointID == "" {
			continue
		}
		toDelete = append(toDelete, entry.CheckpointID)
	}
	if len(toDelete) == 0 {
		return nil
	}
	return e.store.Delete(ctx, threadID, toDelete)
}

// mustManifest fetches a thread's full manifest, returning nil on error
// (used internally where a missing manifest just means "no entries yet").
func mustManifest(ctx context.Context, store Store, threadID string) []models.ManifestEntry {
	entries, err := store.Manifest(ctx, threadID, 0, "")
	if err != nil {
		return nil
	}
	return entries
}

// SavePendingWrite buffers a completed tool result for a thread/iteration,
// ahead of the next checkpoint commit.
func (e *Engine) SavePendingWrite(ctx context.Context, pw models.PendingWrite) error {
	return e.store.SavePendingWrite(ctx, pw)
}

// PendingWrites returns the buffered tool results for a thread/iteration.
func (e *Engine) PendingWrites(ctx context.Context, threadID string, iteration int) ([]models.PendingWrite, error) {
	return e.store.PendingWrites(ctx, threadID, iteration)
}

// ClearPendingWrites drops buffered writes at or before throughIteration,
// called once a turn completes or a checkpoint folds them in.
func (e *Engine) ClearPendingWrites(ctx context.Context, threadID string, throughIteration int) error {
	return e.store.ClearPendingWrites(ctx, threadID, throughIteration)
}
