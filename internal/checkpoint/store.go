// Package checkpoint implements the checkpoint+branch DAG described in
// SPEC_FULL.md §4.8: an append-only manifest of checkpoints per thread,
// pending-write buffering between tool-call completion and the next
// checkpoint commit, and the Fork/Copy/Switch/Delete/Prune branch
// operations layered on top of it.
//
// This is deliberately a different concern from internal/sessions: that
// package is the message/session CRUD store (and its own, narrower,
// message-level branch_* concept); this package is the snapshot/DAG layer
// the spec's Thread facade is built on.
package checkpoint

import (
	"context"
	"errors"

	"github.com/arclight/agentcore/pkg/models"
)

// Errors returned by Store and Engine implementations.
var (
	ErrCheckpointNotFound = errors.New("checkpoint: checkpoint not found")
	ErrThreadNotFound     = errors.New("checkpoint: thread not found")
	ErrBranchNotFound     = errors.New("checkpoint: branch not found")
	ErrBranchExists       = errors.New("checkpoint: branch already exists")
	ErrBranchInUse        = errors.New("checkpoint: branch still has a named head, cannot prune")
)

// ManifestMutator transforms a manifest entry in place; used by
// UpdateManifestEntry for branch-label bookkeeping (attach/detach a branch
// name on an existing entry without rewriting the whole manifest).
type ManifestMutator func(entry *models.ManifestEntry)

// Store is the persistence surface the spec's checkpoint store describes.
// Implementations must be safe for concurrent use by many readers; writers
// are expected to be serialized per thread-id by the caller (Engine does
// this via a lock manager), per spec §5 ("single-writer-per-thread-id is
// sufficient for the store").
type Store interface {
	// SaveAt persists state under checkpointID and appends a manifest entry
	// for it. Returns ErrBranchExists if entry.BranchName names a branch
	// that already has a different head recorded in the manifest.
	SaveAt(ctx context.Context, entry models.ManifestEntry, state *models.StateSnapshot) error

	// Load returns the state snapshot for checkpointID. If checkpointID is
	// empty, returns the thread's current head (the most recently appended
	// manifest entry without regard to branch).
	Load(ctx context.Context, threadID, checkpointID string) (*models.StateSnapshot, error)

	// Manifest returns manifest entries for threadID, most recent first.
	// If before is non-empty, only entries committed strictly before that
	// checkpoint (by manifest order) are returned. limit <= 0 means no cap.
	Manifest(ctx context.Context, threadID string, limit int, before string) ([]models.ManifestEntry, error)

	// ManifestEntry returns a single manifest entry by checkpoint id.
	ManifestEntry(ctx context.Context, threadID, checkpointID string) (models.ManifestEntry, error)

	// UpdateManifestEntry applies mutate to the stored entry for
	// checkpointID and persists the result. Used to move a branch label
	// from one checkpoint to another without touching the serialized state.
	UpdateManifestEntry(ctx context.Context, threadID, checkpointID string, mutate ManifestMutator) error

	// Delete removes the named checkpoints (state + manifest entries) for a
	// thread. Callers (Engine.Prune) must never pass a checkpoint that is
	// still a named branch head.
	Delete(ctx context.Context, threadID string, checkpointIDs []string) error

	// DeleteThread removes every checkpoint, manifest entry, and pending
	// write for a thread.
	DeleteThread(ctx context.Context, threadID string) error

	// SavePendingWrite persists a tool result produced during iteration but
	// not yet folded into a committed checkpoint.
	SavePendingWrite(ctx context.Context, pw models.PendingWrite) error

	// PendingWrites returns all pending writes recorded for
	// (threadID, iteration), in the order they were saved.
	PendingWrites(ctx context.Context, threadID string, iteration int) ([]models.PendingWrite, error)

	// ClearPendingWrites deletes every pending write for a thread at or
	// before the given iteration (called on turn completion or rollback).
	ClearPendingWrites(ctx context.Context, threadID string, throughIteration int) error
}
