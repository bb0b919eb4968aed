package models

import (
	"encoding/json"
	"time"
)

// CheckpointSource records why a checkpoint was committed.
type CheckpointSource string

const (
	CheckpointSourceRoot      CheckpointSource = "root"
	CheckpointSourceTurn      CheckpointSource = "turn"
	CheckpointSourceIteration CheckpointSource = "iteration"
	CheckpointSourceFork      CheckpointSource = "fork"
	CheckpointSourceCopy      CheckpointSource = "copy"
	CheckpointSourceManual    CheckpointSource = "manual"
)

// CommitSchedule configures how often a thread commits a checkpoint.
type CommitSchedule string

const (
	CommitNever       CommitSchedule = "never"
	CommitPerTurn     CommitSchedule = "per_turn"
	CommitPerIteration CommitSchedule = "per_iteration"
	CommitFullHistory CommitSchedule = "full_history"
)

// ManifestEntry is one append-only record in a thread's checkpoint manifest.
// The manifest is the single source of truth for the checkpoint DAG; the
// bulk serialized state lives behind CheckpointID in the store.
type ManifestEntry struct {
	CheckpointID       string           `json:"checkpoint_id"`
	ThreadID           string           `json:"thread_id"`
	ParentCheckpointID string           `json:"parent_checkpoint_id,omitempty"`
	BranchName         string           `json:"branch_name,omitempty"`
	Source             CheckpointSource `json:"source"`
	Step               int64            `json:"step"`
	MessageIndex       int              `json:"message_index"`
	CreatedAt          time.Time        `json:"created_at"`

	// ParentThreadID records Copy lineage back to the thread a checkpoint
	// was copied from; empty for every other source.
	ParentThreadID string `json:"parent_thread_id,omitempty"`
}

// StateSnapshot is the wire-encoded document a checkpoint stores: the
// message log, the opaque loop-state, and the branch bookkeeping active at
// commit time. SchemaVersion follows the additive-only versioning the spec
// requires: new fields default on read, unknown fields preserved on
// write-back (callers round-trip Extra for anything they don't recognize).
type StateSnapshot struct {
	SchemaVersion int               `json:"schema_version"`
	Messages      []*ChatMessage    `json:"messages"`
	LoopState     json.RawMessage   `json:"loop_state"`
	Branches      map[string]string `json:"branches,omitempty"`
	ActiveBranch  string            `json:"active_branch,omitempty"`
	DisplayName   string            `json:"display_name,omitempty"`

	// Extra preserves fields this version doesn't recognize, so a
	// round-trip through an older binary doesn't drop newer data.
	Extra map[string]json.RawMessage `json:"-"`
}

// CurrentSchemaVersion is the schema_version this build writes.
const CurrentSchemaVersion = 1

// PendingWrite is a completed tool result not yet folded into a checkpointed
// state. Keyed by (ThreadID, Iteration, CallID); created when a tool call
// returns, consumed when the next iteration's checkpoint commits, deleted on
// turn completion or explicit rollback.
type PendingWrite struct {
	ThreadID  string     `json:"thread_id"`
	Iteration int        `json:"iteration"`
	CallID    string     `json:"call_id"`
	Result    ToolResult `json:"result"`
	CreatedAt time.Time  `json:"created_at"`
}
