// Package models provides the domain types shared by the agent engine.
package models

import (
	"time"
)

// AgentEvent is the unified event model emitted by the coordinator. It drives
// observers, telemetry, and bidirectional middleware (permission/continuation/
// clarification round-trips) off a single stream.
//
// Design principles:
//   - Versioned and forward-compatible (add fields, don't rename/remove)
//   - Single Type discriminator with optional payload pointers
//   - Monotonic Sequence for ordering guarantees across goroutines
type AgentEvent struct {
	// Version for forward compatibility. Current version: 1.
	Version int `json:"version"`

	// Type identifies the kind of event.
	Type AgentEventType `json:"type"`

	// Time is when the event occurred.
	Time time.Time `json:"time"`

	// Sequence is monotonic within a run for ordering guarantees.
	Sequence uint64 `json:"seq"`

	// RunID identifies the turn (Thread.Run call).
	RunID string `json:"run_id,omitempty"`

	// ThreadID identifies the owning conversation thread.
	ThreadID string `json:"thread_id,omitempty"`

	// IterIndex is the 0-based iteration within the run.
	IterIndex int `json:"iter_index,omitempty"`

	// RequestID correlates a bidirectional request event (PermissionRequest,
	// ContinuationRequest, ClarificationRequest) with its matching response
	// event. Empty for events that are not part of a request/response pair.
	RequestID string `json:"request_id,omitempty"`

	// Exactly one payload should be non-nil for a given Type.
	Text         *TextEventPayload         `json:"text,omitempty"`
	Tool         *ToolEventPayload         `json:"tool,omitempty"`
	Stream       *StreamEventPayload       `json:"stream,omitempty"`
	Error        *ErrorEventPayload        `json:"error,omitempty"`
	Permission   *PermissionEventPayload   `json:"permission,omitempty"`
	Continuation *ContinuationEventPayload `json:"continuation,omitempty"`
	Clarification *ClarificationEventPayload `json:"clarification,omitempty"`
	Checkpoint   *CheckpointEventPayload   `json:"checkpoint,omitempty"`
	Branch       *BranchEventPayload       `json:"branch,omitempty"`
	Context      *ContextEventPayload      `json:"context,omitempty"`
}

// AgentEventType identifies the kind of agent event. This is the closed set
// the engine core carries end to end.
type AgentEventType string

const (
	// Text/reasoning streaming
	EventTextMessageStart AgentEventType = "text.start"
	EventTextDelta        AgentEventType = "text.delta"
	EventTextMessageEnd   AgentEventType = "text.end"
	EventReasoningStart   AgentEventType = "reasoning.start"
	EventReasoningDelta   AgentEventType = "reasoning.delta"
	EventReasoningEnd     AgentEventType = "reasoning.end"

	// Tool call lifecycle
	EventToolCallStart     AgentEventType = "tool_call.start"
	EventToolCallArgsDelta AgentEventType = "tool_call.args_delta"
	EventToolCallEnd       AgentEventType = "tool_call.end"
	EventToolCallResult    AgentEventType = "tool_call.result"

	// Bidirectional middleware round-trips
	EventPermissionRequest    AgentEventType = "permission.request"
	EventPermissionResponse   AgentEventType = "permission.response"
	EventContinuationRequest  AgentEventType = "continuation.request"
	EventContinuationResponse AgentEventType = "continuation.response"
	EventClarificationRequest  AgentEventType = "clarification.request"
	EventClarificationResponse AgentEventType = "clarification.response"

	// Turn lifecycle
	EventAgentTurnStarted   AgentEventType = "agent_turn.started"
	EventAgentTurnFinished  AgentEventType = "agent_turn.finished"
	EventMessageTurnStarted AgentEventType = "message_turn.started"
	EventMessageTurnFinished AgentEventType = "message_turn.finished"
	EventMessageTurnError   AgentEventType = "message_turn.error"

	// Guardrails
	EventCircuitBreakerTriggered    AgentEventType = "guardrail.circuit_breaker"
	EventMaxConsecutiveErrorsExceeded AgentEventType = "guardrail.max_consecutive_errors"

	// Checkpoint / branch lifecycle
	EventCheckpointSaved   AgentEventType = "checkpoint.saved"
	EventCheckpointRestored AgentEventType = "checkpoint.restored"
	EventBranchCreated     AgentEventType = "branch.created"
	EventBranchSwitched    AgentEventType = "branch.switched"
	EventBranchDeleted     AgentEventType = "branch.deleted"
	EventThreadCopied      AgentEventType = "thread.copied"
)

// TextEventPayload carries text/reasoning deltas.
type TextEventPayload struct {
	Delta string `json:"delta,omitempty"`
	Final string `json:"final,omitempty"`
}

// StreamEventPayload carries model stream metadata (finish reason, usage).
type StreamEventPayload struct {
	FinishReason string `json:"finish_reason,omitempty"`
	InputTokens  int    `json:"input_tokens,omitempty"`
	OutputTokens int    `json:"output_tokens,omitempty"`
}

// ToolEventPayload describes a tool call and its lifecycle. Args/Result are
// opaque JSON to avoid coupling the core to any tool's schema.
type ToolEventPayload struct {
	CallID     string        `json:"call_id,omitempty"`
	Name       string        `json:"name,omitempty"`
	ArgsJSON   []byte        `json:"args_json,omitempty"`
	ArgsDelta  string        `json:"args_delta,omitempty"`
	Success    bool          `json:"success,omitempty"`
	ResultJSON []byte        `json:"result_json,omitempty"`
	IsError    bool          `json:"is_error,omitempty"`
	Duration   time.Duration `json:"duration,omitempty"`
}

// ErrorEventPayload standardizes errors for streaming and observers.
type ErrorEventPayload struct {
	Message   string `json:"message"`
	Kind      string `json:"kind,omitempty"`
	Retriable bool   `json:"retriable,omitempty"`

	// Err preserves the original error for errors.Is/errors.As; not serialized.
	Err error `json:"-"`
}

// PermissionEventPayload carries permission request/response data.
type PermissionEventPayload struct {
	ToolName string `json:"tool_name,omitempty"`
	CallID   string `json:"call_id,omitempty"`
	Approved bool   `json:"approved,omitempty"`
	Choice   string `json:"choice,omitempty"` // approve-once, approve-for-turn, approve-persistent, deny
	Reason   string `json:"reason,omitempty"`
}

// ContinuationEventPayload carries max-iteration extension request/response data.
type ContinuationEventPayload struct {
	CurrentLimit  int  `json:"current_limit,omitempty"`
	RequestedLimit int `json:"requested_limit,omitempty"`
	Approved      bool `json:"approved,omitempty"`
}

// ClarificationEventPayload carries mid-turn clarification request/response data.
type ClarificationEventPayload struct {
	Question string `json:"question,omitempty"`
	Answer   string `json:"answer,omitempty"`
}

// CheckpointEventPayload describes a checkpoint lifecycle event.
type CheckpointEventPayload struct {
	CheckpointID string `json:"checkpoint_id,omitempty"`
	ParentID     string `json:"parent_id,omitempty"`
	Source       string `json:"source,omitempty"`
	Step         int64  `json:"step,omitempty"`
}

// BranchEventPayload describes a branch lifecycle event.
type BranchEventPayload struct {
	BranchName   string `json:"branch_name,omitempty"`
	CheckpointID string `json:"checkpoint_id,omitempty"`
	FromThreadID string `json:"from_thread_id,omitempty"`
	NewThreadID  string `json:"new_thread_id,omitempty"`
}

// ContextEventPayload contains history-reduction/packing diagnostics.
type ContextEventPayload struct {
	TotalTokens          int  `json:"total_tokens"`
	TokensAfterSummary    int  `json:"tokens_after_summary"`
	SystemTokens          int  `json:"system_tokens"`
	ReductionApplied      bool `json:"reduction_applied,omitempty"`
	RemovedCount          int  `json:"removed_count,omitempty"`
}

// RunStats is an aggregated summary of a turn, derived from the event stream.
type RunStats struct {
	RunID      string        `json:"run_id,omitempty"`
	StartedAt  time.Time     `json:"started_at,omitempty"`
	FinishedAt time.Time     `json:"finished_at,omitempty"`
	WallTime   time.Duration `json:"wall_time,omitempty"`

	Iterations int `json:"iterations,omitempty"`

	ToolCalls    int           `json:"tool_calls,omitempty"`
	ToolWallTime time.Duration `json:"tool_wall_time,omitempty"`
	ToolErrors   int           `json:"tool_errors,omitempty"`

	ModelWallTime time.Duration `json:"model_wall_time,omitempty"`
	InputTokens   int           `json:"input_tokens,omitempty"`
	OutputTokens  int           `json:"output_tokens,omitempty"`

	Cancelled     bool `json:"cancelled,omitempty"`
	DroppedEvents int  `json:"dropped_events,omitempty"`
}
