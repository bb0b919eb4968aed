package agent

import (
	"github.com/arclight/agentcore/pkg/models"
)

// MiddlewareState is an immutable, keyed record embedded in an AgentLoopState.
// Each middleware owns exactly one key and is responsible for constructing
// its own default.
type MiddlewareState interface {
	// StateKey returns the string key this state is stored under in
	// AgentLoopState.MiddlewareStates. It must be unique across the
	// registered middleware set.
	StateKey() string
}

// AgentLoopState is the immutable, copy-on-write record threaded through the
// iteration kernel. Every transition produces a new *AgentLoopState; nothing
// in this package ever mutates a state already handed to a caller.
//
// Invariants (see spec's data model):
//   - Messages is append-only within a turn except via history reduction,
//     which replaces a contiguous prefix after the system head with exactly
//     one summary message.
//   - Every assistant ToolCall has a matching Tool result at a later index
//     within the same turn, unless the turn ended abnormally.
//   - Iteration <= MaxIterationLimit whenever the model is about to be
//     called.
//   - MiddlewareStates holds at most one record per key; updates are whole
//     record replacements.
type AgentLoopState struct {
	Messages []*models.ChatMessage

	Iteration        int
	MaxIterationLimit int

	CompletedCalls     map[string]struct{}
	ExpandedContainers map[string]struct{}

	MiddlewareStates map[string]MiddlewareState

	IsTerminated      bool
	TerminationReason TerminationReason
}

// NewAgentLoopState builds the initial state for a turn: the existing
// message log (with the system prompt already at the head) plus the
// configured iteration cap.
func NewAgentLoopState(messages []*models.ChatMessage, maxIterationLimit int) *AgentLoopState {
	return &AgentLoopState{
		Messages:           append([]*models.ChatMessage(nil), messages...),
		Iteration:          0,
		MaxIterationLimit:  maxIterationLimit,
		CompletedCalls:      map[string]struct{}{},
		ExpandedContainers:  map[string]struct{}{},
		MiddlewareStates:    map[string]MiddlewareState{},
	}
}

// Clone produces a deep-enough copy for a transition: slices and maps are
// copied so the receiver's fields can be replaced independently of the
// original. MiddlewareState values themselves are immutable records and are
// shared by reference until a middleware replaces its own key.
func (s *AgentLoopState) Clone() *AgentLoopState {
	next := *s
	next.Messages = append([]*models.ChatMessage(nil), s.Messages...)

	next.CompletedCalls = make(map[string]struct{}, len(s.CompletedCalls))
	for k := range s.CompletedCalls {
		next.CompletedCalls[k] = struct{}{}
	}

	next.ExpandedContainers = make(map[string]struct{}, len(s.ExpandedContainers))
	for k := range s.ExpandedContainers {
		next.ExpandedContainers[k] = struct{}{}
	}

	next.MiddlewareStates = make(map[string]MiddlewareState, len(s.MiddlewareStates))
	for k, v := range s.MiddlewareStates {
		next.MiddlewareStates[k] = v
	}

	return &next
}

// WithAppendedMessages returns a new state with msgs appended to the log.
func (s *AgentLoopState) WithAppendedMessages(msgs ...*models.ChatMessage) *AgentLoopState {
	next := s.Clone()
	next.Messages = append(next.Messages, msgs...)
	return next
}

// WithMiddlewareState returns a new state with the given slot replaced.
func (s *AgentLoopState) WithMiddlewareState(st MiddlewareState) *AgentLoopState {
	next := s.Clone()
	next.MiddlewareStates[st.StateKey()] = st
	return next
}

// MiddlewareState looks up a typed slot by key, returning (nil, false) if
// absent.
func (s *AgentLoopState) MiddlewareStateByKey(key string) (MiddlewareState, bool) {
	st, ok := s.MiddlewareStates[key]
	return st, ok
}

// WithExpandedContainer returns a new state with name added to
// ExpandedContainers.
func (s *AgentLoopState) WithExpandedContainer(name string) *AgentLoopState {
	next := s.Clone()
	next.ExpandedContainers[name] = struct{}{}
	return next
}

// WithCompletedCall marks callID as settled this turn (dedup during replay).
func (s *AgentLoopState) WithCompletedCall(callID string) *AgentLoopState {
	next := s.Clone()
	next.CompletedCalls[callID] = struct{}{}
	return next
}

// WithTermination returns a new state with IsTerminated/TerminationReason set.
func (s *AgentLoopState) WithTermination(reason TerminationReason) *AgentLoopState {
	next := s.Clone()
	next.IsTerminated = true
	next.TerminationReason = reason
	return next
}

// WithNextIteration returns a new state with Iteration incremented.
func (s *AgentLoopState) WithNextIteration() *AgentLoopState {
	next := s.Clone()
	next.Iteration++
	return next
}

// WithMaxIterationLimit returns a new state with the iteration cap raised
// (or lowered); used by the continuation middleware.
func (s *AgentLoopState) WithMaxIterationLimit(limit int) *AgentLoopState {
	next := s.Clone()
	next.MaxIterationLimit = limit
	return next
}

// --- Canonical middleware state slots (spec §4.6) ---

const (
	circuitBreakerStateKey        = "circuit_breaker"
	errorTrackingStateKey         = "error_tracking"
	totalErrorThresholdStateKey   = "total_error_threshold"
	batchPermissionStateKey       = "batch_permission"
	continuationPermissionStateKey = "continuation_permission"
)

// CircuitBreakerState tracks, per tool, the signature of the last call and
// how many consecutive calls shared it.
type CircuitBreakerState struct {
	LastSignaturePerTool     map[string]string
	ConsecutiveCountPerTool  map[string]uint32
}

func (CircuitBreakerState) StateKey() string { return circuitBreakerStateKey }

// NewCircuitBreakerState returns the default (empty) slot.
func NewCircuitBreakerState() CircuitBreakerState {
	return CircuitBreakerState{
		LastSignaturePerTool:    map[string]string{},
		ConsecutiveCountPerTool: map[string]uint32{},
	}
}

func (s CircuitBreakerState) clone() CircuitBreakerState {
	next := CircuitBreakerState{
		LastSignaturePerTool:    make(map[string]string, len(s.LastSignaturePerTool)),
		ConsecutiveCountPerTool: make(map[string]uint32, len(s.ConsecutiveCountPerTool)),
	}
	for k, v := range s.LastSignaturePerTool {
		next.LastSignaturePerTool[k] = v
	}
	for k, v := range s.ConsecutiveCountPerTool {
		next.ConsecutiveCountPerTool[k] = v
	}
	return next
}

func circuitBreakerStateFrom(s *AgentLoopState) CircuitBreakerState {
	if st, ok := s.MiddlewareStateByKey(circuitBreakerStateKey); ok {
		return st.(CircuitBreakerState)
	}
	return NewCircuitBreakerState()
}

// ErrorTrackingState counts consecutive tool-result failures since the last
// success.
type ErrorTrackingState struct {
	ConsecutiveFailures uint32
}

func (ErrorTrackingState) StateKey() string { return errorTrackingStateKey }

func errorTrackingStateFrom(s *AgentLoopState) ErrorTrackingState {
	if st, ok := s.MiddlewareStateByKey(errorTrackingStateKey); ok {
		return st.(ErrorTrackingState)
	}
	return ErrorTrackingState{}
}

// TotalErrorThresholdState counts every tool-result failure seen this turn;
// it never resets.
type TotalErrorThresholdState struct {
	TotalErrorCount uint32
}

func (TotalErrorThresholdState) StateKey() string { return totalErrorThresholdStateKey }

func totalErrorThresholdStateFrom(s *AgentLoopState) TotalErrorThresholdState {
	if st, ok := s.MiddlewareStateByKey(totalErrorThresholdStateKey); ok {
		return st.(TotalErrorThresholdState)
	}
	return TotalErrorThresholdState{}
}

// BatchPermissionState tracks approval decisions made for the current
// iteration's tool-call batch, so the permission middleware does not
// re-prompt for a tool already approved this batch.
type BatchPermissionState struct {
	Approved             map[string]struct{}
	Denied               map[string]string
	BatchCheckPerformed bool
}

func (BatchPermissionState) StateKey() string { return batchPermissionStateKey }

// NewBatchPermissionState returns the default (empty, reset) slot.
func NewBatchPermissionState() BatchPermissionState {
	return BatchPermissionState{
		Approved: map[string]struct{}{},
		Denied:   map[string]string{},
	}
}

func batchPermissionStateFrom(s *AgentLoopState) BatchPermissionState {
	if st, ok := s.MiddlewareStateByKey(batchPermissionStateKey); ok {
		return st.(BatchPermissionState)
	}
	return NewBatchPermissionState()
}

// ContinuationPermissionState holds the user-approved extended iteration
// limit. The kernel reads CurrentExtendedLimit as the effective
// MaxIterationLimit once it is non-zero.
type ContinuationPermissionState struct {
	CurrentExtendedLimit uint32
}

func (ContinuationPermissionState) StateKey() string { return continuationPermissionStateKey }

func continuationPermissionStateFrom(s *AgentLoopState) ContinuationPermissionState {
	if st, ok := s.MiddlewareStateByKey(continuationPermissionStateKey); ok {
		return st.(ContinuationPermissionState)
	}
	return ContinuationPermissionState{}
}
