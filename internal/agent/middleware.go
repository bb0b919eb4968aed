package agent

import (
	"context"

	"github.com/arclight/agentcore/pkg/models"
)

// HookResult is the output of any middleware hook: a possibly-updated state
// plus control flags that steer the kernel's next step. A hook returns the
// state unchanged (same pointer is fine) when it has nothing to contribute.
type HookResult struct {
	State *AgentLoopState

	// SkipLLMCall, when true, causes the kernel to skip the model call for
	// this iteration and proceed straight to tool execution using
	// synthesized tool calls a middleware has already appended to State.
	SkipLLMCall bool

	// SkipToolExecution, when true, causes the kernel to skip dispatching
	// any pending tool calls this iteration.
	SkipToolExecution bool

	// BlockFunction, set by a before_function hook, vetoes one tool call.
	// BlockedCallID identifies which; BlockReason becomes the synthesized
	// ToolResult's error message.
	BlockFunction  bool
	BlockedCallID  string
	BlockReason    string

	// Terminate, when true, ends the loop after this iteration completes.
	Terminate         bool
	TerminationReason TerminationReason
}

// noopResult returns a HookResult that carries state forward unchanged.
func noopResult(state *AgentLoopState) HookResult {
	return HookResult{State: state}
}

// ModelCall is the shape execute_model_call hooks wrap: given the current
// state, produce the assistant's next message (with zero or more tool
// calls).
type ModelCall func(ctx context.Context, state *AgentLoopState) (*models.ChatMessage, error)

// ModelCallMiddleware wraps a ModelCall with cross-cutting behavior (retry,
// rate limiting, tracing, caching) in onion fashion: the outermost
// middleware's Wrap runs first and decides whether/how to invoke next.
type ModelCallMiddleware interface {
	Wrap(next ModelCall) ModelCall
}

// ModelCallMiddlewareFunc adapts a plain function to ModelCallMiddleware.
type ModelCallMiddlewareFunc func(next ModelCall) ModelCall

// Wrap calls the wrapped function.
func (f ModelCallMiddlewareFunc) Wrap(next ModelCall) ModelCall { return f(next) }

// Hook is one named stage of the pipeline. Every hook receives the
// coordinator so it may emit events or broker permission/continuation
// round-trips.
type Hook func(ctx context.Context, coord *Coordinator, state *AgentLoopState) HookResult

// FunctionHook runs once per tool call, before it executes.
type FunctionHook func(ctx context.Context, coord *Coordinator, state *AgentLoopState, call models.ToolCall) HookResult

// ResultHook runs once per tool call, after it has settled, with the
// outcome the scheduler produced. result is nil only when the call was
// vetoed by a before_function hook and never dispatched.
type ResultHook func(ctx context.Context, coord *Coordinator, state *AgentLoopState, call models.ToolCall, result *models.ToolResult) HookResult

// Pipeline is the ordered set of middleware hooks bracketing one turn and
// each of its iterations. A nil hook slot is skipped.
type Pipeline struct {
	BeforeMessageTurn []Hook
	BeforeIteration   []Hook
	ModelCallChain    []ModelCallMiddleware
	BeforeToolExecution []Hook
	BeforeFunction    []FunctionHook
	AfterFunction     []ResultHook
	AfterIteration    []Hook
	AfterMessageTurn  []Hook
}

// NewPipeline returns an empty pipeline; callers append hooks directly to
// its exported slices.
func NewPipeline() *Pipeline {
	return &Pipeline{}
}

// runHooks runs a slice of Hooks in order, threading state through each and
// short-circuiting on the first one that sets Terminate, SkipLLMCall, or
// SkipToolExecution.
func runHooks(ctx context.Context, coord *Coordinator, state *AgentLoopState, hooks []Hook) HookResult {
	result := noopResult(state)
	for _, h := range hooks {
		if h == nil {
			continue
		}
		result = h(ctx, coord, result.State)
		if result.State == nil {
			result.State = state
		}
		state = result.State
		if result.Terminate || result.SkipLLMCall || result.SkipToolExecution {
			return result
		}
	}
	return result
}

// RunBeforeMessageTurn runs the before_message_turn stage, once per turn
// (not per iteration).
func (p *Pipeline) RunBeforeMessageTurn(ctx context.Context, coord *Coordinator, state *AgentLoopState) HookResult {
	return runHooks(ctx, coord, state, p.BeforeMessageTurn)
}

// RunBeforeIteration runs the before_iteration stage.
func (p *Pipeline) RunBeforeIteration(ctx context.Context, coord *Coordinator, state *AgentLoopState) HookResult {
	return runHooks(ctx, coord, state, p.BeforeIteration)
}

// RunBeforeToolExecution runs the before_tool_execution stage, once per
// iteration before the scheduler dispatches the batch of calls.
func (p *Pipeline) RunBeforeToolExecution(ctx context.Context, coord *Coordinator, state *AgentLoopState) HookResult {
	return runHooks(ctx, coord, state, p.BeforeToolExecution)
}

// RunAfterIteration runs the after_iteration stage.
func (p *Pipeline) RunAfterIteration(ctx context.Context, coord *Coordinator, state *AgentLoopState) HookResult {
	return runHooks(ctx, coord, state, p.AfterIteration)
}

// RunAfterMessageTurn runs the after_message_turn stage, once per turn.
func (p *Pipeline) RunAfterMessageTurn(ctx context.Context, coord *Coordinator, state *AgentLoopState) HookResult {
	return runHooks(ctx, coord, state, p.AfterMessageTurn)
}

// RunBeforeFunction runs the before_function hooks for one tool call. If any
// hook sets BlockFunction, the caller must synthesize a denied ToolResult
// instead of dispatching the call.
func (p *Pipeline) RunBeforeFunction(ctx context.Context, coord *Coordinator, state *AgentLoopState, call models.ToolCall) HookResult {
	result := HookResult{State: state}
	for _, h := range p.BeforeFunction {
		if h == nil {
			continue
		}
		result = h(ctx, coord, result.State, call)
		if result.State == nil {
			result.State = state
		}
		state = result.State
		if result.BlockFunction || result.Terminate {
			return result
		}
	}
	return result
}

// RunAfterFunction runs the after_function hooks for one settled tool call,
// passing each the call's settled result (nil if the call was vetoed before
// dispatch).
func (p *Pipeline) RunAfterFunction(ctx context.Context, coord *Coordinator, state *AgentLoopState, call models.ToolCall, callResult *models.ToolResult) HookResult {
	result := HookResult{State: state}
	for i := len(p.AfterFunction) - 1; i >= 0; i-- {
		h := p.AfterFunction[i]
		if h == nil {
			continue
		}
		result = h(ctx, coord, result.State, call, callResult)
		if result.State == nil {
			result.State = state
		}
		state = result.State
		if result.Terminate {
			return result
		}
	}
	return result
}

// WrapModelCall builds the final ModelCall by wrapping base in every
// registered middleware, outermost first.
func (p *Pipeline) WrapModelCall(base ModelCall) ModelCall {
	wrapped := base
	for i := len(p.ModelCallChain) - 1; i >= 0; i-- {
		wrapped = p.ModelCallChain[i].Wrap(wrapped)
	}
	return wrapped
}

// --- Canonical middleware implementations (spec §4.6) ---

// CircuitBreakerMiddleware terminates the turn once the same tool has been
// called with an identical signature too many times in a row.
type CircuitBreakerMiddleware struct {
	// MaxConsecutive is the number of identical consecutive calls to a
	// single tool that triggers the breaker.
	MaxConsecutive uint32
	// Signature computes the dedup key for a tool call (defaults to
	// name+raw args).
	Signature func(call models.ToolCall) string
}

func (m *CircuitBreakerMiddleware) signature(call models.ToolCall) string {
	if m.Signature != nil {
		return m.Signature(call)
	}
	return call.Name + ":" + string(call.Args)
}

// BeforeFunction implements the circuit-breaker check as a FunctionHook.
func (m *CircuitBreakerMiddleware) BeforeFunction(ctx context.Context, coord *Coordinator, state *AgentLoopState, call models.ToolCall) HookResult {
	cb := circuitBreakerStateFrom(state)
	sig := m.signature(call)

	count := cb.ConsecutiveCountPerTool[call.Name]
	if cb.LastSignaturePerTool[call.Name] == sig {
		count++
	} else {
		count = 1
	}

	next := cb.clone()
	next.LastSignaturePerTool[call.Name] = sig
	next.ConsecutiveCountPerTool[call.Name] = count
	newState := state.WithMiddlewareState(next)

	max := m.MaxConsecutive
	if max == 0 {
		max = 3
	}
	if count >= max {
		coord.CircuitBreakerTriggered(ctx, call.Name)
		return HookResult{
			State:             newState.WithTermination(TerminationCircuitBreaker),
			Terminate:         true,
			TerminationReason: TerminationCircuitBreaker,
		}
	}
	return HookResult{State: newState}
}

// TotalErrorThresholdMiddleware terminates the turn once the cumulative
// count of tool failures across the whole turn crosses a threshold.
type TotalErrorThresholdMiddleware struct {
	MaxTotalErrors uint32
}

// AfterFunction implements the total-error-threshold check.
func (m *TotalErrorThresholdMiddleware) AfterFunction(ctx context.Context, coord *Coordinator, state *AgentLoopState, call models.ToolCall, result *models.ToolResult) HookResult {
	if result == nil || !result.IsError() {
		return noopResult(state)
	}

	cur := totalErrorThresholdStateFrom(state)
	cur.TotalErrorCount++
	newState := state.WithMiddlewareState(cur)

	max := m.MaxTotalErrors
	if max == 0 {
		max = 10
	}
	if cur.TotalErrorCount >= max {
		coord.MaxConsecutiveErrorsExceeded(ctx, cur.TotalErrorCount)
		return HookResult{
			State:             newState.WithTermination(TerminationConsecutiveErrors),
			Terminate:         true,
			TerminationReason: TerminationConsecutiveErrors,
		}
	}
	return HookResult{State: newState}
}

// ErrorTrackingMiddleware terminates the turn once a run of consecutive
// tool-result failures (unbroken by a success) crosses a threshold.
type ErrorTrackingMiddleware struct {
	MaxConsecutiveFailures uint32
}

// AfterFunction implements the consecutive-failure check.
func (m *ErrorTrackingMiddleware) AfterFunction(ctx context.Context, coord *Coordinator, state *AgentLoopState, call models.ToolCall, result *models.ToolResult) HookResult {
	et := errorTrackingStateFrom(state)
	if result != nil && result.IsError() {
		et.ConsecutiveFailures++
	} else {
		et.ConsecutiveFailures = 0
	}
	newState := state.WithMiddlewareState(et)

	max := m.MaxConsecutiveFailures
	if max == 0 {
		max = 5
	}
	if et.ConsecutiveFailures >= max {
		coord.MaxConsecutiveErrorsExceeded(ctx, et.ConsecutiveFailures)
		return HookResult{
			State:             newState.WithTermination(TerminationConsecutiveErrors),
			Terminate:         true,
			TerminationReason: TerminationConsecutiveErrors,
		}
	}
	return HookResult{State: newState}
}

// PermissionMiddleware brokers before_function calls for tools flagged
// RequiresPermission through the coordinator's request/response round trip,
// caching "for this turn" approvals in BatchPermissionState so repeated
// calls to the same tool within a batch don't re-prompt. When an
// ApprovalChecker is set, it is consulted first for a synchronous
// allow/deny decision; only ApprovalPending falls through to the
// coordinator's asynchronous round trip.
type PermissionMiddleware struct {
	Registry *ToolRegistry
	Timeout  func() (contextDeadline bool)

	ApprovalChecker *ApprovalChecker
	AgentID         string
}

// BeforeFunction implements the permission gate as a FunctionHook.
func (m *PermissionMiddleware) BeforeFunction(ctx context.Context, coord *Coordinator, state *AgentLoopState, call models.ToolCall) HookResult {
	desc, ok := m.Registry.Lookup(call.Name)
	if !ok || !desc.RequiresPermission {
		return noopResult(state)
	}

	bp := batchPermissionStateFrom(state)
	if _, approved := bp.Approved[call.Name]; approved {
		return noopResult(state)
	}
	if reason, denied := bp.Denied[call.Name]; denied {
		return HookResult{
			State:         state,
			BlockFunction: true,
			BlockedCallID: call.CallID,
			BlockReason:   reason,
		}
	}

	if m.ApprovalChecker != nil {
		switch decision, reason := m.ApprovalChecker.Check(ctx, m.AgentID, call); decision {
		case ApprovalAllowed:
			return HookResult{State: state.WithMiddlewareState(approveForBatch(bp, call.Name))}
		case ApprovalDenied:
			return HookResult{
				State:         state.WithMiddlewareState(denyForBatch(bp, call.Name, reason)),
				BlockFunction: true,
				BlockedCallID: call.CallID,
				BlockReason:   reason,
			}
		case ApprovalPending:
			// Fall through to the coordinator round trip below.
		}
	}

	resp, err := coord.RequestPermission(ctx, call.Name, call.CallID, 0)
	if err != nil {
		return HookResult{
			State:         state,
			BlockFunction: true,
			BlockedCallID: call.CallID,
			BlockReason:   "permission request failed: " + err.Error(),
		}
	}

	next := BatchPermissionState{
		Approved:            map[string]struct{}{},
		Denied:              map[string]string{},
		BatchCheckPerformed: true,
	}
	for k := range bp.Approved {
		next.Approved[k] = struct{}{}
	}
	for k, v := range bp.Denied {
		next.Denied[k] = v
	}

	if !resp.Approved {
		reason := resp.Reason
		if reason == "" {
			reason = "denied by user"
		}
		next.Denied[call.Name] = reason
		return HookResult{
			State:         state.WithMiddlewareState(next),
			BlockFunction: true,
			BlockedCallID: call.CallID,
			BlockReason:   reason,
		}
	}

	if resp.Choice == "approve-for-turn" || resp.Choice == "approve-persistent" {
		next.Approved[call.Name] = struct{}{}
	}
	return HookResult{State: state.WithMiddlewareState(next)}
}

// approveForBatch returns bp with toolName recorded as approved for the
// remainder of this batch.
func approveForBatch(bp BatchPermissionState, toolName string) BatchPermissionState {
	next := BatchPermissionState{Approved: map[string]struct{}{}, Denied: map[string]string{}, BatchCheckPerformed: true}
	for k := range bp.Approved {
		next.Approved[k] = struct{}{}
	}
	for k, v := range bp.Denied {
		next.Denied[k] = v
	}
	next.Approved[toolName] = struct{}{}
	return next
}

// denyForBatch returns bp with toolName recorded as denied for the
// remainder of this batch.
func denyForBatch(bp BatchPermissionState, toolName, reason string) BatchPermissionState {
	next := BatchPermissionState{Approved: map[string]struct{}{}, Denied: map[string]string{}, BatchCheckPerformed: true}
	for k := range bp.Approved {
		next.Approved[k] = struct{}{}
	}
	for k, v := range bp.Denied {
		next.Denied[k] = v
	}
	next.Denied[toolName] = reason
	return next
}

// ContinuationMiddleware intercepts iteration-limit exhaustion: instead of
// terminating, it asks (via the coordinator) whether to extend the limit.
type ContinuationMiddleware struct {
	ExtensionSize     int
	RequestTimeout    func() int
}

// BeforeIteration implements the continuation check as a Hook, run before
// the kernel's own iteration<=max comparison.
func (m *ContinuationMiddleware) BeforeIteration(ctx context.Context, coord *Coordinator, state *AgentLoopState) HookResult {
	cp := continuationPermissionStateFrom(state)
	effectiveLimit := state.MaxIterationLimit
	if int(cp.CurrentExtendedLimit) > effectiveLimit {
		effectiveLimit = int(cp.CurrentExtendedLimit)
	}

	if state.Iteration < effectiveLimit {
		return noopResult(state)
	}

	extend := m.ExtensionSize
	if extend <= 0 {
		extend = 10
	}
	requested := effectiveLimit + extend

	resp, err := coord.RequestContinuation(ctx, effectiveLimit, requested, 0)
	if err != nil || resp == nil || !resp.Approved {
		return HookResult{
			State:             state.WithTermination(TerminationMaxIterations),
			Terminate:         true,
			TerminationReason: TerminationMaxIterations,
		}
	}

	newCP := ContinuationPermissionState{CurrentExtendedLimit: uint32(requested)}
	return HookResult{State: state.WithMiddlewareState(newCP)}
}
