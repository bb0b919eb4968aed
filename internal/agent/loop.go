package agent

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/arclight/agentcore/pkg/models"
)

// LoopConfig configures one Kernel's ambient behavior: how many tool calls
// run at once, what the default iteration ceiling is, and the policy knobs
// that feed the permission/approval middleware.
type LoopConfig struct {
	// MaxIterations is the default iteration ceiling for a new turn, absent
	// a continuation extension. Default: 10.
	MaxIterations int

	// Scheduler configures tool-call dispatch concurrency/timeout/retry.
	Scheduler SchedulerConfig

	// RequireApproval lists tool names/patterns that require approval
	// outside of what the tool registry itself marks RequiresPermission.
	RequireApproval []string

	// ApprovalChecker, when set, is consulted synchronously before falling
	// through to the coordinator's permission round-trip.
	ApprovalChecker *ApprovalChecker

	// ElevatedTools lists tool patterns eligible for elevated bypass.
	ElevatedTools []string

	// ToolResultGuard redacts tool results before they are appended to the
	// message log.
	ToolResultGuard ToolResultGuard

	// CheckpointEvery commits a checkpoint every N iterations (0 disables
	// periodic checkpointing; a Checkpointer may still be invoked at turn
	// end by the caller).
	CheckpointEvery int

	// MaxToolCalls limits total tool calls across a turn (0 = unlimited).
	MaxToolCalls int

	// Logger receives kernel diagnostics.
	Logger *slog.Logger
}

// DefaultLoopConfig returns sane defaults: a 10-iteration ceiling and the
// scheduler's own defaults.
func DefaultLoopConfig() LoopConfig {
	return LoopConfig{
		MaxIterations: 10,
		Scheduler:     DefaultSchedulerConfig(),
		Logger:        slog.Default(),
	}
}

func (c LoopConfig) withDefaults() LoopConfig {
	if c.MaxIterations <= 0 {
		c.MaxIterations = 10
	}
	c.Scheduler = c.Scheduler.withDefaults()
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

// mergeLoopConfig layers override onto base, keeping base's value for any
// field override leaves at its zero value.
func mergeLoopConfig(base, override LoopConfig) LoopConfig {
	merged := base
	if override.MaxIterations > 0 {
		merged.MaxIterations = override.MaxIterations
	}
	if override.Scheduler.Concurrency > 0 {
		merged.Scheduler.Concurrency = override.Scheduler.Concurrency
	}
	if override.Scheduler.PerToolTimeout > 0 {
		merged.Scheduler.PerToolTimeout = override.Scheduler.PerToolTimeout
	}
	if override.Scheduler.MaxAttempts > 0 {
		merged.Scheduler.MaxAttempts = override.Scheduler.MaxAttempts
	}
	if override.Scheduler.RetryBackoff > 0 {
		merged.Scheduler.RetryBackoff = override.Scheduler.RetryBackoff
	}
	if len(override.RequireApproval) > 0 {
		merged.RequireApproval = override.RequireApproval
	}
	if override.ApprovalChecker != nil {
		merged.ApprovalChecker = override.ApprovalChecker
	}
	if len(override.ElevatedTools) > 0 {
		merged.ElevatedTools = override.ElevatedTools
	}
	if override.ToolResultGuard.active() {
		merged.ToolResultGuard = override.ToolResultGuard
	}
	if override.CheckpointEvery > 0 {
		merged.CheckpointEvery = override.CheckpointEvery
	}
	if override.MaxToolCalls > 0 {
		merged.MaxToolCalls = override.MaxToolCalls
	}
	if override.Logger != nil {
		merged.Logger = override.Logger
	}
	return merged
}

// schedulerEqual reports whether two SchedulerConfigs would produce
// observably identical dispatch behavior, so Run can skip building a
// throwaway Scheduler when a context override changes nothing material.
func schedulerEqual(a, b SchedulerConfig) bool {
	return a.Concurrency == b.Concurrency && a.PerToolTimeout == b.PerToolTimeout &&
		a.MaxAttempts == b.MaxAttempts && a.RetryBackoff == b.RetryBackoff
}

// Checkpointer persists an iteration's settled state so a crash can resume
// from the last commit point (spec §4.8). Thread wires a concrete
// implementation backed by the branch store.
type Checkpointer interface {
	SaveCheckpoint(ctx context.Context, threadID string, iteration int, state *AgentLoopState) (checkpointID string, err error)
}

// PendingWriteSink persists a single completed tool result ahead of the next
// checkpoint commit (spec §4.5 scheduler step 4: "pending write"). Without
// this, a crash between a tool call completing and the owning iteration's
// checkpoint commit silently loses that result on resume.
type PendingWriteSink interface {
	SavePendingWrite(ctx context.Context, pw models.PendingWrite) error
}

// Kernel runs the per-iteration algorithm (spec §4.3) over a single turn: it
// drives the model call, dispatches tool calls through the Scheduler, and
// threads an AgentLoopState through the middleware Pipeline.
type Kernel struct {
	Backend     ModelBackend
	Registry    *ToolRegistry
	Scheduler   *Scheduler
	Pipeline    *Pipeline
	Coordinator *Coordinator
	Config      LoopConfig

	// Containers lists every container-only descriptor, used to compute
	// which member tools are hidden until opened (spec §4.4).
	Containers []*models.ToolDescriptor

	Checkpointer  Checkpointer
	PendingWrites PendingWriteSink
	ThreadID      string
}

// NewKernel builds a Kernel, filling in config defaults.
func NewKernel(backend ModelBackend, registry *ToolRegistry, coord *Coordinator, pipeline *Pipeline, config LoopConfig) *Kernel {
	config = config.withDefaults()
	if pipeline == nil {
		pipeline = NewPipeline()
	}
	return &Kernel{
		Backend:     backend,
		Registry:    registry,
		Scheduler:   NewScheduler(registry, config.Scheduler),
		Pipeline:    pipeline,
		Coordinator: coord,
		Config:      config,
	}
}

// turn bundles a Kernel with the config/scheduler actually in effect for one
// Run call, after folding in any per-request LoopConfig override carried on
// the context (see WithLoopConfig). A fresh turn per Run call keeps the
// override local instead of mutating the shared Kernel.
type turn struct {
	*Kernel
	config    LoopConfig
	scheduler *Scheduler
}

func newTurn(ctx context.Context, k *Kernel) *turn {
	config := k.Config
	scheduler := k.Scheduler
	if override, ok := loopConfigFromContext(ctx); ok {
		config = mergeLoopConfig(k.Config, override).withDefaults()
		if !schedulerEqual(config.Scheduler, k.Config.Scheduler) {
			scheduler = NewScheduler(k.Registry, config.Scheduler)
		}
	}
	return &turn{Kernel: k, config: config, scheduler: scheduler}
}

// Run drives the kernel to completion starting from state, running
// before_message_turn once, then iterating the per-iteration algorithm
// until termination. It returns the final state. A LoopConfig override
// stashed on ctx via WithLoopConfig applies for this call only.
func (k *Kernel) Run(ctx context.Context, state *AgentLoopState) (*AgentLoopState, error) {
	t := newTurn(ctx, k)

	if t.Coordinator != nil {
		t.Coordinator.AgentTurnStarted(ctx)
	}

	result := t.Pipeline.RunBeforeMessageTurn(ctx, t.Coordinator, state)
	state = result.State
	if result.Terminate {
		state = state.WithTermination(result.TerminationReason)
	}

	totalToolCalls := 0
	for !state.IsTerminated {
		var err error
		state, err = t.runIteration(ctx, state, &totalToolCalls)
		if err != nil {
			if t.Coordinator != nil {
				t.Coordinator.MessageTurnError(ctx, err, false)
			}
			return state, err
		}
	}

	final := t.Pipeline.RunAfterMessageTurn(ctx, t.Coordinator, state)
	state = final.State
	if t.Coordinator != nil {
		t.Coordinator.AgentTurnFinished(ctx, state.TerminationReason)
	}
	return state, nil
}

// runIteration implements the 11-step per-iteration algorithm from spec
// §4.3. It returns the updated state; the caller loops until IsTerminated.
func (t *turn) runIteration(ctx context.Context, state *AgentLoopState, totalToolCalls *int) (*AgentLoopState, error) {
	select {
	case <-ctx.Done():
		return state.WithTermination(TerminationUserCancelled), nil
	default:
	}

	// Step 1/2: before_iteration hooks, which include the continuation
	// middleware's own iteration<=max_iteration_limit check.
	before := t.Pipeline.RunBeforeIteration(ctx, t.Coordinator, state)
	state = before.State
	if before.Terminate {
		return state.WithTermination(before.TerminationReason), nil
	}

	if t.Coordinator != nil {
		t.Coordinator.SetIter(state.Iteration)
		t.Coordinator.MessageTurnStarted(ctx)
	}

	var assistantMsg *models.ChatMessage
	if before.SkipLLMCall {
		// A middleware has already appended the synthetic assistant
		// message it wants used this iteration.
		if len(state.Messages) > 0 {
			assistantMsg = state.Messages[len(state.Messages)-1]
		}
	} else {
		var err error
		assistantMsg, state, err = t.callModel(ctx, state)
		if err != nil {
			if t.Coordinator != nil {
				t.Coordinator.MessageTurnError(ctx, err, true)
			}
			return state, &LoopError{Phase: PhaseStream, Iteration: state.Iteration, Cause: err}
		}
		// Step 6: append the assistant message.
		state = state.WithAppendedMessages(assistantMsg)
	}

	if t.Coordinator != nil {
		t.Coordinator.MessageTurnFinished(ctx)
	}

	// Step 7: before_tool_execution hooks.
	beforeTools := t.Pipeline.RunBeforeToolExecution(ctx, t.Coordinator, state)
	state = beforeTools.State
	if beforeTools.Terminate {
		return state.WithTermination(beforeTools.TerminationReason), nil
	}

	var toolCalls []models.ToolCall
	if assistantMsg != nil {
		toolCalls = assistantMsg.ToolCalls()
	}

	// Step 8: no tool calls means natural termination.
	if beforeTools.SkipToolExecution || len(toolCalls) == 0 {
		if len(toolCalls) == 0 {
			state = state.WithTermination(TerminationNatural)
		}
		return t.finishIteration(ctx, state)
	}

	if t.config.MaxToolCalls > 0 && *totalToolCalls+len(toolCalls) > t.config.MaxToolCalls {
		allowed := t.config.MaxToolCalls - *totalToolCalls
		if allowed < 0 {
			allowed = 0
		}
		toolCalls = toolCalls[:allowed]
	}
	*totalToolCalls += len(toolCalls)

	if len(toolCalls) == 0 {
		return t.finishIteration(ctx, state.WithTermination(TerminationMaxIterations))
	}

	// Step 9: dispatch the batch and append results in call order.
	var err error
	state, err = t.dispatchToolCalls(ctx, state, toolCalls)
	if err != nil {
		return state, err
	}

	return t.finishIteration(ctx, state)
}

// finishIteration runs step 10 (after_iteration hooks + checkpoint) and
// step 11 (terminate or advance).
func (t *turn) finishIteration(ctx context.Context, state *AgentLoopState) (*AgentLoopState, error) {
	after := t.Pipeline.RunAfterIteration(ctx, t.Coordinator, state)
	state = after.State
	if after.Terminate {
		state = state.WithTermination(after.TerminationReason)
	}

	if t.Checkpointer != nil && t.config.CheckpointEvery > 0 && (state.Iteration+1)%t.config.CheckpointEvery == 0 {
		if id, err := t.Checkpointer.SaveCheckpoint(ctx, t.ThreadID, state.Iteration, state); err == nil && t.Coordinator != nil {
			t.Coordinator.CheckpointSaved(ctx, id, "", int64(state.Iteration))
		}
	}

	if state.IsTerminated {
		return state, nil
	}
	return state.WithNextIteration(), nil
}

// callModel resolves the tools currently visible to the model (container
// scoping applied), runs the execute_model_call chain, and folds the
// resulting stream into an assistant ChatMessage, emitting the matching
// Coordinator event for each update (step 4).
func (t *turn) callModel(ctx context.Context, state *AgentLoopState) (*models.ChatMessage, *AgentLoopState, error) {
	base := func(ctx context.Context, state *AgentLoopState) (*models.ChatMessage, error) {
		memberOf := BuildMemberOf(t.Containers)
		tools := VisibleTools(state, t.Registry.Descriptors(), memberOf, nil)

		stream, err := t.Backend.Stream(ctx, ModelRequest{Messages: state.Messages, Tools: tools})
		if err != nil {
			return nil, &ModelError{Transient: isTransientModelErr(err), Message: err.Error(), Cause: err}
		}

		asm := newAssistantAssembler()
		for update := range stream.Updates() {
			asm.Apply(update)
			t.emitModelUpdate(ctx, update)
		}
		if err := stream.Err(); err != nil {
			return nil, &ModelError{Transient: isTransientModelErr(err), Message: err.Error(), Cause: err}
		}
		return asm.Message(), nil
	}

	wrapped := t.Pipeline.WrapModelCall(base)
	msg, err := wrapped(ctx, state)
	return msg, state, err
}

func (t *turn) emitModelUpdate(ctx context.Context, u ModelUpdate) {
	if t.Coordinator == nil {
		return
	}
	switch u.Kind {
	case ModelUpdateTextDelta:
		t.Coordinator.TextDelta(ctx, u.TextDelta)
	case ModelUpdateReasoningDelta:
		t.Coordinator.Emit(ctx, models.EventReasoningDelta, func(e *models.AgentEvent) {
			e.Text = &models.TextEventPayload{Delta: u.ReasoningDelta}
		})
	case ModelUpdateToolCallStart:
		t.Coordinator.Emit(ctx, models.EventToolCallStart, func(e *models.AgentEvent) {
			e.Tool = &models.ToolEventPayload{CallID: u.ToolCallID, Name: u.ToolCallName}
		})
	case ModelUpdateToolCallDelta:
		t.Coordinator.Emit(ctx, models.EventToolCallArgsDelta, func(e *models.AgentEvent) {
			e.Tool = &models.ToolEventPayload{CallID: u.ToolCallID, ArgsDelta: u.ArgsDelta}
		})
	case ModelUpdateToolCallEnd:
		t.Coordinator.Emit(ctx, models.EventToolCallEnd, func(e *models.AgentEvent) {
			e.Tool = &models.ToolEventPayload{CallID: u.ToolCallID, ArgsJSON: u.Args}
		})
	}
}

func isTransientModelErr(err error) bool {
	return false
}

// dispatchToolCalls implements scheduler-algorithm steps 1-5 from the
// kernel's side: it wires the Pipeline's before/after_function hooks and
// container/permission resolution into the Scheduler's perCallHook, then
// appends results as a single Tool-role message in call-id order.
func (t *turn) dispatchToolCalls(ctx context.Context, state *AgentLoopState, toolCalls []models.ToolCall) (*AgentLoopState, error) {
	statePtr := state
	var stateMu sync.Mutex

	hooks := perCallHook{
		before: func(call models.ToolCall) (*models.ToolResult, bool) {
			stateMu.Lock()
			defer stateMu.Unlock()

			if desc, ok := t.Registry.Lookup(call.Name); ok {
				if exp, cerr := ResolveContainerCall(desc, call); cerr != nil {
					return &models.ToolResult{CallID: call.CallID, Error: &models.ToolResultError{Kind: "container", Message: cerr.Error()}}, false
				} else if exp != nil {
					statePtr = ApplyContainerExpansion(statePtr, exp)
					payload, _ := containerExpansionJSON(exp)
					return &models.ToolResult{CallID: call.CallID, Value: payload}, false
				}
			}

			result := t.Pipeline.RunBeforeFunction(ctx, t.Coordinator, statePtr, call)
			statePtr = result.State
			if result.BlockFunction {
				reason := result.BlockReason
				if reason == "" {
					reason = "blocked by policy"
				}
				return &models.ToolResult{CallID: call.CallID, Error: &models.ToolResultError{Kind: "permission_denied", Message: reason}}, false
			}
			return nil, true
		},
		after: func(call models.ToolCall, result models.ToolResult) {
			stateMu.Lock()
			defer stateMu.Unlock()

			r := result
			out := t.Pipeline.RunAfterFunction(ctx, t.Coordinator, statePtr, call, &r)
			statePtr = out.State
			statePtr = statePtr.WithCompletedCall(call.CallID)

			// Step 4: persist the completed result as a pending write before
			// it is folded into a checkpoint, so a crash before the owning
			// iteration commits doesn't lose it.
			if t.PendingWrites != nil {
				pw := models.PendingWrite{
					ThreadID:  t.ThreadID,
					Iteration: statePtr.Iteration,
					CallID:    call.CallID,
					Result:    r,
				}
				if err := t.PendingWrites.SavePendingWrite(ctx, pw); err != nil && t.config.Logger != nil {
					t.config.Logger.Warn("pending write persist failed", "call_id", call.CallID, "error", err)
				}
			}
		},
	}

	scheduled := t.scheduler.ExecuteConcurrently(ctx, toolCalls, t.Coordinator, hooks)

	// Step 5: assembly in call-id order as seen in the assistant's
	// tool_calls list, not completion order.
	byCallID := make(map[string]models.ToolResult, len(scheduled))
	for _, r := range scheduled {
		byCallID[r.ToolCall.CallID] = r.Result
	}

	orderedResults := make([]models.ToolResult, len(toolCalls))
	for i, tc := range toolCalls {
		orderedResults[i] = byCallID[tc.CallID]
	}
	orderedResults = guardToolResults(t.config.ToolResultGuard, toolCalls, orderedResults, t.Registry.resolver)

	parts := make([]models.ContentPart, 0, len(toolCalls))
	for i := range toolCalls {
		res := orderedResults[i]
		parts = append(parts, models.ContentPart{Type: models.ContentToolResult, ToolResult: &res})
	}

	toolMsg := &models.ChatMessage{Role: models.RoleTool, Content: parts}
	return statePtr.WithAppendedMessages(toolMsg), nil
}

func containerExpansionJSON(exp *ContainerExpansion) ([]byte, error) {
	return json.Marshal(map[string]any{
		"container": exp.ContainerName,
		"members":   exp.Members,
	})
}
