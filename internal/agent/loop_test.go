package agent

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/arclight/agentcore/pkg/models"
)

// fakeStream is a ModelStream driven by a pre-built update slice, with an
// optional terminal error.
type fakeStream struct {
	ch  chan ModelUpdate
	err error
}

func newFakeStream(updates []ModelUpdate, err error) *fakeStream {
	ch := make(chan ModelUpdate, len(updates))
	for _, u := range updates {
		ch <- u
	}
	close(ch)
	return &fakeStream{ch: ch, err: err}
}

func (s *fakeStream) Updates() <-chan ModelUpdate { return s.ch }
func (s *fakeStream) Err() error                  { return s.err }

// scriptedBackend returns one scripted turn's updates per Stream call, in
// order; calls past the end of the script repeat the last entry.
type scriptedBackend struct {
	turns   [][]ModelUpdate
	calls   int
	streamErr error
}

func (b *scriptedBackend) Name() string { return "scripted" }

func (b *scriptedBackend) Stream(ctx context.Context, req ModelRequest) (ModelStream, error) {
	if b.streamErr != nil {
		return nil, b.streamErr
	}
	idx := b.calls
	if idx >= len(b.turns) {
		idx = len(b.turns) - 1
	}
	b.calls++
	return newFakeStream(b.turns[idx], nil), nil
}

func textTurn(text string) []ModelUpdate {
	return []ModelUpdate{{Kind: ModelUpdateTextDelta, TextDelta: text}}
}

func toolCallTurn(callID, name, args string) []ModelUpdate {
	return []ModelUpdate{
		{Kind: ModelUpdateToolCallStart, ToolCallID: callID, ToolCallName: name},
		{Kind: ModelUpdateToolCallEnd, ToolCallID: callID, Args: json.RawMessage(args)},
	}
}

func newTestRegistry() *ToolRegistry {
	return NewToolRegistry(nil)
}

func newTestState() *AgentLoopState {
	return NewAgentLoopState([]*models.ChatMessage{models.NewTextMessage(models.RoleUser, "hi")}, 10)
}

func TestKernel_NoToolCallsTerminatesNaturally(t *testing.T) {
	backend := &scriptedBackend{turns: [][]ModelUpdate{textTurn("hello there")}}
	registry := newTestRegistry()
	coord := NewCoordinator("run-1", "thread-1", nil)

	k := NewKernel(backend, registry, coord, nil, DefaultLoopConfig())

	final, err := k.Run(context.Background(), newTestState())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if !final.IsTerminated || final.TerminationReason != TerminationNatural {
		t.Fatalf("got terminated=%v reason=%v, want natural", final.IsTerminated, final.TerminationReason)
	}
	last := final.Messages[len(final.Messages)-1]
	if last.Text() != "hello there" {
		t.Errorf("final message text = %q, want %q", last.Text(), "hello there")
	}
}

func TestKernel_SingleToolCallRoundTrip(t *testing.T) {
	backend := &scriptedBackend{turns: [][]ModelUpdate{
		toolCallTurn("call-1", "echo", `{"text":"test"}`),
		textTurn("the tool said: test"),
	}}
	registry := newTestRegistry()
	registry.Register(&models.ToolDescriptor{Name: "echo"}, func(ctx context.Context, args []byte) (json.RawMessage, error) {
		var in struct {
			Text string `json:"text"`
		}
		if err := json.Unmarshal(args, &in); err != nil {
			return nil, err
		}
		return json.Marshal(map[string]string{"echoed": in.Text})
	})
	coord := NewCoordinator("run-1", "thread-1", nil)

	k := NewKernel(backend, registry, coord, nil, DefaultLoopConfig())

	final, err := k.Run(context.Background(), newTestState())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if final.TerminationReason != TerminationNatural {
		t.Fatalf("termination reason = %v, want natural", final.TerminationReason)
	}

	var toolMsg *models.ChatMessage
	for _, m := range final.Messages {
		if m.Role == models.RoleTool {
			toolMsg = m
		}
	}
	if toolMsg == nil {
		t.Fatal("expected a tool-role message in the log")
	}
	if len(toolMsg.Content) != 1 || toolMsg.Content[0].ToolResult == nil {
		t.Fatalf("expected one tool result, got %+v", toolMsg.Content)
	}
	if toolMsg.Content[0].ToolResult.IsError() {
		t.Fatalf("unexpected tool error: %+v", toolMsg.Content[0].ToolResult.Error)
	}
}

func TestKernel_MaxIterationsTerminates(t *testing.T) {
	backend := &scriptedBackend{turns: [][]ModelUpdate{toolCallTurn("call-1", "noop", `{}`)}}
	registry := newTestRegistry()
	registry.Register(&models.ToolDescriptor{Name: "noop"}, func(ctx context.Context, args []byte) (json.RawMessage, error) {
		return json.RawMessage(`{}`), nil
	})
	coord := NewCoordinator("run-1", "thread-1", nil)

	pipeline := NewPipeline()
	cont := &ContinuationMiddleware{}
	pipeline.BeforeIteration = append(pipeline.BeforeIteration, cont.BeforeIteration)

	state := NewAgentLoopState([]*models.ChatMessage{models.NewTextMessage(models.RoleUser, "go forever")}, 2)

	k := NewKernel(backend, registry, coord, pipeline, DefaultLoopConfig())

	// No one answers the continuation round trip; bound the context so
	// waitForResponse unblocks via ctx.Done() instead of hanging forever.
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	final, err := k.Run(ctx, state)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if !final.IsTerminated || final.TerminationReason != TerminationMaxIterations {
		t.Fatalf("got terminated=%v reason=%v, want max_iterations", final.IsTerminated, final.TerminationReason)
	}
}

func TestKernel_MaxToolCallsTruncatesBatch(t *testing.T) {
	turn := append(toolCallTurn("call-1", "noop", `{}`), toolCallTurn("call-2", "noop", `{}`)...)
	backend := &scriptedBackend{turns: [][]ModelUpdate{turn, textTurn("done")}}
	registry := newTestRegistry()
	var invocations int
	registry.Register(&models.ToolDescriptor{Name: "noop"}, func(ctx context.Context, args []byte) (json.RawMessage, error) {
		invocations++
		return json.RawMessage(`{}`), nil
	})
	coord := NewCoordinator("run-1", "thread-1", nil)

	config := DefaultLoopConfig()
	config.MaxToolCalls = 1
	k := NewKernel(backend, registry, coord, nil, config)

	final, err := k.Run(context.Background(), newTestState())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if invocations != 1 {
		t.Errorf("invocations = %d, want 1", invocations)
	}
	if final.TerminationReason != TerminationNatural {
		t.Errorf("termination reason = %v, want natural", final.TerminationReason)
	}
}

func TestKernel_ModelErrorSurfacesAsLoopError(t *testing.T) {
	backend := &scriptedBackend{streamErr: errors.New("backend unavailable")}
	registry := newTestRegistry()
	coord := NewCoordinator("run-1", "thread-1", nil)

	k := NewKernel(backend, registry, coord, nil, DefaultLoopConfig())

	_, err := k.Run(context.Background(), newTestState())
	if err == nil {
		t.Fatal("expected an error")
	}
	var loopErr *LoopError
	if !errors.As(err, &loopErr) {
		t.Fatalf("expected *LoopError, got %T", err)
	}
	if loopErr.Phase != PhaseStream {
		t.Errorf("phase = %s, want %s", loopErr.Phase, PhaseStream)
	}
}

func TestKernel_ContextCancellationTerminatesTurn(t *testing.T) {
	backend := &scriptedBackend{turns: [][]ModelUpdate{toolCallTurn("call-1", "noop", `{}`)}}
	registry := newTestRegistry()
	registry.Register(&models.ToolDescriptor{Name: "noop"}, func(ctx context.Context, args []byte) (json.RawMessage, error) {
		return json.RawMessage(`{}`), nil
	})
	coord := NewCoordinator("run-1", "thread-1", nil)

	k := NewKernel(backend, registry, coord, nil, DefaultLoopConfig())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	final, err := k.Run(ctx, newTestState())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if !final.IsTerminated || final.TerminationReason != TerminationUserCancelled {
		t.Fatalf("got terminated=%v reason=%v, want user_cancelled", final.IsTerminated, final.TerminationReason)
	}
}

func TestKernel_CircuitBreakerTerminatesOnRepeatedCall(t *testing.T) {
	backend := &scriptedBackend{turns: [][]ModelUpdate{toolCallTurn("call-1", "noop", `{}`)}}
	registry := newTestRegistry()
	registry.Register(&models.ToolDescriptor{Name: "noop"}, func(ctx context.Context, args []byte) (json.RawMessage, error) {
		return json.RawMessage(`{}`), nil
	})
	coord := NewCoordinator("run-1", "thread-1", nil)

	pipeline := NewPipeline()
	cb := &CircuitBreakerMiddleware{MaxConsecutive: 2}
	pipeline.BeforeFunction = append(pipeline.BeforeFunction, cb.BeforeFunction)

	k := NewKernel(backend, registry, coord, pipeline, DefaultLoopConfig())

	final, err := k.Run(context.Background(), newTestState())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if !final.IsTerminated || final.TerminationReason != TerminationCircuitBreaker {
		t.Fatalf("got terminated=%v reason=%v, want circuit_breaker", final.IsTerminated, final.TerminationReason)
	}
}

func TestLoopConfig_Merge(t *testing.T) {
	base := DefaultLoopConfig()
	override := LoopConfig{MaxIterations: 42}

	merged := mergeLoopConfig(base, override)
	if merged.MaxIterations != 42 {
		t.Errorf("MaxIterations = %d, want 42", merged.MaxIterations)
	}
	if merged.Scheduler.PerToolTimeout != base.Scheduler.PerToolTimeout {
		t.Errorf("Scheduler should be inherited from base when override leaves it zero")
	}
}

func TestLoopConfig_ContextOverrideAppliesPerRun(t *testing.T) {
	backend := &scriptedBackend{turns: [][]ModelUpdate{textTurn("ok")}}
	registry := newTestRegistry()
	coord := NewCoordinator("run-1", "thread-1", nil)

	k := NewKernel(backend, registry, coord, nil, DefaultLoopConfig())

	ctx := WithLoopConfig(context.Background(), LoopConfig{MaxIterations: 1})
	final, err := k.Run(ctx, newTestState())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if final.TerminationReason != TerminationNatural {
		t.Fatalf("termination reason = %v, want natural", final.TerminationReason)
	}
	// The Kernel's own config is untouched by a per-request override.
	if k.Config.MaxIterations == 1 {
		t.Error("context override should not mutate the shared Kernel config")
	}
}
