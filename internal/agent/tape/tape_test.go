package tape

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/arclight/agentcore/internal/agent"
	"github.com/arclight/agentcore/pkg/models"
)

func fixedClock(t time.Time) Clock {
	return func() time.Time { return t }
}

func TestTape_Basic(t *testing.T) {
	tp := NewTape(time.Unix(0, 0))
	if tp.Version != "1" {
		t.Errorf("Version = %q, want %q", tp.Version, "1")
	}
	if tp.TotalTurns() != 0 {
		t.Errorf("TotalTurns = %d, want 0", tp.TotalTurns())
	}
}

func TestTape_AddTurn(t *testing.T) {
	tp := NewTape(time.Unix(0, 0))
	tp.AddTurn(Turn{
		Updates:  []agent.ModelUpdate{{Kind: agent.ModelUpdateTextDelta, TextDelta: "hi"}},
		Duration: time.Second,
	})

	if tp.TotalTurns() != 1 {
		t.Errorf("TotalTurns = %d, want 1", tp.TotalTurns())
	}
	turn, ok := tp.Turn(0)
	if !ok {
		t.Fatal("should get turn 0")
	}
	if turn.Index != 0 {
		t.Errorf("Index = %d, want 0", turn.Index)
	}
}

func TestTape_AddToolRun(t *testing.T) {
	tp := NewTape(time.Unix(0, 0))
	tp.AddToolRun(ToolRun{
		TurnIndex: 0,
		Call:      models.ToolCall{CallID: "call-1", Name: "test_tool", Args: json.RawMessage(`{"key":"value"}`)},
		Result:    json.RawMessage(`{"ok":true}`),
		Duration:  100 * time.Millisecond,
	})

	if tp.TotalToolRuns() != 1 {
		t.Errorf("TotalToolRuns = %d, want 1", tp.TotalToolRuns())
	}
	runs := tp.ToolRunsForTurn(0)
	if len(runs) != 1 || runs[0].Call.Name != "test_tool" {
		t.Fatalf("unexpected runs: %+v", runs)
	}
}

func TestTape_CloneRoundTrip(t *testing.T) {
	tp := NewTape(time.Unix(100, 0))
	tp.Model = "test-backend"
	tp.AddTurn(Turn{Updates: []agent.ModelUpdate{{Kind: agent.ModelUpdateFinish, FinishReason: "stop"}}})
	tp.AddToolRun(ToolRun{TurnIndex: 0, Call: models.ToolCall{Name: "search"}, Result: json.RawMessage(`"found it"`)})

	clone := tp.Clone()
	if clone.Model != tp.Model {
		t.Errorf("Model = %q, want %q", clone.Model, tp.Model)
	}
	if clone.TotalTurns() != tp.TotalTurns() || clone.TotalToolRuns() != tp.TotalToolRuns() {
		t.Errorf("clone counts diverge from original")
	}
}

func TestTape_Summary(t *testing.T) {
	tp := NewTape(time.Unix(0, 0))
	tp.Model = "test-backend"
	tp.AddTurn(Turn{})
	tp.AddTurn(Turn{})

	summary := tp.Summary()
	if summary.TurnCount != 2 {
		t.Errorf("TurnCount = %d, want 2", summary.TurnCount)
	}
	if summary.Model != "test-backend" {
		t.Errorf("Model = %q, want %q", summary.Model, "test-backend")
	}
}

// stubBackend implements agent.ModelBackend by returning one scripted
// update sequence per Stream call, in order.
type stubBackend struct {
	name  string
	turns [][]agent.ModelUpdate
	idx   int
}

func (b *stubBackend) Name() string { return b.name }

func (b *stubBackend) Stream(ctx context.Context, req agent.ModelRequest) (agent.ModelStream, error) {
	var updates []agent.ModelUpdate
	if b.idx < len(b.turns) {
		updates = b.turns[b.idx]
	}
	b.idx++

	ch := make(chan agent.ModelUpdate, len(updates))
	for _, u := range updates {
		ch <- u
	}
	close(ch)
	return agent.NewChanModelStream(ch), nil
}

func TestRecorder_RecordsUpdates(t *testing.T) {
	backend := &stubBackend{name: "stub", turns: [][]agent.ModelUpdate{
		{{Kind: agent.ModelUpdateTextDelta, TextDelta: "Hello "}, {Kind: agent.ModelUpdateTextDelta, TextDelta: "world!"}},
	}}

	recorder := NewRecorder(backend, fixedClock(time.Unix(0, 0)))
	stream, err := recorder.Stream(context.Background(), agent.ModelRequest{})
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}

	var text string
	for u := range stream.Updates() {
		text += u.TextDelta
	}
	if text != "Hello world!" {
		t.Errorf("text = %q, want %q", text, "Hello world!")
	}

	tp := recorder.Tape()
	if tp.TotalTurns() != 1 {
		t.Fatalf("TotalTurns = %d, want 1", tp.TotalTurns())
	}
	turn, _ := tp.Turn(0)
	if len(turn.Updates) != 2 {
		t.Errorf("recorded %d updates, want 2", len(turn.Updates))
	}
}

func TestRecorder_RecordToolHandler(t *testing.T) {
	backend := &stubBackend{name: "stub"}
	recorder := NewRecorder(backend, fixedClock(time.Unix(0, 0)))

	base := func(ctx context.Context, args []byte) (json.RawMessage, error) {
		return json.RawMessage(`{"ok":true}`), nil
	}
	wrapped := recorder.RecordToolHandler(0, models.ToolCall{CallID: "c1", Name: "search"}, base)

	if _, err := wrapped(context.Background(), json.RawMessage(`{}`)); err != nil {
		t.Fatalf("wrapped handler: %v", err)
	}

	tp := recorder.Tape()
	if tp.TotalToolRuns() != 1 {
		t.Fatalf("TotalToolRuns = %d, want 1", tp.TotalToolRuns())
	}
	if tp.ToolRuns[0].Call.Name != "search" {
		t.Errorf("Call.Name = %q, want %q", tp.ToolRuns[0].Call.Name, "search")
	}
}

func TestReplayer_ReplaysUpdates(t *testing.T) {
	tp := NewTape(time.Unix(0, 0))
	tp.AddTurn(Turn{Updates: []agent.ModelUpdate{
		{Kind: agent.ModelUpdateTextDelta, TextDelta: "Replayed "},
		{Kind: agent.ModelUpdateTextDelta, TextDelta: "response"},
	}})

	replayer := NewReplayer(tp)
	stream, err := replayer.Stream(context.Background(), agent.ModelRequest{})
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}

	var text string
	for u := range stream.Updates() {
		text += u.TextDelta
	}
	if text != "Replayed response" {
		t.Errorf("text = %q, want %q", text, "Replayed response")
	}
}

func TestReplayer_TapeExhausted(t *testing.T) {
	tp := NewTape(time.Unix(0, 0))
	tp.AddTurn(Turn{Updates: []agent.ModelUpdate{{Kind: agent.ModelUpdateFinish}}})

	replayer := NewReplayer(tp)
	if _, err := replayer.Stream(context.Background(), agent.ModelRequest{}); err != nil {
		t.Fatalf("first Stream: %v", err)
	}
	if _, err := replayer.Stream(context.Background(), agent.ModelRequest{}); err != ErrTapeExhausted {
		t.Errorf("err = %v, want ErrTapeExhausted", err)
	}
}

func TestReplayer_StrictModeMismatch(t *testing.T) {
	tp := NewTape(time.Unix(0, 0))
	tp.AddTurn(Turn{Request: agent.ModelRequest{System: "expected system"}})

	replayer := NewReplayer(tp).WithMode(ReplayStrict)
	if _, err := replayer.Stream(context.Background(), agent.ModelRequest{System: "different system"}); err != nil {
		t.Fatalf("Stream: %v", err)
	}

	mismatches := replayer.Mismatches()
	found := false
	for _, m := range mismatches {
		if m.Field == "system" {
			found = true
		}
	}
	if !found {
		t.Errorf("expected a system mismatch, got %+v", mismatches)
	}
}

func TestReplayer_ToolHandler(t *testing.T) {
	tp := NewTape(time.Unix(0, 0))
	tp.AddTurn(Turn{})
	tp.AddToolRun(ToolRun{TurnIndex: 0, Call: models.ToolCall{Name: "search"}, Result: json.RawMessage(`"found it"`)})

	replayer := NewReplayer(tp)
	stream, _ := replayer.Stream(context.Background(), agent.ModelRequest{})
	for range stream.Updates() {
	}

	handler := replayer.ToolHandler("search")
	result, err := handler(context.Background(), json.RawMessage(`{}`))
	if err != nil {
		t.Fatalf("handler: %v", err)
	}
	if string(result) != `"found it"` {
		t.Errorf("result = %s, want %q", result, `"found it"`)
	}
}

func TestReplayer_ToolNames(t *testing.T) {
	tp := NewTape(time.Unix(0, 0))
	tp.AddToolRun(ToolRun{TurnIndex: 0, Call: models.ToolCall{Name: "tool_a"}})
	tp.AddToolRun(ToolRun{TurnIndex: 0, Call: models.ToolCall{Name: "tool_b"}})
	tp.AddToolRun(ToolRun{TurnIndex: 1, Call: models.ToolCall{Name: "tool_a"}})

	replayer := NewReplayer(tp)
	names := replayer.ToolNames()
	if len(names) != 2 {
		t.Fatalf("got %d tool names, want 2: %v", len(names), names)
	}
}
