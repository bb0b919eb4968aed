package tape

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/arclight/agentcore/internal/agent"
	"github.com/arclight/agentcore/pkg/models"
)

// Clock supplies timestamps to the recorder without reaching for time.Now
// directly, so tests can drive deterministic tapes.
type Clock func() time.Time

// Recorder wraps a ModelBackend, transparently recording every Stream call
// and its update sequence onto a Tape while returning updates to the caller
// exactly as the wrapped backend produced them.
type Recorder struct {
	backend agent.ModelBackend
	clock   Clock

	mu      sync.Mutex
	tape    *Tape
	turnIdx int
}

// NewRecorder wraps backend, recording onto a fresh tape stamped at
// clock's current time.
func NewRecorder(backend agent.ModelBackend, clock Clock) *Recorder {
	tape := NewTape(clock())
	tape.Model = backend.Name()
	return &Recorder{backend: backend, clock: clock, tape: tape}
}

// Name implements agent.ModelBackend.
func (r *Recorder) Name() string { return "recorder:" + r.backend.Name() }

// Stream implements agent.ModelBackend, recording the request/response pair
// as a Turn before handing the updates back to the caller.
func (r *Recorder) Stream(ctx context.Context, req agent.ModelRequest) (agent.ModelStream, error) {
	r.mu.Lock()
	turnIdx := r.turnIdx
	r.turnIdx++
	r.mu.Unlock()

	started := r.clock()
	inner, err := r.backend.Stream(ctx, req)
	if err != nil {
		return nil, err
	}

	out := make(chan agent.ModelUpdate)
	stream := agent.NewChanModelStream(out)

	go func() {
		defer close(out)
		recorded := make([]agent.ModelUpdate, 0, 8)
		for u := range inner.Updates() {
			recorded = append(recorded, u)
			out <- u
		}
		stream.SetErr(inner.Err())

		r.mu.Lock()
		r.tape.Turns = append(r.tape.Turns, Turn{
			Index:    turnIdx,
			Request:  req,
			Updates:  recorded,
			Duration: r.clock().Sub(started),
		})
		r.mu.Unlock()
	}()

	return stream, nil
}

// Tape returns a snapshot of everything recorded so far.
func (r *Recorder) Tape() *Tape {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.tape.Clone()
}

// RecordToolHandler wraps a ToolHandler, appending a ToolRun to the tape for
// every invocation. turnIndex ties the run to the Stream call whose tool
// call triggered it.
func (r *Recorder) RecordToolHandler(turnIndex int, call models.ToolCall, next agent.ToolHandler) agent.ToolHandler {
	return func(ctx context.Context, args []byte) (json.RawMessage, error) {
		started := r.clock()
		result, err := next(ctx, args)
		run := ToolRun{
			TurnIndex: turnIndex,
			Call:      call,
			Result:    result,
			Duration:  r.clock().Sub(started),
		}
		if err != nil {
			run.Error = err.Error()
		}
		r.mu.Lock()
		r.tape.AddToolRun(run)
		r.mu.Unlock()
		return result, err
	}
}

var _ agent.ModelBackend = (*Recorder)(nil)
