package tape

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/arclight/agentcore/internal/agent"
)

// ErrTapeExhausted indicates the tape has no more turns to replay.
var ErrTapeExhausted = errors.New("tape exhausted: no more turns to replay")

// ErrToolNotInTape indicates a tool call has no corresponding recorded run.
var ErrToolNotInTape = errors.New("tool call not found in tape")

// ErrTapeMismatch indicates a mismatch between expected and actual requests
// in ReplayStrict mode.
var ErrTapeMismatch = errors.New("tape mismatch: request differs from recorded")

// ReplayMode controls how strictly the replayer matches requests.
type ReplayMode int

const (
	// ReplayLoose returns recorded responses regardless of request content.
	ReplayLoose ReplayMode = iota
	// ReplayStrict records a Mismatch whenever a request diverges from the
	// one originally recorded for that turn.
	ReplayStrict
)

// Mismatch records a difference between an expected (recorded) and actual
// (replayed) request field.
type Mismatch struct {
	TurnIndex int
	Field     string
	Expected  string
	Actual    string
}

// Replayer implements agent.ModelBackend by replaying a recorded Tape,
// letting tests and demos drive the iteration kernel without a live model.
type Replayer struct {
	tape *Tape
	mode ReplayMode

	mu         sync.Mutex
	turnIdx    int
	toolRunIdx map[int]int
	mismatches []Mismatch
}

// NewReplayer builds a replayer over a clone of tape, so replay never
// mutates the caller's copy.
func NewReplayer(tape *Tape) *Replayer {
	return &Replayer{
		tape:       tape.Clone(),
		toolRunIdx: make(map[int]int),
	}
}

// WithMode sets the replay mode and returns the replayer for chaining.
func (r *Replayer) WithMode(mode ReplayMode) *Replayer {
	r.mode = mode
	return r
}

// Name implements agent.ModelBackend.
func (r *Replayer) Name() string { return "replayer:" + r.tape.Model }

// Stream implements agent.ModelBackend, replaying the next recorded turn's
// updates verbatim.
func (r *Replayer) Stream(ctx context.Context, req agent.ModelRequest) (agent.ModelStream, error) {
	r.mu.Lock()
	if r.turnIdx >= len(r.tape.Turns) {
		r.mu.Unlock()
		return nil, ErrTapeExhausted
	}
	turn := r.tape.Turns[r.turnIdx]
	currentTurn := r.turnIdx
	r.turnIdx++
	r.mu.Unlock()

	if r.mode == ReplayStrict {
		r.checkMismatch(currentTurn, req, turn.Request)
	}

	out := make(chan agent.ModelUpdate, len(turn.Updates))
	go func() {
		defer close(out)
		for _, u := range turn.Updates {
			select {
			case <-ctx.Done():
				return
			case out <- u:
			}
		}
	}()

	return agent.NewChanModelStream(out), nil
}

func (r *Replayer) checkMismatch(turnIndex int, actual, expected agent.ModelRequest) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(actual.Messages) != len(expected.Messages) {
		r.mismatches = append(r.mismatches, Mismatch{
			TurnIndex: turnIndex,
			Field:     "message_count",
			Expected:  fmt.Sprintf("%d", len(expected.Messages)),
			Actual:    fmt.Sprintf("%d", len(actual.Messages)),
		})
	}
	if actual.System != expected.System && expected.System != "" {
		r.mismatches = append(r.mismatches, Mismatch{
			TurnIndex: turnIndex,
			Field:     "system",
			Expected:  expected.System,
			Actual:    actual.System,
		})
	}
}

// Mismatches returns any recorded mismatches from strict mode.
func (r *Replayer) Mismatches() []Mismatch {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Mismatch{}, r.mismatches...)
}

// Reset rewinds the replayer to the start of the tape.
func (r *Replayer) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.turnIdx = 0
	r.toolRunIdx = make(map[int]int)
	r.mismatches = nil
}

// CurrentTurn reports the index of the next turn to be replayed.
func (r *Replayer) CurrentTurn() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.turnIdx
}

// ToolHandler returns an agent.ToolHandler for name that returns the next
// recorded result for that tool, advancing independently per turn.
func (r *Replayer) ToolHandler(name string) agent.ToolHandler {
	return func(ctx context.Context, args []byte) (json.RawMessage, error) {
		r.mu.Lock()
		defer r.mu.Unlock()

		turnIndex := r.turnIdx - 1
		if turnIndex < 0 {
			turnIndex = 0
		}
		runs := r.tape.ToolRunsForTurn(turnIndex)
		runIdx := r.toolRunIdx[turnIndex]
		if runIdx >= len(runs) {
			return nil, fmt.Errorf("%w: %s at turn %d", ErrToolNotInTape, name, turnIndex)
		}
		run := runs[runIdx]
		r.toolRunIdx[turnIndex] = runIdx + 1

		if run.Call.Name != name {
			return nil, fmt.Errorf("%w: expected %s, got %s", ErrTapeMismatch, run.Call.Name, name)
		}
		if run.Error != "" {
			return nil, errors.New(run.Error)
		}
		return run.Result, nil
	}
}

// ToolNames returns every distinct tool name the tape recorded a run for,
// in first-seen order, so a caller can register a ToolHandler for each.
func (r *Replayer) ToolNames() []string {
	seen := make(map[string]bool)
	var names []string
	for _, run := range r.tape.ToolRuns {
		if !seen[run.Call.Name] {
			seen[run.Call.Name] = true
			names = append(names, run.Call.Name)
		}
	}
	return names
}

var _ agent.ModelBackend = (*Replayer)(nil)
