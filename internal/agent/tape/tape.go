// Package tape provides recording and replay of agent model/tool traffic,
// so integration tests and demos can drive the iteration kernel without a
// live ModelBackend.
package tape

import (
	"encoding/json"
	"time"

	"github.com/arclight/agentcore/internal/agent"
	"github.com/arclight/agentcore/pkg/models"
)

// Tape records a complete run against a ModelBackend.
type Tape struct {
	Version string `json:"version" yaml:"version"`

	CreatedAt time.Time `json:"created_at" yaml:"created_at"`

	Model string `json:"model,omitempty" yaml:"model,omitempty"`

	System string `json:"system,omitempty" yaml:"system,omitempty"`

	// Turns contains each ModelBackend.Stream call, in order.
	Turns []Turn `json:"turns" yaml:"turns"`

	// ToolRuns contains each tool invocation, keyed to the turn that
	// produced the triggering tool call.
	ToolRuns []ToolRun `json:"tool_runs" yaml:"tool_runs"`

	Metadata map[string]string `json:"metadata,omitempty" yaml:"metadata,omitempty"`
}

// Turn is one Stream request/response pair.
type Turn struct {
	Index int `json:"index" yaml:"index"`

	Request agent.ModelRequest `json:"request" yaml:"request"`

	Updates []agent.ModelUpdate `json:"updates" yaml:"updates"`

	Duration time.Duration `json:"duration" yaml:"duration"`
}

// ToolRun is one ToolHandler invocation triggered by a turn's tool call.
type ToolRun struct {
	TurnIndex int `json:"turn_index" yaml:"turn_index"`

	Call models.ToolCall `json:"call" yaml:"call"`

	Result json.RawMessage `json:"result,omitempty" yaml:"result,omitempty"`

	Error string `json:"error,omitempty" yaml:"error,omitempty"`

	Duration time.Duration `json:"duration" yaml:"duration"`
}

// NewTape creates an empty tape, stamped at recordedAt (callers supply the
// timestamp since tape scripts can't call time.Now directly).
func NewTape(recordedAt time.Time) *Tape {
	return &Tape{
		Version:   "1",
		CreatedAt: recordedAt,
		Turns:     []Turn{},
		ToolRuns:  []ToolRun{},
		Metadata:  make(map[string]string),
	}
}

// AddTurn appends a turn, assigning its Index.
func (t *Tape) AddTurn(turn Turn) {
	turn.Index = len(t.Turns)
	t.Turns = append(t.Turns, turn)
}

// AddToolRun appends a tool run.
func (t *Tape) AddToolRun(run ToolRun) {
	t.ToolRuns = append(t.ToolRuns, run)
}

// Turn returns the turn at index, if present.
func (t *Tape) Turn(index int) (*Turn, bool) {
	if index < 0 || index >= len(t.Turns) {
		return nil, false
	}
	return &t.Turns[index], true
}

// ToolRunsForTurn returns the tool runs recorded against a given turn index.
func (t *Tape) ToolRunsForTurn(turnIndex int) []ToolRun {
	var runs []ToolRun
	for _, run := range t.ToolRuns {
		if run.TurnIndex == turnIndex {
			runs = append(runs, run)
		}
	}
	return runs
}

// TotalTurns reports the number of recorded turns.
func (t *Tape) TotalTurns() int { return len(t.Turns) }

// TotalToolRuns reports the number of recorded tool runs.
func (t *Tape) TotalToolRuns() int { return len(t.ToolRuns) }

// MarshalJSON-based deep copy, since ModelUpdate/ModelRequest hold no cycles
// and JSON round-tripping is cheaper to keep correct than a hand-written
// field-by-field clone as the wire shape evolves.
func (t *Tape) Clone() *Tape {
	data, err := json.Marshal(t)
	if err != nil {
		clone := *t
		return &clone
	}
	var clone Tape
	if err := json.Unmarshal(data, &clone); err != nil {
		fallback := *t
		return &fallback
	}
	return &clone
}

// Summary is a brief overview of a tape's contents.
type Summary struct {
	Version      string    `json:"version"`
	CreatedAt    time.Time `json:"created_at"`
	Model        string    `json:"model,omitempty"`
	TurnCount    int       `json:"turn_count"`
	ToolRunCount int       `json:"tool_run_count"`
}

// Summary reports the tape's turn/tool-run counts.
func (t *Tape) Summary() Summary {
	return Summary{
		Version:      t.Version,
		CreatedAt:    t.CreatedAt,
		Model:        t.Model,
		TurnCount:    len(t.Turns),
		ToolRunCount: len(t.ToolRuns),
	}
}
