// Package testkit loads YAML-authored conversation scenarios and turns them
// into a scripted agent.ModelBackend plus per-tool handlers, so integration
// tests and the demo CLI can drive the iteration kernel without a live
// model or real tools.
package testkit

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/arclight/agentcore/internal/agent"
	"github.com/arclight/agentcore/internal/agent/tape"
	"github.com/arclight/agentcore/pkg/models"
)

// Scenario is the YAML-authored shape of a scripted conversation: one turn
// per model Stream call, plus the tool results those turns' tool calls
// should resolve to.
type Scenario struct {
	Name   string `yaml:"name"`
	Model  string `yaml:"model,omitempty"`
	System string `yaml:"system,omitempty"`

	Turns []ScenarioTurn `yaml:"turns"`

	ToolResults []ScenarioToolResult `yaml:"tool_results,omitempty"`
}

// ScenarioTurn is the sequence of model updates for one Stream call.
type ScenarioTurn struct {
	Updates []ScenarioUpdate `yaml:"updates"`
}

// ScenarioUpdate mirrors agent.ModelUpdate in a YAML-friendly shape: Kind
// selects which of the other fields apply.
type ScenarioUpdate struct {
	Kind string `yaml:"kind"`

	TextDelta      string `yaml:"text_delta,omitempty"`
	ReasoningDelta string `yaml:"reasoning_delta,omitempty"`

	ToolCallID   string `yaml:"tool_call_id,omitempty"`
	ToolCallName string `yaml:"tool_call_name,omitempty"`
	ArgsDelta    string `yaml:"args_delta,omitempty"`
	Args         string `yaml:"args,omitempty"`

	FinishReason string `yaml:"finish_reason,omitempty"`
	InputTokens  int    `yaml:"input_tokens,omitempty"`
	OutputTokens int    `yaml:"output_tokens,omitempty"`
}

// ScenarioToolResult is the recorded outcome of one tool call referenced by
// a turn's tool_call_end update.
type ScenarioToolResult struct {
	TurnIndex int    `yaml:"turn_index"`
	CallID    string `yaml:"call_id"`
	Name      string `yaml:"name"`
	Result    string `yaml:"result,omitempty"`
	Error     string `yaml:"error,omitempty"`
}

// ParseScenario parses a scenario from YAML bytes.
func ParseScenario(data []byte) (*Scenario, error) {
	var sc Scenario
	if err := yaml.Unmarshal(data, &sc); err != nil {
		return nil, fmt.Errorf("testkit: parse scenario: %w", err)
	}
	if sc.Name == "" {
		return nil, fmt.Errorf("testkit: scenario name is required")
	}
	if len(sc.Turns) == 0 {
		return nil, fmt.Errorf("testkit: scenario %q has no turns", sc.Name)
	}
	return &sc, nil
}

// LoadScenario reads and parses a scenario from a YAML file.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("testkit: read scenario %s: %w", path, err)
	}
	return ParseScenario(data)
}

var updateKinds = map[string]agent.ModelUpdateKind{
	"text_delta":      agent.ModelUpdateTextDelta,
	"reasoning_delta": agent.ModelUpdateReasoningDelta,
	"tool_call_start": agent.ModelUpdateToolCallStart,
	"tool_call_delta": agent.ModelUpdateToolCallDelta,
	"tool_call_end":   agent.ModelUpdateToolCallEnd,
	"finish":          agent.ModelUpdateFinish,
}

// Tape materializes the scenario as a tape.Tape, stamped at recordedAt, so
// it can feed a tape.Replayer.
func (s *Scenario) Tape(recordedAt time.Time) (*tape.Tape, error) {
	tp := tape.NewTape(recordedAt)
	tp.Model = s.Model
	tp.System = s.System

	for _, turn := range s.Turns {
		updates := make([]agent.ModelUpdate, 0, len(turn.Updates))
		for _, u := range turn.Updates {
			kind, ok := updateKinds[u.Kind]
			if !ok {
				return nil, fmt.Errorf("testkit: scenario %q: unknown update kind %q", s.Name, u.Kind)
			}
			update := agent.ModelUpdate{
				Kind:           kind,
				TextDelta:      u.TextDelta,
				ReasoningDelta: u.ReasoningDelta,
				ToolCallID:     u.ToolCallID,
				ToolCallName:   u.ToolCallName,
				ArgsDelta:      u.ArgsDelta,
				FinishReason:   u.FinishReason,
				InputTokens:    u.InputTokens,
				OutputTokens:   u.OutputTokens,
			}
			if u.Args != "" {
				update.Args = json.RawMessage(u.Args)
			}
			updates = append(updates, update)
		}
		tp.AddTurn(tape.Turn{Updates: updates})
	}

	for _, tr := range s.ToolResults {
		run := tape.ToolRun{
			TurnIndex: tr.TurnIndex,
			Call:      models.ToolCall{CallID: tr.CallID, Name: tr.Name},
			Error:     tr.Error,
		}
		if tr.Result != "" {
			run.Result = json.RawMessage(tr.Result)
		}
		tp.AddToolRun(run)
	}

	return tp, nil
}

// Scripted bundles a replaying ModelBackend with handlers for every tool
// the scenario exercises, ready to wire into an agent.Kernel/ToolRegistry.
type Scripted struct {
	Backend  agent.ModelBackend
	replayer *tape.Replayer
}

// ToolHandler returns the scripted handler for a tool name, for registering
// against a *agent.ToolRegistry.
func (s *Scripted) ToolHandler(name string) agent.ToolHandler {
	return s.replayer.ToolHandler(name)
}

// ToolNames lists every tool the scenario recorded a result for.
func (s *Scripted) ToolNames() []string {
	return s.replayer.ToolNames()
}

// Build compiles the scenario into a Scripted backend, stamping its
// underlying tape at recordedAt.
func (s *Scenario) Build(recordedAt time.Time) (*Scripted, error) {
	tp, err := s.Tape(recordedAt)
	if err != nil {
		return nil, err
	}
	replayer := tape.NewReplayer(tp)
	return &Scripted{Backend: replayer, replayer: replayer}, nil
}
