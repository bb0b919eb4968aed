package agent

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/arclight/agentcore/pkg/models"
)

// ModelRequest is what the kernel hands to a ModelBackend for one iteration:
// the full message log plus the tools currently visible to the model.
type ModelRequest struct {
	Messages []*models.ChatMessage
	Tools    []*models.ToolDescriptor
	System   string

	MaxTokens    int
	EnableThinking bool
	ThinkingBudget int
}

// ModelUpdateKind discriminates a ModelUpdate's payload.
type ModelUpdateKind string

const (
	ModelUpdateTextDelta      ModelUpdateKind = "text_delta"
	ModelUpdateReasoningDelta ModelUpdateKind = "reasoning_delta"
	ModelUpdateToolCallStart  ModelUpdateKind = "tool_call_start"
	ModelUpdateToolCallDelta  ModelUpdateKind = "tool_call_delta"
	ModelUpdateToolCallEnd    ModelUpdateKind = "tool_call_end"
	ModelUpdateFinish         ModelUpdateKind = "finish"
)

// ModelUpdate is one increment of a streaming model call. The kernel folds a
// sequence of these into a single assistant ChatMessage and emits the
// matching Coordinator event for each.
type ModelUpdate struct {
	Kind ModelUpdateKind

	TextDelta      string
	ReasoningDelta string

	ToolCallID   string
	ToolCallName string
	ArgsDelta    string
	Args         json.RawMessage

	FinishReason string
	InputTokens  int
	OutputTokens int
}

// ModelStream is the lazy sequence of updates produced by one model call.
// Implementations close the channel when the stream ends and surface any
// terminal error via Err after the channel is drained.
type ModelStream interface {
	Updates() <-chan ModelUpdate
	Err() error
}

// ModelBackend is the engine's only dependency on an actual LLM. It is
// deliberately minimal: one streaming call per iteration. Providers (OpenAI,
// Anthropic, local) are adapted to this interface outside the engine.
type ModelBackend interface {
	Name() string
	Stream(ctx context.Context, req ModelRequest) (ModelStream, error)
}

// chanModelStream is a trivial ModelStream backed by a channel, useful for
// backends and tests that already have the full update sequence in hand.
type chanModelStream struct {
	ch  chan ModelUpdate
	err error
}

// NewChanModelStream builds a ModelStream from a pre-populated update
// channel. The channel must already be closed by the time Err is consulted.
func NewChanModelStream(ch chan ModelUpdate) *chanModelStream {
	return &chanModelStream{ch: ch}
}

func (s *chanModelStream) Updates() <-chan ModelUpdate { return s.ch }
func (s *chanModelStream) Err() error                  { return s.err }

// SetErr records the stream's terminal error, to be read after Updates() is
// drained.
func (s *chanModelStream) SetErr(err error) { s.err = err }

// assembleAssistantMessage folds a drained update sequence into a single
// ChatMessage, in iteration-kernel step-4/5 order: text deltas append to the
// last open text part, tool-call updates build ToolCall content parts keyed
// by CallID, preserving first-seen order.
type assistantAssembler struct {
	textBuilder   strings.Builder
	reasonBuilder strings.Builder
	toolOrder     []string
	toolArgs      map[string]*strings.Builder
	toolNames     map[string]string
	finishReason  string
	inputTokens   int
	outputTokens  int
}

func newAssistantAssembler() *assistantAssembler {
	return &assistantAssembler{
		toolArgs:  make(map[string]*strings.Builder),
		toolNames: make(map[string]string),
	}
}

// Apply folds one update into the assembler and reports the Coordinator
// emission that should accompany it (kernel step 4: "for each update, emit
// the corresponding event").
func (a *assistantAssembler) Apply(u ModelUpdate) {
	switch u.Kind {
	case ModelUpdateTextDelta:
		a.textBuilder.WriteString(u.TextDelta)
	case ModelUpdateReasoningDelta:
		a.reasonBuilder.WriteString(u.ReasoningDelta)
	case ModelUpdateToolCallStart:
		if _, seen := a.toolArgs[u.ToolCallID]; !seen {
			a.toolOrder = append(a.toolOrder, u.ToolCallID)
			a.toolArgs[u.ToolCallID] = &strings.Builder{}
			a.toolNames[u.ToolCallID] = u.ToolCallName
		}
	case ModelUpdateToolCallDelta:
		if b, ok := a.toolArgs[u.ToolCallID]; ok {
			b.WriteString(u.ArgsDelta)
		}
	case ModelUpdateToolCallEnd:
		if len(u.Args) > 0 {
			if b, ok := a.toolArgs[u.ToolCallID]; ok {
				b.Reset()
				b.Write(u.Args)
			}
		}
	case ModelUpdateFinish:
		a.finishReason = u.FinishReason
		a.inputTokens = u.InputTokens
		a.outputTokens = u.OutputTokens
	}
}

// Message builds the assembled assistant ChatMessage, in tool-call
// first-seen order.
func (a *assistantAssembler) Message() *models.ChatMessage {
	msg := &models.ChatMessage{Role: models.RoleAssistant, CreatedAt: time.Now()}
	if a.reasonBuilder.Len() > 0 {
		msg.Content = append(msg.Content, models.ContentPart{Type: models.ContentReasoning, Text: a.reasonBuilder.String()})
	}
	if a.textBuilder.Len() > 0 {
		msg.Content = append(msg.Content, models.ContentPart{Type: models.ContentText, Text: a.textBuilder.String()})
	}
	for _, id := range a.toolOrder {
		call := models.ToolCall{
			CallID: id,
			Name:   a.toolNames[id],
			Args:   json.RawMessage(a.toolArgs[id].String()),
		}
		msg.Content = append(msg.Content, models.ContentPart{Type: models.ContentToolCall, ToolCall: &call})
	}
	return msg
}

// FinishReason returns the stream's terminal finish reason, if reported.
func (a *assistantAssembler) FinishReason() string { return a.finishReason }

// TokenUsage returns input/output token counts reported by the stream's
// finish update.
func (a *assistantAssembler) TokenUsage() (input, output int) {
	return a.inputTokens, a.outputTokens
}
