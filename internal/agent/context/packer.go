// Package context provides context management for agent conversations.
//
// This package handles:
//   - Context packing: selecting which messages to include in LLM requests
//   - Rolling summaries: compressing old history into summaries
//   - Budget management: staying within token/char limits
package context

import (
	"github.com/arclight/agentcore/pkg/models"
)

// PackOptions configures how messages are packed into context.
type PackOptions struct {
	// MaxMessages is the hard cap on number of messages to include (e.g. 60).
	MaxMessages int

	// MaxChars is the approximate character budget (cheap proxy for tokens).
	// Default: 30000 (~7500 tokens at 4 chars/token).
	MaxChars int

	// MaxToolResultChars is the max chars per tool result value. Longer
	// results are truncated. Default: 6000.
	MaxToolResultChars int

	// IncludeSummary controls whether to include the rolling summary.
	IncludeSummary bool

	// SummaryMetadataKey is the metadata key marking summary messages.
	// Default: "agentcore_summary".
	SummaryMetadataKey string
}

// DefaultPackOptions returns sensible defaults for context packing.
func DefaultPackOptions() PackOptions {
	return PackOptions{
		MaxMessages:        60,
		MaxChars:           30000,
		MaxToolResultChars: 6000,
		IncludeSummary:     true,
		SummaryMetadataKey: SummaryMetadataKey,
	}
}

// Packer selects and prepares messages for LLM context.
type Packer struct {
	opts PackOptions
}

// NewPacker creates a new context packer with the given options.
func NewPacker(opts PackOptions) *Packer {
	if opts.MaxMessages <= 0 {
		opts.MaxMessages = 60
	}
	if opts.MaxChars <= 0 {
		opts.MaxChars = 30000
	}
	if opts.MaxToolResultChars <= 0 {
		opts.MaxToolResultChars = 6000
	}
	if opts.SummaryMetadataKey == "" {
		opts.SummaryMetadataKey = SummaryMetadataKey
	}
	return &Packer{opts: opts}
}

// ItemKind classifies a candidate message considered during packing.
type ItemKind string

const (
	ItemHistory  ItemKind = "history"
	ItemTool     ItemKind = "tool"
	ItemIncoming ItemKind = "incoming"
	ItemSummary  ItemKind = "summary"
)

// ItemReason explains why a candidate was included or dropped.
type ItemReason string

const (
	ReasonIncluded   ItemReason = "included"
	ReasonOverBudget ItemReason = "over_budget"
	ReasonReserved   ItemReason = "reserved"
	ReasonSummarized ItemReason = "summarized_away"
)

// PackItem records the packing decision made for one candidate message.
type PackItem struct {
	ID       string
	Kind     ItemKind
	Reason   ItemReason
	Included bool
}

// Diagnostics reports how a Pack call spent its budget, for observability
// and for CompactionManager's usage-percent calculation.
type Diagnostics struct {
	Candidates     int
	Included       int
	Dropped        int
	SummaryUsed    bool
	SummaryChars   int
	BudgetChars    int
	BudgetMessages int
	UsedChars      int
	UsedMessages   int
	Items          []PackItem
}

// PackResult is the outcome of PackWithDiagnostics.
type PackResult struct {
	Messages    []*models.ChatMessage
	Diagnostics *Diagnostics
}

// Pack selects messages from history to fit within budget.
//
// The packed result includes (in order):
//  1. Summary message (if IncludeSummary and summary exists)
//  2. Recent messages from history (newest first, up to budget)
//  3. The incoming user message
//
// Tool result values are truncated to MaxToolResultChars. Messages are
// selected from the end (most recent) backwards until either MaxMessages
// or MaxChars is reached.
func (p *Packer) Pack(history []*models.ChatMessage, incoming, summary *models.ChatMessage) ([]*models.ChatMessage, error) {
	result := p.PackWithDiagnostics(history, incoming, summary)
	return result.Messages, nil
}

// PackWithDiagnostics behaves like Pack but also reports per-candidate
// inclusion decisions and budget usage, used by CompactionManager to
// decide when a session is nearing its context window.
func (p *Packer) PackWithDiagnostics(history []*models.ChatMessage, incoming, summary *models.ChatMessage) PackResult {
	diag := &Diagnostics{
		BudgetChars:    p.opts.MaxChars,
		BudgetMessages: p.opts.MaxMessages,
	}

	var out []*models.ChatMessage
	totalChars := 0
	totalMsgs := 0

	if incoming != nil {
		incomingChars := p.messageChars(incoming)
		totalChars += incomingChars
		totalMsgs++
		diag.Items = append(diag.Items, PackItem{ID: incoming.ID, Kind: ItemIncoming, Reason: ReasonReserved, Included: true})
	}

	if p.opts.IncludeSummary && summary != nil {
		summaryChars := p.messageChars(summary)
		totalChars += summaryChars
		totalMsgs++
		diag.SummaryUsed = true
		diag.SummaryChars = summaryChars
		diag.Items = append(diag.Items, PackItem{ID: summary.ID, Kind: ItemSummary, Reason: ReasonReserved, Included: true})
	}

	// Filter summary markers out of history; they're handled separately.
	filtered := make([]*models.ChatMessage, 0, len(history))
	for _, m := range history {
		if m == nil {
			continue
		}
		if p.isSummaryMessage(m) {
			continue
		}
		filtered = append(filtered, m)
	}
	diag.Candidates = len(filtered)

	// Walk from the end (most recent) backwards, building decisions in
	// reverse then flipping once to chronological order.
	type decision struct {
		msg      *models.ChatMessage
		included bool
	}
	decisionsReverse := make([]decision, 0, len(filtered))

	for i := len(filtered) - 1; i >= 0; i-- {
		m := filtered[i]
		msgChars := p.messageChars(m)

		fits := totalMsgs+1 <= p.opts.MaxMessages && totalChars+msgChars <= p.opts.MaxChars
		if !fits {
			decisionsReverse = append(decisionsReverse, decision{msg: m, included: false})
			continue
		}

		decisionsReverse = append(decisionsReverse, decision{msg: m, included: true})
		totalMsgs++
		totalChars += msgChars
	}

	selected := make([]*models.ChatMessage, 0, len(decisionsReverse))
	for i := len(decisionsReverse) - 1; i >= 0; i-- {
		d := decisionsReverse[i]
		kind := ItemHistory
		if len(d.msg.ToolCalls()) > 0 || hasToolResult(d.msg) {
			kind = ItemTool
		}
		reason := ReasonIncluded
		if !d.included {
			reason = ReasonOverBudget
			diag.Dropped++
		} else {
			diag.Included++
			selected = append(selected, d.msg)
		}
		diag.Items = append(diag.Items, PackItem{ID: d.msg.ID, Kind: kind, Reason: reason, Included: d.included})
	}

	if p.opts.IncludeSummary && summary != nil {
		out = append(out, summary)
	}
	for _, m := range selected {
		out = append(out, p.truncateToolResults(m))
	}
	if incoming != nil {
		out = append(out, incoming)
	}

	diag.UsedChars = totalChars
	diag.UsedMessages = totalMsgs

	return PackResult{Messages: out, Diagnostics: diag}
}

func hasToolResult(m *models.ChatMessage) bool {
	for _, part := range m.Content {
		if part.Type == models.ContentToolResult {
			return true
		}
	}
	return false
}

// messageChars estimates the character count for a message.
func (p *Packer) messageChars(m *models.ChatMessage) int {
	if m == nil {
		return 0
	}
	chars := 0
	for _, part := range m.Content {
		switch part.Type {
		case models.ContentText, models.ContentReasoning:
			chars += len(part.Text)
		case models.ContentToolCall:
			if part.ToolCall != nil {
				chars += len(part.ToolCall.Name) + len(part.ToolCall.Args)
			}
		case models.ContentToolResult:
			if part.ToolResult != nil {
				chars += len(part.ToolResult.Value)
				if part.ToolResult.Error != nil {
					chars += len(part.ToolResult.Error.Message)
				}
			}
		}
	}
	return chars
}

// isSummaryMessage checks if a message is a summary marker.
func (p *Packer) isSummaryMessage(m *models.ChatMessage) bool {
	if m.Metadata == nil {
		return false
	}
	val, ok := m.Metadata[p.opts.SummaryMetadataKey]
	if !ok {
		return false
	}
	if b, ok := val.(bool); ok {
		return b
	}
	return false
}

// truncateToolResults returns a copy with truncated tool result values.
func (p *Packer) truncateToolResults(m *models.ChatMessage) *models.ChatMessage {
	needsTruncation := false
	for _, part := range m.Content {
		if part.Type == models.ContentToolResult && part.ToolResult != nil && len(part.ToolResult.Value) > p.opts.MaxToolResultChars {
			needsTruncation = true
			break
		}
	}
	if !needsTruncation {
		return m
	}

	clone := *m
	clone.Content = make([]models.ContentPart, len(m.Content))
	for i, part := range m.Content {
		if part.Type == models.ContentToolResult && part.ToolResult != nil && len(part.ToolResult.Value) > p.opts.MaxToolResultChars {
			truncatedResult := *part.ToolResult
			truncatedResult.Value = append(append([]byte(nil), part.ToolResult.Value[:p.opts.MaxToolResultChars]...), []byte("\n...[truncated]")...)
			part.ToolResult = &truncatedResult
		}
		clone.Content[i] = part
	}
	return &clone
}
