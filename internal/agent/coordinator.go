package agent

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/arclight/agentcore/pkg/models"
)

// EventSink receives agent events during processing. Implementations must be
// safe to call from multiple goroutines and must not block indefinitely.
type EventSink interface {
	Emit(ctx context.Context, e models.AgentEvent)
}

// PluginSink dispatches events to a PluginRegistry, bridging EventSink and
// Plugin.
type PluginSink struct {
	registry *PluginRegistry
}

// NewPluginSink creates a sink that dispatches to every plugin in registry.
func NewPluginSink(registry *PluginRegistry) *PluginSink {
	return &PluginSink{registry: registry}
}

// Emit dispatches the event to all registered plugins.
func (s *PluginSink) Emit(ctx context.Context, e models.AgentEvent) {
	if s.registry != nil {
		s.registry.Emit(ctx, e)
	}
}

// ChanSink sends events to a channel, dropping them if the channel is full.
type ChanSink struct {
	ch chan<- models.AgentEvent
}

// NewChanSink creates a sink backed by a buffered channel.
func NewChanSink(ch chan<- models.AgentEvent) *ChanSink {
	return &ChanSink{ch: ch}
}

// Emit sends the event, dropping it if the channel is full or ctx is done.
func (s *ChanSink) Emit(ctx context.Context, e models.AgentEvent) {
	select {
	case s.ch <- e:
	case <-ctx.Done():
	default:
	}
}

// MultiSink fans an event out to every wrapped sink.
type MultiSink struct {
	sinks []EventSink
}

// NewMultiSink creates a sink that dispatches to every non-nil sink given.
func NewMultiSink(sinks ...EventSink) *MultiSink {
	filtered := make([]EventSink, 0, len(sinks))
	for _, s := range sinks {
		if s != nil {
			filtered = append(filtered, s)
		}
	}
	return &MultiSink{sinks: filtered}
}

// Emit dispatches to every wrapped sink in order.
func (s *MultiSink) Emit(ctx context.Context, e models.AgentEvent) {
	for _, sink := range s.sinks {
		sink.Emit(ctx, e)
	}
}

// CallbackSink wraps a plain function as an EventSink.
type CallbackSink struct {
	fn func(ctx context.Context, e models.AgentEvent)
}

// NewCallbackSink wraps fn as an EventSink.
func NewCallbackSink(fn func(ctx context.Context, e models.AgentEvent)) *CallbackSink {
	return &CallbackSink{fn: fn}
}

// Emit invokes the wrapped function.
func (s *CallbackSink) Emit(ctx context.Context, e models.AgentEvent) {
	if s.fn != nil {
		s.fn(ctx, e)
	}
}

// NopSink discards every event.
type NopSink struct{}

// Emit does nothing.
func (NopSink) Emit(ctx context.Context, e models.AgentEvent) {}

// BackpressureConfig sizes the two lanes of a BackpressureSink.
type BackpressureConfig struct {
	// HighPriBuffer sizes the never-dropped lane. Default 32.
	HighPriBuffer int
	// LowPriBuffer sizes the droppable lane. Default 256.
	LowPriBuffer int
}

// DefaultBackpressureConfig returns sensible lane sizes.
func DefaultBackpressureConfig() BackpressureConfig {
	return BackpressureConfig{HighPriBuffer: 32, LowPriBuffer: 256}
}

// BackpressureSink implements two-lane backpressure: text/reasoning deltas
// are dropped under load, everything else (tool lifecycle, turn lifecycle,
// bidirectional requests, checkpoint/branch events) blocks until delivered.
type BackpressureSink struct {
	highPri chan models.AgentEvent
	lowPri  chan models.AgentEvent
	merged  chan models.AgentEvent
	dropped uint64
	closed  uint32
}

// NewBackpressureSink creates the sink and starts its merge goroutine. The
// caller consumes the returned channel.
func NewBackpressureSink(config BackpressureConfig) (*BackpressureSink, <-chan models.AgentEvent) {
	if config.HighPriBuffer <= 0 {
		config.HighPriBuffer = 32
	}
	if config.LowPriBuffer <= 0 {
		config.LowPriBuffer = 256
	}

	s := &BackpressureSink{
		highPri: make(chan models.AgentEvent, config.HighPriBuffer),
		lowPri:  make(chan models.AgentEvent, config.LowPriBuffer),
		merged:  make(chan models.AgentEvent, config.HighPriBuffer),
	}
	go s.mergeLoop()
	return s, s.merged
}

func (s *BackpressureSink) mergeLoop() {
	defer close(s.merged)

	for {
		select {
		case e, ok := <-s.highPri:
			if ok {
				s.merged <- e
				continue
			}
			for e := range s.lowPri {
				s.merged <- e
			}
			return
		default:
		}

		select {
		case e, ok := <-s.highPri:
			if ok {
				s.merged <- e
			} else {
				for e := range s.lowPri {
					s.merged <- e
				}
				return
			}
		case e, ok := <-s.lowPri:
			if ok {
				s.merged <- e
			}
		}
	}
}

// Emit routes e to its lane. Droppable events are dropped, never blocked;
// everything else blocks until delivered or the sink is closed.
func (s *BackpressureSink) Emit(ctx context.Context, e models.AgentEvent) {
	if atomic.LoadUint32(&s.closed) == 1 {
		return
	}
	if isDroppableEvent(e.Type) {
		select {
		case s.lowPri <- e:
		default:
			atomic.AddUint64(&s.dropped, 1)
		}
		return
	}

	select {
	case s.highPri <- e:
	case <-ctx.Done():
		select {
		case s.highPri <- e:
		default:
			atomic.AddUint64(&s.dropped, 1)
		}
	}
}

// DroppedCount returns the number of low-priority events dropped so far.
func (s *BackpressureSink) DroppedCount() uint64 {
	return atomic.LoadUint64(&s.dropped)
}

// Close stops the sink and closes the merged output channel.
func (s *BackpressureSink) Close() {
	if !atomic.CompareAndSwapUint32(&s.closed, 0, 1) {
		return
	}
	close(s.highPri)
	close(s.lowPri)
}

func isDroppableEvent(t models.AgentEventType) bool {
	switch t {
	case models.EventTextDelta, models.EventReasoningDelta, models.EventToolCallArgsDelta:
		return true
	default:
		return false
	}
}

// pendingRequest tracks one in-flight bidirectional round trip.
type pendingRequest struct {
	ch chan models.AgentEvent
}

// Coordinator is the sole owner of the event stream for one run: it stamps
// monotonic sequence numbers, dispatches to a sink, and brokers the
// bidirectional request/response round trips (permission, continuation,
// clarification) that middleware issues mid-iteration.
type Coordinator struct {
	runID    string
	threadID string
	sequence uint64

	iterIndex int

	sink EventSink

	mu      sync.Mutex
	pending map[string]*pendingRequest
}

// NewCoordinator creates a coordinator for one run. If sink is nil, events
// are discarded.
func NewCoordinator(runID, threadID string, sink EventSink) *Coordinator {
	if sink == nil {
		sink = NopSink{}
	}
	return &Coordinator{
		runID:    runID,
		threadID: threadID,
		sink:     sink,
		pending:  map[string]*pendingRequest{},
	}
}

// SetIter updates the iteration index stamped onto subsequently emitted
// events.
func (c *Coordinator) SetIter(iterIndex int) {
	c.iterIndex = iterIndex
}

func (c *Coordinator) nextSeq() uint64 {
	return atomic.AddUint64(&c.sequence, 1)
}

func (c *Coordinator) base(t models.AgentEventType) models.AgentEvent {
	return models.AgentEvent{
		Version:   1,
		Type:      t,
		Time:      time.Now(),
		Sequence:  c.nextSeq(),
		RunID:     c.runID,
		ThreadID:  c.threadID,
		IterIndex: c.iterIndex,
	}
}

// Emit builds an event of the given type via base, lets shape mutate it,
// dispatches it to the sink, and returns it.
func (c *Coordinator) Emit(ctx context.Context, t models.AgentEventType, shape func(*models.AgentEvent)) models.AgentEvent {
	event := c.base(t)
	if shape != nil {
		shape(&event)
	}
	c.sink.Emit(ctx, event)

	c.mu.Lock()
	pending, ok := c.pending[event.RequestID]
	c.mu.Unlock()
	if ok {
		select {
		case pending.ch <- event:
		default:
		}
	}
	return event
}

// waitForResponse blocks until deliverResponse is called for requestID, ctx
// is cancelled, or timeout elapses.
func (c *Coordinator) waitForResponse(ctx context.Context, requestID string, timeout time.Duration) (models.AgentEvent, error) {
	req := &pendingRequest{ch: make(chan models.AgentEvent, 1)}

	c.mu.Lock()
	c.pending[requestID] = req
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.pending, requestID)
		c.mu.Unlock()
	}()

	var timer *time.Timer
	var timeoutCh <-chan time.Time
	if timeout > 0 {
		timer = time.NewTimer(timeout)
		defer timer.Stop()
		timeoutCh = timer.C
	}

	select {
	case e := <-req.ch:
		return e, nil
	case <-ctx.Done():
		return models.AgentEvent{}, ctx.Err()
	case <-timeoutCh:
		return models.AgentEvent{}, fmt.Errorf("timed out waiting for response to request %s", requestID)
	}
}

// DeliverResponse resolves a pending wait_for_response call. It is the
// coordinator's only externally-driven entry point: a human or automated
// decision-maker calls this once it has decided a permission, continuation,
// or clarification request.
func (c *Coordinator) DeliverResponse(requestID string, response models.AgentEvent) {
	c.mu.Lock()
	req, ok := c.pending[requestID]
	c.mu.Unlock()
	if !ok {
		return
	}
	select {
	case req.ch <- response:
	default:
	}
}

// RequestPermission emits a permission.request event and blocks for a
// matching permission.response, delivered via DeliverResponse.
func (c *Coordinator) RequestPermission(ctx context.Context, toolName, callID string, timeout time.Duration) (*models.PermissionEventPayload, error) {
	requestID := uuid.NewString()
	c.Emit(ctx, models.EventPermissionRequest, func(e *models.AgentEvent) {
		e.RequestID = requestID
		e.Permission = &models.PermissionEventPayload{ToolName: toolName, CallID: callID}
	})

	resp, err := c.waitForResponse(ctx, requestID, timeout)
	if err != nil {
		return nil, err
	}
	if resp.Permission == nil {
		return nil, fmt.Errorf("permission response for request %s carried no payload", requestID)
	}
	return resp.Permission, nil
}

// RequestContinuation emits a continuation.request event and blocks for a
// matching continuation.response.
func (c *Coordinator) RequestContinuation(ctx context.Context, currentLimit, requestedLimit int, timeout time.Duration) (*models.ContinuationEventPayload, error) {
	requestID := uuid.NewString()
	c.Emit(ctx, models.EventContinuationRequest, func(e *models.AgentEvent) {
		e.RequestID = requestID
		e.Continuation = &models.ContinuationEventPayload{CurrentLimit: currentLimit, RequestedLimit: requestedLimit}
	})

	resp, err := c.waitForResponse(ctx, requestID, timeout)
	if err != nil {
		return nil, err
	}
	if resp.Continuation == nil {
		return nil, fmt.Errorf("continuation response for request %s carried no payload", requestID)
	}
	return resp.Continuation, nil
}

// RequestClarification emits a clarification.request event and blocks for a
// matching clarification.response.
func (c *Coordinator) RequestClarification(ctx context.Context, question string, timeout time.Duration) (*models.ClarificationEventPayload, error) {
	requestID := uuid.NewString()
	c.Emit(ctx, models.EventClarificationRequest, func(e *models.AgentEvent) {
		e.RequestID = requestID
		e.Clarification = &models.ClarificationEventPayload{Question: question}
	})

	resp, err := c.waitForResponse(ctx, requestID, timeout)
	if err != nil {
		return nil, err
	}
	if resp.Clarification == nil {
		return nil, fmt.Errorf("clarification response for request %s carried no payload", requestID)
	}
	return resp.Clarification, nil
}

// TextDelta emits a streamed text delta.
func (c *Coordinator) TextDelta(ctx context.Context, delta string) {
	c.Emit(ctx, models.EventTextDelta, func(e *models.AgentEvent) {
		e.Text = &models.TextEventPayload{Delta: delta}
	})
}

// ToolCallStart emits a tool_call.start event.
func (c *Coordinator) ToolCallStart(ctx context.Context, callID, name string) {
	c.Emit(ctx, models.EventToolCallStart, func(e *models.AgentEvent) {
		e.Tool = &models.ToolEventPayload{CallID: callID, Name: name}
	})
}

// ToolCallResult emits a tool_call.result event.
func (c *Coordinator) ToolCallResult(ctx context.Context, callID, name string, resultJSON []byte, isError bool, dur time.Duration) {
	c.Emit(ctx, models.EventToolCallResult, func(e *models.AgentEvent) {
		e.Tool = &models.ToolEventPayload{
			CallID:     callID,
			Name:       name,
			Success:    !isError,
			ResultJSON: resultJSON,
			IsError:    isError,
			Duration:   dur,
		}
	})
}

// MessageTurnStarted emits a message_turn.started event for one iteration.
func (c *Coordinator) MessageTurnStarted(ctx context.Context) {
	c.Emit(ctx, models.EventMessageTurnStarted, nil)
}

// MessageTurnFinished emits a message_turn.finished event for one iteration.
func (c *Coordinator) MessageTurnFinished(ctx context.Context) {
	c.Emit(ctx, models.EventMessageTurnFinished, nil)
}

// MessageTurnError emits a message_turn.error event.
func (c *Coordinator) MessageTurnError(ctx context.Context, err error, retriable bool) {
	c.Emit(ctx, models.EventMessageTurnError, func(e *models.AgentEvent) {
		e.Error = &models.ErrorEventPayload{Message: err.Error(), Retriable: retriable, Err: err}
	})
}

// AgentTurnStarted emits an agent_turn.started event for the whole run.
func (c *Coordinator) AgentTurnStarted(ctx context.Context) {
	c.Emit(ctx, models.EventAgentTurnStarted, nil)
}

// AgentTurnFinished emits an agent_turn.finished event for the whole run.
func (c *Coordinator) AgentTurnFinished(ctx context.Context, reason TerminationReason) {
	c.Emit(ctx, models.EventAgentTurnFinished, func(e *models.AgentEvent) {
		e.Context = nil
		if e.Error == nil && reason != TerminationNatural {
			e.Error = &models.ErrorEventPayload{Message: string(reason)}
		}
	})
}

// CircuitBreakerTriggered emits a guardrail.circuit_breaker event.
func (c *Coordinator) CircuitBreakerTriggered(ctx context.Context, toolName string) {
	c.Emit(ctx, models.EventCircuitBreakerTriggered, func(e *models.AgentEvent) {
		e.Tool = &models.ToolEventPayload{Name: toolName}
	})
}

// MaxConsecutiveErrorsExceeded emits a guardrail.max_consecutive_errors event.
func (c *Coordinator) MaxConsecutiveErrorsExceeded(ctx context.Context, count uint32) {
	c.Emit(ctx, models.EventMaxConsecutiveErrorsExceeded, func(e *models.AgentEvent) {
		e.Error = &models.ErrorEventPayload{Message: fmt.Sprintf("%d consecutive tool errors", count)}
	})
}

// CheckpointSaved emits a checkpoint.saved event.
func (c *Coordinator) CheckpointSaved(ctx context.Context, checkpointID, parentID string, step int64) {
	c.Emit(ctx, models.EventCheckpointSaved, func(e *models.AgentEvent) {
		e.Checkpoint = &models.CheckpointEventPayload{CheckpointID: checkpointID, ParentID: parentID, Step: step}
	})
}

// BranchCreated emits a branch.created event.
func (c *Coordinator) BranchCreated(ctx context.Context, branchName, checkpointID string) {
	c.Emit(ctx, models.EventBranchCreated, func(e *models.AgentEvent) {
		e.Branch = &models.BranchEventPayload{BranchName: branchName, CheckpointID: checkpointID}
	})
}

// BranchSwitched emits a branch.switched event.
func (c *Coordinator) BranchSwitched(ctx context.Context, branchName, checkpointID string) {
	c.Emit(ctx, models.EventBranchSwitched, func(e *models.AgentEvent) {
		e.Branch = &models.BranchEventPayload{BranchName: branchName, CheckpointID: checkpointID}
	})
}

// BranchDeleted emits a branch.deleted event.
func (c *Coordinator) BranchDeleted(ctx context.Context, branchName string) {
	c.Emit(ctx, models.EventBranchDeleted, func(e *models.AgentEvent) {
		e.Branch = &models.BranchEventPayload{BranchName: branchName}
	})
}

// ThreadCopied emits a thread.copied event.
func (c *Coordinator) ThreadCopied(ctx context.Context, fromThreadID, newThreadID, checkpointID string) {
	c.Emit(ctx, models.EventThreadCopied, func(e *models.AgentEvent) {
		e.Branch = &models.BranchEventPayload{FromThreadID: fromThreadID, NewThreadID: newThreadID, CheckpointID: checkpointID}
	})
}

// CheckpointRestored emits a checkpoint.restored event.
func (c *Coordinator) CheckpointRestored(ctx context.Context, checkpointID string, step int64) {
	c.Emit(ctx, models.EventCheckpointRestored, func(e *models.AgentEvent) {
		e.Checkpoint = &models.CheckpointEventPayload{CheckpointID: checkpointID, Step: step}
	})
}

// StatsCollector accumulates RunStats by observing the event stream.
type StatsCollector struct {
	stats      models.RunStats
	modelStart time.Time
	toolStarts map[string]time.Time
}

// NewStatsCollector creates a collector for one run.
func NewStatsCollector(runID string) *StatsCollector {
	return &StatsCollector{
		stats:      models.RunStats{RunID: runID, StartedAt: time.Now()},
		toolStarts: map[string]time.Time{},
	}
}

// OnEvent folds one event into the running totals.
func (c *StatsCollector) OnEvent(ctx context.Context, e models.AgentEvent) {
	switch e.Type {
	case models.EventAgentTurnStarted:
		c.stats.StartedAt = e.Time

	case models.EventMessageTurnStarted:
		c.stats.Iterations++
		c.modelStart = e.Time

	case models.EventMessageTurnFinished:
		if !c.modelStart.IsZero() {
			c.stats.ModelWallTime += e.Time.Sub(c.modelStart)
			c.modelStart = time.Time{}
		}

	case models.EventTextMessageEnd:
		if e.Stream != nil {
			c.stats.InputTokens += e.Stream.InputTokens
			c.stats.OutputTokens += e.Stream.OutputTokens
		}

	case models.EventToolCallStart:
		c.stats.ToolCalls++
		if e.Tool != nil {
			c.toolStarts[e.Tool.CallID] = e.Time
		}

	case models.EventToolCallResult:
		if e.Tool != nil {
			if start, ok := c.toolStarts[e.Tool.CallID]; ok {
				c.stats.ToolWallTime += e.Time.Sub(start)
				delete(c.toolStarts, e.Tool.CallID)
			}
			if e.Tool.IsError {
				c.stats.ToolErrors++
			}
		}

	case models.EventMessageTurnError:
		c.stats.DroppedEvents++

	case models.EventAgentTurnFinished:
		c.stats.FinishedAt = e.Time
		c.stats.WallTime = e.Time.Sub(c.stats.StartedAt)
		if e.Error != nil {
			c.stats.Cancelled = true
		}
	}
}

// Stats returns a copy of the accumulated totals, finalizing FinishedAt if
// the run has not emitted agent_turn.finished yet.
func (c *StatsCollector) Stats() *models.RunStats {
	stats := c.stats
	if stats.FinishedAt.IsZero() {
		stats.FinishedAt = time.Now()
		stats.WallTime = stats.FinishedAt.Sub(stats.StartedAt)
	}
	return &stats
}
