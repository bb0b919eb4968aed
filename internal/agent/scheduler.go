package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/arclight/agentcore/internal/observability"
	"github.com/arclight/agentcore/pkg/models"
)

// SchedulerConfig configures the tool-call scheduler's concurrency, timeout,
// and retry behavior.
type SchedulerConfig struct {
	// Concurrency is the maximum number of tool calls executed at once
	// within a single iteration. Default: 4.
	Concurrency int

	// PerToolTimeout bounds a single call's execution. Default: 30s.
	PerToolTimeout time.Duration

	// MaxAttempts is the number of attempts per call before giving up.
	// Default: 1 (no retry).
	MaxAttempts int

	// RetryBackoff waits between attempts.
	RetryBackoff time.Duration
}

// MaxSchedulerConcurrency is the hard ceiling on per-batch concurrency: a
// batch's effective concurrency is min(len(batch), MaxSchedulerConcurrency)
// unless SchedulerConfig.Concurrency overrides it explicitly.
const MaxSchedulerConcurrency = 8

// DefaultSchedulerConfig returns the scheduler's defaults: concurrency
// capped at MaxSchedulerConcurrency (and further capped to the batch size
// at dispatch time), 30s per-tool timeout, no retries.
func DefaultSchedulerConfig() SchedulerConfig {
	return SchedulerConfig{
		Concurrency:    MaxSchedulerConcurrency,
		PerToolTimeout: 30 * time.Second,
		MaxAttempts:    1,
	}
}

func (c SchedulerConfig) withDefaults() SchedulerConfig {
	if c.Concurrency <= 0 {
		c.Concurrency = MaxSchedulerConcurrency
	}
	if c.PerToolTimeout <= 0 {
		c.PerToolTimeout = 30 * time.Second
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 1
	}
	return c
}

// batchConcurrency returns the effective concurrency for a batch of n tool
// calls: the configured cap, further bounded by the batch size itself so a
// small batch never over-allocates semaphore slots.
func (c SchedulerConfig) batchConcurrency(n int) int {
	if n <= 0 {
		return 1
	}
	if c.Concurrency < n {
		return c.Concurrency
	}
	return n
}

// Scheduler dispatches one iteration's tool calls against the registry,
// bounding concurrency, retrying transient failures, and reassembling
// results in call order regardless of completion order. It is the
// mechanical half of spec module 5; the middleware pipeline's
// BeforeFunction/AfterFunction hooks run around each dispatched call.
type Scheduler struct {
	registry *ToolRegistry
	config   SchedulerConfig
	metrics  SchedulerMetrics
}

// NewScheduler builds a Scheduler over registry with config, filling in
// defaults for zero fields.
func NewScheduler(registry *ToolRegistry, config SchedulerConfig) *Scheduler {
	return &Scheduler{registry: registry, config: config.withDefaults()}
}

// SchedulerMetrics tracks cumulative dispatch counters across the
// scheduler's lifetime, for exposure via internal/observability.
type SchedulerMetrics struct {
	TotalCalls   int64
	TotalRetries int64
	TotalErrors  int64
	TotalTimeout int64
	TotalPanics  int64
}

// Metrics returns a snapshot of cumulative dispatch counters.
func (s *Scheduler) Metrics() SchedulerMetrics {
	return SchedulerMetrics{
		TotalCalls:   atomic.LoadInt64(&s.metrics.TotalCalls),
		TotalRetries: atomic.LoadInt64(&s.metrics.TotalRetries),
		TotalErrors:  atomic.LoadInt64(&s.metrics.TotalErrors),
		TotalTimeout: atomic.LoadInt64(&s.metrics.TotalTimeout),
		TotalPanics:  atomic.LoadInt64(&s.metrics.TotalPanics),
	}
}

// ScheduledResult is one tool call's settled outcome plus timing, in the
// shape the kernel needs to append tool-result content parts and update
// AgentLoopState.CompletedCalls.
type ScheduledResult struct {
	Index     int
	ToolCall  models.ToolCall
	Result    models.ToolResult
	StartTime time.Time
	EndTime   time.Time
	TimedOut  bool
}

// perCallHook lets the kernel run permission/circuit-breaker/error-tracking
// middleware immediately before and after each dispatched call, without the
// scheduler needing to know about Pipeline or AgentLoopState directly. A
// before hook returning ok=false vetoes execution and supplies the result
// to use instead (e.g. a synthetic permission-denied ToolResult).
type perCallHook struct {
	before func(call models.ToolCall) (result *models.ToolResult, ok bool)
	after  func(call models.ToolCall, result models.ToolResult)
}

// ExecuteConcurrently runs toolCalls with bounded concurrency and returns
// results indexed to match the input order. coord, if non-nil, receives
// ToolCallStart/ToolCallResult events for each call.
func (s *Scheduler) ExecuteConcurrently(ctx context.Context, toolCalls []models.ToolCall, coord *Coordinator, hooks perCallHook) []ScheduledResult {
	results := make([]ScheduledResult, len(toolCalls))

	sem := make(chan struct{}, s.config.batchConcurrency(len(toolCalls)))
	var wg sync.WaitGroup

	for i, tc := range toolCalls {
		wg.Add(1)
		go func(idx int, call models.ToolCall) {
			defer wg.Done()

			select {
			case sem <- struct{}{}:
				defer func() { <-sem }()
			case <-ctx.Done():
				results[idx] = ScheduledResult{
					Index:    idx,
					ToolCall: call,
					Result:   errResult(call.CallID, "cancelled", "context canceled"),
				}
				return
			}

			results[idx] = s.executeOne(ctx, idx, call, coord, hooks)
		}(i, tc)
	}

	wg.Wait()
	return results
}

// ExecuteSequentially runs toolCalls one at a time, in order. Used when a
// middleware or policy decision requires serialized execution for this
// iteration (e.g. a tool that mutates shared session state).
func (s *Scheduler) ExecuteSequentially(ctx context.Context, toolCalls []models.ToolCall, coord *Coordinator, hooks perCallHook) []ScheduledResult {
	results := make([]ScheduledResult, len(toolCalls))
	for i, tc := range toolCalls {
		results[i] = s.executeOne(ctx, i, tc, coord, hooks)
	}
	return results
}

func (s *Scheduler) executeOne(ctx context.Context, idx int, call models.ToolCall, coord *Coordinator, hooks perCallHook) ScheduledResult {
	startTime := time.Now()
	atomic.AddInt64(&s.metrics.TotalCalls, 1)

	if hooks.before != nil {
		if vetoResult, ok := hooks.before(call); !ok {
			result := models.ToolResult{CallID: call.CallID}
			if vetoResult != nil {
				result = *vetoResult
			}
			endTime := time.Now()
			if hooks.after != nil {
				hooks.after(call, result)
			}
			return ScheduledResult{Index: idx, ToolCall: call, Result: result, StartTime: startTime, EndTime: endTime}
		}
	}

	if coord != nil {
		coord.ToolCallStart(ctx, call.CallID, call.Name)
	}

	var result models.ToolResult
	var timedOut bool
	for attempt := 1; attempt <= s.config.MaxAttempts; attempt++ {
		toolCtx, cancel := context.WithTimeout(ctx, s.config.PerToolTimeout)
		toolCtx = observability.AddToolCallID(toolCtx, call.CallID)
		result, timedOut = s.invokeWithTimeout(toolCtx, call)
		cancel()

		if !result.IsError() {
			break
		}
		atomic.AddInt64(&s.metrics.TotalErrors, 1)
		if timedOut {
			atomic.AddInt64(&s.metrics.TotalTimeout, 1)
		}
		if attempt < s.config.MaxAttempts && s.config.RetryBackoff > 0 {
			atomic.AddInt64(&s.metrics.TotalRetries, 1)
			select {
			case <-time.After(s.config.RetryBackoff):
			case <-ctx.Done():
				result = errResult(call.CallID, "cancelled", "tool execution canceled")
			}
		}
	}

	endTime := time.Now()
	if coord != nil {
		coord.ToolCallResult(ctx, call.CallID, call.Name, result.Value, result.IsError(), endTime.Sub(startTime))
	}
	if hooks.after != nil {
		hooks.after(call, result)
	}

	return ScheduledResult{
		Index:     idx,
		ToolCall:  call,
		Result:    result,
		StartTime: startTime,
		EndTime:   endTime,
		TimedOut:  timedOut,
	}
}

func (s *Scheduler) invokeWithTimeout(ctx context.Context, call models.ToolCall) (models.ToolResult, bool) {
	if err := s.registry.ValidateArgs(call.Name, call.Args); err != nil {
		return errResult(call.CallID, "validation_error", err.Error()), false
	}

	type outcome struct {
		value json.RawMessage
		err   error
	}
	done := make(chan outcome, 1)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				atomic.AddInt64(&s.metrics.TotalPanics, 1)
				select {
				case done <- outcome{err: fmt.Errorf("panic: %v\n%s", r, debug.Stack())}:
				default:
				}
			}
		}()
		value, err := s.registry.Invoke(ctx, call.Name, call.Args)
		select {
		case done <- outcome{value: value, err: err}:
		default:
		}
	}()

	select {
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return errResult(call.CallID, "timeout", fmt.Sprintf("tool execution timed out after %v", s.config.PerToolTimeout)), true
		}
		return errResult(call.CallID, "cancelled", "tool execution canceled"), false
	case o := <-done:
		if o.err != nil {
			return errResult(call.CallID, "execution_error", o.err.Error()), false
		}
		return models.ToolResult{CallID: call.CallID, Value: o.value}, false
	}
}

func errResult(callID, kind, message string) models.ToolResult {
	return models.ToolResult{
		CallID: callID,
		Error:  &models.ToolResultError{Kind: kind, Message: message},
	}
}
