package agent

import (
	"encoding/json"
	"fmt"

	agentctx "github.com/arclight/agentcore/internal/agent/context"
	"github.com/arclight/agentcore/pkg/models"
)

// stateWire is the JSON wire shape for AgentLoopState, used by checkpoint
// snapshots (models.StateSnapshot.LoopState). MiddlewareStates is encoded
// as raw JSON per key since MiddlewareState is an interface; decoding
// switches on the key to reconstruct the concrete type.
type stateWire struct {
	Messages           []*models.ChatMessage         `json:"messages"`
	Iteration          int                           `json:"iteration"`
	MaxIterationLimit  int                           `json:"max_iteration_limit"`
	CompletedCalls     []string                      `json:"completed_calls"`
	ExpandedContainers []string                      `json:"expanded_containers"`
	MiddlewareStates   map[string]json.RawMessage    `json:"middleware_states"`
	IsTerminated       bool                          `json:"is_terminated"`
	TerminationReason  TerminationReason             `json:"termination_reason,omitempty"`
}

// MarshalJSON encodes the state for storage in a checkpoint.
func (s *AgentLoopState) MarshalJSON() ([]byte, error) {
	wire := stateWire{
		Messages:           s.Messages,
		Iteration:          s.Iteration,
		MaxIterationLimit:  s.MaxIterationLimit,
		IsTerminated:       s.IsTerminated,
		TerminationReason:  s.TerminationReason,
		MiddlewareStates:   make(map[string]json.RawMessage, len(s.MiddlewareStates)),
	}
	for callID := range s.CompletedCalls {
		wire.CompletedCalls = append(wire.CompletedCalls, callID)
	}
	for name := range s.ExpandedContainers {
		wire.ExpandedContainers = append(wire.ExpandedContainers, name)
	}
	for key, st := range s.MiddlewareStates {
		raw, err := json.Marshal(st)
		if err != nil {
			return nil, fmt.Errorf("agent: marshal middleware state %q: %w", key, err)
		}
		wire.MiddlewareStates[key] = raw
	}
	return json.Marshal(wire)
}

// UnmarshalJSON decodes a checkpointed state, reconstructing the concrete
// MiddlewareState type for each of the canonical slot keys.
func (s *AgentLoopState) UnmarshalJSON(data []byte) error {
	var wire stateWire
	if err := json.Unmarshal(data, &wire); err != nil {
		return fmt.Errorf("agent: unmarshal state: %w", err)
	}

	s.Messages = wire.Messages
	s.Iteration = wire.Iteration
	s.MaxIterationLimit = wire.MaxIterationLimit
	s.IsTerminated = wire.IsTerminated
	s.TerminationReason = wire.TerminationReason

	s.CompletedCalls = make(map[string]struct{}, len(wire.CompletedCalls))
	for _, callID := range wire.CompletedCalls {
		s.CompletedCalls[callID] = struct{}{}
	}
	s.ExpandedContainers = make(map[string]struct{}, len(wire.ExpandedContainers))
	for _, name := range wire.ExpandedContainers {
		s.ExpandedContainers[name] = struct{}{}
	}

	s.MiddlewareStates = make(map[string]MiddlewareState, len(wire.MiddlewareStates))
	for key, raw := range wire.MiddlewareStates {
		st, err := decodeMiddlewareState(key, raw)
		if err != nil {
			return err
		}
		s.MiddlewareStates[key] = st
	}
	return nil
}

func decodeMiddlewareState(key string, raw json.RawMessage) (MiddlewareState, error) {
	switch key {
	case circuitBreakerStateKey:
		var st CircuitBreakerState
		if err := json.Unmarshal(raw, &st); err != nil {
			return nil, fmt.Errorf("agent: decode circuit breaker state: %w", err)
		}
		return st, nil
	case errorTrackingStateKey:
		var st ErrorTrackingState
		if err := json.Unmarshal(raw, &st); err != nil {
			return nil, fmt.Errorf("agent: decode error tracking state: %w", err)
		}
		return st, nil
	case totalErrorThresholdStateKey:
		var st TotalErrorThresholdState
		if err := json.Unmarshal(raw, &st); err != nil {
			return nil, fmt.Errorf("agent: decode total error threshold state: %w", err)
		}
		return st, nil
	case batchPermissionStateKey:
		var st BatchPermissionState
		if err := json.Unmarshal(raw, &st); err != nil {
			return nil, fmt.Errorf("agent: decode batch permission state: %w", err)
		}
		return st, nil
	case continuationPermissionStateKey:
		var st ContinuationPermissionState
		if err := json.Unmarshal(raw, &st); err != nil {
			return nil, fmt.Errorf("agent: decode continuation permission state: %w", err)
		}
		return st, nil
	default:
		return nil, fmt.Errorf("agent: unknown middleware state key %q", key)
	}
}

// WithReducedHistory applies the store-level history reduction (spec §4.7):
// it replaces a contiguous prefix of the message log (after any leading
// system messages) with a single summary message, idempotently by
// fingerprint.
func (s *AgentLoopState) WithReducedHistory(summary *models.ChatMessage, removedCount int) (*AgentLoopState, error) {
	reduced, err := agentctx.ApplyReduction(s.Messages, summary, removedCount)
	if err != nil {
		return nil, err
	}
	next := s.Clone()
	next.Messages = reduced
	return next, nil
}
