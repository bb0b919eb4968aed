package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/arclight/agentcore/internal/tools/policy"
	"github.com/arclight/agentcore/pkg/models"
)

// Tool parameter limits to prevent resource exhaustion.
const (
	// MaxToolNameLength is the maximum length of a tool name.
	MaxToolNameLength = 256

	// MaxToolArgsSize is the maximum size of tool arguments JSON (10MB).
	MaxToolArgsSize = 10 << 20
)

// ToolHandler executes one tool call's arguments and produces its value or
// error. Handlers never see the raw *models.ToolCall; they only see the
// validated arguments, keeping them decoupled from call-id bookkeeping.
type ToolHandler func(ctx context.Context, args []byte) (json.RawMessage, error)

// registeredTool pairs a descriptor with its handler and a compiled
// argument schema (when ParamSchema is set).
type registeredTool struct {
	desc    *models.ToolDescriptor
	handler ToolHandler
	schema  *jsonschema.Schema
}

// ToolRegistry is the source of truth for which tools exist, what they
// require, and how to run them. It is consulted by the middleware pipeline
// (for RequiresPermission/ContainerOnly) and by the scheduler (for
// execution and argument validation).
type ToolRegistry struct {
	mu       sync.RWMutex
	tools    map[string]*registeredTool
	resolver *policy.Resolver
}

// NewToolRegistry creates an empty registry backed by the given resolver.
// A nil resolver falls back to policy.NormalizeTool for name canonicalization.
func NewToolRegistry(resolver *policy.Resolver) *ToolRegistry {
	if resolver == nil {
		resolver = policy.NewResolver()
	}
	return &ToolRegistry{
		tools:    make(map[string]*registeredTool),
		resolver: resolver,
	}
}

// Register adds a tool with its descriptor and handler. If ParamSchema is
// set, it is compiled eagerly so malformed schemas fail at registration
// time rather than on first call. Panics on an invalid schema, by design:
// this is a startup-time wiring error, not a runtime condition.
func (r *ToolRegistry) Register(desc *models.ToolDescriptor, handler ToolHandler) {
	if desc == nil || handler == nil {
		return
	}

	var compiled *jsonschema.Schema
	if len(desc.ParamSchema) > 0 {
		compiler := jsonschema.NewCompiler()
		const resourceURL = "mem://tool-schema.json"
		if err := compiler.AddResource(resourceURL, bytes.NewReader(desc.ParamSchema)); err != nil {
			panic(fmt.Sprintf("agent: invalid param schema for tool %q: %v", desc.Name, err))
		}
		schema, err := compiler.Compile(resourceURL)
		if err != nil {
			panic(fmt.Sprintf("agent: invalid param schema for tool %q: %v", desc.Name, err))
		}
		compiled = schema
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[normalizeToolName(r.resolver, desc.Name)] = &registeredTool{desc: desc, handler: handler, schema: compiled}
}

// Unregister removes a tool by name.
func (r *ToolRegistry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.tools, normalizeToolName(r.resolver, name))
}

// Lookup returns a tool's descriptor by name, canonicalizing aliases first.
func (r *ToolRegistry) Lookup(name string) (*models.ToolDescriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[normalizeToolName(r.resolver, name)]
	if !ok {
		return nil, false
	}
	return t.desc, true
}

// Descriptors returns every registered tool's descriptor, for offering to
// the model (after VisibleTools/policy filtering).
func (r *ToolRegistry) Descriptors() []*models.ToolDescriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*models.ToolDescriptor, 0, len(r.tools))
	for _, t := range r.tools {
		out = append(out, t.desc)
	}
	return out
}

// ValidateArgs checks call args against the tool's compiled schema, if any.
// Returns a *ValidationError on violation; nil if there is no schema or the
// tool is not found (callers check existence separately via Lookup).
func (r *ToolRegistry) ValidateArgs(name string, args json.RawMessage) error {
	r.mu.RLock()
	t, ok := r.tools[normalizeToolName(r.resolver, name)]
	r.mu.RUnlock()
	if !ok || t.schema == nil {
		return nil
	}

	var decoded any
	if len(args) == 0 {
		decoded = map[string]any{}
	} else if err := json.Unmarshal(args, &decoded); err != nil {
		return &ValidationError{ToolName: name, PropertyErrors: map[string]string{"": "arguments are not valid JSON"}}
	}

	if err := t.schema.Validate(decoded); err != nil {
		if verr, ok := err.(*jsonschema.ValidationError); ok {
			props := make(map[string]string)
			for _, cause := range verr.Causes {
				props[cause.InstanceLocation] = cause.Message
			}
			if len(props) == 0 {
				props[""] = verr.Message
			}
			return &ValidationError{ToolName: name, PropertyErrors: props}
		}
		return &ValidationError{ToolName: name, PropertyErrors: map[string]string{"": err.Error()}}
	}
	return nil
}

// Invoke runs the named tool's handler with pre-validated args. Callers are
// expected to have already resolved container semantics (see
// ResolveContainerCall) and permission; Invoke only executes.
func (r *ToolRegistry) Invoke(ctx context.Context, name string, args json.RawMessage) (json.RawMessage, error) {
	r.mu.RLock()
	t, ok := r.tools[normalizeToolName(r.resolver, name)]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("tool not found: %s", name)
	}
	return t.handler(ctx, args)
}

func filterDescriptorsByPolicy(resolver *policy.Resolver, toolPolicy *policy.Policy, descs []*models.ToolDescriptor) []*models.ToolDescriptor {
	if resolver == nil || toolPolicy == nil {
		return descs
	}
	filtered := make([]*models.ToolDescriptor, 0, len(descs))
	for _, d := range descs {
		if resolver.IsAllowed(toolPolicy, d.Name) {
			filtered = append(filtered, d)
		}
	}
	return filtered
}

func guardToolResult(guard ToolResultGuard, toolName string, result models.ToolResult, resolver *policy.Resolver) models.ToolResult {
	return guard.Apply(toolName, result, resolver)
}

func guardToolResults(guard ToolResultGuard, toolCalls []models.ToolCall, results []models.ToolResult, resolver *policy.Resolver) []models.ToolResult {
	if !guard.active() || len(results) == 0 {
		return results
	}

	namesByID := make(map[string]string, len(toolCalls))
	for _, tc := range toolCalls {
		if tc.CallID != "" {
			namesByID[tc.CallID] = tc.Name
		}
	}

	guarded := make([]models.ToolResult, len(results))
	for i, res := range results {
		toolName := namesByID[res.CallID]
		if toolName == "" && i < len(toolCalls) {
			toolName = toolCalls[i].Name
		}
		guarded[i] = guardToolResult(guard, toolName, res, resolver)
	}
	return guarded
}

// sessionLock serializes concurrent tool execution for a given session,
// preventing two in-flight calls from racing on shared session state
// (e.g. a checkpoint write interleaving with a tool's own side effects).
type sessionLock struct {
	mu   sync.Mutex
	refs int
}

// sessionLocks is a reference-counted registry of per-session mutexes.
type sessionLocks struct {
	mu    sync.Mutex
	locks map[string]*sessionLock
}

func newSessionLocks() *sessionLocks {
	return &sessionLocks{locks: make(map[string]*sessionLock)}
}

// Lock acquires the named session's lock and returns a release function.
// An empty sessionID is a no-op (unscoped execution, nothing to serialize).
func (s *sessionLocks) Lock(sessionID string) func() {
	if sessionID == "" {
		return func() {}
	}

	s.mu.Lock()
	lock := s.locks[sessionID]
	if lock == nil {
		lock = &sessionLock{}
		s.locks[sessionID] = lock
	}
	lock.refs++
	s.mu.Unlock()

	lock.mu.Lock()
	return func() {
		lock.mu.Unlock()
		s.mu.Lock()
		lock.refs--
		if lock.refs <= 0 {
			delete(s.locks, sessionID)
		}
		s.mu.Unlock()
	}
}
