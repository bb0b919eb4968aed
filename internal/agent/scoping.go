package agent

import (
	"encoding/json"
	"strings"

	"github.com/arclight/agentcore/internal/tools/policy"
	"github.com/arclight/agentcore/pkg/models"
)

// ContainerExpansion is what a container "open" call reveals to the model:
// the tool names it should now consider offering on the next iteration.
type ContainerExpansion struct {
	ContainerName string
	Members       []string
}

// isContainerOpenCall reports whether args represents an empty-arguments
// invocation, which is the only legal way to invoke a container-only tool.
func isContainerOpenCall(args json.RawMessage) bool {
	trimmed := strings.TrimSpace(string(args))
	return trimmed == "" || trimmed == "{}" || trimmed == "null"
}

// ResolveContainerCall inspects a tool call against its descriptor and
// decides whether it is a container "open" (returns an expansion, no error),
// a container invoked with arguments (returns ContainerInvocationError), or
// an ordinary tool call (returns nil, nil).
func ResolveContainerCall(desc *models.ToolDescriptor, call models.ToolCall) (*ContainerExpansion, error) {
	if desc == nil || !desc.ContainerOnly {
		return nil, nil
	}
	if !isContainerOpenCall(call.Args) {
		return nil, &ContainerInvocationError{ContainerName: desc.Name, Members: desc.Members}
	}
	return &ContainerExpansion{ContainerName: desc.Name, Members: desc.Members}, nil
}

// ApplyContainerExpansion records an opened container in state so that
// member tools become visible on the next iteration, and returns the
// updated state.
func ApplyContainerExpansion(state *AgentLoopState, exp *ContainerExpansion) *AgentLoopState {
	if exp == nil {
		return state
	}
	return state.WithExpandedContainer(exp.ContainerName)
}

// IsContainerExpanded reports whether a container has previously been
// opened within this loop state, making its members callable.
func IsContainerExpanded(state *AgentLoopState, containerName string) bool {
	_, ok := state.ExpandedContainers[containerName]
	return ok
}

// VisibleTools filters the full catalog of descriptors down to what the
// model should be offered this iteration: container members stay hidden
// until their container has been opened, and any VisibilityPredicate is
// consulted against visCtx.
func VisibleTools(state *AgentLoopState, all []*models.ToolDescriptor, memberOf map[string]string, visCtx map[string]any) []*models.ToolDescriptor {
	visible := make([]*models.ToolDescriptor, 0, len(all))
	for _, d := range all {
		if owner, ok := memberOf[d.Name]; ok && !IsContainerExpanded(state, owner) {
			continue
		}
		if d.VisibilityPredicate != nil && !d.VisibilityPredicate(visCtx) {
			continue
		}
		visible = append(visible, d)
	}
	return visible
}

// BuildMemberOf inverts a container descriptor list's Members into a
// member-tool-name -> container-name lookup, used by VisibleTools to decide
// whether a member tool should currently be hidden.
func BuildMemberOf(containers []*models.ToolDescriptor) map[string]string {
	memberOf := make(map[string]string)
	for _, c := range containers {
		if !c.ContainerOnly {
			continue
		}
		for _, m := range c.Members {
			memberOf[m] = c.Name
		}
	}
	return memberOf
}

// normalizeToolName canonicalizes a tool name through the shared policy
// resolver: aliases collapse ("bash" -> "exec") and MCP/edge namespacing is
// left untouched.
func normalizeToolName(resolver *policy.Resolver, name string) string {
	if resolver == nil {
		return policy.NormalizeTool(name)
	}
	return resolver.CanonicalName(name)
}

// matchesToolPatterns reports whether toolName matches any of patterns,
// after canonicalizing both sides through resolver. Patterns follow the
// same "*", "mcp:*", "mcp:server.*" conventions as policy.Resolver.
func matchesToolPatterns(resolver *policy.Resolver, patterns []string, toolName string) bool {
	normalized := normalizeToolName(resolver, toolName)
	for _, p := range patterns {
		if matchToolPattern(normalizeToolName(resolver, p), normalized) {
			return true
		}
	}
	return false
}

// matchToolPattern checks if a single pattern matches a canonicalized tool
// name. Mirrors policy.Resolver's own matcher so callers that only have a
// bare pattern list (no registered MCP/edge servers) get identical
// semantics without constructing a Resolver.
func matchToolPattern(pattern, toolName string) bool {
	if pattern == "*" {
		return true
	}
	if pattern == "mcp:*" {
		return strings.HasPrefix(toolName, "mcp:")
	}
	if pattern == "edge:*" {
		return strings.HasPrefix(toolName, "edge:")
	}
	if pattern == "core.*" {
		return strings.HasPrefix(toolName, "core.") || !strings.Contains(toolName, ":")
	}
	if strings.HasSuffix(pattern, ".*") {
		return strings.HasPrefix(toolName, strings.TrimSuffix(pattern, "*"))
	}
	return pattern == toolName
}
