package agent

import (
	"testing"

	"github.com/arclight/agentcore/pkg/models"
)

func TestResolveContainerCall_OpenReturnsExpansion(t *testing.T) {
	desc := &models.ToolDescriptor{Name: "sessions", ContainerOnly: true, Members: []string{"sessions_list", "sessions_spawn"}}
	call := models.ToolCall{CallID: "c1", Name: "sessions", Args: nil}

	exp, err := ResolveContainerCall(desc, call)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if exp == nil || exp.ContainerName != "sessions" {
		t.Fatalf("exp = %+v, want container 'sessions'", exp)
	}
}

func TestResolveContainerCall_ArgsRejected(t *testing.T) {
	desc := &models.ToolDescriptor{Name: "sessions", ContainerOnly: true, Members: []string{"sessions_list"}}
	call := models.ToolCall{CallID: "c1", Name: "sessions", Args: []byte(`{"x":1}`)}

	_, err := ResolveContainerCall(desc, call)
	if err == nil {
		t.Fatal("expected ContainerInvocationError, got nil")
	}
	var cerr *ContainerInvocationError
	if !asContainerErr(err, &cerr) {
		t.Fatalf("err = %v, want *ContainerInvocationError", err)
	}
}

func asContainerErr(err error, target **ContainerInvocationError) bool {
	ce, ok := err.(*ContainerInvocationError)
	if !ok {
		return false
	}
	*target = ce
	return true
}

func TestResolveContainerCall_NonContainerIsNoop(t *testing.T) {
	desc := &models.ToolDescriptor{Name: "read"}
	call := models.ToolCall{CallID: "c1", Name: "read", Args: []byte(`{"path":"x"}`)}

	exp, err := ResolveContainerCall(desc, call)
	if err != nil || exp != nil {
		t.Fatalf("exp=%v err=%v, want nil,nil", exp, err)
	}
}

func TestVisibleTools_HidesUnopenedMembers(t *testing.T) {
	state := NewAgentLoopState(nil, 10)
	container := &models.ToolDescriptor{Name: "sessions", ContainerOnly: true, Members: []string{"sessions_list"}}
	member := &models.ToolDescriptor{Name: "sessions_list"}
	other := &models.ToolDescriptor{Name: "read"}

	memberOf := BuildMemberOf([]*models.ToolDescriptor{container})
	visible := VisibleTools(state, []*models.ToolDescriptor{container, member, other}, memberOf, nil)

	names := map[string]bool{}
	for _, d := range visible {
		names[d.Name] = true
	}
	if names["sessions_list"] {
		t.Error("sessions_list should be hidden before the container is opened")
	}
	if !names["sessions"] || !names["read"] {
		t.Error("container and ordinary tools should remain visible")
	}

	state = ApplyContainerExpansion(state, &ContainerExpansion{ContainerName: "sessions", Members: []string{"sessions_list"}})
	visible = VisibleTools(state, []*models.ToolDescriptor{container, member, other}, memberOf, nil)
	names = map[string]bool{}
	for _, d := range visible {
		names[d.Name] = true
	}
	if !names["sessions_list"] {
		t.Error("sessions_list should be visible after the container is opened")
	}
}

func TestMatchToolPattern(t *testing.T) {
	cases := []struct {
		pattern, tool string
		want          bool
	}{
		{"*", "anything", true},
		{"mcp:*", "mcp:github.issue_list", true},
		{"mcp:*", "read", false},
		{"mcp:github.*", "mcp:github.issue_list", true},
		{"mcp:github.*", "mcp:gitlab.issue_list", false},
		{"read", "read", true},
		{"read", "write", false},
	}
	for _, c := range cases {
		if got := matchToolPattern(c.pattern, c.tool); got != c.want {
			t.Errorf("matchToolPattern(%q, %q) = %v, want %v", c.pattern, c.tool, got, c.want)
		}
	}
}
