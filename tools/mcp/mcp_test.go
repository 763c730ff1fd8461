package mcp

import (
	"testing"

	"github.com/m4xw311/fuzz/tools"
)

func TestParametersFromSchema(t *testing.T) {
	schema := map[string]any{
		"type": "object",
		"properties": map[string]any{
			"path":  map[string]any{"type": "string", "description": "file path"},
			"limit": map[string]any{"type": "integer"},
			"extra": map[string]any{},
		},
		"required": []string{"path"},
	}
	params := parametersFromSchema(schema)
	if len(params) != 3 {
		t.Fatalf("params = %+v", params)
	}
	want := []tools.Parameter{
		{Name: "extra", Type: tools.TypeString},
		{Name: "limit", Type: tools.TypeInteger},
		{Name: "path", Type: tools.TypeString, Description: "file path", Required: true},
	}
	for i := range want {
		if params[i] != want[i] {
			t.Errorf("params[%d] = %+v, want %+v", i, params[i], want[i])
		}
	}
	if parametersFromSchema(nil) != nil {
		t.Error("nil schema should give no parameters")
	}
}

func TestRegisterNamespacesTools(t *testing.T) {
	s := &Server{name: "docs"}
	s.tools = []*Tool{
		{server: s, name: "lookup", description: "find a page"},
		{server: s, name: "search"},
	}
	r := tools.NewToolRegistry()
	s.Register(r)

	tool, ok := r.GetTool("docs:lookup")
	if !ok {
		t.Fatal("docs:lookup not registered")
	}
	if tool.Name() != "lookup" || tool.Description() != "find a page" {
		t.Errorf("tool = %s %q", tool.Name(), tool.Description())
	}
	if _, ok := r.GetTool("search"); ok {
		t.Error("tools should only be reachable through the server prefix")
	}
	if err := s.Stop(); err != nil {
		t.Errorf("Stop on a server without a process: %v", err)
	}
}
