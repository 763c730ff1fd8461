package tools

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/m4xw311/fuzz/config"
	"github.com/rs/zerolog/log"
)

// Tool defines the interface for any action the agent can take. Execute
// returns the text handed back to the model; a returned error is reported to
// the model as well.
type Tool interface {
	Name() string
	Description() string
	Parameters() []Parameter
	Execute(ctx context.Context, args map[string]interface{}) (string, error)
}

// SQLRecorder is implemented by tools that capture SQL text. CallSQL returns
// the statement a call with args records, or "" when the call carries none.
type SQLRecorder interface {
	CallSQL(args map[string]interface{}) string
}

type ParamType string

const (
	TypeString  ParamType = "string"
	TypeBoolean ParamType = "boolean"
	TypeInteger ParamType = "integer"
	TypeNumber  ParamType = "number"
	TypeObject  ParamType = "object"
	TypeArray   ParamType = "array"
)

// Parameter describes one named argument of a tool.
type Parameter struct {
	Name        string
	Type        ParamType
	Description string
	Required    bool
}

// JSONSchema renders parameters as a JSON-schema object.
func JSONSchema(params []Parameter) map[string]interface{} {
	properties := make(map[string]interface{}, len(params))
	required := []string{}
	for _, p := range params {
		prop := map[string]interface{}{"type": string(p.Type)}
		if p.Description != "" {
			prop["description"] = p.Description
		}
		if p.Type == TypeArray {
			prop["items"] = map[string]interface{}{"type": "string"}
		}
		properties[p.Name] = prop
		if p.Required {
			required = append(required, p.Name)
		}
	}
	schema := map[string]interface{}{
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}

// RequiredNames lists the names of the required parameters.
func RequiredNames(params []Parameter) []string {
	var names []string
	for _, p := range params {
		if p.Required {
			names = append(names, p.Name)
		}
	}
	return names
}

type userKey struct{}

// WithUserID attaches the calling user to ctx for tool execution.
func WithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, userKey{}, userID)
}

// UserID returns the calling user attached with WithUserID.
func UserID(ctx context.Context) string {
	id, _ := ctx.Value(userKey{}).(string)
	return id
}

// StringArg reads a string argument, tolerating non-string scalars.
func StringArg(args map[string]interface{}, name string) string {
	switch v := args[name].(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(v)
	default:
		return strings.TrimSpace(fmt.Sprint(v))
	}
}

// BoolArg reads a boolean argument sent either as a JSON bool or as text.
func BoolArg(args map[string]interface{}, name string, def bool) bool {
	switch v := args[name].(type) {
	case bool:
		return v
	case string:
		if b, err := strconv.ParseBool(strings.TrimSpace(v)); err == nil {
			return b
		}
	}
	return def
}

// ToolRegistry holds all available tools.
type ToolRegistry struct {
	tools map[string]Tool
}

func NewToolRegistry() *ToolRegistry {
	return &ToolRegistry{tools: make(map[string]Tool)}
}

func (r *ToolRegistry) Register(t Tool) {
	r.tools[t.Name()] = t
}

// RegisterNamespaced registers a tool provided by an external server under
// "<server>:<tool>" so toolsets can select it explicitly or by wildcard.
func (r *ToolRegistry) RegisterNamespaced(server string, t Tool) {
	r.tools[server+":"+t.Name()] = t
}

func (r *ToolRegistry) GetTool(name string) (Tool, bool) {
	t, ok := r.tools[name]
	return t, ok
}

// GetActiveTools returns the tool instances for a given toolset. Entries of
// the form <server>:<pattern> select namespaced tools by glob, so "gopls:*"
// picks every tool of the gopls server.
func (r *ToolRegistry) GetActiveTools(ts *config.Toolset) ([]Tool, error) {
	var activeTools []Tool
	seen := make(map[string]bool)
	add := func(key string, t Tool) {
		if !seen[key] {
			seen[key] = true
			activeTools = append(activeTools, t)
		}
	}

	for _, toolName := range ts.Tools {
		if strings.Contains(toolName, ":") {
			matched := 0
			for _, key := range r.sortedKeys() {
				if !strings.Contains(key, ":") {
					continue
				}
				ok, err := doublestar.Match(toolName, key)
				if err != nil {
					return nil, fmt.Errorf("invalid tool pattern '%s' in toolset '%s': %w", toolName, ts.Name, err)
				}
				if ok {
					add(key, r.tools[key])
					matched++
				}
			}
			if matched == 0 {
				log.Warn().Str("toolset", ts.Name).Str("pattern", toolName).Msg("no namespaced tools matched")
			}
			continue
		}

		t, ok := r.GetTool(toolName)
		if !ok {
			return nil, fmt.Errorf("tool '%s' from toolset '%s' is not registered", toolName, ts.Name)
		}
		add(toolName, t)
	}
	return activeTools, nil
}

func (r *ToolRegistry) sortedKeys() []string {
	keys := make([]string, 0, len(r.tools))
	for k := range r.tools {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
