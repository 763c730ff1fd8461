// Package mcp exposes the tools of external MCP servers to the agents.
package mcp

import (
	"context"
	"encoding/json"
	"os"
	"os/exec"
	"sort"
	"strings"

	"github.com/m4xw311/fuzz/config"
	"github.com/m4xw311/fuzz/errors"
	"github.com/m4xw311/fuzz/tools"
	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/rs/zerolog/log"
)

// Server is a running MCP server subprocess and the tools it offers.
type Server struct {
	name    string
	cmd     *exec.Cmd
	session *mcpsdk.ClientSession
	tools   []*Tool
}

// Start launches the configured server and lists its tools.
func Start(ctx context.Context, cfg config.MCPServer) (*Server, error) {
	cmd := exec.Command(cfg.Command, cfg.Args...)
	cmd.Stderr = os.Stderr
	client := mcpsdk.NewClient(&mcpsdk.Implementation{Name: "fuzz", Version: "v1.0.0"}, nil)
	cs, err := client.Connect(ctx, mcpsdk.NewCommandTransport(cmd))
	if err != nil {
		if cmd.Process != nil {
			_ = cmd.Process.Kill()
		}
		return nil, errors.WrapKind(errors.KindBackend, err, "connect to MCP server %q", cfg.Name)
	}

	s := &Server{name: cfg.Name, cmd: cmd, session: cs}
	if err := s.discover(ctx); err != nil {
		_ = s.Stop()
		return nil, err
	}
	log.Info().Str("server", s.name).Int("tools", len(s.tools)).Msg("MCP server started")
	return s, nil
}

func (s *Server) discover(ctx context.Context) error {
	p := &mcpsdk.ListToolsParams{}
	for {
		page, err := s.session.ListTools(ctx, p)
		if err != nil {
			return errors.WrapKind(errors.KindBackend, err, "list tools of MCP server %q", s.name)
		}
		for _, t := range page.Tools {
			s.tools = append(s.tools, &Tool{
				server:      s,
				name:        t.Name,
				description: t.Description,
				params:      parametersFromSchema(t.InputSchema),
			})
		}
		if page.NextCursor == "" {
			break
		}
		p.Cursor = page.NextCursor
	}
	sort.Slice(s.tools, func(i, j int) bool { return s.tools[i].name < s.tools[j].name })
	return nil
}

// Name is the server name from the configuration.
func (s *Server) Name() string { return s.name }

// Tools returns the discovered tools ordered by name.
func (s *Server) Tools() []*Tool { return s.tools }

// Register adds every tool to r under "<server>:<tool>".
func (s *Server) Register(r *tools.ToolRegistry) {
	for _, t := range s.tools {
		r.RegisterNamespaced(s.name, t)
	}
}

// Stop closes the session and kills the subprocess.
func (s *Server) Stop() error {
	if s.session != nil {
		_ = s.session.Close()
	}
	if s.cmd == nil || s.cmd.Process == nil {
		return nil
	}
	log.Debug().Str("server", s.name).Msg("stopping MCP server")
	return s.cmd.Process.Kill()
}

// Tool is one tool served by an MCP server.
type Tool struct {
	server      *Server
	name        string
	description string
	params      []tools.Parameter
}

// Name is the bare tool name. Several backends reject ':' in function
// names, so the server prefix is only part of the registry key.
func (t *Tool) Name() string { return t.name }

func (t *Tool) Description() string { return t.description }

func (t *Tool) Parameters() []tools.Parameter { return t.params }

// Execute calls the tool and concatenates the text content of the result.
func (t *Tool) Execute(ctx context.Context, args map[string]interface{}) (string, error) {
	res, err := t.server.session.CallTool(ctx, &mcpsdk.CallToolParams{Name: t.name, Arguments: args})
	if err != nil {
		return "", errors.WrapKind(errors.KindToolExecution, err, "call %s:%s", t.server.name, t.name)
	}
	var out strings.Builder
	for _, c := range res.Content {
		if text, ok := c.(*mcpsdk.TextContent); ok {
			out.WriteString(text.Text)
		}
	}
	if res.IsError {
		return "", errors.E(errors.KindToolExecution, "%s", out.String())
	}
	return out.String(), nil
}

// schemaDoc is the subset of JSON schema the tool catalogue understands.
type schemaDoc struct {
	Properties map[string]struct {
		Type        string `json:"type"`
		Description string `json:"description"`
	} `json:"properties"`
	Required []string `json:"required"`
}

func parametersFromSchema(schema any) []tools.Parameter {
	if schema == nil {
		return nil
	}
	data, err := json.Marshal(schema)
	if err != nil {
		return nil
	}
	var doc schemaDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil
	}
	required := make(map[string]bool, len(doc.Required))
	for _, r := range doc.Required {
		required[r] = true
	}
	names := make([]string, 0, len(doc.Properties))
	for name := range doc.Properties {
		names = append(names, name)
	}
	sort.Strings(names)

	params := make([]tools.Parameter, 0, len(names))
	for _, name := range names {
		p := doc.Properties[name]
		typ := tools.ParamType(p.Type)
		if typ == "" {
			typ = tools.TypeString
		}
		params = append(params, tools.Parameter{
			Name:        name,
			Type:        typ,
			Description: p.Description,
			Required:    required[name],
		})
	}
	return params
}
