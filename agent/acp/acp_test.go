package acp

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/m4xw311/fuzz/agent"
	"github.com/m4xw311/fuzz/aiconfig"
	"github.com/m4xw311/fuzz/config"
	"github.com/m4xw311/fuzz/llm"
	"github.com/m4xw311/fuzz/session"
	"github.com/m4xw311/fuzz/tools"
)

type staticResolver struct {
	conf *aiconfig.Configuration
}

func (r staticResolver) ActiveConfig(ctx context.Context, userID string, c aiconfig.Capability) (*aiconfig.Configuration, error) {
	return r.conf, nil
}

func newTestDispatcher(t *testing.T, mock *llm.MockLLMClient) *agent.Dispatcher {
	t.Helper()
	cfg := &config.Config{Toolsets: []config.Toolset{
		{Name: config.DefaultToolset, Tools: []string{tools.TimeToolName}},
		{Name: config.SQLTuningToolset, Tools: []string{tools.GenerateSQLToolName}},
	}}
	cfg.ApplyDefaults()
	registry := tools.NewToolRegistry()
	registry.Register(tools.NewTimeTool())
	registry.Register(tools.NewGenerateSQLTool())

	factory := func(ctx context.Context, c aiconfig.Configuration, p llm.Purpose) (llm.LLMClient, error) { return mock, nil }
	a, err := agent.NewProviderAgent(aiconfig.ProviderLocal, cfg, registry, session.NewStore(""), factory)
	if err != nil {
		t.Fatalf("Failed to create agent: %v", err)
	}
	conf := &aiconfig.Configuration{Provider: aiconfig.ProviderLocal, Capabilities: aiconfig.CapabilityText, IsActive: true}
	d := agent.NewDispatcher(nil, staticResolver{conf: conf})
	d.Register(aiconfig.ProviderLocal, a)
	return d
}

type message struct {
	ID     any             `json:"id"`
	Method string          `json:"method"`
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error"`
	Params struct {
		SessionID string `json:"sessionId"`
		Update    struct {
			SessionUpdate string `json:"sessionUpdate"`
			Content       struct {
				Text string `json:"text"`
			} `json:"content"`
			ToolCall struct {
				Name string `json:"name"`
			} `json:"toolCall"`
		} `json:"update"`
	} `json:"params"`
}

// runScript feeds lines to the server and returns every message it wrote.
func runScript(t *testing.T, d *agent.Dispatcher, lines ...string) []message {
	t.Helper()
	in := bufio.NewReader(strings.NewReader(strings.Join(lines, "\n") + "\n"))
	var stdout bytes.Buffer
	out := bufio.NewWriter(&stdout)
	if err := Run(context.Background(), d, "u1", in, out, ""); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	var msgs []message
	for _, line := range strings.Split(strings.TrimSpace(stdout.String()), "\n") {
		if line == "" {
			continue
		}
		var m message
		if err := json.Unmarshal([]byte(line), &m); err != nil {
			t.Fatalf("stdout line is not JSON: %q", line)
		}
		msgs = append(msgs, m)
	}
	return msgs
}

func TestACPInitialize(t *testing.T) {
	msgs := runScript(t, newTestDispatcher(t, llm.NewMockLLMClient()),
		`{"jsonrpc":"2.0","id":0,"method":"initialize","params":{"protocolVersion":1,"clientCapabilities":{"fs":{"readTextFile":true}}}}`)

	if len(msgs) != 1 {
		t.Fatalf("expected 1 message, got %d", len(msgs))
	}
	var result struct {
		ProtocolVersion int `json:"protocolVersion"`
	}
	if err := json.Unmarshal(msgs[0].Result, &result); err != nil || result.ProtocolVersion != 1 {
		t.Errorf("unexpected initialize result: %s", msgs[0].Result)
	}
}

func TestACPPromptFlow(t *testing.T) {
	newSessionID = func() string { return "sess_test" }
	defer func() { newSessionID = func() string { return "sess_" + uuid.NewString() } }()

	mock := llm.NewMockLLMClient(
		llm.ToolCallTurn("call_1", tools.TimeToolName, map[string]any{}),
		llm.TextTurn("Saat 10:00."),
	)
	msgs := runScript(t, newTestDispatcher(t, mock),
		`{"jsonrpc":"2.0","id":1,"method":"session/new","params":{"cwd":"/tmp","mcpServers":[]}}`,
		`{"jsonrpc":"2.0","id":2,"method":"session/prompt","params":{"sessionId":"sess_test","prompt":[{"type":"text","text":"saat kaç"}]}}`,
		`{"jsonrpc":"2.0","id":3,"method":"session/prompt","params":{"sessionId":"missing","prompt":[{"type":"text","text":"hi"}]}}`,
		`{"jsonrpc":"2.0","id":4,"method":"session/clear","params":{"sessionId":"sess_test"}}`,
	)

	if string(msgs[0].Result) != `{"sessionId":"sess_test"}` {
		t.Fatalf("unexpected session/new result: %s", msgs[0].Result)
	}

	var kinds []string
	var text string
	var rest []message
	for _, m := range msgs[1:] {
		if m.Method != "session/update" {
			rest = append(rest, m)
			continue
		}
		kinds = append(kinds, m.Params.Update.SessionUpdate)
		if m.Params.SessionID != "sess_test" {
			t.Errorf("notification for session %q", m.Params.SessionID)
		}
		if m.Params.Update.SessionUpdate == "agent_message_chunk" {
			text = m.Params.Update.Content.Text
		}
	}
	if strings.Join(kinds, ",") != "tool_call,tool_result,agent_message_chunk" {
		t.Errorf("notifications = %v", kinds)
	}
	if text != "Saat 10:00." {
		t.Errorf("agent message = %q", text)
	}
	if len(rest) != 3 {
		t.Fatalf("expected 3 responses after session/new, got %d", len(rest))
	}
	if string(rest[0].Result) != `{"stopReason":"end_turn"}` {
		t.Errorf("prompt response = %s", rest[0].Result)
	}
	if rest[1].Error == nil || rest[1].Error.Code != -32602 {
		t.Errorf("expected invalid params for an unknown session, got %+v", rest[1])
	}
	if rest[2].Error != nil || string(rest[2].Result) != "null" {
		t.Errorf("unexpected session/clear response: %+v", rest[2])
	}
}

func TestACPValidationAnswerIsStreamed(t *testing.T) {
	newSessionID = func() string { return "sess_v" }
	defer func() { newSessionID = func() string { return "sess_" + uuid.NewString() } }()

	mock := llm.NewMockLLMClient()
	msgs := runScript(t, newTestDispatcher(t, mock),
		`{"jsonrpc":"2.0","id":1,"method":"session/new","params":{"persona":"free_chat"}}`,
		`{"jsonrpc":"2.0","id":2,"method":"session/prompt","params":{"sessionId":"sess_v","prompt":[{"type":"text","text":"   "}]}}`,
	)
	if len(msgs) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(msgs))
	}
	if got := msgs[1].Params.Update.Content.Text; got != "Validation Error: Input cannot be empty." {
		t.Errorf("agent message = %q", got)
	}
	if mock.Calls() != 0 {
		t.Errorf("no model call expected, got %d", mock.Calls())
	}
}

func TestACPRejectsUnknownPersona(t *testing.T) {
	msgs := runScript(t, newTestDispatcher(t, llm.NewMockLLMClient()),
		`{"jsonrpc":"2.0","id":1,"method":"session/new","params":{"persona":"pirate"}}`)
	if len(msgs) != 1 || msgs[0].Error == nil || msgs[0].Error.Code != -32602 {
		t.Errorf("expected invalid params, got %+v", msgs)
	}
}

func TestACPUnknownMethodAndParseError(t *testing.T) {
	msgs := runScript(t, newTestDispatcher(t, llm.NewMockLLMClient()),
		`not json`,
		`{"jsonrpc":"2.0","id":7,"method":"session/load","params":{}}`,
	)
	if len(msgs) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(msgs))
	}
	if msgs[0].Error == nil || msgs[0].Error.Code != -32700 {
		t.Errorf("expected parse error, got %+v", msgs[0])
	}
	if msgs[1].Error == nil || msgs[1].Error.Code != -32601 {
		t.Errorf("expected method not found, got %+v", msgs[1])
	}
}

func TestExtractUserTextWithResourceLink(t *testing.T) {
	testFile := filepath.Join(t.TempDir(), "test.txt")
	testContent := "This is test file content"
	if err := os.WriteFile(testFile, []byte(testContent), 0644); err != nil {
		t.Fatalf("Failed to create test file: %v", err)
	}
	fileURI := "file://" + testFile

	tests := []struct {
		name     string
		blocks   []contentBlock
		expected string
		contains []string
	}{
		{
			name:     "text only",
			blocks:   []contentBlock{{Type: "text", Text: "Hello"}, {Type: "text", Text: "World"}},
			expected: "Hello\nWorld",
		},
		{
			name: "resource_link with file",
			blocks: []contentBlock{
				{Type: "text", Text: "Check this file:"},
				{Type: "resource_link", URI: fileURI, Name: "test.txt", MimeType: "text/plain", Title: "Test File"},
			},
			contains: []string{"Check this file:", "=== Resource: test.txt ===", "Title: Test File",
				"Type: text/plain", "--- File Contents ---", testContent},
		},
		{
			name:     "resource_link with non-file URI",
			blocks:   []contentBlock{{Type: "resource_link", URI: "https://example.com/file.txt", Name: "remote.txt"}},
			contains: []string{"URI: https://example.com/file.txt", "[External resource - content not available]"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := extractUserText(tt.blocks)
			if tt.expected != "" && result != tt.expected {
				t.Errorf("extractUserText() = %q, want %q", result, tt.expected)
			}
			for _, substr := range tt.contains {
				if !strings.Contains(result, substr) {
					t.Errorf("extractUserText() result does not contain %q\nGot: %q", substr, result)
				}
			}
		})
	}
}
