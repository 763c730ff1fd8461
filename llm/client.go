package llm

import (
	"context"
	"encoding/base64"
	"fmt"
	"strings"
	"sync"

	"github.com/m4xw311/fuzz/aiconfig"
	"github.com/m4xw311/fuzz/session"
	"github.com/m4xw311/fuzz/tools"
)

// Request is one completion call: the full conversation, the tool catalogue
// the model may call and the generation parameters to apply.
type Request struct {
	Turns  []session.Turn
	Tools  []tools.Tool
	Params aiconfig.Parameters
	// ForceToolCall asks the backend to answer with a tool call rather than text.
	ForceToolCall bool
}

// LLMClient is the interface for interacting with a Large Language Model.
// Chat returns a nil turn when the backend produced no candidates.
type LLMClient interface {
	Chat(ctx context.Context, req *Request) (*session.Turn, error)
}

// systemText joins the text of the system turns, which most vendors take
// outside the message list.
func systemText(turns []session.Turn) string {
	var parts []string
	for _, t := range turns {
		if t.Role == session.RoleSystem {
			if s := t.AllText(); s != "" {
				parts = append(parts, s)
			}
		}
	}
	return strings.Join(parts, "\n\n")
}

func dataURI(b *session.Blob) string {
	return fmt.Sprintf("data:%s;base64,%s", b.MIMEType, base64.StdEncoding.EncodeToString(b.Data))
}

// MockLLMClient replays scripted turns and records every request it sees.
type MockLLMClient struct {
	mu       sync.Mutex
	Turns    []*session.Turn
	Err      error
	Requests []Request
}

// NewMockLLMClient returns a client that answers with turns in order. Once
// the script is exhausted the last turn is repeated.
func NewMockLLMClient(turns ...*session.Turn) *MockLLMClient {
	return &MockLLMClient{Turns: turns}
}

func (m *MockLLMClient) Chat(ctx context.Context, req *Request) (*session.Turn, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	snapshot := *req
	snapshot.Turns = append([]session.Turn(nil), req.Turns...)
	m.Requests = append(m.Requests, snapshot)
	if m.Err != nil {
		return nil, m.Err
	}

	if len(m.Turns) == 0 {
		last := ""
		if n := len(req.Turns); n > 0 {
			last = req.Turns[n-1].AllText()
		}
		turn := session.AssistantText(fmt.Sprintf("I am a mock LLM. You said: '%s'.", last))
		return &turn, nil
	}
	i := len(m.Requests) - 1
	if i >= len(m.Turns) {
		i = len(m.Turns) - 1
	}
	if m.Turns[i] == nil {
		return nil, nil
	}
	turn := *m.Turns[i]
	return &turn, nil
}

// Calls returns the number of Chat calls made so far.
func (m *MockLLMClient) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Requests)
}

// ToolCallTurn is an assistant turn requesting a single tool call.
func ToolCallTurn(id, name string, args map[string]any) *session.Turn {
	return &session.Turn{Role: session.RoleAssistant, Parts: []session.Part{{
		ToolCall: &session.ToolCall{ToolCallID: id, Name: name, Args: args},
	}}}
}

// TextTurn is an assistant turn carrying text.
func TextTurn(text string) *session.Turn {
	t := session.AssistantText(text)
	return &t
}
