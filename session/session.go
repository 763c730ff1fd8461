package session

import (
	"strings"
	"sync"
)

type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// ToolCall is a request from the model to invoke a named tool.
type ToolCall struct {
	ToolCallID string         `json:"tool_call_id"`
	Name       string         `json:"name"`
	Args       map[string]any `json:"args"`
}

// ToolResult carries the output of one tool invocation back to the model.
type ToolResult struct {
	ToolCallID string `json:"tool_call_id"`
	Name       string `json:"name"`
	Content    string `json:"content"`
}

// Blob is a binary attachment such as an image.
type Blob struct {
	MIMEType string `json:"mime_type"`
	Data     []byte `json:"data"`
}

// Part is one piece of a turn. Exactly one field is set.
type Part struct {
	Text       string      `json:"text,omitempty"`
	ToolCall   *ToolCall   `json:"tool_call,omitempty"`
	ToolResult *ToolResult `json:"tool_result,omitempty"`
	Blob       *Blob       `json:"blob,omitempty"`
}

// Turn is one message in a conversation. Pinned turns form the prompt block
// at the head of a session and survive trimming.
type Turn struct {
	Role   Role   `json:"role"`
	Parts  []Part `json:"parts"`
	Pinned bool   `json:"pinned,omitempty"`
}

func SystemText(text string) Turn {
	return Turn{Role: RoleSystem, Parts: []Part{{Text: text}}, Pinned: true}
}

func UserText(text string) Turn {
	return Turn{Role: RoleUser, Parts: []Part{{Text: text}}}
}

func AssistantText(text string) Turn {
	return Turn{Role: RoleAssistant, Parts: []Part{{Text: text}}}
}

// UserImage is a user turn carrying an attachment followed by its prompt.
func UserImage(mimeType string, data []byte, prompt string) Turn {
	return Turn{Role: RoleUser, Parts: []Part{
		{Blob: &Blob{MIMEType: mimeType, Data: data}},
		{Text: prompt},
	}}
}

// ToolResultTurn answers call with content.
func ToolResultTurn(call ToolCall, content string) Turn {
	return Turn{Role: RoleTool, Parts: []Part{{ToolResult: &ToolResult{
		ToolCallID: call.ToolCallID,
		Name:       call.Name,
		Content:    content,
	}}}}
}

// Text returns the first non-empty text part.
func (t Turn) Text() string {
	for _, p := range t.Parts {
		if strings.TrimSpace(p.Text) != "" {
			return p.Text
		}
	}
	return ""
}

// AllText concatenates every text part.
func (t Turn) AllText() string {
	var b strings.Builder
	for _, p := range t.Parts {
		b.WriteString(p.Text)
	}
	return b.String()
}

func (t Turn) ToolCalls() []ToolCall {
	var calls []ToolCall
	for _, p := range t.Parts {
		if p.ToolCall != nil {
			calls = append(calls, *p.ToolCall)
		}
	}
	return calls
}

func (t Turn) IsEmpty() bool {
	for _, p := range t.Parts {
		if p.Text != "" || p.ToolCall != nil || p.ToolResult != nil || p.Blob != nil {
			return false
		}
	}
	return true
}

// Session is the ordered conversation history of one user with one backend.
// Callers hold the session lock for the whole of a turn.
type Session struct {
	Name  string `json:"name"`
	Turns []Turn `json:"turns"`

	mu       sync.Mutex
	store    *Store
	detached bool
}

func New(name string) *Session {
	return &Session{Name: name, Turns: []Turn{}}
}

func (s *Session) Lock()   { s.mu.Lock() }
func (s *Session) Unlock() { s.mu.Unlock() }

// AddTurn appends a turn to the session history.
func (s *Session) AddTurn(t Turn) {
	s.Turns = append(s.Turns, t)
}

// Reset replaces the history with the given prompt block.
func (s *Session) Reset(prompt ...Turn) {
	s.Turns = append([]Turn{}, prompt...)
}

// Detached reports whether the store has dropped this session since it was
// handed out. The caller holds the session lock.
func (s *Session) Detached() bool { return s.detached }

func (s *Session) Clear() {
	s.Turns = []Turn{}
}

// PromptText returns the text of the first turn, which identifies the persona
// the session was seeded with.
func (s *Session) PromptText() string {
	if len(s.Turns) == 0 {
		return ""
	}
	return s.Turns[0].AllText()
}

// Snapshot returns a copy of the turns safe to hand to a backend.
func (s *Session) Snapshot() []Turn {
	out := make([]Turn, len(s.Turns))
	copy(out, s.Turns)
	return out
}

// Trim bounds the history to max turns. The pinned prompt block is always
// kept, whole exchanges are dropped oldest first, and the retained tail never
// begins with a tool turn.
func (s *Session) Trim(max int) {
	s.Turns = Trim(s.Turns, max)
}

// Trim applies the trimming rules of Session.Trim to turns.
func Trim(turns []Turn, max int) []Turn {
	if len(turns) <= max {
		return turns
	}

	head := 0
	for head < len(turns) && turns[head].Pinned {
		head++
	}
	pinned := turns[:head]
	rest := turns[head:]
	budget := max - len(pinned)
	if budget <= 0 {
		return append([]Turn{}, pinned...)
	}

	// Drop exchanges, each starting at a user turn, until the tail fits.
	for len(rest) > budget {
		next := nextExchange(rest)
		if next < 0 {
			break
		}
		rest = rest[next:]
	}
	if len(rest) > budget {
		rest = rest[len(rest)-budget:]
	}
	for len(rest) > 0 && rest[0].Role == RoleTool {
		rest = rest[1:]
	}

	out := make([]Turn, 0, len(pinned)+len(rest))
	out = append(out, pinned...)
	return append(out, rest...)
}

// nextExchange returns the index of the second user turn in turns, or -1.
func nextExchange(turns []Turn) int {
	for i := 1; i < len(turns); i++ {
		if turns[i].Role == RoleUser {
			return i
		}
	}
	return -1
}
