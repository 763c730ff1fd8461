package agent

import "github.com/m4xw311/fuzz/session"

// Response is the only output a caller sees for a processed request.
type Response struct {
	Answer          string  `json:"answer"`
	LastExecutedSQL *string `json:"lastExecutedSql"`
}

func answer(text string) Response {
	return Response{Answer: text}
}

// SQL returns the executed SQL or the empty string.
func (r Response) SQL() string {
	if r.LastExecutedSQL == nil {
		return ""
	}
	return *r.LastExecutedSQL
}

// ProcessCallbacks lets a front-end observe a turn while it runs. Every field
// is optional.
type ProcessCallbacks struct {
	OnAssistantMessage func(message string)
	OnToolCall         func(call session.ToolCall)
	OnToolResult       func(call session.ToolCall, result string)
	// ShouldExecuteTool gates each call; a nil func allows everything.
	ShouldExecuteTool func(call session.ToolCall) bool
	OnWarning         func(warning string)
}

func (c ProcessCallbacks) assistant(msg string) {
	if c.OnAssistantMessage != nil {
		c.OnAssistantMessage(msg)
	}
}

func (c ProcessCallbacks) toolCall(call session.ToolCall) {
	if c.OnToolCall != nil {
		c.OnToolCall(call)
	}
}

func (c ProcessCallbacks) toolResult(call session.ToolCall, result string) {
	if c.OnToolResult != nil {
		c.OnToolResult(call, result)
	}
}

func (c ProcessCallbacks) allow(call session.ToolCall) bool {
	return c.ShouldExecuteTool == nil || c.ShouldExecuteTool(call)
}

func (c ProcessCallbacks) warn(msg string) {
	if c.OnWarning != nil {
		c.OnWarning(msg)
	}
}
