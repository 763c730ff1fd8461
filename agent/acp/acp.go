package acp

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/url"
	"os"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/m4xw311/fuzz/agent"
	"github.com/m4xw311/fuzz/errors"
	"github.com/m4xw311/fuzz/session"
	"github.com/rs/zerolog"
)

// Run serves ACP on in and out until in is exhausted. Prompts are answered
// for userID through d. When traceFile is set the protocol exchange is
// appended to it; out never carries anything but JSON-RPC.
func Run(ctx context.Context, d *agent.Dispatcher, userID string, in *bufio.Reader, out *bufio.Writer, traceFile string) error {
	trace := zerolog.Nop()
	if traceFile != "" {
		f, err := os.OpenFile(traceFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return errors.Wrapf(err, "could not open ACP trace file")
		}
		defer f.Close()
		trace = zerolog.New(f).With().Timestamp().Str("component", "acp").Logger()
	}

	trace.Debug().Msg("starting ACP server")
	c := &conn{
		ctx:        ctx,
		dispatcher: d,
		userID:     userID,
		sessions:   make(map[string]agent.Persona),
		in:         in,
		out:        out,
		trace:      trace,
	}

	for {
		payload, err := c.readLine()
		if err != nil {
			if err == io.EOF {
				trace.Debug().Msg("EOF received, exiting")
				return nil
			}
			trace.Error().Err(err).Msg("read error")
			return errors.Wrapf(err, "ACP read failed")
		}
		if len(payload) == 0 {
			continue
		}

		trace.Debug().RawJSON("payload", payload).Msg("received")
		var req rpcRequest
		if err := json.Unmarshal(payload, &req); err != nil {
			trace.Warn().Err(err).Msg("JSON parse error")
			_ = c.replyError(nil, -32700, "Parse error", nil)
			continue
		}

		switch req.Method {
		case "initialize":
			c.handleInitialize(&req)
		case "session/new":
			c.handleSessionNew(&req)
		case "session/prompt":
			c.handleSessionPrompt(&req)
		case "session/clear":
			c.handleSessionClear(&req)
		default:
			trace.Debug().Str("method", req.Method).Msg("method not found")
			_ = c.replyError(req.ID, -32601, "Method not found", nil)
		}
	}
}

type rpcRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      any             `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      any             `json:"id,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

var newSessionID = func() string { return "sess_" + uuid.NewString() }

type conn struct {
	ctx        context.Context
	dispatcher *agent.Dispatcher
	userID     string

	// sessions maps an ACP session id to its persona. The id doubles as the
	// conversation scope, so each ACP session has its own history.
	sessions map[string]agent.Persona
	mu       sync.Mutex

	in    *bufio.Reader
	out   *bufio.Writer
	wmu   sync.Mutex
	trace zerolog.Logger
}

// readLine reads one newline-delimited JSON-RPC payload.
func (c *conn) readLine() ([]byte, error) {
	line, err := c.in.ReadBytes('\n')
	if err != nil && !(err == io.EOF && len(line) > 0) {
		return nil, err
	}
	return []byte(strings.TrimSpace(string(line))), nil
}

// writeLine serializes and writes one JSON-RPC message followed by a newline.
func (c *conn) writeLine(obj any) error {
	data, err := json.Marshal(obj)
	if err != nil {
		return errors.Wrapf(err, "encode JSON-RPC message")
	}
	c.trace.Debug().RawJSON("message", data).Msg("sending")

	c.wmu.Lock()
	defer c.wmu.Unlock()
	if _, err := c.out.Write(data); err != nil {
		return err
	}
	if err := c.out.WriteByte('\n'); err != nil {
		return err
	}
	return c.out.Flush()
}

func (c *conn) reply(id any, result any) error {
	data, err := json.Marshal(result)
	if err != nil {
		return c.replyError(id, -32603, "Internal error", err.Error())
	}
	return c.writeLine(rpcResponse{JSONRPC: "2.0", ID: id, Result: data})
}

func (c *conn) replyError(id any, code int, msg string, data any) error {
	return c.writeLine(rpcResponse{
		JSONRPC: "2.0",
		ID:      id,
		Error:   &rpcError{Code: code, Message: msg, Data: data},
	})
}

func (c *conn) notify(method string, params any) error {
	return c.writeLine(map[string]any{
		"jsonrpc": "2.0",
		"method":  method,
		"params":  params,
	})
}

func (c *conn) decodeParams(req *rpcRequest, v any) bool {
	if len(req.Params) == 0 {
		return true
	}
	if err := json.Unmarshal(req.Params, v); err != nil {
		_ = c.replyError(req.ID, -32602, "Invalid params", err.Error())
		return false
	}
	return true
}

// handleInitialize returns the protocol version and agent capabilities.
func (c *conn) handleInitialize(req *rpcRequest) {
	var p struct {
		ProtocolVersion int             `json:"protocolVersion"`
		ClientCaps      json.RawMessage `json:"clientCapabilities,omitempty"`
	}
	if !c.decodeParams(req, &p) {
		return
	}
	_ = c.reply(req.ID, map[string]any{
		"protocolVersion": 1,
		"agentCapabilities": map[string]any{
			"loadSession": false,
			"promptCapabilities": map[string]bool{
				"audio":           false,
				"embeddedContext": false,
				"image":           false,
			},
		},
		"authMethods": []any{},
	})
}

// handleSessionNew creates a session and returns its id.
func (c *conn) handleSessionNew(req *rpcRequest) {
	var p struct {
		Cwd        string          `json:"cwd"`
		McpServers json.RawMessage `json:"mcpServers"`
		Persona    string          `json:"persona,omitempty"`
	}
	if !c.decodeParams(req, &p) {
		return
	}
	persona, err := agent.ParsePersona(p.Persona)
	if err != nil {
		_ = c.replyError(req.ID, -32602, "Invalid params", err.Error())
		return
	}

	sid := newSessionID()
	c.mu.Lock()
	c.sessions[sid] = persona
	c.mu.Unlock()
	c.trace.Debug().Str("session", sid).Str("persona", string(persona)).Msg("session created")

	_ = c.reply(req.ID, map[string]any{"sessionId": sid})
}

func (c *conn) lookup(req *rpcRequest, sid string) (agent.Persona, bool) {
	c.mu.Lock()
	persona, ok := c.sessions[sid]
	c.mu.Unlock()
	if !ok {
		_ = c.replyError(req.ID, -32602, "Invalid params", "unknown sessionId")
	}
	return persona, ok
}

// contentBlock is one element of a session/prompt request.
type contentBlock struct {
	Type        string `json:"type"`
	Text        string `json:"text,omitempty"`
	URI         string `json:"uri,omitempty"`
	Name        string `json:"name,omitempty"`
	MimeType    string `json:"mimeType,omitempty"`
	Title       string `json:"title,omitempty"`
	Description string `json:"description,omitempty"`
	Size        *int64 `json:"size,omitempty"`
}

// handleSessionPrompt runs one turn through the dispatcher, streaming the
// agent's progress as session/update notifications, and ends with
// stopReason end_turn.
func (c *conn) handleSessionPrompt(req *rpcRequest) {
	var p struct {
		SessionID string         `json:"sessionId"`
		Prompt    []contentBlock `json:"prompt"`
	}
	if !c.decodeParams(req, &p) {
		return
	}
	persona, ok := c.lookup(req, p.SessionID)
	if !ok {
		return
	}
	userText := extractUserText(p.Prompt)

	var sent string
	callbacks := agent.ProcessCallbacks{
		OnAssistantMessage: func(message string) {
			sent = message
			c.sendMessage(p.SessionID, message)
		},
		OnToolCall: func(toolCall session.ToolCall) {
			c.sendToolCall(p.SessionID, toolCall)
		},
		OnToolResult: func(toolCall session.ToolCall, result string) {
			c.sendToolResult(p.SessionID, toolCall, result)
		},
		OnWarning: func(warning string) {
			c.trace.Warn().Str("session", p.SessionID).Msg(warning)
		},
	}

	resp := c.dispatcher.ProcessText(c.ctx, agent.Request{
		Input:     userText,
		UserID:    c.userID,
		Persona:   persona,
		Scope:     p.SessionID,
		Callbacks: callbacks,
	})
	if resp.Answer != "" && resp.Answer != sent {
		c.sendMessage(p.SessionID, resp.Answer)
	}

	_ = c.reply(req.ID, map[string]any{"stopReason": "end_turn"})
}

// handleSessionClear forgets the conversation of a session.
func (c *conn) handleSessionClear(req *rpcRequest) {
	var p struct {
		SessionID string `json:"sessionId"`
	}
	if !c.decodeParams(req, &p) {
		return
	}
	if _, ok := c.lookup(req, p.SessionID); !ok {
		return
	}
	if err := c.dispatcher.ClearHistory(c.userID, p.SessionID); err != nil {
		_ = c.replyError(req.ID, -32603, "Internal error", err.Error())
		return
	}
	_ = c.reply(req.ID, nil)
}

// sendUpdate emits one session/update notification.
func (c *conn) sendUpdate(sessionID string, update map[string]any) {
	_ = c.notify("session/update", map[string]any{"sessionId": sessionID, "update": update})
}

func (c *conn) sendToolCall(sessionID string, call session.ToolCall) {
	c.sendUpdate(sessionID, map[string]any{
		"sessionUpdate": "tool_call",
		"toolCall":      map[string]any{"id": call.ToolCallID, "name": call.Name, "args": call.Args},
	})
}

func (c *conn) sendToolResult(sessionID string, call session.ToolCall, result string) {
	c.sendUpdate(sessionID, map[string]any{
		"sessionUpdate": "tool_result",
		"toolResult":    map[string]any{"toolCallId": call.ToolCallID, "result": result},
	})
}

func (c *conn) sendMessage(sessionID, text string) {
	c.sendUpdate(sessionID, map[string]any{
		"sessionUpdate": "agent_message_chunk",
		"content":       map[string]any{"type": "text", "text": text},
	})
}

// readFileFromURI reads the file a file:// URI points at.
func readFileFromURI(uri string) (string, error) {
	u, err := url.Parse(uri)
	if err != nil {
		return "", errors.Wrapf(err, "invalid URI")
	}
	if u.Scheme != "file" {
		return "", errors.New("unsupported URI scheme: %s", u.Scheme)
	}
	content, err := os.ReadFile(u.Path)
	if err != nil {
		return "", errors.Wrapf(err, "read %s", u.Path)
	}
	return string(content), nil
}

// Resources are inlined into the prompt; keep them within the input limit.
const maxResourceChars = 2000

// extractUserText creates a single prompt from the content blocks. Text
// blocks are kept as is and resource links are described, with the contents
// of local files inlined.
func extractUserText(blocks []contentBlock) string {
	var parts []string
	for _, b := range blocks {
		switch b.Type {
		case "text":
			if strings.TrimSpace(b.Text) != "" {
				parts = append(parts, b.Text)
			}
		case "resource_link":
			var info strings.Builder
			fmt.Fprintf(&info, "=== Resource: %s ===\n", b.Name)
			if b.Title != "" {
				fmt.Fprintf(&info, "Title: %s\n", b.Title)
			}
			if b.Description != "" {
				fmt.Fprintf(&info, "Description: %s\n", b.Description)
			}
			fmt.Fprintf(&info, "URI: %s\n", b.URI)
			if b.MimeType != "" {
				fmt.Fprintf(&info, "Type: %s\n", b.MimeType)
			}
			if b.Size != nil {
				fmt.Fprintf(&info, "Size: %d bytes\n", *b.Size)
			}

			if strings.HasPrefix(b.URI, "file://") {
				content, err := readFileFromURI(b.URI)
				if err != nil {
					fmt.Fprintf(&info, "\n[Error reading file: %v]\n", err)
				} else {
					if len(content) > maxResourceChars {
						content = content[:maxResourceChars] + "\n\n[... truncated ...]"
					}
					fmt.Fprintf(&info, "\n--- File Contents ---\n%s\n--- End of File ---\n", content)
				}
			} else {
				info.WriteString("\n[External resource - content not available]\n")
			}
			info.WriteString("=== End Resource ===\n")
			parts = append(parts, info.String())
		}
	}
	return strings.Join(parts, "\n")
}
