package terminal

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/m4xw311/fuzz/agent"
	"github.com/m4xw311/fuzz/session"
)

// Mode decides whether tool calls need confirmation.
type Mode string

const (
	ModeAuto   Mode = "auto"
	ModePrompt Mode = "prompt"
)

// ToolVerbosity controls how much of a tool call is printed.
type ToolVerbosity string

const (
	ToolVerbosityNone ToolVerbosity = "none"
	ToolVerbosityInfo ToolVerbosity = "info"
	ToolVerbosityAll  ToolVerbosity = "all"
)

// Terminal handles the terminal/CLI interaction mode for the dispatcher
type Terminal struct {
	dispatcher *agent.Dispatcher
	userID     string
	persona    agent.Persona
	Mode       Mode
	Verbosity  ToolVerbosity

	scanner *bufio.Scanner
	out     io.Writer
}

// New creates a Terminal reading commands from in and writing to out.
func New(d *agent.Dispatcher, userID string, mode Mode, verbosity ToolVerbosity, in io.Reader, out io.Writer) *Terminal {
	return &Terminal{
		dispatcher: d,
		userID:     userID,
		persona:    agent.PersonaTaskManager,
		Mode:       mode,
		Verbosity:  verbosity,
		scanner:    bufio.NewScanner(in),
		out:        out,
	}
}

// SetPersona selects the persona of the following turns.
func (t *Terminal) SetPersona(p agent.Persona) { t.persona = p }

// Run starts the interactive terminal session
func (t *Terminal) Run(ctx context.Context, initialPrompt string) error {
	if initialPrompt != "" {
		t.processTurn(ctx, initialPrompt)
	}

	for {
		fmt.Fprint(t.out, "You: ")
		if !t.scanner.Scan() {
			break
		}

		userInput := strings.TrimSpace(t.scanner.Text())
		if userInput == "" {
			continue
		}
		if strings.HasPrefix(userInput, "/") {
			if quit := t.command(userInput); quit {
				break
			}
			continue
		}
		t.processTurn(ctx, userInput)
	}

	return t.scanner.Err()
}

// command runs a slash command and reports whether the session should end.
func (t *Terminal) command(line string) bool {
	fields := strings.Fields(line)
	switch fields[0] {
	case "/quit", "/exit":
		return true
	case "/clear":
		if err := t.dispatcher.ClearHistory(t.userID, ""); err != nil {
			fmt.Fprintf(t.out, "Error: %v\n", err)
			return false
		}
		fmt.Fprintln(t.out, "History cleared.")
	case "/sql":
		if s := t.dispatcher.LastSQL(t.userID); s != nil {
			fmt.Fprintf(t.out, "Last SQL: %s\n", *s)
		} else {
			fmt.Fprintln(t.out, "No SQL has been run yet.")
		}
	case "/persona":
		if len(fields) < 2 {
			fmt.Fprintf(t.out, "Persona: %s\n", t.persona)
			return false
		}
		p, err := agent.ParsePersona(fields[1])
		if err != nil {
			fmt.Fprintf(t.out, "Error: %v\n", err)
			return false
		}
		t.persona = p
		fmt.Fprintf(t.out, "Persona set to %s.\n", p)
	default:
		fmt.Fprintf(t.out, "Unknown command %s. Commands: /clear, /sql, /persona <name>, /quit\n", fields[0])
	}
	return false
}

// processTurn handles a single user input turn
func (t *Terminal) processTurn(ctx context.Context, userInput string) agent.Response {
	var printed string
	callbacks := agent.ProcessCallbacks{
		OnAssistantMessage: func(message string) {
			printed = message
			fmt.Fprintf(t.out, "Fuzz: %s\n", message)
		},
		OnToolCall: func(toolCall session.ToolCall) {
			switch t.Verbosity {
			case ToolVerbosityAll:
				fmt.Fprintf(t.out, "Fuzz wants to call tool `%s` with args: %v\n", toolCall.Name, toolCall.Args)
			case ToolVerbosityInfo:
				fmt.Fprintf(t.out, "Fuzz wants to call tool `%s`\n", toolCall.Name)
			}
		},
		OnToolResult: func(toolCall session.ToolCall, result string) {
			if t.Verbosity == ToolVerbosityAll {
				fmt.Fprintf(t.out, "Tool `%s` output: %s\n", toolCall.Name, result)
			}
		},
		ShouldExecuteTool: func(toolCall session.ToolCall) bool {
			if t.Mode != ModePrompt {
				return true
			}
			fmt.Fprint(t.out, "Do you want to allow this? (y/n): ")
			if !t.scanner.Scan() {
				return false
			}
			return strings.TrimSpace(strings.ToLower(t.scanner.Text())) == "y"
		},
		OnWarning: func(warning string) {
			fmt.Fprintf(t.out, "Warning: %s\n", warning)
		},
	}

	resp := t.dispatcher.ProcessText(ctx, agent.Request{
		Input:     userInput,
		UserID:    t.userID,
		Persona:   t.persona,
		Callbacks: callbacks,
	})
	// Validation, configuration and timeout answers never reach the callbacks.
	if resp.Answer != "" && resp.Answer != printed {
		fmt.Fprintf(t.out, "Fuzz: %s\n", resp.Answer)
	}
	return resp
}
