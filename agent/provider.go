package agent

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/m4xw311/fuzz/aiconfig"
	"github.com/m4xw311/fuzz/config"
	"github.com/m4xw311/fuzz/errors"
	"github.com/m4xw311/fuzz/llm"
	"github.com/m4xw311/fuzz/session"
	"github.com/m4xw311/fuzz/tools"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("github.com/m4xw311/fuzz/agent")

// Request is one text turn handed to an agent.
type Request struct {
	Input   string
	UserID  string
	Persona Persona
	// Scope separates independent conversations of the same user, such as
	// two browser connections. The empty scope is the user's default one.
	Scope     string
	Callbacks ProcessCallbacks
}

// TextAgent serves text requests for one backend provider.
type TextAgent interface {
	Process(ctx context.Context, conf *aiconfig.Configuration, req Request) Response
	ClearHistory(userID, scope string) error
	LastSQL(userID string) *string
}

// ProviderAgent runs the tool-calling loop against one backend provider. It
// keeps one session per user and scope; a session is locked for the whole of
// a turn so concurrent requests on it are serialised.
type ProviderAgent struct {
	provider      aiconfig.Provider
	newClient     llm.Factory
	personaTools  map[Persona][]tools.Tool
	sessions      *session.Store
	maxIterations int
	maxHistory    int
	examples      bool

	sqlMu   sync.Mutex
	lastSQL map[string]string
}

// NewProviderAgent builds the agent for provider. Tools for each persona are
// taken from the toolsets named in cfg.
func NewProviderAgent(provider aiconfig.Provider, cfg *config.Config, registry *tools.ToolRegistry, sessions *session.Store, factory llm.Factory) (*ProviderAgent, error) {
	if factory == nil {
		factory = llm.NewClient
	}
	if sessions == nil {
		sessions = session.NewStore("")
	}
	a := &ProviderAgent{
		provider:      provider,
		newClient:     factory,
		personaTools:  make(map[Persona][]tools.Tool),
		sessions:      sessions,
		maxIterations: cfg.IterationBudget(provider.String()),
		maxHistory:    cfg.Agent.MaxHistory,
		examples:      cfg.PromptExamplesFor(provider.String()),
		lastSQL:       make(map[string]string),
	}
	if a.maxIterations <= 0 {
		a.maxIterations = DefaultMaxIterations
	}
	if a.maxHistory <= 0 {
		a.maxHistory = DefaultMaxHistory
	}

	for _, p := range []Persona{PersonaTaskManager, PersonaSQLTuning} {
		ts, err := cfg.GetToolset(p.Toolset())
		if err != nil {
			return nil, errors.Wrapf(err, "failed to get toolset for persona %s", p)
		}
		active, err := registry.GetActiveTools(ts)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to get active tools for persona %s", p)
		}
		a.personaTools[p] = active
	}
	return a, nil
}

func (a *ProviderAgent) Provider() aiconfig.Provider { return a.provider }

// MaxIterations is the number of model calls one turn may make.
func (a *ProviderAgent) MaxIterations() int { return a.maxIterations }

// Tools returns the catalogue the persona may call.
func (a *ProviderAgent) Tools(p Persona) []tools.Tool {
	return a.personaTools[p]
}

func (a *ProviderAgent) sessionID(userID, scope string) string {
	id := a.provider.String() + "/" + userID
	if scope != "" {
		id += "/" + scope
	}
	return id
}

// Session returns the conversation of userID in scope.
func (a *ProviderAgent) Session(userID, scope string) (*session.Session, error) {
	return a.sessions.Get(a.sessionID(userID, scope))
}

// lockSession returns the live session of userID in scope, locked. A session
// cleared while this turn waited for its lock is replaced by the fresh one.
func (a *ProviderAgent) lockSession(userID, scope string) (*session.Session, error) {
	for {
		sess, err := a.Session(userID, scope)
		if err != nil {
			return nil, err
		}
		sess.Lock()
		if !sess.Detached() {
			return sess, nil
		}
		sess.Unlock()
	}
}

// ClearHistory drops the conversation of userID in scope.
func (a *ProviderAgent) ClearHistory(userID, scope string) error {
	return a.sessions.Clear(a.sessionID(userID, scope))
}

// LastSQL returns the most recent SQL any SQL-capable tool captured for userID.
func (a *ProviderAgent) LastSQL(userID string) *string {
	a.sqlMu.Lock()
	defer a.sqlMu.Unlock()
	s, ok := a.lastSQL[userID]
	if !ok {
		return nil
	}
	return &s
}

func (a *ProviderAgent) rememberSQL(userID, sqlText string) {
	a.sqlMu.Lock()
	a.lastSQL[userID] = sqlText
	a.sqlMu.Unlock()
}

func defaultParameters() aiconfig.Parameters {
	return aiconfig.Parameters{Temperature: DefaultTemperature, MaxTokens: DefaultMaxTokens, TopP: DefaultTopP}
}

// Process answers one user turn. Failures never escape: they come back as a
// technical error answer, and the session keeps whatever the turn added.
func (a *ProviderAgent) Process(ctx context.Context, conf *aiconfig.Configuration, req Request) Response {
	persona := req.Persona
	if persona == "" {
		persona = PersonaTaskManager
	}
	ctx, span := tracer.Start(ctx, "agent.process", trace.WithAttributes(
		attribute.String("fuzz.provider", a.provider.String()),
		attribute.String("fuzz.persona", string(persona)),
	))
	defer span.End()
	logger := log.With().Str("provider", a.provider.String()).Str("user", req.UserID).Str("persona", string(persona)).Logger()

	if conf.Provider.RequiresAPIKey() && strings.TrimSpace(conf.APIKey) == "" {
		return answer(fmt.Sprintf("Please configure an active %s API key in the 'AI Settings' page.", conf.Provider.DisplayName()))
	}

	sess, err := a.lockSession(req.UserID, req.Scope)
	if err != nil {
		return a.fail(span, err)
	}
	defer sess.Unlock()

	client, err := a.newClient(ctx, *conf, llm.PurposeChat)
	if err != nil {
		return a.fail(span, err)
	}
	if c, ok := client.(io.Closer); ok {
		defer c.Close()
	}

	// A first turn that differs from the persona prompt means the persona changed.
	prompt := persona.Prompt(req.UserID, a.examples)
	if sess.PromptText() != prompt {
		logger.Debug().Msg("seeding session")
		sess.Reset(session.SystemText(prompt))
	}
	sess.AddTurn(session.UserText(req.Input))

	text, executed, err := a.loop(tools.WithUserID(ctx, req.UserID), client, sess, persona, conf.Params(defaultParameters()), req.Callbacks)

	sess.Trim(a.maxHistory)
	if saveErr := sess.Save(); saveErr != nil {
		logger.Warn().Err(saveErr).Msg("could not save session")
	}
	if err != nil {
		return a.fail(span, err)
	}
	return Response{Answer: text, LastExecutedSQL: executed}
}

func (a *ProviderAgent) fail(span trace.Span, err error) Response {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	log.Error().Err(err).Str("provider", a.provider.String()).Str("kind", errors.KindOf(err).String()).Msg("agent turn failed")
	return answer(technicalErrorText + err.Error())
}

// loop alternates model calls and tool executions until the model answers
// with text or the iteration budget runs out.
func (a *ProviderAgent) loop(ctx context.Context, client llm.LLMClient, sess *session.Session, persona Persona, params aiconfig.Parameters, cb ProcessCallbacks) (string, *string, error) {
	userID := tools.UserID(ctx)
	catalogue := a.personaTools[persona]
	var executed *string

	for i := 0; i < a.maxIterations; i++ {
		req := &llm.Request{
			Turns:         sess.Snapshot(),
			Tools:         catalogue,
			Params:        params,
			ForceToolCall: i == 0 && persona.ForcesToolCall() && len(catalogue) > 0,
		}
		chatCtx, span := tracer.Start(ctx, "llm.chat", trace.WithAttributes(attribute.Int("fuzz.iteration", i)))
		turn, err := client.Chat(chatCtx, req)
		if err != nil {
			span.RecordError(err)
		}
		span.End()
		if err != nil {
			return "", executed, err
		}

		if turn == nil || turn.IsEmpty() {
			log.Warn().Str("provider", a.provider.String()).Int("iteration", i).Msg("backend returned an empty response")
			cb.warn("the model returned an empty response")
			return "", executed, nil
		}
		turn.Role = session.RoleAssistant
		sess.AddTurn(*turn)

		calls := turn.ToolCalls()
		if len(calls) == 0 {
			text := turn.Text()
			cb.assistant(text)
			return text, executed, nil
		}
		if text := turn.Text(); text != "" {
			cb.assistant(text)
		}

		done := false
		for _, call := range calls {
			tool := findTool(catalogue, call.Name)
			if tool == nil {
				log.Warn().Str("provider", a.provider.String()).Str("tool", call.Name).Msg("model requested an unknown tool")
				cb.warn(fmt.Sprintf("tool '%s' not found", call.Name))
				continue
			}
			cb.toolCall(call)

			result := "Tool execution was denied by the user."
			if cb.allow(call) {
				result = a.execute(ctx, tool, call)
				if rec, ok := tool.(tools.SQLRecorder); ok {
					if s := rec.CallSQL(call.Args); s != "" {
						executed = &s
						a.rememberSQL(userID, s)
					}
				}
			}
			sess.AddTurn(session.ToolResultTurn(call, result))
			cb.toolResult(call, result)
			if persona == PersonaSQLTuning && tool.Name() == tools.GenerateSQLToolName {
				done = true
			}
		}
		if done {
			cb.assistant(SQLPreparedAnswer)
			return SQLPreparedAnswer, executed, nil
		}
	}

	log.Warn().Str("provider", a.provider.String()).Str("kind", errors.KindIterationBudget.String()).
		Int("iterations", a.maxIterations).Msg("iteration budget exhausted")
	cb.warn("iteration budget exhausted")
	return TimeoutAnswer, executed, nil
}

// execute runs one tool call. Tool errors are turned into text for the model.
func (a *ProviderAgent) execute(ctx context.Context, tool tools.Tool, call session.ToolCall) string {
	ctx, span := tracer.Start(ctx, "tool.execute", trace.WithAttributes(attribute.String("fuzz.tool", call.Name)))
	defer span.End()

	args := call.Args
	if args == nil {
		args = map[string]any{}
	}
	result, err := tool.Execute(ctx, args)
	if err != nil {
		span.RecordError(err)
		log.Error().Err(err).Str("tool", call.Name).Str("user", tools.UserID(ctx)).Msg("tool execution failed")
		return "Error: " + errors.UserMessage(err)
	}
	return result
}

func findTool(catalogue []tools.Tool, name string) tools.Tool {
	for _, t := range catalogue {
		if t.Name() == name {
			return t
		}
	}
	return nil
}
