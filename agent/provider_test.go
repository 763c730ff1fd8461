package agent

import (
	"context"
	"strings"
	"testing"

	"github.com/m4xw311/fuzz/aiconfig"
	"github.com/m4xw311/fuzz/errors"
	"github.com/m4xw311/fuzz/llm"
	"github.com/m4xw311/fuzz/session"
	"github.com/m4xw311/fuzz/tools"
)

func TestProviderAgentListsTasks(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.db.Exec(`INSERT INTO FuzzTodos (Title, UserId) VALUES ('buy milk', 'u1'), ('secret', 'u2')`); err != nil {
		t.Fatalf("seed: %v", err)
	}
	query := `SELECT "Title" FROM "FuzzTodos" WHERE "UserId" = 'u1'`
	mock := llm.NewMockLLMClient(
		llm.ToolCallTurn("call_1", tools.DatabaseToolName, map[string]any{"sql": query}),
		llm.TextTurn("Görevlerin: buy milk"),
	)
	a := env.agent(t, aiconfig.ProviderLocal, mock)

	resp := a.Process(context.Background(), localConfig(), Request{Input: "list my tasks", UserID: "u1"})

	if resp.Answer != "Görevlerin: buy milk" {
		t.Errorf("Answer = %q", resp.Answer)
	}
	if resp.LastExecutedSQL == nil || *resp.LastExecutedSQL != query {
		t.Errorf("LastExecutedSQL = %v, want %q", resp.LastExecutedSQL, query)
	}
	if mock.Calls() != 2 {
		t.Fatalf("expected 2 model calls, got %d", mock.Calls())
	}

	first := mock.Requests[0]
	if first.Turns[0].Role != session.RoleSystem || !strings.Contains(first.Turns[0].AllText(), "'u1'") {
		t.Errorf("first turn should be the task prompt for u1, got %+v", first.Turns[0])
	}
	if !strings.Contains(first.Turns[0].AllText(), "EXAMPLE QUERIES") {
		t.Error("local backends should get example queries")
	}
	if !first.ForceToolCall {
		t.Error("first call should force a tool call")
	}
	if mock.Requests[1].ForceToolCall {
		t.Error("only the first call should force a tool call")
	}

	second := mock.Requests[1].Turns
	last := second[len(second)-1]
	if last.Role != session.RoleTool {
		t.Fatalf("last turn of second call should be a tool turn, got %s", last.Role)
	}
	result := last.Parts[0].ToolResult.Content
	if result != `[{"Title":"buy milk"}]` {
		t.Errorf("tool result = %q", result)
	}
}

func TestProviderAgentGuardrailRejection(t *testing.T) {
	env := newTestEnv(t)
	mock := llm.NewMockLLMClient(
		llm.ToolCallTurn("call_1", tools.DatabaseToolName, map[string]any{"sql": "DROP TABLE FuzzTodos"}),
		llm.TextTurn("Bu işlemi yapamam."),
	)
	a := env.agent(t, aiconfig.ProviderLocal, mock)

	resp := a.Process(context.Background(), localConfig(), Request{Input: "DROP TABLE tasks", UserID: "u1"})

	if strings.Contains(resp.Answer, "Tamamdır") {
		t.Errorf("model should not report success, got %q", resp.Answer)
	}
	turns := mock.Requests[1].Turns
	result := turns[len(turns)-1].Parts[0].ToolResult.Content
	if !strings.HasPrefix(result, "Guardrails Alert: Forbidden keyword 'DROP'") {
		t.Errorf("tool result = %q", result)
	}
	// The table must still be there.
	if n := env.countTodos(t); n != 0 {
		t.Errorf("count = %d", n)
	}
}

func TestProviderAgentIterationBudget(t *testing.T) {
	tests := []struct {
		provider aiconfig.Provider
		conf     *aiconfig.Configuration
		want     int
	}{
		{aiconfig.ProviderLocal, localConfig(), 5},
		{aiconfig.ProviderOpenAI, openAIConfig(), 10},
	}
	for _, tt := range tests {
		t.Run(tt.provider.String(), func(t *testing.T) {
			env := newTestEnv(t)
			mock := llm.NewMockLLMClient(llm.ToolCallTurn("call_1", tools.TimeToolName, nil))
			a := env.agent(t, tt.provider, mock)

			resp := a.Process(context.Background(), tt.conf, Request{Input: "what time is it", UserID: "u1"})

			if resp.Answer != TimeoutAnswer {
				t.Errorf("Answer = %q", resp.Answer)
			}
			if mock.Calls() != tt.want {
				t.Errorf("expected %d calls, got %d", tt.want, mock.Calls())
			}
		})
	}
}

func TestProviderAgentEmptyResponse(t *testing.T) {
	env := newTestEnv(t)
	mock := llm.NewMockLLMClient(nil)
	a := env.agent(t, aiconfig.ProviderLocal, mock)

	var warnings []string
	resp := a.Process(context.Background(), localConfig(), Request{
		Input:     "hello",
		UserID:    "u1",
		Callbacks: ProcessCallbacks{OnWarning: func(w string) { warnings = append(warnings, w) }},
	})

	if resp.Answer != "" {
		t.Errorf("Answer = %q", resp.Answer)
	}
	if mock.Calls() != 1 {
		t.Errorf("expected 1 call, got %d", mock.Calls())
	}
	if len(warnings) != 1 {
		t.Errorf("expected one warning, got %v", warnings)
	}
}

func TestProviderAgentBackendError(t *testing.T) {
	env := newTestEnv(t)
	mock := llm.NewMockLLMClient()
	mock.Err = errors.E(errors.KindBackend, "connection refused")
	a := env.agent(t, aiconfig.ProviderLocal, mock)

	resp := a.Process(context.Background(), localConfig(), Request{Input: "hello", UserID: "u1"})

	if resp.Answer != "A technical error occurred: connection refused" {
		t.Errorf("Answer = %q", resp.Answer)
	}
	// The user turn stays in the session.
	sess, _ := a.Session("u1", "")
	if n := len(sess.Turns); n != 2 {
		t.Errorf("expected system and user turns, got %d", n)
	}
}

func TestProviderAgentMissingAPIKey(t *testing.T) {
	env := newTestEnv(t)
	mock := llm.NewMockLLMClient()
	a := env.agent(t, aiconfig.ProviderOpenAI, mock)
	conf := openAIConfig()
	conf.APIKey = " "

	resp := a.Process(context.Background(), conf, Request{Input: "hello", UserID: "u1"})

	if !strings.Contains(resp.Answer, "OpenAI API key") {
		t.Errorf("Answer = %q", resp.Answer)
	}
	if mock.Calls() != 0 {
		t.Error("no backend call expected")
	}
}

func TestProviderAgentSkipsUnknownTool(t *testing.T) {
	env := newTestEnv(t)
	mock := llm.NewMockLLMClient(
		llm.ToolCallTurn("call_1", "DeleteEverything", nil),
		llm.TextTurn("done"),
	)
	a := env.agent(t, aiconfig.ProviderLocal, mock)

	resp := a.Process(context.Background(), localConfig(), Request{Input: "hi", UserID: "u1"})

	if resp.Answer != "done" {
		t.Errorf("Answer = %q", resp.Answer)
	}
	for _, turn := range mock.Requests[1].Turns {
		if turn.Role == session.RoleTool {
			t.Errorf("no tool turn expected for an unknown tool, got %+v", turn)
		}
	}
}

func TestProviderAgentToolDenied(t *testing.T) {
	env := newTestEnv(t)
	mock := llm.NewMockLLMClient(
		llm.ToolCallTurn("call_1", tools.DatabaseToolName, map[string]any{"sql": "INSERT INTO FuzzTodos (Title, UserId) VALUES ('x', 'u1')"}),
		llm.TextTurn("ok"),
	)
	a := env.agent(t, aiconfig.ProviderLocal, mock)

	var called []string
	cb := ProcessCallbacks{
		OnToolCall:        func(c session.ToolCall) { called = append(called, c.Name) },
		ShouldExecuteTool: func(c session.ToolCall) bool { return false },
	}
	resp := a.Process(context.Background(), localConfig(), Request{Input: "add x", UserID: "u1", Callbacks: cb})

	if resp.LastExecutedSQL != nil {
		t.Errorf("denied statement reported as executed: %q", *resp.LastExecutedSQL)
	}
	if a.LastSQL("u1") != nil {
		t.Error("denied statement should not become the last SQL")
	}
	if len(called) != 1 || called[0] != tools.DatabaseToolName {
		t.Errorf("OnToolCall got %v", called)
	}
	if n := env.countTodos(t); n != 0 {
		t.Errorf("denied statement was executed, count = %d", n)
	}
	turns := mock.Requests[1].Turns
	if got := turns[len(turns)-1].Parts[0].ToolResult.Content; got != "Tool execution was denied by the user." {
		t.Errorf("tool result = %q", got)
	}
}

func TestProviderAgentSQLTuningStops(t *testing.T) {
	env := newTestEnv(t)
	query := `SELECT "CategoryName" FROM "Fuzz_Categories"`
	mock := llm.NewMockLLMClient(
		llm.ToolCallTurn("call_1", tools.GenerateSQLToolName, map[string]any{"sql": query}),
		llm.TextTurn("should not be reached"),
	)
	a := env.agent(t, aiconfig.ProviderLocal, mock)

	resp := a.Process(context.Background(), localConfig(), Request{Input: "kategoriler", UserID: "u1", Persona: PersonaSQLTuning})

	if resp.Answer != SQLPreparedAnswer {
		t.Errorf("Answer = %q", resp.Answer)
	}
	if resp.SQL() != query {
		t.Errorf("SQL = %q", resp.SQL())
	}
	if mock.Calls() != 1 {
		t.Errorf("expected 1 call, got %d", mock.Calls())
	}
}

func TestProviderAgentPersonaSwitchReseeds(t *testing.T) {
	env := newTestEnv(t)
	mock := llm.NewMockLLMClient(llm.TextTurn("merhaba"))
	a := env.agent(t, aiconfig.ProviderLocal, mock)
	ctx := context.Background()

	a.Process(ctx, localConfig(), Request{Input: "hi", UserID: "u1"})
	a.Process(ctx, localConfig(), Request{Input: "hi again", UserID: "u1"})
	sess, _ := a.Session("u1", "")
	if n := len(sess.Turns); n != 5 {
		t.Fatalf("same persona should keep history, got %d turns", n)
	}

	a.Process(ctx, localConfig(), Request{Input: "just chat", UserID: "u1", Persona: PersonaFreeChat})
	if sess.PromptText() != freeChatPrompt {
		t.Errorf("session not re-seeded with the free chat prompt")
	}
	if n := len(sess.Turns); n != 3 {
		t.Errorf("expected system, user and assistant turns, got %d", n)
	}
	if got := mock.Requests[2].Tools; len(got) != 0 {
		t.Errorf("free chat should offer no tools, got %d", len(got))
	}
	if mock.Requests[2].ForceToolCall {
		t.Error("free chat should not force a tool call")
	}
}

func TestProviderAgentTrimsHistory(t *testing.T) {
	env := newTestEnv(t)
	mock := llm.NewMockLLMClient()
	a := env.agent(t, aiconfig.ProviderLocal, mock)
	ctx := context.Background()

	for i := 0; i < 8; i++ {
		a.Process(ctx, localConfig(), Request{Input: "message", UserID: "u1", Persona: PersonaFreeChat})
	}
	sess, _ := a.Session("u1", "")
	if n := len(sess.Turns); n > DefaultMaxHistory {
		t.Errorf("session has %d turns, want at most %d", n, DefaultMaxHistory)
	}
	if sess.Turns[0].Role != session.RoleSystem {
		t.Errorf("first turn should be the system prompt, got %s", sess.Turns[0].Role)
	}
	if sess.Turns[1].Role == session.RoleTool {
		t.Error("history must not resume on a tool turn")
	}
}

func TestProviderAgentScopesAndClear(t *testing.T) {
	env := newTestEnv(t)
	mock := llm.NewMockLLMClient()
	a := env.agent(t, aiconfig.ProviderLocal, mock)
	ctx := context.Background()

	a.Process(ctx, localConfig(), Request{Input: "one", UserID: "u1", Scope: "conn-a", Persona: PersonaFreeChat})
	a.Process(ctx, localConfig(), Request{Input: "two", UserID: "u1", Scope: "conn-b", Persona: PersonaFreeChat})

	sa, _ := a.Session("u1", "conn-a")
	sb, _ := a.Session("u1", "conn-b")
	if sa == sb {
		t.Fatal("scopes should not share a session")
	}
	if err := a.ClearHistory("u1", "conn-a"); err != nil {
		t.Fatalf("ClearHistory: %v", err)
	}
	sa, _ = a.Session("u1", "conn-a")
	if len(sa.Turns) != 0 {
		t.Errorf("cleared session has %d turns", len(sa.Turns))
	}
	if len(sb.Turns) != 3 {
		t.Errorf("other scope should be untouched, has %d turns", len(sb.Turns))
	}
}

func TestProviderAgentDefaultParameters(t *testing.T) {
	env := newTestEnv(t)
	mock := llm.NewMockLLMClient(llm.TextTurn("ok"))
	a := env.agent(t, aiconfig.ProviderLocal, mock)

	a.Process(context.Background(), localConfig(), Request{Input: "hi", UserID: "u1"})
	if got := mock.Requests[0].Params; got != defaultParameters() {
		t.Errorf("Params = %+v", got)
	}

	conf := localConfig()
	conf.Parameters = &aiconfig.Parameters{Temperature: 0.9, MaxTokens: 200, TopP: 0.5}
	a.Process(context.Background(), conf, Request{Input: "hi", UserID: "u1"})
	if got := mock.Requests[1].Params; got != *conf.Parameters {
		t.Errorf("stored parameters not used: %+v", got)
	}
}

func TestProviderAgentLastSQL(t *testing.T) {
	env := newTestEnv(t)
	mock := llm.NewMockLLMClient(
		llm.ToolCallTurn("call_1", tools.DatabaseToolName, map[string]any{"sql": "SELECT 1"}),
		llm.TextTurn("bir"),
		llm.ToolCallTurn("call_2", tools.GenerateSQLToolName, map[string]any{"sql": "SELECT 2"}),
	)
	a := env.agent(t, aiconfig.ProviderLocal, mock)

	if a.LastSQL("u1") != nil {
		t.Error("expected no SQL yet")
	}
	a.Process(context.Background(), localConfig(), Request{Input: "ilk", UserID: "u1"})
	if got := a.LastSQL("u1"); got == nil || *got != "SELECT 1" {
		t.Errorf("LastSQL after the first turn = %v", got)
	}

	a.Process(context.Background(), localConfig(), Request{Input: "ikinci", UserID: "u1", Persona: PersonaSQLTuning})
	if got := a.LastSQL("u1"); got == nil || *got != "SELECT 2" {
		t.Errorf("LastSQL should follow the newest statement from any tool, got %v", got)
	}
	if a.LastSQL("u2") != nil {
		t.Error("SQL leaked to another user")
	}
}

func TestProviderAgentLastExecutedSQLIsPerTurn(t *testing.T) {
	env := newTestEnv(t)
	mock := llm.NewMockLLMClient(
		llm.ToolCallTurn("call_1", tools.DatabaseToolName, map[string]any{"sql": `SELECT "Title" FROM "FuzzTodos"`}),
		llm.TextTurn("liste boş"),
		llm.ToolCallTurn("call_2", tools.DatabaseToolName, map[string]any{"get_schema": true}),
		llm.TextTurn("şema bu"),
	)
	a := env.agent(t, aiconfig.ProviderLocal, mock)

	first := a.Process(context.Background(), localConfig(), Request{Input: "görevler", UserID: "u1"})
	if first.LastExecutedSQL == nil {
		t.Fatal("first turn should report its SELECT")
	}

	second := a.Process(context.Background(), localConfig(), Request{Input: "şemayı göster", UserID: "u1"})
	if second.Answer != "şema bu" {
		t.Errorf("Answer = %q", second.Answer)
	}
	if second.LastExecutedSQL != nil {
		t.Errorf("schema-only turn reported SQL %q", *second.LastExecutedSQL)
	}
	if got := a.LastSQL("u1"); got == nil || *got != `SELECT "Title" FROM "FuzzTodos"` {
		t.Errorf("LastSQL = %v", got)
	}
}

func TestProviderAgentTurnAfterClearUsesFreshSession(t *testing.T) {
	env := newTestEnv(t)
	mock := llm.NewMockLLMClient(llm.TextTurn("bir"), llm.TextTurn("iki"))
	a := env.agent(t, aiconfig.ProviderLocal, mock)

	a.Process(context.Background(), localConfig(), Request{Input: "ilk", UserID: "u1", Persona: PersonaFreeChat})
	held, _ := a.Session("u1", "")
	if err := a.ClearHistory("u1", ""); err != nil {
		t.Fatalf("ClearHistory: %v", err)
	}
	a.Process(context.Background(), localConfig(), Request{Input: "yeni", UserID: "u1", Persona: PersonaFreeChat})

	if len(held.Turns) != 0 {
		t.Errorf("cleared session was written to again: %d turns", len(held.Turns))
	}
	live, _ := a.Session("u1", "")
	if live == held || len(live.Turns) != 3 {
		t.Errorf("live session has %d turns, want prompt, user, assistant", len(live.Turns))
	}
}
