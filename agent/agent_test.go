package agent

import (
	"context"
	"database/sql"
	"sync"
	"testing"
	"time"

	"github.com/m4xw311/fuzz/aiconfig"
	"github.com/m4xw311/fuzz/config"
	"github.com/m4xw311/fuzz/llm"
	"github.com/m4xw311/fuzz/session"
	"github.com/m4xw311/fuzz/sqldb"
	"github.com/m4xw311/fuzz/tools"
	_ "modernc.org/sqlite"
)

// fakeResolver serves fixed configurations by capability.
type fakeResolver struct {
	mu      sync.Mutex
	configs map[aiconfig.Capability]*aiconfig.Configuration
	err     error
	calls   int
}

func (f *fakeResolver) ActiveConfig(ctx context.Context, userID string, c aiconfig.Capability) (*aiconfig.Configuration, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.configs[c], nil
}

func (f *fakeResolver) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func localConfig() *aiconfig.Configuration {
	return &aiconfig.Configuration{ID: 1, UserID: "u1", Provider: aiconfig.ProviderLocal, ModelID: "llama3",
		Capabilities: aiconfig.CapabilityText, IsActive: true}
}

func openAIConfig() *aiconfig.Configuration {
	return &aiconfig.Configuration{ID: 2, UserID: "u1", Provider: aiconfig.ProviderOpenAI, APIKey: "sk-test",
		Capabilities: aiconfig.CapabilityText | aiconfig.CapabilityVisual, IsActive: true}
}

func mockFactory(m *llm.MockLLMClient) llm.Factory {
	return func(ctx context.Context, cfg aiconfig.Configuration, purpose llm.Purpose) (llm.LLMClient, error) {
		return m, nil
	}
}

func testConfig() *config.Config {
	cfg := &config.Config{}
	cfg.ApplyDefaults()
	cfg.Toolsets = []config.Toolset{
		{Name: config.DefaultToolset, Tools: []string{tools.DatabaseToolName, tools.TimeToolName}},
		{Name: config.SQLTuningToolset, Tools: []string{tools.DatabaseToolName, tools.GenerateSQLToolName}},
	}
	return cfg
}

type testEnv struct {
	db       *sql.DB
	registry *tools.ToolRegistry
	dbTool   *tools.DatabaseTool
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })
	if _, err := db.Exec(`CREATE TABLE FuzzTodos (Id INTEGER PRIMARY KEY, Title TEXT, IsCompleted INTEGER DEFAULT 0, UserId TEXT)`); err != nil {
		t.Fatalf("create table: %v", err)
	}

	dbTool := tools.NewDatabaseTool(db, sqldb.SQLite, []string{"Fuzz*"}, time.Hour)
	registry := tools.NewToolRegistry()
	registry.Register(dbTool)
	registry.Register(tools.NewTimeTool())
	registry.Register(tools.NewGenerateSQLTool())
	return &testEnv{db: db, registry: registry, dbTool: dbTool}
}

func (e *testEnv) agent(t *testing.T, provider aiconfig.Provider, m *llm.MockLLMClient) *ProviderAgent {
	t.Helper()
	a, err := NewProviderAgent(provider, testConfig(), e.registry, session.NewStore(""), mockFactory(m))
	if err != nil {
		t.Fatalf("NewProviderAgent: %v", err)
	}
	return a
}

func (e *testEnv) countTodos(t *testing.T) int {
	t.Helper()
	var n int
	if err := e.db.QueryRow(`SELECT COUNT(*) FROM FuzzTodos`).Scan(&n); err != nil {
		t.Fatalf("count todos: %v", err)
	}
	return n
}
