package config

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestParseAppliesDefaults(t *testing.T) {
	cfg, err := Parse([]byte("log:\n  level: debug\n"))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cfg.Log.Level != "debug" {
		t.Errorf("Log.Level = %q, want debug", cfg.Log.Level)
	}
	if cfg.Agent.MaxIterations != 10 || cfg.Agent.MaxHistory != 10 {
		t.Errorf("agent defaults = %+v", cfg.Agent)
	}
	if cfg.Database.SchemaCacheTTL != time.Hour {
		t.Errorf("SchemaCacheTTL = %v, want 1h", cfg.Database.SchemaCacheTTL)
	}
	if cfg.Server.Addr != ":8080" {
		t.Errorf("Server.Addr = %q", cfg.Server.Addr)
	}
}

func TestParseDurations(t *testing.T) {
	cfg, err := Parse([]byte("database:\n  schema_cache_ttl: 5m\nsound:\n  poll_interval: 250ms\n"))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cfg.Database.SchemaCacheTTL != 5*time.Minute {
		t.Errorf("SchemaCacheTTL = %v", cfg.Database.SchemaCacheTTL)
	}
	if cfg.Sound.PollInterval != 250*time.Millisecond {
		t.Errorf("PollInterval = %v", cfg.Sound.PollInterval)
	}
}

func TestGetToolsetFallback(t *testing.T) {
	cfg, err := Parse([]byte(`
toolsets:
  - name: task_manager
    tools: [DatabaseTool]
`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}

	ts, err := cfg.GetToolset("missing")
	if err != nil {
		t.Fatalf("GetToolset: %v", err)
	}
	if ts.Name != DefaultToolset || len(ts.Tools) != 1 {
		t.Errorf("fallback toolset = %+v", ts)
	}

	ts, err = cfg.GetToolset(SQLTuningToolset)
	if err != nil {
		t.Fatalf("GetToolset: %v", err)
	}
	if len(ts.Tools) != 2 || ts.Tools[1] != "GenerateSqlTool" {
		t.Errorf("sql_tuning toolset = %+v", ts)
	}
}

func TestGetToolsetMissingDefault(t *testing.T) {
	cfg := &Config{}
	if _, err := cfg.GetToolset(""); err == nil {
		t.Error("expected an error when the default toolset is absent")
	}
}

func TestDropTool(t *testing.T) {
	cfg := &Config{}
	cfg.ApplyDefaults()
	cfg.DropTool("DatabaseTool")

	for _, name := range []string{DefaultToolset, SQLTuningToolset} {
		ts, err := cfg.GetToolset(name)
		if err != nil {
			t.Fatalf("GetToolset: %v", err)
		}
		for _, tool := range ts.Tools {
			if tool == "DatabaseTool" {
				t.Errorf("toolset %s still lists DatabaseTool: %v", name, ts.Tools)
			}
		}
	}
	if ts, _ := cfg.GetToolset(DefaultToolset); len(ts.Tools) != 2 {
		t.Errorf("task_manager tools = %v", ts.Tools)
	}
}

func TestIterationBudget(t *testing.T) {
	cfg := &Config{}
	cfg.ApplyDefaults()

	if got := cfg.IterationBudget("Local"); got != 5 {
		t.Errorf("local budget = %d, want 5", got)
	}
	if got := cfg.IterationBudget("gemini"); got != 10 {
		t.Errorf("gemini budget = %d, want 10", got)
	}
	if !cfg.PromptExamplesFor("local") || cfg.PromptExamplesFor("openai") {
		t.Error("prompt examples should only be enabled for local")
	}
}

func TestApplyEnv(t *testing.T) {
	cfg := &Config{}
	env := map[string]string{
		"FUZZ_DATABASE_URL": "postgres://db",
		"FUZZ_ADDR":         ":9000",
	}
	cfg.applyEnv(func(k string) string { return env[k] })
	cfg.ApplyDefaults()

	if cfg.Database.DSN != "postgres://db" {
		t.Errorf("DSN = %q", cfg.Database.DSN)
	}
	if cfg.Server.Addr != ":9000" {
		t.Errorf("Addr = %q", cfg.Server.Addr)
	}
}

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    zerolog.Level
		wantErr bool
	}{
		{"debug", zerolog.DebugLevel, false},
		{"WARN", zerolog.WarnLevel, false},
		{"", zerolog.InfoLevel, false},
		{"loud", zerolog.NoLevel, true},
	}
	for _, tt := range tests {
		got, err := ParseLogLevel(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseLogLevel(%q) err = %v", tt.in, err)
		}
		if got != tt.want {
			t.Errorf("ParseLogLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}
