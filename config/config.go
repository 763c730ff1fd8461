package config

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/m4xw311/fuzz/errors"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

const (
	DefaultToolset    = "task_manager"
	SQLTuningToolset  = "sql_tuning"
	defaultConfigDir  = ".fuzz"
	defaultConfigFile = "config.yaml"
)

type MCPServer struct {
	Name    string   `yaml:"name"`
	Command string   `yaml:"command"`
	Args    []string `yaml:"args"`
}

type Toolset struct {
	Name  string   `yaml:"name"`
	Tools []string `yaml:"tools"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // console or json
}

// DatabaseConfig points at the application database the SQL tool works on.
type DatabaseConfig struct {
	Driver         string        `yaml:"driver"`
	DSN            string        `yaml:"dsn"`
	Dialect        string        `yaml:"dialect"`
	TablePatterns  []string      `yaml:"table_patterns"`
	SchemaCacheTTL time.Duration `yaml:"schema_cache_ttl"`
}

type StoreConfig struct {
	Path string `yaml:"path"`
}

type SessionConfig struct {
	Dir string `yaml:"dir"`
}

// AgentConfig bounds the tool-calling loop. Map keys are lower-case provider names.
type AgentConfig struct {
	MaxIterations    int             `yaml:"max_iterations"`
	MaxHistory       int             `yaml:"max_history"`
	IterationBudgets map[string]int  `yaml:"iteration_budgets"`
	PromptExamples   map[string]bool `yaml:"prompt_examples"`
}

type ServerConfig struct {
	Addr           string   `yaml:"addr"`
	AllowedOrigins []string `yaml:"allowed_origins"`
}

type TelemetryConfig struct {
	Enabled      bool   `yaml:"enabled"`
	OTLPEndpoint string `yaml:"otlp_endpoint"`
	ServiceName  string `yaml:"service_name"`
}

type SoundConfig struct {
	PollInterval time.Duration `yaml:"poll_interval"`
	MaxPolls     int           `yaml:"max_polls"`
}

type Config struct {
	Log                  LogConfig       `yaml:"log"`
	Database             DatabaseConfig  `yaml:"database"`
	Store                StoreConfig     `yaml:"store"`
	Sessions             SessionConfig   `yaml:"sessions"`
	Agent                AgentConfig     `yaml:"agent"`
	Toolsets             []Toolset       `yaml:"toolsets"`
	AdditionalMCPServers []MCPServer     `yaml:"additional_mcp_servers"`
	Server               ServerConfig    `yaml:"server"`
	Telemetry            TelemetryConfig `yaml:"telemetry"`
	Sound                SoundConfig     `yaml:"sound"`
}

// LoadConfig loads configuration from the user's home directory and the current
// working directory, with the latter taking precedence. Environment overrides
// are applied last.
func LoadConfig() (*Config, error) {
	cfg := &Config{}

	home, err := os.UserHomeDir()
	if err == nil {
		userConfigPath := filepath.Join(home, defaultConfigDir, defaultConfigFile)
		if _, err := os.Stat(userConfigPath); err == nil {
			if err := loadFromFile(userConfigPath, cfg); err != nil {
				return nil, errors.Wrapf(err, "error loading user config")
			}
		}
	}

	wd, err := os.Getwd()
	if err != nil {
		return nil, errors.Wrapf(err, "could not get working directory")
	}
	projectConfigPath := filepath.Join(wd, defaultConfigDir, defaultConfigFile)
	if _, err := os.Stat(projectConfigPath); err == nil {
		if err := loadFromFile(projectConfigPath, cfg); err != nil {
			return nil, errors.Wrapf(err, "error loading project config")
		}
	}

	cfg.applyEnv(os.Getenv)
	cfg.ApplyDefaults()
	return cfg, nil
}

// Parse decodes a single YAML document and applies defaults.
func Parse(data []byte) (*Config, error) {
	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, errors.Wrapf(err, "could not parse config")
	}
	cfg.ApplyDefaults()
	return cfg, nil
}

func loadFromFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	// Fields present in the project file replace those from the user file.
	return yaml.Unmarshal(data, cfg)
}

func (c *Config) applyEnv(getenv func(string) string) {
	if v := getenv("FUZZ_DATABASE_URL"); v != "" {
		c.Database.DSN = v
	}
	if v := getenv("FUZZ_LOG_LEVEL"); v != "" {
		c.Log.Level = v
	}
	if v := getenv("FUZZ_STORE_PATH"); v != "" {
		c.Store.Path = v
	}
	if v := getenv("FUZZ_ADDR"); v != "" {
		c.Server.Addr = v
	}
}

// ApplyDefaults fills every unset field with its default value.
func (c *Config) ApplyDefaults() {
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "console"
	}
	if c.Database.Driver == "" {
		c.Database.Driver = "pgx"
	}
	if c.Database.Dialect == "" {
		c.Database.Dialect = "postgres"
	}
	if len(c.Database.TablePatterns) == 0 {
		c.Database.TablePatterns = []string{"Fuzz*"}
	}
	if c.Database.SchemaCacheTTL == 0 {
		c.Database.SchemaCacheTTL = time.Hour
	}
	if c.Store.Path == "" {
		c.Store.Path = filepath.Join(defaultConfigDir, "fuzz.db")
	}
	if c.Agent.MaxIterations <= 0 {
		c.Agent.MaxIterations = 10
	}
	if c.Agent.MaxHistory <= 0 {
		c.Agent.MaxHistory = 10
	}
	if c.Agent.IterationBudgets == nil {
		c.Agent.IterationBudgets = map[string]int{"local": 5}
	}
	if c.Agent.PromptExamples == nil {
		c.Agent.PromptExamples = map[string]bool{"local": true}
	}
	if !c.hasToolset(DefaultToolset) {
		c.Toolsets = append(c.Toolsets, Toolset{
			Name:  DefaultToolset,
			Tools: []string{"DatabaseTool", "GetCurrentTime", "ScrapeUrl"},
		})
	}
	if !c.hasToolset(SQLTuningToolset) {
		c.Toolsets = append(c.Toolsets, Toolset{
			Name:  SQLTuningToolset,
			Tools: []string{"DatabaseTool", "GenerateSqlTool"},
		})
	}
	if c.Server.Addr == "" {
		c.Server.Addr = ":8080"
	}
	if len(c.Server.AllowedOrigins) == 0 {
		c.Server.AllowedOrigins = []string{"*"}
	}
	if c.Telemetry.ServiceName == "" {
		c.Telemetry.ServiceName = "fuzz"
	}
	if c.Sound.PollInterval <= 0 {
		c.Sound.PollInterval = time.Second
	}
	if c.Sound.MaxPolls <= 0 {
		c.Sound.MaxPolls = 60
	}
}

func (c *Config) hasToolset(name string) bool {
	for _, ts := range c.Toolsets {
		if ts.Name == name {
			return true
		}
	}
	return false
}

// GetToolset finds a toolset by name. Returns the task_manager toolset if the
// named one is not found or if an empty name is provided.
func (c *Config) GetToolset(name string) (*Toolset, error) {
	if name == "" {
		name = DefaultToolset
	}
	for _, ts := range c.Toolsets {
		if ts.Name == name {
			return &ts, nil
		}
	}
	if name == DefaultToolset {
		return nil, errors.New("mandatory '%s' toolset not found in configuration", DefaultToolset)
	}
	return c.GetToolset(DefaultToolset)
}

// DropTool removes a tool from every toolset, for tools whose backing
// service is not configured.
func (c *Config) DropTool(name string) {
	for i := range c.Toolsets {
		kept := c.Toolsets[i].Tools[:0]
		for _, t := range c.Toolsets[i].Tools {
			if t != name {
				kept = append(kept, t)
			}
		}
		c.Toolsets[i].Tools = kept
	}
}

// IterationBudget returns the loop budget for a provider.
func (c *Config) IterationBudget(provider string) int {
	if n, ok := c.Agent.IterationBudgets[strings.ToLower(provider)]; ok && n > 0 {
		return n
	}
	return c.Agent.MaxIterations
}

// PromptExamplesFor reports whether the task prompt for provider includes example queries.
func (c *Config) PromptExamplesFor(provider string) bool {
	return c.Agent.PromptExamples[strings.ToLower(provider)]
}

// ParseLogLevel maps a level name onto a zerolog level.
func ParseLogLevel(s string) (zerolog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "trace":
		return zerolog.TraceLevel, nil
	case "debug":
		return zerolog.DebugLevel, nil
	case "", "info":
		return zerolog.InfoLevel, nil
	case "warn", "warning":
		return zerolog.WarnLevel, nil
	case "error":
		return zerolog.ErrorLevel, nil
	}
	return zerolog.NoLevel, errors.New("unknown log level %q", s)
}
