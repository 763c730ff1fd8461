package main

import (
	"bufio"
	"context"
	"database/sql"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/m4xw311/fuzz/agent"
	"github.com/m4xw311/fuzz/agent/acp"
	"github.com/m4xw311/fuzz/agent/terminal"
	"github.com/m4xw311/fuzz/aiconfig"
	"github.com/m4xw311/fuzz/config"
	"github.com/m4xw311/fuzz/errors"
	"github.com/m4xw311/fuzz/llm"
	"github.com/m4xw311/fuzz/server"
	"github.com/m4xw311/fuzz/session"
	"github.com/m4xw311/fuzz/sound"
	"github.com/m4xw311/fuzz/sqldb"
	"github.com/m4xw311/fuzz/telemetry"
	"github.com/m4xw311/fuzz/tools"
	"github.com/m4xw311/fuzz/tools/mcp"
	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// textProviders get a ProviderAgent each.
var textProviders = []aiconfig.Provider{
	aiconfig.ProviderGemini,
	aiconfig.ProviderOpenAI,
	aiconfig.ProviderLocal,
	aiconfig.ProviderAnthropic,
	aiconfig.ProviderBedrock,
}

type options struct {
	run       string
	mode      terminal.Mode
	verbosity terminal.ToolVerbosity
	persona   agent.Persona
	user      string
	addr      string
	trace     string
	prompt    string
}

func parseFlags(args []string, stderr io.Writer) (*options, error) {
	fs := flag.NewFlagSet("fuzz", flag.ContinueOnError)
	fs.SetOutput(stderr)
	runFlag := fs.String("run", "terminal", "What to run: 'terminal', 'acp' or 'serve'")
	modeFlag := fs.String("m", "auto", "Tool execution mode for the terminal: 'auto' or 'prompt'")
	toolVerbosityFlag := fs.String("tool-verbosity", "none", "Tool verbosity level: 'none', 'info', or 'all'")
	personaFlag := fs.String("persona", "", "Persona: 'task_manager', 'free_chat' or 'sql_tuning'")
	userFlag := fs.String("u", "", "User id for terminal and ACP sessions (defaults to $USER)")
	addrFlag := fs.String("addr", "", "Listen address for serve, overrides server.addr")
	traceFlag := fs.String("trace", "", "Append an ACP protocol trace to this file")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	o := &options{
		run:    *runFlag,
		user:   *userFlag,
		addr:   *addrFlag,
		trace:  *traceFlag,
		prompt: strings.Join(fs.Args(), " "),
	}
	switch *runFlag {
	case "terminal", "acp", "serve":
	default:
		return nil, errors.New("invalid run target '%s'. Must be 'terminal', 'acp' or 'serve'", *runFlag)
	}
	switch *modeFlag {
	case "auto":
		o.mode = terminal.ModeAuto
	case "prompt":
		o.mode = terminal.ModePrompt
	default:
		return nil, errors.New("invalid mode '%s'. Must be 'auto' or 'prompt'", *modeFlag)
	}
	switch v := terminal.ToolVerbosity(*toolVerbosityFlag); v {
	case terminal.ToolVerbosityNone, terminal.ToolVerbosityInfo, terminal.ToolVerbosityAll:
		o.verbosity = v
	default:
		return nil, errors.New("invalid tool verbosity '%s'. Must be 'none', 'info', or 'all'", *toolVerbosityFlag)
	}
	persona, err := agent.ParsePersona(*personaFlag)
	if err != nil {
		return nil, err
	}
	o.persona = persona
	if o.user == "" {
		o.user = os.Getenv("USER")
	}
	if o.user == "" {
		o.user = "local"
	}
	return o, nil
}

// setupLogging installs the global logger. Logs always go to stderr so ACP
// keeps stdout for JSON-RPC.
func setupLogging(cfg config.LogConfig, w io.Writer) error {
	level, err := config.ParseLogLevel(cfg.Level)
	if err != nil {
		return err
	}
	zerolog.SetGlobalLevel(level)
	if cfg.Format == "json" {
		log.Logger = zerolog.New(w).With().Timestamp().Logger()
		return nil
	}
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: w, TimeFormat: "15:04:05"})
	return nil
}

func openStore(path string) (*aiconfig.Store, *sql.DB, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, nil, errors.Wrapf(err, "create store directory")
		}
	}
	db, err := sql.Open("sqlite3", path+"?_foreign_keys=on&_busy_timeout=5000")
	if err != nil {
		return nil, nil, errors.Wrapf(err, "open configuration store")
	}
	store, err := aiconfig.NewStore(db)
	if err != nil {
		db.Close()
		return nil, nil, err
	}
	return store, db, nil
}

// buildRegistry registers the built-in tools and the tools of every
// configured MCP server. Without an application database the SQL tool is
// left out of the toolsets.
func buildRegistry(ctx context.Context, cfg *config.Config) (*tools.ToolRegistry, func(), error) {
	registry := tools.NewToolRegistry()
	registry.Register(tools.NewTimeTool())
	registry.Register(tools.NewWebFetchTool(nil))
	registry.Register(tools.NewGenerateSQLTool())

	var closers []func()
	cleanup := func() {
		for _, c := range closers {
			c()
		}
	}

	db, dialect, err := sqldb.Open(ctx, cfg.Database)
	switch {
	case err == nil:
		closers = append(closers, func() { db.Close() })
		registry.Register(tools.NewDatabaseTool(db, dialect, cfg.Database.TablePatterns, cfg.Database.SchemaCacheTTL))
	case errors.IsKind(err, errors.KindConfigurationMissing):
		log.Warn().Msg("no application database configured, DatabaseTool disabled")
		cfg.DropTool(tools.DatabaseToolName)
	default:
		return nil, cleanup, err
	}

	for _, srv := range cfg.AdditionalMCPServers {
		ms, err := mcp.Start(ctx, srv)
		if err != nil {
			log.Error().Err(err).Str("server", srv.Name).Msg("could not start MCP server")
			continue
		}
		ms.Register(registry)
		closers = append(closers, func() { ms.Stop() })
	}
	return registry, cleanup, nil
}

func newDispatcher(cfg *config.Config, store *aiconfig.Store, registry *tools.ToolRegistry, factory llm.Factory) (*agent.Dispatcher, error) {
	d := agent.NewDispatcher(nil, store)
	sessions := session.NewStore(cfg.Sessions.Dir)
	for _, p := range textProviders {
		a, err := agent.NewProviderAgent(p, cfg, registry, sessions, factory)
		if err != nil {
			return nil, errors.Wrapf(err, "create %s agent", p)
		}
		d.Register(p, a)
	}
	d.SetVision(agent.NewVisionAgent(factory))
	d.RegisterSound(aiconfig.ProviderElevenLabs, sound.NewElevenLabs(nil))
	d.RegisterSound(aiconfig.ProviderReplicate, sound.NewReplicate(nil, cfg.Sound.PollInterval, cfg.Sound.MaxPolls))
	d.RegisterSound(aiconfig.ProviderLocal, sound.NewLocal(factory))
	d.SetSQLLogger(store)
	return d, nil
}

func run(ctx context.Context, args []string) error {
	opts, err := parseFlags(args, os.Stderr)
	if err != nil {
		return err
	}

	cfg, err := config.LoadConfig()
	if err != nil {
		return errors.Wrapf(err, "error loading configuration")
	}
	if err := setupLogging(cfg.Log, os.Stderr); err != nil {
		return err
	}

	shutdown, err := telemetry.Init(ctx, cfg.Telemetry)
	if err != nil {
		return err
	}
	defer shutdown(context.Background())

	store, storeDB, err := openStore(cfg.Store.Path)
	if err != nil {
		return err
	}
	defer storeDB.Close()

	registry, cleanup, err := buildRegistry(ctx, cfg)
	defer cleanup()
	if err != nil {
		return err
	}

	d, err := newDispatcher(cfg, store, registry, llm.NewClient)
	if err != nil {
		return err
	}

	switch opts.run {
	case "acp":
		log.Info().Str("user", opts.user).Msg("starting ACP server on stdio")
		return acp.Run(ctx, d, opts.user, bufio.NewReader(os.Stdin), bufio.NewWriter(os.Stdout), opts.trace)
	case "serve":
		addr := cfg.Server.Addr
		if opts.addr != "" {
			addr = opts.addr
		}
		log.Info().Str("addr", addr).Msg("Fuzz API listening")
		return server.New(d, store, llm.NewOllamaClient(), cfg.Server).ListenAndServe(ctx, addr)
	}

	fmt.Println("Fuzz is ready. Type your prompt.")
	term := terminal.New(d, opts.user, opts.mode, opts.verbosity, os.Stdin, os.Stdout)
	term.SetPersona(opts.persona)
	return term.Run(ctx, opts.prompt)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:]); err != nil && !errors.Is(err, flag.ErrHelp) {
		fmt.Fprintf(os.Stderr, "Error: %+v\n", err)
		os.Exit(1)
	}
}
