package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ternhq/tern"
	"github.com/ternhq/tern/internal/config"
	"github.com/ternhq/tern/mcp"
	"github.com/ternhq/tern/middleware/command"
	"github.com/ternhq/tern/middleware/fsys"
	"github.com/ternhq/tern/middleware/mcptool"
	"github.com/ternhq/tern/middleware/monitor"
	"github.com/ternhq/tern/middleware/promptcache"
	"github.com/ternhq/tern/middleware/queuenotes"
	"github.com/ternhq/tern/middleware/skill"
	"github.com/ternhq/tern/middleware/task"
	"github.com/ternhq/tern/middleware/todo"
	"github.com/ternhq/tern/middleware/web"
	"github.com/ternhq/tern/observer"
	"github.com/ternhq/tern/provider/resolve"
	"github.com/ternhq/tern/sandbox"
	"github.com/ternhq/tern/sandbox/dockerbox"
	"github.com/ternhq/tern/sandbox/httpbox"
	"github.com/ternhq/tern/sandbox/localbox"
	"github.com/ternhq/tern/store/memstore"
	pgstore "github.com/ternhq/tern/store/postgres"
	sqlitestore "github.com/ternhq/tern/store/sqlite"
)

// appRuntime is the assembled server: every long-lived collaborator the
// serve and run commands need, plus the teardown order.
type appRuntime struct {
	cfg     config.Config
	store   tern.Store
	engine  *tern.Engine
	manager *sandbox.Manager
	agentRT *observer.AgentRuntime
	metrics http.Handler

	mcpClients        []*mcp.Client
	telemetryShutdown func(context.Context) error
	logger            *slog.Logger
}

// close tears the runtime down in reverse assembly order. Errors are
// logged, not returned: shutdown proceeds past a failing component.
func (rt *appRuntime) close(ctx context.Context) {
	if rt.engine != nil {
		if err := rt.engine.Close(ctx); err != nil {
			rt.logger.Error("engine shutdown", "error", err)
		}
	}
	if rt.manager != nil {
		rt.manager.Close()
	}
	for _, c := range rt.mcpClients {
		if err := c.Close(); err != nil {
			rt.logger.Warn("mcp server shutdown", "server", c.Name(), "error", err)
		}
	}
	if rt.store != nil {
		if err := rt.store.Close(); err != nil {
			rt.logger.Error("store shutdown", "error", err)
		}
	}
	if rt.telemetryShutdown != nil {
		if err := rt.telemetryShutdown(ctx); err != nil {
			rt.logger.Warn("telemetry shutdown", "error", err)
		}
	}
}

// buildRuntime assembles the full agent runtime from a merged config:
// model provider, durable store, sandbox manager, middleware stack,
// memory manager, telemetry, and the engine tying them together.
func buildRuntime(ctx context.Context, cfg config.Config, logger *slog.Logger) (*appRuntime, error) {
	rt := &appRuntime{cfg: cfg, logger: logger}

	provider, rc, err := buildProvider(cfg, logger)
	if err != nil {
		return nil, err
	}

	// Telemetry comes first so later components can be wrapped in it.
	var inst *observer.Instruments
	if cfg.Observer.Enabled {
		var initOpts []observer.InitOption
		if cfg.Observer.Prometheus {
			reg := prometheus.NewRegistry()
			initOpts = append(initOpts, observer.WithPrometheus(reg))
			rt.metrics = promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
		}
		var shutdown func(context.Context) error
		inst, shutdown, err = observer.Init(ctx, pricingOverrides(cfg), initOpts...)
		if err != nil {
			return nil, fmt.Errorf("telemetry init: %w", err)
		}
		rt.telemetryShutdown = shutdown
		provider = observer.WrapProvider(provider, inst)
	}

	rt.store, err = openStore(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}

	rt.manager, err = buildSandbox(cfg, rt.store, logger)
	if err != nil {
		return nil, err
	}

	rt.agentRT = observer.NewAgentRuntime(
		observer.NewCostCalculator(pricingOverrides(cfg)),
		int64(cfg.Agent.ContextLimit),
	)

	mws, clients, err := buildMiddlewares(ctx, cfg, provider, rt.manager, rt.agentRT, inst, logger)
	if err != nil {
		rt.close(ctx)
		return nil, err
	}
	rt.mcpClients = clients

	memCfg := tern.MemoryConfig{
		Model: rc.Model,
		Pruning: tern.PruningConfig{
			ProtectRecent:      cfg.Agent.Memory.Pruning.ProtectRecent,
			SoftTrimChars:      cfg.Agent.Memory.Pruning.SoftTrimChars,
			HardClearThreshold: cfg.Agent.Memory.Pruning.HardClearThreshold,
			Disabled:           cfg.Agent.Memory.Pruning.Disabled,
		},
		Compaction: tern.CompactionConfig{
			ContextLimit:     cfg.Agent.ContextLimit,
			ReserveTokens:    cfg.Agent.Memory.Compaction.ReserveTokens,
			KeepRecentTokens: cfg.Agent.Memory.Compaction.KeepRecentTokens,
			SummaryModel:     cfg.Agent.Memory.Compaction.SummaryModel,
			Disabled:         cfg.Agent.Memory.Compaction.Disabled,
		},
		Logger: logger,
	}
	memory := tern.NewMemoryManager(provider, rt.store, memCfg)

	engineOpts := []tern.Option{
		tern.WithStore(rt.store),
		tern.WithMemory(memory),
		tern.WithLogger(logger),
		tern.WithModel(rc.Model),
		tern.WithQueueMode(tern.QueueMode(cfg.Agent.QueueMode)),
		tern.WithRunTrace(true),
		tern.WithMiddlewares(mws...),
	}
	if cfg.Agent.SystemPrompt != "" {
		engineOpts = append(engineOpts, tern.WithSystemPrompt(cfg.Agent.SystemPrompt))
	}
	if cfg.Agent.MaxIterations > 0 {
		engineOpts = append(engineOpts, tern.WithMaxIterations(cfg.Agent.MaxIterations))
	}
	if cfg.Agent.ParallelTools > 0 {
		engineOpts = append(engineOpts, tern.WithParallelTools(cfg.Agent.ParallelTools))
	}
	if cfg.Agent.MaxTokens > 0 {
		engineOpts = append(engineOpts, tern.WithMaxTokens(cfg.Agent.MaxTokens))
	}
	if cfg.Agent.Temperature != nil {
		engineOpts = append(engineOpts, tern.WithTemperature(*cfg.Agent.Temperature))
	}
	if inst != nil {
		engineOpts = append(engineOpts, tern.WithTracer(observer.NewTracer()))
	}
	rt.engine = tern.New(provider, engineOpts...)

	// The queue observer needs the engine's own queue manager, so it
	// joins the stack after construction. Innermost is fine: it only
	// annotates the outbound request.
	rt.engine.Stack().Use(queuenotes.New(rt.engine.Queues(), queuenotes.WithLogger(logger)))

	rt.manager.Start()
	return rt, nil
}

// buildProvider resolves the configured model (expanding tern: virtual
// names through the alias table) and wraps it with the retry decorator.
func buildProvider(cfg config.Config, logger *slog.Logger) (tern.ModelProvider, resolve.Config, error) {
	rc := cfg.Agent.Resolve()
	aliases := resolve.DefaultAliases()
	for name, alias := range cfg.Models {
		aliases[name] = alias
	}
	rc, err := resolve.ResolveModel(rc, aliases)
	if err != nil {
		return nil, rc, err
	}
	p, err := resolve.Provider(rc)
	if err != nil {
		return nil, rc, err
	}
	return tern.WithRetry(p, tern.RetryLogger(logger)), rc, nil
}

// openStore builds the configured durable store and runs its migrations.
func openStore(ctx context.Context, cfg config.Config, logger *slog.Logger) (tern.Store, error) {
	var store tern.Store
	switch cfg.Store.Driver {
	case "sqlite":
		store = sqlitestore.New(cfg.Store.Path, sqlitestore.WithLogger(logger))
	case "postgres":
		pool, err := pgxpool.New(ctx, cfg.Store.DSN)
		if err != nil {
			return nil, fmt.Errorf("postgres pool: %w", err)
		}
		store = pgstore.New(pool, pgstore.WithLogger(logger))
	case "memory":
		store = memstore.New()
	default:
		return nil, fmt.Errorf("store.driver %q not supported", cfg.Store.Driver)
	}
	if err := store.Init(ctx); err != nil {
		store.Close()
		return nil, fmt.Errorf("store init: %w", err)
	}
	return store, nil
}

// buildSandbox registers the configured compute provider with the session
// manager. The host provider is always registered so local execution
// stays available as a fallback target.
func buildSandbox(cfg config.Config, store tern.Store, logger *slog.Logger) (*sandbox.Manager, error) {
	root := cfg.Sandbox.WorkDir
	if root == "" {
		root = filepath.Join(cfg.Agent.WorkspaceRoot, "sandboxes")
	}
	opts := []sandbox.ManagerOption{
		sandbox.WithLogger(logger),
		sandbox.WithWorkspaceRoot(cfg.Agent.WorkspaceRoot),
		sandbox.WithProvider(localbox.New(root, localbox.WithLogger(logger))),
	}

	switch cfg.Sandbox.Type {
	case "docker":
		dockerOpts := []dockerbox.Option{dockerbox.WithLogger(logger)}
		if cfg.Sandbox.Image != "" {
			dockerOpts = append(dockerOpts, dockerbox.WithImage(cfg.Sandbox.Image))
		}
		dp, err := dockerbox.New(dockerOpts...)
		if err != nil {
			return nil, fmt.Errorf("docker sandbox: %w", err)
		}
		opts = append(opts,
			sandbox.WithProvider(dp),
			sandbox.WithDefaultProvider(dockerbox.ProviderName))
	case "http":
		hp, err := httpbox.New(cfg.Sandbox.Host, httpbox.WithLogger(logger))
		if err != nil {
			return nil, fmt.Errorf("http sandbox: %w", err)
		}
		opts = append(opts,
			sandbox.WithProvider(hp),
			sandbox.WithDefaultProvider(httpbox.ProviderName))
	default: // host
		opts = append(opts, sandbox.WithDefaultProvider(localbox.ProviderName))
	}

	if cfg.Sandbox.IdleTimeoutSeconds > 0 || cfg.Sandbox.MaxDurationSeconds > 0 {
		opts = append(opts, sandbox.WithPolicy(sandbox.Policy{
			IdleTimeoutSeconds: cfg.Sandbox.IdleTimeoutSeconds,
			MaxDurationSeconds: cfg.Sandbox.MaxDurationSeconds,
		}))
	}
	if cfg.Sandbox.Image != "" || cfg.Sandbox.WorkDir != "" || len(cfg.Sandbox.Env) > 0 {
		opts = append(opts, sandbox.WithInstanceConfig(tern.InstanceConfig{
			Image:   cfg.Sandbox.Image,
			WorkDir: cfg.Sandbox.WorkDir,
			Env:     cfg.Sandbox.Env,
		}))
	}
	return sandbox.NewManager(store, opts...), nil
}

// buildMiddlewares assembles the tool stack, outermost first, honoring
// the tool.<category> gates from config.
func buildMiddlewares(ctx context.Context, cfg config.Config, provider tern.ModelProvider, mgr *sandbox.Manager, agentRT *observer.AgentRuntime, inst *observer.Instruments, logger *slog.Logger) ([]any, []*mcp.Client, error) {
	var mws []any
	if inst != nil {
		mws = append(mws, observer.NewMiddleware(inst))
	}
	mws = append(mws,
		monitor.New(agentRT, monitor.WithLogger(logger)),
		promptcache.New(),
	)

	sandboxed := cfg.Sandbox.Type != "host"

	if cfg.CategoryEnabled("fs") {
		var backend fsys.Backend = fsys.LocalBackend{}
		if sandboxed {
			backend = fsys.NewSandboxBackend(mgr)
		}
		mws = append(mws, fsys.New(cfg.Agent.WorkspaceRoot, backend, fsys.WithLogger(logger)))
	}

	if cfg.CategoryEnabled("command") {
		var backend command.Backend = &command.LocalBackend{Dir: cfg.Agent.WorkspaceRoot}
		if sandboxed {
			backend = command.NewSandboxBackend(mgr)
		}
		hooks := []command.Hook{command.DangerousCommands()}
		if !cfg.ToolEnabled("command", "network") {
			hooks = append(hooks, command.NetworkBlocker())
		}
		mws = append(mws, command.New(backend,
			command.WithHooks(hooks...),
			command.WithLogger(logger)))
	}

	if cfg.CategoryEnabled("web") {
		var providers []web.SearchProvider
		if key := braveKey(cfg); key != "" {
			providers = append(providers, web.NewBrave(key))
		}
		mws = append(mws, web.New(providers, web.WithLogger(logger)))
	}

	if cfg.CategoryEnabled("skill") && len(cfg.Skills.Dirs) > 0 {
		skills, err := skill.Discover(cfg.Skills.Dirs...)
		if err != nil {
			logger.Warn("skill discovery", "error", err)
		}
		if len(skills) > 0 {
			mws = append(mws, skill.New(skills, skill.WithLogger(logger)))
		}
	}

	if cfg.CategoryEnabled("task") {
		mws = append(mws, task.New(provider, defaultSubagents(), task.WithLogger(logger)))
	}

	if cfg.CategoryEnabled("todo") {
		mws = append(mws, todo.New())
	}

	var clients []*mcp.Client
	if cfg.CategoryEnabled("mcp") && len(cfg.MCP.Servers) > 0 {
		servers := make([]mcptool.ToolServer, 0, len(cfg.MCP.Servers))
		for name, sc := range cfg.MCP.Servers {
			c := mcp.NewClient(mcp.ServerConfig{
				Name:        name,
				Command:     sc.Command,
				Args:        sc.Args,
				Env:         sc.Env,
				IdleTimeout: time.Duration(sc.IdleSeconds) * time.Second,
			}, mcp.WithLogger(logger))
			clients = append(clients, c)
			servers = append(servers, c)
		}
		mws = append(mws, mcptool.New(ctx, servers, mcptool.WithLogger(logger)))
	}

	return mws, clients, nil
}

// defaultSubagents is the built-in sub-agent catalog. Sub-agents inherit
// the parent model; the worker type exists so the main agent can fan
// self-contained jobs out of its own context window.
func defaultSubagents() []task.Subagent {
	return []task.Subagent{
		{
			Type:         "general",
			Description:  "general-purpose agent for self-contained research or multi-step side tasks",
			SystemPrompt: "You are a focused sub-agent. Complete the given task and reply with the result only; the caller sees nothing but your final message.",
		},
	}
}

// braveKey finds the web_search API key: per-tool config first, then the
// conventional environment variable.
func braveKey(cfg config.Config) string {
	if opts := cfg.ToolOptions("web", "web_search"); opts != nil {
		if v, ok := opts["api_key"].(string); ok && v != "" {
			return v
		}
	}
	return os.Getenv("BRAVE_API_KEY")
}

// pricingOverrides converts the config pricing block into the observer's
// per-model table.
func pricingOverrides(cfg config.Config) map[string]observer.ModelPricing {
	if len(cfg.Observer.Pricing) == 0 {
		return nil
	}
	out := make(map[string]observer.ModelPricing, len(cfg.Observer.Pricing))
	for model, p := range cfg.Observer.Pricing {
		out[model] = observer.ModelPricing{
			InputPerMillion:      p.Input,
			OutputPerMillion:     p.Output,
			CacheReadPerMillion:  p.CacheRead,
			CacheWritePerMillion: p.CacheWrite,
		}
	}
	return out
}
