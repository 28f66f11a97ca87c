package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	goutils "github.com/jkaninda/go-utils"
	slogmulti "github.com/samber/slog-multi"

	"github.com/jkaninda/rlm/internal/config"
	"github.com/jkaninda/rlm/internal/daemon"
	"github.com/jkaninda/rlm/internal/llm"
	"github.com/jkaninda/rlm/internal/llm/anthropic"
	"github.com/jkaninda/rlm/internal/llm/gemini"
	"github.com/jkaninda/rlm/internal/llm/openai"
	"github.com/jkaninda/rlm/internal/observability"
	"github.com/jkaninda/rlm/internal/ratelimit"
	"github.com/jkaninda/rlm/internal/sandbox"
	"github.com/jkaninda/rlm/internal/secrets"
	"github.com/jkaninda/rlm/internal/storage"
	"github.com/jkaninda/rlm/internal/storage/postgres"
	"github.com/jkaninda/rlm/internal/storage/sqlite"
	"github.com/jkaninda/rlm/internal/workspace"
)

// Exit codes.
const (
	ExitSuccess     = 0
	ExitFailure     = 1
	ExitConfig      = 2
	ExitUnavailable = 3 // daemon not running or saturated
	ExitTimeout     = 4
)

// exitCode maps an error to the process exit status.
func exitCode(err error) int {
	switch {
	case err == nil:
		return ExitSuccess
	case errors.Is(err, config.ErrConfig), errors.Is(err, sandbox.ErrConfig),
		errors.Is(err, sandbox.ErrUnimplementedBackend), errors.Is(err, llm.ErrUnknownProvider):
		return ExitConfig
	case errors.Is(err, errDaemonNotRunning), errors.Is(err, daemon.ErrDaemonRunning),
		errors.Is(err, daemon.ErrPoolExhausted):
		return ExitUnavailable
	case errors.Is(err, sandbox.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return ExitTimeout
	default:
		return ExitFailure
	}
}

// SharedComponents holds what every command needs. Built once by
// initShared, torn down by Cleanup.
type SharedComponents struct {
	Config    *config.Config
	Logger    *slog.Logger
	Workspace *workspace.Workspace
	Obs       *observability.Observability

	cleanups []func()
}

// Cleanup runs all deferred cleanup functions in reverse order.
func (sc *SharedComponents) Cleanup() {
	for i := len(sc.cleanups) - 1; i >= 0; i-- {
		sc.cleanups[i]()
	}
}

func (sc *SharedComponents) addCleanup(fn func()) {
	sc.cleanups = append(sc.cleanups, fn)
}

// loadConfig resolves the config path from RLM_CONFIG or --config. A missing
// file yields the defaults.
func loadConfig() (*config.Config, error) {
	cfg, err := config.LoadOrDefault(goutils.Env("RLM_CONFIG", configPath))
	if err != nil {
		return nil, err
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	return cfg, nil
}

// initShared loads config and builds the workspace, logger and observability.
// Callers must call sc.Cleanup() when done.
func initShared() (*SharedComponents, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	sc := &SharedComponents{Config: cfg}

	ws, err := workspace.New(cfg.ResolvedWorkspace())
	if err != nil {
		return nil, fmt.Errorf("initializing workspace: %w", err)
	}
	sc.Workspace = ws

	logger, closeLog, err := newLogger(cfg.Log, ws, os.Stderr)
	if err != nil {
		return nil, err
	}
	sc.Logger = logger
	sc.addCleanup(closeLog)
	logger.Debug("workspace initialized", slog.String("root", ws.Root))

	obs, err := observability.New(cfg.Observability, logger)
	if err != nil {
		sc.Cleanup()
		return nil, fmt.Errorf("initializing observability: %w", err)
	}
	sc.Obs = obs
	sc.addCleanup(func() {
		if obs != nil {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			obs.Shutdown(shutdownCtx)
		}
	})
	logger.Debug("observability initialized", slog.Any("observability", obs))
	return sc, nil
}

// newLogger builds a JSON logger on stderr, fanned out to a log file when
// one is configured.
func newLogger(cfg config.LogConfig, ws *workspace.Workspace, stderr io.Writer) (*slog.Logger, func(), error) {
	opts := &slog.HandlerOptions{Level: parseLevel(cfg.Level)}
	handler := slog.Handler(slog.NewJSONHandler(stderr, opts))

	path := ws.LogPath(cfg.File)
	if path == "" {
		return slog.New(handler), func() {}, nil
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o640)
	if err != nil {
		return nil, nil, fmt.Errorf("opening log file: %w", err)
	}
	logger := slog.New(slogmulti.Fanout(handler, slog.NewJSONHandler(f, opts)))
	return logger, func() { _ = f.Close() }, nil
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// resolveSecrets replaces provider API keys written as env://, file:// or
// vault:// references with their values. Commands that call a model run it
// before RequireProvider.
func (sc *SharedComponents) resolveSecrets(ctx context.Context) error {
	resolvers := []secrets.Resolver{secrets.NewEnvResolver(), secrets.NewFileResolver()}
	if v := sc.Config.Secrets.Vault; v != nil {
		timeout, _ := time.ParseDuration(v.Timeout)
		vault, err := secrets.NewVaultResolver(secrets.VaultConfig{
			Address:       v.Address,
			Token:         v.Token,
			Namespace:     v.Namespace,
			Timeout:       timeout,
			TLSSkipVerify: v.TLSSkipVerify,
		})
		if err != nil {
			return fmt.Errorf("%w: %v", config.ErrConfig, err)
		}
		resolvers = append(resolvers, vault)
	}

	p := &sc.Config.Providers
	if err := secrets.NewMux(resolvers...).ResolveInPlace(ctx,
		&p.Anthropic.APIKey, &p.OpenAI.APIKey, &p.Gemini.APIKey,
	); err != nil {
		if errors.Is(err, secrets.ErrUnsupportedScheme) {
			return fmt.Errorf("%w: %v", config.ErrConfig, err)
		}
		return err
	}
	return nil
}

// socketPath returns the configured daemon endpoint, else the default.
func (sc *SharedComponents) socketPath() string {
	if p := sc.Config.Daemon.SocketPath; p != "" {
		return p
	}
	return daemon.DefaultSocketPath()
}

func (sc *SharedComponents) pidPath() string {
	if p := sc.Config.Daemon.PIDPath; p != "" {
		return p
	}
	return daemon.PIDPathFor(sc.socketPath())
}

// sandboxOptions resolves the backend (flag, then config, then detection)
// and the limits shared by every sandbox.
func (sc *SharedComponents) sandboxOptions(ctx context.Context, backend string) (sandbox.Options, error) {
	if backend == "" {
		backend = sc.Config.Sandbox.Backend
	}
	var b sandbox.Backend
	if backend == "" {
		d := sandbox.Detect(ctx, sandbox.DetectOptions{InterpreterPath: sc.Config.Sandbox.InterpreterPath})
		b = d.Recommended
		sc.Logger.Debug("sandbox backend detected", slog.String("backend", string(b)), slog.String("reason", d.Reason))
	} else {
		var err error
		if b, err = sandbox.ParseBackend(backend); err != nil {
			return sandbox.Options{}, err
		}
	}
	return sandbox.Options{
		Backend:         b,
		Timeout:         sc.Config.Sandbox.Timeout(),
		MaxOutputLength: sc.Config.Sandbox.MaxOutputLength,
		InterpreterPath: sc.Config.Sandbox.InterpreterPath,
		WorkDir:         sc.Workspace.SandboxDir(),
	}, nil
}

// sandboxFactory returns sandbox.New, instrumented when observability is on.
func (sc *SharedComponents) sandboxFactory() func(sandbox.Options, sandbox.Bridges, *slog.Logger) (sandbox.Sandbox, error) {
	return sc.Obs.Sandboxes(sandbox.New)
}

// newRouter registers every provider whose credentials are configured, plus
// the fallback chain, behind one per-provider rate limiter.
func (sc *SharedComponents) newRouter() *llm.Router {
	cfg := sc.Config
	limits := make(map[string]ratelimit.Config, len(cfg.RateLimits))
	for name, rl := range cfg.RateLimits {
		limits[name] = ratelimit.Config{RequestsPerMinute: rl.RequestsPerMinute, BurstSize: rl.BurstSize}
	}
	limiter := ratelimit.NewLimiter(limits, ratelimit.WithWaitObserver(sc.Obs.RateLimitObserver()))
	router := llm.NewRouter(limiter, sc.Logger)

	overrides := make(map[string]llm.ModelPricing, len(cfg.Pricing))
	for model, p := range cfg.Pricing {
		overrides[model] = llm.ModelPricing{InputPerMillion: p.InputPerMillion, OutputPerMillion: p.OutputPerMillion}
	}
	pricing := llm.NewPricingTable(overrides)

	built := make(map[string]bool)
	for _, name := range []string{"anthropic", "openai", "gemini", "ollama"} {
		if cfg.RequireProvider(name) != nil {
			continue
		}
		p, err := buildProvider(name, cfg, pricing, sc.Logger)
		if err != nil {
			sc.Logger.Warn("skipping provider", slog.String("provider", name), slog.String("error", err.Error()))
			continue
		}
		built[name] = true
		router.Register(sc.Obs.Provider(p))
	}

	if len(cfg.Providers.Fallback) > 0 {
		var chain []string
		if built[cfg.Providers.Default] {
			chain = append(chain, cfg.Providers.Default)
		}
		for _, name := range cfg.Providers.Fallback {
			if built[name] && name != cfg.Providers.Default {
				chain = append(chain, name)
			}
		}
		// Each hop dispatches back through the router, so it is already
		// rate limited and instrumented under its own provider name.
		if fb, err := llm.NewFallbackProvider(llm.FallbackName, router, chain, sc.Logger); err == nil {
			router.Register(fb)
		} else {
			sc.Logger.Warn("fallback chain disabled", slog.String("error", err.Error()))
		}
	}

	sc.Logger.Debug("llm router initialized", slog.Any("providers", router.Providers()))
	return router
}

// openStore opens the configured trace store. The caller closes it.
func (sc *SharedComponents) openStore(ctx context.Context) (storage.Store, error) {
	cfg := sc.Config.Storage
	switch cfg.Driver {
	case storage.DriverPostgres:
		return postgres.Open(ctx, postgres.Config{DSN: cfg.DSN, MaxOpenConns: cfg.MaxOpenConns}, sc.Logger)
	default:
		path := cfg.Path
		if path == "" {
			path = filepath.Join(sc.Workspace.Root, "rlm.db")
		}
		return sqlite.Open(ctx, sqlite.Config{Path: path}, sc.Logger)
	}
}

// buildProvider creates a single LLM provider by name.
func buildProvider(name string, cfg *config.Config, pricing *llm.PricingTable, logger *slog.Logger) (llm.Provider, error) {
	switch name {
	case "anthropic":
		opts := []anthropic.Option{anthropic.WithPricing(pricing)}
		if cfg.Providers.Anthropic.BaseURL != "" {
			opts = append(opts, anthropic.WithBaseURL(cfg.Providers.Anthropic.BaseURL))
		}
		return anthropic.NewClient(
			cfg.Providers.Anthropic.APIKey,
			cfg.Providers.Anthropic.Model,
			logger,
			opts...,
		), nil
	case "openai":
		opts := []openai.Option{openai.WithPricing(pricing)}
		if cfg.Providers.OpenAI.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(cfg.Providers.OpenAI.BaseURL))
		}
		return openai.NewClient(
			cfg.Providers.OpenAI.APIKey,
			cfg.Providers.OpenAI.Model,
			logger,
			opts...,
		), nil
	case "gemini":
		opts := []gemini.Option{gemini.WithPricing(pricing)}
		if cfg.Providers.Gemini.BaseURL != "" {
			opts = append(opts, gemini.WithBaseURL(cfg.Providers.Gemini.BaseURL))
		}
		return gemini.NewClient(
			cfg.Providers.Gemini.APIKey,
			cfg.Providers.Gemini.Model,
			logger,
			opts...,
		), nil
	case "ollama":
		baseURL := cfg.Providers.Ollama.BaseURL
		if baseURL == "" {
			baseURL = "http://localhost:11434"
		}
		return openai.NewClient(
			"",
			cfg.Providers.Ollama.Model,
			logger,
			openai.WithBaseURL(baseURL),
			openai.WithName("ollama"),
			openai.WithPricing(pricing),
		), nil
	default:
		return nil, fmt.Errorf("%w: unknown provider %q", config.ErrConfig, name)
	}
}
