// Package config handles loading and validating rlm configuration.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

func init() {
	// Load .env file if it exists
	_ = godotenv.Load()
}

// ErrConfig marks every validation failure.
var ErrConfig = errors.New("invalid config")

// Config is the root configuration for rlm.
type Config struct {
	Workspace     string                     `json:"workspace,omitempty" yaml:"workspace,omitempty"` // Default: ~/.rlm/workspace. Override: RLM_WORKSPACE.
	Sandbox       SandboxConfig              `json:"sandbox" yaml:"sandbox"`
	Engine        EngineConfig               `json:"engine" yaml:"engine"`
	Providers     ProvidersConfig            `json:"providers" yaml:"providers"`
	RateLimits    map[string]RateLimitConfig `json:"rate_limits,omitempty" yaml:"rate_limits,omitempty"` // Keyed by provider identifier.
	Pricing       map[string]PricingConfig   `json:"pricing,omitempty" yaml:"pricing,omitempty"`         // Keyed by model; merged over the built-in table.
	Daemon        DaemonConfig               `json:"daemon" yaml:"daemon"`
	Storage       StorageConfig              `json:"storage" yaml:"storage"`
	Secrets       SecretsConfig              `json:"secrets" yaml:"secrets"`
	Observability *ObservabilityConfig       `json:"observability,omitempty" yaml:"observability,omitempty"` // nil = observability disabled
	Log           LogConfig                  `json:"log" yaml:"log"`
}

// SandboxConfig selects and bounds the execution backend.
type SandboxConfig struct {
	Backend         string `json:"backend" yaml:"backend"`                   // "native", "in-process" or "daemon". Empty = detected.
	TimeoutMs       int    `json:"timeout_ms" yaml:"timeout_ms"`             // Per execute call. Default: 30000.
	MaxOutputLength int    `json:"max_output_length" yaml:"max_output_length"` // Bytes per stream. Default: 100000.
	InterpreterPath string `json:"interpreter_path" yaml:"interpreter_path"` // Native only. Empty = python3 on PATH.
}

// Timeout returns TimeoutMs as a duration; zero means the backend default.
func (s SandboxConfig) Timeout() time.Duration {
	return time.Duration(s.TimeoutMs) * time.Millisecond
}

// EngineConfig configures the reasoning loop.
type EngineConfig struct {
	Provider      string `json:"provider" yaml:"provider"`             // Router identifier. Empty = providers.default.
	Model         string `json:"model" yaml:"model"`                   // Empty = the adapter's configured model.
	SubModel      string `json:"sub_model" yaml:"sub_model"`           // Model for llm_query. Empty = model.
	MaxDepth      int    `json:"max_depth" yaml:"max_depth"`           // Deepest recursive call. Default: 1.
	MaxIterations int    `json:"max_iterations" yaml:"max_iterations"` // Default: 20.
	MaxTokens     int    `json:"max_tokens" yaml:"max_tokens"`         // Per completion. 0 = engine default.
}

// ProviderName returns the effective router identifier.
func (c *Config) ProviderName() string {
	if c.Engine.Provider != "" {
		return c.Engine.Provider
	}
	return c.Providers.Default
}

type ProvidersConfig struct {
	Default   string          `json:"default" yaml:"default"`                       // "anthropic", "openai", "gemini", "ollama". Empty = "anthropic".
	Fallback  []string        `json:"fallback,omitempty" yaml:"fallback,omitempty"` // Tried in order when default fails; registered as "fallback".
	Anthropic AnthropicConfig `json:"anthropic" yaml:"anthropic"`
	OpenAI    OpenAIConfig    `json:"openai" yaml:"openai"`
	Gemini    GeminiConfig    `json:"gemini" yaml:"gemini"`
	Ollama    OllamaConfig    `json:"ollama" yaml:"ollama"`
}

type AnthropicConfig struct {
	APIKey  string `json:"api_key" yaml:"api_key"`
	Model   string `json:"model" yaml:"model"`
	BaseURL string `json:"base_url" yaml:"base_url"` // Optional. Defaults to https://api.anthropic.com.
}

type OpenAIConfig struct {
	APIKey  string `json:"api_key" yaml:"api_key"`
	Model   string `json:"model" yaml:"model"`
	BaseURL string `json:"base_url" yaml:"base_url"` // Optional. Defaults to https://api.openai.com.
}

type GeminiConfig struct {
	APIKey  string `json:"api_key" yaml:"api_key"`
	Model   string `json:"model" yaml:"model"`
	BaseURL string `json:"base_url" yaml:"base_url"` // Optional. Defaults to https://generativelanguage.googleapis.com.
}

type OllamaConfig struct {
	Model   string `json:"model" yaml:"model"`
	BaseURL string `json:"base_url" yaml:"base_url"` // Optional. Defaults to http://localhost:11434.
}

// RateLimitConfig configures one provider's token bucket.
type RateLimitConfig struct {
	RequestsPerMinute int `json:"requests_per_minute" yaml:"requests_per_minute"`
	BurstSize         int `json:"burst_size" yaml:"burst_size"`
}

// PricingConfig is a per-million-token price override.
type PricingConfig struct {
	InputPerMillion  float64 `json:"input_per_million" yaml:"input_per_million"`
	OutputPerMillion float64 `json:"output_per_million" yaml:"output_per_million"`
}

// DaemonConfig configures `rlm daemon start`.
type DaemonConfig struct {
	SocketPath           string `json:"socket_path" yaml:"socket_path"`                         // Default: <run dir>/rlm.sock. Override: RLM_SOCKET.
	PIDPath              string `json:"pid_path" yaml:"pid_path"`                               // Default: next to the socket.
	Workers              int    `json:"workers" yaml:"workers"`                                 // Default: 4.
	QueueSize            int    `json:"queue_size" yaml:"queue_size"`                           // 0 = 16, negative = no queue.
	MaxRequestsPerWorker int    `json:"max_requests_per_worker" yaml:"max_requests_per_worker"` // 0 = unlimited.
	HealthInterval       string `json:"health_interval" yaml:"health_interval"`                 // Go duration. Default: 30s.
	Backend              string `json:"backend" yaml:"backend"`                                 // Worker backend. Empty = sandbox.backend.
	AdminAddr            string `json:"admin_addr" yaml:"admin_addr"`                           // Empty = no admin HTTP server.
}

// HealthEvery returns the parsed health interval, or 0 when unset.
func (d DaemonConfig) HealthEvery() time.Duration {
	v, err := time.ParseDuration(d.HealthInterval)
	if err != nil {
		return 0
	}
	return v
}

// StorageConfig selects where saved execution traces are kept.
type StorageConfig struct {
	Driver       string `json:"driver" yaml:"driver"`                 // "sqlite" or "postgres". Default: "sqlite".
	Path         string `json:"path" yaml:"path"`                     // SQLite file. Default: <workspace>/rlm.db.
	DSN          string `json:"dsn" yaml:"dsn"`                       // PostgreSQL DSN. Override: RLM_DATABASE_DSN.
	MaxOpenConns int    `json:"max_open_conns" yaml:"max_open_conns"` // PostgreSQL pool size. Default: 25.
}

// SecretsConfig configures resolution of API keys written as references
// (env://NAME, file:///path, vault://path#field) instead of literals.
type SecretsConfig struct {
	Vault *VaultConfig `json:"vault,omitempty" yaml:"vault,omitempty"` // nil = vault:// references are rejected
}

// VaultConfig configures the HashiCorp Vault KV v2 resolver.
type VaultConfig struct {
	Address       string `json:"address" yaml:"address"`                 // Override: VAULT_ADDR.
	Token         string `json:"token" yaml:"token"`                     // Override: VAULT_TOKEN.
	Namespace     string `json:"namespace" yaml:"namespace"`             // Override: VAULT_NAMESPACE.
	Timeout       string `json:"timeout" yaml:"timeout"`                 // Go duration. Default: 5s.
	TLSSkipVerify bool   `json:"tls_skip_verify" yaml:"tls_skip_verify"` // Dev only.
}

// ObservabilityConfig configures metrics, tracing and anomaly detection.
// When nil, all observability features are disabled with zero overhead.
type ObservabilityConfig struct {
	Metrics *MetricsConfig `json:"metrics,omitempty" yaml:"metrics,omitempty"`
	Tracing *TracingConfig `json:"tracing,omitempty" yaml:"tracing,omitempty"`
	Anomaly *AnomalyConfig `json:"anomaly,omitempty" yaml:"anomaly,omitempty"`
}

// MetricsConfig configures Prometheus metrics exposition.
type MetricsConfig struct {
	Enabled bool `json:"enabled" yaml:"enabled"`
}

// TracingConfig configures OpenTelemetry distributed tracing.
type TracingConfig struct {
	Enabled     bool    `json:"enabled" yaml:"enabled"`
	Endpoint    string  `json:"endpoint" yaml:"endpoint"`         // OTLP endpoint, e.g. "localhost:4317"
	Protocol    string  `json:"protocol" yaml:"protocol"`         // "grpc" or "http". Default: "grpc"
	ServiceName string  `json:"service_name" yaml:"service_name"` // Default: "rlm"
	SampleRate  float64 `json:"sample_rate" yaml:"sample_rate"`   // 0.0–1.0. Default: 1.0
	Insecure    bool    `json:"insecure" yaml:"insecure"`         // Skip TLS for dev
}

// AnomalyConfig configures threshold-based anomaly detection.
type AnomalyConfig struct {
	Enabled            bool    `json:"enabled" yaml:"enabled"`
	ErrorRateThreshold float64 `json:"error_rate_threshold" yaml:"error_rate_threshold"` // e.g. 0.5 = 50% errors
	WindowSeconds      int     `json:"window_seconds" yaml:"window_seconds"`             // Sliding window. Default: 300
}

// LogConfig configures the CLI logger.
type LogConfig struct {
	Level string `json:"level" yaml:"level"` // "debug", "info", "warn", "error". Default: "info".
	File  string `json:"file" yaml:"file"`   // Optional. Relative paths resolve under <workspace>/logs.
}

// DefaultConfigPath returns the default config file path (~/.rlm/config.yaml).
func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "configs/rlm.yaml"
	}
	return filepath.Join(home, ".rlm", "config.yaml")
}

// Load reads a JSON or YAML config file and returns a validated Config.
// The format is detected by file extension: .yml/.yaml for YAML, everything else for JSON.
// Provider API keys and the workspace and socket paths can be overridden by
// environment variables, which take precedence.
func Load(path string) (*Config, error) {
	resolved, err := resolvePath(path)
	if err != nil {
		return nil, fmt.Errorf("resolving config path %s: %w", path, err)
	}

	data, err := os.ReadFile(resolved)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", resolved, err)
	}

	var cfg Config
	switch ext := strings.ToLower(filepath.Ext(resolved)); ext {
	case ".yml", ".yaml":
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parsing YAML config %s: %w", resolved, err)
		}
	default:
		if err := json.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parsing JSON config %s: %w", resolved, err)
		}
	}
	return finish(&cfg)
}

// LoadOrDefault is Load, except that a missing file yields the defaults.
func LoadOrDefault(path string) (*Config, error) {
	cfg, err := Load(path)
	if errors.Is(err, fs.ErrNotExist) {
		return finish(&Config{})
	}
	return cfg, err
}

func finish(cfg *Config) (*Config, error) {
	cfg.applyEnv()
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// applyEnv applies environment variable overrides.
func (c *Config) applyEnv() {
	if v := os.Getenv("ANTHROPIC_API_KEY"); v != "" {
		c.Providers.Anthropic.APIKey = v
	}
	if v := os.Getenv("OPENAI_API_KEY"); v != "" {
		c.Providers.OpenAI.APIKey = v
	}
	if v := os.Getenv("GEMINI_API_KEY"); v != "" {
		c.Providers.Gemini.APIKey = v
	}
	if v := os.Getenv("RLM_WORKSPACE"); v != "" {
		c.Workspace = v
	}
	if v := os.Getenv("RLM_SOCKET"); v != "" {
		c.Daemon.SocketPath = v
	}
	if v := os.Getenv("RLM_DATABASE_DSN"); v != "" {
		c.Storage.DSN = v
	}
}

func (c *Config) applyDefaults() {
	if c.Workspace == "" {
		if home, err := os.UserHomeDir(); err == nil {
			c.Workspace = filepath.Join(home, ".rlm", "workspace")
		} else {
			c.Workspace = ".rlm"
		}
	}
	if c.Providers.Default == "" {
		c.Providers.Default = "anthropic"
	}
	if c.Providers.Anthropic.Model == "" {
		c.Providers.Anthropic.Model = "claude-sonnet-4-5"
	}
	if c.Providers.OpenAI.Model == "" {
		c.Providers.OpenAI.Model = "gpt-4.1"
	}
	if c.Providers.Gemini.Model == "" {
		c.Providers.Gemini.Model = "gemini-2.5-flash"
	}
	if c.Engine.MaxDepth == 0 {
		c.Engine.MaxDepth = 1
	}
	if c.Engine.MaxIterations == 0 {
		c.Engine.MaxIterations = 20
	}
	if c.Daemon.Workers == 0 {
		c.Daemon.Workers = 4
	}
	if c.Daemon.HealthInterval == "" {
		c.Daemon.HealthInterval = "30s"
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Storage.Driver == "" {
		c.Storage.Driver = "sqlite"
	}
}

func (c *Config) validate() error {
	switch c.Sandbox.Backend {
	case "", "native", "in-process", "daemon":
	default:
		return fmt.Errorf("%w: sandbox.backend %q is not supported (use native, in-process or daemon)", ErrConfig, c.Sandbox.Backend)
	}
	switch c.Daemon.Backend {
	case "", "native", "in-process":
	default:
		return fmt.Errorf("%w: daemon.backend %q is not supported (use native or in-process)", ErrConfig, c.Daemon.Backend)
	}
	if c.Sandbox.TimeoutMs < 0 {
		return fmt.Errorf("%w: sandbox.timeout_ms must not be negative", ErrConfig)
	}
	if c.Sandbox.MaxOutputLength < 0 {
		return fmt.Errorf("%w: sandbox.max_output_length must not be negative", ErrConfig)
	}
	if c.Engine.MaxDepth < 0 {
		return fmt.Errorf("%w: engine.max_depth must not be negative", ErrConfig)
	}
	if c.Engine.MaxIterations < 0 {
		return fmt.Errorf("%w: engine.max_iterations must not be negative", ErrConfig)
	}
	switch c.Providers.Default {
	case "anthropic", "openai", "gemini", "ollama":
	default:
		return fmt.Errorf("%w: providers.default %q is not supported (use anthropic, openai, gemini, or ollama)", ErrConfig, c.Providers.Default)
	}
	for name, rl := range c.RateLimits {
		if rl.RequestsPerMinute < 0 || rl.BurstSize < 0 {
			return fmt.Errorf("%w: rate_limits.%s must not be negative", ErrConfig, name)
		}
	}
	for model, p := range c.Pricing {
		if p.InputPerMillion < 0 || p.OutputPerMillion < 0 {
			return fmt.Errorf("%w: pricing.%s must not be negative", ErrConfig, model)
		}
	}
	if c.Daemon.Workers < 0 {
		return fmt.Errorf("%w: daemon.workers must not be negative", ErrConfig)
	}
	if c.Daemon.MaxRequestsPerWorker < 0 {
		return fmt.Errorf("%w: daemon.max_requests_per_worker must not be negative", ErrConfig)
	}
	if d, err := time.ParseDuration(c.Daemon.HealthInterval); err != nil || d <= 0 {
		return fmt.Errorf("%w: daemon.health_interval %q must be a positive duration", ErrConfig, c.Daemon.HealthInterval)
	}
	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("%w: log.level %q is not supported", ErrConfig, c.Log.Level)
	}
	if o := c.Observability; o != nil && o.Tracing != nil && o.Tracing.Enabled {
		switch o.Tracing.Protocol {
		case "", "grpc", "http":
		default:
			return fmt.Errorf("%w: observability.tracing.protocol %q must be grpc or http", ErrConfig, o.Tracing.Protocol)
		}
		if o.Tracing.SampleRate < 0 || o.Tracing.SampleRate > 1 {
			return fmt.Errorf("%w: observability.tracing.sample_rate must be within [0, 1]", ErrConfig)
		}
	}
	switch c.Storage.Driver {
	case "sqlite":
	case "postgres":
		if c.Storage.DSN == "" {
			return fmt.Errorf("%w: storage.dsn is required for the postgres driver (or set RLM_DATABASE_DSN)", ErrConfig)
		}
	default:
		return fmt.Errorf("%w: storage.driver %q is not supported (use sqlite or postgres)", ErrConfig, c.Storage.Driver)
	}
	if c.Storage.MaxOpenConns < 0 {
		return fmt.Errorf("%w: storage.max_open_conns must not be negative", ErrConfig)
	}
	if v := c.Secrets.Vault; v != nil && v.Timeout != "" {
		if d, err := time.ParseDuration(v.Timeout); err != nil || d <= 0 {
			return fmt.Errorf("%w: secrets.vault.timeout %q must be a positive duration", ErrConfig, v.Timeout)
		}
	}
	for _, name := range c.Providers.Fallback {
		if name == "fallback" {
			return fmt.Errorf("%w: providers.fallback must not contain itself", ErrConfig)
		}
	}
	return nil
}

// RequireProvider checks that the named provider can be constructed.
// Only commands that call a model need this; the daemon and detection do not.
func (c *Config) RequireProvider(name string) error {
	switch name {
	case "anthropic":
		if c.Providers.Anthropic.APIKey == "" {
			return fmt.Errorf("%w: providers.anthropic.api_key is required (set ANTHROPIC_API_KEY env var)", ErrConfig)
		}
	case "openai":
		if c.Providers.OpenAI.APIKey == "" {
			return fmt.Errorf("%w: providers.openai.api_key is required (set OPENAI_API_KEY env var)", ErrConfig)
		}
	case "gemini":
		if c.Providers.Gemini.APIKey == "" {
			return fmt.Errorf("%w: providers.gemini.api_key is required (set GEMINI_API_KEY env var)", ErrConfig)
		}
	case "ollama":
		if c.Providers.Ollama.Model == "" {
			return fmt.Errorf("%w: providers.ollama.model is required", ErrConfig)
		}
	case "fallback":
		if len(c.Providers.Fallback) == 0 {
			return fmt.Errorf("%w: providers.fallback is empty", ErrConfig)
		}
		var firstErr error
		for _, p := range c.Providers.Fallback {
			err := c.RequireProvider(p)
			if err == nil {
				return nil
			}
			if firstErr == nil {
				firstErr = err
			}
		}
		return firstErr
	default:
		return fmt.Errorf("%w: provider %q is not supported", ErrConfig, name)
	}
	return nil
}

// ResolvedWorkspace returns the workspace root with ~ expanded.
func (c *Config) ResolvedWorkspace() string {
	resolved, err := resolvePath(c.Workspace)
	if err != nil {
		return c.Workspace
	}
	return resolved
}

// resolvePath expands ~ to the user home directory and returns an absolute path.
func resolvePath(path string) (string, error) {
	if strings.HasPrefix(path, "~/") || path == "~" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		path = filepath.Join(home, path[1:])
	}
	return filepath.Abs(path)
}
