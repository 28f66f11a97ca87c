package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{"ANTHROPIC_API_KEY", "OPENAI_API_KEY", "GEMINI_API_KEY", "RLM_WORKSPACE", "RLM_SOCKET", "RLM_DATABASE_DSN"} {
		t.Setenv(k, "")
	}
}

func TestLoad_YAML(t *testing.T) {
	clearEnv(t)
	path := writeFile(t, "rlm.yaml", `
workspace: /tmp/rlm-ws
sandbox:
  backend: in-process
  timeout_ms: 1500
engine:
  provider: openai
  max_depth: 3
providers:
  default: openai
  openai:
    api_key: sk-test
rate_limits:
  openai:
    requests_per_minute: 60
    burst_size: 5
pricing:
  my-model:
    input_per_million: 1
    output_per_million: 2
daemon:
  workers: 2
  health_interval: 5s
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Sandbox.Backend != "in-process" || cfg.Sandbox.Timeout() != 1500*time.Millisecond {
		t.Errorf("sandbox = %+v", cfg.Sandbox)
	}
	if cfg.ProviderName() != "openai" || cfg.Engine.MaxDepth != 3 {
		t.Errorf("engine = %+v", cfg.Engine)
	}
	if rl := cfg.RateLimits["openai"]; rl.RequestsPerMinute != 60 || rl.BurstSize != 5 {
		t.Errorf("rate limit = %+v", rl)
	}
	if p := cfg.Pricing["my-model"]; p.OutputPerMillion != 2 {
		t.Errorf("pricing = %+v", p)
	}
	if cfg.Daemon.Workers != 2 || cfg.Daemon.HealthEvery() != 5*time.Second {
		t.Errorf("daemon = %+v", cfg.Daemon)
	}
	if err := cfg.RequireProvider("openai"); err != nil {
		t.Errorf("RequireProvider: %v", err)
	}
}

func TestLoad_JSONAndDefaults(t *testing.T) {
	clearEnv(t)
	path := writeFile(t, "rlm.json", `{"sandbox": {"backend": "native"}}`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Providers.Default != "anthropic" {
		t.Errorf("default provider = %q", cfg.Providers.Default)
	}
	if cfg.Engine.MaxDepth != 1 || cfg.Engine.MaxIterations != 20 {
		t.Errorf("engine defaults = %+v", cfg.Engine)
	}
	if cfg.Daemon.Workers != 4 || cfg.Daemon.HealthEvery() != 30*time.Second {
		t.Errorf("daemon defaults = %+v", cfg.Daemon)
	}
	if cfg.Log.Level != "info" || cfg.Workspace == "" {
		t.Errorf("log/workspace defaults: %+v %q", cfg.Log, cfg.Workspace)
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("ANTHROPIC_API_KEY", "from-env")
	t.Setenv("RLM_WORKSPACE", "/tmp/env-ws")
	t.Setenv("RLM_SOCKET", "/tmp/env.sock")

	path := writeFile(t, "rlm.yaml", "providers:\n  anthropic:\n    api_key: from-file\n")
	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Providers.Anthropic.APIKey != "from-env" {
		t.Errorf("api key = %q, env must win", cfg.Providers.Anthropic.APIKey)
	}
	if cfg.Workspace != "/tmp/env-ws" || cfg.Daemon.SocketPath != "/tmp/env.sock" {
		t.Errorf("workspace %q socket %q", cfg.Workspace, cfg.Daemon.SocketPath)
	}
}

func TestLoadOrDefault_MissingFile(t *testing.T) {
	clearEnv(t)
	cfg, err := LoadOrDefault(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("missing file must fall back to defaults: %v", err)
	}
	if cfg.Providers.Default != "anthropic" {
		t.Errorf("defaults not applied: %+v", cfg.Providers)
	}
}

func TestLoad_Invalid(t *testing.T) {
	clearEnv(t)
	tests := []struct {
		name string
		body string
	}{
		{"unknown backend", "sandbox:\n  backend: docker\n"},
		{"negative timeout", "sandbox:\n  timeout_ms: -1\n"},
		{"negative depth", "engine:\n  max_depth: -2\n"},
		{"unknown provider", "providers:\n  default: nope\n"},
		{"negative rate", "rate_limits:\n  openai:\n    requests_per_minute: -1\n"},
		{"negative price", "pricing:\n  m:\n    input_per_million: -1\n"},
		{"bad interval", "daemon:\n  health_interval: soon\n"},
		{"bad log level", "log:\n  level: loud\n"},
		{"daemon on daemon", "daemon:\n  backend: daemon\n"},
		{"bad tracing protocol", "observability:\n  tracing:\n    enabled: true\n    protocol: udp\n"},
		{"unknown storage driver", "storage:\n  driver: mongo\n"},
		{"postgres without dsn", "storage:\n  driver: postgres\n"},
		{"bad vault timeout", "secrets:\n  vault:\n    timeout: later\n"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Load(writeFile(t, "rlm.yaml", tc.body))
			if !errors.Is(err, ErrConfig) {
				t.Fatalf("expected ErrConfig, got %v", err)
			}
		})
	}
}

func TestLoad_StorageDefaultsAndEnv(t *testing.T) {
	clearEnv(t)
	cfg, err := Load(writeFile(t, "rlm.yaml", "log:\n  level: info\n"))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Storage.Driver != "sqlite" {
		t.Errorf("storage driver = %q, want sqlite", cfg.Storage.Driver)
	}

	t.Setenv("RLM_DATABASE_DSN", "postgres://rlm@localhost/rlm")
	cfg, err = Load(writeFile(t, "rlm.yaml", "storage:\n  driver: postgres\n"))
	if err != nil {
		t.Fatalf("postgres with env DSN: %v", err)
	}
	if cfg.Storage.DSN != "postgres://rlm@localhost/rlm" {
		t.Errorf("storage dsn = %q", cfg.Storage.DSN)
	}
}

func TestLoad_MalformedFile(t *testing.T) {
	clearEnv(t)
	if _, err := Load(writeFile(t, "rlm.json", "{not json")); err == nil {
		t.Error("expected a parse error")
	}
}

func TestRequireProvider(t *testing.T) {
	cfg := &Config{Providers: ProvidersConfig{
		OpenAI:   OpenAIConfig{APIKey: "k"},
		Ollama:   OllamaConfig{Model: "llama3"},
		Fallback: []string{"anthropic", "openai"},
	}}
	tests := []struct {
		name    string
		wantErr bool
	}{
		{"anthropic", true},
		{"openai", false},
		{"gemini", true},
		{"ollama", false},
		{"fallback", false},
		{"mystery", true},
	}
	for _, tc := range tests {
		err := cfg.RequireProvider(tc.name)
		if (err != nil) != tc.wantErr {
			t.Errorf("RequireProvider(%q) = %v, wantErr %v", tc.name, err, tc.wantErr)
		}
		if err != nil && !errors.Is(err, ErrConfig) {
			t.Errorf("RequireProvider(%q): error %v is not ErrConfig", tc.name, err)
		}
	}
}
