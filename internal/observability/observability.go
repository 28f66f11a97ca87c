// Package observability instruments the model router, the sandboxes and the
// daemon: Prometheus metrics, OpenTelemetry spans, health checks, and
// error-rate anomaly detection per provider and per backend.
//
// A nil *Observability is valid and instruments nothing.
package observability

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jkaninda/rlm/internal/config"
	"github.com/jkaninda/rlm/internal/llm"
	"github.com/jkaninda/rlm/internal/sandbox"
)

// Observability groups the enabled components. Metrics, Tracer and Anomaly
// are nil when switched off; Health always exists so the daemon can register
// its pool check.
type Observability struct {
	Metrics *MetricsCollector
	Tracer  *TracerSetup
	Anomaly *AnomalyDetector
	Health  *HealthChecker
}

// New builds the components the config enables. A nil config returns nil.
func New(cfg *config.ObservabilityConfig, logger *slog.Logger) (*Observability, error) {
	if cfg == nil {
		return nil, nil
	}
	obs := &Observability{Health: NewHealthChecker(logger)}
	if cfg.Metrics != nil && cfg.Metrics.Enabled {
		obs.Metrics = NewMetricsCollector()
	}
	if cfg.Tracing != nil && cfg.Tracing.Enabled {
		ts, err := NewTracerSetup(cfg.Tracing)
		if err != nil {
			return nil, fmt.Errorf("initializing tracing: %w", err)
		}
		obs.Tracer = ts
	}
	if cfg.Anomaly != nil && cfg.Anomaly.Enabled {
		obs.Anomaly = NewAnomalyDetector(cfg.Anomaly, logger)
	}
	return obs, nil
}

// Active reports whether any per-call instrumentation is on.
func (o *Observability) Active() bool {
	return o != nil && (o.Metrics != nil || o.Tracer != nil || o.Anomaly != nil)
}

// Provider wraps a model adapter so each completion is counted by provider
// and model, traced, and fed to anomaly detection. p is returned unchanged
// when nothing is enabled.
func (o *Observability) Provider(p llm.Provider) llm.Provider {
	if !o.Active() {
		return p
	}
	return NewInstrumentedProvider(p, o.Metrics, o.Tracer, o.Anomaly)
}

// Sandboxes wraps a sandbox constructor so every sandbox it builds records
// executions by backend. The result fits engine.WithSandboxFactory and
// daemon.WithSandboxFactory.
func (o *Observability) Sandboxes(
	newSandbox func(sandbox.Options, sandbox.Bridges, *slog.Logger) (sandbox.Sandbox, error),
) func(sandbox.Options, sandbox.Bridges, *slog.Logger) (sandbox.Sandbox, error) {
	if !o.Active() {
		return newSandbox
	}
	return func(opts sandbox.Options, bridges sandbox.Bridges, logger *slog.Logger) (sandbox.Sandbox, error) {
		sb, err := newSandbox(opts, bridges, logger)
		if err != nil {
			return nil, err
		}
		return NewInstrumentedSandbox(sb, o.Metrics, o.Tracer, o.Anomaly), nil
	}
}

// RateLimitObserver returns the callback a provider limiter reports waits
// to, or nil when metrics are off.
func (o *Observability) RateLimitObserver() func(provider string, wait time.Duration) {
	if o == nil || o.Metrics == nil {
		return nil
	}
	return o.Metrics.ObserveRateLimitWait
}

// LogValue lists which components are enabled.
func (o *Observability) LogValue() slog.Value {
	if o == nil {
		return slog.StringValue("disabled")
	}
	return slog.GroupValue(
		slog.Bool("metrics", o.Metrics != nil),
		slog.Bool("tracing", o.Tracer != nil),
		slog.Bool("anomaly", o.Anomaly != nil),
	)
}

// Shutdown flushes pending spans.
func (o *Observability) Shutdown(ctx context.Context) {
	if o == nil || o.Tracer == nil {
		return
	}
	_ = o.Tracer.Shutdown(ctx)
}

// TracerOrNil returns the tracer setup, nil when tracing is off.
func (o *Observability) TracerOrNil() *TracerSetup {
	if o == nil {
		return nil
	}
	return o.Tracer
}

// MetricsOrNil returns the collector, nil when metrics are off.
func (o *Observability) MetricsOrNil() *MetricsCollector {
	if o == nil {
		return nil
	}
	return o.Metrics
}
