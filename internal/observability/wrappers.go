package observability

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jkaninda/rlm/internal/llm"
	"github.com/jkaninda/rlm/internal/sandbox"
)

// --- InstrumentedProvider ---

// InstrumentedProvider wraps an llm.Provider with metrics, tracing, and anomaly detection.
type InstrumentedProvider struct {
	inner   llm.Provider
	metrics *MetricsCollector
	tracer  trace.Tracer
	anomaly *AnomalyDetector
}

// NewInstrumentedProvider wraps an LLM provider with observability.
func NewInstrumentedProvider(inner llm.Provider, metrics *MetricsCollector, ts *TracerSetup, anomaly *AnomalyDetector) *InstrumentedProvider {
	var tracer trace.Tracer
	if ts != nil {
		tracer = ts.Tracer()
	}
	return &InstrumentedProvider{
		inner:   inner,
		metrics: metrics,
		tracer:  tracer,
		anomaly: anomaly,
	}
}

func (p *InstrumentedProvider) Name() string { return p.inner.Name() }

func (p *InstrumentedProvider) Complete(ctx context.Context, req *llm.Request) (*llm.Response, error) {
	provider := p.inner.Name()

	if p.tracer != nil {
		var span trace.Span
		ctx, span = p.tracer.Start(ctx, "llm.complete",
			trace.WithAttributes(
				attribute.String("llm.provider", provider),
				attribute.String("llm.model", llm.ModelFor(req, "")),
			))
		defer span.End()
	}

	start := time.Now()
	resp, err := p.inner.Complete(ctx, req)
	duration := time.Since(start).Seconds()

	model := llm.ModelFor(req, "")
	if resp != nil && resp.Model != "" {
		model = resp.Model
	}

	status := "success"
	if err != nil {
		status = "error"
		if p.tracer != nil {
			span := trace.SpanFromContext(ctx)
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
	} else if p.tracer != nil && resp != nil {
		trace.SpanFromContext(ctx).SetAttributes(
			attribute.Int("llm.input_tokens", resp.Usage.InputTokens),
			attribute.Int("llm.output_tokens", resp.Usage.OutputTokens),
			attribute.Float64("llm.cost_usd", resp.Cost),
		)
	}

	if p.metrics != nil {
		p.metrics.LLMRequestsTotal.WithLabelValues(provider, model, status).Inc()
		p.metrics.LLMRequestDuration.WithLabelValues(provider, model).Observe(duration)

		if resp != nil {
			p.metrics.LLMTokensUsed.WithLabelValues(provider, model, "input").Add(float64(resp.Usage.InputTokens))
			p.metrics.LLMTokensUsed.WithLabelValues(provider, model, "output").Add(float64(resp.Usage.OutputTokens))
			p.metrics.LLMCostTotal.WithLabelValues(provider, model).Add(resp.Cost)
		}
	}

	if p.anomaly != nil {
		if err != nil {
			p.anomaly.RecordError("llm_" + provider)
		} else {
			p.anomaly.RecordSuccess("llm_" + provider)
		}
	}

	return resp, err
}

// --- InstrumentedSandbox ---

// InstrumentedSandbox wraps a sandbox.Sandbox, recording every Execute.
// Lifecycle calls pass straight through.
type InstrumentedSandbox struct {
	inner   sandbox.Sandbox
	metrics *MetricsCollector
	tracer  trace.Tracer
	anomaly *AnomalyDetector
}

// NewInstrumentedSandbox wraps a sandbox with observability.
func NewInstrumentedSandbox(inner sandbox.Sandbox, metrics *MetricsCollector, ts *TracerSetup, anomaly *AnomalyDetector) *InstrumentedSandbox {
	var tracer trace.Tracer
	if ts != nil {
		tracer = ts.Tracer()
	}
	return &InstrumentedSandbox{
		inner:   inner,
		metrics: metrics,
		tracer:  tracer,
		anomaly: anomaly,
	}
}

func (s *InstrumentedSandbox) Initialize(ctx context.Context, payload string) error {
	return s.inner.Initialize(ctx, payload)
}

func (s *InstrumentedSandbox) Execute(ctx context.Context, code string) (*sandbox.Result, error) {
	backend := string(s.inner.Backend())

	if s.tracer != nil {
		var span trace.Span
		ctx, span = s.tracer.Start(ctx, "sandbox.execute",
			trace.WithAttributes(
				attribute.String("sandbox.backend", backend),
				attribute.Int("sandbox.code_bytes", len(code)),
			))
		defer span.End()
	}

	start := time.Now()
	result, err := s.inner.Execute(ctx, code)
	duration := time.Since(start).Seconds()

	status := executionStatus(err)
	if err != nil && s.tracer != nil {
		span := trace.SpanFromContext(ctx)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}

	if s.metrics != nil {
		s.metrics.SandboxExecutionsTotal.WithLabelValues(backend, status).Inc()
		s.metrics.SandboxExecutionDuration.WithLabelValues(backend).Observe(duration)
	}

	// Timeouts and cancellations do not count against the backend.
	if s.anomaly != nil && status != "timeout" && status != "cancelled" {
		if err != nil {
			s.anomaly.RecordError("sandbox_" + backend)
		} else {
			s.anomaly.RecordSuccess("sandbox_" + backend)
		}
	}

	return result, err
}

func (s *InstrumentedSandbox) GetVariable(ctx context.Context, name string) (string, bool, error) {
	return s.inner.GetVariable(ctx, name)
}

func (s *InstrumentedSandbox) Cancel() error           { return s.inner.Cancel() }
func (s *InstrumentedSandbox) Destroy() error          { return s.inner.Destroy() }
func (s *InstrumentedSandbox) Backend() sandbox.Backend { return s.inner.Backend() }
func (s *InstrumentedSandbox) State() sandbox.State     { return s.inner.State() }

// executionStatus maps an Execute error to a metric label.
func executionStatus(err error) string {
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, sandbox.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, sandbox.ErrSandboxCrash):
		return "crash"
	case errors.Is(err, sandbox.ErrCancelled), errors.Is(err, context.Canceled):
		return "cancelled"
	default:
		return "error"
	}
}

// --- Compile-time interface checks ---

var (
	_ llm.Provider    = (*InstrumentedProvider)(nil)
	_ sandbox.Sandbox = (*InstrumentedSandbox)(nil)
)
