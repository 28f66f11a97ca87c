// Package engine runs the reasoning loop: ask the model, execute the code it
// writes in a sandbox, feed the output back, and stop when it declares a
// final answer. Nested executions requested through rlm_query run the same
// loop one level deeper with their own sandbox and trace.
package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/jkaninda/rlm/internal/bridge"
	"github.com/jkaninda/rlm/internal/llm"
	"github.com/jkaninda/rlm/internal/sandbox"
	"github.com/jkaninda/rlm/internal/trace"
)

const (
	defaultMaxIterations = 20
	defaultMaxDepth      = 2
	defaultMaxTokens     = 4096

	// Per-block REPL output shown back to the model.
	maxFeedbackChars = 4000
	// Oldest transcript text is dropped beyond this size.
	maxTranscriptChars = 60_000
)

// Config controls one engine.
type Config struct {
	Provider      string // router identifier for every model call
	Model         string // reasoning model; empty = adapter default
	SubModel      string // model for llm_query; empty = Model
	MaxIterations int
	MaxDepth      int // deepest allowed subcall; the root runs at depth 0
	MaxTokens     int
	Sandbox       sandbox.Options
}

func (c Config) maxIterations() int {
	if c.MaxIterations <= 0 {
		return defaultMaxIterations
	}
	return c.MaxIterations
}

func (c Config) maxDepth() int {
	if c.MaxDepth < 0 {
		return 0
	}
	if c.MaxDepth == 0 {
		return defaultMaxDepth
	}
	return c.MaxDepth
}

func (c Config) maxTokens() int {
	if c.MaxTokens <= 0 {
		return defaultMaxTokens
	}
	return c.MaxTokens
}

func (c Config) subModel() string {
	if c.SubModel == "" {
		return c.Model
	}
	return c.SubModel
}

// SandboxFactory builds a sandbox for one execution. sandbox.New satisfies it.
type SandboxFactory func(opts sandbox.Options, bridges sandbox.Bridges, logger *slog.Logger) (sandbox.Sandbox, error)

// Option configures an Engine.
type Option func(*Engine)

// WithSandboxFactory replaces sandbox.New, e.g. to add instrumentation.
func WithSandboxFactory(f SandboxFactory) Option {
	return func(e *Engine) { e.newSandbox = f }
}

// Engine drives executions. Safe for concurrent use: each Run owns its
// sandbox and trace, and only the router (with its rate limiter) is shared.
type Engine struct {
	cfg        Config
	router     bridge.Completer
	newSandbox SandboxFactory
	logger     *slog.Logger
}

// New creates an engine dispatching model calls through router.
func New(cfg Config, router bridge.Completer, logger *slog.Logger, opts ...Option) *Engine {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	e := &Engine{
		cfg:        cfg,
		router:     router,
		newSandbox: sandbox.New,
		logger:     logger,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Result is the outcome of one execution.
type Result struct {
	Answer string
	Source trace.AnswerSource
	Trace  *trace.ExecutionTrace
	Usage  trace.Usage
}

// Run solves task with taskContext exposed to sandboxed code as `context`.
// On failure the partial, error-tagged result is returned with the error.
func (e *Engine) Run(ctx context.Context, task, taskContext string) (*Result, error) {
	return e.run(ctx, task, taskContext, 0)
}

func (e *Engine) recurse(ctx context.Context, task, taskContext string, depth int) (*sandbox.RLMResult, error) {
	res, err := e.run(ctx, task, taskContext, depth)
	if res == nil {
		return nil, err
	}
	// A failed child still returns its error-tagged trace so its spend is
	// attached to the parent.
	return &sandbox.RLMResult{Answer: res.Answer, Trace: res.Trace}, err
}

func (e *Engine) run(ctx context.Context, task, taskContext string, depth int) (*Result, error) {
	rec := trace.NewRecorder(task, depth)
	logger := e.logger.With(
		slog.String("trace_id", rec.ID().String()),
		slog.Int("depth", depth),
	)
	host := bridge.NewHost(bridge.Config{
		Provider:     e.cfg.Provider,
		Model:        e.cfg.subModel(),
		SystemPrompt: queryPromptTemplate,
		MaxTokens:    e.cfg.maxTokens(),
		Depth:        depth,
		MaxDepth:     e.cfg.maxDepth(),
	}, e.router, bridge.RecurserFunc(e.recurse), rec, logger)

	sb, err := e.openSandbox(ctx, host, taskContext, logger)
	if err != nil {
		_ = rec.SetFinal("", trace.SourceError)
		return e.result(rec), err
	}
	defer func() { _ = sb.Destroy() }()

	logger.Info("execution started",
		slog.String("backend", string(sb.Backend())),
		slog.Int("context_len", len(taskContext)),
	)

	system := e.systemPrompt()
	var transcript strings.Builder
	var last string

	for i := 0; i < e.cfg.maxIterations(); i++ {
		start := time.Now()
		prompt := turnPrompt(task, taskContext, transcript.String(), i)

		resp, err := e.router.Complete(ctx, e.cfg.Provider, &llm.Request{
			Model:        e.cfg.Model,
			SystemPrompt: system,
			UserPrompt:   prompt,
			MaxTokens:    e.cfg.maxTokens(),
		})
		if err != nil {
			_ = rec.SetFinal("", trace.SourceError)
			return e.result(rec), fmt.Errorf("iteration %d: %w", i, err)
		}
		last = resp.Content

		it := trace.Iteration{
			Prompt:   trace.Prompt{Content: prompt, Tokens: resp.Usage.InputTokens},
			Response: trace.ModelResponse{Content: resp.Content, Tokens: resp.Usage.OutputTokens, Cost: resp.Cost},
		}
		fmt.Fprintf(&transcript, "\n--- turn %d ---\n%s\n", i+1, resp.Content)

		for _, code := range ExtractCode(resp.Content) {
			ce, restart := execute(ctx, sb, code)
			it.CodeExecutions = append(it.CodeExecutions, ce)
			transcript.WriteString(feedback(ce))

			if ctx.Err() != nil {
				it.Duration = time.Since(start)
				_, _ = rec.AppendIteration(it)
				_ = rec.SetFinal("", trace.SourceError)
				return e.result(rec), ctx.Err()
			}
			if restart {
				logger.Warn("sandbox unusable, recreating", slog.String("error", ce.Error))
				_ = sb.Destroy()
				next, err := e.openSandbox(ctx, host, taskContext, logger)
				if err != nil {
					it.Duration = time.Since(start)
					_, _ = rec.AppendIteration(it)
					_ = rec.SetFinal("", trace.SourceError)
					return e.result(rec), err
				}
				sb = next
				transcript.WriteString("[the REPL was restarted; all variables except context were lost]\n")
			}
		}

		it.Duration = time.Since(start)
		if _, err := rec.AppendIteration(it); err != nil {
			return e.result(rec), err
		}

		switch kind, value := findFinal(resp.Content); kind {
		case finalText:
			_ = rec.SetFinal(value, trace.SourceFinal)
			logger.Info("execution resolved", slog.String("source", string(trace.SourceFinal)), slog.Int("iterations", i+1))
			return e.result(rec), nil
		case finalVar:
			v, found, err := sb.GetVariable(ctx, value)
			if err == nil && found {
				_ = rec.SetFinal(v, trace.SourceFinalVar)
				logger.Info("execution resolved", slog.String("source", string(trace.SourceFinalVar)), slog.Int("iterations", i+1))
				return e.result(rec), nil
			}
			fmt.Fprintf(&transcript, "[FINAL_VAR(%s) failed: variable is not defined]\n", value)
		}
		truncateTranscript(&transcript)
	}

	_ = rec.SetFinal(stripCode(last), trace.SourceMaxIterations)
	logger.Warn("iteration budget exhausted", slog.Int("max_iterations", e.cfg.maxIterations()))
	return e.result(rec), nil
}

func (e *Engine) openSandbox(ctx context.Context, host *bridge.Host, payload string, logger *slog.Logger) (sandbox.Sandbox, error) {
	sb, err := e.newSandbox(e.cfg.Sandbox, host.Bridges(), logger)
	if err != nil {
		return nil, fmt.Errorf("creating sandbox: %w", err)
	}
	if err := sb.Initialize(ctx, payload); err != nil {
		_ = sb.Destroy()
		return nil, fmt.Errorf("initializing sandbox: %w", err)
	}
	return sb, nil
}

func (e *Engine) systemPrompt() string {
	if e.cfg.Sandbox.Backend == sandbox.BackendInProcess {
		return fmt.Sprintf(systemPromptTemplate, "Starlark (a Python dialect)", "python")
	}
	return fmt.Sprintf(systemPromptTemplate, "Python", "python")
}

func (e *Engine) result(rec *trace.Recorder) *Result {
	snap := rec.Snapshot()
	return &Result{
		Answer: snap.FinalAnswer,
		Source: snap.AnswerSource,
		Trace:  snap,
		Usage:  trace.ComputeUsage(snap),
	}
}

// execute runs one code block. restart reports that the sandbox can no
// longer be used and must be recreated.
func execute(ctx context.Context, sb sandbox.Sandbox, code string) (trace.CodeExecution, bool) {
	ce := trace.CodeExecution{Code: code}
	res, err := sb.Execute(ctx, code)
	if res != nil {
		ce.Stdout = res.Stdout
		ce.Stderr = res.Stderr
		ce.Result = res.Result
		ce.Duration = res.Duration
		if res.Warning != "" {
			ce.Stderr += "\n[" + res.Warning + "]"
		}
	}
	if err != nil {
		ce.Error = err.Error()
		restart := errors.Is(err, sandbox.ErrTimeout) ||
			errors.Is(err, sandbox.ErrSandboxCrash) ||
			sb.State().Terminal()
		return ce, restart
	}
	return ce, false
}

func turnPrompt(task, taskContext, transcript string, i int) string {
	if i == 0 {
		return fmt.Sprintf(firstTurnTemplate, task, len(taskContext))
	}
	return fmt.Sprintf(continueTurnTemplate, task, transcript)
}

// feedback renders one execution for the next prompt.
func feedback(ce trace.CodeExecution) string {
	var b strings.Builder
	b.WriteString("REPL output:\n")
	if ce.Stdout != "" {
		b.WriteString(clip(ce.Stdout, maxFeedbackChars))
		if !strings.HasSuffix(ce.Stdout, "\n") {
			b.WriteByte('\n')
		}
	}
	if ce.Result != "" {
		b.WriteString("=> " + clip(ce.Result, maxFeedbackChars) + "\n")
	}
	if ce.Stderr != "" {
		b.WriteString("stderr:\n" + clip(ce.Stderr, maxFeedbackChars) + "\n")
	}
	if ce.Error != "" {
		b.WriteString("error: " + ce.Error + "\n")
	}
	if ce.Stdout == "" && ce.Result == "" && ce.Stderr == "" && ce.Error == "" {
		b.WriteString("(no output)\n")
	}
	return b.String()
}

func clip(s string, n int) string {
	if len(s) <= n {
		return s
	}
	cut := n
	for cut > 0 && !isRuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + fmt.Sprintf("... [%d more characters]", len(s)-cut)
}

func isRuneStart(b byte) bool { return b&0xC0 != 0x80 }

func truncateTranscript(b *strings.Builder) {
	if b.Len() <= maxTranscriptChars {
		return
	}
	s := b.String()
	cut := len(s) - maxTranscriptChars
	for cut < len(s) && !isRuneStart(s[cut]) {
		cut++
	}
	b.Reset()
	b.WriteString("[earlier turns omitted]\n")
	b.WriteString(s[cut:])
}
