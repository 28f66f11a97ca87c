// Package bridge implements the host side of the sandbox callbacks:
// llm_query performs one routed model completion and rlm_query runs a nested
// execution one level deeper. Calls from one sandbox are served strictly one
// at a time; distinct sandboxes have distinct hosts and run concurrently.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/jkaninda/rlm/internal/llm"
	"github.com/jkaninda/rlm/internal/sandbox"
	"github.com/jkaninda/rlm/internal/trace"
)

// ErrDepthExceeded matches any *DepthError via errors.Is.
var ErrDepthExceeded = errors.New("maximum recursion depth exceeded")

// DepthError rejects a nested execution that would exceed the configured depth.
type DepthError struct {
	Depth    int // depth the nested execution would have run at
	MaxDepth int
}

func (e *DepthError) Error() string {
	return fmt.Sprintf("recursion depth %d exceeds maximum %d", e.Depth, e.MaxDepth)
}

func (e *DepthError) Is(target error) bool { return target == ErrDepthExceeded }

// DepthExceeded marks the error for the sandbox wire translation.
func (e *DepthError) DepthExceeded() bool { return true }

// Completer dispatches a completion to a named provider. *llm.Router satisfies it.
type Completer interface {
	Complete(ctx context.Context, provider string, req *llm.Request) (*llm.Response, error)
}

// Recurser runs a nested execution at depth and returns its resolved trace.
type Recurser interface {
	Recurse(ctx context.Context, task, taskContext string, depth int) (*sandbox.RLMResult, error)
}

// RecurserFunc adapts a function to Recurser.
type RecurserFunc func(ctx context.Context, task, taskContext string, depth int) (*sandbox.RLMResult, error)

func (f RecurserFunc) Recurse(ctx context.Context, task, taskContext string, depth int) (*sandbox.RLMResult, error) {
	return f(ctx, task, taskContext, depth)
}

// Config describes the execution a Host serves.
type Config struct {
	Provider     string
	Model        string
	SystemPrompt string
	MaxTokens    int
	Depth        int // depth of the trace that owns the sandbox
	MaxDepth     int
}

// Host answers bridge calls for one sandbox and records them on the
// sandbox's trace.
type Host struct {
	cfg      Config
	router   Completer
	recurser Recurser
	recorder *trace.Recorder
	logger   *slog.Logger

	// mu serializes calls: one sandbox never has two bridge calls in flight.
	mu sync.Mutex
}

// NewHost creates a Host. recurser and recorder may be nil.
func NewHost(cfg Config, router Completer, recurser Recurser, recorder *trace.Recorder, logger *slog.Logger) *Host {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Host{
		cfg:      cfg,
		router:   router,
		recurser: recurser,
		recorder: recorder,
		logger:   logger,
	}
}

// Bridges returns the callbacks to hand to sandbox.New.
func (h *Host) Bridges() sandbox.Bridges {
	return sandbox.Bridges{
		OnLLMQuery: h.LLMQuery,
		OnRLMQuery: h.RLMQuery,
	}
}

// LLMQuery performs a single completion through the router.
func (h *Host) LLMQuery(ctx context.Context, prompt string) (string, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	start := time.Now()
	resp, err := h.router.Complete(ctx, h.cfg.Provider, &llm.Request{
		Model:        h.cfg.Model,
		SystemPrompt: h.cfg.SystemPrompt,
		UserPrompt:   prompt,
		MaxTokens:    h.cfg.MaxTokens,
	})
	if err != nil {
		return "", err
	}

	if h.recorder != nil {
		h.recorder.RecordQuery(trace.Query{
			Prompt:       prompt,
			Response:     resp.Content,
			InputTokens:  resp.Usage.InputTokens,
			OutputTokens: resp.Usage.OutputTokens,
			Cost:         resp.Cost,
			Duration:     time.Since(start),
		})
	}
	h.logger.Debug("bridge llm query served",
		slog.Int("depth", h.cfg.Depth),
		slog.Int("prompt_len", len(prompt)),
		slog.Int("response_len", len(resp.Content)),
		slog.Float64("cost_usd", resp.Cost),
	)
	return resp.Content, nil
}

// RLMQuery runs a nested execution at depth+1. Exceeding the maximum depth
// fails before any model call is made.
func (h *Host) RLMQuery(ctx context.Context, task, taskContext string) (*sandbox.RLMResult, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	child := h.cfg.Depth + 1
	if child > h.cfg.MaxDepth {
		h.logger.Warn("bridge recursion rejected",
			slog.Int("depth", child),
			slog.Int("max_depth", h.cfg.MaxDepth),
		)
		return nil, &DepthError{Depth: child, MaxDepth: h.cfg.MaxDepth}
	}
	if h.recurser == nil {
		return nil, errors.New("recursion is not available")
	}

	res, err := h.recurser.Recurse(ctx, task, taskContext, child)
	if h.recorder != nil && res != nil && res.Trace != nil {
		if aerr := h.recorder.AttachSubcall(res.Trace); aerr != nil && err == nil {
			return nil, fmt.Errorf("recording subcall: %w", aerr)
		}
	}
	if err != nil {
		return nil, fmt.Errorf("subcall at depth %d: %w", child, err)
	}
	h.logger.Debug("bridge subcall resolved",
		slog.Int("depth", child),
		slog.Int("answer_len", len(res.Answer)),
	)
	return res, nil
}
