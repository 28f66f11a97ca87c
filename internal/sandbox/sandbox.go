// Package sandbox provides isolated code-execution environments that
// sandboxed code can use to call back into the host (model completions and
// nested recursive executions).
//
// Every backend implements the same Sandbox contract and translates its
// internal failures into the error taxonomy in errors.go, so callers stay
// backend-agnostic.
package sandbox

import (
	"context"
	"time"

	"github.com/jkaninda/rlm/internal/trace"
)

// Backend tags a Sandbox implementation.
type Backend string

const (
	BackendNative    Backend = "native"     // interpreter subprocess
	BackendInProcess Backend = "in-process" // embedded Starlark interpreter
	BackendDaemon    Backend = "daemon"     // proxy to a pooled daemon worker
)

// Backends lists every known backend tag.
func Backends() []Backend {
	return []Backend{BackendNative, BackendInProcess, BackendDaemon}
}

// Sandbox executes code with persistent state between calls.
//
// Lifecycle: Uninitialized → Ready → Executing → Ready. Cancelled and
// Destroyed are terminal. A sandbox runs at most one call at a time.
type Sandbox interface {
	// Initialize prepares the environment and exposes payload to code as
	// `context`. Calling it again on a Ready sandbox resets all globals.
	Initialize(ctx context.Context, payload string) error

	// Execute runs code. On timeout or cancellation the partial Result is
	// returned together with the error.
	Execute(ctx context.Context, code string) (*Result, error)

	// GetVariable returns the string form of a global. found is false when unset.
	GetVariable(ctx context.Context, name string) (value string, found bool, err error)

	// Cancel stops any in-flight call and moves the sandbox to Cancelled.
	// Idempotent; safe before Initialize.
	Cancel() error

	// Destroy releases all resources. Only the first call has an effect.
	Destroy() error

	Backend() Backend
	State() State
}

// Result captures the outcome of one Execute call.
type Result struct {
	Stdout    string
	Stderr    string
	Result    string // repr of a trailing expression, if any
	Duration  time.Duration
	Truncated bool
	Warning   string // set when output was truncated
}

// Bridges are the host callbacks available to sandboxed code.
// Either may be nil, in which case the corresponding call fails inside the sandbox.
type Bridges struct {
	// OnLLMQuery performs a single model completion.
	OnLLMQuery func(ctx context.Context, prompt string) (string, error)
	// OnRLMQuery runs a nested execution one level deeper.
	OnRLMQuery func(ctx context.Context, task, taskContext string) (*RLMResult, error)
}

// RLMResult is the outcome of a nested execution.
type RLMResult struct {
	Answer string
	Trace  *trace.ExecutionTrace
}

// Options is the construction contract shared by all backends.
//
// Timeout bounds the whole Execute call, including time spent suspended in
// llm_query and rlm_query. A nested rlm_query therefore runs inside its
// parent block's budget; raise Timeout when code recurses deeply.
type Options struct {
	Backend         Backend
	Timeout         time.Duration // per Execute call; 0 = DefaultTimeout
	MaxOutputLength int           // bytes per stream; 0 = DefaultMaxOutputLength
	InterpreterPath string        // native only; empty = detected python3
	WorkDir         string        // native only; parent of the per-sandbox temp dir
}

const (
	DefaultTimeout         = 30 * time.Second
	DefaultMaxOutputLength = 100_000
)

func (o Options) timeout() time.Duration {
	if o.Timeout <= 0 {
		return DefaultTimeout
	}
	return o.Timeout
}

func (o Options) maxOutput() int {
	if o.MaxOutputLength <= 0 {
		return DefaultMaxOutputLength
	}
	return o.MaxOutputLength
}
