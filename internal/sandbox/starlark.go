package sandbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.starlark.net/starlark"
	"go.starlark.net/syntax"
)

const threadContextKey = "rlm.context"

var starlarkFileOptions = &syntax.FileOptions{
	Set:             true,
	While:           true,
	TopLevelControl: true,
	GlobalReassign:  true,
	Recursion:       true,
}

// StarlarkSandbox runs code in an embedded Starlark interpreter.
//
// The interpreter cannot be preempted: Cancel and timeouts set the thread's
// cancellation flag, which is checked between statements and on every call.
// Bridge calls and sleep block on the call context and return immediately
// when it ends.
type StarlarkSandbox struct {
	lifecycle

	opts    Options
	bridges Bridges
	logger  *slog.Logger

	// globals is only touched by the call holding the Executing state.
	globals starlark.StringDict
}

// NewStarlarkSandbox creates an in-process sandbox. Initialize must be called
// before Execute.
func NewStarlarkSandbox(opts Options, bridges Bridges, logger *slog.Logger) *StarlarkSandbox {
	opts.Backend = BackendInProcess
	return &StarlarkSandbox{opts: opts, bridges: bridges, logger: logger}
}

func (s *StarlarkSandbox) Backend() Backend { return BackendInProcess }

func (s *StarlarkSandbox) Initialize(_ context.Context, payload string) error {
	first, done, err := s.beginInit()
	if err != nil {
		return err
	}
	s.globals = s.builtins()
	s.globals["context"] = starlark.String(payload)
	done(true)

	s.logger.Debug("sandbox initialized",
		slog.String("backend", string(BackendInProcess)),
		slog.Bool("reset", !first),
		slog.Int("context_len", len(payload)),
	)
	return nil
}

type starlarkOutcome struct {
	value starlark.Value
	err   error
}

func (s *StarlarkSandbox) Execute(ctx context.Context, code string) (*Result, error) {
	callCtx, release, err := s.begin(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	timeout := s.opts.timeout()
	runCtx, cancel := context.WithTimeout(callCtx, timeout)
	defer cancel()

	limit := s.opts.maxOutput()
	stdout := newCappedBuffer(limit)
	stderr := newCappedBuffer(limit)

	thread := &starlark.Thread{
		Name: "sandbox",
		Print: func(_ *starlark.Thread, msg string) {
			stdout.WriteString(msg + "\n")
		},
	}
	thread.SetLocal(threadContextKey, runCtx)

	start := time.Now()
	done := make(chan starlarkOutcome, 1)
	go func() {
		v, err := s.run(thread, code)
		done <- starlarkOutcome{value: v, err: err}
	}()

	var out starlarkOutcome
	aborted := false
	select {
	case out = <-done:
		aborted = runCtx.Err() != nil
	case <-runCtx.Done():
		thread.Cancel("execution stopped")
		out = <-done
		aborted = true
	}

	res := &Result{Duration: time.Since(start)}
	if out.err != nil && !aborted {
		stderr.WriteString(formatStarlarkError(out.err))
	}
	if out.value != nil && out.value != starlark.None {
		res.Result = out.value.String()
	}
	res.Stdout = stdout.String()
	res.Stderr = stderr.String()
	markTruncated(res, stdout.Dropped()+stderr.Dropped(), limit)

	if aborted {
		return res, s.abort(ctx, timeout)
	}
	return res, nil
}

// run parses and executes code against the persistent globals. A trailing
// expression statement is evaluated separately so its value can be reported.
func (s *StarlarkSandbox) run(thread *starlark.Thread, code string) (starlark.Value, error) {
	f, err := starlarkFileOptions.Parse("<sandbox>", code, 0)
	if err != nil {
		return nil, err
	}

	var tail syntax.Expr
	if n := len(f.Stmts); n > 0 {
		if es, ok := f.Stmts[n-1].(*syntax.ExprStmt); ok {
			tail = es.X
			f.Stmts = f.Stmts[:n-1]
		}
	}

	if len(f.Stmts) > 0 {
		if err := starlark.ExecREPLChunk(f, thread, s.globals); err != nil {
			return nil, err
		}
	}
	if tail == nil {
		return nil, nil
	}
	return starlark.EvalExprOptions(starlarkFileOptions, thread, tail, s.globals)
}

func formatStarlarkError(err error) string {
	var evalErr *starlark.EvalError
	if errors.As(err, &evalErr) {
		return evalErr.Backtrace() + "\n"
	}
	return err.Error() + "\n"
}

func (s *StarlarkSandbox) GetVariable(ctx context.Context, name string) (string, bool, error) {
	_, release, err := s.begin(ctx)
	if err != nil {
		return "", false, err
	}
	defer release()

	v, ok := s.globals[name]
	if !ok {
		return "", false, nil
	}
	if str, ok := v.(starlark.String); ok {
		return string(str), true, nil
	}
	return v.String(), true, nil
}

func (s *StarlarkSandbox) Cancel() error {
	if wasRunning, changed := s.cancel(nil); changed {
		s.logger.Debug("sandbox cancelled",
			slog.String("backend", string(BackendInProcess)),
			slog.Bool("in_flight", wasRunning),
		)
	}
	return nil
}

func (s *StarlarkSandbox) Destroy() error {
	if !s.destroy() {
		return nil
	}
	s.logger.Debug("sandbox destroyed", slog.String("backend", string(BackendInProcess)))
	return nil
}

// builtins returns a fresh globals dict holding the host callbacks.
func (s *StarlarkSandbox) builtins() starlark.StringDict {
	return starlark.StringDict{
		"llm_query": starlark.NewBuiltin("llm_query", s.llmQuery),
		"rlm_query": starlark.NewBuiltin("rlm_query", s.rlmQuery),
		"sleep":     starlark.NewBuiltin("sleep", sleepBuiltin),
	}
}

func threadContext(thread *starlark.Thread) context.Context {
	if ctx, ok := thread.Local(threadContextKey).(context.Context); ok {
		return ctx
	}
	return context.Background()
}

func (s *StarlarkSandbox) llmQuery(thread *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var prompt string
	if err := starlark.UnpackArgs(fn.Name(), args, kwargs, "prompt", &prompt); err != nil {
		return nil, err
	}
	if s.bridges.OnLLMQuery == nil {
		return nil, fmt.Errorf("%s: no model bridge configured", fn.Name())
	}
	text, err := s.bridges.OnLLMQuery(threadContext(thread), prompt)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", fn.Name(), err)
	}
	return starlark.String(text), nil
}

func (s *StarlarkSandbox) rlmQuery(thread *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var task, taskContext string
	if err := starlark.UnpackArgs(fn.Name(), args, kwargs, "task", &task, "ctx?", &taskContext); err != nil {
		return nil, err
	}
	if s.bridges.OnRLMQuery == nil {
		return nil, fmt.Errorf("%s: no recursion bridge configured", fn.Name())
	}
	res, err := s.bridges.OnRLMQuery(threadContext(thread), task, taskContext)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", fn.Name(), err)
	}
	return starlark.String(res.Answer), nil
}

// sleepBuiltin pauses for the given number of milliseconds, returning early
// with an error when the call is stopped.
func sleepBuiltin(thread *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var ms int
	if err := starlark.UnpackArgs(fn.Name(), args, kwargs, "ms", &ms); err != nil {
		return nil, err
	}
	if ms <= 0 {
		return starlark.None, nil
	}
	timer := time.NewTimer(time.Duration(ms) * time.Millisecond)
	defer timer.Stop()
	select {
	case <-timer.C:
		return starlark.None, nil
	case <-threadContext(thread).Done():
		return nil, fmt.Errorf("%s: interrupted", fn.Name())
	}
}
