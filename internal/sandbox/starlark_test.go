package sandbox

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

func newTestStarlark(t *testing.T, opts Options, b Bridges) *StarlarkSandbox {
	t.Helper()
	sb := NewStarlarkSandbox(opts, b, discardLogger())
	if err := sb.Initialize(context.Background(), "the context"); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	t.Cleanup(func() { _ = sb.Destroy() })
	return sb
}

func TestStarlark_PrintAndTrailingExpression(t *testing.T) {
	sb := newTestStarlark(t, Options{}, Bridges{})

	res, err := sb.Execute(context.Background(), "print('hello')\nx = 40\nx + 2")
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if res.Stdout != "hello\n" {
		t.Errorf("stdout = %q", res.Stdout)
	}
	if res.Result != "42" {
		t.Errorf("result = %q, want 42", res.Result)
	}
	if sb.State() != StateReady {
		t.Errorf("state = %s, want ready", sb.State())
	}
}

func TestStarlark_StatePersistsAcrossCalls(t *testing.T) {
	sb := newTestStarlark(t, Options{}, Bridges{})
	ctx := context.Background()

	if _, err := sb.Execute(ctx, "total = 1"); err != nil {
		t.Fatal(err)
	}
	if _, err := sb.Execute(ctx, "total = total + 1"); err != nil {
		t.Fatal(err)
	}
	v, found, err := sb.GetVariable(ctx, "total")
	if err != nil || !found || v != "2" {
		t.Errorf("total = %q, %v, %v", v, found, err)
	}

	v, found, _ = sb.GetVariable(ctx, "context")
	if !found || v != "the context" {
		t.Errorf("context = %q, %v", v, found)
	}
	if _, found, _ := sb.GetVariable(ctx, "missing"); found {
		t.Error("missing variable reported as found")
	}
}

func TestStarlark_ReinitializeResetsGlobals(t *testing.T) {
	sb := newTestStarlark(t, Options{}, Bridges{})
	ctx := context.Background()

	_, _ = sb.Execute(ctx, "leftover = 1")
	if err := sb.Initialize(ctx, "fresh"); err != nil {
		t.Fatalf("reinitialize: %v", err)
	}
	if _, found, _ := sb.GetVariable(ctx, "leftover"); found {
		t.Error("global survived reinitialize")
	}
	if v, _, _ := sb.GetVariable(ctx, "context"); v != "fresh" {
		t.Errorf("context = %q", v)
	}
}

func TestStarlark_ErrorsGoToStderr(t *testing.T) {
	sb := newTestStarlark(t, Options{}, Bridges{})

	res, err := sb.Execute(context.Background(), "print('before')\nfail('boom')")
	if err != nil {
		t.Fatalf("user errors must not fail the call: %v", err)
	}
	if res.Stdout != "before\n" {
		t.Errorf("stdout = %q", res.Stdout)
	}
	if !strings.Contains(res.Stderr, "boom") {
		t.Errorf("stderr = %q", res.Stderr)
	}

	res, err = sb.Execute(context.Background(), "def (:")
	if err != nil {
		t.Fatal(err)
	}
	if res.Stderr == "" {
		t.Error("syntax error not reported on stderr")
	}
	if sb.State() != StateReady {
		t.Errorf("state = %s", sb.State())
	}
}

func TestStarlark_Bridges(t *testing.T) {
	var llmCalls, rlmCalls atomic.Int32
	b := Bridges{
		OnLLMQuery: func(_ context.Context, prompt string) (string, error) {
			llmCalls.Add(1)
			return "echo:" + prompt, nil
		},
		OnRLMQuery: func(_ context.Context, task, taskContext string) (*RLMResult, error) {
			rlmCalls.Add(1)
			return &RLMResult{Answer: task + "|" + taskContext}, nil
		},
	}
	sb := newTestStarlark(t, Options{}, b)

	res, err := sb.Execute(context.Background(), `a = llm_query("hi")
b = rlm_query("sub", ctx="data")
a + " " + b`)
	if err != nil {
		t.Fatal(err)
	}
	if res.Result != `"echo:hi sub|data"` {
		t.Errorf("result = %s", res.Result)
	}
	if llmCalls.Load() != 1 || rlmCalls.Load() != 1 {
		t.Errorf("calls = %d/%d", llmCalls.Load(), rlmCalls.Load())
	}
}

func TestStarlark_BridgeErrorRaisedInSandbox(t *testing.T) {
	b := Bridges{
		OnLLMQuery: func(context.Context, string) (string, error) {
			return "", errors.New("provider down")
		},
	}
	sb := newTestStarlark(t, Options{}, b)

	res, err := sb.Execute(context.Background(), `llm_query("x")`)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(res.Stderr, "provider down") {
		t.Errorf("stderr = %q", res.Stderr)
	}

	res, _ = sb.Execute(context.Background(), `rlm_query("x")`)
	if !strings.Contains(res.Stderr, "no recursion bridge") {
		t.Errorf("stderr = %q", res.Stderr)
	}
}

func TestStarlark_TimeoutPreservesPartialOutput(t *testing.T) {
	sb := newTestStarlark(t, Options{Timeout: 50 * time.Millisecond}, Bridges{})

	start := time.Now()
	res, err := sb.Execute(context.Background(), "print('partial')\nwhile True:\n    pass")
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
	if time.Since(start) > 5*time.Second {
		t.Errorf("timeout took %s", time.Since(start))
	}
	if res == nil || res.Stdout != "partial\n" {
		t.Errorf("partial stdout lost: %+v", res)
	}
	if sb.State() != StateCancelled {
		t.Errorf("state = %s, want cancelled", sb.State())
	}
	if _, err := sb.Execute(context.Background(), "1"); !errors.Is(err, ErrCancelled) {
		t.Errorf("execute after timeout: %v", err)
	}
	if err := sb.Destroy(); err != nil {
		t.Errorf("destroy after timeout: %v", err)
	}
}

func TestStarlark_CancelStopsBlockedBridgeCall(t *testing.T) {
	entered := make(chan struct{})
	b := Bridges{
		OnLLMQuery: func(ctx context.Context, _ string) (string, error) {
			close(entered)
			<-ctx.Done()
			return "", ctx.Err()
		},
	}
	sb := newTestStarlark(t, Options{Timeout: time.Minute}, b)

	done := make(chan error, 1)
	go func() {
		_, err := sb.Execute(context.Background(), `llm_query("slow")`)
		done <- err
	}()

	<-entered
	if err := sb.Cancel(); err != nil {
		t.Fatal(err)
	}
	select {
	case err := <-done:
		if !errors.Is(err, ErrCancelled) {
			t.Errorf("expected ErrCancelled, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("cancel did not unblock execute")
	}
}

func TestStarlark_NestedQueryCountsAgainstTimeout(t *testing.T) {
	b := Bridges{
		OnRLMQuery: func(ctx context.Context, _, _ string) (*RLMResult, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		},
	}
	sb := newTestStarlark(t, Options{Timeout: 50 * time.Millisecond}, b)

	res, err := sb.Execute(context.Background(), "print('before')\nrlm_query('deep task')")
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
	if res == nil || res.Stdout != "before\n" {
		t.Errorf("stdout = %+v", res)
	}
}

func TestStarlark_SleepIsInterruptible(t *testing.T) {
	sb := newTestStarlark(t, Options{Timeout: 30 * time.Millisecond}, Bridges{})
	start := time.Now()
	_, err := sb.Execute(context.Background(), "sleep(10000)")
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
	if time.Since(start) > 5*time.Second {
		t.Errorf("sleep not interrupted: %s", time.Since(start))
	}
}

func TestStarlark_OutputTruncated(t *testing.T) {
	sb := newTestStarlark(t, Options{MaxOutputLength: 10}, Bridges{})
	res, err := sb.Execute(context.Background(), "for i in range(100):\n    print('line')")
	if err != nil {
		t.Fatalf("truncation must not be fatal: %v", err)
	}
	if len(res.Stdout) != 10 {
		t.Errorf("stdout length = %d, want 10", len(res.Stdout))
	}
	if !res.Truncated || res.Warning == "" {
		t.Errorf("missing truncation warning: %+v", res)
	}
}

func TestStarlark_ConcurrentExecuteIsBusy(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	b := Bridges{
		OnLLMQuery: func(context.Context, string) (string, error) {
			close(entered)
			<-release
			return "", nil
		},
	}
	sb := newTestStarlark(t, Options{}, b)

	done := make(chan struct{})
	go func() {
		_, _ = sb.Execute(context.Background(), `llm_query("x")`)
		close(done)
	}()
	<-entered
	if _, err := sb.Execute(context.Background(), "1"); !errors.Is(err, ErrBusy) {
		t.Errorf("expected ErrBusy, got %v", err)
	}
	close(release)
	<-done
}
