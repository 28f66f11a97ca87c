package bridge

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jkaninda/rlm/internal/llm"
	"github.com/jkaninda/rlm/internal/sandbox"
	"github.com/jkaninda/rlm/internal/trace"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeRouter struct {
	calls    atomic.Int32
	inflight atomic.Int32
	maxSeen  atomic.Int32
	delay    time.Duration
}

func (f *fakeRouter) Complete(_ context.Context, provider string, req *llm.Request) (*llm.Response, error) {
	f.calls.Add(1)
	n := f.inflight.Add(1)
	defer f.inflight.Add(-1)
	for {
		m := f.maxSeen.Load()
		if n <= m || f.maxSeen.CompareAndSwap(m, n) {
			break
		}
	}
	time.Sleep(f.delay)
	return &llm.Response{
		Content: provider + ":" + req.UserPrompt,
		Usage:   llm.Usage{InputTokens: 10, OutputTokens: 5},
		Cost:    0.5,
	}, nil
}

func TestLLMQuery_RecordsQuery(t *testing.T) {
	router := &fakeRouter{}
	rec := trace.NewRecorder("task", 0)
	h := NewHost(Config{Provider: "anthropic", MaxDepth: 2}, router, nil, rec, discardLogger())

	got, err := h.LLMQuery(context.Background(), "hello")
	if err != nil {
		t.Fatal(err)
	}
	if got != "anthropic:hello" {
		t.Errorf("response = %q", got)
	}
	u := rec.Usage()
	if u.Cost != 0.5 || u.InputTokens != 10 || u.OutputTokens != 5 {
		t.Errorf("usage = %+v", u)
	}
}

func TestRLMQuery_DepthExceededMakesNoModelCall(t *testing.T) {
	router := &fakeRouter{}
	var recursed atomic.Int32
	rec := RecurserFunc(func(context.Context, string, string, int) (*sandbox.RLMResult, error) {
		recursed.Add(1)
		return &sandbox.RLMResult{}, nil
	})
	h := NewHost(Config{Depth: 2, MaxDepth: 2}, router, rec, nil, discardLogger())

	_, err := h.RLMQuery(context.Background(), "deeper", "")
	if !errors.Is(err, ErrDepthExceeded) {
		t.Fatalf("expected ErrDepthExceeded, got %v", err)
	}
	var de *DepthError
	if !errors.As(err, &de) || de.Depth != 3 || de.MaxDepth != 2 {
		t.Errorf("depth error = %+v", de)
	}
	if router.calls.Load() != 0 || recursed.Load() != 0 {
		t.Errorf("work performed despite depth limit: router %d, recurse %d", router.calls.Load(), recursed.Load())
	}
}

func TestRLMQuery_AttachesChildTrace(t *testing.T) {
	parent := trace.NewRecorder("root", 0)
	rec := RecurserFunc(func(_ context.Context, task, taskContext string, depth int) (*sandbox.RLMResult, error) {
		child := trace.NewRecorder(task, depth)
		_, _ = child.AppendIteration(trace.Iteration{Response: trace.ModelResponse{Cost: 1.25}})
		_ = child.SetFinal("child answer", trace.SourceFinal)
		return &sandbox.RLMResult{Answer: "child answer", Trace: child.Snapshot()}, nil
	})
	h := NewHost(Config{Depth: 0, MaxDepth: 1}, &fakeRouter{}, rec, parent, discardLogger())

	res, err := h.RLMQuery(context.Background(), "sub", "ctx")
	if err != nil {
		t.Fatal(err)
	}
	if res.Answer != "child answer" {
		t.Errorf("answer = %q", res.Answer)
	}
	u := parent.Usage()
	if u.Subcalls != 1 || u.MaxDepthReached != 1 || u.Cost != 1.25 {
		t.Errorf("usage = %+v", u)
	}
}

func TestRLMQuery_FailedChildStillAttached(t *testing.T) {
	parent := trace.NewRecorder("root", 0)
	boom := errors.New("provider down")
	rec := RecurserFunc(func(_ context.Context, task, _ string, depth int) (*sandbox.RLMResult, error) {
		child := trace.NewRecorder(task, depth)
		_, _ = child.AppendIteration(trace.Iteration{Response: trace.ModelResponse{Cost: 0.5}})
		_ = child.SetFinal("", trace.SourceError)
		return &sandbox.RLMResult{Trace: child.Snapshot()}, boom
	})
	h := NewHost(Config{Depth: 0, MaxDepth: 1}, &fakeRouter{}, rec, parent, discardLogger())

	if _, err := h.RLMQuery(context.Background(), "sub", ""); !errors.Is(err, boom) {
		t.Fatalf("expected wrapped child error, got %v", err)
	}
	u := parent.Usage()
	if u.Subcalls != 1 || u.Cost != 0.5 {
		t.Errorf("usage = %+v", u)
	}
}

func TestHost_SerializesCalls(t *testing.T) {
	router := &fakeRouter{delay: 5 * time.Millisecond}
	h := NewHost(Config{MaxDepth: 1}, router, nil, nil, discardLogger())

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = h.LLMQuery(context.Background(), "p")
		}()
	}
	wg.Wait()
	if router.maxSeen.Load() != 1 {
		t.Errorf("bridge calls overlapped: %d in flight", router.maxSeen.Load())
	}
}

// barrierRouter completes only once two calls are in flight together.
type barrierRouter struct {
	n    atomic.Int32
	both chan struct{}
}

func (b *barrierRouter) Complete(ctx context.Context, _ string, _ *llm.Request) (*llm.Response, error) {
	if b.n.Add(1) == 2 {
		close(b.both)
	}
	select {
	case <-b.both:
		return &llm.Response{Content: "ok"}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(2 * time.Second):
		return nil, errors.New("peer call never arrived")
	}
}

func TestHosts_RunConcurrently(t *testing.T) {
	router := &barrierRouter{both: make(chan struct{})}
	a := NewHost(Config{MaxDepth: 1}, router, nil, nil, discardLogger())
	b := NewHost(Config{MaxDepth: 1}, router, nil, nil, discardLogger())

	errs := make(chan error, 2)
	go func() { _, err := a.LLMQuery(context.Background(), "a"); errs <- err }()
	go func() { _, err := b.LLMQuery(context.Background(), "b"); errs <- err }()
	for i := 0; i < 2; i++ {
		if err := <-errs; err != nil {
			t.Errorf("distinct hosts were serialized: %v", err)
		}
	}
}

func TestBridges_WiredIntoStarlarkSandbox(t *testing.T) {
	rec := trace.NewRecorder("task", 0)
	h := NewHost(Config{Provider: "p", MaxDepth: 0}, &fakeRouter{}, nil, rec, discardLogger())
	sb, err := sandbox.New(sandbox.Options{Backend: sandbox.BackendInProcess}, h.Bridges(), discardLogger())
	if err != nil {
		t.Fatal(err)
	}
	defer sb.Destroy()
	if err := sb.Initialize(context.Background(), ""); err != nil {
		t.Fatal(err)
	}

	res, err := sb.Execute(context.Background(), `a = llm_query("x")
rlm_query("too deep")`)
	if err != nil {
		t.Fatal(err)
	}
	if res.Stderr == "" {
		t.Error("depth error not raised inside the sandbox")
	}
	if v, _, _ := sb.GetVariable(context.Background(), "a"); v != "p:x" {
		t.Errorf("a = %q", v)
	}
}
