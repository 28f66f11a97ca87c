package trace

import (
	"errors"
	"math"
	"sync"
	"testing"
	"time"
)

func iteration(promptTokens, respTokens int, cost float64, d time.Duration) Iteration {
	return Iteration{
		Prompt:   Prompt{Content: "p", Tokens: promptTokens},
		Response: ModelResponse{Content: "r", Tokens: respTokens, Cost: cost},
		Duration: d,
	}
}

func TestUsage_TwoDeepExecution(t *testing.T) {
	child := NewRecorder("sub task", 1)
	if _, err := child.AppendIteration(iteration(10, 5, 0.25, time.Second)); err != nil {
		t.Fatal(err)
	}
	if _, err := child.AppendIteration(iteration(20, 5, 0.50, time.Second)); err != nil {
		t.Fatal(err)
	}
	if err := child.SetFinal("42", SourceFinal); err != nil {
		t.Fatal(err)
	}

	parent := NewRecorder("root task", 0)
	if _, err := parent.AppendIteration(iteration(100, 50, 1.00, 2*time.Second)); err != nil {
		t.Fatal(err)
	}
	if err := parent.AttachSubcall(child.Snapshot()); err != nil {
		t.Fatal(err)
	}
	idx, err := parent.AppendIteration(iteration(200, 10, 2.00, 3*time.Second))
	if err != nil {
		t.Fatal(err)
	}
	if idx != 1 {
		t.Errorf("second iteration index = %d, want 1", idx)
	}
	_ = parent.SetFinal("done", SourceFinal)

	u := parent.Usage()
	wantCost := 1.00 + 2.00 + (0.25 + 0.50)
	if math.Abs(u.Cost-wantCost) > 1e-9 {
		t.Errorf("cost = %v, want %v", u.Cost, wantCost)
	}
	if u.MaxDepthReached != 1 {
		t.Errorf("maxDepthReached = %d, want 1", u.MaxDepthReached)
	}
	if u.InputTokens != 330 || u.OutputTokens != 70 || u.TotalTokens != 400 {
		t.Errorf("tokens = %d/%d/%d", u.InputTokens, u.OutputTokens, u.TotalTokens)
	}
	if u.Duration != 7*time.Second {
		t.Errorf("duration = %s", u.Duration)
	}
	if u.Iterations != 4 || u.Subcalls != 1 {
		t.Errorf("iterations = %d, subcalls = %d", u.Iterations, u.Subcalls)
	}

	snap := parent.Snapshot()
	if len(snap.Iterations[1].SubcallIDs) != 1 || snap.Iterations[1].SubcallIDs[0] != child.ID() {
		t.Errorf("subcall not linked to spawning iteration: %+v", snap.Iterations[1].SubcallIDs)
	}
}

func TestAttachSubcall_Invariants(t *testing.T) {
	parent := NewRecorder("root", 0)

	unresolved := NewRecorder("child", 1)
	if err := parent.AttachSubcall(unresolved.Snapshot()); !errors.Is(err, ErrSubcallUnresolved) {
		t.Errorf("expected ErrSubcallUnresolved, got %v", err)
	}

	tooDeep := NewRecorder("child", 2)
	_ = tooDeep.SetFinal("x", SourceFinal)
	if err := parent.AttachSubcall(tooDeep.Snapshot()); !errors.Is(err, ErrSubcallDepth) {
		t.Errorf("expected ErrSubcallDepth, got %v", err)
	}
}

func TestSetFinal_ExactlyOnce(t *testing.T) {
	r := NewRecorder("task", 0)
	if err := r.SetFinal("a", SourceFinal); err != nil {
		t.Fatal(err)
	}
	if err := r.SetFinal("b", SourceFinalVar); !errors.Is(err, ErrFinalAlreadySet) {
		t.Errorf("expected ErrFinalAlreadySet, got %v", err)
	}
	snap := r.Snapshot()
	if snap.FinalAnswer != "a" || snap.AnswerSource != SourceFinal {
		t.Errorf("final = %q/%q", snap.FinalAnswer, snap.AnswerSource)
	}
	if _, err := r.AppendIteration(Iteration{}); !errors.Is(err, ErrTraceClosed) {
		t.Errorf("expected ErrTraceClosed, got %v", err)
	}
}

func TestRecordQuery_CountedBeforeAndAfterAppend(t *testing.T) {
	r := NewRecorder("task", 0)
	r.RecordQuery(Query{Prompt: "q", InputTokens: 3, OutputTokens: 4, Cost: 0.1})

	if u := r.Usage(); math.Abs(u.Cost-0.1) > 1e-9 || u.TotalTokens != 7 {
		t.Errorf("pending query not visible mid-iteration: %+v", u)
	}

	_, _ = r.AppendIteration(iteration(1, 1, 0.2, 0))
	u := r.Usage()
	if math.Abs(u.Cost-0.3) > 1e-9 || u.TotalTokens != 9 {
		t.Errorf("usage after append: %+v", u)
	}
	if got := len(r.Snapshot().Iterations[0].Queries); got != 1 {
		t.Errorf("queries on iteration = %d", got)
	}
}

func TestRecorder_ConcurrentReadsDuringAppend(t *testing.T) {
	r := NewRecorder("task", 0)
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < 200; i++ {
			_, _ = r.AppendIteration(iteration(1, 1, 0.01, time.Millisecond))
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 200; i++ {
			u := r.Usage()
			if u.InputTokens != u.Iterations {
				t.Errorf("inconsistent usage read: %+v", u)
				return
			}
		}
	}()
	wg.Wait()

	snap := r.Snapshot()
	for i, it := range snap.Iterations {
		if it.Index != i {
			t.Fatalf("iteration %d has index %d", i, it.Index)
		}
	}
}

func TestSnapshotIsIndependent(t *testing.T) {
	r := NewRecorder("task", 0)
	_, _ = r.AppendIteration(iteration(1, 1, 0, 0))
	snap := r.Snapshot()
	snap.Iterations[0].Prompt.Content = "mutated"
	if r.Snapshot().Iterations[0].Prompt.Content == "mutated" {
		t.Error("snapshot shares memory with recorder")
	}
}
