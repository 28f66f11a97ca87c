package trace

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrFinalAlreadySet is returned when SetFinal is called twice.
	ErrFinalAlreadySet = errors.New("final answer already set")
	// ErrSubcallUnresolved is returned when attaching a child without a final answer.
	ErrSubcallUnresolved = errors.New("subcall trace is not resolved")
	// ErrSubcallDepth is returned when a child's depth is not parent depth + 1.
	ErrSubcallDepth = errors.New("subcall depth must be parent depth + 1")
	// ErrTraceClosed is returned when appending to a trace whose answer is set.
	ErrTraceClosed = errors.New("trace already has a final answer")
)

// Recorder is an append-only builder for one ExecutionTrace.
// Safe for concurrent use: Usage and Snapshot may be called at any time,
// including while another goroutine is appending.
type Recorder struct {
	mu    sync.RWMutex
	trace ExecutionTrace

	// Queries and subcalls recorded while the current iteration's code runs;
	// they move into that iteration when it is appended.
	pendingQueries  []Query
	pendingSubcalls []uuid.UUID

	now func() time.Time
}

// NewRecorder starts a trace for task at depth.
func NewRecorder(task string, depth int) *Recorder {
	r := &Recorder{now: time.Now}
	r.trace = ExecutionTrace{
		ID:        uuid.New(),
		Depth:     depth,
		Task:      task,
		StartedAt: r.now(),
	}
	return r
}

// ID returns the trace id.
func (r *Recorder) ID() uuid.UUID { return r.trace.ID }

// Depth returns the trace depth.
func (r *Recorder) Depth() int { return r.trace.Depth }

// RecordQuery notes a bridge completion made by the iteration currently executing.
func (r *Recorder) RecordQuery(q Query) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pendingQueries = append(r.pendingQueries, q)
}

// AttachSubcall adds a finished child trace. The child must be resolved and
// exactly one level deeper; it is copied, so later changes do not leak in.
func (r *Recorder) AttachSubcall(child *ExecutionTrace) error {
	if child == nil {
		return fmt.Errorf("attaching subcall: nil trace")
	}
	if !child.Resolved() {
		return ErrSubcallUnresolved
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if child.Depth != r.trace.Depth+1 {
		return fmt.Errorf("%w: parent %d, child %d", ErrSubcallDepth, r.trace.Depth, child.Depth)
	}
	r.trace.Subcalls = append(r.trace.Subcalls, child.Clone())
	r.pendingSubcalls = append(r.pendingSubcalls, child.ID)
	return nil
}

// AppendIteration records a completed iteration, assigning the next index and
// absorbing queries and subcalls recorded since the previous append.
func (r *Recorder) AppendIteration(it Iteration) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.trace.Resolved() {
		return 0, ErrTraceClosed
	}
	it.Index = len(r.trace.Iterations)
	it.Queries = append(it.Queries, r.pendingQueries...)
	it.SubcallIDs = append(it.SubcallIDs, r.pendingSubcalls...)
	r.pendingQueries = nil
	r.pendingSubcalls = nil
	r.trace.Iterations = append(r.trace.Iterations, it)
	return it.Index, nil
}

// IterationCount returns the number of appended iterations.
func (r *Recorder) IterationCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.trace.Iterations)
}

// SetFinal records the final answer and its source. Only the first call wins.
func (r *Recorder) SetFinal(answer string, source AnswerSource) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.trace.Resolved() {
		return ErrFinalAlreadySet
	}
	r.trace.FinalAnswer = answer
	r.trace.AnswerSource = source
	r.trace.FinishedAt = r.now()
	return nil
}

// Usage returns a consistent accounting of everything recorded so far.
func (r *Recorder) Usage() Usage {
	r.mu.RLock()
	defer r.mu.RUnlock()
	u := ComputeUsage(&r.trace)
	for _, q := range r.pendingQueries {
		u.Cost += q.Cost
		u.InputTokens += q.InputTokens
		u.OutputTokens += q.OutputTokens
		u.TotalTokens += q.InputTokens + q.OutputTokens
	}
	return u
}

// Snapshot returns a deep copy of the trace as recorded so far.
func (r *Recorder) Snapshot() *ExecutionTrace {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.trace.Clone()
}
