// Package trace records the structure of one recursive execution: its
// iterations, the code each iteration ran, and the nested executions
// (subcalls) spawned from sandboxed code, with cost accounting over the tree.
package trace

import (
	"time"

	"github.com/google/uuid"
)

// AnswerSource tags how a trace's final answer was obtained.
type AnswerSource string

const (
	SourceFinal         AnswerSource = "final"          // FINAL(...) in a model response
	SourceFinalVar      AnswerSource = "final_var"      // FINAL_VAR(name) read from the sandbox
	SourceMaxIterations AnswerSource = "max_iterations" // iteration budget exhausted
	SourceError         AnswerSource = "error"          // execution aborted
)

// ExecutionTrace is the full record of one execution.
type ExecutionTrace struct {
	ID           uuid.UUID         `json:"id" yaml:"id"`
	Depth        int               `json:"depth" yaml:"depth"`
	Task         string            `json:"task" yaml:"task"`
	Iterations   []Iteration       `json:"iterations" yaml:"iterations"`
	Subcalls     []*ExecutionTrace `json:"subcalls,omitempty" yaml:"subcalls,omitempty"`
	FinalAnswer  string            `json:"final_answer" yaml:"final_answer"`
	AnswerSource AnswerSource      `json:"answer_source" yaml:"answer_source"`
	StartedAt    time.Time         `json:"started_at" yaml:"started_at"`
	FinishedAt   time.Time         `json:"finished_at,omitempty" yaml:"finished_at,omitempty"`
}

// Resolved reports whether the final answer has been set.
func (t *ExecutionTrace) Resolved() bool {
	return t.AnswerSource != ""
}

// Iteration is one reason → execute round.
type Iteration struct {
	Index          int             `json:"index" yaml:"index"`
	Prompt         Prompt          `json:"prompt" yaml:"prompt"`
	Response       ModelResponse   `json:"response" yaml:"response"`
	CodeExecutions []CodeExecution `json:"code_executions,omitempty" yaml:"code_executions,omitempty"`
	Queries        []Query         `json:"queries,omitempty" yaml:"queries,omitempty"`
	SubcallIDs     []uuid.UUID     `json:"subcall_ids,omitempty" yaml:"subcall_ids,omitempty"`
	Duration       time.Duration   `json:"duration" yaml:"duration"`
}

// Prompt is what was sent to the model.
type Prompt struct {
	Content string `json:"content" yaml:"content"`
	Tokens  int    `json:"tokens" yaml:"tokens"`
}

// ModelResponse is what the model returned.
type ModelResponse struct {
	Content string  `json:"content" yaml:"content"`
	Tokens  int     `json:"tokens" yaml:"tokens"`
	Cost    float64 `json:"cost" yaml:"cost"`
}

// CodeExecution is one block of code run in the sandbox.
type CodeExecution struct {
	Code     string        `json:"code" yaml:"code"`
	Stdout   string        `json:"stdout" yaml:"stdout"`
	Stderr   string        `json:"stderr" yaml:"stderr"`
	Result   string        `json:"result,omitempty" yaml:"result,omitempty"`
	Error    string        `json:"error,omitempty" yaml:"error,omitempty"`
	Duration time.Duration `json:"duration" yaml:"duration"`
}

// Query is a model completion requested from sandboxed code via llm_query.
type Query struct {
	Prompt       string        `json:"prompt" yaml:"prompt"`
	Response     string        `json:"response" yaml:"response"`
	InputTokens  int           `json:"input_tokens" yaml:"input_tokens"`
	OutputTokens int           `json:"output_tokens" yaml:"output_tokens"`
	Cost         float64       `json:"cost" yaml:"cost"`
	Duration     time.Duration `json:"duration" yaml:"duration"`
}

// Cost returns the model cost of this iteration alone, excluding subcalls.
func (it *Iteration) Cost() float64 {
	c := it.Response.Cost
	for _, q := range it.Queries {
		c += q.Cost
	}
	return c
}

// Usage is the accumulated accounting over a trace and all its descendants.
type Usage struct {
	Cost            float64       `json:"cost" yaml:"cost"`
	TotalTokens     int           `json:"total_tokens" yaml:"total_tokens"`
	InputTokens     int           `json:"input_tokens" yaml:"input_tokens"`
	OutputTokens    int           `json:"output_tokens" yaml:"output_tokens"`
	Duration        time.Duration `json:"duration" yaml:"duration"`
	Iterations      int           `json:"iterations" yaml:"iterations"`
	Subcalls        int           `json:"subcalls" yaml:"subcalls"`
	MaxDepthReached int           `json:"max_depth_reached" yaml:"max_depth_reached"`
}

// ComputeUsage sums cost, tokens and duration and takes the max depth over
// t and every descendant.
func ComputeUsage(t *ExecutionTrace) Usage {
	var u Usage
	accumulate(t, &u)
	u.TotalTokens = u.InputTokens + u.OutputTokens
	return u
}

func accumulate(t *ExecutionTrace, u *Usage) {
	if t == nil {
		return
	}
	if t.Depth > u.MaxDepthReached {
		u.MaxDepthReached = t.Depth
	}
	for i := range t.Iterations {
		it := &t.Iterations[i]
		u.Cost += it.Cost()
		u.InputTokens += it.Prompt.Tokens
		u.OutputTokens += it.Response.Tokens
		for _, q := range it.Queries {
			u.InputTokens += q.InputTokens
			u.OutputTokens += q.OutputTokens
		}
		u.Duration += it.Duration
		u.Iterations++
	}
	for _, child := range t.Subcalls {
		u.Subcalls++
		accumulate(child, u)
	}
}

// Clone returns a deep copy of t.
func (t *ExecutionTrace) Clone() *ExecutionTrace {
	if t == nil {
		return nil
	}
	c := *t
	c.Iterations = make([]Iteration, len(t.Iterations))
	for i, it := range t.Iterations {
		it.CodeExecutions = append([]CodeExecution(nil), it.CodeExecutions...)
		it.Queries = append([]Query(nil), it.Queries...)
		it.SubcallIDs = append([]uuid.UUID(nil), it.SubcallIDs...)
		c.Iterations[i] = it
	}
	if t.Subcalls != nil {
		c.Subcalls = make([]*ExecutionTrace, len(t.Subcalls))
		for i, child := range t.Subcalls {
			c.Subcalls[i] = child.Clone()
		}
	}
	return &c
}
