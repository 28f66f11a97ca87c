// Package llm defines the provider-agnostic completion contract, the router
// every model call passes through, and per-model pricing.
package llm

import "context"

// Provider is the abstraction over one model vendor (Anthropic, OpenAI, etc.).
// Adding a vendor means adding a Provider implementation and registering it
// with a Router.
type Provider interface {
	// Complete sends a single prompt and returns the completion with cost.
	Complete(ctx context.Context, req *Request) (*Response, error)
	// Name returns the provider identifier (e.g. "anthropic").
	Name() string
}

// Request is a single-turn completion request.
type Request struct {
	Model        string // Empty = the adapter's configured model.
	SystemPrompt string
	UserPrompt   string
	MaxTokens    int // 0 = adapter default.
}

// Response is what the provider returns.
type Response struct {
	Content    string
	Model      string // Model that served the request.
	Usage      Usage
	Cost       float64 // USD, from the pricing table.
	StopReason string  // "end_turn", "max_tokens", ...
}

// Usage tracks token consumption for cost accounting.
type Usage struct {
	InputTokens  int
	OutputTokens int
}

// Total returns input + output tokens.
func (u Usage) Total() int {
	return u.InputTokens + u.OutputTokens
}

// ModelFor returns req.Model, falling back to def.
func ModelFor(req *Request, def string) string {
	if req != nil && req.Model != "" {
		return req.Model
	}
	return def
}
