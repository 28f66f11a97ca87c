package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
)

// FallbackName is the identifier the fallback chain is registered under.
const FallbackName = "fallback"

// Completer dispatches a request to a named provider. *Router satisfies it.
type Completer interface {
	Complete(ctx context.Context, provider string, req *Request) (*Response, error)
}

// FallbackProvider is a composite provider registered on a Router. Each hop
// re-dispatches through that router by provider name, so every attempt is
// rate limited and counted exactly like a direct call.
type FallbackProvider struct {
	name   string
	chain  []string
	router Completer
	logger *slog.Logger
}

// NewFallbackProvider builds a chain over provider names. The chain must be
// non-empty and must not contain name itself.
func NewFallbackProvider(name string, router Completer, chain []string, logger *slog.Logger) (*FallbackProvider, error) {
	if len(chain) == 0 {
		return nil, errors.New("fallback chain is empty")
	}
	for _, p := range chain {
		if p == name {
			return nil, fmt.Errorf("fallback chain %q contains itself", name)
		}
	}
	return &FallbackProvider{name: name, chain: chain, router: router, logger: logger}, nil
}

func (f *FallbackProvider) Name() string { return f.name }

// Chain returns the provider names in the order they are tried.
func (f *FallbackProvider) Chain() []string { return append([]string(nil), f.chain...) }

// Complete tries each provider in order. Model ids belong to one vendor, so
// req.Model only applies to the first hop; later hops use their adapter's
// configured model. A cancelled ctx stops the chain.
func (f *FallbackProvider) Complete(ctx context.Context, req *Request) (*Response, error) {
	var errs []error
	for i, provider := range f.chain {
		hop := req
		if i > 0 && req.Model != "" {
			r := *req
			r.Model = ""
			hop = &r
		}
		resp, err := f.router.Complete(ctx, provider, hop)
		if err == nil {
			if i > 0 {
				f.logger.InfoContext(ctx, "fallback provider served request",
					slog.String("provider", provider),
					slog.Int("attempt", i+1),
				)
			}
			return resp, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		errs = append(errs, err)
		if errors.Is(err, ErrUnknownProvider) {
			continue
		}
		f.logger.WarnContext(ctx, "provider failed, trying next",
			slog.String("provider", provider),
			slog.String("error", err.Error()),
			slog.Int("remaining", len(f.chain)-i-1),
		)
	}
	return nil, &FallbackError{Chain: f.chain, Errs: errs}
}

// FallbackError reports every hop's failure. errors.Is and errors.As see
// each of them.
type FallbackError struct {
	Chain []string
	Errs  []error
}

func (e *FallbackError) Error() string {
	msgs := make([]string, len(e.Errs))
	for i, err := range e.Errs {
		msgs[i] = err.Error()
	}
	return fmt.Sprintf("all %d providers in fallback chain failed: %s", len(e.Chain), strings.Join(msgs, "; "))
}

func (e *FallbackError) Unwrap() []error { return e.Errs }
