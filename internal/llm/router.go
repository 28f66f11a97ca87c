package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
)

// ErrUnknownProvider matches any UnknownProviderError via errors.Is.
var ErrUnknownProvider = errors.New("unknown provider")

// UnknownProviderError is returned when dispatching to an unregistered provider.
type UnknownProviderError struct {
	Provider string
}

func (e *UnknownProviderError) Error() string {
	return fmt.Sprintf("unknown provider %q", e.Provider)
}

func (e *UnknownProviderError) Is(target error) bool { return target == ErrUnknownProvider }

// Limiter gates calls per provider. *ratelimit.Limiter satisfies it.
type Limiter interface {
	Acquire(ctx context.Context, provider string) error
}

// Router maps provider identifiers to adapters. The registry is owned by the
// router; there is no package-level state.
type Router struct {
	mu        sync.RWMutex
	providers map[string]Provider
	limiter   Limiter
	logger    *slog.Logger
}

// NewRouter creates an empty router. limiter may be nil (no rate limiting).
func NewRouter(limiter Limiter, logger *slog.Logger) *Router {
	return &Router{
		providers: make(map[string]Provider),
		limiter:   limiter,
		logger:    logger,
	}
}

// Register adds p under p.Name(), replacing any previous adapter of that name.
func (r *Router) Register(p Provider) {
	r.RegisterAs(p.Name(), p)
}

// RegisterAs adds p under an explicit identifier.
func (r *Router) RegisterAs(name string, p Provider) {
	r.mu.Lock()
	r.providers[name] = p
	r.mu.Unlock()
}

// Lookup returns the adapter registered under name.
func (r *Router) Lookup(name string) (Provider, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[name]
	return p, ok
}

// Providers returns the registered identifiers in sorted order.
func (r *Router) Providers() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.providers))
	for name := range r.providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Complete dispatches req to the named provider after acquiring a rate-limit
// token. An unregistered provider fails before any limiter or network work.
func (r *Router) Complete(ctx context.Context, provider string, req *Request) (*Response, error) {
	p, ok := r.Lookup(provider)
	if !ok {
		return nil, &UnknownProviderError{Provider: provider}
	}

	if r.limiter != nil {
		if err := r.limiter.Acquire(ctx, provider); err != nil {
			return nil, fmt.Errorf("waiting for %s rate limit: %w", provider, err)
		}
	}

	resp, err := p.Complete(ctx, req)
	if err != nil {
		r.logger.WarnContext(ctx, "llm completion failed",
			slog.String("provider", provider),
			slog.String("error", err.Error()),
		)
		return nil, fmt.Errorf("%s completion: %w", provider, err)
	}
	return resp, nil
}
