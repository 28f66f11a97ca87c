package secrets

import (
	"context"
	"strings"
)

// Mux dispatches references to the resolver registered for their scheme.
type Mux struct {
	resolvers map[string]Resolver
}

// NewMux registers resolvers by scheme. Later registrations win.
func NewMux(resolvers ...Resolver) *Mux {
	m := &Mux{resolvers: make(map[string]Resolver, len(resolvers))}
	for _, r := range resolvers {
		m.resolvers[r.Scheme()] = r
	}
	return m
}

// Resolve returns literal values unchanged and resolves references.
func (m *Mux) Resolve(ctx context.Context, value string) (string, error) {
	if !IsReference(value) {
		return value, nil
	}
	scheme, _, _ := strings.Cut(value, "://")
	r, ok := m.resolvers[scheme]
	if !ok {
		return "", &RefError{Ref: value, Detail: "no " + scheme + " resolver configured", Err: ErrUnsupportedScheme}
	}
	return r.Resolve(ctx, value)
}

// ResolveInPlace replaces each non-empty value with its resolution. It stops
// at the first failure, leaving later values untouched.
func (m *Mux) ResolveInPlace(ctx context.Context, values ...*string) error {
	for _, v := range values {
		if v == nil || *v == "" {
			continue
		}
		resolved, err := m.Resolve(ctx, *v)
		if err != nil {
			return err
		}
		*v = resolved
	}
	return nil
}
