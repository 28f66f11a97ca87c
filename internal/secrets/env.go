package secrets

import (
	"context"
	"os"
)

// EnvResolver reads env://NAME references.
type EnvResolver struct {
	lookup func(string) (string, bool)
}

func NewEnvResolver() *EnvResolver { return &EnvResolver{lookup: os.LookupEnv} }

func (r *EnvResolver) Scheme() string { return "env" }

func (r *EnvResolver) Resolve(_ context.Context, ref string) (string, error) {
	name, err := locator("env", ref)
	if err != nil {
		return "", err
	}
	v, ok := r.lookup(name)
	if !ok || v == "" {
		return "", &RefError{Ref: ref, Detail: "variable is unset or empty", Err: ErrSecretNotFound}
	}
	return v, nil
}
