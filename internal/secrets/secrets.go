// Package secrets resolves credential references used in place of literal
// API keys in the config file. A reference has the form scheme://locator:
//
//	env://ANTHROPIC_KEY               environment variable
//	file:///run/secrets/openai_key    file contents, surrounding whitespace trimmed
//	vault://secret/data/rlm#gemini    HashiCorp Vault KV v2 field
//
// Values without a known scheme are literal keys and pass through unchanged.
// Resolved values are never logged.
package secrets

import (
	"context"
	"errors"
	"strings"
)

// ErrSecretNotFound is returned when a reference cannot be resolved.
var ErrSecretNotFound = errors.New("secret not found")

// ErrUnsupportedScheme is returned when no resolver is registered for a
// reference's scheme.
var ErrUnsupportedScheme = errors.New("unsupported secret scheme")

// Resolver turns references of one scheme into secret values.
// Implementations must be safe for concurrent use.
type Resolver interface {
	// Scheme is the reference prefix without "://", e.g. "vault".
	Scheme() string
	Resolve(ctx context.Context, ref string) (string, error)
}

var knownSchemes = []string{"env", "file", "vault"}

// IsReference reports whether s names a secret rather than holding one.
func IsReference(s string) bool {
	scheme, _, ok := strings.Cut(s, "://")
	if !ok {
		return false
	}
	for _, k := range knownSchemes {
		if scheme == k {
			return true
		}
	}
	return false
}

// locator strips "scheme://" from ref, failing when the prefix does not match.
func locator(scheme, ref string) (string, error) {
	rest, ok := strings.CutPrefix(ref, scheme+"://")
	if !ok {
		return "", &RefError{Ref: ref, Err: ErrUnsupportedScheme}
	}
	if rest == "" {
		return "", &RefError{Ref: ref, Err: ErrSecretNotFound}
	}
	return rest, nil
}

// RefError names the reference that failed. The reference is safe to log;
// it never contains secret material.
type RefError struct {
	Ref    string
	Detail string
	Err    error
}

func (e *RefError) Error() string {
	msg := "resolving " + e.Ref + ": " + e.Err.Error()
	if e.Detail != "" {
		msg += " (" + e.Detail + ")"
	}
	return msg
}

func (e *RefError) Unwrap() error { return e.Err }
