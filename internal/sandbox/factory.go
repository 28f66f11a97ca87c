package sandbox

import (
	"fmt"
	"log/slog"
)

// New builds a sandbox of the requested backend, ready for Initialize.
// Unknown and unimplemented backends fail with an error naming the backend.
func New(opts Options, bridges Bridges, logger *slog.Logger) (Sandbox, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With(slog.String("backend", string(opts.Backend)))

	switch opts.Backend {
	case BackendNative:
		sb, err := NewNativeSandbox(opts, bridges, logger)
		if err != nil {
			return nil, err
		}
		return sb, nil
	case BackendInProcess:
		return NewStarlarkSandbox(opts, bridges, logger), nil
	case BackendDaemon:
		return newDaemonSandbox(opts, bridges)
	default:
		return nil, &BackendError{Backend: opts.Backend, Err: fmt.Errorf("%w: unknown backend", ErrConfig)}
	}
}

// Validate checks options that are invalid for every backend.
func (o Options) Validate() error {
	if o.Backend == "" {
		return &BackendError{Backend: o.Backend, Err: fmt.Errorf("%w: backend is required", ErrConfig)}
	}
	if o.Timeout < 0 {
		return &BackendError{Backend: o.Backend, Err: fmt.Errorf("%w: negative timeout %s", ErrConfig, o.Timeout)}
	}
	if o.MaxOutputLength < 0 {
		return &BackendError{Backend: o.Backend, Err: fmt.Errorf("%w: negative max output length %d", ErrConfig, o.MaxOutputLength)}
	}
	return nil
}

// ParseBackend maps a configuration string to a Backend.
func ParseBackend(s string) (Backend, error) {
	for _, b := range Backends() {
		if string(b) == s {
			return b, nil
		}
	}
	if s == "inprocess" || s == "starlark" {
		return BackendInProcess, nil
	}
	return "", &BackendError{Backend: Backend(s), Err: fmt.Errorf("%w: unknown backend", ErrConfig)}
}

// Implemented reports whether New can construct b.
func Implemented(b Backend) bool {
	return b == BackendNative || b == BackendInProcess
}
