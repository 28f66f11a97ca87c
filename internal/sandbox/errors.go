package sandbox

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrConfig: unknown or malformed backend options. Never retried.
	ErrConfig = errors.New("invalid sandbox configuration")
	// ErrTimeout: Execute exceeded the configured timeout.
	ErrTimeout = errors.New("execution timed out")
	// ErrSandboxCrash: the backend process or interpreter failed. The sandbox
	// must be destroyed and recreated.
	ErrSandboxCrash = errors.New("sandbox crashed")
	// ErrUnimplementedBackend: the backend exists but cannot be constructed yet.
	ErrUnimplementedBackend = errors.New("backend not yet implemented")

	ErrNotInitialized = errors.New("sandbox not initialized")
	ErrBusy           = errors.New("sandbox is busy")
	ErrCancelled      = errors.New("sandbox cancelled")
	ErrDestroyed      = errors.New("sandbox destroyed")
)

// BackendError names the backend a construction failure relates to.
type BackendError struct {
	Backend Backend
	Err     error
}

func (e *BackendError) Error() string {
	return fmt.Sprintf("sandbox backend %q: %v", e.Backend, e.Err)
}

func (e *BackendError) Unwrap() error { return e.Err }

// TimeoutError reports an Execute that ran past its deadline.
type TimeoutError struct {
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("execution timed out after %s", e.Timeout)
}

func (e *TimeoutError) Is(target error) bool { return target == ErrTimeout }

// CrashError carries diagnostic output from a failed backend.
type CrashError struct {
	Backend Backend
	Detail  string
}

func (e *CrashError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("%s sandbox crashed", e.Backend)
	}
	return fmt.Sprintf("%s sandbox crashed: %s", e.Backend, e.Detail)
}

func (e *CrashError) Is(target error) bool { return target == ErrSandboxCrash }
