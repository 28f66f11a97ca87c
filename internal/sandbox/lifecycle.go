package sandbox

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// State is the lifecycle position of a sandbox.
type State int

const (
	StateUninitialized State = iota
	StateReady
	StateExecuting
	StateCancelled
	StateDestroyed
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateReady:
		return "ready"
	case StateExecuting:
		return "executing"
	case StateCancelled:
		return "cancelled"
	case StateDestroyed:
		return "destroyed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Terminal reports whether no further calls are accepted.
func (s State) Terminal() bool {
	return s == StateCancelled || s == StateDestroyed
}

// lifecycle is the state machine shared by every backend.
type lifecycle struct {
	mu    sync.Mutex
	state State
	cause error // why the sandbox became Cancelled

	// stop aborts the in-flight call's context; nil when idle.
	stop context.CancelFunc
}

func (l *lifecycle) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// rejectLocked returns the error for a call that cannot start in the current state.
func (l *lifecycle) rejectLocked() error {
	switch l.state {
	case StateUninitialized:
		return ErrNotInitialized
	case StateExecuting:
		return ErrBusy
	case StateCancelled:
		if l.cause != nil {
			return fmt.Errorf("%w: %w", ErrCancelled, l.cause)
		}
		return ErrCancelled
	case StateDestroyed:
		return ErrDestroyed
	}
	return nil
}

// begin moves Ready → Executing and derives the call context.
// The returned release must be called exactly once.
func (l *lifecycle) begin(ctx context.Context) (context.Context, func(), error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state != StateReady {
		return nil, nil, l.rejectLocked()
	}
	l.state = StateExecuting
	callCtx, stop := context.WithCancel(ctx)
	l.stop = stop
	release := func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		stop()
		l.stop = nil
		if l.state == StateExecuting {
			l.state = StateReady
		}
	}
	return callCtx, release, nil
}

// beginInit marks the sandbox busy for an Initialize call, which is allowed
// from Uninitialized or Ready. done(ok) moves to Ready on success and
// restores the previous state otherwise.
func (l *lifecycle) beginInit() (first bool, done func(ok bool), err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	prev := l.state
	if prev != StateUninitialized && prev != StateReady {
		return false, nil, l.rejectLocked()
	}
	l.state = StateExecuting
	done = func(ok bool) {
		l.mu.Lock()
		defer l.mu.Unlock()
		if l.state != StateExecuting {
			return
		}
		if ok {
			l.state = StateReady
		} else {
			l.state = prev
		}
	}
	return prev == StateUninitialized, done, nil
}

// cancel moves any non-terminal state to Cancelled, aborting the in-flight
// call. Returns false if the sandbox was already terminal.
func (l *lifecycle) cancel(cause error) (wasRunning bool, changed bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state.Terminal() {
		return false, false
	}
	wasRunning = l.state == StateExecuting
	l.state = StateCancelled
	l.cause = cause
	if l.stop != nil {
		l.stop()
	}
	return wasRunning, true
}

// destroy moves to Destroyed. Returns false if already destroyed.
func (l *lifecycle) destroy() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state == StateDestroyed {
		return false
	}
	l.state = StateDestroyed
	if l.stop != nil {
		l.stop()
	}
	return true
}

// abort classifies why an in-flight call stopped early, moves the sandbox to
// Cancelled, and returns the error to hand back with the partial result.
// parent is the caller's context; timeout is the per-call limit that applied.
func (l *lifecycle) abort(parent context.Context, timeout time.Duration) error {
	var cause error
	if err := parent.Err(); err != nil {
		cause = err
	} else {
		cause = &TimeoutError{Timeout: timeout}
	}
	l.cancel(cause)

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state == StateDestroyed {
		return ErrDestroyed
	}
	var te *TimeoutError
	if errors.As(l.cause, &te) {
		return te
	}
	if l.cause == nil {
		return ErrCancelled
	}
	return fmt.Errorf("%w: %w", ErrCancelled, l.cause)
}
