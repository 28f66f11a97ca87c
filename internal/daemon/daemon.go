// Package daemon keeps warm sandboxes in a worker pool behind a local unix
// socket, so repeated executions skip interpreter start-up.
//
// The wire format is the newline-delimited envelope from internal/protocol.
// A connection may pipeline requests; responses are correlated by id and are
// written in completion order. While a worker runs code on behalf of a
// connection, its bridge calls travel back over that same connection as
// daemon-initiated requests with negative ids.
package daemon

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/jkaninda/rlm/internal/protocol"
	"github.com/jkaninda/rlm/internal/sandbox"
)

var (
	// ErrPoolExhausted: every worker is busy and the wait queue is full.
	// Callers should fall back to a non-pooled backend.
	ErrPoolExhausted = errors.New("worker pool exhausted")
	ErrPoolClosed    = errors.New("worker pool closed")
	// ErrIPCProtocol: the peer sent a malformed frame or an unknown method.
	ErrIPCProtocol  = errors.New("ipc protocol error")
	ErrConnClosed   = errors.New("connection closed")
	ErrShuttingDown = errors.New("daemon is shutting down")
)

// DaemonRunningError is returned when another live daemon owns the endpoint.
type DaemonRunningError struct {
	PID        int
	SocketPath string
}

func (e *DaemonRunningError) Error() string {
	if e.PID > 0 {
		return fmt.Sprintf("daemon already running (pid %d) on %s", e.PID, e.SocketPath)
	}
	return fmt.Sprintf("daemon already listening on %s", e.SocketPath)
}

// ErrDaemonRunning matches any *DaemonRunningError.
var ErrDaemonRunning = errors.New("daemon already running")

func (e *DaemonRunningError) Is(target error) bool { return target == ErrDaemonRunning }

// RemoteError is an error response received from the peer. It matches the
// sentinel of its code with errors.Is, so callers stay transport-agnostic.
type RemoteError struct {
	Code    int
	Message string
	Data    []byte
}

func (e *RemoteError) Error() string { return e.Message }

func (e *RemoteError) Is(target error) bool {
	switch e.Code {
	case protocol.CodePoolExhausted:
		return target == ErrPoolExhausted
	case protocol.CodeTimeout:
		return target == sandbox.ErrTimeout
	case protocol.CodeSandboxCrash:
		return target == sandbox.ErrSandboxCrash
	case protocol.CodeCancelled:
		return target == sandbox.ErrCancelled
	case protocol.CodeUnknownBackend:
		return target == sandbox.ErrConfig
	case protocol.CodeParseError, protocol.CodeInvalidRequest, protocol.CodeMethodNotFound, protocol.CodeInvalidParams:
		return target == ErrIPCProtocol
	}
	return false
}

// DepthExceeded lets a depth failure reported by the peer surface as one
// again when it crosses another bridge.
func (e *RemoteError) DepthExceeded() bool { return e.Code == protocol.CodeDepthExceeded }

func remoteError(e *protocol.Error) *RemoteError {
	return &RemoteError{Code: e.Code, Message: e.Message, Data: e.Data}
}

// Config controls a daemon Server.
type Config struct {
	SocketPath     string
	PIDPath        string
	Pool           PoolConfig
	HealthInterval time.Duration // pool sweep schedule; 0 = 30s
	AdminAddr      string        // empty disables the admin HTTP server
	MaxFrameSize   int           // 0 = protocol.DefaultMaxFrameSize
}

const (
	defaultHealthInterval = 30 * time.Second
	shutdownGrace         = 10 * time.Second
)

func (c Config) healthInterval() time.Duration {
	if c.HealthInterval <= 0 {
		return defaultHealthInterval
	}
	return c.HealthInterval
}

// DefaultRunDir is where the socket and PID record live when not configured:
// $XDG_RUNTIME_DIR/rlm, else a per-user directory under the system temp dir.
func DefaultRunDir() string {
	if dir := os.Getenv("XDG_RUNTIME_DIR"); dir != "" {
		return filepath.Join(dir, "rlm")
	}
	return filepath.Join(os.TempDir(), "rlm-"+strconv.Itoa(os.Getuid()))
}

// DefaultSocketPath returns the endpoint clients probe by default.
func DefaultSocketPath() string {
	return filepath.Join(DefaultRunDir(), "rlm.sock")
}

// DefaultPIDPath returns the PID record paired with DefaultSocketPath.
func DefaultPIDPath() string {
	return filepath.Join(DefaultRunDir(), "rlm.pid")
}

// PIDPathFor derives the PID record path from a socket path.
func PIDPathFor(socketPath string) string {
	ext := filepath.Ext(socketPath)
	return socketPath[:len(socketPath)-len(ext)] + ".pid"
}
