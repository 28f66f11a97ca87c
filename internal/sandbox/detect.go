package sandbox

import (
	"context"
	"os/exec"
)

// DetectOptions controls environment probing.
type DetectOptions struct {
	InterpreterPath string
	SocketPath      string
	// Probe reports whether a daemon answers on socketPath. Nil skips the check.
	Probe func(ctx context.Context, socketPath string) bool
	// LookPath defaults to exec.LookPath.
	LookPath func(string) (string, error)
}

// Detection is the outcome of probing the environment.
type Detection struct {
	Recommended   Backend `json:"recommended"`
	PythonPath    string  `json:"python_path,omitempty"`
	DaemonRunning bool    `json:"daemon_running"`
	SocketPath    string  `json:"socket_path,omitempty"`
	Reason        string  `json:"reason"`
}

// Detect probes for a native interpreter and a running daemon and recommends
// a backend. It never constructs a sandbox. Backends that New cannot build
// are reported but never recommended.
func Detect(ctx context.Context, opts DetectOptions) Detection {
	lookPath := opts.LookPath
	if lookPath == nil {
		lookPath = exec.LookPath
	}

	d := Detection{SocketPath: opts.SocketPath}
	if opts.Probe != nil && opts.SocketPath != "" {
		d.DaemonRunning = opts.Probe(ctx, opts.SocketPath)
	}
	if p, err := resolveInterpreter(opts.InterpreterPath, lookPath); err == nil {
		d.PythonPath = p
	}

	switch {
	case d.DaemonRunning && Implemented(BackendDaemon):
		d.Recommended = BackendDaemon
		d.Reason = "daemon is listening on " + opts.SocketPath
	case d.PythonPath != "":
		d.Recommended = BackendNative
		d.Reason = "python interpreter found at " + d.PythonPath
	default:
		d.Recommended = BackendInProcess
		d.Reason = "no python interpreter found; using the embedded interpreter"
	}
	return d
}
