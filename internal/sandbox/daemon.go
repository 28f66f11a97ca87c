package sandbox

// newDaemonSandbox is the pooled-daemon backend. Proxying to a daemon worker
// is not available yet, so construction always fails and never hands back a
// partially usable sandbox.
func newDaemonSandbox(Options, Bridges) (Sandbox, error) {
	return nil, &BackendError{Backend: BackendDaemon, Err: ErrUnimplementedBackend}
}
