package daemon

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"
)

// WritePID records pid at path atomically: the value is written to a
// temporary file in the same directory and renamed into place.
func WritePID(path string, pid int) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("creating pid directory: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".rlm-pid-*")
	if err != nil {
		return fmt.Errorf("creating pid file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.WriteString(strconv.Itoa(pid) + "\n"); err != nil {
		tmp.Close()
		return fmt.Errorf("writing pid file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("writing pid file: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("installing pid file: %w", err)
	}
	return nil
}

// ReadPID returns the recorded PID. A missing record yields fs.ErrNotExist.
func ReadPID(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		return 0, fmt.Errorf("malformed pid file %s", path)
	}
	return pid, nil
}

// RemovePID deletes the record if it still names pid.
func RemovePID(path string, pid int) error {
	recorded, err := ReadPID(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err == nil && recorded != pid {
		return nil
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("removing pid file: %w", err)
	}
	return nil
}

// ProcessAlive reports whether pid names a live process.
func ProcessAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := syscall.Kill(pid, 0)
	// EPERM: the process exists but belongs to someone else.
	return err == nil || errors.Is(err, syscall.EPERM)
}

// RunningPID returns the PID of a live daemon recorded at path, or 0.
func RunningPID(path string) int {
	pid, err := ReadPID(path)
	if err != nil || !ProcessAlive(pid) {
		return 0
	}
	return pid
}

// listenExclusive binds socketPath. When the path is already taken it
// consults the PID record and the socket itself: a live owner yields a
// *DaemonRunningError, a dead one is stale and is cleared before binding again.
func listenExclusive(socketPath, pidPath string, logger *slog.Logger) (net.Listener, error) {
	if err := os.MkdirAll(filepath.Dir(socketPath), 0o700); err != nil {
		return nil, fmt.Errorf("creating socket directory: %w", err)
	}

	ln, err := net.Listen("unix", socketPath)
	if err == nil {
		return ln, nil
	}
	if !errors.Is(err, syscall.EADDRINUSE) {
		return nil, fmt.Errorf("binding %s: %w", socketPath, err)
	}

	if pid := RunningPID(pidPath); pid > 0 && pid != os.Getpid() {
		return nil, &DaemonRunningError{PID: pid, SocketPath: socketPath}
	}
	if dialable(socketPath) {
		return nil, &DaemonRunningError{SocketPath: socketPath}
	}

	logger.Info("removing stale daemon endpoint", slog.String("socket", socketPath))
	if err := os.Remove(socketPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("removing stale socket: %w", err)
	}
	_ = os.Remove(pidPath)

	ln, err = net.Listen("unix", socketPath)
	if err != nil {
		return nil, fmt.Errorf("binding %s: %w", socketPath, err)
	}
	return ln, nil
}

func dialable(socketPath string) bool {
	c, err := net.DialTimeout("unix", socketPath, 500*time.Millisecond)
	if err != nil {
		return false
	}
	c.Close()
	return true
}
