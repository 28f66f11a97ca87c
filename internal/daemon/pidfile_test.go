package daemon

import (
	"errors"
	"io/fs"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
)

// deadPID returns the PID of a process that has already exited.
func deadPID(t *testing.T) int {
	t.Helper()
	cmd := exec.Command("true")
	if err := cmd.Run(); err != nil {
		t.Skipf("cannot run helper process: %v", err)
	}
	return cmd.ProcessState.Pid()
}

func TestPIDRecord(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run", "rlm.pid")

	if _, err := ReadPID(path); !errors.Is(err, fs.ErrNotExist) {
		t.Fatalf("missing record: expected ErrNotExist, got %v", err)
	}
	if err := WritePID(path, 4242); err != nil {
		t.Fatal(err)
	}
	if pid, err := ReadPID(path); err != nil || pid != 4242 {
		t.Fatalf("ReadPID = %d, %v", pid, err)
	}

	// A record naming another process is left alone.
	if err := RemovePID(path, 1); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("record removed for the wrong pid: %v", err)
	}
	if err := RemovePID(path, 4242); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(path); !errors.Is(err, fs.ErrNotExist) {
		t.Errorf("record not removed: %v", err)
	}
}

func TestReadPID_Malformed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rlm.pid")
	if err := os.WriteFile(path, []byte("not-a-pid\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := ReadPID(path); err == nil {
		t.Error("expected an error for a malformed record")
	}
	if RunningPID(path) != 0 {
		t.Error("malformed record reported as running")
	}
}

func TestProcessAlive(t *testing.T) {
	if !ProcessAlive(os.Getpid()) {
		t.Error("own process reported dead")
	}
	if ProcessAlive(deadPID(t)) {
		t.Error("exited process reported alive")
	}
	if ProcessAlive(0) || ProcessAlive(-1) {
		t.Error("non-positive pid reported alive")
	}
}

func TestListenExclusive_ClearsStaleEndpoint(t *testing.T) {
	dir := shortTempDir(t)
	sock := filepath.Join(dir, "rlm.sock")
	pidPath := filepath.Join(dir, "rlm.pid")

	// Leave a socket file behind with nobody listening, as after a crash.
	ln, err := net.Listen("unix", sock)
	if err != nil {
		t.Fatal(err)
	}
	ln.(*net.UnixListener).SetUnlinkOnClose(false)
	ln.Close()
	if err := WritePID(pidPath, deadPID(t)); err != nil {
		t.Fatal(err)
	}

	ln, err = listenExclusive(sock, pidPath, discardLogger())
	if err != nil {
		t.Fatalf("stale endpoint not reclaimed: %v", err)
	}
	defer ln.Close()
	if _, err := os.Stat(pidPath); !errors.Is(err, fs.ErrNotExist) {
		t.Errorf("stale pid record not cleared: %v", err)
	}
}

func TestListenExclusive_LiveDaemon(t *testing.T) {
	dir := shortTempDir(t)
	sock := filepath.Join(dir, "rlm.sock")
	pidPath := filepath.Join(dir, "rlm.pid")

	first, err := listenExclusive(sock, pidPath, discardLogger())
	if err != nil {
		t.Fatal(err)
	}
	defer first.Close()

	_, err = listenExclusive(sock, pidPath, discardLogger())
	if !errors.Is(err, ErrDaemonRunning) {
		t.Fatalf("expected ErrDaemonRunning, got %v", err)
	}
}

func TestPIDPathFor(t *testing.T) {
	tests := map[string]string{
		"/run/rlm/rlm.sock": "/run/rlm/rlm.pid",
		"/tmp/daemon":       "/tmp/daemon.pid",
	}
	for in, want := range tests {
		if got := PIDPathFor(in); got != want {
			t.Errorf("PIDPathFor(%q) = %q, want %q", in, got, want)
		}
	}
}
