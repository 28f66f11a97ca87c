package workspace

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestNew(t *testing.T) {
	tmp := t.TempDir()
	root := filepath.Join(tmp, "workspace")

	ws, err := New(root)
	if err != nil {
		t.Fatalf("New(%q): %v", root, err)
	}
	if ws.Root != root {
		t.Errorf("Root = %q, want %q", ws.Root, root)
	}

	// Root directory should exist.
	if _, err := os.Stat(root); err != nil {
		t.Errorf("root dir not created: %v", err)
	}
}

func TestDirectoryAccessors(t *testing.T) {
	tmp := t.TempDir()
	ws, err := New(filepath.Join(tmp, "ws"))
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name string
		fn   func() string
		want string
	}{
		{"SandboxDir", ws.SandboxDir, "sandbox"},
		{"LogsDir", ws.LogsDir, "logs"},
		{"TracesDir", ws.TracesDir, "traces"},
		{"RunDir", ws.RunDir, "run"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got := tc.fn()
			expected := filepath.Join(ws.Root, tc.want)
			if got != expected {
				t.Errorf("%s() = %q, want %q", tc.name, got, expected)
			}
			// Directory should exist.
			if _, err := os.Stat(got); err != nil {
				t.Errorf("directory not created: %v", err)
			}
		})
	}
}

func TestRunDirPermissions(t *testing.T) {
	tmp := t.TempDir()
	ws, err := New(filepath.Join(tmp, "ws"))
	if err != nil {
		t.Fatal(err)
	}

	info, err := os.Stat(ws.RunDir())
	if err != nil {
		t.Fatal(err)
	}
	if perm := info.Mode().Perm(); perm != 0700 {
		t.Errorf("run dir permissions = %o, want 0700", perm)
	}
}

func TestDerivedPaths(t *testing.T) {
	tmp := t.TempDir()
	ws, err := New(filepath.Join(tmp, "ws"))
	if err != nil {
		t.Fatal(err)
	}

	if got, want := ws.ConfigPath(), filepath.Join(ws.Root, "config.yaml"); got != want {
		t.Errorf("ConfigPath() = %q, want %q", got, want)
	}
	if got := ws.LogPath(""); got != "" {
		t.Errorf("LogPath(\"\") = %q, want empty", got)
	}
	if got, want := ws.LogPath("rlm.log"), filepath.Join(ws.Root, "logs", "rlm.log"); got != want {
		t.Errorf("LogPath(rlm.log) = %q, want %q", got, want)
	}
	if got := ws.LogPath("/var/log/rlm.log"); got != "/var/log/rlm.log" {
		t.Errorf("absolute LogPath rewritten: %q", got)
	}
}

func TestTracePath(t *testing.T) {
	tmp := t.TempDir()
	ws, err := New(filepath.Join(tmp, "ws"))
	if err != nil {
		t.Fatal(err)
	}

	started := time.Date(2026, 3, 1, 12, 30, 5, 0, time.UTC)
	got := ws.TracePath("abc/../x", started, ".json")
	want := filepath.Join(ws.Root, "traces", "20260301T123005Z-abc___x.json")
	if got != want {
		t.Errorf("TracePath = %q, want %q", got, want)
	}
}

func TestCleanSandbox(t *testing.T) {
	tmp := t.TempDir()
	ws, err := New(filepath.Join(tmp, "ws"))
	if err != nil {
		t.Fatal(err)
	}

	// Create some sandbox entries.
	sbDir := ws.SandboxDir()
	os.MkdirAll(filepath.Join(sbDir, "exec-1"), 0750)
	os.MkdirAll(filepath.Join(sbDir, "exec-2"), 0750)
	os.WriteFile(filepath.Join(sbDir, "exec-1", "output.txt"), []byte("hello"), 0644)

	if err := ws.CleanSandbox(); err != nil {
		t.Fatalf("CleanSandbox: %v", err)
	}

	entries, _ := os.ReadDir(sbDir)
	if len(entries) != 0 {
		t.Errorf("sandbox dir not empty after clean: %d entries", len(entries))
	}
}

func TestCleanSandboxNoop(t *testing.T) {
	tmp := t.TempDir()
	ws, err := New(filepath.Join(tmp, "ws"))
	if err != nil {
		t.Fatal(err)
	}
	// No sandbox dir: CleanSandbox is a no-op.
	os.RemoveAll(filepath.Join(ws.Root, "sandbox"))
	if err := ws.CleanSandbox(); err != nil {
		t.Fatalf("CleanSandbox on missing dir: %v", err)
	}
}

func TestEnsureAll(t *testing.T) {
	tmp := t.TempDir()
	ws, err := New(filepath.Join(tmp, "ws"))
	if err != nil {
		t.Fatal(err)
	}

	if err := ws.EnsureAll(); err != nil {
		t.Fatal(err)
	}

	for _, sub := range []string{"sandbox", "logs", "traces", "run"} {
		p := filepath.Join(ws.Root, sub)
		if _, err := os.Stat(p); err != nil {
			t.Errorf("directory %q not created: %v", sub, err)
		}
	}
}

func TestSanitizeName(t *testing.T) {
	tests := []struct {
		input, want string
	}{
		{"normal", "normal"},
		{"a/b", "a_b"},
		{"a\\b", "a_b"},
		{"../etc/passwd", "__etc_passwd"},
		{"", "_"},
	}
	for _, tc := range tests {
		got := sanitizeName(tc.input)
		if got != tc.want {
			t.Errorf("sanitizeName(%q) = %q, want %q", tc.input, got, tc.want)
		}
	}
}

func TestResolveTilde(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skip("no home directory")
	}

	got, err := resolvePath("~/test")
	if err != nil {
		t.Fatal(err)
	}
	want := filepath.Join(home, "test")
	if got != want {
		t.Errorf("resolvePath(~/test) = %q, want %q", got, want)
	}
}
