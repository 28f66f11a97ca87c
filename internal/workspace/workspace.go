// Package workspace manages the rlm runtime directory structure.
// Logs, saved traces and native sandbox scratch directories live under a
// single workspace root; the daemon's socket and PID record live in a
// separate run directory that may be overridden by XDG_RUNTIME_DIR.
//
// Default workspace: ~/.rlm/workspace (configurable via config or RLM_WORKSPACE env var).
package workspace

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// Default workspace location relative to user home directory.
const defaultRelativePath = ".rlm/workspace"

// Workspace manages all rlm runtime directories and derived paths.
type Workspace struct {
	Root string

	mu      sync.Mutex
	created map[string]bool // tracks which directories have been ensured
}

// New creates a Workspace rooted at the given path.
// It resolves ~ to the user's home directory and creates the root directory
// with appropriate permissions if it does not exist.
func New(root string) (*Workspace, error) {
	resolved, err := resolvePath(root)
	if err != nil {
		return nil, fmt.Errorf("resolving workspace root %q: %w", root, err)
	}

	w := &Workspace{
		Root:    resolved,
		created: make(map[string]bool),
	}

	if err := w.ensureDir(resolved, 0750); err != nil {
		return nil, fmt.Errorf("creating workspace root: %w", err)
	}

	return w, nil
}

// Default creates a Workspace at ~/.rlm/workspace.
func Default() (*Workspace, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("determining home directory: %w", err)
	}
	return New(filepath.Join(home, defaultRelativePath))
}

// --- Top-level directory accessors ---

// SandboxDir returns <root>/sandbox/. Parent of native sandbox scratch directories.
func (w *Workspace) SandboxDir() string {
	return w.dir("sandbox")
}

// LogsDir returns <root>/logs/. Application log files.
func (w *Workspace) LogsDir() string {
	return w.dir("logs")
}

// TracesDir returns <root>/traces/. Saved execution traces.
func (w *Workspace) TracesDir() string {
	return w.dir("traces")
}

// RunDir returns <root>/run/ with 0700 permissions. Used for the daemon's
// socket and PID record when no runtime directory is configured.
func (w *Workspace) RunDir() string {
	return w.restrictedDir("run")
}

// --- Derived paths ---

// ConfigPath returns <root>/config.yaml.
func (w *Workspace) ConfigPath() string {
	return filepath.Join(w.Root, "config.yaml")
}

// LogPath resolves a configured log file name. Absolute paths are kept;
// relative ones resolve under LogsDir.
func (w *Workspace) LogPath(name string) string {
	if name == "" {
		return ""
	}
	if filepath.IsAbs(name) {
		return name
	}
	return filepath.Join(w.LogsDir(), sanitizeName(name))
}

// TracePath returns <root>/traces/<timestamp>-<id>.<ext>.
func (w *Workspace) TracePath(id string, started time.Time, ext string) string {
	name := started.UTC().Format("20060102T150405Z") + "-" + sanitizeName(id) + "." + strings.TrimPrefix(ext, ".")
	return filepath.Join(w.TracesDir(), name)
}

// --- Cleanup ---

// CleanSandbox removes all contents of the sandbox directory. Native
// sandboxes remove their own scratch directories; this clears what a
// crashed process left behind.
func (w *Workspace) CleanSandbox() error {
	dir := filepath.Join(w.Root, "sandbox")
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		return nil
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("reading sandbox dir: %w", err)
	}
	for _, entry := range entries {
		if err := os.RemoveAll(filepath.Join(dir, entry.Name())); err != nil {
			return fmt.Errorf("removing sandbox entry %s: %w", entry.Name(), err)
		}
	}
	return nil
}

// EnsureAll creates all standard workspace directories.
func (w *Workspace) EnsureAll() error {
	for _, d := range []string{"sandbox", "logs", "traces"} {
		if err := w.ensureDir(filepath.Join(w.Root, d), 0750); err != nil {
			return err
		}
	}
	return w.ensureDir(filepath.Join(w.Root, "run"), 0700)
}

// --- Internal helpers ---

// dir returns an absolute path under the workspace root and ensures the directory exists.
func (w *Workspace) dir(name string) string {
	p := filepath.Join(w.Root, name)
	_ = w.ensureDir(p, 0750)
	return p
}

// restrictedDir is like dir but uses 0700 permissions.
func (w *Workspace) restrictedDir(name string) string {
	p := filepath.Join(w.Root, name)
	_ = w.ensureDir(p, 0700)
	return p
}

// ensureDir creates a directory if it doesn't already exist.
// Uses a cache to avoid redundant stat/mkdir calls.
func (w *Workspace) ensureDir(path string, perm os.FileMode) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.created[path] {
		return nil
	}

	if err := os.MkdirAll(path, perm); err != nil {
		return fmt.Errorf("creating directory %s: %w", path, err)
	}
	w.created[path] = true
	return nil
}

// resolvePath expands ~ to the user home directory and returns an absolute path.
func resolvePath(path string) (string, error) {
	if strings.HasPrefix(path, "~/") || path == "~" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		path = filepath.Join(home, path[1:])
	}
	return filepath.Abs(path)
}

// sanitizeName replaces path separator characters to prevent directory traversal.
func sanitizeName(name string) string {
	name = strings.ReplaceAll(name, "/", "_")
	name = strings.ReplaceAll(name, "\\", "_")
	name = strings.ReplaceAll(name, "..", "_")
	if name == "" {
		name = "_"
	}
	return name
}
