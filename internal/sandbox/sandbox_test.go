package sandbox

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"unicode/utf8"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestNew_BackendSelection(t *testing.T) {
	tests := []struct {
		name    string
		backend Backend
		wantErr error
	}{
		{"in-process", BackendInProcess, nil},
		{"daemon is unimplemented", BackendDaemon, ErrUnimplementedBackend},
		{"unknown backend", Backend("wasm"), ErrConfig},
		{"empty backend", Backend(""), ErrConfig},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sb, err := New(Options{Backend: tt.backend}, Bridges{}, discardLogger())
			if tt.wantErr == nil {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				if sb.Backend() != tt.backend {
					t.Errorf("backend = %q, want %q", sb.Backend(), tt.backend)
				}
				if sb.State() != StateUninitialized {
					t.Errorf("state = %s, want uninitialized", sb.State())
				}
				return
			}
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("error = %v, want %v", err, tt.wantErr)
			}
			if sb != nil {
				t.Error("failed construction returned a non-nil sandbox")
			}
			var be *BackendError
			if !errors.As(err, &be) || be.Backend != tt.backend {
				t.Errorf("error does not name the backend: %v", err)
			}
			if tt.backend != "" && !strings.Contains(err.Error(), string(tt.backend)) {
				t.Errorf("error message %q does not mention %q", err.Error(), tt.backend)
			}
		})
	}
}

func TestNew_NativeMissingInterpreter(t *testing.T) {
	_, err := New(Options{Backend: BackendNative, InterpreterPath: "/nonexistent/python3"}, Bridges{}, discardLogger())
	if !errors.Is(err, ErrConfig) {
		t.Fatalf("expected ErrConfig, got %v", err)
	}
}

func TestOptions_Validate(t *testing.T) {
	if err := (Options{Backend: BackendInProcess, Timeout: -1}).Validate(); !errors.Is(err, ErrConfig) {
		t.Errorf("negative timeout: %v", err)
	}
	if err := (Options{Backend: BackendInProcess, MaxOutputLength: -1}).Validate(); !errors.Is(err, ErrConfig) {
		t.Errorf("negative max output: %v", err)
	}
	o := Options{Backend: BackendInProcess}
	if o.timeout() != DefaultTimeout || o.maxOutput() != DefaultMaxOutputLength {
		t.Errorf("defaults not applied: %s %d", o.timeout(), o.maxOutput())
	}
}

func TestParseBackend(t *testing.T) {
	tests := []struct {
		in   string
		want Backend
		ok   bool
	}{
		{"native", BackendNative, true},
		{"in-process", BackendInProcess, true},
		{"starlark", BackendInProcess, true},
		{"daemon", BackendDaemon, true},
		{"docker", "", false},
	}
	for _, tt := range tests {
		got, err := ParseBackend(tt.in)
		if (err == nil) != tt.ok || got != tt.want {
			t.Errorf("ParseBackend(%q) = %q, %v", tt.in, got, err)
		}
	}
}

func TestDetect(t *testing.T) {
	found := func(string) (string, error) { return "/usr/bin/python3", nil }
	missing := func(string) (string, error) { return "", errors.New("not found") }
	listening := func(context.Context, string) bool { return true }

	tests := []struct {
		name       string
		opts       DetectOptions
		want       Backend
		wantDaemon bool
	}{
		{"python present", DetectOptions{LookPath: found}, BackendNative, false},
		{"no python", DetectOptions{LookPath: missing}, BackendInProcess, false},
		{
			"daemon reported but not recommended",
			DetectOptions{LookPath: found, SocketPath: "/tmp/rlm.sock", Probe: listening},
			BackendNative, true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := Detect(context.Background(), tt.opts)
			if d.Recommended != tt.want {
				t.Errorf("recommended = %q, want %q", d.Recommended, tt.want)
			}
			if d.DaemonRunning != tt.wantDaemon {
				t.Errorf("daemonRunning = %v", d.DaemonRunning)
			}
			if !Implemented(d.Recommended) {
				t.Errorf("recommended an unimplemented backend %q", d.Recommended)
			}
			if d.Reason == "" {
				t.Error("empty reason")
			}
		})
	}
}

func TestCancelBeforeInitialize(t *testing.T) {
	sb := NewStarlarkSandbox(Options{}, Bridges{}, discardLogger())
	if err := sb.Cancel(); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if err := sb.Cancel(); err != nil {
		t.Fatalf("second cancel: %v", err)
	}
	if sb.State() != StateCancelled {
		t.Fatalf("state = %s, want cancelled", sb.State())
	}
	if err := sb.Initialize(context.Background(), ""); !errors.Is(err, ErrCancelled) {
		t.Errorf("initialize after cancel: %v", err)
	}
	if _, err := sb.Execute(context.Background(), "1"); !errors.Is(err, ErrCancelled) {
		t.Errorf("execute after cancel: %v", err)
	}
	if err := sb.Destroy(); err != nil {
		t.Fatalf("destroy: %v", err)
	}
	if sb.State() != StateDestroyed {
		t.Errorf("state = %s, want destroyed", sb.State())
	}
}

func TestExecuteBeforeInitialize(t *testing.T) {
	sb := NewStarlarkSandbox(Options{}, Bridges{}, discardLogger())
	if _, err := sb.Execute(context.Background(), "1"); !errors.Is(err, ErrNotInitialized) {
		t.Errorf("expected ErrNotInitialized, got %v", err)
	}
}

func TestDestroy_OnlyFirstCallHasEffect(t *testing.T) {
	sb := NewStarlarkSandbox(Options{}, Bridges{}, discardLogger())
	_ = sb.Initialize(context.Background(), "")
	for i := 0; i < 3; i++ {
		if err := sb.Destroy(); err != nil {
			t.Fatalf("destroy #%d: %v", i, err)
		}
	}
	if err := sb.Cancel(); err != nil {
		t.Errorf("cancel after destroy: %v", err)
	}
	if sb.State() != StateDestroyed {
		t.Errorf("state = %s", sb.State())
	}
	if _, _, err := sb.GetVariable(context.Background(), "context"); !errors.Is(err, ErrDestroyed) {
		t.Errorf("get variable after destroy: %v", err)
	}
}

func TestTruncateUTF8(t *testing.T) {
	s := "héllo" // é is two bytes
	if got := truncateUTF8(s, 2); got != "h" {
		t.Errorf("truncateUTF8 split a rune: %q", got)
	}
	if got := truncateUTF8(s, 3); got != "hé" {
		t.Errorf("truncateUTF8(3) = %q", got)
	}
	if got := truncateUTF8(s, 100); got != s {
		t.Errorf("short input changed: %q", got)
	}
}

func TestCappedBuffer(t *testing.T) {
	b := newCappedBuffer(5)
	b.WriteString("abc")
	b.WriteString("日本")
	b.WriteString("more")
	if got := b.String(); got != "abc" {
		t.Errorf("buffer = %q, want %q", got, "abc")
	}
	if !utf8.ValidString(b.String()) {
		t.Error("buffer holds invalid UTF-8")
	}
	if b.Dropped() != len("日本")+len("more") {
		t.Errorf("dropped = %d", b.Dropped())
	}

	res := &Result{}
	markTruncated(res, b.Dropped(), 5)
	if !res.Truncated || !strings.Contains(res.Warning, "truncated") {
		t.Errorf("result not marked: %+v", res)
	}
}
