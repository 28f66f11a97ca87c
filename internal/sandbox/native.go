package sandbox

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/jkaninda/rlm/internal/protocol"
)

//go:embed runner.py
var runnerScript []byte

const (
	runnerFileName = "runner.py"
	stderrTailSize = 4096
	exitGrace      = 2 * time.Second
)

// NativeSandbox runs code in a python3 subprocess that speaks the protocol
// package's framing on stdin and stdout.
//
// Isolation:
//   - The runner gets its own temp directory (removed on Destroy)
//   - It runs in its own process group; Cancel and timeouts kill the group
//   - The environment is not inherited from the host process
//   - stdout/stderr are capped at MaxOutputLength per call
type NativeSandbox struct {
	lifecycle

	opts    Options
	bridges Bridges
	logger  *slog.Logger
	python  string

	procMu  sync.Mutex
	shut    bool // set by Destroy; start refuses to launch afterwards
	cmd     *exec.Cmd
	dir     string
	stdin   *os.File
	enc     *protocol.Encoder
	frames  chan *protocol.Frame // closed when the runner's stdout ends
	quit    chan struct{}        // closed on Destroy; unblocks the reader
	exited  chan struct{}        // closed once the process has been reaped
	exitErr error
	stderr  *tailBuffer

	nextID atomic.Int64
}

// NewNativeSandbox resolves the interpreter and returns a sandbox ready for
// Initialize. No process is started until then.
func NewNativeSandbox(opts Options, bridges Bridges, logger *slog.Logger) (*NativeSandbox, error) {
	opts.Backend = BackendNative
	python, err := resolveInterpreter(opts.InterpreterPath, exec.LookPath)
	if err != nil {
		return nil, &BackendError{Backend: BackendNative, Err: fmt.Errorf("%w: %w", ErrConfig, err)}
	}
	return &NativeSandbox{
		opts:    opts,
		bridges: bridges,
		logger:  logger,
		python:  python,
		stderr:  &tailBuffer{max: stderrTailSize},
	}, nil
}

func resolveInterpreter(path string, lookPath func(string) (string, error)) (string, error) {
	if path != "" {
		if _, err := os.Stat(path); err != nil {
			return "", fmt.Errorf("interpreter %s: %w", path, err)
		}
		return path, nil
	}
	for _, name := range []string{"python3", "python"} {
		if p, err := lookPath(name); err == nil {
			return p, nil
		}
	}
	return "", errors.New("no python interpreter found in PATH")
}

func (s *NativeSandbox) Backend() Backend { return BackendNative }

func (s *NativeSandbox) Initialize(ctx context.Context, payload string) error {
	first, done, err := s.beginInit()
	if err != nil {
		return err
	}
	ok := false
	defer func() { done(ok) }()

	if first {
		if err := s.start(); err != nil {
			return err
		}
	}

	resp, err := s.roundTrip(ctx, protocol.MethodInitialize, protocol.InitializeParams{
		Context: payload,
		Reset:   !first,
	}, nil)
	if err != nil {
		if !errors.Is(err, ErrSandboxCrash) && ctx.Err() != nil {
			s.kill()
			return s.abort(ctx, s.opts.timeout())
		}
		return err
	}
	if err := resp.Decode(nil); err != nil {
		return fmt.Errorf("initializing runner: %w", err)
	}
	ok = true

	s.logger.Debug("sandbox initialized",
		slog.String("backend", string(BackendNative)),
		slog.Bool("reset", !first),
		slog.Int("context_len", len(payload)),
	)
	return nil
}

// start launches the runner process. Called once, from the first Initialize.
// procMu is held throughout so Destroy sees either no process or a fully
// published one.
func (s *NativeSandbox) start() error {
	s.procMu.Lock()
	defer s.procMu.Unlock()
	if s.shut {
		return ErrDestroyed
	}

	dir, err := os.MkdirTemp(s.opts.WorkDir, "rlm-sandbox-*")
	if err != nil {
		return fmt.Errorf("creating sandbox temp dir: %w", err)
	}
	script := filepath.Join(dir, runnerFileName)
	if err := os.WriteFile(script, runnerScript, 0o600); err != nil {
		_ = os.RemoveAll(dir)
		return fmt.Errorf("writing runner: %w", err)
	}

	inR, inW, err := os.Pipe()
	if err != nil {
		_ = os.RemoveAll(dir)
		return fmt.Errorf("creating stdin pipe: %w", err)
	}
	outR, outW, err := os.Pipe()
	if err != nil {
		_ = inR.Close()
		_ = inW.Close()
		_ = os.RemoveAll(dir)
		return fmt.Errorf("creating stdout pipe: %w", err)
	}

	cmd := exec.Command(s.python, "-u", script)
	cmd.Dir = dir
	cmd.Env = buildEnv(dir)
	cmd.Stdin = inR
	cmd.Stdout = outW
	cmd.Stderr = s.stderr
	cmd.WaitDelay = exitGrace
	// Process group isolation: the runner and anything it spawns share a
	// group so a single signal reaches all of them.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		for _, f := range []*os.File{inR, inW, outR, outW} {
			_ = f.Close()
		}
		_ = os.RemoveAll(dir)
		return &BackendError{Backend: BackendNative, Err: fmt.Errorf("starting %s: %w", s.python, err)}
	}
	// The child holds its own copies.
	_ = inR.Close()
	_ = outW.Close()

	s.cmd = cmd
	s.dir = dir
	s.stdin = inW
	s.enc = protocol.NewEncoder(inW)
	s.frames = make(chan *protocol.Frame)
	s.quit = make(chan struct{})
	s.exited = make(chan struct{})

	go s.readFrames(outR)
	go func() {
		err := cmd.Wait()
		s.procMu.Lock()
		s.exitErr = err
		s.procMu.Unlock()
		close(s.exited)
	}()

	s.logger.Info("sandbox runner started",
		slog.String("interpreter", s.python),
		slog.Int("pid", cmd.Process.Pid),
		slog.String("dir", dir),
	)
	return nil
}

// buildEnv constructs a minimal environment. The host's environment is never
// inherited so API keys and credentials cannot leak into sandboxed code.
func buildEnv(dir string) []string {
	return []string{
		"PATH=/usr/local/bin:/usr/bin:/bin",
		"HOME=" + dir,
		"TMPDIR=" + dir,
		"LANG=en_US.UTF-8",
		"TERM=dumb",
		"PYTHONUNBUFFERED=1",
		"PYTHONDONTWRITEBYTECODE=1",
		"PYTHONIOENCODING=utf-8",
	}
}

func (s *NativeSandbox) readFrames(r *os.File) {
	defer close(s.frames)
	defer r.Close()

	dec := protocol.NewDecoder(r, 0)
	for {
		line, err := dec.Next()
		if errors.Is(err, protocol.ErrFrameTooLarge) {
			s.logger.Warn("dropping oversized runner frame")
			continue
		}
		if err != nil {
			return
		}
		f, perr := protocol.ParseFrame(line)
		if perr != nil {
			s.logger.Warn("malformed runner frame", slog.String("error", perr.Message))
			continue
		}
		select {
		case s.frames <- f:
		case <-s.quit:
			return
		}
	}
}

// streams collects output notifications for one call.
type streams struct {
	stdout *cappedBuffer
	stderr *cappedBuffer
}

// roundTrip sends one request and waits for its response, serving bridge
// requests and collecting output notifications until it arrives.
func (s *NativeSandbox) roundTrip(ctx context.Context, method string, params any, out *streams) (*protocol.Response, error) {
	id := s.nextID.Add(1)
	req, err := protocol.NewRequest(id, method, params)
	if err != nil {
		return nil, err
	}
	if err := s.enc.Encode(req); err != nil {
		return nil, s.crashed(err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case f, ok := <-s.frames:
			if !ok {
				return nil, s.crashed(nil)
			}
			switch {
			case f.IsNotification():
				if f.Method == protocol.MethodOutput && out != nil {
					var chunk protocol.OutputParams
					if perr := f.Request().DecodeParams(&chunk); perr == nil {
						if chunk.Stream == "stderr" {
							out.stderr.WriteString(chunk.Data)
						} else {
							out.stdout.WriteString(chunk.Data)
						}
					}
				}
			case f.IsRequest():
				s.serveBridge(ctx, f.Request())
			case f.ID == id:
				return f.Response(), nil
			default:
				s.logger.Debug("ignoring stray runner response", slog.Int64("id", f.ID))
			}
		}
	}
}

// serveBridge answers a runner callback. The runner is blocked reading
// stdin until the response is written.
func (s *NativeSandbox) serveBridge(ctx context.Context, req *protocol.Request) {
	if err := s.enc.Encode(AnswerBridge(ctx, s.bridges, req)); err != nil {
		s.logger.Warn("failed to answer bridge call", slog.String("method", req.Method), slog.String("error", err.Error()))
	}
}

// crashed waits briefly for the process to exit, then moves the sandbox to
// Cancelled with a CrashError describing how it died.
func (s *NativeSandbox) crashed(cause error) error {
	select {
	case <-s.exited:
	case <-time.After(exitGrace):
	}
	detail := strings.TrimSpace(s.stderr.String())
	s.procMu.Lock()
	if s.exitErr != nil {
		detail = strings.TrimSpace(s.exitErr.Error() + "\n" + detail)
	}
	s.procMu.Unlock()
	if detail == "" && cause != nil {
		detail = cause.Error()
	}
	crash := &CrashError{Backend: BackendNative, Detail: detail}
	s.cancel(crash)
	s.kill()
	s.logger.Error("sandbox runner crashed", slog.String("detail", detail))
	return crash
}

func (s *NativeSandbox) Execute(ctx context.Context, code string) (*Result, error) {
	callCtx, release, err := s.begin(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	timeout := s.opts.timeout()
	runCtx, cancel := context.WithTimeout(callCtx, timeout)
	defer cancel()

	limit := s.opts.maxOutput()
	out := &streams{stdout: newCappedBuffer(limit), stderr: newCappedBuffer(limit)}

	start := time.Now()
	resp, err := s.roundTrip(runCtx, protocol.MethodExecute, protocol.ExecuteParams{Code: code}, out)
	res := &Result{Duration: time.Since(start)}

	if err == nil {
		var er protocol.ExecuteResult
		if derr := resp.Decode(&er); derr != nil {
			err = fmt.Errorf("executing code: %w", derr)
		} else {
			out.stdout.WriteString(er.Stdout)
			out.stderr.WriteString(er.Stderr)
			res.Result = er.Result
		}
	}
	res.Stdout = out.stdout.String()
	res.Stderr = out.stderr.String()
	markTruncated(res, out.stdout.Dropped()+out.stderr.Dropped(), limit)

	if err != nil && !errors.Is(err, ErrSandboxCrash) && runCtx.Err() != nil {
		s.kill()
		s.logger.Warn("sandbox execution stopped",
			slog.Duration("timeout", timeout),
			slog.Duration("duration", res.Duration),
		)
		return res, s.abort(ctx, timeout)
	}
	return res, err
}

func (s *NativeSandbox) GetVariable(ctx context.Context, name string) (string, bool, error) {
	callCtx, release, err := s.begin(ctx)
	if err != nil {
		return "", false, err
	}
	defer release()

	timeout := s.opts.timeout()
	runCtx, cancel := context.WithTimeout(callCtx, timeout)
	defer cancel()

	resp, err := s.roundTrip(runCtx, protocol.MethodGetVariable, protocol.GetVariableParams{Name: name}, nil)
	if err != nil {
		if !errors.Is(err, ErrSandboxCrash) && runCtx.Err() != nil {
			s.kill()
			return "", false, s.abort(ctx, timeout)
		}
		return "", false, err
	}
	var gv protocol.GetVariableResult
	if err := resp.Decode(&gv); err != nil {
		return "", false, fmt.Errorf("reading variable %q: %w", name, err)
	}
	return gv.Value, gv.Found, nil
}

func (s *NativeSandbox) Cancel() error {
	wasRunning, changed := s.cancel(nil)
	if !changed {
		return nil
	}
	s.kill()
	s.logger.Debug("sandbox cancelled",
		slog.String("backend", string(BackendNative)),
		slog.Bool("in_flight", wasRunning),
	)
	return nil
}

// kill sends SIGKILL to the runner's process group.
func (s *NativeSandbox) kill() {
	s.procMu.Lock()
	defer s.procMu.Unlock()
	if s.cmd == nil || s.cmd.Process == nil {
		return
	}
	select {
	case <-s.exited:
		return
	default:
	}
	// Negative PID = the whole process group.
	_ = syscall.Kill(-s.cmd.Process.Pid, syscall.SIGKILL)
}

func (s *NativeSandbox) Destroy() error {
	if !s.destroy() {
		return nil
	}

	s.procMu.Lock()
	s.shut = true
	started := s.cmd != nil
	s.procMu.Unlock()
	if !started {
		return nil
	}

	close(s.quit)
	// EOF on stdin ends the runner loop; kill if it does not exit in time.
	_ = s.stdin.Close()
	select {
	case <-s.exited:
	case <-time.After(exitGrace):
		s.kill()
		<-s.exited
	}

	if err := os.RemoveAll(s.dir); err != nil {
		s.logger.Warn("failed to remove sandbox temp dir",
			slog.String("dir", s.dir),
			slog.String("error", err.Error()),
		)
	}
	s.logger.Debug("sandbox destroyed", slog.String("backend", string(BackendNative)))
	return nil
}

// tailBuffer keeps the last max bytes written to it.
type tailBuffer struct {
	mu  sync.Mutex
	buf []byte
	max int
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf = append(t.buf, p...)
	if over := len(t.buf) - t.max; over > 0 {
		t.buf = append(t.buf[:0], t.buf[over:]...)
	}
	return len(p), nil
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return string(t.buf)
}
