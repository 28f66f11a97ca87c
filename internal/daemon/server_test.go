package daemon

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/jkaninda/rlm/internal/protocol"
	"github.com/jkaninda/rlm/internal/sandbox"
)

// shortTempDir keeps socket paths under the unix-socket length limit.
func shortTempDir(t *testing.T) string {
	t.Helper()
	dir, err := os.MkdirTemp("", "rlmd")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { os.RemoveAll(dir) })
	return dir
}

func startServer(t *testing.T, pool PoolConfig, opts ...Option) *Server {
	t.Helper()
	dir := shortTempDir(t)
	cfg := Config{
		SocketPath: filepath.Join(dir, "rlm.sock"),
		PIDPath:    filepath.Join(dir, "rlm.pid"),
		Pool:       pool,
	}
	s := New(cfg, discardLogger(), opts...)
	if err := s.Listen(); err != nil {
		t.Fatal(err)
	}
	go func() { _ = s.Serve() }()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = s.Shutdown(ctx)
	})
	return s
}

func dialRaw(t *testing.T, s *Server) (net.Conn, *bufio.Reader) {
	t.Helper()
	nc, err := net.Dial("unix", s.Addr())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { nc.Close() })
	return nc, bufio.NewReader(nc)
}

func readResponse(t *testing.T, nc net.Conn, r *bufio.Reader) protocol.Response {
	t.Helper()
	_ = nc.SetReadDeadline(time.Now().Add(3 * time.Second))
	line, err := r.ReadBytes('\n')
	if err != nil {
		t.Fatalf("reading response: %v", err)
	}
	var resp protocol.Response
	if err := json.Unmarshal(line, &resp); err != nil {
		t.Fatalf("decoding %q: %v", line, err)
	}
	return resp
}

func dialClient(t *testing.T, s *Server, b sandbox.Bridges) *Client {
	t.Helper()
	c, err := Dial(context.Background(), s.Addr(), b, discardLogger())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func TestServer_PipelinedResponsesFollowCompletionOrder(t *testing.T) {
	gate := make(chan struct{})
	ff := &fakeFactory{
		exec: func(ctx context.Context, _ *fakeSandbox, code string) (*sandbox.Result, error) {
			if code == "slow" {
				select {
				case <-gate:
				case <-ctx.Done():
					return nil, ctx.Err()
				}
			}
			return &sandbox.Result{Stdout: code}, nil
		},
	}
	s := startServer(t, PoolConfig{Size: 2}, WithSandboxFactory(ff.New))
	nc, r := dialRaw(t, s)

	if _, err := nc.Write([]byte(`{"id":1,"method":"execute","params":{"code":"slow"}}` + "\n" +
		`{"id":2,"method":"execute","params":{"code":"fast"}}` + "\n")); err != nil {
		t.Fatal(err)
	}

	first := readResponse(t, nc, r)
	if first.ID != 2 {
		t.Fatalf("first response id = %d, want 2", first.ID)
	}
	close(gate)
	second := readResponse(t, nc, r)
	if second.ID != 1 {
		t.Fatalf("second response id = %d, want 1", second.ID)
	}

	var res protocol.ExecuteResult
	if err := second.Decode(&res); err != nil || res.Stdout != "slow" {
		t.Errorf("response 1 = %+v, %v", res, err)
	}
	if err := first.Decode(&res); err != nil || res.Stdout != "fast" {
		t.Errorf("response 2 = %+v, %v", res, err)
	}
}

func TestServer_ProtocolErrorsKeepConnectionUsable(t *testing.T) {
	s := startServer(t, PoolConfig{Size: 1}, WithSandboxFactory((&fakeFactory{}).New))
	nc, r := dialRaw(t, s)

	tests := []struct {
		line string
		id   int64
		code int
	}{
		{`not json`, 0, protocol.CodeParseError},
		{`{"id":7}`, 7, protocol.CodeInvalidRequest},
		{`{"method":"ping"}`, 0, protocol.CodeInvalidRequest},
		{`{"id":0,"method":"stats"}`, 0, protocol.CodeInvalidRequest},
		{`{"id":-3,"method":"ping"}`, 0, protocol.CodeInvalidRequest},
		{`{"id":8,"method":"nope"}`, 8, protocol.CodeMethodNotFound},
		{`{"id":9,"method":"execute","params":{"code":1}}`, 9, protocol.CodeInvalidParams},
		{`{"id":10,"method":"execute","params":{}}`, 10, protocol.CodeInvalidParams},
	}
	for _, tt := range tests {
		if _, err := nc.Write([]byte(tt.line + "\n")); err != nil {
			t.Fatal(err)
		}
		resp := readResponse(t, nc, r)
		if resp.ID != tt.id || resp.Error == nil || resp.Error.Code != tt.code {
			t.Errorf("%s: got id %d error %+v, want id %d code %d", tt.line, resp.ID, resp.Error, tt.id, tt.code)
		}
	}

	if _, err := nc.Write([]byte(`{"id":11,"method":"ping"}` + "\n")); err != nil {
		t.Fatal(err)
	}
	var ping protocol.PingResult
	if resp := readResponse(t, nc, r); resp.ID != 11 || resp.Decode(&ping) != nil || ping.Status != "ok" {
		t.Errorf("ping after errors failed: %+v", resp)
	}
}

func TestServer_PoolExhaustedIsBackpressure(t *testing.T) {
	gate := make(chan struct{})
	defer close(gate)
	ff := &fakeFactory{
		exec: func(ctx context.Context, _ *fakeSandbox, _ string) (*sandbox.Result, error) {
			select {
			case <-gate:
			case <-ctx.Done():
			}
			return &sandbox.Result{}, nil
		},
	}
	s := startServer(t, PoolConfig{Size: 1, QueueSize: -1}, WithSandboxFactory(ff.New))
	c := dialClient(t, s, sandbox.Bridges{})

	go func() { _, _ = c.Execute(context.Background(), "hold", nil, 0) }()
	waitFor(t, "worker to be busy", func() bool { return s.Pool().Stats().Busy == 1 })

	_, err := c.Execute(context.Background(), "more", nil, 0)
	if !errors.Is(err, ErrPoolExhausted) {
		t.Fatalf("expected ErrPoolExhausted, got %v", err)
	}
	var re *RemoteError
	if !errors.As(err, &re) || re.Code != protocol.CodePoolExhausted {
		t.Errorf("error = %#v", err)
	}
}

func TestClient_ExecuteWithBridgeAndContext(t *testing.T) {
	s := startServer(t, PoolConfig{Size: 1, Sandbox: sandbox.Options{Backend: sandbox.BackendInProcess}})
	c := dialClient(t, s, sandbox.Bridges{
		OnLLMQuery: func(_ context.Context, prompt string) (string, error) {
			return "pong:" + prompt, nil
		},
		OnRLMQuery: func(_ context.Context, task, taskContext string) (*sandbox.RLMResult, error) {
			return &sandbox.RLMResult{Answer: task + "/" + taskContext}, nil
		},
	})

	payload := "abcdef"
	res, err := c.Execute(context.Background(),
		"print(llm_query(\"hi\"))\nprint(rlm_query(\"sub\", \"c\"))\nlen(context)", &payload, 0)
	if err != nil {
		t.Fatal(err)
	}
	if res.Stdout != "pong:hi\nsub/c\n" {
		t.Errorf("stdout = %q", res.Stdout)
	}
	if res.Result != "6" {
		t.Errorf("result = %q", res.Result)
	}

	// The next request gets a reset interpreter.
	res, err = c.Execute(context.Background(), "print(len(context))", nil, 0)
	if err != nil {
		t.Fatal(err)
	}
	if res.Stdout != "0\n" {
		t.Errorf("state leaked between requests: stdout = %q", res.Stdout)
	}
}

func TestClient_TimeoutReturnsPartialOutput(t *testing.T) {
	s := startServer(t, PoolConfig{Size: 1, Sandbox: sandbox.Options{Backend: sandbox.BackendInProcess}})
	c := dialClient(t, s, sandbox.Bridges{})

	res, err := c.Execute(context.Background(), "print(\"before\")\nsleep(10000)", nil, 50*time.Millisecond)
	if !errors.Is(err, sandbox.ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
	if res == nil || !strings.Contains(res.Stdout, "before") {
		t.Errorf("partial output lost: %+v", res)
	}
	waitFor(t, "timed-out worker to be retired", func() bool { return s.Pool().Stats().Retired == 1 })

	if _, err := c.Execute(context.Background(), "1 + 1", nil, 0); err != nil {
		t.Errorf("replacement worker: %v", err)
	}
}

func TestClient_ContextCancelStopsRemoteExecution(t *testing.T) {
	s := startServer(t, PoolConfig{Size: 1, Sandbox: sandbox.Options{Backend: sandbox.BackendInProcess}})
	c := dialClient(t, s, sandbox.Bridges{})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		deadline := time.Now().Add(2 * time.Second)
		for s.Pool().Stats().Busy == 0 && time.Now().Before(deadline) {
			time.Sleep(5 * time.Millisecond)
		}
		cancel()
	}()
	if _, err := c.Execute(ctx, "sleep(10000)", nil, 0); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	waitFor(t, "worker to be released", func() bool {
		st := s.Pool().Stats()
		return st.Busy == 0 && st.Retired == 1
	})
}

func TestClient_StatsAndShutdown(t *testing.T) {
	s := startServer(t, PoolConfig{Size: 3, QueueSize: 5}, WithSandboxFactory((&fakeFactory{}).New))
	c := dialClient(t, s, sandbox.Bridges{})

	if _, err := c.Execute(context.Background(), "x", nil, 0); err != nil {
		t.Fatal(err)
	}
	st, err := c.Stats(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if st.Workers != 3 || st.QueueSize != 5 || st.Served != 1 || st.Connections != 1 {
		t.Errorf("stats = %+v", st)
	}

	if err := c.Shutdown(context.Background()); err != nil {
		t.Fatal(err)
	}
	select {
	case <-s.Done():
	case <-time.After(time.Second):
		t.Fatal("shutdown request not signalled")
	}
}

func TestProbe(t *testing.T) {
	s := startServer(t, PoolConfig{Size: 1}, WithSandboxFactory((&fakeFactory{}).New))
	if !Probe(context.Background(), s.Addr()) {
		t.Error("probe did not find the running daemon")
	}
	if Probe(context.Background(), filepath.Join(shortTempDir(t), "none.sock")) {
		t.Error("probe reported a daemon on a missing socket")
	}
}

func TestServer_ShutdownRemovesEndpoint(t *testing.T) {
	dir := shortTempDir(t)
	cfg := Config{
		SocketPath: filepath.Join(dir, "rlm.sock"),
		PIDPath:    filepath.Join(dir, "rlm.pid"),
		Pool:       PoolConfig{Size: 1},
	}
	s := New(cfg, discardLogger(), WithSandboxFactory((&fakeFactory{}).New))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()
	waitFor(t, "daemon to answer", func() bool { return Probe(context.Background(), cfg.SocketPath) })

	if pid, err := ReadPID(cfg.PIDPath); err != nil || pid != os.Getpid() {
		t.Errorf("pid record = %d, %v", pid, err)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return")
	}
	if _, err := os.Stat(cfg.SocketPath); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("socket left behind: %v", err)
	}
	if _, err := os.Stat(cfg.PIDPath); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("pid record left behind: %v", err)
	}
}
