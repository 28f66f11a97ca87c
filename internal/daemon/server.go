package daemon

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jkaninda/rlm/internal/observability"
	"github.com/jkaninda/rlm/internal/protocol"
	"github.com/jkaninda/rlm/internal/sandbox"
)

type handlerFunc func(ctx context.Context, c *conn, req *protocol.Request) (any, error)

// Server accepts connections on a unix socket and serves requests from a
// worker pool.
type Server struct {
	cfg        Config
	pool       *Pool
	logger     *slog.Logger
	obs        *observability.Observability
	tracer     trace.Tracer
	newSandbox SandboxFactory
	methods    map[string]handlerFunc
	instanceID string
	started    time.Time

	baseCtx    context.Context
	cancelBase context.CancelFunc

	mu       sync.Mutex
	listener net.Listener
	conns    map[*conn]struct{}
	closing  bool
	requests sync.WaitGroup
	connWG   sync.WaitGroup

	shutdownOnce sync.Once
	shutdownCh   chan struct{}
}

// Option configures a Server.
type Option func(*Server)

// WithObservability records metrics and spans and registers the pool as a
// readiness check.
func WithObservability(obs *observability.Observability) Option {
	return func(s *Server) { s.obs = obs }
}

// WithSandboxFactory replaces sandbox.New for the pool's workers.
func WithSandboxFactory(f SandboxFactory) Option {
	return func(s *Server) { s.newSandbox = f }
}

// New creates a Server. Nothing is bound until Listen or Run.
func New(cfg Config, logger *slog.Logger, opts ...Option) *Server {
	s := &Server{
		cfg:        cfg,
		logger:     logger,
		instanceID: uuid.NewString(),
		conns:      make(map[*conn]struct{}),
		shutdownCh: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.baseCtx, s.cancelBase = context.WithCancel(context.Background())
	if ts := s.obs.TracerOrNil(); ts != nil {
		s.tracer = ts.Tracer()
	}
	s.pool = NewPool(cfg.Pool, s.newSandbox, s.obs.MetricsOrNil(), logger)
	if s.obs != nil && s.obs.Health != nil {
		s.obs.Health.AddCheck("worker_pool", s.pool.Ready)
	}
	s.methods = map[string]handlerFunc{
		protocol.MethodPing:     s.handlePing,
		protocol.MethodStats:    s.handleStats,
		protocol.MethodExecute:  s.handleExecute,
		protocol.MethodCancel:   s.handleCancel,
		protocol.MethodShutdown: s.handleShutdown,
	}
	return s
}

// Pool returns the server's worker pool.
func (s *Server) Pool() *Pool { return s.pool }

// Listen binds the socket, clearing a stale endpoint left by a dead daemon,
// and records this process's PID.
func (s *Server) Listen() error {
	ln, err := listenExclusive(s.cfg.SocketPath, s.cfg.PIDPath, s.logger)
	if err != nil {
		return err
	}
	if s.cfg.PIDPath != "" {
		if err := WritePID(s.cfg.PIDPath, os.Getpid()); err != nil {
			ln.Close()
			return err
		}
	}
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()
	s.started = time.Now()
	s.logger.Info("daemon listening",
		slog.String("socket", s.cfg.SocketPath),
		slog.String("instance_id", s.instanceID),
		slog.Int("workers", s.cfg.Pool.size()),
	)
	return nil
}

// Addr returns the bound socket path.
func (s *Server) Addr() string { return s.cfg.SocketPath }

// Serve accepts connections until Shutdown. It returns nil after a
// graceful shutdown.
func (s *Server) Serve() error {
	s.mu.Lock()
	ln := s.listener
	s.mu.Unlock()
	if ln == nil {
		return errors.New("daemon: Serve called before Listen")
	}
	for {
		nc, err := ln.Accept()
		if err != nil {
			if s.isClosing() {
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			return fmt.Errorf("accepting connection: %w", err)
		}
		c := s.newConn(nc)
		if !s.track(c) {
			nc.Close()
			return nil
		}
		go func() {
			defer s.connWG.Done()
			defer s.untrack(c)
			c.serve()
		}()
	}
}

// Done is closed when a client asks the daemon to shut down.
func (s *Server) Done() <-chan struct{} { return s.shutdownCh }

// RequestShutdown asks Run to stop. Safe to call more than once.
func (s *Server) RequestShutdown() {
	s.shutdownOnce.Do(func() { close(s.shutdownCh) })
}

// Shutdown stops accepting, lets in-flight requests finish until ctx
// expires (then cancels them), closes connections and the pool, and removes
// the socket and PID record.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		return nil
	}
	s.closing = true
	ln := s.listener
	s.mu.Unlock()

	s.logger.Info("daemon shutting down")
	if ln != nil {
		ln.Close()
	}

	drained := make(chan struct{})
	go func() {
		s.requests.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-ctx.Done():
		s.logger.Warn("shutdown grace expired, cancelling in-flight requests")
		s.cancelBase()
		<-drained
	}
	s.cancelBase()

	s.mu.Lock()
	for c := range s.conns {
		c.nc.Close()
	}
	s.mu.Unlock()
	s.connWG.Wait()
	s.pool.Close()

	if ln != nil {
		if err := os.Remove(s.cfg.SocketPath); err != nil && !errors.Is(err, os.ErrNotExist) {
			s.logger.Warn("removing socket", slog.String("error", err.Error()))
		}
	}
	if s.cfg.PIDPath != "" {
		if err := RemovePID(s.cfg.PIDPath, os.Getpid()); err != nil {
			return err
		}
	}
	return nil
}

func (s *Server) isClosing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closing
}

func (s *Server) track(c *conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closing {
		return false
	}
	s.conns[c] = struct{}{}
	s.connWG.Add(1)
	if m := s.obs.MetricsOrNil(); m != nil {
		m.IPCConnections.Inc()
	}
	return true
}

func (s *Server) untrack(c *conn) {
	s.mu.Lock()
	delete(s.conns, c)
	s.mu.Unlock()
	if m := s.obs.MetricsOrNil(); m != nil {
		m.IPCConnections.Dec()
	}
}

func (s *Server) connections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

// beginRequest registers an in-flight request unless shutdown has started.
func (s *Server) beginRequest() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closing {
		return false
	}
	s.requests.Add(1)
	return true
}

// handle runs one request and builds its response.
func (s *Server) handle(ctx context.Context, c *conn, req *protocol.Request, h handlerFunc) *protocol.Response {
	if s.tracer != nil {
		var span trace.Span
		ctx, span = s.tracer.Start(ctx, "daemon."+req.Method,
			trace.WithAttributes(attribute.Int64("rpc.id", req.ID)))
		defer span.End()
	}

	start := time.Now()
	result, err := h(ctx, c, req)
	duration := time.Since(start)

	status := "ok"
	var resp *protocol.Response
	if err == nil {
		resp, err = protocol.NewResult(req.ID, result)
	}
	if err != nil {
		status = "error"
		rpcErr := toRPCError(err)
		resp = protocol.NewErrorResponse(req.ID, rpcErr)
		if s.tracer != nil {
			span := trace.SpanFromContext(ctx)
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		c.logger.Debug("request failed",
			slog.Int64("id", req.ID),
			slog.String("method", req.Method),
			slog.Int("code", rpcErr.Code),
			slog.String("error", rpcErr.Message),
		)
	}

	if m := s.obs.MetricsOrNil(); m != nil {
		m.IPCRequestsTotal.WithLabelValues(req.Method, status).Inc()
		m.IPCRequestDuration.WithLabelValues(req.Method).Observe(duration.Seconds())
	}
	return resp
}

// toRPCError translates a handler error into its wire form.
func toRPCError(err error) *protocol.Error {
	var rpcErr *protocol.Error
	if errors.As(err, &rpcErr) {
		return rpcErr
	}
	code := protocol.CodeInternalError
	switch {
	case errors.Is(err, ErrPoolExhausted):
		code = protocol.CodePoolExhausted
	case errors.Is(err, sandbox.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		code = protocol.CodeTimeout
	case errors.Is(err, sandbox.ErrSandboxCrash):
		code = protocol.CodeSandboxCrash
	case errors.Is(err, sandbox.ErrCancelled), errors.Is(err, context.Canceled),
		errors.Is(err, ErrPoolClosed), errors.Is(err, ErrShuttingDown):
		code = protocol.CodeCancelled
	case errors.Is(err, sandbox.ErrConfig), errors.Is(err, sandbox.ErrUnimplementedBackend):
		code = protocol.CodeUnknownBackend
	}
	return &protocol.Error{Code: code, Message: err.Error()}
}

// --- Methods ---

func (s *Server) handlePing(context.Context, *conn, *protocol.Request) (any, error) {
	return protocol.PingResult{
		Status:     "ok",
		PID:        os.Getpid(),
		InstanceID: s.instanceID,
		Backend:    string(s.cfg.Pool.Sandbox.Backend),
	}, nil
}

func (s *Server) handleStats(context.Context, *conn, *protocol.Request) (any, error) {
	ps := s.pool.Stats()
	return protocol.StatsResult{
		Workers:      ps.Workers,
		Busy:         ps.Busy,
		Idle:         ps.Idle,
		Queued:       ps.Queued,
		QueueSize:    ps.QueueSize,
		Served:       ps.Served,
		Retired:      ps.Retired,
		Rejected:     ps.Rejected,
		Connections:  s.connections(),
		UptimeMillis: time.Since(s.started).Milliseconds(),
	}, nil
}

func (s *Server) handleExecute(ctx context.Context, c *conn, req *protocol.Request) (any, error) {
	var p protocol.ExecuteParams
	if perr := req.DecodeParams(&p); perr != nil {
		return nil, perr
	}
	if p.Code == "" {
		return nil, protocol.Errorf(protocol.CodeInvalidParams, "execute: code is required")
	}
	if p.TimeoutMs < 0 {
		return nil, protocol.Errorf(protocol.CodeInvalidParams, "execute: negative timeout_ms %d", p.TimeoutMs)
	}
	if p.TimeoutMs > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(p.TimeoutMs)*time.Millisecond)
		defer cancel()
	}
	var payload string
	if p.Context != nil {
		payload = *p.Context
	}

	var res *sandbox.Result
	err := s.pool.Run(ctx, payload, c, func(ctx context.Context, sb sandbox.Sandbox) error {
		var err error
		res, err = sb.Execute(ctx, p.Code)
		return err
	})
	if err != nil {
		rpcErr := toRPCError(err)
		if res != nil {
			rpcErr.WithData(executeResult(res))
		}
		return nil, rpcErr
	}
	return executeResult(res), nil
}

func executeResult(r *sandbox.Result) protocol.ExecuteResult {
	return protocol.ExecuteResult{
		Stdout:     r.Stdout,
		Stderr:     r.Stderr,
		Result:     r.Result,
		DurationMs: float64(r.Duration) / float64(time.Millisecond),
		Warning:    r.Warning,
		Truncated:  r.Truncated,
	}
}

func (s *Server) handleCancel(_ context.Context, c *conn, req *protocol.Request) (any, error) {
	var p protocol.CancelParams
	if perr := req.DecodeParams(&p); perr != nil {
		return nil, perr
	}
	return protocol.CancelResult{Cancelled: c.cancelRequest(p.ID)}, nil
}

func (s *Server) handleShutdown(context.Context, *conn, *protocol.Request) (any, error) {
	s.RequestShutdown()
	return protocol.StatusResult{Status: "shutting_down"}, nil
}

// --- Connections ---

// conn is one client connection. Requests are handled concurrently and
// answered in completion order through a shared encoder.
type conn struct {
	s      *Server
	nc     net.Conn
	enc    *protocol.Encoder
	logger *slog.Logger
	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	inflight map[int64]context.CancelFunc
	pending  map[int64]chan *protocol.Response
	nextID   int64 // daemon-initiated ids count down from -1
	closed   bool
}

func (s *Server) newConn(nc net.Conn) *conn {
	ctx, cancel := context.WithCancel(s.baseCtx)
	return &conn{
		s:        s,
		nc:       nc,
		enc:      protocol.NewEncoder(nc),
		logger:   s.logger.With(slog.String("conn", uuid.NewString()[:8])),
		ctx:      ctx,
		cancel:   cancel,
		inflight: make(map[int64]context.CancelFunc),
		pending:  make(map[int64]chan *protocol.Response),
	}
}

func (c *conn) serve() {
	defer c.close()
	c.logger.Debug("connection opened")
	dec := protocol.NewDecoder(c.nc, c.s.cfg.MaxFrameSize)
	for {
		line, err := dec.Next()
		if errors.Is(err, protocol.ErrFrameTooLarge) {
			c.reply(protocol.NewErrorResponse(protocol.ParseErrorID,
				protocol.Errorf(protocol.CodeInvalidRequest, "invalid request: %v", err)))
			continue
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				c.logger.Debug("connection read failed", slog.String("error", err.Error()))
			}
			return
		}

		f, perr := protocol.ParseFrame(line)
		if perr != nil {
			id := protocol.ParseErrorID
			if f != nil {
				id = f.ID
			}
			c.reply(protocol.NewErrorResponse(id, perr))
			continue
		}
		switch {
		case f.IsResponse():
			c.deliver(f.Response())
		case f.ID <= 0:
			// Clients send no notifications and negative ids belong to the server.
			c.reply(protocol.NewErrorResponse(protocol.ParseErrorID,
				protocol.Errorf(protocol.CodeInvalidRequest, "invalid request: %s needs a positive id", f.Method)))
		default:
			c.dispatch(f.Request())
		}
	}
}

func (c *conn) dispatch(req *protocol.Request) {
	h, ok := c.s.methods[req.Method]
	if !ok {
		c.reply(protocol.NewErrorResponse(req.ID,
			protocol.Errorf(protocol.CodeMethodNotFound, "method not found: %s", req.Method)))
		return
	}
	if !c.s.beginRequest() {
		c.reply(protocol.NewErrorResponse(req.ID, toRPCError(ErrShuttingDown)))
		return
	}

	ctx, cancel := context.WithCancel(c.ctx)
	c.mu.Lock()
	_, dup := c.inflight[req.ID]
	if !dup {
		c.inflight[req.ID] = cancel
	}
	c.mu.Unlock()
	if dup {
		cancel()
		c.s.requests.Done()
		c.reply(protocol.NewErrorResponse(req.ID,
			protocol.Errorf(protocol.CodeInvalidRequest, "invalid request: id %d is already in flight", req.ID)))
		return
	}

	go func() {
		defer c.s.requests.Done()
		resp := c.s.handle(ctx, c, req, h)
		c.mu.Lock()
		delete(c.inflight, req.ID)
		c.mu.Unlock()
		cancel()
		c.reply(resp)
	}()
}

func (c *conn) cancelRequest(id int64) bool {
	c.mu.Lock()
	cancel, ok := c.inflight[id]
	c.mu.Unlock()
	if ok {
		cancel()
	}
	return ok
}

func (c *conn) reply(resp *protocol.Response) {
	if err := c.enc.Encode(resp); err != nil {
		c.logger.Debug("writing response failed", slog.Int64("id", resp.ID), slog.String("error", err.Error()))
	}
}

func (c *conn) deliver(resp *protocol.Response) {
	c.mu.Lock()
	ch, ok := c.pending[resp.ID]
	delete(c.pending, resp.ID)
	c.mu.Unlock()
	if !ok {
		c.logger.Debug("dropping unmatched response", slog.Int64("id", resp.ID))
		return
	}
	ch <- resp
}

// close cancels the connection's requests and fails its outstanding
// bridge calls.
func (c *conn) close() {
	c.cancel()
	c.mu.Lock()
	c.closed = true
	for id, ch := range c.pending {
		close(ch)
		delete(c.pending, id)
	}
	c.mu.Unlock()
	c.nc.Close()
	c.logger.Debug("connection closed")
}

// call sends a daemon-initiated request to the client and waits for its answer.
func (c *conn) call(ctx context.Context, method string, params, out any) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrConnClosed
	}
	c.nextID--
	id := c.nextID
	ch := make(chan *protocol.Response, 1)
	c.pending[id] = ch
	c.mu.Unlock()

	forget := func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}

	req, err := protocol.NewRequest(id, method, params)
	if err != nil {
		forget()
		return err
	}
	if err := c.enc.Encode(req); err != nil {
		forget()
		return fmt.Errorf("%s: %w", method, err)
	}

	select {
	case resp, ok := <-ch:
		if !ok {
			return fmt.Errorf("%s: %w", method, ErrConnClosed)
		}
		if resp.Error != nil {
			return remoteError(resp.Error)
		}
		return resp.Decode(out)
	case <-ctx.Done():
		forget()
		return ctx.Err()
	}
}

// LLMQuery forwards a worker's llm_query to the client.
func (c *conn) LLMQuery(ctx context.Context, prompt string) (string, error) {
	var out protocol.BridgeResult
	if err := c.call(ctx, protocol.MethodBridgeLLM, protocol.BridgeLLMParams{Prompt: prompt}, &out); err != nil {
		return "", err
	}
	return out.Text, nil
}

// RLMQuery forwards a worker's rlm_query to the client.
func (c *conn) RLMQuery(ctx context.Context, task, taskContext string) (string, error) {
	var out protocol.BridgeResult
	params := protocol.BridgeRLMParams{Task: task, Context: taskContext}
	if err := c.call(ctx, protocol.MethodBridgeRLM, params, &out); err != nil {
		return "", err
	}
	return out.Text, nil
}
