package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/jkaninda/rlm/internal/protocol"
	"github.com/jkaninda/rlm/internal/sandbox"
)

// Client talks to a daemon over its socket. Calls may be issued
// concurrently; each is correlated with its response by id. Bridge requests
// sent by the daemon while it runs this client's code are answered with the
// Bridges given to Dial.
type Client struct {
	nc      net.Conn
	enc     *protocol.Encoder
	bridges sandbox.Bridges
	logger  *slog.Logger
	ctx     context.Context // cancelled on Close; bounds bridge calls
	cancel  context.CancelFunc

	mu      sync.Mutex
	nextID  int64
	pending map[int64]chan *protocol.Response
	closed  bool
	done    chan struct{}
}

// Dial connects to the daemon listening on socketPath.
func Dial(ctx context.Context, socketPath string, bridges sandbox.Bridges, logger *slog.Logger) (*Client, error) {
	var d net.Dialer
	nc, err := d.DialContext(ctx, "unix", socketPath)
	if err != nil {
		return nil, fmt.Errorf("connecting to daemon at %s: %w", socketPath, err)
	}
	bctx, cancel := context.WithCancel(context.Background())
	c := &Client{
		ctx:     bctx,
		cancel:  cancel,
		nc:      nc,
		enc:     protocol.NewEncoder(nc),
		bridges: bridges,
		logger:  logger,
		pending: make(map[int64]chan *protocol.Response),
		done:    make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

// Close closes the connection; outstanding calls fail with ErrConnClosed.
func (c *Client) Close() error {
	c.cancel()
	err := c.nc.Close()
	<-c.done
	return err
}

// Call sends method with params and decodes the result into out (which may
// be nil). An error response is returned as a *RemoteError. When ctx ends
// first, an in-flight execute is cancelled on the daemon.
func (c *Client) Call(ctx context.Context, method string, params, out any) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrConnClosed
	}
	c.nextID++
	id := c.nextID
	ch := make(chan *protocol.Response, 1)
	c.pending[id] = ch
	c.mu.Unlock()

	req, err := protocol.NewRequest(id, method, params)
	if err != nil {
		c.forget(id)
		return err
	}
	if err := c.enc.Encode(req); err != nil {
		c.forget(id)
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
		c.forget(id)
		if method == protocol.MethodExecute {
			go c.cancelRemote(id)
		}
		return ctx.Err()
	}
}

func (c *Client) cancelRemote(id int64) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := c.Call(ctx, protocol.MethodCancel, protocol.CancelParams{ID: id}, nil); err != nil {
		c.logger.Debug("remote cancel failed", slog.Int64("id", id), slog.String("error", err.Error()))
	}
}

func (c *Client) forget(id int64) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

func (c *Client) readLoop() {
	defer close(c.done)
	defer c.fail()
	dec := protocol.NewDecoder(c.nc, 0)
	for {
		line, err := dec.Next()
		if errors.Is(err, protocol.ErrFrameTooLarge) {
			c.logger.Warn("dropping oversized frame from daemon")
			continue
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				c.logger.Debug("daemon connection read failed", slog.String("error", err.Error()))
			}
			return
		}
		f, perr := protocol.ParseFrame(line)
		if perr != nil {
			c.logger.Debug("malformed frame from daemon", slog.String("error", perr.Message))
			continue
		}
		switch {
		case f.IsResponse():
			c.mu.Lock()
			ch, ok := c.pending[f.ID]
			delete(c.pending, f.ID)
			c.mu.Unlock()
			if ok {
				ch <- f.Response()
			}
		case f.IsRequest():
			go c.answer(f.Request())
		}
	}
}

func (c *Client) answer(req *protocol.Request) {
	resp := sandbox.AnswerBridge(c.ctx, c.bridges, req)
	if err := c.enc.Encode(resp); err != nil {
		c.logger.Debug("answering bridge call failed", slog.String("method", req.Method), slog.String("error", err.Error()))
	}
}

func (c *Client) fail() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	for id, ch := range c.pending {
		close(ch)
		delete(c.pending, id)
	}
}

// Ping checks the daemon is alive and identifies it.
func (c *Client) Ping(ctx context.Context) (*protocol.PingResult, error) {
	var out protocol.PingResult
	if err := c.Call(ctx, protocol.MethodPing, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Stats returns the daemon's pool statistics.
func (c *Client) Stats(ctx context.Context) (*protocol.StatsResult, error) {
	var out protocol.StatsResult
	if err := c.Call(ctx, protocol.MethodStats, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Execute runs code on a pooled worker whose state is reset to taskContext.
// On timeout the partial result is returned along with the error.
func (c *Client) Execute(ctx context.Context, code string, taskContext *string, timeout time.Duration) (*protocol.ExecuteResult, error) {
	params := protocol.ExecuteParams{Code: code, Context: taskContext, TimeoutMs: timeout.Milliseconds()}
	var out protocol.ExecuteResult
	err := c.Call(ctx, protocol.MethodExecute, params, &out)
	if err != nil {
		var re *RemoteError
		if errors.As(err, &re) && len(re.Data) > 0 {
			var partial protocol.ExecuteResult
			if jerr := json.Unmarshal(re.Data, &partial); jerr == nil {
				return &partial, err
			}
		}
		return nil, err
	}
	return &out, nil
}

// Shutdown asks the daemon to stop gracefully.
func (c *Client) Shutdown(ctx context.Context) error {
	return c.Call(ctx, protocol.MethodShutdown, nil, nil)
}

// Probe reports whether a daemon answers ping on socketPath. It matches
// sandbox.DetectOptions.Probe.
func Probe(ctx context.Context, socketPath string) bool {
	ctx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	c, err := Dial(ctx, socketPath, sandbox.Bridges{}, slog.New(slog.DiscardHandler))
	if err != nil {
		return false
	}
	defer c.Close()
	_, err = c.Ping(ctx)
	return err == nil
}
