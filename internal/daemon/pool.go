package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/jkaninda/rlm/internal/observability"
	"github.com/jkaninda/rlm/internal/sandbox"
)

const (
	defaultPoolSize  = 4
	defaultQueueSize = 16
)

// PoolConfig sizes a Pool.
type PoolConfig struct {
	Size        int // worker slots; 0 = 4
	QueueSize   int // waiting requests beyond Size; 0 = 16, negative = no queue
	MaxRequests int // requests served before a worker is replaced; 0 = unlimited
	Sandbox     sandbox.Options
}

func (c PoolConfig) size() int {
	if c.Size <= 0 {
		return defaultPoolSize
	}
	return c.Size
}

func (c PoolConfig) queueSize() int {
	switch {
	case c.QueueSize < 0:
		return 0
	case c.QueueSize == 0:
		return defaultQueueSize
	}
	return c.QueueSize
}

// SandboxFactory builds a worker's sandbox. sandbox.New satisfies it.
type SandboxFactory func(opts sandbox.Options, bridges sandbox.Bridges, logger *slog.Logger) (sandbox.Sandbox, error)

// Callbacks answer the bridge calls made by code running on a worker.
// A server connection implements it by forwarding the calls to its client.
type Callbacks interface {
	LLMQuery(ctx context.Context, prompt string) (string, error)
	RLMQuery(ctx context.Context, task, taskContext string) (string, error)
}

var errNoSession = errors.New("no request is attached to this worker")

type session struct{ cb Callbacks }

// worker is one pool slot. Only the holder of a busy slot touches sb and
// served; writes to sb also take Pool.mu so Close can reach in-flight sandboxes.
type worker struct {
	slot    int
	sb      sandbox.Sandbox
	served  int
	busy    bool
	current atomic.Pointer[session]
}

func (w *worker) callbacks() (Callbacks, error) {
	s := w.current.Load()
	if s == nil || s.cb == nil {
		return nil, errNoSession
	}
	return s.cb, nil
}

// bridges route the sandbox's callbacks to the request currently holding
// the worker, so one warm sandbox can serve many clients in turn.
func (w *worker) bridges() sandbox.Bridges {
	return sandbox.Bridges{
		OnLLMQuery: func(ctx context.Context, prompt string) (string, error) {
			cb, err := w.callbacks()
			if err != nil {
				return "", err
			}
			return cb.LLMQuery(ctx, prompt)
		},
		OnRLMQuery: func(ctx context.Context, task, taskContext string) (*sandbox.RLMResult, error) {
			cb, err := w.callbacks()
			if err != nil {
				return nil, err
			}
			answer, err := cb.RLMQuery(ctx, task, taskContext)
			if err != nil {
				return nil, err
			}
			return &sandbox.RLMResult{Answer: answer}, nil
		},
	}
}

// PoolStats is a point-in-time view of the pool.
type PoolStats struct {
	Workers   int   `json:"workers"`
	Busy      int   `json:"busy"`
	Idle      int   `json:"idle"`
	Warm      int   `json:"warm"`
	Queued    int   `json:"queued"`
	QueueSize int   `json:"queue_size"`
	Served    int64 `json:"served"`
	Retired   int64 `json:"retired"`
	Rejected  int64 `json:"rejected"`
}

// Pool hands requests to a bounded set of sandbox workers. A request takes
// the first idle slot, else waits in a bounded FIFO queue, else is rejected
// with ErrPoolExhausted. Workers that crash, time out, get cancelled or reach
// their request budget are retired and lazily replaced.
type Pool struct {
	cfg        PoolConfig
	newSandbox SandboxFactory
	metrics    *observability.MetricsCollector
	logger     *slog.Logger

	mu      sync.Mutex
	workers []*worker
	waiters []chan *worker
	closed  bool

	served   atomic.Int64
	retired  atomic.Int64
	rejected atomic.Int64
}

// NewPool creates a pool of empty slots. Call Warm to start the sandboxes
// ahead of the first request.
func NewPool(cfg PoolConfig, newSandbox SandboxFactory, metrics *observability.MetricsCollector, logger *slog.Logger) *Pool {
	if newSandbox == nil {
		newSandbox = sandbox.New
	}
	p := &Pool{
		cfg:        cfg,
		newSandbox: newSandbox,
		metrics:    metrics,
		logger:     logger,
	}
	for i := range cfg.size() {
		p.workers = append(p.workers, &worker{slot: i})
	}
	p.observeLocked()
	return p
}

// Run borrows a worker, reinitializes its sandbox with payload (clearing
// state left by earlier requests) and calls fn with it. Bridge calls made
// while fn runs are answered by cb.
func (p *Pool) Run(ctx context.Context, payload string, cb Callbacks, fn func(context.Context, sandbox.Sandbox) error) error {
	w, err := p.acquire(ctx)
	if err != nil {
		return err
	}
	reason := ""
	defer func() { p.release(w, reason) }()

	sb, err := p.ensure(w)
	if err != nil {
		return err
	}
	w.current.Store(&session{cb: cb})
	defer w.current.Store(nil)

	if err := sb.Initialize(ctx, payload); err != nil {
		reason = "init_failed"
		return fmt.Errorf("preparing worker %d: %w", w.slot, err)
	}

	err = fn(ctx, sb)
	w.served++
	p.served.Add(1)

	switch {
	case errors.Is(err, sandbox.ErrSandboxCrash):
		reason = "crash"
	case errors.Is(err, sandbox.ErrTimeout):
		reason = "timeout"
	case sb.State().Terminal():
		reason = "cancelled"
	case p.cfg.MaxRequests > 0 && w.served >= p.cfg.MaxRequests:
		reason = "budget"
	}
	return err
}

func (p *Pool) acquire(ctx context.Context) (*worker, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrPoolClosed
	}
	for _, w := range p.workers {
		if !w.busy {
			w.busy = true
			p.observeLocked()
			p.mu.Unlock()
			return w, nil
		}
	}
	if len(p.waiters) >= p.cfg.queueSize() {
		p.mu.Unlock()
		p.rejected.Add(1)
		if p.metrics != nil {
			p.metrics.PoolRejectedTotal.Inc()
		}
		return nil, ErrPoolExhausted
	}
	ch := make(chan *worker, 1)
	p.waiters = append(p.waiters, ch)
	p.observeLocked()
	p.mu.Unlock()

	select {
	case w, ok := <-ch:
		if !ok {
			return nil, ErrPoolClosed
		}
		return w, nil
	case <-ctx.Done():
		p.mu.Lock()
		removed := p.removeWaiterLocked(ch)
		p.observeLocked()
		p.mu.Unlock()
		if !removed {
			// A worker was handed over while we gave up; pass it on.
			if w, ok := <-ch; ok {
				p.release(w, "")
			}
		}
		return nil, ctx.Err()
	}
}

func (p *Pool) removeWaiterLocked(ch chan *worker) bool {
	for i, c := range p.waiters {
		if c == ch {
			p.waiters = append(p.waiters[:i], p.waiters[i+1:]...)
			return true
		}
	}
	return false
}

// release returns w to the pool, retiring its sandbox when reason is set.
// A waiting request receives the slot directly.
func (p *Pool) release(w *worker, reason string) {
	var old sandbox.Sandbox
	p.mu.Lock()
	if p.closed && reason == "" {
		reason = "shutdown"
	}
	if reason != "" && w.sb != nil {
		old = w.sb
		w.sb = nil
		w.served = 0
	}
	p.handoffLocked(w)
	p.mu.Unlock()

	if old != nil {
		p.retire(w.slot, old, reason)
	}
}

func (p *Pool) handoffLocked(w *worker) {
	if !p.closed && len(p.waiters) > 0 {
		ch := p.waiters[0]
		p.waiters = p.waiters[1:]
		ch <- w
		p.observeLocked()
		return
	}
	w.busy = false
	p.observeLocked()
}

func (p *Pool) retire(slot int, sb sandbox.Sandbox, reason string) {
	_ = sb.Destroy()
	p.retired.Add(1)
	if p.metrics != nil {
		p.metrics.PoolRetiredTotal.WithLabelValues(reason).Inc()
	}
	p.logger.Info("worker retired", slog.Int("worker", slot), slog.String("reason", reason))
}

// ensure gives the held worker a sandbox, creating one if the slot is empty.
func (p *Pool) ensure(w *worker) (sandbox.Sandbox, error) {
	if w.sb != nil {
		return w.sb, nil
	}
	sb, err := p.newSandbox(p.cfg.Sandbox, w.bridges(), p.logger.With(slog.Int("worker", w.slot)))
	if err != nil {
		return nil, fmt.Errorf("starting worker %d: %w", w.slot, err)
	}
	p.setSandbox(w, sb)
	return sb, nil
}

func (p *Pool) setSandbox(w *worker, sb sandbox.Sandbox) {
	p.mu.Lock()
	w.sb = sb
	p.mu.Unlock()
}

// Warm starts a sandbox in every idle empty slot.
func (p *Pool) Warm(ctx context.Context) {
	p.Sweep(ctx)
}

// Sweep is the periodic health pass: idle workers whose sandbox became
// unusable are retired, and empty idle slots are refilled and warmed.
// Busy workers are left alone.
func (p *Pool) Sweep(ctx context.Context) {
	for i := range p.workers {
		w := p.claim(i)
		if w == nil {
			continue
		}
		if old := w.sb; old != nil && old.State().Terminal() {
			p.setSandbox(w, nil)
			w.served = 0
			p.retire(w.slot, old, "unhealthy")
		}
		if w.sb == nil && ctx.Err() == nil {
			if sb, err := p.ensure(w); err != nil {
				p.logger.Warn("worker start failed", slog.Int("worker", w.slot), slog.String("error", err.Error()))
			} else if err := sb.Initialize(ctx, ""); err != nil {
				p.logger.Warn("worker warm-up failed", slog.Int("worker", w.slot), slog.String("error", err.Error()))
				p.setSandbox(w, nil)
				_ = sb.Destroy()
			}
		}
		p.release(w, "")
	}
}

// claim marks slot i busy if it is idle.
func (p *Pool) claim(i int) *worker {
	p.mu.Lock()
	defer p.mu.Unlock()
	w := p.workers[i]
	if p.closed || w.busy {
		return nil
	}
	w.busy = true
	p.observeLocked()
	return w
}

// Stats returns a snapshot of slot usage and counters.
func (p *Pool) Stats() PoolStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := PoolStats{
		Workers:   len(p.workers),
		Queued:    len(p.waiters),
		QueueSize: p.cfg.queueSize(),
		Served:    p.served.Load(),
		Retired:   p.retired.Load(),
		Rejected:  p.rejected.Load(),
	}
	for _, w := range p.workers {
		if w.busy {
			s.Busy++
		} else if w.sb != nil {
			s.Warm++
		}
	}
	s.Idle = s.Workers - s.Busy
	return s
}

// Ready reports an error unless the pool can take work.
func (p *Pool) Ready(context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrPoolClosed
	}
	return nil
}

// Close rejects new requests, fails queued ones, cancels in-flight
// executions and destroys idle sandboxes. Busy workers are destroyed as
// their requests return.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	for _, ch := range p.waiters {
		close(ch)
	}
	p.waiters = nil

	var idle, busy []sandbox.Sandbox
	for _, w := range p.workers {
		if w.sb == nil {
			continue
		}
		if w.busy {
			busy = append(busy, w.sb)
			continue
		}
		idle = append(idle, w.sb)
		w.sb = nil
	}
	p.observeLocked()
	p.mu.Unlock()

	for _, sb := range busy {
		_ = sb.Cancel()
	}
	for _, sb := range idle {
		_ = sb.Destroy()
	}
}

func (p *Pool) observeLocked() {
	if p.metrics == nil {
		return
	}
	var busy int
	for _, w := range p.workers {
		if w.busy {
			busy++
		}
	}
	p.metrics.PoolWorkers.WithLabelValues("busy").Set(float64(busy))
	p.metrics.PoolWorkers.WithLabelValues("idle").Set(float64(len(p.workers) - busy))
	p.metrics.PoolQueueDepth.Set(float64(len(p.waiters)))
}
