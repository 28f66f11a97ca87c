package daemon

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/jkaninda/okapi"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/jkaninda/rlm/internal/observability"
)

// adminServer exposes health, readiness, pool statistics and Prometheus
// metrics over HTTP.
type adminServer struct {
	okapi  *okapi.Okapi
	server *http.Server
	daemon *Server
	addr   string
	logger *slog.Logger
}

// HealthResponse is the JSON body for /healthz.
type HealthResponse struct {
	Status string `json:"status"`
}

func newAdminServer(addr string, s *Server) *adminServer {
	a := &adminServer{
		okapi:  okapi.New(),
		daemon: s,
		addr:   addr,
		logger: s.logger.With(slog.String("component", "admin")),
	}
	m := s.obs.MetricsOrNil()
	if m != nil || s.tracer != nil {
		a.okapi.UseMiddleware(func(next http.Handler) http.Handler {
			return observability.HTTPMetricsMiddleware(m, s.tracer, next)
		})
	}

	a.okapi.Get("/healthz", a.handleLiveness)
	a.okapi.Get("/readyz", a.handleReadiness)
	a.okapi.Get("/v1/pool", a.handlePool)
	if m != nil {
		a.okapi.HandleStd("GET", "/metrics", promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{}).ServeHTTP)
	}
	return a
}

// Start serves until Stop. It returns nil after a graceful stop.
func (a *adminServer) Start(ctx context.Context) error {
	a.server = &http.Server{
		Addr:              a.addr,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
		BaseContext:       func(_ net.Listener) context.Context { return ctx },
	}
	a.logger.Info("admin server starting", slog.String("addr", a.addr))
	if err := a.okapi.StartServer(a.server); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Stop gracefully shuts the HTTP server down.
func (a *adminServer) Stop() error {
	if a.server == nil {
		return nil
	}
	a.logger.Info("admin server stopping")
	return a.okapi.Shutdown(a.server)
}

func (a *adminServer) handleLiveness(c *okapi.Context) error {
	return c.OK(&HealthResponse{Status: "ok"})
}

// handleReadiness runs the registered checks and answers 200 or 503.
func (a *adminServer) handleReadiness(c *okapi.Context) error {
	obs := a.daemon.obs
	if obs == nil || obs.Health == nil {
		if err := a.daemon.pool.Ready(c.Context()); err != nil {
			return c.JSON(http.StatusServiceUnavailable, &HealthResponse{Status: "degraded"})
		}
		return c.OK(&HealthResponse{Status: "ok"})
	}
	status := obs.Health.CheckReady(c.Context())
	code := http.StatusOK
	if status.Status != "ok" {
		code = http.StatusServiceUnavailable
	}
	return c.JSON(code, status)
}

func (a *adminServer) handlePool(c *okapi.Context) error {
	return c.OK(a.daemon.pool.Stats())
}
