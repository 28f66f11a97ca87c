package daemon

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"
)

// Run binds the socket, warms the pool and serves until ctx is cancelled or
// a client sends shutdown. The IPC server, the admin HTTP server and the
// pool health schedule run as one group: when one fails, all stop.
func (s *Server) Run(ctx context.Context) error {
	if err := s.Listen(); err != nil {
		return err
	}
	s.pool.Warm(ctx)

	sched := cron.New()
	spec := "@every " + s.cfg.healthInterval().String()
	if _, err := sched.AddFunc(spec, func() { s.pool.Sweep(s.baseCtx) }); err != nil {
		_ = s.Shutdown(context.Background())
		return fmt.Errorf("scheduling pool sweep: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(s.Serve)

	var admin *adminServer
	if s.cfg.AdminAddr != "" {
		admin = newAdminServer(s.cfg.AdminAddr, s)
		g.Go(func() error { return admin.Start(gctx) })
	}

	sched.Start()
	s.logger.Info("pool sweep scheduled", slog.String("schedule", spec))

	g.Go(func() error {
		select {
		case <-gctx.Done():
		case <-s.shutdownCh:
		}
		<-sched.Stop().Done()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		if admin != nil {
			if err := admin.Stop(); err != nil {
				s.logger.Warn("admin server shutdown", slog.String("error", err.Error()))
			}
		}
		return s.Shutdown(shutdownCtx)
	})

	return g.Wait()
}
