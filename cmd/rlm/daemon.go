package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/jkaninda/rlm/internal/bridge"
	"github.com/jkaninda/rlm/internal/daemon"
	"github.com/jkaninda/rlm/internal/sandbox"
)

var errDaemonNotRunning = errors.New("daemon is not running")

var (
	daemonBackend   string
	daemonWorkers   int
	daemonAdminAddr string
	daemonDetach    bool
	daemonStatusRaw bool
	daemonExecCode  string
	daemonExecCtx   string
	daemonExecWait  time.Duration
)

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Manage the pooled sandbox daemon",
	Long: `The daemon keeps a pool of pre-initialized sandboxes behind a local
socket so that runs using the daemon backend skip interpreter startup.`,
}

var daemonStartCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the daemon in the foreground",
	RunE:  runDaemonStart,
}

var daemonStopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Ask a running daemon to shut down",
	RunE:  runDaemonStop,
}

var daemonStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show daemon identity and pool statistics",
	RunE:  runDaemonStatus,
}

var daemonExecCmd = &cobra.Command{
	Use:   "exec",
	Short: "Execute one code block on a pooled worker",
	Long: `Execute a single code block on a daemon worker, with the worker's state
reset to the given context first. Model bridge calls are answered locally
when a provider is configured; recursion is not available from exec.`,
	RunE: runDaemonExec,
}

func init() {
	daemonStartCmd.Flags().StringVar(&daemonBackend, "backend", "", "worker sandbox backend: native, in-process (default: config)")
	daemonStartCmd.Flags().IntVar(&daemonWorkers, "workers", 0, "number of pooled workers (default: config)")
	daemonStartCmd.Flags().StringVar(&daemonAdminAddr, "admin-addr", "", "admin HTTP listen address, e.g. 127.0.0.1:9464 (default: config)")
	daemonStartCmd.Flags().BoolVarP(&daemonDetach, "detach", "d", false, "run in the background")

	daemonStatusCmd.Flags().BoolVar(&daemonStatusRaw, "json", false, "print the status as JSON")

	daemonExecCmd.Flags().StringVarP(&daemonExecCode, "code", "c", "", "code to execute (- for stdin)")
	daemonExecCmd.Flags().StringVar(&daemonExecCtx, "context", "", "context payload the worker is reset to")
	daemonExecCmd.Flags().DurationVar(&daemonExecWait, "timeout", 0, "execution timeout (default: config)")
	_ = daemonExecCmd.MarkFlagRequired("code")

	daemonCmd.AddCommand(daemonStartCmd, daemonStopCmd, daemonStatusCmd, daemonExecCmd)
}

func runDaemonStart(cmd *cobra.Command, _ []string) error {
	sc, err := initShared()
	if err != nil {
		return err
	}
	defer sc.Cleanup()
	cfg := sc.Config

	if daemonDetach {
		return detach(sc)
	}

	backend := daemonBackend
	if backend == "" {
		backend = cfg.Daemon.Backend
	}
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	opts, err := sc.sandboxOptions(ctx, backend)
	if err != nil {
		return err
	}
	if opts.Backend == sandbox.BackendDaemon {
		return fmt.Errorf("%w: daemon workers cannot use the daemon backend", sandbox.ErrConfig)
	}
	if err := opts.Validate(); err != nil {
		return err
	}

	workers := daemonWorkers
	if workers <= 0 {
		workers = cfg.Daemon.Workers
	}
	adminAddr := daemonAdminAddr
	if adminAddr == "" {
		adminAddr = cfg.Daemon.AdminAddr
	}

	srv := daemon.New(daemon.Config{
		SocketPath: sc.socketPath(),
		PIDPath:    sc.pidPath(),
		Pool: daemon.PoolConfig{
			Size:        workers,
			QueueSize:   cfg.Daemon.QueueSize,
			MaxRequests: cfg.Daemon.MaxRequestsPerWorker,
			Sandbox:     opts,
		},
		HealthInterval: cfg.Daemon.HealthEvery(),
		AdminAddr:      adminAddr,
	}, sc.Logger, daemon.WithObservability(sc.Obs), daemon.WithSandboxFactory(sc.sandboxFactory()))

	sc.Logger.Info("starting daemon",
		slog.String("socket", sc.socketPath()),
		slog.String("backend", string(opts.Backend)),
		slog.Int("workers", workers),
	)
	if err := srv.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	sc.Logger.Info("daemon stopped")
	return nil
}

// detach re-executes the current command without --detach in a new session
// and returns once the socket answers.
func detach(sc *SharedComponents) error {
	if pid := daemon.RunningPID(sc.pidPath()); pid > 0 {
		return fmt.Errorf("%w (pid %d)", daemon.ErrDaemonRunning, pid)
	}
	exe, err := os.Executable()
	if err != nil {
		return fmt.Errorf("locating executable: %w", err)
	}
	args := make([]string, 0, len(os.Args))
	for _, a := range os.Args[1:] {
		if a == "--detach" || a == "-d" || a == "--detach=true" {
			continue
		}
		args = append(args, a)
	}

	child := exec.Command(exe, args...)
	child.Stdin = nil
	child.Stdout = nil
	child.Stderr = nil
	child.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	if err := child.Start(); err != nil {
		return fmt.Errorf("starting daemon process: %w", err)
	}
	pid := child.Process.Pid
	_ = child.Process.Release()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for {
		if daemon.Probe(ctx, sc.socketPath()) {
			fmt.Printf("daemon started (pid %d, socket %s)\n", pid, sc.socketPath())
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("daemon did not become ready on %s: %w", sc.socketPath(), ctx.Err())
		case <-ticker.C:
		}
	}
}

func runDaemonStop(cmd *cobra.Command, _ []string) error {
	sc, err := initShared()
	if err != nil {
		return err
	}
	defer sc.Cleanup()

	ctx, cancel := context.WithTimeout(cmd.Context(), 5*time.Second)
	defer cancel()

	if c, err := daemon.Dial(ctx, sc.socketPath(), sandbox.Bridges{}, sc.Logger); err == nil {
		defer c.Close()
		if err := c.Shutdown(ctx); err == nil {
			fmt.Fprintln(cmd.OutOrStdout(), "daemon stopping")
			return nil
		}
	}

	pid := daemon.RunningPID(sc.pidPath())
	if pid <= 0 {
		return errDaemonNotRunning
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return fmt.Errorf("finding daemon process %d: %w", pid, err)
	}
	if err := proc.Signal(syscall.SIGTERM); err != nil {
		return fmt.Errorf("signalling daemon process %d: %w", pid, err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "sent SIGTERM to daemon (pid %d)\n", pid)
	return nil
}

type daemonStatus struct {
	Socket  string `json:"socket"`
	Status  string `json:"status"`
	PID     int    `json:"pid"`
	ID      string `json:"instance_id"`
	Backend string `json:"backend"`
	Pool    any    `json:"pool,omitempty"`
}

func runDaemonStatus(cmd *cobra.Command, _ []string) error {
	sc, err := initShared()
	if err != nil {
		return err
	}
	defer sc.Cleanup()

	ctx, cancel := context.WithTimeout(cmd.Context(), 5*time.Second)
	defer cancel()

	c, err := daemon.Dial(ctx, sc.socketPath(), sandbox.Bridges{}, sc.Logger)
	if err != nil {
		return fmt.Errorf("%w at %s", errDaemonNotRunning, sc.socketPath())
	}
	defer c.Close()

	ping, err := c.Ping(ctx)
	if err != nil {
		return fmt.Errorf("pinging daemon: %w", err)
	}
	stats, err := c.Stats(ctx)
	if err != nil {
		return fmt.Errorf("reading daemon stats: %w", err)
	}

	out := cmd.OutOrStdout()
	if daemonStatusRaw {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(daemonStatus{
			Socket: sc.socketPath(), Status: ping.Status, PID: ping.PID,
			ID: ping.InstanceID, Backend: ping.Backend, Pool: stats,
		})
	}
	fmt.Fprintf(out, "status:      %s\n", ping.Status)
	fmt.Fprintf(out, "socket:      %s\n", sc.socketPath())
	fmt.Fprintf(out, "pid:         %d\n", ping.PID)
	fmt.Fprintf(out, "instance:    %s\n", ping.InstanceID)
	fmt.Fprintf(out, "backend:     %s\n", ping.Backend)
	fmt.Fprintf(out, "uptime:      %s\n", (time.Duration(stats.UptimeMillis) * time.Millisecond).Round(time.Second))
	fmt.Fprintf(out, "workers:     %d (busy %d, idle %d)\n", stats.Workers, stats.Busy, stats.Idle)
	fmt.Fprintf(out, "queue:       %d/%d\n", stats.Queued, stats.QueueSize)
	fmt.Fprintf(out, "served:      %d (retired %d, rejected %d)\n", stats.Served, stats.Retired, stats.Rejected)
	fmt.Fprintf(out, "connections: %d\n", stats.Connections)
	return nil
}

func runDaemonExec(cmd *cobra.Command, _ []string) error {
	code := daemonExecCode
	if code == "-" {
		data, err := io.ReadAll(cmd.InOrStdin())
		if err != nil {
			return fmt.Errorf("reading code from stdin: %w", err)
		}
		code = string(data)
	}

	sc, err := initShared()
	if err != nil {
		return err
	}
	defer sc.Cleanup()
	cfg := sc.Config

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var bridges sandbox.Bridges
	if err := sc.resolveSecrets(ctx); err != nil {
		sc.Logger.Warn("model bridge disabled", slog.String("error", err.Error()))
	} else if provider := cfg.ProviderName(); cfg.RequireProvider(provider) == nil {
		model := cfg.Engine.SubModel
		if model == "" {
			model = cfg.Engine.Model
		}
		bridges = bridge.NewHost(bridge.Config{
			Provider:  provider,
			Model:     model,
			MaxTokens: cfg.Engine.MaxTokens,
		}, sc.newRouter(), nil, nil, sc.Logger).Bridges()
	}

	c, err := daemon.Dial(ctx, sc.socketPath(), bridges, sc.Logger)
	if err != nil {
		return fmt.Errorf("%w at %s", errDaemonNotRunning, sc.socketPath())
	}
	defer c.Close()

	timeout := daemonExecWait
	if timeout <= 0 {
		timeout = cfg.Sandbox.Timeout()
	}
	var taskContext *string
	if cmd.Flags().Changed("context") {
		taskContext = &daemonExecCtx
	}

	res, execErr := c.Execute(ctx, code, taskContext, timeout)
	if res != nil {
		out := cmd.OutOrStdout()
		fmt.Fprint(out, res.Stdout)
		if res.Stderr != "" {
			fmt.Fprint(cmd.ErrOrStderr(), res.Stderr)
		}
		if res.Result != "" {
			fmt.Fprintln(out, res.Result)
		}
		if res.Warning != "" {
			fmt.Fprintf(cmd.ErrOrStderr(), "warning: %s\n", res.Warning)
		}
	}
	return execErr
}
