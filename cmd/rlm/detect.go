package main

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/jkaninda/rlm/internal/daemon"
	"github.com/jkaninda/rlm/internal/sandbox"
)

var detectJSON bool

var detectCmd = &cobra.Command{
	Use:   "detect",
	Short: "Probe the environment and recommend a sandbox backend",
	Long: `Report whether a daemon answers on the configured socket and whether a
Python interpreter resolves, and recommend a backend. Backends that cannot
be constructed are reported but never recommended.`,
	RunE: runDetect,
}

func init() {
	detectCmd.Flags().BoolVar(&detectJSON, "json", false, "print the result as JSON")
}

func runDetect(cmd *cobra.Command, _ []string) error {
	sc, err := initShared()
	if err != nil {
		return err
	}
	defer sc.Cleanup()

	ctx, cancel := context.WithTimeout(cmd.Context(), 5*time.Second)
	defer cancel()

	d := sandbox.Detect(ctx, sandbox.DetectOptions{
		InterpreterPath: sc.Config.Sandbox.InterpreterPath,
		SocketPath:      sc.socketPath(),
		Probe:           daemon.Probe,
	})

	out := cmd.OutOrStdout()
	if detectJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(d)
	}

	python := d.PythonPath
	if python == "" {
		python = "not found"
	}
	daemonState := "not running"
	if d.DaemonRunning {
		daemonState = "running"
	}
	fmt.Fprintf(out, "python:      %s\n", python)
	fmt.Fprintf(out, "daemon:      %s (%s)\n", daemonState, d.SocketPath)
	for _, b := range sandbox.Backends() {
		status := "available"
		if !sandbox.Implemented(b) {
			status = "not implemented"
		} else if b == sandbox.BackendNative && d.PythonPath == "" {
			status = "unavailable"
		}
		fmt.Fprintf(out, "backend:     %-10s %s\n", b, status)
	}
	fmt.Fprintf(out, "recommended: %s (%s)\n", d.Recommended, d.Reason)
	return nil
}
