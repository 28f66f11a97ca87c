// rlm runs recursive language-model executions: the model writes code, a
// sandbox runs it, and the code may call the model again or start a nested
// execution.
package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/jkaninda/rlm/internal/config"
)

var (
	configPath string
	logLevel   string
)

var rootCmd = &cobra.Command{
	Use:   "rlm",
	Short: "rlm: recursive language-model code execution.",
	Long: `rlm lets a language model solve a task by writing code that runs in a
sandbox. Sandboxed code can call the model (llm_query) or start a nested
execution one level deeper (rlm_query). Every step is recorded in an
execution trace.

Sandboxes run as a Python subprocess (native), an embedded Starlark
interpreter (in-process), or on a pool of warm workers behind a local
daemon.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", config.DefaultConfigPath(), "path to config file (or RLM_CONFIG env)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "override log level (debug, info, warn, error)")
	rootCmd.AddCommand(runCmd, daemonCmd, detectCmd, tracesCmd, versionCmd)
	_ = godotenv.Load()
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(exitCode(err))
	}
}
