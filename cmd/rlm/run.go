package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/jkaninda/rlm/internal/engine"
	"github.com/jkaninda/rlm/internal/trace"
)

var (
	runTask        string
	runContext     string
	runContextFile string
	runBackend     string
	runProvider    string
	runModel       string
	runOutput      string
	runSave        bool
	runTimeout     time.Duration
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Solve a task with recursive code execution",
	Long: `Run the reasoning loop for one task. The model writes code, the sandbox
runs it with the task context bound to the variable "context", and the loop
stops when the model answers with FINAL(...) or FINAL_VAR(name).

Examples:
  rlm run -t "How many distinct words are in the context?" --context-file notes.txt
  rlm run -t "Summarise each section" --context-file doc.md --output yaml
  rlm run -t "What is 2**100?" --backend in-process`,
	RunE: runRun,
}

func init() {
	runCmd.Flags().StringVarP(&runTask, "task", "t", "", "task to solve (required)")
	runCmd.Flags().StringVar(&runContext, "context", "", "context payload exposed to sandboxed code")
	runCmd.Flags().StringVar(&runContextFile, "context-file", "", "read the context payload from a file (- for stdin)")
	runCmd.Flags().StringVar(&runBackend, "backend", "", "sandbox backend: native, in-process (default: config, then detected)")
	runCmd.Flags().StringVar(&runProvider, "provider", "", "router provider identifier (default: config)")
	runCmd.Flags().StringVar(&runModel, "model", "", "reasoning model (default: config)")
	runCmd.Flags().StringVarP(&runOutput, "output", "o", "text", "output format: text, json, yaml")
	runCmd.Flags().BoolVar(&runSave, "save", false, "store the execution trace (see rlm traces) and write it under <workspace>/traces")
	runCmd.Flags().DurationVar(&runTimeout, "timeout", 0, "overall deadline (0 = none)")

	_ = runCmd.MarkFlagRequired("task")
}

// runReport is what --output json|yaml prints.
type runReport struct {
	Answer string                `json:"answer" yaml:"answer"`
	Source trace.AnswerSource    `json:"source" yaml:"source"`
	Usage  trace.Usage           `json:"usage" yaml:"usage"`
	Error  string                `json:"error,omitempty" yaml:"error,omitempty"`
	Trace  *trace.ExecutionTrace `json:"trace" yaml:"trace"`
}

func runRun(cmd *cobra.Command, _ []string) error {
	switch runOutput {
	case "text", "json", "yaml":
	default:
		return fmt.Errorf("unsupported output format %q (use text, json or yaml)", runOutput)
	}

	taskContext, err := readContext(cmd.InOrStdin())
	if err != nil {
		return err
	}

	sc, err := initShared()
	if err != nil {
		return err
	}
	defer sc.Cleanup()
	cfg := sc.Config

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if runTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, runTimeout)
		defer cancel()
	}

	if err := sc.resolveSecrets(ctx); err != nil {
		return err
	}
	provider := runProvider
	if provider == "" {
		provider = cfg.ProviderName()
	}
	if err := cfg.RequireProvider(provider); err != nil {
		return err
	}

	opts, err := sc.sandboxOptions(ctx, runBackend)
	if err != nil {
		return err
	}

	model := runModel
	if model == "" {
		model = cfg.Engine.Model
	}
	eng := engine.New(engine.Config{
		Provider:      provider,
		Model:         model,
		SubModel:      cfg.Engine.SubModel,
		MaxIterations: cfg.Engine.MaxIterations,
		MaxDepth:      cfg.Engine.MaxDepth,
		MaxTokens:     cfg.Engine.MaxTokens,
		Sandbox:       opts,
	}, sc.newRouter(), sc.Logger, engine.WithSandboxFactory(sc.sandboxFactory()))

	res, runErr := eng.Run(ctx, runTask, taskContext)

	if res != nil && res.Trace != nil && runSave {
		saveTrace(sc, res.Trace)
	}

	if err := printResult(cmd.OutOrStdout(), cmd.ErrOrStderr(), res, runErr); err != nil {
		return err
	}
	return runErr
}

func readContext(stdin io.Reader) (string, error) {
	switch {
	case runContextFile == "-":
		data, err := io.ReadAll(stdin)
		if err != nil {
			return "", fmt.Errorf("reading context from stdin: %w", err)
		}
		return string(data), nil
	case runContextFile != "":
		data, err := os.ReadFile(runContextFile)
		if err != nil {
			return "", fmt.Errorf("reading context file: %w", err)
		}
		return string(data), nil
	default:
		return runContext, nil
	}
}

func printResult(stdout, stderr io.Writer, res *engine.Result, runErr error) error {
	if res == nil {
		return nil
	}
	report := runReport{Answer: res.Answer, Source: res.Source, Usage: res.Usage, Trace: res.Trace}
	if runErr != nil {
		report.Error = runErr.Error()
	}

	switch runOutput {
	case "json":
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(report)
	case "yaml":
		enc := yaml.NewEncoder(stdout)
		enc.SetIndent(2)
		if err := enc.Encode(report); err != nil {
			return err
		}
		return enc.Close()
	default:
		if runErr == nil {
			fmt.Fprintln(stdout, res.Answer)
		}
		u := res.Usage
		fmt.Fprintf(stderr, "\n[source=%s iterations=%d subcalls=%d depth=%d tokens=%d cost=$%.4f duration=%s]\n",
			res.Source, u.Iterations, u.Subcalls, u.MaxDepthReached, u.TotalTokens, u.Cost, u.Duration.Round(time.Millisecond))
		return nil
	}
}

// saveTrace stores the trace and writes it as JSON under the workspace's
// traces directory. Failures are logged; the run result still prints.
func saveTrace(sc *SharedComponents, t *trace.ExecutionTrace) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if store, err := sc.openStore(ctx); err != nil {
		sc.Logger.Warn("opening trace store", slog.String("error", err.Error()))
	} else {
		if err := store.SaveTrace(ctx, t); err != nil {
			sc.Logger.Warn("storing trace", slog.String("error", err.Error()))
		} else {
			sc.Logger.Info("trace stored", slog.String("trace_id", t.ID.String()), slog.String("driver", store.Driver()))
		}
		_ = store.Close()
	}

	path, err := writeTraceFile(sc.Workspace.TracePath(t.ID.String(), t.StartedAt, "json"), t)
	if err != nil {
		sc.Logger.Warn("writing trace file", slog.String("error", err.Error()))
		return
	}
	sc.Logger.Info("trace saved", slog.String("path", path))
}

func writeTraceFile(path string, t *trace.ExecutionTrace) (string, error) {
	data, err := json.MarshalIndent(t, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encoding trace: %w", err)
	}
	if err := os.WriteFile(path, data, 0o640); err != nil {
		return "", fmt.Errorf("writing trace: %w", err)
	}
	return path, nil
}
