package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/jkaninda/rlm/internal/storage"
	"github.com/jkaninda/rlm/internal/trace"
)

var (
	tracesLimit  int
	tracesSource string
	tracesSince  time.Duration
	tracesOutput string
)

var tracesCmd = &cobra.Command{
	Use:   "traces",
	Short: "Inspect stored execution traces",
	Long: `Traces saved with "rlm run --save" are kept in the configured store
(SQLite at <workspace>/rlm.db by default, or PostgreSQL).`,
}

var tracesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List stored traces, newest first",
	RunE:  runTracesList,
}

var tracesShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Print one stored trace",
	Args:  cobra.ExactArgs(1),
	RunE:  runTracesShow,
}

var tracesDeleteCmd = &cobra.Command{
	Use:   "delete <id>",
	Short: "Delete one stored trace",
	Args:  cobra.ExactArgs(1),
	RunE:  runTracesDelete,
}

func init() {
	tracesListCmd.Flags().IntVarP(&tracesLimit, "limit", "n", 20, "maximum number of traces")
	tracesListCmd.Flags().StringVar(&tracesSource, "source", "", "only traces resolved by: final, final_var, max_iterations, error")
	tracesListCmd.Flags().DurationVar(&tracesSince, "since", 0, "only traces started within this window, e.g. 24h")
	tracesShowCmd.Flags().StringVarP(&tracesOutput, "output", "o", "yaml", "output format: json, yaml")

	tracesCmd.AddCommand(tracesListCmd, tracesShowCmd, tracesDeleteCmd)
}

func runTracesList(cmd *cobra.Command, _ []string) error {
	opts := storage.ListOptions{Limit: tracesLimit, Source: trace.AnswerSource(tracesSource)}
	switch opts.Source {
	case "", trace.SourceFinal, trace.SourceFinalVar, trace.SourceMaxIterations, trace.SourceError:
	default:
		return fmt.Errorf("unknown answer source %q", tracesSource)
	}
	if tracesSince > 0 {
		opts.Since = time.Now().Add(-tracesSince)
	}

	sc, err := initShared()
	if err != nil {
		return err
	}
	defer sc.Cleanup()

	store, err := sc.openStore(cmd.Context())
	if err != nil {
		return err
	}
	defer store.Close()

	list, err := store.ListTraces(cmd.Context(), opts)
	if err != nil {
		return err
	}
	printTraceList(cmd.OutOrStdout(), list)
	return nil
}

func printTraceList(out io.Writer, list []storage.TraceSummary) {
	if len(list) == 0 {
		fmt.Fprintln(out, "no traces stored")
		return
	}
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSTARTED\tSOURCE\tITER\tSUBCALLS\tTOKENS\tCOST\tTASK")
	for _, s := range list {
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%d\t%d\t$%.4f\t%s\n",
			s.ID, s.StartedAt.Local().Format(time.DateTime), s.AnswerSource,
			s.Usage.Iterations, s.Usage.Subcalls, s.Usage.TotalTokens, s.Usage.Cost,
			ellipsis(s.Task, 60))
	}
	_ = w.Flush()
}

func ellipsis(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}

func runTracesShow(cmd *cobra.Command, args []string) error {
	id, err := uuid.Parse(args[0])
	if err != nil {
		return fmt.Errorf("invalid trace id %q: %w", args[0], err)
	}
	if tracesOutput != "json" && tracesOutput != "yaml" {
		return fmt.Errorf("unsupported output format %q (use json or yaml)", tracesOutput)
	}

	sc, err := initShared()
	if err != nil {
		return err
	}
	defer sc.Cleanup()

	store, err := sc.openStore(cmd.Context())
	if err != nil {
		return err
	}
	defer store.Close()

	rec, err := store.GetTrace(cmd.Context(), id)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if tracesOutput == "json" {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(rec)
	}
	enc := yaml.NewEncoder(out)
	enc.SetIndent(2)
	if err := enc.Encode(rec); err != nil {
		return err
	}
	return enc.Close()
}

func runTracesDelete(cmd *cobra.Command, args []string) error {
	id, err := uuid.Parse(args[0])
	if err != nil {
		return fmt.Errorf("invalid trace id %q: %w", args[0], err)
	}

	sc, err := initShared()
	if err != nil {
		return err
	}
	defer sc.Cleanup()

	store, err := sc.openStore(cmd.Context())
	if err != nil {
		return err
	}
	defer store.Close()

	if err := store.DeleteTrace(cmd.Context(), id); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "deleted %s\n", id)
	return nil
}
