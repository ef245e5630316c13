package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"slices"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/registry-cli/internal/model"
	"github.com/sells-group/registry-cli/internal/pipeline"
)

var (
	runEnrich  bool
	runFresh   bool
	runTimeout time.Duration
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run one reconciliation pass over every enabled source",
	Long:  "Resumes the latest unfinished run, or starts a new one, walking every enabled source from its checkpoint. Interrupting the command keeps everything committed so far.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		if runTimeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, runTimeout)
			defer cancel()
		}

		env, err := initPipeline(ctx, "run")
		if err != nil {
			return err
		}
		defer env.Close()

		enrich := cfg.Enrichment.Enabled
		if cmd.Flags().Changed("enrich") {
			enrich = runEnrich
		}
		res, err := env.Orchestrator.Run(ctx, pipeline.Options{Fresh: runFresh, Enrich: enrich})
		if res != nil {
			formatRunSummary(os.Stdout, res)
		}
		if err != nil {
			return err
		}
		zap.L().Info("run complete",
			zap.String("run_id", res.RunID),
			zap.String("status", string(res.Status)),
			zap.Int("admitted", len(res.Admitted)),
		)
		return nil
	},
}

var enrichCmd = &cobra.Command{
	Use:   "enrich",
	Short: "Run only the enrichment pass over stored companies",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initPipeline(ctx, "enrich")
		if err != nil {
			return err
		}
		defer env.Close()

		res, err := env.Orchestrator.Enrich(ctx)
		if res != nil {
			formatRunSummary(os.Stdout, res)
		}
		return err
	},
}

func init() {
	runCmd.Flags().BoolVar(&runEnrich, "enrich", false, "run the enrichment pass after the page sources (default from config)")
	runCmd.Flags().BoolVar(&runFresh, "fresh", false, "start a new run even if the latest one is unfinished")
	runCmd.Flags().DurationVar(&runTimeout, "timeout", 0, "stop the run after this long; the next invocation resumes it")
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(enrichCmd)
}

// formatRunSummary writes per-source counters and merge totals to out.
func formatRunSummary(out io.Writer, res *pipeline.Result) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	resumed := ""
	if res.Resumed {
		resumed = " (resumed)"
	}
	_, _ = fmt.Fprintf(w, "Run:\t%s%s\n", res.RunID, resumed)
	_, _ = fmt.Fprintf(w, "Status:\t%s\n", res.Status)
	_, _ = fmt.Fprintln(w)

	_, _ = fmt.Fprintln(w, "SOURCE\tPAGES\tRECORDS\tFAILURES\tGAPS\tTRIPS\tSTATE")
	_, _ = fmt.Fprintln(w, "------\t-----\t-------\t--------\t----\t-----\t-----")
	sources := make([]model.SourceID, 0, len(res.Stats.Sources))
	for src := range res.Stats.Sources {
		sources = append(sources, src)
	}
	slices.Sort(sources)
	for _, src := range sources {
		ss := res.Stats.Sources[src]
		_, _ = fmt.Fprintf(w, "%s\t%d\t%d\t%d\t%d\t%d\t%s\n",
			src, ss.Pages, ss.Records, ss.RecordFailures, ss.Gaps, ss.CircuitTrips, sourceState(ss))
	}
	_, _ = fmt.Fprintln(w)

	s := res.Stats
	_, _ = fmt.Fprintf(w, "Merged:\t%d\n", s.Merged)
	_, _ = fmt.Fprintf(w, "Promoted:\t%d\n", s.Promoted)
	_, _ = fmt.Fprintf(w, "Enriched:\t%d\n", s.Enriched)
	_, _ = fmt.Fprintf(w, "Unresolved:\t%d\n", s.Unresolved)
	_, _ = fmt.Fprintf(w, "Validation errors:\t%d\n", s.ValidationErrors)
	_, _ = fmt.Fprintf(w, "Conflicts:\t%d\n", s.ConflictAnomalies)
	_, _ = fmt.Fprintf(w, "Admitted:\t%d\n", s.Admitted)
	_ = w.Flush()
}

func sourceState(ss *model.SourceStats) string {
	switch {
	case ss.Exhausted:
		return "exhausted"
	case ss.BudgetReached:
		return "budget"
	case ss.CircuitTrips > 0:
		return "circuit"
	case ss.Pages == 0:
		return "idle"
	default:
		return "partial"
	}
}
