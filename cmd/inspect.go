package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/registry-cli/internal/model"
	"github.com/sells-group/registry-cli/internal/store"
)

var cursorsCmd = &cobra.Command{
	Use:   "cursors",
	Short: "Show the checkpoint of every source",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		if err := cfg.Validate("inspect"); err != nil {
			return err
		}
		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		cursors, err := st.ListCursors(ctx)
		if err != nil {
			return eris.Wrap(err, "cursors")
		}
		if len(cursors) == 0 {
			fmt.Fprintln(os.Stderr, "No cursors recorded.")
			return nil
		}
		formatCursors(os.Stdout, cursors)
		return nil
	},
}

var gapsCmd = &cobra.Command{
	Use:   "gaps",
	Short: "List pages skipped after their failures were exhausted",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		if err := cfg.Validate("inspect"); err != nil {
			return err
		}
		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		runID, _ := cmd.Flags().GetString("run")
		source, _ := cmd.Flags().GetString("source")
		limit, _ := cmd.Flags().GetInt("limit")
		gaps, err := st.ListGaps(ctx, store.GapFilter{RunID: runID, Source: model.SourceID(source), Limit: limit})
		if err != nil {
			return eris.Wrap(err, "gaps")
		}
		if len(gaps) == 0 {
			fmt.Fprintln(os.Stderr, "No gaps found.")
			return nil
		}
		formatGaps(os.Stdout, gaps)
		return nil
	},
}

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "Inspect reconciliation run history",
}

var runsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List runs, newest first",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		if err := cfg.Validate("inspect"); err != nil {
			return err
		}
		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		status, _ := cmd.Flags().GetString("status")
		limit, _ := cmd.Flags().GetInt("limit")
		runs, err := st.ListRuns(ctx, store.RunFilter{Status: model.RunStatus(status), Limit: limit})
		if err != nil {
			return eris.Wrap(err, "runs list")
		}
		if len(runs) == 0 {
			fmt.Fprintln(os.Stderr, "No runs found.")
			return nil
		}
		formatRunsList(os.Stdout, runs)
		return nil
	},
}

var runsLatestCmd = &cobra.Command{
	Use:   "latest",
	Short: "Show the latest run with its stats",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		if err := cfg.Validate("inspect"); err != nil {
			return err
		}
		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		run, err := st.LatestRun(ctx)
		if err != nil {
			return eris.Wrap(err, "runs latest")
		}
		if run == nil {
			fmt.Fprintln(os.Stderr, "No runs found.")
			return nil
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(run)
	},
}

func init() {
	gapsCmd.Flags().String("run", "", "filter by run id")
	gapsCmd.Flags().String("source", "", "filter by source (registry_api, scrape_site, enrichment)")
	gapsCmd.Flags().Int("limit", 100, "max number of gaps to display")

	runsListCmd.Flags().String("status", "", "filter by run status (running, complete, interrupted, failed)")
	runsListCmd.Flags().Int("limit", 20, "max number of runs to display")

	runsCmd.AddCommand(runsListCmd)
	runsCmd.AddCommand(runsLatestCmd)
	rootCmd.AddCommand(cursorsCmd)
	rootCmd.AddCommand(gapsCmd)
	rootCmd.AddCommand(runsCmd)
}

const timeLayout = "2006-01-02 15:04"

// formatCursors writes one line per source checkpoint to out.
func formatCursors(out io.Writer, cursors []model.CrawlCursor) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "SOURCE\tTOKEN\tEXHAUSTED\tFAILURES\tLAST_SUCCESS\tRUN\tBATCH")
	_, _ = fmt.Fprintln(w, "------\t-----\t---------\t--------\t------------\t---\t-----")
	for _, c := range cursors {
		last := "-"
		if c.LastSuccessAt != nil {
			last = c.LastSuccessAt.Format(timeLayout)
		}
		token := c.Token
		if token == "" {
			token = "(start)"
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%t\t%d\t%s\t%s\t%s\n",
			c.Source, token, c.Exhausted, c.ConsecutiveFailures, last, truncateID(c.RunID), c.LastBatch)
	}
	_ = w.Flush()
}

// formatGaps writes one line per gap marker to out.
func formatGaps(out io.Writer, gaps []model.GapMarker) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "RUN\tSOURCE\tTOKEN\tNEXT\tKIND\tSIGNATURE\tCREATED\tERROR")
	_, _ = fmt.Fprintln(w, "---\t------\t-----\t----\t----\t---------\t-------\t-----")
	for _, g := range gaps {
		next := g.NextToken
		if next == "" {
			next = "-"
		}
		sig := g.Signature
		if sig == "" {
			sig = "-"
		}
		msg := g.Error
		if len(msg) > 60 {
			msg = msg[:57] + "..."
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			truncateID(g.RunID), g.Source, g.Token, next, g.Kind, sig, g.CreatedAt.Format(timeLayout), msg)
	}
	_ = w.Flush()
}

// formatRunsList writes a tabular list of runs to out.
func formatRunsList(out io.Writer, runs []model.Run) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tSTATUS\tSTARTED\tDURATION\tMERGED\tADMITTED\tGAPS")
	_, _ = fmt.Fprintln(w, "--\t------\t-------\t--------\t------\t--------\t----")
	for _, r := range runs {
		dur := "-"
		if r.FinishedAt != nil {
			dur = r.FinishedAt.Sub(r.StartedAt).Round(time.Second).String()
		}
		gaps := 0
		for _, ss := range r.Stats.Sources {
			if ss != nil {
				gaps += ss.Gaps
			}
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%d\t%d\n",
			truncateID(r.ID), r.Status, r.StartedAt.Format(timeLayout), dur, r.Stats.Merged, r.Stats.Admitted, gaps)
	}
	_ = w.Flush()
}

// truncateID returns the first 8 characters of a UUID for compact display.
func truncateID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
