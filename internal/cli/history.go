package cli

import (
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/lazypower/radguard/internal/store"
)

var (
	historyRun   string
	historyLimit int
)

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Show recorded runs and their protection level changes",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		db, err := openDB(cfg)
		if err != nil {
			return err
		}
		defer db.Close()
		return printHistory(cmd.OutOrStdout(), db, historyRun, historyLimit)
	},
}

func init() {
	historyCmd.Flags().StringVar(&historyRun, "run", "", "Run id to show (default: the most recent run)")
	historyCmd.Flags().IntVarP(&historyLimit, "limit", "n", 20, "Maximum number of level changes")
}

func printHistory(w io.Writer, db *store.DB, runID string, limit int) error {
	runs, err := db.ListRuns(10)
	if err != nil {
		return err
	}
	if len(runs) == 0 {
		fmt.Fprintln(w, "No runs recorded.")
		return nil
	}

	fmt.Fprintln(w, "## Runs")
	for _, r := range runs {
		ended := "running"
		if r.EndedAt != nil {
			ended = time.UnixMilli(*r.EndedAt).Sub(time.UnixMilli(r.StartedAt)).Round(time.Second).String()
		}
		fmt.Fprintf(w, "  %s  %-8s  %s  %s\n", r.RunID, r.Mode, formatMillis(r.StartedAt), ended)
	}

	if runID == "" {
		runID = runs[0].RunID
	} else {
		run, err := db.GetRun(runID)
		if err != nil {
			return err
		}
		if run == nil {
			return fmt.Errorf("run not found: %s", runID)
		}
	}
	changes, err := db.ListLevelChanges(runID, limit)
	if err != nil {
		return err
	}
	flips, compute, err := db.AssessmentTotals(runID)
	if err != nil {
		return err
	}
	recent, err := db.ListAssessments(runID, 5)
	if err != nil {
		return err
	}

	fmt.Fprintf(w, "\n## Run %s\n", runID)
	fmt.Fprintf(w, "  errors assessed: %d bit flips, %d compute errors\n", flips, compute)
	if len(changes) == 0 {
		fmt.Fprintln(w, "  no level changes")
	}
	for _, c := range changes {
		fmt.Fprintf(w, "  %s  %s -> %s  (%s, flux %.4f)\n", formatMillis(c.CreatedAt), c.FromLevel, c.ToLevel, c.Reason, c.Flux)
	}

	if len(recent) > 0 {
		fmt.Fprintln(w, "\n## Recent assessments")
		for _, a := range recent {
			fmt.Fprintf(w, "  %s  flips=%d compute=%d  flux %.4f  %s\n",
				formatMillis(a.CreatedAt), a.BitFlips, a.ComputeErrors, a.EstimatedFlux, a.Level)
		}
	}
	return nil
}

func formatMillis(ms int64) string {
	return time.UnixMilli(ms).Format("2006-01-02 15:04:05")
}
