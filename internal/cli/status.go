package cli

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/Xeon-774/parallel-coding-sub003/internal/config"
	"github.com/Xeon-774/parallel-coding-sub003/internal/store"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show workers, jobs, and recent state transitions",
	RunE:  runStatus,
}

func init() {
	statusCmd.Flags().String("job", "", "Limit transition history to one job id")
}

func runStatus(cmd *cobra.Command, args []string) error {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	configPath, err := cmd.Flags().GetString("config")
	if err != nil {
		return err
	}
	cfg, err := config.LoadFromFile(configPath)
	if err != nil {
		return err
	}

	dbPath := cfg.ResolvePath(cfg.DatabasePath)
	if _, err := os.Stat(dbPath); err != nil {
		return fmt.Errorf("no state database at %s; run a job first", dbPath)
	}
	st, err := store.Open(dbPath, logger)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	ctx := cmd.Context()

	workers, err := st.ListWorkers(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "Workers (%d)\n", len(workers))
	tw := tabwriter.NewWriter(out, 2, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "  ID\tSTATUS\tJOB\tPID")
	for _, w := range workers {
		jobID := "-"
		if w.JobID != nil {
			jobID = *w.JobID
		}
		fmt.Fprintf(tw, "  %s\t%s\t%s\t%d\n", w.ID, w.Status, jobID, w.PID)
	}
	tw.Flush()

	jobs, err := st.ListJobs(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "\nJobs (%d)\n", len(jobs))
	tw = tabwriter.NewWriter(out, 2, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "  ID\tSTATUS\tDEPTH\tPARENT\tTASK")
	for _, j := range jobs {
		parent := "-"
		if j.ParentID != nil {
			parent = *j.ParentID
		}
		fmt.Fprintf(tw, "  %s\t%s\t%d\t%s\t%s\n", j.ID, j.Status, j.Depth, parent, j.Task)
	}
	tw.Flush()

	jobFilter, _ := cmd.Flags().GetString("job")
	if jobFilter != "" {
		trs, err := st.Transitions(ctx, store.EntityJob, jobFilter)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "\nTransitions for job %s\n", jobFilter)
		for _, tr := range trs {
			fmt.Fprintf(out, "  %s  %s -> %s  (%s)\n", tr.At.Format("15:04:05.000"), tr.From, tr.To, tr.Reason)
		}
	}

	return nil
}
