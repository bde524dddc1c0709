package cli

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/Xeon-774/parallel-coding-sub003/internal/audit"
	"github.com/Xeon-774/parallel-coding-sub003/internal/config"
	"github.com/Xeon-774/parallel-coding-sub003/internal/coordinator"
	"github.com/Xeon-774/parallel-coding-sub003/internal/service"
	"github.com/Xeon-774/parallel-coding-sub003/internal/store"
	"github.com/Xeon-774/parallel-coding-sub003/internal/terminal"
	"github.com/Xeon-774/parallel-coding-sub003/internal/workspace"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run a job to completion under supervision",
	Long: `Run submits a job for the configured agent and blocks until the whole
job tree reaches a terminal state. Subtasks given with --subtask become
child jobs one depth down.`,
	RunE: runRun,
}

func init() {
	runCmd.Flags().String("task", "", "Task description for the agent (required)")
	runCmd.Flags().Int("workers", 1, "Worker count for the job")
	runCmd.Flags().StringArray("subtask", nil, "Child task (repeatable); makes the job an interior node")
	runCmd.Flags().Bool("best-effort", false, "Let sibling jobs finish after a failure instead of cancelling them")
	runCmd.Flags().String("idempotency-key", "", "Replay token; a retried run with the same key returns the recorded outcome")
	_ = runCmd.MarkFlagRequired("task")
}

func runRun(cmd *cobra.Command, args []string) error {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))

	configPath, err := cmd.Flags().GetString("config")
	if err != nil {
		return err
	}
	cfg, err := config.LoadFromFile(configPath)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	logger.Info("loaded configuration", "path", configPath)

	task, _ := cmd.Flags().GetString("task")
	workers, _ := cmd.Flags().GetInt("workers")
	subtasks, _ := cmd.Flags().GetStringArray("subtask")
	if bestEffort, _ := cmd.Flags().GetBool("best-effort"); bestEffort {
		cfg.Quotas.BestEffort = true
	}

	if err := workspace.Initialize(cfg.WorkspaceRoot); err != nil {
		return err
	}
	st, err := store.Open(cfg.ResolvePath(cfg.DatabasePath), logger)
	if err != nil {
		return err
	}
	trail, err := audit.Open(cfg.ResolvePath(cfg.AuditPath))
	if err != nil {
		return err
	}
	defer trail.Close()

	svc := service.New(cfg, st, trail, terminal.New(logger), logger)

	sub := coordinator.Submit{Task: task, Workers: workers}
	for _, child := range subtasks {
		sub.Subtasks = append(sub.Subtasks, coordinator.Submit{Task: child})
	}

	key, _ := cmd.Flags().GetString("idempotency-key")

	out, err := svc.SubmitJob(cmd.Context(), sub, key)
	if err != nil {
		return err
	}

	fmt.Fprintf(cmd.OutOrStdout(), "job %s finished: %s\n", out.JobID, out.Status)
	if out.Status != store.JobCompleted {
		return fmt.Errorf("job %s ended %s", out.JobID, out.Status)
	}
	return nil
}
