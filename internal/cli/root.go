// Package cli wires the cobra command tree for the parco binary. Glue
// only: all behavior lives in the internal packages it composes.
package cli

import (
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "parco",
	Short: "Supervise interactive coding agents in terminals",
	Long: `parco launches interactive CLI coding agents inside pseudo-terminals,
watches their output for confirmation prompts, and answers each prompt
through a rule/arbiter/fallback decision cascade. Jobs can recurse:
an agent task may fan out child jobs down to a configured depth, with
per-depth worker quotas and an append-only audit trail.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(statusCmd)

	rootCmd.PersistentFlags().StringP("config", "c", "parco.json", "Path to parco.json config file")
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}
