package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

// Version is set at build time via ldflags.
var Version = "dev"

var configPath string

var rootCmd = &cobra.Command{
	Use:   "taskline",
	Short: "Drive coding-agent subtasks through an analyze/plan/run/merge pipeline",
	Long: `taskline takes one task description, asks a coding agent to analyse and
plan it into independently-executable subtasks, runs each subtask in its own
git worktree (in parallel where the plan allows it), and merges the results
back onto a result branch.

State for every job, subtask, and artifact is recorded in a durable SQLite
store so a dashboard can observe progress while jobs run.`,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "taskline.yaml", "Path to taskline config file")
	rootCmd.AddCommand(versionCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version number",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("taskline %s\n", Version)
	},
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}
