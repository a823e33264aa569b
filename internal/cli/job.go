package cli

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/re-cinq/taskline/internal/config"
	"github.com/re-cinq/taskline/internal/pipeline"
)

var (
	jobRepoRoot   string
	jobBaseBranch string
	jobID         string
	jobPush       bool
	jobPrefactor  bool
	jobVerbose    bool
)

func init() {
	jobCmd.Flags().StringVar(&jobRepoRoot, "repo", "", "Repository root (defaults to ORCHESTRATOR_BASE_DIR or cwd)")
	jobCmd.Flags().StringVar(&jobBaseBranch, "base", "", "Base branch (defaults to ORCHESTRATOR_BASE_BRANCH or current branch)")
	jobCmd.Flags().StringVar(&jobID, "job-id", "", "Explicit job id (defaults to ORCHESTRATOR_JOB_ID or a timestamp)")
	jobCmd.Flags().BoolVar(&jobPush, "push", false, "Push the result branch after merging")
	jobCmd.Flags().BoolVar(&jobPrefactor, "prefactor", false, "Run the analyze/refactor stages before planning")
	jobCmd.Flags().BoolVar(&jobVerbose, "verbose", false, "Tee subprocess output to the terminal")
	rootCmd.AddCommand(jobCmd)
}

var jobCmd = &cobra.Command{
	Use:   "job <task description>",
	Short: "Run one job synchronously: analyze, plan, execute subtasks, merge",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadAndValidateConfig(configPath)
		if err != nil {
			return err
		}
		env := config.LoadEnvOverrides()

		st, err := openStore(env)
		if err != nil {
			return fmt.Errorf("opening state store: %w", err)
		}
		defer st.Close()

		opts := pipeline.Options{
			RepoRoot:        jobRepoRoot,
			BaseBranch:      jobBaseBranch,
			JobID:           firstNonEmpty(jobID, env.JobID),
			PushResult:      jobPush,
			EnablePrefactor: jobPrefactor,
			VerboseLog:      jobVerbose,
		}
		if opts.RepoRoot == "" {
			opts.RepoRoot = env.BaseDir
		}
		if opts.BaseBranch == "" {
			opts.BaseBranch = env.BaseBranch
		}

		engine := pipeline.New(st, cfg.Worker.Command, cfg.Worker.ReasoningEffort)
		report := engine.RunJob(context.Background(), args[0], opts)

		fmt.Printf("job %s: %s\n", report.JobID, report.Status)
		if report.FailedStage != "" {
			fmt.Fprintf(os.Stderr, "failed at stage %s: %s\n", report.FailedStage, report.ErrorMessage)
		}

		// Exit codes per spec.md §6: 0 on terminal done/needs_manual_review,
		// 1 on engine-level error.
		switch report.Status {
		case "done", "needs_manual_review":
			return nil
		default:
			return fmt.Errorf("job did not complete: %s", report.Status)
		}
	},
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
