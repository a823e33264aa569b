package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/re-cinq/taskline/internal/config"
	"github.com/re-cinq/taskline/internal/dispatcher"
	"github.com/re-cinq/taskline/internal/pipeline"
)

var (
	runRepoRoot  string
	runTasksDir  string
	runTaskGlob  string
	runStopEmpty bool
)

func init() {
	runCmd.Flags().StringVar(&runRepoRoot, "repo", "", "Repository root (defaults to ORCHESTRATOR_BASE_DIR or cwd)")
	runCmd.Flags().StringVar(&runTasksDir, "tasks-dir", "", "Directory of *.task files to poll as a FileGlobSource")
	runCmd.Flags().StringVar(&runTaskGlob, "tasks-glob", "*.task", "Glob pattern within --tasks-dir")
	runCmd.Flags().BoolVar(&runStopEmpty, "stop-when-empty", false, "Exit after one pass finds no work, instead of polling forever")
	rootCmd.AddCommand(runCmd)
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the task dispatcher loop, handing each discovered task to the pipeline",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadAndValidateConfig(configPath)
		if err != nil {
			return err
		}
		env := config.LoadEnvOverrides()

		repoRoot := firstNonEmpty(runRepoRoot, env.BaseDir)
		if repoRoot == "" {
			if wd, err := os.Getwd(); err == nil {
				repoRoot = wd
			}
		}

		if dispatcher.IsAlive(repoRoot) {
			fmt.Println("taskline dispatcher already running for this repository, exiting")
			return nil
		}
		if err := dispatcher.WritePID(repoRoot); err != nil {
			return fmt.Errorf("writing dispatcher PID file: %w", err)
		}
		defer dispatcher.RemovePID(repoRoot)

		st, err := openStore(env)
		if err != nil {
			return fmt.Errorf("opening state store: %w", err)
		}
		defer st.Close()

		engine := pipeline.New(st, cfg.Worker.Command, cfg.Worker.ReasoningEffort)

		var sources []dispatcher.TaskSource
		if runTasksDir != "" {
			sources = append(sources, &dispatcher.FileGlobSource{
				Dir:     runTasksDir,
				Pattern: runTaskGlob,
				Options: pipeline.Options{RepoRoot: repoRoot},
			})
		}
		if len(sources) == 0 {
			sources = append(sources, dispatcher.NewStdinSource(os.Stdin, pipeline.Options{RepoRoot: repoRoot}))
		}

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		go func() {
			sig := <-sigCh
			fmt.Printf("\nreceived %s, shutting down...\n", sig)
			cancel()
		}()

		pollInterval := cfg.Dispatcher.PollInterval.Duration()
		stopWhenEmpty := runStopEmpty || cfg.Dispatcher.StopWhenEmpty

		fmt.Printf("taskline dispatcher started (poll interval %s)\n", pollInterval)
		return dispatcher.Run(ctx, engine, sources, cliReporter{}, dispatcher.Options{
			PollInterval:  pollInterval,
			StopWhenEmpty: stopWhenEmpty,
		})
	},
}

type cliReporter struct{ dispatcher.NopReporter }

func (cliReporter) OnStart(task *dispatcher.Task) {
	fmt.Printf("[%s] starting: %s\n", task.ID, truncateForLog(task.Description))
}

func (cliReporter) OnSuccess(task *dispatcher.Task, report pipeline.FinalReport) {
	fmt.Printf("[%s] done: job %s -> %s\n", task.ID, report.JobID, report.Status)
}

func (cliReporter) OnFailure(task *dispatcher.Task, err error) {
	fmt.Fprintf(os.Stderr, "[%s] failed: %s\n", task.ID, err)
}

func (cliReporter) OnIdle() {}

func truncateForLog(s string) string {
	const limit = 80
	if len(s) <= limit {
		return s
	}
	return s[:limit] + "..."
}
