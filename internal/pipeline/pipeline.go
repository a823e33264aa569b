// Package pipeline implements the deterministic state machine that drives
// one job from intake through analysis, optional pre-refactor, planning,
// parallel subtask execution, and final merge (spec.md §4.F).
//
// Grounded on the teacher's internal/engine.RunOnce/processConcern, which
// drives a chain of concerns through the same resolve-invoke-persist
// lifecycle and joins on topological batches; generalised from the
// teacher's config-declared concern DAG to the orchestrator's fixed
// analyze→refactor?→plan→subtask×N→merge sequence with plan-driven batches
// instead of a static concern graph.
package pipeline

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/re-cinq/taskline/internal/gitutil"
	"github.com/re-cinq/taskline/internal/ids"
	"github.com/re-cinq/taskline/internal/procrunner"
	"github.com/re-cinq/taskline/internal/stage"
	"github.com/re-cinq/taskline/internal/store"
	"github.com/re-cinq/taskline/internal/worker"
)

// Options enumerates runJob's parameters (spec.md §4.F).
type Options struct {
	RepoRoot        string
	BaseBranch      string
	JobID           string
	PushResult      bool
	EnablePrefactor bool
	VerboseLog      bool
}

// FinalReport is runJob's return value: the merge outcome on success, or a
// short description of the offending stage on failure (spec.md §7).
type FinalReport struct {
	JobID        string             `json:"jobId"`
	Status       store.JobStatus    `json:"status"`
	MergeResult  *store.MergeResult `json:"mergeResult,omitempty"`
	FailedStage  string             `json:"failedStage,omitempty"`
	ErrorMessage string             `json:"errorMessage,omitempty"`
}

// Engine runs jobs against a shared State Store.
type Engine struct {
	Store           *store.Store
	WorkerCommand   string
	ReasoningEffort string
}

// New returns an Engine backed by st, invoking the Worker CLI as
// workerCommand with the given reasoning effort level.
func New(st *store.Store, workerCommand, reasoningEffort string) *Engine {
	return &Engine{Store: st, WorkerCommand: workerCommand, ReasoningEffort: reasoningEffort}
}

// RunJob drives one job end to end per spec.md §4.F's algorithm.
func (e *Engine) RunJob(ctx context.Context, userTask string, opts Options) FinalReport {
	jobID := opts.JobID
	if jobID == "" {
		jobID = ids.NewJobID()
	} else {
		jobID = ids.SanitizeJobID(jobID)
	}

	repoRoot, err := resolveRepoRoot(opts.RepoRoot)
	if err != nil {
		return FinalReport{JobID: jobID, Status: store.StatusFailed, FailedStage: "job-context", ErrorMessage: err.Error()}
	}
	baseBranch := resolveBaseBranch(repoRoot, opts.BaseBranch)

	jobsRoot := filepath.Join(repoRoot, ".codex", "jobs", jobID)
	worktreesRoot := filepath.Join(jobsRoot, "worktrees")
	if err := os.MkdirAll(worktreesRoot, 0o755); err != nil {
		return FinalReport{JobID: jobID, Status: store.StatusFailed, FailedStage: "job-context", ErrorMessage: err.Error()}
	}

	sink, closeSink, err := buildLogSink(jobsRoot, opts.VerboseLog)
	if err != nil {
		return FinalReport{JobID: jobID, Status: store.StatusFailed, FailedStage: "job-context", ErrorMessage: err.Error()}
	}
	defer closeSink()

	e.Store.MarkJobStatus(ctx, jobID, store.StatusAnalyzing, store.JobMeta{
		RepoRoot:   repoRoot,
		BaseBranch: baseBranch,
		RawTask:    userTask,
		PushResult: opts.PushResult,
	})

	sc := &stage.Context{
		JobID:         jobID,
		RepoRoot:      repoRoot,
		BaseBranch:    baseBranch,
		JobsRoot:      jobsRoot,
		WorktreesRoot: worktreesRoot,
		Store:         e.Store,
		Worker:        worker.New(e.WorkerCommand, e.ReasoningEffort),
		Sink:          sink,
	}

	report := e.runStages(ctx, sc, userTask, opts)
	e.Store.EnsureTerminalJobStatus(ctx, jobID, store.StatusDone)
	return report
}

func (e *Engine) runStages(ctx context.Context, sc *stage.Context, userTask string, opts Options) FinalReport {
	planDir := sc.RepoRoot

	if opts.EnablePrefactor {
		analysis, err := stage.Analyze(ctx, sc, userTask)
		if err != nil {
			return e.fail(sc.JobID, "analyze", err)
		}
		if analysis.ShouldRefactor {
			refactor, err := stage.Refactor(ctx, sc, userTask, analysis)
			if err != nil {
				return e.fail(sc.JobID, "refactor", err)
			}
			if refactor.Status == "ok" {
				planDir = refactor.WorktreePath
			}
		}
	}

	plan, err := stage.Plan(ctx, sc, userTask, planDir)
	if err != nil {
		return e.fail(sc.JobID, "plan", err)
	}

	if len(plan.Subtasks) == 0 {
		noop := store.MergeResult{Status: "ok", Notes: "No subtasks planned; nothing to merge.", TouchedFiles: []string{}}
		e.Store.RecordMergeResult(ctx, sc.JobID, noop)
		return FinalReport{JobID: sc.JobID, Status: store.StatusDone, MergeResult: &noop}
	}

	batches := groupBatches(plan)
	namer := ids.NewWorktreeNamer()

	var mergeInputs []stage.MergeInput
	for _, batch := range batches {
		results, failed := e.runBatch(ctx, sc, userTask, namer, batch)
		if failed {
			e.Store.MarkJobStatus(ctx, sc.JobID, store.StatusFailed, store.JobMeta{})
			return FinalReport{JobID: sc.JobID, Status: store.StatusFailed, FailedStage: "run-subtask", ErrorMessage: "one or more subtasks in a batch failed"}
		}
		mergeInputs = append(mergeInputs, results...)
	}

	mergeResult, err := stage.Merge(ctx, sc, opts.PushResult, mergeInputs)
	if err != nil {
		return e.fail(sc.JobID, "merge", err)
	}

	status := store.StatusDone
	if mergeResult.Status == "needs_manual_review" {
		status = store.StatusNeedsManualReview
	}
	return FinalReport{JobID: sc.JobID, Status: status, MergeResult: &mergeResult}
}

// runBatch runs every subtask in batch concurrently and waits for all of
// them to finish, per spec.md §4.F step 6: "continue the rest of the batch
// but do not start subsequent batches" on failure.
func (e *Engine) runBatch(ctx context.Context, sc *stage.Context, userTask string, namer *ids.WorktreeNamer, batch []store.PlanSubtask) ([]stage.MergeInput, bool) {
	type outcome struct {
		input stage.MergeInput
		ok    bool
	}
	outcomes := make([]outcome, len(batch))

	var wg sync.WaitGroup
	for i, ps := range batch {
		wg.Add(1)
		go func(i int, ps store.PlanSubtask) {
			defer wg.Done()
			worktreeName := namer.Reserve(ps.ID)
			res, err := stage.RunSubtask(ctx, sc, userTask, ps.ID, ps.Title, ps.Description, worktreeName)
			if err != nil || res.Status != "ok" {
				outcomes[i] = outcome{ok: false}
				return
			}
			outcomes[i] = outcome{
				ok: true,
				input: stage.MergeInput{
					SubtaskID:    res.SubtaskID,
					WorktreePath: res.WorktreePath,
					Branch:       res.Branch,
					Summary:      res.Summary,
				},
			}
		}(i, ps)
	}
	wg.Wait()

	var inputs []stage.MergeInput
	failed := false
	for _, o := range outcomes {
		if !o.ok {
			failed = true
			continue
		}
		inputs = append(inputs, o.input)
	}
	return inputs, failed
}

func (e *Engine) fail(jobID, stageName string, err error) FinalReport {
	e.Store.MarkJobStatus(context.Background(), jobID, store.StatusFailed, store.JobMeta{})
	return FinalReport{JobID: jobID, Status: store.StatusFailed, FailedStage: stageName, ErrorMessage: truncateError(err)}
}

func truncateError(err error) string {
	s := err.Error()
	const limit = 2000
	if len(s) > limit {
		return s[:limit]
	}
	return s
}

// resolveRepoRoot runs spec.md §4.E step 1's precedence cascade (explicit
// context repo root → absolute project-root → project-root+baseDir → cwd)
// via stage.ResolveRepoRoot, with opts.RepoRoot as the project-root
// parameter and ORCHESTRATOR_BASE_DIR (spec.md §6) as the base directory.
// There is no pre-existing context repo root at job-creation time; that
// tier only matters once a stage is resolving a path relative to an
// already-established sc.RepoRoot.
func resolveRepoRoot(explicit string) (string, error) {
	root, err := stage.ResolveRepoRoot("", explicit, os.Getenv("ORCHESTRATOR_BASE_DIR"))
	if err != nil {
		return "", err
	}
	return filepath.Abs(root)
}

// resolveBaseBranch implements spec.md §4.F step 1's precedence: CLI
// override, then environment override, then the current branch via
// rev-parse, then "main". The final fallback is fixed; no config setting
// changes it.
func resolveBaseBranch(repoRoot, explicit string) string {
	if explicit != "" {
		return explicit
	}
	if envBranch := os.Getenv("ORCHESTRATOR_BASE_BRANCH"); envBranch != "" {
		return envBranch
	}
	repo := gitutil.NewRepo(repoRoot)
	if branch, err := repo.CurrentBranch(); err == nil && branch != "" && branch != "HEAD" {
		return branch
	}
	return "main"
}

// buildLogSink opens the job log and wires the terminal tee per spec.md
// §4.A's policy: tee defaults OFF when a job log is active, unless
// ORCHESTRATOR_TEE_CODEX or verboseLog forces it on.
func buildLogSink(jobsRoot string, verboseLog bool) (procrunner.LineSink, func(), error) {
	fileSink, err := procrunner.NewFileLogSink(filepath.Join(jobsRoot, "orchestrator.log"))
	if err != nil {
		return nil, func() {}, err
	}

	tee := verboseLog
	if raw, ok := os.LookupEnv("ORCHESTRATOR_TEE_CODEX"); ok {
		if b, ok := parseTeeFlag(raw); ok {
			tee = b
		}
	}

	var sink procrunner.LineSink = fileSink
	if tee {
		sink = procrunner.FanOut(fileSink, procrunner.NewTerminalTeeSink(os.Stderr))
	}
	return sink, func() { _ = fileSink.Close() }, nil
}

func parseTeeFlag(raw string) (bool, bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "1", "yes", "true", "on":
		return true, true
	case "0", "no", "false", "off":
		return false, true
	default:
		return false, false
	}
}
