package stage

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"

	"github.com/re-cinq/taskline/internal/gitutil"
	"github.com/re-cinq/taskline/internal/ids"
)

// RefactorResult is the normalised output of the Refactor stage (spec.md §4.E.2).
type RefactorResult struct {
	Status       string   `json:"status"`
	Summary      string   `json:"summary"`
	Branch       string   `json:"branch"`
	WorktreePath string   `json:"worktreePath"`
	TouchedFiles []string `json:"touchedFiles"`
	Notes        string   `json:"notes,omitempty"`
}

// Refactor runs the behaviour-preserving refactor stage in its own
// worktree (spec.md §4.E.2). Callers only invoke this when Analyze
// returned shouldRefactor=true.
func Refactor(ctx context.Context, sc *Context, userTask string, analysis AnalyzeResult) (RefactorResult, error) {
	branch := ids.RefactorBranch(sc.JobID)
	worktreePath := filepath.Join(sc.WorktreesRoot, "refactor")

	repoGit := gitutil.NewRepo(sc.RepoRoot)
	if !repoGit.BranchExists(sc.BaseBranch) {
		return RefactorResult{}, &InvalidRootError{Path: sc.BaseBranch}
	}

	wtGit := gitutil.NewRepo(worktreePath)
	if err := EnsureRootExists(worktreePath); err != nil {
		if err := repoGit.AddWorktree(worktreePath, branch, sc.BaseBranch, true); err != nil {
			return RefactorResult{}, err
		}
	} else if _, err := wtGit.CurrentBranch(); err != nil {
		return RefactorResult{}, err
	}

	focusJSON, _ := json.Marshal(analysis.FocusAreas)

	throttle := newProgressThrottle()
	onLine := func(line string) {
		if snapshot, ready := throttle.observe(line); ready {
			sc.Store.RecordRefactorProgress(ctx, sc.JobID, snapshot)
		}
	}

	raw, err := runWorkerAndExtract(ctx, sc, refactorSchema, "refactor", worktreePath, "refactor", refactorPrompt(userTask, string(focusJSON)), onLine)
	if err != nil {
		return RefactorResult{}, err
	}

	result := normalizeRefactorResult(raw, branch, worktreePath)

	if result.Status != "skipped" {
		if _, err := commitIfDirty(worktreePath, sc.JobID, "refactor"); err != nil {
			return RefactorResult{}, err
		}
		touched, err := wtGit.DiffNamesRange(sc.BaseBranch, "HEAD")
		if err != nil {
			return RefactorResult{}, err
		}
		result.TouchedFiles = touched
	}

	sc.Store.RecordRefactorOutput(ctx, sc.JobID, result)
	return result, nil
}

func normalizeRefactorResult(raw json.RawMessage, branch, worktreePath string) RefactorResult {
	var result RefactorResult
	_ = json.Unmarshal(raw, &result)
	if result.Status == "" {
		result.Status = "ok"
	}
	if result.Branch == "" {
		result.Branch = branch
	}
	if result.WorktreePath == "" {
		result.WorktreePath = worktreePath
	}
	if result.TouchedFiles == nil {
		result.TouchedFiles = []string{}
	}
	return result
}

// SkipRefactor builds the degenerate RefactorResult used when Analyze reported
// shouldRefactor=false, so callers have a uniform value regardless of
// whether Refactor actually ran.
func SkipRefactor(jobID string) RefactorResult {
	return RefactorResult{
		Status:       "skipped",
		Summary:      fmt.Sprintf("job %s: refactor skipped, analysis did not recommend it", jobID),
		TouchedFiles: []string{},
	}
}
