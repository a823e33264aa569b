package stage

import (
	"context"
	"encoding/json"
	"path/filepath"

	"github.com/re-cinq/taskline/internal/gitutil"
	"github.com/re-cinq/taskline/internal/ids"
)

// SubtaskResult is the normalised output of the Run Subtask stage
// (spec.md §4.E.4), plus the resolved branch/worktree the Pipeline Engine
// needs for the merge stage.
type SubtaskResult struct {
	SubtaskID      string   `json:"subtaskId"`
	Status         string   `json:"status"`
	Summary        string   `json:"summary"`
	ImportantFiles []string `json:"importantFiles"`
	Branch         string   `json:"-"`
	WorktreePath   string   `json:"-"`
}

// RunSubtask executes one subtask in its own worktree on a branch created
// from the base branch (spec.md §4.E.4). worktreeName is the caller's
// (collision-resolved) choice, per spec.md §4.F step 7.
func RunSubtask(ctx context.Context, sc *Context, userTask string, subtaskID, title, description, worktreeName string) (SubtaskResult, error) {
	branch := ids.SubtaskBranch(sc.JobID, subtaskID)
	worktreePath := filepath.Join(sc.WorktreesRoot, worktreeName)

	repoGit := gitutil.NewRepo(sc.RepoRoot)
	wtGit := gitutil.NewRepo(worktreePath)
	if err := EnsureRootExists(worktreePath); err != nil {
		if err := repoGit.AddWorktree(worktreePath, branch, sc.BaseBranch, true); err != nil {
			return SubtaskResult{}, err
		}
	} else if _, err := wtGit.CurrentBranch(); err != nil {
		return SubtaskResult{}, err
	}

	sc.Store.RecordSubtaskStart(ctx, sc.JobID, subtaskID, title, description, "", worktreePath, branch)

	throttle := newProgressThrottle()
	onLine := func(line string) {
		if snapshot, ready := throttle.observe(line); ready {
			sc.Store.RecordSubtaskProgress(ctx, sc.JobID, subtaskID, snapshot)
		}
	}

	raw, err := runWorkerAndExtract(ctx, sc, subtaskSchema, "run-subtask", worktreePath, "task:"+subtaskID, subtaskPrompt(userTask, subtaskID, title, description), onLine)
	if err != nil {
		sc.Store.RecordSubtaskResult(ctx, sc.JobID, subtaskID, false, "", nil, err.Error())
		return SubtaskResult{}, err
	}

	result := normalizeSubtaskResult(raw, subtaskID)
	result.Branch = branch
	result.WorktreePath = worktreePath

	if _, err := wtGit.CommitAllIfDirty(subtaskCommitMessage(sc.JobID, subtaskID, result.Summary), sc.authorName(), sc.authorEmail()); err != nil {
		sc.Store.RecordSubtaskResult(ctx, sc.JobID, subtaskID, false, result.Summary, result.ImportantFiles, err.Error())
		return result, err
	}

	ok := result.Status == "ok"
	sc.Store.RecordSubtaskResult(ctx, sc.JobID, subtaskID, ok, result.Summary, result.ImportantFiles, "")
	return result, nil
}

func normalizeSubtaskResult(raw json.RawMessage, fallbackID string) SubtaskResult {
	var result SubtaskResult
	_ = json.Unmarshal(raw, &result)
	if result.SubtaskID == "" {
		result.SubtaskID = fallbackID
	}
	if result.Status == "" {
		result.Status = "ok"
	}
	if result.ImportantFiles == nil {
		result.ImportantFiles = []string{}
	}
	return result
}
