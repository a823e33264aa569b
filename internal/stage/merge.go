package stage

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/re-cinq/taskline/internal/gitutil"
	"github.com/re-cinq/taskline/internal/ids"
	"github.com/re-cinq/taskline/internal/store"
	"github.com/re-cinq/taskline/internal/worker"
	ignore "github.com/sabhiram/go-gitignore"
	"github.com/zeebo/blake3"
)

// internalPathPatterns keeps the orchestrator's own bookkeeping paths out
// of a job's reported touchedFiles, the way any diff against a worktree
// that embeds tool state needs to filter its own directories out.
var internalPathPatterns = []string{".codex/", ".git", ".git/*"}

func filterInternalPaths(files []string) []string {
	matcher, err := ignore.CompileIgnoreLines(internalPathPatterns...)
	if err != nil {
		return files
	}
	kept := make([]string, 0, len(files))
	for _, f := range files {
		if !matcher.MatchesPath(f) {
			kept = append(kept, f)
		}
	}
	return kept
}

// MergeInput describes one subtask branch to fold into the result branch
// (spec.md §4.E.5).
type MergeInput struct {
	SubtaskID    string
	WorktreePath string
	Branch       string
	Summary      string
}

// Merge folds every subtask branch into the job's result branch, one at a
// time, delegating conflict resolution to the Worker CLI while protecting
// Git metadata from tampering (spec.md §4.E.5 — "the most delicate stage").
func Merge(ctx context.Context, sc *Context, pushResult bool, inputs []MergeInput) (store.MergeResult, error) {
	resultBranch := ids.ResultBranch(sc.JobID)
	resultWorktree := filepath.Join(sc.WorktreesRoot, "result")

	repoGit := gitutil.NewRepo(sc.RepoRoot)
	if err := repoGit.CreateBranchFrom(resultBranch, sc.BaseBranch); err != nil {
		return sc.failMerge(ctx, err)
	}
	if err := EnsureRootExists(resultWorktree); err != nil {
		if addErr := repoGit.AddWorktree(resultWorktree, resultBranch, "", false); addErr != nil {
			return sc.failMerge(ctx, addErr)
		}
	}

	sc.Store.RecordMergeStart(ctx, sc.JobID, inputs)

	wtGit := gitutil.NewRepo(resultWorktree)
	for _, in := range inputs {
		if err := mergeOneBranch(ctx, sc, wtGit, resultWorktree, resultBranch, in); err != nil {
			return sc.failMerge(ctx, err)
		}
	}

	touched, err := wtGit.DiffNamesAgainstBase(sc.BaseBranch)
	if err != nil {
		return sc.failMerge(ctx, err)
	}
	touched = filterInternalPaths(touched)

	notes := fmt.Sprintf("Merged %d branches into %s", len(inputs), resultBranch)
	if pushResult {
		if err := wtGit.Push("origin", resultBranch); err != nil {
			return sc.failMerge(ctx, err)
		}
		notes += fmt.Sprintf("; pushed %s to origin", resultBranch)
	}

	result := store.MergeResult{
		Status:       "ok",
		Notes:        notes,
		TouchedFiles: touched,
	}
	sc.Store.RecordMergeResult(ctx, sc.JobID, result)
	return result, nil
}

var conflictMarker = []byte("<<<<<<< ")

// filesWithConflictMarkers returns the subset of candidates (paths relative
// to worktree) whose content still contains a "<<<<<<< " conflict marker.
func filesWithConflictMarkers(worktree string, candidates []string) []string {
	var remaining []string
	for _, f := range candidates {
		content, err := os.ReadFile(filepath.Join(worktree, f))
		if err != nil || bytes.Contains(content, conflictMarker) {
			remaining = append(remaining, f)
		}
	}
	return remaining
}

func (sc *Context) failMerge(ctx context.Context, err error) (store.MergeResult, error) {
	sc.Store.RecordMergeFailure(ctx, sc.JobID, err.Error())
	return store.MergeResult{}, err
}

// mergeOneBranch implements the per-subtask algorithm of spec.md §4.E.5
// steps 1-6.
func mergeOneBranch(ctx context.Context, sc *Context, wtGit *gitutil.Repo, resultWorktree, resultBranch string, in MergeInput) error {
	mr, err := wtGit.MergeNoCommitNoFF(in.Branch)
	if err != nil {
		return err
	}

	if len(mr.UnmergedFiles) == 0 && mr.ExitCode == 0 {
		return wtGit.CommitWithAuthor(fmt.Sprintf("Merge branch %s into %s", in.Branch, resultBranch), sc.authorName(), sc.authorEmail())
	}

	if len(mr.UnmergedFiles) == 0 {
		// Non-zero exit with nothing unmerged: nothing to commit (e.g. the
		// branch was already fully contained). Treat as a no-op success.
		return nil
	}

	pointerPath := filepath.Join(resultWorktree, ".git")
	before, err := os.ReadFile(pointerPath)
	if err != nil {
		return fmt.Errorf("reading .git pointer before conflict resolution: %w", err)
	}
	beforeHash := blake3.Sum256(before)

	throttle := newProgressThrottle()
	onLine := func(line string) {
		if snapshot, ready := throttle.observe(line); ready {
			sc.Store.RecordMergeProgress(ctx, sc.JobID, snapshot)
		}
	}
	if _, err := sc.Worker.Run(ctx, worker.Options{
		Dir:          resultWorktree,
		Label:        "merge:" + in.SubtaskID,
		Prompt:       conflictResolutionPrompt(in.Branch, mr.UnmergedFiles),
		Sink:         sc.Sink,
		OnStdoutLine: onLine,
	}); err != nil {
		// A non-zero exit from the conflict-resolution pass is not fatal on
		// its own; the pointer check and unmerged re-scan below decide.
		_ = err
	}

	after, err := os.ReadFile(pointerPath)
	if err != nil {
		wtGit.AbortMerge()
		return fmt.Errorf("reading .git pointer after conflict resolution: %w", err)
	}
	afterHash := blake3.Sum256(after)
	if !bytes.Equal(before, after) || beforeHash != afterHash {
		wtGit.AbortMerge()
		return &MergePointerTamperedError{Branch: in.Branch}
	}

	// git's own U status only clears once something stages the path, but
	// the Worker CLI is told never to run git commands. Check the working
	// tree content itself for leftover conflict markers instead.
	remaining := filesWithConflictMarkers(resultWorktree, mr.UnmergedFiles)
	if len(remaining) > 0 {
		wtGit.AbortMerge()
		return &MergeUnresolvedError{Branch: in.Branch, Files: remaining}
	}

	if err := wtGit.AddAll(); err != nil {
		return err
	}
	return wtGit.CommitWithAuthor(
		fmt.Sprintf("Merge branch %s into %s (conflicts resolved via Worker CLI)", in.Branch, resultBranch),
		sc.authorName(), sc.authorEmail())
}
