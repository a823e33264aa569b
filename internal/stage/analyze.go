package stage

import (
	"context"
	"encoding/json"
)

// FocusArea is one entry of an AnalyzeResult's focusAreas array.
type FocusArea struct {
	Path           string `json:"path"`
	Why            string `json:"why"`
	SuggestedSplit string `json:"suggestedSplit,omitempty"`
}

// AnalyzeResult is the normalised output of the Analyze stage (spec.md §4.E.1).
type AnalyzeResult struct {
	ShouldRefactor bool        `json:"shouldRefactor"`
	Reasons        []string    `json:"reasons"`
	FocusAreas     []FocusArea `json:"focusAreas"`
	Notes          string      `json:"notes,omitempty"`
}

// Analyze runs the read-only analysis stage directly in the repo root
// (spec.md §4.E.1: "no dedicated worktree"). Callers only invoke this when
// the job's prefactor option is enabled.
func Analyze(ctx context.Context, sc *Context, userTask string) (AnalyzeResult, error) {
	if err := EnsureRootExists(sc.RepoRoot); err != nil {
		return AnalyzeResult{}, err
	}

	throttle := newProgressThrottle()
	onLine := func(line string) {
		if snapshot, ready := throttle.observe(line); ready {
			sc.Store.RecordAnalysisProgress(ctx, sc.JobID, snapshot)
		}
	}

	raw, err := runWorkerAndExtract(ctx, sc, analyzeSchema, "analyze", sc.RepoRoot, "analyze", analyzePrompt(userTask), onLine)
	if err != nil {
		return AnalyzeResult{}, err
	}

	result := normalizeAnalyzeResult(raw)
	sc.Store.RecordAnalysisOutput(ctx, sc.JobID, result)
	return result, nil
}

func normalizeAnalyzeResult(raw json.RawMessage) AnalyzeResult {
	var result AnalyzeResult
	_ = json.Unmarshal(raw, &result)
	if result.Reasons == nil {
		result.Reasons = []string{}
	}
	if result.FocusAreas == nil {
		result.FocusAreas = []FocusArea{}
	}
	return result
}
