package stage

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/re-cinq/taskline/internal/store"
)

// Plan runs the read-only planning stage, in the refactor worktree if
// refactor ran, otherwise in the repo root (spec.md §4.E.3). dir is
// supplied by the caller (the Pipeline Engine) since it depends on whether
// a refactor stage preceded this call.
func Plan(ctx context.Context, sc *Context, userTask, dir string) (store.Plan, error) {
	if err := EnsureRootExists(dir); err != nil {
		return store.Plan{}, err
	}

	throttle := newProgressThrottle()
	onLine := func(line string) {
		if snapshot, ready := throttle.observe(line); ready {
			sc.Store.RecordPlanProgress(ctx, sc.JobID, snapshot)
		}
	}

	raw, err := runWorkerAndExtract(ctx, sc, planSchema, "plan", dir, "plan", planPrompt(userTask), onLine)
	if err != nil {
		return store.Plan{}, err
	}

	plan, err := normalizePlan(raw)
	if err != nil {
		return store.Plan{}, &ParseFailedError{Stage: "plan", Stdout: err.Error()}
	}

	sc.Store.RecordPlannerOutput(ctx, sc.JobID, plan)
	return plan, nil
}

// normalizePlan decodes the raw plan JSON and coerces parallelGroup to a
// string regardless of whether the Worker CLI emitted it as a string,
// number, or omitted it, per spec.md §4.E.3.
func normalizePlan(raw json.RawMessage) (store.Plan, error) {
	var wire struct {
		CanParallelize bool `json:"canParallelize"`
		Subtasks       []struct {
			ID            string          `json:"id"`
			Title         string          `json:"title"`
			Description   string          `json:"description"`
			ParallelGroup json.RawMessage `json:"parallelGroup"`
			Context       json.RawMessage `json:"context"`
			Notes         *string         `json:"notes"`
		} `json:"subtasks"`
	}
	if err := json.Unmarshal(raw, &wire); err != nil {
		return store.Plan{}, err
	}

	seen := make(map[string]bool, len(wire.Subtasks))
	plan := store.Plan{CanParallelize: wire.CanParallelize, Subtasks: make([]store.PlanSubtask, 0, len(wire.Subtasks))}
	for _, s := range wire.Subtasks {
		if seen[s.ID] {
			return store.Plan{}, fmt.Errorf("duplicate subtask id %q", s.ID)
		}
		seen[s.ID] = true
		ps := store.PlanSubtask{
			ID:            s.ID,
			Title:         s.Title,
			Description:   s.Description,
			ParallelGroup: coerceToString(s.ParallelGroup),
			Context:       s.Context,
		}
		if s.Notes != nil {
			ps.Notes = *s.Notes
		}
		plan.Subtasks = append(plan.Subtasks, ps)
	}
	return plan, nil
}

// coerceToString converts a raw JSON scalar (string, number, bool, or null)
// into its string representation, defaulting to "" when absent/null.
func coerceToString(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil || v == nil {
		return ""
	}
	return fmt.Sprintf("%v", v)
}
