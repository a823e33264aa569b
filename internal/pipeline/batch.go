package pipeline

import (
	"fmt"

	"github.com/re-cinq/taskline/internal/store"
)

// groupBatches implements spec.md §4.F step 5: if the plan can be
// parallelised, subtasks sharing a non-empty parallelGroup form one batch
// (each empty-group subtask gets its own solo batch); otherwise every
// subtask is a singleton batch. Batches are ordered by first appearance of
// their group key in the plan.
func groupBatches(plan store.Plan) [][]store.PlanSubtask {
	if !plan.CanParallelize {
		batches := make([][]store.PlanSubtask, len(plan.Subtasks))
		for i, s := range plan.Subtasks {
			batches[i] = []store.PlanSubtask{s}
		}
		return batches
	}

	order := make([]string, 0, len(plan.Subtasks))
	groups := make(map[string][]store.PlanSubtask, len(plan.Subtasks))
	for i, s := range plan.Subtasks {
		key := s.ParallelGroup
		if key == "" {
			key = fmt.Sprintf("__solo_%d__", i)
		}
		if _, ok := groups[key]; !ok {
			order = append(order, key)
		}
		groups[key] = append(groups[key], s)
	}

	batches := make([][]store.PlanSubtask, 0, len(order))
	for _, key := range order {
		batches = append(batches, groups[key])
	}
	return batches
}
