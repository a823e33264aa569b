package stage

import (
	"fmt"
	"strings"
)

// analyzePrompt asks the Worker CLI to judge, read-only, whether a
// preparatory refactor would improve parallelisability (spec.md §4.E.1).
func analyzePrompt(userTask string) string {
	return fmt.Sprintf(`You are analysing a repository ahead of a multi-agent code change. Do not modify any files; this is a read-only analysis pass.

The user task is:
%s

Decide whether a small preparatory refactor would make this task easier to split into independent, parallelisable subtasks (for example: extracting a shared interface, splitting an oversized file, decoupling two modules that would otherwise force sequential edits).

Respond with a single JSON object as the last thing you print, matching:
{"shouldRefactor": bool, "reasons": [string], "focusAreas": [{"path": string, "why": string, "suggestedSplit": string?}], "notes": string?}`, userTask)
}

// refactorPrompt instructs a minimal, behaviour-preserving refactor
// (spec.md §4.E.2). focusAreas is the analyze stage's JSON, re-serialised.
func refactorPrompt(userTask, focusAreasJSON string) string {
	return fmt.Sprintf(`You are performing a minimal, behaviour-preserving refactor to prepare this repository for parallel, independent edits.

The user task is:
%s

Analysis identified these focus areas:
%s

Make the smallest change that removes coupling blocking parallel work. Do not run any git commands; your changes will be committed automatically. Preserve existing behaviour exactly.

Respond with a single JSON object as the last thing you print, matching:
{"status": "ok"|"skipped"|"failed", "summary": string, "branch": string, "worktreePath": string, "touchedFiles": [string], "notes": string?}`, userTask, focusAreasJSON)
}

// planPrompt asks for a deterministic JSON plan of subtasks (spec.md §4.E.3).
func planPrompt(userTask string) string {
	return fmt.Sprintf(`You are planning how to accomplish the following user task as a set of independent subtasks. Do not modify any files; this is read-only planning.

The user task is:
%s

Break the task into subtasks with stable string ids. Where subtasks can be worked on independently in the same pass, give them the same parallelGroup label. Subtasks that must come after others should be left with an empty parallelGroup or placed in a later group.

Respond with a single JSON object as the last thing you print, matching:
{"canParallelize": bool, "subtasks": [{"id": string, "title": string, "description": string, "parallelGroup": string?, "context": object?, "notes": string?}]}`, userTask)
}

// subtaskPrompt embeds the original user task verbatim alongside the
// subtask's own id/title/description (spec.md §4.E.4).
func subtaskPrompt(userTask, subtaskID, title, description string) string {
	return fmt.Sprintf(`The overall user task is:
%s

You are responsible for exactly one subtask of this work:
id: %s
title: %s
description: %s

Modify files as needed to complete this subtask. Do not run any git commands; your changes will be committed automatically after you finish.

Respond with a single JSON object as the last thing you print, matching:
{"subtaskId": %q, "status": "ok"|"failed", "summary": string, "importantFiles": [string]}`, userTask, subtaskID, title, description, subtaskID)
}

// conflictResolutionPrompt lists the conflicted files and explicitly
// forbids git commands or touching .git metadata (spec.md §4.E.5 step 4).
func conflictResolutionPrompt(branch string, files []string) string {
	return fmt.Sprintf(`A merge of branch %q left the following files with unresolved conflicts:
%s

Resolve the conflicts by editing the listed files directly: remove the conflict markers (<<<<<<<, =======, >>>>>>>) and produce the correct merged content. Do not run any git commands of any kind. Do not create, delete, or modify .git or .git-local. Do not stage or commit anything; that will be done for you afterward.`,
		branch, strings.Join(files, "\n"))
}

// commitMessage builds the orchestrator-authored commit message for a stage
// that left dirty files (spec.md §4.E step 7).
func commitMessage(jobID, stageName string) string {
	return fmt.Sprintf("job %s: %s stage", jobID, stageName)
}

// subtaskCommitMessage is spec.md §4.E.4's fixed commit message shape:
// "job <jobId>: subtask <subtaskId> – <summary truncated to 120>".
func subtaskCommitMessage(jobID, subtaskID, summary string) string {
	return fmt.Sprintf("job %s: subtask %s – %s", jobID, subtaskID, truncate(summary, 120))
}
