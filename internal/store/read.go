package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"
)

// Job is one orchestrator run (spec.md §3).
type Job struct {
	JobID       string    `json:"jobId"`
	RepoRoot    string    `json:"repoRoot"`
	BaseBranch  string    `json:"baseBranch"`
	Description string    `json:"description"`
	RawTask     string    `json:"rawTask"`
	PushResult  bool      `json:"pushResult"`
	Status      JobStatus `json:"status"`
	StartedAt   time.Time `json:"startedAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// Subtask is one unit of the plan (spec.md §3).
type Subtask struct {
	JobID          string     `json:"jobId"`
	SubtaskID      string     `json:"subtaskId"`
	Title          string     `json:"title"`
	Description    string     `json:"description"`
	ParallelGroup  string     `json:"parallelGroup,omitempty"`
	WorktreePath   string     `json:"worktreePath"`
	Branch         string     `json:"branch"`
	Summary        string     `json:"summary,omitempty"`
	ImportantFiles []string   `json:"importantFiles,omitempty"`
	ErrorMessage   string     `json:"errorMessage,omitempty"`
	LastReasoning  string     `json:"lastReasoning,omitempty"`
	Status         string     `json:"status"`
	StartedAt      *time.Time `json:"startedAt,omitempty"`
	FinishedAt     *time.Time `json:"finishedAt,omitempty"`
	UpdatedAt      time.Time  `json:"updatedAt"`
}

// Artifact is an immutable, append-only event record (spec.md §3).
type Artifact struct {
	ID        string          `json:"id"`
	JobID     string          `json:"jobId"`
	Type      ArtifactType    `json:"type"`
	Label     string          `json:"label,omitempty"`
	SubtaskID string          `json:"subtaskId,omitempty"`
	CreatedAt time.Time       `json:"createdAt"`
	Payload   json.RawMessage `json:"payload"`
}

// PlanSubtask is one entry of a Plan artifact's subtasks array.
type PlanSubtask struct {
	ID            string          `json:"id"`
	Title         string          `json:"title"`
	Description   string          `json:"description"`
	ParallelGroup string          `json:"parallelGroup,omitempty"`
	Context       json.RawMessage `json:"context,omitempty"`
	Notes         string          `json:"notes,omitempty"`
}

// Plan is the normalised payload embedded in a `plan` artifact (spec.md §3).
type Plan struct {
	CanParallelize bool          `json:"canParallelize"`
	Subtasks       []PlanSubtask `json:"subtasks"`
}

// MergeResult is the normalised payload embedded in a `merge_result`
// artifact (spec.md §3).
type MergeResult struct {
	Status       string   `json:"status"`
	Notes        string   `json:"notes"`
	TouchedFiles []string `json:"touchedFiles"`
}

// JobSnapshot bundles a job with its subtasks, artifacts, and the derived
// latest plan/merge result, as returned by readDashboardData/readActiveJob.
type JobSnapshot struct {
	Job         Job          `json:"job"`
	Subtasks    []Subtask    `json:"subtasks"`
	Artifacts   []Artifact   `json:"artifacts"`
	Plan        *Plan        `json:"plan,omitempty"`
	MergeResult *MergeResult `json:"mergeResult,omitempty"`
}

// DashboardSnapshot is the full `GET /api/db` payload.
type DashboardSnapshot struct {
	Jobs []JobSnapshot `json:"jobs"`
}

// ReadDashboardData returns every job with its subtasks and artifacts in a
// single consistent snapshot: jobs ordered by startedAt desc, artifacts by
// createdAt desc (spec.md §4.D).
func (s *Store) ReadDashboardData(ctx context.Context) (DashboardSnapshot, error) {
	jobs, err := s.loadJobs(ctx, "")
	if err != nil {
		return DashboardSnapshot{}, err
	}
	snap := DashboardSnapshot{Jobs: make([]JobSnapshot, 0, len(jobs))}
	for _, j := range jobs {
		js, err := s.loadJobSnapshot(ctx, j)
		if err != nil {
			return DashboardSnapshot{}, err
		}
		snap.Jobs = append(snap.Jobs, js)
	}
	return snap, nil
}

// ReadActiveJob returns the single most recent non-terminal job with its
// subtasks and artifacts, or nil if none is active (spec.md §4.D).
func (s *Store) ReadActiveJob(ctx context.Context) (*JobSnapshot, error) {
	jobs, err := s.loadJobs(ctx, `WHERE status NOT IN ('done', 'failed', 'needs_manual_review')`)
	if err != nil {
		return nil, err
	}
	if len(jobs) == 0 {
		return nil, nil
	}
	js, err := s.loadJobSnapshot(ctx, jobs[0])
	if err != nil {
		return nil, err
	}
	return &js, nil
}

func (s *Store) loadJobs(ctx context.Context, whereClause string) ([]Job, error) {
	query := `SELECT job_id, repo_root, base_branch, description, raw_task, push_result, status, started_at, updated_at FROM jobs ` + whereClause + ` ORDER BY started_at DESC`
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []Job
	for rows.Next() {
		var j Job
		var pushResult int
		if err := rows.Scan(&j.JobID, &j.RepoRoot, &j.BaseBranch, &j.Description, &j.RawTask, &pushResult, &j.Status, &j.StartedAt, &j.UpdatedAt); err != nil {
			return nil, err
		}
		j.PushResult = pushResult != 0
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

func (s *Store) loadJobSnapshot(ctx context.Context, job Job) (JobSnapshot, error) {
	subtasks, err := s.loadSubtasks(ctx, job.JobID)
	if err != nil {
		return JobSnapshot{}, err
	}
	artifacts, err := s.loadArtifacts(ctx, job.JobID)
	if err != nil {
		return JobSnapshot{}, err
	}
	snap := JobSnapshot{Job: job, Subtasks: subtasks, Artifacts: artifacts}
	snap.Plan = latestPlan(artifacts)
	snap.MergeResult = latestMergeResult(artifacts)
	return snap, nil
}

func (s *Store) loadSubtasks(ctx context.Context, jobID string) ([]Subtask, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT job_id, subtask_id, title, description, parallel_group, worktree_path, branch,
		       summary, important_files, error_message, last_reasoning, status, started_at, finished_at, updated_at
		FROM subtasks WHERE job_id = ? ORDER BY subtask_id ASC`, jobID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Subtask
	for rows.Next() {
		var t Subtask
		var parallelGroup, summary, importantFiles, errMsg, lastReasoning sql.NullString
		var startedAt, finishedAt sql.NullTime
		if err := rows.Scan(&t.JobID, &t.SubtaskID, &t.Title, &t.Description, &parallelGroup, &t.WorktreePath, &t.Branch,
			&summary, &importantFiles, &errMsg, &lastReasoning, &t.Status, &startedAt, &finishedAt, &t.UpdatedAt); err != nil {
			return nil, err
		}
		t.ParallelGroup = parallelGroup.String
		t.Summary = summary.String
		t.ErrorMessage = errMsg.String
		t.LastReasoning = lastReasoning.String
		if startedAt.Valid {
			v := startedAt.Time
			t.StartedAt = &v
		}
		if finishedAt.Valid {
			v := finishedAt.Time
			t.FinishedAt = &v
		}
		if importantFiles.Valid && importantFiles.String != "" {
			_ = json.Unmarshal([]byte(importantFiles.String), &t.ImportantFiles)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *Store) loadArtifacts(ctx context.Context, jobID string) ([]Artifact, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, job_id, type, label, subtask_id, created_at, payload
		FROM artifacts WHERE job_id = ? ORDER BY created_at DESC, id DESC`, jobID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Artifact
	for rows.Next() {
		var a Artifact
		var label, subtaskID sql.NullString
		var payload string
		if err := rows.Scan(&a.ID, &a.JobID, &a.Type, &label, &subtaskID, &a.CreatedAt, &payload); err != nil {
			return nil, err
		}
		a.Label = label.String
		a.SubtaskID = subtaskID.String
		a.Payload = json.RawMessage(payload)
		out = append(out, a)
	}
	return out, rows.Err()
}

// latestPlan finds the most recent `plan` artifact and decodes it, per
// spec.md §4.D ("Derives plan ... by finding the latest artifact of the
// corresponding type").
func latestPlan(artifacts []Artifact) *Plan {
	for _, a := range artifacts {
		if a.Type != ArtifactPlan {
			continue
		}
		var p Plan
		if err := json.Unmarshal(a.Payload, &p); err != nil {
			return nil
		}
		return &p
	}
	return nil
}

// latestMergeResult finds the most recent `merge_result` artifact.
func latestMergeResult(artifacts []Artifact) *MergeResult {
	for _, a := range artifacts {
		if a.Type != ArtifactMergeResult {
			continue
		}
		var m MergeResult
		if err := json.Unmarshal(a.Payload, &m); err != nil {
			return nil
		}
		return &m
	}
	return nil
}
