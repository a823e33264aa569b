// Package store is the durable, SQLite-backed record of jobs, subtasks, and
// artifacts. It owns all rows; every other component talks to the pipeline
// only through this API.
//
// Grounded on the teacher's internal/engine.state (WriteStatus/ReadStatus
// JSON-file persistence, IsActiveState) generalised from a single-file
// status blob to a relational store per spec.md §4.D. Uses
// modernc.org/sqlite (pure Go, no cgo) since nothing in the teacher or the
// wider example pack ships a durable embedded store of its own; oklog/ulid
// supplies sortable artifact ids the way vsavkov-kilroy's engine stamps
// event ids.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	_ "modernc.org/sqlite"
)

// JobStatus is one of the monotonically increasing job lifecycle states
// (spec.md §3).
type JobStatus string

const (
	StatusAnalyzing         JobStatus = "analyzing"
	StatusRefactoring       JobStatus = "refactoring"
	StatusPlanning          JobStatus = "planning"
	StatusRunning           JobStatus = "running"
	StatusMerging           JobStatus = "merging"
	StatusDone              JobStatus = "done"
	StatusNeedsManualReview JobStatus = "needs_manual_review"
	StatusFailed            JobStatus = "failed"
)

// statusPriority encodes spec.md §3's monotonic ordering:
// analyzing<refactoring<planning<running<merging<done<needs_manual_review<failed.
var statusPriority = map[JobStatus]int{
	StatusAnalyzing:         0,
	StatusRefactoring:       1,
	StatusPlanning:          2,
	StatusRunning:           3,
	StatusMerging:           4,
	StatusDone:              5,
	StatusNeedsManualReview: 6,
	StatusFailed:            7,
}

// IsTerminal reports whether status is one of the frozen terminal states.
func IsTerminal(status JobStatus) bool {
	return status == StatusDone || status == StatusFailed || status == StatusNeedsManualReview
}

// ArtifactType enumerates the append-only event kinds (spec.md §3).
type ArtifactType string

const (
	ArtifactPlan             ArtifactType = "plan"
	ArtifactPlanProgress     ArtifactType = "plan_progress"
	ArtifactAnalysis         ArtifactType = "analysis"
	ArtifactAnalysisProgress ArtifactType = "analysis_progress"
	ArtifactRefactor         ArtifactType = "refactor"
	ArtifactRefactorProgress ArtifactType = "refactor_progress"
	ArtifactMergeInput       ArtifactType = "merge_input"
	ArtifactMergeResult      ArtifactType = "merge_result"
	ArtifactMergeError       ArtifactType = "merge_error"
	ArtifactMergeProgress    ArtifactType = "merge_progress"
	ArtifactSubtaskResult    ArtifactType = "subtask_result"
)

// JobMeta carries the attributes set only when a job row is first created;
// later MarkJobStatus calls for an existing job ignore these.
type JobMeta struct {
	RepoRoot    string
	BaseBranch  string
	Description string
	RawTask     string
	PushResult  bool
}

// Store is a SQLite-backed, WAL-mode durable record of jobs, subtasks, and
// artifacts, safe for concurrent use by multiple engine goroutines.
type Store struct {
	db     *sql.DB
	logger *log.Logger
}

// Open opens (creating if absent) the SQLite database at path, enables WAL
// journalling and foreign-key enforcement, and ensures the schema exists.
func Open(path string, logger *log.Logger) (*Store, error) {
	if logger == nil {
		logger = log.Default()
	}
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)&_pragma=busy_timeout(5000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening store %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)
	s := &Store{db: db, logger: logger}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the underlying database handle.
func (s *Store) Close() error { return s.db.Close() }

func (s *Store) migrate() error {
	_, err := s.db.Exec(schemaDDL)
	return err
}

// logFailure implements spec.md §4.D's "storage failures never propagate
// into the engine" contract: every write method funnels its own internal
// errors here instead of returning them.
func (s *Store) logFailure(op string, err error) {
	if err == nil {
		return
	}
	s.logger.Printf("store: %s failed: %v", op, err)
}

func newArtifactID() string {
	return ulid.Make().String()
}

// MarkJobStatus upserts the job row, creating it with meta on first write
// and otherwise enforcing the monotonic status ordering (spec.md §3): a
// transition to a lower-priority status than the job's current one, or any
// write once the job is terminal, is silently ignored.
func (s *Store) MarkJobStatus(ctx context.Context, jobID string, status JobStatus, meta JobMeta) {
	if err := s.markJobStatus(ctx, jobID, status, meta); err != nil {
		s.logFailure("MarkJobStatus", err)
	}
}

func (s *Store) markJobStatus(ctx context.Context, jobID string, status JobStatus, meta JobMeta) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	var currentStatus string
	err = tx.QueryRowContext(ctx, `SELECT status FROM jobs WHERE job_id = ?`, jobID).Scan(&currentStatus)
	switch {
	case err == sql.ErrNoRows:
		_, err = tx.ExecContext(ctx, `
			INSERT INTO jobs (job_id, repo_root, base_branch, description, raw_task, push_result, status, started_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			jobID, meta.RepoRoot, meta.BaseBranch, meta.Description, meta.RawTask, boolToInt(meta.PushResult), string(status), now, now)
		if err != nil {
			return err
		}
	case err != nil:
		return err
	default:
		if IsTerminal(JobStatus(currentStatus)) {
			return tx.Commit()
		}
		if statusPriority[status] < statusPriority[JobStatus(currentStatus)] {
			return tx.Commit()
		}
		if _, err := tx.ExecContext(ctx, `UPDATE jobs SET status = ?, updated_at = ? WHERE job_id = ?`, string(status), now, jobID); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func (s *Store) insertArtifact(ctx context.Context, tx *sql.Tx, jobID string, typ ArtifactType, label, subtaskID string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	var subtaskIDVal any
	if subtaskID != "" {
		subtaskIDVal = subtaskID
	}
	var labelVal any
	if label != "" {
		labelVal = label
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO artifacts (id, job_id, type, label, subtask_id, created_at, payload)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		newArtifactID(), jobID, string(typ), labelVal, subtaskIDVal, time.Now().UTC(), string(body))
	return err
}

// recordStageArtifact is the shared body for the six stage-output record*
// calls in spec.md §4.D: append one artifact in its own transaction, then,
// once that commits, transition the job to the stage's entry status via
// MarkJobStatus (a second transaction).
func (s *Store) recordStageArtifact(ctx context.Context, jobID string, typ ArtifactType, label string, payload any, status JobStatus) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := s.insertArtifact(ctx, tx, jobID, typ, label, "", payload); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	s.MarkJobStatus(ctx, jobID, status, JobMeta{})
	return nil
}

// RecordAnalysisOutput appends an `analysis` artifact and moves the job to
// `analyzing`.
func (s *Store) RecordAnalysisOutput(ctx context.Context, jobID string, output any) {
	if err := s.recordStageArtifact(ctx, jobID, ArtifactAnalysis, "", output, StatusAnalyzing); err != nil {
		s.logFailure("RecordAnalysisOutput", err)
	}
}

// RecordRefactorOutput appends a `refactor` artifact and moves the job to
// `refactoring`.
func (s *Store) RecordRefactorOutput(ctx context.Context, jobID string, output any) {
	if err := s.recordStageArtifact(ctx, jobID, ArtifactRefactor, "", output, StatusRefactoring); err != nil {
		s.logFailure("RecordRefactorOutput", err)
	}
}

// RecordPlannerOutput appends a `plan` artifact and moves the job to
// `planning`.
func (s *Store) RecordPlannerOutput(ctx context.Context, jobID string, plan any) {
	if err := s.recordStageArtifact(ctx, jobID, ArtifactPlan, "", plan, StatusPlanning); err != nil {
		s.logFailure("RecordPlannerOutput", err)
	}
}

// RecordMergeStart appends a `merge_input` artifact and moves the job to
// `merging`.
func (s *Store) RecordMergeStart(ctx context.Context, jobID string, input any) {
	if err := s.recordStageArtifact(ctx, jobID, ArtifactMergeInput, "", input, StatusMerging); err != nil {
		s.logFailure("RecordMergeStart", err)
	}
}

// RecordMergeResult appends a `merge_result` artifact and moves the job to
// `done` or `needs_manual_review` depending on the result's status field.
func (s *Store) RecordMergeResult(ctx context.Context, jobID string, result MergeResult) {
	final := StatusDone
	if result.Status == "needs_manual_review" {
		final = StatusNeedsManualReview
	}
	if err := s.recordStageArtifact(ctx, jobID, ArtifactMergeResult, "", result, final); err != nil {
		s.logFailure("RecordMergeResult", err)
	}
}

// RecordMergeFailure appends a `merge_error` artifact and moves the job to
// `failed`.
func (s *Store) RecordMergeFailure(ctx context.Context, jobID string, errMsg string) {
	payload := map[string]string{"error": errMsg}
	if err := s.recordStageArtifact(ctx, jobID, ArtifactMergeError, "", payload, StatusFailed); err != nil {
		s.logFailure("RecordMergeFailure", err)
	}
}

// RecordSubtaskStart upserts the subtask row with status `running`, setting
// startedAt only if previously unset, and moves the job to `running`.
func (s *Store) RecordSubtaskStart(ctx context.Context, jobID, subtaskID, title, description, parallelGroup, worktreePath, branch string) {
	if err := s.recordSubtaskStart(ctx, jobID, subtaskID, title, description, parallelGroup, worktreePath, branch); err != nil {
		s.logFailure("RecordSubtaskStart", err)
		return
	}
	s.MarkJobStatus(ctx, jobID, StatusRunning, JobMeta{})
}

func (s *Store) recordSubtaskStart(ctx context.Context, jobID, subtaskID, title, description, parallelGroup, worktreePath, branch string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	var startedAt any
	err = tx.QueryRowContext(ctx, `SELECT started_at FROM subtasks WHERE job_id = ? AND subtask_id = ?`, jobID, subtaskID).Scan(&startedAt)
	if err == sql.ErrNoRows {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO subtasks (job_id, subtask_id, title, description, parallel_group, worktree_path, branch, status, started_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, 'running', ?, ?)`,
			jobID, subtaskID, title, description, nullIfEmpty(parallelGroup), worktreePath, branch, now, now)
		if err != nil {
			return err
		}
	} else if err != nil {
		return err
	} else {
		_, err = tx.ExecContext(ctx, `
			UPDATE subtasks SET title = ?, description = ?, parallel_group = ?, worktree_path = ?, branch = ?, status = 'running', updated_at = ?
			WHERE job_id = ? AND subtask_id = ?`,
			title, description, nullIfEmpty(parallelGroup), worktreePath, branch, now, jobID, subtaskID)
		if err != nil {
			return err
		}
	}
	return tx.Commit()
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// RecordSubtaskResult finalises a subtask (status `completed` or `failed`),
// sets finishedAt, stores summary/importantFiles/error, appends a
// `subtask_result` artifact, and moves the job to `running` (success) or
// `failed` (failure).
func (s *Store) RecordSubtaskResult(ctx context.Context, jobID, subtaskID string, ok bool, summary string, importantFiles []string, errMsg string) {
	if err := s.recordSubtaskResult(ctx, jobID, subtaskID, ok, summary, importantFiles, errMsg); err != nil {
		s.logFailure("RecordSubtaskResult", err)
		return
	}
	if ok {
		s.MarkJobStatus(ctx, jobID, StatusRunning, JobMeta{})
	} else {
		s.MarkJobStatus(ctx, jobID, StatusFailed, JobMeta{})
	}
}

func (s *Store) recordSubtaskResult(ctx context.Context, jobID, subtaskID string, ok bool, summary string, importantFiles []string, errMsg string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	status := "completed"
	if !ok {
		status = "failed"
	}
	filesJSON, err := json.Marshal(importantFiles)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	_, err = tx.ExecContext(ctx, `
		UPDATE subtasks SET status = ?, finished_at = ?, summary = ?, important_files = ?, error_message = ?, updated_at = ?
		WHERE job_id = ? AND subtask_id = ?`,
		status, now, nullIfEmpty(summary), string(filesJSON), nullIfEmpty(errMsg), now, jobID, subtaskID)
	if err != nil {
		return err
	}
	payload := map[string]any{
		"subtaskId":      subtaskID,
		"status":         status,
		"summary":        summary,
		"importantFiles": importantFiles,
		"error":          errMsg,
	}
	if err := s.insertArtifact(ctx, tx, jobID, ArtifactSubtaskResult, "", subtaskID, payload); err != nil {
		return err
	}
	return tx.Commit()
}

// RecordSubtaskReasoning updates a subtask's lastReasoning field, used to
// stream live progress.
func (s *Store) RecordSubtaskReasoning(ctx context.Context, jobID, subtaskID, reasoning string) {
	_, err := s.db.ExecContext(ctx, `
		UPDATE subtasks SET last_reasoning = ?, updated_at = ? WHERE job_id = ? AND subtask_id = ?`,
		reasoning, time.Now().UTC(), jobID, subtaskID)
	s.logFailure("RecordSubtaskReasoning", err)
}

// recordProgress appends a *_progress artifact without altering job status,
// the shared body behind the five record*Progress calls (analysis,
// refactor, plan, merge, subtask).
func (s *Store) recordProgress(ctx context.Context, jobID string, typ ArtifactType, subtaskID, text string) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		s.logFailure(string(typ), err)
		return
	}
	defer tx.Rollback()
	if err := s.insertArtifact(ctx, tx, jobID, typ, "", subtaskID, map[string]string{"text": text}); err != nil {
		s.logFailure(string(typ), err)
		return
	}
	if err := tx.Commit(); err != nil {
		s.logFailure(string(typ), err)
	}
}

// RecordAnalysisProgress appends an `analysis_progress` artifact.
func (s *Store) RecordAnalysisProgress(ctx context.Context, jobID, text string) {
	s.recordProgress(ctx, jobID, ArtifactAnalysisProgress, "", text)
}

// RecordRefactorProgress appends a `refactor_progress` artifact.
func (s *Store) RecordRefactorProgress(ctx context.Context, jobID, text string) {
	s.recordProgress(ctx, jobID, ArtifactRefactorProgress, "", text)
}

// RecordPlanProgress appends a `plan_progress` artifact.
func (s *Store) RecordPlanProgress(ctx context.Context, jobID, text string) {
	s.recordProgress(ctx, jobID, ArtifactPlanProgress, "", text)
}

// RecordMergeProgress appends a `merge_progress` artifact.
func (s *Store) RecordMergeProgress(ctx context.Context, jobID, text string) {
	s.recordProgress(ctx, jobID, ArtifactMergeProgress, "", text)
}

// RecordSubtaskProgress appends a `subtask_result`-adjacent progress line
// tagged with subtaskID, reusing the analysis_progress channel shape so the
// dashboard's generic progress renderer handles it uniformly.
func (s *Store) RecordSubtaskProgress(ctx context.Context, jobID, subtaskID, text string) {
	s.recordProgress(ctx, jobID, ArtifactAnalysisProgress, subtaskID, text)
}

// EnsureTerminalJobStatus promotes the job to fallback (default `done`) if
// it exists and is not already terminal — a crash-safety net called
// unconditionally at the end of runJob (spec.md §4.F step 9).
func (s *Store) EnsureTerminalJobStatus(ctx context.Context, jobID string, fallback JobStatus) {
	if fallback == "" {
		fallback = StatusDone
	}
	var current string
	err := s.db.QueryRowContext(ctx, `SELECT status FROM jobs WHERE job_id = ?`, jobID).Scan(&current)
	if err == sql.ErrNoRows {
		return
	}
	if err != nil {
		s.logFailure("EnsureTerminalJobStatus", err)
		return
	}
	if IsTerminal(JobStatus(current)) {
		return
	}
	_, err = s.db.ExecContext(ctx, `UPDATE jobs SET status = ?, updated_at = ? WHERE job_id = ?`, string(fallback), time.Now().UTC(), jobID)
	s.logFailure("EnsureTerminalJobStatus", err)
}

var schemaDDL = strings.TrimSpace(`
CREATE TABLE IF NOT EXISTS jobs (
	job_id      TEXT PRIMARY KEY,
	repo_root   TEXT NOT NULL,
	base_branch TEXT NOT NULL,
	description TEXT NOT NULL DEFAULT '',
	raw_task    TEXT NOT NULL DEFAULT '',
	push_result INTEGER NOT NULL DEFAULT 0,
	status      TEXT NOT NULL,
	started_at  DATETIME NOT NULL,
	updated_at  DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS subtasks (
	job_id          TEXT NOT NULL REFERENCES jobs(job_id) ON DELETE CASCADE,
	subtask_id      TEXT NOT NULL,
	title           TEXT NOT NULL DEFAULT '',
	description     TEXT NOT NULL DEFAULT '',
	parallel_group  TEXT,
	worktree_path   TEXT NOT NULL DEFAULT '',
	branch          TEXT NOT NULL DEFAULT '',
	summary         TEXT,
	important_files TEXT,
	error_message   TEXT,
	last_reasoning  TEXT,
	status          TEXT NOT NULL DEFAULT 'pending',
	started_at      DATETIME,
	finished_at     DATETIME,
	updated_at      DATETIME NOT NULL,
	PRIMARY KEY (job_id, subtask_id)
);

CREATE TABLE IF NOT EXISTS artifacts (
	id          TEXT PRIMARY KEY,
	job_id      TEXT NOT NULL REFERENCES jobs(job_id) ON DELETE CASCADE,
	type        TEXT NOT NULL,
	label       TEXT,
	subtask_id  TEXT,
	created_at  DATETIME NOT NULL,
	payload     TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_subtasks_job ON subtasks(job_id);
CREATE INDEX IF NOT EXISTS idx_artifacts_job ON artifacts(job_id, created_at);
`)
