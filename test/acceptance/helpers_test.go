package acceptance_test

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// initRepo creates a fresh git repository with one initial commit on
// branch "main" and returns its path.
func initRepo(dir string) error {
	for _, args := range [][]string{
		{"init", "-q", "-b", "main"},
		{"config", "user.name", "acceptance"},
		{"config", "user.email", "acceptance@example.com"},
	} {
		cmd := exec.Command("git", args...)
		cmd.Dir = dir
		if out, err := cmd.CombinedOutput(); err != nil {
			return fmt.Errorf("git %v: %w: %s", args, err, out)
		}
	}
	if err := os.WriteFile(filepath.Join(dir, "README.md"), []byte("seed\n"), 0o644); err != nil {
		return err
	}
	for _, args := range [][]string{{"add", "-A"}, {"commit", "-q", "-m", "initial"}} {
		cmd := exec.Command("git", args...)
		cmd.Dir = dir
		if out, err := cmd.CombinedOutput(); err != nil {
			return fmt.Errorf("git %v: %w: %s", args, err, out)
		}
	}
	return nil
}

// writeFakeWorkerCLI writes a shell script that dispatches on the last CLI
// argument (the prompt) to decide what to print and what file to touch,
// standing in for the real Worker CLI across acceptance scenarios.
func writeFakeWorkerCLI(dir, script string) (string, error) {
	path := filepath.Join(dir, "fake-worker-cli")
	if err := os.WriteFile(path, []byte(script), 0o755); err != nil {
		return "", err
	}
	return path, nil
}

// writeConfig writes a taskline.yaml pointing at workerCLI, with a fast
// dispatcher poll interval and push-through worker config.
func writeConfig(dir, workerCLI string) (string, error) {
	path := filepath.Join(dir, "taskline.yaml")
	contents := "worker:\n  command: " + workerCLI + "\n  reasoning_effort: medium\ndispatcher:\n  poll_interval: 1s\n  stop_when_empty: true\napi:\n  port: 4179\n"
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		return "", err
	}
	return path, nil
}

// dbJobCount returns how many rows are present in the jobs table of the
// orchestrator.db at dbPath.
func dbJobCount(dbPath string) (int, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return 0, err
	}
	defer db.Close()
	var n int
	err = db.QueryRowContext(context.Background(), "SELECT COUNT(*) FROM jobs").Scan(&n)
	return n, err
}

// dbJobStatus returns the status column of the single job recorded at
// dbPath, assuming exactly one job was run.
func dbJobStatus(dbPath string) (string, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return "", err
	}
	defer db.Close()
	var status string
	err = db.QueryRowContext(context.Background(), "SELECT status FROM jobs ORDER BY started_at DESC LIMIT 1").Scan(&status)
	return status, err
}

// dbMergeTouchedFiles decodes the touchedFiles field of the latest
// merge_result artifact.
func dbMergeTouchedFiles(dbPath string) ([]string, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}
	defer db.Close()
	var payload string
	err = db.QueryRowContext(context.Background(),
		"SELECT payload FROM artifacts WHERE type = 'merge_result' ORDER BY created_at DESC LIMIT 1").Scan(&payload)
	if err != nil {
		return nil, err
	}
	var parsed struct {
		TouchedFiles []string `json:"touchedFiles"`
	}
	if err := json.Unmarshal([]byte(payload), &parsed); err != nil {
		return nil, err
	}
	return parsed.TouchedFiles, nil
}

// dbMergeNotes decodes the notes field of the latest merge_result artifact.
func dbMergeNotes(dbPath string) (string, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return "", err
	}
	defer db.Close()
	var payload string
	err = db.QueryRowContext(context.Background(),
		"SELECT payload FROM artifacts WHERE type = 'merge_result' ORDER BY created_at DESC LIMIT 1").Scan(&payload)
	if err != nil {
		return "", err
	}
	var parsed struct {
		Notes string `json:"notes"`
	}
	if err := json.Unmarshal([]byte(payload), &parsed); err != nil {
		return "", err
	}
	return parsed.Notes, nil
}

// dbMergeErrorMessage decodes the error field of the latest merge_error
// artifact, recorded when the merge stage fails outright.
func dbMergeErrorMessage(dbPath string) (string, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return "", err
	}
	defer db.Close()
	var payload string
	err = db.QueryRowContext(context.Background(),
		"SELECT payload FROM artifacts WHERE type = 'merge_error' ORDER BY created_at DESC LIMIT 1").Scan(&payload)
	if err != nil {
		return "", err
	}
	var parsed struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal([]byte(payload), &parsed); err != nil {
		return "", err
	}
	return parsed.Error, nil
}

// resultBranchCommitCount returns how many commits exist on the job's
// result branch beyond the base branch; 0 means no merge commit landed.
func resultBranchCommitCount(repoDir, baseBranch, resultBranch string) (int, error) {
	cmd := exec.Command("git", "rev-list", "--count", baseBranch+".."+resultBranch)
	cmd.Dir = repoDir
	out, err := cmd.Output()
	if err != nil {
		return 0, fmt.Errorf("rev-list %s..%s: %w", baseBranch, resultBranch, err)
	}
	n := 0
	if _, scanErr := fmt.Sscanf(string(out), "%d", &n); scanErr != nil {
		return 0, scanErr
	}
	return n, nil
}
