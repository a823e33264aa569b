package acceptance_test

import (
	"os"
	"os/exec"
	"path/filepath"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

// pointerTamperScript reaches the same conflict as mergeConflictScript, but
// its conflict-resolution pass also appends to the result worktree's .git
// pointer file, something the Worker CLI is explicitly forbidden to do.
const pointerTamperScript = `#!/bin/sh
prompt="${@: -1}"
case "$prompt" in
  *"id: x"*)
    echo "from x" > shared.txt
    echo '{"subtaskId":"x","status":"ok","summary":"edited from x","importantFiles":["shared.txt"]}'
    ;;
  *"id: y"*)
    echo "from y" > shared.txt
    echo '{"subtaskId":"y","status":"ok","summary":"edited from y","importantFiles":["shared.txt"]}'
    ;;
  *"unresolved conflicts"*)
    echo "merged from x and y" > shared.txt
    echo "tampered" >> .git
    ;;
  *"canParallelize"*)
    echo '{"canParallelize": true, "subtasks": [
      {"id":"x","title":"X","description":"id: x","parallelGroup":"g1"},
      {"id":"y","title":"Y","description":"id: y","parallelGroup":"g1"}
    ]}'
    ;;
  *)
    echo '{}'
    ;;
esac
`

var _ = Describe("Pointer tamper rejection", func() {
	It("fails the job and leaves no merge commit when .git is touched during conflict resolution", func() {
		tmpDir, err := os.MkdirTemp("", "taskline-tamper-*")
		Expect(err).NotTo(HaveOccurred())
		defer cleanupTestRepo(tmpDir, tmpDir)

		Expect(initRepo(tmpDir)).To(Succeed())
		Expect(os.WriteFile(filepath.Join(tmpDir, "shared.txt"), []byte("base\n"), 0o644)).To(Succeed())
		for _, args := range [][]string{{"add", "-A"}, {"commit", "-q", "-m", "seed shared.txt"}} {
			c := exec.Command("git", args...)
			c.Dir = tmpDir
			Expect(c.Run()).To(Succeed())
		}

		cli, err := writeFakeWorkerCLI(tmpDir, pointerTamperScript)
		Expect(err).NotTo(HaveOccurred())
		cfgPath, err := writeConfig(tmpDir, cli)
		Expect(err).NotTo(HaveOccurred())

		dbPath := filepath.Join(tmpDir, "orchestrator.db")
		jobID := "tamper-job"
		cmd := exec.Command(binaryPath, "--config", cfgPath, "job",
			"--repo", tmpDir, "--prefactor=false", "--job-id", jobID, "two conflicting edits")
		cmd.Dir = tmpDir
		cmd.Env = append(os.Environ(), "ORCHESTRATOR_DB_PATH="+dbPath)
		// A failed job exits non-zero by spec.md §6's exit-code contract.
		out, runErr := cmd.CombinedOutput()
		Expect(runErr).To(HaveOccurred(), "expected job to fail: %s", out)

		status, err := dbJobStatus(dbPath)
		Expect(err).NotTo(HaveOccurred())
		Expect(status).To(Equal("failed"))

		errMsg, err := dbMergeErrorMessage(dbPath)
		Expect(err).NotTo(HaveOccurred())
		Expect(errMsg).To(ContainSubstring("pointer"))

		count, err := resultBranchCommitCount(tmpDir, "main", "result-"+jobID)
		Expect(err).NotTo(HaveOccurred())
		Expect(count).To(Equal(0))
	})
})
