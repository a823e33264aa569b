package acceptance_test

import (
	"os"
	"os/exec"
	"path/filepath"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

const pushScript = `#!/bin/sh
prompt="${@: -1}"
case "$prompt" in
  *"id: only"*)
    echo "done" > only.txt
    echo '{"subtaskId":"only","status":"ok","summary":"did it","importantFiles":["only.txt"]}'
    ;;
  *"canParallelize"*)
    echo '{"canParallelize": false, "subtasks": [{"id":"only","title":"Only","description":"id: only"}]}'
    ;;
  *)
    echo '{}'
    ;;
esac
`

var _ = Describe("Push on success", func() {
	It("pushes the result branch exactly once and notes it in the merge result", func() {
		tmpDir, err := os.MkdirTemp("", "taskline-push-*")
		Expect(err).NotTo(HaveOccurred())
		defer cleanupTestRepo(tmpDir, tmpDir)

		// A bare remote to push to, since --push requires an "origin".
		remoteDir, err := os.MkdirTemp("", "taskline-push-remote-*")
		Expect(err).NotTo(HaveOccurred())
		defer os.RemoveAll(remoteDir)
		Expect(exec.Command("git", "init", "-q", "--bare", remoteDir).Run()).To(Succeed())

		Expect(initRepo(tmpDir)).To(Succeed())
		Expect(exec.Command("git", "-C", tmpDir, "remote", "add", "origin", remoteDir).Run()).To(Succeed())
		Expect(exec.Command("git", "-C", tmpDir, "push", "-q", "origin", "main").Run()).To(Succeed())

		cli, err := writeFakeWorkerCLI(tmpDir, pushScript)
		Expect(err).NotTo(HaveOccurred())
		cfgPath, err := writeConfig(tmpDir, cli)
		Expect(err).NotTo(HaveOccurred())

		dbPath := filepath.Join(tmpDir, "orchestrator.db")
		jobID := "push-job"
		cmd := exec.Command(binaryPath, "--config", cfgPath, "job",
			"--repo", tmpDir, "--prefactor=false", "--push", "--job-id", jobID, "one step, pushed")
		cmd.Dir = tmpDir
		cmd.Env = append(os.Environ(), "ORCHESTRATOR_DB_PATH="+dbPath)
		out, err := cmd.CombinedOutput()
		Expect(err).NotTo(HaveOccurred(), "job run failed: %s", out)

		status, err := dbJobStatus(dbPath)
		Expect(err).NotTo(HaveOccurred())
		Expect(status).To(Equal("done"))

		notes, err := dbMergeNotes(dbPath)
		Expect(err).NotTo(HaveOccurred())
		Expect(notes).To(ContainSubstring("pushed"))

		// The remote must now carry the result branch.
		out, err = exec.Command("git", "-C", remoteDir, "branch", "--list", "result-"+jobID).CombinedOutput()
		Expect(err).NotTo(HaveOccurred())
		Expect(string(out)).To(ContainSubstring("result-" + jobID))
	})
})
