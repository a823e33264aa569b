package acceptance_test

import (
	"os"
	"os/exec"
	"path/filepath"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

const sequentialPlanScript = `#!/bin/sh
prompt="${@: -1}"
case "$prompt" in
  *"id: s1"*)
    echo "one" > s1.txt
    echo '{"subtaskId":"s1","status":"ok","summary":"did s1","importantFiles":["s1.txt"]}'
    ;;
  *"id: s2"*)
    echo "two" > s2.txt
    echo '{"subtaskId":"s2","status":"ok","summary":"did s2","importantFiles":["s2.txt"]}'
    ;;
  *"canParallelize"*)
    echo '{"canParallelize": false, "subtasks": [
      {"id":"s1","title":"S1","description":"id: s1"},
      {"id":"s2","title":"S2","description":"id: s2"}
    ]}'
    ;;
  *)
    echo '{}'
    ;;
esac
`

var _ = Describe("Sequential plan", func() {
	It("runs two singleton batches strictly in sequence and finishes done", func() {
		tmpDir, err := os.MkdirTemp("", "taskline-sequential-*")
		Expect(err).NotTo(HaveOccurred())
		defer cleanupTestRepo(tmpDir, tmpDir)

		Expect(initRepo(tmpDir)).To(Succeed())
		cli, err := writeFakeWorkerCLI(tmpDir, sequentialPlanScript)
		Expect(err).NotTo(HaveOccurred())
		cfgPath, err := writeConfig(tmpDir, cli)
		Expect(err).NotTo(HaveOccurred())

		dbPath := filepath.Join(tmpDir, "orchestrator.db")
		cmd := exec.Command(binaryPath, "--config", cfgPath, "job", "--repo", tmpDir, "--prefactor=false", "two sequential steps")
		cmd.Dir = tmpDir
		cmd.Env = append(os.Environ(), "ORCHESTRATOR_DB_PATH="+dbPath)
		out, err := cmd.CombinedOutput()
		Expect(err).NotTo(HaveOccurred(), "job run failed: %s", out)

		status, err := dbJobStatus(dbPath)
		Expect(err).NotTo(HaveOccurred())
		Expect(status).To(Equal("done"))

		touched, err := dbMergeTouchedFiles(dbPath)
		Expect(err).NotTo(HaveOccurred())
		Expect(touched).To(ConsistOf("s1.txt", "s2.txt"))
	})
})
