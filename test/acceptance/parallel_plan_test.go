package acceptance_test

import (
	"os"
	"os/exec"
	"path/filepath"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

const parallelPlanScript = `#!/bin/sh
prompt="${@: -1}"
case "$prompt" in
  *"id: a"*)
    echo "a" > a.txt
    echo '{"subtaskId":"a","status":"ok","summary":"did a","importantFiles":["a.txt"]}'
    ;;
  *"id: b"*)
    echo "b" > b.txt
    echo '{"subtaskId":"b","status":"ok","summary":"did b","importantFiles":["b.txt"]}'
    ;;
  *"id: c"*)
    echo "c" > c.txt
    echo '{"subtaskId":"c","status":"ok","summary":"did c","importantFiles":["c.txt"]}'
    ;;
  *"canParallelize"*)
    echo '{"canParallelize": true, "subtasks": [
      {"id":"a","title":"A","description":"id: a","parallelGroup":"g1"},
      {"id":"b","title":"B","description":"id: b","parallelGroup":"g1"},
      {"id":"c","title":"C","description":"id: c","parallelGroup":"g2"}
    ]}'
    ;;
  *)
    echo '{}'
    ;;
esac
`

var _ = Describe("Happy path, parallel plan", func() {
	It("runs batch {a,b} then {c} and merges all three files", func() {
		tmpDir, err := os.MkdirTemp("", "taskline-parallel-*")
		Expect(err).NotTo(HaveOccurred())
		defer cleanupTestRepo(tmpDir, tmpDir)

		Expect(initRepo(tmpDir)).To(Succeed())
		cli, err := writeFakeWorkerCLI(tmpDir, parallelPlanScript)
		Expect(err).NotTo(HaveOccurred())
		cfgPath, err := writeConfig(tmpDir, cli)
		Expect(err).NotTo(HaveOccurred())

		dbPath := filepath.Join(tmpDir, "orchestrator.db")
		cmd := exec.Command(binaryPath, "--config", cfgPath, "job", "--repo", tmpDir, "--prefactor=false", "build three independent things")
		cmd.Dir = tmpDir
		cmd.Env = append(os.Environ(), "ORCHESTRATOR_DB_PATH="+dbPath)
		out, err := cmd.CombinedOutput()
		Expect(err).NotTo(HaveOccurred(), "job run failed: %s", out)

		status, err := dbJobStatus(dbPath)
		Expect(err).NotTo(HaveOccurred())
		Expect(status).To(Equal("done"))

		touched, err := dbMergeTouchedFiles(dbPath)
		Expect(err).NotTo(HaveOccurred())
		Expect(touched).To(ConsistOf("a.txt", "b.txt", "c.txt"))
	})
})
