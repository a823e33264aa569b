package acceptance_test

import (
	"os"
	"os/exec"
	"path/filepath"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

// parseFailureScript exits non-zero on the plan call after printing valid
// JSON to stderr instead of stdout, standing in for a Worker CLI that
// crashes after doing useful work. The JSON Extractor must still recover
// the plan from stderr (spec.md §4.C, §7 ProcessExit recovery).
const parseFailureScript = `#!/bin/sh
prompt="${@: -1}"
case "$prompt" in
  *"id: only"*)
    echo "done" > only.txt
    echo '{"subtaskId":"only","status":"ok","summary":"did it","importantFiles":["only.txt"]}'
    ;;
  *"canParallelize"*)
    echo "noisy preamble from a flaky agent" >&2
    echo '{"canParallelize": false, "subtasks": [{"id":"only","title":"Only","description":"id: only"}]}' >&2
    exit 1
    ;;
  *)
    echo '{}'
    ;;
esac
`

var _ = Describe("Parse failure with recovery", func() {
	It("recovers a valid plan from stderr despite a non-zero exit code", func() {
		tmpDir, err := os.MkdirTemp("", "taskline-parsefail-*")
		Expect(err).NotTo(HaveOccurred())
		defer cleanupTestRepo(tmpDir, tmpDir)

		Expect(initRepo(tmpDir)).To(Succeed())
		cli, err := writeFakeWorkerCLI(tmpDir, parseFailureScript)
		Expect(err).NotTo(HaveOccurred())
		cfgPath, err := writeConfig(tmpDir, cli)
		Expect(err).NotTo(HaveOccurred())

		dbPath := filepath.Join(tmpDir, "orchestrator.db")
		cmd := exec.Command(binaryPath, "--config", cfgPath, "job", "--repo", tmpDir, "--prefactor=false", "one flaky step")
		cmd.Dir = tmpDir
		cmd.Env = append(os.Environ(), "ORCHESTRATOR_DB_PATH="+dbPath)
		out, err := cmd.CombinedOutput()
		Expect(err).NotTo(HaveOccurred(), "job run failed: %s", out)

		status, err := dbJobStatus(dbPath)
		Expect(err).NotTo(HaveOccurred())
		Expect(status).To(Equal("done"))

		touched, err := dbMergeTouchedFiles(dbPath)
		Expect(err).NotTo(HaveOccurred())
		Expect(touched).To(ConsistOf("only.txt"))
	})
})
