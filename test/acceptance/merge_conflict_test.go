package acceptance_test

import (
	"os"
	"os/exec"
	"path/filepath"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

// mergeConflictScript has two parallel subtasks edit the same file in
// incompatible ways, then resolves the resulting conflict by editing the
// file directly, per the conflict-resolution prompt's instructions (no git
// commands of any kind).
const mergeConflictScript = `#!/bin/sh
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

var _ = Describe("Merge with conflicts", func() {
	It("resolves the conflict via the Worker CLI and commits without tampering the pointer", func() {
		tmpDir, err := os.MkdirTemp("", "taskline-conflict-*")
		Expect(err).NotTo(HaveOccurred())
		defer cleanupTestRepo(tmpDir, tmpDir)

		Expect(initRepo(tmpDir)).To(Succeed())
		Expect(os.WriteFile(filepath.Join(tmpDir, "shared.txt"), []byte("base\n"), 0o644)).To(Succeed())
		for _, args := range [][]string{{"add", "-A"}, {"commit", "-q", "-m", "seed shared.txt"}} {
			c := exec.Command("git", args...)
			c.Dir = tmpDir
			Expect(c.Run()).To(Succeed())
		}

		cli, err := writeFakeWorkerCLI(tmpDir, mergeConflictScript)
		Expect(err).NotTo(HaveOccurred())
		cfgPath, err := writeConfig(tmpDir, cli)
		Expect(err).NotTo(HaveOccurred())

		dbPath := filepath.Join(tmpDir, "orchestrator.db")
		cmd := exec.Command(binaryPath, "--config", cfgPath, "job", "--repo", tmpDir, "--prefactor=false", "two conflicting edits")
		cmd.Dir = tmpDir
		cmd.Env = append(os.Environ(), "ORCHESTRATOR_DB_PATH="+dbPath)
		out, err := cmd.CombinedOutput()
		Expect(err).NotTo(HaveOccurred(), "job run failed: %s", out)

		status, err := dbJobStatus(dbPath)
		Expect(err).NotTo(HaveOccurred())
		Expect(status).To(Equal("done"))

		touched, err := dbMergeTouchedFiles(dbPath)
		Expect(err).NotTo(HaveOccurred())
		Expect(touched).To(ContainElement("shared.txt"))
	})
})
