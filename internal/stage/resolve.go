package stage

import (
	"os"
	"path/filepath"
	"strings"
)

// ResolveRepoRoot implements spec.md §4.E step 1's precedence chain:
//
//  1. explicit context repo root
//  2. otherwise an absolute project-root parameter
//  3. otherwise project-root joined to the configured base directory
//  4. otherwise the current working directory
//
// When a context repo root is present, a relative projectRoot resolves
// against it, and an absolute projectRoot outside the repo root is
// rejected in favour of the repo root (preventing path escape).
func ResolveRepoRoot(contextRepoRoot, projectRoot, baseDir string) (string, error) {
	if contextRepoRoot != "" {
		contextRepoRoot = filepath.Clean(contextRepoRoot)
		if projectRoot == "" {
			return contextRepoRoot, nil
		}
		if filepath.IsAbs(projectRoot) {
			if isWithin(contextRepoRoot, filepath.Clean(projectRoot)) {
				return filepath.Clean(projectRoot), nil
			}
			return contextRepoRoot, nil
		}
		return filepath.Clean(filepath.Join(contextRepoRoot, projectRoot)), nil
	}

	if projectRoot != "" {
		if filepath.IsAbs(projectRoot) {
			return filepath.Clean(projectRoot), nil
		}
		return filepath.Clean(filepath.Join(baseDir, projectRoot)), nil
	}

	if baseDir != "" {
		return filepath.Clean(baseDir), nil
	}

	return os.Getwd()
}

// isWithin reports whether candidate is root or a descendant of root.
func isWithin(root, candidate string) bool {
	rel, err := filepath.Rel(root, candidate)
	if err != nil {
		return false
	}
	return rel == "." || (!strings.HasPrefix(rel, "..") && rel != "..")
}

// EnsureRootExists fails with InvalidRootError unless path is a directory
// that exists (spec.md §4.E step 2).
func EnsureRootExists(path string) error {
	info, err := os.Stat(path)
	if err != nil || !info.IsDir() {
		return &InvalidRootError{Path: path}
	}
	return nil
}
