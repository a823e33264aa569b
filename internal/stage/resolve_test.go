package stage

import (
	"path/filepath"
	"testing"
)

func TestResolveRepoRootPrefersContext(t *testing.T) {
	got, err := ResolveRepoRoot("/repo", "", "/base")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "/repo" {
		t.Fatalf("expected /repo, got %s", got)
	}
}

func TestResolveRepoRootRelativeJoinsContext(t *testing.T) {
	got, err := ResolveRepoRoot("/repo", "sub/dir", "/base")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := filepath.Clean("/repo/sub/dir")
	if got != want {
		t.Fatalf("expected %s, got %s", want, got)
	}
}

func TestResolveRepoRootRejectsEscapeOutsideContext(t *testing.T) {
	got, err := ResolveRepoRoot("/repo", "/etc/passwd", "/base")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "/repo" {
		t.Fatalf("expected fallback to context root, got %s", got)
	}
}

func TestResolveRepoRootFallsBackToBaseDir(t *testing.T) {
	got, err := ResolveRepoRoot("", "project", "/base")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := filepath.Clean("/base/project")
	if got != want {
		t.Fatalf("expected %s, got %s", want, got)
	}
}

func TestEnsureRootExists(t *testing.T) {
	dir := t.TempDir()
	if err := EnsureRootExists(dir); err != nil {
		t.Fatalf("expected existing dir to pass, got %v", err)
	}
	if err := EnsureRootExists(filepath.Join(dir, "nope")); err == nil {
		t.Fatal("expected InvalidRootError for missing dir")
	}
}
