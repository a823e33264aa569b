package ids

import (
	"strings"
	"testing"
)

func TestSanitizeBranchStripsIllegalChars(t *testing.T) {
	got := SanitizeBranch("feature/add widget!!")
	if strings.ContainsAny(got, " !") {
		t.Fatalf("expected illegal chars stripped, got %q", got)
	}
	if strings.HasPrefix(got, "-") || strings.HasSuffix(got, "-") {
		t.Fatalf("expected no leading/trailing dash, got %q", got)
	}
}

func TestSanitizeBranchEmptyFallsBack(t *testing.T) {
	got := SanitizeBranch("???")
	if got == "" {
		t.Fatal("expected a non-empty fallback branch name")
	}
}

func TestSlugifySubtask(t *testing.T) {
	cases := map[string]string{
		"Add Widget!":  "add-widget",
		"s_2":          "s-2",
		"UPPER--CASE":  "upper-case",
		"":             "subtask",
	}
	for in, want := range cases {
		if got := SlugifySubtask(in); got != want {
			t.Errorf("SlugifySubtask(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestWorktreeNamerDeduplicates(t *testing.T) {
	n := NewWorktreeNamer()
	a := n.Reserve("build")
	b := n.Reserve("build")
	c := n.Reserve("build")
	if a == b || b == c || a == c {
		t.Fatalf("expected unique names, got %q %q %q", a, b, c)
	}
	if a != "task-build" || b != "task-build-2" || c != "task-build-3" {
		t.Fatalf("unexpected sequence: %q %q %q", a, b, c)
	}
}

func TestSubtaskBranchEmbedsJobID(t *testing.T) {
	got := SubtaskBranch("job-20260101-000000", "fix bug")
	if !strings.Contains(got, "job-20260101-000000") {
		t.Fatalf("expected job id embedded, got %q", got)
	}
	if !strings.Contains(got, "fix-bug") {
		t.Fatalf("expected slug embedded, got %q", got)
	}
}
