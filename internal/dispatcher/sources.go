package dispatcher

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/bmatcuk/doublestar/v4"
	ignore "github.com/sabhiram/go-gitignore"

	"github.com/re-cinq/taskline/internal/pipeline"
)

// FileGlobSource turns files matching a doublestar pattern under Dir into
// one task per file, skipping names an optional .gitignore-style matcher
// excludes. Each file's task description is its contents; MarkDone/MarkFailed
// rename the file with a .done/.failed suffix so it is not reissued.
//
// Grounded on the teacher's use of sabhiram/go-gitignore for path filtering
// (internal/engine's ignore-pattern matching) generalised to doublestar glob
// discovery instead of a fixed watched-file list.
type FileGlobSource struct {
	Dir        string
	Pattern    string
	Options    pipeline.Options
	IgnoreFile string // optional path to a gitignore-style file, relative to Dir

	mu      sync.Mutex
	matcher *ignore.GitIgnore
	loaded  bool
}

func (s *FileGlobSource) Name() string { return fmt.Sprintf("file-glob:%s/%s", s.Dir, s.Pattern) }

func (s *FileGlobSource) ensureMatcher() *ignore.GitIgnore {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.loaded {
		return s.matcher
	}
	s.loaded = true
	if s.IgnoreFile == "" {
		return nil
	}
	path := filepath.Join(s.Dir, s.IgnoreFile)
	gi, err := ignore.CompileIgnoreFile(path)
	if err != nil {
		return nil
	}
	s.matcher = gi
	return s.matcher
}

// NextTask returns the first not-yet-claimed matching file in lexical order.
func (s *FileGlobSource) NextTask(ctx context.Context) (*Task, error) {
	matches, err := doublestar.Glob(os.DirFS(s.Dir), s.Pattern)
	if err != nil {
		return nil, fmt.Errorf("globbing %s under %s: %w", s.Pattern, s.Dir, err)
	}
	sort.Strings(matches)

	matcher := s.ensureMatcher()
	for _, rel := range matches {
		if strings.HasSuffix(rel, ".done") || strings.HasSuffix(rel, ".failed") {
			continue
		}
		if matcher != nil && matcher.MatchesPath(rel) {
			continue
		}
		full := filepath.Join(s.Dir, rel)
		data, err := os.ReadFile(full)
		if err != nil {
			continue
		}
		return &Task{
			ID:          rel,
			Description: string(data),
			Options:     s.Options,
		}, nil
	}
	return nil, nil
}

func (s *FileGlobSource) MarkDone(ctx context.Context, task *Task, report pipeline.FinalReport) error {
	return s.rename(task.ID, ".done")
}

func (s *FileGlobSource) MarkFailed(ctx context.Context, task *Task, _ error) error {
	return s.rename(task.ID, ".failed")
}

func (s *FileGlobSource) rename(rel, suffix string) error {
	full := filepath.Join(s.Dir, rel)
	return os.Rename(full, full+suffix)
}

// StdinSource yields at most one task, read once from an already-open
// reader (typically os.Stdin) or given as a literal string. Once
// drained it always reports no work, so a dispatcher loop built around it
// naturally idles after the single task completes.
type StdinSource struct {
	Options pipeline.Options

	once   sync.Once
	task   *Task
	reader *bufio.Reader
}

// NewStdinSource builds a source that reads the whole of r as one task's
// description on first poll.
func NewStdinSource(r *os.File, opts pipeline.Options) *StdinSource {
	return &StdinSource{Options: opts, reader: bufio.NewReader(r)}
}

// NewLiteralSource builds a source that issues exactly one task with the
// given description, for callers that already hold the task text.
func NewLiteralSource(description string, opts pipeline.Options) *StdinSource {
	return &StdinSource{Options: opts, task: &Task{ID: "literal", Description: description}}
}

func (s *StdinSource) Name() string { return "stdin" }

func (s *StdinSource) NextTask(ctx context.Context) (*Task, error) {
	var result *Task
	s.once.Do(func() {
		if s.task != nil {
			result = s.task
			return
		}
		var b strings.Builder
		buf := make([]byte, 4096)
		for {
			n, err := s.reader.Read(buf)
			if n > 0 {
				b.Write(buf[:n])
			}
			if err != nil {
				break
			}
		}
		text := strings.TrimSpace(b.String())
		if text == "" {
			return
		}
		result = &Task{ID: "stdin", Description: text, Options: s.Options}
	})
	return result, nil
}

func (s *StdinSource) MarkDone(ctx context.Context, task *Task, report pipeline.FinalReport) error {
	return nil
}

func (s *StdinSource) MarkFailed(ctx context.Context, task *Task, err error) error {
	return nil
}
