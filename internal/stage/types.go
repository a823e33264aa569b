package stage

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/re-cinq/taskline/internal/gitutil"
	"github.com/re-cinq/taskline/internal/jsonextract"
	"github.com/re-cinq/taskline/internal/procrunner"
	"github.com/re-cinq/taskline/internal/store"
	"github.com/re-cinq/taskline/internal/worker"
	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Context carries everything a stage needs that is not specific to one
// invocation: the job identity, resolved paths, and the shared
// collaborators (store, worker invoker, log sink).
type Context struct {
	JobID         string
	RepoRoot      string
	BaseBranch    string
	JobsRoot      string
	WorktreesRoot string

	Store  *store.Store
	Worker *worker.Invoker
	Sink   procrunner.LineSink

	AuthorName  string
	AuthorEmail string
}

const defaultAuthorName = "taskline-orchestrator"
const defaultAuthorEmail = "taskline-orchestrator@localhost"

func (c *Context) authorName() string {
	if c.AuthorName != "" {
		return c.AuthorName
	}
	return defaultAuthorName
}

func (c *Context) authorEmail() string {
	if c.AuthorEmail != "" {
		return c.AuthorEmail
	}
	return defaultAuthorEmail
}

// progressThrottle rate-limits progress artifact writes to at most 1 Hz,
// per spec.md §4.E step 5 ("periodically (≤1 Hz)").
type progressThrottle struct {
	mu       sync.Mutex
	interval time.Duration
	last     time.Time
	lines    []string
	maxLines int
}

func newProgressThrottle() *progressThrottle {
	return &progressThrottle{interval: time.Second, maxLines: 20}
}

// observe records a line and reports whether enough time has passed to emit
// a progress snapshot (the recent tail of lines, newline-joined).
func (p *progressThrottle) observe(line string) (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.lines = append(p.lines, line)
	if len(p.lines) > p.maxLines {
		p.lines = p.lines[len(p.lines)-p.maxLines:]
	}
	now := time.Now()
	if now.Sub(p.last) < p.interval {
		return "", false
	}
	p.last = now
	snapshot := make([]string, len(p.lines))
	copy(snapshot, p.lines)
	return joinLines(snapshot), true
}

func joinLines(lines []string) string {
	out := ""
	for i, l := range lines {
		if i > 0 {
			out += "\n"
		}
		out += l
	}
	return out
}

// runWorkerAndExtract invokes the Worker CLI and recovers its trailing JSON
// object, implementing spec.md §4.E steps 5-6: try stdout, fall back to
// stderr on parse failure (also used for the §7 ProcessExit recovery path,
// where a non-zero exit still carries a parseable failure-flagged result).
func runWorkerAndExtract(ctx context.Context, sc *Context, schema *jsonschema.Schema, stageName, dir, label, prompt string, onLine func(string)) (json.RawMessage, error) {
	res, err := sc.Worker.Run(ctx, worker.Options{
		Dir:          dir,
		Label:        label,
		Prompt:       prompt,
		Sink:         sc.Sink,
		OnStdoutLine: onLine,
	})
	stdout, stderr := res.Stdout, res.Stderr
	if err != nil {
		if pe, ok := err.(*procrunner.ProcessExit); ok {
			stdout, stderr = pe.Stdout, pe.Stderr
		} else {
			return nil, err
		}
	}

	if raw, exErr := jsonextract.ExtractRaw(stdout); exErr == nil {
		if verr := validateAgainst(stageName, schema, raw); verr == nil {
			return raw, nil
		}
	}
	if raw, exErr := jsonextract.ExtractRaw(stderr); exErr == nil {
		if verr := validateAgainst(stageName, schema, raw); verr == nil {
			return raw, nil
		}
	}
	return nil, &ParseFailedError{Stage: stageName, Stdout: truncate(stdout, errorCaptureLimit), Stderr: truncate(stderr, errorCaptureLimit)}
}

// commitIfDirty implements spec.md §4.E step 7 for stages that must not
// leave dangling edits: stage and commit any pending changes under the
// orchestrator identity, using a stage-generated commit message.
func commitIfDirty(dir string, jobID, stageName string) (bool, error) {
	repo := gitutil.NewRepo(dir)
	return repo.CommitAllIfDirty(commitMessage(jobID, stageName), defaultAuthorName, defaultAuthorEmail)
}
