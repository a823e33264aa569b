// Package dispatcher implements the Task Dispatcher (spec.md §4.H): an
// ordered list of task sources polled in a loop, each task handed to the
// Pipeline Engine synchronously and exactly one at a time.
//
// Grounded on the teacher's internal/engine.RunnerLoop (self-retiring
// poll loop, PID-file singleton guard, config hot-reload) generalised from
// "stations" to task sources and from a fixed grace period to
// options.StopWhenEmpty.
package dispatcher

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/re-cinq/taskline/internal/pipeline"
)

// Task is one unit of work handed to the Pipeline Engine.
type Task struct {
	// ID correlates a task's start/success/failure reporter callbacks; the
	// dispatcher fills this in if the source leaves it blank.
	ID          string
	Description string
	Options     pipeline.Options
}

// TaskSource yields tasks strictly in the order sources are polled.
// nextTask returns (nil, nil) when the source currently has no work.
type TaskSource interface {
	Name() string
	NextTask(ctx context.Context) (*Task, error)
	MarkDone(ctx context.Context, task *Task, report pipeline.FinalReport) error
	MarkFailed(ctx context.Context, task *Task, err error) error
}

// Reporter observes dispatcher lifecycle events.
type Reporter interface {
	OnStart(task *Task)
	OnSuccess(task *Task, report pipeline.FinalReport)
	OnFailure(task *Task, err error)
	OnIdle()
}

// NopReporter implements Reporter as a no-op; embed to override selectively.
type NopReporter struct{}

func (NopReporter) OnStart(*Task)                        {}
func (NopReporter) OnSuccess(*Task, pipeline.FinalReport) {}
func (NopReporter) OnFailure(*Task, error)                {}
func (NopReporter) OnIdle()                               {}

// Options configures Run, per spec.md §4.H.
type Options struct {
	PollInterval  time.Duration
	StopWhenEmpty bool
}

const defaultPollInterval = 5 * time.Second

// Run polls sources in order until ctx is cancelled or (StopWhenEmpty and a
// full pass finds no work). Exactly one task runs at a time.
func Run(ctx context.Context, engine *pipeline.Engine, sources []TaskSource, reporter Reporter, opts Options) error {
	if reporter == nil {
		reporter = NopReporter{}
	}
	interval := opts.PollInterval
	if interval <= 0 {
		interval = defaultPollInterval
	}

	for {
		task, source, err := pollSources(ctx, sources)
		if err != nil {
			return err
		}

		if task == nil {
			reporter.OnIdle()
			if opts.StopWhenEmpty {
				return nil
			}
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(interval):
			}
			continue
		}

		if task.ID == "" {
			task.ID = uuid.NewString()
		}
		reporter.OnStart(task)

		report := engine.RunJob(ctx, task.Description, task.Options)
		if report.Status == "failed" {
			jobErr := fmt.Errorf("job %s failed in stage %s: %s", report.JobID, report.FailedStage, report.ErrorMessage)
			_ = source.MarkFailed(ctx, task, jobErr)
			reporter.OnFailure(task, jobErr)
			continue
		}

		_ = source.MarkDone(ctx, task, report)
		reporter.OnSuccess(task, report)
	}
}

// pollSources polls each source strictly in order, returning the first task
// found (and its owning source), or (nil, nil, nil) if none have work.
func pollSources(ctx context.Context, sources []TaskSource) (*Task, TaskSource, error) {
	for _, src := range sources {
		task, err := src.NextTask(ctx)
		if err != nil {
			return nil, nil, fmt.Errorf("polling source %s: %w", src.Name(), err)
		}
		if task != nil {
			return task, src, nil
		}
	}
	return nil, nil, nil
}

// --- Singleton guard, grounded on the teacher's WritePID/IsRunnerAlive/RemovePID ---

// pidFileName is the dispatcher's liveness file, kept alongside the job
// worktrees at <repoRoot>/.codex/dispatcher.pid.
const pidFileName = "dispatcher.pid"

func pidPath(repoRoot string) string {
	return filepath.Join(repoRoot, ".codex", pidFileName)
}

// WritePID records the current process as the live dispatcher for repoRoot.
func WritePID(repoRoot string) error {
	dir := filepath.Join(repoRoot, ".codex")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating .codex directory: %w", err)
	}
	return os.WriteFile(pidPath(repoRoot), []byte(strconv.Itoa(os.Getpid())+"\n"), 0o644)
}

// RemovePID clears the dispatcher's PID file, ignoring errors.
func RemovePID(repoRoot string) {
	_ = os.Remove(pidPath(repoRoot))
}

// ReadPID reads the recorded dispatcher PID, or 0 if none/unreadable.
func ReadPID(repoRoot string) int {
	data, err := os.ReadFile(pidPath(repoRoot))
	if err != nil {
		return 0
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0
	}
	return pid
}

// IsAlive reports whether a dispatcher process is already running for
// repoRoot, per its recorded PID.
func IsAlive(repoRoot string) bool {
	return isProcessAlive(ReadPID(repoRoot))
}

func isProcessAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}
