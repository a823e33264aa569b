// Package worker wraps invocation of the external Worker CLI: a black-box
// coding agent that accepts a prompt and a working directory, edits files,
// and prints text ending in a JSON object (spec.md §6).
//
// Grounded on the teacher's internal/engine.invokeAgent for the overall
// invoke-and-capture shape, generalised to the fixed `exec --full-auto
// [--config model_reasoning_effort=...] <prompt>` invocation shape spec.md
// mandates instead of the teacher's config-driven agent.command/args.
// Unlike the teacher, which runs its agent under a PTY and merges
// stdout/stderr, the Worker CLI here runs over plain piped stdout/stderr:
// spec.md §4.A requires the two streams captured separately, and §4.E step
// 6 / §7 depend on a genuine stderr fallback when stdout alone doesn't
// contain a recoverable JSON object. A PTY merges both into one stream,
// which would make that fallback structurally unreachable.
package worker

import (
	"context"
	"fmt"

	"github.com/re-cinq/taskline/internal/procrunner"
)

// Invoker runs the Worker CLI with a stage's prompt.
type Invoker struct {
	runner          *procrunner.Runner
	command         string
	reasoningEffort string
}

// New returns an Invoker for the given command (default "worker-cli") and
// reasoning effort level (empty disables the --config flag).
func New(command, reasoningEffort string) *Invoker {
	if command == "" {
		command = "worker-cli"
	}
	return &Invoker{runner: procrunner.New(), command: command, reasoningEffort: reasoningEffort}
}

// Options configures one Worker CLI invocation.
type Options struct {
	Dir          string
	Label        string
	Prompt       string
	Sink         procrunner.LineSink
	OnStdoutLine func(line string)
	CaptureLimit int
}

// Run invokes the Worker CLI in Dir with Prompt and returns its captured
// output. A non-zero exit surfaces as *procrunner.ProcessExit, preserving
// stdout/stderr so the caller can still attempt JSON extraction
// (spec.md §7 ProcessExit recovery).
func (i *Invoker) Run(ctx context.Context, opts Options) (procrunner.Result, error) {
	args := []string{"exec", "--full-auto"}
	if i.reasoningEffort != "" {
		args = append(args, "--config", fmt.Sprintf("model_reasoning_effort=%q", i.reasoningEffort))
	}
	args = append(args, opts.Prompt)

	return i.runner.Run(ctx, procrunner.Options{
		Command:      i.command,
		Args:         args,
		Dir:          opts.Dir,
		Label:        opts.Label,
		Sink:         opts.Sink,
		OnStdoutLine: opts.OnStdoutLine,
		CaptureLimit: opts.CaptureLimit,
	})
}
