package local

import (
	"context"
	"io"
	"iter"
	"os"
	"runtime"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/nemanja-m/streamlocal/pkg/core"
	"github.com/nemanja-m/streamlocal/pkg/recordio"
)

// Options configures how every job launched by a Launcher runs.
type Options struct {
	Interpreter     []string
	Wrapper         string
	Format          recordio.Format
	QueueCapacity   int
	WorkDirRoot     string
	RetainWorkDir   bool
	CheckExitStatus bool
	ExitGracePeriod time.Duration
	Stderr          io.Writer
	// BaseEnv defaults to os.Environ().
	BaseEnv []string
}

// Job is a single local run of a job script.
type Job struct {
	Script string
	Input  iter.Seq2[core.Record, error]
	// Output, when set, persists the job output to this path.
	Output          string
	Files           []string
	CmdEnv          map[string]string
	RequiredFiles   []string
	RequiredCmdEnvs []string
	// MaxInput limits the records fed to the map stage. 0 means unlimited.
	MaxInput int
}

// Result is the outcome of Launch.
type Result struct {
	RunID      uuid.UUID
	WorkDir    string
	Descriptor *Descriptor
	// Output is the persisted destination, empty for ephemeral results.
	Output string

	records iter.Seq2[core.Record, error]
	release func() error
	used    atomic.Bool
}

// Records returns the job output. Ephemeral results can be iterated once; the
// workspace is released when that iteration ends. Persisted results re-read
// the destination on every iteration.
func (r *Result) Records() iter.Seq2[core.Record, error] {
	if r.Output != "" {
		return r.records
	}
	return func(yield func(core.Record, error) bool) {
		if !r.used.CompareAndSwap(false, true) {
			yield(core.Record{}, ErrResultConsumed)
			return
		}
		defer r.Close()

		for record, err := range r.records {
			if !yield(record, err) || err != nil {
				return
			}
		}
	}
}

// Close releases the workspace of a result that will not be iterated.
func (r *Result) Close() error {
	return r.release()
}

type Launcher struct {
	opts   Options
	logger Logger
}

func NewLauncher(opts Options, logger Logger) *Launcher {
	if opts.Format == "" {
		opts.Format = recordio.FormatText
	}
	if opts.BaseEnv == nil {
		opts.BaseEnv = os.Environ()
	}
	return &Launcher{opts: opts, logger: orNop(logger)}
}

// Launch stages the job into a fresh workspace, queries the script's
// capabilities, checks its requirements and wires up the stage pipeline.
//
// An ephemeral result owns the workspace until its records are iterated or
// Close is called. A result dropped without either is released when it is
// garbage collected, so callers should still Close results they abandon.
func (l *Launcher) Launch(ctx context.Context, job Job) (*Result, error) {
	if err := l.validate(job); err != nil {
		return nil, err
	}

	runID := uuid.New()
	l.logger.Info("Launching local job", "run_id", runID.String(), "script", job.Script)

	ws, err := NewWorkspace(WorkspaceOptions{
		RunID:       runID,
		Root:        l.opts.WorkDirRoot,
		Script:      job.Script,
		Files:       job.Files,
		Interpreter: l.opts.Interpreter,
		Retain:      l.opts.RetainWorkDir,
	}, l.logger)
	if err != nil {
		return nil, err
	}
	handedOff := false
	defer func() {
		if !handedOff {
			ws.Close()
		}
	}()

	executor := NewExecutor(ExecutorOptions{
		Script:          ws.Script,
		Dir:             ws.Dir,
		Interpreter:     l.opts.Interpreter,
		Wrapper:         l.opts.Wrapper,
		Format:          l.opts.Format,
		CmdEnv:          job.CmdEnv,
		BaseEnv:         l.opts.BaseEnv,
		QueueCapacity:   l.opts.QueueCapacity,
		CheckExitStatus: l.opts.CheckExitStatus,
		ExitGracePeriod: l.opts.ExitGracePeriod,
		Stderr:          l.opts.Stderr,
	}, l.logger)

	descriptor, err := Describe(ctx, DescribeOptions{
		Script:      ws.Script,
		Dir:         ws.Dir,
		Interpreter: l.opts.Interpreter,
		Env:         executor.Environ(),
	})
	if err != nil {
		return nil, err
	}
	l.logger.Info("Job script described", "run_id", runID.String(), "tasks", descriptor.Stages)

	if err := CheckRequirements(descriptor, job.Files, job.CmdEnv, job.RequiredFiles, job.RequiredCmdEnvs); err != nil {
		l.logger.Error("Job requirements not met", "run_id", runID.String(), "error", err)
		return nil, err
	}
	if len(descriptor.JobConfs) > 0 {
		l.logger.Info("Job script configuration", "run_id", runID.String(), "jobconfs", map[string]string(descriptor.JobConfs))
	}

	records := NewEngine(executor, job.MaxInput, l.logger).Run(ctx, descriptor, job.Input)
	result := &Result{
		RunID:      runID,
		WorkDir:    ws.Dir,
		Descriptor: descriptor,
		Output:     job.Output,
	}

	if job.Output == "" {
		handedOff = true
		result.records = records
		result.release = ws.Close
		runtime.AddCleanup(result, func(ws *Workspace) { ws.Close() }, ws)
		return result, nil
	}

	if err := recordio.WriteFile(job.Output, l.opts.Format, records); err != nil {
		return nil, err
	}
	l.logger.Info("Job output written", "run_id", runID.String(), "output", job.Output)

	result.records = recordio.ReadFile(job.Output, l.opts.Format)
	result.release = func() error { return nil }
	return result, nil
}

func (l *Launcher) validate(job Job) error {
	if job.Script == "" {
		return configError("script path is required")
	}
	if job.Input == nil {
		return configError("job input is required")
	}
	if job.MaxInput < 0 {
		return configError("max input must be >= 0, got %d", job.MaxInput)
	}
	if l.opts.QueueCapacity < 0 {
		return configError("queue capacity must be >= 0, got %d", l.opts.QueueCapacity)
	}
	if _, err := recordio.ParseFormat(string(l.opts.Format)); err != nil {
		return configError("%v", err)
	}
	for key := range job.CmdEnv {
		if key == "" || strings.Contains(key, "=") {
			return configError("invalid cmdenv key %q", key)
		}
	}
	return nil
}
