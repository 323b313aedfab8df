package local

import (
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"maps"
	"os"
	"os/exec"
	"slices"
	"time"

	"github.com/nemanja-m/streamlocal/pkg/core"
	"github.com/nemanja-m/streamlocal/pkg/recordio"
)

// SerializationEnvKey announces the record format to every worker.
const SerializationEnvKey = "stream_map_input"

const defaultExitGracePeriod = 5 * time.Second

type ExecutorOptions struct {
	// Script is the path of the staged job script.
	Script string
	// Dir is the worker's working directory.
	Dir string
	// Interpreter prefixes the command line, e.g. ["python3"]. Empty runs the
	// script directly through its #! line.
	Interpreter []string
	// Wrapper is an optional token placed before the stage name.
	Wrapper string
	Format  recordio.Format
	CmdEnv  map[string]string
	// BaseEnv defaults to os.Environ().
	BaseEnv       []string
	QueueCapacity int

	CheckExitStatus bool
	ExitGracePeriod time.Duration

	// Stderr receives the worker's stderr. Defaults to os.Stderr.
	Stderr io.Writer
}

// StageSpec describes a single stage invocation.
type StageSpec struct {
	Stage core.Stage
	// MaxInput limits how many records reach a map worker. 0 means unlimited.
	MaxInput int
}

// Executor runs one stage at a time as a worker process.
type Executor struct {
	opts   ExecutorOptions
	logger Logger
}

func NewExecutor(opts ExecutorOptions, logger Logger) *Executor {
	if opts.Format == "" {
		opts.Format = recordio.FormatText
	}
	if opts.BaseEnv == nil {
		opts.BaseEnv = os.Environ()
	}
	if opts.Stderr == nil {
		opts.Stderr = os.Stderr
	}
	if opts.ExitGracePeriod <= 0 {
		opts.ExitGracePeriod = defaultExitGracePeriod
	}
	return &Executor{opts: opts, logger: orNop(logger)}
}

// Command returns the worker command line for stage.
func (e *Executor) Command(stage core.Stage) []string {
	argv := slices.Clone(e.opts.Interpreter)
	argv = append(argv, e.opts.Script)
	if e.opts.Wrapper != "" {
		argv = append(argv, e.opts.Wrapper)
	}
	return append(argv, stage.String())
}

// Environ returns the base environment, then cmdenv overrides, then the
// serialization marker. Later entries win.
func (e *Executor) Environ() []string {
	env := slices.Clone(e.opts.BaseEnv)
	for _, key := range slices.Sorted(maps.Keys(e.opts.CmdEnv)) {
		env = append(env, key+"="+e.opts.CmdEnv[key])
	}
	return append(env, SerializationEnvKey+"="+string(e.opts.Format))
}

// Run starts the stage when iteration begins and yields the worker's output
// in the order it was written. Input is fed concurrently, so output can be
// consumed before all input is sent.
//
// Stopping iteration early, an error, or ctx cancellation all tear the stage
// down: the worker input is closed, the relay is stopped and joined, and the
// worker is killed and reaped.
func (e *Executor) Run(ctx context.Context, spec StageSpec, input iter.Seq2[core.Record, error]) iter.Seq2[core.Record, error] {
	return func(yield func(core.Record, error) bool) {
		run, err := e.start(ctx, spec.Stage)
		if err != nil {
			yield(core.Record{}, err)
			return
		}
		defer run.cleanup()

		maxInput := 0
		if spec.Stage == core.StageMap {
			maxInput = spec.MaxInput
		}
		feedErr := run.startFeeder(input, maxInput)

		records := run.relay.Records()
		for {
			if run.relay.Died() {
				yield(core.Record{}, run.diedError())
				return
			}

			select {
			case record, ok := <-records:
				if !ok {
					if run.relay.Join() != nil {
						yield(core.Record{}, run.diedError())
						return
					}
					if err := run.finish(ctx, feedErr); err != nil {
						yield(core.Record{}, err)
					}
					return
				}
				if !yield(record, nil) {
					return
				}
			case err := <-feedErr:
				feedErr = nil
				if err != nil {
					yield(core.Record{}, err)
					return
				}
			case <-ctx.Done():
				yield(core.Record{}, ctx.Err())
				return
			}
		}
	}
}

func (e *Executor) start(ctx context.Context, stage core.Stage) (*stageRun, error) {
	input, err := newPipeChannel()
	if err != nil {
		return nil, fmt.Errorf("open %s input pipe: %w", stage, err)
	}
	output, err := newPipeChannel()
	if err != nil {
		input.Close()
		return nil, fmt.Errorf("open %s output pipe: %w", stage, err)
	}

	argv := e.Command(stage)
	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Dir = e.opts.Dir
	cmd.Env = e.Environ()
	cmd.Stdin = input.r
	cmd.Stdout = output.w
	cmd.Stderr = e.opts.Stderr

	proc, err := startProcess(cmd)

	// The child holds its own copies of these ends.
	input.CloseReader()
	output.CloseWriter()

	if err != nil {
		input.CloseWriter()
		output.CloseReader()
		return nil, fmt.Errorf(
			"%w: start %s worker %v: %w (ensure the script is executable and starts with a valid #! line)",
			ErrLaunch, stage, argv, err,
		)
	}

	runCtx, cancel := context.WithCancel(ctx)
	run := &stageRun{
		ctx:             runCtx,
		cancel:          cancel,
		stage:           stage,
		input:           input,
		writer:          recordio.FlushingWriter{Writer: e.opts.Format.NewWriter(input.w)},
		proc:            proc,
		relay:           StartRelay(runCtx, output.Reader(), e.opts.Format, e.opts.QueueCapacity, e.logger),
		checkExitStatus: e.opts.CheckExitStatus,
		exitGrace:       e.opts.ExitGracePeriod,
		logger:          e.logger,
	}

	e.logger.Debug("Stage started",
		"stage", stage.String(),
		"pid", proc.Pid(),
		"command", argv,
		"queue_capacity", e.opts.QueueCapacity,
	)
	return run, nil
}

type stageRun struct {
	ctx    context.Context
	cancel context.CancelFunc
	stage  core.Stage

	input  *pipeChannel
	writer recordio.Writer
	proc   *processHandle
	relay  *Relay

	feedDone chan struct{}

	checkExitStatus bool
	exitGrace       time.Duration

	logger Logger
}

func (r *stageRun) startFeeder(input iter.Seq2[core.Record, error], maxInput int) <-chan error {
	errc := make(chan error, 1)
	r.feedDone = make(chan struct{})
	go func() {
		defer close(r.feedDone)
		errc <- r.feed(input, maxInput)
	}()
	return errc
}

// feed writes input records to the worker and closes its input when done,
// which delivers end-of-input to the worker.
func (r *stageRun) feed(input iter.Seq2[core.Record, error], maxInput int) error {
	defer r.input.CloseWriter()

	sent := 0
	if input != nil {
		for record, err := range input {
			if err != nil {
				return fmt.Errorf("read %s input: %w", r.stage, err)
			}
			if err := r.ctx.Err(); err != nil {
				return err
			}
			if r.relay.Died() {
				return r.diedError()
			}
			if err := r.writer.Write(record); err != nil {
				return fmt.Errorf("write %s input record %d: %w", r.stage, sent, err)
			}
			sent++
			if maxInput > 0 && sent >= maxInput {
				r.logger.Info("Reached maximum input count", "stage", r.stage.String(), "max_input", maxInput)
				break
			}
		}
	}

	r.logger.Debug("Stage input exhausted", "stage", r.stage.String(), "records", sent)
	return nil
}

// finish runs after the worker's output ended cleanly. It waits for the
// feeder and, if enabled, for a successful worker exit.
func (r *stageRun) finish(ctx context.Context, feedErr <-chan error) error {
	if feedErr != nil {
		select {
		case err := <-feedErr:
			if err != nil {
				return err
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	if !r.checkExitStatus {
		return nil
	}

	err := r.proc.WaitTimeout(r.exitGrace)
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %s worker did not exit within %s after closing its output", ErrWorkerFailed, r.stage, r.exitGrace)
	}
	if err != nil {
		return fmt.Errorf("%w: %s worker: %w", ErrWorkerFailed, r.stage, err)
	}
	return nil
}

func (r *stageRun) diedError() error {
	return fmt.Errorf("%w: %s relay stopped: %w", ErrWorkerDied, r.stage, r.relay.Err())
}

func (r *stageRun) cleanup() {
	r.cancel()
	r.input.CloseWriter()

	r.relay.Kill()
	r.relay.Join()

	if err := r.proc.Kill(); err != nil {
		r.logger.Error("Failed to kill worker", "stage", r.stage.String(), "pid", r.proc.Pid(), "error", err)
	}

	if r.feedDone != nil {
		<-r.feedDone
	}
	r.logger.Debug("Stage finished", "stage", r.stage.String(), "pid", r.proc.Pid())
}
