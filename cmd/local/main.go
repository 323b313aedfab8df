package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/nemanja-m/streamlocal/internal/shared/config"
	"github.com/nemanja-m/streamlocal/internal/shared/logging"
	"github.com/nemanja-m/streamlocal/pkg/local"
	"github.com/nemanja-m/streamlocal/pkg/recordio"
)

// listFlag collects a repeatable flag.
type listFlag []string

func (l *listFlag) String() string {
	return strings.Join(*l, ",")
}

func (l *listFlag) Set(value string) error {
	*l = append(*l, value)
	return nil
}

func main() {
	var inputs, files, cmdenvs, requiredFiles, requiredCmdEnvs listFlag

	configPath := flag.String("config", "", "path to config file")
	script := flag.String("script", "", "job script to run")
	output := flag.String("output", "", "output file (default: stdout)")
	format := flag.String("format", "", "record format: text or protowire (overrides config)")
	maxInput := flag.Int("max-input", -1, "maximum records fed to map, 0 for unlimited (overrides config)")
	retain := flag.Bool("retain", false, "keep the temporary working directory")
	flag.Var(&inputs, "input", "input files glob pattern (repeatable)")
	flag.Var(&files, "file", "auxiliary file staged next to the script (repeatable)")
	flag.Var(&cmdenvs, "cmdenv", "KEY=VALUE passed to every worker (repeatable)")
	flag.Var(&requiredFiles, "require-file", "file the job must be given (repeatable)")
	flag.Var(&requiredCmdEnvs, "require-cmdenv", "cmdenv key the job must be given (repeatable)")
	flag.Parse()

	cfg, err := config.LoadLocal(*configPath)
	if err != nil {
		slog.Error("Failed to load config", "error", err)
		os.Exit(1)
	}

	logger := logging.New(cfg.Logging, os.Stderr)

	if *script == "" {
		logger.Fatal("Job script must be specified using the -script flag")
	}
	if len(inputs) == 0 {
		logger.Fatal("Input pattern must be specified using the -input flag")
	}
	if *format != "" {
		cfg.Runner.Format = *format
	}
	if *maxInput >= 0 {
		cfg.Runner.MaxInput = *maxInput
	}
	if *retain {
		cfg.Runner.RetainWorkDir = true
	}

	recordFormat, err := recordio.ParseFormat(cfg.Runner.Format)
	if err != nil {
		logger.Fatal("Invalid record format", "error", err)
	}

	cmdenv, err := local.ParseKeyValues(cmdenvs)
	if err != nil {
		logger.Fatal("Invalid cmdenv", "error", err)
	}

	input, err := recordio.ReadFiles(recordFormat, inputs...)
	if err != nil {
		logger.Fatal("Failed to open input", "error", err)
	}

	launcher := local.NewLauncher(local.Options{
		Interpreter:     strings.Fields(cfg.Runner.Interpreter),
		Wrapper:         cfg.Runner.Wrapper,
		Format:          recordFormat,
		QueueCapacity:   cfg.Runner.QueueCapacity,
		WorkDirRoot:     cfg.Runner.WorkDirRoot,
		RetainWorkDir:   cfg.Runner.RetainWorkDir,
		CheckExitStatus: cfg.Runner.CheckExitStatus,
		ExitGracePeriod: cfg.Runner.ExitGracePeriod,
	}, logger)

	job := local.Job{
		Script:          *script,
		Input:           input,
		Output:          *output,
		Files:           files,
		CmdEnv:          cmdenv,
		RequiredFiles:   requiredFiles,
		RequiredCmdEnvs: requiredCmdEnvs,
		MaxInput:        cfg.Runner.MaxInput,
	}

	if err := run(launcher, job, recordFormat, logger); err != nil {
		var missing *local.MissingRequirementsError
		if errors.As(err, &missing) {
			logger.Fatal("Job requirements not met", "files", missing.Files, "cmdenvs", missing.CmdEnv)
		}
		logger.Fatal("Job failed", "error", err)
	}
}

// run launches the job and streams its output to stdout unless the job
// persists it. Interrupts cancel the job and tear down its workers.
func run(launcher *local.Launcher, job local.Job, format recordio.Format, logger logging.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	result, err := launcher.Launch(ctx, job)
	if err != nil {
		return err
	}

	if job.Output == "" {
		if err := recordio.Write(os.Stdout, format, result.Records()); err != nil {
			return err
		}
	}
	logger.Info("Job completed successfully", "run_id", result.RunID.String(), "output", job.Output)
	return nil
}
