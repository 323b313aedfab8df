package local

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrConfig reports a malformed job or configuration. It is returned
	// before any stage worker is spawned.
	ErrConfig = errors.New("invalid job configuration")

	// ErrMissingRequirements reports required files or environment keys the
	// caller did not supply. See MissingRequirementsError.
	ErrMissingRequirements = errors.New("job is missing required files or cmdenvs")

	// ErrLaunch reports a job script that the operating system refused to run.
	ErrLaunch = errors.New("failed to launch job script")

	// ErrWorkerDied reports a drain relay that stopped before the worker's
	// output ended.
	ErrWorkerDied = errors.New("worker died")

	// ErrWorkerFailed reports a non-zero worker exit. Only returned when exit
	// status checking is enabled.
	ErrWorkerFailed = errors.New("worker exited with failure")

	// ErrResultConsumed is returned when an ephemeral result is iterated twice.
	ErrResultConsumed = errors.New("job result already consumed")
)

// MissingRequirementsError lists every required item that was not supplied.
type MissingRequirementsError struct {
	Files  []string
	CmdEnv []string
}

func (e *MissingRequirementsError) Error() string {
	var parts []string
	if len(e.Files) > 0 {
		parts = append(parts, fmt.Sprintf("missing required file(s), include them using files: [%s]", strings.Join(e.Files, ", ")))
	}
	if len(e.CmdEnv) > 0 {
		parts = append(parts, fmt.Sprintf("missing required cmdenv(s), include them using cmdenvs: [%s]", strings.Join(e.CmdEnv, ", ")))
	}
	return ErrMissingRequirements.Error() + ": " + strings.Join(parts, "; ")
}

func (e *MissingRequirementsError) Unwrap() error {
	return ErrMissingRequirements
}

func configError(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrConfig, fmt.Sprintf(format, args...))
}
