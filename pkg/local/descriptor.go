package local

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/nemanja-m/streamlocal/pkg/core"
)

// DescribeArg is passed to a job script to query its capabilities.
const DescribeArg = "info"

// Descriptor is what a job script reports about itself. The payload may be
// JSON or YAML.
type Descriptor struct {
	Stages          []core.Stage `yaml:"tasks"`
	RequiredFiles   []string     `yaml:"required_files"`
	RequiredCmdEnvs []string     `yaml:"required_cmdenvs"`
	JobConfs        JobConfs     `yaml:"jobconfs"`
}

// JobConfs holds extra job configuration. Scripts may emit either a mapping
// or a list of "key=value" strings; later entries win.
type JobConfs map[string]string

func (j *JobConfs) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.MappingNode:
		var m map[string]string
		if err := node.Decode(&m); err != nil {
			return err
		}
		*j = m
		return nil
	case yaml.SequenceNode:
		var list []string
		if err := node.Decode(&list); err != nil {
			return err
		}
		m, err := ParseKeyValues(list)
		if err != nil {
			return err
		}
		*j = m
		return nil
	}
	return fmt.Errorf("jobconfs must be a mapping or a list of key=value strings")
}

func (d *Descriptor) Has(stage core.Stage) bool {
	return slices.Contains(d.Stages, stage)
}

// ParseDescriptor validates a capability payload.
func ParseDescriptor(payload []byte) (*Descriptor, error) {
	if len(bytes.TrimSpace(payload)) == 0 {
		return nil, configError("empty capability descriptor")
	}

	var d Descriptor
	if err := yaml.Unmarshal(payload, &d); err != nil {
		return nil, configError("malformed capability descriptor: %v", err)
	}

	if len(d.Stages) == 0 {
		return nil, configError("capability descriptor lists no tasks")
	}
	for _, stage := range d.Stages {
		if !stage.Valid() {
			return nil, configError("capability descriptor lists unknown task %q", stage)
		}
	}
	if !d.Has(core.StageMap) {
		return nil, configError("capability descriptor must include the map task")
	}
	return &d, nil
}

type DescribeOptions struct {
	Script      string
	Dir         string
	Interpreter []string
	Env         []string
}

// Describe runs the job script once with DescribeArg and parses its stdout.
func Describe(ctx context.Context, opts DescribeOptions) (*Descriptor, error) {
	if _, err := os.Stat(opts.Script); err != nil {
		return nil, configError("script %s not found: %v", opts.Script, err)
	}

	argv := append(slices.Clone(opts.Interpreter), opts.Script, DescribeArg)
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Dir = opts.Dir
	cmd.Env = opts.Env

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	isolate(cmd)
	cmd.Cancel = func() error {
		return killGroup(cmd.Process.Pid)
	}

	err := waitErr(cmd.Run())
	if cmd.Process != nil {
		killGroup(cmd.Process.Pid)
	}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return nil, configError("describe %s exited with %v: %s", opts.Script, err, strings.TrimSpace(stderr.String()))
		}
		return nil, fmt.Errorf(
			"%w: describe %v: %w (ensure the script is executable and starts with a valid #! line)",
			ErrLaunch, argv, err,
		)
	}

	d, err := ParseDescriptor(stdout.Bytes())
	if err != nil {
		return nil, fmt.Errorf("describe %s: %w", opts.Script, err)
	}
	return d, nil
}

// CheckRequirements reports every required file (compared by base name) and
// cmdenv key that was not supplied. extraFiles and extraCmdEnvs add to the
// requirements the script declares.
func CheckRequirements(d *Descriptor, files []string, cmdenv map[string]string, extraFiles, extraCmdEnvs []string) error {
	supplied := make(map[string]struct{}, len(files))
	for _, f := range files {
		supplied[filepath.Base(f)] = struct{}{}
	}

	var missing MissingRequirementsError
	for _, f := range slices.Concat(d.RequiredFiles, extraFiles) {
		name := filepath.Base(f)
		if _, ok := supplied[name]; !ok && !slices.Contains(missing.Files, name) {
			missing.Files = append(missing.Files, name)
		}
	}
	for _, key := range slices.Concat(d.RequiredCmdEnvs, extraCmdEnvs) {
		if _, ok := cmdenv[key]; !ok && !slices.Contains(missing.CmdEnv, key) {
			missing.CmdEnv = append(missing.CmdEnv, key)
		}
	}

	if len(missing.Files) == 0 && len(missing.CmdEnv) == 0 {
		return nil
	}
	slices.Sort(missing.Files)
	slices.Sort(missing.CmdEnv)
	return &missing
}

// ParseKeyValues converts "key=value" entries into a map. Later entries win.
func ParseKeyValues(entries []string) (map[string]string, error) {
	m := make(map[string]string, len(entries))
	for _, entry := range entries {
		key, value, ok := strings.Cut(entry, "=")
		if !ok || key == "" {
			return nil, configError("expected key=value, got %q", entry)
		}
		m[key] = value
	}
	return m, nil
}
