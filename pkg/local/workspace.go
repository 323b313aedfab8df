package local

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"

	"github.com/google/uuid"
)

const maxStagingWorkers = 4

type WorkspaceOptions struct {
	RunID uuid.UUID
	// Root is the parent of the temporary directory. Empty uses os.TempDir().
	Root   string
	Script string
	Files  []string
	// Interpreter picks the #! line injected into scripts that lack one.
	Interpreter []string
	Retain      bool
}

// Workspace is the isolated working directory of one job run. Workers run
// with Dir as their working directory; the process-wide working directory is
// never changed.
type Workspace struct {
	RunID  uuid.UUID
	Dir    string
	Script string

	retain bool
	logger Logger

	once sync.Once
	err  error
}

// NewWorkspace creates a fresh temporary directory and stages the script and
// auxiliary files into it by base name.
func NewWorkspace(opts WorkspaceOptions, logger Logger) (*Workspace, error) {
	logger = orNop(logger)
	if opts.Script == "" {
		return nil, configError("script path is required")
	}

	sources, err := stagingSources(opts.Script, opts.Files)
	if err != nil {
		return nil, err
	}

	dir, err := os.MkdirTemp(opts.Root, "gomr-local-"+opts.RunID.String()+"-*")
	if err != nil {
		return nil, fmt.Errorf("create workspace: %w", err)
	}
	w := &Workspace{
		RunID:  opts.RunID,
		Dir:    dir,
		Script: filepath.Join(dir, filepath.Base(opts.Script)),
		retain: opts.Retain,
		logger: logger,
	}
	logger.Info("Created workspace", "run_id", opts.RunID.String(), "dir", dir)

	pool := NewPool(min(len(sources), maxStagingWorkers))
	pool.Start()
	for _, src := range sources {
		pool.Submit(func() error {
			return copyFile(src, filepath.Join(dir, filepath.Base(src)))
		})
	}
	if err := pool.Close(); err != nil {
		w.Close()
		return nil, fmt.Errorf("stage files: %w", err)
	}

	if err := makeScriptExecutable(w.Script, interpreterLine(opts.Interpreter), logger); err != nil {
		w.Close()
		return nil, err
	}
	return w, nil
}

// Close removes the directory unless retention was requested. It is safe to
// call more than once.
func (w *Workspace) Close() error {
	w.once.Do(func() {
		if w.retain {
			w.logger.Info("Temporary directory not removed", "run_id", w.RunID.String(), "dir", w.Dir)
			return
		}
		w.err = os.RemoveAll(w.Dir)
		w.logger.Debug("Removed workspace", "run_id", w.RunID.String(), "dir", w.Dir)
	})
	return w.err
}

// stagingSources resolves every file to stage and rejects missing files and
// distinct files sharing a base name.
func stagingSources(script string, files []string) ([]string, error) {
	var (
		sources []string
		missing []string
		byName  = make(map[string]string)
	)
	for _, f := range append([]string{script}, files...) {
		abs, err := filepath.Abs(f)
		if err != nil {
			return nil, configError("resolve %s: %v", f, err)
		}
		if info, err := os.Stat(abs); err != nil || !info.Mode().IsRegular() {
			missing = append(missing, f)
			continue
		}

		name := filepath.Base(abs)
		if prev, ok := byName[name]; ok {
			if prev != abs {
				return nil, configError("files %s and %s share the base name %s", prev, abs, name)
			}
			continue
		}
		byName[name] = abs
		sources = append(sources, abs)
	}

	if len(missing) > 0 {
		return nil, configError("file(s) not found: [%s]", strings.Join(missing, ", "))
	}
	return sources, nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	info, err := in.Stat()
	if err != nil {
		return err
	}

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, info.Mode().Perm())
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

func interpreterLine(interpreter []string) string {
	name := "sh"
	if len(interpreter) > 0 {
		name = filepath.Base(interpreter[0])
	}
	return "#!/usr/bin/env " + name
}

// makeScriptExecutable sets owner rwx and prepends line when the script has no
// #! line.
func makeScriptExecutable(script, line string, logger Logger) error {
	logger.Debug("Making script executable", "script", script)
	if err := os.Chmod(script, 0o700); err != nil {
		return err
	}

	data, err := os.ReadFile(script)
	if err != nil {
		return err
	}
	if bytes.HasPrefix(data, []byte("#!")) {
		return nil
	}

	logger.Warn("Adding interpreter line to script, line numbers will be off by one",
		"script", script,
		"line", line,
	)
	return os.WriteFile(script, slices.Concat([]byte(line+"\n"), data), 0o700)
}
