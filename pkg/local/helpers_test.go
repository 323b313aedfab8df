package local

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/nemanja-m/streamlocal/pkg/core"
)

const identityScript = `#!/bin/sh
case "$1" in
info) echo '{"tasks": ["map"]}' ;;
*) exec cat ;;
esac
`

// sumScript keeps map as identity and sums integer values per key in
// combine and reduce. Every stage invocation is recorded in $MARKER_DIR.
const sumScript = `#!/bin/sh
if [ -n "$MARKER_DIR" ] && [ "$1" != info ]; then
	touch "$MARKER_DIR/$1"
fi
case "$1" in
info) echo "{\"tasks\": [$TASKS]}" ;;
map) exec cat ;;
combine|reduce) exec awk -F '\t' 'NR > 1 && $1 != prev { print prev "\t" sum; sum = 0 } { prev = $1; sum += $2 } END { if (NR > 0) print prev "\t" sum }' ;;
esac
`

func requireShell(t *testing.T) {
	t.Helper()
	for _, tool := range []string{"sh", "cat", "awk"} {
		if _, err := exec.LookPath(tool); err != nil {
			t.Skipf("%s not available: %v", tool, err)
		}
	}
}

func writeScript(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o755))
	return path
}

func numberedRecords(n int) []core.Record {
	records := make([]core.Record, n)
	for i := range n {
		records[i] = core.NewRecord(fmt.Sprintf("key-%05d", i), fmt.Sprintf("value %d", i))
	}
	return records
}

func readPid(t *testing.T, path string) int {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	require.NoError(t, err)
	return pid
}

// requireReaped fails if pid still exists, zombies included.
func requireReaped(t *testing.T, pid int) {
	t.Helper()
	require.ErrorIs(t, syscall.Kill(pid, 0), syscall.ESRCH, "process %d was not reaped", pid)
}

// requireExited waits for a process we did not spawn to die. It is reparented
// once its parent dies, so a zombie waiting on the new parent counts as dead.
func requireExited(t *testing.T, pid int) {
	t.Helper()
	require.Eventually(t, func() bool {
		if errors.Is(syscall.Kill(pid, 0), syscall.ESRCH) {
			return true
		}
		stat, err := os.ReadFile(fmt.Sprintf("/proc/%d/stat", pid))
		if err != nil {
			return false
		}
		// The state field follows the parenthesised command name.
		fields := strings.Fields(string(stat[strings.LastIndexByte(string(stat), ')')+1:]))
		return len(fields) > 0 && fields[0] == "Z"
	}, 5*time.Second, 20*time.Millisecond, "process %d is still running", pid)
}

type logEntry struct {
	level string
	msg   string
	args  []any
}

type recordingLogger struct {
	mu      sync.Mutex
	entries []logEntry
}

func (l *recordingLogger) record(level, msg string, args []any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, logEntry{level: level, msg: msg, args: args})
}

func (l *recordingLogger) Debug(msg string, args ...any) { l.record("debug", msg, args) }
func (l *recordingLogger) Info(msg string, args ...any)  { l.record("info", msg, args) }
func (l *recordingLogger) Warn(msg string, args ...any)  { l.record("warn", msg, args) }
func (l *recordingLogger) Error(msg string, args ...any) { l.record("error", msg, args) }

func (l *recordingLogger) find(level, msg string) (logEntry, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, e := range l.entries {
		if e.level == level && e.msg == msg {
			return e, true
		}
	}
	return logEntry{}, false
}

// arg returns the value logged under key.
func (e logEntry) arg(key string) any {
	for i := 0; i+1 < len(e.args); i += 2 {
		if e.args[i] == key {
			return e.args[i+1]
		}
	}
	return nil
}
