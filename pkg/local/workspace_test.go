package local

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewWorkspace_StagesFiles(t *testing.T) {
	src := t.TempDir()
	script := writeScript(t, src, "job.sh", "#!/bin/sh\nexec cat\n")
	lookup := filepath.Join(src, "lookup.txt")
	require.NoError(t, os.WriteFile(lookup, []byte("a\nb\n"), 0o644))

	runID := uuid.New()
	ws, err := NewWorkspace(WorkspaceOptions{
		RunID:  runID,
		Root:   t.TempDir(),
		Script: script,
		Files:  []string{lookup, lookup},
	}, nil)
	require.NoError(t, err)
	defer ws.Close()

	assert.Contains(t, filepath.Base(ws.Dir), runID.String())
	assert.Equal(t, filepath.Join(ws.Dir, "job.sh"), ws.Script)

	data, err := os.ReadFile(filepath.Join(ws.Dir, "lookup.txt"))
	require.NoError(t, err)
	assert.Equal(t, "a\nb\n", string(data))

	info, err := os.Stat(ws.Script)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o700), info.Mode().Perm())

	data, err = os.ReadFile(ws.Script)
	require.NoError(t, err)
	assert.Equal(t, "#!/bin/sh\nexec cat\n", string(data))
}

func TestNewWorkspace_AddsInterpreterLine(t *testing.T) {
	src := t.TempDir()
	script := filepath.Join(src, "job.py")
	require.NoError(t, os.WriteFile(script, []byte("print('hi')\n"), 0o644))
	logger := &recordingLogger{}

	ws, err := NewWorkspace(WorkspaceOptions{
		RunID:       uuid.New(),
		Root:        t.TempDir(),
		Script:      script,
		Interpreter: []string{"/usr/local/bin/python3", "-u"},
	}, logger)
	require.NoError(t, err)
	defer ws.Close()

	data, err := os.ReadFile(ws.Script)
	require.NoError(t, err)
	assert.Equal(t, "#!/usr/bin/env python3\nprint('hi')\n", string(data))

	_, ok := logger.find("warn", "Adding interpreter line to script, line numbers will be off by one")
	assert.True(t, ok)

	// The caller's copy is untouched.
	data, err = os.ReadFile(script)
	require.NoError(t, err)
	assert.Equal(t, "print('hi')\n", string(data))
}

func TestNewWorkspace_Errors(t *testing.T) {
	src := t.TempDir()
	script := writeScript(t, src, "job.sh", "#!/bin/sh\n")
	other := filepath.Join(t.TempDir(), "job.sh")
	require.NoError(t, os.WriteFile(other, []byte("x"), 0o644))

	tests := []struct {
		name    string
		opts    WorkspaceOptions
		message string
	}{
		{
			name:    "missing script path",
			opts:    WorkspaceOptions{},
			message: "script path is required",
		},
		{
			name:    "missing files listed together",
			opts:    WorkspaceOptions{Script: script, Files: []string{"/nope/a.txt", "/nope/b.txt"}},
			message: "file(s) not found: [/nope/a.txt, /nope/b.txt]",
		},
		{
			name:    "base name collision",
			opts:    WorkspaceOptions{Script: script, Files: []string{other}},
			message: "share the base name job.sh",
		},
		{
			name:    "directory is not a file",
			opts:    WorkspaceOptions{Script: script, Files: []string{src}},
			message: "not found",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			root := t.TempDir()
			tt.opts.Root = root

			_, err := NewWorkspace(tt.opts, nil)
			require.ErrorIs(t, err, ErrConfig)
			assert.Contains(t, err.Error(), tt.message)

			entries, err := os.ReadDir(root)
			require.NoError(t, err)
			assert.Empty(t, entries, "no workspace is created for invalid input")
		})
	}
}

func TestWorkspace_CloseRemovesDirectory(t *testing.T) {
	script := writeScript(t, t.TempDir(), "job.sh", "#!/bin/sh\n")
	ws, err := NewWorkspace(WorkspaceOptions{RunID: uuid.New(), Root: t.TempDir(), Script: script}, nil)
	require.NoError(t, err)

	require.NoError(t, ws.Close())
	assert.NoDirExists(t, ws.Dir)
	require.NoError(t, ws.Close())
}

func TestWorkspace_RetainKeepsDirectory(t *testing.T) {
	script := writeScript(t, t.TempDir(), "job.sh", "#!/bin/sh\n")
	logger := &recordingLogger{}
	ws, err := NewWorkspace(WorkspaceOptions{RunID: uuid.New(), Root: t.TempDir(), Script: script, Retain: true}, logger)
	require.NoError(t, err)

	require.NoError(t, ws.Close())
	require.NoError(t, ws.Close())
	assert.DirExists(t, ws.Dir)

	entry, ok := logger.find("info", "Temporary directory not removed")
	require.True(t, ok)
	assert.Equal(t, ws.Dir, entry.arg("dir"))

	count := 0
	for _, e := range logger.entries {
		if strings.HasPrefix(e.msg, "Temporary directory") {
			count++
		}
	}
	assert.Equal(t, 1, count)
}
