package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cachesweep/internal/cachesweep"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", filepath.Join(root, "config"))
	t.Setenv("XDG_RUNTIME_DIR", filepath.Join(root, "run"))

	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestFileInfo(t *testing.T) {
	dir := t.TempDir()
	c, err := cachesweep.StoreEntry(dir, cachesweep.Entry{URL: "http://example.com/"}, []byte("x"), 0)
	require.NoError(t, err)

	out, err := execute(t, "--cache-dir", dir, "--log-level", "error", "--file-info", c.Name)
	require.NoError(t, err)
	assert.Contains(t, out, "encoded URL      http://example.com/")

	out, err = execute(t, "--cache-dir", dir, "--file-info", c.Name, "--format", "yaml")
	require.NoError(t, err)
	assert.Contains(t, out, "url: http://example.com/")

	_, err = execute(t, "--cache-dir", dir, "--file-info", "0000000000000000000000000000000000000000")
	assert.Error(t, err)
}

func TestClearAll(t *testing.T) {
	dir := t.TempDir()
	for _, u := range []string{"http://a/", "http://b/"} {
		_, err := cachesweep.StoreEntry(dir, cachesweep.Entry{URL: u}, []byte("x"), 0)
		require.NoError(t, err)
	}
	require.NoError(t, os.WriteFile(filepath.Join(dir, "scoreboard"), nil, 0600))
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "a", "old"), 0700))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "cleaned"), nil, 0600))

	stderr := captureStderr(t)
	out, err := execute(t, "--cache-dir", dir, "--clear-all")
	require.NoError(t, err)
	assert.Empty(t, out)
	assert.Empty(t, stderr())

	names, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, names)
}

// captureStderr points os.Stderr at a file for the rest of the test and
// returns a func reading what was written so far.
func captureStderr(t *testing.T) func() string {
	t.Helper()
	f, err := os.CreateTemp(t.TempDir(), "stderr")
	require.NoError(t, err)
	orig := os.Stderr
	os.Stderr = f
	t.Cleanup(func() {
		os.Stderr = orig
		f.Close()
	})
	return func() string {
		b, err := os.ReadFile(f.Name())
		require.NoError(t, err)
		return string(b)
	}
}

func TestFlagConflicts(t *testing.T) {
	_, err := execute(t, "--clear-all", "--file-info", "abc")
	assert.Error(t, err)

	_, err = execute(t, "unexpected")
	assert.Error(t, err)
}
