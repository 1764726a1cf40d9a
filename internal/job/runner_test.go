package job

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRunCommandCollectsStreams(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("test scripts are POSIX shell")
	}

	script := writeScript(t, `read line
echo "got: $line"
echo "noise" >&2
exit 3`)

	result, err := runCommand(context.Background(), script, filepath.Dir(script), []byte("ping\n"))
	assert.NoError(t, err)
	assert.Equal(t, 3, result.ExitCode)
	assert.Equal(t, "got: ping\n", string(result.Stdout))
	assert.Equal(t, "noise\n", string(result.Stderr))
}

func TestRunCommandWorkingDirectory(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("test scripts are POSIX shell")
	}

	script := writeScript(t, "pwd")
	workDir := filepath.Dir(script)

	result, err := runCommand(context.Background(), script, workDir, nil)
	assert.NoError(t, err)
	assert.Equal(t, 0, result.ExitCode)

	got, err := filepath.EvalSymlinks(string(result.Stdout[:len(result.Stdout)-1]))
	assert.NoError(t, err)
	want, err := filepath.EvalSymlinks(workDir)
	assert.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestRunCommandTimeout(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("test scripts are POSIX shell")
	}

	script := writeScript(t, "sleep 10")

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := runCommand(ctx, script, filepath.Dir(script), nil)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 5*time.Second, "an expired deadline must kill the process")
}

func TestRunCommandSpawnFailure(t *testing.T) {
	_, err := runCommand(context.Background(), "/does/not/exist", "/does/not/exist/either", nil)
	assert.Error(t, err)
}

func writeScript(t *testing.T, body string) string {
	t.Helper()

	script := filepath.Join(t.TempDir(), "analyzer.sh")
	err := os.WriteFile(script, []byte("#!/bin/sh\n"+body+"\n"), 0700)
	assert.NoError(t, err)

	return script
}
