package job

import (
	"bytes"
	"context"
	"errors"
	"os/exec"
	"runtime"
	"time"

	log "github.com/sirupsen/logrus"
)

// RunResult carries everything an analyzer process produced.
type RunResult struct {
	ExitCode int
	Stdout   []byte
	Stderr   []byte
}

// runCommand spawns the analyzer command through a shell shim, feeds input to
// its stdin and collects stdout and stderr fully. The exit code is recorded
// but not interpreted, correctness is determined from the output document.
// A non-zero exit is not an error, only a failure to spawn or a cancelled
// context is.
func runCommand(ctx context.Context, command, workDir string, input []byte) (RunResult, error) {
	// analyzers may be scripts, so the command goes through a shell. This
	// means the command path must not contain shell-active characters, the
	// description files are operator-controlled.
	var cmd *exec.Cmd
	if runtime.GOOS == "windows" {
		cmd = exec.CommandContext(ctx, "cmd", "/c", command)
	} else {
		cmd = exec.CommandContext(ctx, "sh", "-c", command)
	}
	cmd.Dir = workDir
	cmd.Stdin = bytes.NewReader(input)
	// descendants of the shell may keep stdout and stderr open after the
	// shell is gone; stop waiting for the streams one second later
	cmd.WaitDelay = time.Second

	// exec pumps the three streams on separate goroutines, the child cannot
	// deadlock on a full pipe
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	log.Debugf("running analyzer command %q in %q", command, workDir)

	err := cmd.Run()
	if ctx.Err() != nil {
		return RunResult{Stdout: stdout.Bytes(), Stderr: stderr.Bytes()}, ctx.Err()
	}
	if err != nil {
		if errors.Is(err, exec.ErrWaitDelay) {
			return RunResult{ExitCode: 0, Stdout: stdout.Bytes(), Stderr: stderr.Bytes()}, nil
		}
		exitErr, isExit := err.(*exec.ExitError)
		if !isExit {
			return RunResult{}, err
		}

		return RunResult{ExitCode: exitErr.ExitCode(), Stdout: stdout.Bytes(), Stderr: stderr.Bytes()}, nil
	}

	return RunResult{ExitCode: 0, Stdout: stdout.Bytes(), Stderr: stderr.Bytes()}, nil
}
