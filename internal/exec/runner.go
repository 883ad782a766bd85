// Package exec runs external commands with enforced deadlines. The merge
// pipeline uses it for check commands and the worker daemon for job
// payloads.
package exec

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	osexec "os/exec"
	"strings"
	"time"
)

// Result captures the outcome of a finished command.
type Result struct {
	ExitCode   int
	Stdout     string
	Stderr     string
	Duration   time.Duration
	TimedOut   bool
	Interrupts int
}

// CommandRunner executes a shell command in a working directory with a
// timeout. Implementations must return a non-nil Result whenever the
// process actually started, even on failure.
type CommandRunner interface {
	Run(ctx context.Context, dir, command string, timeout time.Duration, env []string) (*Result, error)
}

// ShellRunner runs commands through sh -c.
type ShellRunner struct{}

// NewShellRunner creates a ShellRunner.
func NewShellRunner() *ShellRunner {
	return &ShellRunner{}
}

// Run executes the command. A zero timeout means no deadline beyond the
// caller's context. The error is non-nil only when the process could not be
// started or was killed; a non-zero exit code is reported via the Result.
func (s *ShellRunner) Run(ctx context.Context, dir, command string, timeout time.Duration, env []string) (*Result, error) {
	if strings.TrimSpace(command) == "" {
		return nil, fmt.Errorf("command is required")
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	cmd := osexec.CommandContext(ctx, "sh", "-c", command)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(), env...)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	err := cmd.Run()
	res := &Result{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: time.Since(start),
	}

	if ctx.Err() == context.DeadlineExceeded {
		res.TimedOut = true
		res.ExitCode = -1
		return res, fmt.Errorf("command timed out after %s: %s", timeout, command)
	}
	if err != nil {
		var exitErr *osexec.ExitError
		if errors.As(err, &exitErr) {
			res.ExitCode = exitErr.ExitCode()
			return res, nil
		}
		return res, fmt.Errorf("run command: %w", err)
	}
	return res, nil
}

// Tail returns the last n lines of output, for embedding in error details
// without dumping whole logs.
func Tail(output string, n int) string {
	lines := strings.Split(strings.TrimRight(output, "\n"), "\n")
	if len(lines) <= n {
		return strings.Join(lines, "\n")
	}
	return strings.Join(lines[len(lines)-n:], "\n")
}
