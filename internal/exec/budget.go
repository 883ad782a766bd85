package exec

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	osexec "os/exec"
	"strings"
	"sync"
	"time"
)

// activityWindow is how recently output must have grown for the
// finalization extension to be granted.
const activityWindow = 10 * time.Second

// budgetPollEvery is the output-growth sampling interval.
const budgetPollEvery = time.Second

// lockedBuffer guards concurrent appends from the process against length
// sampling from the watchdog.
type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Len()
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// RunBudgeted runs the command under an execution budget, granting one
// finalization extension when output is still flowing at the deadline. The
// extension exists for jobs that are writing their final artifacts when the
// budget expires; silent jobs are killed on time.
func (s *ShellRunner) RunBudgeted(ctx context.Context, dir, command string, execBudget, finalBudget time.Duration, env []string) (*Result, error) {
	if strings.TrimSpace(command) == "" {
		return nil, fmt.Errorf("command is required")
	}
	if execBudget <= 0 {
		return s.Run(ctx, dir, command, 0, env)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	cmd := osexec.CommandContext(ctx, "sh", "-c", command)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(), env...)

	var stdout, stderr lockedBuffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start command: %w", err)
	}

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	deadline := start.Add(execBudget)
	extended := false
	lastLen := 0
	lastGrowth := start
	timedOut := false

	ticker := time.NewTicker(budgetPollEvery)
	defer ticker.Stop()

	var waitErr error
loop:
	for {
		select {
		case waitErr = <-done:
			break loop
		case <-ctx.Done():
			waitErr = <-done
			break loop
		case now := <-ticker.C:
			if n := stdout.Len() + stderr.Len(); n > lastLen {
				lastLen = n
				lastGrowth = now
			}
			if now.Before(deadline) {
				continue
			}
			if !extended && finalBudget > 0 && now.Sub(lastGrowth) < activityWindow {
				extended = true
				deadline = now.Add(finalBudget)
				continue
			}
			timedOut = true
			cancel()
			waitErr = <-done
			break loop
		}
	}

	res := &Result{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: time.Since(start),
		TimedOut: timedOut,
	}
	if timedOut {
		res.ExitCode = -1
		return res, fmt.Errorf("command timed out after %s: %s", res.Duration.Round(time.Second), command)
	}
	if waitErr != nil {
		var exitErr *osexec.ExitError
		if errors.As(waitErr, &exitErr) {
			res.ExitCode = exitErr.ExitCode()
			return res, nil
		}
		return res, fmt.Errorf("run command: %w", waitErr)
	}
	return res, nil
}
