package exec

import (
	"context"
	"strings"
	"testing"
	"time"
)

func TestRun_CapturesOutput(t *testing.T) {
	r := NewShellRunner()
	res, err := r.Run(context.Background(), t.TempDir(), "echo out; echo err 1>&2", 10*time.Second, nil)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if res.ExitCode != 0 {
		t.Errorf("ExitCode = %d, want 0", res.ExitCode)
	}
	if strings.TrimSpace(res.Stdout) != "out" {
		t.Errorf("Stdout = %q, want out", res.Stdout)
	}
	if strings.TrimSpace(res.Stderr) != "err" {
		t.Errorf("Stderr = %q, want err", res.Stderr)
	}
}

func TestRun_NonZeroExitIsNotAnError(t *testing.T) {
	r := NewShellRunner()
	res, err := r.Run(context.Background(), t.TempDir(), "exit 7", 10*time.Second, nil)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if res.ExitCode != 7 {
		t.Errorf("ExitCode = %d, want 7", res.ExitCode)
	}
}

func TestRun_Timeout(t *testing.T) {
	r := NewShellRunner()
	res, err := r.Run(context.Background(), t.TempDir(), "sleep 5", 100*time.Millisecond, nil)
	if err == nil {
		t.Fatal("expected a timeout error")
	}
	if res == nil || !res.TimedOut {
		t.Errorf("result = %+v, want TimedOut", res)
	}
	if res.ExitCode != -1 {
		t.Errorf("ExitCode = %d, want -1", res.ExitCode)
	}
}

func TestRun_Env(t *testing.T) {
	r := NewShellRunner()
	res, err := r.Run(context.Background(), t.TempDir(), "echo $PUSHPALS_TEST_VAR", 10*time.Second,
		[]string{"PUSHPALS_TEST_VAR=hello"})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if strings.TrimSpace(res.Stdout) != "hello" {
		t.Errorf("Stdout = %q, want hello", res.Stdout)
	}
}

func TestRun_EmptyCommand(t *testing.T) {
	r := NewShellRunner()
	if _, err := r.Run(context.Background(), t.TempDir(), "   ", time.Second, nil); err == nil {
		t.Error("blank command should be rejected")
	}
}

func TestTail(t *testing.T) {
	out := "one\ntwo\nthree\nfour\n"
	if got := Tail(out, 2); got != "three\nfour" {
		t.Errorf("Tail = %q, want last two lines", got)
	}
	if got := Tail(out, 10); got != "one\ntwo\nthree\nfour" {
		t.Errorf("Tail = %q, want everything", got)
	}
	if got := Tail("", 3); got != "" {
		t.Errorf("Tail of empty = %q", got)
	}
}
