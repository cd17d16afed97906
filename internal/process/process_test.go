//go:build unix

package process

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/tis24dev/jobsave/internal/types"
)

func TestExecRunnerCapturesOutputAndExitCode(t *testing.T) {
	r := NewExecRunner()
	var live bytes.Buffer
	res, err := r.Run(context.Background(), Command{
		Path:   "/bin/sh",
		Args:   []string{"-c", "echo out; echo err >&2; exit 3"},
		Stdout: &live,
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.ExitCode != 3 || res.Success() {
		t.Fatalf("exit code = %d, want 3", res.ExitCode)
	}
	if strings.TrimSpace(res.Stdout) != "out" || strings.TrimSpace(res.Stderr) != "err" {
		t.Fatalf("unexpected output: stdout=%q stderr=%q", res.Stdout, res.Stderr)
	}
	if live.String() != res.Stdout {
		t.Fatalf("live stdout = %q, want %q", live.String(), res.Stdout)
	}
}

func TestExecRunnerPassesEnvAndDir(t *testing.T) {
	dir := t.TempDir()
	res, err := NewExecRunner().Run(context.Background(), Command{
		Path: "/bin/sh",
		Args: []string{"-c", "printf '%s:%s' \"$JOBSAVE_X\" \"$(pwd)\""},
		Dir:  dir,
		Env:  []string{"JOBSAVE_X=42"},
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !strings.HasPrefix(res.Stdout, "42:") || !strings.HasSuffix(res.Stdout, dir[strings.LastIndex(dir, "/"):]) {
		t.Fatalf("stdout = %q", res.Stdout)
	}
}

func TestExecRunnerStartFailure(t *testing.T) {
	res, err := NewExecRunner().Run(context.Background(), Command{Path: "/nonexistent/jobsave-tool"})
	if err == nil {
		t.Fatal("expected start error")
	}
	if res.ExitCode != StartFailedExitCode {
		t.Fatalf("exit code = %d, want %d", res.ExitCode, StartFailedExitCode)
	}
}

func TestExecRunnerCancelledBeforeStart(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := NewExecRunner().Run(ctx, Command{Path: "/bin/true"}); err == nil {
		t.Fatal("expected context error")
	}
}

func TestExecRunnerAppliesPriority(t *testing.T) {
	var got types.ProcessPriority
	r := &ExecRunner{SetPriority: func(pid int, p types.ProcessPriority) error {
		if pid <= 0 {
			t.Errorf("unexpected pid %d", pid)
		}
		got = p
		return nil
	}}
	if _, err := r.Run(context.Background(), Command{Path: "/bin/true", Priority: types.PriorityIdle}); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got != types.PriorityIdle {
		t.Fatalf("priority = %q, want idle", got)
	}

	got = ""
	if _, err := r.Run(context.Background(), Command{Path: "/bin/true", Priority: types.PriorityNormal}); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got != "" {
		t.Fatalf("normal priority should not be applied, got %q", got)
	}
}

func TestExecRunnerReportsPriorityError(t *testing.T) {
	denied := errors.New("permission denied")
	r := &ExecRunner{SetPriority: func(int, types.ProcessPriority) error { return denied }}
	res, err := r.Run(context.Background(), Command{Path: "/bin/true", Priority: types.PriorityHigh})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !res.Success() {
		t.Fatalf("exit code = %d, want 0", res.ExitCode)
	}
	if !errors.Is(res.PriorityErr, denied) {
		t.Fatalf("PriorityErr = %v, want %v", res.PriorityErr, denied)
	}
}

func TestNiceValue(t *testing.T) {
	if niceValue(types.PriorityIdle) <= niceValue(types.PriorityBelowNormal) {
		t.Fatal("idle should be nicer than below_normal")
	}
	if niceValue(types.PriorityHigh) >= 0 {
		t.Fatal("high should have a negative nice value")
	}
}
