package hooks

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"

	"github.com/tis24dev/jobsave/internal/logging"
	"github.com/tis24dev/jobsave/internal/process"
	"github.com/tis24dev/jobsave/internal/types"
)

func newTestRunner(fn process.RunnerFunc) (*Runner, *bytes.Buffer) {
	buf := &bytes.Buffer{}
	logger := logging.New(types.LogLevelDebug, false)
	logger.SetOutput(buf)
	return NewRunner(logger, fn), buf
}

func touch(t *testing.T, name string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"), 0o755); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestCommandPowerShell(t *testing.T) {
	cmd := Command(`C:\hooks\notify.PS1`, Invocation{
		JobName: "Docs", Status: "Success", ArchivePath: `D:\a.7z`, ConfigPath: `C:\jobsave.yaml`, DryRun: true,
	})
	if cmd.Path != PowerShell {
		t.Fatalf("Path = %q", cmd.Path)
	}
	want := []string{
		"-NoProfile", "-NonInteractive", "-ExecutionPolicy", "Bypass",
		"-File", `C:\hooks\notify.PS1`,
		"-JobName", "Docs", "-Status", "Success",
		"-ArchivePath", `D:\a.7z`, "-ConfigFilePath", `C:\jobsave.yaml`,
		"-SimulateMode",
	}
	if !reflect.DeepEqual(cmd.Args, want) {
		t.Fatalf("Args = %q\nwant %q", cmd.Args, want)
	}
}

func TestCommandExecutable(t *testing.T) {
	cmd := Command("/etc/jobsave/post.sh", Invocation{JobName: "Docs", Status: "Failure"})
	want := []string{"--job-name", "Docs", "--status", "Failure", "--archive-path", "", "--config-file", ""}
	if cmd.Path != "/etc/jobsave/post.sh" || !reflect.DeepEqual(cmd.Args, want) {
		t.Fatalf("cmd = %s", cmd)
	}
}

func TestRunEmptyScriptIsSkipped(t *testing.T) {
	r, _ := newTestRunner(func(context.Context, process.Command) (process.Result, error) {
		t.Fatal("runner must not be called")
		return process.Result{}, nil
	})
	if out := r.Run(context.Background(), PreBackup, "  ", Invocation{}); out != nil {
		t.Fatalf("expected nil outcome, got %+v", out)
	}
}

func TestRunSuccessLogsOutput(t *testing.T) {
	script := touch(t, "ok.sh")
	r, buf := newTestRunner(func(_ context.Context, cmd process.Command) (process.Result, error) {
		return process.Result{ExitCode: 0, Stdout: "notified\n", Stderr: "deprecated flag\n"}, nil
	})
	out := r.Run(context.Background(), PostSuccess, script, Invocation{JobName: "Docs", Status: "Success"})
	if out == nil || out.Failed() || out.ExitCode != 0 {
		t.Fatalf("unexpected outcome %+v", out)
	}
	logs := buf.String()
	if !strings.Contains(logs, "INFO     [hook:post_success] notified") {
		t.Errorf("stdout should be logged at info:\n%s", logs)
	}
	if !strings.Contains(logs, "WARNING  [hook:post_success] deprecated flag") {
		t.Errorf("stderr on exit 0 should be logged at warning:\n%s", logs)
	}
}

func TestRunNonZeroExitIsRecordedFailure(t *testing.T) {
	script := touch(t, "bad.sh")
	r, buf := newTestRunner(func(context.Context, process.Command) (process.Result, error) {
		return process.Result{ExitCode: 3, Stderr: "boom"}, nil
	})
	out := r.Run(context.Background(), PostFailure, script, Invocation{})
	if !out.Failed() || out.ExitCode != 3 {
		t.Fatalf("expected failure with exit 3, got %+v", out)
	}
	if types.IsFatal(out.Err) || types.KindOf(out.Err) != types.KindHook {
		t.Fatalf("hook errors must be recoverable hook errors: %v", out.Err)
	}
	if !strings.Contains(buf.String(), "ERROR    [hook:post_failure] boom") {
		t.Errorf("stderr on failure should be logged at error:\n%s", buf.String())
	}
}

func TestRunMissingScript(t *testing.T) {
	r, _ := newTestRunner(func(context.Context, process.Command) (process.Result, error) {
		t.Fatal("runner must not be called")
		return process.Result{}, nil
	})
	out := r.Run(context.Background(), PostAlways, filepath.Join(t.TempDir(), "missing.ps1"), Invocation{})
	if !out.Failed() || out.ExitCode != process.StartFailedExitCode {
		t.Fatalf("missing script should fail, got %+v", out)
	}
}
