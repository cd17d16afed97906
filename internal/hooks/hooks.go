// Package hooks invokes user-supplied scripts around a job run.
package hooks

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/tis24dev/jobsave/internal/logging"
	"github.com/tis24dev/jobsave/internal/process"
	"github.com/tis24dev/jobsave/internal/types"
)

// Hook names the point of the job at which a script runs.
type Hook string

const (
	PreBackup   Hook = "pre_backup"
	PostSuccess Hook = "post_success"
	PostFailure Hook = "post_failure"
	PostAlways  Hook = "post_always"
)

// StatusStarting is passed to the pre-backup hook.
const StatusStarting = "Starting"

// PowerShell is the interpreter used for .ps1 scripts.
var PowerShell = "powershell.exe"

// Invocation carries the arguments passed to every hook.
type Invocation struct {
	JobName     string
	Status      string
	ArchivePath string
	ConfigPath  string
	DryRun      bool
}

// Outcome records one hook execution.
type Outcome struct {
	Hook     Hook
	Script   string
	ExitCode int
	Duration time.Duration
	Err      error
}

// Failed reports whether the hook did not complete with exit code 0.
func (o Outcome) Failed() bool { return o.Err != nil }

// Runner executes hook scripts.
type Runner struct {
	logger *logging.Logger
	runner process.Runner
	stat   func(string) (os.FileInfo, error)
}

// NewRunner creates a hook Runner.
func NewRunner(logger *logging.Logger, runner process.Runner) *Runner {
	return &Runner{logger: logger, runner: runner, stat: os.Stat}
}

// Command builds the process invocation for script.
func Command(script string, inv Invocation) process.Command {
	if strings.EqualFold(filepath.Ext(script), ".ps1") {
		args := []string{
			"-NoProfile", "-NonInteractive", "-ExecutionPolicy", "Bypass",
			"-File", script,
			"-JobName", inv.JobName,
			"-Status", inv.Status,
			"-ArchivePath", inv.ArchivePath,
			"-ConfigFilePath", inv.ConfigPath,
		}
		if inv.DryRun {
			args = append(args, "-SimulateMode")
		}
		return process.Command{Path: PowerShell, Args: args}
	}
	args := []string{
		"--job-name", inv.JobName,
		"--status", inv.Status,
		"--archive-path", inv.ArchivePath,
		"--config-file", inv.ConfigPath,
	}
	if inv.DryRun {
		args = append(args, "--simulate")
	}
	return process.Command{Path: script, Args: args}
}

// Run executes script for hook. An empty script is skipped and returns nil.
// Failures never propagate as errors; they are reported in the Outcome as a
// recoverable hook error.
func (r *Runner) Run(ctx context.Context, hook Hook, script string, inv Invocation) *Outcome {
	script = strings.TrimSpace(script)
	if script == "" {
		return nil
	}
	out := &Outcome{Hook: hook, Script: script, ExitCode: process.StartFailedExitCode}
	tag := "hook:" + string(hook)

	if _, err := r.stat(script); err != nil {
		out.Err = types.Recoverable(types.KindHook, string(hook), fmt.Errorf("script %s not found: %w", script, err))
		r.logger.Warning("Hook %s skipped: %v", hook, err)
		return out
	}

	r.logger.Step("Running %s hook: %s (status=%s)", hook, script, inv.Status)
	res, err := r.runner.Run(ctx, Command(script, inv))
	out.ExitCode = res.ExitCode
	out.Duration = res.Duration

	r.logger.Lines(types.LogLevelInfo, tag, res.Stdout)
	if res.ExitCode == 0 && err == nil {
		r.logger.Lines(types.LogLevelWarning, tag, res.Stderr)
		r.logger.Debug("Hook %s completed in %s", hook, res.Duration.Round(time.Millisecond))
		return out
	}

	r.logger.Lines(types.LogLevelError, tag, res.Stderr)
	if err == nil {
		err = fmt.Errorf("exit code %d", res.ExitCode)
	}
	out.Err = types.Recoverable(types.KindHook, string(hook), err)
	r.logger.Error("Hook %s failed: %v", hook, err)
	return out
}
