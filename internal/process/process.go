// Package process runs external tools (archiver, snapshot tool, hook scripts)
// and captures their output.
package process

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"time"

	"github.com/tis24dev/jobsave/internal/types"
)

// StartFailedExitCode is reported when a command could not be started at all.
const StartFailedExitCode = -1

// Command describes one invocation of an external program.
type Command struct {
	Path     string
	Args     []string
	Dir      string
	Env      []string // appended to the current environment
	Priority types.ProcessPriority

	// Optional live copies of the output streams. Output is always captured
	// into Result regardless.
	Stdout io.Writer
	Stderr io.Writer
}

// String renders the command line for logs.
func (c Command) String() string {
	return fmt.Sprintf("%s %v", c.Path, c.Args)
}

// Result is the outcome of a finished command.
type Result struct {
	ExitCode int
	Stdout   string
	Stderr   string
	Duration time.Duration

	// PriorityErr is set when the requested priority could not be applied.
	// The command still ran at the default priority.
	PriorityErr error
}

// Success reports whether the command exited with code 0.
func (r Result) Success() bool { return r.ExitCode == 0 }

// Runner executes commands. A non-zero exit is not an error: callers inspect
// Result.ExitCode. The error is reserved for commands that could not be run.
type Runner interface {
	Run(ctx context.Context, cmd Command) (Result, error)
}

// RunnerFunc adapts a function to the Runner interface.
type RunnerFunc func(ctx context.Context, cmd Command) (Result, error)

// Run calls f(ctx, cmd).
func (f RunnerFunc) Run(ctx context.Context, cmd Command) (Result, error) { return f(ctx, cmd) }

// ExecRunner runs commands on the local host.
type ExecRunner struct {
	// SetPriority adjusts the scheduling priority of a started process.
	SetPriority func(pid int, priority types.ProcessPriority) error
}

// NewExecRunner returns a runner using the platform priority implementation.
func NewExecRunner() *ExecRunner {
	return &ExecRunner{SetPriority: setPriority}
}

// Run starts the command and waits for it to exit. Cancelling ctx prevents
// the start but never kills a running process.
func (r *ExecRunner) Run(ctx context.Context, c Command) (Result, error) {
	res := Result{ExitCode: StartFailedExitCode}
	if err := ctx.Err(); err != nil {
		return res, err
	}

	cmd := exec.Command(c.Path, c.Args...)
	cmd.Dir = c.Dir
	if len(c.Env) > 0 {
		cmd.Env = append(os.Environ(), c.Env...)
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = teeWriter(&stdout, c.Stdout)
	cmd.Stderr = teeWriter(&stderr, c.Stderr)

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return res, fmt.Errorf("start %s: %w", c.Path, err)
	}
	if c.Priority != "" && c.Priority != types.PriorityNormal && r.SetPriority != nil {
		if err := r.SetPriority(cmd.Process.Pid, c.Priority); err != nil {
			res.PriorityErr = fmt.Errorf("set priority %s: %w", c.Priority, err)
		}
	}

	err := cmd.Wait()
	res.Duration = time.Since(start)
	res.Stdout = stdout.String()
	res.Stderr = stderr.String()
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			res.ExitCode = exitErr.ExitCode()
			return res, nil
		}
		return res, fmt.Errorf("wait %s: %w", c.Path, err)
	}
	res.ExitCode = 0
	return res, nil
}

func teeWriter(buf *bytes.Buffer, extra io.Writer) io.Writer {
	if extra == nil {
		return buf
	}
	return io.MultiWriter(buf, extra)
}
