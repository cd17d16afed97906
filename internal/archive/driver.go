package archive

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/tis24dev/jobsave/internal/config"
	"github.com/tis24dev/jobsave/internal/logging"
	"github.com/tis24dev/jobsave/internal/process"
	"github.com/tis24dev/jobsave/internal/types"
)

// Exit codes of the archiver.
const (
	ExitOK      = 0
	ExitWarning = 1
)

// Result is the outcome of an archiver operation after retries.
type Result struct {
	ExitCode int
	Duration time.Duration
	Attempts int
	Stderr   string
}

// Status maps the exit code onto a job status.
func (r Result) Status() types.JobStatus {
	switch r.ExitCode {
	case ExitOK:
		return types.StatusSuccess
	case ExitWarning:
		return types.StatusWarnings
	default:
		return types.StatusFailure
	}
}

// Driver runs archiver operations for one job.
type Driver struct {
	logger       *logging.Logger
	cfg          *config.EffectiveJobConfig
	runner       process.Runner
	passwordFile string

	sleep func(ctx context.Context, d time.Duration) error
}

// NewDriver creates a driver for cfg. passwordFile may be empty.
func NewDriver(logger *logging.Logger, cfg *config.EffectiveJobConfig, runner process.Runner, passwordFile string) *Driver {
	return &Driver{
		logger:       logger,
		cfg:          cfg,
		runner:       runner,
		passwordFile: passwordFile,
		sleep:        sleepContext,
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// CreateArchive adds sources to archivePath.
func (d *Driver) CreateArchive(ctx context.Context, sources []string, archivePath string) (Result, error) {
	return d.run(ctx, "create", CreateArgs(d.cfg, sources, archivePath, d.passwordFile))
}

// TestArchive verifies the integrity of archivePath.
func (d *Driver) TestArchive(ctx context.Context, archivePath string) (Result, error) {
	return d.run(ctx, "test", TestArgs(archivePath, d.passwordFile))
}

// run executes the archiver with the retry policy of the job. Exit codes 0
// and 1 end the loop; anything else is retried until the attempts run out.
func (d *Driver) run(ctx context.Context, op string, args []string) (res Result, err error) {
	done := logging.DebugStart(d.logger, "archive "+op, "%s %s", d.cfg.ArchiverPath, redact(args))
	defer func() { done(err) }()

	maxAttempts := d.cfg.Retry.Attempts()
	start := time.Now()
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		res = d.attempt(ctx, op, args)
		res.Attempts = attempt
		res.Duration = time.Since(start)

		switch res.ExitCode {
		case ExitOK:
			return res, nil
		case ExitWarning:
			d.logger.Warning("Archiver %s finished with warnings (exit code 1)", op)
			return res, nil
		}

		if attempt == maxAttempts {
			break
		}
		d.logger.Warning("Archiver %s failed with exit code %d (attempt %d/%d), retrying in %s",
			op, res.ExitCode, attempt, maxAttempts, d.cfg.Retry.Delay)
		if err := d.sleep(ctx, d.cfg.Retry.Delay); err != nil {
			return res, types.Fatal(types.KindArchiver, op, fmt.Errorf("retry interrupted: %w", err))
		}
	}
	return res, types.Fatal(types.KindArchiver, op,
		fmt.Errorf("%s exited with code %d after %d attempt(s)", d.cfg.ArchiverPath, res.ExitCode, res.Attempts))
}

func (d *Driver) attempt(ctx context.Context, op string, args []string) Result {
	cmd := process.Command{
		Path:     d.cfg.ArchiverPath,
		Args:     args,
		Priority: d.cfg.Priority,
	}
	var stream *logging.LineWriter
	if !d.cfg.SuppressOutput {
		stream = d.logger.LineWriter(types.LogLevelInfo, "7z")
		cmd.Stdout = stream
	}

	out, err := d.runner.Run(ctx, cmd)
	if stream != nil {
		stream.Flush()
	}
	if out.PriorityErr != nil {
		d.logger.Warning("Archiver priority not applied: %v", out.PriorityErr)
	}
	res := Result{ExitCode: out.ExitCode, Stderr: out.Stderr}
	if err != nil {
		res.ExitCode = process.StartFailedExitCode
		res.Stderr = err.Error()
		d.logger.Error("Cannot run archiver for %s: %v", op, err)
		return res
	}

	stderr := strings.TrimSpace(out.Stderr)
	switch {
	case res.ExitCode == ExitOK:
		if d.cfg.SuppressOutput {
			d.logger.Lines(types.LogLevelDebug, "7z", out.Stdout)
		}
		if stderr != "" {
			d.logger.Lines(types.LogLevelWarning, "7z", stderr)
		}
	case res.ExitCode == ExitWarning:
		d.logger.Lines(types.LogLevelWarning, "7z", stderr)
	default:
		d.logger.Lines(types.LogLevelError, "7z", stderr)
	}
	return res
}
