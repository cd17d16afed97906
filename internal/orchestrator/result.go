package orchestrator

import (
	"fmt"
	"time"

	"github.com/tis24dev/jobsave/internal/archive"
	"github.com/tis24dev/jobsave/internal/checks"
	"github.com/tis24dev/jobsave/internal/hooks"
	"github.com/tis24dev/jobsave/internal/metrics"
	"github.com/tis24dev/jobsave/internal/snapshot"
	"github.com/tis24dev/jobsave/internal/state"
	"github.com/tis24dev/jobsave/internal/storage"
	"github.com/tis24dev/jobsave/internal/types"
)

// JobResult is the outcome of one job run.
type JobResult struct {
	Job    string
	Set    string
	RunID  string
	Status types.JobStatus
	DryRun bool

	ArchivePath string
	Archive     *archive.Result // nil when creation was not attempted
	Test        *archive.Result // nil when verification was not run
	Retention   *storage.RetentionReport

	SnapshotSessionID string
	SnapshotState     snapshot.State // state after Begin; empty when snapshots were not used

	Checks    []checks.CheckResult
	Transfers []storage.TransferResult
	Hooks     []hooks.Outcome

	Warnings []string
	Err      error // fatal error that produced FAILURE

	StartedAt  time.Time
	FinishedAt time.Time

	logWarnings, logErrors int64
}

func (r *JobResult) warn(format string, args ...interface{}) {
	r.Warnings = append(r.Warnings, fmt.Sprintf(format, args...))
	r.Status = r.Status.Worse(types.StatusWarnings)
}

func (r *JobResult) fail(err error) {
	if r.Err == nil {
		r.Err = err
	}
	r.Status = types.StatusFailure
}

// Duration returns the wall-clock time of the run.
func (r *JobResult) Duration() time.Duration {
	if r.FinishedAt.IsZero() {
		return 0
	}
	return r.FinishedAt.Sub(r.StartedAt)
}

// ExitCode maps the result onto a process exit code. Fatal errors use the
// code of their kind.
func (r *JobResult) ExitCode() types.ExitCode {
	if r.Status == types.StatusFailure && r.Err != nil {
		return types.ExitCodeFor(r.Err)
	}
	return r.Status.ExitCode()
}

func (r *JobResult) transferCounts() (ok, failed int) {
	for _, t := range r.Transfers {
		if t.Err != nil {
			failed++
		} else {
			ok++
		}
	}
	return ok, failed
}

func (r *JobResult) hookFailures() int {
	n := 0
	for _, h := range r.Hooks {
		if h.Failed() {
			n++
		}
	}
	return n
}

func (r *JobResult) record() state.RunRecord {
	rec := state.RunRecord{
		RunID:       r.RunID,
		Job:         r.Job,
		Set:         r.Set,
		Status:      r.Status,
		ArchivePath: r.ArchivePath,
		Warnings:    len(r.Warnings),
		DryRun:      r.DryRun,
		StartedAt:   r.StartedAt,
		FinishedAt:  r.FinishedAt,
	}
	if r.Archive != nil {
		rec.ExitCode = r.Archive.ExitCode
		rec.Attempts = r.Archive.Attempts
	}
	if r.Retention != nil {
		rec.Deleted = r.Retention.Removed()
	}
	rec.Transfers, _ = r.transferCounts()
	if r.Err != nil {
		rec.Error = r.Err.Error()
	}
	return rec
}

func (r *JobResult) metrics(archiveSize int64) *metrics.JobMetrics {
	m := &metrics.JobMetrics{
		Job:          r.Job,
		Set:          r.Set,
		Status:       r.Status,
		StartTime:    r.StartedAt,
		EndTime:      r.FinishedAt,
		ArchiveSize:  archiveSize,
		HookFailures: r.hookFailures(),
		Warnings:     r.logWarnings,
		Errors:       r.logErrors,
		SnapshotUsed: r.SnapshotState == snapshot.StateMapped,
		DryRun:       r.DryRun,
	}
	if r.Archive != nil {
		m.ArchiverExitCode = r.Archive.ExitCode
		m.Attempts = r.Archive.Attempts
	}
	if r.Retention != nil {
		m.RetentionDeleted = r.Retention.Removed()
	}
	m.TargetsOK, m.TargetsFailed = r.transferCounts()
	return m
}

// SetResult is the outcome of a job set.
type SetResult struct {
	Name    string
	Status  types.JobStatus
	Jobs    []*JobResult
	Skipped []string // jobs not run after a stop
	Err     error    // set-level error (unknown set, cancellation)

	StartedAt  time.Time
	FinishedAt time.Time
}

// ExitCode returns the code of the set error, else of the first failed job,
// else the status code.
func (s *SetResult) ExitCode() types.ExitCode {
	if s.Err != nil {
		return types.ExitCodeFor(s.Err)
	}
	if s.Status == types.StatusFailure {
		for _, j := range s.Jobs {
			if j.Status == types.StatusFailure {
				return j.ExitCode()
			}
		}
	}
	return s.Status.ExitCode()
}
