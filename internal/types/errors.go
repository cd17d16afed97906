package types

import (
	"errors"
	"fmt"
)

// ErrorKind classifies job errors by the component that raised them.
type ErrorKind string

const (
	KindConfiguration ErrorKind = "configuration"
	KindSnapshot      ErrorKind = "snapshot"
	KindArchiver      ErrorKind = "archiver"
	KindRetention     ErrorKind = "retention"
	KindHook          ErrorKind = "hook"
	KindTarget        ErrorKind = "target"
	KindCredential    ErrorKind = "credential"
	KindDiskSpace     ErrorKind = "disk space"
	KindLock          ErrorKind = "lock"
)

// Severity tells the orchestrator whether an error aborts the job.
type Severity int

const (
	// SeverityRecoverable errors are logged and execution continues.
	SeverityRecoverable Severity = iota
	// SeverityFatal errors abort the job.
	SeverityFatal
)

// String returns the string representation of the severity.
func (s Severity) String() string {
	if s == SeverityFatal {
		return "fatal"
	}
	return "recoverable"
}

// JobError is the error type returned at component boundaries.
type JobError struct {
	Kind     ErrorKind
	Severity Severity
	Op       string // e.g. "resolve", "create", "poll", "delete"
	Err      error
}

func (e *JobError) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("%s error: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s error (%s): %v", e.Kind, e.Op, e.Err)
}

func (e *JobError) Unwrap() error {
	return e.Err
}

// Fatal builds a JobError that aborts the job.
func Fatal(kind ErrorKind, op string, err error) *JobError {
	return &JobError{Kind: kind, Severity: SeverityFatal, Op: op, Err: err}
}

// Recoverable builds a JobError that is absorbed into the job status.
func Recoverable(kind ErrorKind, op string, err error) *JobError {
	return &JobError{Kind: kind, Severity: SeverityRecoverable, Op: op, Err: err}
}

// IsFatal reports whether err must abort the job. Errors that are not a
// JobError are treated as fatal.
func IsFatal(err error) bool {
	if err == nil {
		return false
	}
	var jobErr *JobError
	if errors.As(err, &jobErr) {
		return jobErr.Severity == SeverityFatal
	}
	return true
}

// KindOf returns the kind of err, or "" when err is not a JobError.
func KindOf(err error) ErrorKind {
	var jobErr *JobError
	if errors.As(err, &jobErr) {
		return jobErr.Kind
	}
	return ""
}

// ExitCodeFor maps a fatal error to the most specific exit code.
func ExitCodeFor(err error) ExitCode {
	switch KindOf(err) {
	case KindConfiguration:
		return ExitConfigError
	case KindArchiver:
		return ExitArchiveError
	case KindDiskSpace:
		return ExitDiskSpaceError
	case KindLock:
		return ExitLockError
	case KindCredential:
		return ExitCredentialError
	default:
		return ExitGenericError
	}
}
