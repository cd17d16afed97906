// Package types defines shared application data types.
package types

// ExitCode represents the application's exit codes.
type ExitCode int

const (
	// ExitSuccess - Every job completed with SUCCESS.
	ExitSuccess ExitCode = 0

	// ExitWarnings - At least one job completed with WARNINGS, none failed.
	ExitWarnings ExitCode = 1

	// ExitGenericError - At least one job ended with FAILURE.
	ExitGenericError ExitCode = 2

	// ExitConfigError - Configuration could not be loaded or resolved.
	ExitConfigError ExitCode = 3

	// ExitArchiveError - The archiver failed after all retry attempts.
	ExitArchiveError ExitCode = 4

	// ExitDiskSpaceError - Insufficient disk space on the destination.
	ExitDiskSpaceError ExitCode = 5

	// ExitLockError - Another run holds the destination lock.
	ExitLockError ExitCode = 6

	// ExitCredentialError - The archive password could not be materialized.
	ExitCredentialError ExitCode = 7

	// ExitPanicError - Unhandled panic caught.
	ExitPanicError ExitCode = 13
)

// String returns a human-readable description of the exit code.
func (e ExitCode) String() string {
	switch e {
	case ExitSuccess:
		return "success"
	case ExitWarnings:
		return "completed with warnings"
	case ExitGenericError:
		return "generic error"
	case ExitConfigError:
		return "configuration error"
	case ExitArchiveError:
		return "archive error"
	case ExitDiskSpaceError:
		return "disk space error"
	case ExitLockError:
		return "lock error"
	case ExitCredentialError:
		return "credential error"
	case ExitPanicError:
		return "panic error"
	default:
		return "unknown error"
	}
}

// Int returns the exit code as an int.
func (e ExitCode) Int() int {
	return int(e)
}
