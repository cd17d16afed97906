package types

import (
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

// JobStatus is the terminal status of a job run.
type JobStatus string

const (
	// StatusSuccess - archive created (and verified when requested) without issues
	StatusSuccess JobStatus = "SUCCESS"

	// StatusWarnings - job completed but something was degraded
	StatusWarnings JobStatus = "WARNINGS"

	// StatusFailure - job aborted or the archive could not be produced
	StatusFailure JobStatus = "FAILURE"
)

// String returns the string representation of the status.
func (s JobStatus) String() string {
	return string(s)
}

// Label returns the title-cased status ("Success", "Warnings", "Failure")
// passed to hook scripts and printed in summaries.
func (s JobStatus) Label() string {
	return cases.Title(language.English).String(strings.ToLower(string(s)))
}

// Severity orders statuses so that the worst one can be selected.
func (s JobStatus) Severity() int {
	switch s {
	case StatusSuccess:
		return 0
	case StatusWarnings:
		return 1
	default:
		return 2
	}
}

// Worse returns the more severe of s and other.
func (s JobStatus) Worse(other JobStatus) JobStatus {
	if other.Severity() > s.Severity() {
		return other
	}
	return s
}

// ExitCode maps a job status to the process exit code.
func (s JobStatus) ExitCode() ExitCode {
	switch s {
	case StatusSuccess:
		return ExitSuccess
	case StatusWarnings:
		return ExitWarnings
	default:
		return ExitGenericError
	}
}

// ProcessPriority is the scheduling class requested for child processes.
type ProcessPriority string

const (
	PriorityIdle        ProcessPriority = "idle"
	PriorityBelowNormal ProcessPriority = "below_normal"
	PriorityNormal      ProcessPriority = "normal"
	PriorityAboveNormal ProcessPriority = "above_normal"
	PriorityHigh        ProcessPriority = "high"
)

// ParseProcessPriority accepts the snake_case names as well as the Windows
// class names ("BelowNormal", "AboveNormal").
func ParseProcessPriority(s string) (ProcessPriority, bool) {
	normalized := strings.ToLower(strings.TrimSpace(s))
	normalized = strings.ReplaceAll(normalized, "-", "_")
	switch normalized {
	case "idle", "low":
		return PriorityIdle, true
	case "below_normal", "belownormal":
		return PriorityBelowNormal, true
	case "", "normal":
		return PriorityNormal, true
	case "above_normal", "abovenormal":
		return PriorityAboveNormal, true
	case "high":
		return PriorityHigh, true
	default:
		return PriorityNormal, false
	}
}

// String returns the string representation of the priority.
func (p ProcessPriority) String() string {
	return string(p)
}

// LogLevel represents the logging level.
type LogLevel int

const (
	// LogLevelDebug - Debug logs (maximum detail)
	LogLevelDebug LogLevel = 5

	// LogLevelInfo - General information
	LogLevelInfo LogLevel = 4

	// LogLevelWarning - Warnings
	LogLevelWarning LogLevel = 3

	// LogLevelError - Errors
	LogLevelError LogLevel = 2

	// LogLevelCritical - Critical errors
	LogLevelCritical LogLevel = 1

	// LogLevelNone - No logs
	LogLevelNone LogLevel = 0
)

// String returns the string representation of the log level.
func (l LogLevel) String() string {
	switch l {
	case LogLevelDebug:
		return "DEBUG"
	case LogLevelInfo:
		return "INFO"
	case LogLevelWarning:
		return "WARNING"
	case LogLevelError:
		return "ERROR"
	case LogLevelCritical:
		return "CRITICAL"
	case LogLevelNone:
		return "NONE"
	default:
		return "UNKNOWN"
	}
}

// ParseLogLevel converts a textual level (debug|info|warning|error|critical|none).
func ParseLogLevel(s string) (LogLevel, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return LogLevelDebug, true
	case "info", "":
		return LogLevelInfo, true
	case "warning", "warn":
		return LogLevelWarning, true
	case "error":
		return LogLevelError, true
	case "critical":
		return LogLevelCritical, true
	case "none":
		return LogLevelNone, true
	default:
		return LogLevelInfo, false
	}
}
