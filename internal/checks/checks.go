// Package checks runs the pre-flight checks of a job: destination directory,
// free space and the per-pattern lock file.
package checks

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/tis24dev/jobsave/internal/logging"
	"github.com/tis24dev/jobsave/internal/safefs"
	"github.com/tis24dev/jobsave/internal/types"
)

var (
	osStat     = os.Stat
	osRemove   = os.Remove
	osOpenFile = os.OpenFile
	osMkdirAll = os.MkdirAll
	syncFile   = func(f *os.File) error { return f.Sync() }

	// statDestination bounds the destination stat so an unreachable share
	// fails the check instead of hanging the run.
	statDestination = safefs.Stat

	// diskFreeBytes is replaced in tests.
	diskFreeBytes = freeBytes
)

// DefaultMaxLockAge is the age after which a lock file is considered stale.
const DefaultMaxLockAge = 12 * time.Hour

// Checker performs pre-job validation checks.
type Checker struct {
	logger *logging.Logger
	config *CheckerConfig
	locked bool
}

// CheckerConfig holds the inputs of the checks.
type CheckerConfig struct {
	DestinationDir string
	ArchiveName    string // base name; the lock guards <destination>/<base>*
	MinFreeSpaceGB float64
	ExitOnLowSpace bool
	LockFilePath   string // derived from ArchiveName when empty
	MaxLockAge     time.Duration
	StatTimeout    time.Duration // destination stat; defaults to safefs.DefaultTimeout
	DryRun         bool
}

// Validate fills defaults and rejects unusable values.
func (c *CheckerConfig) Validate() error {
	if c.DestinationDir == "" {
		return fmt.Errorf("destination directory cannot be empty")
	}
	if c.MinFreeSpaceGB < 0 {
		return fmt.Errorf("minimum free space cannot be negative")
	}
	if c.MaxLockAge <= 0 {
		c.MaxLockAge = DefaultMaxLockAge
	}
	if c.StatTimeout <= 0 {
		c.StatTimeout = safefs.DefaultTimeout
	}
	if c.LockFilePath == "" {
		c.LockFilePath = LockFilePath(c.DestinationDir, c.ArchiveName)
	}
	return nil
}

// LockFilePath returns the lock file guarding archives named base in dir.
func LockFilePath(dir, base string) string {
	return filepath.Join(dir, ".jobsave-"+lockName(base)+".lock")
}

func lockName(base string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(base) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	if b.Len() == 0 {
		return "job"
	}
	return b.String()
}

// CheckResult holds the result of a validation check.
type CheckResult struct {
	Name    string
	Passed  bool
	Warning bool // passed, but with a condition worth reporting
	Message string
	Error   error
}

// NewChecker creates a checker.
func NewChecker(logger *logging.Logger, config *CheckerConfig) *Checker {
	return &Checker{logger: logger, config: config}
}

// RunAllChecks runs the directory, disk space and lock checks in that order
// and stops at the first failure. The error is a fatal types.JobError.
func (c *Checker) RunAllChecks(ctx context.Context) ([]CheckResult, error) {
	if err := c.config.Validate(); err != nil {
		return nil, types.Fatal(types.KindConfiguration, "checks", err)
	}
	c.logger.Debug("Running pre-flight checks for %s", c.config.DestinationDir)

	var results []CheckResult
	steps := []struct {
		kind types.ErrorKind
		run  func() CheckResult
	}{
		{types.KindConfiguration, func() CheckResult { return c.CheckDestination(ctx) }},
		{types.KindDiskSpace, c.CheckDiskSpace},
		{types.KindLock, c.CheckLockFile},
	}
	for _, step := range steps {
		if err := ctx.Err(); err != nil {
			return results, err
		}
		res := step.run()
		results = append(results, res)
		if !res.Passed {
			cause := res.Error
			if cause == nil {
				cause = fmt.Errorf("%s", res.Message)
			}
			return results, types.Fatal(step.kind, strings.ToLower(res.Name), cause)
		}
	}
	c.logger.Debug("All pre-flight checks passed")
	return results, nil
}

// CheckDestination makes sure the destination directory exists. The stat is
// bounded by StatTimeout.
func (c *Checker) CheckDestination(ctx context.Context) CheckResult {
	result := CheckResult{Name: "Destination"}
	dir := c.config.DestinationDir
	info, err := statDestination(ctx, dir, c.config.StatTimeout)
	switch {
	case err == nil && !info.IsDir():
		result.Message = fmt.Sprintf("%s is not a directory", dir)
		return result
	case err == nil:
	case os.IsNotExist(err) && c.config.DryRun:
		c.logger.Info("[DRY RUN] Would create destination directory %s", dir)
	case os.IsNotExist(err):
		if err := osMkdirAll(dir, 0o755); err != nil {
			result.Error = fmt.Errorf("cannot create destination directory: %w", err)
			result.Message = result.Error.Error()
			return result
		}
		c.logger.Info("Created destination directory %s", dir)
	default:
		result.Error = fmt.Errorf("cannot access destination directory: %w", err)
		result.Message = result.Error.Error()
		return result
	}
	result.Passed = true
	result.Message = "Destination directory ready"
	return result
}

// CheckDiskSpace compares the free space of the destination with the
// configured minimum. Low space fails the check only with ExitOnLowSpace.
func (c *Checker) CheckDiskSpace() CheckResult {
	result := CheckResult{Name: "Disk Space"}
	if c.config.MinFreeSpaceGB <= 0 {
		result.Passed = true
		result.Message = "No free space threshold configured"
		return result
	}

	path := c.config.DestinationDir
	if _, err := osStat(path); err != nil {
		// dry run without a destination yet
		path = filepath.Dir(path)
	}
	free, err := diskFreeBytes(path)
	if err != nil {
		result.Passed = true
		result.Warning = true
		result.Message = fmt.Sprintf("Cannot determine free space on %s: %v", path, err)
		c.logger.Warning("%s", result.Message)
		return result
	}
	availableGB := float64(free) / (1024 * 1024 * 1024)
	c.logger.Debug("Free space on %s: %.2f GB, required %.2f GB", path, availableGB, c.config.MinFreeSpaceGB)
	if availableGB >= c.config.MinFreeSpaceGB {
		result.Passed = true
		result.Message = fmt.Sprintf("%.2f GB free", availableGB)
		return result
	}

	msg := fmt.Sprintf("Low disk space on %s: %.2f GB available, %.2f GB required", path, availableGB, c.config.MinFreeSpaceGB)
	result.Message = msg
	if c.config.ExitOnLowSpace {
		result.Error = fmt.Errorf("%s", msg)
		c.logger.Error("%s", msg)
		return result
	}
	c.logger.Warning("%s", msg)
	result.Passed = true
	result.Warning = true
	return result
}

// CheckLockFile removes a stale lock and creates a new one atomically.
func (c *Checker) CheckLockFile() CheckResult {
	result := CheckResult{Name: "Lock File"}
	lockPath := c.config.LockFilePath
	c.logger.Debug("Lock file path: %s", lockPath)

	if info, err := osStat(lockPath); err == nil {
		age := time.Since(info.ModTime())
		if age <= c.config.MaxLockAge {
			result.Message = fmt.Sprintf("Another run holds %s (lock age: %v)", lockPath, age.Truncate(time.Second))
			c.logger.Error("%s", result.Message)
			return result
		}
		c.logger.Warning("Removing stale lock file (age: %v)", age.Truncate(time.Second))
		if err := osRemove(lockPath); err != nil {
			result.Error = fmt.Errorf("failed to remove stale lock: %w", err)
			result.Message = result.Error.Error()
			return result
		}
	}

	if c.config.DryRun {
		c.logger.Info("[DRY RUN] Would create lock file: %s", lockPath)
		result.Passed = true
		result.Message = "Lock file skipped (dry run)"
		return result
	}

	f, err := osOpenFile(lockPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o640)
	if err != nil {
		if os.IsExist(err) {
			result.Message = "Another run acquired the lock"
			c.logger.Error("%s", result.Message)
			return result
		}
		result.Error = fmt.Errorf("failed to create lock file: %w", err)
		result.Message = result.Error.Error()
		return result
	}
	defer f.Close()

	hostname, _ := os.Hostname()
	content := fmt.Sprintf("pid=%d\nhost=%s\ntime=%s\n", os.Getpid(), hostname, time.Now().Format(time.RFC3339))
	if _, err := f.WriteString(content); err != nil {
		result.Error = fmt.Errorf("failed to write lock file: %w", err)
		result.Message = result.Error.Error()
		f.Close()
		osRemove(lockPath)
		return result
	}
	if err := syncFile(f); err != nil {
		c.logger.Warning("Failed to sync lock file %s: %v", lockPath, err)
	}
	c.locked = true
	result.Passed = true
	result.Message = "Lock file acquired"
	c.logger.Debug("%s", result.Message)
	return result
}

// ReleaseLock removes the lock file created by CheckLockFile. It does nothing
// when this checker does not hold the lock.
func (c *Checker) ReleaseLock() error {
	if !c.locked {
		return nil
	}
	if err := osRemove(c.config.LockFilePath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to release lock: %w", err)
	}
	c.locked = false
	c.logger.Debug("Lock file released: %s", c.config.LockFilePath)
	return nil
}
