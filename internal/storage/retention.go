package storage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/tis24dev/jobsave/internal/logging"
	"github.com/tis24dev/jobsave/internal/safefs"
	"github.com/tis24dev/jobsave/internal/types"
)

// Enforcer deletes the oldest archives of a job before a new one is created.
type Enforcer struct {
	logger *logging.Logger
	dryRun bool
	trash  Trash

	// scanTimeout bounds the directory listing of network destinations.
	scanTimeout  time.Duration
	creationTime func(path string, info os.FileInfo) time.Time
	remove       func(path string) error
}

// NewEnforcer creates an Enforcer using the platform recycle bin and
// creation-time lookup.
func NewEnforcer(logger *logging.Logger, dryRun bool) *Enforcer {
	return &Enforcer{
		logger:       logger,
		dryRun:       dryRun,
		trash:        SystemTrash(),
		scanTimeout:  safefs.DefaultTimeout,
		creationTime: CreationTime,
		remove:       os.Remove,
	}
}

// WithCreationTime replaces the creation-time lookup used to order archives.
// A nil fn keeps the platform lookup.
func (e *Enforcer) WithCreationTime(fn func(path string, info os.FileInfo) time.Time) *Enforcer {
	if fn != nil {
		e.creationTime = fn
	}
	return e
}

// List returns the archives in dir matching baseName*extension, newest first.
func (e *Enforcer) List(ctx context.Context, dir, baseName, extension string) ([]Candidate, error) {
	entries, err := safefs.ReadDir(ctx, dir, e.scanTimeout)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	pattern := baseName + "*" + extension
	var out []Candidate
	for _, entry := range entries {
		if !entry.Type().IsRegular() || !matchesArchive(entry.Name(), baseName, extension) {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		out = append(out, Candidate{Path: path, Created: e.creationTime(path, info), Pattern: pattern})
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Created.Equal(out[j].Created) {
			return out[i].Path > out[j].Path
		}
		return out[i].Created.After(out[j].Created)
	})
	return out, nil
}

// Enforce keeps the newest keep-1 archives of the pattern and deletes the
// rest. keep <= 0 disables retention. Per-file failures are recorded in the
// report and do not stop the run; the returned error is set only when the
// directory cannot be listed.
func (e *Enforcer) Enforce(ctx context.Context, dir, baseName, extension string, keep int, useRecycleBin bool) (report RetentionReport, err error) {
	done := logging.DebugStart(e.logger, "retention", "dir=%s pattern=%s*%s keep=%d", dir, baseName, extension, keep)
	defer func() { done(err) }()

	report.Pattern = baseName + "*" + extension
	report.DryRun = e.dryRun
	if keep <= 0 {
		e.logger.Skip("Retention disabled (retention count %d)", keep)
		return report, nil
	}

	archives, err := e.List(ctx, dir, baseName, extension)
	if err != nil {
		return report, types.Recoverable(types.KindRetention, "list", fmt.Errorf("%s: %w", dir, err))
	}
	report.Matched = len(archives)
	toDelete := expiredCount(len(archives), keep)
	report.Kept = len(archives) - toDelete
	if toDelete == 0 {
		e.logger.Debug("Retention: %d archive(s) match %s, limit %d, nothing to delete", len(archives), report.Pattern, keep)
		return report, nil
	}
	report.Candidates = archives[len(archives)-toDelete:]

	recycle := useRecycleBin && e.trash != nil && e.trash.Available()
	if useRecycleBin && !recycle {
		e.logger.Warning("Recycle bin not available, old archives will be deleted permanently")
	}
	e.logger.Info("Retention: %d archive(s) match %s, keeping %d, removing %d oldest",
		len(archives), report.Pattern, report.Kept, toDelete)

	// oldest first
	for i := len(report.Candidates) - 1; i >= 0; i-- {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		c := report.Candidates[i]
		if e.dryRun {
			e.logger.Info("[DRY RUN] Would remove %s (created %s)", filepath.Base(c.Path), c.Created.Format("2006-01-02 15:04:05"))
			continue
		}
		if recycle {
			err := e.trash.Put(c.Path)
			if err == nil {
				e.logger.Debug("Moved %s to the recycle bin", filepath.Base(c.Path))
				report.Recycled = append(report.Recycled, c.Path)
				continue
			}
			e.logger.Warning("Cannot move %s to the recycle bin (%v), deleting it", filepath.Base(c.Path), err)
		}
		if err := e.remove(c.Path); err != nil {
			e.logger.Warning("Failed to delete %s: %v", c.Path, err)
			report.Errors = append(report.Errors, types.Recoverable(types.KindRetention, "delete", err))
			continue
		}
		e.logger.Debug("Deleted old archive %s (created %s)", filepath.Base(c.Path), c.Created.Format("2006-01-02 15:04:05"))
		report.Deleted = append(report.Deleted, c.Path)
	}
	return report, nil
}
