package logging

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/tis24dev/jobsave/internal/types"
	"github.com/tis24dev/jobsave/pkg/utils"
)

// DefaultLogDir is used when the configuration does not name a log directory.
var DefaultLogDir = utils.AppDataDir("logs")

// StartSessionLogger creates a logger that mirrors its output to
// <logDir>/<flow>-<host>-<timestamp>.log. Earlier session logs of the same
// flow and host are pruned with the MaxBackups and MaxAgeDays limits of rot.
// The caller receives the logger, the log path and a cleanup function that
// must be invoked when the session ends.
func StartSessionLogger(logDir, flow string, level types.LogLevel, useColor bool, rot Rotation) (*Logger, string, func(), error) {
	if strings.TrimSpace(logDir) == "" {
		logDir = DefaultLogDir
	}
	if err := utils.EnsureDir(logDir, 0o750); err != nil {
		return nil, "", nil, fmt.Errorf("create session log directory: %w", err)
	}

	prefix := fmt.Sprintf("%s-%s-", SanitizeName(flow, "session"), detectHostname())
	logName := prefix + time.Now().Format("20060102-150405") + ".log"
	logPath := filepath.Join(logDir, logName)

	logger := New(level, useColor)
	if err := logger.OpenLogFile(logPath, rot); err != nil {
		return nil, "", nil, err
	}
	if removed, err := pruneSessionLogs(logDir, prefix, logName, rot, time.Now()); err != nil {
		logger.Warning("Cannot prune old session logs in %s: %v", logDir, err)
	} else if removed > 0 {
		logger.Debug("Removed %d old session log(s) from %s", removed, logDir)
	}

	cleanup := func() {
		_ = logger.CloseLogFile()
	}
	return logger, logPath, cleanup, nil
}

// pruneSessionLogs removes earlier logs starting with prefix (including
// their rotated and compressed backups), keeping at most rot.MaxBackups of
// them and none older than rot.MaxAgeDays. Zero limits are not applied.
func pruneSessionLogs(dir, prefix, current string, rot Rotation, now time.Time) (int, error) {
	if rot.MaxBackups <= 0 && rot.MaxAgeDays <= 0 {
		return 0, nil
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, err
	}

	type logFile struct {
		name    string
		modTime time.Time
	}
	var old []logFile
	for _, e := range entries {
		name := e.Name()
		if name == current || !e.Type().IsRegular() || !strings.HasPrefix(name, prefix) {
			continue
		}
		if !strings.HasSuffix(name, ".log") && !strings.HasSuffix(name, ".log.gz") {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		old = append(old, logFile{name: name, modTime: info.ModTime()})
	}
	sort.Slice(old, func(i, j int) bool { return old[i].modTime.After(old[j].modTime) })

	cutoff := now.Add(-time.Duration(rot.MaxAgeDays) * 24 * time.Hour)
	removed := 0
	var firstErr error
	for i, f := range old {
		expired := rot.MaxAgeDays > 0 && f.modTime.Before(cutoff)
		surplus := rot.MaxBackups > 0 && i >= rot.MaxBackups
		if !expired && !surplus {
			continue
		}
		if err := os.Remove(filepath.Join(dir, f.name)); err != nil && !os.IsNotExist(err) {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		removed++
	}
	return removed, firstErr
}

// SanitizeName lowercases name and replaces anything outside [a-z0-9] with
// single dashes. An empty result yields fallback.
func SanitizeName(name, fallback string) string {
	name = strings.ToLower(strings.TrimSpace(name))
	sanitized := strings.Map(func(r rune) rune {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			return r
		}
		return '-'
	}, name)
	for strings.Contains(sanitized, "--") {
		sanitized = strings.ReplaceAll(sanitized, "--", "-")
	}
	sanitized = strings.Trim(sanitized, "-")
	if sanitized == "" {
		return fallback
	}
	return sanitized
}

func detectHostname() string {
	host, err := os.Hostname()
	if err != nil {
		return "host"
	}
	return SanitizeName(host, "host")
}
