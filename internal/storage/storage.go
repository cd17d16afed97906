// Package storage prunes old archives from the destination directory and
// ships finished archives to backup targets (local directory, SFTP, S3).
package storage

import (
	"strings"
	"time"
)

// Candidate is an archive matched by a retention pattern.
type Candidate struct {
	Path    string
	Created time.Time
	Pattern string
}

// RetentionReport summarizes one retention run.
type RetentionReport struct {
	Pattern    string
	Matched    int
	Kept       int
	Candidates []Candidate
	Deleted    []string // permanently removed
	Recycled   []string // moved to the recycle bin
	Errors     []error  // per-candidate recoverable failures
	DryRun     bool
}

// Removed returns the number of candidates that no longer exist in the
// destination directory.
func (r RetentionReport) Removed() int {
	return len(r.Deleted) + len(r.Recycled)
}

// matchesArchive reports whether name starts with the literal base name and
// ends with the extension. Glob matching is avoided because archive names
// carry '[' and ']'.
func matchesArchive(name, baseName, extension string) bool {
	if len(name) < len(baseName)+len(extension) {
		return false
	}
	return strings.HasPrefix(name, baseName) && strings.HasSuffix(strings.ToLower(name), strings.ToLower(extension))
}

// expiredCount returns how many of matched archives must go to keep
// keep-1 of them, leaving room for the archive about to be created.
func expiredCount(matched, keep int) int {
	if keep <= 0 {
		return 0
	}
	n := matched - (keep - 1)
	if n < 0 {
		return 0
	}
	return n
}
