//go:build linux

package storage

import (
	"os"
	"time"

	"golang.org/x/sys/unix"
)

// CreationTime returns the birth time of path when the filesystem records
// one, else its modification time.
func CreationTime(path string, info os.FileInfo) time.Time {
	var stx unix.Statx_t
	err := unix.Statx(unix.AT_FDCWD, path, unix.AT_SYMLINK_NOFOLLOW, unix.STATX_BTIME, &stx)
	if err == nil && stx.Mask&unix.STATX_BTIME != 0 {
		return time.Unix(stx.Btime.Sec, int64(stx.Btime.Nsec))
	}
	return info.ModTime()
}
