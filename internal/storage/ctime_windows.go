//go:build windows

package storage

import (
	"os"
	"syscall"
	"time"
)

// CreationTime returns the NTFS creation time of path.
func CreationTime(_ string, info os.FileInfo) time.Time {
	if data, ok := info.Sys().(*syscall.Win32FileAttributeData); ok {
		return time.Unix(0, data.CreationTime.Nanoseconds())
	}
	return info.ModTime()
}
