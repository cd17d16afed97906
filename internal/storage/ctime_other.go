//go:build !linux && !windows

package storage

import (
	"os"
	"time"
)

// CreationTime falls back to the modification time.
func CreationTime(_ string, info os.FileInfo) time.Time {
	return info.ModTime()
}
