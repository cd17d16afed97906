package utils

import (
	"fmt"
	"os"
	"path/filepath"
)

// AppName names the per-user application directory.
const AppName = "jobsave"

// AppDataDir returns <user config dir>/jobsave joined with elem. Without a
// user config directory it falls back to ./data, never to the shared temp
// directory.
func AppDataDir(elem ...string) string {
	base := filepath.Join("data", AppName)
	if dir, err := os.UserConfigDir(); err == nil && dir != "" {
		base = filepath.Join(dir, AppName)
	}
	return filepath.Join(append([]string{base}, elem...)...)
}

// FileExists checks whether a regular file exists.
func FileExists(path string) bool {
	info, err := os.Stat(path)
	if err != nil {
		return false
	}
	return !info.IsDir()
}

// DirExists checks whether a directory exists.
func DirExists(path string) bool {
	info, err := os.Stat(path)
	if err != nil {
		return false
	}
	return info.IsDir()
}

// EnsureDir creates a directory (and its parents) with perm if it doesn't
// exist.
func EnsureDir(path string, perm os.FileMode) error {
	if DirExists(path) {
		return nil
	}
	if err := os.MkdirAll(path, perm); err != nil {
		return fmt.Errorf("cannot create directory %s: %w", path, err)
	}
	return nil
}

// GetFileSize returns the file size in bytes.
func GetFileSize(filePath string) (int64, error) {
	info, err := os.Stat(filePath)
	if err != nil {
		return 0, fmt.Errorf("cannot stat file: %w", err)
	}
	return info.Size(), nil
}
