//go:build !windows

package storage

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/tis24dev/jobsave/pkg/utils"
)

// FreedesktopTrash implements the freedesktop.org trash specification for
// the home trash directory.
type FreedesktopTrash struct {
	Dir string // $XDG_DATA_HOME/Trash
	now func() time.Time
}

// SystemTrash returns the home trash of the current user, or nil when no
// home directory is known.
func SystemTrash() Trash {
	dataHome := os.Getenv("XDG_DATA_HOME")
	if dataHome == "" {
		home, err := os.UserHomeDir()
		if err != nil || home == "" {
			return nil
		}
		dataHome = filepath.Join(home, ".local", "share")
	}
	return &FreedesktopTrash{Dir: filepath.Join(dataHome, "Trash"), now: time.Now}
}

// Available reports whether the trash directories exist or can be created.
func (t *FreedesktopTrash) Available() bool {
	if t == nil || t.Dir == "" {
		return false
	}
	for _, sub := range []string{"files", "info"} {
		if err := utils.EnsureDir(filepath.Join(t.Dir, sub), 0o700); err != nil {
			return false
		}
	}
	return true
}

// Put moves path into the trash and writes its .trashinfo record. It fails
// when path lives on another filesystem than the trash.
func (t *FreedesktopTrash) Put(path string) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	name, info, err := t.reserve(filepath.Base(abs))
	if err != nil {
		return err
	}
	now := time.Now
	if t.now != nil {
		now = t.now
	}
	record := fmt.Sprintf("[Trash Info]\nPath=%s\nDeletionDate=%s\n",
		escapeTrashPath(abs), now().Format("2006-01-02T15:04:05"))
	if _, err := info.WriteString(record); err != nil {
		info.Close()
		os.Remove(info.Name())
		return err
	}
	if err := info.Close(); err != nil {
		os.Remove(info.Name())
		return err
	}
	if err := os.Rename(abs, filepath.Join(t.Dir, "files", name)); err != nil {
		os.Remove(info.Name())
		return err
	}
	return nil
}

// reserve atomically creates a unique .trashinfo file for base.
func (t *FreedesktopTrash) reserve(base string) (string, *os.File, error) {
	ext := filepath.Ext(base)
	stem := strings.TrimSuffix(base, ext)
	for i := 0; i < 1000; i++ {
		name := base
		if i > 0 {
			name = stem + "." + strconv.Itoa(i) + ext
		}
		f, err := os.OpenFile(filepath.Join(t.Dir, "info", name+".trashinfo"), os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
		if err == nil {
			return name, f, nil
		}
		if !os.IsExist(err) {
			return "", nil, err
		}
	}
	return "", nil, fmt.Errorf("no free trash name for %s", base)
}

func escapeTrashPath(p string) string {
	parts := strings.Split(p, "/")
	for i, part := range parts {
		parts[i] = url.PathEscape(part)
	}
	return strings.Join(parts, "/")
}
