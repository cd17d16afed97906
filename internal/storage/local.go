package storage

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/tis24dev/jobsave/internal/logging"
	"github.com/tis24dev/jobsave/pkg/utils"
)

// LocalTarget copies archives into a directory, typically a network mount.
type LocalTarget struct {
	logger   *logging.Logger
	basePath string
}

// NewLocalTarget creates a target rooted at basePath.
func NewLocalTarget(logger *logging.Logger, basePath string) *LocalTarget {
	return &LocalTarget{logger: logger, basePath: basePath}
}

func (l *LocalTarget) Type() string { return "local" }

func (l *LocalTarget) Close() error { return nil }

// Upload copies localPath into the base directory through a temporary file
// that is renamed into place once complete.
func (l *LocalTarget) Upload(ctx context.Context, localPath string) (string, error) {
	dest := filepath.Join(l.basePath, filepath.Base(localPath))
	if err := copyFile(ctx, l.logger, localPath, dest); err != nil {
		return "", err
	}
	return dest, nil
}

func (l *LocalTarget) List(ctx context.Context) ([]RemoteFile, error) {
	entries, err := os.ReadDir(l.basePath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var files []RemoteFile
	for _, entry := range entries {
		if !entry.Type().IsRegular() {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		files = append(files, RemoteFile{Name: entry.Name(), Size: info.Size(), Modified: info.ModTime()})
	}
	return files, nil
}

func (l *LocalTarget) Delete(_ context.Context, name string) error {
	return os.Remove(filepath.Join(l.basePath, filepath.Base(name)))
}

func copyFile(ctx context.Context, logger *logging.Logger, src, dest string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	sourceInfo, err := os.Stat(src)
	if err != nil {
		return fmt.Errorf("failed to stat source file %s: %w", src, err)
	}

	destDir := filepath.Dir(dest)
	if err := os.MkdirAll(destDir, 0o700); err != nil {
		return fmt.Errorf("failed to create destination directory %s: %w", destDir, err)
	}
	tempFile, err := os.CreateTemp(destDir, fmt.Sprintf(".tmp-%s-", filepath.Base(dest)))
	if err != nil {
		return fmt.Errorf("failed to create temporary file in %s: %w", destDir, err)
	}
	tempName := tempFile.Name()
	defer func() {
		tempFile.Close()
		if tempName != "" {
			os.Remove(tempName)
		}
	}()

	sourceFile, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("failed to open source file %s: %w", src, err)
	}
	defer sourceFile.Close()

	start := time.Now()
	written, err := io.CopyBuffer(tempFile, &ctxReader{ctx: ctx, r: sourceFile}, make([]byte, 1024*1024))
	if err != nil {
		return fmt.Errorf("copy to %s: %w", dest, err)
	}
	if err := tempFile.Sync(); err != nil {
		return fmt.Errorf("failed to sync temporary file %s: %w", tempName, err)
	}
	if err := tempFile.Close(); err != nil {
		return fmt.Errorf("failed to close temporary file %s: %w", tempName, err)
	}
	if err := os.Chtimes(tempName, sourceInfo.ModTime(), sourceInfo.ModTime()); err != nil {
		logger.Debug("Unable to mirror timestamps on %s: %v", tempName, err)
	}
	if err := os.Rename(tempName, dest); err != nil {
		return fmt.Errorf("failed to finalize copy to %s: %w", dest, err)
	}
	tempName = ""

	logger.Debug("Copied %s (%s) to %s in %s", filepath.Base(src), utils.FormatBytes(written), dest,
		time.Since(start).Truncate(time.Millisecond))
	return nil
}

// ctxReader stops a copy when its context is cancelled.
type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
