package storage

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"time"

	"github.com/tis24dev/jobsave/internal/config"
	"github.com/tis24dev/jobsave/internal/logging"
	"github.com/tis24dev/jobsave/internal/types"
	"github.com/tis24dev/jobsave/pkg/utils"
)

// RemoteFile is an object stored on a backup target.
type RemoteFile struct {
	Name     string
	Size     int64
	Modified time.Time
}

// Target is a destination that receives copies of finished archives.
type Target interface {
	Type() string
	// Upload copies the local file and returns its remote location.
	Upload(ctx context.Context, localPath string) (string, error)
	List(ctx context.Context) ([]RemoteFile, error)
	Delete(ctx context.Context, name string) error
	Close() error
}

// OpenTarget connects to the target described by def.
func OpenTarget(ctx context.Context, logger *logging.Logger, def config.TargetDefinition) (Target, error) {
	switch def.Type {
	case config.TargetLocal:
		return NewLocalTarget(logger, def.Path), nil
	case config.TargetSFTP:
		return NewSFTPTarget(ctx, logger, def)
	case config.TargetS3:
		return NewS3Target(logger, def)
	default:
		return nil, fmt.Errorf("unsupported target type %q", def.Type)
	}
}

// TransferResult is the outcome of shipping one archive to one target.
type TransferResult struct {
	Target   string
	Type     string
	Remote   string
	Bytes    int64
	Duration time.Duration
	Pruned   int
	Err      error
}

// Shipper copies archives to every target of a job.
type Shipper struct {
	logger *logging.Logger
	dryRun bool
	open   func(ctx context.Context, logger *logging.Logger, def config.TargetDefinition) (Target, error)
}

// NewShipper creates a Shipper.
func NewShipper(logger *logging.Logger, dryRun bool) *Shipper {
	return &Shipper{logger: logger, dryRun: dryRun, open: OpenTarget}
}

// Ship uploads archivePath to each target in order. A failing target never
// stops the others; each result carries its own recoverable error. When a
// target sets a retention count, older archives of the same pattern are
// pruned after a successful upload.
func (s *Shipper) Ship(ctx context.Context, targets []config.ResolvedTarget, archivePath, baseName, extension string) []TransferResult {
	results := make([]TransferResult, 0, len(targets))
	for _, t := range targets {
		if err := ctx.Err(); err != nil {
			results = append(results, TransferResult{Target: t.Name, Type: t.Definition.Type,
				Err: types.Recoverable(types.KindTarget, t.Name, err)})
			continue
		}
		results = append(results, s.shipOne(ctx, t, archivePath, baseName, extension))
	}
	return results
}

func (s *Shipper) shipOne(ctx context.Context, t config.ResolvedTarget, archivePath, baseName, extension string) (res TransferResult) {
	res = TransferResult{Target: t.Name, Type: t.Definition.Type}
	size, _ := utils.GetFileSize(archivePath)
	if s.dryRun {
		s.logger.Info("[DRY RUN] Would upload %s (%s) to %s target %q",
			filepath.Base(archivePath), utils.FormatBytes(size), t.Definition.Type, t.Name)
		return res
	}

	fail := func(op string, err error) TransferResult {
		s.logger.Warning("Target %s: %s failed: %v", t.Name, op, err)
		res.Err = types.Recoverable(types.KindTarget, t.Name+" "+op, err)
		return res
	}

	target, err := s.open(ctx, s.logger, t.Definition)
	if err != nil {
		return fail("connect", err)
	}
	defer target.Close()

	start := time.Now()
	remote, err := target.Upload(ctx, archivePath)
	if err != nil {
		return fail("upload", err)
	}
	res.Remote = remote
	res.Bytes = size
	res.Duration = time.Since(start)
	s.logger.Info("Uploaded %s to %s (%s in %s)", filepath.Base(archivePath), remote,
		utils.FormatBytes(size), res.Duration.Truncate(time.Millisecond))

	if keep := t.Definition.RetentionCount; keep > 0 {
		pruned, err := pruneRemote(ctx, target, baseName, extension, keep)
		res.Pruned = pruned
		if err != nil {
			return fail("retention", err)
		}
		if pruned > 0 {
			s.logger.Info("Target %s: removed %d old archive(s)", t.Name, pruned)
		}
	}
	return res
}

// pruneRemote keeps the newest keep archives of the pattern on target. The
// just-uploaded archive counts towards keep.
func pruneRemote(ctx context.Context, target Target, baseName, extension string, keep int) (int, error) {
	files, err := target.List(ctx)
	if err != nil {
		return 0, err
	}
	var matched []RemoteFile
	for _, f := range files {
		if matchesArchive(f.Name, baseName, extension) {
			matched = append(matched, f)
		}
	}
	sort.SliceStable(matched, func(i, j int) bool {
		if matched[i].Modified.Equal(matched[j].Modified) {
			return matched[i].Name > matched[j].Name
		}
		return matched[i].Modified.After(matched[j].Modified)
	})
	if len(matched) <= keep {
		return 0, nil
	}
	pruned := 0
	var firstErr error
	for _, f := range matched[keep:] {
		if err := target.Delete(ctx, f.Name); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		pruned++
	}
	return pruned, firstErr
}
