package snapshot

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/tis24dev/jobsave/internal/logging"
	"github.com/tis24dev/jobsave/internal/process"
	"github.com/tis24dev/jobsave/internal/types"
)

// ErrPollTimeout is wrapped when not every volume appeared in the inventory
// before the poll timeout.
var ErrPollTimeout = errors.New("timed out waiting for snapshots")

// Options tunes one snapshot session.
type Options struct {
	ToolPath     string
	Context      string
	MetadataDir  string
	ScriptDir    string // defaults to os.TempDir()
	PollTimeout  time.Duration
	PollInterval time.Duration
	Priority     types.ProcessPriority
}

// Coordinator drives the snapshot tool and the inventory poll.
type Coordinator struct {
	logger    *logging.Logger
	runner    process.Runner
	inventory Inventory
	claims    ClaimRegistry

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
	newID func() string
}

// NewCoordinator builds a Coordinator. A nil claims registry is replaced by
// an in-process one.
func NewCoordinator(logger *logging.Logger, runner process.Runner, inventory Inventory, claims ClaimRegistry) *Coordinator {
	if claims == nil {
		claims = NewMemoryClaims()
	}
	return &Coordinator{
		logger:    logger,
		runner:    runner,
		inventory: inventory,
		claims:    claims,
		now:       time.Now,
		sleep:     sleepContext,
		newID:     uuid.NewString,
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Begin snapshots the volumes of sources. The returned session is never nil
// and must always be passed to Release, including when an error is returned.
// Errors are recoverable snapshot errors: the caller may continue with the
// original paths.
func (c *Coordinator) Begin(ctx context.Context, sources []string, opts Options) (sess *Session, err error) {
	sess = newSession(c.newID(), sources, c.now())
	done := logging.DebugStart(c.logger, "snapshot begin", "session=%s volumes=%v", sess.ID, sess.Volumes)
	defer func() { done(err) }()

	fail := func(op string, cause error) (*Session, error) {
		sess.State = StateFailed
		return sess, types.Recoverable(types.KindSnapshot, op, cause)
	}

	if len(sess.Volumes) == 0 {
		return fail("volumes", fmt.Errorf("no source path carries a volume prefix"))
	}

	sess.State = StateRequested
	metadataDir := opts.MetadataDir
	if metadataDir == "" {
		metadataDir = scriptDir(opts)
	}
	script, err := c.writeScript(sess, opts, "create", CreateScript(opts.Context, metadataDir, sess.ID, sess.Volumes))
	if err != nil {
		return fail("create script", err)
	}

	c.logger.Info("Requesting snapshots for %s (session %s)", strings.Join(sess.Volumes, ", "), sess.ID)
	res, err := c.runner.Run(ctx, process.Command{
		Path:     opts.ToolPath,
		Args:     []string{"/s", script},
		Priority: opts.Priority,
	})
	if err != nil {
		return fail("create", err)
	}
	if res.ExitCode != 0 {
		c.logger.Lines(types.LogLevelWarning, "snapshot", res.Stderr)
		return fail("create", fmt.Errorf("%s exited with code %d", opts.ToolPath, res.ExitCode))
	}
	sess.State = StateCreated

	if err := c.poll(ctx, sess, opts); err != nil {
		return fail("poll", err)
	}

	for _, src := range sources {
		volume := VolumeOf(src)
		device, ok := sess.DevicePaths[volume]
		if !ok {
			c.logger.Warning("No snapshot for %s, archiving it from the live volume", src)
			continue
		}
		sess.PathMap[src] = Substitute(src, device)
	}
	sess.State = StateMapped
	c.logger.Info("Snapshots ready for %s", strings.Join(sess.Volumes, ", "))
	return sess, nil
}

// poll waits until every volume of sess has an unclaimed snapshot created no
// earlier than the session start.
func (c *Coordinator) poll(ctx context.Context, sess *Session, opts Options) error {
	sess.State = StatePolling
	deadline := c.now().Add(opts.PollTimeout)
	for {
		entries, err := c.inventory.List(ctx)
		if err != nil {
			c.logger.Warning("Snapshot inventory failed: %v", err)
		}
		for _, e := range entries {
			if _, have := sess.SnapshotIDs[e.Volume]; have || !sess.wants(e.Volume) {
				continue
			}
			if e.Created.Before(sess.CreatedAt) {
				continue
			}
			ok, err := c.claims.Claim(ctx, sess.ID, e.ID)
			if err != nil {
				c.logger.Warning("Cannot claim snapshot %s: %v", e.ID, err)
				continue
			}
			if !ok {
				continue
			}
			sess.SnapshotIDs[e.Volume] = e.ID
			sess.DevicePaths[e.Volume] = e.DevicePath
			c.logger.Debug("Snapshot %s found for %s at %s", e.ID, e.Volume, e.DevicePath)
		}
		if len(sess.SnapshotIDs) == len(sess.Volumes) {
			return nil
		}
		if !c.now().Before(deadline) {
			return fmt.Errorf("%w after %s (%d of %d volumes)", ErrPollTimeout, opts.PollTimeout, len(sess.SnapshotIDs), len(sess.Volumes))
		}
		if err := c.sleep(ctx, opts.PollInterval); err != nil {
			return err
		}
	}
}

func (s *Session) wants(volume string) bool {
	for _, v := range s.Volumes {
		if v == volume {
			return true
		}
	}
	return false
}

// Release deletes every snapshot discovered for sess, whatever its state,
// drops its claims and removes its generated scripts. Tool failures are
// logged, not returned. Releasing a released or nil session does nothing.
func (c *Coordinator) Release(ctx context.Context, sess *Session, opts Options) error {
	if sess == nil || sess.State == StateReleased {
		return nil
	}
	defer c.removeScripts(sess)

	var firstErr error
	if ids := sess.snapshotIDs(); len(ids) > 0 {
		c.logger.Info("Releasing %d snapshot(s) of session %s", len(ids), sess.ID)
		script, err := c.writeScript(sess, opts, "release", ReleaseScript(ids))
		if err != nil {
			firstErr = types.Recoverable(types.KindSnapshot, "release script", err)
		} else {
			res, err := c.runner.Run(context.WithoutCancel(ctx), process.Command{
				Path:     opts.ToolPath,
				Args:     []string{"/s", script},
				Priority: opts.Priority,
			})
			switch {
			case err != nil:
				c.logger.Warning("Snapshot release failed: %v", err)
			case res.ExitCode != 0:
				c.logger.Warning("Snapshot release exited with code %d", res.ExitCode)
				c.logger.Lines(types.LogLevelWarning, "snapshot", res.Stderr)
			}
		}
	}
	if err := c.claims.ReleaseClaims(context.WithoutCancel(ctx), sess.ID); err != nil {
		c.logger.Warning("Cannot release snapshot claims of session %s: %v", sess.ID, err)
	}
	sess.State = StateReleased
	return firstErr
}

func scriptDir(opts Options) string {
	if opts.ScriptDir != "" {
		return opts.ScriptDir
	}
	return os.TempDir()
}

func (c *Coordinator) writeScript(sess *Session, opts Options, kind, content string) (string, error) {
	f, err := os.CreateTemp(scriptDir(opts), scriptPattern(sess.ID, kind))
	if err != nil {
		return "", err
	}
	sess.scripts = append(sess.scripts, f.Name())
	if _, err := f.WriteString(content); err != nil {
		f.Close()
		return "", err
	}
	if err := f.Close(); err != nil {
		return "", err
	}
	c.logger.Debug("Wrote %s script %s", kind, f.Name())
	return f.Name(), nil
}

func (c *Coordinator) removeScripts(sess *Session) {
	for _, path := range sess.scripts {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			c.logger.Warning("Cannot remove snapshot script %s: %v", path, err)
		}
	}
	sess.scripts = nil
}
