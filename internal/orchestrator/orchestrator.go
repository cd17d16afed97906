// Package orchestrator sequences one job run (configuration, checks,
// snapshot, retention, archive, targets, hooks) and runs job sets.
package orchestrator

import (
	"context"
	"fmt"
	"path/filepath"
	"runtime/debug"
	"time"

	"github.com/tis24dev/jobsave/internal/archive"
	"github.com/tis24dev/jobsave/internal/checks"
	"github.com/tis24dev/jobsave/internal/config"
	"github.com/tis24dev/jobsave/internal/credentials"
	"github.com/tis24dev/jobsave/internal/hooks"
	"github.com/tis24dev/jobsave/internal/logging"
	"github.com/tis24dev/jobsave/internal/metrics"
	"github.com/tis24dev/jobsave/internal/snapshot"
	"github.com/tis24dev/jobsave/internal/storage"
	"github.com/tis24dev/jobsave/internal/types"
	"github.com/tis24dev/jobsave/pkg/utils"
)

// Orchestrator runs the jobs of one configuration file.
type Orchestrator struct {
	logger      *logging.Logger
	cfg         *config.File
	deps        Deps
	resolver    *config.Resolver
	credentials *credentials.Provider
	hooks       *hooks.Runner
}

// New creates an Orchestrator for cfg.
func New(logger *logging.Logger, cfg *config.File, deps Deps) *Orchestrator {
	deps = deps.withDefaults()
	return &Orchestrator{
		logger:      logger,
		cfg:         cfg,
		deps:        deps,
		resolver:    config.NewResolver(logger, cfg.Path),
		credentials: credentials.NewProvider(logger),
		hooks:       hooks.NewRunner(logger, deps.Runner),
	}
}

func (o *Orchestrator) now() time.Time { return o.deps.Time.Now() }

// RunJob runs the named job. It never returns nil; failures are reported
// through the result status.
func (o *Orchestrator) RunJob(ctx context.Context, name string, overrides config.Settings) *JobResult {
	return o.runJob(ctx, name, "", overrides)
}

// RunSet runs the jobs of the named set sequentially. With the stop policy
// the set ends at the first FAILURE; the set status is the worst job status.
func (o *Orchestrator) RunSet(ctx context.Context, name string, overrides config.Settings) *SetResult {
	res := &SetResult{Name: name, Status: types.StatusSuccess, StartedAt: o.now()}
	defer func() { res.FinishedAt = o.now() }()

	set, ok := o.cfg.Sets[name]
	if !ok {
		res.Status = types.StatusFailure
		res.Err = types.Fatal(types.KindConfiguration, "set", fmt.Errorf("unknown job set %q", name))
		o.logger.Error("%v", res.Err)
		return res
	}
	stop, policy := set.StopOnError(), "stop"
	if !stop {
		policy = "continue"
	}
	o.logger.Phase("Job set %s: %d job(s), on error %s", name, len(set.Jobs), policy)

	for i, job := range set.Jobs {
		if err := ctx.Err(); err != nil {
			res.Err = err
			res.Status = types.StatusFailure
			res.Skipped = append(res.Skipped, set.Jobs[i:]...)
			o.logger.Warning("Job set %s interrupted: %v", name, err)
			break
		}
		jr := o.runJob(ctx, job, name, overrides)
		res.Jobs = append(res.Jobs, jr)
		res.Status = res.Status.Worse(jr.Status)
		if jr.Status == types.StatusFailure && stop && i < len(set.Jobs)-1 {
			res.Skipped = append(res.Skipped, set.Jobs[i+1:]...)
			o.logger.Warning("Job %s failed, skipping remaining job(s) of set %s: %v", job, name, res.Skipped)
			break
		}
	}
	o.logger.Info("Job set %s finished with status %s", name, res.Status)
	return res
}

func (o *Orchestrator) runJob(ctx context.Context, name, set string, overrides config.Settings) *JobResult {
	res := &JobResult{
		Job:       name,
		Set:       set,
		RunID:     o.deps.NewID(),
		Status:    types.StatusSuccess,
		StartedAt: o.now(),
	}
	warnBase, errBase := o.logger.Counts()
	o.logger.Phase("Job %s (run %s)", name, res.RunID)

	eff, err := o.resolve(name, overrides)
	if err != nil {
		res.fail(err)
		o.logger.Error("Job %s: %v", name, err)
	} else {
		res.DryRun = eff.DryRun
		res.ArchivePath = filepath.Join(eff.DestinationDir, eff.ArchiveFileName(res.StartedAt))
		res.Warnings = append(res.Warnings, eff.Warnings...)
		if eff.DryRun {
			o.logger.Info("[DRY RUN] Simulation mode: no archive will be written or deleted")
		}

		o.safely(res, "pre-backup hook", func() {
			o.runHook(ctx, res, eff, hooks.PreBackup, eff.Hooks.PreBackup, hooks.StatusStarting)
		})
		o.safely(res, "job", func() { o.execute(ctx, res, eff) })
		o.safely(res, "post hooks", func() { o.postHooks(ctx, res, eff) })
	}

	res.FinishedAt = o.now()
	w, e := o.logger.Counts()
	res.logWarnings, res.logErrors = w-warnBase, e-errBase
	o.finish(ctx, res)
	return res
}

func (o *Orchestrator) resolve(name string, overrides config.Settings) (*config.EffectiveJobConfig, error) {
	job, ok := o.cfg.Job(name)
	if !ok {
		return nil, types.Fatal(types.KindConfiguration, "resolve", fmt.Errorf("unknown job %q", name))
	}
	return o.resolver.Resolve(job, o.cfg.Global, overrides)
}

// safely runs fn and turns a panic into a FAILURE of the job.
func (o *Orchestrator) safely(res *JobResult, stage string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			res.fail(fmt.Errorf("unexpected panic during %s: %v", stage, r))
			o.logger.Critical("Panic during %s of job %s: %v", stage, res.Job, r)
			o.logger.Debug("%s", debug.Stack())
		}
	}()
	fn()
}

// execute runs checks through target transfer. Every resource acquired here
// is released by a deferred call, whatever the outcome.
func (o *Orchestrator) execute(ctx context.Context, res *JobResult, eff *config.EffectiveJobConfig) {
	// Pre-flight
	o.logger.Step("Pre-flight checks")
	checker := checks.NewChecker(o.logger, &checks.CheckerConfig{
		DestinationDir: eff.DestinationDir,
		ArchiveName:    eff.ArchiveName,
		MinFreeSpaceGB: eff.MinFreeSpaceGB,
		ExitOnLowSpace: eff.ExitOnLowSpace,
		DryRun:         eff.DryRun,
	})
	results, err := checker.RunAllChecks(ctx)
	defer func() {
		if err := checker.ReleaseLock(); err != nil {
			o.logger.Warning("Job %s: %v", res.Job, err)
		}
	}()
	res.Checks = results
	if err != nil {
		res.fail(err)
		o.logger.Error("Pre-flight checks failed: %v", err)
		return
	}
	for _, c := range results {
		if c.Warning {
			res.warn("%s check: %s", c.Name, c.Message)
		}
	}

	// Credentials
	passwordFile := ""
	if eff.Password.Enabled {
		if eff.DryRun {
			o.logger.Info("[DRY RUN] Would materialize the archive password")
		} else {
			o.logger.Step("Loading archive password")
			material, err := o.credentials.Materialize(eff.Password, eff.TempDir)
			if err != nil {
				res.fail(err)
				o.logger.Error("Archive password unavailable: %v", err)
				return
			}
			defer func() {
				if err := material.Cleanup(); err != nil {
					o.logger.Warning("Failed to remove temporary password file: %v", err)
				}
			}()
			passwordFile = material.PasswordFile
		}
	}

	// Snapshot
	sources := eff.Sources
	if eff.Snapshot.Enabled {
		if eff.DryRun {
			o.logger.Info("[DRY RUN] Would snapshot volume(s) %v", snapshot.VolumesOf(eff.Sources))
		} else {
			o.logger.Step("Creating volume snapshot")
			coord, opts := o.coordinator(eff), o.snapshotOptions(eff)
			sess, err := coord.Begin(ctx, eff.Sources, opts)
			defer func() {
				if err := coord.Release(context.WithoutCancel(ctx), sess, opts); err != nil {
					o.logger.Warning("Snapshot release: %v", err)
				}
			}()
			res.SnapshotSessionID = sess.ID
			res.SnapshotState = sess.State
			if err != nil {
				res.warn("snapshot failed, archiving live files: %v", err)
			} else {
				o.logger.Info("Snapshot ready for %v (session %s)", sess.Volumes, sess.ID)
				sources = sess.Paths(eff.Sources)
			}
		}
	}

	// Retention
	o.logger.Step("Applying retention (keep %d)", eff.RetentionCount)
	enforcer := storage.NewEnforcer(o.logger, eff.DryRun).WithCreationTime(o.deps.CreationTime)
	report, err := enforcer.Enforce(ctx, eff.DestinationDir, eff.ArchiveName, eff.ArchiveExtension, eff.RetentionCount, eff.UseRecycleBin)
	res.Retention = &report
	if err != nil {
		res.warn("retention: %v", err)
	}
	for _, e := range report.Errors {
		res.warn("retention: %v", e)
	}

	// Create
	driver := archive.NewDriver(o.logger, eff, o.deps.Runner, passwordFile)
	if eff.DryRun {
		o.logger.Info("[DRY RUN] Would run: %s %v", eff.ArchiverPath, archive.CreateArgs(eff, sources, res.ArchivePath, passwordFile))
	} else {
		o.logger.Step("Creating archive %s", filepath.Base(res.ArchivePath))
		ar, err := driver.CreateArchive(ctx, sources, res.ArchivePath)
		res.Archive = &ar
		if err != nil {
			res.fail(err)
			o.logger.Error("Archive creation failed: %v", err)
			return
		}
		if ar.Status() == types.StatusWarnings {
			res.warn("archiver reported warnings (exit code %d)", ar.ExitCode)
		}

		// Verify
		if eff.TestArchive {
			o.logger.Step("Verifying archive")
			tr, err := driver.TestArchive(ctx, res.ArchivePath)
			res.Test = &tr
			switch {
			case err != nil:
				res.warn("archive verification failed: %v", err)
			case tr.ExitCode != archive.ExitOK:
				res.warn("archive verification reported warnings (exit code %d)", tr.ExitCode)
			default:
				o.logger.Info("Archive verified")
			}
		}
	}

	// Targets
	if len(eff.Targets) > 0 {
		o.logger.Step("Transferring archive to %d target(s)", len(eff.Targets))
		res.Transfers = storage.NewShipper(o.logger, eff.DryRun).
			Ship(ctx, eff.Targets, res.ArchivePath, eff.ArchiveName, eff.ArchiveExtension)
		for _, t := range res.Transfers {
			if t.Err != nil {
				res.warn("transfer to %s failed: %v", t.Target, t.Err)
			}
		}
	}
}

func (o *Orchestrator) snapshotOptions(eff *config.EffectiveJobConfig) snapshot.Options {
	return snapshot.Options{
		ToolPath:     eff.Snapshot.ToolPath,
		Context:      eff.Snapshot.Context,
		MetadataDir:  eff.Snapshot.MetadataDir,
		ScriptDir:    eff.TempDir,
		PollTimeout:  eff.Snapshot.PollTimeout,
		PollInterval: eff.Snapshot.PollInterval,
		Priority:     eff.Priority,
	}
}

func (o *Orchestrator) coordinator(eff *config.EffectiveJobConfig) *snapshot.Coordinator {
	inventory := o.deps.Inventory
	if inventory == nil {
		inventory = &snapshot.CommandInventory{Runner: o.deps.Runner, Command: eff.Snapshot.InventoryCommand}
	}
	return snapshot.NewCoordinator(o.logger, o.deps.Runner, inventory, o.deps.Claims)
}

func (o *Orchestrator) runHook(ctx context.Context, res *JobResult, eff *config.EffectiveJobConfig, hook hooks.Hook, script, status string) {
	out := o.hooks.Run(ctx, hook, script, hooks.Invocation{
		JobName:     eff.JobName,
		Status:      status,
		ArchivePath: res.ArchivePath,
		ConfigPath:  eff.ConfigPath,
		DryRun:      eff.DryRun,
	})
	if out != nil {
		res.Hooks = append(res.Hooks, *out)
	}
}

// postHooks runs the success or failure hook by final status, then the
// always hook. Hook failures are recorded and never change the status.
func (o *Orchestrator) postHooks(ctx context.Context, res *JobResult, eff *config.EffectiveJobConfig) {
	status := res.Status.Label()
	if res.Status == types.StatusFailure {
		o.runHook(ctx, res, eff, hooks.PostFailure, eff.Hooks.PostFailure, status)
	} else {
		o.runHook(ctx, res, eff, hooks.PostSuccess, eff.Hooks.PostSuccess, status)
	}
	o.runHook(ctx, res, eff, hooks.PostAlways, eff.Hooks.PostAlways, status)
}

// finish logs the summary, records the run and exports metrics. It runs
// after cancellation too.
func (o *Orchestrator) finish(ctx context.Context, res *JobResult) {
	ctx = context.WithoutCancel(ctx)

	var size int64
	if res.Archive != nil && utils.FileExists(res.ArchivePath) {
		size, _ = utils.GetFileSize(res.ArchivePath)
	}
	switch res.Status {
	case types.StatusSuccess:
		o.logger.Info("Job %s completed successfully in %s", res.Job, utils.FormatDuration(res.Duration()))
	case types.StatusWarnings:
		o.logger.Warning("Job %s completed with %d warning(s) in %s", res.Job, len(res.Warnings), utils.FormatDuration(res.Duration()))
	default:
		o.logger.Error("Job %s failed after %s: %v", res.Job, utils.FormatDuration(res.Duration()), res.Err)
	}
	if size > 0 {
		o.logger.Info("Archive: %s (%s)", res.ArchivePath, utils.FormatBytes(size))
	}

	if o.deps.History != nil {
		if _, err := o.deps.History.RecordRun(ctx, res.record()); err != nil {
			o.logger.Warning("Failed to record run history: %v", err)
		}
	}

	dir := o.cfg.Global.MetricsDir
	if dir == "" || res.DryRun {
		return
	}
	exporter := metrics.NewPrometheusExporter(dir, o.logger)
	if err := exporter.Export(res.metrics(size)); err != nil {
		o.logger.Warning("Failed to export Prometheus metrics: %v", err)
	}
}
