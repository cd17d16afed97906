package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"runtime/debug"
	"syscall"
	"time"

	"golang.org/x/term"

	"github.com/tis24dev/jobsave/internal/cli"
	"github.com/tis24dev/jobsave/internal/config"
	"github.com/tis24dev/jobsave/internal/logging"
	"github.com/tis24dev/jobsave/internal/orchestrator"
	"github.com/tis24dev/jobsave/internal/scheduler"
	"github.com/tis24dev/jobsave/internal/state"
	"github.com/tis24dev/jobsave/internal/types"
	"github.com/tis24dev/jobsave/internal/version"
)

// claims older than this belong to runs that never released them
const staleClaimAge = 48 * time.Hour

func main() {
	os.Exit(run())
}

func run() int {
	bootstrap := logging.NewBootstrapLogger()

	defer func() {
		if r := recover(); r != nil {
			bootstrap.Error("PANIC: %v", r)
			fmt.Fprintf(os.Stderr, "panic: %v\n%s\n", r, debug.Stack())
			os.Exit(types.ExitPanicError.Int())
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	args := cli.Parse()
	if args.ShowVersion {
		cli.ShowVersion()
		return types.ExitSuccess.Int()
	}
	if args.ShowHelp {
		cli.ShowHelp()
		return types.ExitSuccess.Int()
	}
	if err := args.Validate(); err != nil {
		bootstrap.Error("ERROR: %v", err)
		return types.ExitConfigError.Int()
	}

	if args.SealVault != "" {
		if err := sealPassword(args, os.Stdin, os.Stderr); err != nil {
			bootstrap.Error("ERROR: %v", err)
			return types.ExitCredentialError.Int()
		}
		bootstrap.Info("Password sealed into %s", args.SealVault)
		return types.ExitSuccess.Int()
	}

	configPath, err := filepath.Abs(args.ConfigPath)
	if err != nil {
		bootstrap.Error("ERROR: %v", err)
		return types.ExitConfigError.Int()
	}
	bootstrap.Debug("Configuration file %s (%s)", configPath, args.ConfigPathSource)
	cfg, err := config.Load(configPath)
	if err != nil {
		bootstrap.Error("ERROR: cannot load configuration: %v", err)
		return types.ExitConfigError.Int()
	}
	overrides, err := config.ParseOverrides(args.Overrides)
	if err != nil {
		bootstrap.Error("ERROR: %v", err)
		return types.ExitConfigError.Int()
	}
	if args.DryRun {
		dry := true
		overrides.DryRun = &dry
	}

	level := logLevel(args.LogLevel, cfg.Global.LogLevel)
	bootstrap.SetLevel(level)
	useColor := term.IsTerminal(int(os.Stdout.Fd()))

	logger, logPath, closeLog, err := logging.StartSessionLogger(cfg.Global.LogDir, flowName(args), level, useColor, rotation(cfg.Global.LogRotation))
	if err != nil {
		bootstrap.Warning("Session log disabled: %v", err)
		logger = logging.New(level, useColor)
		closeLog = func() {}
	}
	defer closeLog()
	bootstrap.Flush(logger)
	logger.Info("%s starting", version.Banner())
	if logPath != "" {
		logger.Debug("Session log: %s", logPath)
	}
	for _, key := range cfg.UnknownKeys() {
		logger.Warning("Unknown configuration key %s ignored", key)
	}

	var deps orchestrator.Deps
	var store *state.Store
	if cfg.Global.StateDB != "" {
		store, err = state.Open(cfg.Global.StateDB)
		if err != nil {
			if args.History {
				logger.Error("Cannot open state database: %v", err)
				return types.ExitConfigError.Int()
			}
			logger.Warning("State database unavailable, history will not be recorded: %v", err)
		} else {
			defer store.Close()
			deps.Claims = store
			deps.History = store
			if n, err := store.PruneClaims(ctx, staleClaimAge); err != nil {
				logger.Warning("Cannot prune snapshot claims: %v", err)
			} else if n > 0 {
				logger.Debug("Pruned %d stale snapshot claim(s)", n)
			}
		}
	}

	switch {
	case args.History:
		if store == nil {
			logger.Error("--history needs global.state_db in the configuration")
			return types.ExitConfigError.Int()
		}
		runs, err := store.RecentRuns(ctx, args.HistoryJob, args.HistoryLimit)
		if err != nil {
			logger.Error("Cannot read history: %v", err)
			return types.ExitGenericError.Int()
		}
		printHistory(os.Stdout, runs)
		return types.ExitSuccess.Int()

	case args.Daemon:
		sched := scheduler.New(logger, configPath, func(c *config.File) scheduler.Runner {
			return orchestrator.New(logger, c, deps)
		}, overrides)
		if err := sched.Run(ctx); err != nil {
			logger.Error("Scheduler: %v", err)
			return types.ExitConfigError.Int()
		}
		logger.Info("Scheduler stopped")
		return types.ExitSuccess.Int()

	case args.Set != "":
		res := orchestrator.New(logger, cfg, deps).RunSet(ctx, args.Set, overrides)
		logger.Info("Set %s finished with %s", args.Set, res.Status)
		return res.ExitCode().Int()

	default:
		res := orchestrator.New(logger, cfg, deps).RunJob(ctx, args.Job, overrides)
		return res.ExitCode().Int()
	}
}

func logLevel(flagLevel types.LogLevel, configured string) types.LogLevel {
	if flagLevel != types.LogLevelNone {
		return flagLevel
	}
	if configured != "" {
		if level, ok := types.ParseLogLevel(configured); ok {
			return level
		}
	}
	return types.LogLevelInfo
}

func rotation(c config.LogRotationConfig) logging.Rotation {
	rot := logging.DefaultRotation()
	if c.MaxSizeMB > 0 {
		rot.MaxSizeMB = c.MaxSizeMB
	}
	if c.MaxBackups > 0 {
		rot.MaxBackups = c.MaxBackups
	}
	if c.MaxAgeDays > 0 {
		rot.MaxAgeDays = c.MaxAgeDays
	}
	if c.Compress != nil {
		rot.Compress = *c.Compress
	}
	return rot
}

func flowName(args *cli.Args) string {
	switch {
	case args.Daemon:
		return "daemon"
	case args.History:
		return "history"
	case args.Set != "":
		return "set-" + args.Set
	default:
		return "job-" + args.Job
	}
}
