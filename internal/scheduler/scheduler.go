// Package scheduler runs jobs and job sets on cron schedules and reloads
// the schedule when the configuration file changes.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/robfig/cron/v3"

	"github.com/tis24dev/jobsave/internal/config"
	"github.com/tis24dev/jobsave/internal/logging"
	"github.com/tis24dev/jobsave/internal/orchestrator"
)

// DefaultDebounce delays a reload until the configuration file stops changing.
const DefaultDebounce = 500 * time.Millisecond

// Runner executes jobs and sets; *orchestrator.Orchestrator implements it.
type Runner interface {
	RunJob(ctx context.Context, name string, overrides config.Settings) *orchestrator.JobResult
	RunSet(ctx context.Context, name string, overrides config.Settings) *orchestrator.SetResult
}

// Factory builds a Runner for a freshly loaded configuration.
type Factory func(cfg *config.File) Runner

// Entry describes one active schedule.
type Entry struct {
	Schedule config.ScheduleConfig
	Next     time.Time
}

// Scheduler owns the cron instance built from the configuration file.
type Scheduler struct {
	logger    *logging.Logger
	path      string
	factory   Factory
	overrides config.Settings
	load      func(string) (*config.File, error)
	debounce  time.Duration

	mu        sync.Mutex // guards cron, runner, schedules
	cron      *cron.Cron
	runner    Runner
	schedules []config.ScheduleConfig
	entries   []cron.EntryID
	started   bool

	runMu sync.Mutex // serializes job runs across schedules
	ctx   context.Context
}

// New creates a Scheduler for the configuration at path.
func New(logger *logging.Logger, path string, factory Factory, overrides config.Settings) *Scheduler {
	return &Scheduler{
		logger:    logger,
		path:      path,
		factory:   factory,
		overrides: overrides,
		load:      config.Load,
		debounce:  DefaultDebounce,
		ctx:       context.Background(),
	}
}

// cronLogger adapts the application logger to cron.Logger.
type cronLogger struct{ logger *logging.Logger }

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug("cron: %s %v", msg, keysAndValues)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error("cron: %s: %v %v", msg, err, keysAndValues)
}

// Reload loads the configuration and replaces the active schedule. On error
// the previous schedule stays in place.
func (s *Scheduler) Reload() error {
	cfg, err := s.load(s.path)
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}
	if len(cfg.Schedules) == 0 {
		return errors.New("configuration defines no schedules")
	}

	c := cron.New(
		cron.WithLogger(cronLogger{s.logger}),
		cron.WithChain(cron.Recover(cronLogger{s.logger})),
	)
	runner := s.factory(cfg)
	ids := make([]cron.EntryID, 0, len(cfg.Schedules))
	for i, sched := range cfg.Schedules {
		id, err := c.AddFunc(sched.Cron, s.trigger(runner, sched))
		if err != nil {
			return fmt.Errorf("schedule #%d (%s): invalid cron expression %q: %w", i+1, sched.Target(), sched.Cron, err)
		}
		ids = append(ids, id)
	}

	s.mu.Lock()
	old := s.cron
	s.cron, s.runner, s.schedules, s.entries = c, runner, cfg.Schedules, ids
	if s.started {
		old.Stop()
		c.Start()
	}
	s.mu.Unlock()
	for _, e := range s.Entries() {
		s.logger.Info("Scheduled %s at %q (next run %s)", e.Schedule.Target(), e.Schedule.Cron, formatNext(e.Next))
	}
	return nil
}

func formatNext(t time.Time) string {
	if t.IsZero() {
		return "pending"
	}
	return t.Format("2006-01-02 15:04")
}

// Entries returns the active schedules with their next activation.
func (s *Scheduler) Entries() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Entry, 0, len(s.schedules))
	for i, sched := range s.schedules {
		e := Entry{Schedule: sched}
		if s.cron != nil {
			if ce := s.cron.Entry(s.entries[i]); ce.Valid() {
				e.Next = ce.Next
				if e.Next.IsZero() {
					e.Next = ce.Schedule.Next(time.Now())
				}
			}
		}
		out = append(out, e)
	}
	return out
}

// trigger returns the cron callback of sched. Runs are serialized.
func (s *Scheduler) trigger(runner Runner, sched config.ScheduleConfig) func() {
	return func() {
		s.runMu.Lock()
		defer s.runMu.Unlock()
		if s.ctx.Err() != nil {
			return
		}
		s.logger.Info("Schedule %q fired for %s", sched.Cron, sched.Target())
		if sched.Set != "" {
			res := runner.RunSet(s.ctx, sched.Set, s.overrides)
			s.logger.Info("Scheduled set %s finished: %s", sched.Set, res.Status)
			return
		}
		res := runner.RunJob(s.ctx, sched.Job, s.overrides)
		s.logger.Info("Scheduled job %s finished: %s", sched.Job, res.Status)
	}
}

// Run starts the schedule and blocks until ctx is cancelled, then waits for
// a running job to finish.
func (s *Scheduler) Run(ctx context.Context) error {
	s.ctx = ctx
	if err := s.Reload(); err != nil {
		return err
	}
	s.mu.Lock()
	s.cron.Start()
	s.started = true
	s.mu.Unlock()
	s.logger.Info("Scheduler started with %d schedule(s)", len(s.Entries()))

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		s.logger.Warning("Configuration hot reload disabled: %v", err)
	} else {
		defer watcher.Close()
		// watch the directory: editors replace the file on save
		if err := watcher.Add(filepath.Dir(s.path)); err != nil {
			s.logger.Warning("Configuration hot reload disabled: %v", err)
		} else {
			go s.watch(ctx, watcher)
		}
	}

	<-ctx.Done()
	s.logger.Info("Scheduler stopping, waiting for running jobs")
	s.mu.Lock()
	c := s.cron
	s.started = false
	s.mu.Unlock()
	<-c.Stop().Done()
	s.runMu.Lock()
	s.runMu.Unlock()
	return nil
}

func (s *Scheduler) watch(ctx context.Context, w *fsnotify.Watcher) {
	target := filepath.Clean(s.path)
	var timer *time.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-w.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != target || ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			s.logger.Debug("Configuration event %s on %s", ev.Op, ev.Name)
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(s.debounce, func() {
				if err := s.Reload(); err != nil {
					s.logger.Error("Configuration reload failed, keeping previous schedule: %v", err)
					return
				}
				s.logger.Info("Configuration reloaded from %s", s.path)
			})
		case err, ok := <-w.Errors:
			if !ok {
				return
			}
			s.logger.Warning("Configuration watcher error: %v", err)
		}
	}
}
