package orchestrator

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/tis24dev/jobsave/internal/checks"
	"github.com/tis24dev/jobsave/internal/config"
	"github.com/tis24dev/jobsave/internal/logging"
	"github.com/tis24dev/jobsave/internal/metrics"
	"github.com/tis24dev/jobsave/internal/process"
	"github.com/tis24dev/jobsave/internal/state"
	"github.com/tis24dev/jobsave/internal/types"
)

var testNow = time.Date(2026, 10, 19, 2, 0, 0, 0, time.UTC)

type fixedClock struct{ t time.Time }

func (c fixedClock) Now() time.Time { return c.t }

// fakeTools emulates the archiver, the snapshot tool and hook scripts.
type fakeTools struct {
	mu          sync.Mutex
	calls       []process.Command
	createCode  int
	testCode    int
	toolCode    int
	hookCode    int
	panicCreate bool
}

func (f *fakeTools) Run(_ context.Context, cmd process.Command) (process.Result, error) {
	f.mu.Lock()
	f.calls = append(f.calls, cmd)
	f.mu.Unlock()

	switch {
	case cmd.Path == "7z" && cmd.Args[0] == "a":
		if f.panicCreate {
			panic("archiver exploded")
		}
		if f.createCode <= 1 {
			for _, a := range cmd.Args {
				if strings.HasSuffix(a, ".7z") && !strings.HasPrefix(a, "-") {
					if err := os.WriteFile(a, []byte("7z archive"), 0o644); err != nil {
						return process.Result{}, err
					}
				}
			}
		}
		return process.Result{ExitCode: f.createCode}, nil
	case cmd.Path == "7z" && cmd.Args[0] == "t":
		return process.Result{ExitCode: f.testCode}, nil
	case cmd.Path == "diskshadow":
		return process.Result{ExitCode: f.toolCode}, nil
	default:
		return process.Result{ExitCode: f.hookCode, Stdout: "hook ran"}, nil
	}
}

func (f *fakeTools) archiverCalls(verb string) []process.Command {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []process.Command
	for _, c := range f.calls {
		if c.Path == "7z" && c.Args[0] == verb {
			out = append(out, c)
		}
	}
	return out
}

func (f *fakeTools) callsTo(path string) []process.Command {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []process.Command
	for _, c := range f.calls {
		if c.Path == path {
			out = append(out, c)
		}
	}
	return out
}

type memHistory struct{ runs []state.RunRecord }

func (m *memHistory) RecordRun(_ context.Context, rec state.RunRecord) (int64, error) {
	m.runs = append(m.runs, rec)
	return int64(len(m.runs)), nil
}

type fixture struct {
	dest    string
	source  string
	metrics string
	tools   *fakeTools
	history *memHistory
	logs    *bytes.Buffer
	orch    *Orchestrator

	// created holds the creation times reported to retention, by file name.
	created map[string]time.Time
}

// newFixture builds an orchestrator over a config whose "docs" job archives
// into a temporary destination. extraJob is appended to the job settings and
// extraDoc to the document.
func newFixture(t *testing.T, extraJob, extraDoc string) *fixture {
	t.Helper()
	root := t.TempDir()
	f := &fixture{
		dest:    filepath.Join(root, "dest"),
		source:  filepath.Join(root, "src"),
		metrics: filepath.Join(root, "metrics"),
		tools:   &fakeTools{},
		history: &memHistory{},
		logs:    &bytes.Buffer{},
		created: make(map[string]time.Time),
	}
	if err := os.MkdirAll(f.source, 0o755); err != nil {
		t.Fatal(err)
	}
	doc := fmt.Sprintf(`
global:
  destination_dir: '%s'
  metrics_dir: '%s'
  enable_retries: false
  retention_count: 3
jobs:
  docs:
    archive_name: Docs
    sources: ['%s']
%s
  other:
    archive_name: Other
    sources: ['%s']
%s`, f.dest, f.metrics, f.source, indent(extraJob), f.source, extraDoc)
	cfg, err := config.Parse([]byte(doc))
	if err != nil {
		t.Fatalf("Parse: %v\n%s", err, doc)
	}
	cfg.Path = filepath.Join(root, "jobsave.yaml")

	logger := logging.New(types.LogLevelDebug, false)
	logger.SetOutput(f.logs)
	f.orch = New(logger, cfg, Deps{
		Runner:       f.tools,
		History:      f.history,
		Time:         fixedClock{testNow},
		NewID:        func() string { return "run-1" },
		CreationTime: f.creationTime,
	})
	return f
}

func (f *fixture) creationTime(path string, info os.FileInfo) time.Time {
	if ct, ok := f.created[filepath.Base(path)]; ok {
		return ct
	}
	return info.ModTime()
}

func indent(s string) string {
	if s == "" {
		return ""
	}
	lines := strings.Split(strings.TrimSpace(s), "\n")
	for i, l := range lines {
		lines[i] = "    " + l
	}
	return strings.Join(lines, "\n")
}

// seedArchives creates n archives of Docs, oldest first. Creation times are
// injected; modification times run the other way so ordering by mtime would
// delete the wrong archives.
func (f *fixture) seedArchives(t *testing.T, n int) []string {
	t.Helper()
	if err := os.MkdirAll(f.dest, 0o755); err != nil {
		t.Fatal(err)
	}
	var paths []string
	for i := 1; i <= n; i++ {
		p := filepath.Join(f.dest, fmt.Sprintf("Docs [2026-10-%02d_020000].7z", 10+i))
		if err := os.WriteFile(p, []byte("old"), 0o644); err != nil {
			t.Fatal(err)
		}
		f.created[filepath.Base(p)] = testNow.Add(-time.Duration(n-i+1) * 24 * time.Hour)
		mt := testNow.Add(-time.Duration(i) * time.Hour)
		if err := os.Chtimes(p, mt, mt); err != nil {
			t.Fatal(err)
		}
		paths = append(paths, p)
	}
	return paths
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func TestRunJobRetentionEndToEnd(t *testing.T) {
	f := newFixture(t, "", "")
	seeded := f.seedArchives(t, 4)

	res := f.orch.RunJob(context.Background(), "docs", config.Settings{})

	if res.Status != types.StatusSuccess {
		t.Fatalf("status = %s (err=%v, warnings=%v)\n%s", res.Status, res.Err, res.Warnings, f.logs)
	}
	if res.Retention == nil || res.Retention.Removed() != 2 {
		t.Fatalf("expected 2 archives removed, got %+v", res.Retention)
	}
	if exists(seeded[0]) || exists(seeded[1]) {
		t.Fatalf("the two oldest archives should be deleted")
	}
	if !exists(seeded[2]) || !exists(seeded[3]) {
		t.Fatalf("the two newest archives should be kept")
	}
	want := filepath.Join(f.dest, "Docs [2026-10-19_020000].7z")
	if res.ArchivePath != want || !exists(want) {
		t.Fatalf("new archive %q missing (ArchivePath=%q)", want, res.ArchivePath)
	}
	if res.Archive == nil || res.Archive.Attempts != 1 {
		t.Fatalf("unexpected archive result %+v", res.Archive)
	}
	if exists(checks.LockFilePath(f.dest, "Docs")) {
		t.Fatal("lock file should be released")
	}
	if res.ExitCode() != types.ExitSuccess {
		t.Fatalf("ExitCode = %v", res.ExitCode())
	}

	if len(f.history.runs) != 1 || f.history.runs[0].Deleted != 2 || f.history.runs[0].RunID != "run-1" {
		t.Fatalf("history = %+v", f.history.runs)
	}
	if !exists(filepath.Join(f.metrics, metrics.FileName("docs"))) {
		t.Fatal("metrics textfile not written")
	}
}

func TestRunJobUnknownJob(t *testing.T) {
	f := newFixture(t, "", "")
	res := f.orch.RunJob(context.Background(), "missing", config.Settings{})
	if res.Status != types.StatusFailure || res.ExitCode() != types.ExitConfigError {
		t.Fatalf("status=%s exit=%v", res.Status, res.ExitCode())
	}
	if len(f.tools.calls) != 0 {
		t.Fatalf("no external process may run, got %v", f.tools.calls)
	}
	if len(f.history.runs) != 1 || f.history.runs[0].Status != types.StatusFailure {
		t.Fatalf("failed run should be recorded: %+v", f.history.runs)
	}
}

func TestRunJobArchiverFailureRunsFailureHooks(t *testing.T) {
	dir := t.TempDir()
	failHook := filepath.Join(dir, "failure.sh")
	alwaysHook := filepath.Join(dir, "always.sh")
	successHook := filepath.Join(dir, "success.sh")
	for _, p := range []string{failHook, alwaysHook, successHook} {
		os.WriteFile(p, []byte("#!/bin/sh\n"), 0o755)
	}
	f := newFixture(t, fmt.Sprintf("post_failure_hook: '%s'\npost_always_hook: '%s'\npost_success_hook: '%s'", failHook, alwaysHook, successHook), "")
	f.tools.createCode = 2

	res := f.orch.RunJob(context.Background(), "docs", config.Settings{})
	if res.Status != types.StatusFailure || res.ExitCode() != types.ExitArchiveError {
		t.Fatalf("status=%s exit=%v err=%v", res.Status, res.ExitCode(), res.Err)
	}
	var ran []string
	for _, h := range res.Hooks {
		ran = append(ran, string(h.Hook))
	}
	if !reflect.DeepEqual(ran, []string{"post_failure", "post_always"}) {
		t.Fatalf("hooks = %v", ran)
	}
	call := f.tools.callsTo(failHook)[0]
	if !reflect.DeepEqual(call.Args[:4], []string{"--job-name", "docs", "--status", "Failure"}) {
		t.Fatalf("hook args = %v", call.Args)
	}
	if exists(checks.LockFilePath(f.dest, "Docs")) {
		t.Fatal("lock file should be released after a failure")
	}
}

func TestRunJobArchiverWarning(t *testing.T) {
	f := newFixture(t, "", "")
	f.tools.createCode = 1
	res := f.orch.RunJob(context.Background(), "docs", config.Settings{})
	if res.Status != types.StatusWarnings || res.ExitCode() != types.ExitWarnings {
		t.Fatalf("status=%s warnings=%v", res.Status, res.Warnings)
	}
}

func TestRunJobVerificationFailureDowngrades(t *testing.T) {
	f := newFixture(t, "test_archive: true", "")
	f.tools.testCode = 2
	res := f.orch.RunJob(context.Background(), "docs", config.Settings{})
	if res.Status != types.StatusWarnings {
		t.Fatalf("status = %s, err=%v", res.Status, res.Err)
	}
	if res.Test == nil || res.Test.ExitCode != 2 {
		t.Fatalf("test result = %+v", res.Test)
	}
}

func TestRunJobSnapshotFailureFallsBackToLivePaths(t *testing.T) {
	f := newFixture(t, "", "")
	f.tools.toolCode = 1
	overrides, err := config.ParseOverrides([]string{"enable_snapshot=true"})
	if err != nil {
		t.Fatal(err)
	}
	// a source on a drive so that a volume is requested
	job := f.orch.cfg.Jobs["docs"]
	job.Sources = []string{`C:\Data`}
	f.orch.cfg.Jobs["docs"] = job

	res := f.orch.RunJob(context.Background(), "docs", overrides)
	if res.Status != types.StatusWarnings {
		t.Fatalf("status = %s, err=%v", res.Status, res.Err)
	}
	if res.SnapshotState != "failed" || res.SnapshotSessionID == "" {
		t.Fatalf("snapshot state=%q session=%q", res.SnapshotState, res.SnapshotSessionID)
	}
	create := f.tools.archiverCalls("a")
	if len(create) != 1 || create[0].Args[len(create[0].Args)-1] != `C:\Data` {
		t.Fatalf("archiver should receive the original path: %v", create)
	}
}

func TestRunJobDryRun(t *testing.T) {
	f := newFixture(t, "", "")
	seeded := f.seedArchives(t, 4)
	res := f.orch.RunJob(context.Background(), "docs", config.Settings{DryRun: ptr(true)})

	if res.Status != types.StatusSuccess || !res.DryRun {
		t.Fatalf("status=%s dry=%t err=%v", res.Status, res.DryRun, res.Err)
	}
	if len(f.tools.archiverCalls("a")) != 0 {
		t.Fatal("archiver must not run in dry run")
	}
	for _, p := range seeded {
		if !exists(p) {
			t.Fatalf("%s deleted in dry run", p)
		}
	}
	if len(res.Retention.Candidates) != 2 {
		t.Fatalf("dry run should report 2 candidates, got %d", len(res.Retention.Candidates))
	}
	if exists(filepath.Join(f.metrics, metrics.FileName("docs"))) {
		t.Fatal("metrics are not exported in dry run")
	}
	if !strings.Contains(f.logs.String(), "[DRY RUN] Would run: 7z") {
		t.Fatalf("missing dry run log:\n%s", f.logs)
	}
}

func TestRunJobPanicBecomesFailure(t *testing.T) {
	f := newFixture(t, "", "")
	f.tools.panicCreate = true
	res := f.orch.RunJob(context.Background(), "docs", config.Settings{})
	if res.Status != types.StatusFailure || res.Err == nil || !strings.Contains(res.Err.Error(), "archiver exploded") {
		t.Fatalf("status=%s err=%v", res.Status, res.Err)
	}
	if exists(checks.LockFilePath(f.dest, "Docs")) {
		t.Fatal("lock file should be released after a panic")
	}
}

func TestRunJobLockHeld(t *testing.T) {
	f := newFixture(t, "", "")
	os.MkdirAll(f.dest, 0o755)
	lock := checks.LockFilePath(f.dest, "Docs")
	if err := os.WriteFile(lock, []byte("pid=1\n"), 0o640); err != nil {
		t.Fatal(err)
	}
	res := f.orch.RunJob(context.Background(), "docs", config.Settings{})
	if res.Status != types.StatusFailure || res.ExitCode() != types.ExitLockError {
		t.Fatalf("status=%s exit=%v", res.Status, res.ExitCode())
	}
	if !exists(lock) {
		t.Fatal("a lock held by another run must not be removed")
	}
	if len(f.tools.archiverCalls("a")) != 0 {
		t.Fatal("archiver must not run without the lock")
	}
}

func TestRunJobPasswordRequiredButMissing(t *testing.T) {
	f := newFixture(t, "use_password: true\npassword_env: JOBSAVE_TEST_UNSET_PASSWORD", "")
	os.Unsetenv("JOBSAVE_TEST_UNSET_PASSWORD")
	res := f.orch.RunJob(context.Background(), "docs", config.Settings{})
	if res.Status != types.StatusFailure || res.ExitCode() != types.ExitCredentialError {
		t.Fatalf("status=%s exit=%v err=%v", res.Status, res.ExitCode(), res.Err)
	}
}

func TestRunJobPasswordFilePassedAndRemoved(t *testing.T) {
	t.Setenv("JOBSAVE_TEST_PASSWORD", "pw")
	f := newFixture(t, "use_password: true\npassword_env: JOBSAVE_TEST_PASSWORD", "")
	res := f.orch.RunJob(context.Background(), "docs", config.Settings{})
	if res.Status != types.StatusSuccess {
		t.Fatalf("status=%s err=%v", res.Status, res.Err)
	}
	var pwFile string
	for _, a := range f.tools.archiverCalls("a")[0].Args {
		if strings.HasPrefix(a, "-p@") {
			pwFile = strings.TrimPrefix(a, "-p@")
		}
	}
	if pwFile == "" {
		t.Fatal("archiver did not receive a password file")
	}
	if exists(pwFile) {
		t.Fatal("password file must be removed after the job")
	}
}

func TestRunSetPolicies(t *testing.T) {
	tests := []struct {
		name     string
		onError  string
		wantJobs int
		skipped  []string
	}{
		{"stop", "stop", 1, []string{"other"}},
		{"continue", "continue", 2, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, "", fmt.Sprintf("sets:\n  nightly:\n    jobs: [docs, other]\n    on_error: %s\n", tt.onError))
			f.tools.createCode = 2

			res := f.orch.RunSet(context.Background(), "nightly", config.Settings{})
			if res.Status != types.StatusFailure {
				t.Fatalf("status = %s", res.Status)
			}
			if len(res.Jobs) != tt.wantJobs || !reflect.DeepEqual(res.Skipped, tt.skipped) {
				t.Fatalf("jobs=%d skipped=%v", len(res.Jobs), res.Skipped)
			}
			if res.ExitCode() != types.ExitArchiveError {
				t.Fatalf("ExitCode = %v", res.ExitCode())
			}
			if res.Jobs[0].Set != "nightly" {
				t.Fatalf("job result should carry the set name")
			}
		})
	}
}

func TestRunSetWorstStatus(t *testing.T) {
	f := newFixture(t, "", "sets:\n  nightly:\n    jobs: [docs, other]\n")
	f.tools.createCode = 1
	res := f.orch.RunSet(context.Background(), "nightly", config.Settings{})
	if res.Status != types.StatusWarnings || len(res.Jobs) != 2 || res.ExitCode() != types.ExitWarnings {
		t.Fatalf("status=%s jobs=%d", res.Status, len(res.Jobs))
	}
}

func TestRunSetUnknown(t *testing.T) {
	f := newFixture(t, "", "")
	res := f.orch.RunSet(context.Background(), "nope", config.Settings{})
	if res.Status != types.StatusFailure || res.ExitCode() != types.ExitConfigError {
		t.Fatalf("status=%s exit=%v", res.Status, res.ExitCode())
	}
}

func ptr[T any](v T) *T { return &v }
