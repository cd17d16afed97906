package config

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/tis24dev/jobsave/internal/logging"
	"github.com/tis24dev/jobsave/internal/types"
)

const sampleConfig = `
global:
  destination_dir: ${JOBSAVE_TEST_DEST}
  retention_count: 5
  compression_level: 5
  test_archive: false
  archive_extension: 7z
  additional_exclusions: ['*.bak']
  target_names: [offsite]
  retry_delay: 30s
  targets:
    offsite:
      type: sftp
      host: backup.example
      user: arch
      password: secret
    nas:
      type: local
      path: /mnt/nas
    broken: "not a mapping"
    incomplete:
      type: s3
  future_option: 1
jobs:
  documents:
    sources: ['C:\Users\me\Documents', '  ', 'D:\Shared']
    retention_count: 2
    target_names: [nas, missing, broken, incomplete]
    additional_exclusions: []
    snapshot_poll_timeout: 45s
    mystery: true
  photos:
    sources: ['E:\Photos']
sets:
  nightly:
    jobs: [documents, photos]
    on_error: continue
schedules:
  - cron: "0 2 * * *"
    set: nightly
`

func testLogger() (*logging.Logger, *bytes.Buffer) {
	var buf bytes.Buffer
	logger := logging.New(types.LogLevelDebug, false)
	logger.SetOutput(&buf)
	return logger, &buf
}

func ptr[T any](v T) *T { return &v }

func loadSample(t *testing.T) *File {
	t.Helper()
	t.Setenv("JOBSAVE_TEST_DEST", "/srv/archives")
	path := filepath.Join(t.TempDir(), "jobsave.yaml")
	if err := os.WriteFile(path, []byte(sampleConfig), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	return cfg
}

func TestLoadExpandsEnvAndKeepsUnknownKeys(t *testing.T) {
	cfg := loadSample(t)

	if got := *cfg.Global.DestinationDir; got != "/srv/archives" {
		t.Fatalf("destination_dir = %q, want expanded value", got)
	}
	job, ok := cfg.Job("documents")
	if !ok || job.Name != "documents" {
		t.Fatalf("job lookup failed: %+v", job)
	}
	if !reflect.DeepEqual(cfg.JobNames(), []string{"documents", "photos"}) {
		t.Fatalf("JobNames() = %v", cfg.JobNames())
	}
	if cfg.Sets["nightly"].StopOnError() {
		t.Fatal("nightly set should continue on error")
	}
	want := []string{"global.future_option", "jobs.documents.mystery"}
	if got := cfg.UnknownKeys(); !reflect.DeepEqual(got, want) {
		t.Fatalf("UnknownKeys() = %v, want %v", got, want)
	}
	if cfg.Schedules[0].Target() != "set nightly" {
		t.Fatalf("schedule target = %q", cfg.Schedules[0].Target())
	}
}

func TestParseValidation(t *testing.T) {
	tests := []struct {
		name string
		doc  string
		want string
	}{
		{"no jobs", "global: {}\n", "no jobs defined"},
		{"unknown job in set", "jobs: {a: {sources: [x]}}\nsets: {s: {jobs: [b]}}\n", "unknown job"},
		{"bad on_error", "jobs: {a: {sources: [x]}}\nsets: {s: {jobs: [a], on_error: maybe}}\n", "on_error"},
		{"schedule without cron", "jobs: {a: {sources: [x]}}\nschedules: [{job: a}]\n", "no cron"},
		{"schedule unknown set", "jobs: {a: {sources: [x]}}\nschedules: [{cron: '@daily', set: s}]\n", "unknown set"},
		{"schedule both", "jobs: {a: {sources: [x]}}\nsets: {s: {jobs: [a]}}\nschedules: [{cron: '@daily', set: s, job: a}]\n", "both"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.doc))
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("Parse error = %v, want containing %q", err, tt.want)
			}
		})
	}
}

func TestResolvePrecedence(t *testing.T) {
	logger, _ := testLogger()
	r := NewResolver(logger, "/etc/jobsave.yaml")

	global := GlobalConfig{Settings: Settings{
		DestinationDir: ptr("/global"),
		TestArchive:    ptr(false),
		RetentionCount: ptr(10),
		ArchiveName:    ptr("global-name"),
	}}
	job := JobConfig{Name: "docs", Sources: []string{`C:\Data`}, Settings: Settings{
		DestinationDir: ptr("/job"),
		TestArchive:    ptr(true),
		RetentionCount: ptr(4),
		ArchiveName:    ptr("job-name"),
	}}

	// job beats global
	eff, err := r.Resolve(job, global, Settings{})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if eff.DestinationDir != "/job" || !eff.TestArchive || eff.RetentionCount != 4 || eff.ArchiveName != "job-name" {
		t.Fatalf("job values should win over global: %+v", eff)
	}

	// override beats job and global for string, bool and int settings
	overrides := Settings{
		DestinationDir: ptr("/override"),
		TestArchive:    ptr(false),
		RetentionCount: ptr(1),
		ArchiveName:    ptr("override-name"),
	}
	eff, err = r.Resolve(job, global, overrides)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if eff.DestinationDir != "/override" || eff.TestArchive || eff.RetentionCount != 1 || eff.ArchiveName != "override-name" {
		t.Fatalf("override values should win: %+v", eff)
	}

	// global beats fallback
	eff, err = r.Resolve(JobConfig{Name: "docs", Sources: []string{"x"}}, global, Settings{})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if eff.DestinationDir != "/global" || eff.RetentionCount != 10 || eff.ArchiveName != "global-name" {
		t.Fatalf("global values should win over fallbacks: %+v", eff)
	}
	if eff.ConfigPath != "/etc/jobsave.yaml" {
		t.Fatalf("ConfigPath = %q", eff.ConfigPath)
	}
}

func TestResolveFallbacks(t *testing.T) {
	logger, _ := testLogger()
	r := NewResolver(logger, "")
	eff, err := r.Resolve(JobConfig{Name: "docs", Sources: []string{"x"}},
		GlobalConfig{Settings: Settings{DestinationDir: ptr("/dest")}}, Settings{})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if eff.ArchiveName != "docs" || eff.ArchiveExtension != DefaultArchiveExtension || eff.DateFormat != DefaultDateFormat {
		t.Fatalf("naming fallbacks wrong: %+v", eff)
	}
	if eff.ArchiverPath != DefaultArchiverPath || eff.ArchiveFormat != DefaultArchiveFormat || eff.CompressionLevel != nil {
		t.Fatalf("archiver fallbacks wrong: %+v", eff)
	}
	if eff.Retry.Attempts() != DefaultMaxRetryAttempts || eff.Retry.Delay != DefaultRetryDelay {
		t.Fatalf("retry fallbacks wrong: %+v", eff.Retry)
	}
	if eff.RetentionCount != DefaultRetentionCount || eff.UseRecycleBin {
		t.Fatalf("retention fallbacks wrong: %+v", eff)
	}
	if eff.Snapshot.Enabled || eff.Snapshot.PollTimeout != DefaultSnapshotTimeout || eff.Snapshot.Context != DefaultSnapshotContext {
		t.Fatalf("snapshot fallbacks wrong: %+v", eff.Snapshot)
	}
	if eff.Priority != types.PriorityNormal || !eff.SuppressOutput {
		t.Fatalf("process fallbacks wrong: %+v", eff)
	}
}

func TestResolveFromFile(t *testing.T) {
	cfg := loadSample(t)
	logger, buf := testLogger()
	r := NewResolver(logger, cfg.Path)

	eff, err := r.Resolve(cfg.Jobs["documents"], cfg.Global, Settings{})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if !reflect.DeepEqual(eff.Sources, []string{`C:\Users\me\Documents`, `D:\Shared`}) {
		t.Fatalf("sources = %v", eff.Sources)
	}
	if eff.RetentionCount != 2 || eff.CompressionLevel == nil || *eff.CompressionLevel != 5 {
		t.Fatalf("unexpected retention/compression: %d %v", eff.RetentionCount, eff.CompressionLevel)
	}
	if eff.ArchiveExtension != ".7z" {
		t.Fatalf("extension should be normalized, got %q", eff.ArchiveExtension)
	}
	if eff.Retry.Delay != 30*time.Second || eff.Snapshot.PollTimeout != 45*time.Second {
		t.Fatalf("durations not decoded: %+v %+v", eff.Retry, eff.Snapshot)
	}
	// Empty job list replaces the global list wholesale.
	if len(eff.Exclusions) != 0 {
		t.Fatalf("job exclusions should replace global ones, got %v", eff.Exclusions)
	}
	if len(eff.Targets) != 1 || eff.Targets[0].Name != "nas" || eff.Targets[0].Definition.Type != TargetLocal {
		t.Fatalf("targets = %+v", eff.Targets)
	}
	if len(eff.Warnings) != 3 {
		t.Fatalf("expected 3 target warnings, got %v", eff.Warnings)
	}
	output := buf.String()
	for _, want := range []string{`"missing" is not defined`, `"broken" is malformed`, `"incomplete" is malformed`, `unknown setting "mystery"`} {
		if !strings.Contains(output, want) {
			t.Errorf("log missing %q:\n%s", want, output)
		}
	}

	photos, err := r.Resolve(cfg.Jobs["photos"], cfg.Global, Settings{})
	if err != nil {
		t.Fatalf("Resolve photos: %v", err)
	}
	if !reflect.DeepEqual(photos.Exclusions, []string{"*.bak"}) {
		t.Fatalf("photos should inherit global exclusions, got %v", photos.Exclusions)
	}
	if len(photos.Targets) != 1 || photos.Targets[0].Name != "offsite" || photos.Targets[0].Definition.Port != 22 {
		t.Fatalf("photos targets = %+v", photos.Targets)
	}
}

func TestResolveFatalWithoutDestination(t *testing.T) {
	logger, _ := testLogger()
	r := NewResolver(logger, "")
	_, err := r.Resolve(JobConfig{Name: "docs", Sources: []string{"x"}}, GlobalConfig{}, Settings{})
	if err == nil {
		t.Fatal("expected error")
	}
	if !types.IsFatal(err) || types.KindOf(err) != types.KindConfiguration {
		t.Fatalf("expected fatal configuration error, got %v", err)
	}
	if !errors.Is(err, ErrNoDestination) {
		t.Fatalf("expected ErrNoDestination, got %v", err)
	}

	_, err = r.Resolve(JobConfig{Name: "docs"}, GlobalConfig{Settings: Settings{DestinationDir: ptr("/d")}}, Settings{})
	if !types.IsFatal(err) {
		t.Fatalf("missing sources should be fatal, got %v", err)
	}
}

func TestResolveClampsValues(t *testing.T) {
	logger, _ := testLogger()
	r := NewResolver(logger, "")
	eff, err := r.Resolve(JobConfig{Name: "docs", Sources: []string{"x"}, Settings: Settings{
		DestinationDir:       ptr("/d"),
		RetentionCount:       ptr(-4),
		MaxRetryAttempts:     ptr(0),
		Threads:              ptr(-2),
		SnapshotPollInterval: ptr(time.Duration(0)),
		ProcessPriority:      ptr("realtime"),
	}}, GlobalConfig{}, Settings{})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if eff.RetentionCount != 0 || eff.Retry.MaxAttempts != 1 || eff.Threads != 0 {
		t.Fatalf("values not clamped: %+v", eff)
	}
	if eff.Snapshot.PollInterval != DefaultSnapshotInterval || eff.Priority != types.PriorityNormal {
		t.Fatalf("invalid values not replaced: %+v", eff)
	}
}

func TestRetryPolicyAttempts(t *testing.T) {
	if got := (RetryPolicy{Enabled: false, MaxAttempts: 5}).Attempts(); got != 1 {
		t.Fatalf("disabled retries should allow 1 attempt, got %d", got)
	}
	if got := (RetryPolicy{Enabled: true, MaxAttempts: 5}).Attempts(); got != 5 {
		t.Fatalf("Attempts() = %d, want 5", got)
	}
}

func TestPasswordDefaultsToEnvVar(t *testing.T) {
	logger, _ := testLogger()
	r := NewResolver(logger, "")
	eff, err := r.Resolve(JobConfig{Name: "docs", Sources: []string{"x"}, Settings: Settings{
		DestinationDir: ptr("/d"),
		UsePassword:    ptr(true),
	}}, GlobalConfig{}, Settings{})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if eff.Password.EnvVar != DefaultPasswordEnvVarName {
		t.Fatalf("EnvVar = %q", eff.Password.EnvVar)
	}
}

func TestArchiveFileName(t *testing.T) {
	eff := &EffectiveJobConfig{ArchiveName: "Docs", ArchiveExtension: ".7z", DateFormat: "2006-01-02"}
	got := eff.ArchiveFileName(time.Date(2026, 10, 19, 3, 0, 0, 0, time.UTC))
	if got != "Docs [2026-10-19].7z" {
		t.Fatalf("ArchiveFileName = %q", got)
	}
}

func TestParseOverrides(t *testing.T) {
	s, err := ParseOverrides([]string{
		"retention_count=7",
		"test_archive=true",
		`destination_dir=D:\Backups`,
		"retry_delay=10s",
		"dry_run=true",
	})
	if err != nil {
		t.Fatalf("ParseOverrides: %v", err)
	}
	if s.RetentionCount == nil || *s.RetentionCount != 7 {
		t.Fatalf("retention_count = %v", s.RetentionCount)
	}
	if s.TestArchive == nil || !*s.TestArchive {
		t.Fatalf("test_archive = %v", s.TestArchive)
	}
	if s.DestinationDir == nil || *s.DestinationDir != `D:\Backups` {
		t.Fatalf("destination_dir = %v", s.DestinationDir)
	}
	if s.RetryDelay == nil || *s.RetryDelay != 10*time.Second {
		t.Fatalf("retry_delay = %v", s.RetryDelay)
	}
	if s.RetentionCount == nil || s.CompressionLevel != nil {
		t.Fatal("only given keys should be set")
	}

	if _, err := ParseOverrides([]string{"no_such_key=1"}); err == nil {
		t.Fatal("expected error for unknown key")
	}
	if _, err := ParseOverrides([]string{"retention_count"}); err == nil {
		t.Fatal("expected error for missing '='")
	}
	if _, err := ParseOverrides([]string{"retention_count=many"}); err == nil {
		t.Fatal("expected error for non-integer value")
	}
	for _, pair := range []string{"archive_name=", "destination_dir=  "} {
		_, err := ParseOverrides([]string{pair})
		key, _, _ := strings.Cut(pair, "=")
		if err == nil || !strings.Contains(err.Error(), key) {
			t.Fatalf("ParseOverrides(%q) err = %v; want empty value error naming %s", pair, err, key)
		}
	}
}

func TestTargetDefinitionValidate(t *testing.T) {
	tests := []struct {
		name string
		def  TargetDefinition
		ok   bool
	}{
		{"local ok", TargetDefinition{Type: "LOCAL", Path: "/mnt"}, true},
		{"local no path", TargetDefinition{Type: "local"}, false},
		{"sftp ok", TargetDefinition{Type: "sftp", Host: "h", User: "u", KeyPath: "/k"}, true},
		{"sftp no auth", TargetDefinition{Type: "sftp", Host: "h", User: "u"}, false},
		{"sftp bad port", TargetDefinition{Type: "sftp", Host: "h", User: "u", Password: "p", Port: 70000}, false},
		{"s3 ok", TargetDefinition{Type: "s3", Bucket: "b", Region: "eu-west-1"}, true},
		{"s3 no region", TargetDefinition{Type: "s3", Bucket: "b"}, false},
		{"missing type", TargetDefinition{}, false},
		{"unknown type", TargetDefinition{Type: "ftp"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			def := tt.def
			err := def.Validate()
			if (err == nil) != tt.ok {
				t.Fatalf("Validate() = %v, want ok=%v", err, tt.ok)
			}
		})
	}
}
