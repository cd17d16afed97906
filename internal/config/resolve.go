package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/tis24dev/jobsave/internal/logging"
	"github.com/tis24dev/jobsave/internal/types"
	"gopkg.in/yaml.v3"
)

// Hard-coded fallbacks used when no layer sets a value.
const (
	DefaultArchiveExtension   = ".7z"
	DefaultDateFormat         = "2006-01-02_150405"
	DefaultArchiverPath       = "7z"
	DefaultArchiveFormat      = "7z"
	DefaultSnapshotToolPath   = "diskshadow"
	DefaultSnapshotContext    = "PERSISTENT NOWRITERS"
	DefaultSnapshotTimeout    = 120 * time.Second
	DefaultSnapshotInterval   = 5 * time.Second
	DefaultMaxRetryAttempts   = 3
	DefaultRetryDelay         = 60 * time.Second
	DefaultRetentionCount     = 3
	DefaultPasswordEnvVarName = "JOBSAVE_ARCHIVE_PASSWORD"
)

// ErrNoDestination is wrapped by the fatal error returned when no layer
// supplies a destination directory.
var ErrNoDestination = errors.New("destination directory not configured")

// SnapshotSettings is the resolved snapshot tuning of a job.
type SnapshotSettings struct {
	Enabled          bool
	ToolPath         string
	Context          string
	MetadataDir      string
	PollTimeout      time.Duration
	PollInterval     time.Duration
	InventoryCommand []string
}

// RetryPolicy controls the archiver retry loop.
type RetryPolicy struct {
	Enabled     bool
	MaxAttempts int
	Delay       time.Duration
}

// Attempts returns the number of attempts the policy allows (at least 1).
func (r RetryPolicy) Attempts() int {
	if !r.Enabled || r.MaxAttempts < 1 {
		return 1
	}
	return r.MaxAttempts
}

// PasswordSettings describes where the archive password comes from.
type PasswordSettings struct {
	Enabled       bool
	EnvVar        string // plain password in the environment
	VaultPath     string // age-encrypted password file
	IdentityPath  string // age identity file decrypting VaultPath
	PassphraseEnv string // env var holding the vault passphrase
}

// HookScripts lists the hook script paths; empty means disabled.
type HookScripts struct {
	PreBackup   string
	PostSuccess string
	PostFailure string
	PostAlways  string
}

// EffectiveJobConfig is the fully resolved configuration of one job run.
// It is built once by Resolve and must not be modified afterwards.
type EffectiveJobConfig struct {
	JobName    string
	ConfigPath string
	DryRun     bool

	Sources        []string
	DestinationDir string
	TempDir        string

	ArchiveName      string
	ArchiveExtension string
	DateFormat       string

	ArchiverPath      string
	ArchiveFormat     string
	CompressionLevel  *int
	CompressionMethod string
	DictionarySize    string
	WordSize          string
	SolidBlockSize    string
	Threads           int
	Exclusions        []string
	SuppressOutput    bool
	TestArchive       bool
	Priority          types.ProcessPriority

	Snapshot SnapshotSettings
	Retry    RetryPolicy

	MinFreeSpaceGB float64
	ExitOnLowSpace bool

	RetentionCount int
	UseRecycleBin  bool

	Password PasswordSettings
	Hooks    HookScripts
	Targets  []ResolvedTarget

	// Warnings collected during resolution (skipped targets, clamped values).
	Warnings []string
}

// Resolver merges global, job and override settings.
type Resolver struct {
	logger     *logging.Logger
	configPath string
}

// NewResolver creates a resolver. configPath is recorded in the effective
// configuration and handed to hook scripts.
func NewResolver(logger *logging.Logger, configPath string) *Resolver {
	return &Resolver{logger: logger, configPath: configPath}
}

// pick returns the first non-nil layer, highest precedence first, or fallback.
func pick[T any](fallback T, layers ...*T) T {
	for _, v := range layers {
		if v != nil {
			return *v
		}
	}
	return fallback
}

// Resolve builds the effective configuration of job. Precedence for every
// scalar is overrides > job > global > fallback; arrays come wholesale from
// the job when it sets them, else from global.
func (r *Resolver) Resolve(job JobConfig, global GlobalConfig, overrides Settings) (*EffectiveJobConfig, error) {
	o, j, g := &overrides, &job.Settings, &global.Settings
	eff := &EffectiveJobConfig{
		JobName:    job.Name,
		ConfigPath: r.configPath,
	}

	eff.DestinationDir = strings.TrimSpace(pick("", o.DestinationDir, j.DestinationDir, g.DestinationDir))
	if eff.DestinationDir == "" {
		return nil, types.Fatal(types.KindConfiguration, "resolve",
			fmt.Errorf("job %q: %w", job.Name, ErrNoDestination))
	}

	eff.Sources = cleanList(job.Sources)
	if len(eff.Sources) == 0 {
		return nil, types.Fatal(types.KindConfiguration, "resolve",
			fmt.Errorf("job %q has no source paths", job.Name))
	}

	eff.DryRun = pick(false, o.DryRun, j.DryRun, g.DryRun)
	eff.TempDir = pick("", o.TempDir, j.TempDir, g.TempDir)

	eff.ArchiveName = pick(job.Name, o.ArchiveName, j.ArchiveName, g.ArchiveName)
	if strings.TrimSpace(eff.ArchiveName) == "" {
		eff.ArchiveName = job.Name
	}
	eff.ArchiveExtension = normalizeExtension(pick(DefaultArchiveExtension, o.ArchiveExtension, j.ArchiveExtension, g.ArchiveExtension))
	eff.DateFormat = pick(DefaultDateFormat, o.DateFormat, j.DateFormat, g.DateFormat)

	eff.ArchiverPath = pick(DefaultArchiverPath, o.ArchiverPath, j.ArchiverPath, g.ArchiverPath)
	eff.ArchiveFormat = strings.TrimPrefix(pick(DefaultArchiveFormat, o.ArchiveFormat, j.ArchiveFormat, g.ArchiveFormat), "-t")
	eff.CompressionLevel = pickPtr(o.CompressionLevel, j.CompressionLevel, g.CompressionLevel)
	eff.CompressionMethod = pick("", o.CompressionMethod, j.CompressionMethod, g.CompressionMethod)
	eff.DictionarySize = pick("", o.DictionarySize, j.DictionarySize, g.DictionarySize)
	eff.WordSize = pick("", o.WordSize, j.WordSize, g.WordSize)
	eff.SolidBlockSize = pick("", o.SolidBlockSize, j.SolidBlockSize, g.SolidBlockSize)
	eff.Threads = pick(0, o.Threads, j.Threads, g.Threads)
	if eff.Threads < 0 {
		eff.warn("threads %d is negative, using automatic thread count", eff.Threads)
		eff.Threads = 0
	}
	eff.SuppressOutput = pick(true, o.SuppressOutput, j.SuppressOutput, g.SuppressOutput)
	eff.TestArchive = pick(false, o.TestArchive, j.TestArchive, g.TestArchive)

	priority := pick(string(types.PriorityNormal), o.ProcessPriority, j.ProcessPriority, g.ProcessPriority)
	if p, ok := types.ParseProcessPriority(priority); ok {
		eff.Priority = p
	} else {
		eff.warn("unknown process priority %q, using normal", priority)
		eff.Priority = types.PriorityNormal
	}

	if job.AdditionalExclusions != nil {
		eff.Exclusions = cleanList(job.AdditionalExclusions)
	} else {
		eff.Exclusions = cleanList(global.AdditionalExclusions)
	}

	eff.Snapshot = SnapshotSettings{
		Enabled:          pick(false, o.EnableSnapshot, j.EnableSnapshot, g.EnableSnapshot),
		ToolPath:         pick(DefaultSnapshotToolPath, o.SnapshotToolPath, j.SnapshotToolPath, g.SnapshotToolPath),
		Context:          pick(DefaultSnapshotContext, o.SnapshotContext, j.SnapshotContext, g.SnapshotContext),
		MetadataDir:      pick("", o.SnapshotMetadataDir, j.SnapshotMetadataDir, g.SnapshotMetadataDir),
		PollTimeout:      pick(DefaultSnapshotTimeout, o.SnapshotPollTimeout, j.SnapshotPollTimeout, g.SnapshotPollTimeout),
		PollInterval:     pick(DefaultSnapshotInterval, o.SnapshotPollInterval, j.SnapshotPollInterval, g.SnapshotPollInterval),
		InventoryCommand: cleanList(global.SnapshotInventoryCommand),
	}
	if eff.Snapshot.PollTimeout <= 0 {
		eff.warn("snapshot poll timeout %s is not positive, using %s", eff.Snapshot.PollTimeout, DefaultSnapshotTimeout)
		eff.Snapshot.PollTimeout = DefaultSnapshotTimeout
	}
	if eff.Snapshot.PollInterval <= 0 {
		eff.warn("snapshot poll interval %s is not positive, using %s", eff.Snapshot.PollInterval, DefaultSnapshotInterval)
		eff.Snapshot.PollInterval = DefaultSnapshotInterval
	}

	eff.Retry = RetryPolicy{
		Enabled:     pick(true, o.EnableRetries, j.EnableRetries, g.EnableRetries),
		MaxAttempts: pick(DefaultMaxRetryAttempts, o.MaxRetryAttempts, j.MaxRetryAttempts, g.MaxRetryAttempts),
		Delay:       pick(DefaultRetryDelay, o.RetryDelay, j.RetryDelay, g.RetryDelay),
	}
	if eff.Retry.MaxAttempts < 1 {
		eff.warn("max retry attempts %d is below 1, using 1", eff.Retry.MaxAttempts)
		eff.Retry.MaxAttempts = 1
	}
	if eff.Retry.Delay < 0 {
		eff.Retry.Delay = 0
	}

	eff.MinFreeSpaceGB = pick(0.0, o.MinFreeSpaceGB, j.MinFreeSpaceGB, g.MinFreeSpaceGB)
	eff.ExitOnLowSpace = pick(false, o.ExitOnLowSpace, j.ExitOnLowSpace, g.ExitOnLowSpace)

	eff.RetentionCount = pick(DefaultRetentionCount, o.RetentionCount, j.RetentionCount, g.RetentionCount)
	if eff.RetentionCount < 0 {
		eff.RetentionCount = 0
	}
	eff.UseRecycleBin = pick(false, o.UseRecycleBin, j.UseRecycleBin, g.UseRecycleBin)

	eff.Password = PasswordSettings{
		Enabled:       pick(false, o.UsePassword, j.UsePassword, g.UsePassword),
		EnvVar:        pick("", o.PasswordEnv, j.PasswordEnv, g.PasswordEnv),
		VaultPath:     pick("", o.PasswordVault, j.PasswordVault, g.PasswordVault),
		IdentityPath:  pick("", o.PasswordIdentity, j.PasswordIdentity, g.PasswordIdentity),
		PassphraseEnv: pick("", o.PasswordPassphraseEnv, j.PasswordPassphraseEnv, g.PasswordPassphraseEnv),
	}
	if eff.Password.Enabled && eff.Password.EnvVar == "" && eff.Password.VaultPath == "" {
		eff.Password.EnvVar = DefaultPasswordEnvVarName
	}

	eff.Hooks = HookScripts{
		PreBackup:   pick("", o.PreBackupHook, j.PreBackupHook, g.PreBackupHook),
		PostSuccess: pick("", o.PostSuccessHook, j.PostSuccessHook, g.PostSuccessHook),
		PostFailure: pick("", o.PostFailureHook, j.PostFailureHook, g.PostFailureHook),
		PostAlways:  pick("", o.PostAlwaysHook, j.PostAlwaysHook, g.PostAlwaysHook),
	}

	names := global.TargetNames
	if job.TargetNames != nil {
		names = job.TargetNames
	}
	eff.Targets = r.resolveTargets(eff, cleanList(names), global.Targets)

	for _, w := range eff.Warnings {
		r.logger.Warning("Job %s: %s", job.Name, w)
	}
	for k := range job.Extra {
		r.logger.Debug("Job %s: ignoring unknown setting %q", job.Name, k)
	}
	return eff, nil
}

func (r *Resolver) resolveTargets(eff *EffectiveJobConfig, names []string, registry map[string]yaml.Node) []ResolvedTarget {
	var resolved []ResolvedTarget
	seen := make(map[string]bool, len(names))
	for _, name := range names {
		if seen[name] {
			continue
		}
		seen[name] = true
		node, ok := registry[name]
		if !ok {
			eff.warn("backup target %q is not defined, skipping", name)
			continue
		}
		def, err := decodeTarget(node)
		if err != nil {
			eff.warn("backup target %q is malformed (%v), skipping", name, err)
			continue
		}
		resolved = append(resolved, ResolvedTarget{Name: name, Definition: def})
	}
	return resolved
}

func (e *EffectiveJobConfig) warn(format string, args ...interface{}) {
	e.Warnings = append(e.Warnings, fmt.Sprintf(format, args...))
}

// ArchiveFileName returns "<name> [<date>]<ext>" for the given time.
func (e *EffectiveJobConfig) ArchiveFileName(now time.Time) string {
	return fmt.Sprintf("%s [%s]%s", e.ArchiveName, now.Format(e.DateFormat), e.ArchiveExtension)
}

func pickPtr[T any](layers ...*T) *T {
	for _, v := range layers {
		if v != nil {
			out := *v
			return &out
		}
	}
	return nil
}

func normalizeExtension(ext string) string {
	ext = strings.TrimSpace(ext)
	if ext == "" {
		return DefaultArchiveExtension
	}
	if !strings.HasPrefix(ext, ".") {
		ext = "." + ext
	}
	return ext
}

func cleanList(in []string) []string {
	out := make([]string, 0, len(in))
	for _, v := range in {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}
