package config

import (
	"fmt"
	"os"
	"regexp"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// File is the root of a jobsave configuration file.
type File struct {
	Global    GlobalConfig         `yaml:"global"`
	Jobs      map[string]JobConfig `yaml:"jobs"`
	Sets      map[string]SetConfig `yaml:"sets"`
	Schedules []ScheduleConfig     `yaml:"schedules"`

	// Unrecognized top-level keys.
	Extra map[string]any `yaml:",inline"`

	// Path is the file the configuration was loaded from.
	Path string `yaml:"-"`
}

// Settings holds every scalar that can be set globally, per job or as an
// invocation override. A nil field means "not set at this level".
type Settings struct {
	DestinationDir   *string `yaml:"destination_dir"`
	ArchiveName      *string `yaml:"archive_name"`
	ArchiveExtension *string `yaml:"archive_extension"`
	DateFormat       *string `yaml:"date_format"`

	ArchiverPath      *string `yaml:"archiver_path"`
	ArchiveFormat     *string `yaml:"archive_format"`
	CompressionLevel  *int    `yaml:"compression_level"`
	CompressionMethod *string `yaml:"compression_method"`
	DictionarySize    *string `yaml:"dictionary_size"`
	WordSize          *string `yaml:"word_size"`
	SolidBlockSize    *string `yaml:"solid_block_size"`
	Threads           *int    `yaml:"threads"`
	SuppressOutput    *bool   `yaml:"suppress_output"`
	TestArchive       *bool   `yaml:"test_archive"`
	ProcessPriority   *string `yaml:"process_priority"`

	EnableSnapshot       *bool          `yaml:"enable_snapshot"`
	SnapshotToolPath     *string        `yaml:"snapshot_tool_path"`
	SnapshotContext      *string        `yaml:"snapshot_context"`
	SnapshotMetadataDir  *string        `yaml:"snapshot_metadata_dir"`
	SnapshotPollTimeout  *time.Duration `yaml:"snapshot_poll_timeout"`
	SnapshotPollInterval *time.Duration `yaml:"snapshot_poll_interval"`

	EnableRetries    *bool          `yaml:"enable_retries"`
	MaxRetryAttempts *int           `yaml:"max_retry_attempts"`
	RetryDelay       *time.Duration `yaml:"retry_delay"`

	MinFreeSpaceGB *float64 `yaml:"min_free_space_gb"`
	ExitOnLowSpace *bool    `yaml:"exit_on_low_space"`

	RetentionCount *int  `yaml:"retention_count"`
	UseRecycleBin  *bool `yaml:"use_recycle_bin"`

	UsePassword           *bool   `yaml:"use_password"`
	PasswordEnv           *string `yaml:"password_env"`
	PasswordVault         *string `yaml:"password_vault"`
	PasswordIdentity      *string `yaml:"password_identity"`
	PasswordPassphraseEnv *string `yaml:"password_passphrase_env"`

	PreBackupHook   *string `yaml:"pre_backup_hook"`
	PostSuccessHook *string `yaml:"post_success_hook"`
	PostFailureHook *string `yaml:"post_failure_hook"`
	PostAlwaysHook  *string `yaml:"post_always_hook"`

	TempDir *string `yaml:"temp_dir"`
	DryRun  *bool   `yaml:"dry_run"`
}

// GlobalConfig holds the defaults shared by every job plus host-wide settings.
type GlobalConfig struct {
	Settings `yaml:",inline"`

	AdditionalExclusions []string `yaml:"additional_exclusions"`
	TargetNames          []string `yaml:"target_names"`

	// Targets is the named backup-target registry. Entries are decoded lazily
	// so that one malformed definition does not invalidate the whole file.
	Targets map[string]yaml.Node `yaml:"targets"`

	SnapshotInventoryCommand []string `yaml:"snapshot_inventory_command"`

	StateDB     string            `yaml:"state_db"`
	MetricsDir  string            `yaml:"metrics_dir"`
	LogDir      string            `yaml:"log_dir"`
	LogLevel    string            `yaml:"log_level"`
	LogRotation LogRotationConfig `yaml:"log_rotation"`

	Extra map[string]any `yaml:",inline"`
}

// LogRotationConfig maps onto logging.Rotation; zero values use defaults.
type LogRotationConfig struct {
	MaxSizeMB  int   `yaml:"max_size_mb"`
	MaxBackups int   `yaml:"max_backups"`
	MaxAgeDays int   `yaml:"max_age_days"`
	Compress   *bool `yaml:"compress"`
}

// JobConfig is one entry of the jobs map.
type JobConfig struct {
	Settings `yaml:",inline"`

	Sources              []string `yaml:"sources"`
	AdditionalExclusions []string `yaml:"additional_exclusions"`
	TargetNames          []string `yaml:"target_names"`

	Extra map[string]any `yaml:",inline"`

	// Name is the key of the job in the jobs map.
	Name string `yaml:"-"`
}

// SetConfig groups jobs that run sequentially.
type SetConfig struct {
	Jobs    []string `yaml:"jobs"`
	OnError string   `yaml:"on_error"` // stop (default) | continue
}

// StopOnError reports whether the set stops at the first failed job.
func (s SetConfig) StopOnError() bool {
	return !strings.EqualFold(strings.TrimSpace(s.OnError), "continue")
}

// ScheduleConfig binds a cron expression to a job or a set.
type ScheduleConfig struct {
	Cron string `yaml:"cron"`
	Job  string `yaml:"job"`
	Set  string `yaml:"set"`
}

// Target returns a printable description of what the schedule runs.
func (s ScheduleConfig) Target() string {
	if s.Set != "" {
		return "set " + s.Set
	}
	return "job " + s.Job
}

// matches ${VAR_NAME}
var envPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

func expandEnvVars(s string) string {
	return envPattern.ReplaceAllStringFunc(s, func(m string) string {
		return os.Getenv(envPattern.FindStringSubmatch(m)[1])
	})
}

// Load reads and decodes the configuration at path.
func Load(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	cfg.Path = path
	return cfg, nil
}

// Parse decodes a configuration document after expanding ${VAR} placeholders.
func Parse(data []byte) (*File, error) {
	var cfg File
	if err := yaml.Unmarshal([]byte(expandEnvVars(string(data))), &cfg); err != nil {
		return nil, fmt.Errorf("unmarshalling yaml: %w", err)
	}
	for name, job := range cfg.Jobs {
		job.Name = name
		cfg.Jobs[name] = job
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the structural consistency of the file: every set and
// schedule must reference existing jobs or sets.
func (f *File) Validate() error {
	if len(f.Jobs) == 0 {
		return fmt.Errorf("no jobs defined")
	}
	for name, set := range f.Sets {
		if len(set.Jobs) == 0 {
			return fmt.Errorf("set %q has no jobs", name)
		}
		for _, job := range set.Jobs {
			if _, ok := f.Jobs[job]; !ok {
				return fmt.Errorf("set %q references unknown job %q", name, job)
			}
		}
		switch strings.ToLower(strings.TrimSpace(set.OnError)) {
		case "", "stop", "continue":
		default:
			return fmt.Errorf("set %q: on_error must be stop or continue, got %q", name, set.OnError)
		}
	}
	for i, sched := range f.Schedules {
		if strings.TrimSpace(sched.Cron) == "" {
			return fmt.Errorf("schedule #%d has no cron expression", i+1)
		}
		switch {
		case sched.Set != "" && sched.Job != "":
			return fmt.Errorf("schedule #%d names both a job and a set", i+1)
		case sched.Set != "":
			if _, ok := f.Sets[sched.Set]; !ok {
				return fmt.Errorf("schedule #%d references unknown set %q", i+1, sched.Set)
			}
		case sched.Job != "":
			if _, ok := f.Jobs[sched.Job]; !ok {
				return fmt.Errorf("schedule #%d references unknown job %q", i+1, sched.Job)
			}
		default:
			return fmt.Errorf("schedule #%d names neither a job nor a set", i+1)
		}
	}
	return nil
}

// Job looks up a job by name.
func (f *File) Job(name string) (JobConfig, bool) {
	job, ok := f.Jobs[name]
	return job, ok
}

// JobNames returns the configured job names in sorted order.
func (f *File) JobNames() []string {
	names := make([]string, 0, len(f.Jobs))
	for name := range f.Jobs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// UnknownKeys lists unrecognized keys found at the top level, under global
// and under each job, prefixed with their location.
func (f *File) UnknownKeys() []string {
	var keys []string
	for k := range f.Extra {
		keys = append(keys, k)
	}
	for k := range f.Global.Extra {
		keys = append(keys, "global."+k)
	}
	for name, job := range f.Jobs {
		for k := range job.Extra {
			keys = append(keys, "jobs."+name+"."+k)
		}
	}
	sort.Strings(keys)
	return keys
}
