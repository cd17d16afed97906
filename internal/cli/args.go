package cli

import (
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/tis24dev/jobsave/internal/types"
	"github.com/tis24dev/jobsave/internal/version"
)

const (
	defaultConfigPath   = "./configs/jobsave.yaml"
	configSourceDefault = "default path"
	configSourceFlag    = "specified via --config/-c flag"

	defaultHistoryLimit = 20
)

var osExit = os.Exit

// Args holds the parsed command-line arguments
type Args struct {
	ConfigPath       string
	ConfigPathSource string
	LogLevel         types.LogLevel
	DryRun           bool

	Job       string
	Set       string
	Overrides []string // key=value pairs, see config.ParseOverrides
	Daemon    bool

	History      bool
	HistoryJob   string
	HistoryLimit int

	SealVault         string
	SealRecipients    []string
	SealPassphraseEnv string

	ShowVersion bool
	ShowHelp    bool
}

// Parse parses command-line arguments and returns Args struct
func Parse() *Args {
	args := &Args{}

	configFlag := newStringFlag(defaultConfigPath)

	flag.Var(configFlag, "config", "Path to configuration file")
	flag.Var(configFlag, "c", "Path to configuration file (shorthand)")

	var logLevelStr string
	flag.StringVar(&logLevelStr, "log-level", "",
		"Log level (debug|info|warning|error|critical)")
	flag.StringVar(&logLevelStr, "l", "",
		"Log level (shorthand)")

	flag.BoolVar(&args.DryRun, "dry-run", false,
		"Report what the job would do without creating, deleting or uploading anything")
	flag.BoolVar(&args.DryRun, "n", false,
		"Perform a dry run (shorthand)")

	flag.StringVar(&args.Job, "job", "", "Run a single job")
	flag.StringVar(&args.Job, "j", "", "Run a single job (shorthand)")
	flag.StringVar(&args.Set, "set", "", "Run every job of a job set in order")

	overrides := &listFlag{}
	flag.Var(overrides, "set-override",
		"Override a setting for this run, e.g. --set-override retention_count=5 (repeatable)")
	flag.Var(overrides, "o", "Override a setting (shorthand)")

	flag.BoolVar(&args.Daemon, "daemon", false,
		"Run the configured schedules until interrupted")

	flag.BoolVar(&args.History, "history", false,
		"Show recent job runs from the state database")
	flag.StringVar(&args.HistoryJob, "history-job", "",
		"Limit --history to one job")
	flag.IntVar(&args.HistoryLimit, "history-limit", defaultHistoryLimit,
		"Number of runs shown by --history")

	flag.StringVar(&args.SealVault, "seal-password", "",
		"Encrypt the archive password read from stdin into the given vault file")
	recipients := &listFlag{}
	flag.Var(recipients, "seal-recipient",
		"age recipient (age1...) allowed to open the vault (repeatable)")
	flag.StringVar(&args.SealPassphraseEnv, "seal-passphrase-env", "",
		"Environment variable holding a passphrase that can open the vault")

	flag.BoolVar(&args.ShowVersion, "version", false,
		"Show version information")
	flag.BoolVar(&args.ShowVersion, "v", false,
		"Show version information (shorthand)")

	flag.BoolVar(&args.ShowHelp, "help", false,
		"Show help message")
	flag.BoolVar(&args.ShowHelp, "h", false,
		"Show help message (shorthand)")

	flag.Usage = func() {
		printHelp(os.Stderr, os.Args[0])
	}

	flag.Parse()

	args.ConfigPath = configFlag.value
	if configFlag.set {
		args.ConfigPathSource = configSourceFlag
	} else {
		args.ConfigPathSource = configSourceDefault
	}
	args.Overrides = overrides.values
	args.SealRecipients = recipients.values

	if logLevelStr != "" {
		args.LogLevel = parseLogLevel(logLevelStr)
	} else {
		args.LogLevel = types.LogLevelNone // Will be overridden by config
	}

	return args
}

// Validate rejects combinations of modes that cannot run together.
func (a *Args) Validate() error {
	var modes []string
	if a.Job != "" {
		modes = append(modes, "--job")
	}
	if a.Set != "" {
		modes = append(modes, "--set")
	}
	if a.Daemon {
		modes = append(modes, "--daemon")
	}
	if a.History {
		modes = append(modes, "--history")
	}
	if a.SealVault != "" {
		modes = append(modes, "--seal-password")
	}
	switch {
	case len(modes) == 0:
		return fmt.Errorf("nothing to do: use --job, --set, --daemon, --history or --seal-password")
	case len(modes) > 1:
		return fmt.Errorf("cannot combine %s", strings.Join(modes, ", "))
	}
	if a.SealVault != "" && len(a.SealRecipients) == 0 && a.SealPassphraseEnv == "" {
		return fmt.Errorf("--seal-password needs --seal-recipient or --seal-passphrase-env")
	}
	if a.HistoryLimit <= 0 {
		a.HistoryLimit = defaultHistoryLimit
	}
	return nil
}

// parseLogLevel converts string to LogLevel
func parseLogLevel(s string) types.LogLevel {
	switch s {
	case "debug", "5":
		return types.LogLevelDebug
	case "info", "4":
		return types.LogLevelInfo
	case "warning", "3":
		return types.LogLevelWarning
	case "error", "2":
		return types.LogLevelError
	case "critical", "1":
		return types.LogLevelCritical
	case "none", "0":
		return types.LogLevelNone
	default:
		return types.LogLevelInfo
	}
}

// ShowHelp displays help message and exits
func ShowHelp() {
	printHelp(os.Stderr, os.Args[0])
	osExit(0)
}

// ShowVersion displays version information and exits
func ShowVersion() {
	printVersion(os.Stdout)
	osExit(0)
}

func printHelp(w io.Writer, argv0 string) {
	fmt.Fprintf(w, "Usage: %s [options]\n\n", argv0)
	fmt.Fprintln(w, "jobsave runs scheduled archive jobs (7-Zip, VSS snapshots, retention, targets)")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "Options:")
	flag.PrintDefaults()
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "Examples:")
	fmt.Fprintf(w, "  %s -c /etc/jobsave.yaml --job documents\n", argv0)
	fmt.Fprintf(w, "  %s --set nightly --dry-run --log-level debug\n", argv0)
	fmt.Fprintf(w, "  %s --job documents -o retention_count=3\n", argv0)
	fmt.Fprintf(w, "  %s --daemon\n", argv0)
	fmt.Fprintf(w, "  %s --history --history-job documents\n", argv0)
}

func printVersion(w io.Writer) {
	fmt.Fprintln(w, version.Banner())
}

type stringFlag struct {
	value string
	set   bool
}

func newStringFlag(defaultValue string) *stringFlag {
	return &stringFlag{value: defaultValue}
}

func (s *stringFlag) String() string {
	return s.value
}

func (s *stringFlag) Set(val string) error {
	s.value = val
	s.set = true
	return nil
}

// listFlag collects every occurrence of a repeatable flag.
type listFlag struct {
	values []string
}

func (l *listFlag) String() string {
	return strings.Join(l.values, ",")
}

func (l *listFlag) Set(val string) error {
	val = strings.TrimSpace(val)
	if val == "" {
		return fmt.Errorf("empty value")
	}
	l.values = append(l.values, val)
	return nil
}
